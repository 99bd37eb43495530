package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"k3mmu/common/logger"
	"k3mmu/project/dryer"
	"k3mmu/project/exchange"
	"k3mmu/project/planner"
	"k3mmu/project/store"
	"k3mmu/project/telemetry"
)

// Unit is the MMU as the HTTP surface sees it.
type Unit interface {
	Request(ctx context.Context, req exchange.Request) exchange.Outcome
	Abort(toolhead string) bool
	HandleRunout(ctx context.Context, toolhead int) exchange.Outcome
	Gates() []exchange.Gate
	SetGate(index int, material, color string, temp int) error
	SetGateEmpty(index int) error
	History(ctx context.Context, n int) ([]*store.Snapshot, error)
	Get_status() map[string]interface{}
	Bus() *telemetry.Bus
	Dryer() *dryer.Dryer
}

type Server struct {
	Unit     Unit
	Gatherer prometheus.Gatherer
}

// NewHandler routes the API of unit. A nil gatherer serves the default
// Prometheus registry on /metrics.
func NewHandler(unit Unit, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{Unit: unit, Gatherer: gatherer}
	r := chi.NewRouter()

	r.Get("/health", s.GetHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.GetStatus)
		r.Post("/exchange", s.Exchange)
		r.Post("/abort", s.Abort)
		r.Post("/toolheads/{toolhead}/runout", s.Runout)
		r.Get("/gates", s.GetGates)
		r.Put("/gates/{index}", s.SetGate)
		r.Delete("/gates/{index}", s.EmptyGate)
		r.Get("/history", s.GetHistory)
		r.Get("/events", s.SubscribeEvents)
		r.Get("/dryer", s.GetDryer)
		r.Post("/dryer/start", s.StartDryer)
		r.Post("/dryer/stop", s.StopDryer)
	})
	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve listens on addr until ctx is done. Open event streams end with ctx.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("API: listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return fmt.Errorf("API: shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("API: encode response: %v", err)
	}
}

func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Unit.Get_status())
}

type ExchangeRequest struct {
	Gate    int    `json:"gate"`
	Op      string `json:"op"`
	Timeout string `json:"timeout,omitempty"`
}

// Exchange runs one request and answers with its outcome once the machine
// is back in Idle.
func (s *Server) Exchange(w http.ResponseWriter, r *http.Request) {
	var body ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	op, err := exchange.ParseOp(body.Op)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := exchange.NewRequest(body.Gate, op)
	if body.Timeout != "" {
		if req.Timeout, err = time.ParseDuration(body.Timeout); err != nil || req.Timeout <= 0 {
			http.Error(w, fmt.Sprintf("Invalid timeout %q", body.Timeout), http.StatusBadRequest)
			return
		}
	}
	// a dropped client must not stop a tool change halfway; /api/abort does
	out := s.Unit.Request(context.WithoutCancel(r.Context()), req)
	writeJSON(w, outcomeCode(out), out)
}

func outcomeCode(out exchange.Outcome) int {
	switch {
	case out.Success():
		return http.StatusOK
	case errors.Is(out.Err, exchange.ErrBusy):
		return http.StatusConflict
	case errors.Is(out.Err, exchange.ErrGateEmpty), errors.Is(out.Err, exchange.ErrConflict),
		errors.Is(out.Err, exchange.ErrNotLoaded), errors.Is(out.Err, planner.ErrNoPath):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) Abort(w http.ResponseWriter, r *http.Request) {
	toolhead := r.URL.Query().Get("toolhead")
	writeJSON(w, http.StatusOK, map[string]interface{}{"aborted": s.Unit.Abort(toolhead)})
}

func (s *Server) Runout(w http.ResponseWriter, r *http.Request) {
	toolhead, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(chi.URLParam(r, "toolhead")), "T"))
	if err != nil {
		http.Error(w, "Invalid toolhead", http.StatusBadRequest)
		return
	}
	out := s.Unit.HandleRunout(r.Context(), toolhead)
	writeJSON(w, outcomeCode(out), out)
}

func (s *Server) GetGates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Unit.Gates())
}

type GateRequest struct {
	Material string `json:"material"`
	Color    string `json:"color"`
	Temp     int    `json:"temp"`
}

func gateIndex(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "index"))
}

func (s *Server) SetGate(w http.ResponseWriter, r *http.Request) {
	index, err := gateIndex(r)
	if err != nil {
		http.Error(w, "Invalid gate index", http.StatusBadRequest)
		return
	}
	var body GateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.Unit.SetGate(index, body.Material, body.Color, body.Temp); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.GetGates(w, r)
}

func (s *Server) EmptyGate(w http.ResponseWriter, r *http.Request) {
	index, err := gateIndex(r)
	if err != nil {
		http.Error(w, "Invalid gate index", http.StatusBadRequest)
		return
	}
	if err := s.Unit.SetGateEmpty(index); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.GetGates(w, r)
}

// GetHistory lists earlier saved states, newest first; n defaults to 10.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		var err error
		if n, err = strconv.Atoi(v); err != nil || n <= 0 {
			http.Error(w, "Invalid n", http.StatusBadRequest)
			return
		}
	}
	hist, err := s.Unit.History(r.Context(), n)
	switch {
	case errors.Is(err, store.ErrNoHistory):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// SubscribeEvents streams the event bus as server-sent events. recent=N
// replays the last N events first.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		logger.Error("API: SSE: streaming not supported")
		return
	}
	bus := s.Unit.Bus()
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")

	if n, err := strconv.Atoi(r.URL.Query().Get("recent")); err == nil && n > 0 {
		for _, e := range bus.Recent(n) {
			writeEvent(w, e)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, e)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e telemetry.Event) {
	bts, err := json.Marshal(e)
	if err != nil {
		logger.Errorf("API: SSE: encode %s event: %v", e.Kind, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, bts)
}

func (s *Server) GetDryer(w http.ResponseWriter, r *http.Request) {
	d := s.Unit.Dryer()
	var presets []map[string]interface{}
	for _, p := range d.Presets() {
		presets = append(presets, map[string]interface{}{
			"name": p.Name, "temp": p.Temp, "hours": p.Duration.Hours(),
		})
	}
	status := d.Get_status()
	status["presets"] = presets
	writeJSON(w, http.StatusOK, status)
}

type DryerRequest struct {
	Preset   string  `json:"preset,omitempty"`
	Temp     float64 `json:"temp,omitempty"`
	Duration string  `json:"duration,omitempty"`
}

func (s *Server) StartDryer(w http.ResponseWriter, r *http.Request) {
	var body DryerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	d := s.Unit.Dryer()
	var err error
	if body.Preset != "" {
		err = d.StartPreset(body.Preset)
	} else {
		var dur time.Duration
		if dur, err = time.ParseDuration(body.Duration); err != nil {
			http.Error(w, fmt.Sprintf("Invalid duration %q", body.Duration), http.StatusBadRequest)
			return
		}
		err = d.Start(body.Temp, dur)
	}
	switch {
	case errors.Is(err, dryer.ErrDrying):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, dryer.ErrUnknownPreset):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.GetDryer(w, r)
}

func (s *Server) StopDryer(w http.ResponseWriter, r *http.Request) {
	if err := s.Unit.Dryer().Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.GetDryer(w, r)
}
