package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k3mmu/common/config"
	"k3mmu/project"
	"k3mmu/project/exchange"
	"k3mmu/project/store"
)

func newHandler(t *testing.T) (http.Handler, *project.MMU) {
	t.Helper()
	return newHandlerWith(t, store.NewMemory())
}

func newHandlerWith(t *testing.T, st store.Store) (http.Handler, *project.MMU) {
	t.Helper()
	cfg := config.Default()
	th := &cfg.Toolheads[0]
	th.Selector.Settle = 20 * time.Millisecond
	for _, seg := range []*config.SegmentConfig{
		&th.Segments.Buffer, &th.Segments.Bowden, &th.Segments.Extruder, &th.Segments.Nozzle,
	} {
		seg.MaxTime = 50 * time.Millisecond
	}
	reg := prometheus.NewRegistry()
	mmu, err := project.NewMMU(project.Options{Config: cfg, Store: st, Registerer: reg})
	require.NoError(t, err)
	t.Cleanup(func() { mmu.Close() })
	return NewHandler(mmu, reg), mmu
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type outcomeBody struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Gate   int    `json:"gate"`
	Tool   struct {
		Loaded int `json:"loaded"`
	} `json:"tool"`
}

func decodeOutcome(t *testing.T, w *httptest.ResponseRecorder) outcomeBody {
	t.Helper()
	var out outcomeBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthAndStatus(t *testing.T) {
	h, _ := newHandler(t)

	w := do(t, h, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, h, "GET", "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Contains(t, status["toolheads"], "T0")
	assert.Len(t, status["gates"], 4)

	w = do(t, h, "OPTIONS", "/api/exchange", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestExchangeEndpoint(t *testing.T) {
	h, mmu := newHandler(t)

	w := do(t, h, "POST", "/api/exchange", ExchangeRequest{Gate: 2, Op: "load", Timeout: "30s"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decodeOutcome(t, w)
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, 2, out.Tool.Loaded)
	assert.Equal(t, 2, mmu.Machines()[0].ToolState().Loaded)

	w = do(t, h, "POST", "/api/exchange", ExchangeRequest{Gate: 0, Op: "load"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "failed", decodeOutcome(t, w).Status)

	w = do(t, h, "POST", "/api/exchange", ExchangeRequest{Gate: 9, Op: "swap"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, h, "POST", "/api/exchange", ExchangeRequest{Gate: 1, Op: "teleport"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, "POST", "/api/exchange", ExchangeRequest{Gate: 1, Op: "load", Timeout: "soon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, "POST", "/api/exchange", "{")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "POST", "/api/exchange", ExchangeRequest{Gate: -1, Op: "unload"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out = decodeOutcome(t, w)
	assert.Equal(t, 2, out.Gate)
	assert.Equal(t, -1, out.Tool.Loaded)

	w = do(t, h, "POST", "/api/abort?toolhead=T0", nil)
	assert.JSONEq(t, `{"aborted":false}`, w.Body.String())

	w = do(t, h, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `mmu_exchanges_total{op="load",status="success",toolhead="T0"} 1`)
}

func TestGateEndpoints(t *testing.T) {
	h, mmu := newHandler(t)

	w := do(t, h, "PUT", "/api/gates/3", GateRequest{Material: "ASA", Color: "1,2,3", Temp: 260})
	require.Equal(t, http.StatusOK, w.Code)
	var gates []exchange.Gate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gates))
	require.Len(t, gates, 4)
	assert.Equal(t, "ASA", gates[3].Material)
	assert.True(t, gates[3].Occupied)

	w = do(t, h, "DELETE", "/api/gates/3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	g, _ := mmu.Gate(3)
	assert.False(t, g.Occupied)

	assert.Equal(t, http.StatusNotFound, do(t, h, "PUT", "/api/gates/8", GateRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "DELETE", "/api/gates/x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "PUT", "/api/gates/1", "nope").Code)
}

func TestRunoutEndpoint(t *testing.T) {
	h, mmu := newHandler(t)

	w := do(t, h, "POST", "/api/toolheads/T0/runout", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	require.True(t, mmu.RequestExchange(context.Background(), 3, exchange.Load).Success())
	w = do(t, h, "POST", "/api/toolheads/t0/runout", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, decodeOutcome(t, w).Tool.Loaded)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "POST", "/api/toolheads/left/runout", nil).Code)
}

func TestHistoryEndpoint(t *testing.T) {
	h, _ := newHandler(t)
	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/api/history", nil).Code)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	h, _ = newHandlerWith(t, store.NewRedisFromClient(backend.NewClient(&backend.Options{Addr: mr.Addr()}), "mmu:"))

	require.Equal(t, http.StatusOK, do(t, h, "POST", "/api/exchange", ExchangeRequest{Gate: 1, Op: "load"}).Code)
	require.Equal(t, http.StatusOK, do(t, h, "PUT", "/api/gates/3", GateRequest{Material: "TPU"}).Code)

	w := do(t, h, "GET", "/api/history?n=1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var hist []store.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist, 1)
	assert.Equal(t, "TPU", hist[0].Gates[3].Material)
	assert.Equal(t, 1, hist[0].Tools["T0"].Loaded)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", "/api/history?n=zero", nil).Code)
}

func TestDryerEndpoints(t *testing.T) {
	h, _ := newHandler(t)

	w := do(t, h, "GET", "/api/dryer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"pla"`)

	w = do(t, h, "POST", "/api/dryer/start", DryerRequest{Preset: "PLA"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, true, status["is_drying"])
	assert.Equal(t, 45.0, status["target_temp"])

	assert.Equal(t, http.StatusConflict, do(t, h, "POST", "/api/dryer/start", DryerRequest{Temp: 50, Duration: "1h"}).Code)

	w = do(t, h, "POST", "/api/dryer/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"is_drying":false`)

	assert.Equal(t, http.StatusNotFound, do(t, h, "POST", "/api/dryer/start", DryerRequest{Preset: "nylon"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "POST", "/api/dryer/start", DryerRequest{Temp: 50, Duration: "later"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "POST", "/api/dryer/start", DryerRequest{Temp: 500, Duration: "1h"}).Code)
}

func TestSubscribeEvents(t *testing.T) {
	h, mmu := newHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, "event: ping", lines.Text())

	require.Eventually(t, func() bool { return mmu.Bus().Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	go mmu.RequestExchange(context.Background(), 1, exchange.Load)

	found := false
	for lines.Scan() {
		if strings.HasPrefix(lines.Text(), "event: state_transition") {
			found = true
			break
		}
	}
	assert.True(t, found)
}
