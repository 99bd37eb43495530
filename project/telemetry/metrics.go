package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics turns the event stream into Prometheus series.
type Metrics struct {
	transitions *prometheus.CounterVec
	tickets     *prometheus.CounterVec
	exchanges   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	dryer       *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	self := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmu_state_transitions_total",
			Help: "Exchange state machine transitions by destination state",
		}, []string{"toolhead", "state"}),
		tickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmu_recovery_resolutions_total",
			Help: "Recovery ticket resolutions by outcome",
		}, []string{"toolhead", "outcome"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmu_exchanges_total",
			Help: "Completed exchange requests by operation and status",
		}, []string{"toolhead", "op", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mmu_exchange_duration_seconds",
			Help:    "Wall time of exchange requests",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"toolhead", "op"}),
		dryer: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mmu_dryer_progress_ratio",
			Help: "Progress of the running drying cycle, 0 to 1",
		}, []string{"heater"}),
	}
	for _, c := range []prometheus.Collector{self.transitions, self.tickets, self.exchanges, self.duration, self.dryer} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return self, nil
}

func (self *Metrics) Publish(e Event) {
	switch e.Kind {
	case StateTransition:
		self.transitions.WithLabelValues(e.Toolhead, e.Str("to")).Inc()
	case TicketResolved:
		self.tickets.WithLabelValues(e.Toolhead, e.Str("outcome")).Inc()
	case ExchangeResult:
		self.exchanges.WithLabelValues(e.Toolhead, e.Str("op"), e.Str("status")).Inc()
		self.duration.WithLabelValues(e.Toolhead, e.Str("op")).Observe(e.Float("duration"))
	case DryerProgress:
		self.dryer.WithLabelValues(e.Str("heater")).Set(e.Float("progress") / 100)
	}
}
