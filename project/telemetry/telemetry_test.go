package telemetry

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"k3mmu/common/logger"
)

func TestBusDeliversAndDrops(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(NewEvent(StateTransition, "T0", "r1", map[string]interface{}{"to": "selecting"}))
	bus.Publish(NewEvent(StateTransition, "T0", "r1", map[string]interface{}{"to": "loading"}))

	got := <-ch
	assert.Equal(t, "selecting", got.Str("to"))
	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Len(t, bus.Recent(0), 2)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe(1)
	assert.Equal(t, 1, bus.Subscribers())
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Subscribers())
	bus.Publish(Event{Kind: DryerProgress})
}

func TestBusHistoryWraps(t *testing.T) {
	bus := NewBus(3)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: SensorSnapshot, Attrs: map[string]interface{}{"n": i}})
	}
	recent := bus.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, 2, recent[0].Attrs["n"])
	assert.Equal(t, 4, recent[2].Attrs["n"])
	assert.False(t, recent[0].Time.IsZero())

	last := bus.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, 4, last[0].Attrs["n"])
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewBus(2), NewBus(2)
	Multi{a, nil, b, Nop{}}.Publish(Event{Kind: ExchangeResult})
	assert.Len(t, a.Recent(0), 1)
	assert.Len(t, b.Recent(0), 1)
}

func TestMetricsCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.Publish(NewEvent(StateTransition, "T0", "", map[string]interface{}{"to": "loading"}))
	m.Publish(NewEvent(StateTransition, "T0", "", map[string]interface{}{"to": "loading"}))
	m.Publish(NewEvent(TicketResolved, "T0", "", map[string]interface{}{"outcome": "retried"}))
	m.Publish(NewEvent(ExchangeResult, "T0", "", map[string]interface{}{
		"op": "load", "status": "success", "duration": 1.5,
	}))
	m.Publish(NewEvent(DryerProgress, "", "", map[string]interface{}{"heater": "heater_box", "progress": 50.0}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("T0", "loading")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tickets.WithLabelValues("T0", "retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("T0", "load", "success")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.dryer.WithLabelValues("heater_box")))

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logger.Logger
	logger.SetLogger(zap.New(core))
	defer logger.SetLogger(prev)

	LogSink{}.Publish(NewEvent(ExchangeResult, "T0", "abc", map[string]interface{}{"status": "failed", "reason": "bowden checkpoint timeout"}))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "abc", ctx["request"])
	assert.True(t, strings.Contains(ctx["reason"].(string), "bowden"))
}
