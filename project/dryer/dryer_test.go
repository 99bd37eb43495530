package dryer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k3mmu/common/config"
	"k3mmu/project/sim"
	"k3mmu/project/telemetry"
)

func newDryer(t *testing.T, interval time.Duration) (*Dryer, *sim.Heater, *telemetry.Bus) {
	t.Helper()
	cfg := config.Default().Dryer
	cfg.ReportInterval = interval
	heater := sim.NewHeater("heater_box")
	require.NoError(t, heater.SetTemp(20))
	bus := telemetry.NewBus(64)
	return New(cfg, heater, bus), heater, bus
}

func TestPresetsSortedAndCaseInsensitive(t *testing.T) {
	cfg := config.Default().Dryer
	cfg.Presets["ABS"] = config.PresetConfig{Temp: 65, Hours: 4}
	d := New(cfg, sim.NewHeater("heater_box"), nil)

	presets := d.Presets()
	require.Len(t, presets, 3)
	assert.Equal(t, "abs", presets[0].Name)
	assert.Equal(t, "petg", presets[1].Name)
	assert.Equal(t, 6*time.Hour, presets[1].Duration)
	assert.Equal(t, "pla", presets[2].Name)
	assert.Equal(t, 4*time.Hour, presets[2].Duration)

	require.NoError(t, d.StartPreset("PeTg"))
	st := d.Status()
	assert.True(t, st.Drying)
	assert.Equal(t, 55.0, st.Target)
	assert.Equal(t, "petg", st.Preset)
	require.NoError(t, d.Stop())

	assert.ErrorIs(t, d.StartPreset("nylon"), ErrUnknownPreset)
}

func TestStartTwiceFails(t *testing.T) {
	d, heater, _ := newDryer(t, time.Minute)
	require.NoError(t, d.Start(50, time.Hour))
	assert.ErrorIs(t, d.Start(45, time.Hour), ErrDrying)
	assert.Equal(t, 50.0, heater.Target())
	require.NoError(t, d.Stop())
}

func TestStopRestoresOriginalTarget(t *testing.T) {
	d, heater, bus := newDryer(t, time.Minute)
	events, cancel := bus.Subscribe(8)
	defer cancel()

	require.NoError(t, d.Start(50, time.Hour))
	require.NoError(t, d.Stop())
	assert.Equal(t, []float64{20, 50, 20}, heater.Sets())
	assert.False(t, d.Drying())
	assert.Equal(t, 0.0, d.Status().Target)

	e := <-events
	assert.Equal(t, telemetry.DryerProgress, e.Kind)
	assert.Equal(t, "stopped", e.Str("state"))
	assert.Equal(t, "heater_box", e.Str("heater"))

	// idle stop is a no-op
	require.NoError(t, d.Stop())
	assert.Len(t, heater.Sets(), 3)
}

func TestCycleCompletesAndReports(t *testing.T) {
	d, heater, bus := newDryer(t, 10*time.Millisecond)
	events, cancel := bus.Subscribe(64)
	defer cancel()

	require.NoError(t, d.Start(45, 80*time.Millisecond))
	require.Eventually(t, func() bool { return !d.Drying() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 20.0, heater.Target())

	var progress, complete int
	timeout := time.After(time.Second)
	for complete == 0 {
		select {
		case e := <-events:
			switch e.Str("state") {
			case "drying":
				progress++
				assert.LessOrEqual(t, e.Float("progress"), 100.0)
			case "complete":
				complete++
				assert.Equal(t, 100.0, e.Float("progress"))
			}
		case <-timeout:
			t.Fatal("no completion event")
		}
	}
	assert.Greater(t, progress, 0)
}

func TestStatusWhileDrying(t *testing.T) {
	d, _, _ := newDryer(t, time.Minute)
	require.NoError(t, d.Start(40, time.Hour))
	defer d.Stop()

	st := d.Status()
	assert.Equal(t, time.Hour, st.Duration)
	assert.Equal(t, 40.0, st.Temperature)
	assert.InDelta(t, 0, st.Progress, 1)
	assert.Equal(t, st.Duration, st.Elapsed+st.Remaining)

	status := d.Get_status()
	assert.Equal(t, true, status["is_drying"])
	assert.Contains(t, status, "remaining")
}

func TestStartValidation(t *testing.T) {
	d, heater, _ := newDryer(t, time.Minute)
	assert.Error(t, d.Start(0, time.Hour))
	assert.Error(t, d.Start(90, time.Hour))
	assert.Error(t, d.Start(40, 0))

	heater.Fail(assert.AnError)
	assert.ErrorIs(t, d.Start(40, time.Hour), assert.AnError)
	assert.False(t, d.Drying())

	cfg := config.Default().Dryer
	cfg.Enabled = false
	assert.ErrorIs(t, New(cfg, heater, nil).Start(40, time.Hour), ErrDisabled)
}

// gatedHeater blocks every SetTemp until release is closed.
type gatedHeater struct {
	release chan struct{}
	entered chan float64

	mu     sync.Mutex
	target float64
}

func (h *gatedHeater) Name() string { return "gated" }

func (h *gatedHeater) Target() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.target
}

func (h *gatedHeater) Temperature() float64 { return h.Target() }

func (h *gatedHeater) SetTemp(temp float64) error {
	h.entered <- temp
	<-h.release
	h.mu.Lock()
	h.target = temp
	h.mu.Unlock()
	return nil
}

func TestSlowHeaterDoesNotBlockStatus(t *testing.T) {
	heater := &gatedHeater{release: make(chan struct{}), entered: make(chan float64, 4)}
	d := New(config.Default().Dryer, heater, nil)

	started := make(chan error, 1)
	go func() { started <- d.Start(50, time.Hour) }()
	assert.Equal(t, 50.0, <-heater.entered)

	status := make(chan Status, 1)
	go func() { status <- d.Status() }()
	select {
	case st := <-status:
		assert.False(t, st.Drying)
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind the heater")
	}

	close(heater.release)
	require.NoError(t, <-started)
	assert.True(t, d.Drying())
	require.NoError(t, d.Stop())
	assert.Equal(t, 0.0, <-heater.entered)
	assert.False(t, d.Drying())
}
