package dryer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"k3mmu/common/config"
	"k3mmu/common/logger"
	"k3mmu/common/utils/sys"
	"k3mmu/project/telemetry"
)

var (
	ErrDrying        = errors.New("drying cycle already in progress")
	ErrUnknownPreset = errors.New("unknown dryer preset")
	ErrDisabled      = errors.New("dryer is disabled")
)

// Heater is the heating element the dryer drives.
type Heater interface {
	Name() string
	Target() float64
	Temperature() float64
	SetTemp(temp float64) error
}

type Preset struct {
	Name     string        `json:"name"`
	Temp     float64       `json:"temp"`
	Duration time.Duration `json:"duration"`
}

type Status struct {
	Drying      bool          `json:"is_drying"`
	Target      float64       `json:"target_temp"`
	Temperature float64       `json:"temperature"`
	Preset      string        `json:"preset,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Elapsed     time.Duration `json:"elapsed,omitempty"`
	Remaining   time.Duration `json:"remaining,omitempty"`
	Progress    float64       `json:"progress"`
}

// Dryer runs timed drying cycles on a heater. A cycle ends by itself once
// its duration has passed and the heater goes back to the target it had
// before the cycle.
type Dryer struct {
	cfg     config.DryerConfig
	heater  Heater
	events  telemetry.Publisher
	presets map[string]Preset

	// cmd serializes heater commands; mu guards the cycle state and is
	// never held across a heater call.
	cmd      sync.Mutex
	mu       sync.Mutex
	drying   bool
	gen      uint64
	done     chan struct{}
	target   float64
	original float64
	preset   string
	began    time.Time
	duration time.Duration
}

func New(cfg config.DryerConfig, heater Heater, events telemetry.Publisher) *Dryer {
	if events == nil {
		events = telemetry.Nop{}
	}
	self := &Dryer{cfg: cfg, heater: heater, events: events, presets: map[string]Preset{}}
	for name, p := range cfg.Presets {
		name = strings.ToLower(strings.TrimSpace(name))
		self.presets[name] = Preset{
			Name:     name,
			Temp:     p.Temp,
			Duration: time.Duration(p.Hours * float64(time.Hour)),
		}
	}
	return self
}

// Presets returns the configured presets sorted by name.
func (self *Dryer) Presets() []Preset {
	out := make([]Preset, 0, len(self.presets))
	for _, p := range self.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (self *Dryer) StartPreset(name string) error {
	p, ok := self.presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownPreset, name)
	}
	return self.start(p.Temp, p.Duration, p.Name)
}

func (self *Dryer) Start(temp float64, duration time.Duration) error {
	return self.start(temp, duration, "")
}

func (self *Dryer) start(temp float64, duration time.Duration, preset string) error {
	if !self.cfg.Enabled || self.heater == nil {
		return ErrDisabled
	}
	if temp <= 0 || (self.cfg.MaxTemp > 0 && temp > self.cfg.MaxTemp) {
		return fmt.Errorf("dryer temperature %.1f out of range (0, %.1f]", temp, self.cfg.MaxTemp)
	}
	if duration <= 0 {
		return fmt.Errorf("dryer duration must be positive, got %s", duration)
	}

	self.cmd.Lock()
	defer self.cmd.Unlock()
	if self.Drying() {
		return ErrDrying
	}
	original := self.heater.Target()
	if err := self.heater.SetTemp(temp); err != nil {
		return fmt.Errorf("dryer: set %s to %.1f: %w", self.heater.Name(), temp, err)
	}

	self.mu.Lock()
	self.gen++
	self.drying = true
	self.done = make(chan struct{})
	self.target = temp
	self.original = original
	self.preset = preset
	self.began = time.Now()
	self.duration = duration
	go self.run(self.gen, self.done, duration, self.interval())
	self.mu.Unlock()

	logger.Infof("Started filament drying: %.1fC for %.1f hours", temp, duration.Hours())
	return nil
}

func (self *Dryer) interval() time.Duration {
	if self.cfg.ReportInterval > 0 {
		return self.cfg.ReportInterval
	}
	return 5 * time.Minute
}

func (self *Dryer) run(gen uint64, done <-chan struct{}, duration, interval time.Duration) {
	defer sys.CatchPanic("dryer")
	timer := time.NewTimer(duration)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-timer.C:
			self.finish(gen, "complete")
			return
		case <-ticker.C:
			self.report(gen)
		}
	}
}

func (self *Dryer) report(gen uint64) {
	self.mu.Lock()
	if !self.drying || self.gen != gen {
		self.mu.Unlock()
		return
	}
	st := self.statusLocked(time.Now())
	self.mu.Unlock()

	logger.Infof("Drying: %.1fC | %.1f%% complete | %.1fh elapsed | %.1fh remaining",
		st.Temperature, st.Progress, st.Elapsed.Hours(), st.Remaining.Hours())
	self.publish("drying", st)
}

// Stop ends the running cycle. Stopping an idle dryer does nothing.
func (self *Dryer) Stop() error {
	self.mu.Lock()
	gen := self.gen
	self.mu.Unlock()
	return self.finish(gen, "stopped")
}

// finish ends cycle gen if it is still the running one and puts the heater
// back to its original target.
func (self *Dryer) finish(gen uint64, reason string) error {
	self.cmd.Lock()
	defer self.cmd.Unlock()

	self.mu.Lock()
	if !self.drying || self.gen != gen {
		self.mu.Unlock()
		return nil
	}
	st := self.statusLocked(time.Now())
	if reason == "complete" {
		st.Progress = 100
		st.Remaining = 0
	}
	original := self.original
	close(self.done)
	self.drying = false
	self.target = 0
	self.preset = ""
	self.duration = 0
	self.mu.Unlock()

	if reason == "complete" {
		logger.Info("Filament drying cycle complete")
	} else {
		logger.Info("Filament drying stopped")
	}
	err := self.heater.SetTemp(original)
	if err != nil {
		logger.Errorf("dryer: restore %s to %.1f: %v", self.heater.Name(), original, err)
	}
	self.publish(reason, st)
	return err
}

func (self *Dryer) publish(state string, st Status) {
	self.events.Publish(telemetry.NewEvent(telemetry.DryerProgress, "", "", map[string]interface{}{
		"heater":      self.heater.Name(),
		"state":       state,
		"progress":    st.Progress,
		"temperature": st.Temperature,
		"target":      st.Target,
		"remaining":   st.Remaining.Seconds(),
	}))
}

func (self *Dryer) Drying() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.drying
}

func (self *Dryer) Status() Status {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.statusLocked(time.Now())
}

func (self *Dryer) statusLocked(now time.Time) Status {
	st := Status{Drying: self.drying, Target: self.target}
	if self.heater != nil {
		st.Temperature = self.heater.Temperature()
	}
	if !self.drying {
		return st
	}
	elapsed := now.Sub(self.began)
	if elapsed > self.duration {
		elapsed = self.duration
	}
	st.Preset = self.preset
	st.Duration = self.duration
	st.Elapsed = elapsed
	st.Remaining = self.duration - elapsed
	if self.duration > 0 {
		st.Progress = float64(elapsed) / float64(self.duration) * 100
	}
	return st
}

func (self *Dryer) Get_status() map[string]interface{} {
	st := self.Status()
	status := map[string]interface{}{
		"is_drying":   st.Drying,
		"target_temp": st.Target,
	}
	if st.Drying {
		status["duration"] = st.Duration.Seconds()
		status["elapsed"] = st.Elapsed.Seconds()
		status["remaining"] = st.Remaining.Seconds()
		status["progress"] = st.Progress
	}
	return status
}
