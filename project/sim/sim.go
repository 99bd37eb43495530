package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"k3mmu/common/config"
	"k3mmu/project/actuator"
	"k3mmu/project/sensor"
)

type role int

const (
	drive role = iota
	selector
	cutter
)

// Move is one recorded actuator command.
type Move struct {
	Actuator actuator.ID
	Target   float64
	Profile  actuator.SpeedProfile
}

// Unit simulates the hardware of one toolhead: a selector over its gates,
// drives that push the selected filament along the path, and the sensors
// along it. Sensor readings follow from where each filament tip is.
type Unit struct {
	Hub  *sensor.Hub
	Bank *actuator.Bank

	mu       sync.Mutex
	th       config.ToolheadConfig
	gateCfg  []config.GateConfig
	tips     map[int]float64
	selector float64
	stuck    map[sensor.ID]bool
	yielded  map[sensor.ID]bool
	stalls   map[actuator.ID]int
	slip     float64
	slips    int
	delay    time.Duration
	hold     chan struct{}
	moves    []Move
	halts    []actuator.ID
}

func NewUnit(cfg *config.Config, toolhead int) (*Unit, error) {
	if toolhead < 0 || toolhead >= len(cfg.Toolheads) {
		return nil, fmt.Errorf("sim: toolhead %d not configured", toolhead)
	}
	th := cfg.Toolheads[toolhead]
	self := &Unit{
		Hub:      sensor.NewHub(),
		Bank:     actuator.NewBank(cfg.Exchange.MoveTimeoutFactor, cfg.Exchange.MoveTimeoutMargin),
		th:       th,
		gateCfg:  cfg.Gates,
		tips:     map[int]float64{},
		selector: th.Selector.Neutral,
		stuck:    map[sensor.ID]bool{},
		yielded:  map[sensor.ID]bool{},
		stalls:   map[actuator.ID]int{},
	}

	ranges := map[string]actuator.Range{}
	for _, a := range th.Actuators {
		ranges[a.ID] = actuator.Range{Min: a.Min, Max: a.Max}
	}
	add := func(id string, r role) {
		if id == "" || self.Bank.Has(actuator.ID(id)) {
			return
		}
		self.Bank.Add(&simActuator{unit: self, id: actuator.ID(id), role: r}, ranges[id], r != drive)
	}
	add(th.Selector.Actuator, selector)
	add(th.Cutter.Actuator, cutter)
	add(th.Cutter.Extruder, drive)
	for _, seg := range []config.SegmentConfig{th.Segments.Buffer, th.Segments.Bowden, th.Segments.Extruder, th.Segments.Nozzle} {
		add(seg.Actuator, drive)
	}

	for _, s := range self.pathSensors(0) {
		self.Hub.Register(s.id)
	}
	for _, g := range th.Gates {
		if id := cfg.Gates[g].Sensor; id != "" {
			self.Hub.Register(sensor.ID(id))
		}
	}
	if th.Selector.Encoder != "" {
		self.Hub.NotePosition(sensor.ID(th.Selector.Encoder), self.selector)
	}
	self.mu.Lock()
	self.refreshLocked()
	self.mu.Unlock()
	return self, nil
}

type sensorAt struct {
	id  sensor.ID
	pos float64
}

func (self *Unit) bufferLength(gate int) float64 {
	if gate >= 0 && gate < len(self.gateCfg) && self.gateCfg[gate].BufferLength > 0 {
		return self.gateCfg[gate].BufferLength
	}
	return self.th.Segments.Buffer.Length
}

// pathSensors lists the path sensors with their distance from gate.
func (self *Unit) pathSensors(gate int) []sensorAt {
	segs := []config.SegmentConfig{self.th.Segments.Buffer, self.th.Segments.Bowden, self.th.Segments.Extruder, self.th.Segments.Nozzle}
	var out []sensorAt
	pos := 0.0
	for i, s := range segs {
		if i == 0 {
			pos += self.bufferLength(gate)
		} else {
			pos += s.Length
		}
		if s.Sensor != "" {
			out = append(out, sensorAt{id: sensor.ID(s.Sensor), pos: pos})
		}
	}
	return out
}

func (self *Unit) pathLength(gate int) float64 {
	s := self.th.Segments
	return self.bufferLength(gate) + s.Bowden.Length + s.Extruder.Length + s.Nozzle.Length
}

func (self *Unit) refreshLocked() {
	present := map[sensor.ID]bool{}
	for _, g := range self.th.Gates {
		tip := self.tips[g]
		for _, s := range self.pathSensors(g) {
			if tip >= s.pos-1e-6 {
				present[s.id] = true
			} else if _, ok := present[s.id]; !ok {
				present[s.id] = false
			}
		}
		if id := sensor.ID(self.gateCfg[g].Sensor); id != "" && !self.stuck[id] && !self.yielded[id] {
			self.Hub.NotePresent(id, !self.gateCfg[g].Empty)
		}
	}
	for id, p := range present {
		if !self.stuck[id] {
			self.Hub.NotePresent(id, p)
		}
	}
}

// selectedLocked is the gate under the selector, or -1.
func (self *Unit) selectedLocked() int {
	tol := self.th.Selector.Tolerance
	if tol == 0 {
		tol = 0.5
	}
	for i, g := range self.th.Gates {
		if i < len(self.th.Selector.Positions) && math.Abs(self.th.Selector.Positions[i]-self.selector) <= tol {
			return g
		}
	}
	if self.th.Selector.Actuator == "" && len(self.th.Gates) == 1 {
		return self.th.Gates[0]
	}
	return -1
}

// driven is the filament a drive move acts on: the selected gate, else
// whatever filament is out of its gate.
func (self *Unit) drivenLocked() int {
	if g := self.selectedLocked(); g >= 0 {
		return g
	}
	best, far := -1, 0.0
	for g, tip := range self.tips {
		if tip > far {
			best, far = g, tip
		}
	}
	return best
}

func (self *Unit) advanceLocked(gate int, dist float64) {
	if gate >= 0 && gate < len(self.gateCfg) && !self.gateCfg[gate].Empty {
		tip := self.tips[gate] + dist
		self.tips[gate] = math.Max(0, math.Min(tip, self.pathLength(gate)))
	}
	self.refreshLocked()
}

// Advance moves gate's filament dist mm along its path. Drives living
// outside the unit report their travel through it.
func (self *Unit) Advance(gate int, dist float64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.advanceLocked(gate, dist)
}

// Yield hands the gate sensors to another source; the unit stops writing
// them.
func (self *Unit) Yield(ids ...sensor.ID) {
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, id := range ids {
		self.yielded[id] = true
	}
}

// Preload places the tip of gate's filament dist mm along its path, as if
// it had been loaded before the session.
func (self *Unit) Preload(gate int, dist float64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.tips[gate] = dist
	self.refreshLocked()
}

// PathLength is the distance from gate to the nozzle end.
func (self *Unit) PathLength(gate int) float64 {
	return self.pathLength(gate)
}

func (self *Unit) Tip(gate int) float64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.tips[gate]
}

// Stick freezes a sensor at its current reading.
func (self *Unit) Stick(id sensor.ID) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.stuck[id] = true
}

// Unstick releases a stuck sensor and brings it up to date.
func (self *Unit) Unstick(id sensor.ID) {
	self.mu.Lock()
	defer self.mu.Unlock()
	delete(self.stuck, id)
	self.refreshLocked()
}

// Stall makes the next n moves of id fail with a stall.
func (self *Unit) Stall(id actuator.ID, n int) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.stalls[id] = n
}

// Slip offsets the selector encoder by offset for the next n selector moves.
func (self *Unit) Slip(offset float64, n int) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.slip, self.slips = offset, n
}

func (self *Unit) SetDelay(d time.Duration) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.delay = d
}

// Hold blocks every move until the returned func is called.
func (self *Unit) Hold() func() {
	self.mu.Lock()
	defer self.mu.Unlock()
	ch := make(chan struct{})
	self.hold = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			self.mu.Lock()
			if self.hold == ch {
				self.hold = nil
			}
			self.mu.Unlock()
			close(ch)
		})
	}
}

func (self *Unit) Moves() []Move {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]Move(nil), self.moves...)
}

func (self *Unit) ResetMoves() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.moves = nil
}

func (self *Unit) Halts() []actuator.ID {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]actuator.ID(nil), self.halts...)
}

func (self *Unit) SelectorPosition() float64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.selector
}

type simActuator struct {
	unit *Unit
	id   actuator.ID
	role role
	pos  float64
}

func (self *simActuator) ID() actuator.ID {
	return self.id
}

func (self *simActuator) Position() float64 {
	self.unit.mu.Lock()
	defer self.unit.mu.Unlock()
	if self.role == selector {
		return self.unit.selector
	}
	return self.pos
}

func (self *simActuator) Move(ctx context.Context, target float64, profile actuator.SpeedProfile) (actuator.Ack, error) {
	u := self.unit
	u.mu.Lock()
	u.moves = append(u.moves, Move{Actuator: self.id, Target: target, Profile: profile})
	stalled := u.stalls[self.id] > 0
	if stalled {
		u.stalls[self.id]--
	}
	hold, delay := u.hold, u.delay
	u.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return actuator.Ack{}, ctx.Err()
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return actuator.Ack{}, ctx.Err()
		}
	}
	if stalled {
		return actuator.Ack{}, fmt.Errorf("sim %s: %w", self.id, actuator.ErrStalled)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	switch self.role {
	case selector:
		u.selector = target
		enc := target
		if u.slips > 0 {
			enc += u.slip
			u.slips--
		}
		if u.th.Selector.Encoder != "" {
			u.Hub.NotePosition(sensor.ID(u.th.Selector.Encoder), enc)
		}
		return actuator.Ack{Actuator: self.id, Target: target, Position: target}, nil
	case cutter:
		self.pos = target
	default:
		self.pos += target
		u.advanceLocked(u.drivenLocked(), target)
	}
	return actuator.Ack{Actuator: self.id, Target: target, Position: self.pos}, nil
}

func (self *simActuator) Halt(ctx context.Context) error {
	self.unit.mu.Lock()
	defer self.unit.mu.Unlock()
	self.unit.halts = append(self.unit.halts, self.id)
	return nil
}
