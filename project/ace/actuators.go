package ace

import (
	"context"
	"fmt"
	"math"
	"time"

	"k3mmu/common/config"
	"k3mmu/project/actuator"
	"k3mmu/project/sensor"
)

// Selector is the virtual selector of an ACE: each slot has its own
// feeder, so selecting only picks the slot later drive moves go to.
// positions[i] selects slot i; any other position is neutral.
type Selector struct {
	ace       *ACE
	id        actuator.ID
	encoder   sensor.ID
	positions []float64
	pos       float64
}

func (self *ACE) NewSelector(id actuator.ID, encoder sensor.ID, positions []float64, neutral float64) *Selector {
	sel := &Selector{ace: self, id: id, encoder: encoder, positions: positions, pos: neutral}
	self.mu.Lock()
	self.selected = sel.slotAt(neutral)
	self.mu.Unlock()
	if encoder != "" && self.hub != nil {
		self.hub.NotePosition(encoder, neutral)
	}
	return sel
}

func (self *Selector) slotAt(pos float64) int {
	for i, p := range self.positions {
		if i < SLOT_COUNT && math.Abs(p-pos) < 0.01 {
			return i
		}
	}
	return -1
}

func (self *Selector) ID() actuator.ID {
	return self.id
}

func (self *Selector) Position() float64 {
	self.ace.mu.Lock()
	defer self.ace.mu.Unlock()
	return self.pos
}

func (self *Selector) Move(ctx context.Context, target float64, profile actuator.SpeedProfile) (actuator.Ack, error) {
	slot := self.slotAt(target)
	if assist := self.ace.FeedAssist(); assist >= 0 && assist != slot {
		if err := self.ace.DisableFeedAssist(ctx, assist); err != nil {
			return actuator.Ack{}, err
		}
	}
	self.ace.mu.Lock()
	self.ace.selected = slot
	self.pos = target
	self.ace.mu.Unlock()
	if self.encoder != "" && self.ace.hub != nil {
		self.ace.hub.NotePosition(self.encoder, target)
	}
	return actuator.Ack{Actuator: self.id, Target: target, Position: target}, nil
}

// Drive feeds or retracts the selected slot. Positive distances feed; a
// retract first drops feed assist on that slot.
type Drive struct {
	ace   *ACE
	id    actuator.ID
	pos   float64
	dwell func(ctx context.Context, d time.Duration) error
}

func (self *ACE) NewDrive(id actuator.ID) *Drive {
	return &Drive{ace: self, id: id, dwell: sleep}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *Drive) ID() actuator.ID {
	return self.id
}

func (self *Drive) Position() float64 {
	self.ace.mu.Lock()
	defer self.ace.mu.Unlock()
	return self.pos
}

func (self *Drive) Move(ctx context.Context, distance float64, profile actuator.SpeedProfile) (actuator.Ack, error) {
	self.ace.mu.Lock()
	slot := self.ace.selected
	self.ace.mu.Unlock()
	if slot < 0 {
		return actuator.Ack{}, fmt.Errorf("ACE drive %s: no slot selected", self.id)
	}
	length := int(math.Round(math.Abs(distance)))
	if length == 0 {
		return actuator.Ack{Actuator: self.id, Target: distance, Position: self.Position()}, nil
	}

	start := time.Now()
	var err error
	if distance > 0 {
		speed := speedOf(profile, self.ace.cfg.FeedSpeed)
		err = self.ace.Feed(ctx, slot, length, speed)
		if err == nil {
			err = self.dwell(ctx, travel(length, speed))
		}
	} else {
		if self.ace.FeedAssist() == slot {
			if err := self.ace.DisableFeedAssist(ctx, slot); err != nil {
				return actuator.Ack{}, err
			}
		}
		speed := speedOf(profile, self.ace.cfg.RetractSpeed)
		err = self.ace.Retract(ctx, slot, length, speed)
		if err == nil {
			err = self.dwell(ctx, travel(length, speed))
		}
	}
	if err != nil {
		return actuator.Ack{}, err
	}

	self.ace.mu.Lock()
	self.pos += distance
	pos := self.pos
	self.ace.mu.Unlock()
	self.ace.travelled(slot, distance)
	return actuator.Ack{Actuator: self.id, Target: distance, Position: pos, Elapsed: time.Since(start)}, nil
}

// Halt drops feed assist; the unit stops a feed on its own once the
// requested length is out.
func (self *Drive) Halt(ctx context.Context) error {
	if assist := self.ace.FeedAssist(); assist >= 0 {
		return self.ace.DisableFeedAssist(ctx, assist)
	}
	return nil
}

func speedOf(profile actuator.SpeedProfile, fallback float64) int {
	speed := profile.Speed
	if speed <= 0 {
		speed = fallback
	}
	if s := int(math.Round(speed)); s > 0 {
		return s
	}
	return 1
}

// travel is how long the feeder runs for length at speed, plus the settle
// time the unit needs before the next command.
func travel(length, speed int) time.Duration {
	return time.Duration(float64(length)/float64(speed)*float64(time.Second)) + 100*time.Millisecond
}

// Heater exposes the ACE dryer as a heater. A zero target stops drying.
type Heater struct {
	ace     *ACE
	minutes int
}

func (self *ACE) Heater() *Heater {
	minutes := self.cfg.DryerDuration
	if minutes <= 0 {
		minutes = 240
	}
	return &Heater{ace: self, minutes: minutes}
}

func (self *Heater) Name() string {
	return "ace"
}

func (self *Heater) Target() float64 {
	self.ace.mu.Lock()
	defer self.ace.mu.Unlock()
	return self.ace.info.Dryer.TargetTemp
}

func (self *Heater) Temperature() float64 {
	self.ace.mu.Lock()
	defer self.ace.mu.Unlock()
	return self.ace.info.Temp
}

func (self *Heater) SetTemp(temp float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if temp <= 0 {
		return self.ace.StopDrying(ctx)
	}
	return self.ace.StartDrying(ctx, int(math.Round(temp)), self.minutes)
}

// Attach registers the ACE selector and drive on bank, replacing any
// actuator with the same ids.
func (self *ACE) Attach(bank *actuator.Bank, selector config.SelectorConfig, driveID actuator.ID) {
	if selector.Actuator != "" {
		sel := self.NewSelector(actuator.ID(selector.Actuator), sensor.ID(selector.Encoder), selector.Positions, selector.Neutral)
		bank.Add(sel, actuator.Range{}, true)
	}
	if driveID != "" {
		bank.Add(self.NewDrive(driveID), actuator.Range{}, false)
	}
}
