package actuator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"k3mmu/common/logger"
	"k3mmu/common/utils/sys"
)

var ErrNotOwner = errors.New("actuators are leased to another exchange")

type Range struct {
	Min float64
	Max float64
}

func (r Range) contains(v float64) bool {
	if r.Min == 0 && r.Max == 0 {
		return true
	}
	return v >= r.Min && v <= r.Max
}

type entry struct {
	act      Actuator
	rng      Range
	absolute bool
}

// Bank owns every actuator of one toolhead. Moves are only accepted from the
// goroutine holding the lease once a lease is taken.
type Bank struct {
	mu      sync.Mutex
	entries map[ID]*entry
	owner   uint64

	timeoutFactor float64
	timeoutMargin time.Duration
}

func NewBank(timeoutFactor float64, timeoutMargin time.Duration) *Bank {
	if timeoutFactor <= 0 {
		timeoutFactor = 1.5
	}
	return &Bank{
		entries:       map[ID]*entry{},
		timeoutFactor: timeoutFactor,
		timeoutMargin: timeoutMargin,
	}
}

// Add registers an actuator. Absolute actuators are range checked against
// the target itself, relative ones against position+target.
func (self *Bank) Add(act Actuator, rng Range, absolute bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.entries[act.ID()] = &entry{act: act, rng: rng, absolute: absolute}
}

func (self *Bank) Has(id ID) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	_, ok := self.entries[id]
	return ok
}

func (self *Bank) IDs() []ID {
	self.mu.Lock()
	defer self.mu.Unlock()
	ids := make([]ID, 0, len(self.entries))
	for id := range self.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Lease hands exclusive motion rights to the calling goroutine. The returned
// func gives them back.
func (self *Bank) Lease() (func(), error) {
	gid := sys.GetGID()
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.owner != 0 && self.owner != gid {
		return nil, ErrNotOwner
	}
	self.owner = gid
	return func() {
		self.mu.Lock()
		defer self.mu.Unlock()
		if self.owner == gid {
			self.owner = 0
		}
	}, nil
}

func (self *Bank) lookup(id ID) (*entry, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.owner != 0 && self.owner != sys.GetGID() {
		return nil, ErrNotOwner
	}
	e, ok := self.entries[id]
	if !ok {
		return nil, fmt.Errorf("unknown actuator %s", id)
	}
	return e, nil
}

// MoveTimeout is the deadline given to a move of distance at profile.
func (self *Bank) MoveTimeout(distance float64, profile SpeedProfile) time.Duration {
	if profile.Speed <= 0 {
		return self.timeoutMargin + time.Second
	}
	secs := math.Abs(distance) / profile.Speed * self.timeoutFactor
	return time.Duration(secs*float64(time.Second)) + self.timeoutMargin
}

// Move commands one actuator and waits for it. The parent context is only
// consulted before motion starts: a move in flight is never preempted, it
// runs to completion or to its own deadline.
func (self *Bank) Move(ctx context.Context, id ID, target float64, profile SpeedProfile) (Ack, error) {
	e, err := self.lookup(id)
	if err != nil {
		return Ack{}, &Fault{Kind: HardwareError, Actuator: id, Target: target, Err: err}
	}
	last := e.act.Position()
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	end := target
	distance := target - last
	if !e.absolute {
		end = last + target
		distance = target
	}
	if !e.rng.contains(end) {
		return Ack{}, &Fault{Kind: OutOfRange, Actuator: id, Target: target, LastPosition: last,
			Err: fmt.Errorf("%.2f outside [%.2f, %.2f]", end, e.rng.Min, e.rng.Max)}
	}

	timeout := self.MoveTimeout(distance, profile)
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	ack, err := e.act.Move(mctx, target, profile)
	if err != nil {
		fault := classify(err, id, target, e.act.Position())
		logger.Warnf("actuator %s move to %.2f failed after %s: %v", id, target, time.Since(start), fault)
		return ack, fault
	}
	if ack.Actuator == "" {
		ack.Actuator = id
	}
	ack.Target = target
	if ack.Elapsed == 0 {
		ack.Elapsed = time.Since(start)
	}
	logger.Debugf("actuator %s moved to %.2f (pos %.2f) in %s", id, target, ack.Position, ack.Elapsed)
	return ack, nil
}

func classify(err error, id ID, target, last float64) *Fault {
	if f, ok := AsFault(err); ok {
		if f.Actuator == "" {
			f.Actuator = id
		}
		return f
	}
	kind := HardwareError
	switch {
	case errors.Is(err, ErrStalled):
		kind = Stalled
	case errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	}
	return &Fault{Kind: kind, Actuator: id, Target: target, LastPosition: last, Err: err}
}

// Halt stops the given actuators in order, skipping the ones without a
// Halter. Every error is returned joined.
func (self *Bank) Halt(ctx context.Context, ids ...ID) error {
	var errs error
	for _, id := range ids {
		e, err := self.lookup(id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		h, ok := e.act.(Halter)
		if !ok {
			continue
		}
		if err := h.Halt(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("halt %s: %w", id, err))
		}
	}
	return errs
}

func (self *Bank) Get_status() map[string]interface{} {
	self.mu.Lock()
	defer self.mu.Unlock()
	positions := map[string]interface{}{}
	for id, e := range self.entries {
		positions[string(id)] = e.act.Position()
	}
	return map[string]interface{}{
		"positions": positions,
		"leased":    self.owner != 0,
	}
}
