package sensor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type ID string

type State int8

const (
	Unknown State = iota
	Absent
	Present
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Present:
		return "present"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func FromBool(present bool) State {
	if present {
		return Present
	}
	return Absent
}

var ErrSensorTimeout = errors.New("sensor timeout")

// TimeoutError is returned when a sensor never reached the awaited reading.
type TimeoutError struct {
	Sensor   ID
	Target   string
	Timeout  time.Duration
	Snapshot Snapshot
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sensor %s did not reach %s within %s", e.Sensor, e.Target, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrSensorTimeout
}

// Snapshot is a consistent copy of every latched reading. Seq increases on
// every change so two snapshots can be ordered.
type Snapshot struct {
	Time      time.Time      `json:"time"`
	Seq       uint64         `json:"seq"`
	Binary    map[ID]State   `json:"binary"`
	Positions map[ID]float64 `json:"positions"`
}

func (s Snapshot) State(id ID) State {
	if st, ok := s.Binary[id]; ok {
		return st
	}
	return Unknown
}

func (s Snapshot) Position(id ID) (float64, bool) {
	pos, ok := s.Positions[id]
	return pos, ok
}

// Summary renders the snapshot in a stable order for logs and failure reasons.
func (s Snapshot) Summary() string {
	ids := make([]string, 0, len(s.Binary)+len(s.Positions))
	for id := range s.Binary {
		ids = append(ids, string(id))
	}
	for id := range s.Positions {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " "
		}
		if pos, ok := s.Positions[ID(id)]; ok {
			out += fmt.Sprintf("%s=%.2f", id, pos)
		} else {
			out += fmt.Sprintf("%s=%s", id, s.Binary[ID(id)])
		}
	}
	return out
}

// Hub latches sensor readings reported by drivers and lets the exchange
// state machine suspend until a reading changes.
type Hub struct {
	mu        sync.Mutex
	seq       uint64
	binary    map[ID]State
	positions map[ID]float64
	// closed and replaced on every change
	changed chan struct{}
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		binary:    map[ID]State{},
		positions: map[ID]float64{},
		changed:   make(chan struct{}),
		now:       time.Now,
	}
}

// Register declares a binary sensor so Sample reports it before its first
// reading.
func (self *Hub) Register(id ID) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if _, ok := self.binary[id]; !ok {
		self.binary[id] = Unknown
	}
}

func (self *Hub) Note(id ID, state State) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if prev, ok := self.binary[id]; ok && prev == state {
		return
	}
	self.binary[id] = state
	self.broadcast()
}

func (self *Hub) NotePresent(id ID, present bool) {
	self.Note(id, FromBool(present))
}

func (self *Hub) NotePosition(id ID, pos float64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if prev, ok := self.positions[id]; ok && prev == pos {
		return
	}
	self.positions[id] = pos
	self.broadcast()
}

func (self *Hub) broadcast() {
	self.seq++
	close(self.changed)
	self.changed = make(chan struct{})
}

func (self *Hub) Sample() Snapshot {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.snapshotLocked()
}

func (self *Hub) snapshotLocked() Snapshot {
	snap := Snapshot{
		Time:      self.now(),
		Seq:       self.seq,
		Binary:    make(map[ID]State, len(self.binary)),
		Positions: make(map[ID]float64, len(self.positions)),
	}
	for k, v := range self.binary {
		snap.Binary[k] = v
	}
	for k, v := range self.positions {
		snap.Positions[k] = v
	}
	return snap
}

// AwaitTransition blocks until sensor id reads target, timeout elapses or
// ctx is done.
func (self *Hub) AwaitTransition(ctx context.Context, id ID, target State, timeout time.Duration) (Snapshot, error) {
	return self.await(ctx, id, target.String(), timeout, func(s Snapshot) bool {
		return s.State(id) == target
	})
}

// AwaitPosition blocks until encoder id reads within tolerance of pos.
func (self *Hub) AwaitPosition(ctx context.Context, id ID, pos, tolerance float64, timeout time.Duration) (Snapshot, error) {
	return self.await(ctx, id, fmt.Sprintf("position %.2f", pos), timeout, func(s Snapshot) bool {
		got, ok := s.Position(id)
		if !ok {
			return false
		}
		d := got - pos
		return d <= tolerance && d >= -tolerance
	})
}

func (self *Hub) await(ctx context.Context, id ID, target string, timeout time.Duration, done func(Snapshot) bool) (Snapshot, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		self.mu.Lock()
		snap := self.snapshotLocked()
		changed := self.changed
		self.mu.Unlock()

		if done(snap) {
			return snap, nil
		}
		select {
		case <-changed:
		case <-timer.C:
			last := self.Sample()
			return last, &TimeoutError{Sensor: id, Target: target, Timeout: timeout, Snapshot: last}
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

func (self *Hub) Get_status() map[string]interface{} {
	snap := self.Sample()
	binary := map[string]interface{}{}
	for id, st := range snap.Binary {
		binary[string(id)] = st.String()
	}
	positions := map[string]interface{}{}
	for id, pos := range snap.Positions {
		positions[string(id)] = pos
	}
	return map[string]interface{}{
		"seq":       snap.Seq,
		"sensors":   binary,
		"positions": positions,
	}
}
