package telemetry

import (
	"sort"
	"sync"
	"time"

	"k3mmu/common/logger"
)

type Kind string

const (
	StateTransition Kind = "state_transition"
	SensorSnapshot  Kind = "sensor_snapshot"
	TicketResolved  Kind = "ticket_resolved"
	ExchangeResult  Kind = "exchange_result"
	DryerProgress   Kind = "dryer_progress"
)

// Event is one entry of the structured stream. Attrs carry the kind
// specific payload; values must be JSON encodable.
type Event struct {
	Kind      Kind                   `json:"kind"`
	Time      time.Time              `json:"time"`
	Toolhead  string                 `json:"toolhead,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

func NewEvent(kind Kind, toolhead, requestID string, attrs map[string]interface{}) Event {
	return Event{Kind: kind, Time: time.Now(), Toolhead: toolhead, RequestID: requestID, Attrs: attrs}
}

func (e Event) Str(key string) string {
	s, _ := e.Attrs[key].(string)
	return s
}

func (e Event) Float(key string) float64 {
	switch v := e.Attrs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case time.Duration:
		return v.Seconds()
	}
	return 0
}

// Publisher receives every event. Publish must not block the caller.
type Publisher interface {
	Publish(Event)
}

type Nop struct{}

func (Nop) Publish(Event) {}

// Multi fans one event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}

// LogSink writes events to the process logger.
type LogSink struct{}

func (LogSink) Publish(e Event) {
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]interface{}, 0, 2*len(keys)+4)
	kv = append(kv, "toolhead", e.Toolhead, "request", e.RequestID)
	for _, k := range keys {
		kv = append(kv, k, e.Attrs[k])
	}
	log := logger.With("component", "telemetry")
	switch e.Kind {
	case SensorSnapshot:
		log.Debugw(string(e.Kind), kv...)
	case ExchangeResult:
		if e.Str("status") == "failed" {
			log.Warnw(string(e.Kind), kv...)
			return
		}
		log.Infow(string(e.Kind), kv...)
	default:
		log.Infow(string(e.Kind), kv...)
	}
}

// Bus is an in-process broadcast of events with a bounded history. Slow
// subscribers lose events rather than stall the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	history     []Event
	next        int
	full        bool
	dropped     uint64
}

func NewBus(history int) *Bus {
	if history <= 0 {
		history = 64
	}
	return &Bus{
		subscribers: map[chan Event]struct{}{},
		history:     make([]Event, history),
	}
}

// Subscribe returns a channel of future events and a func that closes it.
func (self *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	self.mu.Lock()
	self.subscribers[ch] = struct{}{}
	self.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			self.mu.Lock()
			defer self.mu.Unlock()
			delete(self.subscribers, ch)
			close(ch)
		})
	}
}

func (self *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	self.history[self.next] = e
	self.next = (self.next + 1) % len(self.history)
	if self.next == 0 {
		self.full = true
	}
	for ch := range self.subscribers {
		select {
		case ch <- e:
		default:
			self.dropped++
		}
	}
}

// Recent returns up to n of the latest events, oldest first.
func (self *Bus) Recent(n int) []Event {
	self.mu.RLock()
	defer self.mu.RUnlock()
	size := self.next
	if self.full {
		size = len(self.history)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := n; i > 0; i-- {
		idx := (self.next - i + len(self.history)) % len(self.history)
		out = append(out, self.history[idx])
	}
	return out
}

func (self *Bus) Dropped() uint64 {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.dropped
}

func (self *Bus) Subscribers() int {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return len(self.subscribers)
}
