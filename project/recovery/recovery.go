package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"

	uuid "github.com/satori/go.uuid"

	"k3mmu/common/config"
	"k3mmu/common/logger"
	"k3mmu/project/actuator"
	"k3mmu/project/planner"
	"k3mmu/project/sensor"
	"k3mmu/project/telemetry"
)

var ErrRecoveryExhausted = errors.New("recovery exhausted")

type Outcome int

const (
	Recovered Outcome = iota
	Retried
	Escalated
)

func (o Outcome) String() string {
	switch o {
	case Recovered:
		return "recovered"
	case Retried:
		return "retried"
	}
	return "escalated"
}

// Class is the diagnosis of a failed step.
type Class int

const (
	UnderTravel Class = iota
	Jam
	Fatal
)

func (c Class) String() string {
	switch c {
	case UnderTravel:
		return "under-travel"
	case Jam:
		return "jam"
	}
	return "fatal"
}

// Ticket records one failed step. Attempts counts the retries already
// spent on the step.
type Ticket struct {
	ID        uuid.UUID
	RequestID string
	Toolhead  string
	Step      planner.Step
	Fault     error
	Snapshot  sensor.Snapshot
	Attempts  int
}

func NewTicket(requestID, toolhead string, step planner.Step, fault error, snap sensor.Snapshot) *Ticket {
	return &Ticket{
		ID:        uuid.NewV4(),
		RequestID: requestID,
		Toolhead:  toolhead,
		Step:      step,
		Fault:     fault,
		Snapshot:  snap,
	}
}

// Retry is the motion a Retried resolution asks for: back off, then
// advance again at the reduced profile. Distances are signed drive moves.
type Retry struct {
	Backoff float64
	Advance float64
	Profile actuator.SpeedProfile
}

type Resolution struct {
	Outcome  Outcome
	Class    Class
	Retry    *Retry
	Reason   string
	Err      error
	Snapshot sensor.Snapshot
}

type Policy struct {
	MaxAttempts int
	Backoff     float64
	SpeedFactor float64
	Advance     float64
}

func PolicyFromConfig(cfg config.RecoveryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.RetryBackoff,
		SpeedFactor: cfg.RetrySpeedFactor,
		Advance:     cfg.RetryAdvance,
	}
}

type Sampler interface {
	Sample() sensor.Snapshot
}

type Engine struct {
	policy  Policy
	sensors Sampler
	events  telemetry.Publisher
}

func NewEngine(policy Policy, sensors Sampler, events telemetry.Publisher) *Engine {
	if events == nil {
		events = telemetry.Nop{}
	}
	return &Engine{policy: policy, sensors: sensors, events: events}
}

func (self *Engine) Policy() Policy {
	return self.policy
}

// Classify maps the fault of a ticket to a diagnosis. Stalls are jams;
// timeouts of the drive or of the checkpoint mean the filament fell short.
func Classify(fault error) Class {
	if f, ok := actuator.AsFault(fault); ok {
		switch f.Kind {
		case actuator.Stalled:
			return Jam
		case actuator.Timeout:
			return UnderTravel
		}
		return Fatal
	}
	if errors.Is(fault, sensor.ErrSensorTimeout) {
		return UnderTravel
	}
	return Fatal
}

// Handle resolves a ticket. It never issues motion itself: a Retried
// resolution carries the plan for the state machine to execute.
func (self *Engine) Handle(ctx context.Context, t *Ticket) Resolution {
	step := t.Step
	seg := step.Segment
	res := Resolution{Snapshot: self.sensors.Sample()}

	switch {
	case ctx.Err() != nil:
		res.Outcome = Escalated
		res.Class = Fatal
		res.Err = ctx.Err()
		res.Reason = fmt.Sprintf("%s aborted", seg.To)
	case seg.Checkpoint != "" && res.Snapshot.State(seg.Checkpoint) == step.Expect():
		res.Outcome = Recovered
		res.Class = UnderTravel
		res.Reason = fmt.Sprintf("%s checkpoint reached late", seg.To)
	default:
		res.Class = Classify(t.Fault)
		res.Reason = reason(step, res.Class, t.Fault)
		switch {
		case res.Class != UnderTravel:
			res.Outcome = Escalated
			res.Err = t.Fault
		case t.Attempts < self.policy.MaxAttempts:
			res.Outcome = Retried
			res.Retry = self.retryFor(step)
		default:
			res.Outcome = Escalated
			res.Err = fmt.Errorf("%w after %d attempts: %v", ErrRecoveryExhausted, t.Attempts, t.Fault)
		}
	}

	self.report(t, res)
	return res
}

func (self *Engine) retryFor(step planner.Step) *Retry {
	dir := 1.0
	if step.Reverse {
		dir = -1.0
	}
	seg := step.Segment
	advance := self.policy.Backoff + math.Max(self.policy.Advance, seg.Tolerance)
	return &Retry{
		Backoff: -dir * self.policy.Backoff,
		Advance: dir * advance,
		Profile: seg.Profile.Scaled(self.policy.SpeedFactor),
	}
}

func reason(step planner.Step, class Class, fault error) string {
	loc := step.Segment.To
	switch class {
	case UnderTravel:
		if errors.Is(fault, sensor.ErrSensorTimeout) {
			return fmt.Sprintf("%s checkpoint timeout", loc)
		}
		return fmt.Sprintf("%s move timeout", loc)
	case Jam:
		return fmt.Sprintf("%s jammed", step)
	}
	if f, ok := actuator.AsFault(fault); ok {
		return fmt.Sprintf("%s %s on %s", step, f.Kind, f.Actuator)
	}
	return fmt.Sprintf("%s failed: %v", step, fault)
}

func (self *Engine) report(t *Ticket, res Resolution) {
	log := logger.With(
		"ticket", t.ID.String(),
		"request", t.RequestID,
		"segment", t.Step.Segment.Name,
		"reverse", t.Step.Reverse,
		"attempts", t.Attempts,
		"class", res.Class.String(),
		"snapshot", t.Snapshot.Summary(),
	)
	switch res.Outcome {
	case Escalated:
		log.Warnf("recovery %s: %s", res.Outcome, res.Reason)
	default:
		log.Infof("recovery %s: %s", res.Outcome, res.Reason)
	}
	self.events.Publish(telemetry.NewEvent(telemetry.TicketResolved, t.Toolhead, t.RequestID, map[string]interface{}{
		"ticket":   t.ID.String(),
		"segment":  t.Step.Segment.Name,
		"attempts": t.Attempts,
		"outcome":  res.Outcome.String(),
		"class":    res.Class.String(),
		"reason":   res.Reason,
		"snapshot": t.Snapshot.Summary(),
	}))
}
