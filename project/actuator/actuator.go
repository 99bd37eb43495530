package actuator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ID string

// SpeedProfile is the commanded speed (mm/s) and acceleration (mm/s^2).
// Zero Accel lets the driver pick its own.
type SpeedProfile struct {
	Speed float64 `json:"speed"`
	Accel float64 `json:"accel,omitempty"`
}

// Scaled returns the profile slowed by factor, used for recovery retries.
func (p SpeedProfile) Scaled(factor float64) SpeedProfile {
	return SpeedProfile{Speed: p.Speed * factor, Accel: p.Accel * factor}
}

// Ack confirms a completed move.
type Ack struct {
	Actuator ID            `json:"actuator"`
	Target   float64       `json:"target"`
	Position float64       `json:"position"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Actuator is one motion axis. Move blocks until the motion completes,
// stalls or ctx expires. Relative actuators (gear, extruder) treat target as
// a distance, absolute ones (selector, cutter) as a position.
type Actuator interface {
	ID() ID
	Move(ctx context.Context, target float64, profile SpeedProfile) (Ack, error)
	Position() float64
}

// Halter is implemented by actuators that can be stopped and de-energised
// when an exchange is unwound.
type Halter interface {
	Halt(ctx context.Context) error
}

type FaultKind int

const (
	Stalled FaultKind = iota + 1
	OutOfRange
	Timeout
	HardwareError
)

func (k FaultKind) String() string {
	switch k {
	case Stalled:
		return "stalled"
	case OutOfRange:
		return "out of range"
	case Timeout:
		return "timeout"
	case HardwareError:
		return "hardware error"
	}
	return "unknown"
}

var (
	ErrActuatorFault = errors.New("actuator fault")
	// ErrStalled may be returned (wrapped) by drivers that detect a stall.
	ErrStalled = errors.New("stalled")
)

type Fault struct {
	Kind         FaultKind
	Actuator     ID
	Target       float64
	LastPosition float64
	Err          error
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("actuator %s %s (target %.2f, last %.2f)", f.Actuator, f.Kind, f.Target, f.LastPosition)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func (f *Fault) Is(target error) bool {
	return target == ErrActuatorFault
}

// AsFault extracts the fault from err, if any.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
