package exchange

import (
	"errors"
	"fmt"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"

	"k3mmu/project/planner"
	"k3mmu/project/recovery"
	"k3mmu/project/sensor"
)

type State int

const (
	Idle State = iota
	Selecting
	Loading
	Confirming
	Cutting
	Parking
	Aborting
)

var stateNames = [...]string{"idle", "selecting", "loading", "confirming", "cutting", "parking", "aborting"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Op int

const (
	Load Op = iota
	Unload
	Swap
)

func (o Op) String() string {
	switch o {
	case Load:
		return "load"
	case Unload:
		return "unload"
	case Swap:
		return "swap"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

func ParseOp(s string) (Op, error) {
	switch strings.ToLower(s) {
	case "load":
		return Load, nil
	case "unload":
		return Unload, nil
	case "swap", "change":
		return Swap, nil
	}
	return 0, fmt.Errorf("unknown exchange operation %q", s)
}

var (
	ErrBusy      = errors.New("exchange already in progress")
	ErrAborted   = errors.New("exchange aborted")
	ErrGateEmpty = errors.New("gate is empty")
	ErrConflict  = errors.New("another gate is loaded")
	ErrNotLoaded = errors.New("gate is not loaded")
	ErrSelector  = errors.New("selector position not confirmed")
	ErrConfirm   = errors.New("final checkpoint not confirmed")
)

// Request is one unit of work. Gate -1 with Unload means whatever is loaded.
type Request struct {
	ID      string        `json:"id"`
	Gate    int           `json:"gate"`
	Op      Op            `json:"op"`
	Timeout time.Duration `json:"timeout"`
}

func NewRequest(gate int, op Op) Request {
	return Request{ID: uuid.NewV4().String(), Gate: gate, Op: op}
}

type Status int

const (
	Success Status = iota
	Failed
)

func (s Status) String() string {
	if s == Success {
		return "success"
	}
	return "failed"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (o Op) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Op) UnmarshalText(b []byte) error {
	op, err := ParseOp(string(b))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// Outcome is what the caller of an exchange gets back. A failed outcome
// always carries the last snapshot and the retries spent.
type Outcome struct {
	RequestID string          `json:"request_id"`
	Toolhead  string          `json:"toolhead"`
	Op        Op              `json:"op"`
	Gate      int             `json:"gate"`
	Status    Status          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Err       error           `json:"-"`
	Snapshot  sensor.Snapshot `json:"snapshot"`
	Attempts  int             `json:"attempts"`
	Moves     int             `json:"moves"`
	Warnings  []string        `json:"warnings,omitempty"`
	Tool      ToolState       `json:"tool"`
	Duration  time.Duration   `json:"duration"`
}

func (o Outcome) Success() bool {
	return o.Status == Success
}

// ToolState is the loaded gate of a toolhead (-1 for none) and the last
// confirmed checkpoint of its filament.
type ToolState struct {
	Loaded int            `json:"loaded"`
	Cursor planner.Cursor `json:"cursor"`
}

func EmptyToolState(toolhead int) ToolState {
	return ToolState{
		Loaded: -1,
		Cursor: planner.Cursor{Location: planner.Location{Kind: planner.Gate, Gate: -1, Toolhead: toolhead}},
	}
}

// AtNozzle reports a fully loaded toolhead.
func (t ToolState) AtNozzle() bool {
	return t.Loaded >= 0 && t.Cursor.Location.Kind == planner.Nozzle
}

// StepError is a step the recovery engine gave up on.
type StepError struct {
	Step       planner.Step
	Ticket     *recovery.Ticket
	Resolution recovery.Resolution
}

func (e *StepError) Error() string {
	if e.Resolution.Err != nil {
		return fmt.Sprintf("%s: %v", e.Resolution.Reason, e.Resolution.Err)
	}
	return e.Resolution.Reason
}

func (e *StepError) Unwrap() error {
	return e.Resolution.Err
}
