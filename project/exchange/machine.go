package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k3mmu/common/config"
	"k3mmu/common/lock"
	"k3mmu/common/logger"
	"k3mmu/project/actuator"
	"k3mmu/project/planner"
	"k3mmu/project/recovery"
	"k3mmu/project/sensor"
	"k3mmu/project/telemetry"
)

// Hardware is the single handle to the sensors and actuators of one
// toolhead. The machine is its only user while a request runs.
type Hardware struct {
	Sensors   *sensor.Hub
	Actuators *actuator.Bank
}

// Hook runs around an exchange; phase is "pre" or "post".
type Hook func(ctx context.Context, phase string, vars map[string]interface{}) error

type Options struct {
	Toolhead  int
	Config    config.ToolheadConfig
	Exchange  config.ExchangeConfig
	Topology  *planner.Topology
	Recovery  *recovery.Engine
	Inventory *Inventory
	Events    telemetry.Publisher
	Hook      Hook
	Initial   *ToolState
}

// Machine sequences exchanges for one toolhead. At most one request runs at
// a time; a concurrent request is rejected with ErrBusy.
type Machine struct {
	opts Options
	hw   Hardware
	name string

	busy lock.SpinLock

	mu     sync.Mutex
	state  State
	tool   ToolState
	active *Request
	abort  context.CancelCauseFunc
}

func New(opts Options, hw Hardware) (*Machine, error) {
	if hw.Sensors == nil || hw.Actuators == nil {
		return nil, errors.New("exchange: hardware handle incomplete")
	}
	if opts.Topology == nil {
		return nil, errors.New("exchange: topology required")
	}
	if _, ok := opts.Topology.Toolhead(opts.Toolhead); !ok {
		return nil, fmt.Errorf("exchange: toolhead %d not in topology", opts.Toolhead)
	}
	if opts.Recovery == nil {
		return nil, errors.New("exchange: recovery engine required")
	}
	if opts.Inventory == nil {
		return nil, errors.New("exchange: inventory required")
	}
	if opts.Events == nil {
		opts.Events = telemetry.Nop{}
	}
	name := opts.Config.Name
	if name == "" {
		name = fmt.Sprintf("T%d", opts.Toolhead)
	}
	self := &Machine{opts: opts, hw: hw, name: name, tool: EmptyToolState(opts.Toolhead)}
	if opts.Initial != nil {
		self.tool = *opts.Initial
	}
	for _, g := range opts.Config.Gates {
		opts.Inventory.setLoaded(g, g == self.tool.Loaded && self.tool.AtNozzle())
	}
	return self, nil
}

func (self *Machine) Name() string {
	return self.name
}

func (self *Machine) Toolhead() int {
	return self.opts.Toolhead
}

func (self *Machine) Gates() []int {
	return append([]int(nil), self.opts.Config.Gates...)
}

func (self *Machine) Hardware() Hardware {
	return self.hw
}

func (self *Machine) State() State {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

func (self *Machine) ToolState() ToolState {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.tool
}

func (self *Machine) Busy() bool {
	return self.busy.Locked()
}

// Abort cancels the running request. It takes effect at the next move or
// sensor wait; a move already in flight finishes first. Reports whether a
// request was running.
func (self *Machine) Abort() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.abort == nil {
		return false
	}
	self.abort(ErrAborted)
	return true
}

// RequestExchange runs req to completion and returns its outcome. The
// machine is back in Idle when it returns.
func (self *Machine) RequestExchange(ctx context.Context, req Request) Outcome {
	if !self.busy.TryLock() {
		return Outcome{
			RequestID: req.ID, Toolhead: self.name, Op: req.Op, Gate: req.Gate,
			Status: Failed, Reason: "busy", Err: ErrBusy,
			Snapshot: self.hw.Sensors.Sample(), Tool: self.ToolState(),
		}
	}
	defer self.busy.Unlock()

	release, err := self.hw.Actuators.Lease()
	if err != nil {
		return Outcome{
			RequestID: req.ID, Toolhead: self.name, Op: req.Op, Gate: req.Gate,
			Status: Failed, Reason: "actuators in use", Err: err,
			Snapshot: self.hw.Sensors.Sample(), Tool: self.ToolState(),
		}
	}
	defer release()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = self.opts.Exchange.RequestTimeout
	}
	base, abort := context.WithCancelCause(ctx)
	rctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	defer abort(nil)

	self.mu.Lock()
	self.active = &req
	self.abort = abort
	self.mu.Unlock()
	defer func() {
		self.mu.Lock()
		self.active = nil
		self.abort = nil
		self.mu.Unlock()
	}()

	r := &run{
		m:     self,
		req:   req,
		ctx:   rctx,
		start: time.Now(),
		log:   logger.With("toolhead", self.name, "request", req.ID, "op", req.Op.String(), "gate", req.Gate),
	}
	out := r.execute()
	self.opts.Events.Publish(telemetry.NewEvent(telemetry.ExchangeResult, self.name, req.ID, map[string]interface{}{
		"op":       req.Op.String(),
		"gate":     req.Gate,
		"status":   out.Status.String(),
		"reason":   out.Reason,
		"attempts": out.Attempts,
		"moves":    out.Moves,
		"duration": out.Duration.Seconds(),
	}))
	return out
}

func (self *Machine) setState(s State) State {
	self.mu.Lock()
	defer self.mu.Unlock()
	prev := self.state
	self.state = s
	return prev
}

func (self *Machine) setTool(t ToolState) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.tool = t
}

func (self *Machine) Get_status() map[string]interface{} {
	self.mu.Lock()
	defer self.mu.Unlock()
	status := map[string]interface{}{
		"name":     self.name,
		"state":    self.state.String(),
		"loaded":   self.tool.Loaded,
		"cursor":   self.tool.Cursor.Location.String(),
		"offset":   self.tool.Cursor.Offset,
		"busy":     self.busy.Locked(),
		"request":  "",
		"gates":    self.opts.Config.Gates,
		"hardware": self.hw.Actuators.Get_status(),
	}
	if self.active != nil {
		status["request"] = self.active.ID
	}
	return status
}
