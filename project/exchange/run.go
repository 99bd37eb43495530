package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"k3mmu/project/actuator"
	"k3mmu/project/planner"
	"k3mmu/project/recovery"
	"k3mmu/project/sensor"
	"k3mmu/project/telemetry"
)

// run is the state of one request while it executes.
type run struct {
	m     *Machine
	req   Request
	ctx   context.Context
	start time.Time
	log   *zap.SugaredLogger

	// actuators commanded so far, most recent last, each once
	issued   []actuator.ID
	moves    int
	attempts int
	warnings []string
	gate     int
	moved    bool
}

func (r *run) execute() (out Outcome) {
	r.gate = r.req.Gate
	tool := r.m.ToolState()
	r.log.Infof("exchange start, loaded %d at %s", tool.Loaded, tool.Cursor.Location)

	defer func() {
		out.RequestID = r.req.ID
		out.Toolhead = r.m.name
		out.Op = r.req.Op
		out.Gate = r.gate
		out.Attempts = r.attempts
		out.Moves = r.moves
		out.Warnings = r.warnings
		out.Snapshot = r.m.hw.Sensors.Sample()
		out.Tool = r.m.ToolState()
		out.Duration = time.Since(r.start)
		r.transition(Idle, nil)
		if out.Success() {
			r.log.Infof("exchange done in %s, %d moves", out.Duration, out.Moves)
		} else {
			r.log.Warnw("exchange failed", "reason", out.Reason, "attempts", out.Attempts, "snapshot", out.Snapshot.Summary())
		}
	}()

	if noop, reason := r.noop(tool); noop {
		return Outcome{Status: Success, Reason: reason}
	}
	if err := r.precheck(tool); err != nil {
		return r.fail(err)
	}
	vars := r.hookVars(tool)
	if err := r.hook("pre", vars); err != nil {
		return r.fail(fmt.Errorf("pre-exchange hook: %w", err))
	}

	err := r.motion(tool)
	if err != nil && r.moved {
		if uerr := r.unwind(); uerr != nil {
			r.warn("unwind: %v", uerr)
		}
	}
	if perr := r.park(); perr != nil {
		err = multierr.Append(err, perr)
	}
	if err != nil {
		return r.fail(err)
	}
	if herr := r.hook("post", vars); herr != nil {
		r.warn("post-exchange hook: %v", herr)
	}
	return Outcome{Status: Success}
}

// noop covers the requests that need no motion at all.
func (r *run) noop(tool ToolState) (bool, string) {
	switch r.req.Op {
	case Load, Swap:
		if tool.AtNozzle() && tool.Loaded == r.req.Gate {
			return true, fmt.Sprintf("gate %d already loaded", r.req.Gate)
		}
	case Unload:
		if tool.Loaded < 0 {
			r.gate = -1
			return true, "nothing loaded"
		}
	}
	return false, ""
}

func (r *run) precheck(tool ToolState) error {
	owns := func(g int) bool {
		owner, ok := r.m.opts.Topology.OwnerOf(g)
		return ok && owner == r.m.opts.Toolhead
	}
	switch r.req.Op {
	case Unload:
		if r.req.Gate < 0 {
			r.gate = tool.Loaded
		}
		if r.gate != tool.Loaded {
			return fmt.Errorf("gate %d: %w (loaded %d)", r.gate, ErrNotLoaded, tool.Loaded)
		}
		return nil
	case Load:
		if tool.Loaded >= 0 && tool.Loaded != r.req.Gate {
			return fmt.Errorf("gate %d: %w", tool.Loaded, ErrConflict)
		}
	case Swap:
	default:
		return fmt.Errorf("unsupported operation %s", r.req.Op)
	}
	if !owns(r.req.Gate) {
		return &planner.NoPathError{From: planner.GateAt(r.req.Gate), To: planner.At(planner.Nozzle, r.m.opts.Toolhead),
			Reason: "gate outside configured topology"}
	}
	g, _ := r.m.opts.Inventory.Get(r.req.Gate)
	if !g.Occupied {
		return fmt.Errorf("gate %d: %w", r.req.Gate, ErrGateEmpty)
	}
	return nil
}

func (r *run) motion(tool ToolState) error {
	switch r.req.Op {
	case Load:
		return r.load(r.req.Gate, tool)
	case Unload:
		return r.unload(tool)
	}
	if tool.Loaded >= 0 && tool.Loaded != r.req.Gate {
		if err := r.unload(tool); err != nil {
			return err
		}
		tool = r.m.ToolState()
	}
	return r.load(r.req.Gate, tool)
}

func (r *run) load(gate int, tool ToolState) error {
	from := planner.GateAt(gate)
	if tool.Loaded == gate {
		from = tool.Cursor.Location
	}
	path, err := r.m.opts.Topology.Plan(from, planner.At(planner.Nozzle, r.m.opts.Toolhead))
	if err != nil {
		return err
	}
	if err := r.selectGate(gate); err != nil {
		return err
	}
	if err := r.traverse(gate, path); err != nil {
		return err
	}
	if err := r.confirm(path); err != nil {
		return err
	}
	r.m.setTool(ToolState{Loaded: gate, Cursor: path.Final()})
	r.m.opts.Inventory.setLoaded(gate, true)
	return nil
}

func (r *run) unload(tool ToolState) error {
	gate := tool.Loaded
	from := tool.Cursor.Location
	if !tool.AtNozzle() {
		// filament may have run past the last confirmed checkpoint, so
		// retract over the next segment as well
		if th, ok := r.m.opts.Topology.Toolhead(r.m.opts.Toolhead); ok {
			if seg, ok := th.Segment(from); ok {
				from = seg.To
			}
		}
	}
	path, err := r.m.opts.Topology.Plan(from, planner.GateAt(gate))
	if err != nil {
		return err
	}
	if err := r.selectGate(gate); err != nil {
		return err
	}
	if tool.AtNozzle() {
		r.cut()
	}
	if err := r.traverse(gate, path); err != nil {
		return err
	}
	if err := r.confirm(path); err != nil {
		return err
	}
	r.m.setTool(ToolState{Loaded: -1, Cursor: path.Final()})
	r.m.opts.Inventory.setLoaded(gate, false)
	return nil
}

func (r *run) selectorPosition(gate int) (float64, error) {
	cfg := r.m.opts.Config.Selector
	for i, g := range r.m.opts.Config.Gates {
		if g == gate && i < len(cfg.Positions) {
			return cfg.Positions[i], nil
		}
	}
	return 0, fmt.Errorf("no selector position for gate %d", gate)
}

// selectGate moves the selector to gate and waits for the encoder to agree.
// A mismatch re-homes through neutral and tries again.
func (r *run) selectGate(gate int) error {
	cfg := r.m.opts.Config.Selector
	r.transition(Selecting, map[string]interface{}{"gate": gate})
	if cfg.Actuator == "" {
		return nil
	}
	pos, err := r.selectorPosition(gate)
	if err != nil {
		return err
	}
	profile := actuator.SpeedProfile{Speed: cfg.Speed, Accel: cfg.Accel}
	for try := 0; ; try++ {
		err := r.moveSelector(pos, profile)
		if err == nil {
			return nil
		}
		if r.ctx.Err() != nil {
			return r.cancelled()
		}
		if !errors.Is(err, ErrSelector) || try >= cfg.Retries {
			return err
		}
		r.attempts++
		r.log.Warnf("selector retry %d/%d: %v", try+1, cfg.Retries, err)
		if _, herr := r.move(actuator.ID(cfg.Actuator), cfg.Neutral, profile); herr != nil {
			return herr
		}
	}
}

func (r *run) moveSelector(pos float64, profile actuator.SpeedProfile) error {
	cfg := r.m.opts.Config.Selector
	if _, err := r.move(actuator.ID(cfg.Actuator), pos, profile); err != nil {
		return err
	}
	if cfg.Encoder == "" {
		return nil
	}
	settle := cfg.Settle
	if settle <= 0 {
		settle = time.Second
	}
	encoder := sensor.ID(cfg.Encoder)
	snap, err := r.m.hw.Sensors.AwaitPosition(r.ctx, encoder, pos, cfg.Tolerance, settle)
	if err != nil {
		if r.ctx.Err() != nil {
			return r.cancelled()
		}
		got, _ := snap.Position(encoder)
		return fmt.Errorf("%w: wanted %.2f, encoder %.2f", ErrSelector, pos, got)
	}
	return nil
}

// cut prepares the tip before retraction. Failures only produce warnings.
func (r *run) cut() {
	cfg := r.m.opts.Config.Cutter
	if cfg.Actuator == "" {
		return
	}
	r.transition(Cutting, nil)
	var errs error
	if cfg.Extruder != "" && cfg.Offset > 0 {
		profile := actuator.SpeedProfile{Speed: r.m.opts.Config.Segments.Nozzle.Speed}
		if _, err := r.move(actuator.ID(cfg.Extruder), -cfg.Offset, profile); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	profile := actuator.SpeedProfile{Speed: cfg.Speed}
	if errs == nil {
		if _, err := r.move(actuator.ID(cfg.Actuator), cfg.CutPosition, profile); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if _, err := r.move(actuator.ID(cfg.Actuator), cfg.RestPosition, profile); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		r.warn("cutter fault: %v", errs)
	}
}

func (r *run) traverse(gate int, path *planner.FilamentPath) error {
	for _, step := range path.Steps {
		r.transition(Loading, map[string]interface{}{"segment": step.Segment.Name, "reverse": step.Reverse})
		if err := r.step(step); err != nil {
			return err
		}
		// first confirmed forward step puts this gate's filament in the path
		r.m.setTool(ToolState{Loaded: gate, Cursor: planner.CursorAfter(step)})
		r.snapshot(step.Segment.Name)
	}
	return nil
}

// step drives one segment until its checkpoint confirms or recovery gives up.
func (r *run) step(step planner.Step) error {
	seg := step.Segment
	fault := r.attempt(step, step.Distance(), seg.Profile)
	for tries := 0; fault != nil; {
		if r.ctx.Err() != nil {
			return r.cancelled()
		}
		ticket := recovery.NewTicket(r.req.ID, r.m.name, step, fault, r.m.hw.Sensors.Sample())
		ticket.Attempts = tries
		res := r.m.opts.Recovery.Handle(r.ctx, ticket)
		switch res.Outcome {
		case recovery.Recovered:
			return nil
		case recovery.Escalated:
			return &StepError{Step: step, Ticket: ticket, Resolution: res}
		}
		tries++
		r.attempts++
		if _, err := r.move(seg.Actuator, res.Retry.Backoff, res.Retry.Profile); err != nil {
			fault = err
			continue
		}
		fault = r.attempt(step, res.Retry.Advance, res.Retry.Profile)
	}
	return nil
}

func (r *run) attempt(step planner.Step, distance float64, profile actuator.SpeedProfile) error {
	seg := step.Segment
	if _, err := r.move(seg.Actuator, distance, profile); err != nil {
		return err
	}
	if seg.Checkpoint == "" {
		return nil
	}
	timeout := seg.MaxTime
	if timeout <= 0 {
		timeout = r.m.hw.Actuators.MoveTimeout(distance, profile)
	}
	_, err := r.m.hw.Sensors.AwaitTransition(r.ctx, seg.Checkpoint, step.Expect(), timeout)
	return err
}

// confirm re-reads the last checkpoint of the path.
func (r *run) confirm(path *planner.FilamentPath) error {
	r.transition(Confirming, nil)
	snap := r.m.hw.Sensors.Sample()
	for i := len(path.Steps) - 1; i >= 0; i-- {
		step := path.Steps[i]
		if step.Segment.Checkpoint == "" {
			continue
		}
		if got := snap.State(step.Segment.Checkpoint); got != step.Expect() {
			return fmt.Errorf("%w: %s reads %s, expected %s", ErrConfirm, step.Segment.Checkpoint, got, step.Expect())
		}
		return nil
	}
	return nil
}

// park returns the selector to neutral once anything has moved. It uses a
// context detached from the request so an abort cannot skip it.
func (r *run) park() error {
	cfg := r.m.opts.Config.Selector
	r.transition(Parking, nil)
	if cfg.Actuator == "" || !r.moved {
		return nil
	}
	ctx := context.WithoutCancel(r.ctx)
	profile := actuator.SpeedProfile{Speed: cfg.Speed, Accel: cfg.Accel}
	r.moves++
	if _, err := r.m.hw.Actuators.Move(ctx, actuator.ID(cfg.Actuator), cfg.Neutral, profile); err != nil {
		return fmt.Errorf("park selector: %w", err)
	}
	return nil
}

// unwind halts every actuator the request commanded, newest first.
func (r *run) unwind() error {
	r.transition(Aborting, nil)
	ids := make([]actuator.ID, 0, len(r.issued))
	for i := len(r.issued) - 1; i >= 0; i-- {
		ids = append(ids, r.issued[i])
	}
	if len(ids) == 0 {
		return nil
	}
	return r.m.hw.Actuators.Halt(context.WithoutCancel(r.ctx), ids...)
}

func (r *run) fail(err error) Outcome {
	return Outcome{Status: Failed, Reason: reasonOf(err), Err: err}
}

func reasonOf(err error) string {
	var se *StepError
	switch {
	case errors.As(err, &se):
		return se.Resolution.Reason
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	}
	return err.Error()
}

func (r *run) cancelled() error {
	if cause := context.Cause(r.ctx); cause != nil {
		return cause
	}
	return r.ctx.Err()
}

func (r *run) move(id actuator.ID, target float64, profile actuator.SpeedProfile) (actuator.Ack, error) {
	for i, prev := range r.issued {
		if prev == id {
			r.issued = append(r.issued[:i], r.issued[i+1:]...)
			break
		}
	}
	r.issued = append(r.issued, id)
	r.moves++
	r.moved = true
	return r.m.hw.Actuators.Move(r.ctx, id, target, profile)
}

func (r *run) transition(to State, attrs map[string]interface{}) {
	from := r.m.setState(to)
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	attrs["from"] = from.String()
	attrs["to"] = to.String()
	attrs["op"] = r.req.Op.String()
	r.log.Debugf("%s -> %s", from, to)
	r.m.opts.Events.Publish(telemetry.NewEvent(telemetry.StateTransition, r.m.name, r.req.ID, attrs))
}

func (r *run) snapshot(segment string) {
	snap := r.m.hw.Sensors.Sample()
	r.m.opts.Events.Publish(telemetry.NewEvent(telemetry.SensorSnapshot, r.m.name, r.req.ID, map[string]interface{}{
		"segment": segment,
		"seq":     snap.Seq,
		"sensors": snap.Summary(),
	}))
}

func (r *run) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.warnings = append(r.warnings, msg)
	r.log.Warn(msg)
}

func (r *run) hookVars(tool ToolState) map[string]interface{} {
	return map[string]interface{}{
		"from":     tool.Loaded,
		"to":       r.req.Gate,
		"gate":     r.gate,
		"op":       r.req.Op.String(),
		"toolhead": r.m.name,
		"request":  r.req.ID,
	}
}

func (r *run) hook(phase string, vars map[string]interface{}) error {
	if r.m.opts.Hook == nil {
		return nil
	}
	return r.m.opts.Hook(r.ctx, phase, vars)
}
