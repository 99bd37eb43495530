package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"k3mmu/common/config"
	"k3mmu/common/logger"
	"k3mmu/common/utils/sys"
	"k3mmu/project/ace"
	"k3mmu/project/actuator"
	"k3mmu/project/dryer"
	"k3mmu/project/exchange"
	"k3mmu/project/macro"
	"k3mmu/project/planner"
	"k3mmu/project/recovery"
	"k3mmu/project/sensor"
	"k3mmu/project/sim"
	"k3mmu/project/store"
	"k3mmu/project/telemetry"
)

type Options struct {
	Config *config.Config
	// Store defaults to the one named by Config.Store.
	Store store.Store
	// Registerer receives the exchange metrics; nil disables them.
	Registerer prometheus.Registerer
	// Runner executes rendered hook scripts; nil logs them.
	Runner macro.ScriptRunner
	// Dial opens the ACE link; nil uses the serial device.
	Dial ace.Dialer
	// Events receive every event besides the bus and the log.
	Events []telemetry.Publisher
}

// MMU is one multi material unit: the state machine of every toolhead, the
// shared gate inventory, the dryer and, when configured, the ACE feeding
// one of the toolheads.
type MMU struct {
	cfg       *config.Config
	topology  *planner.Topology
	inventory *exchange.Inventory
	machines  []*exchange.Machine
	units     []*sim.Unit
	ace       *ace.ACE
	// aceToolhead is the toolhead the ACE feeds, or -1.
	aceToolhead int
	dryer     *dryer.Dryer
	bus       *telemetry.Bus
	events    telemetry.Publisher
	hooks     *macro.Hooks
	store     store.Store

	saveMu sync.Mutex

	// background runout handling; ctx ends with Close
	ctx    context.Context
	cancel context.CancelFunc
	bgMu   sync.Mutex
	bg     sync.WaitGroup
	closed bool
}

func NewMMU(opts Options) (*MMU, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("mmu: config required")
	}
	topology, err := planner.NewTopology(cfg)
	if err != nil {
		return nil, err
	}
	st := opts.Store
	if st == nil {
		if st, err = store.Open(cfg.Store); err != nil {
			return nil, err
		}
	}

	self := &MMU{
		cfg:         cfg,
		topology:    topology,
		inventory:   exchange.NewInventory(cfg.Gates),
		bus:         telemetry.NewBus(256),
		store:       st,
		aceToolhead: -1,
	}
	self.ctx, self.cancel = context.WithCancel(context.Background())
	publishers := telemetry.Multi{self.bus, telemetry.LogSink{}}
	if opts.Registerer != nil {
		metrics, err := telemetry.NewMetrics(opts.Registerer)
		if err != nil {
			return nil, fmt.Errorf("mmu: metrics: %w", err)
		}
		publishers = append(publishers, metrics)
	}
	publishers = append(publishers, opts.Events...)
	self.events = publishers

	runner := opts.Runner
	if runner == nil {
		runner = macro.LogRunner{}
	}
	if self.hooks, err = macro.NewHooks(cfg.Exchange, runner); err != nil {
		return nil, err
	}

	tools := self.restore()

	if cfg.ACE.Enabled {
		self.aceToolhead = 0
		if cfg.ACE.Toolhead != "" {
			self.aceToolhead = toolheadIndex(cfg, cfg.ACE.Toolhead)
		}
	}
	policy := recovery.PolicyFromConfig(cfg.Recovery)
	for i, th := range cfg.Toolheads {
		unit, err := sim.NewUnit(cfg, i)
		if err != nil {
			return nil, err
		}
		if i == self.aceToolhead {
			self.attachACE(opts.Dial, unit, th)
		}
		initial := tools[toolheadName(th, i)]
		if initial != nil {
			self.preload(unit, i, *initial)
		}
		m, err := exchange.New(exchange.Options{
			Toolhead:  i,
			Config:    th,
			Exchange:  cfg.Exchange,
			Topology:  topology,
			Recovery:  recovery.NewEngine(policy, unit.Hub, self.events),
			Inventory: self.inventory,
			Events:    self.events,
			Hook:      self.hooks.Run,
			Initial:   initial,
		}, exchange.Hardware{Sensors: unit.Hub, Actuators: unit.Bank})
		if err != nil {
			return nil, err
		}
		self.machines = append(self.machines, m)
		self.units = append(self.units, unit)
	}

	var heater dryer.Heater = sim.NewHeater(cfg.Dryer.Heater)
	if cfg.Dryer.Heater == "ace" && self.ace != nil {
		heater = self.ace.Heater()
	}
	self.dryer = dryer.New(cfg.Dryer, heater, self.events)

	logger.Infof("MMU ready: %d toolheads, %d gates, store %s", len(self.machines), self.inventory.Len(), storeKind(cfg.Store))
	return self, nil
}

func toolheadName(th config.ToolheadConfig, index int) string {
	if th.Name != "" {
		return th.Name
	}
	return fmt.Sprintf("T%d", index)
}

func toolheadIndex(cfg *config.Config, name string) int {
	for i, th := range cfg.Toolheads {
		if strings.EqualFold(toolheadName(th, i), name) {
			return i
		}
	}
	return -1
}

func storeKind(cfg config.StoreConfig) string {
	if cfg.Kind == "" {
		return "memory"
	}
	return cfg.Kind
}

// restore loads the saved inventory and returns the saved ToolStates by
// toolhead name. A missing or unreadable snapshot starts from config.
func (self *MMU) restore() map[string]*exchange.ToolState {
	tools := map[string]*exchange.ToolState{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := self.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warnf("MMU: restore state: %v", err)
		}
		return tools
	}
	self.inventory.Restore(snap.Gates)
	for name, t := range snap.Tools {
		t := t
		tools[name] = &t
	}
	logger.Infof("MMU: restored state saved at %s", snap.Saved.Format(time.RFC3339))
	return tools
}

// preload puts the simulated filament where the restored ToolState says it is.
func (self *MMU) preload(unit *sim.Unit, toolhead int, t exchange.ToolState) {
	if t.Loaded < 0 {
		return
	}
	path, err := self.topology.Plan(planner.GateAt(t.Loaded), t.Cursor.Location)
	if err != nil {
		logger.Warnf("MMU: toolhead %d: restored cursor %s: %v", toolhead, t.Cursor.Location, err)
		return
	}
	unit.Preload(t.Loaded, path.Length())
}

// attachACE hands the selector, the drive and the gate sensors of unit to
// the ACE. The path sensors stay on the toolhead and follow the ACE feeds.
func (self *MMU) attachACE(dial ace.Dialer, unit *sim.Unit, th config.ToolheadConfig) {
	var bindings []ace.Binding
	var gateSensors []sensor.ID
	for i, g := range th.Gates {
		if i >= ace.SLOT_COUNT {
			break
		}
		id := sensor.ID(self.cfg.Gates[g].Sensor)
		bindings = append(bindings, ace.Binding{Gate: g, Sensor: id})
		if id != "" {
			gateSensors = append(gateSensors, id)
		}
	}
	unit.Yield(gateSensors...)
	commun := ace.NewAceCommunication(self.cfg.ACE.Serial, self.cfg.ACE.Baud, dial)
	self.ace = ace.New(self.cfg.ACE, commun, unit.Hub, bindings)
	self.ace.Attach(unit.Bank, th.Selector, actuator.ID(self.cfg.ACE.Drive))
	self.ace.OnTravel(unit.Advance)
	self.ace.OnSlots(self.syncSlots)
}

func (self *MMU) aceMachine() *exchange.Machine {
	if self.ace == nil || self.aceToolhead < 0 || self.aceToolhead >= len(self.machines) {
		return nil
	}
	return self.machines[self.aceToolhead]
}

// syncFeedAssist keeps ACE feed assist on the loaded slot while filament is
// at the nozzle, and off otherwise.
func (self *MMU) syncFeedAssist(tool exchange.ToolState) {
	want := -1
	if tool.AtNozzle() {
		want = self.ace.SlotOf(tool.Loaded)
	}
	have := self.ace.FeedAssist()
	if want == have {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if have >= 0 {
		err = self.ace.DisableFeedAssist(ctx, have)
	}
	if err == nil && want >= 0 {
		err = self.ace.EnableFeedAssist(ctx, want)
	}
	if err != nil {
		logger.Warnf("MMU: ACE feed assist: %v", err)
	}
}

// syncSlots copies what the ACE reports about its spools into the inventory.
// The loaded spool going empty starts endless spool.
func (self *MMU) syncSlots(slots []ace.Slot) {
	changed := false
	runout := -1
	loaded := -1
	if m := self.aceMachine(); m != nil {
		if tool := m.ToolState(); tool.AtNozzle() {
			loaded = tool.Loaded
		}
	}
	for i, s := range slots {
		gate := self.ace.Gate(i)
		g, ok := self.inventory.Get(gate)
		if !ok {
			continue
		}
		next := g
		next.Occupied = s.Ready()
		if s.Type != "" {
			next.Material = s.Type
		}
		if len(s.Color) == 3 {
			next.Color = fmt.Sprintf("%d,%d,%d", s.Color[0], s.Color[1], s.Color[2])
		}
		if next == g {
			continue
		}
		if err := self.inventory.Set(next); err != nil {
			logger.Warnf("MMU: %v", err)
			continue
		}
		changed = true
		if g.Occupied && !next.Occupied && gate == loaded {
			runout = gate
		}
	}
	if changed {
		self.persist()
	}
	if runout >= 0 {
		self.startRunout(runout)
	}
}

func (self *MMU) startRunout(gate int) {
	self.bgMu.Lock()
	defer self.bgMu.Unlock()
	if self.closed {
		return
	}
	logger.Warnf("MMU: ACE spool of gate %d ran out", gate)
	self.bg.Add(1)
	go func() {
		defer self.bg.Done()
		defer sys.CatchPanic("runout")
		out := self.HandleRunout(self.ctx, self.aceToolhead)
		if !out.Success() {
			logger.Errorf("MMU: endless spool from gate %d: %s", gate, out.Reason)
		}
	}()
}

func (self *MMU) Config() *config.Config {
	return self.cfg
}

func (self *MMU) Topology() *planner.Topology {
	return self.topology
}

func (self *MMU) Bus() *telemetry.Bus {
	return self.bus
}

func (self *MMU) Dryer() *dryer.Dryer {
	return self.dryer
}

// ACE is nil unless an ACE is configured.
func (self *MMU) ACE() *ace.ACE {
	return self.ace
}

func (self *MMU) Machines() []*exchange.Machine {
	return append([]*exchange.Machine(nil), self.machines...)
}

func (self *MMU) Machine(name string) (*exchange.Machine, bool) {
	for _, m := range self.machines {
		if strings.EqualFold(m.Name(), name) {
			return m, true
		}
	}
	return nil, false
}

// Sim is the simulated hardware of a toolhead.
func (self *MMU) Sim(toolhead int) *sim.Unit {
	if toolhead < 0 || toolhead >= len(self.units) {
		return nil
	}
	return self.units[toolhead]
}

// RequestExchange runs op for gate on the toolhead owning it.
func (self *MMU) RequestExchange(ctx context.Context, gate int, op exchange.Op) exchange.Outcome {
	return self.Request(ctx, exchange.NewRequest(gate, op))
}

func (self *MMU) Request(ctx context.Context, req exchange.Request) exchange.Outcome {
	if req.ID == "" {
		req.ID = exchange.NewRequest(req.Gate, req.Op).ID
	}
	m, err := self.route(req)
	if err != nil {
		return exchange.Outcome{
			RequestID: req.ID, Op: req.Op, Gate: req.Gate,
			Status: exchange.Failed, Reason: err.Error(), Err: err,
			Tool: exchange.EmptyToolState(-1),
		}
	}
	out := m.RequestExchange(ctx, req)
	if errors.Is(out.Err, exchange.ErrBusy) {
		return out
	}
	if m == self.aceMachine() {
		self.syncFeedAssist(out.Tool)
	}
	self.persist()
	return out
}

func (self *MMU) route(req exchange.Request) (*exchange.Machine, error) {
	if req.Op == exchange.Unload && req.Gate < 0 {
		for _, m := range self.machines {
			t := m.ToolState()
			if t.Loaded >= 0 {
				return m, nil
			}
		}
		return self.machines[0], nil
	}
	owner, ok := self.topology.OwnerOf(req.Gate)
	if !ok {
		return nil, &planner.NoPathError{
			From:   planner.GateAt(req.Gate),
			To:     planner.At(planner.Nozzle, 0),
			Reason: "gate not fed to any toolhead",
		}
	}
	return self.machines[owner], nil
}

// Abort cancels the request running on the named toolhead, or on every
// toolhead when name is empty. Reports whether anything was running.
func (self *MMU) Abort(name string) bool {
	aborted := false
	for _, m := range self.machines {
		if name == "" || strings.EqualFold(m.Name(), name) {
			aborted = m.Abort() || aborted
		}
	}
	return aborted
}

func (self *MMU) Gates() []exchange.Gate {
	return self.inventory.All()
}

func (self *MMU) Gate(index int) (exchange.Gate, bool) {
	return self.inventory.Get(index)
}

// SetGate records a spool in the gate.
func (self *MMU) SetGate(index int, material, color string, temp int) error {
	g, ok := self.inventory.Get(index)
	if !ok {
		return fmt.Errorf("gate %d out of range 0..%d", index, self.inventory.Len()-1)
	}
	g.Occupied = true
	g.Material = material
	g.Color = color
	g.Temp = temp
	if err := self.inventory.Set(g); err != nil {
		return err
	}
	self.persist()
	return nil
}

func (self *MMU) SetGateEmpty(index int) error {
	if err := self.inventory.SetEmpty(index); err != nil {
		return err
	}
	self.persist()
	return nil
}

// NextAvailableGate is the next occupied gate after current, round robin
// over the gates of the toolhead owning current.
func (self *MMU) NextAvailableGate(current int) (int, bool) {
	owner, ok := self.topology.OwnerOf(current)
	if !ok {
		owner = 0
	}
	th, _ := self.topology.Toolhead(owner)
	return self.inventory.NextOccupied(current, th.Gates)
}

// HandleRunout marks the spool of the toolhead's loaded gate as used up and
// swaps to the next available gate.
func (self *MMU) HandleRunout(ctx context.Context, toolhead int) exchange.Outcome {
	if toolhead < 0 || toolhead >= len(self.machines) {
		err := fmt.Errorf("toolhead %d not configured", toolhead)
		return exchange.Outcome{Status: exchange.Failed, Reason: err.Error(), Err: err, Gate: -1, Tool: exchange.EmptyToolState(toolhead)}
	}
	m := self.machines[toolhead]
	tool := m.ToolState()
	fail := func(err error) exchange.Outcome {
		return exchange.Outcome{
			Toolhead: m.Name(), Op: exchange.Swap, Gate: tool.Loaded,
			Status: exchange.Failed, Reason: err.Error(), Err: err,
			Snapshot: m.Hardware().Sensors.Sample(), Tool: tool,
		}
	}
	if tool.Loaded < 0 {
		return fail(fmt.Errorf("runout on %s: %w", m.Name(), exchange.ErrNotLoaded))
	}
	current := tool.Loaded
	logger.Infof("MMU: runout on %s, gate %d", m.Name(), current)
	if err := self.SetGateEmpty(current); err != nil {
		return fail(err)
	}
	next, ok := self.NextAvailableGate(current)
	if !ok {
		return fail(fmt.Errorf("runout of gate %d: no gate available for endless spool", current))
	}
	logger.Infof("MMU: endless spool, gate %d -> %d", current, next)
	return self.RequestExchange(ctx, next, exchange.Swap)
}

// History returns up to n earlier snapshots, newest first, when the store
// keeps them.
func (self *MMU) History(ctx context.Context, n int) ([]*store.Snapshot, error) {
	h, ok := self.store.(store.Historian)
	if !ok {
		return nil, fmt.Errorf("%s: %w", storeKind(self.cfg.Store), store.ErrNoHistory)
	}
	return h.History(ctx, n)
}

func (self *MMU) snapshot() *store.Snapshot {
	snap := store.NewSnapshot()
	for _, m := range self.machines {
		snap.Tools[m.Name()] = m.ToolState()
	}
	snap.Gates = self.inventory.All()
	return snap
}

// persist saves the current state; failures are logged, never returned, so
// a store outage does not stop exchanges.
func (self *MMU) persist() {
	self.saveMu.Lock()
	defer self.saveMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := self.store.Save(ctx, self.snapshot()); err != nil {
		logger.Errorf("MMU: save state: %v", err)
	}
}

// Run keeps the background parts of the unit going until ctx is done.
func (self *MMU) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if self.ace != nil {
		g.Go(func() error {
			return self.ace.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// Close stops a running drying cycle, saves the state and closes the store.
func (self *MMU) Close() error {
	self.bgMu.Lock()
	self.closed = true
	self.bgMu.Unlock()
	self.cancel()
	self.Abort("")
	self.bg.Wait()
	if err := self.dryer.Stop(); err != nil {
		logger.Warnf("MMU: stop dryer: %v", err)
	}
	if self.ace != nil {
		self.ace.Commun().Disconnect()
	}
	self.persist()
	return self.store.Close()
}

func (self *MMU) Get_status() map[string]interface{} {
	toolheads := map[string]interface{}{}
	for _, m := range self.machines {
		toolheads[m.Name()] = m.Get_status()
	}
	status := map[string]interface{}{
		"toolheads": toolheads,
		"gates":     self.inventory.All(),
		"dryer":     self.dryer.Get_status(),
		"store":     storeKind(self.cfg.Store),
		"events": map[string]interface{}{
			"subscribers": self.bus.Subscribers(),
			"dropped":     self.bus.Dropped(),
		},
	}
	if self.ace != nil {
		status["ace"] = self.ace.Get_status()
	}
	return status
}
