package planner

import (
	"errors"
	"fmt"
	"time"

	"k3mmu/common/config"
	"k3mmu/project/actuator"
	"k3mmu/project/sensor"
)

type Kind int8

const (
	Gate Kind = iota
	Buffer
	Bowden
	Extruder
	Nozzle
)

var kindNames = [...]string{"gate", "buffer", "bowden", "extruder", "nozzle"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func ParseKind(s string) (Kind, bool) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), true
		}
	}
	return 0, false
}

// Location is a node of the filament tree. Gate is only meaningful for
// Kind == Gate; Toolhead only for the shared nodes.
type Location struct {
	Kind     Kind `json:"kind"`
	Gate     int  `json:"gate"`
	Toolhead int  `json:"toolhead"`
}

func GateAt(gate int) Location {
	return Location{Kind: Gate, Gate: gate}
}

func At(kind Kind, toolhead int) Location {
	return Location{Kind: kind, Gate: -1, Toolhead: toolhead}
}

func (l Location) String() string {
	if l.Kind == Gate {
		return fmt.Sprintf("gate%d", l.Gate)
	}
	if l.Toolhead != 0 {
		return fmt.Sprintf("T%d/%s", l.Toolhead, l.Kind)
	}
	return l.Kind.String()
}

var ErrNoPath = errors.New("no path")

type NoPathError struct {
	From, To Location
	Reason   string
}

func (e *NoPathError) Error() string {
	return fmt.Sprintf("no path from %s to %s: %s", e.From, e.To, e.Reason)
}

func (e *NoPathError) Is(target error) bool {
	return target == ErrNoPath
}

// Segment is one physical leg, always described in the loading direction
// (From is farther from the nozzle). Checkpoint is the sensor at To; empty
// means the leg is confirmed by move completion alone.
type Segment struct {
	Name       string                `json:"name"`
	From       Location              `json:"from"`
	To         Location              `json:"to"`
	Length     float64               `json:"length"`
	Checkpoint sensor.ID             `json:"checkpoint,omitempty"`
	Actuator   actuator.ID           `json:"actuator"`
	Profile    actuator.SpeedProfile `json:"profile"`
	MaxTime    time.Duration         `json:"max_time"`
	Tolerance  float64               `json:"tolerance"`
}

// Step traverses a segment forward (toward the nozzle) or in reverse.
type Step struct {
	Segment *Segment `json:"segment"`
	Reverse bool     `json:"reverse"`
}

func (s Step) Start() Location {
	if s.Reverse {
		return s.Segment.To
	}
	return s.Segment.From
}

func (s Step) End() Location {
	if s.Reverse {
		return s.Segment.From
	}
	return s.Segment.To
}

// Distance is the signed drive distance of the step.
func (s Step) Distance() float64 {
	if s.Reverse {
		return -s.Segment.Length
	}
	return s.Segment.Length
}

// Expect is the checkpoint reading confirming the step: filament arriving
// at the sensor when loading, clearing it when unloading.
func (s Step) Expect() sensor.State {
	if s.Reverse {
		return sensor.Absent
	}
	return sensor.Present
}

func (s Step) String() string {
	return fmt.Sprintf("%s->%s", s.Start(), s.End())
}

// Cursor is the last confirmed checkpoint along a path.
type Cursor struct {
	Location Location `json:"location"`
	Segment  string   `json:"segment,omitempty"`
	Offset   float64  `json:"offset"`
}

// CursorAfter is the cursor once step has been confirmed.
func CursorAfter(step Step) Cursor {
	return Cursor{Location: step.End(), Segment: step.Segment.Name, Offset: step.Segment.Length}
}

type FilamentPath struct {
	Toolhead int      `json:"toolhead"`
	From     Location `json:"from"`
	To       Location `json:"to"`
	Steps    []Step   `json:"steps"`
}

func (p *FilamentPath) Length() float64 {
	total := 0.0
	for _, s := range p.Steps {
		total += s.Segment.Length
	}
	return total
}

// Final is the cursor after every step is confirmed.
func (p *FilamentPath) Final() Cursor {
	if len(p.Steps) == 0 {
		return Cursor{Location: p.To}
	}
	return CursorAfter(p.Steps[len(p.Steps)-1])
}

type Toolhead struct {
	Index int
	Name  string
	Gates []int
	// keyed by the segment's From location
	segments map[Location]*Segment
}

func (t *Toolhead) Segment(from Location) (*Segment, bool) {
	s, ok := t.segments[from]
	return s, ok
}

// Topology is the immutable filament tree of every toolhead.
type Topology struct {
	toolheads []*Toolhead
	owner     map[int]int
}

func NewTopology(cfg *config.Config) (*Topology, error) {
	topo := &Topology{owner: map[int]int{}}
	for i, thc := range cfg.Toolheads {
		th := &Toolhead{Index: i, Name: thc.Name, Gates: append([]int(nil), thc.Gates...), segments: map[Location]*Segment{}}
		add := func(from, to Location, sc config.SegmentConfig, length float64) {
			th.segments[from] = &Segment{
				Name:       fmt.Sprintf("%s->%s", from, to),
				From:       from,
				To:         to,
				Length:     length,
				Checkpoint: sensor.ID(sc.Sensor),
				Actuator:   actuator.ID(sc.Actuator),
				Profile:    actuator.SpeedProfile{Speed: sc.Speed, Accel: sc.Accel},
				MaxTime:    sc.MaxTime,
				Tolerance:  sc.Tolerance,
			}
		}
		for _, g := range thc.Gates {
			if g < 0 || g >= len(cfg.Gates) {
				return nil, fmt.Errorf("toolhead %s: gate %d not configured", thc.Name, g)
			}
			if prev, ok := topo.owner[g]; ok {
				return nil, fmt.Errorf("gate %d owned by toolheads %d and %d", g, prev, i)
			}
			topo.owner[g] = i
			length := thc.Segments.Buffer.Length
			if cfg.Gates[g].BufferLength > 0 {
				length = cfg.Gates[g].BufferLength
			}
			add(Location{Kind: Gate, Gate: g, Toolhead: i}, At(Buffer, i), thc.Segments.Buffer, length)
		}
		add(At(Buffer, i), At(Bowden, i), thc.Segments.Bowden, thc.Segments.Bowden.Length)
		add(At(Bowden, i), At(Extruder, i), thc.Segments.Extruder, thc.Segments.Extruder.Length)
		add(At(Extruder, i), At(Nozzle, i), thc.Segments.Nozzle, thc.Segments.Nozzle.Length)
		topo.toolheads = append(topo.toolheads, th)
	}
	return topo, nil
}

func (t *Topology) Toolheads() []*Toolhead {
	return t.toolheads
}

func (t *Topology) Toolhead(index int) (*Toolhead, bool) {
	if index < 0 || index >= len(t.toolheads) {
		return nil, false
	}
	return t.toolheads[index], true
}

// OwnerOf returns the toolhead owning gate.
func (t *Topology) OwnerOf(gate int) (int, bool) {
	th, ok := t.owner[gate]
	return th, ok
}

// Locations lists every node of the tree, gates first.
func (t *Topology) Locations() []Location {
	var out []Location
	for _, th := range t.toolheads {
		for _, g := range th.Gates {
			out = append(out, Location{Kind: Gate, Gate: g, Toolhead: th.Index})
		}
		for k := Buffer; k <= Nozzle; k++ {
			out = append(out, At(k, th.Index))
		}
	}
	return out
}

func (t *Topology) canonical(l Location) (Location, bool) {
	if l.Kind == Gate {
		th, ok := t.owner[l.Gate]
		if !ok {
			return l, false
		}
		return Location{Kind: Gate, Gate: l.Gate, Toolhead: th}, true
	}
	if l.Kind < Buffer || l.Kind > Nozzle {
		return l, false
	}
	if _, ok := t.Toolhead(l.Toolhead); !ok {
		return l, false
	}
	return At(l.Kind, l.Toolhead), true
}

func parent(l Location) (Location, bool) {
	if l.Kind == Nozzle {
		return l, false
	}
	return At(l.Kind+1, l.Toolhead), true
}

func chain(l Location) []Location {
	out := []Location{l}
	for {
		p, ok := parent(l)
		if !ok {
			return out
		}
		out = append(out, p)
		l = p
	}
}

// Plan returns the unique path between two locations of one toolhead.
func (t *Topology) Plan(from, to Location) (*FilamentPath, error) {
	cto, ok := t.canonical(to)
	if !ok {
		return nil, &NoPathError{From: from, To: to, Reason: "destination outside configured topology"}
	}
	cfrom, ok := t.canonical(from)
	if !ok {
		return nil, &NoPathError{From: from, To: to, Reason: "origin outside configured topology"}
	}
	if cfrom.Toolhead != cto.Toolhead {
		return nil, &NoPathError{From: from, To: to, Reason: "locations belong to different toolheads"}
	}
	th := t.toolheads[cto.Toolhead]

	up := chain(cfrom)
	down := chain(cto)
	onDown := make(map[Location]int, len(down))
	for i, l := range down {
		onDown[l] = i
	}
	lca := -1
	for i, l := range up {
		if _, ok := onDown[l]; ok {
			lca = i
			break
		}
	}
	// both chains end at the nozzle so lca always exists
	path := &FilamentPath{Toolhead: th.Index, From: cfrom, To: cto}
	for _, l := range up[:lca] {
		path.Steps = append(path.Steps, Step{Segment: th.segments[l]})
	}
	tail := down[:onDown[up[lca]]]
	for i := len(tail) - 1; i >= 0; i-- {
		path.Steps = append(path.Steps, Step{Segment: th.segments[tail[i]], Reverse: true})
	}
	return path, nil
}
