package planner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k3mmu/common/config"
)

func twoToolheads(t *testing.T) *Topology {
	t.Helper()
	cfg := config.Default()
	second := cfg.Toolheads[0]
	second.Name = "T1"
	second.Selector.Positions = []float64{0, 21}
	cfg.Toolheads[0].Gates = []int{0, 1}
	cfg.Toolheads[0].Selector.Positions = []float64{0, 21}
	second.Gates = []int{2, 3}
	cfg.Toolheads = append(cfg.Toolheads, second)
	require.NoError(t, cfg.Validate())
	topo, err := NewTopology(cfg)
	require.NoError(t, err)
	return topo
}

func TestPlanGateToNozzle(t *testing.T) {
	topo, err := NewTopology(config.Default())
	require.NoError(t, err)

	path, err := topo.Plan(GateAt(2), At(Nozzle, 0))
	require.NoError(t, err)
	require.Len(t, path.Steps, 4)
	names := []string{}
	for _, s := range path.Steps {
		assert.False(t, s.Reverse)
		names = append(names, s.String())
	}
	assert.Equal(t, []string{"gate2->buffer", "buffer->bowden", "bowden->extruder", "extruder->nozzle"}, names)
	assert.Equal(t, 60.0+630+40+70, path.Length())
	assert.Equal(t, GateAt(2), path.From)

	final := path.Final()
	assert.Equal(t, At(Nozzle, 0), final.Location)
	assert.Equal(t, 70.0, final.Offset)
	assert.Equal(t, "extruder->nozzle", final.Segment)
}

func TestPlanReverseConfirmsClearing(t *testing.T) {
	topo, err := NewTopology(config.Default())
	require.NoError(t, err)

	path, err := topo.Plan(At(Nozzle, 0), GateAt(1))
	require.NoError(t, err)
	require.Len(t, path.Steps, 4)
	for _, s := range path.Steps {
		assert.True(t, s.Reverse)
		assert.Less(t, s.Distance(), 0.0)
		assert.Equal(t, "absent", s.Expect().String())
	}
	assert.Equal(t, GateAt(1).Gate, path.Final().Location.Gate)
	assert.Equal(t, Gate, path.Final().Location.Kind)
}

func TestPlanBetweenGatesTurnsAtBuffer(t *testing.T) {
	topo, err := NewTopology(config.Default())
	require.NoError(t, err)

	path, err := topo.Plan(GateAt(0), GateAt(3))
	require.NoError(t, err)
	require.Len(t, path.Steps, 2)
	assert.False(t, path.Steps[0].Reverse)
	assert.True(t, path.Steps[1].Reverse)
	assert.Equal(t, At(Buffer, 0), path.Steps[0].End())
}

func TestPlanSameLocationIsEmpty(t *testing.T) {
	topo, err := NewTopology(config.Default())
	require.NoError(t, err)

	path, err := topo.Plan(At(Bowden, 0), At(Bowden, 0))
	require.NoError(t, err)
	assert.Empty(t, path.Steps)
	assert.Equal(t, At(Bowden, 0), path.Final().Location)
}

func TestPlanOutsideTopology(t *testing.T) {
	topo, err := NewTopology(config.Default())
	require.NoError(t, err)

	_, err = topo.Plan(At(Nozzle, 0), GateAt(9))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPath))
	var np *NoPathError
	require.True(t, errors.As(err, &np))
	assert.Contains(t, np.Reason, "destination")

	_, err = topo.Plan(At(Nozzle, 3), At(Bowden, 0))
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestPlanScopedToOwningToolhead(t *testing.T) {
	topo := twoToolheads(t)

	owner, ok := topo.OwnerOf(3)
	require.True(t, ok)
	assert.Equal(t, 1, owner)

	path, err := topo.Plan(GateAt(3), At(Nozzle, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, path.Toolhead)
	assert.Equal(t, "T1/nozzle", path.Final().Location.String())

	_, err = topo.Plan(GateAt(0), At(Nozzle, 1))
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestBufferLengthOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Gates[1].BufferLength = 95
	topo, err := NewTopology(cfg)
	require.NoError(t, err)

	th, _ := topo.Toolhead(0)
	seg, ok := th.Segment(Location{Kind: Gate, Gate: 1})
	require.True(t, ok)
	assert.Equal(t, 95.0, seg.Length)
	seg, _ = th.Segment(Location{Kind: Gate, Gate: 0})
	assert.Equal(t, 60.0, seg.Length)
}

// Every pair of locations yields a contiguous route that never revisits a
// location or a segment.
func TestPlanAllPairsAcyclic(t *testing.T) {
	topo := twoToolheads(t)
	locs := topo.Locations()

	for _, from := range locs {
		for _, to := range locs {
			path, err := topo.Plan(from, to)
			if from.Toolhead != to.Toolhead {
				assert.ErrorIs(t, err, ErrNoPath, "%s -> %s", from, to)
				continue
			}
			require.NoError(t, err, "%s -> %s", from, to)

			visited := map[Location]bool{from: true}
			segs := map[string]bool{}
			at := from
			for _, s := range path.Steps {
				require.Equal(t, at, s.Start(), "%s -> %s", from, to)
				require.False(t, segs[s.Segment.Name], "segment %s repeated in %s -> %s", s.Segment.Name, from, to)
				segs[s.Segment.Name] = true
				at = s.End()
				require.False(t, visited[at], "location %s revisited in %s -> %s", at, from, to)
				visited[at] = true
			}
			assert.Equal(t, to, at, "%s -> %s", from, to)
			assert.Equal(t, to, path.Final().Location)
		}
	}
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("bowden")
	require.True(t, ok)
	assert.Equal(t, Bowden, k)
	_, ok = ParseKind("hotend")
	assert.False(t, ok)
}
