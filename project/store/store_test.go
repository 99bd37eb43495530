package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k3mmu/common/config"
	"k3mmu/project/exchange"
	"k3mmu/project/planner"
)

func sampleSnapshot() *Snapshot {
	snap := NewSnapshot()
	snap.Tools["T0"] = exchange.ToolState{
		Loaded: 2,
		Cursor: planner.Cursor{
			Location: planner.At(planner.Nozzle, 0),
			Segment:  "extruder->nozzle",
			Offset:   70,
		},
	}
	snap.Gates = []exchange.Gate{
		{Index: 0, Occupied: true, Material: "PLA", Color: "255,255,255", Temp: 210},
		{Index: 2, Occupied: true, Loaded: true, Material: "PETG", Temp: 240},
	}
	return snap
}

// runContract checks the behavior every store shares.
func runContract(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	snap := sampleSnapshot()
	require.NoError(t, s.Save(ctx, snap))

	// the saved copy is detached from the caller's
	snap.Tools["T0"] = exchange.EmptyToolState(0)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, version, got.Version)
	assert.False(t, got.Saved.IsZero())
	tool := got.Tools["T0"]
	assert.Equal(t, 2, tool.Loaded)
	assert.True(t, tool.AtNozzle())
	assert.Equal(t, "extruder->nozzle", tool.Cursor.Segment)
	require.Len(t, got.Gates, 2)
	assert.True(t, got.Gates[1].Loaded)
	assert.Equal(t, "PETG", got.Gates[1].Material)

	require.NoError(t, s.Save(ctx, snap))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, got.Tools["T0"].Loaded)

	assert.Error(t, s.Save(ctx, nil))
	assert.Error(t, s.Save(ctx, &Snapshot{Version: version + 1}))
	assert.NoError(t, s.Close())
}

func TestMemoryStore(t *testing.T) {
	runContract(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "mmu.json")
	s := NewFile(path)
	runContract(t, s)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"loaded": -1`)

	// a fresh store over the same file sees the last save
	got, err := NewFile(path).Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, got.Gates, 2)
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmu.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewFile(path).Load(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	s := NewRedisFromClient(client, "test:")
	runContract(t, s)

	assert.True(t, mr.Exists("test:state"))
}

func TestRedisHistory(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	s := NewRedisFromClient(backend.NewClient(&backend.Options{Addr: mr.Addr()}), "mmu:")
	defer s.Close()

	for i := 0; i < historyLen+5; i++ {
		snap := sampleSnapshot()
		snap.Tools["T0"] = exchange.ToolState{Loaded: i % 4}
		require.NoError(t, s.Save(ctx, snap))
	}
	hist, err := s.History(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, hist, historyLen)
	assert.Equal(t, (historyLen+4)%4, hist[0].Tools["T0"].Loaded)
}

func TestOpen(t *testing.T) {
	s, err := Open(config.StoreConfig{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(config.StoreConfig{Kind: "file", Path: "/tmp/x.json"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.json", s.(*File).Path())

	s, err = Open(config.StoreConfig{Kind: "redis", RedisAddr: "127.0.0.1:1", RedisPrefix: "p:"})
	require.NoError(t, err)
	assert.NoError(t, s.Close())

	_, err = Open(config.StoreConfig{Kind: "etcd"})
	assert.Error(t, err)
}
