package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k3mmu/common/config"
	"k3mmu/project/exchange"
)

var (
	ErrNotFound  = errors.New("store: no saved state")
	ErrNoHistory = errors.New("store: no history kept")
)

const version = 1

// Snapshot is the persisted state of the unit: the ToolState of every
// toolhead by name and the gate inventory.
type Snapshot struct {
	Version int                           `json:"version"`
	Saved   time.Time                     `json:"saved"`
	Tools   map[string]exchange.ToolState `json:"tools"`
	Gates   []exchange.Gate               `json:"gates"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{Version: version, Tools: map[string]exchange.ToolState{}}
}

// Store keeps the last saved Snapshot. Load returns ErrNotFound when
// nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Historian is a Store that also keeps previous saves.
type Historian interface {
	History(ctx context.Context, n int) ([]*Snapshot, error)
}

// Open builds the store named by cfg.Kind.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(cfg.Path), nil
	case "redis":
		return NewRedis(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}), nil
	}
	return nil, fmt.Errorf("store: unknown kind %q", cfg.Kind)
}

func check(snap *Snapshot) error {
	if snap == nil {
		return errors.New("store: nil snapshot")
	}
	if snap.Version > version {
		return fmt.Errorf("store: snapshot version %d is newer than %d", snap.Version, version)
	}
	return nil
}

func stamp(snap *Snapshot) *Snapshot {
	out := *snap
	out.Version = version
	if out.Saved.IsZero() {
		out.Saved = time.Now()
	}
	return &out
}
