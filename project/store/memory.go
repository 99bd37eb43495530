package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory keeps the snapshot in process. Saved snapshots are copied so
// callers can keep mutating theirs.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func NewMemory() *Memory {
	return &Memory{}
}

func (self *Memory) Load(ctx context.Context) (*Snapshot, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.data == nil {
		return nil, ErrNotFound
	}
	snap := &Snapshot{}
	if err := json.Unmarshal(self.data, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (self *Memory) Save(ctx context.Context, snap *Snapshot) error {
	if err := check(snap); err != nil {
		return err
	}
	data, err := json.Marshal(stamp(snap))
	if err != nil {
		return err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	self.data = data
	return nil
}

func (self *Memory) Close() error {
	return nil
}
