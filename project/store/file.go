package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"k3mmu/common/file"
	"k3mmu/common/logger"
)

func expanduser(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// File persists the snapshot as JSON. Every save replaces the file
// atomically.
type File struct {
	mu       sync.Mutex
	filename string
}

func NewFile(filename string) *File {
	return &File{filename: expanduser(filename)}
}

func (self *File) Path() string {
	return self.filename
}

func (self *File) Load(ctx context.Context) (*Snapshot, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !file.Exists(self.filename) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(self.filename)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("store: %s: %w", self.filename, err)
	}
	if err := check(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (self *File) Save(ctx context.Context, snap *Snapshot) error {
	if err := check(snap); err != nil {
		return err
	}
	data, err := json.MarshalIndent(stamp(snap), "", "  ")
	if err != nil {
		return err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := file.WriteFileWithSync(self.filename, data); err != nil {
		return fmt.Errorf("store: write %s: %w", self.filename, err)
	}
	logger.Debugf("saved state to %s", self.filename)
	return nil
}

func (self *File) Close() error {
	return nil
}
