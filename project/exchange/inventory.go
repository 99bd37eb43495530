package exchange

import (
	"fmt"
	"sync"

	"k3mmu/common/config"
)

type Gate struct {
	Index       int     `json:"index"`
	Occupied    bool    `json:"occupied"`
	Loaded      bool    `json:"loaded"`
	Material    string  `json:"material"`
	Color       string  `json:"color"`
	Temp        int     `json:"temp"`
	ColorOffset float64 `json:"color_offset"`
}

// Inventory is the gate table shared by every toolhead of the unit.
type Inventory struct {
	mu    sync.RWMutex
	gates []Gate
}

func NewInventory(gates []config.GateConfig) *Inventory {
	self := &Inventory{gates: make([]Gate, len(gates))}
	for i, g := range gates {
		self.gates[i] = Gate{
			Index:       i,
			Occupied:    !g.Empty,
			Material:    g.Material,
			Color:       g.Color,
			Temp:        g.Temp,
			ColorOffset: g.ColorOffset,
		}
	}
	return self
}

func (self *Inventory) Len() int {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return len(self.gates)
}

func (self *Inventory) Get(index int) (Gate, bool) {
	self.mu.RLock()
	defer self.mu.RUnlock()
	if index < 0 || index >= len(self.gates) {
		return Gate{}, false
	}
	return self.gates[index], true
}

func (self *Inventory) All() []Gate {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return append([]Gate(nil), self.gates...)
}

// Set replaces the metadata of a gate. The loaded flag is owned by the
// state machine and is kept.
func (self *Inventory) Set(g Gate) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if g.Index < 0 || g.Index >= len(self.gates) {
		return fmt.Errorf("gate %d out of range 0..%d", g.Index, len(self.gates)-1)
	}
	g.Loaded = self.gates[g.Index].Loaded
	self.gates[g.Index] = g
	return nil
}

func (self *Inventory) SetEmpty(index int) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if index < 0 || index >= len(self.gates) {
		return fmt.Errorf("gate %d out of range 0..%d", index, len(self.gates)-1)
	}
	self.gates[index].Occupied = false
	self.gates[index].Material = ""
	self.gates[index].Color = ""
	self.gates[index].Temp = 0
	return nil
}

// Restore loads a persisted table; entries beyond the configured gates are
// ignored.
func (self *Inventory) Restore(gates []Gate) {
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, g := range gates {
		if g.Index >= 0 && g.Index < len(self.gates) {
			self.gates[g.Index] = g
		}
	}
}

func (self *Inventory) setLoaded(index int, loaded bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if index >= 0 && index < len(self.gates) {
		self.gates[index].Loaded = loaded
	}
}

// NextOccupied finds the next occupied gate after current among candidates,
// wrapping around. It never returns current itself.
func (self *Inventory) NextOccupied(current int, candidates []int) (int, bool) {
	self.mu.RLock()
	defer self.mu.RUnlock()
	start := 0
	for i, g := range candidates {
		if g == current {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(candidates); i++ {
		g := candidates[(start+i)%len(candidates)]
		if g == current || g < 0 || g >= len(self.gates) {
			continue
		}
		if self.gates[g].Occupied {
			return g, true
		}
	}
	return -1, false
}
