package sim

import (
	"sync"
)

const ambient = 25.0

// Heater reaches its target instantly. It records every SetTemp.
type Heater struct {
	mu     sync.Mutex
	name   string
	target float64
	fail   error
	sets   []float64
}

func NewHeater(name string) *Heater {
	return &Heater{name: name}
}

func (self *Heater) Name() string {
	return self.name
}

func (self *Heater) Target() float64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.target
}

func (self *Heater) Temperature() float64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.target < ambient {
		return ambient
	}
	return self.target
}

func (self *Heater) SetTemp(temp float64) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.sets = append(self.sets, temp)
	if self.fail != nil {
		return self.fail
	}
	self.target = temp
	return nil
}

// Fail makes every later SetTemp return err; nil heals it.
func (self *Heater) Fail(err error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.fail = err
}

func (self *Heater) Sets() []float64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]float64(nil), self.sets...)
}
