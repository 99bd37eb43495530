package queue

import (
	"container/list"
	"sync"
)

// Queue is an unbounded FIFO safe for concurrent use.
type Queue[T any] struct {
	rows *list.List
	lock sync.Locker
}

func NewQueue[T any]() *Queue[T] {
	self := Queue[T]{}
	self.rows = list.New()
	self.lock = &sync.Mutex{}
	return &self
}

func (self *Queue[T]) Put_nowait(data T) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.rows.PushBack(data)
}

// Get_nowait pops the oldest element; ok is false when the queue is empty.
func (self *Queue[T]) Get_nowait() (data T, ok bool) {
	self.lock.Lock()
	defer self.lock.Unlock()
	front := self.rows.Front()
	if front == nil {
		return data, false
	}
	self.rows.Remove(front)
	return front.Value.(T), true
}

// Drain empties the queue and returns what it held, oldest first.
func (self *Queue[T]) Drain() []T {
	self.lock.Lock()
	defer self.lock.Unlock()
	out := make([]T, 0, self.rows.Len())
	for e := self.rows.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(T))
	}
	self.rows.Init()
	return out
}

func (self *Queue[T]) Len() int {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.rows.Len()
}
