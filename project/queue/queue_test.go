package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	assert.Zero(t, q.Len())
	q.Put_nowait(1)
	q.Put_nowait(2)
	q.Put_nowait(3)
	assert.Equal(t, 3, q.Len())

	v, ok := q.Get_nowait()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, []int{2, 3}, q.Drain())
	assert.Zero(t, q.Len())

	_, ok = q.Get_nowait()
	assert.False(t, ok)
}

func TestQueueConcurrentPut(t *testing.T) {
	q := NewQueue[string]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Put_nowait("x")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, q.Len())
}
