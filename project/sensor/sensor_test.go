package sensor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleReportsUnknownForUnregistered(t *testing.T) {
	hub := NewHub()
	hub.Register("extruder")

	snap := hub.Sample()
	assert.Equal(t, Unknown, snap.State("extruder"))
	assert.Equal(t, Unknown, snap.State("nozzle"))
	_, ok := snap.Position("selector_encoder")
	assert.False(t, ok)
}

func TestNoteBumpsSequenceOnlyOnChange(t *testing.T) {
	hub := NewHub()
	hub.Note("bowden", Present)
	first := hub.Sample().Seq
	hub.Note("bowden", Present)
	assert.Equal(t, first, hub.Sample().Seq)
	hub.NotePresent("bowden", false)
	assert.Equal(t, first+1, hub.Sample().Seq)
	assert.Equal(t, Absent, hub.Sample().State("bowden"))
}

func TestSnapshotIsACopy(t *testing.T) {
	hub := NewHub()
	hub.Note("buffer", Present)
	snap := hub.Sample()
	hub.Note("buffer", Absent)
	assert.Equal(t, Present, snap.State("buffer"))
}

func TestAwaitTransitionReturnsImmediatelyWhenSatisfied(t *testing.T) {
	hub := NewHub()
	hub.Note("extruder", Present)
	snap, err := hub.AwaitTransition(context.Background(), "extruder", Present, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Present, snap.State("extruder"))
}

func TestAwaitTransitionWakesOnChange(t *testing.T) {
	hub := NewHub()
	hub.Register("bowden")

	go func() {
		time.Sleep(10 * time.Millisecond)
		hub.Note("buffer", Present)
		hub.Note("bowden", Present)
	}()
	snap, err := hub.AwaitTransition(context.Background(), "bowden", Present, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Present, snap.State("bowden"))
}

func TestAwaitTransitionTimeout(t *testing.T) {
	hub := NewHub()
	hub.Note("bowden", Absent)

	start := time.Now()
	snap, err := hub.AwaitTransition(context.Background(), "bowden", Present, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSensorTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, ID("bowden"), te.Sensor)
	assert.Equal(t, Absent, te.Snapshot.State("bowden"))
	assert.Equal(t, Absent, snap.State("bowden"))
}

func TestAwaitTransitionCancelled(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := hub.AwaitTransition(ctx, "bowden", Present, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAwaitPositionTolerance(t *testing.T) {
	hub := NewHub()
	hub.NotePosition("selector_encoder", 20.8)

	_, err := hub.AwaitPosition(context.Background(), "selector_encoder", 21, 0.5, time.Millisecond)
	require.NoError(t, err)

	_, err = hub.AwaitPosition(context.Background(), "selector_encoder", 42, 0.5, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrSensorTimeout)
}

func TestConcurrentSampling(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				hub.NotePresent("gate_0", j%2 == 0)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = hub.Sample()
			}
		}()
	}
	wg.Wait()
}

func TestSummaryIsSorted(t *testing.T) {
	hub := NewHub()
	hub.Note("extruder", Present)
	hub.Note("bowden", Absent)
	hub.NotePosition("selector_encoder", 21)
	assert.Equal(t, "bowden=absent extruder=present selector_encoder=21.00", hub.Sample().Summary())
}
