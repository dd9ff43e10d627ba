package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryScheduler_DeliversContinuations(t *testing.T) {
	s := NewMemoryScheduler(8)
	defer s.Close()

	var mu sync.Mutex
	var got []Continuation
	done := make(chan struct{}, 4)
	s.SetHandler(func(_ context.Context, c Continuation) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
		done <- struct{}{}
	})
	s.Start(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(context.Background(), Continuation{ExecutionID: "e-1", StepSlug: "fetch", Attempt: i + 1}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("continuation not delivered")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, 3, got[2].Attempt)
}

func TestMemoryScheduler_EnqueueAfterClose(t *testing.T) {
	s := NewMemoryScheduler(1)
	s.Close()
	err := s.Enqueue(context.Background(), Continuation{ExecutionID: "e-1"})
	require.Error(t, err)
}

func TestMemoryScheduler_Every(t *testing.T) {
	s := NewMemoryScheduler(1)
	defer s.Close()

	var ticks atomic.Int32
	stop := s.Every(10*time.Millisecond, func(_ context.Context) {
		ticks.Add(1)
	})
	defer stop()

	assert.Eventually(t, func() bool { return ticks.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	stop()
	settled := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load()-settled, int32(1))
}
