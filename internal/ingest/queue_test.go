package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryEnqueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryEnqueue(Job{Source: "a"}))
	require.ErrorIs(t, q.TryEnqueue(Job{Source: "b"}), ErrQueueFull)
}

func TestDequeueTimesOutWhenEmpty(t *testing.T) {
	q := NewQueue(1)
	_, ok := q.Dequeue(10 * time.Millisecond)
	require.False(t, ok)
}

func TestDequeueReturnsEnqueuedJob(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryEnqueue(Job{Source: "a"}))
	job, ok := q.Dequeue(time.Second)
	require.True(t, ok)
	require.Equal(t, "a", job.Source)
}

func TestMemoryGateWaitSucceedsWhenAboveThreshold(t *testing.T) {
	restore := availableBytes
	defer func() { availableBytes = restore }()
	availableBytes = func() (uint64, error) { return 1 << 30, nil }

	g := &MemoryGate{ThresholdBytes: 1 << 20, SleepInterval: time.Millisecond, MaxRetries: 2}
	require.True(t, g.Wait())
}

func TestMemoryGateWaitFailsAfterBudgetExhausted(t *testing.T) {
	restore := availableBytes
	defer func() { availableBytes = restore }()
	availableBytes = func() (uint64, error) { return 0, nil }

	g := &MemoryGate{ThresholdBytes: 1 << 20, SleepInterval: time.Millisecond, MaxRetries: 2}
	require.False(t, g.Wait())
}
