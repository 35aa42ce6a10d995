package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerDrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newTestManager(t, WithDefaultConfig(testConfig()))

	const total = 5
	want := make(map[string]bool)
	for i := 0; i < total; i++ {
		task := NewTask("jobs", []byte("payload"), 0)
		require.NoError(t, m.Enqueue(ctx, task))
		want[task.ID] = true
	}

	var (
		mu   sync.Mutex
		done = make(map[string]bool)
	)
	w := NewWorker(m, "jobs", func(ctx context.Context, task *Task) error {
		mu.Lock()
		done[task.ID] = true
		mu.Unlock()
		return nil
	}, WithConcurrency(2), WithPollInterval(5*time.Millisecond))

	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(done) == total
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-finished

	assert.Equal(t, want, done)
	for id := range want {
		task, err := m.Lookup(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, task.Status)
	}
}

func TestWorkerFailureDeadLetters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.MaxAttempts = 1
	m := newTestManager(t, WithQueueConfig("jobs", cfg))

	task := NewTask("jobs", nil, 0)
	require.NoError(t, m.Enqueue(ctx, task))

	w := NewWorker(m, "jobs", func(ctx context.Context, task *Task) error {
		return errors.New("handler exploded")
	}, WithConcurrency(1), WithPollInterval(5*time.Millisecond))

	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	require.Eventually(t, func() bool {
		dead, err := m.DeadLetters(context.Background(), "jobs", 10)
		return err == nil && len(dead) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-finished
}

func TestWorkerRecoversFromHandlerPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.MaxAttempts = 1
	m := newTestManager(t, WithQueueConfig("jobs", cfg))

	task := NewTask("jobs", nil, 0)
	require.NoError(t, m.Enqueue(ctx, task))

	w := NewWorker(m, "jobs", func(ctx context.Context, task *Task) error {
		panic("handler bug")
	}, WithConcurrency(1), WithPollInterval(5*time.Millisecond))

	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	require.Eventually(t, func() bool {
		dead, err := m.DeadLetters(context.Background(), "jobs", 10)
		return err == nil && len(dead) == 1
	}, 5*time.Second, 10*time.Millisecond)

	dead, err := m.DeadLetters(context.Background(), "jobs", 10)
	require.NoError(t, err)
	assert.Contains(t, dead[0].LastError, "handler panic")

	cancel()
	<-finished
}

func TestMaintainerSweep(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxAttempts = 3
	m := newTestManager(t, WithQueueConfig("jobs", cfg))

	// Put one task into the delayed set with an already-elapsed backoff.
	task := NewTask("jobs", nil, 0)
	require.NoError(t, m.Enqueue(ctx, task))
	got, err := m.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	_, err = m.Fail(ctx, "jobs", got.ID, errors.New("boom"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	mt := NewMaintainer(m, []string{"jobs"})
	mt.Sweep(ctx)

	depths, err := m.QueueDepths(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.Pending)
	assert.Zero(t, depths.Delayed)
}
