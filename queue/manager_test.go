package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/stratum/keystore"
	"goa.design/stratum/tenant"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewManager(keystore.New(rdb, nil), opts...)
}

func testConfig() Config {
	return Config{
		MaxSize:           100,
		PriorityLevels:    3,
		ProcessingTimeout: time.Minute,
		MaxAttempts:       3,
		RetryBase:         time.Millisecond,
		RetryMax:          time.Second,
		Jitter:            0,
		Retention:         time.Hour,
	}
}

func TestPriorityThenFIFOOrdering(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithDefaultConfig(testConfig()))

	enqueue := func(priority int) string {
		task := NewTask("jobs", []byte("payload"), priority)
		require.NoError(t, m.Enqueue(ctx, task))
		// Distinct enqueue timestamps keep FIFO order observable.
		time.Sleep(2 * time.Millisecond)
		return task.ID
	}
	a := enqueue(1)
	b := enqueue(0)
	c := enqueue(1)
	d := enqueue(2)

	var got []string
	for i := 0; i < 4; i++ {
		task, err := m.Dequeue(ctx, "jobs")
		require.NoError(t, err)
		require.NotNil(t, task)
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{b, a, c, d}, got,
		"strict priority first, FIFO within a priority level")
}

func TestDequeueEmpty(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithDefaultConfig(testConfig()))

	task, err := m.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxSize = 2
	m := newTestManager(t, WithQueueConfig("jobs", cfg))

	require.NoError(t, m.Enqueue(ctx, NewTask("jobs", nil, 0)))
	require.NoError(t, m.Enqueue(ctx, NewTask("jobs", nil, 0)))

	err := m.Enqueue(ctx, NewTask("jobs", nil, 0))
	require.Error(t, err)
	assert.True(t, IsFull(err))

	var fe *FullError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(2), fe.Size)
	assert.Equal(t, int64(2), fe.Max)
}

func TestEnqueueRejectsInvalidPriority(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithDefaultConfig(testConfig()))

	assert.Error(t, m.Enqueue(ctx, NewTask("jobs", nil, 3)))
	assert.Error(t, m.Enqueue(ctx, NewTask("jobs", nil, -1)))
}

func TestCompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithDefaultConfig(testConfig()))

	task := NewTask("jobs", []byte("payload"), 0)
	require.NoError(t, m.Enqueue(ctx, task))

	got, err := m.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, []byte("payload"), got.Payload)

	require.NoError(t, m.Complete(ctx, "jobs", got.ID))
	final, err := m.Lookup(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, final.Status)

	// Completing a task nobody holds is a state error.
	var se *StateError
	assert.ErrorAs(t, m.Complete(ctx, "jobs", got.ID), &se)
}

func TestFailAfterCompleteIsRejected(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithDefaultConfig(testConfig()))

	task := NewTask("jobs", []byte("payload"), 0)
	require.NoError(t, m.Enqueue(ctx, task))
	got, err := m.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, m.Complete(ctx, "jobs", got.ID))

	// A slow worker reporting failure after the task finished elsewhere
	// must not resurrect it.
	_, err = m.Fail(ctx, "jobs", got.ID, errors.New("late failure"))
	var se *StateError
	require.ErrorAs(t, err, &se)

	final, err := m.Lookup(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, final.Status)
	assert.Empty(t, final.LastError)

	depths, err := m.QueueDepths(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, depths.Delayed)
	assert.Zero(t, depths.DeadLettered)
}

func TestEnqueueAssignsIDAndTenant(t *testing.T) {
	ctx := tenant.NewContext(context.Background(), "acme")
	m := newTestManager(t, WithDefaultConfig(testConfig()))

	task := &Task{Type: "jobs", Payload: []byte("payload")}
	require.NoError(t, m.Enqueue(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := m.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, tenant.Scope("acme"), got.Tenant)

	// An explicit scope on the task wins over the context scope.
	explicit := &Task{Type: "jobs", Tenant: "globex"}
	require.NoError(t, m.Enqueue(ctx, explicit))
	got, err = m.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tenant.Scope("globex"), got.Tenant)
}

func TestFailRetriesWithBackoffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxAttempts = 2
	m := newTestManager(t, WithQueueConfig("jobs", cfg))

	task := NewTask("jobs", []byte("payload"), 0)
	require.NoError(t, m.Enqueue(ctx, task))

	got, err := m.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, got)

	// First failure: attempt 1 of 2, so the task is delayed for retry.
	status, err := m.Fail(ctx, "jobs", got.ID, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	waiting, err := m.Lookup(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, waiting.Status)
	assert.Equal(t, "boom", waiting.LastError)

	depths, err := m.QueueDepths(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.Delayed)
	assert.Zero(t, depths.Pending)

	// Promote once the backoff elapses and run the final attempt.
	time.Sleep(10 * time.Millisecond)
	n, err := m.PromoteDue(ctx, "jobs", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = m.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Attempts)

	status, err = m.Fail(ctx, "jobs", got.ID, errors.New("boom again"))
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLettered, status)

	// The live task record is gone; the dead-letter queue has it.
	_, err = m.Lookup(ctx, got.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	dead, err := m.DeadLetters(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, got.ID, dead[0].ID)
	assert.Equal(t, StatusDeadLettered, dead[0].Status)
	assert.Equal(t, "boom again", dead[0].LastError)
}

func TestRequeueDeadLetter(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxAttempts = 1
	m := newTestManager(t, WithQueueConfig("jobs", cfg))

	task := NewTask("jobs", []byte("payload"), 1)
	require.NoError(t, m.Enqueue(ctx, task))
	got, err := m.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	_, err = m.Fail(ctx, "jobs", got.ID, errors.New("boom"))
	require.NoError(t, err)

	require.NoError(t, m.RequeueDeadLetter(ctx, "jobs", task.ID))

	depths, err := m.QueueDepths(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, depths.DeadLettered)
	assert.Equal(t, int64(1), depths.Pending)

	// The attempt budget starts over.
	got, err = m.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, []byte("payload"), got.Payload)
	assert.Equal(t, 1, got.Priority)

	assert.ErrorIs(t, m.RequeueDeadLetter(ctx, "jobs", "no-such-task"), ErrTaskNotFound)
}

func TestPurgeDeadLetters(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxAttempts = 1
	m := newTestManager(t, WithQueueConfig("jobs", cfg))

	for i := 0; i < 3; i++ {
		task := NewTask("jobs", nil, 0)
		require.NoError(t, m.Enqueue(ctx, task))
		got, err := m.Dequeue(ctx, "jobs")
		require.NoError(t, err)
		_, err = m.Fail(ctx, "jobs", got.ID, errors.New("boom"))
		require.NoError(t, err)
	}

	n, err := m.PurgeDeadLetters(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	dead, err := m.DeadLetters(ctx, "jobs", 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestReapStaleRequeues(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ProcessingTimeout = time.Millisecond
	m := newTestManager(t, WithQueueConfig("jobs", cfg))

	task := NewTask("jobs", nil, 0)
	require.NoError(t, m.Enqueue(ctx, task))
	got, err := m.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, got)

	time.Sleep(10 * time.Millisecond)

	n, err := m.ReapStale(ctx, "jobs", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depths, err := m.QueueDepths(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, depths.Processing)
	assert.Equal(t, int64(1), depths.Delayed, "reaped task goes back through retry")
}

func TestConcurrentDequeueDeliversEachTaskOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithDefaultConfig(testConfig()))

	const total = 20
	for i := 0; i < total; i++ {
		require.NoError(t, m.Enqueue(ctx, NewTask("jobs", nil, 0)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := m.Dequeue(ctx, "jobs")
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s delivered more than once", id)
	}
}

func TestRecentErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithDefaultConfig(testConfig()))

	task := NewTask("jobs", nil, 0)
	require.NoError(t, m.Enqueue(ctx, task))
	got, err := m.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	_, err = m.Fail(ctx, "jobs", got.ID, errors.New("handler exploded"))
	require.NoError(t, err)

	lines, err := m.RecentErrors(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], task.ID)
	assert.Contains(t, lines[0], "handler exploded")
}
