package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"goa.design/stratum/keystore"
	"goa.design/stratum/telemetry"
	"goa.design/stratum/tenant"
)

type (
	// Manager owns all task queue state transitions. It is safe for
	// concurrent use; atomicity of each transition is guaranteed by the
	// store-side scripts, not by process-local locking.
	Manager struct {
		store   keystore.Client
		configs map[string]Config
		def     Config
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Depths reports the size of each queue region for one type.
	Depths struct {
		Pending      int64
		Delayed      int64
		Processing   int64
		DeadLettered int64
	}

	// ManagerOption configures optional manager settings.
	ManagerOption func(*Manager)
)

// WithQueueConfig registers a per-type configuration.
func WithQueueConfig(taskType string, cfg Config) ManagerOption {
	return func(m *Manager) { m.configs[taskType] = cfg }
}

// WithDefaultConfig sets the configuration for types without their own.
func WithDefaultConfig(cfg Config) ManagerOption {
	return func(m *Manager) { m.def = cfg }
}

// WithManagerLogger sets the manager logger.
func WithManagerLogger(l telemetry.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerMetrics sets the manager metrics sink.
func WithManagerMetrics(mt telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager constructs a Manager over the gated client.
func NewManager(store keystore.Client, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		configs: make(map[string]Config),
		def:     DefaultQueueConfig(),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// enqueueScript admits a task if the pending set is under capacity, storing
// the task record and its pending entry in one step.
//
// KEYS: pending, task hash. ARGV: max (0 = unbounded), score, id, type,
// payload, priority, now_ms, tenant.
var enqueueScript = keystore.NewScript(`
local max = tonumber(ARGV[1])
local size = redis.call('ZCARD', KEYS[1])
if max > 0 and size >= max then
  return {0, size}
end
redis.call('HSET', KEYS[2],
  'type', ARGV[4], 'payload', ARGV[5], 'priority', ARGV[6], 'tenant', ARGV[8],
  'status', 'queued', 'attempts', 0, 'enqueued_at', ARGV[7])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
return {1, size + 1}
`)

// dequeueScript pops the lowest-scored pending task, marks it in progress
// with an incremented attempt count, and registers it in the processing set
// scored by its visibility deadline.
//
// KEYS: pending, processing. ARGV: now_ms, timeout_ms, task key prefix.
var dequeueScript = keystore.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local tk = ARGV[3] .. id
redis.call('HSET', tk, 'status', 'in_progress', 'started_at', ARGV[1])
redis.call('HINCRBY', tk, 'attempts', 1)
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
return id
`)

// completeScript finalizes a held task. Returns 0 when no worker holds the
// task (already completed, reaped, or never dequeued).
//
// KEYS: processing. ARGV: id, task key prefix, retention_ms, now_ms.
var completeScript = keystore.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local tk = ARGV[2] .. ARGV[1]
redis.call('HSET', tk, 'status', 'succeeded', 'completed_at', ARGV[4])
redis.call('PEXPIRE', tk, ARGV[3])
return 1
`)

// failScript releases a held task: under the attempt budget it is scheduled
// into the delayed set for retry, otherwise the record is moved into the
// dead-letter namespace and indexed. Returns 0 when no worker holds the task
// (already completed, reaped, or never dequeued) so a stale caller can never
// resurrect a finished task.
//
// KEYS: processing, delayed, dead-letter index. ARGV: id, task key prefix,
// dead task key prefix, max_attempts, retry_at_ms, now_ms, error.
var failScript = keystore.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local tk = ARGV[2] .. ARGV[1]
local attempts = tonumber(redis.call('HGET', tk, 'attempts') or '0')
redis.call('HSET', tk, 'last_error', ARGV[7])
if attempts < tonumber(ARGV[4]) then
  redis.call('HSET', tk, 'status', 'failed')
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
  return 'retried'
end
redis.call('HSET', tk, 'status', 'dead_lettered', 'dead_lettered_at', ARGV[6])
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
redis.call('RENAME', tk, ARGV[3] .. ARGV[1])
return 'dead_lettered'
`)

// promoteScript moves due delayed tasks back into the pending set, rescoring
// each from its stored priority so retried tasks compete fairly.
//
// KEYS: delayed, pending. ARGV: now_ms, limit, task key prefix, stride.
var promoteScript = keystore.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', ARGV[3] .. id, 'status', 'queued')
  local prio = tonumber(redis.call('HGET', ARGV[3] .. id, 'priority') or '0')
  redis.call('ZADD', KEYS[2], prio * tonumber(ARGV[4]) + tonumber(ARGV[1]), id)
end
return #ids
`)

// reapScript lists tasks whose visibility deadline passed. Removal from the
// processing set is left to failScript's ZREM so the reaper and a slow worker
// racing on the same task produce exactly one applied transition.
//
// KEYS: processing. ARGV: now_ms, limit.
var reapScript = keystore.NewScript(`
return redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
`)

// Enqueue admits the task, failing with *FullError at capacity. The manager
// assigns the task id when empty, and fills the tenant scope from the context
// when the task carries none.
func (m *Manager) Enqueue(ctx context.Context, task *Task) error {
	cfg := m.config(task.Type)
	if task.Priority < 0 || task.Priority >= cfg.PriorityLevels {
		return fmt.Errorf("queue: priority %d out of range [0,%d)", task.Priority, cfg.PriorityLevels)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Tenant == "" {
		if scope, ok := tenant.FromContext(ctx); ok {
			task.Tenant = scope
		}
	}
	now := time.Now()
	res, err := m.store.Eval(ctx, enqueueScript,
		[]string{pendingKey(task.Type), taskKey(task.ID)},
		cfg.MaxSize, pendingScore(task.Priority, now.UnixMilli()),
		task.ID, task.Type, task.Payload, task.Priority, now.UnixMilli(),
		task.Tenant.String())
	if err != nil {
		return err
	}
	vals, _ := res.([]any)
	if len(vals) == 2 {
		if admitted, _ := vals[0].(int64); admitted == 0 {
			size, _ := vals[1].(int64)
			m.metrics.IncCounter("queue_rejected_total", 1, "type", task.Type)
			return &FullError{Type: task.Type, Size: size, Max: cfg.MaxSize}
		}
	}
	task.Status = StatusQueued
	task.EnqueuedAt = now
	m.metrics.IncCounter("queue_enqueued_total", 1,
		"type", task.Type, "priority", strconv.Itoa(task.Priority))
	return nil
}

// Dequeue pops the highest-priority oldest pending task and marks it in
// progress under the type's visibility timeout. Returns (nil, nil) when the
// queue is empty.
func (m *Manager) Dequeue(ctx context.Context, taskType string) (*Task, error) {
	cfg := m.config(taskType)
	res, err := m.store.Eval(ctx, dequeueScript,
		[]string{pendingKey(taskType), processingKey(taskType)},
		time.Now().UnixMilli(), cfg.ProcessingTimeout.Milliseconds(), taskKeyPrefix)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	id, _ := res.(string)
	task, err := m.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	m.metrics.IncCounter("queue_dequeued_total", 1, "type", taskType)
	return task, nil
}

// Complete finalizes a held task. Returns *StateError when the task is not
// in progress (already reaped or completed by another path).
func (m *Manager) Complete(ctx context.Context, taskType, id string) error {
	cfg := m.config(taskType)
	res, err := m.store.Eval(ctx, completeScript,
		[]string{processingKey(taskType)},
		id, taskKeyPrefix, cfg.Retention.Milliseconds(), time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if held, _ := res.(int64); held == 0 {
		return &StateError{ID: id, Want: StatusInProgress}
	}
	m.metrics.IncCounter("queue_completed_total", 1, "type", taskType)
	return nil
}

// Fail releases a held task after a processing error. Under the attempt
// budget the task is scheduled for retry with exponential backoff (status
// failed until promotion re-queues it); otherwise it is dead-lettered. The
// resulting status is returned. A caller that no longer holds the task (it
// was reaped and finished elsewhere) gets *StateError and the task record is
// left untouched.
func (m *Manager) Fail(ctx context.Context, taskType, id string, taskErr error) (Status, error) {
	cfg := m.config(taskType)
	task, err := m.Lookup(ctx, id)
	if err != nil {
		return "", err
	}
	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}
	now := time.Now()
	retryAt := now.Add(retryBackoff(cfg, task.Attempts)).UnixMilli()
	res, err := m.store.Eval(ctx, failScript,
		[]string{processingKey(taskType), delayedKey(taskType), deadLetterKey(taskType)},
		id, taskKeyPrefix, deadTaskKeyPrefix(taskType),
		cfg.MaxAttempts, retryAt, now.UnixMilli(), msg)
	if err != nil {
		return "", err
	}
	if held, ok := res.(int64); ok && held == 0 {
		return "", &StateError{ID: id, Want: StatusInProgress}
	}
	m.recordError(ctx, taskType, id, msg)
	if outcome, _ := res.(string); outcome == "dead_lettered" {
		m.logger.Warn(ctx, "task dead-lettered",
			"type", taskType, "id", id, "attempts", task.Attempts, "error", msg)
		m.metrics.IncCounter("queue_dead_lettered_total", 1, "type", taskType)
		return StatusDeadLettered, nil
	}
	m.metrics.IncCounter("queue_retried_total", 1, "type", taskType)
	return StatusFailed, nil
}

// Lookup returns the task record or ErrTaskNotFound.
func (m *Manager) Lookup(ctx context.Context, id string) (*Task, error) {
	fields, err := m.store.HGetAll(ctx, taskKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}
	return parseTask(id, fields), nil
}

// PromoteDue moves delayed tasks whose retry time arrived back into the
// pending set and returns the number promoted.
func (m *Manager) PromoteDue(ctx context.Context, taskType string, limit int) (int64, error) {
	res, err := m.store.Eval(ctx, promoteScript,
		[]string{delayedKey(taskType), pendingKey(taskType)},
		time.Now().UnixMilli(), limit, taskKeyPrefix, priorityStride)
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	if n > 0 {
		m.metrics.IncCounter("queue_promoted_total", float64(n), "type", taskType)
	}
	return n, nil
}

// ReapStale fails every in-progress task whose visibility deadline passed,
// sending each through the normal retry/dead-letter path. Returns the number
// reaped.
func (m *Manager) ReapStale(ctx context.Context, taskType string, limit int) (int, error) {
	res, err := m.store.Eval(ctx, reapScript,
		[]string{processingKey(taskType)},
		time.Now().UnixMilli(), limit)
	if err != nil {
		return 0, err
	}
	ids, _ := res.([]any)
	reaped := 0
	for _, v := range ids {
		id, _ := v.(string)
		if _, err := m.Fail(ctx, taskType, id, fmt.Errorf("processing timeout exceeded")); err != nil {
			// The holder finished between listing and failing; its
			// transition won.
			var se *StateError
			if errors.As(err, &se) {
				continue
			}
			return reaped, err
		}
		m.logger.Warn(ctx, "reaped stale task", "type", taskType, "id", id)
		reaped++
	}
	return reaped, nil
}

// DeadLetters returns up to limit dead-lettered tasks, oldest first.
func (m *Manager) DeadLetters(ctx context.Context, taskType string, limit int64) ([]*Task, error) {
	members, err := m.store.ZRangeWithScores(ctx, deadLetterKey(taskType), 0, limit-1)
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(members))
	for _, mem := range members {
		fields, err := m.store.HGetAll(ctx, deadTaskKeyPrefix(taskType)+mem.Member)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		tasks = append(tasks, parseTask(mem.Member, fields))
	}
	return tasks, nil
}

// RequeueDeadLetter moves a dead-lettered task back into the pending set
// with a reset attempt count.
func (m *Manager) RequeueDeadLetter(ctx context.Context, taskType, id string) error {
	dk := deadTaskKeyPrefix(taskType) + id
	fields, err := m.store.HGetAll(ctx, dk)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return ErrTaskNotFound
	}
	task := parseTask(id, fields)
	if _, err := m.store.ZRem(ctx, deadLetterKey(taskType), id); err != nil {
		return err
	}
	if _, err := m.store.Del(ctx, dk); err != nil {
		return err
	}
	fresh := &Task{ID: id, Type: taskType, Payload: task.Payload, Priority: task.Priority, Tenant: task.Tenant}
	return m.Enqueue(ctx, fresh)
}

// PurgeDeadLetters removes every dead-lettered task of the type and returns
// the number removed.
func (m *Manager) PurgeDeadLetters(ctx context.Context, taskType string) (int64, error) {
	members, err := m.store.ZRangeWithScores(ctx, deadLetterKey(taskType), 0, -1)
	if err != nil {
		return 0, err
	}
	for _, mem := range members {
		if _, err := m.store.Del(ctx, deadTaskKeyPrefix(taskType)+mem.Member); err != nil {
			return 0, err
		}
	}
	if _, err := m.store.Del(ctx, deadLetterKey(taskType)); err != nil {
		return 0, err
	}
	return int64(len(members)), nil
}

// QueueDepths reports the size of each queue region for the type.
func (m *Manager) QueueDepths(ctx context.Context, taskType string) (Depths, error) {
	var d Depths
	var err error
	if d.Pending, err = m.store.ZCard(ctx, pendingKey(taskType)); err != nil {
		return d, err
	}
	if d.Delayed, err = m.store.ZCard(ctx, delayedKey(taskType)); err != nil {
		return d, err
	}
	if d.Processing, err = m.store.ZCard(ctx, processingKey(taskType)); err != nil {
		return d, err
	}
	d.DeadLettered, err = m.store.ZCard(ctx, deadLetterKey(taskType))
	return d, err
}

// RecentErrors returns the most recent task error lines for the type, newest
// first.
func (m *Manager) RecentErrors(ctx context.Context, taskType string, n int64) ([]string, error) {
	return m.store.LRange(ctx, errorsKey(taskType), 0, n-1)
}

// errorRingSize bounds the per-type recent error list.
const errorRingSize = 100

// recordError appends to the per-type error ring. Best effort: a failure to
// record must not mask the task failure itself.
func (m *Manager) recordError(ctx context.Context, taskType, id, msg string) {
	line := fmt.Sprintf("%s %s %s", time.Now().UTC().Format(time.RFC3339), id, msg)
	if _, err := m.store.LPush(ctx, errorsKey(taskType), line); err != nil {
		m.logger.Debug(ctx, "error ring append failed", "type", taskType, "error", err)
		return
	}
	_ = m.store.LTrim(ctx, errorsKey(taskType), 0, errorRingSize-1)
}

func (m *Manager) config(taskType string) Config {
	if cfg, ok := m.configs[taskType]; ok {
		return cfg
	}
	return m.def
}

const taskKeyPrefix = "task:"

func pendingKey(t string) string    { return "queue:" + t }
func delayedKey(t string) string    { return "queue:" + t + ":delayed" }
func processingKey(t string) string { return "queue:" + t + ":processing" }
func deadLetterKey(t string) string { return "deadletter:" + t }
func errorsKey(t string) string     { return "queue:" + t + ":errors" }

func deadTaskKeyPrefix(t string) string { return "deadletter:" + t + ":task:" }

func taskKey(id string) string { return taskKeyPrefix + id }

func parseTask(id string, fields map[string]string) *Task {
	t := &Task{
		ID:        id,
		Type:      fields["type"],
		Payload:   []byte(fields["payload"]),
		Tenant:    tenant.Scope(fields["tenant"]),
		Status:    Status(fields["status"]),
		LastError: fields["last_error"],
	}
	t.Priority, _ = strconv.Atoi(fields["priority"])
	t.Attempts, _ = strconv.Atoi(fields["attempts"])
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		t.EnqueuedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["started_at"], 10, 64); err == nil {
		t.StartedAt = time.UnixMilli(ms)
	}
	return t
}
