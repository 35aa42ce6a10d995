package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"goa.design/stratum/keystore"
	"goa.design/stratum/tenant"
)

// ProgressStatus is the lifecycle state of a progress record.
type ProgressStatus string

const (
	// ProgressInProgress marks an operation still running.
	ProgressInProgress ProgressStatus = "in_progress"
	// ProgressCompleted marks an operation that finished successfully.
	ProgressCompleted ProgressStatus = "completed"
	// ProgressFailed marks an operation that finished with an error.
	ProgressFailed ProgressStatus = "failed"
)

// DefaultProgressGrace is how long a record outlives its terminal state.
const DefaultProgressGrace = 10 * time.Minute

type (
	// ProgressRecord tracks a long-running operation so callers can poll
	// completion without holding a connection open.
	ProgressRecord struct {
		CorrelationID  string
		TotalSteps     int64
		CompletedSteps int64
		LastMessage    string
		Status         ProgressStatus
		UpdatedAt      time.Time
	}

	// Progress manages tenant-scoped progress records. Records auto-expire
	// a grace period after reaching a terminal state.
	Progress struct {
		acc   *tenant.Accessor
		ttl   time.Duration
		grace time.Duration
	}

	// ProgressOption configures optional progress settings.
	ProgressOption func(*Progress)
)

// WithProgressTTL sets the ttl of in-flight records.
func WithProgressTTL(ttl time.Duration) ProgressOption {
	return func(p *Progress) { p.ttl = ttl }
}

// WithProgressGrace sets how long a record outlives a terminal state.
func WithProgressGrace(grace time.Duration) ProgressOption {
	return func(p *Progress) { p.grace = grace }
}

// NewProgress constructs a Progress tracker over the given accessor.
func NewProgress(acc *tenant.Accessor, opts ...ProgressOption) *Progress {
	p := &Progress{
		acc:   acc,
		ttl:   time.Hour,
		grace: DefaultProgressGrace,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start creates a progress record with the given number of steps. An empty
// correlation id generates a fresh one; the effective id is returned.
func (p *Progress) Start(ctx context.Context, scope tenant.Scope, correlationID string, totalSteps int64) (string, error) {
	if totalSteps <= 0 {
		return "", errors.New("cache: total steps must be positive")
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	k, err := p.acc.Key(ctx, scope, progressKey(correlationID))
	if err != nil {
		return "", err
	}
	if err := p.acc.Store().HSet(ctx, k, map[string]any{
		"total":      totalSteps,
		"completed":  0,
		"message":    "",
		"status":     string(ProgressInProgress),
		"updated_at": time.Now().UnixMilli(),
	}); err != nil {
		return "", err
	}
	if _, err := p.acc.Store().Expire(ctx, k, p.ttl); err != nil {
		return "", err
	}
	return correlationID, nil
}

// Increment advances the record by one step and records the message.
func (p *Progress) Increment(ctx context.Context, scope tenant.Scope, correlationID, message string) error {
	k, err := p.acc.Key(ctx, scope, progressKey(correlationID))
	if err != nil {
		return err
	}
	if err := p.ensure(ctx, k); err != nil {
		return err
	}
	if _, err := p.acc.Store().HIncrBy(ctx, k, "completed", 1); err != nil {
		return err
	}
	return p.acc.Store().HSet(ctx, k, map[string]any{
		"message":    message,
		"updated_at": time.Now().UnixMilli(),
	})
}

// Complete marks the record completed; it expires after the grace period.
func (p *Progress) Complete(ctx context.Context, scope tenant.Scope, correlationID, message string) error {
	return p.finish(ctx, scope, correlationID, message, ProgressCompleted)
}

// Fail marks the record failed; it expires after the grace period.
func (p *Progress) Fail(ctx context.Context, scope tenant.Scope, correlationID, message string) error {
	return p.finish(ctx, scope, correlationID, message, ProgressFailed)
}

// Get returns the record or keystore.ErrNotFound.
func (p *Progress) Get(ctx context.Context, scope tenant.Scope, correlationID string) (*ProgressRecord, error) {
	k, err := p.acc.Key(ctx, scope, progressKey(correlationID))
	if err != nil {
		return nil, err
	}
	fields, err := p.acc.Store().HGetAll(ctx, k)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, keystore.ErrNotFound
	}
	rec := &ProgressRecord{
		CorrelationID: correlationID,
		LastMessage:   fields["message"],
		Status:        ProgressStatus(fields["status"]),
		UpdatedAt:     parseMilli(fields["updated_at"]),
	}
	rec.TotalSteps, _ = strconv.ParseInt(fields["total"], 10, 64)
	rec.CompletedSteps, _ = strconv.ParseInt(fields["completed"], 10, 64)
	return rec, nil
}

func (p *Progress) finish(ctx context.Context, scope tenant.Scope, correlationID, message string, status ProgressStatus) error {
	k, err := p.acc.Key(ctx, scope, progressKey(correlationID))
	if err != nil {
		return err
	}
	if err := p.ensure(ctx, k); err != nil {
		return err
	}
	if err := p.acc.Store().HSet(ctx, k, map[string]any{
		"status":     string(status),
		"message":    message,
		"updated_at": time.Now().UnixMilli(),
	}); err != nil {
		return err
	}
	_, err = p.acc.Store().Expire(ctx, k, p.grace)
	return err
}

func (p *Progress) ensure(ctx context.Context, key string) error {
	fields, err := p.acc.Store().HGetAll(ctx, key)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return keystore.ErrNotFound
	}
	return nil
}

func progressKey(correlationID string) string { return "progress:" + correlationID }
