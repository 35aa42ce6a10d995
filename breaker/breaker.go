// Package breaker implements the circuit breaker guarding the backing store.
//
// The breaker wraps every keystore operation: calls pass through in CLOSED
// state, fail fast with *OpenError in OPEN state, and a bounded number of
// trial calls probe recovery in HALF_OPEN state. It is the single component
// preventing cascading failure and unbounded latency when the store degrades;
// every other stratum component routes its store access through it.
package breaker

import (
	"context"
	"sync"
	"time"

	"goa.design/stratum/telemetry"
)

// State identifies the current breaker state.
type State int

const (
	// Closed lets calls pass through while tracking failures.
	Closed State = iota
	// Open rejects calls immediately without touching the store.
	Open
	// HalfOpen lets a limited number of trial calls probe recovery.
	HalfOpen
)

// String returns the canonical name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type (
	// Config configures the breaker thresholds. Validated by New.
	Config struct {
		// FailureThreshold is the number of consecutive failures in Closed
		// state before the breaker opens. Default: 5.
		FailureThreshold int
		// SuccessThreshold is the number of consecutive successes in
		// HalfOpen state before the breaker closes. Default: 3.
		SuccessThreshold int
		// RecoveryTimeout is how long the breaker stays Open before
		// admitting trial calls. Default: 60s.
		RecoveryTimeout time.Duration
		// CallTimeout bounds each guarded call; a call exceeding it counts
		// as a failure. Default: 10s.
		CallTimeout time.Duration
		// HalfOpenMaxCalls bounds concurrent trial calls in HalfOpen state.
		// Defaults to SuccessThreshold.
		HalfOpenMaxCalls int
		// IsFailure classifies errors returned by guarded calls. Only
		// errors it reports true for count toward opening the breaker.
		// When nil every non-nil error counts.
		IsFailure func(error) bool
	}

	// Breaker tracks store health and gates calls accordingly. It is the
	// sole writer of its own state and is safe for concurrent use.
	Breaker struct {
		cfg     Config
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu                   sync.Mutex
		state                State
		consecutiveFailures  int
		consecutiveSuccesses int
		halfOpenCalls        int
		openedAt             time.Time
	}

	// Option configures optional breaker settings.
	Option func(*Breaker)
)

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		CallTimeout:      10 * time.Second,
	}
}

// WithLogger sets the logger used for state transition records.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithMetrics sets the metrics sink for transition counters and latencies.
func WithMetrics(m telemetry.Metrics) Option {
	return func(b *Breaker) { b.metrics = m }
}

// New constructs a Breaker in Closed state. Zero config fields fall back to
// DefaultConfig values.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = cfg.SuccessThreshold
	}
	b := &Breaker{
		cfg:     cfg,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		state:   Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs fn under the breaker. When the breaker is Open the call fails fast
// with *OpenError without invoking fn. Each call is bounded by CallTimeout;
// success, failure and latency are recorded against the breaker state.
func (b *Breaker) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		b.metrics.IncCounter("breaker_rejected_total", 1, "op", op)
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	latency := time.Since(start)
	b.metrics.RecordTimer("store_op_duration_seconds", latency, "op", op)

	if b.isFailure(err) {
		b.recordFailure(ctx, op, err)
		return err
	}
	b.recordSuccess(ctx)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current state and counters for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
	}
}

// Snapshot is a point-in-time view of the breaker counters.
type Snapshot struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
}

func (b *Breaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if b.cfg.IsFailure != nil {
		return b.cfg.IsFailure(err)
	}
	return true
}

// allow decides whether a call may proceed, transitioning Open to HalfOpen
// once the recovery timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		wait := b.cfg.RecoveryTimeout - time.Since(b.openedAt)
		if wait > 0 {
			return &OpenError{RetryAfter: wait}
		}
		b.transition(HalfOpen)
		b.halfOpenCalls = 1
		return nil
	case HalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return &OpenError{RetryAfter: 0}
		}
		b.halfOpenCalls++
		return nil
	default:
		return &OpenError{}
	}
}

func (b *Breaker) recordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFailures = 0
	case HalfOpen:
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transition(Closed)
			b.logger.Info(ctx, "circuit breaker closed after successful recovery")
		}
	}
}

func (b *Breaker) recordFailure(ctx context.Context, op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(Open)
			b.logger.Error(ctx, "circuit breaker opened",
				"op", op, "consecutive_failures", b.consecutiveFailures, "error", err)
		}
	case HalfOpen:
		// Any failure during a trial call reopens the breaker.
		b.transition(Open)
		b.logger.Warn(ctx, "circuit breaker reopened, trial call failed",
			"op", op, "error", err)
	}
}

// transition changes state. Must be called with the lock held.
func (b *Breaker) transition(next State) {
	prev := b.state
	b.state = next
	b.consecutiveSuccesses = 0
	b.halfOpenCalls = 0
	if next == Open {
		b.openedAt = time.Now()
	}
	if next == Closed {
		b.consecutiveFailures = 0
	}
	b.metrics.IncCounter("breaker_transitions_total", 1,
		"from", prev.String(), "to", next.String())
}
