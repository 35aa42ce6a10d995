package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/pool"

	"goa.design/stratum/telemetry"
)

// DefaultMaintenanceInterval is the default promote/reap cadence.
const DefaultMaintenanceInterval = 10 * time.Second

// maintenanceBatch bounds work done per tick.
const maintenanceBatch = 100

type (
	// Maintainer periodically promotes due retries and reaps stale
	// in-progress tasks for a set of queue types. When a pool node is
	// provided the cadence comes from a distributed ticker so only one node
	// in the cluster performs maintenance per tick, with automatic failover;
	// otherwise a local ticker is used.
	Maintainer struct {
		mgr      *Manager
		types    []string
		interval time.Duration
		node     *pool.Node
		logger   telemetry.Logger

		mu      sync.Mutex
		cancel  context.CancelFunc
		stopped chan struct{}
	}

	// MaintainerOption configures optional maintainer settings.
	MaintainerOption func(*Maintainer)
)

// WithMaintenanceInterval sets the promote/reap cadence.
func WithMaintenanceInterval(d time.Duration) MaintainerOption {
	return func(m *Maintainer) { m.interval = d }
}

// WithPoolNode enables distributed ticking through the pulse pool node.
func WithPoolNode(node *pool.Node) MaintainerOption {
	return func(m *Maintainer) { m.node = node }
}

// WithMaintainerLogger sets the maintainer logger.
func WithMaintainerLogger(l telemetry.Logger) MaintainerOption {
	return func(m *Maintainer) { m.logger = l }
}

// NewMaintainer constructs a maintainer for the given queue types.
func NewMaintainer(mgr *Manager, types []string, opts ...MaintainerOption) *Maintainer {
	m := &Maintainer{
		mgr:      mgr,
		types:    types,
		interval: DefaultMaintenanceInterval,
		logger:   telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the maintenance loop. It returns immediately; use Stop to
// halt it.
func (m *Maintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.stopped = make(chan struct{})

	var tick <-chan time.Time
	var stop func()
	if m.node != nil {
		ticker, err := m.node.NewTicker(ctx, "queue:maintenance", m.interval)
		if err != nil {
			cancel()
			m.cancel = nil
			return fmt.Errorf("create distributed ticker: %w", err)
		}
		tick = ticker.C
		stop = ticker.Stop
	} else {
		ticker := time.NewTicker(m.interval)
		tick = ticker.C
		stop = ticker.Stop
	}

	go func() {
		defer close(m.stopped)
		defer stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-tick:
				m.sweep(loopCtx)
			}
		}
	}()
	return nil
}

// Stop halts the maintenance loop and waits for the current sweep to finish.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Sweep runs one promote/reap pass over every queue type. Exposed so
// operators can force a pass outside the ticker cadence.
func (m *Maintainer) Sweep(ctx context.Context) {
	m.sweep(ctx)
}

func (m *Maintainer) sweep(ctx context.Context) {
	for _, t := range m.types {
		if n, err := m.mgr.PromoteDue(ctx, t, maintenanceBatch); err != nil {
			m.logger.Error(ctx, "promote sweep failed", "type", t, "error", err)
		} else if n > 0 {
			m.logger.Debug(ctx, "promoted due tasks", "type", t, "count", n)
		}
		if n, err := m.mgr.ReapStale(ctx, t, maintenanceBatch); err != nil {
			m.logger.Error(ctx, "reap sweep failed", "type", t, "error", err)
		} else if n > 0 {
			m.logger.Info(ctx, "reaped stale tasks", "type", t, "count", n)
		}
	}
}
