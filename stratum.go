// Package stratum assembles the resilient store infrastructure layer: a
// circuit-broken key-value client, tenant-isolated access, the cache domain
// (entries, sessions, progress), distributed rate limiting, and the priority
// task queue.
//
// A System wires the pieces together so every store round trip flows through
// the same circuit breaker and every scoped key through the same accessor.
package stratum

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"goa.design/stratum/breaker"
	"goa.design/stratum/cache"
	"goa.design/stratum/keystore"
	"goa.design/stratum/queue"
	"goa.design/stratum/ratelimit"
	"goa.design/stratum/telemetry"
	"goa.design/stratum/tenant"
)

type (
	// Config assembles the per-component configurations.
	Config struct {
		// Store is the key-value store connection configuration.
		Store keystore.ConnectionConfig `yaml:"store"`
		// Breaker configures the circuit breaker guarding every store call.
		Breaker breaker.Config `yaml:"breaker"`
		// CacheTTL is the default cache entry ttl.
		CacheTTL time.Duration `yaml:"cache_ttl"`
		// SessionTTL is the session inactivity ttl.
		SessionTTL time.Duration `yaml:"session_ttl"`
		// Queues holds per-type queue configurations.
		Queues map[string]queue.Config `yaml:"queues"`
		// MaintenanceInterval is the queue promote/reap cadence.
		MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
		// HealthInterval is the health snapshot publish cadence. Zero
		// disables publishing.
		HealthInterval time.Duration `yaml:"health_interval"`
	}

	// Health is a point-in-time view of system health.
	Health struct {
		Store   string                  `json:"store"`
		Breaker breaker.Snapshot        `json:"breaker"`
		Queues  map[string]queue.Depths `json:"queues"`
	}

	// System is the assembled infrastructure layer.
	System struct {
		Accessor *tenant.Accessor
		Cache    *cache.Cache
		Sessions *cache.Sessions
		Progress *cache.Progress
		Limiter  *ratelimit.Limiter
		Queues   *queue.Manager

		cfg        Config
		rdb        *redis.Client
		store      keystore.Client
		brk        *breaker.Breaker
		maintainer *queue.Maintainer
		node       *pool.Node
		logger     telemetry.Logger
		metrics    telemetry.Metrics

		mu        sync.Mutex
		healthMap *rmap.Map
		stopPub   context.CancelFunc
		pubDone   chan struct{}
	}

	// Option configures optional system settings.
	Option func(*System)
)

// DefaultConfig returns the default system configuration.
func DefaultConfig() Config {
	return Config{
		Store:               keystore.DefaultConnectionConfig(),
		Breaker:             breaker.DefaultConfig(),
		CacheTTL:            time.Hour,
		SessionTTL:          cache.DefaultSessionTTL,
		MaintenanceInterval: queue.DefaultMaintenanceInterval,
		HealthInterval:      30 * time.Second,
	}
}

// WithLogger sets the logger used by every component.
func WithLogger(l telemetry.Logger) Option {
	return func(s *System) { s.logger = l }
}

// WithMetrics sets the metrics sink used by every component.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *System) { s.metrics = m }
}

// WithPoolNode enables distributed queue maintenance through the pulse pool
// node so only one node in the cluster sweeps per tick.
func WithPoolNode(node *pool.Node) Option {
	return func(s *System) { s.node = node }
}

// New connects to the store and assembles the system. The returned System is
// ready for use; call Start to launch background maintenance and health
// publishing, and Shutdown to release resources.
func New(ctx context.Context, cfg Config, opts ...Option) (*System, error) {
	s := &System{
		cfg:     cfg,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	rdb, err := keystore.Connect(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	s.rdb = rdb
	bcfg := cfg.Breaker
	if bcfg.IsFailure == nil {
		// Only availability errors trip the breaker; misses and server-side
		// command errors pass through without counting.
		bcfg.IsFailure = keystore.IsUnavailable
	}
	s.brk = breaker.New(bcfg,
		breaker.WithLogger(s.logger), breaker.WithMetrics(s.metrics))
	s.store = keystore.New(rdb, s.brk)

	s.Accessor = tenant.NewAccessor(s.store, tenant.WithLogger(s.logger))
	s.Cache = cache.New(s.Accessor,
		cache.WithDefaultTTL(cfg.CacheTTL),
		cache.WithCacheLogger(s.logger),
		cache.WithCacheMetrics(s.metrics))
	s.Sessions = cache.NewSessions(s.store,
		cache.WithSessionTTL(cfg.SessionTTL),
		cache.WithSessionLogger(s.logger))
	s.Progress = cache.NewProgress(s.Accessor)
	s.Limiter = ratelimit.New(s.store,
		ratelimit.WithLogger(s.logger), ratelimit.WithMetrics(s.metrics))

	qopts := []queue.ManagerOption{
		queue.WithManagerLogger(s.logger),
		queue.WithManagerMetrics(s.metrics),
	}
	for t, qc := range cfg.Queues {
		qopts = append(qopts, queue.WithQueueConfig(t, qc))
	}
	s.Queues = queue.NewManager(s.store, qopts...)

	types := make([]string, 0, len(cfg.Queues))
	for t := range cfg.Queues {
		types = append(types, t)
	}
	mopts := []queue.MaintainerOption{
		queue.WithMaintenanceInterval(cfg.MaintenanceInterval),
		queue.WithMaintainerLogger(s.logger),
	}
	if s.node != nil {
		mopts = append(mopts, queue.WithPoolNode(s.node))
	}
	s.maintainer = queue.NewMaintainer(s.Queues, types, mopts...)

	return s, nil
}

// Store exposes the circuit-broken client for callers that need raw store
// access outside the domain components.
func (s *System) Store() keystore.Client { return s.store }

// Breaker exposes the circuit breaker for state inspection.
func (s *System) Breaker() *breaker.Breaker { return s.brk }

// Start launches queue maintenance and, when configured, periodic health
// snapshot publishing into a replicated map other nodes can observe.
func (s *System) Start(ctx context.Context) error {
	if err := s.maintainer.Start(ctx); err != nil {
		return fmt.Errorf("start queue maintenance: %w", err)
	}
	if s.cfg.HealthInterval <= 0 {
		return nil
	}
	m, err := rmap.Join(ctx, "stratum:health", s.rdb)
	if err != nil {
		return fmt.Errorf("join health map: %w", err)
	}
	pubCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.healthMap = m
	s.stopPub = cancel
	s.pubDone = make(chan struct{})
	s.mu.Unlock()
	go s.publishLoop(pubCtx)
	return nil
}

// HealthCheck reports store reachability, breaker state and queue depths.
// The store error (if any) is embedded in the report rather than returned so
// callers always get the breaker and queue view.
func (s *System) HealthCheck(ctx context.Context) Health {
	h := Health{
		Store:   "ok",
		Breaker: s.brk.Snapshot(),
		Queues:  make(map[string]queue.Depths),
	}
	if err := s.store.Ping(ctx); err != nil {
		h.Store = err.Error()
	}
	for t := range s.cfg.Queues {
		d, err := s.Queues.QueueDepths(ctx, t)
		if err != nil {
			s.logger.Warn(ctx, "queue depth check failed", "type", t, "error", err)
			continue
		}
		h.Queues[t] = d
	}
	return h
}

// Shutdown stops background loops and closes the store connection.
func (s *System) Shutdown(ctx context.Context) error {
	s.maintainer.Stop()
	s.mu.Lock()
	if s.stopPub != nil {
		s.stopPub()
		<-s.pubDone
		s.stopPub = nil
	}
	if s.healthMap != nil {
		s.healthMap.Close()
		s.healthMap = nil
	}
	s.mu.Unlock()
	return s.store.Close()
}

// publishLoop mirrors the health snapshot into the replicated map under this
// node's identity so peers can observe degradation without probing the store
// themselves.
func (s *System) publishLoop(ctx context.Context) {
	defer close(s.pubDone)
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishHealth(ctx)
		}
	}
}

func (s *System) publishHealth(ctx context.Context) {
	h := s.HealthCheck(ctx)
	buf, err := json.Marshal(h)
	if err != nil {
		return
	}
	s.mu.Lock()
	m := s.healthMap
	s.mu.Unlock()
	if m == nil {
		return
	}
	if _, err := m.Set(ctx, "snapshot", string(buf)); err != nil {
		s.logger.Debug(ctx, "health publish failed", "error", err)
	}
	s.metrics.RecordGauge("breaker_state", float64(h.Breaker.State))
}
