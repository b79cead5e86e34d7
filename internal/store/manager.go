package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taapstack/taap/internal/config"
	"github.com/taapstack/taap/internal/metrics"
	"github.com/taapstack/taap/internal/retry"
)

// Manager owns one bounded pool per backend kind. It is safe for use by
// concurrent callers; the pools are the only shared mutable state.
type Manager struct {
	cfg     *config.Config
	factory Factory
	logger  *zap.Logger
	metrics *metrics.Metrics
	policy  *retry.Policy
	pools   map[Kind]*pool

	mu     sync.Mutex
	closed bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(mx *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager creates a connection manager. Pool sizing, acquire timeout and
// retry budget all come from the configuration snapshot.
func NewManager(cfg *config.Config, factory Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:     cfg,
		factory: factory,
		logger:  zap.NewNop(),
		pools: map[Kind]*pool{
			KindDatabase: newPool(KindDatabase, cfg.Database.PoolSize),
			KindCache:    newPool(KindCache, cfg.Redis.MaxConnections),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.policy = retry.NewPolicy(
		retry.WithMaxAttempts(cfg.Database.MaxRetries+1),
		retry.WithInitialDelay(100*time.Millisecond),
		retry.WithJitter(true),
		retry.WithLogger(m.logger),
		retry.WithRetryIf(IsTransient),
	)
	return m
}

type pool struct {
	kind    Kind
	max     int
	free    chan *Conn
	created chan struct{} // semaphore: one token per live connection
}

func newPool(kind Kind, max int) *pool {
	if max < 1 {
		max = 1
	}
	return &pool{
		kind:    kind,
		max:     max,
		free:    make(chan *Conn, max),
		created: make(chan struct{}, max),
	}
}

// Acquire borrows a connection of the given kind, blocking up to the
// configured acquire timeout when the pool is at capacity.
func (m *Manager) Acquire(ctx context.Context, kind Kind) (*Conn, error) {
	p, ok := m.pools[kind]
	if !ok {
		return nil, fmt.Errorf("store: unknown kind %q", kind)
	}

	select {
	case conn := <-p.free:
		return m.lease(conn), nil
	default:
	}

	// Grow the pool if there is headroom.
	select {
	case p.created <- struct{}{}:
		conn, err := m.dial(ctx, kind)
		if err != nil {
			<-p.created
			return nil, err
		}
		return m.lease(conn), nil
	default:
	}

	timeout := m.acquireTimeout(kind)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// A discarded broken connection frees its slot token rather than a
	// pooled connection, so the wait races on both: a freed slot means the
	// waiter dials the replacement itself.
	select {
	case conn := <-p.free:
		return m.lease(conn), nil
	case p.created <- struct{}{}:
		conn, err := m.dial(ctx, kind)
		if err != nil {
			<-p.created
			return nil, err
		}
		return m.lease(conn), nil
	case <-timer.C:
		if m.metrics != nil {
			m.metrics.PoolWaits.WithLabelValues(string(kind)).Inc()
		}
		return nil, &PoolExhaustedError{Kind: kind, Waited: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acquireTimeout returns the per-kind wait bound from the snapshot.
func (m *Manager) acquireTimeout(kind Kind) time.Duration {
	if kind == KindCache {
		return m.cfg.Redis.AcquireTimeout()
	}
	return m.cfg.Database.AcquireTimeout()
}

func (m *Manager) dial(ctx context.Context, kind Kind) (*Conn, error) {
	backend, err := m.factory(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", kind, err)
	}
	if err := backend.Connect(ctx); err != nil {
		_ = backend.Close()
		return nil, &TransientError{Op: "connect", Attempts: 1, Err: err}
	}
	conn := newConn(kind, backend)
	m.logger.Debug("connection established",
		zap.String("kind", string(kind)),
		zap.String("conn", conn.ID()))
	return conn, nil
}

func (m *Manager) lease(conn *Conn) *Conn {
	conn.setState(StateActive)
	conn.touch()
	if m.metrics != nil {
		m.metrics.PoolInUse.WithLabelValues(string(conn.kind)).Inc()
	}
	return conn
}

// Release returns a healthy connection to the pool. A broken connection is
// closed and its slot freed so the pool replaces it on the next Acquire.
func (m *Manager) Release(conn *Conn) {
	p := m.pools[conn.kind]
	if m.metrics != nil {
		m.metrics.PoolInUse.WithLabelValues(string(conn.kind)).Dec()
	}

	if conn.State() == StateBroken {
		_ = conn.backend.Close()
		conn.setState(StateClosed)
		<-p.created
		m.logger.Warn("discarded broken connection",
			zap.String("kind", string(conn.kind)),
			zap.String("conn", conn.ID()))
		return
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		_ = conn.backend.Close()
		conn.setState(StateClosed)
		<-p.created
		return
	}

	conn.setState(StateIdle)
	conn.touch()
	p.free <- conn
}

// HealthCheck probes the connection. On failure the connection is marked
// broken; Release will then discard it.
func (m *Manager) HealthCheck(ctx context.Context, conn *Conn) error {
	if err := conn.backend.Ping(ctx); err != nil {
		conn.setState(StateBroken)
		return &TransientError{Op: "ping", Attempts: 1, Err: err}
	}
	conn.touch()
	return nil
}

// Execute runs op on conn. Transient failures are retried with backoff up
// to the configured budget; permanent failures surface immediately. The
// connection is marked broken when a transient failure exhausts the budget.
func (m *Manager) Execute(ctx context.Context, conn *Conn, op Operation) (*Result, error) {
	var result *Result
	start := time.Now()

	attempts, err := m.policy.Do(ctx, func(ctx context.Context) error {
		res, execErr := conn.backend.Exec(ctx, op)
		if execErr != nil {
			return execErr
		}
		result = res
		return nil
	})

	if err != nil {
		// Caller-driven cancellation is neither transient nor permanent;
		// the connection stays leased and healthy.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var te *TransientError
		if errors.As(err, &te) {
			conn.setState(StateBroken)
			m.count(conn.kind, "transient")
			return nil, &TransientError{Op: op.Statement, Attempts: attempts, Err: te.Err}
		}
		m.count(conn.kind, "permanent")
		var pe *PermanentError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, &PermanentError{Op: op.Statement, Err: err}
	}

	conn.touch()
	m.count(conn.kind, "ok")
	if result != nil && result.Elapsed == 0 {
		result.Elapsed = time.Since(start)
	}
	return result, nil
}

func (m *Manager) count(kind Kind, outcome string) {
	if m.metrics != nil {
		m.metrics.StoreOperations.WithLabelValues(string(kind), outcome).Inc()
	}
}

// Close drains both pools and closes every idle connection. Connections
// still borrowed at shutdown are closed when their holder releases them.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var firstErr error
	for _, p := range m.pools {
	drain:
		for {
			select {
			case conn := <-p.free:
				conn.setState(StateClosed)
				if err := conn.backend.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
				<-p.created
			default:
				break drain
			}
		}
	}
	return firstErr
}
