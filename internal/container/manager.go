package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taapstack/taap/internal/config"
	"github.com/taapstack/taap/internal/metrics"
	"github.com/taapstack/taap/internal/retry"
)

// ErrInvalidTransition reports a state machine violation, e.g. starting a
// container that already stopped.
var ErrInvalidTransition = errors.New("container: invalid transition")

// Manager drives container lifecycle operations against an injected
// Backend, tracking observed state in a Store. Safe for concurrent use.
type Manager struct {
	limits  ResourceLimits
	backend Backend
	store   Store
	policy  *retry.Policy
	logger  *zap.Logger
	metrics *metrics.Metrics

	retryDelay time.Duration

	mu sync.Mutex
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

// WithRetryDelay overrides the initial backoff delay.
func WithRetryDelay(d time.Duration) ManagerOption {
	return func(m *Manager) { m.retryDelay = d }
}

// NewManager creates a container manager bound to one configuration
// snapshot. Backend retries share the same backoff shape as the API
// client, with the budget taken from api.retries.
func NewManager(cfg *config.Config, backend Backend, store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		limits: ResourceLimits{
			CPU:    cfg.Container.ResourceLimits["cpu"],
			Memory: cfg.Container.ResourceLimits["memory"],
		},
		backend:    backend,
		store:      store,
		logger:     zap.NewNop(),
		retryDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.policy = retry.NewPolicy(
		retry.WithMaxAttempts(cfg.API.Retries+1),
		retry.WithInitialDelay(m.retryDelay),
		retry.WithJitter(true),
		retry.WithLogger(m.logger),
		retry.WithRetryIf(func(err error) bool {
			var be *BackendUnavailableError
			return errors.As(err, &be)
		}),
	)
	return m
}

// call runs one backend operation under the shared retry policy. Backend
// unreachability is retried; a missing identifier never is.
func (m *Manager) call(ctx context.Context, fn func(context.Context) error) error {
	attempts, err := m.policy.Do(ctx, fn)
	if err == nil {
		return nil
	}
	var be *BackendUnavailableError
	if errors.As(err, &be) {
		return &BackendUnavailableError{Op: be.Op, Attempts: attempts, Err: be.Err}
	}
	return err
}

// Create validates spec against the configured bounds and registers the
// container in state created.
func (m *Manager) Create(ctx context.Context, spec Spec) (*ManagedContainer, error) {
	if err := spec.validate(m.limits); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	err := m.call(ctx, func(ctx context.Context) error {
		return m.backend.Create(ctx, id, spec)
	})
	if err != nil {
		return nil, err
	}

	rec := &ManagedContainer{
		ID:             id,
		Name:           spec.Name,
		Image:          spec.Image,
		Desired:        StateCreated,
		Observed:       StateCreated,
		LastTransition: time.Now(),
	}
	if err := m.store.Put(rec); err != nil {
		return nil, fmt.Errorf("persist container %s: %w", id, err)
	}
	m.count(StateCreated)
	m.logger.Info("container created",
		zap.String("id", id),
		zap.String("name", spec.Name),
		zap.String("image", spec.Image))
	return rec, nil
}

// CreateFromJSON validates a raw JSON spec document against the schema and
// then creates it.
func (m *Manager) CreateFromJSON(ctx context.Context, data []byte) (*ManagedContainer, error) {
	if err := ValidateSpecJSON(data); err != nil {
		return nil, err
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, &InvalidSpecError{Field: "document", Reason: err.Error()}
	}
	return m.Create(ctx, spec)
}

// Start moves the container to running. Starting an already running
// container is a no-op success.
func (m *Manager) Start(ctx context.Context, id string) (*ManagedContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	switch rec.Observed {
	case StateRunning:
		return rec, nil
	case StateCreated:
	default:
		return nil, fmt.Errorf("%w: start %s from %s", ErrInvalidTransition, id, rec.Observed)
	}

	rec.Desired = StateRunning
	err = m.call(ctx, func(ctx context.Context) error {
		return m.backend.Start(ctx, id)
	})
	if err != nil {
		return nil, m.fault(rec, "start", err)
	}
	return m.transition(rec, StateRunning)
}

// Stop moves the container to stopped. Stopping a stopped or removed
// container is a no-op success.
func (m *Manager) Stop(ctx context.Context, id string) (*ManagedContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	switch rec.Observed {
	case StateStopped, StateRemoved:
		return rec, nil
	case StateCreated, StateRunning:
	default:
		return nil, fmt.Errorf("%w: stop %s from %s", ErrInvalidTransition, id, rec.Observed)
	}

	rec.Desired = StateStopped
	err = m.call(ctx, func(ctx context.Context) error {
		return m.backend.Stop(ctx, id)
	})
	if err != nil {
		return nil, m.fault(rec, "stop", err)
	}
	return m.transition(rec, StateStopped)
}

// Remove deletes the container. Removing an unknown or already removed
// identifier is a no-op success; error is the one state removal always
// exits.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Observed == StateRemoved {
		return nil
	}

	rec.Desired = StateRemoved
	err = m.call(ctx, func(ctx context.Context) error {
		return m.backend.Remove(ctx, id)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return m.fault(rec, "remove", err)
	}
	_, err = m.transition(rec, StateRemoved)
	return err
}

// Inspect queries the backend for the current state and reconciles any
// drift into the stored record. A removed or unknown identifier fails with
// a not-found classification, never a transient one.
func (m *Manager) Inspect(ctx context.Context, id string) (*ManagedContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Observed == StateRemoved {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var observed State
	err = m.call(ctx, func(ctx context.Context) error {
		state, inspectErr := m.backend.Inspect(ctx, id)
		if inspectErr != nil {
			return inspectErr
		}
		observed = state
		return nil
	})
	if err != nil {
		return nil, m.fault(rec, "inspect", err)
	}

	if observed != rec.Observed {
		// The container changed behind our back, e.g. exited on its own.
		m.logger.Info("reconciled container drift",
			zap.String("id", id),
			zap.String("from", string(rec.Observed)),
			zap.String("to", string(observed)))
		return m.transition(rec, observed)
	}
	return rec, nil
}

// DefaultLogTail is the tail length Logs uses when the caller passes a
// non-positive one.
const DefaultLogTail = 100

// Logs fetches the last tail lines of the container's output. Removed and
// unknown identifiers fail with a not-found classification.
func (m *Manager) Logs(ctx context.Context, id string, tail int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Get(id)
	if err != nil {
		return "", err
	}
	if rec.Observed == StateRemoved {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if tail <= 0 {
		tail = DefaultLogTail
	}

	var logs string
	err = m.call(ctx, func(ctx context.Context) error {
		out, logsErr := m.backend.Logs(ctx, id, tail)
		if logsErr != nil {
			return logsErr
		}
		logs = out
		return nil
	})
	if err != nil {
		return "", m.fault(rec, "logs", err)
	}
	return logs, nil
}

// Get returns the stored record without touching the backend.
func (m *Manager) Get(id string) (*ManagedContainer, error) {
	return m.store.Get(id)
}

// List returns all stored records, including removed ones.
func (m *Manager) List() ([]*ManagedContainer, error) {
	return m.store.List()
}

// Purge stops and removes every container whose name carries the prefix,
// returning how many were removed.
func (m *Manager) Purge(ctx context.Context, prefix string) (int, error) {
	all, err := m.store.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range all {
		if !strings.HasPrefix(rec.Name, prefix) || rec.Observed == StateRemoved {
			continue
		}
		if rec.Observed == StateRunning {
			if _, err := m.Stop(ctx, rec.ID); err != nil {
				m.logger.Warn("purge: stop failed",
					zap.String("id", rec.ID), zap.Error(err))
			}
		}
		if err := m.Remove(ctx, rec.ID); err != nil {
			m.logger.Warn("purge: remove failed",
				zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// fault records a failed backend call. A missing identifier moves the
// record to error; everything else leaves the stored state alone.
func (m *Manager) fault(rec *ManagedContainer, op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		rec.Observed = StateError
		rec.LastTransition = time.Now()
		if putErr := m.store.Put(rec); putErr != nil {
			m.logger.Error("persist error state", zap.String("id", rec.ID), zap.Error(putErr))
		}
		m.count(StateError)
		return fmt.Errorf("%s %s: %w", op, rec.ID, ErrNotFound)
	}
	return err
}

func (m *Manager) transition(rec *ManagedContainer, s State) (*ManagedContainer, error) {
	rec.Observed = s
	rec.LastTransition = time.Now()
	if err := m.store.Put(rec); err != nil {
		return nil, fmt.Errorf("persist container %s: %w", rec.ID, err)
	}
	m.count(s)
	return rec, nil
}

func (m *Manager) count(s State) {
	if m.metrics != nil {
		m.metrics.ContainerTransitions.WithLabelValues(string(s)).Inc()
	}
}
