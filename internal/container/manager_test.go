package container

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taapstack/taap/internal/config"
)

// fakeBackend is a deterministic in-memory runtime satisfying the Backend
// contract.
type fakeBackend struct {
	mu         sync.Mutex
	containers map[string]State
	logs       map[string][]string
	failures   map[string][]error
	calls      map[string]int
	lastTail   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		containers: make(map[string]State),
		logs:       make(map[string][]string),
		failures:   make(map[string][]error),
		calls:      make(map[string]int),
	}
}

func (f *fakeBackend) fail(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *fakeBackend) step(op string) error {
	f.calls[op]++
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[op] = queue[1:]
	return err
}

func (f *fakeBackend) Create(ctx context.Context, id string, spec Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step("create"); err != nil {
		return err
	}
	f.containers[id] = StateCreated
	return nil
}

func (f *fakeBackend) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step("start"); err != nil {
		return err
	}
	if _, ok := f.containers[id]; !ok {
		return fmt.Errorf("start %s: %w", id, ErrNotFound)
	}
	f.containers[id] = StateRunning
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step("stop"); err != nil {
		return err
	}
	if _, ok := f.containers[id]; !ok {
		return fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	f.containers[id] = StateStopped
	return nil
}

func (f *fakeBackend) Inspect(ctx context.Context, id string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step("inspect"); err != nil {
		return "", err
	}
	state, ok := f.containers[id]
	if !ok {
		return "", fmt.Errorf("inspect %s: %w", id, ErrNotFound)
	}
	return state, nil
}

func (f *fakeBackend) Logs(ctx context.Context, id string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step("logs"); err != nil {
		return "", err
	}
	lines, ok := f.logs[id]
	if !ok {
		if _, exists := f.containers[id]; !exists {
			return "", fmt.Errorf("logs %s: %w", id, ErrNotFound)
		}
	}
	f.lastTail = tail
	if tail < len(lines) {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n"), nil
}

func (f *fakeBackend) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.step("remove"); err != nil {
		return err
	}
	if _, ok := f.containers[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeBackend) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
}

func (f *fakeBackend) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func testManager(t *testing.T, backend Backend) *Manager {
	t.Helper()
	cfg, err := config.Resolve(config.Defaults())
	require.NoError(t, err)
	cfg.API.Retries = 2
	return NewManager(cfg, backend, NewMemoryStore(), WithRetryDelay(time.Millisecond))
}

func validSpec(name string) Spec {
	return Spec{
		Name:  name,
		Image: "docker.io/library/nginx:1.27",
		Resources: ResourceLimits{
			CPU:    "250m",
			Memory: "128Mi",
		},
	}
}

func TestManagerCreate(t *testing.T) {
	t.Run("registers the container in state created", func(t *testing.T) {
		backend := newFakeBackend()
		m := testManager(t, backend)

		rec, err := m.Create(context.Background(), validSpec("web"))

		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, StateCreated, rec.Observed)
		assert.Equal(t, "web", rec.Name)
		assert.False(t, rec.LastTransition.IsZero())
	})

	t.Run("rejects a missing image before touching the backend", func(t *testing.T) {
		backend := newFakeBackend()
		m := testManager(t, backend)

		_, err := m.Create(context.Background(), Spec{Name: "web"})

		var invalid *InvalidSpecError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "image", invalid.Field)
		assert.Zero(t, backend.callCount("create"))
	})

	t.Run("rejects resource requests above the configured bound", func(t *testing.T) {
		m := testManager(t, newFakeBackend())

		spec := validSpec("heavy")
		spec.Resources.CPU = "2" // bound is 500m

		_, err := m.Create(context.Background(), spec)

		var invalid *InvalidSpecError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "resources.cpu", invalid.Field)
	})

	t.Run("retries while the backend is unreachable", func(t *testing.T) {
		backend := newFakeBackend()
		backend.fail("create",
			&BackendUnavailableError{Op: "create", Err: errors.New("dial refused")},
			&BackendUnavailableError{Op: "create", Err: errors.New("dial refused")},
		)
		m := testManager(t, backend)

		rec, err := m.Create(context.Background(), validSpec("web"))

		require.NoError(t, err)
		assert.Equal(t, StateCreated, rec.Observed)
		assert.Equal(t, 3, backend.callCount("create"))
	})

	t.Run("surfaces attempts when the backend never answers", func(t *testing.T) {
		backend := newFakeBackend()
		down := &BackendUnavailableError{Op: "create", Err: errors.New("dial refused")}
		backend.fail("create", down, down, down)
		m := testManager(t, backend)

		_, err := m.Create(context.Background(), validSpec("web"))

		var unavailable *BackendUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, 3, unavailable.Attempts)
	})
}

func TestManagerStartStop(t *testing.T) {
	t.Run("start is idempotent on a running container", func(t *testing.T) {
		m := testManager(t, newFakeBackend())
		rec, err := m.Create(context.Background(), validSpec("web"))
		require.NoError(t, err)

		first, err := m.Start(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StateRunning, first.Observed)

		second, err := m.Start(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StateRunning, second.Observed)
	})

	t.Run("start after stop violates monotonicity", func(t *testing.T) {
		m := testManager(t, newFakeBackend())
		rec, err := m.Create(context.Background(), validSpec("web"))
		require.NoError(t, err)

		_, err = m.Start(context.Background(), rec.ID)
		require.NoError(t, err)
		_, err = m.Stop(context.Background(), rec.ID)
		require.NoError(t, err)

		_, err = m.Start(context.Background(), rec.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("stop is idempotent on stopped and removed containers", func(t *testing.T) {
		backend := newFakeBackend()
		m := testManager(t, backend)
		rec, err := m.Create(context.Background(), validSpec("web"))
		require.NoError(t, err)

		_, err = m.Stop(context.Background(), rec.ID)
		require.NoError(t, err)
		_, err = m.Stop(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, backend.callCount("stop"))

		require.NoError(t, m.Remove(context.Background(), rec.ID))
		_, err = m.Stop(context.Background(), rec.ID)
		require.NoError(t, err)
	})

	t.Run("start on an unknown id is not found", func(t *testing.T) {
		m := testManager(t, newFakeBackend())

		_, err := m.Start(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestManagerRemoveInspect(t *testing.T) {
	t.Run("stop remove inspect classifies as not found", func(t *testing.T) {
		backend := newFakeBackend()
		m := testManager(t, backend)
		rec, err := m.Create(context.Background(), validSpec("web"))
		require.NoError(t, err)
		_, err = m.Start(context.Background(), rec.ID)
		require.NoError(t, err)

		_, err = m.Stop(context.Background(), rec.ID)
		require.NoError(t, err)
		require.NoError(t, m.Remove(context.Background(), rec.ID))

		_, err = m.Inspect(context.Background(), rec.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		var unavailable *BackendUnavailableError
		assert.False(t, errors.As(err, &unavailable), "not-found must never look transient")
	})

	t.Run("remove on a non-existent identifier succeeds", func(t *testing.T) {
		m := testManager(t, newFakeBackend())
		require.NoError(t, m.Remove(context.Background(), "ghost"))
	})

	t.Run("remove twice succeeds once", func(t *testing.T) {
		backend := newFakeBackend()
		m := testManager(t, backend)
		rec, err := m.Create(context.Background(), validSpec("web"))
		require.NoError(t, err)

		require.NoError(t, m.Remove(context.Background(), rec.ID))
		require.NoError(t, m.Remove(context.Background(), rec.ID))
		assert.Equal(t, 1, backend.callCount("remove"))
	})

	t.Run("inspect reconciles drift from the backend", func(t *testing.T) {
		backend := newFakeBackend()
		m := testManager(t, backend)
		rec, err := m.Create(context.Background(), validSpec("web"))
		require.NoError(t, err)
		_, err = m.Start(context.Background(), rec.ID)
		require.NoError(t, err)

		// The container exits on its own.
		backend.mu.Lock()
		backend.containers[rec.ID] = StateStopped
		backend.mu.Unlock()

		got, err := m.Inspect(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StateStopped, got.Observed)

		stored, err := m.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StateStopped, stored.Observed)
	})

	t.Run("missing backend id moves the record to error without retry", func(t *testing.T) {
		backend := newFakeBackend()
		m := testManager(t, backend)
		rec, err := m.Create(context.Background(), validSpec("web"))
		require.NoError(t, err)

		backend.drop(rec.ID)

		_, err = m.Inspect(context.Background(), rec.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, backend.callCount("inspect"))

		stored, err := m.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StateError, stored.Observed)
	})

	t.Run("error state only exits to removed", func(t *testing.T) {
		backend := newFakeBackend()
		m := testManager(t, backend)
		rec, err := m.Create(context.Background(), validSpec("web"))
		require.NoError(t, err)

		backend.drop(rec.ID)
		_, err = m.Inspect(context.Background(), rec.ID)
		require.ErrorIs(t, err, ErrNotFound)

		_, err = m.Start(context.Background(), rec.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		require.NoError(t, m.Remove(context.Background(), rec.ID))
		stored, err := m.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StateRemoved, stored.Observed)
	})
}

func TestManagerLogs(t *testing.T) {
	t.Run("returns the tail of the container output", func(t *testing.T) {
		backend := newFakeBackend()
		m := testManager(t, backend)
		rec, err := m.Create(context.Background(), validSpec("web"))
		require.NoError(t, err)

		backend.mu.Lock()
		backend.logs[rec.ID] = []string{"line 1", "line 2", "line 3"}
		backend.mu.Unlock()

		out, err := m.Logs(context.Background(), rec.ID, 2)

		require.NoError(t, err)
		assert.Equal(t, "line 2\nline 3", out)
	})

	t.Run("defaults the tail length when non-positive", func(t *testing.T) {
		backend := newFakeBackend()
		m := testManager(t, backend)
		rec, err := m.Create(context.Background(), validSpec("web"))
		require.NoError(t, err)

		_, err = m.Logs(context.Background(), rec.ID, 0)

		require.NoError(t, err)
		assert.Equal(t, DefaultLogTail, backend.lastTail)
	})

	t.Run("removed container classifies as not found", func(t *testing.T) {
		backend := newFakeBackend()
		m := testManager(t, backend)
		rec, err := m.Create(context.Background(), validSpec("web"))
		require.NoError(t, err)
		require.NoError(t, m.Remove(context.Background(), rec.ID))

		_, err = m.Logs(context.Background(), rec.ID, 10)

		assert.ErrorIs(t, err, ErrNotFound)
		assert.Zero(t, backend.callCount("logs"))
	})

	t.Run("retries while the backend is unreachable", func(t *testing.T) {
		backend := newFakeBackend()
		m := testManager(t, backend)
		rec, err := m.Create(context.Background(), validSpec("web"))
		require.NoError(t, err)

		backend.fail("logs",
			&BackendUnavailableError{Op: "logs", Err: errors.New("dial refused")},
		)

		_, err = m.Logs(context.Background(), rec.ID, 10)

		require.NoError(t, err)
		assert.Equal(t, 2, backend.callCount("logs"))
	})
}

func TestManagerPurge(t *testing.T) {
	backend := newFakeBackend()
	m := testManager(t, backend)

	for _, name := range []string{"test-a", "test-b", "prod-c"} {
		rec, err := m.Create(context.Background(), validSpec(name))
		require.NoError(t, err)
		_, err = m.Start(context.Background(), rec.ID)
		require.NoError(t, err)
	}

	removed, err := m.Purge(context.Background(), "test-")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	all, err := m.List()
	require.NoError(t, err)
	for _, rec := range all {
		if rec.Name == "prod-c" {
			assert.Equal(t, StateRunning, rec.Observed)
		} else {
			assert.Equal(t, StateRemoved, rec.Observed)
		}
	}
}

func TestCreateFromJSON(t *testing.T) {
	t.Run("accepts a valid document", func(t *testing.T) {
		m := testManager(t, newFakeBackend())

		doc := []byte(`{"name":"web","image":"nginx:1.27","ports":[{"container_port":80,"host_port":8080,"protocol":"tcp"}]}`)
		rec, err := m.CreateFromJSON(context.Background(), doc)

		require.NoError(t, err)
		assert.Equal(t, "web", rec.Name)
	})

	t.Run("rejects a document missing required fields", func(t *testing.T) {
		m := testManager(t, newFakeBackend())

		_, err := m.CreateFromJSON(context.Background(), []byte(`{"name":"web"}`))

		var invalid *InvalidSpecError
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		m := testManager(t, newFakeBackend())

		_, err := m.CreateFromJSON(context.Background(), []byte(`{"name":"web","image":"nginx","privileged":true}`))

		var invalid *InvalidSpecError
		assert.ErrorAs(t, err, &invalid)
	})
}
