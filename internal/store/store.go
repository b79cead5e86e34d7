// Package store owns pooled connections to the relational database and the
// key-value cache, with health checking, reconnection and retry
// classification.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind selects which backend a connection talks to.
type Kind string

const (
	KindDatabase Kind = "database"
	KindCache    Kind = "cache"
)

// State is the lifecycle state of a pooled connection.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateClosed State = "closed"
	StateBroken State = "broken"
)

// OpKind distinguishes reads from writes.
type OpKind string

const (
	OpRead  OpKind = "read"
	OpWrite OpKind = "write"
)

// Operation is one data operation against a backend. For the database the
// statement is SQL; for the cache it is a command name (GET, SET, DEL,
// EXISTS) with the key and value in Args.
type Operation struct {
	Kind      OpKind
	Statement string
	Args      []any
}

// Result carries the outcome of an Operation.
type Result struct {
	Rows     []map[string]any
	Affected int64
	Value    string
	Found    bool
	Elapsed  time.Duration
}

// Backend is the capability contract one pooled connection is built on.
// The real implementations are PostgresBackend and RedisBackend; tests
// supply a deterministic fake.
type Backend interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Exec(ctx context.Context, op Operation) (*Result, error)
	Close() error
}

// Factory produces a fresh backend for the given kind. The pool calls it
// whenever it grows or replaces a broken connection.
type Factory func(ctx context.Context, kind Kind) (Backend, error)

// Conn is a live pooled connection. Callers borrow it from the Manager and
// must return it with Release.
type Conn struct {
	id      string
	kind    Kind
	backend Backend

	mu        sync.Mutex
	state     State
	createdAt time.Time
	lastUsed  time.Time
}

func newConn(kind Kind, backend Backend) *Conn {
	now := time.Now()
	return &Conn{
		id:        uuid.New().String(),
		kind:      kind,
		backend:   backend,
		state:     StateIdle,
		createdAt: now,
		lastUsed:  now,
	}
}

func (c *Conn) ID() string { return c.id }
func (c *Conn) Kind() Kind { return c.kind }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) CreatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createdAt
}

func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// PoolExhaustedError reports that no connection became free within the
// acquire timeout. The caller may retry the whole unit of work.
type PoolExhaustedError struct {
	Kind   Kind
	Waited time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("store: %s pool exhausted after %s", e.Kind, e.Waited)
}

// TransientError is a failure expected to succeed on retry: network resets,
// timeouts, backend restarts. Attempts records how many tries were made
// before it surfaced.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that will not succeed on retry without
// changing input: constraint violations, malformed statements.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("store: %s failed: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
