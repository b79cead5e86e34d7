package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/taapstack/taap/internal/config"
)

// PostgresBackend is the real relational backend. One backend instance maps
// to one pooled connection, so the underlying sql.DB is pinned to a single
// conn and pooling stays with the Manager.
type PostgresBackend struct {
	cfg    config.DatabaseConfig
	logger *zap.Logger
	db     *sql.DB
}

// NewPostgresBackend creates an unconnected Postgres backend.
func NewPostgresBackend(cfg config.DatabaseConfig, logger *zap.Logger) *PostgresBackend {
	return &PostgresBackend{cfg: cfg, logger: logger}
}

// Connect opens the database handle and verifies it with a ping.
func (p *PostgresBackend) Connect(ctx context.Context) error {
	sslMode := p.cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.cfg.Host, p.cfg.Port, p.cfg.User, p.cfg.Password, p.cfg.Name, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return classifyPostgres("ping", err)
	}
	p.db = db
	return nil
}

// Ping issues a liveness probe.
func (p *PostgresBackend) Ping(ctx context.Context) error {
	if p.db == nil {
		return &TransientError{Op: "ping", Attempts: 1, Err: errors.New("not connected")}
	}
	if err := p.db.PingContext(ctx); err != nil {
		return classifyPostgres("ping", err)
	}
	return nil
}

// Exec runs one SQL operation. Reads return rows as column-keyed maps,
// writes return the affected row count.
func (p *PostgresBackend) Exec(ctx context.Context, op Operation) (*Result, error) {
	if p.db == nil {
		return nil, &TransientError{Op: op.Statement, Attempts: 1, Err: errors.New("not connected")}
	}
	start := time.Now()

	if op.Kind == OpRead {
		rows, err := p.db.QueryContext(ctx, op.Statement, op.Args...)
		if err != nil {
			return nil, classifyPostgres(op.Statement, err)
		}
		defer func() { _ = rows.Close() }()

		cols, err := rows.Columns()
		if err != nil {
			return nil, classifyPostgres(op.Statement, err)
		}

		var out []map[string]any
		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, classifyPostgres(op.Statement, err)
			}
			row := make(map[string]any, len(cols))
			for i, col := range cols {
				row[col] = values[i]
			}
			out = append(out, row)
		}
		if err := rows.Err(); err != nil {
			return nil, classifyPostgres(op.Statement, err)
		}
		return &Result{Rows: out, Found: len(out) > 0, Elapsed: time.Since(start)}, nil
	}

	res, err := p.db.ExecContext(ctx, op.Statement, op.Args...)
	if err != nil {
		return nil, classifyPostgres(op.Statement, err)
	}
	affected, _ := res.RowsAffected()
	return &Result{Affected: affected, Elapsed: time.Since(start)}, nil
}

// Close releases the database handle.
func (p *PostgresBackend) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// classifyPostgres maps driver errors onto the transient/permanent
// taxonomy. Connection-level failures are retried; constraint violations
// and malformed statements are not.
func classifyPostgres(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Attempts: 1, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Op: op, Attempts: 1, Err: err}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// SQLSTATE classes 08 (connection), 53 (insufficient resources)
		// and 57 (operator intervention) recover on retry.
		class := string(pqErr.Code.Class())
		switch class {
		case "08", "53", "57":
			return &TransientError{Op: op, Attempts: 1, Err: err}
		}
		return &PermanentError{Op: op, Err: err}
	}

	// lib/pq surfaces dial failures as plain errors.
	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset") {
		return &TransientError{Op: op, Attempts: 1, Err: err}
	}
	return &PermanentError{Op: op, Err: err}
}
