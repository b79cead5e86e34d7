package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taapstack/taap/internal/config"
)

// RedisBackend is the real cache backend. Like PostgresBackend, one
// instance is pinned to a single client connection.
type RedisBackend struct {
	cfg    config.RedisConfig
	client *redis.Client
}

// NewRedisBackend creates an unconnected Redis backend.
func NewRedisBackend(cfg config.RedisConfig) *RedisBackend {
	return &RedisBackend{cfg: cfg}
}

// Connect dials the cache and verifies it with a ping.
func (r *RedisBackend) Connect(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:         r.cfg.Addr(),
		Password:     r.cfg.Password,
		DB:           r.cfg.DB,
		DialTimeout:  r.cfg.SocketTimeout(),
		ReadTimeout:  r.cfg.SocketTimeout(),
		WriteTimeout: r.cfg.SocketTimeout(),
		PoolSize:     1,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return classifyRedis("ping", err)
	}
	r.client = client
	return nil
}

// Ping issues a liveness probe.
func (r *RedisBackend) Ping(ctx context.Context) error {
	if r.client == nil {
		return &TransientError{Op: "ping", Attempts: 1, Err: errors.New("not connected")}
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return classifyRedis("ping", err)
	}
	return nil
}

// Exec runs one cache command. A missing key on GET is data, not an error:
// the result comes back with Found false.
func (r *RedisBackend) Exec(ctx context.Context, op Operation) (*Result, error) {
	if r.client == nil {
		return nil, &TransientError{Op: op.Statement, Attempts: 1, Err: errors.New("not connected")}
	}
	start := time.Now()

	cmd := strings.ToUpper(op.Statement)
	switch cmd {
	case "GET":
		key, err := argString(op.Args, 0)
		if err != nil {
			return nil, &PermanentError{Op: cmd, Err: err}
		}
		val, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return &Result{Found: false, Elapsed: time.Since(start)}, nil
		}
		if err != nil {
			return nil, classifyRedis(cmd, err)
		}
		return &Result{Value: val, Found: true, Elapsed: time.Since(start)}, nil

	case "SET":
		key, err := argString(op.Args, 0)
		if err != nil {
			return nil, &PermanentError{Op: cmd, Err: err}
		}
		if len(op.Args) < 2 {
			return nil, &PermanentError{Op: cmd, Err: errors.New("SET requires a value")}
		}
		var ttl time.Duration
		if len(op.Args) > 2 {
			d, ok := op.Args[2].(time.Duration)
			if !ok {
				return nil, &PermanentError{Op: cmd, Err: fmt.Errorf("ttl must be a duration, got %T", op.Args[2])}
			}
			ttl = d
		}
		if err := r.client.Set(ctx, key, op.Args[1], ttl).Err(); err != nil {
			return nil, classifyRedis(cmd, err)
		}
		return &Result{Affected: 1, Elapsed: time.Since(start)}, nil

	case "DEL":
		key, err := argString(op.Args, 0)
		if err != nil {
			return nil, &PermanentError{Op: cmd, Err: err}
		}
		n, err := r.client.Del(ctx, key).Result()
		if err != nil {
			return nil, classifyRedis(cmd, err)
		}
		return &Result{Affected: n, Elapsed: time.Since(start)}, nil

	case "EXISTS":
		key, err := argString(op.Args, 0)
		if err != nil {
			return nil, &PermanentError{Op: cmd, Err: err}
		}
		n, err := r.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, classifyRedis(cmd, err)
		}
		return &Result{Found: n > 0, Elapsed: time.Since(start)}, nil

	case "PING":
		if err := r.client.Ping(ctx).Err(); err != nil {
			return nil, classifyRedis(cmd, err)
		}
		return &Result{Elapsed: time.Since(start)}, nil
	}

	return nil, &PermanentError{Op: cmd, Err: fmt.Errorf("unsupported cache command %q", op.Statement)}
}

// Close releases the client.
func (r *RedisBackend) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func argString(args []any, i int) (string, error) {
	if len(args) <= i {
		return "", fmt.Errorf("missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d must be a string, got %T", i, args[i])
	}
	return s, nil
}

func classifyRedis(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Attempts: 1, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Op: op, Attempts: 1, Err: err}
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "LOADING") ||
		strings.Contains(msg, "READONLY") {
		return &TransientError{Op: op, Attempts: 1, Err: err}
	}
	return &PermanentError{Op: op, Err: err}
}
