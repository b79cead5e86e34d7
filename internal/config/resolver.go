package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigError reports a missing or invalid configuration key.
type ConfigError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Source applies one layer of configuration onto a snapshot under
// construction. Later sources in the Resolve call override earlier ones
// key-by-key.
type Source interface {
	Name() string
	Apply(cfg *Config) error
}

// Resolve merges the given sources, in order, into a fresh snapshot and
// validates it. It is a pure function of its inputs: previously returned
// snapshots are never touched.
func Resolve(sources ...Source) (*Config, error) {
	cfg := &Config{}
	for _, src := range sources {
		if err := src.Apply(cfg); err != nil {
			return nil, fmt.Errorf("apply %s source: %w", src.Name(), err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the snapshot for missing required keys and out-of-range
// values.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return &ConfigError{Key: "database.host", Reason: "required"}
	}
	if c.API.BaseURL == "" {
		return &ConfigError{Key: "api.base_url", Reason: "required"}
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return &ConfigError{Key: "database.port", Reason: fmt.Sprintf("port %d out of range", c.Database.Port)}
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		return &ConfigError{Key: "redis.port", Reason: fmt.Sprintf("port %d out of range", c.Redis.Port)}
	}
	if c.Database.PoolSize < 1 {
		return &ConfigError{Key: "database.pool_size", Reason: "must be positive"}
	}
	if c.Database.AcquireSeconds < 1 {
		return &ConfigError{Key: "database.acquire_timeout", Reason: "must be positive"}
	}
	if c.Redis.AcquireSeconds < 1 {
		return &ConfigError{Key: "redis.acquire_timeout", Reason: "must be positive"}
	}
	if c.Database.MaxRetries < 0 {
		return &ConfigError{Key: "database.max_retries", Reason: "must not be negative"}
	}
	if c.API.TimeoutSeconds < 1 {
		return &ConfigError{Key: "api.timeout", Reason: "must be positive"}
	}
	if c.API.Retries < 0 {
		return &ConfigError{Key: "api.retries", Reason: "must not be negative"}
	}
	if c.API.RateLimit < 1 {
		return &ConfigError{Key: "api.rate_limit", Reason: "must be positive"}
	}
	return nil
}

type defaultsSource struct{}

// Defaults is the lowest-precedence source. Every recognized key has a
// default so a snapshot is usable with no file and no environment.
func Defaults() Source { return defaultsSource{} }

func (defaultsSource) Name() string { return "defaults" }

func (defaultsSource) Apply(cfg *Config) error {
	cfg.Database = DatabaseConfig{
		Host:           "localhost",
		Port:           5432,
		Name:           "taap_db",
		User:           "taap_user",
		SSLMode:        "prefer",
		PoolSize:       10,
		AcquireSeconds: 5,
		MaxRetries:     3,
	}
	cfg.Redis = RedisConfig{
		Host:           "localhost",
		Port:           6379,
		SocketSeconds:  5,
		AcquireSeconds: 5,
		MaxConnections: 50,
	}
	cfg.API = APIConfig{
		BaseURL:        "http://localhost:8080",
		TimeoutSeconds: 30,
		Retries:        3,
		RateLimit:      100,
		VerifySSL:      true,
	}
	cfg.Container = ContainerConfig{
		DockerHost:  "unix:///var/run/docker.sock",
		Namespace:   "default",
		RegistryURL: "docker.io",
		PullPolicy:  "IfNotPresent",
		ResourceLimits: map[string]string{
			"cpu":    "500m",
			"memory": "512Mi",
		},
		StatePath: "taap-state.db",
	}
	cfg.Monitoring = MonitoringConfig{
		PrometheusURL:  "http://localhost:9090",
		LogLevel:       "info",
		MetricsEnabled: true,
	}
	return nil
}

type fileSource struct {
	path string
}

// File reads a YAML config file. A missing file is not an error: lower
// layers stay in effect. A malformed file is a ConfigError.
func File(path string) Source { return fileSource{path: path} }

func (s fileSource) Name() string { return "file" }

func (s fileSource) Apply(cfg *Config) error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	// Decoding into the existing struct only overwrites keys the file
	// actually sets, which gives key-by-key precedence over lower layers.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &ConfigError{Key: s.path, Reason: "malformed config file", Err: err}
	}
	return nil
}

type envSource struct{}

// Env is the highest-precedence source, reading well-known environment
// variables.
func Env() Source { return envSource{} }

func (envSource) Name() string { return "env" }

func (envSource) Apply(cfg *Config) error {
	setString(&cfg.Database.Host, "DB_HOST")
	if err := setInt(&cfg.Database.Port, "DB_PORT"); err != nil {
		return err
	}
	setString(&cfg.Database.Name, "DB_NAME")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")

	setString(&cfg.Redis.Host, "REDIS_HOST")
	if err := setInt(&cfg.Redis.Port, "REDIS_PORT"); err != nil {
		return err
	}
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")

	setString(&cfg.API.BaseURL, "API_BASE_URL")
	setString(&cfg.API.AuthToken, "API_AUTH_TOKEN")

	setString(&cfg.Container.KubeconfigPath, "KUBECONFIG")
	setString(&cfg.Container.Namespace, "K8S_NAMESPACE")
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &ConfigError{Key: key, Reason: "not an integer", Err: err}
	}
	*dst = n
	return nil
}
