// Package config resolves immutable configuration snapshots by layering
// built-in defaults, a YAML config file and environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is one resolved configuration snapshot. A snapshot is immutable:
// components read it but never write it, and Resolve always builds a fresh
// value, so independent snapshots never share state.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	API        APIConfig        `yaml:"api"`
	Container  ContainerConfig  `yaml:"container"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type DatabaseConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Name           string `yaml:"name"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	SSLMode        string `yaml:"ssl_mode"`
	PoolSize       int    `yaml:"pool_size"`
	AcquireSeconds int    `yaml:"acquire_timeout"`
	MaxRetries     int    `yaml:"max_retries"`
}

// AcquireTimeout is how long a caller waits for a pooled connection.
func (c DatabaseConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireSeconds) * time.Second
}

type RedisConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	DB             int    `yaml:"db"`
	Password       string `yaml:"password"`
	SocketSeconds  int    `yaml:"socket_timeout"`
	AcquireSeconds int    `yaml:"acquire_timeout"`
	MaxConnections int    `yaml:"max_connections"`
}

func (c RedisConfig) SocketTimeout() time.Duration {
	return time.Duration(c.SocketSeconds) * time.Second
}

// AcquireTimeout is how long a caller waits for a pooled cache connection.
func (c RedisConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireSeconds) * time.Second
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type APIConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout"`
	Retries        int    `yaml:"retries"`
	RateLimit      int    `yaml:"rate_limit"` // requests per minute
	AuthToken      string `yaml:"auth_token"`
	APIKey         string `yaml:"api_key"`
	VerifySSL      bool   `yaml:"verify_ssl"`
}

// Timeout is the per-attempt request timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type ContainerConfig struct {
	DockerHost     string            `yaml:"docker_host"`
	KubeconfigPath string            `yaml:"kubeconfig_path"`
	Namespace      string            `yaml:"namespace"`
	RegistryURL    string            `yaml:"registry_url"`
	PullPolicy     string            `yaml:"pull_policy"`
	ResourceLimits map[string]string `yaml:"resource_limits"`
	StatePath      string            `yaml:"state_path"`
}

type MonitoringConfig struct {
	PrometheusURL  string `yaml:"prometheus_url"`
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
}
