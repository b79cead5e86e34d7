package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/taapstack/taap/internal/apiclient"
	"github.com/taapstack/taap/internal/config"
	"github.com/taapstack/taap/internal/container"
	"github.com/taapstack/taap/internal/store"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"

	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "taap",
	Short:   "TaaP resource layer - configuration, store, API and container management",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(containerCmd)
}

func resolve() (*config.Config, error) {
	return config.Resolve(config.Defaults(), config.File(configPath), config.Env())
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.Monitoring.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect resolved configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolve()
		if err != nil {
			return err
		}
		// Never print credentials.
		cfg.Database.Password = redact(cfg.Database.Password)
		cfg.Redis.Password = redact(cfg.Redis.Password)
		cfg.API.AuthToken = redact(cfg.API.AuthToken)
		cfg.API.APIKey = redact(cfg.API.APIKey)

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		cmd.Print(string(out))
		return nil
	},
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the database, cache and API backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolve()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		healthy := true

		manager := store.NewManager(cfg, storeFactory(cfg, logger), store.WithLogger(logger))
		defer func() { _ = manager.Close() }()
		for _, kind := range []store.Kind{store.KindDatabase, store.KindCache} {
			if err := probeStore(ctx, manager, kind); err != nil {
				cmd.Printf("%-10s unhealthy: %v\n", kind, err)
				healthy = false
				continue
			}
			cmd.Printf("%-10s ok\n", kind)
		}

		client, err := apiclient.New(cfg, nil, apiclient.WithLogger(logger))
		if err != nil {
			return err
		}
		resp, err := client.Get(ctx, "/health")
		switch {
		case err != nil:
			cmd.Printf("%-10s unhealthy: %v\n", "api", err)
			healthy = false
		case resp.StatusCode >= 400:
			cmd.Printf("%-10s unhealthy: status %d\n", "api", resp.StatusCode)
			healthy = false
		default:
			cmd.Printf("%-10s ok (%d, %d attempt(s))\n", "api", resp.StatusCode, resp.Attempts)
		}

		if !healthy {
			return fmt.Errorf("one or more backends unhealthy")
		}
		return nil
	},
}

func probeStore(ctx context.Context, m *store.Manager, kind store.Kind) error {
	conn, err := m.Acquire(ctx, kind)
	if err != nil {
		return err
	}
	defer m.Release(conn)
	return m.HealthCheck(ctx, conn)
}

func storeFactory(cfg *config.Config, logger *zap.Logger) store.Factory {
	return func(ctx context.Context, kind store.Kind) (store.Backend, error) {
		switch kind {
		case store.KindDatabase:
			return store.NewPostgresBackend(cfg.Database, logger), nil
		case store.KindCache:
			return store.NewRedisBackend(cfg.Redis), nil
		}
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
}

var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Inspect managed containers",
}

var containerLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List containers recorded in the local state file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolve()
		if err != nil {
			return err
		}
		st, err := container.NewBoltStore(cfg.Container.StatePath)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		all, err := st.List()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			cmd.Println("no managed containers")
			return nil
		}
		cmd.Printf("%-36s  %-20s  %-28s  %-8s  %s\n", "ID", "NAME", "IMAGE", "STATE", "LAST TRANSITION")
		for _, c := range all {
			cmd.Printf("%-36s  %-20s  %-28s  %-8s  %s\n",
				c.ID, c.Name, c.Image, c.Observed,
				c.LastTransition.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	containerCmd.AddCommand(containerLsCmd)
}
