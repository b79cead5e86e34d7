package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcherDeliversNewSnapshots(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  port: 5433\n"), 0600))

	w, err := NewWatcher(path, zap.NewNop(), Defaults(), File(path))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, os.WriteFile(path, []byte("database:\n  port: 5500\n"), 0600))

	select {
	case cfg := <-w.Snapshots():
		assert.Equal(t, 5500, cfg.Database.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("no snapshot delivered after file change")
	}
}

func TestWatcherKeepsLastGoodSnapshotOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  port: 5433\n"), 0600))

	w, err := NewWatcher(path, zap.NewNop(), Defaults(), File(path))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	// An invalid write must not deliver a snapshot.
	require.NoError(t, os.WriteFile(path, []byte("database: [oops\n"), 0600))

	select {
	case cfg := <-w.Snapshots():
		t.Fatalf("unexpected snapshot delivered: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}
