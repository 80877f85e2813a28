package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ButyrinIA/storyfeed/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRun(t *testing.T) {
	t.Run("Invalid config", func(t *testing.T) {
		path := writeConfig(t, "storage:\n  driver: redis\nauth:\n  jwt_secret: s\n")
		err := run(context.Background(), []string{"-config", path})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown storage driver")
	})

	t.Run("Storage flag overrides config", func(t *testing.T) {
		path := writeConfig(t, "storage:\n  driver: memory\nauth:\n  jwt_secret: s\n")
		err := run(context.Background(), []string{"-config", path, "-storage", "postgres"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "postgres dsn is required")
	})

	t.Run("Unknown flag", func(t *testing.T) {
		assert.Error(t, run(context.Background(), []string{"-nope"}))
	})

	t.Run("Stops on cancel", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "media")
		path := writeConfig(t, "server:\n  port: \"0\"\nstorage:\n  driver: memory\nmedia:\n  root: "+root+"\nauth:\n  jwt_secret: s\n")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, run(ctx, []string{"-config", path}), "Сервер корректно останавливается после отмены")
		assert.DirExists(t, root)
	})
}

func TestOpenStorage(t *testing.T) {
	cfg := config.Default()
	store, err := openStorage(cfg)
	require.NoError(t, err)
	assert.NoError(t, store.Close())
}
