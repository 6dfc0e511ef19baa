package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Calc.Concurrency)
	assert.Equal(t, 500, cfg.Calc.PageSize)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "reports", cfg.Storage.Prefix)
	assert.Equal(t, 1024, cfg.Progress.BufferSize)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, "orphancalc", cfg.Application.ServiceName)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9090
calc:
  concurrency: 4
  queries:
    - name: exclude-deprecated
      enabled: true
    - name: exclude-pinned
      enabled: false
storage:
  backend: local
  local_dir: /tmp/reports
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Calc.Concurrency)
	require.Len(t, cfg.Calc.Queries, 2)
	assert.Equal(t, "exclude-deprecated", cfg.Calc.Queries[0].Name)
	assert.True(t, cfg.Calc.Queries[0].Enabled)
	assert.False(t, cfg.Calc.Queries[1].Enabled)
	assert.Equal(t, "local", cfg.Storage.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("AuthRequiresKey", func(t *testing.T) {
		cfg := base()
		cfg.Auth.Enabled = true
		require.ErrorContains(t, cfg.Validate(), "auth.api_key")
	})

	t.Run("GCSRequiresBucket", func(t *testing.T) {
		cfg := base()
		cfg.Storage.Backend = "gcs"
		require.ErrorContains(t, cfg.Validate(), "gcs_bucket")
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		cfg := base()
		cfg.Storage.Backend = "s3"
		require.ErrorContains(t, cfg.Validate(), "storage.backend")
	})

	t.Run("UnnamedQuery", func(t *testing.T) {
		cfg := base()
		cfg.Calc.Queries = []QueryConfig{{Name: "  "}}
		require.ErrorContains(t, cfg.Validate(), "must be named")
	})

	t.Run("BadConcurrency", func(t *testing.T) {
		cfg := base()
		cfg.Calc.Concurrency = 0
		require.ErrorContains(t, cfg.Validate(), "calc.concurrency")
	})
}
