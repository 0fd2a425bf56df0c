package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.ShardInterval)
	assert.Equal(t, time.Second, cfg.FlushInterval)
	assert.Equal(t, 1000, cfg.DefaultLimit)
	assert.Equal(t, 1, cfg.ReplicationFactor)
	assert.Equal(t, 24*time.Hour, cfg.PassivateAfter)
}

func TestLoadMergesFileOverDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nsdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("query:\n  default_limit: 50\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.DefaultLimit)
	assert.Equal(t, time.Hour, cfg.ShardInterval, "unset keys keep the compiled-in default")
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load("/nonexistent/path/nsdb.yaml")
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.DefaultLimit)
}

func TestDefaultYAMLIsValidDocument(t *testing.T) {
	doc := DefaultYAML()
	assert.Contains(t, doc, "shard")
	assert.Contains(t, doc, "replication")
}
