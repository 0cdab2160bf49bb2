package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10_000, cfg.SpanBufferSize)
	assert.Equal(t, 500, cfg.SnapshotBufferSize)
	assert.Equal(t, "stdio", cfg.Transport)
	assert.Equal(t, 0, cfg.OTLPPort)
	assert.Empty(t, cfg.RedisAddr)
}

func TestMergeConfigs(t *testing.T) {
	base := DefaultConfig()
	base.FileSources = []string{"/a"}

	overlay := &Config{
		SpanBufferSize: 50,
		OTLPPort:       4317,
		Transport:      "http",
		FileSources:    []string{"/a", "/b"},
		RedisAddr:      "redis:6379",
		Verbose:        true,
	}

	merged := MergeConfigs(base, overlay)
	assert.Equal(t, 50, merged.SpanBufferSize)
	assert.Equal(t, 500, merged.SnapshotBufferSize, "unset overlay fields keep the base")
	assert.Equal(t, 4317, merged.OTLPPort)
	assert.Equal(t, "http", merged.Transport)
	assert.Equal(t, []string{"/a", "/b"}, merged.FileSources)
	assert.Equal(t, "redis:6379", merged.RedisAddr)
	assert.Equal(t, "tracelanes", merged.RedisKeyPrefix)
	assert.True(t, merged.Verbose)

	assert.Equal(t, []string{"/a"}, base.FileSources, "base is not modified")
	assert.Same(t, base, MergeConfigs(base, nil))
	assert.NotNil(t, MergeConfigs(nil, overlay))
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"span_buffer_size": 7, "file_sources": ["/x"]}`), 0o644))
	cfg, err := LoadConfigFromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.SpanBufferSize)
	assert.Equal(t, []string{"/x"}, cfg.FileSources)

	yamlPath := filepath.Join(dir, "c.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("snapshot_buffer_size: 9\nredis_addr: localhost:6379\n"), 0o644))
	cfg, err = LoadConfigFromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.SnapshotBufferSize)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{`), 0o644))
	_, err = LoadConfigFromFile(badPath)
	assert.Error(t, err)

	_, err = LoadConfigFromFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	_, err := findProjectConfigFrom(nested)
	assert.ErrorIs(t, err, os.ErrNotExist, "search stops at the git root")

	yamlPath := filepath.Join(root, ".tracelanes.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("verbose: true\n"), 0o644))
	found, err := findProjectConfigFrom(nested)
	require.NoError(t, err)
	assert.Equal(t, yamlPath, found)

	jsonPath := filepath.Join(root, ".tracelanes.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{}`), 0o644))
	found, err = findProjectConfigFrom(nested)
	require.NoError(t, err)
	assert.Equal(t, jsonPath, found, "JSON wins over YAML in the same directory")
}

func TestLoadEffectiveConfigExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "explicit.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"http_port": 9999}`), 0o644))

	cfg, err := LoadEffectiveConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.HTTPPort)

	_, err = LoadEffectiveConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestRedisConfig(t *testing.T) {
	cfg := DefaultConfig()
	_, ok, err := cfg.RedisConfig()
	require.NoError(t, err)
	assert.False(t, ok)

	cfg.RedisAddr = "cache:6380"
	cfg.RedisDB = 2
	cfg.RedisTTL = "1h"
	rc, ok, err := cfg.RedisConfig()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cache:6380", rc.Addr)
	assert.Equal(t, 2, rc.DB)
	assert.Equal(t, time.Hour, rc.TTL)
	assert.Equal(t, "tracelanes", rc.KeyPrefix)

	cfg.RedisTTL = "soon"
	_, _, err = cfg.RedisConfig()
	assert.Error(t, err)
}

func TestParseOtelConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "otel.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`
exporters:
  file/traces:
    path: /tank/otel/traces.jsonl
  file/logs:
    path: /tank/otel/logs/logs.jsonl
  file:
    path: /var/otel/traces.jsonl
  debug: {}
`), 0o644))
	dirs, err := ParseOtelConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/tank/otel", "/tank/otel/logs", "/var/otel"}, dirs)

	require.NoError(t, os.WriteFile(path, []byte(`
exporters:
  file/traces:
    path: /tank/otel/traces.jsonl
  file/logs:
    path: /tank/otel/logs/logs.jsonl
service:
  pipelines:
    traces:
      exporters: [file/traces, debug]
    logs:
      exporters: [file/logs]
`), 0o644))
	dirs, err = ParseOtelConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/tank/otel"}, dirs)

	_, err = ParseOtelConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
