package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drone_telemetry/internal/cache"
	"drone_telemetry/internal/storage"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlagsDefaults(t *testing.T) {
	opts, err := parseFlags(newFlagSet(), nil)
	require.NoError(t, err)

	assert.Equal(t, 3000, opts.port)
	assert.Equal(t, storage.BackendClickHouse, opts.storage.Backend)
	assert.Equal(t, "redis", opts.cacheBackend)
	assert.Equal(t, cache.DefaultNamespace, opts.namespace)
	assert.Equal(t, "wrapped", opts.ingestMode)
	assert.True(t, opts.storeFallback)
	assert.Empty(t, opts.natsURL)
	assert.Equal(t, slog.LevelInfo, opts.logLevel)
}

func TestParseFlagsEnvironment(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("STORE_FALLBACK", "false")
	t.Setenv("LOG_LEVEL", "debug")

	opts, err := parseFlags(newFlagSet(), []string{"-port", "8080", "-api-keys", "a, b"})
	require.NoError(t, err)

	assert.Equal(t, 8080, opts.port)
	assert.Equal(t, storage.BackendSQLite, opts.storage.Backend)
	assert.Equal(t, "memory", opts.cacheBackend)
	assert.Equal(t, 3, opts.redis.DB)
	assert.False(t, opts.storeFallback)
	assert.Equal(t, slog.LevelDebug, opts.logLevel)
	assert.Equal(t, []string{"a", "b"}, opts.apiKeys)
}

func TestParseFlagsRejectsBadValues(t *testing.T) {
	_, err := parseFlags(newFlagSet(), []string{"-ingest-mode", "xml"})
	assert.ErrorContains(t, err, "unknown ingest mode")

	_, err = parseFlags(newFlagSet(), []string{"-log-level", "loud"})
	assert.ErrorContains(t, err, "log level")
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("TEST_STR", "x")
	t.Setenv("TEST_INT", "nan")
	t.Setenv("TEST_BOOL", "1")

	assert.Equal(t, "x", envOrDefault("TEST_STR", "y"))
	assert.Equal(t, "y", envOrDefault("TEST_UNSET", "y"))
	assert.Equal(t, 7, envOrDefaultInt("TEST_INT", 7))
	assert.True(t, envOrDefaultBool("TEST_BOOL", false))
}

func TestOpenCache(t *testing.T) {
	kv, closeKV, err := openCache(context.Background(), options{cacheBackend: "memory"})
	require.NoError(t, err)
	defer closeKV()
	assert.IsType(t, &cache.Memory{}, kv)

	_, _, err = openCache(context.Background(), options{cacheBackend: "memcached"})
	assert.ErrorContains(t, err, "unknown cache backend")
}
