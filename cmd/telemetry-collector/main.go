// Package main provides the telemetry-collector server.
//
// The collector accepts telemetry batches from agricultural drones, validates
// them, stores them in the raw or trip collection depending on the flight
// transition they represent, and keeps the last known state of every drone
// in a cache.
//
// Usage:
//
//	telemetry-collector [options]
//
// Options:
//
//	-port N               HTTP port (default: 3000, env: PORT)
//	-store NAME           Durable store: clickhouse or sqlite (env: STORE_BACKEND)
//	-ch-host HOST         ClickHouse host (default: localhost, env: CLICKHOUSE_HOST)
//	-ch-port PORT         ClickHouse port (default: 9000, env: CLICKHOUSE_PORT)
//	-ch-database DB       ClickHouse database (default: telemetry, env: CLICKHOUSE_DATABASE)
//	-sqlite PATH          SQLite database path (default: telemetry.db, env: SQLITE_PATH)
//	-cache NAME           State cache: redis, postgres or memory (env: CACHE_BACKEND)
//	-redis-addr ADDR      Redis address (default: localhost:6379, env: REDIS_ADDR)
//	-redis-db N           Redis database index (env: REDIS_DB)
//	-pg-host HOST         PostgreSQL host for the postgres cache (env: POSTGRES_HOST)
//	-namespace NAME       Cache namespace (default: state, env: CACHE_NAMESPACE)
//	-ingest-mode MODE     wrapped (vltjson field) or raw body (env: INGEST_MODE)
//	-store-fallback       Read the durable store when the cache misses (default: true)
//	-nats URL             NATS server; empty disables the feed (env: NATS_URL)
//	-nats-prefix PREFIX   NATS subject prefix (default: telemetry, env: NATS_PREFIX)
//	-auth                 Enable API key authentication on query endpoints
//	-api-keys KEYS        Comma-separated list of valid API keys
//	-log-level LEVEL      debug, info, warn or error (env: LOG_LEVEL)
//
// API Endpoints:
//
//	POST /parsedata, POST /api/v1/telemetry
//	    Ingest a batch. Body: {"vltjson": "[...]"} (or the array in raw mode).
//
//	GET /api/v1/drones
//	    IDs of every drone with stored telemetry.
//
//	GET /api/v1/drones/{id}/latest
//	    Last known state of a drone.
//
//	POST /api/v1/drones/latest
//	    Batch state lookup. Body: {"devices": ["..."]}
//
//	GET /api/v1/drones/{id}/telemetry|trips|distance|flying-hours?from=&to=
//	    History and reports.
//
//	GET /metrics
//	    Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"drone_telemetry/internal/api"
	"drone_telemetry/internal/cache"
	"drone_telemetry/internal/feed"
	"drone_telemetry/internal/ingest"
	"drone_telemetry/internal/metrics"
	"drone_telemetry/internal/storage"
	"drone_telemetry/internal/validation"
)

// options holds the parsed command line.
type options struct {
	port          int
	storage       storage.Config
	cacheBackend  string
	redis         cache.RedisConfig
	namespace     string
	ingestMode    string
	storeFallback bool
	natsURL       string
	natsPrefix    string
	authEnabled   bool
	apiKeys       []string
	logLevel      slog.Level
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: opts.logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("collector stopped", "error", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	def := storage.DefaultConfig()

	port := fs.Int("port", envOrDefaultInt("PORT", 3000), "HTTP port for API server")

	// Durable store flags.
	store := fs.String("store", envOrDefault("STORE_BACKEND", def.Backend), "Durable store: clickhouse or sqlite")
	chHost := fs.String("ch-host", envOrDefault("CLICKHOUSE_HOST", def.ClickHouse.Host), "ClickHouse host")
	chPort := fs.Int("ch-port", envOrDefaultInt("CLICKHOUSE_PORT", def.ClickHouse.Port), "ClickHouse port")
	chDB := fs.String("ch-database", envOrDefault("CLICKHOUSE_DATABASE", def.ClickHouse.Database), "ClickHouse database")
	chUser := fs.String("ch-user", envOrDefault("CLICKHOUSE_USER", def.ClickHouse.User), "ClickHouse user")
	chPassword := fs.String("ch-password", envOrDefault("CLICKHOUSE_PASSWORD", def.ClickHouse.Password), "ClickHouse password")
	sqlitePath := fs.String("sqlite", envOrDefault("SQLITE_PATH", def.SQLitePath), "SQLite database path")

	// Cache flags.
	cacheBackend := fs.String("cache", envOrDefault("CACHE_BACKEND", "redis"), "State cache: redis, postgres or memory")
	redisAddr := fs.String("redis-addr", envOrDefault("REDIS_ADDR", "localhost:6379"), "Redis address")
	redisPassword := fs.String("redis-password", envOrDefault("REDIS_PASSWORD", ""), "Redis password")
	redisDB := fs.Int("redis-db", envOrDefaultInt("REDIS_DB", 0), "Redis database index")
	pgHost := fs.String("pg-host", envOrDefault("POSTGRES_HOST", def.Postgres.Host), "PostgreSQL host")
	pgPort := fs.Int("pg-port", envOrDefaultInt("POSTGRES_PORT", def.Postgres.Port), "PostgreSQL port")
	pgUser := fs.String("pg-user", envOrDefault("POSTGRES_USER", def.Postgres.User), "PostgreSQL user")
	pgPassword := fs.String("pg-password", envOrDefault("POSTGRES_PASSWORD", def.Postgres.Password), "PostgreSQL password")
	pgDB := fs.String("pg-database", envOrDefault("POSTGRES_DATABASE", def.Postgres.Database), "PostgreSQL database")
	namespace := fs.String("namespace", envOrDefault("CACHE_NAMESPACE", cache.DefaultNamespace), "Cache namespace")

	// Ingestion flags.
	ingestMode := fs.String("ingest-mode", envOrDefault("INGEST_MODE", api.ModeWrapped), "Ingest body mode: wrapped or raw")
	storeFallback := fs.Bool("store-fallback", envOrDefaultBool("STORE_FALLBACK", true), "Read the durable store when the cache has no state")

	// NATS flags.
	natsURL := fs.String("nats", envOrDefault("NATS_URL", ""), "NATS server URL (empty disables the feed)")
	natsPrefix := fs.String("nats-prefix", envOrDefault("NATS_PREFIX", feed.DefaultPrefix), "NATS subject prefix")

	// API server flags.
	authEnabled := fs.Bool("auth", false, "Enable API key authentication")
	apiKeys := fs.String("api-keys", envOrDefault("API_KEYS", ""), "Comma-separated list of valid API keys (when auth enabled)")
	logLevel := fs.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return options{}, fmt.Errorf("log level: %w", err)
	}

	switch *ingestMode {
	case api.ModeWrapped, api.ModeRaw:
	default:
		return options{}, fmt.Errorf("unknown ingest mode %q", *ingestMode)
	}

	return options{
		port: *port,
		storage: storage.Config{
			Backend: *store,
			ClickHouse: storage.ClickHouseConfig{
				Host:     *chHost,
				Port:     *chPort,
				Database: *chDB,
				User:     *chUser,
				Password: *chPassword,
			},
			Postgres: storage.PostgresConfig{
				Host:     *pgHost,
				Port:     *pgPort,
				Database: *pgDB,
				User:     *pgUser,
				Password: *pgPassword,
			},
			SQLitePath: *sqlitePath,
		},
		cacheBackend: *cacheBackend,
		redis: cache.RedisConfig{
			Addr:     *redisAddr,
			Password: *redisPassword,
			DB:       *redisDB,
		},
		namespace:     *namespace,
		ingestMode:    *ingestMode,
		storeFallback: *storeFallback,
		natsURL:       *natsURL,
		natsPrefix:    *natsPrefix,
		authEnabled:   *authEnabled,
		apiKeys:       splitKeys(*apiKeys),
		logLevel:      level,
	}, nil
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	store, err := storage.OpenStore(ctx, opts.storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	kv, closeKV, err := openCache(ctx, opts)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer closeKV()

	validator, err := validation.New()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector()
	reg.MustRegister(collector)

	var nc *nats.Conn
	var notifier ingest.Notifier
	if opts.natsURL != "" {
		if nc, err = feed.Connect(opts.natsURL, logger); err != nil {
			return err
		}
		defer nc.Close()
		notifier = feed.NewPublisher(nc, opts.natsPrefix)
	}

	coord, err := ingest.NewCoordinator(ingest.Config{
		Store:           store,
		Cache:           cache.New(kv, opts.namespace),
		Validator:       validator,
		Notifier:        notifier,
		Metrics:         collector,
		Logger:          logger,
		FallbackToStore: opts.storeFallback,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(coord, store, api.Config{
		Port:        opts.port,
		Mode:        opts.ingestMode,
		AuthEnabled: opts.authEnabled,
		APIKeys:     opts.apiKeys,
		Registry:    reg,
		Logger:      logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx)
	})
	if nc != nil {
		sub := feed.NewSubscriber(nc, opts.natsPrefix, "", coord, logger)
		g.Go(func() error {
			return sub.Run(ctx)
		})
	}

	logger.Info("collector started",
		"store", opts.storage.Backend,
		"cache", opts.cacheBackend,
		"namespace", opts.namespace,
		"nats", opts.natsURL != "",
	)

	return g.Wait()
}

// openCache opens the configured KV backend and returns a func releasing it.
func openCache(ctx context.Context, opts options) (cache.KV, func(), error) {
	switch opts.cacheBackend {
	case "redis":
		r, err := cache.OpenRedis(ctx, opts.redis)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil

	case "postgres":
		pg, err := storage.OpenStateDB(ctx, opts.storage)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewPostgres(pg), pg.Close, nil

	case "memory":
		return cache.NewMemory(), func() {}, nil

	default:
		return nil, nil, errors.New("unknown cache backend " + strconv.Quote(opts.cacheBackend))
	}
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	keys := strings.Split(s, ",")
	for i := range keys {
		keys[i] = strings.TrimSpace(keys[i])
	}
	return keys
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
