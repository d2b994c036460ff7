package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ineyio/keymeter"
	"github.com/ineyio/keymeter/registry"
	"github.com/ineyio/keymeter/usage"
	usagepg "github.com/ineyio/keymeter/usage/postgres"
	usageredis "github.com/ineyio/keymeter/usage/redis"
)

// newLogger builds the process logger. With log.file set, output goes to a
// rotating file instead of stderr.
func newLogger(cfg keymeter.LogConfig) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore builds and loads the configured usage store. The returned close
// function releases backend connections.
func openStore(ctx context.Context, cfg keymeter.UsageConfig) (keymeter.UsageStore, func(), error) {
	var (
		store   keymeter.UsageStore
		closeFn = func() {}
	)

	switch cfg.Backend {
	case keymeter.BackendMemory:
		store = usage.NewMemoryStore()
	case keymeter.BackendFile:
		store = usage.NewFileStore(cfg.File)
	case keymeter.BackendRedis:
		opt, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		client := goredis.NewClient(opt)
		store = usageredis.New(client, usageredis.WithKeyPrefix(cfg.RedisPrefix))
		closeFn = func() { client.Close() }
	case keymeter.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		store = usagepg.New(pool, usagepg.WithTablePrefix(cfg.TablePrefix))
		closeFn = pool.Close
	default:
		return nil, nil, fmt.Errorf("unknown usage backend %q", cfg.Backend)
	}

	if err := store.Load(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return store, closeFn, nil
}

func openRegistry(cfg keymeter.Config, logger *slog.Logger) (*registry.File, error) {
	return registry.Open(cfg.Keys.File,
		registry.WithSeeds(cfg.Seeds()),
		registry.WithLogger(logger),
	)
}
