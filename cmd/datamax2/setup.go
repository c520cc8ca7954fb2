package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/penguin-orz/datamax2/pkg/cache"
	rediscache "github.com/penguin-orz/datamax2/pkg/cache/redis"
	sqlitecache "github.com/penguin-orz/datamax2/pkg/cache/sqlite"
	"github.com/penguin-orz/datamax2/pkg/config"
	"github.com/penguin-orz/datamax2/pkg/dispatcher"
	"github.com/penguin-orz/datamax2/pkg/history"
	"github.com/penguin-orz/datamax2/pkg/pool"
	"github.com/penguin-orz/datamax2/pkg/supervisor"
)

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Format == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log.Level(level).With().Timestamp().Logger()
}

func supervisorConfig(cfg *config.Config) supervisor.Config {
	sc := supervisor.Config{
		Host:            cfg.Service.Host,
		ConnectTimeout:  cfg.Service.ConnectTimeout,
		StartupTimeout:  cfg.Service.StartupTimeout,
		StartupAttempts: cfg.Service.StartupAttempts,
		RetryBackoff:    cfg.Service.RetryBackoff,
		StopTimeout:     cfg.Service.StopTimeout,
	}
	if cfg.Service.RestartPerMin > 0 {
		sc.RestartEvery = time.Minute / time.Duration(cfg.Service.RestartPerMin)
	}
	return sc
}

func newPool(cfg *config.Config, log zerolog.Logger) *pool.Pool {
	factory := func(port int) *supervisor.Supervisor {
		sc := supervisorConfig(cfg)
		sc.Port = port
		return supervisor.New(sc,
			supervisor.WithLauncher(&supervisor.ExecLauncher{
				Binary:      cfg.Service.Binary,
				ProfileBase: cfg.Service.ProfileDir,
			}),
			supervisor.WithLogger(log))
	}
	return pool.New(pool.Config{
		Host:           cfg.Service.Host,
		BasePort:       cfg.Pool.BasePort,
		MaxSize:        cfg.Pool.MaxSize,
		MinIdle:        cfg.Pool.MinIdle,
		IdleTTL:        cfg.Pool.IdleTTL,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		ConnectTimeout: cfg.Service.ConnectTimeout,
	}, pool.WithSupervisorFactory(factory), pool.WithLogger(log))
}

// newStore builds the configured result cache backend, or nil when
// caching is disabled.
func newStore(cfg *config.Config) (cache.Store, error) {
	if cfg.Cache.TTL <= 0 {
		return nil, nil
	}
	switch cfg.Cache.Backend {
	case "memory":
		return cache.NewMemory(cfg.Cache.TTL, cfg.Cache.MaxEntries, cfg.Cache.SweepInterval), nil
	case "sqlite", "":
		return sqlitecache.New(cfg.Cache.DBPath, cfg.Cache.TTL, cfg.Cache.MaxEntries)
	case "redis":
		return rediscache.New(rediscache.Config{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		}, cfg.Cache.TTL)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func newLedger(cfg *config.Config) (history.Ledger, error) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	return history.New(cfg.History.DBPath)
}

// newDispatcher wires the full conversion stack. The returned cleanup
// stops instances and closes backends.
func newDispatcher(cfg *config.Config, log zerolog.Logger) (*dispatcher.Dispatcher, func(), error) {
	store, err := newStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init cache: %w", err)
	}
	ledger, err := newLedger(cfg)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, nil, fmt.Errorf("init history: %w", err)
	}

	p := newPool(cfg, log)
	d := dispatcher.New(dispatcher.Config{
		MaxRetries:      cfg.Convert.MaxRetries,
		JobTimeout:      cfg.Convert.JobTimeout,
		OutputDir:       cfg.Convert.OutputDir,
		TempDir:         cfg.Convert.TempDir,
		TransientCodes:  cfg.Convert.TransientCodes,
		FilterOverrides: cfg.Convert.Filters,
	}, p, store, ledger, dispatcher.WithLogger(log))

	cleanup := func() {
		p.Close()
		if store != nil {
			_ = store.Close()
		}
		if ledger != nil {
			_ = ledger.Close()
		}
	}
	return d, cleanup, nil
}
