package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/fluxprotocol/oraclevm/pkg/artifacts"
	"github.com/fluxprotocol/oraclevm/pkg/config"
	"github.com/fluxprotocol/oraclevm/pkg/fetch"
	"github.com/fluxprotocol/oraclevm/pkg/metering"
	"github.com/fluxprotocol/oraclevm/pkg/observability"
	"github.com/fluxprotocol/oraclevm/pkg/quota"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/sandbox"
)

// app holds the components a command needs. Only what a command asks for is
// built, so `module put` never opens a cache database.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *observability.Provider
	closers   []func(context.Context) error

	ledgerDB *sql.DB
	usage    metering.Ledger
}

func newApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	tel, err := observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, telemetry: tel}
	a.onClose(tel.Shutdown)
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func (a *app) closeDB(db *sql.DB) {
	a.onClose(func(context.Context) error { return db.Close() })
}

// cacheStore opens the configured fetch cache backend.
func (a *app) cacheStore(ctx context.Context) (fetch.Store, error) {
	c := a.cfg.Cache
	switch c.Backend {
	case config.CacheRedis:
		s := fetch.NewRedisStore(c.RedisAddr, c.RedisPassword, c.RedisDB, c.RedisPrefix)
		a.onClose(func(context.Context) error { return s.Close() })
		if err := s.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		return s, nil
	case config.CacheSQLite:
		db, err := sql.Open("sqlite", c.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlite cache: %w", err)
		}
		a.closeDB(db)
		return fetch.NewSQLiteStore(db)
	case config.CachePostgres:
		db, err := sql.Open("postgres", c.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres cache: %w", err)
		}
		a.closeDB(db)
		s := fetch.NewPostgresStore(db)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	return fetch.NewMemoryStore(), nil
}

// ledger opens the usage ledger. Without a ledger URL usage lives only as
// long as the process.
func (a *app) ledger(ctx context.Context) (metering.Ledger, error) {
	if a.usage != nil {
		return a.usage, nil
	}
	if a.cfg.LedgerURL == "" {
		a.usage = metering.NewMemoryLedger()
		return a.usage, nil
	}
	db, err := sql.Open("postgres", a.cfg.LedgerURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	a.closeDB(db)
	l := metering.NewPostgresLedger(db)
	if err := l.Init(ctx); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	a.ledgerDB, a.usage = db, l
	return l, nil
}

// quota builds the gas quota enforcer. Limits share the ledger's database
// when there is one.
func (a *app) quota(ctx context.Context) (*quota.Enforcer, error) {
	ledger, err := a.ledger(ctx)
	if err != nil {
		return nil, err
	}
	if a.ledgerDB == nil {
		return quota.NewEnforcer(quota.NewMemoryStorage(), ledger, a.cfg.Quota.Defaults), nil
	}
	s := quota.NewPostgresStorage(a.ledgerDB)
	if err := s.Init(ctx); err != nil {
		return nil, fmt.Errorf("quota: %w", err)
	}
	return quota.NewEnforcer(s, ledger, a.cfg.Quota.Defaults), nil
}

func (a *app) host(ctx context.Context) (*sandbox.Host, error) {
	hc, err := a.cfg.HostConfig()
	if err != nil {
		return nil, err
	}
	opts, err := a.cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	store, err := a.cacheStore(ctx)
	if err != nil {
		return nil, err
	}
	ledger, err := a.ledger(ctx)
	if err != nil {
		return nil, err
	}
	hostOpts := []sandbox.HostOption{
		sandbox.WithLedger(ledger),
		sandbox.WithObserver(a.telemetry.ObserveExecution),
	}
	if a.cfg.Quota.Enabled {
		enforcer, err := a.quota(ctx)
		if err != nil {
			return nil, err
		}
		hostOpts = append(hostOpts, sandbox.WithAdmission(enforcer))
	}
	cache := fetch.NewCache(store, fetch.NewClient(opts), fetch.WithObserver(a.telemetry.ObserveFetch))
	h, err := sandbox.NewHost(ctx, hc, cache, hostOpts...)
	if err != nil {
		return nil, err
	}
	a.onClose(h.Close)
	return h, nil
}

func (a *app) registry(ctx context.Context) (*artifacts.Registry, error) {
	store, err := artifacts.NewStore(ctx, a.cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	return artifacts.NewRegistry(store), nil
}
