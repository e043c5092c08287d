package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/audit"
	"github.com/ineyio/creditgate/ledger"
	pgledger "github.com/ineyio/creditgate/ledger/postgres"
	redisledger "github.com/ineyio/creditgate/ledger/redis"
	"github.com/ineyio/creditgate/provider/gemini"
	"github.com/ineyio/creditgate/provider/mock"
	"github.com/ineyio/creditgate/provider/openaicompat"
	"github.com/ineyio/creditgate/records"
	"github.com/ineyio/creditgate/records/gormstore"
)

// app holds the components built from a config, plus their cleanup.
type app struct {
	cfg     creditgate.Config
	logger  *zap.Logger
	ledger  creditgate.Ledger
	records creditgate.RecordStore
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

// loadApp reads the config and connects the ledger and record backends.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := creditgate.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	if err := a.openLedger(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openRecords(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newLogger(lc creditgate.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("creditgate: log level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func (a *app) openLedger(ctx context.Context) error {
	lc := a.cfg.Ledger
	retry := creditgate.DefaultRetryPolicy()
	retry.MaxRetries = lc.MaxConflictRetries

	switch lc.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: lc.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("creditgate: connect redis %s: %w", lc.RedisAddr, err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })

		opts := []redisledger.Option{redisledger.WithRetryPolicy(retry), redisledger.WithLogger(a.logger)}
		if lc.KeyPrefix != "" {
			opts = append(opts, redisledger.WithKeyPrefix(lc.KeyPrefix))
		}
		a.ledger = redisledger.New(client, opts...)

	case "postgres":
		pool, err := pgxpool.New(ctx, lc.DSN)
		if err != nil {
			return fmt.Errorf("creditgate: connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		opts := []pgledger.Option{pgledger.WithRetryPolicy(retry), pgledger.WithLogger(a.logger)}
		if lc.TablePrefix != "" {
			opts = append(opts, pgledger.WithTablePrefix(lc.TablePrefix))
		}
		store := pgledger.New(pool, opts...)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		a.ledger = store

	default:
		a.logger.Warn("using the in-memory ledger; balances are lost on restart")
		a.ledger = ledger.NewMemoryLedger(ledger.WithRetryPolicy(retry), ledger.WithLogger(a.logger))
	}
	return nil
}

func (a *app) openRecords() error {
	rc := a.cfg.Records

	var store creditgate.RecordStore
	switch rc.Backend {
	case "gorm":
		gs, err := gormstore.Open(rc.Driver, rc.DSN, gormstore.WithLogger(a.logger))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = gs.Close() })
		store = gs
	default:
		store = records.NewMemoryStore()
	}

	if key := a.cfg.Audit.SigningKey; key != "" {
		signer, err := audit.NewSigner(key)
		if err != nil {
			return err
		}
		a.logger.Info("audit signing enabled", zap.String("public_key", signer.PublicKey()))
		store = audit.NewSignedStore(store, signer)
	}
	a.records = store
	return nil
}

// adapters builds one ProviderAdapter per distinct adapter name in the config.
// "gemini" and "mock" select those adapters; any other name is an
// OpenAI-compatible endpoint at base_url.
func adapters(cfg creditgate.Config) ([]creditgate.ProviderAdapter, error) {
	seen := make(map[string]bool)
	var out []creditgate.ProviderAdapter
	for _, pc := range cfg.Providers {
		name := pc.Adapter
		if name == "" {
			name = pc.ID
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case "gemini":
			var opts []gemini.Option
			if pc.BaseURL != "" {
				opts = append(opts, gemini.WithBaseURL(pc.BaseURL))
			}
			out = append(out, gemini.New(opts...))
		case "mock":
			out = append(out, mock.New())
		default:
			switch {
			case pc.BaseURL != "":
				out = append(out, openaicompat.New(name, pc.BaseURL))
			case name == "openai":
				out = append(out, openaicompat.NewOpenAI())
			case name == "grok":
				out = append(out, openaicompat.NewGrok())
			case name == "cerebras":
				out = append(out, openaicompat.NewCerebras())
			default:
				return nil, fmt.Errorf("creditgate: provider %s: base_url is required for adapter %q", pc.ID, name)
			}
		}
	}
	return out, nil
}
