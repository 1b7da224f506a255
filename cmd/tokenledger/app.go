package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pario-ai/tokenledger/pkg/config"
	"github.com/pario-ai/tokenledger/pkg/journal"
	"github.com/pario-ai/tokenledger/pkg/ledger"
	logpkg "github.com/pario-ai/tokenledger/pkg/logger"
	"github.com/pario-ai/tokenledger/pkg/models"
	"github.com/pario-ai/tokenledger/pkg/service"
	"github.com/pario-ai/tokenledger/pkg/snapshot"
	redisstore "github.com/pario-ai/tokenledger/pkg/snapshot/redis"
	sqlitestore "github.com/pario-ai/tokenledger/pkg/snapshot/sqlite"
)

// app is the wired process: config, logger, persisted service and the
// optional journal.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	svc     *service.Service
	journal *journal.Journal
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logpkg.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc, err := service.Open(ctx, store, service.Config{
		Key:           cfg.Snapshot.Key,
		SaveTimeout:   cfg.Snapshot.SaveTimeout,
		RetrySchedule: cfg.Snapshot.RetrySchedule,
		Seed:          cfg.Ledger.Budgets,
	}, logger,
		ledger.WithPool(cfg.Ledger.InitialPool),
		ledger.WithLocation(loc),
		ledger.WithTopAgents(cfg.Ledger.TopAgents),
		ledger.WithDefaultRules(cfg.DefaultRules()),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, svc: svc}

	if cfg.Journal.Enabled {
		j, err := journal.New(journal.Config{
			DBPath:        cfg.Journal.DBPath,
			RetentionDays: cfg.Journal.RetentionDays,
		}, logger)
		if err != nil {
			_ = svc.Close(ctx)
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = j
		if err := a.syncJournal(ctx); err != nil {
			logger.Warn("journal backfill failed", zap.Error(err))
		}
		svc.Subscribe(j)
	}

	return a, nil
}

// syncJournal records ledger transactions the journal is missing, e.g.
// seeded budgets, writes made while the journal was disabled or writes
// dropped on a full buffer.
func (a *app) syncJournal(ctx context.Context) error {
	added, err := a.journal.Sync(ctx, a.svc.History(models.HistoryFilter{}))
	if added > 0 {
		a.logger.Info("backfilled journal", zap.Int("transactions", added))
	}
	return err
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.svc.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config) (snapshot.Store, error) {
	switch cfg.Snapshot.Backend {
	case config.BackendMemory:
		return snapshot.NewMemory(), nil
	case config.BackendSQLite:
		return sqlitestore.New(cfg.Snapshot.SQLitePath)
	case config.BackendRedis:
		s, err := redisstore.NewStore(redisstore.Config{
			Addrs:    cfg.Snapshot.Redis.Addrs,
			Username: cfg.Snapshot.Redis.Username,
			Password: cfg.Snapshot.Redis.Password,
			DB:       cfg.Snapshot.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		if err := s.WaitForReady(ctx, cfg.Snapshot.SaveTimeout); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Snapshot.Backend)
	}
}
