package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"pisowifi/pkg/db"
	"pisowifi/services/audit"
	"pisowifi/services/credits"
	"pisowifi/services/gateway/internal/config"
	"pisowifi/services/rates"
	"pisowifi/services/sessions"
	"pisowifi/services/settings"
	"pisowifi/services/vouchers"
)

// stores bundles the persistence layer selected by STORE_DRIVER.
type stores struct {
	sessions sessions.Store
	settings settings.Store
	rates    rates.Catalog
	vouchers vouchers.Store
	credits  credits.Bank
	// audit is nil for the memory driver.
	audit *audit.GormStore
	ready func(context.Context) error
	close func()
}

func openStores(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*stores, error) {
	var seed []rates.Rate
	if cfg.RatesFile != "" {
		plans, err := rates.LoadFile(cfg.RatesFile)
		if err != nil {
			return nil, err
		}
		seed = plans
	}

	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn().Msg("using in-memory stores; sessions are lost on restart")
		return &stores{
			sessions: sessions.NewMemoryStore(),
			settings: settings.NewMemoryStore(),
			rates:    rates.Static(seed),
			vouchers: vouchers.NewMemoryStore(),
			credits:  credits.NewMemoryBank(),
			ready:    func(context.Context) error { return nil },
			close:    func() {},
		}, nil
	}

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	fail := func(err error) (*stores, error) {
		pool.Close()
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return fail(fmt.Errorf("migrate: %w", err))
		}
	}

	orm, err := db.OpenORM(pool)
	if err != nil {
		return fail(err)
	}

	sessionStore, err := sessions.NewPGStore(pool)
	if err != nil {
		return fail(err)
	}
	settingStore, err := settings.NewGormStore(orm)
	if err != nil {
		return fail(err)
	}
	catalog, err := rates.NewGormCatalog(orm)
	if err != nil {
		return fail(err)
	}
	voucherStore, err := vouchers.NewGormStore(orm)
	if err != nil {
		return fail(err)
	}
	bank, err := credits.NewGormBank(orm)
	if err != nil {
		return fail(err)
	}
	auditStore, err := audit.NewGormStore(orm)
	if err != nil {
		return fail(err)
	}

	if len(seed) > 0 {
		existing, err := catalog.Rates(ctx)
		if err != nil {
			return fail(fmt.Errorf("read rates: %w", err))
		}
		if len(existing) == 0 {
			if err := catalog.Replace(ctx, seed); err != nil {
				return fail(fmt.Errorf("seed rates: %w", err))
			}
			logger.Info().Int("plans", len(seed)).Str("file", cfg.RatesFile).Msg("rate catalog seeded")
		}
	}

	return &stores{
		sessions: sessionStore,
		settings: settingStore,
		rates:    catalog,
		vouchers: voucherStore,
		credits:  bank,
		audit:    auditStore,
		ready:    func(ctx context.Context) error { return db.Ping(ctx, pool) },
		close:    pool.Close,
	}, nil
}

// seedSettings stores env-provided defaults for keys the operator has not set.
func seedSettings(ctx context.Context, store settings.Store, repo *settings.Repository, cfg config.Config) error {
	if cfg.UnspecifiedPausePolicy == "" {
		return nil
	}
	_, err := store.Get(ctx, settings.KeyUnspecifiedPausePolicy)
	if err == nil {
		return nil
	}
	if !errors.Is(err, settings.ErrNotFound) {
		return err
	}
	return repo.SetString(ctx, settings.KeyUnspecifiedPausePolicy, cfg.UnspecifiedPausePolicy)
}
