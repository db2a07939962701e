package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pisowifi/infra/branding"
	"pisowifi/pkg/bus"
	"pisowifi/pkg/render"
	"pisowifi/pkg/telemetry"
	"pisowifi/services/access"
	"pisowifi/services/api"
	"pisowifi/services/audit"
	"pisowifi/services/coinslot"
	"pisowifi/services/enforcer"
	"pisowifi/services/gateway/internal/config"
	"pisowifi/services/gateway/internal/dhcpsnoop"
	"pisowifi/services/identity"
	"pisowifi/services/license"
	"pisowifi/services/portal"
	"pisowifi/services/sessions"
	"pisowifi/services/settings"
)

const (
	streamName   = "PISOWIFI"
	streamMaxAge = 7 * 24 * time.Hour
)

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return err
	}

	shutdownTelemetry, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	var events sessions.Publisher = bus.Discard{}
	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(streamName, streamMaxAge, "pisowifi.>"); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		events = eventBus
	}

	backend, closeBackend, err := newBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()
	dispatcher, err := enforcer.NewDispatcher(backend, enforcer.DispatcherConfig{
		Timeout:       cfg.EnforcerTimeout,
		ReassignDelay: cfg.ReassignDelay,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer dispatcher.Wait()

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		return err
	}

	repo := settings.NewRepository(st.settings)
	if err := seedSettings(ctx, st.settings, repo, cfg); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}

	engine, err := sessions.NewEngine(sessions.Config{
		Store:    st.sessions,
		Enforcer: dispatcher,
		Events:   events,
		Policy:   repo,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := resyncEnforcement(ctx, engine, dispatcher, logger); err != nil {
		return err
	}

	devices, err := coinslot.ParseVendors(cfg.VendorDevices)
	if err != nil {
		return err
	}
	vendors := coinslot.NewVendors(devices, cfg.VendorStaleAfter, nil)
	var relay coinslot.Relay = coinslot.NopRelay{}
	if cfg.RelayGPIOPath != "" {
		relay = coinslot.GPIORelay{Path: cfg.RelayGPIOPath, ActiveLow: cfg.RelayActiveLow}
	}
	locks := coinslot.NewManager(coinslot.Config{
		TTL:     cfg.CoinslotTTL,
		Relay:   relay,
		Devices: vendors,
		Logger:  logger,
	})

	var snoop *dhcpsnoop.Observer
	var leases []identity.LeaseSource
	if cfg.DHCPSnoopEnabled {
		iface, err := cfg.SnoopInterface()
		if err != nil {
			return err
		}
		snoop, err = dhcpsnoop.New(dhcpsnoop.Config{Interface: iface, LeaseTime: cfg.DHCPSnoopLeaseTime, Logger: logger})
		if err != nil {
			return err
		}
		leases = append(leases, snoop)
	}
	resolver, err := identity.NewResolver(identity.OSNetworkInfo{}, identity.Config{
		ARPTablePath: cfg.ARPTablePath,
		LeaseFiles:   cfg.LeaseFiles,
		DevMAC:       cfg.DevMAC,
		Leases:       leases,
		Sessions:     engine,
	}, logger)
	if err != nil {
		return err
	}

	orch, err := access.NewOrchestrator(access.Config{
		Sessions:      engine,
		Locks:         locks,
		Devices:       vendors,
		Enforcer:      dispatcher,
		License:       verifier,
		Rates:         st.rates,
		Settings:      repo,
		Vouchers:      st.vouchers,
		Credits:       st.credits,
		Events:        events,
		RequirePulses: cfg.CoinslotRequirePulses,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	renderer, err := render.New()
	if err != nil {
		return err
	}
	document, err := portal.NewTemplateDocument(renderer, repo, st.rates, logger)
	if err != nil {
		return err
	}
	responder, err := portal.NewResponder(portal.Config{
		Identity:     resolver,
		Sessions:     engine,
		Roamer:       dispatcher,
		Document:     document,
		RoamingDelay: cfg.RoamingDelay,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	assets, err := branding.FileSystem(cfg.BrandingDir)
	if err != nil {
		return fmt.Errorf("branding: %w", err)
	}

	server, err := api.New(api.Config{
		Orchestrator:      orch,
		Sessions:          engine,
		Locks:             locks,
		Identity:          resolver,
		Portal:            responder,
		Branding:          assets,
		Ready:             st.ready,
		Middleware:        middleware,
		AllowedOrigins:    cfg.AllowedOrigins,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		CookieSecure:      cfg.CookieSecure,
		RateLimit:         cfg.RateLimit,
		RequestTimeout:    cfg.RequestTimeout,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	handler, err := server.Routes()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if eventBus != nil {
		closers, err := subscribe(gctx, eventBus, locks, vendors, st.audit, logger)
		if err != nil {
			return err
		}
		defer func() {
			for _, c := range closers {
				_ = c.Close()
			}
		}()
	}

	g.Go(func() error { return engine.Run(gctx, cfg.TickInterval) })
	g.Go(func() error { return locks.Run(gctx, coinslot.DefaultSweepInterval) })
	if len(devices) > 0 {
		g.Go(func() error { return vendors.Run(gctx, coinslot.DefaultVendorPruneInterval) })
	}
	if snoop != nil {
		g.Go(func() error { return snoop.Run(gctx) })
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          telemetry.ErrorLog(logger),
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http shutdown")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("gateway stopped")
	return err
}

func newBackend(cfg config.Config, logger zerolog.Logger) (enforcer.Backend, func(), error) {
	switch cfg.EnforcerBackend {
	case config.EnforcerScript:
		b, err := enforcer.NewScript(cfg.EnforcerScript)
		return b, func() {}, err
	case config.EnforcerRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		b, err := enforcer.NewRedis(client, cfg.RedisPrefix, cfg.RedisChannel)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return b, func() { _ = client.Close() }, nil
	default:
		logger.Warn().Msg("enforcer backend is log-only; no traffic is being controlled")
		return enforcer.Log{Logger: logger}, func() {}, nil
	}
}

func newVerifier(cfg config.Config, logger zerolog.Logger) (license.Verifier, error) {
	if cfg.LicenseTokenPath == "" {
		logger.Warn().Msg("no license configured; running as trial")
		return license.Static{Valid: true, Trial: true}, nil
	}
	key, err := os.ReadFile(cfg.LicensePublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read license public key: %w", err)
	}
	v, err := license.NewJWTVerifier(cfg.LicenseTokenPath, key, cfg.NodeID)
	if err != nil {
		return nil, err
	}
	return license.NewCached(v, cfg.LicenseCacheTTL), nil
}

// resyncEnforcement re-applies access for sessions that were live before a
// restart; the dataplane may have been reset in between.
func resyncEnforcement(ctx context.Context, engine *sessions.Engine, d *enforcer.Dispatcher, logger zerolog.Logger) error {
	active, err := engine.Active(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	for _, s := range active {
		if s.Authorized() && s.IP != "" {
			d.Whitelist(s.MAC, s.IP)
		}
	}
	logger.Info().Int("sessions", len(active)).Msg("enforcement resynced")
	return nil
}

func subscribe(ctx context.Context, b *bus.Bus, locks *coinslot.Manager, vendors *coinslot.Vendors, auditStore *audit.GormStore, logger zerolog.Logger) ([]io.Closer, error) {
	var closers []io.Closer
	fail := func(err error) ([]io.Closer, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, err
	}

	specs := []struct {
		subject string
		durable string
		handler func(context.Context, []byte) error
	}{
		{coinslot.SubjectPulse, "gateway-coin-pulses", coinslot.PulseHandler(locks, logger)},
		{coinslot.SubjectVendorHeartbeat, "gateway-vendor-heartbeats", coinslot.HeartbeatHandler(vendors, logger)},
	}
	for _, spec := range specs {
		sub, err := b.Subscribe(ctx, spec.subject, spec.durable, spec.handler)
		if err != nil {
			return fail(fmt.Errorf("subscribe %s: %w", spec.subject, err))
		}
		closers = append(closers, sub)
	}

	if auditStore != nil {
		ing, err := audit.NewIngestor(b, auditStore, logger)
		if err != nil {
			return fail(err)
		}
		if err := ing.Start(ctx); err != nil {
			return fail(fmt.Errorf("start audit ingestor: %w", err))
		}
		closers = append(closers, ing)
	}
	return closers, nil
}
