package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pisowifi/services/access"
	"pisowifi/services/coinslot"
	"pisowifi/services/identity"
	"pisowifi/services/sessions"
)

const (
	defaultRequestTimeout  = 30 * time.Second
	defaultRateLimit       = 60
	defaultRestoreAttempts = 5
	defaultRestoreDelay    = 500 * time.Millisecond
)

// Identifier resolves the device behind a request IP.
type Identifier interface {
	Identify(ctx context.Context, ip string) (identity.Client, error)
	ResolveWithRetry(ctx context.Context, ip string, attempts int, delay time.Duration) (string, error)
}

// Sessions is the session engine surface exposed over HTTP.
type Sessions interface {
	Pause(ctx context.Context, token string) (sessions.Session, error)
	Resume(ctx context.Context, token string) (sessions.Session, error)
	Restore(ctx context.Context, token, mac, ip string) (sessions.Session, error)
}

// Locks is the coin-slot surface exposed over HTTP.
type Locks interface {
	Heartbeat(slot, lockID string, owner coinslot.Owner) (coinslot.Lock, error)
	Release(ctx context.Context, slot, lockID string) bool
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	Orchestrator *access.Orchestrator
	Sessions     Sessions
	Locks        Locks
	Identity     Identifier
	// Portal answers probe paths and every unknown route.
	Portal   http.Handler
	Branding fs.FS
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
	// Middleware wraps the whole router, used for tracing and request logs.
	Middleware func(http.Handler) http.Handler

	AllowedOrigins    []string
	TrustProxyHeaders bool
	CookieSecure      bool
	RateLimit         int
	RequestTimeout    time.Duration
	RestoreAttempts   int
	RestoreDelay      time.Duration
	Logger            zerolog.Logger
}

// API wires the access engine onto HTTP.
type API struct {
	orch     *access.Orchestrator
	sessions Sessions
	locks    Locks
	identity Identifier
	portal   http.Handler
	branding fs.FS
	ready    func(ctx context.Context) error
	config   Config
	logger   zerolog.Logger
}

// New initialises the API layer with defaults applied to cfg.
func New(cfg Config) (*API, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("sessions are required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("coin-slot locks are required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("identity resolver is required")
	}
	if cfg.Portal == nil {
		return nil, errors.New("portal responder is required")
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RestoreAttempts <= 0 {
		cfg.RestoreAttempts = defaultRestoreAttempts
	}
	if cfg.RestoreDelay <= 0 {
		cfg.RestoreDelay = defaultRestoreDelay
	}
	if cfg.Ready == nil {
		cfg.Ready = func(context.Context) error { return nil }
	}

	return &API{
		orch:     cfg.Orchestrator,
		sessions: cfg.Sessions,
		locks:    cfg.Locks,
		identity: cfg.Identity,
		portal:   cfg.Portal,
		branding: cfg.Branding,
		ready:    cfg.Ready,
		config:   cfg,
		logger:   cfg.Logger.With().Str("component", "api").Logger(),
	}, nil
}

// client identifies the caller. An unresolved MAC is left empty; handlers
// that need it get identity.ErrUnresolved from the layer below.
func (a *API) client(r *http.Request) identity.Client {
	ip := clientIP(r)
	c, err := a.identity.Identify(r.Context(), ip)
	if err != nil && !errors.Is(err, identity.ErrUnresolved) {
		a.logger.Warn().Err(err).Str("ip", ip).Msg("identify client")
	}
	c.IP = ip
	return c
}
