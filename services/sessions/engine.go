package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pisowifi/pkg/metrics"
)

// Enforcer receives the network consequences of state changes. Calls must
// not block: the engine issues them while holding its mutex.
type Enforcer interface {
	Whitelist(mac, ip string)
	Block(mac, ip string)
	ForceRefresh(mac, ip string)
	// Reassign blocks the old pair, waits, then whitelists the new one.
	Reassign(oldMAC, oldIP, newMAC, newIP string)
}

// PolicySource supplies the runtime pause policy for unspecified sessions.
type PolicySource interface {
	UnspecifiedPausePolicy(ctx context.Context) (UnspecifiedPausePolicy, error)
}

// Config wires an Engine.
type Config struct {
	Store    Store
	Enforcer Enforcer
	Events   Publisher
	Policy   PolicySource
	Now      func() time.Time
	NewToken func() string
	Logger   zerolog.Logger
}

// Engine owns every session mutation. A single mutex serializes grants,
// pause/resume, migrations, and the countdown tick.
type Engine struct {
	mu       sync.Mutex
	store    Store
	enforcer Enforcer
	events   Publisher
	policy   PolicySource
	now      func() time.Time
	newToken func() string
	logger   zerolog.Logger
}

// Grant is a paid extension request for one device.
type Grant struct {
	MAC           string
	IP            string
	Token         string
	Seconds       int64
	Pesos         int64
	DownloadLimit int64
	UploadLimit   int64
	Pausable      Pausability
}

// GrantResult reports what a grant did.
type GrantResult struct {
	Session  Session
	Created  bool
	Migrated bool
}

// TickResult summarizes one countdown pass.
type TickResult struct {
	Decremented int64
	Expired     int
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("sessions: store is required")
	}
	if cfg.Enforcer == nil {
		return nil, errors.New("sessions: enforcer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewToken == nil {
		cfg.NewToken = uuid.NewString
	}
	return &Engine{
		store:    cfg.Store,
		enforcer: cfg.Enforcer,
		events:   cfg.Events,
		policy:   cfg.Policy,
		now:      cfg.Now,
		newToken: cfg.NewToken,
		logger:   cfg.Logger.With().Str("component", "sessions").Logger(),
	}, nil
}

// Grant creates or extends the session for g.MAC. When g.Token is bound to a
// session on another MAC, that session is migrated onto g.MAC first.
func (e *Engine) Grant(ctx context.Context, g Grant) (GrantResult, error) {
	res, events, err := e.grant(ctx, g)
	e.publish(ctx, events)
	return res, err
}

func (e *Engine) grant(ctx context.Context, g Grant) (GrantResult, []Event, error) {
	if g.MAC == "" {
		return GrantResult{}, nil, fmt.Errorf("%w: mac is required", ErrInvalidGrant)
	}
	if g.Seconds <= 0 || g.Pesos < 0 {
		return GrantResult{}, nil, fmt.Errorf("%w: seconds=%d pesos=%d", ErrInvalidGrant, g.Seconds, g.Pesos)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var (
		events   []Event
		migrated bool
	)

	if g.Token != "" {
		bound, err := e.store.ByToken(ctx, g.Token)
		switch {
		case err == nil && bound.MAC != g.MAC:
			_, evt, err := e.migrateLocked(ctx, bound, g.MAC, g.IP, now)
			if err != nil {
				return GrantResult{}, events, err
			}
			events = append(events, evt)
			migrated = true
		case err != nil && !errors.Is(err, ErrNotFound):
			return GrantResult{}, events, fmt.Errorf("lookup token: %w", err)
		}
	}

	current, err := e.store.ByMAC(ctx, g.MAC)
	if errors.Is(err, ErrNotFound) {
		token := g.Token
		if token == "" {
			token = e.newToken()
		}
		created := Session{
			MAC:              g.MAC,
			Token:            token,
			IP:               g.IP,
			RemainingSeconds: g.Seconds,
			TotalPaid:        g.Pesos,
			Pausable:         g.Pausable,
			DownloadLimit:    g.DownloadLimit,
			UploadLimit:      g.UploadLimit,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.store.Create(ctx, created); err != nil {
			return GrantResult{}, events, err
		}
		events = append(events, Event{Type: SubjectCreated, MAC: g.MAC, After: snapshot(created), Pesos: g.Pesos, At: now})
		return GrantResult{Session: created, Created: true, Migrated: migrated}, events, nil
	}
	if err != nil {
		return GrantResult{}, events, fmt.Errorf("lookup mac: %w", err)
	}

	before := current
	if current.RemainingSeconds < 0 {
		current.RemainingSeconds = 0
	}
	current.RemainingSeconds += g.Seconds
	current.TotalPaid += g.Pesos
	current.ExpiredAt = nil
	if g.IP != "" {
		current.IP = g.IP
	}
	if g.DownloadLimit > 0 {
		current.DownloadLimit = g.DownloadLimit
	}
	if g.UploadLimit > 0 {
		current.UploadLimit = g.UploadLimit
	}
	if current.Pausable == PausableUnspecified {
		current.Pausable = g.Pausable
	}
	current.UpdatedAt = now

	if err := e.store.Save(ctx, current); err != nil {
		return GrantResult{}, events, err
	}
	events = append(events, Event{Type: SubjectExtended, MAC: g.MAC, Before: snapshot(before), After: snapshot(current), Pesos: g.Pesos, At: now})
	return GrantResult{Session: current, Migrated: migrated}, events, nil
}

// migrateLocked moves from onto mac, merging any session already there.
func (e *Engine) migrateLocked(ctx context.Context, from Session, mac, ip string, now time.Time) (Session, Event, error) {
	merged := from
	merged.MAC = mac
	if ip != "" {
		merged.IP = ip
	}
	merged.UpdatedAt = now

	target, err := e.store.ByMAC(ctx, mac)
	hadTarget := err == nil
	switch {
	case err == nil:
		merged.RemainingSeconds = from.RemainingSeconds + target.RemainingSeconds
		merged.TotalPaid = from.TotalPaid + target.TotalPaid
		if merged.Pausable == PausableUnspecified {
			merged.Pausable = target.Pausable
		}
		if target.CreatedAt.Before(merged.CreatedAt) {
			merged.CreatedAt = target.CreatedAt
		}
	case !errors.Is(err, ErrNotFound):
		return Session{}, Event{}, fmt.Errorf("lookup migration target: %w", err)
	}
	if merged.RemainingSeconds > 0 {
		merged.ExpiredAt = nil
	}

	if err := e.store.Replace(ctx, merged, []string{from.MAC}); err != nil {
		return Session{}, Event{}, fmt.Errorf("migrate session %s -> %s: %w", from.MAC, mac, err)
	}

	if merged.Authorized() {
		e.enforcer.Reassign(from.MAC, from.IP, merged.MAC, merged.IP)
	} else {
		e.enforcer.Block(from.MAC, from.IP)
		// The merged session is paused; the target device may still be open
		// from its own session.
		if hadTarget && target.Authorized() {
			blockIP := target.IP
			if blockIP == "" {
				blockIP = merged.IP
			}
			e.enforcer.Block(mac, blockIP)
		}
	}
	metrics.SessionsMigrated.Inc()
	e.logger.Info().Str("from", from.MAC).Str("to", mac).Int64("remaining", merged.RemainingSeconds).Msg("session migrated")

	return merged, Event{Type: SubjectMigrated, MAC: mac, From: from.MAC, Before: snapshot(from), After: snapshot(merged), At: now}, nil
}

// Pause stops the countdown for the session bound to token and blocks the device.
func (e *Engine) Pause(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrTokenRequired
	}
	policy := e.pausePolicy(ctx)

	s, events, err := e.togglePause(ctx, token, true, func(s Session) error {
		if !s.Pausable.Allows(policy) {
			return ErrNotPausable
		}
		return nil
	})
	e.publish(ctx, events)
	return s, err
}

// Resume restarts the countdown and asks the enforcer to re-evaluate the device.
func (e *Engine) Resume(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrTokenRequired
	}
	s, events, err := e.togglePause(ctx, token, false, nil)
	e.publish(ctx, events)
	return s, err
}

func (e *Engine) togglePause(ctx context.Context, token string, pause bool, check func(Session) error) (Session, []Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.store.ByToken(ctx, token)
	if err != nil {
		return Session{}, nil, err
	}
	if s.RemainingSeconds <= 0 {
		return s, nil, ErrExpired
	}
	if check != nil {
		if err := check(s); err != nil {
			return s, nil, err
		}
	}
	if s.IsPaused == pause {
		return s, nil, nil
	}

	before := s
	s.IsPaused = pause
	s.UpdatedAt = e.now()
	if err := e.store.Save(ctx, s); err != nil {
		return Session{}, nil, err
	}

	subject := SubjectResumed
	if pause {
		subject = SubjectPaused
		e.enforcer.Block(s.MAC, s.IP)
	} else {
		e.enforcer.ForceRefresh(s.MAC, s.IP)
	}
	return s, []Event{{Type: subject, MAC: s.MAC, Before: snapshot(before), After: snapshot(s), At: s.UpdatedAt}}, nil
}

// Restore reattaches the session bound to token to the calling device.
func (e *Engine) Restore(ctx context.Context, token, mac, ip string) (Session, error) {
	s, events, err := e.restore(ctx, token, mac, ip)
	e.publish(ctx, events)
	return s, err
}

func (e *Engine) restore(ctx context.Context, token, mac, ip string) (Session, []Event, error) {
	if token == "" {
		return Session{}, nil, ErrTokenRequired
	}
	if mac == "" {
		return Session{}, nil, fmt.Errorf("%w: mac is required", ErrInvalidGrant)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.store.ByToken(ctx, token)
	if err != nil {
		return Session{}, nil, err
	}

	now := e.now()
	if s.MAC != mac {
		merged, evt, err := e.migrateLocked(ctx, s, mac, ip, now)
		if err != nil {
			return Session{}, nil, err
		}
		return merged, []Event{evt}, nil
	}

	if ip == "" || ip == s.IP {
		if s.Authorized() {
			e.enforcer.Whitelist(s.MAC, s.IP)
		}
		return s, nil, nil
	}

	before := s
	s.IP = ip
	s.UpdatedAt = now
	if err := e.store.Save(ctx, s); err != nil {
		return Session{}, nil, err
	}
	if s.Authorized() {
		e.enforcer.Reassign(mac, before.IP, mac, ip)
	}
	return s, []Event{{Type: SubjectRoamed, MAC: mac, Before: snapshot(before), After: snapshot(s), At: now}}, nil
}

// UpdateIP records that mac now uses ip. The caller handles enforcement.
func (e *Engine) UpdateIP(ctx context.Context, mac, ip string) (Session, error) {
	s, events, err := e.updateIP(ctx, mac, ip)
	e.publish(ctx, events)
	return s, err
}

func (e *Engine) updateIP(ctx context.Context, mac, ip string) (Session, []Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.store.ByMAC(ctx, mac)
	if err != nil {
		return Session{}, nil, err
	}
	if s.IP == ip {
		return s, nil, nil
	}
	before := s
	s.IP = ip
	s.UpdatedAt = e.now()
	if err := e.store.Save(ctx, s); err != nil {
		return Session{}, nil, err
	}
	return s, []Event{{Type: SubjectRoamed, MAC: mac, Before: snapshot(before), After: snapshot(s), At: s.UpdatedAt}}, nil
}

// Tick runs one countdown pass: decrement every running session, then stamp
// and block the ones that reached zero. A session is blocked once per lifecycle.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	res, events, err := e.tick(ctx)
	e.publish(ctx, events)
	return res, err
}

func (e *Engine) tick(ctx context.Context) (TickResult, []Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res TickResult
	n, err := e.store.Decrement(ctx)
	if err != nil {
		return res, nil, err
	}
	res.Decremented = n
	metrics.SessionsActive.Set(float64(n))

	pending, err := e.store.PendingExpiry(ctx)
	if err != nil {
		return res, nil, err
	}

	var events []Event
	now := e.now()
	for _, s := range pending {
		stamped, err := e.store.MarkExpired(ctx, s.MAC, now)
		if err != nil {
			return res, events, err
		}
		if !stamped {
			continue
		}
		e.enforcer.Block(s.MAC, s.IP)
		metrics.SessionsExpired.Inc()
		res.Expired++

		after := s
		after.ExpiredAt = &now
		events = append(events, Event{Type: SubjectExpired, MAC: s.MAC, Before: snapshot(s), After: snapshot(after), At: now})
		e.logger.Info().Str("mac", s.MAC).Str("ip", s.IP).Msg("session expired")
	}
	return res, events, nil
}

// Run ticks every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("session tick failed")
			}
		}
	}
}

// ByMAC returns the session stored for mac.
func (e *Engine) ByMAC(ctx context.Context, mac string) (Session, error) {
	return e.store.ByMAC(ctx, mac)
}

// ByToken returns the session bound to token.
func (e *Engine) ByToken(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrTokenRequired
	}
	return e.store.ByToken(ctx, token)
}

// Active lists sessions that still have time.
func (e *Engine) Active(ctx context.Context) ([]Session, error) {
	return e.store.Active(ctx)
}

// List returns every stored session.
func (e *Engine) List(ctx context.Context) ([]Session, error) {
	return e.store.List(ctx)
}

// ActiveMACForIP lets the identity resolver fall back to session state.
func (e *Engine) ActiveMACForIP(ctx context.Context, ip string) (string, bool, error) {
	s, err := e.store.ActiveByIP(ctx, ip)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s.MAC, true, nil
}

func (e *Engine) pausePolicy(ctx context.Context) UnspecifiedPausePolicy {
	if e.policy == nil {
		return DefaultUnspecifiedPausePolicy
	}
	policy, err := e.policy.UnspecifiedPausePolicy(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("pause policy unavailable, using default")
		return DefaultUnspecifiedPausePolicy
	}
	return policy
}

func (e *Engine) publish(ctx context.Context, events []Event) {
	if e.events == nil {
		return
	}
	for _, evt := range events {
		if err := e.events.Publish(ctx, evt.Type, evt); err != nil {
			e.logger.Warn().Err(err).Str("subject", evt.Type).Msg("publish session event")
		}
	}
}
