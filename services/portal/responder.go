// Package portal answers OS captive-portal detection requests according to
// the caller's session state and serves the portal page to everyone else.
package portal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"pisowifi/pkg/metrics"
	"pisowifi/services/identity"
	"pisowifi/services/sessions"
)

// Identifier resolves the device behind an IP.
type Identifier interface {
	Identify(ctx context.Context, ip string) (identity.Client, error)
}

// Sessions is the session view the responder needs.
type Sessions interface {
	ByMAC(ctx context.Context, mac string) (sessions.Session, error)
	UpdateIP(ctx context.Context, mac, ip string) (sessions.Session, error)
}

// Roamer moves enforcement from one IP to another before returning.
type Roamer interface {
	ReassignNow(ctx context.Context, oldMAC, oldIP, newMAC, newIP string, delay time.Duration)
}

// Document renders the portal page for a client. sess is nil when the
// device has no session.
type Document interface {
	Render(ctx context.Context, client identity.Client, sess *sessions.Session) (string, error)
}

// DefaultRoamingDelay separates the block of the old IP from the whitelist
// of the new one.
const DefaultRoamingDelay = 500 * time.Millisecond

type Config struct {
	Identity     Identifier
	Sessions     Sessions
	Roamer       Roamer
	Document     Document
	RoamingDelay time.Duration
	Logger       zerolog.Logger
}

// Responder is the captive-portal http.Handler.
type Responder struct {
	identity     Identifier
	sessions     Sessions
	roamer       Roamer
	document     Document
	roamingDelay time.Duration
	logger       zerolog.Logger
}

func NewResponder(cfg Config) (*Responder, error) {
	if cfg.Identity == nil {
		return nil, errors.New("portal: identity resolver is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("portal: sessions are required")
	}
	if cfg.Roamer == nil {
		return nil, errors.New("portal: roamer is required")
	}
	if cfg.Document == nil {
		return nil, errors.New("portal: document is required")
	}
	if cfg.RoamingDelay < 0 {
		cfg.RoamingDelay = 0
	}
	return &Responder{
		identity:     cfg.Identity,
		sessions:     cfg.Sessions,
		roamer:       cfg.Roamer,
		document:     cfg.Document,
		roamingDelay: cfg.RoamingDelay,
		logger:       cfg.Logger.With().Str("component", "portal").Logger(),
	}, nil
}

func (p *Responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	probe := Classify(r)
	ip := ClientIP(r)

	client, err := p.identity.Identify(ctx, ip)
	if err != nil && !errors.Is(err, identity.ErrUnresolved) {
		p.logger.Warn().Err(err).Str("ip", ip).Msg("identify client")
	}

	sess, found := p.session(ctx, client)
	authorized := found && sess.Authorized()
	if authorized && ip != "" && sess.IP != ip {
		sess = p.roam(ctx, sess, ip)
	}

	metrics.PortalProbes.WithLabelValues(probe.label(), strconv.FormatBool(authorized)).Inc()

	if authorized && probe.IsProbe() {
		writeOnline(w, probe.Family)
		return
	}

	var current *sessions.Session
	if found {
		current = &sess
	}
	body, err := p.document.Render(ctx, client, current)
	if err != nil {
		p.logger.Error().Err(err).Msg("render portal document")
		http.Error(w, "portal unavailable", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// HostDispatch sends requests for known connectivity-check hosts to the
// responder and everything else to next.
func (p *Responder) HostDispatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := probeHosts[hostOnly(r.Host)]; ok {
			p.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Responder) session(ctx context.Context, client identity.Client) (sessions.Session, bool) {
	if client.MAC == "" {
		return sessions.Session{}, false
	}
	sess, err := p.sessions.ByMAC(ctx, client.MAC)
	if err != nil {
		if !errors.Is(err, sessions.ErrNotFound) {
			p.logger.Warn().Err(err).Str("mac", client.MAC).Msg("load session")
		}
		return sessions.Session{}, false
	}
	return sess, true
}

// roam re-applies enforcement for a device that moved to ip and persists
// the new address before the probe is answered.
func (p *Responder) roam(ctx context.Context, sess sessions.Session, ip string) sessions.Session {
	p.logger.Info().Str("mac", sess.MAC).Str("from", sess.IP).Str("to", ip).Msg("client roamed")
	p.roamer.ReassignNow(ctx, sess.MAC, sess.IP, sess.MAC, ip, p.roamingDelay)

	updated, err := p.sessions.UpdateIP(ctx, sess.MAC, ip)
	if err != nil {
		p.logger.Error().Err(err).Str("mac", sess.MAC).Msg("persist roamed ip")
		sess.IP = ip
		return sess
	}
	return updated
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
