package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pisowifi/services/portal"
)

var probeRoutes = []string{
	"/generate_204",
	"/gen_204",
	"/hotspot-detect.html",
	"/library/test/success.html",
	"/ncsi.txt",
	"/connecttest.txt",
	"/success.txt",
	"/canonical.html",
	"/check_network_status.txt",
}

// hostDispatcher is a portal that claims every path on connectivity-check hosts.
type hostDispatcher interface {
	HostDispatch(next http.Handler) http.Handler
}

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	// Forwarded headers are client-controlled on a guest LAN.
	if a.config.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if a.config.Middleware != nil {
		r.Use(a.config.Middleware)
	}
	r.Use(middleware.Timeout(a.config.RequestTimeout))
	if hd, ok := a.portal.(hostDispatcher); ok {
		r.Use(hd.HostDispatch)
	}

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", TokenHeader},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if a.branding != nil {
		r.Handle("/branding/*", http.StripPrefix("/branding/", http.FileServer(http.FS(a.branding))))
	}

	r.Get("/whoami", a.handleWhoami)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))

		r.Post("/coinslot/reserve", a.handleReserve)
		r.Post("/coinslot/heartbeat", a.handleHeartbeat)
		r.Post("/coinslot/release", a.handleRelease)

		r.Post("/sessions/start", a.handleStart)
		r.Post("/sessions/pause", a.handlePause)
		r.Post("/sessions/resume", a.handleResume)
		r.Post("/sessions/restore", a.handleRestore)

		r.Post("/vouchers/redeem", a.handleRedeem)
		r.Post("/credits/deposit", a.handleDeposit)
		r.Post("/credits/spend", a.handleSpend)
	})

	for _, path := range probeRoutes {
		r.Method(http.MethodGet, path, a.portal)
	}
	r.NotFound(a.portal.ServeHTTP)

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.ready(r.Context()); err != nil {
		a.logger.Warn().Err(err).Msg("readiness check failed")
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func clientIP(r *http.Request) string {
	return portal.ClientIP(r)
}
