package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pisowifi/services/access"
	"pisowifi/services/coinslot"
	"pisowifi/services/credits"
	"pisowifi/services/identity"
	"pisowifi/services/sessions"
	"pisowifi/services/vouchers"
)

const (
	// TokenHeader carries the session token for API clients.
	TokenHeader = "X-Session-Token"
	// TokenCookie carries the session token for browsers.
	TokenCookie = "pisowifi_token"
	tokenMaxAge = 30 * 24 * time.Hour
)

// decodeJSON reads an optional JSON body into dest. An empty body leaves
// dest untouched.
func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	if err := dec.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code string, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"success": false, "code": code, "error": err.Error()})
}

var domainErrors = []struct {
	err    error
	status int
	code   string
}{
	{identity.ErrUnresolved, http.StatusBadRequest, "IDENTITY_UNRESOLVED"},
	{coinslot.ErrNoOwner, http.StatusBadRequest, "IDENTITY_UNRESOLVED"},
	{coinslot.ErrBusy, http.StatusConflict, "COINSLOT_BUSY"},
	{coinslot.ErrNotOwned, http.StatusConflict, "COINSLOT_NOT_OWNED"},
	{coinslot.ErrUnknownSlot, http.StatusBadRequest, "COINSLOT_UNKNOWN"},
	{access.ErrLicenseRevoked, http.StatusForbidden, "LICENSE_REVOKED"},
	{access.ErrInsufficientPulses, http.StatusConflict, "INSUFFICIENT_PULSES"},
	{access.ErrInvalidPayment, http.StatusBadRequest, "INVALID_PAYMENT"},
	{access.ErrNotConfigured, http.StatusNotImplemented, "NOT_CONFIGURED"},
	{sessions.ErrInvalidGrant, http.StatusBadRequest, "INVALID_PAYMENT"},
	{sessions.ErrNotFound, http.StatusBadRequest, "SESSION_NOT_FOUND"},
	{sessions.ErrTokenRequired, http.StatusBadRequest, "TOKEN_REQUIRED"},
	{sessions.ErrNotPausable, http.StatusBadRequest, "SESSION_NOT_PAUSABLE"},
	{sessions.ErrExpired, http.StatusBadRequest, "SESSION_EXPIRED"},
	{sessions.ErrTokenConflict, http.StatusConflict, "TOKEN_CONFLICT"},
	{vouchers.ErrNotFound, http.StatusBadRequest, "VOUCHER_NOT_FOUND"},
	{vouchers.ErrRedeemed, http.StatusConflict, "VOUCHER_REDEEMED"},
	{credits.ErrInsufficientCredit, http.StatusConflict, "INSUFFICIENT_CREDIT"},
	{credits.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
}

// writeDomainError maps package sentinel errors onto HTTP responses.
func writeDomainError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	for _, d := range domainErrors {
		if errors.Is(err, d.err) {
			respondError(w, d.status, d.code, err)
			return
		}
	}
	logger.Error().Err(err).Msg("request failed")
	respondError(w, http.StatusInternalServerError, "INTERNAL", errors.New("internal error"))
}

// requestToken returns the session token: header, then bearer, then cookie.
func requestToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(TokenHeader)); t != "" {
		return t
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, t, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			if t = strings.TrimSpace(t); t != "" {
				return t
			}
		}
	}
	if c, err := r.Cookie(TokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func setTokenCookie(w http.ResponseWriter, token string, secure bool) {
	if token == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(tokenMaxAge.Seconds()),
		Expires:  time.Now().Add(tokenMaxAge),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
