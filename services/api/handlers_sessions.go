package api

import (
	"context"
	"net/http"
	"strings"

	"pisowifi/services/access"
	"pisowifi/services/sessions"
)

type startRequest struct {
	Slot    string `json:"slot"`
	LockID  string `json:"lockId"`
	Pesos   int64  `json:"pesos"`
	Minutes int64  `json:"minutes"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	Success  bool             `json:"success"`
	Session  sessions.Session `json:"session"`
	Created  bool             `json:"created,omitempty"`
	Migrated bool             `json:"migrated,omitempty"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	slot := slotRequest{Slot: req.Slot, LockID: req.LockID}
	slot.normalize()

	res, err := a.orch.StartSession(r.Context(), access.CoinPayment{
		Client:  a.client(r),
		Token:   requestToken(r),
		Slot:    slot.Slot,
		LockID:  slot.LockID,
		Pesos:   req.Pesos,
		Minutes: req.Minutes,
	})
	if err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	a.respondSession(w, res)
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	a.toggle(w, r, a.sessions.Pause)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	a.toggle(w, r, a.sessions.Resume)
}

func (a *API) toggle(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, token string) (sessions.Session, error)) {
	token, ok := a.bodyToken(w, r)
	if !ok {
		return
	}
	s, err := fn(r.Context(), token)
	if err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{Success: true, Session: s})
}

// handleRestore reattaches a token to the calling device, merging with any
// time already on it. MAC resolution is retried since a freshly roamed
// client may not be in the neighbor table yet.
func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	token, ok := a.bodyToken(w, r)
	if !ok {
		return
	}
	if token == "" {
		writeDomainError(w, a.logger, sessions.ErrTokenRequired)
		return
	}

	ip := clientIP(r)
	mac, err := a.identity.ResolveWithRetry(r.Context(), ip, a.config.RestoreAttempts, a.config.RestoreDelay)
	if err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	s, err := a.sessions.Restore(r.Context(), token, mac, ip)
	if err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	a.respondSession(w, sessions.GrantResult{Session: s})
}

func (a *API) handleWhoami(w http.ResponseWriter, r *http.Request) {
	st, err := a.orch.Status(r.Context(), a.client(r), requestToken(r))
	if err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	if st.Session != nil {
		setTokenCookie(w, st.Session.Token, a.config.CookieSecure)
	}
	respondJSON(w, http.StatusOK, st)
}

// bodyToken prefers the token in the JSON body and falls back to the
// request token.
func (a *API) bodyToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return "", false
	}
	if t := strings.TrimSpace(req.Token); t != "" {
		return t, true
	}
	return requestToken(r), true
}

func (a *API) respondSession(w http.ResponseWriter, res sessions.GrantResult) {
	setTokenCookie(w, res.Session.Token, a.config.CookieSecure)
	respondJSON(w, http.StatusOK, sessionResponse{
		Success:  true,
		Session:  res.Session,
		Created:  res.Created,
		Migrated: res.Migrated,
	})
}
