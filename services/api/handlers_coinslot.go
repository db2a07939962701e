package api

import (
	"net/http"
	"strings"
	"time"

	"pisowifi/services/coinslot"
)

type slotRequest struct {
	Slot   string `json:"slot"`
	LockID string `json:"lockId"`
}

type lockResponse struct {
	Success   bool      `json:"success"`
	Slot      string    `json:"slot"`
	LockID    string    `json:"lockId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Credited  int64     `json:"credited"`
}

func (req *slotRequest) normalize() {
	req.Slot = strings.ToLower(strings.TrimSpace(req.Slot))
	if req.Slot == "" {
		req.Slot = coinslot.MainSlot
	}
	req.LockID = strings.TrimSpace(req.LockID)
}

func (a *API) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	req.normalize()

	lock, err := a.orch.Reserve(r.Context(), a.client(r), requestToken(r), req.Slot)
	if err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, lockResponse{Success: true, Slot: lock.Slot, LockID: lock.LockID, ExpiresAt: lock.ExpiresAt, Credited: lock.Credited})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	req.normalize()

	c := a.client(r)
	lock, err := a.locks.Heartbeat(req.Slot, req.LockID, coinslot.Owner{MAC: c.MAC, Token: requestToken(r)})
	if err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, lockResponse{Success: true, Slot: lock.Slot, LockID: lock.LockID, ExpiresAt: lock.ExpiresAt, Credited: lock.Credited})
}

// handleRelease always succeeds; releasing a lock that is gone is a no-op.
func (a *API) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	req.normalize()

	a.locks.Release(r.Context(), req.Slot, req.LockID)
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
