package api

import (
	"net/http"

	"pisowifi/services/access"
)

type redeemRequest struct {
	Code string `json:"code"`
}

type depositRequest struct {
	Slot   string `json:"slot"`
	LockID string `json:"lockId"`
	Pesos  int64  `json:"pesos"`
}

type spendRequest struct {
	Pesos int64 `json:"pesos"`
}

func (a *API) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	res, err := a.orch.RedeemVoucher(r.Context(), a.client(r), requestToken(r), req.Code)
	if err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	a.respondSession(w, res)
}

func (a *API) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	slot := slotRequest{Slot: req.Slot, LockID: req.LockID}
	slot.normalize()

	balance, err := a.orch.DepositCredit(r.Context(), access.CoinPayment{
		Client: a.client(r),
		Token:  requestToken(r),
		Slot:   slot.Slot,
		LockID: slot.LockID,
		Pesos:  req.Pesos,
	})
	if err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "creditPesos": balance})
}

func (a *API) handleSpend(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	res, balance, err := a.orch.SpendCredit(r.Context(), a.client(r), requestToken(r), req.Pesos)
	if err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	setTokenCookie(w, res.Session.Token, a.config.CookieSecure)
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"session":     res.Session,
		"creditPesos": balance,
	})
}
