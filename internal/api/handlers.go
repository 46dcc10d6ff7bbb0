package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/ernie/tapledger/internal/domain"
	"github.com/ernie/tapledger/internal/ledger"
	"github.com/ernie/tapledger/internal/storage"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeLedgerError maps ledger failures onto HTTP responses. Internal
// details are logged, never returned to the client.
func writeLedgerError(w http.ResponseWriter, req *http.Request, err error) {
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":   "session_conflict",
			"message": conflict.Message,
		})
	case errors.Is(err, domain.ErrBanned):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":  "banned",
			"banned": true,
		})
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrUnknownTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":   "busy",
			"message": "Account was updated concurrently. Retry.",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		log.Printf("Internal error on %s %s: %v", req.Method, req.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleInit opens a session for the calling player
func (r *Router) handleInit(w http.ResponseWriter, req *http.Request) {
	var body ledger.InitRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acct, err := r.ledger.Init(req.Context(), body)
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewSnapshot(acct, true))
}

// handleSync reconciles a client progress report
func (r *Router) handleSync(w http.ResponseWriter, req *http.Request) {
	var body ledger.SyncRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := r.ledger.Sync(req.Context(), body)
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetTasks returns the one-time task catalog
func (r *Router) handleGetTasks(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, domain.Tasks)
}

// handleCompleteTask claims a one-time task reward
func (r *Router) handleCompleteTask(w http.ResponseWriter, req *http.Request) {
	var body ledger.TaskRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := r.ledger.CompleteTask(req.Context(), body)
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListAccounts returns accounts by most recent sync (admin only)
func (r *Router) handleListAccounts(w http.ResponseWriter, req *http.Request) {
	limit := parseLimit(req, 50, 500)
	offset := parseOffset(req)

	accounts, total, err := r.store.ListAccounts(req.Context(), limit, offset)
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// handleGetAccount returns a single account (admin only)
func (r *Router) handleGetAccount(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	acct, err := r.store.GetAccount(req.Context(), id)
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewSnapshot(acct, false))
}

// ReferralsResponse lists an account's invitees and the commission they paid
type ReferralsResponse struct {
	Invitees []domain.Account        `json:"invitees"`
	Credits  []domain.ReferralCredit `json:"credits"`
}

// handleGetReferrals returns the referral tree below an account (admin only)
func (r *Router) handleGetReferrals(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := r.store.GetAccount(req.Context(), id); err != nil {
		writeLedgerError(w, req, err)
		return
	}

	invitees, err := r.store.ListInvitees(req.Context(), id)
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}
	credits, err := r.store.ListReferralCredits(req.Context(), id, parseLimit(req, 100, 1000))
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}

	resp := ReferralsResponse{Invitees: invitees, Credits: credits}
	if resp.Invitees == nil {
		resp.Invitees = []domain.Account{}
	}
	if resp.Credits == nil {
		resp.Credits = []domain.ReferralCredit{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// BalanceRequest adjusts or overwrites a balance; exactly one field is set
type BalanceRequest struct {
	Delta *float64 `json:"delta,omitempty"`
	Set   *float64 `json:"set,omitempty"`
}

// handleUpdateBalance adjusts an account's balance (admin only)
func (r *Router) handleUpdateBalance(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body BalanceRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if (body.Delta == nil) == (body.Set == nil) {
		writeError(w, http.StatusBadRequest, "exactly one of delta or set is required")
		return
	}

	var acct *domain.Account
	if body.Delta != nil {
		acct, err = r.ledger.AdjustBalance(req.Context(), id, *body.Delta)
	} else {
		acct, err = r.ledger.SetBalance(req.Context(), id, *body.Set)
	}
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewSnapshot(acct, false))
}

// BanRequest sets or clears the banned flag
type BanRequest struct {
	Banned bool `json:"banned"`
}

// handleSetBanned bans or unbans an account (admin only)
func (r *Router) handleSetBanned(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body BanRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acct, err := r.ledger.SetBanned(req.Context(), id, body.Banned)
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewSnapshot(acct, false))
}

// handleDeleteAccount removes an account (admin only)
func (r *Router) handleDeleteAccount(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := r.ledger.DeleteAccount(req.Context(), id); err != nil {
		writeLedgerError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "account deleted"})
}

// handleHealth returns a simple health check response
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// parseID parses a numeric ID from the URL path
func parseID(req *http.Request, param string) (int64, error) {
	return strconv.ParseInt(req.PathValue(param), 10, 64)
}

// operatorNotFound reports whether err means the operator does not exist
func operatorNotFound(err error) bool {
	return errors.Is(err, storage.ErrUserNotFound)
}
