// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/escrow"
	"github.com/xmrescrow/escrowd/orchestrator"
	"github.com/xmrescrow/escrowd/signature"
)

// handler dispatches the escrow front-end routes (spec §6) into the
// already-wired escrow/orchestrator/signature subsystems and maps their
// errors onto the status codes spec §6 enumerates: 200, 400, 403, 409, 500.
type handler struct {
	escrows         escrow.Manager
	orchestrator    *orchestrator.Orchestrator
	signatures      *signature.Coordinator
	maxEscrowAmount uint64
}

func (h *handler) createEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id := types.NewEscrowID()
	e, err := escrow.NewEscrow(id, req.BuyerID, req.VendorID, req.ArbiterID,
		amountFromAtomic(req.AmountAtomic), amountFromAtomic(h.maxEscrowAmount))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.escrows.Create(e); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// Setup is kicked off asynchronously; the caller observes progress via
	// GET /escrow/{id}, per spec §6. The request context is cancelled as soon
	// as this handler returns, so setup runs on a context detached from it.
	setupCtx := context.WithoutCancel(r.Context())
	go func() {
		if err := h.orchestrator.RunSetup(setupCtx, id); err != nil {
			log.Errorf("setup failed for escrow %s: %s", id, err)
		}
	}()

	writeJSON(w, http.StatusOK, &createEscrowResponse{EscrowID: id, State: e.Status.String()})
}

func (h *handler) getEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseEscrowID(w, r)
	if !ok {
		return
	}

	e, err := h.escrows.Get(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

func (h *handler) release(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseEscrowID(w, r)
	if !ok {
		return
	}

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err := h.signatures.Release(r.Context(), id, req.CallerID, req.DestinationAddress)
	writeResolutionResult(w, err)
}

func (h *handler) refund(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseEscrowID(w, r)
	if !ok {
		return
	}

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err := h.signatures.Refund(r.Context(), id, req.CallerID, req.DestinationAddress)
	writeResolutionResult(w, err)
}

func (h *handler) dispute(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseEscrowID(w, r)
	if !ok {
		return
	}

	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err := h.signatures.RaiseDispute(id, req.CallerID)
	writeResolutionResult(w, err)
}

func (h *handler) resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseEscrowID(w, r)
	if !ok {
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	role, ok := roleFromString(req.InFavorOf)
	if !ok || (role != types.RoleBuyer && role != types.RoleVendor) {
		writeError(w, http.StatusBadRequest, errors.New("in_favor_of must be \"buyer\" or \"vendor\""))
		return
	}

	if err := h.signatures.ResolveDispute(id, req.CallerID, role); err != nil {
		writeResolutionResult(w, err)
		return
	}

	// resolve() only moves the escrow into DisputeResolving; the actual
	// signature collection is a second call to /release or /refund by the
	// arbiter, per spec §4.7's three enumerated paths.
	e, err := h.escrows.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

func (h *handler) parseEscrowID(w http.ResponseWriter, r *http.Request) (types.EscrowID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := types.EscrowIDFromString(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return id, false
	}
	return id, true
}

// writeResolutionResult maps a resolution-path error (release/refund/
// dispute) onto the status codes spec §6 names: 403 for authorization
// failures, 409 for illegal state transitions, 500 for everything else.
func writeResolutionResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, struct{}{})
	case errors.Is(err, signature.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, signature.ErrInvalidState):
		writeError(w, http.StatusConflict, err)
	default:
		var illegal *escrow.IllegalTransition
		if errors.As(err, &illegal) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, &errorResponse{Error: err.Error()})
}
