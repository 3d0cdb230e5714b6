// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package rpc

import (
	"time"

	"github.com/xmrescrow/escrowd/coins"
	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/escrow"
)

// createEscrowRequest is the body of POST /escrow/create.
type createEscrowRequest struct {
	BuyerID      types.ActorID `json:"buyer_id"`
	VendorID     types.ActorID `json:"vendor_id"`
	ArbiterID    types.ActorID `json:"arbiter_id"`
	AmountAtomic uint64        `json:"amount_atomic"`
}

// createEscrowResponse is the body returned by POST /escrow/create.
type createEscrowResponse struct {
	EscrowID types.EscrowID `json:"escrow_id"`
	State    string         `json:"state"`
}

// releaseRequest is the body of POST /escrow/{id}/release and /refund.
type releaseRequest struct {
	DestinationAddress string        `json:"destination_address"`
	CallerID           types.ActorID `json:"caller_id"`
}

// disputeRequest is the body of POST /escrow/{id}/dispute.
type disputeRequest struct {
	CallerID types.ActorID `json:"caller_id"`
	Reason   string        `json:"reason"`
}

// resolveRequest is the body of POST /escrow/{id}/resolve.
type resolveRequest struct {
	CallerID           types.ActorID `json:"caller_id"`
	InFavorOf          string        `json:"in_favor_of"` // "buyer" or "vendor"
	DestinationAddress string        `json:"destination_address"`
}

// escrowResponse is the full escrow aggregate returned by GET /escrow/{id}.
type escrowResponse struct {
	EscrowID        types.EscrowID `json:"escrow_id"`
	BuyerID         types.ActorID  `json:"buyer_id"`
	VendorID        types.ActorID  `json:"vendor_id"`
	ArbiterID       types.ActorID  `json:"arbiter_id"`
	AmountAtomic    uint64         `json:"amount_atomic"`
	MultisigAddress string         `json:"multisig_address,omitempty"`
	FundingTxID     string         `json:"funding_tx_id,omitempty"`
	ResolutionTxID  string         `json:"resolution_tx_id,omitempty"`
	State           string         `json:"state"`
	Confirmations   uint64         `json:"confirmations"`
	CreatedAt       time.Time      `json:"created_at"`
	FundedAt        *time.Time     `json:"funded_at,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func toEscrowResponse(e *escrow.Escrow) *escrowResponse {
	return &escrowResponse{
		EscrowID:        e.ID,
		BuyerID:         e.Buyer,
		VendorID:        e.Vendor,
		ArbiterID:       e.Arbiter,
		AmountAtomic:    e.Amount.Uint64(),
		MultisigAddress: e.MultisigAddress,
		FundingTxID:     e.FundingTxID,
		ResolutionTxID:  e.ResolutionTxID,
		State:           e.Status.String(),
		Confirmations:   e.LastConfirmations,
		CreatedAt:       e.CreatedAt,
		FundedAt:        e.FundedAt,
		ResolvedAt:      e.ResolvedAt,
	}
}

func roleFromString(s string) (types.Role, bool) {
	for _, r := range types.Roles {
		if r.String() == s {
			return r, true
		}
	}
	return 0, false
}

func amountFromAtomic(v uint64) coins.PiconeroAmount {
	return coins.PiconeroAmount(v)
}
