// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package escrow implements the Escrow State Machine (spec C5): the
// authoritative state of every escrow, its legal transitions, and the data
// model of spec §3.
package escrow

import (
	"fmt"
	"time"

	"github.com/xmrescrow/escrowd/coins"
	"github.com/xmrescrow/escrowd/common/types"
)

// FailReason tags why an escrow entered the Failed state.
type FailReason string

// The three reasons an escrow can fail (spec §4.5, §7).
const (
	FailSetupError      FailReason = "SetupError"
	FailTimeout         FailReason = "Timeout"
	FailAddressMismatch FailReason = "AddressMismatch"
)

// Kind enumerates the EscrowState variant's tags (spec §3).
type Kind string

// The states named in spec §3's EscrowState variant.
const (
	KindCreated          Kind = "Created"
	KindSetupInProgress  Kind = "SetupInProgress"
	KindAwaitingFunding  Kind = "AwaitingFunding"
	KindFunded           Kind = "Funded"
	KindActive           Kind = "Active"
	KindReleasing        Kind = "Releasing"
	KindRefunding        Kind = "Refunding"
	KindDisputed         Kind = "Disputed"
	KindDisputeResolving Kind = "DisputeResolving"
	KindCompleted        Kind = "Completed"
	KindRefunded         Kind = "Refunded"
	KindFailed           Kind = "Failed"
)

// Status is the tagged EscrowState value. Only the field(s) relevant to Kind
// are meaningful; see spec §3.
type Status struct {
	Kind          Kind
	Round         int        // SetupInProgress{round}
	Confirmations uint64     // Funded{confirmations}
	InFavorOf     types.Role // DisputeResolving{in_favor_of}
	Reason        FailReason // Failed{reason}
}

// IsTerminal reports whether s is one of the three absorbing states
// (spec §4.5 invariant, §8 property 3).
func (s Status) IsTerminal() bool {
	switch s.Kind {
	case KindCompleted, KindRefunded, KindFailed:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s.Kind {
	case KindSetupInProgress:
		return fmt.Sprintf("SetupInProgress{%d}", s.Round)
	case KindFunded:
		return fmt.Sprintf("Funded{%d}", s.Confirmations)
	case KindDisputeResolving:
		return fmt.Sprintf("DisputeResolving{%s}", s.InFavorOf)
	case KindFailed:
		return fmt.Sprintf("Failed{%s}", s.Reason)
	default:
		return string(s.Kind)
	}
}

// Escrow is the central aggregate (spec §3).
type Escrow struct {
	ID      types.EscrowID
	Buyer   types.ActorID
	Vendor  types.ActorID
	Arbiter types.ActorID
	Amount  coins.PiconeroAmount

	MultisigAddress string // set at most once (I4)
	FundingTxID     string // set at most once (I5)
	ResolutionTxID  string // set at most once (I6)

	Status Status

	CreatedAt  time.Time
	FundedAt   *time.Time
	ResolvedAt *time.Time

	LastConfirmations uint64 // monotonic non-decreasing (spec §8 property 4)
}

// NewEscrow constructs an Escrow in the Created state, validating invariants
// I1 and I2.
func NewEscrow(
	id types.EscrowID,
	buyer, vendor, arbiter types.ActorID,
	amount coins.PiconeroAmount,
	maxAmount coins.PiconeroAmount,
) (*Escrow, error) {
	if amount == 0 {
		return nil, fmt.Errorf("escrow amount must be strictly positive")
	}
	if maxAmount != 0 && amount > maxAmount {
		return nil, fmt.Errorf("escrow amount %d exceeds configured maximum %d", amount, maxAmount)
	}
	if buyer == vendor || buyer == arbiter || vendor == arbiter {
		return nil, fmt.Errorf("buyer, vendor, and arbiter must be three distinct actors")
	}

	return &Escrow{
		ID:      id,
		Buyer:   buyer,
		Vendor:  vendor,
		Arbiter: arbiter,
		Amount:  amount,
		Status:  Status{Kind: KindCreated},

		CreatedAt: time.Now(),
	}, nil
}

// RoleOf returns the Role the given actor holds in this escrow, or false if
// the actor is not a party to it.
func (e *Escrow) RoleOf(actor types.ActorID) (types.Role, bool) {
	switch actor {
	case e.Buyer:
		return types.RoleBuyer, true
	case e.Vendor:
		return types.RoleVendor, true
	case e.Arbiter:
		return types.RoleArbiter, true
	default:
		return 0, false
	}
}
