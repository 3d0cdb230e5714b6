// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package signature implements the Signature Coordinator (spec C7): the
// three resolution paths (normal release, arbiter-assisted refund,
// arbiter-assisted release) that collect the two required multisig
// signatures and broadcast the resolution transaction.
package signature

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	logging "github.com/ipfs/go-log"

	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/escrow"
	"github.com/xmrescrow/escrowd/session"
)

var log = logging.Logger("signature")

// ErrUnauthorized is returned when the requesting actor is not entitled to
// trigger the requested resolution in the escrow's current state (spec §8
// property 8: this check happens before any wallet-rpc call is made).
var ErrUnauthorized = errors.New("signature: requester is not authorized for this resolution")

// ErrInvalidState is returned when the escrow is not in a state from which
// the requested resolution path is reachable.
var ErrInvalidState = errors.New("signature: escrow is not in a state eligible for this resolution")

// Coordinator drives signature collection and broadcast for escrow
// resolution.
type Coordinator struct {
	escrows  escrow.Manager
	sessions session.Manager
}

// New constructs a Coordinator.
func New(escrows escrow.Manager, sessions session.Manager) *Coordinator {
	return &Coordinator{escrows: escrows, sessions: sessions}
}

// Release executes the normal release path: the buyer or vendor requests
// release of escrowed funds to destination, and buyer+vendor co-sign
// (spec §4.7's first resolution path), moving the escrow from Active to
// Completed. It is also the path used once a dispute has been resolved in
// the vendor's favor, where the arbiter requests and arbiter+vendor co-sign.
func (c *Coordinator) Release(ctx context.Context, id types.EscrowID, requestedBy types.ActorID, destination string) error {
	e, err := c.escrows.GetActive(id)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}

	role, ok := e.RoleOf(requestedBy)
	if !ok {
		return ErrUnauthorized
	}

	var signers [2]types.Role
	switch {
	case e.Status.Kind == escrow.KindActive:
		if role != types.RoleBuyer && role != types.RoleVendor {
			return ErrUnauthorized
		}
		signers = [2]types.Role{types.RoleBuyer, types.RoleVendor}

	case e.Status.Kind == escrow.KindDisputeResolving && e.Status.InFavorOf == types.RoleVendor:
		if role != types.RoleArbiter {
			return ErrUnauthorized
		}
		signers = [2]types.Role{types.RoleArbiter, types.RoleVendor}

	default:
		return ErrInvalidState
	}

	return c.resolve(ctx, id, e, signers, destination, escrow.Status{Kind: escrow.KindCompleted})
}

// Refund executes the arbiter-assisted refund path (spec §4.7's second
// resolution path): only reachable once a dispute has been resolved in the
// buyer's favor, requiring the arbiter to request it and arbiter+buyer to
// co-sign, moving the escrow to Refunded.
func (c *Coordinator) Refund(ctx context.Context, id types.EscrowID, requestedBy types.ActorID, destination string) error {
	e, err := c.escrows.GetActive(id)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}

	role, ok := e.RoleOf(requestedBy)
	if !ok {
		return ErrUnauthorized
	}

	if e.Status.Kind != escrow.KindDisputeResolving || e.Status.InFavorOf != types.RoleBuyer {
		return ErrInvalidState
	}
	if role != types.RoleArbiter {
		return ErrUnauthorized
	}

	signers := [2]types.Role{types.RoleArbiter, types.RoleBuyer}
	return c.resolve(ctx, id, e, signers, destination, escrow.Status{Kind: escrow.KindRefunded})
}

// RaiseDispute moves an Active escrow to Disputed. Either the buyer or the
// vendor may raise a dispute.
func (c *Coordinator) RaiseDispute(id types.EscrowID, requestedBy types.ActorID) error {
	e, err := c.escrows.GetActive(id)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	role, ok := e.RoleOf(requestedBy)
	if !ok || (role != types.RoleBuyer && role != types.RoleVendor) {
		return ErrUnauthorized
	}
	if e.Status.Kind != escrow.KindActive {
		return ErrInvalidState
	}
	if _, err := c.escrows.Apply(id, escrow.Status{Kind: escrow.KindDisputed}); err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	return nil
}

// ResolveDispute is the arbiter's decision on a Disputed escrow, naming
// which party the dispute is resolved in favor of. It does not itself move
// funds; Release or Refund must be called afterward to collect signatures.
func (c *Coordinator) ResolveDispute(id types.EscrowID, requestedBy types.ActorID, inFavorOf types.Role) error {
	e, err := c.escrows.GetActive(id)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	role, ok := e.RoleOf(requestedBy)
	if !ok || role != types.RoleArbiter {
		return ErrUnauthorized
	}
	if e.Status.Kind != escrow.KindDisputed {
		return ErrInvalidState
	}
	if inFavorOf != types.RoleBuyer && inFavorOf != types.RoleVendor {
		return fmt.Errorf("signature: dispute must be resolved in favor of the buyer or the vendor")
	}
	if _, err := c.escrows.Apply(id, escrow.Status{Kind: escrow.KindDisputeResolving, InFavorOf: inFavorOf}); err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	return nil
}

// resolve collects the two required signatures and broadcasts the
// resolution transaction: the first signer produces a partially-signed
// transaction via transfer_split, whose metadata is handed to the second
// signer, who completes and broadcasts it via submit_multisig (spec §4.7).
func (c *Coordinator) resolve(
	ctx context.Context,
	id types.EscrowID,
	e *escrow.Escrow,
	signers [2]types.Role,
	destination string,
	terminal escrow.Status,
) error {
	sess, err := c.sessions.GetOrCreate(ctx, id)
	if err != nil {
		return fmt.Errorf("signature: failed to obtain wallet session for %s: %w", id, err)
	}
	sess.Begin()
	defer sess.End()

	if e.Status.Kind == escrow.KindActive {
		if _, err := c.escrows.Apply(id, escrow.Status{Kind: escrow.KindReleasing}); err != nil {
			return fmt.Errorf("signature: %w", err)
		}
	}

	first := sess.Handle(signers[0])
	second := sess.Handle(signers[1])

	log.Infof("collecting signatures for escrow %s: %s then %s", id, signers[0], signers[1])

	transfer, err := first.Client().TransferSplit(ctx, destination, e.Amount.Uint64())
	if err != nil {
		return fmt.Errorf("signature: transfer_split by %s failed for escrow %s: %w", signers[0], id, err)
	}

	txID, err := second.Client().SubmitMultisig(ctx, transfer.TxMetadata)
	if err != nil {
		return fmt.Errorf("signature: submit_multisig by %s failed for escrow %s: %w", signers[1], id, err)
	}

	if err := c.escrows.SetResolutionTxID(id, txID); err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	if _, err := c.escrows.Apply(id, terminal); err != nil {
		return fmt.Errorf("signature: %w", err)
	}

	exitLog := color.New(color.Bold).Sprintf("escrow %s resolved: %s, tx=%s", id, terminal.Kind, txID)
	log.Info(exitLog)

	return nil
}
