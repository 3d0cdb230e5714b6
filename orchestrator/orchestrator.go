// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package orchestrator implements the Escrow Orchestrator (spec C6): the
// component that drives an escrow's three-round Monero 2-of-3 multisig
// handshake, detects and recovers from wallet-rpc cache pollution, and
// carries the escrow from Created through AwaitingFunding.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log"
	"golang.org/x/sync/errgroup"

	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/config"
	"github.com/xmrescrow/escrowd/escrow"
	"github.com/xmrescrow/escrowd/instrument"
	"github.com/xmrescrow/escrowd/session"
	"github.com/xmrescrow/escrowd/wallet"
	"github.com/xmrescrow/escrowd/walletpool"
)

var log = logging.Logger("orchestrator")

// maxExchangeRounds bounds the Round 3 exchange_multisig_keys loop. A
// standard 2-of-3 multisig finalizes after a single exchange call; this
// exists only to guarantee termination if a wallet-rpc implementation ever
// requires an extra pass.
const maxExchangeRounds = 4

// Orchestrator drives escrow setup end to end.
type Orchestrator struct {
	escrows     escrow.Manager
	sessions    session.Manager
	cfg         *config.Config
	instruments *instrument.Registry
}

// New constructs an Orchestrator.
func New(escrows escrow.Manager, sessions session.Manager, cfg *config.Config, instruments *instrument.Registry) *Orchestrator {
	return &Orchestrator{escrows: escrows, sessions: sessions, cfg: cfg, instruments: instruments}
}

// RunSetup drives the escrow identified by id through its three multisig
// setup rounds, from Created to AwaitingFunding (spec §4.5). It is safe to
// call again after a process restart for an escrow that was left in a
// SetupInProgress state (spec's restart-recovery supplement): the round
// actually reached is read back from the Escrow Manager, not assumed.
func (o *Orchestrator) RunSetup(ctx context.Context, id types.EscrowID) error {
	e, err := o.escrows.GetActive(id)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	rec := o.instruments.For(id)
	defer func() {
		if err != nil {
			rec.ErrorFinal(err)
		}
		_ = o.instruments.Flush(id)
	}()

	sess, err := o.sessions.GetOrCreate(ctx, id)
	if err != nil {
		return fmt.Errorf("orchestrator: failed to obtain wallet session for %s: %w", id, err)
	}

	switch e.Status.Kind {
	case escrow.KindCreated:
		if err = o.transition(id, escrow.Status{Kind: escrow.KindSetupInProgress, Round: 1}); err != nil {
			return err
		}
		fallthrough

	case escrow.KindSetupInProgress:
		err = o.resumeSetup(ctx, id, sess, rec)
		return err

	default:
		return fmt.Errorf("orchestrator: escrow %s is not in a setup-eligible state: %s", id, e.Status)
	}
}

// ResumeEscrow is RunSetup's entry point for daemon-startup recovery: unlike
// RunSetup, it is a no-op (not an error) for an escrow that is active but no
// longer setup-eligible, so a caller can invoke it uniformly across every
// active escrow without first filtering by state.
func (o *Orchestrator) ResumeEscrow(ctx context.Context, id types.EscrowID) error {
	e, err := o.escrows.GetActive(id)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	switch e.Status.Kind {
	case escrow.KindCreated, escrow.KindSetupInProgress:
		return o.RunSetup(ctx, id)
	default:
		return nil
	}
}

// ResumeAll calls ResumeEscrow for every currently active escrow, one
// goroutine per escrow so a slow or stuck setup does not delay the rest of
// the daemon's startup, logging (rather than returning) any individual
// failure.
func (o *Orchestrator) ResumeAll(ctx context.Context) {
	for _, e := range o.escrows.ListActive() {
		id := e.ID
		go func() {
			if err := o.ResumeEscrow(ctx, id); err != nil {
				log.Errorf("failed to resume escrow %s on startup: %s", id, err)
			}
		}()
	}
}

// resumeSetup re-reads the escrow's current round and runs every remaining
// round through to AwaitingFunding. Round 1 and Round 2 info blobs live only
// in this call's memory, so resuming at round 2 or 3 returns an error.
func (o *Orchestrator) resumeSetup(ctx context.Context, id types.EscrowID, sess *session.Session, rec *instrument.Recorder) error {
	sess.Begin()
	defer sess.End()

	e, err := o.escrows.GetActive(id)
	if err != nil {
		return err
	}

	round := e.Status.Round
	if round < 1 {
		round = 1
	}

	var infos map[types.Role]wallet.MultisigInfo

	if round <= 1 {
		o.snapshot(ctx, sess, rec, instrument.KindSnapshotPreRound1)
		infos, err = o.runRound1(ctx, id, sess, rec)
		if err != nil {
			return err
		}
		if err := o.transition(id, escrow.Status{Kind: escrow.KindSetupInProgress, Round: 2}); err != nil {
			return err
		}
		round = 2
	}

	var round2Infos map[types.Role]wallet.MultisigInfo
	var address string

	if round <= 2 {
		o.snapshot(ctx, sess, rec, instrument.KindSnapshotPreRound2)
		if infos == nil {
			return fmt.Errorf("orchestrator: cannot resume at round 2 for %s without round 1 info in this process", id)
		}
		round2Infos, address, err = o.runRound2(ctx, id, sess, infos, rec)
		if err != nil {
			return err
		}
		o.snapshot(ctx, sess, rec, instrument.KindSnapshotPostMakeMultisig)
		if err := o.transition(id, escrow.Status{Kind: escrow.KindSetupInProgress, Round: 3}); err != nil {
			return err
		}
		round = 3
	}

	if round <= 3 {
		o.snapshot(ctx, sess, rec, instrument.KindSnapshotPreRound3)
		if round2Infos == nil {
			return fmt.Errorf("orchestrator: cannot resume at round 3 for %s without round 2 info in this process", id)
		}
		finalAddress, err := o.runRound3(ctx, id, sess, round2Infos, address, rec)
		if err != nil {
			return err
		}

		if err := o.escrows.SetMultisigAddress(id, finalAddress); err != nil {
			return err
		}
		if err := o.transition(id, escrow.Status{Kind: escrow.KindAwaitingFunding}); err != nil {
			return err
		}
	}

	o.snapshot(ctx, sess, rec, instrument.KindSnapshotFinal)
	return nil
}

// snapshot builds one instrument.WalletSnapshot per role and records them
// under kind (spec §4.9). It is a no-op when instrumentation is disabled:
// the nil check happens before any RPC is made, so a disabled Recorder never
// costs an extra is_multisig/get_balance/get_height round trip.
func (o *Orchestrator) snapshot(ctx context.Context, sess *session.Session, rec *instrument.Recorder, kind instrument.Kind) {
	if rec == nil {
		return
	}

	wallets := make([]instrument.WalletSnapshot, 0, len(types.Roles))
	for _, role := range types.Roles {
		h := sess.Handle(role)
		ws := instrument.WalletSnapshot{
			Role:                 role,
			RPCPort:              h.Port,
			WalletFileHashPrefix: instrument.HashPrefix(h.WalletFile()),
		}

		if status, err := h.Client().IsMultisig(ctx); err == nil {
			ws.IsMultisig = status.Enabled
			ws.MultisigReady = status.Ready
		} else {
			rec.RPCError(role, "is_multisig", err)
		}

		if addr, err := h.Client().GetAddress(ctx); err == nil {
			ws.AddressHashPrefix = instrument.HashPrefix(addr)
		} else {
			rec.RPCError(role, "get_address", err)
		}

		if bal, err := h.Client().GetBalance(ctx); err == nil {
			ws.Balance = bal.Balance
		} else {
			rec.RPCError(role, "get_balance", err)
		}

		if height, err := h.Client().GetHeight(ctx); err == nil {
			ws.Height = height
		} else {
			rec.RPCError(role, "get_height", err)
		}

		wallets = append(wallets, ws)
	}

	rec.Snapshot(kind, wallets)
}

func (o *Orchestrator) transition(id types.EscrowID, to escrow.Status) error {
	_, err := o.escrows.Apply(id, to)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}

func (o *Orchestrator) fail(id types.EscrowID, reason escrow.FailReason, cause error) error {
	if _, err := o.escrows.Apply(id, escrow.Status{Kind: escrow.KindFailed, Reason: reason}); err != nil {
		log.Errorf("failed to persist Failed{%s} for escrow %s after error %s: %s", reason, id, cause, err)
	}
	return fmt.Errorf("orchestrator: escrow %s failed (%s): %w", id, reason, cause)
}

// runRound1 calls prepare_multisig on all three wallets, checking and
// recovering from cache pollution beforehand (spec §4.2). The three wallets
// are independent RPC endpoints, so the round is fanned out across them
// concurrently; only rounds are kept sequential.
func (o *Orchestrator) runRound1(
	ctx context.Context,
	id types.EscrowID,
	sess *session.Session,
	rec *instrument.Recorder,
) (map[types.Role]wallet.MultisigInfo, error) {
	results := make([]wallet.MultisigInfo, len(types.Roles))

	g, gctx := errgroup.WithContext(ctx)
	for i, role := range types.Roles {
		i, role := i, role
		g.Go(func() error {
			h := sess.Handle(role)
			if err := o.ensureCleanForPrepare(gctx, h, role, id, rec); err != nil {
				return err
			}

			rec.RPCStart(role, "prepare_multisig")
			info, err := h.Client().PrepareMultisig(gctx)
			if err != nil {
				rec.RPCError(role, "prepare_multisig", err)
				return fmt.Errorf("prepare_multisig failed for role %s: %w", role, err)
			}
			rec.RPCEnd(role, "prepare_multisig")

			if err := o.verifyMultisigState(gctx, h, role, false, false); err != nil {
				return err
			}

			h.SetStage(walletpool.StagePrepared)
			results[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, o.fail(id, escrow.FailSetupError, err)
	}

	out := make(map[types.Role]wallet.MultisigInfo, len(types.Roles))
	for i, role := range types.Roles {
		out[role] = results[i]
	}
	return out, nil
}

// multisigStateLabel names a point on the enabled/ready axis is_multisig()
// reports, for UnexpectedMultisigState's Expected/Actual fields.
func multisigStateLabel(enabled, ready bool) string {
	switch {
	case !enabled:
		return "disabled"
	case !ready:
		return "enabled,not-ready"
	default:
		return "enabled,ready"
	}
}

// verifyMultisigState implements spec §4.2's post-step check: after any
// prepare/make/exchange call, is_multisig() must match the expected
// post-state, or the step fails with UnexpectedMultisigState.
func (o *Orchestrator) verifyMultisigState(
	ctx context.Context,
	h *walletpool.Handle,
	role types.Role,
	expectEnabled, expectReady bool,
) error {
	status, err := h.Client().IsMultisig(ctx)
	if err != nil {
		return fmt.Errorf("post-step is_multisig check failed for role %s: %w", role, err)
	}
	if status.Enabled != expectEnabled || (expectEnabled && status.Ready != expectReady) {
		return &wallet.UnexpectedMultisigState{
			Expected: multisigStateLabel(expectEnabled, expectReady),
			Actual:   multisigStateLabel(status.Enabled, status.Ready),
		}
	}
	return nil
}

// ensureCleanForPrepare implements the cache-pollution check of spec §4.2:
// a wallet about to begin a fresh multisig setup must report
// is_multisig().enabled == false. If it doesn't, the handle is marked
// polluted, the pollution cooldown is observed, and the wallet is reopened
// before proceeding.
func (o *Orchestrator) ensureCleanForPrepare(
	ctx context.Context,
	h *walletpool.Handle,
	role types.Role,
	id types.EscrowID,
	rec *instrument.Recorder,
) error {
	status, err := h.Client().IsMultisig(ctx)
	if err != nil {
		return fmt.Errorf("is_multisig check failed for role %s: %w", role, err)
	}
	if !status.Enabled {
		return nil
	}

	rec.CachePollutionDetected(role, fmt.Sprintf("wallet %s already multisig-enabled before round 1", h))
	h.MarkPolluted()

	select {
	case <-time.After(o.cfg.MultisigPollutionCooldown):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := h.Reopen(ctx); err != nil {
		return fmt.Errorf("pollution recovery failed for role %s: %w", role, err)
	}
	h.ClearPollution()

	status, err = h.Client().IsMultisig(ctx)
	if err != nil {
		return fmt.Errorf("post-recovery is_multisig check failed for role %s: %w", role, err)
	}
	if status.Enabled {
		return fmt.Errorf("wallet for role %s still multisig-enabled after pollution recovery", role)
	}
	return nil
}

// runRound2 calls make_multisig on all three wallets, each with the sorted
// pair of the other two roles' Round 1 info, and verifies all three report
// the same address (spec §4.5/§4.6). Unlike rounds 1 and 3, this round stays
// sequential rather than fanned out: spec's optional IntraRoundMakeMultisigDelay
// is a deliberate pause between successive make_multisig calls on the same
// kind of RPC instance, which only has meaning if the calls are ordered.
func (o *Orchestrator) runRound2(
	ctx context.Context,
	id types.EscrowID,
	sess *session.Session,
	infos map[types.Role]wallet.MultisigInfo,
	rec *instrument.Recorder,
) (map[types.Role]wallet.MultisigInfo, string, error) {
	out := make(map[types.Role]wallet.MultisigInfo, 3)
	var address string

	for i, role := range types.Roles {
		if i > 0 && o.cfg.IntraRoundMakeMultisigDelay > 0 {
			select {
			case <-time.After(o.cfg.IntraRoundMakeMultisigDelay):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}

		h := sess.Handle(role)
		other := types.OtherRoles(role)
		pair := wallet.SortInfoPair(infos[other[0]], infos[other[1]])

		rec.RPCStart(role, "make_multisig")
		result, err := h.Client().MakeMultisig(ctx, 2, pair, "")
		if err != nil {
			rec.RPCError(role, "make_multisig", err)
			return nil, "", o.fail(id, escrow.FailSetupError, fmt.Errorf("make_multisig failed for role %s: %w", role, err))
		}
		rec.RPCEnd(role, "make_multisig")

		if err := o.verifyMultisigState(ctx, h, role, true, false); err != nil {
			return nil, "", o.fail(id, escrow.FailSetupError, err)
		}

		if address == "" {
			address = result.Address
		} else if result.Address != "" && result.Address != address {
			return nil, "", o.fail(id, escrow.FailAddressMismatch,
				fmt.Errorf("role %s produced address %s, expected %s", role, result.Address, address))
		}

		out[role] = result.MultisigInfo
	}

	return out, address, nil
}

// runRound3 calls exchange_multisig_keys on all three wallets until every
// one reports the finalized address, verifying all three converge on the
// same address as Round 2 reported (spec §4.5/§4.6). Like Round 1, each
// pass within the round is fanned out across the three independent wallets;
// only successive passes are kept sequential.
func (o *Orchestrator) runRound3(
	ctx context.Context,
	id types.EscrowID,
	sess *session.Session,
	infos map[types.Role]wallet.MultisigInfo,
	expectedAddress string,
	rec *instrument.Recorder,
) (string, error) {
	current := infos
	finalAddress := expectedAddress

	for round := 0; round < maxExchangeRounds; round++ {
		results := make([]*wallet.ExchangeResult, len(types.Roles))

		g, gctx := errgroup.WithContext(ctx)
		for i, role := range types.Roles {
			i, role := i, role
			g.Go(func() error {
				h := sess.Handle(role)
				other := types.OtherRoles(role)
				pair := wallet.SortInfoPair(current[other[0]], current[other[1]])

				rec.RPCStart(role, "exchange_multisig_keys")
				result, err := h.Client().ExchangeMultisigKeys(gctx, pair, "")
				if err != nil {
					rec.RPCError(role, "exchange_multisig_keys", err)
					return fmt.Errorf("exchange_multisig_keys failed for role %s: %w", role, err)
				}
				rec.RPCEnd(role, "exchange_multisig_keys")

				if err := o.verifyMultisigState(gctx, h, role, true, result.IsFinalized()); err != nil {
					return err
				}

				results[i] = result
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return "", o.fail(id, escrow.FailSetupError, err)
		}

		next := make(map[types.Role]wallet.MultisigInfo, 3)
		allFinalized := true

		for i, role := range types.Roles {
			result := results[i]
			h := sess.Handle(role)

			if result.IsFinalized() {
				h.SetStage(walletpool.StageReady)
				if finalAddress == "" {
					finalAddress = result.Address
				} else if result.Address != finalAddress {
					return "", o.fail(id, escrow.FailAddressMismatch,
						fmt.Errorf("role %s finalized to address %s, expected %s", role, result.Address, finalAddress))
				}
			} else {
				allFinalized = false
				next[role] = result.MoreInfo
			}
		}

		if allFinalized {
			if finalAddress == "" {
				return "", o.fail(id, escrow.FailSetupError, errors.New("all wallets finalized but no address was reported"))
			}
			return finalAddress, nil
		}
		current = next
	}

	return "", o.fail(id, escrow.FailSetupError,
		fmt.Errorf("exchange_multisig_keys did not converge within %d rounds", maxExchangeRounds))
}
