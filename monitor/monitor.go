// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package monitor implements the Blockchain Monitor (spec C8): a polling
// loop that watches each active escrow's shared multisig address for its
// funding transaction, tracks confirmations monotonically, and fails out
// escrows that sit unfunded past the configured deadline.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
	"golang.org/x/sync/errgroup"

	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/config"
	"github.com/xmrescrow/escrowd/escrow"
	"github.com/xmrescrow/escrowd/session"
)

var log = logging.Logger("monitor")

// AlertFunc is invoked after consecutiveFailureThreshold consecutive
// polling failures for the same escrow, so an operator can be paged
// without the monitor itself needing to know how alerts are delivered.
type AlertFunc func(id types.EscrowID, consecutiveFailures int, lastErr error)

const consecutiveFailureThreshold = 3

// Monitor polls every active escrow for funding and confirmation progress.
type Monitor struct {
	escrows  escrow.Manager
	sessions session.Manager
	cfg      *config.Config
	alert    AlertFunc

	mu       sync.Mutex
	failures map[types.EscrowID]int
}

// New constructs a Monitor. alert may be nil, in which case consecutive
// failures are only logged.
func New(escrows escrow.Manager, sessions session.Manager, cfg *config.Config, alert AlertFunc) *Monitor {
	return &Monitor{
		escrows:  escrows,
		sessions: sessions,
		cfg:      cfg,
		alert:    alert,
		failures: make(map[types.EscrowID]int),
	}
}

// Run polls every active escrow once per cfg.MonitorPollInterval until ctx
// is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// pollOnce fans the per-escrow checks out concurrently: spec §4.8 notes that
// across escrows no ordering is implied, so one escrow's RPC round-trip
// never blocks another's within the same poll tick. A failure on one escrow
// is recorded and does not affect the others (errgroup is only used for the
// fan-out, its own error return is unused).
func (m *Monitor) pollOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range m.escrows.ListActive() {
		e := e
		g.Go(func() error {
			if err := m.checkEscrow(gctx, e); err != nil {
				m.recordFailure(e.ID, err)
				return nil
			}
			m.clearFailure(e.ID)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) recordFailure(id types.EscrowID, err error) {
	m.mu.Lock()
	m.failures[id]++
	count := m.failures[id]
	m.mu.Unlock()

	log.Warnf("monitor poll failed for escrow %s (consecutive failures: %d): %s", id, count, err)
	if count >= consecutiveFailureThreshold && m.alert != nil {
		m.alert(id, count, err)
	}
}

func (m *Monitor) clearFailure(id types.EscrowID) {
	m.mu.Lock()
	delete(m.failures, id)
	m.mu.Unlock()
}

// checkEscrow advances one escrow's funding/confirmation state by one poll.
func (m *Monitor) checkEscrow(ctx context.Context, e *escrow.Escrow) error {
	switch e.Status.Kind {
	case escrow.KindAwaitingFunding:
		return m.checkAwaitingFunding(ctx, e)
	case escrow.KindFunded:
		return m.checkFunded(ctx, e)
	default:
		return nil
	}
}

func (m *Monitor) checkAwaitingFunding(ctx context.Context, e *escrow.Escrow) error {
	if time.Since(e.CreatedAt) > m.cfg.FundingDeadline {
		_, err := m.escrows.Apply(e.ID, escrow.Status{Kind: escrow.KindFailed, Reason: escrow.FailTimeout})
		if err != nil {
			return fmt.Errorf("monitor: failed to mark escrow %s as timed out: %w", e.ID, err)
		}
		return nil
	}

	sess, err := m.sessions.GetOrCreate(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("monitor: failed to obtain session for %s: %w", e.ID, err)
	}
	sess.Begin()
	defer sess.End()

	h := sess.Handle(types.RoleBuyer)
	transfers, err := h.Client().GetTransfers(ctx)
	if err != nil {
		return fmt.Errorf("monitor: get_transfers failed for escrow %s: %w", e.ID, err)
	}

	for _, tr := range transfers {
		if tr.Amount < e.Amount.Uint64() {
			continue
		}

		if err := m.escrows.SetFundingTxID(e.ID, tr.TxID); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		if _, err := m.escrows.Apply(e.ID, escrow.Status{Kind: escrow.KindFunded, Confirmations: tr.Confirmations}); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		return m.maybeActivate(e.ID, tr.Confirmations)
	}

	return nil
}

func (m *Monitor) checkFunded(ctx context.Context, e *escrow.Escrow) error {
	if e.FundingTxID == "" {
		return fmt.Errorf("monitor: escrow %s is Funded with no recorded funding tx id", e.ID)
	}

	sess, err := m.sessions.GetOrCreate(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("monitor: failed to obtain session for %s: %w", e.ID, err)
	}
	sess.Begin()
	defer sess.End()

	h := sess.Handle(types.RoleBuyer)
	status, err := h.Client().GetTransferByTxID(ctx, e.FundingTxID)
	if err != nil {
		return fmt.Errorf("monitor: get_transfer_by_txid failed for escrow %s: %w", e.ID, err)
	}

	// Confirmation counts must never regress on a reorg (spec §8 property 4).
	confirmations := status.Confirmations
	if confirmations < e.LastConfirmations {
		confirmations = e.LastConfirmations
	}

	if confirmations != e.Status.Confirmations {
		if _, err := m.escrows.Apply(e.ID, escrow.Status{Kind: escrow.KindFunded, Confirmations: confirmations}); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
	}

	return m.maybeActivate(e.ID, confirmations)
}

func (m *Monitor) maybeActivate(id types.EscrowID, confirmations uint64) error {
	if confirmations < m.cfg.ConfirmationThreshold {
		return nil
	}
	if _, err := m.escrows.Apply(id, escrow.Status{Kind: escrow.KindActive}); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	log.Infof("escrow %s reached confirmation threshold and is now Active", id)
	return nil
}
