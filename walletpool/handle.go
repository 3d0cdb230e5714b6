// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package walletpool implements the Wallet Pool (spec C3): a per-role pool
// of long-lived wallet-rpc endpoints with bounded concurrency, round-robin
// port assignment, warm-up, and health checks.
package walletpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/wallet"
)

// MultisigStage is the handle's last-observed multisig progress.
type MultisigStage int

// The four multisig stages a WalletHandle can report (spec §3).
const (
	StageUnknown MultisigStage = iota
	StageNonMultisig
	StagePrepared
	StageReady
)

// Handle represents one monero-wallet-rpc instance bound to a wallet file
// and a TCP port on localhost (or a .onion address for a client-owned
// endpoint). A handle is owned by exactly one session at a time (spec §3).
type Handle struct {
	ID       string
	Role     types.Role
	Port     int
	Endpoint string

	mu            sync.Mutex
	client        *wallet.Client
	stage         MultisigStage
	lastAddrHash  [32]byte
	walletFile    string
	password      string
	polluted      bool
}

// Client returns the handle's underlying RPC client. Callers must already
// hold exclusive ownership of the handle (granted by Pool.Acquire).
func (h *Handle) Client() *wallet.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

// WalletFile returns the handle's bound wallet file name.
func (h *Handle) WalletFile() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.walletFile
}

// Stage returns the handle's last-observed multisig stage.
func (h *Handle) Stage() MultisigStage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stage
}

// SetStage records the handle's current multisig stage.
func (h *Handle) SetStage(s MultisigStage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stage = s
}

// MarkPolluted flags the handle as cache-polluted (spec §4.2) until
// ClearPollution is called. The flag is informational: Pool.Acquire does not
// consult it, and the close/cool-down/reopen recovery is run by the caller.
func (h *Handle) MarkPolluted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.polluted = true
}

// Polluted reports whether the handle was flagged as cache-polluted.
func (h *Handle) Polluted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.polluted
}

// ClearPollution resets the pollution flag after a successful recovery.
func (h *Handle) ClearPollution() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.polluted = false
}

func (h *Handle) String() string {
	return fmt.Sprintf("handle(%s role=%s port=%d)", h.ID, h.Role, h.Port)
}

// warmUp opens the handle's wallet file so the endpoint is ready for use.
func (h *Handle) warmUp(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return fmt.Errorf("handle %s has no RPC client configured", h.ID)
	}
	return h.client.OpenWallet(ctx, h.walletFile, h.password)
}

// Reopen closes and reopens the handle's wallet file, discarding any
// in-memory multisig cache state the wallet-rpc process may be holding.
// This is the recovery step spec §4.2 requires once cache pollution has
// been detected and the cooldown has elapsed.
func (h *Handle) Reopen(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return fmt.Errorf("handle %s has no RPC client configured", h.ID)
	}
	if err := h.client.CloseWallet(ctx); err != nil {
		return fmt.Errorf("failed to close wallet on %s during pollution recovery: %w", h, err)
	}
	if err := h.client.OpenWallet(ctx, h.walletFile, h.password); err != nil {
		return fmt.Errorf("failed to reopen wallet on %s during pollution recovery: %w", h, err)
	}
	h.stage = StageUnknown
	return nil
}
