// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package session implements the Wallet Session Manager (spec C4):
// guaranteeing that a given escrow id is associated with exactly one
// WalletSession, with double-checked creation and LRU eviction under
// resource pressure.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/walletpool"
)

// Session is a live triple of wallet handles bound to one escrow (spec §3).
// The three handles are on distinct ports; all three are expected to
// produce the same multisig address once the Orchestrator's three rounds
// complete.
type Session struct {
	EscrowID types.EscrowID
	Buyer    *walletpool.Handle
	Vendor   *walletpool.Handle
	Arbiter  *walletpool.Handle

	inflight int32 // count of in-progress operations using this session
	evicted  int32 // not set by the Manager; eviction is tracked by its LRU cache
}

// Handle returns the handle for the given role.
func (s *Session) Handle(role types.Role) *walletpool.Handle {
	switch role {
	case types.RoleBuyer:
		return s.Buyer
	case types.RoleVendor:
		return s.Vendor
	case types.RoleArbiter:
		return s.Arbiter
	default:
		return nil
	}
}

// Begin marks the start of an in-flight operation against this session,
// so a concurrent eviction defers releasing its handles until End is called.
func (s *Session) Begin() {
	atomic.AddInt32(&s.inflight, 1)
}

// End marks the completion of an in-flight operation.
func (s *Session) End() {
	atomic.AddInt32(&s.inflight, -1)
}

func (s *Session) handles() [3]*walletpool.Handle {
	return [3]*walletpool.Handle{s.Buyer, s.Vendor, s.Arbiter}
}
