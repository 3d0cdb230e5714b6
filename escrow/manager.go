// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package escrow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xmrescrow/escrowd/common/types"
)

// ErrNoEscrowWithID is returned by lookups for an id the Manager has never
// seen, either in memory or in the Persistence Adapter.
var ErrNoEscrowWithID = errors.New("escrow: no escrow with given id")

// Store is the subset of the Persistence Adapter (C10) the Manager depends
// on. It is defined here, rather than imported from package storage, so
// that escrow has no dependency on the storage backend's choice of library
// (ChainSafe/chaindb) -- package storage implements this interface.
type Store interface {
	PutEscrow(e *Escrow) error
	GetEscrow(id types.EscrowID) (*Escrow, error)
	GetAllEscrows() ([]*Escrow, error)
}

// Manager tracks active and terminal escrows, persisting every transition
// through a Store. Active escrows are kept fully in memory; terminal ones
// are evicted to the Store once completed and re-fetched on demand, the
// same split the teacher's swap Manager uses between "ongoing" and "past".
type Manager interface {
	Create(e *Escrow) error
	Get(id types.EscrowID) (*Escrow, error)
	GetActive(id types.EscrowID) (*Escrow, error)
	ListActive() []*Escrow
	Apply(id types.EscrowID, to Status) (*Escrow, error)
	SetMultisigAddress(id types.EscrowID, address string) error
	SetFundingTxID(id types.EscrowID, txID string) error
	SetResolutionTxID(id types.EscrowID, txID string) error
}

type manager struct {
	store Store

	mu     sync.RWMutex
	active map[types.EscrowID]*Escrow
	past   map[types.EscrowID]*Escrow
}

var _ Manager = (*manager)(nil)

// NewManager returns a Manager backed by store, loading every non-terminal
// escrow into memory on construction.
func NewManager(store Store) (Manager, error) {
	all, err := store.GetAllEscrows()
	if err != nil {
		return nil, fmt.Errorf("failed to load escrows from store: %w", err)
	}

	active := make(map[types.EscrowID]*Escrow)
	for _, e := range all {
		if !e.Status.IsTerminal() {
			active[e.ID] = e
		}
	}

	return &manager{
		store:  store,
		active: active,
		past:   make(map[types.EscrowID]*Escrow),
	}, nil
}

// Create registers a brand-new escrow and persists its Created state.
func (m *manager) Create(e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[e.ID]; exists {
		return fmt.Errorf("escrow %s already exists", e.ID)
	}

	if err := m.store.PutEscrow(e); err != nil {
		return err
	}
	m.active[e.ID] = e
	return nil
}

// Get returns the escrow for id, checking active escrows, then the past
// cache, then falling back to the Store.
func (m *manager) Get(id types.EscrowID) (*Escrow, error) {
	m.mu.RLock()
	if e, ok := m.active[id]; ok {
		m.mu.RUnlock()
		return e, nil
	}
	if e, ok := m.past[id]; ok {
		m.mu.RUnlock()
		return e, nil
	}
	m.mu.RUnlock()

	e, err := m.store.GetEscrow(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoEscrowWithID, id)
	}

	if e.Status.IsTerminal() {
		m.mu.Lock()
		m.past[id] = e
		m.mu.Unlock()
	}
	return e, nil
}

// GetActive returns the escrow for id only if it is still active (not yet
// in a terminal state), failing otherwise -- used by components that must
// never operate on a finished escrow (e.g. the Signature Coordinator).
func (m *manager) GetActive(id types.EscrowID) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEscrowWithID, id)
	}
	return e, nil
}

// ListActive returns a snapshot of every currently active escrow.
func (m *manager) ListActive() []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Escrow, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, e)
	}
	return out
}

// Apply attempts the transition from the escrow's current status to `to`,
// persisting the result atomically with the status change (spec §4.4).
// On success it returns the updated escrow; on an illegal transition it
// returns an *IllegalTransition and leaves the escrow's status untouched.
func (m *manager) Apply(id types.EscrowID, to Status) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEscrowWithID, id)
	}

	if !CanTransition(e.Status, to) {
		return nil, &IllegalTransition{From: e.Status, To: to}
	}

	prev := e.Status
	prevFundedAt := e.FundedAt
	prevResolvedAt := e.ResolvedAt
	prevLastConfirmations := e.LastConfirmations

	e.Status = to

	now := time.Now()
	switch to.Kind {
	case KindFunded:
		if prev.Kind != KindFunded && e.FundedAt == nil {
			e.FundedAt = &now
		}
		if to.Confirmations > e.LastConfirmations {
			e.LastConfirmations = to.Confirmations
		}
	case KindCompleted, KindRefunded, KindFailed:
		e.ResolvedAt = &now
	}

	if err := m.store.PutEscrow(e); err != nil {
		// don't leave memory and store disagreeing: restore every field this
		// transition touched, not just Status.
		e.Status = prev
		e.FundedAt = prevFundedAt
		e.ResolvedAt = prevResolvedAt
		e.LastConfirmations = prevLastConfirmations
		return nil, fmt.Errorf("failed to persist transition for escrow %s: %w", id, err)
	}

	if to.IsTerminal() {
		m.past[id] = e
		delete(m.active, id)
	}

	return e, nil
}

// SetMultisigAddress records the multisig address once (I4); a second call
// with a different address is rejected.
func (m *manager) SetMultisigAddress(id types.EscrowID, address string) error {
	return m.setOnce(id, func(e *Escrow) error {
		if e.MultisigAddress != "" && e.MultisigAddress != address {
			return fmt.Errorf("escrow %s already has a different multisig address set", id)
		}
		e.MultisigAddress = address
		return nil
	})
}

// SetFundingTxID records the funding transaction id once (I5).
func (m *manager) SetFundingTxID(id types.EscrowID, txID string) error {
	return m.setOnce(id, func(e *Escrow) error {
		if e.FundingTxID != "" && e.FundingTxID != txID {
			return fmt.Errorf("escrow %s already has a different funding tx id set", id)
		}
		e.FundingTxID = txID
		return nil
	})
}

// SetResolutionTxID records the resolution (release/refund) transaction id
// once (I6).
func (m *manager) SetResolutionTxID(id types.EscrowID, txID string) error {
	return m.setOnce(id, func(e *Escrow) error {
		if e.ResolutionTxID != "" && e.ResolutionTxID != txID {
			return fmt.Errorf("escrow %s already has a different resolution tx id set", id)
		}
		e.ResolutionTxID = txID
		return nil
	})
}

func (m *manager) setOnce(id types.EscrowID, mutate func(e *Escrow) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoEscrowWithID, id)
	}

	if err := mutate(e); err != nil {
		return err
	}

	return m.store.PutEscrow(e)
}
