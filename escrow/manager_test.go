// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package escrow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xmrescrow/escrowd/coins"
	"github.com/xmrescrow/escrowd/common/types"
)

// fakeStore is a hand-rolled in-memory Store, grounded in the same style of
// fake the teacher uses for its network layer in protocol/xmrmaker tests
// rather than a generated mock.
type fakeStore struct {
	mu   sync.Mutex
	data map[types.EscrowID]*Escrow
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[types.EscrowID]*Escrow)}
}

func (f *fakeStore) PutEscrow(e *Escrow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.data[e.ID] = &cp
	return nil
}

func (f *fakeStore) GetEscrow(id types.EscrowID) (*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[id]
	if !ok {
		return nil, ErrNoEscrowWithID
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) GetAllEscrows() ([]*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Escrow, 0, len(f.data))
	for _, e := range f.data {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func newTestEscrow(t *testing.T) *Escrow {
	t.Helper()
	e, err := NewEscrow(types.NewEscrowID(), "buyer-1", "vendor-1", "arbiter-1", coins.PiconeroAmount(1_000_000_000_000), 0)
	require.NoError(t, err)
	return e
}

func TestManager_Create_ThenGet(t *testing.T) {
	store := newFakeStore()
	mgr, err := NewManager(store)
	require.NoError(t, err)

	e := newTestEscrow(t)
	require.NoError(t, mgr.Create(e))

	got, err := mgr.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)
	require.Equal(t, KindCreated, got.Status.Kind)
}

func TestManager_Apply_PersistsLegalTransition(t *testing.T) {
	store := newFakeStore()
	mgr, err := NewManager(store)
	require.NoError(t, err)

	e := newTestEscrow(t)
	require.NoError(t, mgr.Create(e))

	updated, err := mgr.Apply(e.ID, Status{Kind: KindSetupInProgress, Round: 1})
	require.NoError(t, err)
	require.Equal(t, KindSetupInProgress, updated.Status.Kind)

	persisted, err := store.GetEscrow(e.ID)
	require.NoError(t, err)
	require.Equal(t, KindSetupInProgress, persisted.Status.Kind)
}

func TestManager_Apply_RejectsIllegalTransition(t *testing.T) {
	store := newFakeStore()
	mgr, err := NewManager(store)
	require.NoError(t, err)

	e := newTestEscrow(t)
	require.NoError(t, mgr.Create(e))

	_, err = mgr.Apply(e.ID, Status{Kind: KindActive})
	require.Error(t, err)

	var illegal *IllegalTransition
	require.ErrorAs(t, err, &illegal)

	// the in-memory copy must not have moved either
	got, err := mgr.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, KindCreated, got.Status.Kind)
}

func TestManager_Apply_TerminalMovesEscrowToPast(t *testing.T) {
	store := newFakeStore()
	mgr, err := NewManager(store)
	require.NoError(t, err)

	e := newTestEscrow(t)
	require.NoError(t, mgr.Create(e))

	for _, to := range []Status{
		{Kind: KindSetupInProgress, Round: 1},
		{Kind: KindSetupInProgress, Round: 2},
		{Kind: KindSetupInProgress, Round: 3},
		{Kind: KindAwaitingFunding},
		{Kind: KindFunded, Confirmations: 0},
		{Kind: KindActive},
		{Kind: KindReleasing},
		{Kind: KindCompleted},
	} {
		_, err := mgr.Apply(e.ID, to)
		require.NoError(t, err)
	}

	require.Empty(t, mgr.ListActive())
	_, err = mgr.GetActive(e.ID)
	require.ErrorIs(t, err, ErrNoEscrowWithID)

	got, err := mgr.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, KindCompleted, got.Status.Kind)
	require.NotNil(t, got.ResolvedAt)
}

func TestManager_SetMultisigAddress_RejectsConflictingSecondWrite(t *testing.T) {
	store := newFakeStore()
	mgr, err := NewManager(store)
	require.NoError(t, err)

	e := newTestEscrow(t)
	require.NoError(t, mgr.Create(e))

	require.NoError(t, mgr.SetMultisigAddress(e.ID, "4Addr1..."))
	require.NoError(t, mgr.SetMultisigAddress(e.ID, "4Addr1...")) // idempotent
	require.Error(t, mgr.SetMultisigAddress(e.ID, "4Addr2..."))
}

func TestNewManager_LoadsOnlyActiveEscrowsFromStore(t *testing.T) {
	store := newFakeStore()
	active := newTestEscrow(t)
	require.NoError(t, store.PutEscrow(active))

	done := newTestEscrow(t)
	done.Status = Status{Kind: KindCompleted}
	require.NoError(t, store.PutEscrow(done))

	mgr, err := NewManager(store)
	require.NoError(t, err)

	require.Len(t, mgr.ListActive(), 1)
	_, err = mgr.GetActive(done.ID)
	require.ErrorIs(t, err, ErrNoEscrowWithID)
}
