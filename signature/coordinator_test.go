// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package signature

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xmrescrow/escrowd/coins"
	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/escrow"
	"github.com/xmrescrow/escrowd/session"
	"github.com/xmrescrow/escrowd/walletpool"
)

const testTxID = "deadbeefcafef00d"

// fakeSigningWallet answers only the two RPCs this package's resolution
// paths issue: transfer_split and submit_multisig.
type fakeSigningWallet struct{}

func (fakeSigningWallet) handler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64 `json:"id"`
		Method string `json:"method"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "transfer_split":
		resp["result"] = map[string]any{
			"tx_hash":         "partial",
			"tx_metadata":     "partially-signed-metadata-blob",
			"fee":             1000,
			"amount":          1_000_000,
		}
	case "submit_multisig":
		resp["result"] = map[string]any{"tx_hash_list": []string{testTxID}}
	default:
		resp["error"] = map[string]any{"code": -1, "message": "unexpected method " + req.Method}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type fakeEscrowStore struct {
	mu   sync.Mutex
	data map[types.EscrowID]*escrow.Escrow
}

func newFakeEscrowStore() *fakeEscrowStore {
	return &fakeEscrowStore{data: make(map[types.EscrowID]*escrow.Escrow)}
}

func (f *fakeEscrowStore) PutEscrow(e *escrow.Escrow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.data[e.ID] = &cp
	return nil
}

func (f *fakeEscrowStore) GetEscrow(id types.EscrowID) (*escrow.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[id]
	if !ok {
		return nil, escrow.ErrNoEscrowWithID
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEscrowStore) GetAllEscrows() ([]*escrow.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*escrow.Escrow, 0, len(f.data))
	for _, e := range f.data {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func newTestEnvironment(t *testing.T, initial escrow.Status) (*Coordinator, escrow.Manager, *escrow.Escrow) {
	t.Helper()

	var endpoints []walletpool.Endpoint
	for _, role := range types.Roles {
		srv := httptest.NewServer(http.HandlerFunc(fakeSigningWallet{}.handler))
		t.Cleanup(srv.Close)
		endpoints = append(endpoints, walletpool.Endpoint{
			Role:       role,
			URL:        srv.URL,
			WalletFile: fmt.Sprintf("wallet-%s", role),
		})
	}

	pool, err := walletpool.NewRegisteredPool(endpoints)
	require.NoError(t, err)

	sessions, err := session.NewManager(pool, 16, 5*time.Second)
	require.NoError(t, err)

	store := newFakeEscrowStore()
	escrows, err := escrow.NewManager(store)
	require.NoError(t, err)

	e, err := escrow.NewEscrow(types.NewEscrowID(), "buyer-1", "vendor-1", "arbiter-1", coins.PiconeroAmount(1_000_000), 0)
	require.NoError(t, err)
	e.Status = initial
	require.NoError(t, escrows.Create(e))

	return New(escrows, sessions), escrows, e
}

func TestCoordinator_Release_NormalPath(t *testing.T) {
	coord, escrows, e := newTestEnvironment(t, escrow.Status{Kind: escrow.KindActive})

	err := coord.Release(context.Background(), e.ID, e.Buyer, "4destination...")
	require.NoError(t, err)

	got, err := escrows.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.KindCompleted, got.Status.Kind)
	require.Equal(t, testTxID, got.ResolutionTxID)
}

func TestCoordinator_Release_RejectsArbiterInActiveState(t *testing.T) {
	coord, _, e := newTestEnvironment(t, escrow.Status{Kind: escrow.KindActive})

	err := coord.Release(context.Background(), e.ID, e.Arbiter, "4destination...")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestCoordinator_Release_RejectsUnknownActor(t *testing.T) {
	coord, _, e := newTestEnvironment(t, escrow.Status{Kind: escrow.KindActive})

	err := coord.Release(context.Background(), e.ID, "not-a-party", "4destination...")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestCoordinator_ArbiterReleaseForVendor(t *testing.T) {
	coord, escrows, e := newTestEnvironment(t, escrow.Status{
		Kind: escrow.KindDisputeResolving, InFavorOf: types.RoleVendor,
	})

	err := coord.Release(context.Background(), e.ID, e.Arbiter, "4vendor-destination...")
	require.NoError(t, err)

	got, err := escrows.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.KindCompleted, got.Status.Kind)
}

func TestCoordinator_ArbiterRefundForBuyer(t *testing.T) {
	coord, escrows, e := newTestEnvironment(t, escrow.Status{
		Kind: escrow.KindDisputeResolving, InFavorOf: types.RoleBuyer,
	})

	err := coord.Refund(context.Background(), e.ID, e.Arbiter, "4buyer-destination...")
	require.NoError(t, err)

	got, err := escrows.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.KindRefunded, got.Status.Kind)
}

func TestCoordinator_Refund_RejectsWhenResolvedForVendor(t *testing.T) {
	coord, _, e := newTestEnvironment(t, escrow.Status{
		Kind: escrow.KindDisputeResolving, InFavorOf: types.RoleVendor,
	})

	err := coord.Refund(context.Background(), e.ID, e.Arbiter, "4buyer-destination...")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCoordinator_RaiseDispute_ThenResolve(t *testing.T) {
	coord, escrows, e := newTestEnvironment(t, escrow.Status{Kind: escrow.KindActive})

	require.NoError(t, coord.RaiseDispute(e.ID, e.Buyer))
	got, err := escrows.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.KindDisputed, got.Status.Kind)

	require.NoError(t, coord.ResolveDispute(e.ID, e.Arbiter, types.RoleBuyer))
	got, err = escrows.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.KindDisputeResolving, got.Status.Kind)
	require.Equal(t, types.RoleBuyer, got.Status.InFavorOf)
}

func TestCoordinator_RaiseDispute_RejectsArbiter(t *testing.T) {
	coord, _, e := newTestEnvironment(t, escrow.Status{Kind: escrow.KindActive})
	err := coord.RaiseDispute(e.ID, e.Arbiter)
	require.ErrorIs(t, err, ErrUnauthorized)
}
