// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xmrescrow/escrowd/coins"
	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/config"
	"github.com/xmrescrow/escrowd/escrow"
	"github.com/xmrescrow/escrowd/session"
	"github.com/xmrescrow/escrowd/walletpool"
)

const (
	fundingTxID        = "funding-tx-id"
	fundedAmountAtomic = 2_000_000
)

type fakeMoneroNode struct {
	confirmations atomic.Int64
}

func (f *fakeMoneroNode) handler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64 `json:"id"`
		Method string `json:"method"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "get_transfers":
		resp["result"] = map[string]any{
			"in": []map[string]any{
				{"txid": fundingTxID, "amount": fundedAmountAtomic, "confirmations": f.confirmations.Load(), "height": 100},
			},
		}
	case "get_transfer_by_txid":
		resp["result"] = map[string]any{
			"transfer": map[string]any{
				"confirmations": f.confirmations.Load(),
				"amount":        fundedAmountAtomic,
				"height":        100,
			},
		}
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

func newTestEnvironment(t *testing.T, cfgMutate func(*config.Config)) (*Monitor, escrow.Manager, *escrow.Escrow, *fakeMoneroNode) {
	t.Helper()

	node := &fakeMoneroNode{}
	var endpoints []walletpool.Endpoint
	for _, role := range types.Roles {
		srv := httptest.NewServer(http.HandlerFunc(node.handler))
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

	cfg := config.Default()
	cfg.ConfirmationThreshold = 10
	cfg.FundingDeadline = time.Hour
	if cfgMutate != nil {
		cfgMutate(cfg)
	}

	e, err := escrow.NewEscrow(types.NewEscrowID(), "buyer-1", "vendor-1", "arbiter-1", coins.PiconeroAmount(fundedAmountAtomic), 0)
	require.NoError(t, err)
	e.Status = escrow.Status{Kind: escrow.KindAwaitingFunding}
	require.NoError(t, escrows.Create(e))

	return New(escrows, sessions, cfg, nil), escrows, e, node
}

func TestMonitor_DetectsFundingThenActivatesAtThreshold(t *testing.T) {
	mon, escrows, e, node := newTestEnvironment(t, nil)

	node.confirmations.Store(0)
	require.NoError(t, mon.checkEscrow(context.Background(), e))

	got, err := escrows.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.KindFunded, got.Status.Kind)
	require.Equal(t, fundingTxID, got.FundingTxID)

	node.confirmations.Store(10)
	require.NoError(t, mon.checkEscrow(context.Background(), got))

	got, err = escrows.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.KindActive, got.Status.Kind)
}

func TestMonitor_ConfirmationsNeverRegress(t *testing.T) {
	mon, escrows, e, node := newTestEnvironment(t, nil)

	node.confirmations.Store(5)
	require.NoError(t, mon.checkEscrow(context.Background(), e))
	got, err := escrows.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.Status.Confirmations)

	// simulate a reorg reported by the node: confirmations drop
	node.confirmations.Store(2)
	require.NoError(t, mon.checkEscrow(context.Background(), got))

	got, err = escrows.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.Status.Confirmations, "confirmations must never regress")
}

func TestMonitor_FundingDeadline_FailsOutUnfundedEscrow(t *testing.T) {
	mon, escrows, e, _ := newTestEnvironment(t, func(c *config.Config) {
		c.FundingDeadline = -time.Second // already expired
	})

	require.NoError(t, mon.checkEscrow(context.Background(), e))

	got, err := escrows.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.KindFailed, got.Status.Kind)
	require.Equal(t, escrow.FailTimeout, got.Status.Reason)
}

func TestMonitor_RecordsAndClearsConsecutiveFailures(t *testing.T) {
	var alerted atomic.Bool
	var alertCount atomic.Int32

	mon, _, e, _ := newTestEnvironment(t, nil)
	mon.alert = func(id types.EscrowID, consecutiveFailures int, lastErr error) {
		alerted.Store(true)
		alertCount.Store(int32(consecutiveFailures))
	}

	badErr := fmt.Errorf("boom")
	for i := 0; i < consecutiveFailureThreshold; i++ {
		mon.recordFailure(e.ID, badErr)
	}
	require.True(t, alerted.Load())
	require.Equal(t, int32(consecutiveFailureThreshold), alertCount.Load())

	mon.clearFailure(e.ID)
	mon.mu.Lock()
	_, stillTracked := mon.failures[e.ID]
	mon.mu.Unlock()
	require.False(t, stillTracked)
}
