// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package walletpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xmrescrow/escrowd/common/types"
)

func testEndpoints(role types.Role, n int, basePort int) []Endpoint {
	out := make([]Endpoint, n)
	for i := 0; i < n; i++ {
		out[i] = Endpoint{
			Role:       role,
			Port:       basePort + i,
			URL:        fmt.Sprintf("http://127.0.0.1:%d/json_rpc", basePort+i),
			WalletFile: fmt.Sprintf("wallet-%s-%d", role, i),
		}
	}
	return out
}

func TestPool_AcquireRelease_NoPortSharing(t *testing.T) {
	eps := testEndpoints(types.RoleBuyer, 3, 18100)
	p, err := NewRegisteredPool(eps)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h1, err := p.Acquire(ctx, types.RoleBuyer)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx, types.RoleBuyer)
	require.NoError(t, err)
	h3, err := p.Acquire(ctx, types.RoleBuyer)
	require.NoError(t, err)

	ports := map[int]bool{h1.Port: true, h2.Port: true, h3.Port: true}
	require.Len(t, ports, 3, "no two live handles may share a port")

	p.Release(h1)
	p.Release(h2)
	p.Release(h3)
}

func TestPool_Acquire_ExhaustedBlocksThenTimesOut(t *testing.T) {
	eps := testEndpoints(types.RoleVendor, 1, 18200)
	p, err := NewRegisteredPool(eps)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := p.Acquire(ctx, types.RoleVendor)
	require.NoError(t, err)

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(timeoutCtx, types.RoleVendor)
	require.ErrorIs(t, err, ErrPoolExhausted)

	p.Release(h)
	h2, err := p.Acquire(context.Background(), types.RoleVendor)
	require.NoError(t, err)
	require.Equal(t, h.Port, h2.Port)
}

func TestPool_ConcurrentAcquireRelease_NeverExceedsCapacity(t *testing.T) {
	const poolSize = 4
	eps := testEndpoints(types.RoleArbiter, poolSize, 18300)
	p, err := NewRegisteredPool(eps)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	liveCount := 0
	maxLive := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			h, err := p.Acquire(ctx, types.RoleArbiter)
			if err != nil {
				return
			}

			mu.Lock()
			liveCount++
			if liveCount > maxLive {
				maxLive = liveCount
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			liveCount--
			mu.Unlock()

			p.Release(h)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxLive, poolSize)
}
