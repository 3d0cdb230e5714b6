// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package walletpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
	"golang.org/x/sync/semaphore"

	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/wallet"
)

var log = logging.Logger("walletpool")

// ErrPoolExhausted is returned by Acquire when no handle became idle before
// the caller's context deadline.
var ErrPoolExhausted = errors.New("wallet pool exhausted: no idle handle before deadline")

// Pool hands out exclusive WalletHandle ownership per role, with bounded
// concurrency, round-robin port assignment, and health checks (spec C3).
type Pool interface {
	// Acquire blocks until a handle for role is idle, or ctx is done.
	Acquire(ctx context.Context, role types.Role) (*Handle, error)
	// Release returns handle to the pool, making it idle again.
	Release(handle *Handle)
	// HealthCheck reports whether handle's wallet-rpc endpoint is reachable.
	HealthCheck(ctx context.Context, handle *Handle) bool
	// WarmUp pre-opens every handle's wallet, per spec §4.3.
	WarmUp(ctx context.Context) error
}

type rolePool struct {
	sem     *semaphore.Weighted
	mu      sync.Mutex
	idle    []*Handle
	cursor  int // round-robin cursor over the role's configured ports
	all     []*Handle
}

type pool struct {
	roles map[types.Role]*rolePool
}

// Endpoint describes one configured wallet-rpc instance before it's wrapped
// into a live Handle.
type Endpoint struct {
	Role       types.Role
	Port       int
	URL        string
	WalletFile string
	Password   string
}

// NewRegisteredPool builds a Pool from a fixed list of client-registered
// endpoints (each may be localhost or a .onion address). This is the
// non-custodial path and is the default per spec §9's first open question:
// parties own their own wallet-rpc process, the daemon just talks to it.
func NewRegisteredPool(endpoints []Endpoint) (Pool, error) {
	return newPool(endpoints)
}

// NewManagedPool builds a Pool where the daemon itself owns every wallet
// file and wallet-rpc process (the "server-managed multisig" path spec §9
// mentions as an alternative). The caller is responsible for having already
// started the wallet-rpc processes at the given endpoints; this constructor
// only differs from NewRegisteredPool in the wallet files being ones the
// server created itself, rather than a party's own endpoint.
func NewManagedPool(endpoints []Endpoint) (Pool, error) {
	return newPool(endpoints)
}

func newPool(endpoints []Endpoint) (Pool, error) {
	p := &pool{roles: make(map[types.Role]*rolePool)}

	byRole := make(map[types.Role][]Endpoint)
	for _, ep := range endpoints {
		if !ep.Role.Valid() {
			return nil, fmt.Errorf("endpoint %s has invalid role", ep.URL)
		}
		byRole[ep.Role] = append(byRole[ep.Role], ep)
	}

	for role, eps := range byRole {
		rp := &rolePool{sem: semaphore.NewWeighted(int64(len(eps)))}
		for i, ep := range eps {
			client, err := wallet.NewClient(ep.URL, 60*time.Second)
			if err != nil {
				return nil, fmt.Errorf("failed to construct wallet client for %s: %w", ep.URL, err)
			}
			h := &Handle{
				ID:       fmt.Sprintf("%s-%d", role, i),
				Role:     role,
				Port:     ep.Port,
				Endpoint: ep.URL,
			}
			h.client = client
			h.walletFile = ep.WalletFile
			h.password = ep.Password
			rp.all = append(rp.all, h)
			rp.idle = append(rp.idle, h)
		}
		p.roles[role] = rp
	}

	return p, nil
}

// Acquire implements Pool.
func (p *pool) Acquire(ctx context.Context, role types.Role) (*Handle, error) {
	rp, ok := p.roles[role]
	if !ok {
		return nil, fmt.Errorf("no wallet pool configured for role %s", role)
	}

	if err := rp.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, err)
	}

	rp.mu.Lock()
	defer rp.mu.Unlock()
	if len(rp.idle) == 0 {
		rp.sem.Release(1)
		return nil, ErrPoolExhausted
	}

	// Round-robin over the idle set so that no two concurrently-live
	// handles are handed out preferentially by port order (spec §4.3).
	idx := rp.cursor % len(rp.idle)
	rp.cursor++
	h := rp.idle[idx]
	rp.idle = append(rp.idle[:idx], rp.idle[idx+1:]...)
	return h, nil
}

// Release implements Pool.
func (p *pool) Release(handle *Handle) {
	rp, ok := p.roles[handle.Role]
	if !ok {
		log.Errorf("release called for handle %s with unknown role", handle)
		return
	}

	rp.mu.Lock()
	rp.idle = append(rp.idle, handle)
	rp.mu.Unlock()
	rp.sem.Release(1)
}

// HealthCheck implements Pool.
func (p *pool) HealthCheck(ctx context.Context, handle *Handle) bool {
	if _, err := handle.Client().GetHeight(ctx); err != nil {
		log.Warnf("health check failed for %s: %s", handle, err)
		return false
	}
	return true
}

// WarmUp implements Pool.
func (p *pool) WarmUp(ctx context.Context) error {
	for role, rp := range p.roles {
		for _, h := range rp.all {
			if err := h.warmUp(ctx); err != nil {
				return fmt.Errorf("failed to warm up %s handle %s: %w", role, h, err)
			}
		}
	}
	return nil
}
