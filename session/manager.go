// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log"

	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/walletpool"
)

var log = logging.Logger("session")

// Sentinel errors for Manager.GetOrCreate (spec §4.4, §7).
var (
	ErrPoolExhausted   = errors.New("session: wallet pool exhausted while creating session")
	ErrCreationTimeout = errors.New("session: timed out creating new session")
	ErrAlreadyTerminated = errors.New("session: escrow has already terminated")
)

// Manager is the single entry point guaranteeing exactly one live Session
// per escrow id (spec C4). GetOrCreate is the double-checked-creation path
// described in spec §4.4: this component exists specifically because the
// naive check/create/insert pattern leaked handles on concurrent requests
// for the same escrow.
type Manager interface {
	GetOrCreate(ctx context.Context, id types.EscrowID) (*Session, error)
	// Terminated marks id so future GetOrCreate calls fail fast instead of
	// building a new session for a finished escrow.
	Terminated(id types.EscrowID)
}

type manager struct {
	pool            walletpool.Pool
	creationTimeout time.Duration
	cap             int

	mu          sync.Mutex
	sessions    *lru.Cache[types.EscrowID, *Session]
	terminated  map[types.EscrowID]struct{}
	inProgress  map[types.EscrowID]*sync.WaitGroup
}

// NewManager builds a session Manager over pool, evicting the
// least-recently-used session once more than cap sessions are live.
func NewManager(pool walletpool.Pool, cap int, creationTimeout time.Duration) (Manager, error) {
	m := &manager{
		pool:            pool,
		creationTimeout: creationTimeout,
		cap:             cap,
		terminated:      make(map[types.EscrowID]struct{}),
		inProgress:      make(map[types.EscrowID]*sync.WaitGroup),
	}

	evictCallback := func(id types.EscrowID, s *Session) {
		go m.releaseEvicted(id, s)
	}

	cache, err := lru.NewWithEvict[types.EscrowID, *Session](cap, evictCallback)
	if err != nil {
		return nil, fmt.Errorf("failed to construct session LRU: %w", err)
	}
	m.sessions = cache

	return m, nil
}

// GetOrCreate implements the double-checked creation protocol of spec §4.4:
//  1. acquire the sessions-map lock, look up; if found, return.
//  2. release the lock, create a new session (acquiring three Pool handles).
//  3. re-acquire the lock.
//  4. if the escrow now has a session, discard the new one, releasing its
//     three handles back to the Pool asynchronously.
//  5. otherwise insert and return.
func (m *manager) GetOrCreate(ctx context.Context, id types.EscrowID) (*Session, error) {
	m.mu.Lock()
	if _, done := m.terminated[id]; done {
		m.mu.Unlock()
		return nil, ErrAlreadyTerminated
	}
	if s, ok := m.sessions.Get(id); ok {
		m.mu.Unlock()
		return s, nil
	}

	// Collapse concurrent creators for the same id onto one creation.
	if wg, creating := m.inProgress[id]; creating {
		m.mu.Unlock()
		wg.Wait()
		m.mu.Lock()
		s, ok := m.sessions.Get(id)
		m.mu.Unlock()
		if !ok {
			return nil, ErrCreationTimeout
		}
		return s, nil
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	m.inProgress[id] = wg
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inProgress, id)
		m.mu.Unlock()
		wg.Done()
	}()

	createCtx, cancel := context.WithTimeout(ctx, m.creationTimeout)
	defer cancel()

	session, err := m.createSession(createCtx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrCreationTimeout
		}
		return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions.Get(id); ok {
		// Someone else won the race while we were creating; discard ours.
		go m.releaseSession(session)
		return existing, nil
	}

	m.sessions.Add(id, session)
	return session, nil
}

func (m *manager) createSession(ctx context.Context, id types.EscrowID) (*Session, error) {
	buyer, err := m.pool.Acquire(ctx, types.RoleBuyer)
	if err != nil {
		return nil, err
	}
	vendor, err := m.pool.Acquire(ctx, types.RoleVendor)
	if err != nil {
		m.pool.Release(buyer)
		return nil, err
	}
	arbiter, err := m.pool.Acquire(ctx, types.RoleArbiter)
	if err != nil {
		m.pool.Release(buyer)
		m.pool.Release(vendor)
		return nil, err
	}

	return &Session{EscrowID: id, Buyer: buyer, Vendor: vendor, Arbiter: arbiter}, nil
}

func (m *manager) releaseSession(s *Session) {
	for _, h := range s.handles() {
		m.pool.Release(h)
	}
}

// releaseEvicted waits for any in-flight operation on s to finish, then
// returns its handles to the Pool (spec §4.4: "the evicted session's
// handles are returned to the Pool only after any in-flight operation on it
// completes").
func (m *manager) releaseEvicted(id types.EscrowID, s *Session) {
	for atomic.LoadInt32(&s.inflight) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	log.Debugf("releasing evicted session for escrow %s", id)
	m.releaseSession(s)
}

// Terminated implements Manager.
func (m *manager) Terminated(id types.EscrowID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated[id] = struct{}{}
	if s, ok := m.sessions.Get(id); ok {
		m.sessions.Remove(id)
		go m.releaseEvicted(id, s)
	}
}
