// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package storage implements the Persistence Adapter (spec C10): a
// transactional key/value store for escrow state, signatures, and
// confirmation counts, backed by github.com/ChainSafe/chaindb.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChainSafe/chaindb"

	"github.com/xmrescrow/escrowd/coins"
	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/escrow"
)

func amountFromUint64(v uint64) coins.PiconeroAmount {
	return coins.PiconeroAmount(v)
}

func unixToTime(u int64) time.Time {
	return time.Unix(u, 0).UTC()
}

// ErrNotFound is returned when no record exists for the given escrow id.
var ErrNotFound = errors.New("storage: no record for escrow id")

const (
	escrowTablePrefix    = "escrow"
	signatureTablePrefix = "signature"
)

// Store is the Persistence Adapter's interface (spec C10). PutEscrow must
// write every field of e atomically, per spec §4.4's invariant that a state
// transition and any newly-learned field are committed together.
type Store interface {
	PutEscrow(e *escrow.Escrow) error
	GetEscrow(id types.EscrowID) (*escrow.Escrow, error)
	GetAllEscrows() ([]*escrow.Escrow, error)
	DeleteEscrow(id types.EscrowID) error

	PutSignature(id types.EscrowID, signer types.Role, sig []byte) error
	GetSignatures(id types.EscrowID) (map[types.Role][]byte, error)

	Close() error
}

type store struct {
	db        chaindb.Database
	escrows   chaindb.Database
	sigs      chaindb.Database
}

var _ Store = (*store)(nil)

// NewStore opens (creating if necessary) a chaindb-backed Store rooted at
// dataDir. Passing an empty dataDir opens an in-memory database.
func NewStore(dataDir string) (Store, error) {
	cfg := &chaindb.Config{
		DataDir:  dataDir,
		InMemory: dataDir == "",
	}

	db, err := chaindb.NewBadgerDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open escrow database: %w", err)
	}

	escrows, err := chaindb.NewTable(db, escrowTablePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to open escrow table: %w", err)
	}

	sigs, err := chaindb.NewTable(db, signatureTablePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to open signature table: %w", err)
	}

	return &store{db: db, escrows: escrows, sigs: sigs}, nil
}

// record is the on-disk JSON representation of an Escrow. escrow.Escrow is
// not itself JSON-tagged since it also serves as the in-memory aggregate;
// record exists solely as the persistence boundary.
type record struct {
	ID      types.EscrowID `json:"id"`
	Buyer   types.ActorID  `json:"buyer"`
	Vendor  types.ActorID  `json:"vendor"`
	Arbiter types.ActorID  `json:"arbiter"`
	Amount  uint64         `json:"amount_piconero"`

	MultisigAddress string `json:"multisig_address,omitempty"`
	FundingTxID     string `json:"funding_tx_id,omitempty"`
	ResolutionTxID  string `json:"resolution_tx_id,omitempty"`

	StatusKind          escrow.Kind      `json:"status_kind"`
	StatusRound         int              `json:"status_round,omitempty"`
	StatusConfirmations uint64           `json:"status_confirmations,omitempty"`
	StatusInFavorOf     types.Role       `json:"status_in_favor_of,omitempty"`
	StatusReason        escrow.FailReason `json:"status_reason,omitempty"`

	CreatedAt         int64  `json:"created_at_unix"`
	FundedAtUnix      *int64 `json:"funded_at_unix,omitempty"`
	ResolvedAtUnix    *int64 `json:"resolved_at_unix,omitempty"`
	LastConfirmations uint64 `json:"last_confirmations"`
}

func toRecord(e *escrow.Escrow) *record {
	r := &record{
		ID:                  e.ID,
		Buyer:               e.Buyer,
		Vendor:              e.Vendor,
		Arbiter:             e.Arbiter,
		Amount:              e.Amount.Uint64(),
		MultisigAddress:     e.MultisigAddress,
		FundingTxID:         e.FundingTxID,
		ResolutionTxID:      e.ResolutionTxID,
		StatusKind:          e.Status.Kind,
		StatusRound:         e.Status.Round,
		StatusConfirmations: e.Status.Confirmations,
		StatusInFavorOf:     e.Status.InFavorOf,
		StatusReason:        e.Status.Reason,
		CreatedAt:           e.CreatedAt.Unix(),
		LastConfirmations:   e.LastConfirmations,
	}
	if e.FundedAt != nil {
		u := e.FundedAt.Unix()
		r.FundedAtUnix = &u
	}
	if e.ResolvedAt != nil {
		u := e.ResolvedAt.Unix()
		r.ResolvedAtUnix = &u
	}
	return r
}

func (r *record) toEscrow() *escrow.Escrow {
	e := &escrow.Escrow{
		ID:              r.ID,
		Buyer:           r.Buyer,
		Vendor:          r.Vendor,
		Arbiter:         r.Arbiter,
		MultisigAddress: r.MultisigAddress,
		FundingTxID:     r.FundingTxID,
		ResolutionTxID:  r.ResolutionTxID,
		Status: escrow.Status{
			Kind:          r.StatusKind,
			Round:         r.StatusRound,
			Confirmations: r.StatusConfirmations,
			InFavorOf:     r.StatusInFavorOf,
			Reason:        r.StatusReason,
		},
		LastConfirmations: r.LastConfirmations,
	}
	e.Amount = amountFromUint64(r.Amount)
	e.CreatedAt = unixToTime(r.CreatedAt)
	if r.FundedAtUnix != nil {
		t := unixToTime(*r.FundedAtUnix)
		e.FundedAt = &t
	}
	if r.ResolvedAtUnix != nil {
		t := unixToTime(*r.ResolvedAtUnix)
		e.ResolvedAt = &t
	}
	return e
}

func (s *store) PutEscrow(e *escrow.Escrow) error {
	buf, err := json.Marshal(toRecord(e))
	if err != nil {
		return fmt.Errorf("failed to marshal escrow %s: %w", e.ID, err)
	}
	return s.escrows.Put(e.ID[:], buf)
}

func (s *store) GetEscrow(id types.EscrowID) (*escrow.Escrow, error) {
	buf, err := s.escrows.Get(id[:])
	if errors.Is(err, chaindb.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var r record
	if err := json.Unmarshal(buf, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal escrow %s: %w", id, err)
	}
	return r.toEscrow(), nil
}

func (s *store) GetAllEscrows() ([]*escrow.Escrow, error) {
	iter, err := s.escrows.NewIterator()
	if err != nil {
		return nil, err
	}
	defer iter.Release()

	var out []*escrow.Escrow
	for iter.First(); iter.Valid(); iter.Next() {
		var r record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal escrow record: %w", err)
		}
		out = append(out, r.toEscrow())
	}
	return out, nil
}

func (s *store) DeleteEscrow(id types.EscrowID) error {
	return s.escrows.Del(id[:])
}

func (s *store) PutSignature(id types.EscrowID, signer types.Role, sig []byte) error {
	key := signatureKey(id, signer)
	return s.sigs.Put(key, sig)
}

func (s *store) GetSignatures(id types.EscrowID) (map[types.Role][]byte, error) {
	out := make(map[types.Role][]byte)
	for _, role := range types.Roles {
		sig, err := s.sigs.Get(signatureKey(id, role))
		if errors.Is(err, chaindb.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[role] = sig
	}
	return out, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func signatureKey(id types.EscrowID, role types.Role) []byte {
	key := make([]byte, 0, len(id)+1)
	key = append(key, id[:]...)
	key = append(key, byte(role))
	return key
}
