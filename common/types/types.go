// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package types provides the identifier and enumeration types shared across
// the escrow orchestration subsystem.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EscrowID uniquely identifies one escrow aggregate for its entire lifetime.
type EscrowID [16]byte

// NewEscrowID generates a fresh, random escrow ID.
func NewEscrowID() EscrowID {
	var id EscrowID
	copy(id[:], uuid.New()[:])
	return id
}

// String returns the hex encoding of the ID.
func (id EscrowID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalJSON implements json.Marshaler.
func (id EscrowID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *EscrowID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid escrow id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return fmt.Errorf("invalid escrow id length: %q", s)
	}
	copy(id[:], b)
	return nil
}

// EscrowIDFromString parses the hex-encoded string form of an EscrowID.
func EscrowIDFromString(s string) (EscrowID, error) {
	var id EscrowID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid escrow id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid escrow id length: %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// ActorID identifies a buyer, vendor, or arbiter account in the surrounding
// (out-of-scope) user account model. The escrow core treats it as opaque.
type ActorID string

// Role is the position a party holds within one escrow's multisig triple.
// Its zero value is invalid; always use one of the three named constants.
type Role uint8

// The three fixed roles. RoleBuyer < RoleVendor < RoleArbiter defines the
// canonical per-round processing order used by the Orchestrator (spec §4.6).
const (
	RoleBuyer Role = iota + 1
	RoleVendor
	RoleArbiter
)

// Roles is the fixed canonical ordering Round 1/2/3 iterate over.
var Roles = [3]Role{RoleBuyer, RoleVendor, RoleArbiter}

// String returns a human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleVendor:
		return "vendor"
	case RoleArbiter:
		return "arbiter"
	default:
		return fmt.Sprintf("unknown-role(%d)", uint8(r))
	}
}

// Valid reports whether r is one of the three defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleVendor, RoleArbiter:
		return true
	default:
		return false
	}
}

// OtherRoles returns the two roles other than r, in canonical order.
func OtherRoles(r Role) [2]Role {
	var out [2]Role
	i := 0
	for _, candidate := range Roles {
		if candidate == r {
			continue
		}
		out[i] = candidate
		i++
	}
	return out
}
