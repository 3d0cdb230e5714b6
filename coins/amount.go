// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package coins provides the atomic-unit amount type used throughout the
// escrow subsystem, along with conversion to/from the human-readable XMR
// decimal representation.
package coins

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// NumAtomicUnits is the number of decimal places of an XMR amount: one XMR is
// 10^NumAtomicUnits atomic units (spec GLOSSARY).
const NumAtomicUnits = 12

var atomicUnitsPerXMR = apd.New(1, NumAtomicUnits)

// PiconeroAmount is an escrow amount expressed in atomic units ("piconero"
// in Monero terminology). It is the unit the Escrow aggregate, the wallet
// RPC, and the blockchain monitor all speak natively.
type PiconeroAmount uint64

// MoneroToPiconero converts a decimal XMR amount to its atomic-unit
// representation, rounding is not performed: the input must already be an
// integral number of atomic units.
func MoneroToPiconero(xmr *apd.Decimal) (PiconeroAmount, error) {
	scaled := new(apd.Decimal)
	ctx := apd.BaseContext.WithPrecision(40)
	if _, err := ctx.Mul(scaled, xmr, atomicUnitsPerXMR); err != nil {
		return 0, fmt.Errorf("failed to scale XMR amount: %w", err)
	}

	i64, err := scaled.Int64()
	if err != nil {
		return 0, fmt.Errorf("amount does not fit in an integral atomic-unit count: %w", err)
	}
	if i64 < 0 {
		return 0, fmt.Errorf("amount must not be negative: %s", xmr)
	}
	return PiconeroAmount(i64), nil
}

// AsMonero converts the atomic-unit amount to its decimal XMR representation.
func (a PiconeroAmount) AsMonero() *apd.Decimal {
	d := apd.New(int64(a), 0)
	out := new(apd.Decimal)
	ctx := apd.BaseContext.WithPrecision(40)
	_, _ = ctx.Quo(out, d, atomicUnitsPerXMR)
	return out
}

// AsMoneroString formats the amount as a decimal XMR string, for logging.
func (a PiconeroAmount) AsMoneroString() string {
	return a.AsMonero().Text('f')
}

// Uint64 returns the raw atomic-unit value.
func (a PiconeroAmount) Uint64() uint64 {
	return uint64(a)
}
