// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package wallet

import (
	"context"
	"strings"
)

// MultisigInfo is an opaque byte-string emitted by prepare_multisig,
// make_multisig, and exchange_multisig_keys (spec §3, GLOSSARY).
type MultisigInfo []byte

const (
	multisigInfoMagic      = "Multisig"
	multisigInfoMinLength  = 16
	multisigInfoMaxLength  = 8192
)

// Validate applies the structural check spec §4.2 mandates on every
// MultisigInfo blob accepted from wallet-rpc: length bounds, printable
// ASCII, recognized magic prefix.
func (m MultisigInfo) Validate() error {
	if len(m) < multisigInfoMinLength || len(m) > multisigInfoMaxLength {
		return &Malformed{Reason: "multisig info length out of bounds"}
	}
	if !strings.HasPrefix(string(m), multisigInfoMagic) {
		return &Malformed{Reason: "multisig info missing recognized magic prefix"}
	}
	for _, b := range m {
		if b < 0x20 || b > 0x7e {
			return &Malformed{Reason: "multisig info contains non-printable-ASCII byte"}
		}
	}
	return nil
}

// MultisigStatus is the decoded response of is_multisig().
type MultisigStatus struct {
	Enabled   bool `json:"multisig"`
	Threshold int  `json:"threshold"`
	Total     int  `json:"total"`
	Ready     bool `json:"ready"`
}

// IsMultisig reports the wallet's current multisig state.
func (c *Client) IsMultisig(ctx context.Context) (*MultisigStatus, error) {
	var out MultisigStatus
	if err := c.call(ctx, "is_multisig", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PrepareMultisig is Round 1: it returns this wallet's initial MultisigInfo.
// The wallet must report is_multisig().enabled == false beforehand; the
// caller (orchestrator) is responsible for the cache-pollution check of
// spec §4.2 before calling this.
func (c *Client) PrepareMultisig(ctx context.Context) (MultisigInfo, error) {
	var out struct {
		MultisigInfo string `json:"multisig_info"`
	}
	if err := c.call(ctx, "prepare_multisig", nil, &out); err != nil {
		return nil, err
	}
	info := MultisigInfo(out.MultisigInfo)
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// MakeMultisigResult is the decoded response of make_multisig.
type MakeMultisigResult struct {
	Address      string
	MultisigInfo MultisigInfo
}

// MakeMultisig is Round 2. infos must already be sorted lexicographically by
// the caller (spec §4.6's determinism mechanism); this method does not sort.
func (c *Client) MakeMultisig(ctx context.Context, threshold int, infos [2]MultisigInfo, password string) (*MakeMultisigResult, error) {
	var out struct {
		Address      string `json:"address"`
		MultisigInfo string `json:"multisig_info"`
	}
	err := c.call(ctx, "make_multisig", map[string]any{
		"multisiginfo": []string{string(infos[0]), string(infos[1])},
		"threshold":    threshold,
		"password":     password,
	}, &out)
	if err != nil {
		return nil, err
	}

	result := &MakeMultisigResult{Address: out.Address}
	if out.MultisigInfo != "" {
		info := MultisigInfo(out.MultisigInfo)
		if err := info.Validate(); err != nil {
			return nil, err
		}
		result.MultisigInfo = info
	}
	return result, nil
}

// ExchangeResult models the dynamic "info blob or address" shape
// exchange_multisig_keys returns (spec §9's modeling note): it is a tagged
// variant, never a loose string. Exactly one of (MoreInfo, Address) is set.
type ExchangeResult struct {
	MoreInfo MultisigInfo
	Address  string
}

// IsFinalized reports whether this exchange round produced the finalized
// multisig address rather than another info blob requiring another pass.
func (r *ExchangeResult) IsFinalized() bool {
	return r.Address != ""
}

// ExchangeMultisigKeys is Round 3. infos must already be sorted
// lexicographically by the caller. The parsing of the JSON result decides
// the tag: a non-empty "address" field means finalized, otherwise the
// "multisig_info" field carries another round's info blob.
func (c *Client) ExchangeMultisigKeys(ctx context.Context, infos [2]MultisigInfo, password string) (*ExchangeResult, error) {
	var out struct {
		Address      string `json:"address"`
		MultisigInfo string `json:"multisig_info"`
	}
	err := c.call(ctx, "exchange_multisig_keys", map[string]any{
		"multisiginfo": []string{string(infos[0]), string(infos[1])},
		"password":     password,
	}, &out)
	if err != nil {
		return nil, err
	}

	if out.Address != "" {
		return &ExchangeResult{Address: out.Address}, nil
	}

	info := MultisigInfo(out.MultisigInfo)
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &ExchangeResult{MoreInfo: info}, nil
}

// SortInfoPair returns a, b reordered so that the lexicographically smaller
// blob comes first. This is the single mechanism spec §4.6 relies on for all
// three wallets to converge on the same multisig address regardless of
// processing order.
func SortInfoPair(a, b MultisigInfo) [2]MultisigInfo {
	if string(a) <= string(b) {
		return [2]MultisigInfo{a, b}
	}
	return [2]MultisigInfo{b, a}
}
