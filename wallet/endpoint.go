// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package wallet

import (
	"net/url"
	"strings"
)

// checkEndpointPolicy is the single canonical function enforcing that a
// wallet-rpc endpoint is either local or a .onion address (spec §4.1). It is
// not bypassable: every Client constructor routes through it.
func checkEndpointPolicy(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &Malformed{Reason: "invalid endpoint URL: " + err.Error()}
	}

	host := u.Hostname()
	switch {
	case host == "127.0.0.1", host == "::1", host == "localhost":
		return nil
	case strings.HasSuffix(host, ".onion"):
		return nil
	default:
		return &EndpointRejected{Host: host}
	}
}
