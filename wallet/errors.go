// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package wallet

import "fmt"

// Transport is returned for HTTP-level failures talking to wallet-rpc.
type Transport struct {
	Err error
}

func (e *Transport) Error() string { return fmt.Sprintf("transport error: %s", e.Err) }
func (e *Transport) Unwrap() error { return e.Err }

// RPCError is a structured error returned by wallet-rpc itself.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet-rpc error %d: %s", e.Code, e.Message)
}

// Malformed means a response did not parse, or an info blob failed
// structural validation.
type Malformed struct {
	Reason string
}

func (e *Malformed) Error() string { return fmt.Sprintf("malformed: %s", e.Reason) }

// EndpointRejected means the configured host is neither local nor .onion.
type EndpointRejected struct {
	Host string
}

func (e *EndpointRejected) Error() string {
	return fmt.Sprintf("endpoint rejected: host %q is not local or .onion", e.Host)
}

// UnexpectedMultisigState means is_multisig() did not match the state the
// protocol expected after a prepare/make/exchange step.
type UnexpectedMultisigState struct {
	Expected string
	Actual   string
}

func (e *UnexpectedMultisigState) Error() string {
	return fmt.Sprintf("unexpected multisig state: expected %s, got %s", e.Expected, e.Actual)
}
