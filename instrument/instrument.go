// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package instrument implements the optional per-escrow Instrumentation
// component (spec C9): a correlation-id-keyed timeline of setup/resolution
// events, flushed to JSON at the end of an escrow's lifecycle or on first
// error. When disabled, every call on a Recorder is a no-op.
package instrument

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/xmrescrow/escrowd/common/types"
)

// Kind enumerates the event kinds this component records (spec §5).
type Kind string

// The event kinds named in spec §5.
const (
	KindRPCCallStart               Kind = "RPC_CALL_START"
	KindRPCCallEnd                 Kind = "RPC_CALL_END"
	KindRPCCallError               Kind = "RPC_CALL_ERROR"
	KindSnapshotPreRound1          Kind = "SNAPSHOT_PRE_ROUND_1"
	KindSnapshotPreRound2          Kind = "SNAPSHOT_PRE_ROUND_2"
	KindSnapshotPreRound3          Kind = "SNAPSHOT_PRE_ROUND_3"
	KindSnapshotPostMakeMultisig   Kind = "SNAPSHOT_POST_MAKE_MULTISIG"
	KindSnapshotPostExportMultisig Kind = "SNAPSHOT_POST_EXPORT_MULTISIG"
	KindSnapshotPostImportMultisig Kind = "SNAPSHOT_POST_IMPORT_MULTISIG"
	KindSnapshotFinal              Kind = "SNAPSHOT_FINAL"
	KindCachePollutionDetected     Kind = "CACHE_POLLUTION_DETECTED"
	KindErrorFinal                 Kind = "ERROR_FINAL"
)

// Event is one entry in an escrow's timeline.
type Event struct {
	Kind      Kind             `json:"kind"`
	Role      types.Role       `json:"role,omitempty"`
	Method    string           `json:"method,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Err       string           `json:"error,omitempty"`
	Wallets   []WalletSnapshot `json:"wallets,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// WalletSnapshot is one wallet's state at the moment a SNAPSHOT_* event was
// recorded (spec §4.9): "is_multisig, address hash (prefix only), balance,
// height, wallet file path hash, RPC port". Addresses and wallet file paths
// are hashed rather than stored verbatim so a flushed timeline never leaks a
// receive address or local filesystem layout.
type WalletSnapshot struct {
	Role                 types.Role `json:"role"`
	IsMultisig           bool       `json:"is_multisig"`
	MultisigReady        bool       `json:"multisig_ready"`
	AddressHashPrefix    string     `json:"address_hash_prefix"`
	Balance              uint64     `json:"balance"`
	Height               uint64     `json:"height"`
	WalletFileHashPrefix string     `json:"wallet_file_hash_prefix"`
	RPCPort              int        `json:"rpc_port"`
}

// HashPrefix returns the first 12 hex characters of the SHA-256 digest of s,
// enough to distinguish wallets in a flushed timeline without revealing the
// underlying address or file path.
func HashPrefix(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// Recorder records one escrow's timeline. A nil *Recorder is valid and
// every method on it is a no-op -- this is how "disabled" is represented
// at zero overhead, rather than branching on a bool at every call site.
type Recorder struct {
	escrowID types.EscrowID

	mu     sync.Mutex
	events []Event
}

// Sink receives a Recorder's timeline once it is flushed.
type Sink interface {
	Write(id types.EscrowID, events []Event) error
}

// Registry hands out Recorders, keyed by escrow id, and owns the Sink they
// flush to. A Registry built with NewRegistry(false, ...) hands out nil Recorders,
// making instrumentation a true zero-overhead no-op when disabled (spec
// §6's EnableInstrumentation=false default).
type Registry struct {
	enabled bool
	sink    Sink

	mu        sync.Mutex
	recorders map[types.EscrowID]*Recorder
}

// NewRegistry returns a Registry that records to sink when enabled is true,
// and hands out no-op Recorders otherwise.
func NewRegistry(enabled bool, sink Sink) *Registry {
	return &Registry{
		enabled:   enabled,
		sink:      sink,
		recorders: make(map[types.EscrowID]*Recorder),
	}
}

// For returns the Recorder for id, creating one if this is the first call
// for this escrow and instrumentation is enabled; otherwise it returns nil.
func (r *Registry) For(id types.EscrowID) *Recorder {
	if !r.enabled {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.recorders[id]; ok {
		return rec
	}
	rec := &Recorder{escrowID: id}
	r.recorders[id] = rec
	return rec
}

// Flush writes the recorder's timeline to the Registry's Sink and forgets
// it. Called at end-of-escrow (success or terminal failure).
func (r *Registry) Flush(id types.EscrowID) error {
	if !r.enabled {
		return nil
	}

	r.mu.Lock()
	rec, ok := r.recorders[id]
	delete(r.recorders, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	rec.mu.Lock()
	events := make([]Event, len(rec.events))
	copy(events, rec.events)
	rec.mu.Unlock()

	return r.sink.Write(id, events)
}

func (r *Recorder) record(e Event) {
	if r == nil {
		return
	}
	e.Timestamp = time.Now()
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Snapshot records a SNAPSHOT_* event kind along with the per-wallet state
// spec §4.9 requires (one WalletSnapshot per wallet involved at this point
// in setup).
func (r *Recorder) Snapshot(kind Kind, wallets []WalletSnapshot) {
	r.record(Event{Kind: kind, Wallets: wallets})
}

// RPCStart records the beginning of an RPC call on behalf of role.
func (r *Recorder) RPCStart(role types.Role, method string) {
	r.record(Event{Kind: KindRPCCallStart, Role: role, Method: method})
}

// RPCEnd records the successful completion of an RPC call.
func (r *Recorder) RPCEnd(role types.Role, method string) {
	r.record(Event{Kind: KindRPCCallEnd, Role: role, Method: method})
}

// RPCError records a failed RPC call.
func (r *Recorder) RPCError(role types.Role, method string, err error) {
	r.record(Event{Kind: KindRPCCallError, Role: role, Method: method, Err: err.Error()})
}

// CachePollutionDetected records detection of stale multisig cache state on
// the given role's wallet (spec §4.3).
func (r *Recorder) CachePollutionDetected(role types.Role, detail string) {
	r.record(Event{Kind: KindCachePollutionDetected, Role: role, Detail: detail})
}

// ErrorFinal records the terminal error that ended the escrow's setup or
// resolution. It does not flush; the timeline is written out by a later
// Registry.Flush call.
func (r *Recorder) ErrorFinal(err error) {
	if err == nil {
		return
	}
	r.record(Event{Kind: KindErrorFinal, Err: err.Error()})
}

// JSONSink is a Sink that marshals each escrow's timeline to JSON via a
// caller-supplied write function (e.g. a file writer or log emitter).
type JSONSink struct {
	WriteFunc func(id types.EscrowID, data []byte) error
}

// Write implements Sink.
func (s *JSONSink) Write(id types.EscrowID, events []Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return s.WriteFunc(id, data)
}
