// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package wallet is a typed, failable wrapper over a single monero-wallet-rpc
// endpoint (spec C1), plus the multisig structural validation of spec C2.
//
// The endpoint host is restricted to 127.0.0.1/::1/localhost/.onion by
// checkEndpointPolicy; this is the sole mechanism preventing the daemon from
// talking to an adversarial RPC (spec §4.1).
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/MarinX/monerorpc/wallet"
	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("wallet")

// Client is a typed wrapper over one monero-wallet-rpc HTTP endpoint.
// It is not safe for concurrent mutating calls from multiple goroutines:
// the Wallet Pool (C3) is what serializes access to a given Client.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
	idSeq    uint64
}

// NewClient constructs a Client bound to endpoint, which must satisfy the
// local/.onion host policy. The returned Client issues no RPCs until a
// method is called.
func NewClient(endpoint string, timeout time.Duration) (*Client, error) {
	if err := checkEndpointPolicy(endpoint); err != nil {
		return nil, err
	}

	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		timeout:  timeout,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// call issues one JSON-RPC 2.0 request and decodes the result into out.
// Transport errors are retried with bounded exponential backoff (spec §4.6,
// §7); RPC-level and malformed-response errors are not retried here.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddUint64(&c.idSeq, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return &Malformed{Reason: fmt.Sprintf("failed to encode request: %s", err)}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = c.timeout
	bo := backoff.WithContext(policy, ctx)

	var resp rpcResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(&Malformed{Reason: err.Error()})
		}
		req.Header.Set("Content-Type", "application/json")

		httpResp, err := c.http.Do(req)
		if err != nil {
			log.Debugf("transport error calling %s, retrying: %s", method, err)
			return &Transport{Err: err}
		}
		defer httpResp.Body.Close()

		resp = rpcResponse{}
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return backoff.Permanent(&Malformed{Reason: fmt.Sprintf("failed to decode response: %s", err)})
		}
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return err
	}

	if resp.Error != nil {
		return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &Malformed{Reason: fmt.Sprintf("failed to decode result for %s: %s", method, err)}
	}
	return nil
}

// OpenWallet loads a wallet file into the running wallet-rpc instance.
func (c *Client) OpenWallet(ctx context.Context, name, password string) error {
	return c.call(ctx, "open_wallet", map[string]string{"filename": name, "password": password}, nil)
}

// CloseWallet unloads the currently open wallet.
func (c *Client) CloseWallet(ctx context.Context) error {
	return c.call(ctx, "close_wallet", nil, nil)
}

// CreateWallet creates a new wallet file on disk and opens it.
func (c *Client) CreateWallet(ctx context.Context, name, password, language string) error {
	return c.call(ctx, "create_wallet", map[string]string{
		"filename": name, "password": password, "language": language,
	}, nil)
}

// GetAddress returns the primary address of the currently open wallet.
func (c *Client) GetAddress(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, "get_address", map[string]uint64{"account_index": 0}, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

// GetBalance returns the total and unlocked balance, in atomic units, of the
// currently open wallet, decoded into monerorpc's documented response type.
func (c *Client) GetBalance(ctx context.Context) (*wallet.GetBalanceResponse, error) {
	var out wallet.GetBalanceResponse
	if err := c.call(ctx, "get_balance", map[string]uint64{"account_index": 0}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHeight returns the wallet's view of the current blockchain height.
func (c *Client) GetHeight(ctx context.Context) (uint64, error) {
	var out struct {
		Height uint64 `json:"height"`
	}
	if err := c.call(ctx, "get_height", nil, &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

// TransferResult is the outcome of TransferSplit.
type TransferResult struct {
	TxHash      string `json:"tx_hash"`
	TxKey       string `json:"tx_key"`
	TxBlob      string `json:"tx_blob"`
	TxMetadata  string `json:"tx_metadata"`
	Fee         uint64 `json:"fee"`
	AmountTotal uint64 `json:"amount"`
}

// TransferSplit constructs (but for a multisig wallet, does not yet fully
// sign) a transfer of amount atomic units to destination.
func (c *Client) TransferSplit(ctx context.Context, destination string, amount uint64) (*TransferResult, error) {
	var out TransferResult
	err := c.call(ctx, "transfer_split", map[string]any{
		"destinations": []map[string]any{{"address": destination, "amount": amount}},
		"get_tx_metadata": true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitMultisig broadcasts a fully-signed multisig transaction.
func (c *Client) SubmitMultisig(ctx context.Context, txHex string) (string, error) {
	var out struct {
		TxHashList []string `json:"tx_hash_list"`
	}
	if err := c.call(ctx, "submit_multisig", map[string]string{"tx_data_hex": txHex}, &out); err != nil {
		return "", err
	}
	if len(out.TxHashList) == 0 {
		return "", &Malformed{Reason: "submit_multisig returned no tx hashes"}
	}
	return out.TxHashList[0], nil
}

// TransferStatus is the result of GetTransferByTxID.
type TransferStatus struct {
	Confirmations uint64 `json:"confirmations"`
	Amount        uint64 `json:"amount"`
	Height        uint64 `json:"height"`
}

// GetTransferByTxID returns the confirmation status of a known transaction.
func (c *Client) GetTransferByTxID(ctx context.Context, txID string) (*TransferStatus, error) {
	var out struct {
		Transfer struct {
			Confirmations uint64 `json:"confirmations"`
			Amount        uint64 `json:"amount"`
			Height        uint64 `json:"height"`
		} `json:"transfer"`
	}
	if err := c.call(ctx, "get_transfer_by_txid", map[string]string{"txid": txID}, &out); err != nil {
		return nil, err
	}
	return &TransferStatus{
		Confirmations: out.Transfer.Confirmations,
		Amount:        out.Transfer.Amount,
		Height:        out.Transfer.Height,
	}, nil
}

// IncomingTransfer describes one entry returned by GetTransfers.
type IncomingTransfer struct {
	TxID          string `json:"txid"`
	Amount        uint64 `json:"amount"`
	Confirmations uint64 `json:"confirmations"`
	Height        uint64 `json:"height"`
}

// GetTransfers scopes a query for incoming transfers to the currently open
// (multisig) wallet's address, used to discover an unknown funding tx.
func (c *Client) GetTransfers(ctx context.Context) ([]IncomingTransfer, error) {
	var out struct {
		In []IncomingTransfer `json:"in"`
	}
	if err := c.call(ctx, "get_transfers", map[string]bool{"in": true}, &out); err != nil {
		return nil, err
	}
	return out.In, nil
}
