// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package main provides the entrypoint of escrowctl, an executable for
// interacting with a local escrowd instance's HTTP surface (spec §6) from
// the command line.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	flagEscrowdAddress = "escrowd-address"
	flagBuyerID        = "buyer-id"
	flagVendorID       = "vendor-id"
	flagArbiterID      = "arbiter-id"
	flagAmount         = "amount-atomic"
	flagEscrowID       = "escrow-id"
	flagCallerID       = "caller-id"
	flagDestination    = "destination-address"
	flagReason         = "reason"
	flagInFavorOf      = "in-favor-of"
)

var escrowdAddressFlag = &cli.StringFlag{
	Name:    flagEscrowdAddress,
	Aliases: []string{"a"},
	Usage:   "Address of a running escrowd instance",
	Value:   "127.0.0.1:5000",
	EnvVars: []string{"ESCROWCTL_ADDRESS"},
}

func main() {
	if err := cliApp().Run(os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func cliApp() *cli.App {
	return &cli.App{
		Name:  "escrowctl",
		Usage: "Client for escrowd",
		Commands: []*cli.Command{
			{
				Name:   "create",
				Usage:  "Create a new escrow",
				Action: runCreate,
				Flags: []cli.Flag{
					escrowdAddressFlag,
					&cli.StringFlag{Name: flagBuyerID, Required: true},
					&cli.StringFlag{Name: flagVendorID, Required: true},
					&cli.StringFlag{Name: flagArbiterID, Required: true},
					&cli.Uint64Flag{Name: flagAmount, Required: true},
				},
			},
			{
				Name:   "get",
				Usage:  "Show an escrow's current state",
				Action: runGet,
				Flags: []cli.Flag{
					escrowdAddressFlag,
					&cli.StringFlag{Name: flagEscrowID, Required: true},
				},
			},
			{
				Name:   "release",
				Usage:  "Request release of escrowed funds",
				Action: runResolution("release"),
				Flags: []cli.Flag{
					escrowdAddressFlag,
					&cli.StringFlag{Name: flagEscrowID, Required: true},
					&cli.StringFlag{Name: flagCallerID, Required: true},
					&cli.StringFlag{Name: flagDestination, Required: true},
				},
			},
			{
				Name:   "refund",
				Usage:  "Request refund of escrowed funds",
				Action: runResolution("refund"),
				Flags: []cli.Flag{
					escrowdAddressFlag,
					&cli.StringFlag{Name: flagEscrowID, Required: true},
					&cli.StringFlag{Name: flagCallerID, Required: true},
					&cli.StringFlag{Name: flagDestination, Required: true},
				},
			},
			{
				Name:   "dispute",
				Usage:  "Raise a dispute on an Active escrow",
				Action: runDispute,
				Flags: []cli.Flag{
					escrowdAddressFlag,
					&cli.StringFlag{Name: flagEscrowID, Required: true},
					&cli.StringFlag{Name: flagCallerID, Required: true},
					&cli.StringFlag{Name: flagReason},
				},
			},
			{
				Name:   "resolve",
				Usage:  "Resolve a dispute as the arbiter",
				Action: runResolve,
				Flags: []cli.Flag{
					escrowdAddressFlag,
					&cli.StringFlag{Name: flagEscrowID, Required: true},
					&cli.StringFlag{Name: flagCallerID, Required: true},
					&cli.StringFlag{Name: flagInFavorOf, Required: true, Usage: `"buyer" or "vendor"`},
					&cli.StringFlag{Name: flagDestination, Required: true},
				},
			},
		},
	}
}

func runCreate(c *cli.Context) error {
	body := map[string]any{
		"buyer_id":      c.String(flagBuyerID),
		"vendor_id":     c.String(flagVendorID),
		"arbiter_id":    c.String(flagArbiterID),
		"amount_atomic": c.Uint64(flagAmount),
	}
	return postAndPrint(c, "/escrow/create", body)
}

func runGet(c *cli.Context) error {
	return getAndPrint(c, fmt.Sprintf("/escrow/%s", c.String(flagEscrowID)))
}

func runResolution(verb string) cli.ActionFunc {
	return func(c *cli.Context) error {
		body := map[string]any{
			"caller_id":           c.String(flagCallerID),
			"destination_address": c.String(flagDestination),
		}
		return postAndPrint(c, fmt.Sprintf("/escrow/%s/%s", c.String(flagEscrowID), verb), body)
	}
}

func runDispute(c *cli.Context) error {
	body := map[string]any{
		"caller_id": c.String(flagCallerID),
		"reason":    c.String(flagReason),
	}
	return postAndPrint(c, fmt.Sprintf("/escrow/%s/dispute", c.String(flagEscrowID)), body)
}

func runResolve(c *cli.Context) error {
	body := map[string]any{
		"caller_id":           c.String(flagCallerID),
		"in_favor_of":         c.String(flagInFavorOf),
		"destination_address": c.String(flagDestination),
	}
	return postAndPrint(c, fmt.Sprintf("/escrow/%s/resolve", c.String(flagEscrowID)), body)
}

func postAndPrint(c *cli.Context, path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", c.String(flagEscrowdAddress), path)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("request to escrowd failed: %w", err)
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func getAndPrint(c *cli.Context, path string) error {
	url := fmt.Sprintf("http://%s%s", c.String(flagEscrowdAddress), path)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("request to escrowd failed: %w", err)
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
	} else {
		fmt.Println(pretty.String())
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("escrowd returned status %d", resp.StatusCode)
	}
	return nil
}
