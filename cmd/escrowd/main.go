// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package main provides the entrypoint of escrowd, the escrow orchestration
// daemon: it wires together the Escrow State Machine, Wallet Pool, Session
// Manager, Orchestrator, Signature Coordinator, Blockchain Monitor, and the
// front-end HTTP surface, per spec §2's system overview.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	logging "github.com/ipfs/go-log"
	"github.com/urfave/cli/v2"

	"github.com/xmrescrow/escrowd/common/types"
	"github.com/xmrescrow/escrowd/config"
	"github.com/xmrescrow/escrowd/escrow"
	"github.com/xmrescrow/escrowd/instrument"
	"github.com/xmrescrow/escrowd/monitor"
	"github.com/xmrescrow/escrowd/orchestrator"
	"github.com/xmrescrow/escrowd/rpc"
	"github.com/xmrescrow/escrowd/session"
	"github.com/xmrescrow/escrowd/signature"
	"github.com/xmrescrow/escrowd/storage"
	"github.com/xmrescrow/escrowd/walletpool"
)

const (
	flagConfig   = "config"
	flagDataDir  = "data-dir"
	flagAddress  = "address"
	flagLogLevel = "log-level"
)

var log = logging.Logger("escrowd")

func main() {
	if err := cliApp().Run(os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func cliApp() *cli.App {
	return &cli.App{
		Name:  "escrowd",
		Usage: "Non-custodial Monero escrow orchestration daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{"ESCROWD_CONFIG"},
			},
			&cli.StringFlag{
				Name:    flagDataDir,
				Usage:   "Directory for persisted escrow state",
				EnvVars: []string{"ESCROWD_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    flagAddress,
				Usage:   "Address the front-end HTTP surface binds to",
				EnvVars: []string{"ESCROWD_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    flagLogLevel,
				Usage:   "Log level: debug, info, warn, error",
				Value:   "info",
				EnvVars: []string{"ESCROWD_LOG_LEVEL"},
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	if err := logging.SetLogLevel("*", c.String(flagLogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.String(flagLogLevel), err)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	return startDaemon(ctx, cfg)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if path := c.String(flagConfig); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if addr := c.String(flagAddress); addr != "" {
		cfg.HTTPAddress = addr
	}
	if dir := c.String(flagDataDir); dir != "" {
		cfg.DataDir = dir
	}

	return cfg, nil
}

func startDaemon(ctx context.Context, cfg *config.Config) error {
	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open persistence store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnf("failed to close persistence store: %s", err)
		}
	}()

	newPool := walletpool.NewRegisteredPool
	if cfg.WalletPoolManaged {
		newPool = walletpool.NewManagedPool
	}
	pool, err := newPool(buildEndpoints(cfg))
	if err != nil {
		return fmt.Errorf("failed to build wallet pool: %w", err)
	}

	warmUpCtx, warmUpCancel := context.WithTimeout(ctx, 30*time.Second)
	defer warmUpCancel()
	if err := pool.WarmUp(warmUpCtx); err != nil {
		return fmt.Errorf("failed to warm up wallet pool: %w", err)
	}

	sessions, err := session.NewManager(pool, cfg.SessionCap, cfg.RPCCallTimeout)
	if err != nil {
		return fmt.Errorf("failed to construct session manager: %w", err)
	}

	escrows, err := escrow.NewManager(store)
	if err != nil {
		return fmt.Errorf("failed to construct escrow manager: %w", err)
	}

	sink := &instrument.JSONSink{WriteFunc: func(id types.EscrowID, data []byte) error {
		log.Debugf("instrumentation flush for escrow %s: %s", id, data)
		return nil
	}}
	instruments := instrument.NewRegistry(cfg.EnableInstrumentation, sink)

	orch := orchestrator.New(escrows, sessions, cfg, instruments)
	orch.ResumeAll(ctx)
	coord := signature.New(escrows, sessions)

	mon := monitor.New(escrows, sessions, cfg, func(id types.EscrowID, consecutiveFailures int, lastErr error) {
		log.Errorf("escrow %s has failed %d consecutive monitor polls: %s", id, consecutiveFailures, lastErr)
	})
	go mon.Run(ctx)

	srv, err := rpc.NewServer(&rpc.Config{
		Ctx:             ctx,
		Address:         cfg.HTTPAddress,
		Escrows:         escrows,
		Orchestrator:    orch,
		Signatures:      coord,
		MaxEscrowAmount: cfg.MaxEscrowAmount,
	})
	if err != nil {
		return fmt.Errorf("failed to construct rpc server: %w", err)
	}

	banner := color.New(color.Bold).Sprintf("escrowd listening on %s", srv.HttpURL())
	log.Info(banner)

	return srv.Start()
}

// buildEndpoints assumes the daemon owns every wallet-rpc process at
// localhost (the "server-managed multisig" path, spec §9's alternative to
// client-registered endpoints), one per configured port per role.
func buildEndpoints(cfg *config.Config) []walletpool.Endpoint {
	var endpoints []walletpool.Endpoint
	for _, role := range types.Roles {
		ports := cfg.WalletRPCPortsPerRole[role.String()]
		for _, port := range ports {
			endpoints = append(endpoints, walletpool.Endpoint{
				Role:       role,
				Port:       port,
				URL:        fmt.Sprintf("http://127.0.0.1:%d", port),
				WalletFile: fmt.Sprintf("%s-%d", role, port),
			})
		}
	}
	return endpoints
}
