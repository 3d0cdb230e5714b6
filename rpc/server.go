// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package rpc provides the HTTP server for the escrow daemon's front-end
// control surface (spec §6): a plain REST API, not a JSON-RPC dispatch --
// gorilla/mux routes each verb+path to a handler, and gorilla/handlers wraps
// the router with permissive CORS for browser-based front-ends.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log"

	"github.com/xmrescrow/escrowd/escrow"
	"github.com/xmrescrow/escrowd/orchestrator"
	"github.com/xmrescrow/escrowd/signature"
)

var log = logging.Logger("rpc")

// Config collects the already-constructed subsystems the HTTP surface
// dispatches into. Every field is required except MaxEscrowAmount; when it is
// zero, no maximum escrow amount is enforced.
type Config struct {
	Ctx             context.Context
	Address         string // "IP:port"
	Escrows         escrow.Manager
	Orchestrator    *orchestrator.Orchestrator
	Signatures      *signature.Coordinator
	MaxEscrowAmount uint64
}

// Server is the escrow daemon's HTTP control surface.
type Server struct {
	ctx        context.Context
	listener   net.Listener
	httpServer *http.Server
}

// NewServer builds the router, wraps it with CORS, and binds the listener.
// It does not start serving; call Start for that.
func NewServer(cfg *Config) (*Server, error) {
	serverCtx, serverCancel := context.WithCancel(cfg.Ctx)

	h := &handler{
		escrows:         cfg.Escrows,
		orchestrator:    cfg.Orchestrator,
		signatures:      cfg.Signatures,
		maxEscrowAmount: cfg.MaxEscrowAmount,
	}

	r := mux.NewRouter()
	r.HandleFunc("/escrow/create", h.createEscrow).Methods(http.MethodPost)
	r.HandleFunc("/escrow/{id}", h.getEscrow).Methods(http.MethodGet)
	r.HandleFunc("/escrow/{id}/release", h.release).Methods(http.MethodPost)
	r.HandleFunc("/escrow/{id}/refund", h.refund).Methods(http.MethodPost)
	r.HandleFunc("/escrow/{id}/dispute", h.dispute).Methods(http.MethodPost)
	r.HandleFunc("/escrow/{id}/resolve", h.resolve).Methods(http.MethodPost)

	headersOk := handlers.AllowedHeaders([]string{"content-type"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"})
	originsOk := handlers.AllowedOrigins([]string{"*"})

	lc := net.ListenConfig{}
	ln, err := lc.Listen(serverCtx, "tcp", cfg.Address)
	if err != nil {
		serverCancel()
		return nil, fmt.Errorf("failed to bind rpc listener on %s: %w", cfg.Address, err)
	}

	httpServer := &http.Server{
		Addr:              ln.Addr().String(),
		ReadHeaderTimeout: time.Second,
		Handler:           handlers.CORS(headersOk, methodsOk, originsOk)(r),
		BaseContext: func(net.Listener) context.Context {
			return serverCtx
		},
	}

	return &Server{
		ctx:        serverCtx,
		listener:   ln,
		httpServer: httpServer,
	}, nil
}

// HttpURL returns the base URL clients should issue requests against. //nolint:revive
func (s *Server) HttpURL() string {
	return fmt.Sprintf("http://%s", s.httpServer.Addr)
}

// Start serves until the server's context is cancelled or Stop is called.
func (s *Server) Start() error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}

	log.Infof("starting escrow rpc server on %s", s.HttpURL())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-s.ctx.Done():
		err := s.httpServer.Shutdown(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("rpc server shutdown errored: %s", err)
		}
		return s.ctx.Err()
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("rpc server failed: %s", err)
		} else {
			log.Info("rpc server shut down")
		}
		return err
	}
}

// Stop gracefully shuts down the server, servicing in-flight requests.
func (s *Server) Stop() error {
	return s.httpServer.Shutdown(s.ctx)
}
