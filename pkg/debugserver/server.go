// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package debugserver exposes operator-facing telemetry over HTTP: the
// live block table and transport health. It is never consulted by the
// check path.
package debugserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/limitation/pkg/ratelimit"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the debugserver package.
	Error = errs.Class("debugserver")
)

const shutdownTimeout = 10 * time.Second

// Config holds the debug server's configuration.
type Config struct {
	Address string `user:"true" help:"address to serve operator debug endpoints on; empty disables the server" default:""`
}

// Limiter is the view of the rate limiter the server exposes.
type Limiter interface {
	Blocks() ratelimit.Blocks
	Live() bool
}

// Server serves the debug endpoints.
type Server struct {
	log     *zap.Logger
	limiter Limiter
	config  Config

	handler http.Handler
}

// New constructs a Server.
func New(log *zap.Logger, limiter Limiter, config Config) *Server {
	server := &Server{
		log:     log,
		limiter: limiter,
		config:  config,
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/blocks", server.getBlocks).Methods(http.MethodGet)
	router.HandleFunc("/v1/health", server.getHealth).Methods(http.MethodGet)
	server.handler = router

	return server
}

// Run serves until ctx is done.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener, err := net.Listen("tcp", server.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	server.log.Info("debug server listening", zap.Stringer("address", listener.Addr()))

	httpServer := &http.Server{Handler: server.handler}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return Error.Wrap(httpServer.Shutdown(shutdownCtx))
	})
	group.Go(func() error {
		err := httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

func (server *Server) getBlocks(w http.ResponseWriter, r *http.Request) {
	server.writeJSON(w, server.limiter.Blocks())
}

func (server *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	server.writeJSON(w, map[string]bool{"dhtLive": server.limiter.Live()})
}

func (server *Server) writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		server.log.Debug("response write failed", zap.Error(err))
	}
}
