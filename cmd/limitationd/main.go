// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// limitationd runs one distributed rate limiter node: it joins the
// seed cluster, serves DHT traffic for its peers, and optionally
// exposes operator debug endpoints.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/limitation/pkg/debugserver"
	"storj.io/limitation/pkg/ratelimit"
)

var (
	config      ratelimit.Config
	debugConfig debugserver.Config
	devLogging  bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "limitationd",
		Short: "Distributed rate limiter node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&config.ListenAddress, "listen-address", "localhost", "address the DHT transport binds and advertises")
	flags.IntVar(&config.ListenPort, "listen-port", ratelimit.DefaultPort, "conventional master port each node tries to bind first")
	flags.StringSliceVar(&config.Seeds, "seed", nil, "seed contact as host or host:port; repeatable")
	flags.DurationVar(&config.Interval, "interval", ratelimit.DefaultInterval, "aggregation interval, also the counter half-life")
	flags.Float64Var(&config.MinValue, "min-value", 0, "decayed counter value below which stored entries are evicted")
	flags.StringVar(&debugConfig.Address, "debug-addr", "", "address to serve operator debug endpoints on; empty disables the server")
	flags.BoolVar(&devLogging, "dev", false, "use development logging")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) (err error) {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	limiter, err := ratelimit.New(log.Named("ratelimit"), config)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, limiter.Close()) }()

	limiter.OnBlocks(func(blocks ratelimit.Blocks) {
		log.Info("block table updated", zap.Int("keys", len(blocks)))
	})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return limiter.Run(ctx) })
	if debugConfig.Address != "" {
		server := debugserver.New(log.Named("debug"), limiter, debugConfig)
		group.Go(func() error { return server.Run(ctx) })
	}
	return group.Wait()
}

func newLogger() (*zap.Logger, error) {
	if devLogging {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
