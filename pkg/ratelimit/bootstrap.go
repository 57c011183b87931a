// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package ratelimit

import (
	"context"
	"math/rand"
	"net"
	"strconv"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/limitation/pkg/backoff"
	"storj.io/limitation/pkg/kademlia"
)

const (
	// bindAttempts is how many random high ports are tried after the
	// master port turns out busy.
	bindAttempts = 5

	randomPortMin   = 1024
	randomPortRange = 63000

	// reconnectIntervals is how many intervals a non-master node waits
	// before probing the master port again.
	reconnectIntervals = 60
)

// bootstrap binds the transport and brings a DHT node up on it. Every
// node first tries the conventional master port so seed lists stay
// stable; peers sharing the host fall back to random high ports.
func (lim *Limiter) bootstrap(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	conn, port, err := lim.bindTransport(ctx)
	if err != nil {
		return err
	}

	lim.startNode(ctx, conn, port)
	return nil
}

// bindTransport binds the master port, or failing that up to
// bindAttempts random high ports.
func (lim *Limiter) bindTransport(ctx context.Context) (*net.UDPConn, int, error) {
	conn, err := listenUDP(lim.config.ListenAddress, lim.config.ListenPort)
	if err == nil {
		return conn, lim.config.ListenPort, nil
	}
	lim.log.Info("master port busy, falling back to a random port",
		zap.Int("port", lim.config.ListenPort), zap.Error(err))

	var retry backoff.ExponentialBackoff
	for attempt := 0; attempt < bindAttempts; attempt++ {
		port := randomPortMin + rand.Intn(randomPortRange)
		conn, err = listenUDP(lim.config.ListenAddress, port)
		if err == nil {
			return conn, port, nil
		}
		if err := retry.Wait(ctx); err != nil {
			return nil, 0, errs.Wrap(err)
		}
	}
	return nil, 0, Error.New("could not bind a transport port: %v", err)
}

// startNode constructs a DHT node on the bound socket and joins the
// seed cluster. A random-port bind never replaces a live node; a
// master-port bind re-homes the node onto the master identity.
func (lim *Limiter) startNode(ctx context.Context, conn *net.UDPConn, port int) {
	advertised := net.JoinHostPort(lim.config.ListenAddress, strconv.Itoa(port))
	master := port == lim.config.ListenPort

	lim.nodeMu.Lock()
	if lim.node != nil && !master {
		lim.nodeMu.Unlock()
		_ = conn.Close()
		return
	}
	old := lim.node
	node := kademlia.NewNode(lim.log.Named("dht"), conn, advertised, lim.store, lim.config.Node)
	lim.node = node
	lim.dht = node
	lim.master = master
	lim.nodeMu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	var seeds []string
	for _, seed := range lim.seeds {
		if seed == advertised {
			continue
		}
		seeds = append(seeds, seed)
	}
	if err := node.Join(ctx, seeds); err != nil {
		lim.log.Debug("join failed", zap.Error(err))
	}

	lim.ready.Release()
	lim.log.Info("dht transport bound",
		zap.String("address", advertised), zap.Bool("master", master))
}

// runReconnect periodically re-probes the master port on non-master
// nodes, in case it later frees. Master nodes have nothing to do.
func (lim *Limiter) runReconnect(ctx context.Context) error {
	for {
		if lim.isMaster() {
			return nil
		}
		if !sync2.Sleep(ctx, lim.jitter(reconnectIntervals*lim.config.Interval)) {
			return nil
		}
		if lim.isMaster() {
			return nil
		}

		conn, err := listenUDP(lim.config.ListenAddress, lim.config.ListenPort)
		if err != nil {
			// Still busy; re-arm.
			continue
		}
		lim.startNode(ctx, conn, lim.config.ListenPort)
	}
}

func listenUDP(host string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errs.Wrap(err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return conn, nil
}
