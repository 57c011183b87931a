// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package ratelimit

import (
	"net"
	"strconv"
	"time"

	"storj.io/limitation/pkg/kademlia"
	"storj.io/limitation/pkg/kvstore"
)

// DefaultPort is the conventional master port. Seed lists advertise it
// and bare seed hosts resolve to it.
const DefaultPort = 3050

// DefaultInterval is the default aggregation interval and counter
// half-life.
const DefaultInterval = 10 * time.Second

// Config holds the limiter's configuration.
type Config struct {
	ListenAddress string `user:"true" help:"address the DHT transport binds and advertises" default:"localhost"`
	ListenPort    int    `user:"true" help:"conventional master port each node tries to bind first" default:"3050"`

	// Seeds are "host" or "host:port" contacts; bare hosts default to
	// the master port.
	Seeds []string `user:"true" help:"seed contacts used to join the cluster"`

	Interval time.Duration `user:"true" help:"aggregation interval, also the counter half-life" default:"10s"`
	MinValue float64       `help:"decayed counter value below which stored entries are evicted" default:"0.1"`

	Node kademlia.Config
}

func (c *Config) setDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = "localhost"
	}
	if c.ListenPort == 0 {
		c.ListenPort = DefaultPort
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.MinValue == 0 {
		c.MinValue = kvstore.DefaultMinValue
	}
}

func (c Config) validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return Error.New("listen port %d out of range", c.ListenPort)
	}
	if c.Interval < 0 {
		return Error.New("interval cannot be negative")
	}
	if c.MinValue < 0 {
		return Error.New("min value cannot be negative")
	}
	return nil
}

// seedAddresses normalizes the configured seeds into canonical
// "host:port" form.
func (c Config) seedAddresses() ([]string, error) {
	seeds := make([]string, 0, len(c.Seeds))
	for _, seed := range c.Seeds {
		if seed == "" {
			return nil, Error.New("empty seed")
		}
		if _, _, err := net.SplitHostPort(seed); err != nil {
			seed = net.JoinHostPort(seed, strconv.Itoa(DefaultPort))
			if _, _, err := net.SplitHostPort(seed); err != nil {
				return nil, Error.New("malformed seed %q", seed)
			}
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}
