// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package backoff provides exponential delays between failing
// attempts, used to pace transport bind retries.
package backoff

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

// ExponentialBackoff provides delays between failing attempts.
type ExponentialBackoff struct {
	Delay time.Duration `help:"the current delay between retries, typically not set" default:"0ms"`
	Max   time.Duration `help:"the maximum delay between retries" default:"2s"`
	Min   time.Duration `help:"the minimum delay between retries" default:"100ms"`
}

func (e *ExponentialBackoff) init() {
	if e.Max == 0 {
		e.Max = 2 * time.Second
	}
	if e.Min == 0 {
		e.Min = 100 * time.Millisecond
	}
}

// Wait should be called after a failure. Each call sleeps an
// exponentially longer time, up to Max, or until ctx is done.
func (e *ExponentialBackoff) Wait(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	e.init()
	if e.Delay == 0 {
		e.Delay = e.Min
	} else {
		e.Delay *= 2
	}
	if e.Delay > e.Max {
		e.Delay = e.Max
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	t := time.NewTimer(e.Delay)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Maxed returns true if the wait time has maxed out.
func (e *ExponentialBackoff) Maxed() bool {
	e.init()
	return e.Delay == e.Max
}
