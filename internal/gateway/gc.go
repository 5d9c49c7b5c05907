// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holomush/authgate/internal/auth"
	"github.com/holomush/authgate/internal/observability"
	"github.com/holomush/authgate/pkg/errutil"
)

// collector runs session garbage collection as a side effect of requests.
// At most one pass is in flight; passes are detached from request contexts.
type collector struct {
	sessions    *auth.SessionStore
	lifetime    time.Duration
	probability float64
	timeout     time.Duration
	random      func() float64
	metrics     *observability.Metrics
	logger      *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

// maybeRun starts a pass with the configured probability. It reports
// whether a pass was started.
func (c *collector) maybeRun() bool {
	if c.probability <= 0 || c.random() >= c.probability {
		return false
	}
	if !c.running.CompareAndSwap(false, true) {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		c.run()
	}()
	return true
}

func (c *collector) run() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	n, err := c.sessions.CollectGarbage(ctx, c.lifetime)
	if err != nil {
		c.metrics.GCRun("error", 0)
		errutil.LogErrorContext(ctx, c.logger, "session garbage collection failed", err)
		return
	}
	c.metrics.GCRun("ok", n)
	if n > 0 {
		c.logger.InfoContext(ctx, "collected idle sessions", "count", n)
	}
}

// wait blocks until any in-flight pass finishes.
func (c *collector) wait() {
	c.wg.Wait()
}
