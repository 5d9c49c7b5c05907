// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holomush/authgate/internal/auth"
	"github.com/holomush/authgate/internal/auth/sqlite"
)

// fastParams keeps argon2 cheap in tests.
var fastParams = auth.Argon2Params{Time: 1, MemoryKiB: 1024, Threads: 1}

// testClock is a settable clock safe for concurrent reads.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newHasher() *auth.PooledHasher {
	return auth.NewPooledHasher(auth.NewArgon2idHasher(fastParams), 2)
}
