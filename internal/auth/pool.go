// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"

	"github.com/samber/oops"
	"golang.org/x/sync/semaphore"
)

// PooledHasher runs a PasswordHasher on a bounded number of workers.
//
// Each computation runs on its own goroutine while holding a worker slot.
// A caller whose context ends stops waiting immediately; the computation
// still finishes in the background and releases its slot.
type PooledHasher struct {
	hasher  PasswordHasher
	workers *semaphore.Weighted
}

// NewPooledHasher wraps hasher with at most workers concurrent computations.
// Values below 1 are treated as 1.
func NewPooledHasher(hasher PasswordHasher, workers int) *PooledHasher {
	if workers < 1 {
		workers = 1
	}
	return &PooledHasher{
		hasher:  hasher,
		workers: semaphore.NewWeighted(int64(workers)),
	}
}

type hashResult struct {
	hash string
	ok   bool
	err  error
}

func (p *PooledHasher) run(ctx context.Context, op string, fn func() hashResult) (hashResult, error) {
	if err := p.workers.Acquire(ctx, 1); err != nil {
		return hashResult{}, oops.Code("AUTH_HASH_CANCELLED").With("operation", op).Wrap(err)
	}

	done := make(chan hashResult, 1)
	go func() {
		defer p.workers.Release(1)
		done <- fn()
	}()

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return hashResult{}, oops.Code("AUTH_HASH_CANCELLED").With("operation", op).Wrap(ctx.Err())
	}
}

// Hash hashes password on a worker.
func (p *PooledHasher) Hash(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	res, err := p.run(ctx, "hash", func() hashResult {
		h, err := p.hasher.Hash(password)
		return hashResult{hash: h, err: err}
	})
	if err != nil {
		return "", err
	}
	return res.hash, res.err
}

// Verify checks password against hash on a worker.
func (p *PooledHasher) Verify(ctx context.Context, password, hash string) (bool, error) {
	res, err := p.run(ctx, "verify", func() hashResult {
		ok, err := p.hasher.Verify(password, hash)
		return hashResult{ok: ok, err: err}
	})
	if err != nil {
		return false, err
	}
	return res.ok, res.err
}

// NeedsUpgrade reports whether hash should be recomputed. It is cheap and
// does not use a worker.
func (p *PooledHasher) NeedsUpgrade(hash string) bool {
	return p.hasher.NeedsUpgrade(hash)
}
