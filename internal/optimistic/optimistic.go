// Package optimistic implements the version-check-and-retry protocol used
// for every concurrent mutation of shared counters and arrays: story likes,
// ratings, comment likes, voucher balances, and purchase ledgers.
//
// The protocol per attempt:
//  1. Load the current document snapshot (including its version counter).
//  2. Compute the new state purely from that snapshot.
//  3. Save conditionally: "write WHERE id = X AND version = snapshot
//     version", incrementing the version in the same statement.
//  4. If another writer won the race (zero rows matched), reload and retry.
//
// Repositories signal a lost race by returning ErrVersionConflict from
// their conditional save.
package optimistic

import (
	"context"
	"errors"

	"github.com/fablenest/fablenest/internal/apperror"
)

// ErrVersionConflict is returned by conditional saves when the version
// check matched zero rows, i.e. a concurrent writer committed first.
var ErrVersionConflict = errors.New("version conflict")

// DefaultAttempts bounds the retry loop. Three attempts absorb transient
// contention; sustained contention surfaces as a 409 for the caller to
// retry at a higher level.
const DefaultAttempts = 3

// Update runs the load → mutate → conditional-save cycle up to `attempts`
// times.
//
// load fetches a fresh snapshot; mutate derives the new state from that
// snapshot only (it must not perform I/O); save persists conditionally and
// returns ErrVersionConflict on a lost race. Any other error from any step
// aborts immediately — business-rule failures inside mutate (e.g. an
// insufficient balance) are not retried, because retrying cannot change
// the outcome.
//
// On success the mutated snapshot is returned. On retry exhaustion the
// error is a 409-mapped apperror.
func Update[T any](
	ctx context.Context,
	attempts int,
	load func(ctx context.Context) (*T, error),
	mutate func(doc *T) error,
	save func(ctx context.Context, doc *T) error,
) (*T, error) {
	if attempts < 1 {
		attempts = DefaultAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		doc, err := load(ctx)
		if err != nil {
			return nil, err
		}

		if err := mutate(doc); err != nil {
			return nil, err
		}

		err = save(ctx, doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		// Lost the race; loop reloads a fresh snapshot.
	}

	return nil, apperror.NewConflict("concurrent update detected, please try again")
}
