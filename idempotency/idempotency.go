// Package idempotency guards mutating operations (claim, submit, review...)
// against duplicate execution when a caller retries a request it is unsure
// completed. A client supplies a key; the first call to reach the guard for
// that key executes and caches its response, and every later call with the
// same key gets the cached response back without re-running the operation.
//
// Do runs the guarded operation and records its idempotency key in the same
// database transaction: both commit together, so a crash between the
// mutation and the key write cannot leave a committed mutation with no
// record of it, which would let a same-key retry re-run an already-applied
// claim or submit.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Backend is the read half of the persistence contract the guard needs.
// Lookup never purges expired rows — that is a separate background concern,
// to avoid racing a concurrent writer inserting under the same key.
type Backend interface {
	Lookup(ctx context.Context, key string) (response string, ok bool, err error)
}

// TxBackend is the full persistence contract: Backend's read path plus a
// write that can run inside a caller-supplied transaction. The store
// package's IdempotencyStore satisfies it.
type TxBackend interface {
	Backend
	PutTx(ctx context.Context, tx *sql.Tx, key, operation, response string, ttl time.Duration) error
}

// Guard wraps a mutating operation with idempotency-key replay protection.
type Guard struct {
	db      *sql.DB
	backend TxBackend
	ttl     time.Duration
}

// New builds a Guard with the given retention window for cached responses.
// db must be the same pool the guarded operations themselves write through,
// since Do begins its transaction against it.
func New(db *sql.DB, backend TxBackend, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{db: db, backend: backend, ttl: ttl}
}

// Do runs fn under key's protection inside a single transaction: if key has
// a cached response, it is returned and fn never runs; otherwise Do opens a
// transaction, runs fn against it, stores fn's encoded result under key, and
// commits both together. key == "" disables the replay cache (the caller
// did not opt in) but fn still runs inside its own transaction, since that
// atomicity is independently useful for multi-statement mutations such as
// dispatcher.Dispatcher.ClaimTx.
func Do[T any](ctx context.Context, g *Guard, key, operation string, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var zero T

	if key != "" {
		if cached, ok, err := g.backend.Lookup(ctx, key); err != nil {
			return zero, fmt.Errorf("idempotency: lookup %q: %w", key, err)
		} else if ok {
			var out T
			if err := json.Unmarshal([]byte(cached), &out); err != nil {
				return zero, fmt.Errorf("idempotency: decode cached response for %q: %w", key, err)
			}
			return out, nil
		}
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("idempotency: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if key != "" {
		encoded, err := json.Marshal(result)
		if err != nil {
			return zero, fmt.Errorf("idempotency: encode response for %q: %w", key, err)
		}
		if err := g.backend.PutTx(ctx, tx, key, operation, string(encoded), g.ttl); err != nil {
			return zero, fmt.Errorf("idempotency: store response for %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("idempotency: commit %q: %w", key, err)
	}
	return result, nil
}
