package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IdempotencyStore persists idempotency keys and their cached responses.
// Lookup and Put are deliberately separate statements with no purge on the
// lookup path: expiring rows during a read would race with a concurrent
// writer inserting the same key and defeat the guarantee the guard exists
// to provide. Expiry is swept separately (see the control package).
type IdempotencyStore struct {
	db    *sql.DB
	store *Store
}

// Lookup returns the cached response for key if present and not expired.
// A miss (absent, or present but expired) returns ("", false, nil).
func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (response string, ok bool, err error) {
	err = s.store.do(ctx, func(ctx context.Context) error {
		response, ok = "", false
		row := s.db.QueryRowContext(ctx, `SELECT response, expires_at FROM idempotency_keys WHERE key = ?`, key)
		var resp, expiresAt string
		if err := row.Scan(&resp, &expiresAt); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("store: lookup idempotency key: %w", err)
		}
		expiry, err := time.Parse(time.RFC3339Nano, expiresAt)
		if err != nil {
			return fmt.Errorf("store: parse idempotency expiry: %w", err)
		}
		if time.Now().UTC().After(expiry) {
			return nil
		}
		response, ok = resp, true
		return nil
	})
	return response, ok, err
}

// Put stores response under key with the given time-to-live. Operation is
// recorded for observability only; it plays no role in lookup.
func (s *IdempotencyStore) Put(ctx context.Context, key, operation, response string, ttl time.Duration) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		return putIdempotencyKey(ctx, s.db, key, operation, response, ttl)
	})
}

// PutTx stores response under key against a caller-managed transaction, so
// the idempotency guard (see the idempotency package) can commit the
// key record in the same transaction as the mutation it guards.
func (s *IdempotencyStore) PutTx(ctx context.Context, tx *sql.Tx, key, operation, response string, ttl time.Duration) error {
	return putIdempotencyKey(ctx, tx, key, operation, response, ttl)
}

func putIdempotencyKey(ctx context.Context, ex execer, key, operation, response string, ttl time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	_, err := ex.ExecContext(ctx, `
INSERT INTO idempotency_keys (key, operation, response, created_at, expires_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(key) DO NOTHING`,
		key, operation, response, nullTime(&now), nullTime(&expires))
	if err != nil {
		return fmt.Errorf("store: put idempotency key: %w", err)
	}
	return nil
}

// PurgeExpired deletes up to batchSize rows whose expiry has passed and
// returns the number of rows removed. It is the only place expired rows are
// ever removed, run from a background loop rather than the lookup path.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context, batchSize int) (int64, error) {
	var n int64
	err := s.store.do(ctx, func(ctx context.Context) error {
		now := nullTime(ptrTime(time.Now().UTC()))
		res, err := s.db.ExecContext(ctx, `
DELETE FROM idempotency_keys WHERE key IN (
	SELECT key FROM idempotency_keys WHERE expires_at < ? LIMIT ?
)`, now, batchSize)
		if err != nil {
			return fmt.Errorf("store: purge expired idempotency keys: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func ptrTime(t time.Time) *time.Time { return &t }
