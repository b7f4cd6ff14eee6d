package store

import (
	"context"
	"testing"
	"time"
)

func TestIdempotencyStore_LookupMiss(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Idempotency().Lookup(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("Lookup: want miss for unknown key")
	}
}

func TestIdempotencyStore_PutAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Idempotency().Put(ctx, "key-1", "claim_task", `{"id":1}`, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	resp, ok, err := s.Idempotency().Lookup(ctx, "key-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("Lookup: want hit")
	}
	if resp != `{"id":1}` {
		t.Errorf("Lookup response = %q, want {\"id\":1}", resp)
	}

	// Put on an existing key must not overwrite the first response.
	if err := s.Idempotency().Put(ctx, "key-1", "claim_task", `{"id":2}`, time.Hour); err != nil {
		t.Fatalf("Put (duplicate): %v", err)
	}
	resp, _, err = s.Idempotency().Lookup(ctx, "key-1")
	if err != nil {
		t.Fatalf("Lookup after duplicate put: %v", err)
	}
	if resp != `{"id":1}` {
		t.Errorf("Lookup response after duplicate put = %q, want original {\"id\":1}", resp)
	}
}

func TestIdempotencyStore_LookupExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Idempotency().Put(ctx, "key-1", "claim_task", `{"id":1}`, -time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, ok, err := s.Idempotency().Lookup(ctx, "key-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("Lookup: want miss for expired key")
	}
}

func TestIdempotencyStore_PurgeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Idempotency().Put(ctx, "expired", "op", "{}", -time.Minute); err != nil {
		t.Fatalf("Put expired: %v", err)
	}
	if err := s.Idempotency().Put(ctx, "fresh", "op", "{}", time.Hour); err != nil {
		t.Fatalf("Put fresh: %v", err)
	}

	n, err := s.Idempotency().PurgeExpired(ctx, 100)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExpired: got %d, want 1", n)
	}

	if _, ok, _ := s.Idempotency().Lookup(ctx, "fresh"); !ok {
		t.Error("fresh key should survive purge")
	}
}
