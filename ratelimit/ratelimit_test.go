package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToMaxRequests(t *testing.T) {
	l := New(time.Minute, 3, 0)

	for i := 0; i < 3; i++ {
		if !l.Allow("agent-1") {
			t.Fatalf("Allow call %d: got false, want true (within window limit)", i+1)
		}
	}
	if l.Allow("agent-1") {
		t.Fatal("Allow call 4: got true, want false (limit exceeded)")
	}
}

func TestLimiter_SeparateKeysHaveSeparateWindows(t *testing.T) {
	l := New(time.Minute, 1, 0)

	if !l.Allow("agent-1") {
		t.Fatal("Allow agent-1: got false, want true")
	}
	if !l.Allow("agent-2") {
		t.Fatal("Allow agent-2: got false, want true (independent window)")
	}
	if l.Allow("agent-1") {
		t.Fatal("Allow agent-1 again: got true, want false")
	}
}

func TestLimiter_WindowResetsAfterElapsed(t *testing.T) {
	l := New(20*time.Millisecond, 1, 0)

	if !l.Allow("agent-1") {
		t.Fatal("Allow: got false, want true")
	}
	if l.Allow("agent-1") {
		t.Fatal("Allow (same window): got true, want false")
	}

	time.Sleep(30 * time.Millisecond)

	if !l.Allow("agent-1") {
		t.Fatal("Allow (new window): got false, want true")
	}
}

func TestLimiter_CompactionEvictsOldestHalf(t *testing.T) {
	l := New(time.Hour, 10, 2)

	l.Allow("k1")
	time.Sleep(time.Millisecond)
	l.Allow("k2")
	// Adding a third key over maxStoreSize=2 triggers compaction, evicting
	// the oldest half (k1).
	time.Sleep(time.Millisecond)
	l.Allow("k3")

	l.mu.Lock()
	_, hasK1 := l.windows["k1"]
	_, hasK2 := l.windows["k2"]
	_, hasK3 := l.windows["k3"]
	l.mu.Unlock()

	if hasK1 {
		t.Error("k1 should have been evicted as the oldest window")
	}
	if !hasK2 || !hasK3 {
		t.Errorf("k2/k3 should survive compaction: hasK2=%v hasK3=%v", hasK2, hasK3)
	}
}
