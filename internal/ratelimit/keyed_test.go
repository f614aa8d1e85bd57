package ratelimit

import (
	"testing"
	"time"
)

func TestKeyed_IndependentBuckets(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	k := NewKeyed(KeyedConfig{Clock: clk, Rate: 2})

	for i := 0; i < 2; i++ {
		if !k.Allow("alice", 1) {
			t.Fatalf("alice message %d denied", i)
		}
	}
	if k.Allow("alice", 1) {
		t.Fatalf("alice allowed past burst")
	}
	if !k.Allow("bob", 1) {
		t.Fatalf("bob denied by alice's bucket")
	}

	clk.Advance(500 * time.Millisecond)
	if !k.Allow("alice", 1) {
		t.Fatalf("alice not refilled")
	}
}

func TestKeyed_EvictsLeastRecentlyUsed(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	var evicted []string
	k := NewKeyed(KeyedConfig{Clock: clk, Rate: 1, MaxKeys: 2, OnEvict: func(key string) { evicted = append(evicted, key) }})

	k.Allow("a", 1)
	k.Allow("b", 1)
	// Touch a so b becomes the oldest.
	k.Allow("a", 1)
	k.Allow("c", 1)

	if got := k.Len(); got != 2 {
		t.Fatalf("Len=%d, want 2", got)
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted=%v, want [b]", evicted)
	}
	// b comes back with a fresh bucket.
	if !k.Allow("b", 1) {
		t.Fatalf("b denied after eviction")
	}
}

func TestKeyed_DisabledAndForget(t *testing.T) {
	var nilLimiter *Keyed
	if !nilLimiter.Allow("x", 100) {
		t.Fatalf("nil limiter denied")
	}
	off := NewKeyed(KeyedConfig{})
	if !off.Allow("x", 100) || off.Len() != 0 {
		t.Fatalf("disabled limiter should allow without tracking")
	}

	clk := &fakeClock{now: time.Unix(0, 0)}
	k := NewKeyed(KeyedConfig{Clock: clk, Rate: 1})
	k.Allow("x", 1)
	if k.Allow("x", 1) {
		t.Fatalf("second token allowed")
	}
	k.Forget("x")
	if k.Len() != 0 {
		t.Fatalf("Len=%d after Forget", k.Len())
	}
	if !k.Allow("x", 1) {
		t.Fatalf("forgotten key denied")
	}
}
