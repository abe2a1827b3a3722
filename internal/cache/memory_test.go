package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSetGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, found, _ := store.Get(ctx, "missing"); found {
		t.Error("Get on missing key reported found")
	}

	if err := store.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, found, err := store.Get(ctx, "k")
	if err != nil || !found || val != "v" {
		t.Errorf("Get = (%q, %v, %v), want (v, true, nil)", val, found, err)
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, found, _ := store.Get(ctx, "k"); found {
		t.Error("key still present after TTL expiry")
	}
}

func TestMemoryStoreSetNX(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ok, err := store.SetNX(ctx, "k", "first", time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX on fresh key = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = store.SetNX(ctx, "k", "second", time.Minute)
	if err != nil || ok {
		t.Fatalf("SetNX on held key = (%v, %v), want (false, nil)", ok, err)
	}

	val, _, _ := store.Get(ctx, "k")
	if val != "first" {
		t.Errorf("value overwritten by failed SetNX: %q", val)
	}

	// Expired key behaves as absent.
	if err := store.Set(ctx, "e", "old", 5*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	ok, _ = store.SetNX(ctx, "e", "new", time.Minute)
	if !ok {
		t.Error("SetNX did not claim an expired key")
	}
}

func TestMemoryStoreIncr(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Incr(ctx, "counter", time.Minute)
		if err != nil || got != want {
			t.Fatalf("Incr = (%d, %v), want (%d, nil)", got, err, want)
		}
	}

	if err := store.Delete(ctx, "counter"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := store.Incr(ctx, "counter", time.Minute); got != 1 {
		t.Errorf("Incr after delete = %d, want 1", got)
	}
}
