package badger

import (
	"context"
	"reflect"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "HedgeProcessor/BTC:ETH", `{"max_diff_rate":0.03}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := store.Get(ctx, "HedgeProcessor/BTC:ETH")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if val != `{"max_diff_rate":0.03}` {
		t.Fatalf("unexpected value %q", val)
	}
	if err := store.Delete(ctx, "HedgeProcessor/BTC:ETH"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := store.Get(ctx, "HedgeProcessor/BTC:ETH"); err != nil || ok {
		t.Fatalf("expected deleted key, ok=%v err=%v", ok, err)
	}
}

func TestStoreKeys(t *testing.T) {
	store, err := NewInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, key := range []string{"b", "a", "c"} {
		if err := store.Set(ctx, key, "{}"); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Set(context.Background(), "Engine/status", `{"status":2}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	val, ok, err := reopened.Get(context.Background(), "Engine/status")
	if err != nil || !ok || val != `{"status":2}` {
		t.Fatalf("unexpected value %q ok=%v err=%v", val, ok, err)
	}
}
