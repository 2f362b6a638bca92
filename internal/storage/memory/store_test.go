package memory

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"dispatch-admin/console/internal/storage"
)

var _ storage.Store = (*Store)(nil)

func TestStore_SetGet(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if err := store.Set(ctx, "token", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := store.Get(ctx, "token")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if v != "abc" {
		t.Errorf("value = %q, want %q", v, "abc")
	}
}

func TestStore_Get_ReturnsFalseWhenMissing(t *testing.T) {
	store := NewStore()

	v, ok, err := store.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get should return false when key is missing")
	}
	if v != "" {
		t.Errorf("value = %q, want empty string", v)
	}
}

func TestStore_Overwrite(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_ = store.Set(ctx, "user", "one")
	_ = store.Set(ctx, "user", "two")

	v, _, _ := store.Get(ctx, "user")
	if v != "two" {
		t.Errorf("value = %q, want %q", v, "two")
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}

func TestStore_Delete(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_ = store.Set(ctx, "token", "abc")
	if err := store.Delete(ctx, "token"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "token"); ok {
		t.Error("Get should return false after Delete")
	}
	if err := store.Delete(ctx, "token"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			_ = store.Set(ctx, "key-"+strconv.Itoa(id), "v")
		}(i)
		go func(id int) {
			defer wg.Done()
			_, _, _ = store.Get(ctx, "key-"+strconv.Itoa(id))
		}(i)
	}
	wg.Wait()
	if store.Len() != 10 {
		t.Errorf("Len = %d, want 10", store.Len())
	}
}

func TestPrefixed(t *testing.T) {
	inner := NewStore()
	ctx := context.Background()
	ns := storage.Prefixed(inner, "console")

	if err := ns.Set(ctx, "token", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := inner.Get(ctx, "console:token"); !ok {
		t.Error("inner store should hold the namespaced key")
	}
	if v, ok, _ := ns.Get(ctx, "token"); !ok || v != "abc" {
		t.Errorf("Get = %q, %v; want abc, true", v, ok)
	}
	if err := ns.Delete(ctx, "token"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if inner.Len() != 0 {
		t.Errorf("inner Len = %d, want 0", inner.Len())
	}
	if storage.Prefixed(inner, "") != storage.Store(inner) {
		t.Error("empty namespace should return the store unchanged")
	}
}
