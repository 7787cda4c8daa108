package cache

import (
	"context"
	"testing"
	"time"
)

func newMemStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(context.Background())
	t.Cleanup(s.Close)
	return s
}

func TestMemoryStoreSetGet(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "fp1", []byte("result"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok := s.Get(ctx, "fp1")
	if !ok || string(got) != "result" {
		t.Errorf("Get() = %q, %v; want result, true", got, ok)
	}

	if _, ok := s.Get(ctx, "missing"); ok {
		t.Error("Get() on a missing key should report a miss")
	}
}

func TestMemoryStoreLazyExpiry(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "fp1", []byte("result"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, ok := s.Get(ctx, "fp1"); ok {
		t.Error("expired entry should miss")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want the expired entry removed on access", s.Len())
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "fp1", []byte("result"), time.Minute)
	if err := s.Delete(ctx, "fp1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := s.Get(ctx, "fp1"); ok {
		t.Error("deleted entry should miss")
	}
	if err := s.Delete(ctx, "fp1"); err != nil {
		t.Errorf("Delete() on a missing key = %v, want nil", err)
	}
}

func TestMemoryStoreZeroTTLDefaults(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "fp1", []byte("result"), 0)
	if _, ok := s.Get(ctx, "fp1"); !ok {
		t.Error("zero ttl should fall back to a usable default, not expire immediately")
	}
}

func TestMemoryStoreOverwrite(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "fp1", []byte("old"), time.Minute)
	_ = s.Set(ctx, "fp1", []byte("new"), time.Minute)

	got, _ := s.Get(ctx, "fp1")
	if string(got) != "new" {
		t.Errorf("Get() after overwrite = %q, want new", got)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}
