package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	seen        map[string]bool
	setNXError  error
	lastKey     string
	lastTTL     time.Duration
	lastDeleted string
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: map[string]bool{}}
}

func (f *fakeStore) Get(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, _ any, ttl time.Duration) (bool, error) {
	f.lastKey = key
	f.lastTTL = ttl
	if f.setNXError != nil {
		return false, f.setNXError
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "sb:idempotency:" + scope + ":" + id
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.seen, k)
		f.lastDeleted = k
	}
	return nil
}

func TestCheckAndMarkProcessedMarksOnce(t *testing.T) {
	store := newFakeStore()
	manager, err := NewManager(store, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	already, err := manager.CheckAndMarkProcessed(context.Background(), "metrics-worker", "evt-1")
	if err != nil {
		t.Fatalf("CheckAndMarkProcessed: %v", err)
	}
	if already {
		t.Fatalf("expected first call to report unprocessed")
	}
	if store.lastKey != "sb:idempotency:evt:processed:metrics-worker:evt-1" {
		t.Fatalf("unexpected key: %q", store.lastKey)
	}
	if store.lastTTL != 24*time.Hour {
		t.Fatalf("unexpected ttl: %v", store.lastTTL)
	}

	already, err = manager.CheckAndMarkProcessed(context.Background(), "metrics-worker", "evt-1")
	if err != nil {
		t.Fatalf("CheckAndMarkProcessed: %v", err)
	}
	if !already {
		t.Fatalf("expected second call to report processed")
	}
}

func TestCheckAndMarkProcessedValidatesInput(t *testing.T) {
	manager, _ := NewManager(newFakeStore(), time.Hour)
	if _, err := manager.CheckAndMarkProcessed(context.Background(), "", "evt-1"); err == nil {
		t.Fatal("expected consumer validation error")
	}
	if _, err := manager.CheckAndMarkProcessed(context.Background(), "worker", "  "); err == nil {
		t.Fatal("expected event id validation error")
	}
}

func TestCheckAndMarkProcessedPropagatesStoreError(t *testing.T) {
	store := newFakeStore()
	store.setNXError = errors.New("boom")
	manager, _ := NewManager(store, time.Hour)
	if _, err := manager.CheckAndMarkProcessed(context.Background(), "worker", "evt-1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteAllowsReprocessing(t *testing.T) {
	store := newFakeStore()
	manager, _ := NewManager(store, time.Hour)
	ctx := context.Background()

	if _, err := manager.CheckAndMarkProcessed(ctx, "worker", "evt-9"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := manager.Delete(ctx, "worker", "evt-9"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if store.lastDeleted != "sb:idempotency:evt:processed:worker:evt-9" {
		t.Fatalf("unexpected deleted key %q", store.lastDeleted)
	}
	already, err := manager.CheckAndMarkProcessed(ctx, "worker", "evt-9")
	if err != nil || already {
		t.Fatalf("expected reprocessing after delete, already=%v err=%v", already, err)
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil, time.Hour); err == nil {
		t.Fatal("expected nil store error")
	}
	if _, err := NewManager(newFakeStore(), -time.Second); err == nil {
		t.Fatal("expected negative ttl error")
	}
}
