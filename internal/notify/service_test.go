package notify

import (
	"context"
	"testing"
	"time"

	"github.com/balor48/storyguard-sub004/internal/store"
)

type fakeEventStore struct {
	upserted []store.Event
	window   time.Duration
	fail     error
}

func (f *fakeEventStore) UpsertEvent(ctx context.Context, item store.Event, window time.Duration) (store.Event, error) {
	if f.fail != nil {
		return store.Event{}, f.fail
	}
	f.upserted = append(f.upserted, item)
	f.window = window
	return item, nil
}

func (f *fakeEventStore) ListEvents(ctx context.Context, database string, limit int) ([]store.Event, error) {
	return f.upserted, nil
}

func TestEmitBuildsDedupKey(t *testing.T) {
	fake := &fakeEventStore{}
	service := NewService(fake)

	service.Emit(context.Background(), LevelWarning, "backup_failed", "disk full", "My Story")

	if len(fake.upserted) != 1 {
		t.Fatalf("expected 1 event, got %d", len(fake.upserted))
	}
	got := fake.upserted[0]
	if got.DedupKey != "warning|backup_failed|My Story|disk full" {
		t.Fatalf("unexpected dedup key: %q", got.DedupKey)
	}
	if got.ID == "" {
		t.Fatal("expected an event id")
	}
	if fake.window != defaultDedupWindow {
		t.Fatalf("expected default window, got %v", fake.window)
	}
}

func TestEmitSwallowsStoreErrors(t *testing.T) {
	fake := &fakeEventStore{fail: context.DeadlineExceeded}
	service := NewService(fake)

	// Must not panic or propagate.
	service.Emit(context.Background(), LevelError, "backup_failed", "boom", "My Story")
}

func TestRecentPassesThrough(t *testing.T) {
	fake := &fakeEventStore{}
	service := NewService(fake)
	service.Emit(context.Background(), LevelInfo, "backup_created", "ok", "My Story")

	events, err := service.Recent(context.Background(), "My Story", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 1 || events[0].Code != "backup_created" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
