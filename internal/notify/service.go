// Package notify records operational events with duplicate collapsing.
// Repeated emissions of the same event within the dedup window bump a
// counter on the existing row instead of piling up copies, so the shell
// can surface each problem once.
package notify

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/balor48/storyguard-sub004/internal/store"
	"github.com/balor48/storyguard-sub004/internal/util"
)

const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

const defaultDedupWindow = 5 * time.Minute

type eventStore interface {
	UpsertEvent(ctx context.Context, item store.Event, window time.Duration) (store.Event, error)
	ListEvents(ctx context.Context, database string, limit int) ([]store.Event, error)
}

type Service struct {
	store  eventStore
	window time.Duration
}

func NewService(events eventStore) *Service {
	return &Service{store: events, window: defaultDedupWindow}
}

// Emit records an event. Event recording is advisory: failures are logged
// and never propagated to the caller.
func (s *Service) Emit(ctx context.Context, level, code, message, database string) {
	if s == nil || s.store == nil {
		return
	}
	item := store.Event{
		ID:       util.NewID("ev"),
		Level:    level,
		Code:     code,
		Message:  message,
		Database: database,
		DedupKey: DedupKey(level, code, database, message),
	}
	if _, err := s.store.UpsertEvent(ctx, item, s.window); err != nil {
		log.Printf("notify: record event %s failed: %v", code, err)
	}
}

// Recent lists the latest events, optionally filtered by database name.
func (s *Service) Recent(ctx context.Context, database string, limit int) ([]store.Event, error) {
	return s.store.ListEvents(ctx, database, limit)
}

// DedupKey builds the identity under which repeats collapse.
func DedupKey(level, code, database, message string) string {
	return strings.Join([]string{level, code, database, message}, "|")
}
