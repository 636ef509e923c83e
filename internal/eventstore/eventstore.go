// Package eventstore is the append-only event log and its query surface, sitting
// directly on top of internal/store so the trait computer never touches SQL/store
// internals directly.
package eventstore

import (
	"context"
	"time"

	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
)

// Windows are the three lookback periods trait expressions can reference through
// the events.<name>.<metric> bindings.
const (
	Window7d  = 7 * 24 * time.Hour
	Window14d = 14 * 24 * time.Hour
	Window30d = 30 * 24 * time.Hour
)

// EventStore is a thin typed wrapper over store.Store's event methods.
type EventStore struct {
	store store.Store
}

// New constructs an EventStore backed by s.
func New(s store.Store) *EventStore {
	return &EventStore{store: s}
}

// Append persists ev under a fresh monotonic ID assigned by the store, discarding any
// ID the caller set, and returns the event with the ID actually written. Events are
// immutable once written.
func (e *EventStore) Append(ctx context.Context, ev model.Event) (model.Event, error) {
	if ev.ID != 0 {
		// The log is append-only; callers never update by ID, so an explicit ID here
		// would only ever be test scaffolding. Treat append as authoritative.
		ev.ID = 0
	}
	id, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		return model.Event{}, err
	}
	ev.ID = id
	return ev, nil
}

// Names returns the distinct event names recorded for userID.
func (e *EventStore) Names(ctx context.Context, userID string) ([]string, error) {
	return e.store.EventNames(ctx, userID)
}

// CountInWindow returns how many (userID, name) events occurred within window of now.
func (e *EventStore) CountInWindow(ctx context.Context, userID, name string, window time.Duration, now time.Time) (int, error) {
	return e.store.CountInWindow(ctx, store.EventWindowQuery{
		UserID: userID,
		Name:   name,
		Since:  now.Add(-window),
	})
}

// UniqueDaysInWindow returns the count of distinct UTC calendar days with at least one
// (userID, name) event within window of now.
func (e *EventStore) UniqueDaysInWindow(ctx context.Context, userID, name string, window time.Duration, now time.Time) (int, error) {
	return e.store.UniqueDaysInWindow(ctx, store.EventWindowQuery{
		UserID: userID,
		Name:   name,
		Since:  now.Add(-window),
	})
}

// FirstSeen returns the earliest (userID, name) event timestamp, if any.
func (e *EventStore) FirstSeen(ctx context.Context, userID, name string) (time.Time, bool, error) {
	return e.store.FirstSeen(ctx, userID, name)
}

// LastSeen returns the latest (userID, name) event timestamp, if any.
func (e *EventStore) LastSeen(ctx context.Context, userID, name string) (time.Time, bool, error) {
	return e.store.LastSeen(ctx, userID, name)
}

// LastSeenAny returns the latest event timestamp for userID across all event names.
func (e *EventStore) LastSeenAny(ctx context.Context, userID string) (time.Time, bool, error) {
	return e.store.LastSeenAny(ctx, userID)
}
