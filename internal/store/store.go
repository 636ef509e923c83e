// Package store defines the persistence boundary every other subsystem in tinycdp
// depends on, and the pluggable backends behind it: one Store interface with an
// in-memory reference implementation, a durable Postgres backend, and optional
// caching/mirroring layers that wrap either.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cajpany/tinycdp/internal/model"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique constraint would be violated (e.g. a
// TraitDefinition key that already exists, or an alias already linked to a
// different user than the one being linked).
var ErrConflict = errors.New("store: conflict")

// EventWindowQuery describes the windowed event queries the trait computer issues.
type EventWindowQuery struct {
	UserID string
	Name   string
	Since  time.Time
}

// Store is the full persistence boundary. Every multi-row mutation performed by the
// trait and segment computers runs inside one WithTx call.
type Store interface {
	// Identity
	FindAlias(ctx context.Context, kind model.AliasKind, value string) (userID string, found bool, err error)
	InsertUserIfAbsent(ctx context.Context, userID string, now time.Time) (created bool, err error)
	LinkAliasIfAbsent(ctx context.Context, kind model.AliasKind, value string, userID string) (linked bool, err error)

	// Events
	AppendEvent(ctx context.Context, ev model.Event) (id int64, err error)
	EventNames(ctx context.Context, userID string) ([]string, error)
	CountInWindow(ctx context.Context, q EventWindowQuery) (int, error)
	UniqueDaysInWindow(ctx context.Context, q EventWindowQuery) (int, error)
	FirstSeen(ctx context.Context, userID, name string) (time.Time, bool, error)
	LastSeen(ctx context.Context, userID, name string) (time.Time, bool, error)
	LastSeenAny(ctx context.Context, userID string) (time.Time, bool, error)

	// Definitions (admin boundary)
	PutTraitDefinition(ctx context.Context, def model.TraitDefinition) error
	GetTraitDefinition(ctx context.Context, key string) (model.TraitDefinition, bool, error)
	ListTraitDefinitions(ctx context.Context) ([]model.TraitDefinition, error)
	DeleteTraitDefinition(ctx context.Context, key string) error

	PutSegmentDefinition(ctx context.Context, def model.SegmentDefinition) error
	GetSegmentDefinition(ctx context.Context, key string) (model.SegmentDefinition, bool, error)
	ListSegmentDefinitions(ctx context.Context) ([]model.SegmentDefinition, error)
	DeleteSegmentDefinition(ctx context.Context, key string) error

	PutFlagDefinition(ctx context.Context, def model.FlagDefinition) error
	GetFlagDefinition(ctx context.Context, key string) (model.FlagDefinition, bool, error)
	ListFlagDefinitions(ctx context.Context) ([]model.FlagDefinition, error)
	DeleteFlagDefinition(ctx context.Context, key string) error

	// Traits / Segments
	GetUserTraits(ctx context.Context, userID string) (map[string]model.UserTrait, error)
	GetUserSegment(ctx context.Context, userID, key string) (model.UserSegment, bool, error)
	GetUserSegments(ctx context.Context, userID string) (map[string]model.UserSegment, error)

	// WithTx runs fn inside a single transaction; fn uses the Tx to perform the
	// batched upserts. The whole-snapshot upsert inside one transaction is what
	// makes concurrent per-user recomputation safe: the last committer always
	// leaves a valid snapshot.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// APIKeys
	GetAPIKeyByHash(ctx context.Context, hash string) (model.APIKey, bool, error)

	Close() error
}

// Tx is the narrow write surface available inside WithTx.
type Tx interface {
	UpsertUserTrait(ctx context.Context, t model.UserTrait) error
	UpsertUserSegment(ctx context.Context, s model.UserSegment) error
}
