// Package model holds the CDP's core entities, shared across the pipeline
// subsystems and the store backends so that no package needs to import another
// package's internal types just to pass data through.
package model

import (
	"encoding/json"
	"time"
)

// AliasKind is one of the three identifier spaces an Alias can live in.
type AliasKind string

const (
	AliasDeviceID   AliasKind = "deviceId"
	AliasExternalID AliasKind = "externalId"
	AliasEmailHash  AliasKind = "emailHash"
)

// User is the opaque stable identity created exactly once per distinct person;
// users are never merged after creation.
type User struct {
	ID        string
	CreatedAt time.Time
}

// Alias links one (kind, value) pair to a User. (kind, value) is globally unique.
type Alias struct {
	Kind   AliasKind
	Value  string
	UserID string
}

// Event is an immutable, append-only row in the event log.
type Event struct {
	ID        int64
	UserID    string
	Timestamp time.Time
	Name      string
	Props     json.RawMessage
}

// TraitDefinition is an operator-authored expression over event aggregates.
type TraitDefinition struct {
	Key        string
	Expression string
	UpdatedAt  time.Time
}

// SegmentDefinition is an operator-authored boolean rule over traits.
type SegmentDefinition struct {
	Key       string
	Rule      string
	UpdatedAt time.Time
}

// FlagDefinition is an operator-authored boolean rule over traits and segments.
type FlagDefinition struct {
	Key  string
	Rule string
}

// UserTrait is the most recent evaluation result for one (userId, key) pair; prior
// values are not retained.
type UserTrait struct {
	UserID    string
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// UserSegment is a user's membership state for one segment key, including the
// transition-tracking "since" timestamp.
type UserSegment struct {
	UserID    string
	Key       string
	InSegment bool
	Since     *time.Time
	UpdatedAt time.Time
}

// APIKeyKind is one tier of the read ⊂ write ⊂ admin hierarchy.
type APIKeyKind string

const (
	APIKeyRead  APIKeyKind = "read"
	APIKeyWrite APIKeyKind = "write"
	APIKeyAdmin APIKeyKind = "admin"
)

// Permits reports whether a key of this kind satisfies a requirement of `required`,
// per the ordering read ⊂ write ⊂ admin.
func (k APIKeyKind) Permits(required APIKeyKind) bool {
	rank := map[APIKeyKind]int{APIKeyRead: 0, APIKeyWrite: 1, APIKeyAdmin: 2}
	have, ok1 := rank[k]
	need, ok2 := rank[required]
	if !ok1 || !ok2 {
		return false
	}
	return have >= need
}

// APIKey is (id, kind, hash-of-key); the raw key is never stored.
type APIKey struct {
	ID        string
	Kind      APIKeyKind
	HashOfKey string
}
