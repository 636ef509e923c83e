// Package memstore is the zero-configuration in-memory Store backend: every
// deployment works with no database configured, with Postgres
// (internal/store/postgres) layered in as an opt-in for durability.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
)

type aliasKey struct {
	kind  model.AliasKind
	value string
}

// Store is a mutex-protected in-memory implementation of store.Store. It is the
// default backend and the one used throughout the test suite.
type Store struct {
	mu sync.Mutex

	users   map[string]model.User
	aliases map[aliasKey]string

	nextEventID int64
	events      []model.Event

	traitDefs   map[string]model.TraitDefinition
	segmentDefs map[string]model.SegmentDefinition
	flagDefs    map[string]model.FlagDefinition

	userTraits   map[string]map[string]model.UserTrait
	userSegments map[string]map[string]model.UserSegment

	apiKeysByHash map[string]model.APIKey
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		users:         make(map[string]model.User),
		aliases:       make(map[aliasKey]string),
		traitDefs:     make(map[string]model.TraitDefinition),
		segmentDefs:   make(map[string]model.SegmentDefinition),
		flagDefs:      make(map[string]model.FlagDefinition),
		userTraits:    make(map[string]map[string]model.UserTrait),
		userSegments:  make(map[string]map[string]model.UserSegment),
		apiKeysByHash: make(map[string]model.APIKey),
	}
}

func (s *Store) Close() error { return nil }

// SeedAPIKey is a test/bootstrap-only helper; there is no HTTP surface for API
// key provisioning.
func (s *Store) SeedAPIKey(key model.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeysByHash[key.HashOfKey] = key
}

func (s *Store) GetAPIKeyByHash(_ context.Context, hash string) (model.APIKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeysByHash[hash]
	return k, ok, nil
}

func (s *Store) FindAlias(_ context.Context, kind model.AliasKind, value string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.aliases[aliasKey{kind, value}]
	return userID, ok, nil
}

func (s *Store) InsertUserIfAbsent(_ context.Context, userID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[userID]; exists {
		return false, nil
	}
	s.users[userID] = model.User{ID: userID, CreatedAt: now}
	return true, nil
}

func (s *Store) LinkAliasIfAbsent(_ context.Context, kind model.AliasKind, value string, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := aliasKey{kind, value}
	if existing, ok := s.aliases[key]; ok {
		if existing != userID {
			return false, store.ErrConflict
		}
		return false, nil
	}
	s.aliases[key] = userID
	return true, nil
}

func (s *Store) AppendEvent(_ context.Context, ev model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	ev.ID = s.nextEventID
	s.events = append(s.events, ev)
	return ev.ID, nil
}

func (s *Store) EventNames(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var names []string
	for _, ev := range s.events {
		if ev.UserID == userID && !seen[ev.Name] {
			seen[ev.Name] = true
			names = append(names, ev.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) CountInWindow(_ context.Context, q store.EventWindowQuery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, ev := range s.events {
		if ev.UserID == q.UserID && ev.Name == q.Name && !ev.Timestamp.Before(q.Since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) UniqueDaysInWindow(_ context.Context, q store.EventWindowQuery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	days := map[string]bool{}
	for _, ev := range s.events {
		if ev.UserID == q.UserID && ev.Name == q.Name && !ev.Timestamp.Before(q.Since) {
			days[ev.Timestamp.UTC().Format("2006-01-02")] = true
		}
	}
	return len(days), nil
}

func (s *Store) FirstSeen(_ context.Context, userID, name string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first time.Time
	found := false
	for _, ev := range s.events {
		if ev.UserID == userID && ev.Name == name {
			if !found || ev.Timestamp.Before(first) {
				first = ev.Timestamp
				found = true
			}
		}
	}
	return first, found, nil
}

func (s *Store) LastSeen(_ context.Context, userID, name string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	found := false
	for _, ev := range s.events {
		if ev.UserID == userID && ev.Name == name {
			if !found || ev.Timestamp.After(last) {
				last = ev.Timestamp
				found = true
			}
		}
	}
	return last, found, nil
}

func (s *Store) LastSeenAny(_ context.Context, userID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	found := false
	for _, ev := range s.events {
		if ev.UserID == userID {
			if !found || ev.Timestamp.After(last) {
				last = ev.Timestamp
				found = true
			}
		}
	}
	return last, found, nil
}

func (s *Store) PutTraitDefinition(_ context.Context, def model.TraitDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traitDefs[def.Key] = def
	return nil
}

func (s *Store) GetTraitDefinition(_ context.Context, key string) (model.TraitDefinition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.traitDefs[key]
	return d, ok, nil
}

func (s *Store) ListTraitDefinitions(_ context.Context) ([]model.TraitDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TraitDefinition, 0, len(s.traitDefs))
	for _, d := range s.traitDefs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteTraitDefinition removes the definition and cascades to UserTrait rows for
// that key.
func (s *Store) DeleteTraitDefinition(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.traitDefs, key)
	for userID, traits := range s.userTraits {
		delete(traits, key)
		s.userTraits[userID] = traits
	}
	return nil
}

func (s *Store) PutSegmentDefinition(_ context.Context, def model.SegmentDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segmentDefs[def.Key] = def
	return nil
}

func (s *Store) GetSegmentDefinition(_ context.Context, key string) (model.SegmentDefinition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.segmentDefs[key]
	return d, ok, nil
}

func (s *Store) ListSegmentDefinitions(_ context.Context) ([]model.SegmentDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SegmentDefinition, 0, len(s.segmentDefs))
	for _, d := range s.segmentDefs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) DeleteSegmentDefinition(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.segmentDefs, key)
	for userID, segs := range s.userSegments {
		delete(segs, key)
		s.userSegments[userID] = segs
	}
	return nil
}

func (s *Store) PutFlagDefinition(_ context.Context, def model.FlagDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagDefs[def.Key] = def
	return nil
}

func (s *Store) GetFlagDefinition(_ context.Context, key string) (model.FlagDefinition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.flagDefs[key]
	return d, ok, nil
}

func (s *Store) ListFlagDefinitions(_ context.Context) ([]model.FlagDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FlagDefinition, 0, len(s.flagDefs))
	for _, d := range s.flagDefs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) DeleteFlagDefinition(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flagDefs, key)
	return nil
}

func (s *Store) GetUserTraits(_ context.Context, userID string) (map[string]model.UserTrait, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.UserTrait, len(s.userTraits[userID]))
	for k, v := range s.userTraits[userID] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) GetUserSegment(_ context.Context, userID, key string) (model.UserSegment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.userSegments[userID][key]
	return seg, ok, nil
}

func (s *Store) GetUserSegments(_ context.Context, userID string) (map[string]model.UserSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.UserSegment, len(s.userSegments[userID]))
	for k, v := range s.userSegments[userID] {
		out[k] = v
	}
	return out, nil
}

// WithTx holds the store lock for the duration of fn, which is how a single
// in-process transaction is modeled for the in-memory backend: no other
// goroutine can observe a partial batch of upserts.
func (s *Store) WithTx(_ context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &tx{s: s}
	return fn(tx)
}

type tx struct {
	s *Store
}

func (t *tx) UpsertUserTrait(_ context.Context, ut model.UserTrait) error {
	m, ok := t.s.userTraits[ut.UserID]
	if !ok {
		m = make(map[string]model.UserTrait)
		t.s.userTraits[ut.UserID] = m
	}
	m[ut.Key] = ut
	return nil
}

func (t *tx) UpsertUserSegment(_ context.Context, us model.UserSegment) error {
	m, ok := t.s.userSegments[us.UserID]
	if !ok {
		m = make(map[string]model.UserSegment)
		t.s.userSegments[us.UserID] = m
	}
	m[us.Key] = us
	return nil
}

var _ store.Store = (*Store)(nil)
