// Package rediscache wraps a store.Store with a Redis read-through cache in front
// of the two read paths the decision engine and pipeline hit hardest: GetUserTraits
// and GetUserSegments. A cache miss falls through to the backing store and then
// populates the cache; a committed write drops the touched users' entries.
package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
)

// Store decorates a store.Store, caching GetUserTraits/GetUserSegments results in
// Redis for LocalTTL and invalidating the relevant key whenever WithTx commits
// writes for that user.
type Store struct {
	store.Store
	client *redis.Client
	ttl    time.Duration
}

// New parses url with redis.ParseURL and wraps backing with a read-through cache
// at the given TTL.
func New(ctx context.Context, url string, ttl time.Duration, backing store.Store) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Store{Store: backing, client: client, ttl: ttl}, nil
}

func traitsKey(userID string) string   { return "tinycdp:traits:" + userID }
func segmentsKey(userID string) string { return "tinycdp:segments:" + userID }

func (s *Store) GetUserTraits(ctx context.Context, userID string) (map[string]model.UserTrait, error) {
	key := traitsKey(userID)
	if raw, err := s.client.Get(ctx, key).Bytes(); err == nil {
		var cached map[string]model.UserTrait
		if json.Unmarshal(raw, &cached) == nil {
			return cached, nil
		}
	}

	traits, err := s.Store.GetUserTraits(ctx, userID)
	if err != nil {
		return nil, err
	}
	if raw, merr := json.Marshal(traits); merr == nil {
		s.client.Set(ctx, key, raw, s.ttl)
	}
	return traits, nil
}

func (s *Store) GetUserSegments(ctx context.Context, userID string) (map[string]model.UserSegment, error) {
	key := segmentsKey(userID)
	if raw, err := s.client.Get(ctx, key).Bytes(); err == nil {
		var cached map[string]model.UserSegment
		if json.Unmarshal(raw, &cached) == nil {
			return cached, nil
		}
	}

	segs, err := s.Store.GetUserSegments(ctx, userID)
	if err != nil {
		return nil, err
	}
	if raw, merr := json.Marshal(segs); merr == nil {
		s.client.Set(ctx, key, raw, s.ttl)
	}
	return segs, nil
}

func (s *Store) GetUserSegment(ctx context.Context, userID, key string) (model.UserSegment, bool, error) {
	segs, err := s.GetUserSegments(ctx, userID)
	if err != nil {
		return model.UserSegment{}, false, err
	}
	seg, ok := segs[key]
	return seg, ok, nil
}

// WithTx delegates to the backing store's transaction, then drops the cache
// entries for every user touched by the batch so the next read repopulates from
// source — simpler than updating the cache in place, and correct because the
// computers always upsert a full snapshot per user, never a partial one.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	touched := map[string]struct{}{}
	err := s.Store.WithTx(ctx, func(inner store.Tx) error {
		return fn(&invalidatingTx{Tx: inner, touched: touched})
	})
	if err != nil {
		return err
	}
	for userID := range touched {
		s.client.Del(ctx, traitsKey(userID), segmentsKey(userID))
	}
	return nil
}

type invalidatingTx struct {
	store.Tx
	touched map[string]struct{}
}

func (t *invalidatingTx) UpsertUserTrait(ctx context.Context, ut model.UserTrait) error {
	t.touched[ut.UserID] = struct{}{}
	return t.Tx.UpsertUserTrait(ctx, ut)
}

func (t *invalidatingTx) UpsertUserSegment(ctx context.Context, us model.UserSegment) error {
	t.touched[us.UserID] = struct{}{}
	return t.Tx.UpsertUserSegment(ctx, us)
}

// Close releases the Redis client in addition to the backing store's own resources.
func (s *Store) Close() error {
	cerr := s.client.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return cerr
}

var _ store.Store = (*Store)(nil)
