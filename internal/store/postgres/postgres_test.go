//go:build tinycdp_external_store_tests

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cajpany/tinycdp/internal/identity"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
)

// These tests only run against a real Postgres instance (TINYCDP_TEST_DATABASE_URL),
// selected with -tags tinycdp_external_store_tests. The schema in schema.sql must
// already be applied to that database.
func testStore(t *testing.T) *Store {
	url := os.Getenv("TINYCDP_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TINYCDP_TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertUserIfAbsentIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := s.InsertUserIfAbsent(ctx, "u-pg-1", now)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.InsertUserIfAbsent(ctx, "u-pg-1", now)
	require.NoError(t, err)
	require.False(t, created)
}

func TestLinkAliasIfAbsentDetectsConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.InsertUserIfAbsent(ctx, "u-pg-2", now)
	require.NoError(t, err)
	_, err = s.InsertUserIfAbsent(ctx, "u-pg-3", now)
	require.NoError(t, err)

	linked, err := s.LinkAliasIfAbsent(ctx, model.AliasDeviceID, "device-pg-1", "u-pg-2")
	require.NoError(t, err)
	require.True(t, linked)

	_, err = s.LinkAliasIfAbsent(ctx, model.AliasDeviceID, "device-pg-1", "u-pg-3")
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestWithTxUpsertsTraitsAndSegmentsTogether(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.InsertUserIfAbsent(ctx, "u-pg-4", now)
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpsertUserTrait(ctx, model.UserTrait{UserID: "u-pg-4", Key: "is_active", Value: []byte(`true`), UpdatedAt: now}); err != nil {
			return err
		}
		return tx.UpsertUserSegment(ctx, model.UserSegment{UserID: "u-pg-4", Key: "power_users", InSegment: true, UpdatedAt: now})
	})
	require.NoError(t, err)

	traits, err := s.GetUserTraits(ctx, "u-pg-4")
	require.NoError(t, err)
	require.Contains(t, traits, "is_active")

	segs, err := s.GetUserSegments(ctx, "u-pg-4")
	require.NoError(t, err)
	require.True(t, segs["power_users"].InSegment)
}

// TestIdentityResolveFirstTimeAlias is a regression test for a foreign-key ordering
// bug: identity.Resolver.Resolve must insert the new user row before linking any
// alias to it, since aliases.user_id is a non-deferrable NOT NULL foreign key into
// users(id) (schema.sql). Exercising the package's real call order against Postgres
// (rather than only memstore, which has no FK enforcement, or calling
// InsertUserIfAbsent/LinkAliasIfAbsent directly in the opposite order as the other
// tests in this file do) is what catches it.
func TestIdentityResolveFirstTimeAlias(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	resolver := identity.New(s, nil)

	userID, created, err := resolver.Resolve(ctx, identity.AliasSet{DeviceID: "device-pg-identity-1"})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, userID)

	again, created, err := resolver.Resolve(ctx, identity.AliasSet{DeviceID: "device-pg-identity-1"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, userID, again)
}
