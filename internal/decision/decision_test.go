package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
	"github.com/cajpany/tinycdp/internal/store/memstore"
	"github.com/cajpany/tinycdp/sharedtest"
)

func TestDecideUnknownFlagReturnsNotFound(t *testing.T) {
	ms := memstore.New()
	e := New(ms, nil)
	defer e.Close()

	_, err := e.Decide(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, ErrFlagNotFound)
}

func TestDecideRewritesSegmentCall(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()
	require.NoError(t, ms.PutFlagDefinition(ctx, model.FlagDefinition{Key: "premium_features", Rule: `segment("power_users")`}))
	sharedtest.PutSegmentMembership(t, ms, "u1", "power_users", true)

	e := New(ms, nil)
	defer e.Close()

	d, err := e.Decide(ctx, "u1", "premium_features")
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Contains(t, d.Reasons, "segment(power_users) = true")
}

func TestDecideRewritesTraitCall(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()
	require.NoError(t, ms.PutFlagDefinition(ctx, model.FlagDefinition{Key: "is_pro", Rule: `trait("plan") == "pro"`}))
	require.NoError(t, ms.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpsertUserTrait(ctx, model.UserTrait{UserID: "u1", Key: "plan", Value: []byte(`"pro"`), UpdatedAt: time.Now()})
	}))

	e := New(ms, nil)
	defer e.Close()

	d, err := e.Decide(ctx, "u1", "is_pro")
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

// A decision made twice within TTL with no intervening invalidation returns an
// identical {allow, reasons}.
func TestDecideIsCachedWithinTTL(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()
	require.NoError(t, ms.PutFlagDefinition(ctx, model.FlagDefinition{Key: "f", Rule: `segment("s")`}))
	sharedtest.PutSegmentMembership(t, ms, "u1", "s", true)

	e := New(ms, nil)
	defer e.Close()

	d1, err := e.Decide(ctx, "u1", "f")
	require.NoError(t, err)

	// Flip the underlying segment without invalidating; cached answer should be stale.
	sharedtest.PutSegmentMembership(t, ms, "u1", "s", false)
	d2, err := e.Decide(ctx, "u1", "f")
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestInvalidateUserForcesRecompute(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()
	require.NoError(t, ms.PutFlagDefinition(ctx, model.FlagDefinition{Key: "f", Rule: `segment("s")`}))
	sharedtest.PutSegmentMembership(t, ms, "u1", "s", true)

	e := New(ms, nil)
	defer e.Close()

	_, err := e.Decide(ctx, "u1", "f")
	require.NoError(t, err)

	sharedtest.PutSegmentMembership(t, ms, "u1", "s", false)
	e.InvalidateUser("u1")

	d, err := e.Decide(ctx, "u1", "f")
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestInvalidateFlagOnlyAffectsThatFlag(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()
	require.NoError(t, ms.PutFlagDefinition(ctx, model.FlagDefinition{Key: "f1", Rule: `segment("s")`}))
	require.NoError(t, ms.PutFlagDefinition(ctx, model.FlagDefinition{Key: "f2", Rule: `segment("s")`}))
	sharedtest.PutSegmentMembership(t, ms, "u1", "s", true)

	e := New(ms, nil)
	defer e.Close()

	_, err := e.Decide(ctx, "u1", "f1")
	require.NoError(t, err)
	_, err = e.Decide(ctx, "u1", "f2")
	require.NoError(t, err)

	sharedtest.PutSegmentMembership(t, ms, "u1", "s", false)
	e.InvalidateFlag("f1")

	d1, err := e.Decide(ctx, "u1", "f1")
	require.NoError(t, err)
	assert.False(t, d1.Allow)

	d2, err := e.Decide(ctx, "u1", "f2")
	require.NoError(t, err)
	assert.True(t, d2.Allow, "f2 was not invalidated, so it should still return the stale cached answer")
}

// Editing a flag definition does not purge cached decisions; the old verdict
// survives until TTL expiry or explicit invalidation.
func TestFlagEditDoesNotInvalidateCache(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()
	require.NoError(t, ms.PutFlagDefinition(ctx, model.FlagDefinition{Key: "f", Rule: `true`}))

	e := New(ms, nil)
	defer e.Close()

	d1, err := e.Decide(ctx, "u1", "f")
	require.NoError(t, err)
	assert.True(t, d1.Allow)

	require.NoError(t, ms.PutFlagDefinition(ctx, model.FlagDefinition{Key: "f", Rule: `false`}))

	d2, err := e.Decide(ctx, "u1", "f")
	require.NoError(t, err)
	assert.True(t, d2.Allow, "cached verdict survives the definition edit")

	e.InvalidateFlag("f")
	d3, err := e.Decide(ctx, "u1", "f")
	require.NoError(t, err)
	assert.False(t, d3.Allow)
}

func TestSweeperPurgesExpiredEntries(t *testing.T) {
	ms := memstore.New()
	ctx := context.Background()
	require.NoError(t, ms.PutFlagDefinition(ctx, model.FlagDefinition{Key: "f", Rule: `true`}))

	e := New(ms, nil)
	defer e.Close()

	base := time.Now()
	e.SetClock(func() time.Time { return base })
	_, err := e.Decide(ctx, "u1", "f")
	require.NoError(t, err)

	e.mu.Lock()
	n := len(e.entries)
	e.mu.Unlock()
	assert.Equal(t, 1, n)

	e.SetClock(func() time.Time { return base.Add(TTL + time.Second) })
	e.sweepExpired()

	e.mu.Lock()
	n = len(e.entries)
	e.mu.Unlock()
	assert.Equal(t, 0, n)
}
