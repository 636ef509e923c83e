package traits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cajpany/tinycdp/internal/eventstore"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store/memstore"
)

func TestRecomputePowerUserFromUniqueDays(t *testing.T) {
	ms := memstore.New()
	es := eventstore.New(ms)
	ctx := context.Background()

	require.NoError(t, ms.PutTraitDefinition(ctx, model.TraitDefinition{
		Key:        "power_user",
		Expression: "events.app_open.unique_days_14d >= 5",
	}))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := es.Append(ctx, model.Event{
			UserID:    "u1",
			Name:      "app_open",
			Timestamp: now.Add(-time.Duration(i) * 24 * time.Hour),
		})
		require.NoError(t, err)
	}

	c := New(ms, es, nil)
	c.SetClock(func() time.Time { return now })
	require.NoError(t, c.Recompute(ctx, "u1"))

	traits, err := ms.GetUserTraits(ctx, "u1")
	require.NoError(t, err)
	require.Contains(t, traits, "power_user")
	assert.JSONEq(t, "true", string(traits["power_user"].Value))
}

// A DSL evaluation error produces a null trait value, not a bubbled error.
func TestRecomputeEvaluationErrorYieldsNull(t *testing.T) {
	ms := memstore.New()
	es := eventstore.New(ms)
	ctx := context.Background()

	require.NoError(t, ms.PutTraitDefinition(ctx, model.TraitDefinition{
		Key:        "bad",
		Expression: "1 in 2",
	}))

	c := New(ms, es, nil)
	require.NoError(t, c.Recompute(ctx, "u1"))

	traits, err := ms.GetUserTraits(ctx, "u1")
	require.NoError(t, err)
	require.Contains(t, traits, "bad")
	assert.JSONEq(t, "null", string(traits["bad"].Value))
}

// events.<never_seen>.count_7d evaluates to null, not 0.
func TestMissingEventYieldsNullMetric(t *testing.T) {
	ms := memstore.New()
	es := eventstore.New(ms)
	ctx := context.Background()

	require.NoError(t, ms.PutTraitDefinition(ctx, model.TraitDefinition{
		Key:        "never_count",
		Expression: "events.never_seen.count_7d",
	}))

	c := New(ms, es, nil)
	require.NoError(t, c.Recompute(ctx, "u1"))

	traits, err := ms.GetUserTraits(ctx, "u1")
	require.NoError(t, err)
	assert.JSONEq(t, "null", string(traits["never_count"].Value))
}

// Recomputing twice without intervening events produces byte-identical value
// JSON (updatedAt excluded).
func TestRecomputeTwiceIsIdempotent(t *testing.T) {
	ms := memstore.New()
	es := eventstore.New(ms)
	ctx := context.Background()

	require.NoError(t, ms.PutTraitDefinition(ctx, model.TraitDefinition{
		Key:        "count",
		Expression: "events.app_open.count_7d",
	}))
	_, err := es.Append(ctx, model.Event{UserID: "u1", Name: "app_open", Timestamp: time.Now()})
	require.NoError(t, err)

	c := New(ms, es, nil)
	require.NoError(t, c.Recompute(ctx, "u1"))
	traits1, err := ms.GetUserTraits(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, c.Recompute(ctx, "u1"))
	traits2, err := ms.GetUserTraits(ctx, "u1")
	require.NoError(t, err)

	assert.JSONEq(t, string(traits1["count"].Value), string(traits2["count"].Value))
}

func TestRecomputeDifferentUsersDoNotInterfere(t *testing.T) {
	ms := memstore.New()
	es := eventstore.New(ms)
	ctx := context.Background()

	require.NoError(t, ms.PutTraitDefinition(ctx, model.TraitDefinition{
		Key:        "count",
		Expression: "events.app_open.count_7d",
	}))
	_, err := es.Append(ctx, model.Event{UserID: "u1", Name: "app_open", Timestamp: time.Now()})
	require.NoError(t, err)

	c := New(ms, es, nil)
	require.NoError(t, c.Recompute(ctx, "u1"))
	require.NoError(t, c.Recompute(ctx, "u2"))

	t1, err := ms.GetUserTraits(ctx, "u1")
	require.NoError(t, err)
	t2, err := ms.GetUserTraits(ctx, "u2")
	require.NoError(t, err)

	assert.JSONEq(t, "1", string(t1["count"].Value))
	// u2 has never emitted app_open, so the metric chain resolves to null, not 0.
	assert.JSONEq(t, "null", string(t2["count"].Value))
}
