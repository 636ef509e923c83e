package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cajpany/tinycdp/internal/decision"
	"github.com/cajpany/tinycdp/internal/eventstore"
	"github.com/cajpany/tinycdp/internal/identity"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/segments"
	"github.com/cajpany/tinycdp/internal/store/memstore"
	"github.com/cajpany/tinycdp/internal/traits"
)

type fixture struct {
	orchestrator *Orchestrator
	store        *memstore.Store
	decision     *decision.Engine
	traits       *traits.Computer
	segments     *segments.Computer
}

// setClock pins every subsystem's time source to the same instant; the
// end-to-end tests use fixed dates, so the trait/segment computers must share the
// orchestrator's clock.
func (f *fixture) setClock(now time.Time) {
	clock := func() time.Time { return now }
	f.orchestrator.SetClock(clock)
	f.traits.SetClock(clock)
	f.segments.SetClock(clock)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := memstore.New()
	es := eventstore.New(ms)
	ident := identity.New(ms, nil)
	traitComputer := traits.New(ms, es, nil)
	segmentComputer := segments.New(ms, nil)
	decisionEngine := decision.New(ms, nil)
	t.Cleanup(func() { decisionEngine.Close() })
	o := New(ident, es, traitComputer, segmentComputer, decisionEngine, nil)
	return &fixture{orchestrator: o, store: ms, decision: decisionEngine, traits: traitComputer, segments: segmentComputer}
}

func TestTrackComputesPowerUserEndToEnd(t *testing.T) {
	f := newFixture(t)
	o, ms, dec := f.orchestrator, f.store, f.decision
	ctx := context.Background()

	require.NoError(t, ms.PutTraitDefinition(ctx, model.TraitDefinition{
		Key: "power_user", Expression: "events.app_open.unique_days_14d >= 5",
	}))
	require.NoError(t, ms.PutSegmentDefinition(ctx, model.SegmentDefinition{
		Key: "power_users", Rule: "power_user == true",
	}))
	require.NoError(t, ms.PutFlagDefinition(ctx, model.FlagDefinition{
		Key: "premium_features", Rule: `segment("power_users")`,
	}))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.setClock(now)

	var userID string
	for i := 0; i < 5; i++ {
		day := now.Add(-time.Duration(i) * 24 * time.Hour)
		res, err := o.Track(ctx, TrackRequest{DeviceID: "D1", Event: "app_open", Timestamp: &day})
		require.NoError(t, err)
		require.True(t, res.Success)
		userID = res.UserID
	}

	traitRows, err := ms.GetUserTraits(ctx, userID)
	require.NoError(t, err)
	assert.JSONEq(t, "true", string(traitRows["power_user"].Value))

	seg, found, err := ms.GetUserSegment(ctx, userID, "power_users")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, seg.InSegment)
	assert.NotNil(t, seg.Since)

	d, err := dec.Decide(ctx, userID, "premium_features")
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Contains(t, d.Reasons, "segment(power_users) = true")
}

// Advancing the clock with no new events flips membership back to false with
// since=null, and a later track call makes a fresh decide see it immediately.
func TestMembershipTransitionAfterInactivity(t *testing.T) {
	f := newFixture(t)
	o, ms, dec := f.orchestrator, f.store, f.decision
	ctx := context.Background()

	require.NoError(t, ms.PutTraitDefinition(ctx, model.TraitDefinition{
		Key: "power_user", Expression: "events.app_open.unique_days_14d >= 5",
	}))
	require.NoError(t, ms.PutSegmentDefinition(ctx, model.SegmentDefinition{
		Key: "power_users", Rule: "power_user == true",
	}))
	require.NoError(t, ms.PutFlagDefinition(ctx, model.FlagDefinition{
		Key: "premium_features", Rule: `segment("power_users")`,
	}))

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.setClock(t0)

	var userID string
	for i := 0; i < 5; i++ {
		day := t0.Add(-time.Duration(i) * 24 * time.Hour)
		res, err := o.Track(ctx, TrackRequest{DeviceID: "D1", Event: "app_open", Timestamp: &day})
		require.NoError(t, err)
		userID = res.UserID
	}

	cachedBefore, err := dec.Decide(ctx, userID, "premium_features")
	require.NoError(t, err)
	assert.True(t, cachedBefore.Allow)

	t1 := t0.Add(15 * 24 * time.Hour)
	f.setClock(t1)
	// A fresh track call recomputes traits and segments for userID from the
	// now-15-days-later vantage point.
	res, err := o.Track(ctx, TrackRequest{DeviceID: "D1", Event: "unrelated_event", Timestamp: &t1})
	require.NoError(t, err)
	require.Equal(t, userID, res.UserID)

	seg, found, err := ms.GetUserSegment(ctx, userID, "power_users")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, seg.InSegment)
	assert.Nil(t, seg.Since)

	// The pipeline invalidates the cache as its final step, so a fresh decide sees
	// the updated membership immediately; callers who never trigger a recompute
	// keep the stale verdict until the TTL expires.
	after, err := dec.Decide(ctx, userID, "premium_features")
	require.NoError(t, err)
	assert.False(t, after.Allow)
}

func TestTrackRejectsEmptyEventName(t *testing.T) {
	o := newFixture(t).orchestrator
	_, err := o.Track(context.Background(), TrackRequest{DeviceID: "D1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTrackRejectsMissingIdentifiers(t *testing.T) {
	o := newFixture(t).orchestrator
	_, err := o.Track(context.Background(), TrackRequest{Event: "app_open"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// A bad trait definition does not fail the track call.
func TestBadTraitDefinitionDoesNotFailTrack(t *testing.T) {
	f := newFixture(t)
	o, ms := f.orchestrator, f.store
	ctx := context.Background()
	require.NoError(t, ms.PutTraitDefinition(ctx, model.TraitDefinition{Key: "bad", Expression: "1 in 2"}))

	res, err := o.Track(ctx, TrackRequest{DeviceID: "D1", Event: "app_open"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestIdentifyResolvesWithoutPersistingTraits(t *testing.T) {
	o := newFixture(t).orchestrator
	res, err := o.Identify(context.Background(), IdentifyRequest{DeviceID: "D1", Traits: []byte(`{"plan":"pro"}`)})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEmpty(t, res.UserID)
}
