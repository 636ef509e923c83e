package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cajpany/tinycdp/internal/store/memstore"
)

func TestResolveRejectsEmptyAliasSet(t *testing.T) {
	r := New(memstore.New(), nil)
	_, _, err := r.Resolve(context.Background(), AliasSet{})
	require.Error(t, err)
}

func TestFirstMatchWinsAcrossAliasKinds(t *testing.T) {
	r := New(memstore.New(), nil)
	ctx := context.Background()

	u1, created, err := r.Resolve(ctx, AliasSet{DeviceID: "D1"})
	require.NoError(t, err)
	assert.True(t, created)

	u1Again, created, err := r.Resolve(ctx, AliasSet{DeviceID: "D1", ExternalID: "E1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u1, u1Again)

	u1Third, created, err := r.Resolve(ctx, AliasSet{ExternalID: "E1", EmailHash: "H1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u1, u1Third)
}

func TestConflictingAliasIsLinkedNotMerged(t *testing.T) {
	r := New(memstore.New(), nil)
	ctx := context.Background()

	// Link D1 and E1 to the same user first.
	u1, _, err := r.Resolve(ctx, AliasSet{DeviceID: "D1"})
	require.NoError(t, err)
	_, _, err = r.Resolve(ctx, AliasSet{DeviceID: "D1", ExternalID: "E1"})
	require.NoError(t, err)
	_, _, err = r.Resolve(ctx, AliasSet{ExternalID: "E1", EmailHash: "H1"})
	require.NoError(t, err)

	u1Conflict, created, err := r.Resolve(ctx, AliasSet{DeviceID: "D2", ExternalID: "E1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u1, u1Conflict)

	u2, created, err := r.Resolve(ctx, AliasSet{DeviceID: "D2"})
	require.NoError(t, err)
	assert.False(t, created, "D2 was already linked to u1 by the prior call")
	assert.Equal(t, u1, u2)
}

func TestResolveIsIdempotentForSameAliases(t *testing.T) {
	r := New(memstore.New(), nil)
	ctx := context.Background()

	u1, _, err := r.Resolve(ctx, AliasSet{DeviceID: "D1"})
	require.NoError(t, err)
	u2, created, err := r.Resolve(ctx, AliasSet{DeviceID: "D1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u1, u2)
}
