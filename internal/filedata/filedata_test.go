package filedata

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cajpany/tinycdp/internal/logging"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store/memstore"
)

func writeDoc(t *testing.T, path string, doc Document) {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestLoadAppliesAllThreeDefinitionKinds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "definitions.json")
	writeDoc(t, path, Document{
		Traits:   []model.TraitDefinition{{Key: "is_active", Expression: `count("login", "7d") > 0`}},
		Segments: []model.SegmentDefinition{{Key: "power_users", Rule: `trait("is_active") == true`}},
		Flags:    []model.FlagDefinition{{Key: "new_dashboard", Rule: `segment("power_users")`}},
	})

	st := memstore.New()
	ctx := context.Background()
	require.NoError(t, Load(ctx, path, st, logging.NewDisabledLoggers()))

	_, found, err := st.GetTraitDefinition(ctx, "is_active")
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = st.GetSegmentDefinition(ctx, "power_users")
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = st.GetFlagDefinition(ctx, "new_dashboard")
	require.NoError(t, err)
	require.True(t, found)
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "definitions.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	st := memstore.New()
	err := Load(context.Background(), path, st, logging.NewDisabledLoggers())
	require.Error(t, err)
}

func TestNewWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "definitions.json")
	writeDoc(t, path, Document{Flags: []model.FlagDefinition{{Key: "flag_a", Rule: "true"}}})

	st := memstore.New()
	ctx := context.Background()
	w, err := NewWatcher(ctx, path, st, logging.NewDisabledLoggers())
	require.NoError(t, err)
	defer w.Close()

	_, found, err := st.GetFlagDefinition(ctx, "flag_a")
	require.NoError(t, err)
	require.True(t, found)

	writeDoc(t, path, Document{Flags: []model.FlagDefinition{{Key: "flag_b", Rule: "true"}}})

	require.Eventually(t, func() bool {
		_, found, err := st.GetFlagDefinition(ctx, "flag_b")
		return err == nil && found
	}, 2*time.Second, 50*time.Millisecond)
}
