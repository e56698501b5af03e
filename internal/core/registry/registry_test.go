package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoimages/internal/platform/stac"
)

func TestRefreshPreservesOperatorFlags(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, "PlanetaryComputer")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.Refresh("pc", []stac.Collection{
		{ID: "S2", Title: "Sentinel-2"},
		{ID: "L8", Title: "Landsat-8"},
	}, now))

	// Operator disables L8 between runs.
	disable(t, r.path, "L8")

	require.NoError(t, r.Refresh("pc", []stac.Collection{
		{ID: "S2", Title: "Sentinel-2"},
		{ID: "L8", Title: "Landsat-8"},
		{ID: "NEW", Title: "Brand New"},
	}, now.Add(time.Hour)))

	all := r.load()
	require.Len(t, all, 3)
	// Sorted by id, flags preserved, new entries default enabled.
	assert.Equal(t, "L8", all[0].CollectionID)
	assert.False(t, all[0].Enabled)
	assert.Equal(t, "NEW", all[1].CollectionID)
	assert.True(t, all[1].Enabled)
	assert.Equal(t, "S2", all[2].CollectionID)
	assert.True(t, all[2].Enabled)
}

func TestRefreshKeepsCollectionsMissingFromListing(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, "PlanetaryComputer")
	now := time.Now()

	require.NoError(t, r.Refresh("pc", []stac.Collection{{ID: "OLD", Title: "Old"}}, now))
	require.NoError(t, r.Refresh("pc", []stac.Collection{{ID: "S2", Title: "Sentinel-2"}}, now))

	all := r.load()
	require.Len(t, all, 2)
	assert.Equal(t, "OLD", all[0].CollectionID)
	assert.Equal(t, "S2", all[1].CollectionID)
}

func TestEnabledFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, "PlanetaryComputer")

	require.NoError(t, r.Refresh("pc", []stac.Collection{
		{ID: "B"}, {ID: "A"}, {ID: "C"},
	}, time.Now()))
	disable(t, r.path, "B")

	enabled := r.Enabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, "A", enabled[0].CollectionID)
	assert.Equal(t, "C", enabled[1].CollectionID)
}

func TestUnreadableStoreIsFirstRunBootstrap(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "missing"), "PlanetaryComputer")
	assert.Empty(t, r.Enabled())

	require.NoError(t, os.MkdirAll(filepath.Dir(r.path), 0o755))
	require.NoError(t, os.WriteFile(r.path, []byte("not json"), 0o644))
	assert.Empty(t, r.Enabled())
}

func disable(t *testing.T, path, id string) {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var all []Collection
	require.NoError(t, json.Unmarshal(b, &all))
	for i := range all {
		if all[i].CollectionID == id {
			all[i].Enabled = false
		}
	}
	out, err := json.MarshalIndent(all, "", "    ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o644))
}
