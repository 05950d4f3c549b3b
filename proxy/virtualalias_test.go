package proxy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAliasStoreLoadMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadAliasStore(filepath.Join(dir, "virtual_models.json"))
	require.NoError(t, err)
	assert.Empty(t, s.List())
}

func TestAliasStoreCreateThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "virtual_models.json")
	s, err := LoadAliasStore(path)
	require.NoError(t, err)

	alias := VirtualAlias{
		Name:     "my-mistral",
		Source:   "mistral",
		TargetID: "mistral-7b-instruct",
		Metadata: VirtualAliasMetadata{System: "be terse"},
	}
	perr := s.Create("my-mistral", alias)
	require.Nil(t, perr)

	got, ok := s.Get("my-mistral")
	require.True(t, ok)
	assert.Equal(t, "mistral-7b-instruct", got.TargetID)
	assert.Equal(t, "be terse", got.Metadata.System)

	// Reload from disk, the create must have persisted.
	reloaded, err := LoadAliasStore(path)
	require.NoError(t, err)
	got2, ok := reloaded.Get("my-mistral")
	require.True(t, ok)
	assert.Equal(t, got.TargetID, got2.TargetID)
}

func TestAliasStoreCreateDuplicateFails(t *testing.T) {
	dir := t.TempDir()
	s, _ := LoadAliasStore(filepath.Join(dir, "virtual_models.json"))

	alias := VirtualAlias{Name: "dup", TargetID: "m1"}
	require.Nil(t, s.Create("dup", alias))

	perr := s.Create("dup", alias)
	require.NotNil(t, perr)
	assert.Equal(t, KindBadRequest, perr.Kind)
}

func TestAliasStoreDeleteUnknownFails(t *testing.T) {
	dir := t.TempDir()
	s, _ := LoadAliasStore(filepath.Join(dir, "virtual_models.json"))

	perr := s.Delete("nope")
	require.NotNil(t, perr)
	assert.Equal(t, KindNotFound, perr.Kind)
}

func TestAliasStoreDeleteThenGetMisses(t *testing.T) {
	dir := t.TempDir()
	s, _ := LoadAliasStore(filepath.Join(dir, "virtual_models.json"))

	require.Nil(t, s.Create("gone-soon", VirtualAlias{Name: "gone-soon", TargetID: "m1"}))
	require.Nil(t, s.Delete("gone-soon"))

	_, ok := s.Get("gone-soon")
	assert.False(t, ok)
}

func TestAliasStoreCloneIsolatesMutation(t *testing.T) {
	dir := t.TempDir()
	s, _ := LoadAliasStore(filepath.Join(dir, "virtual_models.json"))

	alias := VirtualAlias{
		Name:     "iso",
		TargetID: "m1",
		Metadata: VirtualAliasMetadata{Parameters: map[string]any{"temperature": 0.5}},
	}
	require.Nil(t, s.Create("iso", alias))

	got, _ := s.Get("iso")
	got.Metadata.Parameters["temperature"] = 99.0

	got2, _ := s.Get("iso")
	assert.Equal(t, 0.5, got2.Metadata.Parameters["temperature"])
}

func TestAliasStoreFileIsPrettyPrintedJSONObject(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "virtual_models.json")
	s, _ := LoadAliasStore(path)
	require.Nil(t, s.Create("alpha", VirtualAlias{Name: "alpha", TargetID: "m1"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var asMap map[string]VirtualAlias
	require.NoError(t, json.Unmarshal(data, &asMap))
	require.Contains(t, asMap, "alpha")
}
