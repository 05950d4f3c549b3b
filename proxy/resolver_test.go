package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nativeFixture builds a minimal native model-listing entry the way LM
// Studio's real /api/v1/models endpoint shapes one: loaded-ness is implied
// by a non-empty loaded_instances array, never an explicit boolean field.
func nativeFixture(key, modelType string, loaded bool) nativeModelData {
	d := nativeModelData{Key: key, Type: modelType}
	if loaded {
		d.LoadedInstances = []nativeLoadedInstance{{ID: key + "-instance-0"}}
	}
	return d
}

func modelsServer(t *testing.T, models []nativeModelData) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, nativeModelsPath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(nativeModelsResponse{Models: models})
	}))
}

func TestResolveExactMatch(t *testing.T) {
	srv := modelsServer(t, []nativeModelData{
		nativeFixture("llama-3.1-8b-instruct", "llm", true),
		nativeFixture("qwen2.5-7b-instruct", "llm", false),
	})
	defer srv.Close()

	r := NewModelResolver(srv.Client(), srv.URL, time.Minute)
	id, err := r.Resolve(context.Background(), "qwen2.5-7b-instruct")
	require.Nil(t, err)
	assert.Equal(t, "qwen2.5-7b-instruct", id)
}

func TestResolveUsesCacheOnSecondCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(nativeModelsResponse{Models: []nativeModelData{nativeFixture("m1", "llm", false)}})
	}))
	defer srv.Close()

	r := NewModelResolver(srv.Client(), srv.URL, time.Minute)
	_, err := r.Resolve(context.Background(), "m1")
	require.Nil(t, err)
	_, err = r.Resolve(context.Background(), "m1")
	require.Nil(t, err)
	assert.Equal(t, 1, calls)
}

func TestResolveNoMatchReturnsNotFound(t *testing.T) {
	srv := modelsServer(t, []nativeModelData{nativeFixture("llama-3.1-8b-instruct", "llm", false)})
	defer srv.Close()

	r := NewModelResolver(srv.Client(), srv.URL, time.Minute)
	_, err := r.Resolve(context.Background(), "totally-unrelated-xyz")
	require.NotNil(t, err)
	assert.Equal(t, KindNotFound, err.Kind)
}

func TestResolveBackendNotFoundMeansUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewModelResolver(srv.Client(), srv.URL, time.Minute)
	_, err := r.Resolve(context.Background(), "anything")
	require.NotNil(t, err)
	assert.Equal(t, KindBackendUnavailable, err.Kind)
}

func TestGetLoadedModelsFiltersUnloaded(t *testing.T) {
	srv := modelsServer(t, []nativeModelData{
		nativeFixture("loaded-one", "llm", true),
		nativeFixture("unloaded-one", "llm", false),
	})
	defer srv.Close()

	r := NewModelResolver(srv.Client(), srv.URL, time.Minute)
	loaded, err := r.GetLoadedModels(context.Background())
	require.Nil(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "loaded-one", loaded[0].ID)
}

func TestCanonicalNameStrippedBeforeResolve(t *testing.T) {
	srv := modelsServer(t, []nativeModelData{nativeFixture("llama3", "llm", false)})
	defer srv.Close()

	r := NewModelResolver(srv.Client(), srv.URL, time.Minute)
	id, err := r.Resolve(context.Background(), "llama3:latest")
	require.Nil(t, err)
	assert.Equal(t, "llama3", id)
}

func TestFromNativeModelDataDefaultsUnknownFields(t *testing.T) {
	m := fromNativeModelData(nativeModelData{Key: "bare-model", Type: "llm"})
	assert.Equal(t, "unknown", m.Arch)
	assert.Equal(t, "unknown", m.CompatibilityType)
	assert.Equal(t, "unknown", m.Quantization)
	assert.False(t, m.IsLoaded)
	assert.Equal(t, "not-loaded", m.State)
}

func TestFromNativeModelDataDerivesLoadedState(t *testing.T) {
	arch := "llama"
	format := "gguf"
	m := fromNativeModelData(nativeModelData{
		Key:              "loaded-model",
		Type:             "vlm",
		Architecture:     &arch,
		Format:           &format,
		Quantization:     &nativeQuantization{Name: "Q4_K_M"},
		MaxContextLength: 8192,
		LoadedInstances:  []nativeLoadedInstance{{ID: "loaded-model-instance-0"}},
		Capabilities:     &nativeCapabilities{Vision: true, TrainedForTool: true},
	})
	assert.True(t, m.IsLoaded)
	assert.Equal(t, "loaded", m.State)
	assert.Equal(t, "llama", m.Arch)
	assert.Equal(t, "gguf", m.CompatibilityType)
	assert.Equal(t, "Q4_K_M", m.Quantization)
	assert.Equal(t, 8192, m.MaxContextLength)
	assert.True(t, m.SupportsVision)
	assert.True(t, m.SupportsTools)
}
