package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLooksLikeJSON(t *testing.T) {
	assert.True(t, looksLikeJSON("application/json", []byte("ignored")))
	assert.True(t, looksLikeJSON("", []byte("  {\"a\":1}")))
	assert.True(t, looksLikeJSON("", []byte("[1,2,3]")))
	assert.False(t, looksLikeJSON("text/plain", []byte("plain body")))
	assert.False(t, looksLikeJSON("", []byte("")))
}

func TestIsHopByHop(t *testing.T) {
	assert.True(t, isHopByHop("Host"))
	assert.True(t, isHopByHop("content-length"))
	assert.True(t, isHopByHop("Transfer-Encoding"))
	assert.False(t, isHopByHop("Authorization"))
}

func TestPassthroughForwardRewritesModelField(t *testing.T) {
	var receivedModel string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == nativeModelsPath {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(nativeModelsResponse{Models: []nativeModelData{
				nativeFixture("llama-3.1-8b-instruct", "llm", false),
			}})
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		receivedModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	client := backend.Client()
	resolver := NewModelResolver(client, backend.URL, 0)
	aliasStore, err := LoadAliasStore(t.TempDir() + "/aliases.json")
	require.NoError(t, err)

	forwarder := NewPassthroughForwarder(client, backend.URL, resolver, aliasStore)

	reqBody := []byte(`{"model":"llama","messages":[{"role":"user","content":"hi"}]}`)
	resp, perr := forwarder.Forward(context.Background(), http.MethodPost, "/v1/chat/completions", http.Header{"Content-Type": []string{"application/json"}}, reqBody)
	require.Nil(t, perr)
	resp.Body.Close()

	assert.Equal(t, "llama-3.1-8b-instruct", receivedModel)
}

func TestPassthroughForwardLeavesNonJSONBodyUntouched(t *testing.T) {
	var receivedBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		receivedBody = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	client := backend.Client()
	resolver := NewModelResolver(client, backend.URL, 0)
	aliasStore, err := LoadAliasStore(t.TempDir() + "/aliases.json")
	require.NoError(t, err)
	forwarder := NewPassthroughForwarder(client, backend.URL, resolver, aliasStore)

	raw := []byte("raw binary data, not json")
	resp, perr := forwarder.Forward(context.Background(), http.MethodPost, "/v1/anything", http.Header{"Content-Type": []string{"application/octet-stream"}}, raw)
	require.Nil(t, perr)
	resp.Body.Close()

	assert.Equal(t, raw, receivedBody)
}

func TestCopyPassthroughResponsePipesJSONBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"hello":"world"}`))
	}))
	defer upstream.Close()

	resp, err := http.Get(upstream.URL)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	err = CopyPassthroughResponse(rec, resp)
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, rec.Body.String())
}
