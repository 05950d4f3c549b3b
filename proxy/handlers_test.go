package proxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestHandlers wires a Handlers against a fake LM Studio backend and a
// fresh, empty alias store, the same construction NewServer does minus the
// gin engine itself.
func newTestHandlers(t *testing.T, backendURL string) *Handlers {
	t.Helper()
	dir := t.TempDir()
	aliasStore, err := LoadAliasStore(filepath.Join(dir, "virtual_models.json"))
	require.NoError(t, err)

	client := http.DefaultClient
	resolver := NewModelResolver(client, backendURL, time.Minute)
	blobStore := NewBlobStore(dir)
	return NewHandlers(client, backendURL, resolver, aliasStore, blobStore, 50*time.Millisecond, time.Second, 64*1024, true, NewLogMonitor())
}

func doRequest(h gin.HandlerFunc, method, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	h(c)
	return w
}

// TestChatHandlerResolvesAndConvertsNonStreaming covers scenario 1 of
// SPEC_FULL §8: a single backend model, an Ollama chat request, and the
// fabricated response shape with synthesized timing.
func TestChatHandlerResolvesAndConvertsNonStreaming(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case nativeModelsPath:
			_ = json.NewEncoder(w).Encode(nativeModelsResponse{Models: []nativeModelData{
				nativeFixture("granite-3.0-2b-instruct", "llm", true),
			}})
		case chatCompletionsPath:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "granite-3.0-2b-instruct", body["model"])
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]any{"role": "assistant", "content": "Greetings!"}, "finish_reason": "stop"},
				},
				"usage": map[string]any{"prompt_tokens": 24, "completion_tokens": 53},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer backend.Close()

	h := newTestHandlers(t, backend.URL)
	reqBody, _ := json.Marshal(map[string]any{
		"model":    "granite",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   false,
	})
	w := doRequest(h.ChatHandler, http.MethodPost, "/api/chat", reqBody)

	require.Equal(t, http.StatusOK, w.Code)
	var resp OllamaChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "granite", resp.Model)
	assert.True(t, resp.Done)
	assert.Equal(t, "stop", resp.DoneReason)
	assert.Equal(t, 24, resp.PromptEvalCount)
	assert.Equal(t, 53, resp.EvalCount)
	assert.Equal(t, `"Greetings!"`, string(resp.Message.Content))
}

// TestGenerateHandlerWithImagesRoutesToChat covers scenario 2: a generate
// request carrying images is rewritten into a chat completion.
func TestGenerateHandlerWithImagesRoutesToChat(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case nativeModelsPath:
			_ = json.NewEncoder(w).Encode(nativeModelsResponse{Models: []nativeModelData{
				{Key: "llava-7b", Type: "vlm", Capabilities: &nativeCapabilities{Vision: true}},
			}})
		case chatCompletionsPath:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			msgs := body["messages"].([]any)
			require.Len(t, msgs, 1)
			msg := msgs[0].(map[string]any)
			assert.Equal(t, "user", msg["role"])
			parts := msg["content"].([]any)
			require.Len(t, parts, 2)
			first := parts[0].(map[string]any)
			assert.Equal(t, "text", first["type"])
			assert.Equal(t, "What is this?", first["text"])
			second := parts[1].(map[string]any)
			assert.Equal(t, "image_url", second["type"])

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"message": map[string]any{"content": "a cat"}, "finish_reason": "stop"}},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer backend.Close()

	h := newTestHandlers(t, backend.URL)
	reqBody, _ := json.Marshal(map[string]any{
		"model":  "llava",
		"prompt": "What is this?",
		"images": []string{"ZmFrZWJhc2U2NA=="},
		"stream": false,
	})
	w := doRequest(h.GenerateHandler, http.MethodPost, "/api/generate", reqBody)

	require.Equal(t, http.StatusOK, w.Code)
	var resp OllamaGenerateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "a cat", resp.Response)
}

// TestChatHandlerKeepAliveZeroUnloadHintSkipsBackendChatCall covers the
// keep_alive=0 boundary behavior: no chat completion call is made.
func TestChatHandlerKeepAliveZeroUnloadHintSkipsBackendChatCall(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case nativeModelsPath:
			_ = json.NewEncoder(w).Encode(nativeModelsResponse{Models: []nativeModelData{nativeFixture("m1", "llm", false)}})
		default:
			t.Fatalf("unexpected backend call to %s", r.URL.Path)
		}
	}))
	defer backend.Close()

	h := newTestHandlers(t, backend.URL)
	reqBody, _ := json.Marshal(map[string]any{
		"model":      "m1",
		"messages":   []map[string]string{},
		"keep_alive": 0,
	})
	w := doRequest(h.ChatHandler, http.MethodPost, "/api/chat", reqBody)

	require.Equal(t, http.StatusOK, w.Code)
	var resp OllamaChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Done)
	assert.Equal(t, "unload", resp.DoneReason)
}

// TestCreateAliasThenChatInjectsSystemMessage covers scenario 6: a created
// virtual alias's system prompt is prepended to the backend chat request
// regardless of what the backend model itself defaults to.
func TestCreateAliasThenChatInjectsSystemMessage(t *testing.T) {
	var sawSystem bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case nativeModelsPath:
			_ = json.NewEncoder(w).Encode(nativeModelsResponse{Models: []nativeModelData{nativeFixture("mistral-7b-instruct", "llm", false)}})
		case chatCompletionsPath:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			msgs := body["messages"].([]any)
			require.NotEmpty(t, msgs)
			first := msgs[0].(map[string]any)
			if first["role"] == "system" && first["content"] == "be terse" {
				sawSystem = true
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"message": map[string]any{"content": "ok"}, "finish_reason": "stop"}},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer backend.Close()

	h := newTestHandlers(t, backend.URL)

	createBody, _ := json.Marshal(map[string]any{
		"model":  "my-mistral",
		"from":   "mistral",
		"system": "be terse",
	})
	_ = doRequest(h.CreateHandler, http.MethodPost, "/api/create", createBody)

	chatBody, _ := json.Marshal(map[string]any{
		"model":    "my-mistral",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   false,
	})
	w := doRequest(h.ChatHandler, http.MethodPost, "/api/chat", chatBody)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, sawSystem, "expected the alias system prompt to be prepended as a system message")
}

// TestBlobsPostDigestMismatchLeavesNoFile covers scenario 5: a digest
// mismatch fails with bad-request and leaves nothing on disk.
func TestBlobsPostDigestMismatchLeavesNoFile(t *testing.T) {
	h := newTestHandlers(t, "http://unused.invalid")
	digest := "sha256:" + "0000000000000000000000000000000000000000000000000000000000000000"[:64]

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/blobs/"+digest, bytes.NewReader([]byte("hello")))
	c.Params = gin.Params{{Key: "digest", Value: digest}}
	h.BlobsPostHandler(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	exists, perr := h.blobStore.Exists(digest)
	require.Nil(t, perr)
	assert.False(t, exists)
}

// TestLogsHandlerReturnsWrittenHistory covers the /logs surface: a line
// logged through the Handlers' LogMonitor is retrievable verbatim.
func TestLogsHandlerReturnsWrittenHistory(t *testing.T) {
	h := newTestHandlers(t, "http://unused.invalid")
	h.logger.Info("hello from a test")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/logs", nil)
	h.LogsHandler(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello from a test")
}
