package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	completionsPath     = "/v1/completions"
	embeddingsPath      = "/v1/embeddings"
)

// Handlers wires the resolver, alias store, translator, retry controller,
// response transformer, and streaming engine into one gin handler set per
// Ollama-compatible endpoint.
type Handlers struct {
	httpClient    *http.Client
	lmStudioURL   string
	resolver      *ModelResolver
	aliasStore    *AliasStore
	blobStore     *BlobStore
	pullForwarder *PullForwarder
	passthrough   *PassthroughForwarder

	loadTimeout         time.Duration
	maxBufferSize       int
	enableChunkRecovery bool
	streamIdleTimeout   time.Duration

	logger *LogMonitor
}

func NewHandlers(client *http.Client, lmStudioURL string, resolver *ModelResolver, aliasStore *AliasStore, blobStore *BlobStore, loadTimeout, streamIdleTimeout time.Duration, maxBufferSize int, enableChunkRecovery bool, logger *LogMonitor) *Handlers {
	if logger == nil {
		logger = NewLogMonitor()
	}
	return &Handlers{
		httpClient:          client,
		lmStudioURL:         strings.TrimRight(lmStudioURL, "/"),
		resolver:            resolver,
		aliasStore:          aliasStore,
		blobStore:           blobStore,
		pullForwarder:       NewPullForwarder(client, lmStudioURL, resolver, aliasStore),
		passthrough:         NewPassthroughForwarder(client, lmStudioURL, resolver, aliasStore),
		loadTimeout:         loadTimeout,
		maxBufferSize:       maxBufferSize,
		enableChunkRecovery: enableChunkRecovery,
		streamIdleTimeout:   streamIdleTimeout,
		logger:              logger,
	}
}

func writeProxyError(c *gin.Context, err *ProxyError) {
	status := err.HTTPStatus()
	c.JSON(status, gin.H{"error": err.Message, "status": status})
}

// logIO emits the inbound and outbound JSON bodies of an Ollama endpoint at
// debug level, gated on the log level so the pretty-print work is skipped
// entirely unless something would actually print it. request/response are
// nil when that side doesn't apply to the call (e.g. logging only the
// response once it's ready); streaming responses log a placeholder instead
// of the individual NDJSON chunks.
func (h *Handlers) logIO(endpoint string, request, response any, streaming bool) {
	if !h.logger.DebugEnabled() {
		return
	}
	if request != nil {
		if b, err := json.MarshalIndent(request, "", "  "); err == nil {
			h.logger.Debugf("%s request: %s", endpoint, string(b))
		}
	}
	if streaming {
		h.logger.Debugf("%s response: (streaming)", endpoint)
		return
	}
	if response != nil {
		if b, err := json.MarshalIndent(response, "", "  "); err == nil {
			h.logger.Debugf("%s response: %s", endpoint, string(b))
		}
	}
}

// resolveModel consults the alias store first, then the TTL-cached
// resolver, returning the backend id and the matched alias (nil if the
// name resolved to a plain backend model).
func (h *Handlers) resolveModel(ctx context.Context, name string) (string, *VirtualAlias, *ProxyError) {
	ctx, span := startSpan(ctx, "resolve", name)
	defer span.End()

	canonical := CanonicalModelName(name)
	if alias, ok := h.aliasStore.Get(canonical); ok {
		return alias.TargetID, &alias, nil
	}
	id, perr := h.resolver.Resolve(ctx, name)
	if perr != nil {
		span.RecordError(perr)
		return "", nil, perr
	}
	return id, nil, nil
}

// doBackendJSON POSTs body to path and returns the live response for a
// 2xx status. Non-2xx responses are fully read, translated into the
// proxy's error shape (message extracted from the backend's own error
// JSON, status propagated verbatim), and returned as an error.
func (h *Handlers) doBackendJSON(ctx context.Context, path string, body map[string]any) (*http.Response, *ProxyError) {
	modelField, _ := body["model"].(string)
	ctx, span := startSpan(ctx, "backend-call", modelField)
	defer span.End()

	encoded, err := json.Marshal(body)
	if err != nil {
		perr := Internalf("encoding backend request: %v", err)
		span.RecordError(perr)
		return nil, perr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.lmStudioURL+path, bytes.NewReader(encoded))
	if err != nil {
		perr := Internalf("building backend request: %v", err)
		span.RecordError(perr)
		return nil, perr
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, doErr := h.httpClient.Do(req)
	if doErr != nil {
		perr := classifyTransportError(ctx, doErr)
		span.RecordError(perr)
		return nil, perr
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	msg := BackendErrorMessage(resp.StatusCode, raw)
	perr := Custom(resp.StatusCode, msg)
	span.RecordError(perr)
	return nil, perr
}

// backendCallOnce performs one complete request/response cycle against
// path and returns the fully-read response body, the one "operation" the
// retry controller wraps.
func (h *Handlers) backendCallOnce(ctx context.Context, path string, body map[string]any) ([]byte, *ProxyError) {
	resp, perr := h.doBackendJSON(ctx, path, body)
	if perr != nil {
		return nil, perr
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Internalf("reading backend response: %v", err)
	}
	return raw, nil
}

// backendStreamOnce opens a streaming backend response, the streaming
// counterpart to backendCallOnce.
func (h *Handlers) backendStreamOnce(ctx context.Context, path string, body map[string]any) (*http.Response, *ProxyError) {
	return h.doBackendJSON(ctx, path, body)
}

func fabricatedTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// --- keep_alive handling -------------------------------------------------

type keepAlive struct {
	present bool
	seconds int64
}

func parseKeepAlive(raw json.RawMessage) (keepAlive, *ProxyError) {
	seconds, present, perr := ParseKeepAliveSeconds(raw)
	if perr != nil {
		return keepAlive{}, perr
	}
	return keepAlive{present: present, seconds: seconds}, nil
}

func (k keepAlive) isUnload() bool {
	return k.present && k.seconds == 0
}

// --- /api/chat ------------------------------------------------------------

func (h *Handlers) ChatHandler(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProxyError(c, BadRequestf("invalid request body: %v", err))
		return
	}
	if req.Model == "" {
		writeProxyError(c, BadRequest("model is required"))
		return
	}
	if req.Messages == nil {
		writeProxyError(c, BadRequest("messages is required"))
		return
	}
	h.logIO("/api/chat", req, nil, false)

	ka, perr := parseKeepAlive(req.KeepAlive)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}

	ctx := c.Request.Context()
	backendID, alias, perr := h.resolveModel(ctx, req.Model)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}

	images := req.Images
	if len(images) == 0 && len(req.Messages) > 0 {
		images = req.Messages[len(req.Messages)-1].Images
	}

	if len(req.Messages) == 0 && len(images) == 0 {
		h.respondHintChat(c, req.Model, backendID, ka)
		return
	}

	stream := req.WantsStream()
	body, perr := BuildChatBody(req.Messages, images, req.Options, req.Tools, req.Format, backendID, stream, alias)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}
	ApplyKeepAliveTTL(body, ka.seconds, ka.present)

	h.dispatchChat(c, req.Model, backendID, body, stream)
}

func (h *Handlers) respondHintChat(c *gin.Context, clientModel, backendID string, ka keepAlive) {
	if ka.isUnload() {
		c.JSON(http.StatusOK, OllamaChatResponse{
			Model:      clientModel,
			CreatedAt:  fabricatedTimestamp(),
			Message:    OllamaMessage{Role: "assistant"},
			Done:       true,
			DoneReason: "unload",
		})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.loadTimeout)
		defer cancel()
		_ = TriggerModelLoad(ctx, h.httpClient, h.lmStudioURL, backendID)
	}()
	c.JSON(http.StatusOK, OllamaChatResponse{
		Model:      clientModel,
		CreatedAt:  fabricatedTimestamp(),
		Message:    OllamaMessage{Role: "assistant"},
		Done:       true,
		DoneReason: "load",
	})
}

func (h *Handlers) dispatchChat(c *gin.Context, clientModel, backendID string, body map[string]any, stream bool) {
	ctx := c.Request.Context()
	promptText := chatPromptText(body)

	if !stream {
		start := time.Now()
		raw, perr := RetryWithTrigger(ctx, h.httpClient, h.lmStudioURL, backendID, h.loadTimeout, func(ctx context.Context) ([]byte, *ProxyError) {
			return h.backendCallOnce(ctx, chatCompletionsPath, body)
		})
		if perr != nil {
			writeProxyError(c, perr)
			return
		}
		resp, perr := ConvertChatResponse(raw, clientModel, promptText, start)
		if perr != nil {
			writeProxyError(c, perr)
			return
		}
		h.logIO("/api/chat", nil, resp, false)
		c.JSON(http.StatusOK, resp)
		return
	}

	resp, perr := RetryWithTrigger(ctx, h.httpClient, h.lmStudioURL, backendID, h.loadTimeout, func(ctx context.Context) (*http.Response, *ProxyError) {
		return h.backendStreamOnce(ctx, chatCompletionsPath, body)
	})
	if perr != nil {
		writeProxyError(c, perr)
		return
	}
	h.logIO("/api/chat", nil, nil, true)
	h.streamToClient(c, clientModel, StreamChat, resp)
}

func chatPromptText(body map[string]any) string {
	msgs, _ := body["messages"].([]map[string]any)
	var out strings.Builder
	for _, m := range msgs {
		if s, ok := m["content"].(string); ok {
			out.WriteString(s)
		}
	}
	return out.String()
}

// --- /api/generate ----------------------------------------------------------

func (h *Handlers) GenerateHandler(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProxyError(c, BadRequestf("invalid request body: %v", err))
		return
	}
	if req.Model == "" {
		writeProxyError(c, BadRequest("model is required"))
		return
	}
	h.logIO("/api/generate", req, nil, false)

	ka, perr := parseKeepAlive(req.KeepAlive)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}

	ctx := c.Request.Context()
	backendID, alias, perr := h.resolveModel(ctx, req.Model)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}

	if req.Prompt == "" && len(req.Images) == 0 {
		h.respondHintGenerate(c, req.Model, backendID, ka)
		return
	}

	options := req.Options
	if req.System != "" {
		options = cloneOptionsWithSystem(options, req.System)
	}

	stream := req.WantsStream()

	if len(req.Images) > 0 {
		messages := []OllamaMessage{{Role: "user", Content: mustMarshal(req.Prompt)}}
		body, perr := BuildChatBody(messages, req.Images, options, nil, req.Format, backendID, stream, alias)
		if perr != nil {
			writeProxyError(c, perr)
			return
		}
		ApplyKeepAliveTTL(body, ka.seconds, ka.present)
		h.dispatchGenerate(c, req.Model, backendID, chatCompletionsPath, body, stream)
		return
	}

	body, perr := BuildCompletionBody(req.Prompt, options, req.Format, backendID, stream, alias)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}
	ApplyKeepAliveTTL(body, ka.seconds, ka.present)
	h.dispatchGenerate(c, req.Model, backendID, completionsPath, body, stream)
}

// cloneOptionsWithSystem copies options and sets "system", the request-level
// override /api/generate's top-level `system` field represents, without
// mutating the caller's map.
func cloneOptionsWithSystem(options map[string]any, system string) map[string]any {
	out := make(map[string]any, len(options)+1)
	for k, v := range options {
		out[k] = v
	}
	out["system"] = system
	return out
}

func (h *Handlers) respondHintGenerate(c *gin.Context, clientModel, backendID string, ka keepAlive) {
	if ka.isUnload() {
		c.JSON(http.StatusOK, OllamaGenerateResponse{
			Model:      clientModel,
			CreatedAt:  fabricatedTimestamp(),
			Done:       true,
			DoneReason: "unload",
		})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.loadTimeout)
		defer cancel()
		_ = TriggerModelLoad(ctx, h.httpClient, h.lmStudioURL, backendID)
	}()
	c.JSON(http.StatusOK, OllamaGenerateResponse{
		Model:      clientModel,
		CreatedAt:  fabricatedTimestamp(),
		Done:       true,
		DoneReason: "load",
	})
}

func (h *Handlers) dispatchGenerate(c *gin.Context, clientModel, backendID, path string, body map[string]any, stream bool) {
	ctx := c.Request.Context()
	promptText, _ := body["prompt"].(string)
	if promptText == "" {
		promptText = chatPromptText(body)
	}

	if !stream {
		start := time.Now()
		raw, perr := RetryWithTrigger(ctx, h.httpClient, h.lmStudioURL, backendID, h.loadTimeout, func(ctx context.Context) ([]byte, *ProxyError) {
			return h.backendCallOnce(ctx, path, body)
		})
		if perr != nil {
			writeProxyError(c, perr)
			return
		}
		resp, perr := ConvertGenerateResponse(raw, clientModel, promptText, start)
		if perr != nil {
			writeProxyError(c, perr)
			return
		}
		h.logIO("/api/generate", nil, resp, false)
		c.JSON(http.StatusOK, resp)
		return
	}

	resp, perr := RetryWithTrigger(ctx, h.httpClient, h.lmStudioURL, backendID, h.loadTimeout, func(ctx context.Context) (*http.Response, *ProxyError) {
		return h.backendStreamOnce(ctx, path, body)
	})
	if perr != nil {
		writeProxyError(c, perr)
		return
	}
	h.logIO("/api/generate", nil, nil, true)
	h.streamToClient(c, clientModel, StreamGenerate, resp)
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// --- streaming plumbing ------------------------------------------------

type ginLineWriter struct {
	c *gin.Context
}

func (g ginLineWriter) WriteLine(line []byte) error {
	if _, err := g.c.Writer.Write(line); err != nil {
		return err
	}
	g.c.Writer.Flush()
	return nil
}

func (h *Handlers) streamToClient(c *gin.Context, clientModel string, kind StreamKind, resp *http.Response) {
	c.Header("Content-Type", "application/x-ndjson; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	sc := &StreamContext{
		Kind:           kind,
		ClientModel:    clientModel,
		Start:          time.Now(),
		MaxBufferSize:  h.maxBufferSize,
		EnableRecovery: h.enableChunkRecovery,
		IdleTimeout:    h.streamIdleTimeout,
	}
	_ = RunSSEStream(c.Request.Context(), resp.Body, ginLineWriter{c: c}, sc)
}

// --- /api/embed and /api/embeddings -------------------------------------

func (h *Handlers) EmbedHandler(c *gin.Context) {
	h.embed(c, false)
}

func (h *Handlers) EmbeddingsHandler(c *gin.Context) {
	h.embed(c, true)
}

func (h *Handlers) embed(c *gin.Context, legacy bool) {
	var req EmbedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProxyError(c, BadRequestf("invalid request body: %v", err))
		return
	}
	if req.Model == "" {
		writeProxyError(c, BadRequest("model is required"))
		return
	}
	input, ok := req.InputValue()
	if !ok {
		writeProxyError(c, BadRequest("input is required"))
		return
	}
	endpoint := "/api/embed"
	if legacy {
		endpoint = "/api/embeddings"
	}
	h.logIO(endpoint, req, nil, false)

	ctx := c.Request.Context()
	backendID, _, perr := h.resolveModel(ctx, req.Model)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}

	body, perr := BuildEmbeddingsBody(input, backendID)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}

	raw, perr := RetryWithTrigger(ctx, h.httpClient, h.lmStudioURL, backendID, h.loadTimeout, func(ctx context.Context) ([]byte, *ProxyError) {
		return h.backendCallOnce(ctx, embeddingsPath, body)
	})
	if perr != nil {
		writeProxyError(c, perr)
		return
	}

	if legacy {
		resp, perr := ConvertEmbeddingsResponse(raw)
		if perr != nil {
			writeProxyError(c, perr)
			return
		}
		h.logIO(endpoint, nil, resp, false)
		c.JSON(http.StatusOK, resp)
		return
	}
	resp, perr := ConvertEmbedResponse(raw, req.Model)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}
	h.logIO(endpoint, nil, resp, false)
	c.JSON(http.StatusOK, resp)
}

// --- /api/tags, /api/ps, /api/show --------------------------------------

func modelDetails(m BackendModel) map[string]any {
	return map[string]any{
		"parent_model":       "",
		"format":             m.CompatibilityType,
		"family":             m.Arch,
		"families":           []string{m.Arch},
		"parameter_size":     "",
		"quantization_level": m.Quantization,
	}
}

func (h *Handlers) TagsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	models, perr := h.resolver.GetAvailableModels(ctx)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}
	byID := make(map[string]BackendModel, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}

	now := fabricatedTimestamp()
	entries := make([]map[string]any, 0, len(models))
	for _, m := range models {
		entries = append(entries, map[string]any{
			"name":        m.ID,
			"model":       m.ID,
			"modified_at": now,
			"size":        0,
			"digest":      fmt.Sprintf("%x", m.ID),
			"details":     modelDetails(m),
		})
	}

	for name, alias := range h.aliasStore.List() {
		target, found := byID[alias.TargetID]
		if found {
			entries = append(entries, map[string]any{
				"name":        name,
				"model":       name,
				"modified_at": alias.UpdatedAt.UTC().Format(time.RFC3339),
				"size":        0,
				"digest":      fmt.Sprintf("%x", name),
				"details":     modelDetails(target),
			})
		} else {
			entries = append(entries, map[string]any{
				"name":        name,
				"model":       name,
				"modified_at": alias.UpdatedAt.UTC().Format(time.RFC3339),
				"size":        0,
				"digest":      fmt.Sprintf("%x", name),
				"details":     map[string]any{"format": "gguf", "family": "unknown"},
			})
		}
	}

	resp := gin.H{"models": entries}
	h.logIO("/api/tags", nil, resp, false)
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) PsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	loaded, perr := h.resolver.GetLoadedModels(ctx)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}
	byID := make(map[string]BackendModel, len(loaded))
	for _, m := range loaded {
		byID[m.ID] = m
	}

	now := fabricatedTimestamp()
	entries := make([]map[string]any, 0, len(loaded))
	for _, m := range loaded {
		entries = append(entries, map[string]any{
			"name":       m.ID,
			"model":      m.ID,
			"size":       0,
			"digest":     fmt.Sprintf("%x", m.ID),
			"details":    modelDetails(m),
			"expires_at": now,
			"size_vram":  0,
		})
	}
	for name, alias := range h.aliasStore.List() {
		target, found := byID[alias.TargetID]
		if !found {
			continue
		}
		entries = append(entries, map[string]any{
			"name":       name,
			"model":      name,
			"size":       0,
			"digest":     fmt.Sprintf("%x", name),
			"details":    modelDetails(target),
			"expires_at": now,
			"size_vram":  0,
		})
	}
	resp := gin.H{"models": entries}
	h.logIO("/api/ps", nil, resp, false)
	c.JSON(http.StatusOK, resp)
}

type showRequest struct {
	Model     string          `json:"model"`
	KeepAlive json.RawMessage `json:"keep_alive,omitempty"`
}

func (h *Handlers) ShowHandler(c *gin.Context) {
	var req showRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProxyError(c, BadRequestf("invalid request body: %v", err))
		return
	}
	if req.Model == "" {
		writeProxyError(c, BadRequest("model is required"))
		return
	}
	h.logIO("/api/show", req, nil, false)

	ka, perr := parseKeepAlive(req.KeepAlive)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}

	ctx := c.Request.Context()
	backendID, alias, perr := h.resolveModel(ctx, req.Model)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}

	if !ka.isUnload() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.loadTimeout)
			defer cancel()
			_ = TriggerModelLoad(ctx, h.httpClient, h.lmStudioURL, backendID)
		}()
	}

	models, perr := h.resolver.GetAvailableModels(ctx)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}
	var target BackendModel
	found := false
	for _, m := range models {
		if m.ID == backendID {
			target, found = m, true
			break
		}
	}
	if !found {
		writeProxyError(c, NotFoundf("model %q not found", req.Model))
		return
	}

	resp := gin.H{
		"details":      modelDetails(target),
		"capabilities": target.Capabilities(),
		"model_info": gin.H{
			"general.architecture":   target.Arch,
			"general.context_length": target.MaxContextLength,
		},
	}
	if alias != nil {
		if alias.Metadata.System != "" {
			resp["system"] = alias.Metadata.System
		}
		if alias.Metadata.Template != "" {
			resp["template"] = alias.Metadata.Template
		}
		if len(alias.Metadata.Messages) > 0 {
			resp["messages"] = alias.Metadata.Messages
		}
	}
	h.logIO("/api/show", nil, resp, false)
	c.JSON(http.StatusOK, resp)
}

// --- /api/create, /api/copy, /api/delete, /api/push ---------------------

type createAliasRequest struct {
	Model      string          `json:"model"`
	From       string          `json:"from"`
	System     string          `json:"system,omitempty"`
	Template   string          `json:"template,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	License    json.RawMessage `json:"license,omitempty"`
	Adapters   json.RawMessage `json:"adapters,omitempty"`
	Messages   []OllamaMessage `json:"messages,omitempty"`
	Files      json.RawMessage `json:"files,omitempty"`
	Quantize   json.RawMessage `json:"quantize,omitempty"`
	Stream     *bool           `json:"stream,omitempty"`
}

func rawIsEmpty(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null" || trimmed == "{}" || trimmed == "[]"
}

// wantsStream applies the Ollama default of "stream unless explicitly
// false" to the lifecycle endpoints' optional `stream` field.
func wantsStream(stream *bool) bool {
	return stream == nil || *stream
}

// emitLifecycleResult either streams a status line per entry in statuses
// followed by a final success line, or (stream=false) writes the final
// object alone, matching lifecycle.rs's stream_status_messages.
func emitLifecycleResult(c *gin.Context, stream bool, statuses []string) {
	if !stream {
		c.JSON(http.StatusOK, gin.H{"status": "success"})
		return
	}
	c.Header("Content-Type", "application/x-ndjson; charset=utf-8")
	c.Writer.WriteHeader(http.StatusOK)
	for _, s := range statuses {
		line, _ := json.Marshal(gin.H{"status": s})
		line = append(line, '\n')
		_, _ = c.Writer.Write(line)
		c.Writer.Flush()
	}
	final, _ := json.Marshal(gin.H{"status": "success"})
	final = append(final, '\n')
	_, _ = c.Writer.Write(final)
	c.Writer.Flush()
}

func (h *Handlers) CreateHandler(c *gin.Context) {
	var req createAliasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProxyError(c, BadRequestf("invalid request body: %v", err))
		return
	}
	if req.Model == "" {
		writeProxyError(c, BadRequest("model is required"))
		return
	}
	h.logIO("/api/create", req, nil, false)
	if !rawIsEmpty(req.Files) {
		writeProxyError(c, NotImplemented("creating a model from raw files is not supported"))
		return
	}
	if !rawIsEmpty(req.Quantize) {
		writeProxyError(c, NotImplemented("quantization on create is not supported"))
		return
	}

	ctx := c.Request.Context()
	source := req.From
	if source == "" {
		source = req.Model
	}
	backendID, sourceAlias, perr := h.resolveModel(ctx, source)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}

	meta := VirtualAliasMetadata{
		System:     req.System,
		Template:   req.Template,
		Parameters: req.Parameters,
		License:    req.License,
		Adapters:   req.Adapters,
		Messages:   req.Messages,
	}
	if sourceAlias != nil {
		carried := sourceAlias.Metadata.clone()
		if meta.System == "" {
			meta.System = carried.System
		}
		if meta.Template == "" {
			meta.Template = carried.Template
		}
		if meta.Parameters == nil {
			meta.Parameters = carried.Parameters
		}
	}

	alias := VirtualAlias{
		Name:     req.Model,
		Source:   source,
		TargetID: backendID,
		Metadata: meta,
	}
	canonical := CanonicalModelName(req.Model)
	if perr := h.aliasStore.Create(canonical, alias); perr != nil {
		writeProxyError(c, perr)
		return
	}
	h.logIO("/api/create", nil, gin.H{"status": "success"}, wantsStream(req.Stream))
	emitLifecycleResult(c, wantsStream(req.Stream), []string{
		"reading model metadata", "creating alias", "writing manifest",
	})
}

type copyRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Stream      *bool  `json:"stream,omitempty"`
}

func (h *Handlers) CopyHandler(c *gin.Context) {
	var req copyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProxyError(c, BadRequestf("invalid request body: %v", err))
		return
	}
	if req.Source == "" || req.Destination == "" {
		writeProxyError(c, BadRequest("source and destination are required"))
		return
	}
	h.logIO("/api/copy", req, nil, false)

	ctx := c.Request.Context()
	backendID, sourceAlias, perr := h.resolveModel(ctx, req.Source)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}

	meta := VirtualAliasMetadata{}
	if sourceAlias != nil {
		meta = sourceAlias.Metadata.clone()
	}
	alias := VirtualAlias{
		Name:     req.Destination,
		Source:   req.Source,
		TargetID: backendID,
		Metadata: meta,
	}
	canonical := CanonicalModelName(req.Destination)
	if perr := h.aliasStore.Create(canonical, alias); perr != nil {
		writeProxyError(c, perr)
		return
	}
	h.logIO("/api/copy", nil, gin.H{"status": "success"}, wantsStream(req.Stream))
	emitLifecycleResult(c, wantsStream(req.Stream), []string{
		"reading model metadata", "creating alias",
	})
}

type deleteRequest struct {
	Model string `json:"model"`
}

func (h *Handlers) DeleteHandler(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProxyError(c, BadRequestf("invalid request body: %v", err))
		return
	}
	if req.Model == "" {
		writeProxyError(c, BadRequest("model is required"))
		return
	}
	h.logIO("/api/delete", req, nil, false)
	canonical := CanonicalModelName(req.Model)
	if perr := h.aliasStore.Delete(canonical); perr != nil {
		writeProxyError(c, perr)
		return
	}
	resp := gin.H{"status": "success"}
	h.logIO("/api/delete", nil, resp, false)
	c.JSON(http.StatusOK, resp)
}

type pushRequest struct {
	Model  string `json:"model"`
	Stream *bool  `json:"stream,omitempty"`
}

func (h *Handlers) PushHandler(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProxyError(c, BadRequestf("invalid request body: %v", err))
		return
	}
	if req.Model == "" {
		writeProxyError(c, BadRequest("model is required"))
		return
	}
	h.logIO("/api/push", req, gin.H{"status": "success"}, wantsStream(req.Stream))
	emitLifecycleResult(c, wantsStream(req.Stream), []string{
		"retrieving manifest", "starting upload", "pushing manifest",
	})
}

func (h *Handlers) VersionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": OllamaServerVersion})
}

// --- /api/pull --------------------------------------------------------

type pullRequest struct {
	Model        string `json:"model"`
	Stream       *bool  `json:"stream,omitempty"`
	Quantization string `json:"quantization,omitempty"`
	Source       string `json:"source,omitempty"`
}

func (h *Handlers) PullHandler(c *gin.Context) {
	var req pullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProxyError(c, BadRequestf("invalid request body: %v", err))
		return
	}
	if req.Model == "" {
		writeProxyError(c, BadRequest("model is required"))
		return
	}
	h.logIO("/api/pull", req, nil, false)

	ctx := c.Request.Context()
	stream := req.Stream == nil || *req.Stream

	if !stream {
		resp, perr := h.pullForwarder.PullOnce(ctx, req.Model, req.Source, req.Quantization)
		if perr != nil {
			writeProxyError(c, perr)
			return
		}
		h.logIO("/api/pull", nil, resp, false)
		c.JSON(http.StatusOK, resp)
		return
	}

	h.logIO("/api/pull", nil, nil, true)
	c.Header("Content-Type", "application/x-ndjson; charset=utf-8")
	c.Writer.WriteHeader(http.StatusOK)
	_ = h.pullForwarder.PullStream(ctx, req.Model, req.Source, req.Quantization, func(chunk map[string]any) error {
		encoded, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		encoded = append(encoded, '\n')
		if _, err := c.Writer.Write(encoded); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
}

// --- /api/blobs/:digest -------------------------------------------------

func (h *Handlers) BlobsHeadHandler(c *gin.Context) {
	digest := c.Param("digest")
	exists, perr := h.blobStore.Exists(digest)
	if perr != nil {
		c.Status(perr.HTTPStatus())
		return
	}
	if exists {
		c.Status(http.StatusOK)
		return
	}
	c.Status(http.StatusNotFound)
}

func (h *Handlers) BlobsPostHandler(c *gin.Context) {
	digest := c.Param("digest")
	if perr := h.blobStore.Store(digest, c.Request.Body); perr != nil {
		writeProxyError(c, perr)
		return
	}
	c.Status(http.StatusCreated)
}

// --- / -------------------------------------------------------------------

func (h *Handlers) HeartbeatHandler(c *gin.Context) {
	c.String(http.StatusOK, "Ollama is running")
}

// --- /logs ------------------------------------------------------------

// LogsHandler returns the in-memory ring buffer of recent log lines.
func (h *Handlers) LogsHandler(c *gin.Context) {
	c.Header("Content-Type", "text/plain")
	_, _ = c.Writer.Write(h.logger.GetHistory())
}

// LogsStreamHandler tails the proxy's log output over a chunked HTTP
// response, replaying recent history first unless ?no-history is set.
func (h *Handlers) LogsStreamHandler(c *gin.Context) {
	c.Header("Content-Type", "text/plain")
	c.Header("Transfer-Encoding", "chunked")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeProxyError(c, Internal("streaming unsupported"))
		return
	}

	if _, skipHistory := c.GetQuery("no-history"); !skipHistory {
		if history := h.logger.GetHistory(); len(history) != 0 {
			c.Writer.Write(history)
			flusher.Flush()
		}
	}

	sendChan := make(chan []byte, 10)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	defer h.logger.OnLogData(func(data []byte) {
		select {
		case sendChan <- data:
		case <-ctx.Done():
		default:
		}
	})()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case data := <-sendChan:
			c.Writer.Write(data)
			flusher.Flush()
		}
	}
}

// --- passthrough ----------------------------------------------------------

var apiVersionedPrefix = regexp.MustCompile(`^/api/v\d+/`)

// IsPassthroughPath reports whether path should bypass the Ollama surface
// entirely and go through the raw passthrough forwarder.
func IsPassthroughPath(path string) bool {
	return strings.HasPrefix(path, "/v1/") || apiVersionedPrefix.MatchString(path)
}

func (h *Handlers) PassthroughHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeProxyError(c, Internalf("reading request body: %v", err))
		return
	}

	resp, perr := h.passthrough.Forward(c.Request.Context(), c.Request.Method, c.Request.URL.RequestURI(), c.Request.Header, body)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}
	if err := CopyPassthroughResponse(c.Writer, resp); err != nil {
		_ = err // body may already be partially written; nothing more to do
	}
}
