package proxy

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// OllamaMessage is one chat message in Ollama's wire format. Content is
// kept as raw JSON because it can be either a plain string or, once images
// have been injected, a content-part array.
type OllamaMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content,omitempty"`
	Images    []string        `json:"images,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// ContentString returns Content as a plain string when it is JSON-encoded
// as one (the common case before image injection).
func (m OllamaMessage) ContentString() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	return ""
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model     string          `json:"model"`
	Messages  []OllamaMessage `json:"messages"`
	Stream    *bool           `json:"stream,omitempty"`
	KeepAlive json.RawMessage `json:"keep_alive,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`
	Tools     json.RawMessage `json:"tools,omitempty"`
	Format    json.RawMessage `json:"format,omitempty"`
	Images    []string        `json:"images,omitempty"`
}

func (r ChatRequest) WantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model     string          `json:"model"`
	Prompt    string          `json:"prompt"`
	Stream    *bool           `json:"stream,omitempty"`
	KeepAlive json.RawMessage `json:"keep_alive,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`
	Format    json.RawMessage `json:"format,omitempty"`
	Images    []string        `json:"images,omitempty"`
	System    string          `json:"system,omitempty"`
	Template  string          `json:"template,omitempty"`
}

func (r GenerateRequest) WantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// EmbedRequest covers both POST /api/embed (modern, Input) and
// POST /api/embeddings (legacy, Prompt) since the two bodies only differ in
// which field carries the text.
type EmbedRequest struct {
	Model     string          `json:"model"`
	Input     json.RawMessage `json:"input,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`
	KeepAlive json.RawMessage `json:"keep_alive,omitempty"`
}

// InputValue returns whatever text/array was supplied, preferring `input`
// (the modern field) and falling back to the legacy `prompt` field.
func (r EmbedRequest) InputValue() (json.RawMessage, bool) {
	if len(r.Input) > 0 && string(r.Input) != "null" {
		return r.Input, true
	}
	if r.Prompt != "" {
		b, _ := json.Marshal(r.Prompt)
		return b, true
	}
	return nil, false
}

// ParseKeepAliveSeconds parses the Ollama keep_alive field, which may be a
// JSON number (seconds, positive or negative), a JSON null/absent (no
// opinion), or a string holding either an integer or a Go duration like
// "5m"/"1h30m". Returns (seconds, present, error).
func ParseKeepAliveSeconds(raw json.RawMessage) (int64, bool, *ProxyError) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}

	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if asNumber != float64(int64(asNumber)) {
			return 0, false, BadRequest("keep_alive must be integral")
		}
		return int64(asNumber), true, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		trimmed := strings.TrimSpace(asString)
		if trimmed == "" {
			return 0, false, nil
		}
		if d, err := time.ParseDuration(trimmed); err == nil {
			return int64(d.Seconds()), true, nil
		}
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return n, true, nil
		}
		return 0, false, BadRequest("invalid keep_alive value. Use numeric seconds or durations like '5m'")
	}

	return 0, false, BadRequest("invalid keep_alive value. Use numeric seconds or durations like '5m'")
}

// OllamaChatResponse is the response shape for /api/chat.
type OllamaChatResponse struct {
	Model              string        `json:"model"`
	CreatedAt          string        `json:"created_at"`
	Message            OllamaMessage `json:"message"`
	Done               bool          `json:"done"`
	DoneReason         string        `json:"done_reason,omitempty"`
	TotalDuration      int64         `json:"total_duration,omitempty"`
	LoadDuration       int64         `json:"load_duration,omitempty"`
	PromptEvalCount    int           `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64         `json:"prompt_eval_duration,omitempty"`
	EvalCount          int           `json:"eval_count,omitempty"`
	EvalDuration       int64         `json:"eval_duration,omitempty"`
}

// OllamaGenerateResponse is the response shape for /api/generate.
type OllamaGenerateResponse struct {
	Model              string `json:"model"`
	CreatedAt          string `json:"created_at"`
	Response           string `json:"response"`
	Done               bool   `json:"done"`
	DoneReason         string `json:"done_reason,omitempty"`
	Context            []int  `json:"context,omitempty"`
	TotalDuration      int64  `json:"total_duration,omitempty"`
	LoadDuration       int64  `json:"load_duration,omitempty"`
	PromptEvalCount    int    `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64  `json:"prompt_eval_duration,omitempty"`
	EvalCount          int    `json:"eval_count,omitempty"`
	EvalDuration       int64  `json:"eval_duration,omitempty"`
}

// OllamaEmbedResponse is the response for the modern /api/embed endpoint.
type OllamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// OllamaEmbeddingsResponse is the response for the legacy /api/embeddings endpoint.
type OllamaEmbeddingsResponse struct {
	Embedding []float64 `json:"embedding"`
}

const OllamaServerVersion = "0.13.0"
