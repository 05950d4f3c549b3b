package proxy

import (
	"encoding/base64"
	"encoding/json"
)

// RequestKind distinguishes the three backend-shaped request families the
// translator can emit.
type RequestKind int

const (
	RequestChat RequestKind = iota
	RequestCompletion
	RequestEmbeddings
)

// contentPart is one entry of a chat message's content-part array, used
// once images are injected alongside text.
type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

// BuildChatBody builds the backend chat-completion JSON body from Ollama
// messages, merging in virtual-alias metadata per SPEC_FULL §4.3.
func BuildChatBody(messages []OllamaMessage, images []string, options map[string]any, toolsRaw json.RawMessage, formatRaw json.RawMessage, backendID string, stream bool, alias *VirtualAlias) (map[string]any, *ProxyError) {
	effectiveSystem, effectiveOptions, effectiveFormat := mergeAliasMetadata(options, formatRaw, alias)

	msgs := make([]map[string]any, 0, len(messages)+1)
	hasSystem := false
	for _, m := range messages {
		if m.Role == "system" {
			hasSystem = true
		}
	}
	if effectiveSystem != "" && !hasSystem {
		msgs = append(msgs, map[string]any{"role": "system", "content": effectiveSystem})
	}

	for i, m := range messages {
		entry := map[string]any{"role": m.Role}
		if len(images) > 0 && i == len(messages)-1 && m.Role == "user" {
			parts := []contentPart{{Type: "text", Text: m.ContentString()}}
			for _, img := range images {
				parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURLPart{URL: dataURL(img)}})
			}
			entry["content"] = parts
		} else if len(m.Content) > 0 {
			var raw any
			_ = json.Unmarshal(m.Content, &raw)
			entry["content"] = raw
		} else {
			entry["content"] = ""
		}
		if len(m.ToolCalls) > 0 {
			var tc any
			_ = json.Unmarshal(m.ToolCalls, &tc)
			entry["tool_calls"] = tc
		}
		msgs = append(msgs, entry)
	}

	body := map[string]any{
		"model":    backendID,
		"messages": msgs,
		"stream":   stream,
	}
	applyMappedOptions(body, effectiveOptions)
	if effectiveFormat != nil {
		body["response_format"] = effectiveFormat
	}
	if len(toolsRaw) > 0 && string(toolsRaw) != "null" && string(toolsRaw) != "[]" {
		var tools any
		if err := json.Unmarshal(toolsRaw, &tools); err == nil {
			body["tools"] = tools
		}
	}
	return body, nil
}

// BuildCompletionBody builds the backend text-completion JSON body. Used
// only when the client called /api/generate with no images.
func BuildCompletionBody(prompt string, options map[string]any, formatRaw json.RawMessage, backendID string, stream bool, alias *VirtualAlias) (map[string]any, *ProxyError) {
	effectiveSystem, effectiveOptions, effectiveFormat := mergeAliasMetadata(options, formatRaw, alias)

	effectivePrompt := prompt
	if effectiveSystem != "" {
		if prompt == "" {
			effectivePrompt = effectiveSystem
		} else {
			effectivePrompt = effectiveSystem + "\n\n" + prompt
		}
	}

	body := map[string]any{
		"model":  backendID,
		"prompt": effectivePrompt,
		"stream": stream,
	}
	applyMappedOptions(body, effectiveOptions)
	if effectiveFormat != nil {
		body["response_format"] = effectiveFormat
	}
	return body, nil
}

// BuildEmbeddingsBody builds the backend embeddings JSON body.
func BuildEmbeddingsBody(input json.RawMessage, backendID string) (map[string]any, *ProxyError) {
	var inputValue any
	if err := json.Unmarshal(input, &inputValue); err != nil {
		return nil, BadRequestf("invalid input: %v", err)
	}
	return map[string]any{
		"model": backendID,
		"input": inputValue,
	}, nil
}

// mergeAliasMetadata applies the precedence rule of SPEC_FULL §4.3: request
// options/format/system override the alias's, per key for options.
func mergeAliasMetadata(requestOptions map[string]any, requestFormat json.RawMessage, alias *VirtualAlias) (string, map[string]any, any) {
	merged := make(map[string]any)
	var system string

	if alias != nil {
		system = alias.Metadata.System
		for k, v := range alias.Metadata.Parameters {
			merged[k] = v
		}
	}
	for k, v := range requestOptions {
		merged[k] = v
	}
	if s, ok := merged["system"].(string); ok && s != "" {
		system = s
		delete(merged, "system")
	}

	var format any
	if len(requestFormat) > 0 && string(requestFormat) != "null" {
		format = convertFormat(requestFormat)
	} else if af, ok := merged["format"]; ok && af != nil {
		// alias format, if any, lives as a parameter bag entry.
		if raw, err := json.Marshal(af); err == nil {
			format = convertFormat(raw)
		}
	}
	delete(merged, "format")

	return system, merged, format
}

// convertFormat implements the `format` → `response_format` projection:
// the string "json"/"text" shorthand, or a JSON-schema object.
func convertFormat(raw json.RawMessage) any {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		switch asString {
		case "json":
			return map[string]any{"type": "json_object"}
		case "text":
			return map[string]any{"type": "text"}
		default:
			return nil
		}
	}

	var asObject map[string]any
	if err := json.Unmarshal(raw, &asObject); err == nil {
		// Already-wrapped forms are left as-is so re-applying this
		// projection is idempotent.
		if t, ok := asObject["type"]; ok {
			if ts, ok := t.(string); ok && (ts == "json_object" || ts == "text" || ts == "json_schema") {
				return asObject
			}
		}
		return map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "ollama_format",
				"strict": true,
				"schema": asObject,
			},
		}
	}
	return nil
}

// applyMappedOptions implements the Ollama-options → backend-parameter
// mapping table of SPEC_FULL §4.3, writing directly into body.
func applyMappedOptions(body map[string]any, options map[string]any) {
	passthrough := []string{"temperature", "top_p", "top_k", "seed", "stop", "truncate", "dimensions", "logit_bias"}
	for _, key := range passthrough {
		if v, ok := options[key]; ok && v != nil {
			body[key] = v
		}
	}

	maxTokens, hasMaxTokens := options["max_tokens"]
	if !hasMaxTokens || maxTokens == nil {
		maxTokens, hasMaxTokens = options["num_predict"]
	}
	if hasMaxTokens && maxTokens != nil {
		body["max_tokens"] = maxTokens
	}

	_, hasFreq := options["frequency_penalty"]
	_, hasPresence := options["presence_penalty"]
	if repeatPenalty, ok := options["repeat_penalty"]; ok && repeatPenalty != nil {
		if !hasFreq && !hasPresence {
			body["repeat_penalty"] = repeatPenalty
		} else if hasFreq || hasPresence {
			if !hasFreq {
				body["frequency_penalty"] = repeatPenalty
			}
		}
	}
	if v, ok := options["frequency_penalty"]; ok && v != nil {
		body["frequency_penalty"] = v
	}
	if v, ok := options["presence_penalty"]; ok && v != nil {
		body["presence_penalty"] = v
	}
}

// ApplyKeepAliveTTL appends the parsed keep_alive value to body as `ttl`,
// the mapping table's final step, done after all other parameters. A
// negative value means "keep loaded" and is forwarded as-is; absence
// leaves the backend's own default in effect.
func ApplyKeepAliveTTL(body map[string]any, seconds int64, present bool) {
	if !present {
		return
	}
	body["ttl"] = seconds
}

func dataURL(b64 string) string {
	// Ollama clients always send raw base64 (no data: prefix); guard
	// against a client that already sent a data URL.
	if len(b64) > 5 && b64[:5] == "data:" {
		return b64
	}
	if _, err := base64.StdEncoding.DecodeString(b64); err != nil {
		// Not valid standalone base64 either; forward verbatim and let
		// the backend reject it rather than silently mangling it.
		return b64
	}
	return "data:image/jpeg;base64," + b64
}
