package proxy

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// lmChatCompletionResponse is the backend's OpenAI-compatible
// chat-completion response shape.
type lmChatCompletionResponse struct {
	Choices []lmChoice `json:"choices"`
	Usage   *lmUsage   `json:"usage,omitempty"`
	Stats   *lmStats   `json:"stats,omitempty"`
}

type lmChoice struct {
	Message      *lmMessage `json:"message,omitempty"`
	Text         string     `json:"text,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

type lmMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Reasoning string          `json:"reasoning,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

type lmUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// lmStats is LM Studio's native per-response timing block, present only
// when the backend supports it; its absence triggers the fallback
// estimation path.
type lmStats struct {
	GenerationTime   float64 `json:"generation_time"`
	TimeToFirstToken float64 `json:"time_to_first_token"`
}

type lmEmbeddingsResponse struct {
	Data []lmEmbeddingDatum `json:"data"`
}

type lmEmbeddingDatum struct {
	Embedding []float64 `json:"embedding"`
}

const loadDurationNs = 1_000_000

func estimateTokens(text string) int {
	n := int(math.Ceil(float64(len(text)) * 0.25))
	if n < 1 {
		n = 1
	}
	return n
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// timing holds the synthesized duration/count fields every Ollama
// response carries.
type timing struct {
	totalDuration      int64
	promptEvalDuration int64
	evalDuration       int64
	promptEvalCount    int
	evalCount          int
}

// synthesizeTiming implements SPEC_FULL §4.5's two timing paths: from
// native `stats` when present, otherwise estimated from elapsed wall time
// and token counts (real or estimated from text length).
func synthesizeTiming(stats *lmStats, usage *lmUsage, promptText, completionText string, elapsed time.Duration) timing {
	var t timing

	if usage != nil {
		t.promptEvalCount = usage.PromptTokens
		t.evalCount = usage.CompletionTokens
	} else {
		t.promptEvalCount = estimateTokens(promptText)
		t.evalCount = estimateTokens(completionText)
	}

	if stats != nil {
		genNs := int64(stats.GenerationTime * 1e9)
		ttftNs := int64(stats.TimeToFirstToken * 1e9)
		t.promptEvalDuration = max64(ttftNs, 1)
		t.evalDuration = max64(genNs-ttftNs, 1)
		t.totalDuration = max64(genNs, t.promptEvalDuration+t.evalDuration)
		return t
	}

	total := elapsed.Nanoseconds()
	p, e := t.promptEvalCount, t.evalCount
	if p+e > 0 {
		t.promptEvalDuration = int64(float64(total) * float64(p) / float64(p+e))
	} else {
		t.promptEvalDuration = total / 4
	}
	t.evalDuration = total - t.promptEvalDuration
	t.totalDuration = total
	return t
}

func extractChatContent(resp lmChatCompletionResponse) (content string, toolCalls json.RawMessage) {
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", nil
	}
	msg := resp.Choices[0].Message
	content = msg.Content
	if msg.Reasoning != "" {
		content = fmt.Sprintf("**Reasoning:**\n%s\n\n**Answer:**\n%s", msg.Reasoning, msg.Content)
	}
	if len(msg.ToolCalls) > 0 && string(msg.ToolCalls) != "null" && string(msg.ToolCalls) != "[]" {
		toolCalls = msg.ToolCalls
	}
	return content, toolCalls
}

func extractCompletionContent(resp lmChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	if resp.Choices[0].Text != "" {
		return resp.Choices[0].Text
	}
	if resp.Choices[0].Message != nil {
		return resp.Choices[0].Message.Content
	}
	return ""
}

func finishReasonOf(resp lmChatCompletionResponse) string {
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason != "" {
		return resp.Choices[0].FinishReason
	}
	return "stop"
}

// ConvertChatResponse fabricates an Ollama chat response from the
// backend's raw JSON body.
func ConvertChatResponse(raw []byte, clientModel, promptText string, start time.Time) (*OllamaChatResponse, *ProxyError) {
	var parsed lmChatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, Internalf("invalid chat completion response: %v", err)
	}

	content, toolCalls := extractChatContent(parsed)
	t := synthesizeTiming(parsed.Stats, parsed.Usage, promptText, content, time.Since(start))

	msg := OllamaMessage{Role: "assistant"}
	contentJSON, _ := json.Marshal(content)
	msg.Content = contentJSON
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}

	return &OllamaChatResponse{
		Model:              clientModel,
		CreatedAt:          time.Now().UTC().Format(time.RFC3339),
		Message:            msg,
		Done:               true,
		DoneReason:         finishReasonOf(parsed),
		TotalDuration:      t.totalDuration,
		LoadDuration:       loadDurationNs,
		PromptEvalCount:    t.promptEvalCount,
		PromptEvalDuration: t.promptEvalDuration,
		EvalCount:          t.evalCount,
		EvalDuration:       t.evalDuration,
	}, nil
}

// ConvertGenerateResponse fabricates an Ollama generate response.
func ConvertGenerateResponse(raw []byte, clientModel, promptText string, start time.Time) (*OllamaGenerateResponse, *ProxyError) {
	var parsed lmChatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, Internalf("invalid completion response: %v", err)
	}

	content := extractCompletionContent(parsed)
	t := synthesizeTiming(parsed.Stats, parsed.Usage, promptText, content, time.Since(start))

	return &OllamaGenerateResponse{
		Model:              clientModel,
		CreatedAt:          time.Now().UTC().Format(time.RFC3339),
		Response:           content,
		Done:               true,
		DoneReason:         finishReasonOf(parsed),
		Context:            []int{},
		TotalDuration:      t.totalDuration,
		LoadDuration:       loadDurationNs,
		PromptEvalCount:    t.promptEvalCount,
		PromptEvalDuration: t.promptEvalDuration,
		EvalCount:          t.evalCount,
		EvalDuration:       t.evalDuration,
	}, nil
}

// ConvertEmbedResponse fabricates the modern /api/embed response: one
// vector per input item.
func ConvertEmbedResponse(raw []byte, clientModel string) (*OllamaEmbedResponse, *ProxyError) {
	var parsed lmEmbeddingsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, Internalf("invalid embeddings response: %v", err)
	}
	out := make([][]float64, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		out = append(out, d.Embedding)
	}
	return &OllamaEmbedResponse{Model: clientModel, Embeddings: out}, nil
}

// ConvertEmbeddingsResponse fabricates the legacy /api/embeddings
// response: first vector only.
func ConvertEmbeddingsResponse(raw []byte) (*OllamaEmbeddingsResponse, *ProxyError) {
	var parsed lmEmbeddingsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, Internalf("invalid embeddings response: %v", err)
	}
	if len(parsed.Data) == 0 {
		return &OllamaEmbeddingsResponse{Embedding: []float64{}}, nil
	}
	return &OllamaEmbeddingsResponse{Embedding: parsed.Data[0].Embedding}, nil
}

// BackendErrorMessage extracts a human-readable message from a
// non-2xx backend JSON body, falling back to a generic message that
// includes the status code.
func BackendErrorMessage(status int, body []byte) string {
	var withObject struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &withObject); err == nil && withObject.Error.Message != "" {
		return withObject.Error.Message
	}

	var withString struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &withString); err == nil && withString.Error != "" {
		return withString.Error
	}

	return fmt.Sprintf("LM Studio request failed with status %d", status)
}
