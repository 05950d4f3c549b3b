package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nullstream/ollama-lmstudio-proxy/event"
)

// StreamKind distinguishes the two NDJSON line shapes the engine emits.
type StreamKind int

const (
	StreamChat StreamKind = iota
	StreamGenerate
)

// StreamContext is the per-in-flight state the producer loop owns
// exclusively: the client-visible model name, start instant, running
// chunk count, last observed finish reason, and the chunk-recovery
// buffer.
type StreamContext struct {
	Kind        StreamKind
	ClientModel string
	Start       time.Time

	ChunkCount       int
	LastFinishReason string

	MaxBufferSize  int
	EnableRecovery bool
	IdleTimeout    time.Duration

	recoveryBuf bytes.Buffer
	content     strings.Builder
}

// lineWriter is the minimal surface the producer loop needs from the
// downstream connection: write one NDJSON line and flush it immediately,
// the same one-chunk-per-write contract an SSE/NDJSON body requires.
type lineWriter interface {
	WriteLine(line []byte) error
}

// sseDelta is the decoded shape of one backend SSE data line.
type sseDelta struct {
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Delta        *sseDeltaBody `json:"delta,omitempty"`
	Text         string        `json:"text,omitempty"`
	Message      *lmMessage    `json:"message,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

type sseDeltaBody struct {
	Content   json.RawMessage `json:"content,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

type deltaContentPart struct {
	Text string `json:"text"`
}

// deltaText concatenates delta.content (string or content-part array),
// delta.reasoning, and falls back to choices[0].text /
// choices[0].message.content when delta itself is absent.
func (c sseChoice) deltaText() (text string, toolCalls json.RawMessage, has bool) {
	if c.Delta != nil {
		var out strings.Builder
		if len(c.Delta.Content) > 0 {
			var asString string
			if err := json.Unmarshal(c.Delta.Content, &asString); err == nil {
				out.WriteString(asString)
			} else {
				var parts []deltaContentPart
				if err := json.Unmarshal(c.Delta.Content, &parts); err == nil {
					for _, p := range parts {
						out.WriteString(p.Text)
					}
				}
			}
		}
		out.WriteString(c.Delta.Reasoning)
		text = out.String()
		if len(c.Delta.ToolCalls) > 0 && string(c.Delta.ToolCalls) != "null" {
			toolCalls = c.Delta.ToolCalls
		}
		has = text != "" || toolCalls != nil
		return
	}
	if c.Text != "" {
		return c.Text, nil, true
	}
	if c.Message != nil && c.Message.Content != "" {
		return c.Message.Content, nil, true
	}
	return "", nil, false
}

// RunSSEStream consumes a backend SSE body and emits one NDJSON line per
// delta to w, plus exactly one terminal line. It returns nil once the
// terminal line has been written, regardless of why the stream ended;
// the only error it ever returns is an inability to write to w at all.
func RunSSEStream(ctx context.Context, body io.ReadCloser, w lineWriter, sc *StreamContext) error {
	defer body.Close()

	type readResult struct {
		line []byte
		err  error
	}
	// Buffered and select-gated on stopReading: once RunSSEStream returns
	// (cancellation, timeout, or a write failure) the reader goroutine
	// must not block forever trying to hand off its next line.
	lines := make(chan readResult, 1)
	stopReading := make(chan struct{})
	go func() {
		reader := bufio.NewReaderSize(body, maxInt(sc.MaxBufferSize, 4096))
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- readResult{line: line}:
				case <-stopReading:
					return
				}
			}
			if err != nil {
				select {
				case lines <- readResult{err: err}:
				case <-stopReading:
				}
				return
			}
		}
	}()
	defer close(stopReading)

	idleTimeout := sc.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}

	for {
		timer := time.NewTimer(idleTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return sc.emitTerminal(w, "cancelled", "the request was cancelled", nil)

		case res := <-lines:
			timer.Stop()
			if res.err != nil {
				if res.err == io.EOF {
					return sc.emitTerminal(w, "", "", nil)
				}
				return sc.emitTerminal(w, "", "", fmt.Errorf("reading backend stream: %w", res.err))
			}
			if done, emitErr := sc.handleLine(w, res.line); done || emitErr != nil {
				return emitErr
			}

		case <-timer.C:
			return sc.emitTerminal(w, "", "", fmt.Errorf("stream timeout: no data received for %s", idleTimeout))
		}
	}
}

// handleLine processes one raw line from the backend's byte stream. It
// returns done=true once the [DONE] marker has been reached; a non-nil
// error with done=false means writing a delta line to w failed.
func (sc *StreamContext) handleLine(w lineWriter, raw []byte) (done bool, terminalErr error) {
	line := bytes.TrimRight(raw, "\r\n")
	if len(line) == 0 {
		return false, nil
	}
	if !bytes.HasPrefix(line, []byte("data:")) {
		return false, nil
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 {
		return false, nil
	}
	if string(payload) == "[DONE]" {
		return true, sc.emitTerminal(w, "", "", nil)
	}

	var delta sseDelta
	if err := json.Unmarshal(payload, &delta); err != nil {
		recovered, ok := sc.recover(payload)
		if !ok {
			return false, nil
		}
		delta = recovered
	}

	if len(delta.Choices) == 0 {
		return false, nil
	}
	choice := delta.Choices[0]
	if choice.FinishReason != "" {
		sc.LastFinishReason = choice.FinishReason
	}

	text, toolCalls, has := choice.deltaText()
	if !has {
		return false, nil
	}
	sc.ChunkCount++
	sc.content.WriteString(text)

	return false, sc.emitChunk(w, text, toolCalls)
}

func (sc *StreamContext) emitChunk(w lineWriter, text string, toolCalls json.RawMessage) error {
	var line map[string]any
	switch sc.Kind {
	case StreamGenerate:
		line = map[string]any{
			"model":      sc.ClientModel,
			"created_at": time.Now().UTC().Format(time.RFC3339),
			"response":   text,
			"done":       false,
		}
	default:
		msg := map[string]any{"role": "assistant", "content": text}
		if len(toolCalls) > 0 {
			var tc any
			if err := json.Unmarshal(toolCalls, &tc); err == nil {
				msg["tool_calls"] = tc
			}
		}
		line = map[string]any{
			"model":      sc.ClientModel,
			"created_at": time.Now().UTC().Format(time.RFC3339),
			"message":    msg,
			"done":       false,
		}
	}
	return writeJSONLine(w, line)
}

// emitTerminal writes the single terminal NDJSON line. Exactly one of
// doneReason ("cancelled") or transportErr may be set; both unset means a
// normal end-of-stream.
func (sc *StreamContext) emitTerminal(w lineWriter, doneReason, detail string, transportErr error) error {
	if transportErr != nil {
		sc.tryRecoveryOnEnd()
		line := sc.terminalBase()
		line["error"] = terminalErrorMessage(transportErr)
		emitErr := writeJSONLine(w, line)
		sc.publishTerminated("error")
		return emitErr
	}

	sc.tryRecoveryOnEnd()
	line := sc.terminalBase()
	if doneReason == "cancelled" {
		line["done_reason"] = "cancelled"
		if sc.Kind == StreamGenerate {
			line["response"] = detail
		} else {
			line["message"] = map[string]any{"role": "assistant", "content": detail}
		}
	} else {
		reason := sc.LastFinishReason
		if reason == "" {
			reason = "stop"
		}
		line["done_reason"] = reason
	}
	emitErr := writeJSONLine(w, line)
	sc.publishTerminated(fmt.Sprint(line["done_reason"]))
	return emitErr
}

func (sc *StreamContext) publishTerminated(doneReason string) {
	event.Emit(StreamTerminatedEvent{
		Model:      sc.ClientModel,
		DoneReason: doneReason,
		ChunkCount: sc.ChunkCount,
	})
}

func (sc *StreamContext) terminalBase() map[string]any {
	t := synthesizeTiming(nil, nil, "", sc.content.String(), time.Since(sc.Start))
	// The streaming engine has no real token counts to fall back on;
	// chunk_count stands in as the output-token proxy SPEC_FULL §4.6
	// calls for.
	t.evalCount = maxInt(sc.ChunkCount, t.evalCount)

	line := map[string]any{
		"model":                sc.ClientModel,
		"created_at":           time.Now().UTC().Format(time.RFC3339),
		"done":                 true,
		"total_duration":       t.totalDuration,
		"load_duration":        int64(loadDurationNs),
		"prompt_eval_count":    t.promptEvalCount,
		"prompt_eval_duration": t.promptEvalDuration,
		"eval_count":           t.evalCount,
		"eval_duration":        t.evalDuration,
	}
	if sc.Kind == StreamGenerate {
		line["context"] = []int{}
	}
	return line
}

func terminalErrorMessage(err error) string {
	return err.Error()
}

func writeJSONLine(w lineWriter, v map[string]any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')
	return w.WriteLine(encoded)
}

// recover applies the configured chunk-recovery heuristics to a line that
// failed to parse as JSON. The brace/bracket slice heuristics always run;
// trailing-comma stripping and the bare-choices wrap only run when
// EnableRecovery is set (SPEC_FULL's "strict mode" Open Question).
func (sc *StreamContext) recover(payload []byte) (sseDelta, bool) {
	if d, ok := tryParseSliced(payload); ok {
		return d, true
	}
	if sc.EnableRecovery {
		if d, ok := tryParseStrippedCommas(payload); ok {
			return d, true
		}
		if d, ok := tryParseChoicesWrap(payload); ok {
			return d, true
		}
	}
	if sc.MaxBufferSize > 0 && sc.recoveryBuf.Len() < sc.MaxBufferSize {
		room := sc.MaxBufferSize - sc.recoveryBuf.Len()
		if room > len(payload) {
			room = len(payload)
		}
		sc.recoveryBuf.Write(payload[:room])
	}
	return sseDelta{}, false
}

// tryRecoveryOnEnd retries the same procedure once more against whatever
// was accumulated in the recovery buffer, per SPEC_FULL §4.6.
func (sc *StreamContext) tryRecoveryOnEnd() {
	if sc.recoveryBuf.Len() == 0 {
		return
	}
	payload := sc.recoveryBuf.Bytes()
	if d, ok := tryParseSliced(payload); ok {
		applyRecoveredDelta(sc, d)
		return
	}
	if sc.EnableRecovery {
		if d, ok := tryParseStrippedCommas(payload); ok {
			applyRecoveredDelta(sc, d)
			return
		}
		if d, ok := tryParseChoicesWrap(payload); ok {
			applyRecoveredDelta(sc, d)
			return
		}
	}
}

func applyRecoveredDelta(sc *StreamContext, d sseDelta) {
	if len(d.Choices) == 0 {
		return
	}
	if d.Choices[0].FinishReason != "" {
		sc.LastFinishReason = d.Choices[0].FinishReason
	}
	if text, _, has := d.Choices[0].deltaText(); has {
		sc.content.WriteString(text)
	}
}

func tryParseSliced(payload []byte) (sseDelta, bool) {
	if first := bytes.IndexByte(payload, '{'); first >= 0 {
		if last := bytes.LastIndexByte(payload, '}'); last > first {
			var d sseDelta
			if err := json.Unmarshal(payload[first:last+1], &d); err == nil {
				return d, true
			}
		}
	}
	if first := bytes.IndexByte(payload, '['); first >= 0 {
		if last := bytes.LastIndexByte(payload, ']'); last > first {
			var choices []sseChoice
			if err := json.Unmarshal(payload[first:last+1], &choices); err == nil {
				return sseDelta{Choices: choices}, true
			}
		}
	}
	return sseDelta{}, false
}

func tryParseStrippedCommas(payload []byte) (sseDelta, bool) {
	stripped := bytes.ReplaceAll(payload, []byte(",}"), []byte("}"))
	stripped = bytes.ReplaceAll(stripped, []byte(",]"), []byte("]"))
	var d sseDelta
	if err := json.Unmarshal(stripped, &d); err == nil {
		return d, true
	}
	return sseDelta{}, false
}

func tryParseChoicesWrap(payload []byte) (sseDelta, bool) {
	idx := bytes.Index(payload, []byte(`"choices":[`))
	if idx < 0 {
		return sseDelta{}, false
	}
	start := idx + len(`"choices":`)
	depth := 0
	end := -1
	for i := start; i < len(payload); i++ {
		switch payload[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return sseDelta{}, false
	}
	wrapped := append([]byte(`{"choices":`), payload[start:end+1]...)
	wrapped = append(wrapped, '}')
	var d sseDelta
	if err := json.Unmarshal(wrapped, &d); err == nil {
		return d, true
	}
	return sseDelta{}, false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
