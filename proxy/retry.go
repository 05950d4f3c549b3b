package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// triggerChatPath is the backend endpoint the trigger request is sent to;
// it is the same OpenAI-compatible chat endpoint real requests use.
const triggerChatPath = "/v1/chat/completions"

// TriggerModelLoad issues a minimal chat completion against modelID, just
// to cause the backend to start loading it. A 2xx or 4xx response counts
// as "accepted" (the backend at least understood the request); anything
// else is a real failure.
func TriggerModelLoad(ctx context.Context, client *http.Client, baseURL, modelID string) *ProxyError {
	body := map[string]any{
		"model":      modelID,
		"messages":   []map[string]string{{"role": "user", "content": "ping"}},
		"max_tokens": 1,
		"stream":     false,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return Internalf("building trigger request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+triggerChatPath, bytes.NewReader(encoded))
	if err != nil {
		return Internalf("building trigger request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, doErr := client.Do(req)
	if doErr != nil {
		return classifyTransportError(ctx, doErr)
	}
	defer resp.Body.Close()

	if (resp.StatusCode >= 200 && resp.StatusCode < 300) || (resp.StatusCode >= 400 && resp.StatusCode < 500) {
		return nil
	}
	return Internalf("trigger request failed with status %d", resp.StatusCode)
}

// RetryWithTrigger hides a transient "model is still loading" failure
// behind at most one trigger-then-retry cycle. op is run once; if it fails
// with an error matching the loading-error classifier, a trigger request
// is sent, the caller waits loadTimeout subject to ctx cancellation, then
// op runs exactly once more. The retry's own result is returned on
// success; on a second failure the ORIGINAL error is returned, never the
// retry's.
func RetryWithTrigger[T any](ctx context.Context, client *http.Client, baseURL, modelID string, loadTimeout time.Duration, op func(ctx context.Context) (T, *ProxyError)) (T, *ProxyError) {
	result, err := op(ctx)
	if err == nil {
		return result, nil
	}
	if err.Kind == KindCancelled {
		return result, err
	}
	if err.Kind == KindBackendUnavailable {
		return result, err
	}
	if !IsModelLoadingError(err.Message) {
		return result, err
	}

	triggerErr := TriggerModelLoad(ctx, client, baseURL, modelID)
	if triggerErr != nil {
		if triggerErr.Kind == KindCancelled {
			return result, triggerErr
		}
		if triggerErr.Kind == KindBackendUnavailable {
			return result, triggerErr
		}
		// Trigger itself failed for some other reason; proceed without a
		// retry and surface the original error.
		return result, err
	}

	select {
	case <-ctx.Done():
		return result, Cancelled()
	case <-time.After(loadTimeout):
	}

	retryResult, retryErr := op(ctx)
	if retryErr != nil {
		return result, err
	}
	return retryResult, nil
}
