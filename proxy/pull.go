package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const (
	nativeDownloadPath       = "/api/v1/models/download"
	nativeDownloadStatusPath = "/api/v1/models/download/status/"
)

var remoteSchemes = []string{"http://", "https://", "hf://", "s3://", "gs://"}

func looksRemote(name string) bool {
	lower := strings.ToLower(name)
	for _, scheme := range remoteSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// PullForwarder translates an Ollama pull request into a backend download
// job and forwards its progress, per SPEC_FULL §4.10.
type PullForwarder struct {
	httpClient  *http.Client
	lmStudioURL string
	resolver    *ModelResolver
	aliasStore  *AliasStore
}

func NewPullForwarder(client *http.Client, lmStudioURL string, resolver *ModelResolver, aliasStore *AliasStore) *PullForwarder {
	return &PullForwarder{httpClient: client, lmStudioURL: strings.TrimRight(lmStudioURL, "/"), resolver: resolver, aliasStore: aliasStore}
}

// resolveDownloadSource implements the cascade: explicit `source`, a
// remote-looking requested name, an alias's download_source metadata, a
// remote-looking/namespaced resolved id, or a constructed
// publisher/id identifier. A name that matches no local model is treated
// as its own resolved id.
func (f *PullForwarder) resolveDownloadSource(ctx context.Context, requestedName, explicitSource string) (string, *ProxyError) {
	if explicitSource != "" {
		return explicitSource, nil
	}
	if looksRemote(requestedName) {
		return requestedName, nil
	}

	canonical := CanonicalModelName(requestedName)
	var resolvedID string
	if alias, ok := f.aliasStore.Get(canonical); ok {
		if src, ok := alias.Metadata.Parameters["download_source"].(string); ok && src != "" {
			return src, nil
		}
		resolvedID = alias.TargetID
	} else {
		id, perr := f.resolver.Resolve(ctx, requestedName)
		if perr != nil {
			if perr.Kind != KindNotFound {
				return "", perr
			}
			id = requestedName
		}
		resolvedID = id
	}

	if looksRemote(resolvedID) || (strings.Contains(resolvedID, "/") && !strings.Contains(resolvedID, " ")) {
		return resolvedID, nil
	}

	models, perr := f.resolver.GetAvailableModels(ctx)
	if perr != nil {
		return resolvedID, nil
	}
	for _, m := range models {
		if m.ID != resolvedID {
			continue
		}
		if m.Publisher == "lmstudio-community" || m.Publisher == "huggingface" {
			return "https://huggingface.co/" + m.Publisher + "/" + m.ID, nil
		}
		if m.Publisher != "" {
			return m.Publisher + "/" + m.ID, nil
		}
	}
	return resolvedID, nil
}

// initiateDownload POSTs the download request to the backend and returns
// its job id.
func (f *PullForwarder) initiateDownload(ctx context.Context, source, quantization string) (string, *ProxyError) {
	body := map[string]any{"model": source}
	if quantization != "" {
		body["quantization"] = quantization
	}
	encoded, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.lmStudioURL+nativeDownloadPath, bytes.NewReader(encoded))
	if err != nil {
		return "", Internalf("building download request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, doErr := f.httpClient.Do(req)
	if doErr != nil {
		return "", classifyTransportError(ctx, doErr)
	}
	defer resp.Body.Close()

	var status lmStudioDownloadStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", Internalf("invalid download response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := "LM Studio rejected the download request"
		if status.Error != nil {
			msg = *status.Error
		}
		return "", Internal(msg)
	}
	return status.jobID()
}

func (f *PullForwarder) pollStatus(ctx context.Context, jobID string) (lmStudioDownloadStatus, *ProxyError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.lmStudioURL+nativeDownloadStatusPath+jobID, nil)
	if err != nil {
		return lmStudioDownloadStatus{}, Internalf("building status request: %v", err)
	}
	resp, doErr := f.httpClient.Do(req)
	if doErr != nil {
		return lmStudioDownloadStatus{}, classifyTransportError(ctx, doErr)
	}
	defer resp.Body.Close()

	var status lmStudioDownloadStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return lmStudioDownloadStatus{}, Internalf("invalid status response: %v", err)
	}
	return status, nil
}

const pollInterval = 700 * time.Millisecond

// PullOnce drives a pull request to completion and returns the single
// terminal JSON response, for `stream:false` clients.
func (f *PullForwarder) PullOnce(ctx context.Context, requestedName, explicitSource, quantization string) (map[string]any, *ProxyError) {
	source, perr := f.resolveDownloadSource(ctx, requestedName, explicitSource)
	if perr != nil {
		return nil, perr
	}
	jobID, perr := f.initiateDownload(ctx, source, quantization)
	if perr != nil {
		return nil, perr
	}

	for {
		status, perr := f.pollStatus(ctx, jobID)
		if perr != nil {
			return nil, perr
		}
		if status.isTerminal() {
			return status.finalResponse(requestedName)
		}
		select {
		case <-ctx.Done():
			return nil, Cancelled()
		case <-time.After(pollInterval):
		}
	}
}

// PullStream drives a pull request to completion, invoking emit once per
// poll with a translated NDJSON progress line.
func (f *PullForwarder) PullStream(ctx context.Context, requestedName, explicitSource, quantization string, emit func(map[string]any) error) *ProxyError {
	source, perr := f.resolveDownloadSource(ctx, requestedName, explicitSource)
	if perr != nil {
		return perr
	}
	jobID, perr := f.initiateDownload(ctx, source, quantization)
	if perr != nil {
		return perr
	}

	for {
		status, perr := f.pollStatus(ctx, jobID)
		if perr != nil {
			_ = emit(map[string]any{"status": "failed", "model": requestedName, "error": perr.Message})
			return perr
		}
		chunk := status.toChunk(requestedName)
		if err := emit(chunk); err != nil {
			return Internalf("writing pull progress: %v", err)
		}
		if status.isTerminal() {
			if status.isFailure() {
				return nil
			}
			return nil
		}
		select {
		case <-ctx.Done():
			_ = emit(map[string]any{"status": "failed", "model": requestedName, "error": "request cancelled"})
			return Cancelled()
		case <-time.After(pollInterval):
		}
	}
}
