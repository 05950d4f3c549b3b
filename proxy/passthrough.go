package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// hopByHopHeaders are stripped before forwarding a passthrough request or
// response, the same header set any reverse proxy must not copy verbatim.
var hopByHopHeaders = []string{"Host", "Content-Length", "Transfer-Encoding", "Connection"}

// PassthroughForwarder forwards requests under /v1/** and /api/v<N>/**
// to the backend unchanged, except for rewriting the `model` field via
// the resolver.
type PassthroughForwarder struct {
	httpClient  *http.Client
	lmStudioURL string
	resolver    *ModelResolver
	aliasStore  *AliasStore
}

func NewPassthroughForwarder(client *http.Client, lmStudioURL string, resolver *ModelResolver, aliasStore *AliasStore) *PassthroughForwarder {
	return &PassthroughForwarder{httpClient: client, lmStudioURL: strings.TrimRight(lmStudioURL, "/"), resolver: resolver, aliasStore: aliasStore}
}

// looksLikeJSON recognizes a JSON body by Content-Type or, failing that,
// by its first non-whitespace byte.
func looksLikeJSON(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "json") {
		return true
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// rewriteModelField resolves and replaces the top-level "model" field of a
// JSON body, passing the body through untouched if "model" is absent or
// doesn't resolve (the backend's own endpoints can reject that).
func (f *PassthroughForwarder) rewriteModelField(ctx context.Context, body []byte) []byte {
	modelField := gjson.GetBytes(body, "model")
	if !modelField.Exists() || modelField.String() == "" {
		return body
	}

	canonical := CanonicalModelName(modelField.String())
	if alias, ok := f.aliasStore.Get(canonical); ok {
		if out, err := sjson.SetBytes(body, "model", alias.TargetID); err == nil {
			return out
		}
		return body
	}

	backendID, perr := f.resolver.Resolve(ctx, modelField.String())
	if perr != nil {
		return body
	}
	out, err := sjson.SetBytes(body, "model", backendID)
	if err != nil {
		return body
	}
	return out
}

// Forward builds and issues the rewritten outbound request; the caller is
// responsible for copying the response back to the client (streaming
// responses are piped frame-by-frame, not buffered here).
func (f *PassthroughForwarder) Forward(ctx context.Context, method, path string, headers http.Header, body []byte) (*http.Response, *ProxyError) {
	contentType := headers.Get("Content-Type")
	outBody := body
	if looksLikeJSON(contentType, body) {
		outBody = f.rewriteModelField(ctx, body)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.lmStudioURL+path, bytes.NewReader(outBody))
	if err != nil {
		return nil, Internalf("building passthrough request: %v", err)
	}
	for k, vals := range headers {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.ContentLength = int64(len(outBody))

	resp, doErr := f.httpClient.Do(req)
	if doErr != nil {
		return nil, classifyTransportError(ctx, doErr)
	}
	return resp, nil
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// CopyPassthroughResponse writes resp back to the client: SSE bodies are
// piped frame by frame, and everything else, JSON included, is piped
// byte-for-byte; response bodies are not parsed or re-serialized.
func CopyPassthroughResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if flusher, ok := w.(http.Flusher); ok && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return werr
				}
				flusher.Flush()
			}
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
	}

	_, err := io.Copy(w, resp.Body)
	return err
}
