package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const nativeModelsPath = "/api/v1/models"

// resolutionCacheEntry maps a canonical client model name to the backend id
// it last resolved to, evicted strictly by time-to-live.
type resolutionCacheEntry struct {
	backendID string
	expiresAt time.Time
}

// ModelResolver maps ClientModelName values to BackendModel ids, consulting
// a TTL cache, then a live backend snapshot matched by exact/substring/
// scoring rules. Virtual aliases are checked by its callers, not by it.
type ModelResolver struct {
	httpClient  *http.Client
	lmStudioURL string
	ttl         time.Duration

	mu    sync.Mutex
	cache map[string]resolutionCacheEntry
}

func NewModelResolver(client *http.Client, lmStudioURL string, ttl time.Duration) *ModelResolver {
	return &ModelResolver{
		httpClient:  client,
		lmStudioURL: strings.TrimRight(lmStudioURL, "/"),
		ttl:         ttl,
		cache:       make(map[string]resolutionCacheEntry),
	}
}

// Resolve returns the backend model id for name, consulting the TTL cache
// on a cache miss by fetching a fresh backend snapshot and scoring it.
// It does not consult the virtual-alias store; callers needing alias
// precedence should check the alias store first (see handlers.go).
func (r *ModelResolver) Resolve(ctx context.Context, name string) (string, *ProxyError) {
	canonical := CanonicalModelName(name)

	if id, ok := r.cacheGet(canonical); ok {
		return id, nil
	}

	models, err := r.GetAvailableModels(ctx)
	if err != nil {
		return "", err
	}

	match, perr := findBestMatch(canonical, models)
	if perr != nil {
		return "", perr
	}

	r.cacheSet(canonical, match.ID)
	return match.ID, nil
}

func (r *ModelResolver) cacheGet(canonical string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[canonical]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(r.cache, canonical)
		return "", false
	}
	return entry.backendID, true
}

func (r *ModelResolver) cacheSet(canonical, backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[canonical] = resolutionCacheEntry{
		backendID: backendID,
		expiresAt: time.Now().Add(r.ttl),
	}
}

// GetAvailableModels fetches the full backend model snapshot.
func (r *ModelResolver) GetAvailableModels(ctx context.Context) ([]BackendModel, *ProxyError) {
	url := r.lmStudioURL + nativeModelsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Internalf("building models request: %v", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, BackendUnavailable("LM Studio native API not available on this backend; upgrade LM Studio to 0.3.6+")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, Internalf("LM Studio models request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed nativeModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, Internalf("invalid models response: %v", err)
	}
	models := make([]BackendModel, 0, len(parsed.Models))
	for _, d := range parsed.Models {
		models = append(models, fromNativeModelData(d))
	}
	return models, nil
}

// GetLoadedModels filters GetAvailableModels down to currently-loaded models.
func (r *ModelResolver) GetLoadedModels(ctx context.Context) ([]BackendModel, *ProxyError) {
	all, err := r.GetAvailableModels(ctx)
	if err != nil {
		return nil, err
	}
	loaded := make([]BackendModel, 0, len(all))
	for _, m := range all {
		if m.IsLoaded {
			loaded = append(loaded, m)
		}
	}
	return loaded, nil
}

// findBestMatch implements the exact → substring → scoring match cascade.
func findBestMatch(canonical string, models []BackendModel) (BackendModel, *ProxyError) {
	lowerQuery := strings.ToLower(canonical)

	for _, m := range models {
		if strings.ToLower(m.ID) == lowerQuery {
			return m, nil
		}
	}

	for _, m := range models {
		lowerID := strings.ToLower(m.ID)
		if strings.Contains(lowerID, lowerQuery) {
			if len(lowerQuery) > len(lowerID)/2 || len(lowerQuery) > 10 {
				return m, nil
			}
		}
	}

	bestScore := 0
	bestIdx := -1
	for i, m := range models {
		score := calculateMatchScore(lowerQuery, m)
		if score > bestScore && score >= 3 {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx >= 0 {
		return models[bestIdx], nil
	}

	return BackendModel{}, NotFoundf("no backend model matches %q", canonical)
}

func splitIDParts(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune("-_:./ ", r)
	})
	out := parts[:0]
	for _, p := range parts {
		if len(p) > 1 {
			out = append(out, p)
		}
	}
	return out
}

// calculateMatchScore implements the resolver's scoring heuristic: part
// overlap, architecture/class correlation, loaded-model preference, and a
// prefix bonus.
func calculateMatchScore(lowerQuery string, m BackendModel) int {
	score := 0
	lowerID := strings.ToLower(m.ID)

	queryParts := splitIDParts(lowerQuery)
	idParts := splitIDParts(lowerID)

	for _, qp := range queryParts {
		for _, ip := range idParts {
			if qp == ip {
				score += len(qp) * 2
				continue
			}
			if strings.Contains(qp, ip) || strings.Contains(ip, qp) {
				score += min(len(qp), len(ip))
			}
		}
	}

	if strings.Contains(strings.ToLower(m.Arch), lowerQuery) {
		score += 5
	}

	switch m.ModelType {
	case "llm":
		if strings.Contains(lowerQuery, "chat") || strings.Contains(lowerQuery, "instruct") {
			score += 3
		}
	case "vlm":
		if strings.Contains(lowerQuery, "vision") || strings.Contains(lowerQuery, "llava") {
			score += 3
		}
	case "embeddings", "embedding":
		if strings.Contains(lowerQuery, "embed") {
			score += 3
		}
	}

	if m.IsLoaded {
		score += 2
	}

	if strings.HasPrefix(lowerID, lowerQuery) {
		score += len(lowerQuery)
	}

	return score
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
