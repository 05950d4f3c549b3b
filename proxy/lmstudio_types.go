package proxy

// BackendModel is the authoritative description of a model known to the LM
// Studio backend, as reported by its native model-listing endpoint.
type BackendModel struct {
	ID                string `json:"id"`
	ModelType         string `json:"model_type"` // "llm" | "vlm" | "embeddings"
	Publisher         string `json:"publisher"`
	Arch              string `json:"arch"`
	CompatibilityType string `json:"compatibility_type"`
	Quantization      string `json:"quantization"`
	State             string `json:"state"` // "loaded" | "not-loaded"
	MaxContextLength  int    `json:"max_context_length"`
	IsLoaded          bool   `json:"is_loaded"`
	SupportsVision    bool   `json:"supports_vision"`
	SupportsTools     bool   `json:"supports_tools"`
}

// Capabilities returns the capability set implied by ModelType, as
// reported by the `show` handler.
func (m BackendModel) Capabilities() []string {
	switch m.ModelType {
	case "vlm":
		caps := []string{"completion", "chat", "vision"}
		if m.SupportsTools {
			caps = append(caps, "tools")
		}
		return caps
	case "embeddings", "embedding":
		return []string{"embedding"}
	case "llm":
		caps := []string{"completion"}
		if m.SupportsVision {
			caps = append(caps, "vision")
		}
		if m.SupportsTools {
			caps = append(caps, "tools")
		}
		caps = append(caps, "chat")
		return caps
	default:
		caps := []string{"completion"}
		if m.SupportsVision {
			caps = append(caps, "vision")
		}
		if m.SupportsTools {
			caps = append(caps, "tools")
		}
		return caps
	}
}

// nativeModelsResponse is the envelope LM Studio's native model-listing
// endpoint (GET /api/v1/models) actually returns.
type nativeModelsResponse struct {
	Models []nativeModelData `json:"models"`
}

// nativeQuantization is the nested quantization descriptor LM Studio reports
// per model; only the display name is used downstream.
type nativeQuantization struct {
	Name string `json:"name"`
}

// nativeLoadedInstance is one running instance of a model. Its presence is
// what LM Studio uses to mean "loaded" — there is no separate boolean flag
// on the wire.
type nativeLoadedInstance struct {
	ID string `json:"id"`
}

type nativeCapabilities struct {
	Vision         bool `json:"vision"`
	TrainedForTool bool `json:"trained_for_tool_use"`
}

// nativeModelData is a single entry of LM Studio's native model-listing
// response. Several fields are optional on the wire (a model LM Studio
// hasn't fully indexed yet may omit architecture, format, or quantization),
// so they're modeled as pointers and defaulted during mapping.
type nativeModelData struct {
	Key              string                 `json:"key"`
	Type             string                 `json:"type"` // "llm" | "vlm" | "embeddings"
	Publisher        string                 `json:"publisher"`
	Architecture     *string                `json:"architecture"`
	Format           *string                `json:"format"`
	Quantization     *nativeQuantization    `json:"quantization"`
	MaxContextLength int                    `json:"max_context_length"`
	LoadedInstances  []nativeLoadedInstance `json:"loaded_instances"`
	Capabilities     *nativeCapabilities    `json:"capabilities"`
}

// fromNativeModelData maps one native model-listing entry onto the internal
// BackendModel shape, deriving the fields LM Studio doesn't report directly:
// IsLoaded/State come from whether any loaded_instances are present, and
// missing optional fields default to "unknown" rather than the zero string.
func fromNativeModelData(d nativeModelData) BackendModel {
	arch := "unknown"
	if d.Architecture != nil && *d.Architecture != "" {
		arch = *d.Architecture
	}

	compatibilityType := "unknown"
	if d.Format != nil && *d.Format != "" {
		compatibilityType = *d.Format
	}

	quantization := "unknown"
	if d.Quantization != nil && d.Quantization.Name != "" {
		quantization = d.Quantization.Name
	}

	isLoaded := len(d.LoadedInstances) > 0
	state := "not-loaded"
	if isLoaded {
		state = "loaded"
	}

	var supportsVision, supportsTools bool
	if d.Capabilities != nil {
		supportsVision = d.Capabilities.Vision
		supportsTools = d.Capabilities.TrainedForTool
	}

	return BackendModel{
		ID:                d.Key,
		ModelType:         d.Type,
		Publisher:         d.Publisher,
		Arch:              arch,
		CompatibilityType: compatibilityType,
		Quantization:      quantization,
		State:             state,
		MaxContextLength:  d.MaxContextLength,
		IsLoaded:          isLoaded,
		SupportsVision:    supportsVision,
		SupportsTools:     supportsTools,
	}
}

// lmStudioDownloadStatus mirrors LM Studio's native download-status payload.
type lmStudioDownloadStatus struct {
	JobID               *string  `json:"job_id"`
	Status              string   `json:"status"`
	TotalSizeBytes      *int64   `json:"total_size_bytes"`
	DownloadedBytes     *int64   `json:"downloaded_bytes"`
	BytesPerSecond      *float64 `json:"bytes_per_second"`
	EstimatedCompletion *string  `json:"estimated_completion"`
	StartedAt           *string  `json:"started_at"`
	CompletedAt         *string  `json:"completed_at"`
	Error               *string  `json:"error"`
}

func (s lmStudioDownloadStatus) translatedStatus() string {
	switch s.Status {
	case "completed", "already_downloaded":
		return "success"
	default:
		return s.Status
	}
}

func (s lmStudioDownloadStatus) isTerminal() bool {
	switch s.Status {
	case "completed", "already_downloaded", "failed":
		return true
	default:
		return false
	}
}

func (s lmStudioDownloadStatus) isFailure() bool {
	return s.Status == "failed"
}

// toChunk builds the NDJSON progress line this status translates to.
func (s lmStudioDownloadStatus) toChunk(model string) map[string]any {
	chunk := map[string]any{
		"status": s.translatedStatus(),
		"model":  model,
		"detail": s.Status,
	}
	if s.JobID != nil {
		chunk["job_id"] = *s.JobID
	}
	if s.TotalSizeBytes != nil {
		chunk["total"] = *s.TotalSizeBytes
	}
	if s.DownloadedBytes != nil {
		chunk["completed"] = *s.DownloadedBytes
	}
	if s.BytesPerSecond != nil {
		chunk["bytes_per_second"] = *s.BytesPerSecond
	}
	if s.EstimatedCompletion != nil {
		chunk["estimated_completion"] = *s.EstimatedCompletion
	}
	if s.StartedAt != nil {
		chunk["started_at"] = *s.StartedAt
	}
	if s.CompletedAt != nil {
		chunk["completed_at"] = *s.CompletedAt
	}
	if s.Error != nil {
		chunk["error"] = *s.Error
	}
	return chunk
}

// finalResponse builds the single-shot (stream:false) pull response.
func (s lmStudioDownloadStatus) finalResponse(model string) (map[string]any, *ProxyError) {
	switch s.Status {
	case "completed", "already_downloaded":
		resp := map[string]any{
			"status": "success",
			"model":  model,
			"detail": s.Status,
		}
		if s.JobID != nil {
			resp["job_id"] = *s.JobID
		}
		if s.TotalSizeBytes != nil {
			resp["total"] = *s.TotalSizeBytes
		}
		if s.DownloadedBytes != nil {
			resp["completed"] = *s.DownloadedBytes
		}
		if s.CompletedAt != nil {
			resp["completed_at"] = *s.CompletedAt
		}
		return resp, nil
	case "failed":
		msg := "LM Studio reported download failure"
		if s.Error != nil {
			msg = *s.Error
		}
		return nil, Internal(msg)
	default:
		return nil, Internalf("unexpected download status: %s", s.Status)
	}
}

func (s lmStudioDownloadStatus) jobID() (string, *ProxyError) {
	if s.JobID == nil {
		return "", Internal("LM Studio download response missing job identifier")
	}
	return *s.JobID, nil
}
