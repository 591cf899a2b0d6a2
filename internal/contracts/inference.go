package contracts

import "time"

// ChatMessage is a single turn in an inference conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InferenceRequest asks the inference layer to run a model.
type InferenceRequest struct {
	Version          string        `json:"version"`
	RequestID        string        `json:"request_id"`
	Timestamp        time.Time     `json:"timestamp"`
	Source           string        `json:"source"`
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	KeepAliveSeconds int           `json:"keep_alive_seconds,omitempty"`
	Callback         string        `json:"callback,omitempty"`
}

// KeepAliveDuration returns the requested model residency, defaulting to 10m.
func (r *InferenceRequest) KeepAliveDuration() time.Duration {
	if r.KeepAliveSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(r.KeepAliveSeconds) * time.Second
}

// InferenceResponse carries the result of one inference request.
type InferenceResponse struct {
	Version          string    `json:"version"`
	RequestID        string    `json:"request_id"`
	Timestamp        time.Time `json:"timestamp"`
	Source           string    `json:"source"`
	Model            string    `json:"model"`
	Response         string    `json:"response,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	LoadDurationMs   int64     `json:"load_duration_ms,omitempty"`
	TotalDurationMs  int64     `json:"total_duration_ms,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// IsSuccess reports whether inference completed without error.
func (r *InferenceResponse) IsSuccess() bool { return r.Error == "" }

// NodeHealth is the per-worker record kept in the health registry.
type NodeHealth struct {
	NodeID      string    `json:"node_id"`
	CPUPercent  float64   `json:"cpu_percent"`
	RAMPercent  float64   `json:"ram_percent"`
	RAMUsedMB   int64     `json:"ram_used_mb"`
	RAMTotalMB  int64     `json:"ram_total_mb"`
	TempCelsius float64   `json:"temp_celsius"`
	Models      []string  `json:"models"`
	Available   bool      `json:"available"`
	LastSeen    time.Time `json:"last_seen"`
}

// HasModel reports whether the node has the model resident.
func (h *NodeHealth) HasModel(model string) bool {
	for _, m := range h.Models {
		if m == model {
			return true
		}
	}
	return false
}

// IsStale reports whether the record is older than maxAge.
func (h *NodeHealth) IsStale(maxAge time.Duration) bool {
	return time.Since(h.LastSeen) > maxAge
}
