package model

import (
	"encoding/json"
	"time"
)

// CacheEntry is a stored extraction bundle keyed by content fingerprint.
type CacheEntry struct {
	Key         string          `json:"key"`
	PromptID    string          `json:"prompt_id"`
	EngineKey   string          `json:"engine_key"`
	Payload     json.RawMessage `json:"payload"`
	Model       string          `json:"model,omitempty"`
	Confidence  float64         `json:"confidence"`
	ExtractedAt time.Time       `json:"extracted_at"`
}
