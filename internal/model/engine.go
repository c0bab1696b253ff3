package model

import "time"

// Engine keys are stable identifiers for configured answer engines.
const (
	EngineOpenAI     = "OPENAI"
	EngineAnthropic  = "ANTHROPIC"
	EnginePerplexity = "PERPLEXITY"
	EngineGemini     = "GEMINI"
	EngineAIO        = "AIO"
)

// Engine is an upstream answer provider configured for a workspace.
type Engine struct {
	ID               string     `json:"id"`
	WorkspaceID      string     `json:"workspace_id"`
	Key              string     `json:"key"`
	Enabled          bool       `json:"enabled"`
	DailyBudgetCents int64      `json:"daily_budget_cents"`
	Timezone         string     `json:"timezone,omitempty"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	AvgLatencyMs     int64      `json:"avg_latency_ms"`
}

// Location returns the engine-local time zone, falling back to UTC when the
// configured zone is empty or unknown.
func (e Engine) Location() *time.Location {
	if e.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DayStart returns the start of the engine-local calendar day containing now.
func (e Engine) DayStart(now time.Time) time.Time {
	local := now.In(e.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

// NextAvgLatency folds a new latency sample into the rolling average.
func NextAvgLatency(prev, sample int64) int64 {
	if prev <= 0 {
		return sample
	}
	return (prev + sample) / 2
}
