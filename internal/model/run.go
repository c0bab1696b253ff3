// Package model defines the domain types shared by the router, extraction
// engine, cache, orchestrator and store.
package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a prompt run.
type RunStatus string

const (
	RunStatusPending RunStatus = "PENDING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// PromptRun is one attempt to execute one prompt against one engine.
type PromptRun struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspace_id"`
	PromptID       string     `json:"prompt_id"`
	EngineKey      string     `json:"engine_key"`
	IdempotencyKey string     `json:"idempotency_key"`
	BatchID        string     `json:"batch_id,omitempty"`
	Status         RunStatus  `json:"status"`
	CostCents      int64      `json:"cost_cents"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// RunCompletion is the single terminal write applied to a PromptRun.
type RunCompletion struct {
	Status     RunStatus
	CostCents  int64
	FinishedAt time.Time
	Error      string
}

// Answer is the raw response tied to a successful PromptRun.
type Answer struct {
	ID          string          `json:"id"`
	PromptRunID string          `json:"prompt_run_id"`
	RawText     string          `json:"raw_text"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Mention is one detected brand reference inside an Answer.
type Mention struct {
	ID        string    `json:"id"`
	AnswerID  string    `json:"answer_id"`
	Brand     string    `json:"brand"`
	Position  int       `json:"position"`
	Sentiment Sentiment `json:"sentiment"`
	Snippet   string    `json:"snippet"`
}

// Citation is one detected source reference inside an Answer.
type Citation struct {
	ID         string  `json:"id"`
	AnswerID   string  `json:"answer_id"`
	URL        string  `json:"url"`
	Domain     string  `json:"domain"`
	Rank       int     `json:"rank"`
	Confidence float64 `json:"confidence"`
}

// RunStats aggregates prompt runs started inside a window.
type RunStats struct {
	Total     int   `json:"total"`
	Success   int   `json:"success"`
	Failed    int   `json:"failed"`
	Pending   int   `json:"pending"`
	CostCents int64 `json:"cost_cents"`
}
