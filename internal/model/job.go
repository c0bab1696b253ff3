package model

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// PromptJob executes one prompt against one engine.
type PromptJob struct {
	WorkspaceID    string `json:"workspaceId" validate:"required"`
	PromptID       string `json:"promptId" validate:"required"`
	EngineKey      string `json:"engineKey" validate:"required"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
	UserID         string `json:"userId"`
	DemoRunID      string `json:"demoRunId,omitempty"`
}

// Validate checks required payload fields.
func (j PromptJob) Validate() error {
	return eris.Wrap(validate.Struct(j), "model: invalid prompt job")
}

// ClusterScanJob expands a prompt cluster into prompt jobs.
type ClusterScanJob struct {
	WorkspaceID          string   `json:"workspaceId" validate:"required"`
	ClusterID            string   `json:"clusterId" validate:"required"`
	EngineKeys           []string `json:"engineKeys" validate:"required,min=1,dive,required"`
	IdempotencyKey       string   `json:"idempotencyKey" validate:"required"`
	UserID               string   `json:"userId"`
	MaxPromptsPerCluster int      `json:"maxPromptsPerCluster,omitempty" validate:"gte=0"`
}

// Validate checks required payload fields.
func (j ClusterScanJob) Validate() error {
	return eris.Wrap(validate.Struct(j), "model: invalid cluster scan job")
}

// JobKind names the payload shape of a queued job.
type JobKind string

const (
	JobKindPrompt      JobKind = "prompt"
	JobKindClusterScan JobKind = "cluster_scan"
	JobKindUnknown     JobKind = ""
)

// DetectJobKind inspects a raw payload and reports which shape it has.
// A payload naming a cluster is a cluster scan; one naming a prompt is a
// prompt job.
func DetectJobKind(payload []byte) (JobKind, error) {
	var shape struct {
		ClusterID string `json:"clusterId"`
		PromptID  string `json:"promptId"`
	}
	if err := json.Unmarshal(payload, &shape); err != nil {
		return JobKindUnknown, eris.Wrap(err, "model: decode job payload")
	}
	switch {
	case shape.ClusterID != "":
		return JobKindClusterScan, nil
	case shape.PromptID != "":
		return JobKindPrompt, nil
	default:
		return JobKindUnknown, eris.New("model: payload is neither a prompt job nor a cluster scan")
	}
}

// QueueStatus is the lifecycle state of a queued job.
type QueueStatus string

const (
	QueueStatusQueued  QueueStatus = "queued"
	QueueStatusRunning QueueStatus = "running"
	QueueStatusDone    QueueStatus = "done"
	QueueStatusDead    QueueStatus = "dead"
)

// QueuedJob is a durable unit of work keyed by its idempotency key.
type QueuedJob struct {
	ID          string          `json:"id"`
	Key         string          `json:"key"`
	Kind        JobKind         `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      QueueStatus     `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
