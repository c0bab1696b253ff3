package model

import "time"

// Workspace carries the brand profile used to decide which mentions matter.
type Workspace struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	BrandName    string   `json:"brand_name"`
	BrandDomain  string   `json:"brand_domain"`
	BrandAliases []string `json:"brand_aliases,omitempty"`
}

// Prompt is a natural-language question tracked for a workspace.
type Prompt struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ClusterID   string    `json:"cluster_id,omitempty"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Cluster groups prompt texts that are scanned together.
type Cluster struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspace_id"`
	Name        string   `json:"name"`
	PromptTexts []string `json:"prompt_texts"`
}

// BatchKind distinguishes transient batch contexts.
type BatchKind string

const (
	BatchKindDemo        BatchKind = "demo"
	BatchKindClusterScan BatchKind = "cluster_scan"
)

// BatchStatus is the aggregate status of a batch of prompt runs.
type BatchStatus string

const (
	BatchStatusRunning          BatchStatus = "running"
	BatchStatusAnalysisComplete BatchStatus = "analysis_complete"
	BatchStatusAnalysisFailed   BatchStatus = "analysis_failed"
)

// Batch tracks progress across sibling prompt runs (a demo run or an
// expanded cluster scan).
type Batch struct {
	ID            string      `json:"id"`
	WorkspaceID   string      `json:"workspace_id"`
	Kind          BatchKind   `json:"kind"`
	BrandName     string      `json:"brand_name,omitempty"`
	BrandDomain   string      `json:"brand_domain,omitempty"`
	TotalJobs     int         `json:"total_jobs"`
	CompletedJobs int         `json:"completed_jobs"`
	FailedJobs    int         `json:"failed_jobs"`
	Progress      int         `json:"progress"`
	Status        BatchStatus `json:"status"`
}

// Done reports whether every job in the batch reached a terminal state.
func (b Batch) Done() bool {
	return b.TotalJobs > 0 && b.CompletedJobs+b.FailedJobs >= b.TotalJobs
}

// Fact is one verified statement about the workspace's brand.
type Fact struct {
	Topic    string   `json:"topic"`
	Value    string   `json:"value"`
	Keywords []string `json:"keywords"`
}

// KnowledgeProfile holds the facts an answer is checked against.
type KnowledgeProfile struct {
	WorkspaceID string `json:"workspace_id"`
	Facts       []Fact `json:"facts"`
}

// Hallucination flags an answer sentence contradicting a known fact.
type Hallucination struct {
	ID          string `json:"id"`
	AnswerID    string `json:"answer_id"`
	WorkspaceID string `json:"workspace_id"`
	Topic       string `json:"topic"`
	Expected    string `json:"expected"`
	Snippet     string `json:"snippet"`
}
