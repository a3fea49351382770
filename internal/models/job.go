package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// IsTerminal reports whether no further status transition is permitted.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Job types recognized by the orchestrator.
const (
	TypePRAnalysis          = "pr_analysis"
	TypeBranchAnalysis      = "branch_analysis"
	TypeRAGInitialIndex     = "rag_initial_index"
	TypeRAGIncrementalIndex = "rag_incremental_index"
	TypeIgnoredComment      = "ignored_comment"
	TypeCommandReview       = "command_review"
	TypeCommandDescribe     = "command_describe"
	TypeCommandAsk          = "command_ask"
)

// Trigger sources.
const (
	TriggerWebhook  = "webhook"
	TriggerAPI      = "api"
	TriggerPipeline = "pipeline"
)

// Log severity levels for JobLogEntry rows.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Job represents one unit of orchestrated analysis work persisted in Postgres.
type Job struct {
	ID               int64          `json:"-"`
	ExternalID       string         `json:"id"`
	ProjectID        int64          `json:"project_id"`
	Type             string         `json:"type"`
	Trigger          string         `json:"trigger"`
	Status           string         `json:"status"`
	Progress         int            `json:"progress"`
	Step             string         `json:"step,omitempty"`
	AnalysisResultID *int64         `json:"analysis_result_id,omitempty"`
	PRNumber         *int           `json:"pr_number,omitempty"`
	CommitHash       *string        `json:"commit_hash,omitempty"`
	Branch           *string        `json:"branch,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// JobLogEntry is a single audit line belonging to a Job. Sequence numbers are
// dense and strictly increasing per job, starting at 1.
type JobLogEntry struct {
	ID       int64          `json:"-"`
	JobID    int64          `json:"-"`
	Seq      int            `json:"seq"`
	Level    string         `json:"level"`
	Step     string         `json:"step,omitempty"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Recorded time.Time      `json:"recorded_at"`
}
