package models

import "time"

// Lock types protecting a (project, branch) resource.
const (
	LockPRAnalysis     = "pr_analysis"
	LockBranchAnalysis = "branch_analysis"
	LockRAGIndex       = "rag_index"
)

// AnalysisLock is a mutual-exclusion token. At most one unexpired row may exist
// per (ProjectID, Branch, Type) tuple; the Key is unique per acquisition.
type AnalysisLock struct {
	ID         int64     `json:"-"`
	Key        string    `json:"key"`
	ProjectID  int64     `json:"project_id"`
	Branch     string    `json:"branch"`
	Type       string    `json:"type"`
	HolderID   string    `json:"holder_id"`
	CommitHash *string   `json:"commit_hash,omitempty"`
	PRNumber   *int      `json:"pr_number,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the lock's TTL has elapsed at the given instant.
func (l AnalysisLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// RateLimitWindow is a fixed wall-clock-aligned command counter for a project.
type RateLimitWindow struct {
	ProjectID   int64     `json:"project_id"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}
