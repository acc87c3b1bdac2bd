// Package models defines generation-job tracking for the resilient pipeline.
package models

import "time"

// JobStatus represents the lifecycle state of a generation job.
type JobStatus string

const (
	// JobStatusPending indicates the job was created but no attempt finished.
	JobStatusPending JobStatus = "pending"
	// JobStatusRetrying indicates at least one attempt failed and another is due.
	JobStatusRetrying JobStatus = "retrying"
	// JobStatusSucceeded indicates an artifact id was bound.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed indicates all attempts and the reconciliation check failed.
	JobStatusFailed JobStatus = "failed"
)

// ArtifactKind identifies which durable artifact a job produces.
type ArtifactKind string

const (
	ArtifactMealPlan     ArtifactKind = "meal_plan"
	ArtifactShoppingList ArtifactKind = "shopping_list"
)

// GenerationJob represents one attempt-series to produce a durable artifact
// for a conversation. The retry counter and status are owned exclusively by
// the pipeline instance handling the job.
type GenerationJob struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Kind           ArtifactKind `json:"kind"`
	ArtifactID     string       `json:"artifact_id,omitempty"`
	Status         JobStatus    `json:"status"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"last_error,omitempty"`
	Reconciled     bool         `json:"reconciled"` // success detected by post-failure re-check
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// IsTerminal reports whether the job reached a final status.
func (j *GenerationJob) IsTerminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

// BindArtifact marks the job succeeded with the given artifact id.
func (j *GenerationJob) BindArtifact(artifactID string, reconciled bool) {
	j.ArtifactID = artifactID
	j.Status = JobStatusSucceeded
	j.Reconciled = reconciled
	j.UpdatedAt = time.Now()
}

// MarkRetry records a failed attempt that will be retried.
func (j *GenerationJob) MarkRetry(err error) {
	j.Attempts++
	j.Status = JobStatusRetrying
	if err != nil {
		j.LastError = err.Error()
	}
	j.UpdatedAt = time.Now()
}

// MarkFailed records terminal failure after exhausted retries and a negative
// reconciliation check.
func (j *GenerationJob) MarkFailed(err error) {
	j.Status = JobStatusFailed
	if err != nil {
		j.LastError = err.Error()
	}
	j.UpdatedAt = time.Now()
}
