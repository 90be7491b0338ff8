package domain

import (
	"fmt"
	"time"
)

// StepStatus is the state of a RunStepRecord.
type StepStatus string

const (
	StepStatusPending          StepStatus = "pending"
	StepStatusRunning          StepStatus = "running"
	StepStatusAwaitingApproval StepStatus = "awaiting_approval"
	StepStatusCompleted        StepStatus = "completed"
	StepStatusFailed           StepStatus = "failed"
	StepStatusSkipped          StepStatus = "skipped"
)

// IsActive reports the statuses of which a run may hold at most one.
func (s StepStatus) IsActive() bool {
	return s == StepStatusRunning || s == StepStatusAwaitingApproval
}

func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// RunStepRecord tracks one step position of a run across its attempts.
type RunStepRecord struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	StepPosition   int        `json:"step_position"`
	StepID         string     `json:"step_id,omitempty"`
	StepType       StepType   `json:"step_type"`
	Status         StepStatus `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Result         Metadata   `json:"result,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      string     `json:"last_error,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// IdempotencyKey derives the key handed to executors for one attempt.
func IdempotencyKey(runID string, position, attempt int) string {
	return fmt.Sprintf("%s:%d:%d", runID, position, attempt)
}

func (r RunStepRecord) Clone() RunStepRecord {
	out := r
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	if r.Result != nil {
		out.Result = r.Result.Clone()
	}
	return out
}
