package domain

import (
	"strings"
	"time"
)

// RunStatus is the state of a ScenarioRun.
type RunStatus string

const (
	RunStatusQueued           RunStatus = "queued"
	RunStatusRunning          RunStatus = "running"
	RunStatusPaused           RunStatus = "paused"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCanceled         RunStatus = "canceled"
)

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// NormalizeRunStatus maps stored values to canonical statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch status := RunStatus(strings.ToLower(strings.TrimSpace(value))); status {
	case RunStatusQueued, RunStatusRunning, RunStatusPaused, RunStatusAwaitingApproval,
		RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return status
	case "cancelled", "aborted":
		return RunStatusCanceled
	default:
		return ""
	}
}

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:           {RunStatusRunning, RunStatusCanceled, RunStatusFailed},
	RunStatusRunning:          {RunStatusPaused, RunStatusAwaitingApproval, RunStatusCompleted, RunStatusFailed, RunStatusCanceled},
	RunStatusPaused:           {RunStatusRunning, RunStatusCanceled, RunStatusCompleted, RunStatusFailed},
	RunStatusAwaitingApproval: {RunStatusRunning, RunStatusFailed, RunStatusCanceled, RunStatusCompleted},
}

// CanTransitionRun enforces the run state machine. Staying in place is allowed.
func CanTransitionRun(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	for _, allowed := range runTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ErrorDetails is the last failure of a run.
type ErrorDetails struct {
	Code         Code   `json:"code"`
	Message      string `json:"message"`
	StepPosition int    `json:"step_position,omitempty"`
}

// ScenarioRun is one execution of a pinned playbook version.
type ScenarioRun struct {
	ID                  string        `json:"id"`
	PlaybookID          string        `json:"playbook_id"`
	PlaybookVersion     int           `json:"playbook_version"`
	Status              RunStatus     `json:"status"`
	CurrentStepPosition int           `json:"current_step_position"`
	Context             Metadata      `json:"context"`
	CreatedAt           time.Time     `json:"created_at"`
	CreatedBy           string        `json:"created_by,omitempty"`
	StartedAt           *time.Time    `json:"started_at,omitempty"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
	ResumeAfter         *time.Time    `json:"resume_after,omitempty"`
	AggregatedOutcome   Metadata      `json:"aggregated_outcome,omitempty"`
	ErrorDetails        *ErrorDetails `json:"error_details,omitempty"`
	TotalTokensUsed     int64         `json:"total_tokens_used"`
	Version             int64         `json:"version"`
}

// Due reports whether an advance at now may execute work.
func (r ScenarioRun) Due(now time.Time) bool {
	return r.ResumeAfter == nil || !now.Before(*r.ResumeAfter)
}

// EnsureRunIdentityImmutable rejects writes that would re-pin a run.
func EnsureRunIdentityImmutable(before, after ScenarioRun) error {
	if before.ID != after.ID {
		return ValidationErrorf("run id changed from %q to %q", before.ID, after.ID)
	}
	if before.PlaybookID != after.PlaybookID || before.PlaybookVersion != after.PlaybookVersion {
		return ValidationErrorf("run %s playbook pin is immutable", before.ID)
	}
	if !before.CreatedAt.Equal(after.CreatedAt) {
		return ValidationErrorf("run %s created_at is immutable", before.ID)
	}
	if before.Status.IsTerminal() && before.Status != after.Status {
		return InvalidTransitionError(before.Status, after.Status)
	}
	return nil
}

// Clone returns a copy that shares no maps or pointers with r.
func (r ScenarioRun) Clone() ScenarioRun {
	out := r
	out.Context = r.Context.Clone()
	if r.AggregatedOutcome != nil {
		out.AggregatedOutcome = r.AggregatedOutcome.Clone()
	}
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.ResumeAfter = cloneTime(r.ResumeAfter)
	if r.ErrorDetails != nil {
		details := *r.ErrorDetails
		out.ErrorDetails = &details
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
