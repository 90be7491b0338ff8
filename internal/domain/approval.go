package domain

import (
	"strings"
	"time"
)

// Resolution is the outcome of an approval request.
type Resolution string

const (
	ResolutionApprove Resolution = "approve"
	ResolutionReject  Resolution = "reject"
	ResolutionSkip    Resolution = "skip"
)

func ParseResolution(value string) (Resolution, bool) {
	switch r := Resolution(strings.ToLower(strings.TrimSpace(value))); r {
	case ResolutionApprove, ResolutionReject, ResolutionSkip:
		return r, true
	case "approved":
		return ResolutionApprove, true
	case "rejected":
		return ResolutionReject, true
	case "skipped":
		return ResolutionSkip, true
	default:
		return "", false
	}
}

// ApprovalRequest gates one step position of a run.
type ApprovalRequest struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	StepPosition int        `json:"step_position"`
	RequestedAt  time.Time  `json:"requested_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Resolution   Resolution `json:"resolution,omitempty"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

func (a ApprovalRequest) IsPending() bool {
	return a.Resolution == ""
}

func (a ApprovalRequest) Clone() ApprovalRequest {
	out := a
	out.ResolvedAt = cloneTime(a.ResolvedAt)
	return out
}
