package domain

import "time"

// AuditEventType enumerates journaled transitions.
type AuditEventType string

const (
	AuditCreated           AuditEventType = "created"
	AuditStepStarted       AuditEventType = "step_started"
	AuditStepCompleted     AuditEventType = "step_completed"
	AuditStepFailed        AuditEventType = "step_failed"
	AuditApprovalRequested AuditEventType = "approval_requested"
	AuditApprovalResolved  AuditEventType = "approval_resolved"
	AuditPaused            AuditEventType = "paused"
	AuditResumed           AuditEventType = "resumed"
	AuditAborted           AuditEventType = "aborted"
	AuditCompleted         AuditEventType = "completed"
)

// ActorSystem marks entries written by the engine itself.
const ActorSystem = "system"

// AuditEntry is an immutable journal record. Sequence is per run and starts at 1.
type AuditEntry struct {
	ID                  string         `json:"id"`
	RunID               string         `json:"run_id"`
	Sequence            int64          `json:"sequence"`
	Timestamp           time.Time      `json:"timestamp"`
	Actor               string         `json:"actor"`
	EventType           AuditEventType `json:"event_type"`
	Payload             Metadata       `json:"payload"`
	PrevIntegritySHA256 string         `json:"prev_integrity_sha256,omitempty"`
	IntegritySHA256     string         `json:"integrity_sha256"`
}

func (e AuditEntry) Clone() AuditEntry {
	out := e
	out.Payload = e.Payload.Clone()
	return out
}
