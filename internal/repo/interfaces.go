package repo

import (
	"context"
	"time"

	"github.com/animus-labs/scenario-engine/internal/domain"
)

type PlaybookFilter struct {
	Name       string
	Category   string
	ActiveOnly bool
	Limit      int
}

type RunFilter struct {
	PlaybookID string
	Status     domain.RunStatus
	Limit      int
}

type ApprovalFilter struct {
	RunID       string
	PendingOnly bool
	Limit       int
}

// PlaybookRepository stores immutable playbook versions keyed by (id, version).
type PlaybookRepository interface {
	CreatePlaybook(ctx context.Context, playbook domain.PlaybookDefinition) error
	// GetPlaybook returns the requested version, or the latest when version is 0.
	GetPlaybook(ctx context.Context, id string, version int) (domain.PlaybookDefinition, error)
	// ListPlaybooks returns the latest version of every matching playbook.
	ListPlaybooks(ctx context.Context, filter PlaybookFilter) ([]domain.PlaybookDefinition, error)
	ListPlaybookVersions(ctx context.Context, id string) ([]domain.PlaybookDefinition, error)
	SetPlaybookActive(ctx context.Context, id string, active bool) error
}

// RunRepository manages run state with immutable identity.
// UpdateRun is a compare-and-swap on ScenarioRun.Version and returns
// ErrConflict when another writer got there first.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.ScenarioRun) error
	GetRun(ctx context.Context, id string) (domain.ScenarioRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.ScenarioRun, error)
	UpdateRun(ctx context.Context, run domain.ScenarioRun) (domain.ScenarioRun, error)

	// AcquireAdvanceLock takes the per-run advance lease or fails with ErrRunBusy.
	AcquireAdvanceLock(ctx context.Context, runID, owner string, now, leaseUntil time.Time) error
	ReleaseAdvanceLock(ctx context.Context, runID, owner string) error
	// ListDueRuns returns running runs whose not-before deadline passed and
	// that nobody currently holds.
	ListDueRuns(ctx context.Context, now time.Time, limit int) ([]domain.ScenarioRun, error)
}

// StepRecordRepository keeps one record per (run, step position).
type StepRecordRepository interface {
	// InsertStepRecord is idempotent on (run, position): when a record already
	// exists it is returned with created=false.
	InsertStepRecord(ctx context.Context, record domain.RunStepRecord) (domain.RunStepRecord, bool, error)
	GetStepRecord(ctx context.Context, runID string, position int) (domain.RunStepRecord, error)
	UpdateStepRecord(ctx context.Context, record domain.RunStepRecord) error
	ListStepRecords(ctx context.Context, runID string) ([]domain.RunStepRecord, error)
}

// ApprovalRepository keeps at most one request per (run, step position).
type ApprovalRepository interface {
	InsertApproval(ctx context.Context, request domain.ApprovalRequest) (domain.ApprovalRequest, bool, error)
	GetApproval(ctx context.Context, id string) (domain.ApprovalRequest, error)
	GetApprovalByStep(ctx context.Context, runID string, position int) (domain.ApprovalRequest, error)
	// ResolveApproval records a resolution on a pending request. A request
	// that is already resolved yields ErrConflict.
	ResolveApproval(ctx context.Context, request domain.ApprovalRequest) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]domain.ApprovalRequest, error)
}

// AuditRepository is append-only; (run, sequence) is unique.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
	LastAudit(ctx context.Context, runID string) (domain.AuditEntry, error)
	ListAudit(ctx context.Context, runID string) ([]domain.AuditEntry, error)
}

// Stores groups the repositories bound to one connection or transaction.
type Stores struct {
	Playbooks PlaybookRepository
	Runs      RunRepository
	Steps     StepRecordRepository
	Approvals ApprovalRepository
	Audit     AuditRepository
}

// UnitOfWork runs fn against transaction-bound stores. Every write made
// through those stores commits together or not at all.
type UnitOfWork interface {
	Atomically(ctx context.Context, fn func(Stores) error) error
}

// Store is a storage backend.
type Store interface {
	UnitOfWork
	Stores() Stores
}
