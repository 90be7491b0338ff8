package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/repo"
)

var (
	_ repo.Store                = (*Store)(nil)
	_ repo.PlaybookRepository   = view{}
	_ repo.RunRepository        = view{}
	_ repo.StepRecordRepository = view{}
	_ repo.ApprovalRepository   = view{}
	_ repo.AuditRepository      = view{}
)

type playbookKey struct {
	id      string
	version int
}

type stepKey struct {
	runID    string
	position int
}

type runRow struct {
	run        domain.ScenarioRun
	leaseOwner string
	leaseUntil time.Time
}

// Store is an in-memory backend. Safe for concurrent access. Intended for
// tests and single-process development.
type Store struct {
	mu sync.Mutex

	playbooks map[playbookKey]domain.PlaybookDefinition
	runs      map[string]runRow
	steps     map[stepKey]domain.RunStepRecord
	approvals map[string]domain.ApprovalRequest
	audit     map[string][]domain.AuditEntry
}

func New() *Store {
	return &Store{
		playbooks: make(map[playbookKey]domain.PlaybookDefinition),
		runs:      make(map[string]runRow),
		steps:     make(map[stepKey]domain.RunStepRecord),
		approvals: make(map[string]domain.ApprovalRequest),
		audit:     make(map[string][]domain.AuditEntry),
	}
}

// Ping always succeeds for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Stores() repo.Stores {
	return view{s: s}.stores()
}

// Atomically serializes fn against every other store access and restores
// the previous state when fn fails or panics.
func (s *Store) Atomically(ctx context.Context, fn func(repo.Stores) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	defer func() {
		if p := recover(); p != nil {
			s.restore(snap)
			panic(p)
		}
		if err != nil {
			s.restore(snap)
		}
	}()
	return fn(view{s: s, held: true}.stores())
}

type snapshot struct {
	playbooks map[playbookKey]domain.PlaybookDefinition
	runs      map[string]runRow
	steps     map[stepKey]domain.RunStepRecord
	approvals map[string]domain.ApprovalRequest
	audit     map[string][]domain.AuditEntry
}

// Stored values are never mutated in place, so copying the maps is enough.
func (s *Store) snapshot() snapshot {
	snap := snapshot{
		playbooks: make(map[playbookKey]domain.PlaybookDefinition, len(s.playbooks)),
		runs:      make(map[string]runRow, len(s.runs)),
		steps:     make(map[stepKey]domain.RunStepRecord, len(s.steps)),
		approvals: make(map[string]domain.ApprovalRequest, len(s.approvals)),
		audit:     make(map[string][]domain.AuditEntry, len(s.audit)),
	}
	for k, v := range s.playbooks {
		snap.playbooks[k] = v
	}
	for k, v := range s.runs {
		snap.runs[k] = v
	}
	for k, v := range s.steps {
		snap.steps[k] = v
	}
	for k, v := range s.approvals {
		snap.approvals[k] = v
	}
	for k, v := range s.audit {
		snap.audit[k] = v[:len(v):len(v)]
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.playbooks = snap.playbooks
	s.runs = snap.runs
	s.steps = snap.steps
	s.approvals = snap.approvals
	s.audit = snap.audit
}

// view implements every repository. held is set inside Atomically where the
// store lock is already taken.
type view struct {
	s    *Store
	held bool
}

func (v view) stores() repo.Stores {
	return repo.Stores{Playbooks: v, Runs: v, Steps: v, Approvals: v, Audit: v}
}

func (v view) lock() func() {
	if v.held {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

// Playbooks

func (v view) CreatePlaybook(_ context.Context, playbook domain.PlaybookDefinition) error {
	defer v.lock()()
	key := playbookKey{id: playbook.ID, version: playbook.Version}
	if _, exists := v.s.playbooks[key]; exists {
		return repo.ErrConflict
	}
	v.s.playbooks[key] = playbook.Clone()
	return nil
}

func (v view) GetPlaybook(_ context.Context, id string, version int) (domain.PlaybookDefinition, error) {
	defer v.lock()()
	if version == 0 {
		version = v.latestVersion(id)
	}
	pb, ok := v.s.playbooks[playbookKey{id: id, version: version}]
	if !ok {
		return domain.PlaybookDefinition{}, repo.ErrNotFound
	}
	return pb.Clone(), nil
}

func (v view) latestVersion(id string) int {
	latest := 0
	for key := range v.s.playbooks {
		if key.id == id && key.version > latest {
			latest = key.version
		}
	}
	return latest
}

func (v view) ListPlaybooks(_ context.Context, filter repo.PlaybookFilter) ([]domain.PlaybookDefinition, error) {
	defer v.lock()()
	latest := make(map[string]domain.PlaybookDefinition)
	for key, pb := range v.s.playbooks {
		if cur, ok := latest[key.id]; !ok || cur.Version < key.version {
			latest[key.id] = pb
		}
	}
	out := make([]domain.PlaybookDefinition, 0, len(latest))
	for _, pb := range latest {
		if filter.Name != "" && !strings.EqualFold(pb.Name, filter.Name) {
			continue
		}
		if filter.Category != "" && !strings.EqualFold(pb.Category, filter.Category) {
			continue
		}
		if filter.ActiveOnly && !pb.Active {
			continue
		}
		out = append(out, pb.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, filter.Limit), nil
}

func (v view) ListPlaybookVersions(_ context.Context, id string) ([]domain.PlaybookDefinition, error) {
	defer v.lock()()
	out := make([]domain.PlaybookDefinition, 0)
	for key, pb := range v.s.playbooks {
		if key.id == id {
			out = append(out, pb.Clone())
		}
	}
	if len(out) == 0 {
		return nil, repo.ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (v view) SetPlaybookActive(_ context.Context, id string, active bool) error {
	defer v.lock()()
	found := false
	for key, pb := range v.s.playbooks {
		if key.id != id {
			continue
		}
		found = true
		pb = pb.Clone()
		pb.Active = active
		v.s.playbooks[key] = pb
	}
	if !found {
		return repo.ErrNotFound
	}
	return nil
}

// Runs

func (v view) CreateRun(_ context.Context, run domain.ScenarioRun) error {
	defer v.lock()()
	if _, exists := v.s.runs[run.ID]; exists {
		return repo.ErrConflict
	}
	v.s.runs[run.ID] = runRow{run: run.Clone()}
	return nil
}

func (v view) GetRun(_ context.Context, id string) (domain.ScenarioRun, error) {
	defer v.lock()()
	row, ok := v.s.runs[id]
	if !ok {
		return domain.ScenarioRun{}, repo.ErrNotFound
	}
	return row.run.Clone(), nil
}

func (v view) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.ScenarioRun, error) {
	defer v.lock()()
	out := make([]domain.ScenarioRun, 0, len(v.s.runs))
	for _, row := range v.s.runs {
		if filter.PlaybookID != "" && row.run.PlaybookID != filter.PlaybookID {
			continue
		}
		if filter.Status != "" && row.run.Status != filter.Status {
			continue
		}
		out = append(out, row.run.Clone())
	}
	sortRuns(out)
	return limit(out, filter.Limit), nil
}

func (v view) UpdateRun(_ context.Context, run domain.ScenarioRun) (domain.ScenarioRun, error) {
	defer v.lock()()
	row, ok := v.s.runs[run.ID]
	if !ok {
		return domain.ScenarioRun{}, repo.ErrNotFound
	}
	if row.run.Version != run.Version {
		return domain.ScenarioRun{}, repo.ErrConflict
	}
	if err := domain.EnsureRunIdentityImmutable(row.run, run); err != nil {
		return domain.ScenarioRun{}, err
	}
	updated := run.Clone()
	updated.Version = run.Version + 1
	row.run = updated
	v.s.runs[run.ID] = row
	return updated.Clone(), nil
}

func (v view) AcquireAdvanceLock(_ context.Context, runID, owner string, now, leaseUntil time.Time) error {
	defer v.lock()()
	row, ok := v.s.runs[runID]
	if !ok {
		return repo.ErrNotFound
	}
	if row.leaseOwner != "" && row.leaseOwner != owner && now.Before(row.leaseUntil) {
		return repo.ErrRunBusy
	}
	row.leaseOwner = owner
	row.leaseUntil = leaseUntil
	v.s.runs[runID] = row
	return nil
}

func (v view) ReleaseAdvanceLock(_ context.Context, runID, owner string) error {
	defer v.lock()()
	row, ok := v.s.runs[runID]
	if !ok {
		return repo.ErrNotFound
	}
	if row.leaseOwner == owner {
		row.leaseOwner = ""
		row.leaseUntil = time.Time{}
		v.s.runs[runID] = row
	}
	return nil
}

func (v view) ListDueRuns(_ context.Context, now time.Time, n int) ([]domain.ScenarioRun, error) {
	defer v.lock()()
	out := make([]domain.ScenarioRun, 0)
	for _, row := range v.s.runs {
		if row.run.Status != domain.RunStatusRunning || !row.run.Due(now) {
			continue
		}
		if row.leaseOwner != "" && now.Before(row.leaseUntil) {
			continue
		}
		out = append(out, row.run.Clone())
	}
	sortRuns(out)
	return limit(out, n), nil
}

func sortRuns(runs []domain.ScenarioRun) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}

// Step records

func (v view) InsertStepRecord(_ context.Context, record domain.RunStepRecord) (domain.RunStepRecord, bool, error) {
	defer v.lock()()
	key := stepKey{runID: record.RunID, position: record.StepPosition}
	if existing, ok := v.s.steps[key]; ok {
		return existing.Clone(), false, nil
	}
	v.s.steps[key] = record.Clone()
	return record.Clone(), true, nil
}

func (v view) GetStepRecord(_ context.Context, runID string, position int) (domain.RunStepRecord, error) {
	defer v.lock()()
	record, ok := v.s.steps[stepKey{runID: runID, position: position}]
	if !ok {
		return domain.RunStepRecord{}, repo.ErrNotFound
	}
	return record.Clone(), nil
}

func (v view) UpdateStepRecord(_ context.Context, record domain.RunStepRecord) error {
	defer v.lock()()
	key := stepKey{runID: record.RunID, position: record.StepPosition}
	existing, ok := v.s.steps[key]
	if !ok {
		return repo.ErrNotFound
	}
	record.ID = existing.ID
	v.s.steps[key] = record.Clone()
	return nil
}

func (v view) ListStepRecords(_ context.Context, runID string) ([]domain.RunStepRecord, error) {
	defer v.lock()()
	out := make([]domain.RunStepRecord, 0)
	for key, record := range v.s.steps {
		if key.runID == runID {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepPosition < out[j].StepPosition })
	return out, nil
}

// Approvals

func (v view) InsertApproval(_ context.Context, request domain.ApprovalRequest) (domain.ApprovalRequest, bool, error) {
	defer v.lock()()
	for _, existing := range v.s.approvals {
		if existing.RunID == request.RunID && existing.StepPosition == request.StepPosition {
			return existing.Clone(), false, nil
		}
	}
	if _, exists := v.s.approvals[request.ID]; exists {
		return domain.ApprovalRequest{}, false, repo.ErrConflict
	}
	v.s.approvals[request.ID] = request.Clone()
	return request.Clone(), true, nil
}

func (v view) GetApproval(_ context.Context, id string) (domain.ApprovalRequest, error) {
	defer v.lock()()
	request, ok := v.s.approvals[id]
	if !ok {
		return domain.ApprovalRequest{}, repo.ErrNotFound
	}
	return request.Clone(), nil
}

func (v view) GetApprovalByStep(_ context.Context, runID string, position int) (domain.ApprovalRequest, error) {
	defer v.lock()()
	for _, request := range v.s.approvals {
		if request.RunID == runID && request.StepPosition == position {
			return request.Clone(), nil
		}
	}
	return domain.ApprovalRequest{}, repo.ErrNotFound
}

func (v view) ResolveApproval(_ context.Context, request domain.ApprovalRequest) error {
	defer v.lock()()
	existing, ok := v.s.approvals[request.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if !existing.IsPending() {
		return repo.ErrConflict
	}
	existing.Resolution = request.Resolution
	existing.ResolvedBy = request.ResolvedBy
	existing.Notes = request.Notes
	existing.ResolvedAt = request.ResolvedAt
	v.s.approvals[request.ID] = existing.Clone()
	return nil
}

func (v view) ListApprovals(_ context.Context, filter repo.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	defer v.lock()()
	out := make([]domain.ApprovalRequest, 0)
	for _, request := range v.s.approvals {
		if filter.RunID != "" && request.RunID != filter.RunID {
			continue
		}
		if filter.PendingOnly && !request.IsPending() {
			continue
		}
		out = append(out, request.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, filter.Limit), nil
}

// Audit

func (v view) AppendAudit(_ context.Context, entry domain.AuditEntry) error {
	defer v.lock()()
	entries := v.s.audit[entry.RunID]
	if want := int64(len(entries)) + 1; entry.Sequence != want {
		return repo.ErrConflict
	}
	v.s.audit[entry.RunID] = append(entries[:len(entries):len(entries)], entry.Clone())
	return nil
}

func (v view) LastAudit(_ context.Context, runID string) (domain.AuditEntry, error) {
	defer v.lock()()
	entries := v.s.audit[runID]
	if len(entries) == 0 {
		return domain.AuditEntry{}, repo.ErrNotFound
	}
	return entries[len(entries)-1].Clone(), nil
}

func (v view) ListAudit(_ context.Context, runID string) ([]domain.AuditEntry, error) {
	defer v.lock()()
	entries := v.s.audit[runID]
	out := make([]domain.AuditEntry, len(entries))
	for i, entry := range entries {
		out[i] = entry.Clone()
	}
	return out, nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
