// Package orchestrator drives scenario runs through their state machine.
//
// States:
//   - queued -> running <-> paused
//   - running -> awaiting_approval -> running
//   - any non-terminal -> completed | failed | canceled
//
// Every transition is written together with its audit entry in one unit of
// work. Run state is re-read before every decision; nothing is cached across
// calls, so several orchestrator instances may share one store. A per-run
// advance lease guarantees that at most one Advance executes a step at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/execution/backoff"
	"github.com/animus-labs/scenario-engine/internal/execution/steps"
	"github.com/animus-labs/scenario-engine/internal/platform/metrics"
	"github.com/animus-labs/scenario-engine/internal/repo"
	"github.com/animus-labs/scenario-engine/internal/service/approvals"
	"github.com/animus-labs/scenario-engine/internal/service/audit"
)

const maxConflictRetries = 3

// Deps are the collaborators of an Orchestrator. Audit and Metrics may be nil.
type Deps struct {
	Store     repo.Store
	Registry  *steps.Registry
	Approvals *approvals.Service
	Journal   *audit.Journal
	Audit     *audit.Service
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

type Orchestrator struct {
	cfg       Config
	store     repo.Store
	registry  *steps.Registry
	approvals *approvals.Service
	journal   *audit.Journal
	audit     *audit.Service
	metrics   *metrics.Recorder
	backoff   backoff.Strategy
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

var _ approvals.ResolutionListener = (*Orchestrator)(nil)

// New validates cfg and registers the orchestrator as the approval listener.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("step registry is required")
	}
	if deps.Approvals == nil {
		return nil, errors.New("approvals service is required")
	}
	if deps.Journal == nil {
		return nil, errors.New("audit journal is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	o := &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		registry:  deps.Registry,
		approvals: deps.Approvals,
		journal:   deps.Journal,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		backoff:   backoff.New(cfg.BackoffKind, cfg.BackoffInitial, cfg.BackoffMax),
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
		newID:     uuid.NewString,
	}
	deps.Approvals.SetListener(o)
	return o, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) Config() Config {
	return o.cfg
}

func (o *Orchestrator) clock() time.Time {
	return o.now().UTC().Truncate(time.Microsecond)
}

// atomically retries fn when it loses a version race.
func (o *Orchestrator) atomically(ctx context.Context, fn func(repo.Stores) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = o.store.Atomically(ctx, fn)
		if !errors.Is(err, repo.ErrConflict) {
			return err
		}
	}
	return err
}

// StartRunRequest pins a playbook version and seeds the run context.
type StartRunRequest struct {
	PlaybookID string
	// Version 0 selects the latest version.
	Version int
	Context domain.Metadata
	Actor   string
}

// StartRun creates the run in queued and moves it to running in the same
// unit of work. The first step executes on the next Advance.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRunRequest) (domain.ScenarioRun, error) {
	playbookID := strings.TrimSpace(req.PlaybookID)
	if playbookID == "" {
		return domain.ScenarioRun{}, domain.InvalidPlaybookError("playbook id is required")
	}
	if req.Version < 0 {
		return domain.ScenarioRun{}, domain.InvalidPlaybookError("version must be >= 0")
	}

	def, err := o.store.Stores().Playbooks.GetPlaybook(ctx, playbookID, req.Version)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ScenarioRun{}, domain.InvalidPlaybookError("playbook %s version %d not found", playbookID, req.Version)
		}
		return domain.ScenarioRun{}, fmt.Errorf("load playbook: %w", err)
	}
	if len(def.Steps) == 0 {
		return domain.ScenarioRun{}, domain.InvalidPlaybookError("playbook %s version %d has no steps", playbookID, def.Version)
	}
	if !def.Active {
		return domain.ScenarioRun{}, domain.InvalidPlaybookError("playbook %s is inactive", playbookID)
	}

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = domain.ActorSystem
	}
	now := o.clock()
	run := domain.ScenarioRun{
		ID:                  o.newID(),
		PlaybookID:          def.ID,
		PlaybookVersion:     def.Version,
		Status:              domain.RunStatusQueued,
		CurrentStepPosition: def.FirstPosition(),
		Context:             req.Context.Clone(),
		CreatedAt:           now,
		CreatedBy:           actor,
		AggregatedOutcome:   domain.Metadata{},
	}

	var started domain.ScenarioRun
	err = o.store.Atomically(ctx, func(s repo.Stores) error {
		if err := s.Runs.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		next := run.Clone()
		next.Status = domain.RunStatusRunning
		next.StartedAt = &now
		updated, err := s.Runs.UpdateRun(ctx, next)
		if err != nil {
			return fmt.Errorf("start run: %w", err)
		}
		if _, err := o.journal.Append(ctx, s.Audit, run.ID, actor, domain.AuditCreated, domain.Metadata{
			"playbook_id":      def.ID,
			"playbook_version": def.Version,
			"initial_status":   string(domain.RunStatusQueued),
			"status":           string(domain.RunStatusRunning),
			"step_position":    run.CurrentStepPosition,
		}); err != nil {
			return err
		}
		started = updated
		return nil
	})
	if err != nil {
		return domain.ScenarioRun{}, err
	}
	o.metrics.RunStatus(string(domain.RunStatusRunning))
	o.logger.Info("run started", "run_id", started.ID, "playbook_id", def.ID, "playbook_version", def.Version)
	return started, nil
}

// Pause is valid from running only. A step already executing still applies
// its result; the run then stays paused.
func (o *Orchestrator) Pause(ctx context.Context, runID, actor string) (domain.ScenarioRun, error) {
	return o.transition(ctx, runID, actor, domain.RunStatusRunning, domain.RunStatusPaused, domain.AuditPaused)
}

// Resume is valid from paused only.
func (o *Orchestrator) Resume(ctx context.Context, runID, actor string) (domain.ScenarioRun, error) {
	return o.transition(ctx, runID, actor, domain.RunStatusPaused, domain.RunStatusRunning, domain.AuditResumed)
}

func (o *Orchestrator) transition(ctx context.Context, runID, actor string, from, to domain.RunStatus, event domain.AuditEventType) (domain.ScenarioRun, error) {
	var out domain.ScenarioRun
	err := o.atomically(ctx, func(s repo.Stores) error {
		run, err := getRun(ctx, s, runID)
		if err != nil {
			return err
		}
		if run.Status != from {
			return domain.InvalidTransitionError(run.Status, to)
		}
		run.Status = to
		updated, err := s.Runs.UpdateRun(ctx, run)
		if err != nil {
			return err
		}
		if _, err := o.journal.Append(ctx, s.Audit, runID, actor, event, domain.Metadata{
			"from": string(from),
			"to":   string(to),
		}); err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return domain.ScenarioRun{}, o.conflictAsBusy(runID, err)
	}
	o.metrics.RunStatus(string(to))
	return out, nil
}

// Abort cancels a non-terminal run. Pending approvals are released as skip
// and unfinished step records are closed. A step executing elsewhere keeps
// running; its result is discarded when it returns.
func (o *Orchestrator) Abort(ctx context.Context, runID, actor, reason string) (domain.ScenarioRun, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "aborted"
	}
	var out domain.ScenarioRun
	err := o.atomically(ctx, func(s repo.Stores) error {
		run, err := getRun(ctx, s, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return domain.InvalidTransitionError(run.Status, domain.RunStatusCanceled)
		}
		from := run.Status

		pending, err := s.Approvals.ListApprovals(ctx, repo.ApprovalFilter{RunID: runID, PendingOnly: true})
		if err != nil {
			return fmt.Errorf("list pending approvals: %w", err)
		}
		for _, req := range pending {
			if _, err := o.approvals.ReleaseAsSkip(ctx, s, req, actor, "run aborted: "+reason); err != nil {
				return err
			}
		}

		now := o.clock()
		records, err := s.Steps.ListStepRecords(ctx, runID)
		if err != nil {
			return fmt.Errorf("list step records: %w", err)
		}
		for _, rec := range records {
			switch rec.Status {
			case domain.StepStatusAwaitingApproval:
				rec.Status = domain.StepStatusSkipped
			case domain.StepStatusRunning, domain.StepStatusPending:
				rec.Status = domain.StepStatusFailed
				rec.LastError = "canceled: " + reason
			default:
				continue
			}
			rec.CompletedAt = &now
			if err := s.Steps.UpdateStepRecord(ctx, rec); err != nil {
				return fmt.Errorf("close step record: %w", err)
			}
		}

		run.Status = domain.RunStatusCanceled
		run.CompletedAt = &now
		run.ResumeAfter = nil
		run.ErrorDetails = &domain.ErrorDetails{Code: domain.CodeCanceled, Message: reason, StepPosition: run.CurrentStepPosition}
		updated, err := s.Runs.UpdateRun(ctx, run)
		if err != nil {
			return err
		}
		if _, err := o.journal.Append(ctx, s.Audit, runID, actor, domain.AuditAborted, domain.Metadata{
			"from":   string(from),
			"reason": reason,
		}); err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return domain.ScenarioRun{}, o.conflictAsBusy(runID, err)
	}
	o.finished(ctx, out)
	return out, nil
}

// ResolveApproval records a decision and reports the run afterwards.
func (o *Orchestrator) ResolveApproval(ctx context.Context, requestID string, resolution domain.Resolution, resolvedBy, notes string) (domain.ApprovalRequest, domain.ScenarioRun, error) {
	req, err := o.approvals.Resolve(ctx, requestID, resolution, resolvedBy, notes)
	if err != nil {
		return domain.ApprovalRequest{}, domain.ScenarioRun{}, err
	}
	run, err := o.store.Stores().Runs.GetRun(ctx, req.RunID)
	if err != nil {
		return req, domain.ScenarioRun{}, fmt.Errorf("reload run: %w", err)
	}
	if run.Status.IsTerminal() {
		o.finished(ctx, run)
	}
	return req, run, nil
}

// ApplyApprovalResolution is called by the approvals service inside the
// resolving unit of work.
func (o *Orchestrator) ApplyApprovalResolution(ctx context.Context, s repo.Stores, req domain.ApprovalRequest) error {
	run, err := getRun(ctx, s, req.RunID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunStatusAwaitingApproval || run.CurrentStepPosition != req.StepPosition {
		return domain.InvalidTransitionError(run.Status, domain.RunStatusRunning)
	}
	def, err := s.Playbooks.GetPlaybook(ctx, run.PlaybookID, run.PlaybookVersion)
	if err != nil {
		return fmt.Errorf("load playbook: %w", err)
	}
	_, err = o.applyResolution(ctx, s, run, def, req)
	return err
}

// applyResolution moves the gated step and its run according to the
// resolution. The approval_resolved entry is already journaled.
func (o *Orchestrator) applyResolution(ctx context.Context, s repo.Stores, run domain.ScenarioRun, def domain.PlaybookDefinition, req domain.ApprovalRequest) (domain.ScenarioRun, error) {
	step, ok := def.StepAt(req.StepPosition)
	if !ok {
		return domain.ScenarioRun{}, domain.FatalOrchestratorError("run %s: step %d missing from playbook %s v%d", run.ID, req.StepPosition, def.ID, def.Version)
	}
	rec, err := o.ensureStepRecord(ctx, s, run.ID, step, domain.StepStatusAwaitingApproval)
	if err != nil {
		return domain.ScenarioRun{}, err
	}
	now := o.clock()
	actor := req.ResolvedBy

	switch req.Resolution {
	case domain.ResolutionApprove:
		rec.Status = domain.StepStatusPending
		if err := s.Steps.UpdateStepRecord(ctx, rec); err != nil {
			return domain.ScenarioRun{}, err
		}
		run.Status = domain.RunStatusRunning
		run.ResumeAfter = nil
		return s.Runs.UpdateRun(ctx, run)

	case domain.ResolutionReject:
		rejection := domain.ApprovalRejectedError(req.ID, req.ResolvedBy, req.Notes)
		rec.Status = domain.StepStatusFailed
		rec.LastError = rejection.Error()
		rec.CompletedAt = &now
		if err := s.Steps.UpdateStepRecord(ctx, rec); err != nil {
			return domain.ScenarioRun{}, err
		}
		if o.cfg.FailRunOnRejection {
			run.Status = domain.RunStatusFailed
			run.CompletedAt = &now
			run.ErrorDetails = &domain.ErrorDetails{Code: domain.CodeApprovalRejected, Message: rejection.Error(), StepPosition: step.Position}
			updated, err := s.Runs.UpdateRun(ctx, run)
			if err != nil {
				return domain.ScenarioRun{}, err
			}
			_, err = o.journal.Append(ctx, s.Audit, run.ID, actor, domain.AuditStepFailed, domain.Metadata{
				"step_position": step.Position,
				"step_type":     string(step.Type),
				"code":          string(domain.CodeApprovalRejected),
				"error":         rejection.Error(),
				"run_status":    string(domain.RunStatusFailed),
			})
			return updated, err
		}
		if _, err := o.journal.Append(ctx, s.Audit, run.ID, actor, domain.AuditStepFailed, domain.Metadata{
			"step_position": step.Position,
			"step_type":     string(step.Type),
			"code":          string(domain.CodeApprovalRejected),
			"error":         rejection.Error(),
			"run_status":    string(domain.RunStatusRunning),
		}); err != nil {
			return domain.ScenarioRun{}, err
		}
		return o.moveOn(ctx, s, run, def, step.Position, actor)

	case domain.ResolutionSkip:
		rec.Status = domain.StepStatusSkipped
		rec.CompletedAt = &now
		if err := s.Steps.UpdateStepRecord(ctx, rec); err != nil {
			return domain.ScenarioRun{}, err
		}
		return o.moveOn(ctx, s, run, def, step.Position, actor)

	default:
		return domain.ScenarioRun{}, domain.ValidationErrorf("unknown resolution %q", req.Resolution)
	}
}

// moveOn continues after a step that produced no output: to the next
// position, or to completed when there is none.
func (o *Orchestrator) moveOn(ctx context.Context, s repo.Stores, run domain.ScenarioRun, def domain.PlaybookDefinition, position int, actor string) (domain.ScenarioRun, error) {
	run.Status = domain.RunStatusRunning
	run.ResumeAfter = nil
	next, ok := def.NextPosition(position)
	if ok {
		run.CurrentStepPosition = next
		return s.Runs.UpdateRun(ctx, run)
	}
	now := o.clock()
	run.Status = domain.RunStatusCompleted
	run.CompletedAt = &now
	updated, err := s.Runs.UpdateRun(ctx, run)
	if err != nil {
		return domain.ScenarioRun{}, err
	}
	_, err = o.journal.Append(ctx, s.Audit, run.ID, actor, domain.AuditCompleted, completedPayload(updated))
	return updated, err
}

func (o *Orchestrator) ensureStepRecord(ctx context.Context, s repo.Stores, runID string, step domain.PlaybookStepSpec, status domain.StepStatus) (domain.RunStepRecord, error) {
	rec, _, err := s.Steps.InsertStepRecord(ctx, domain.RunStepRecord{
		ID:           o.newID(),
		RunID:        runID,
		StepPosition: step.Position,
		StepID:       step.ID,
		StepType:     step.Type,
		Status:       status,
	})
	if err != nil {
		return domain.RunStepRecord{}, fmt.Errorf("insert step record: %w", err)
	}
	return rec, nil
}

// finished runs the best-effort side effects of a terminal run.
func (o *Orchestrator) finished(ctx context.Context, run domain.ScenarioRun) {
	if !run.Status.IsTerminal() {
		return
	}
	o.metrics.RunStatus(string(run.Status))
	o.logger.Info("run finished", "run_id", run.ID, "status", run.Status, "total_tokens_used", run.TotalTokensUsed)
	if o.audit != nil {
		o.audit.ArchiveBestEffort(context.WithoutCancel(ctx), run.ID)
	}
}

func (o *Orchestrator) conflictAsBusy(runID string, err error) error {
	if errors.Is(err, repo.ErrConflict) || errors.Is(err, repo.ErrRunBusy) {
		return domain.RunBusyError(runID)
	}
	return err
}

func getRun(ctx context.Context, s repo.Stores, runID string) (domain.ScenarioRun, error) {
	run, err := s.Runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ScenarioRun{}, domain.NotFoundError("run", runID)
		}
		return domain.ScenarioRun{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

func completedPayload(run domain.ScenarioRun) domain.Metadata {
	keys := make([]string, 0, len(run.AggregatedOutcome))
	for k := range run.AggregatedOutcome {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return domain.Metadata{
		"step_position":     run.CurrentStepPosition,
		"total_tokens_used": run.TotalTokensUsed,
		"outcome_keys":      keys,
	}
}
