package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/execution/steps"
	"github.com/animus-labs/scenario-engine/internal/repo"
)

// Outcome says what a single Advance did.
type Outcome string

const (
	// OutcomeExecuted means a step executor ran, successfully or not.
	OutcomeExecuted Outcome = "executed"
	// OutcomeAwaitingApproval means the current step is gated.
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
	// OutcomeResolved means a recorded reject or skip was applied without
	// executing anything.
	OutcomeResolved Outcome = "resolved"
	// OutcomeWaiting means the run is not due yet.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeDiscarded means the run ended while the step executed.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeFailed means the run failed before any executor ran.
	OutcomeFailed Outcome = "failed"
	// OutcomeNoop means the run was not running or moved on before the
	// lease was taken; nothing was written.
	OutcomeNoop Outcome = "noop"
)

// AdvanceResult reports the run after one Advance. Step failures are
// recorded on the run and reported in StepError; they are not returned as
// errors.
type AdvanceResult struct {
	Run          domain.ScenarioRun
	Outcome      Outcome
	StepPosition int
	Step         *domain.RunStepRecord
	Approval     *domain.ApprovalRequest
	StepError    error
}

// Advance executes at most one step of a running run. Concurrent callers on
// the same run get RunBusyError without side effects.
func (o *Orchestrator) Advance(ctx context.Context, runID string) (AdvanceResult, error) {
	stores := o.store.Stores()
	run, err := getRun(ctx, stores, runID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if run.Status != domain.RunStatusRunning {
		return AdvanceResult{Run: run, Outcome: OutcomeNoop, StepPosition: run.CurrentStepPosition}, nil
	}
	now := o.clock()
	if !run.Due(now) {
		return AdvanceResult{Run: run, Outcome: OutcomeWaiting, StepPosition: run.CurrentStepPosition}, nil
	}

	owner := o.newID()
	if err := stores.Runs.AcquireAdvanceLock(ctx, runID, owner, now, now.Add(o.cfg.leaseDuration())); err != nil {
		switch {
		case errors.Is(err, repo.ErrRunBusy):
			return AdvanceResult{}, domain.RunBusyError(runID)
		case errors.Is(err, repo.ErrNotFound):
			return AdvanceResult{}, domain.NotFoundError("run", runID)
		default:
			return AdvanceResult{}, fmt.Errorf("acquire advance lease: %w", err)
		}
	}
	defer func() {
		if err := stores.Runs.ReleaseAdvanceLock(context.WithoutCancel(ctx), runID, owner); err != nil {
			o.logger.Warn("release advance lease failed", "run_id", runID, "error", err)
		}
	}()

	result, err := o.advanceLocked(ctx, runID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if result.Outcome != OutcomeNoop && result.Outcome != OutcomeDiscarded {
		o.finished(ctx, result.Run)
	}
	return result, nil
}

func (o *Orchestrator) advanceLocked(ctx context.Context, runID string) (AdvanceResult, error) {
	stores := o.store.Stores()
	run, err := getRun(ctx, stores, runID)
	if err != nil {
		return AdvanceResult{}, err
	}
	position := run.CurrentStepPosition
	if run.Status != domain.RunStatusRunning {
		return AdvanceResult{Run: run, Outcome: OutcomeNoop, StepPosition: position}, nil
	}
	if !run.Due(o.clock()) {
		return AdvanceResult{Run: run, Outcome: OutcomeWaiting, StepPosition: position}, nil
	}

	def, err := stores.Playbooks.GetPlaybook(ctx, run.PlaybookID, run.PlaybookVersion)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return o.abandon(ctx, runID, domain.PlaybookStepSpec{Position: position},
				domain.FatalOrchestratorError("run %s pins missing playbook %s v%d", runID, run.PlaybookID, run.PlaybookVersion))
		}
		return AdvanceResult{}, fmt.Errorf("load playbook: %w", err)
	}
	step, ok := def.StepAt(position)
	if !ok {
		return o.abandon(ctx, runID, domain.PlaybookStepSpec{Position: position},
			domain.FatalOrchestratorError("run %s points at step %d missing from playbook %s v%d", runID, position, def.ID, def.Version))
	}

	attempt := 1
	rec, err := stores.Steps.GetStepRecord(ctx, runID, position)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return AdvanceResult{}, fmt.Errorf("load step record: %w", err)
	default:
		switch rec.Status {
		case domain.StepStatusCompleted, domain.StepStatusSkipped, domain.StepStatusFailed:
			return o.abandon(ctx, runID, step,
				domain.FatalOrchestratorError("step %d of run %s is already %s; refusing to execute it again", position, runID, rec.Status))
		case domain.StepStatusRunning:
			// The previous holder's lease expired mid-attempt. That attempt
			// counts as spent so the retry gets a fresh idempotency key.
			attempt = rec.AttemptCount + 1
			o.logger.Warn("step found running under an expired lease", "run_id", runID, "step_position", position, "attempt", rec.AttemptCount)
		default:
			attempt = rec.AttemptCount + 1
		}
	}

	if step.NeedsApproval() && o.cfg.ApprovalsEnabled {
		req, err := stores.Approvals.GetApprovalByStep(ctx, runID, position)
		switch {
		case errors.Is(err, repo.ErrNotFound), err == nil && req.IsPending():
			return o.requestApproval(ctx, runID, step)
		case err != nil:
			return AdvanceResult{}, fmt.Errorf("load approval request: %w", err)
		case req.Resolution != domain.ResolutionApprove:
			return o.applyRecordedResolution(ctx, runID, def, req)
		}
	}

	if maxAttempts := o.maxAttempts(step); attempt > maxAttempts {
		return o.abandon(ctx, runID, step,
			domain.TransientStepError(fmt.Errorf("step %d exhausted %d attempts", position, maxAttempts)))
	}

	started, stale, err := o.startStep(ctx, runID, step, attempt)
	if err != nil {
		return AdvanceResult{}, err
	}
	if stale {
		run, err := getRun(ctx, stores, runID)
		if err != nil {
			return AdvanceResult{}, err
		}
		return AdvanceResult{Run: run, Outcome: OutcomeNoop, StepPosition: run.CurrentStepPosition}, nil
	}

	begin := time.Now()
	res, execErr := o.execute(ctx, run, step, started)
	if ctx.Err() != nil {
		// The caller gave up. The record stays running and the next Advance
		// starts a new attempt.
		o.metrics.StepExecuted(string(step.Type), "interrupted", time.Since(begin))
		return AdvanceResult{}, ctx.Err()
	}
	outcome := "completed"
	if execErr != nil {
		outcome = string(domain.CodeOf(execErr))
	}
	o.metrics.StepExecuted(string(step.Type), outcome, time.Since(begin))

	return o.finishStep(ctx, runID, def, step, res, execErr)
}

func (o *Orchestrator) maxAttempts(step domain.PlaybookStepSpec) int {
	if step.MaxAttempts > 0 {
		return step.MaxAttempts
	}
	return o.cfg.MaxAttempts
}

func (o *Orchestrator) requestApproval(ctx context.Context, runID string, step domain.PlaybookStepSpec) (AdvanceResult, error) {
	var result AdvanceResult
	err := o.atomically(ctx, func(s repo.Stores) error {
		run, err := getRun(ctx, s, runID)
		if err != nil {
			return err
		}
		if run.Status != domain.RunStatusRunning || run.CurrentStepPosition != step.Position {
			result = AdvanceResult{Run: run, Outcome: OutcomeNoop, StepPosition: run.CurrentStepPosition}
			return nil
		}
		req, _, err := o.approvals.Request(ctx, s, runID, step.Position, domain.ActorSystem)
		if err != nil {
			return err
		}
		rec, err := o.ensureStepRecord(ctx, s, runID, step, domain.StepStatusAwaitingApproval)
		if err != nil {
			return err
		}
		if rec.Status != domain.StepStatusAwaitingApproval {
			rec.Status = domain.StepStatusAwaitingApproval
			if err := s.Steps.UpdateStepRecord(ctx, rec); err != nil {
				return fmt.Errorf("update step record: %w", err)
			}
		}
		run.Status = domain.RunStatusAwaitingApproval
		updated, err := s.Runs.UpdateRun(ctx, run)
		if err != nil {
			return err
		}
		result = AdvanceResult{Run: updated, Outcome: OutcomeAwaitingApproval, StepPosition: step.Position, Step: &rec, Approval: &req}
		return nil
	})
	return result, err
}

// applyRecordedResolution handles a rejected or skipped gate whose run was
// not moved on when the resolution was recorded.
func (o *Orchestrator) applyRecordedResolution(ctx context.Context, runID string, def domain.PlaybookDefinition, req domain.ApprovalRequest) (AdvanceResult, error) {
	var result AdvanceResult
	err := o.atomically(ctx, func(s repo.Stores) error {
		run, err := getRun(ctx, s, runID)
		if err != nil {
			return err
		}
		if run.Status != domain.RunStatusRunning || run.CurrentStepPosition != req.StepPosition {
			result = AdvanceResult{Run: run, Outcome: OutcomeNoop, StepPosition: run.CurrentStepPosition}
			return nil
		}
		updated, err := o.applyResolution(ctx, s, run, def, req)
		if err != nil {
			return err
		}
		result = AdvanceResult{Run: updated, Outcome: OutcomeResolved, StepPosition: req.StepPosition, Approval: &req}
		return nil
	})
	return result, err
}

// startStep marks the record running for attempt. stale is true when the run
// moved while the lease was being taken.
func (o *Orchestrator) startStep(ctx context.Context, runID string, step domain.PlaybookStepSpec, attempt int) (domain.RunStepRecord, bool, error) {
	var started domain.RunStepRecord
	stale := false
	err := o.atomically(ctx, func(s repo.Stores) error {
		stale = false
		run, err := getRun(ctx, s, runID)
		if err != nil {
			return err
		}
		if run.Status != domain.RunStatusRunning || run.CurrentStepPosition != step.Position {
			stale = true
			return nil
		}
		rec, err := o.ensureStepRecord(ctx, s, runID, step, domain.StepStatusPending)
		if err != nil {
			return err
		}
		now := o.clock()
		rec.StepID = step.ID
		rec.StepType = step.Type
		rec.Status = domain.StepStatusRunning
		rec.AttemptCount = attempt
		rec.StartedAt = &now
		rec.CompletedAt = nil
		rec.IdempotencyKey = domain.IdempotencyKey(runID, step.Position, attempt)
		if err := s.Steps.UpdateStepRecord(ctx, rec); err != nil {
			return fmt.Errorf("update step record: %w", err)
		}
		if o.cfg.JournalStepStarts {
			if _, err := o.journal.Append(ctx, s.Audit, runID, domain.ActorSystem, domain.AuditStepStarted, domain.Metadata{
				"step_position":   step.Position,
				"step_type":       string(step.Type),
				"attempt":         attempt,
				"idempotency_key": rec.IdempotencyKey,
			}); err != nil {
				return err
			}
		}
		started = rec
		return nil
	})
	return started, stale, err
}

// execute runs the executor under the step timeout. A timeout is a
// retryable failure; a panic is fatal for the run. An executor that ignores
// its context is abandoned at the deadline and its late result discarded, so
// Advance never holds the lease longer than StepTimeout.
func (o *Orchestrator) execute(ctx context.Context, run domain.ScenarioRun, step domain.PlaybookStepSpec, rec domain.RunStepRecord) (steps.Result, error) {
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	done := make(chan executed, 1)
	go func() {
		var out executed
		defer func() {
			if p := recover(); p != nil {
				o.logger.Error("step executor panicked", "run_id", run.ID, "step_position", step.Position, "panic", p)
				out = executed{err: domain.FatalOrchestratorError("step %d (%s) panicked: %v", step.Position, step.Type, p)}
			}
			done <- out
		}()
		out.res, out.err = o.registry.Execute(stepCtx, steps.Input{
			RunID:          run.ID,
			Step:           step,
			Context:        run.Context.Clone(),
			Attempt:        rec.AttemptCount,
			IdempotencyKey: rec.IdempotencyKey,
		})
	}()

	select {
	case out := <-done:
		return o.settle(ctx, stepCtx, out)
	case <-stepCtx.Done():
	}
	select {
	case out := <-done:
		return o.settle(ctx, stepCtx, out)
	default:
	}
	if err := ctx.Err(); err != nil {
		return steps.Result{}, err
	}
	o.logger.Warn("step executor overran its deadline; result will be discarded",
		"run_id", run.ID, "step_position", step.Position, "attempt", rec.AttemptCount, "timeout", o.cfg.StepTimeout)
	return steps.Result{}, domain.TransientStepError(fmt.Errorf("step timed out after %s", o.cfg.StepTimeout))
}

type executed struct {
	res steps.Result
	err error
}

func (o *Orchestrator) settle(ctx, stepCtx context.Context, out executed) (steps.Result, error) {
	if out.err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && !domain.IsRetryable(out.err) {
		return out.res, domain.TransientStepError(fmt.Errorf("step timed out after %s: %w", o.cfg.StepTimeout, out.err))
	}
	return out.res, out.err
}

func (o *Orchestrator) finishStep(ctx context.Context, runID string, def domain.PlaybookDefinition, step domain.PlaybookStepSpec, res steps.Result, execErr error) (AdvanceResult, error) {
	var result AdvanceResult
	err := o.atomically(ctx, func(s repo.Stores) error {
		run, err := getRun(ctx, s, runID)
		if err != nil {
			return err
		}
		rec, err := s.Steps.GetStepRecord(ctx, runID, step.Position)
		if err != nil {
			return fmt.Errorf("load step record: %w", err)
		}
		now := o.clock()

		if run.Status.IsTerminal() || run.CurrentStepPosition != step.Position {
			if rec.Status == domain.StepStatusRunning {
				rec.Status = domain.StepStatusFailed
				rec.LastError = fmt.Sprintf("%s: run already %s", domain.CodeCanceled, run.Status)
				rec.CompletedAt = &now
				if err := s.Steps.UpdateStepRecord(ctx, rec); err != nil {
					return fmt.Errorf("update step record: %w", err)
				}
			}
			result = AdvanceResult{Run: run, Outcome: OutcomeDiscarded, StepPosition: step.Position, Step: &rec}
			return nil
		}

		if execErr == nil {
			result, err = o.completeStep(ctx, s, run, def, step, rec, res, now)
		} else {
			result, err = o.failStep(ctx, s, run, step, rec, execErr, now)
		}
		return err
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	return result, nil
}

func (o *Orchestrator) completeStep(ctx context.Context, s repo.Stores, run domain.ScenarioRun, def domain.PlaybookDefinition, step domain.PlaybookStepSpec, rec domain.RunStepRecord, res steps.Result, now time.Time) (AdvanceResult, error) {
	next, hasNext := def.NextPosition(step.Position)
	if res.NextPosition != nil {
		target := *res.NextPosition
		if _, ok := def.StepAt(target); !ok || target <= step.Position {
			return o.failStep(ctx, s, run, step, rec,
				domain.FatalOrchestratorError("step %d selected invalid next position %d", step.Position, target), now)
		}
		next, hasNext = target, true
	}

	rec.Status = domain.StepStatusCompleted
	rec.CompletedAt = &now
	rec.Result = res.Output.Clone()
	rec.LastError = ""
	if err := s.Steps.UpdateStepRecord(ctx, rec); err != nil {
		return AdvanceResult{}, fmt.Errorf("update step record: %w", err)
	}

	run.Context = run.Context.Merge(res.Output)
	if run.AggregatedOutcome == nil {
		run.AggregatedOutcome = domain.Metadata{}
	}
	run.AggregatedOutcome = run.AggregatedOutcome.Merge(res.Output)
	run.TotalTokensUsed += int64(res.TokensUsed)
	run.ResumeAfter = nil
	if res.NotBefore != nil {
		resume := res.NotBefore.UTC().Truncate(time.Microsecond)
		run.ResumeAfter = &resume
	}

	payload := domain.Metadata{
		"step_position": step.Position,
		"step_type":     string(step.Type),
		"attempt":       rec.AttemptCount,
		"tokens_used":   res.TokensUsed,
	}
	if res.Branch != "" {
		payload["branch"] = res.Branch
		payload["branch_target"] = next
	}
	if run.ResumeAfter != nil {
		payload["resume_after"] = run.ResumeAfter.Format(time.RFC3339Nano)
	}
	if _, err := o.journal.Append(ctx, s.Audit, run.ID, domain.ActorSystem, domain.AuditStepCompleted, payload); err != nil {
		return AdvanceResult{}, err
	}
	if res.TokensUsed > 0 {
		o.metrics.TokensUsed(res.TokensUsed)
	}

	if !hasNext {
		run.Status = domain.RunStatusCompleted
		run.CompletedAt = &now
		run.ResumeAfter = nil
		updated, err := s.Runs.UpdateRun(ctx, run)
		if err != nil {
			return AdvanceResult{}, err
		}
		if _, err := o.journal.Append(ctx, s.Audit, run.ID, domain.ActorSystem, domain.AuditCompleted, completedPayload(updated)); err != nil {
			return AdvanceResult{}, err
		}
		return AdvanceResult{Run: updated, Outcome: OutcomeExecuted, StepPosition: step.Position, Step: &rec}, nil
	}

	run.CurrentStepPosition = next
	updated, err := s.Runs.UpdateRun(ctx, run)
	if err != nil {
		return AdvanceResult{}, err
	}
	return AdvanceResult{Run: updated, Outcome: OutcomeExecuted, StepPosition: step.Position, Step: &rec}, nil
}

// failStep records a failed attempt. Retryable failures below the attempt
// limit schedule a retry; everything else fails the run.
func (o *Orchestrator) failStep(ctx context.Context, s repo.Stores, run domain.ScenarioRun, step domain.PlaybookStepSpec, rec domain.RunStepRecord, stepErr error, now time.Time) (AdvanceResult, error) {
	code := domain.CodeOf(stepErr)
	maxAttempts := o.maxAttempts(step)
	payload := domain.Metadata{
		"step_position": step.Position,
		"step_type":     string(step.Type),
		"attempt":       rec.AttemptCount,
		"max_attempts":  maxAttempts,
		"code":          string(code),
		"error":         stepErr.Error(),
	}
	rec.LastError = stepErr.Error()

	retryable := code == domain.CodeTransientStep || code == domain.CodeInternal
	if retryable && rec.AttemptCount < maxAttempts {
		rec.Status = domain.StepStatusPending
		rec.CompletedAt = nil
		if err := s.Steps.UpdateStepRecord(ctx, rec); err != nil {
			return AdvanceResult{}, fmt.Errorf("update step record: %w", err)
		}
		retryAt := now.Add(o.backoff.Delay(rec.AttemptCount))
		run.ResumeAfter = &retryAt
		updated, err := s.Runs.UpdateRun(ctx, run)
		if err != nil {
			return AdvanceResult{}, err
		}
		payload["retry_scheduled"] = true
		payload["retry_after"] = retryAt.Format(time.RFC3339Nano)
		if _, err := o.journal.Append(ctx, s.Audit, run.ID, domain.ActorSystem, domain.AuditStepFailed, payload); err != nil {
			return AdvanceResult{}, err
		}
		o.logger.Warn("step failed, retry scheduled", "run_id", run.ID, "step_position", step.Position, "attempt", rec.AttemptCount, "retry_after", retryAt, "error", stepErr)
		return AdvanceResult{Run: updated, Outcome: OutcomeExecuted, StepPosition: step.Position, Step: &rec, StepError: stepErr}, nil
	}

	rec.Status = domain.StepStatusFailed
	rec.CompletedAt = &now
	if err := s.Steps.UpdateStepRecord(ctx, rec); err != nil {
		return AdvanceResult{}, fmt.Errorf("update step record: %w", err)
	}
	if code == domain.CodeFatalOrchestrator {
		snapshot, err := stateSnapshot(ctx, s, run)
		if err != nil {
			return AdvanceResult{}, err
		}
		payload["snapshot"] = snapshot
	}
	updated, err := o.failRun(ctx, s, run, step.Position, code, stepErr, now, payload)
	if err != nil {
		return AdvanceResult{}, err
	}
	o.logger.Error("run failed", "run_id", run.ID, "step_position", step.Position, "code", code, "error", stepErr)
	return AdvanceResult{Run: updated, Outcome: OutcomeExecuted, StepPosition: step.Position, Step: &rec, StepError: stepErr}, nil
}

func (o *Orchestrator) failRun(ctx context.Context, s repo.Stores, run domain.ScenarioRun, position int, code domain.Code, cause error, now time.Time, payload domain.Metadata) (domain.ScenarioRun, error) {
	run.Status = domain.RunStatusFailed
	run.CompletedAt = &now
	run.ResumeAfter = nil
	run.ErrorDetails = &domain.ErrorDetails{Code: code, Message: cause.Error(), StepPosition: position}
	updated, err := s.Runs.UpdateRun(ctx, run)
	if err != nil {
		return domain.ScenarioRun{}, err
	}
	payload["run_status"] = string(domain.RunStatusFailed)
	if _, err := o.journal.Append(ctx, s.Audit, run.ID, domain.ActorSystem, domain.AuditStepFailed, payload); err != nil {
		return domain.ScenarioRun{}, err
	}
	return updated, nil
}

// abandon fails the run before any executor ran. Used for corrupted state
// and exhausted attempts found on entry.
func (o *Orchestrator) abandon(ctx context.Context, runID string, step domain.PlaybookStepSpec, cause error) (AdvanceResult, error) {
	var result AdvanceResult
	err := o.atomically(ctx, func(s repo.Stores) error {
		run, err := getRun(ctx, s, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			result = AdvanceResult{Run: run, Outcome: OutcomeNoop, StepPosition: run.CurrentStepPosition}
			return nil
		}
		code := domain.CodeOf(cause)
		payload := domain.Metadata{
			"step_position": step.Position,
			"code":          string(code),
			"error":         cause.Error(),
		}
		if step.Type != "" {
			payload["step_type"] = string(step.Type)
		}
		if code == domain.CodeFatalOrchestrator {
			snapshot, err := stateSnapshot(ctx, s, run)
			if err != nil {
				return err
			}
			payload["snapshot"] = snapshot
		}
		updated, err := o.failRun(ctx, s, run, step.Position, code, cause, o.clock(), payload)
		if err != nil {
			return err
		}
		result = AdvanceResult{Run: updated, Outcome: OutcomeFailed, StepPosition: step.Position, StepError: cause}
		return nil
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	o.logger.Error("run abandoned", "run_id", runID, "step_position", step.Position, "error", cause)
	return result, nil
}

// stateSnapshot captures the run and its step records as plain JSON values
// so the audit hash is stable across storage backends.
func stateSnapshot(ctx context.Context, s repo.Stores, run domain.ScenarioRun) (map[string]any, error) {
	records, err := s.Steps.ListStepRecords(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	raw, err := json.Marshal(struct {
		Run     domain.ScenarioRun     `json:"run"`
		Records []domain.RunStepRecord `json:"step_records"`
	}{Run: run, Records: records})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return out, nil
}
