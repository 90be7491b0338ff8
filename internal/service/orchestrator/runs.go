package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/repo"
)

// StopReason says why RunToCompletion returned.
type StopReason string

const (
	StopTerminal         StopReason = "terminal"
	StopAwaitingApproval StopReason = "awaiting_approval"
	StopPaused           StopReason = "paused"
	StopWaiting          StopReason = "waiting"
	StopBudgetExhausted  StopReason = "budget_exhausted"
)

// maxIdleAdvances stops RunToCompletion when the run keeps moving under it
// without any step executing.
const maxIdleAdvances = 3

type RunToCompletionResult struct {
	Run           domain.ScenarioRun
	StepsExecuted int
	Stopped       StopReason
}

// RunToCompletion advances the run until it ends, blocks on an approval, is
// paused, waits longer than MaxInlineWait, or has executed maxSteps steps.
// maxSteps <= 0 uses DefaultMaxSteps.
func (o *Orchestrator) RunToCompletion(ctx context.Context, runID string, maxSteps int) (RunToCompletionResult, error) {
	if maxSteps <= 0 {
		maxSteps = o.cfg.DefaultMaxSteps
	}
	out := RunToCompletionResult{}
	idle := 0
	for {
		res, err := o.Advance(ctx, runID)
		if err != nil {
			return out, err
		}
		out.Run = res.Run
		if res.Outcome == OutcomeExecuted {
			out.StepsExecuted++
			idle = 0
		} else {
			idle++
		}

		switch {
		case res.Run.Status.IsTerminal():
			out.Stopped = StopTerminal
			return out, nil
		case res.Run.Status == domain.RunStatusAwaitingApproval:
			out.Stopped = StopAwaitingApproval
			return out, nil
		case res.Run.Status == domain.RunStatusPaused:
			out.Stopped = StopPaused
			return out, nil
		case res.Run.Status != domain.RunStatusRunning:
			out.Stopped = StopWaiting
			return out, nil
		}

		if out.StepsExecuted >= maxSteps {
			out.Stopped = StopBudgetExhausted
			return out, nil
		}

		if res.Outcome == OutcomeWaiting || !res.Run.Due(o.clock()) {
			wait := res.Run.ResumeAfter.Sub(o.clock())
			if wait > o.cfg.MaxInlineWait {
				out.Stopped = StopWaiting
				return out, nil
			}
			if err := o.sleep(ctx, wait); err != nil {
				return out, err
			}
			idle = 0
		}
		if idle > maxIdleAdvances {
			out.Stopped = StopWaiting
			return out, nil
		}
	}
}

func (o *Orchestrator) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ScenarioRun, error) {
	runs, err := o.store.Stores().Runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (o *Orchestrator) GetRun(ctx context.Context, runID string) (domain.ScenarioRun, error) {
	return getRun(ctx, o.store.Stores(), runID)
}

type RunDetail struct {
	Run       domain.ScenarioRun       `json:"run"`
	Steps     []domain.RunStepRecord   `json:"steps"`
	Approvals []domain.ApprovalRequest `json:"approvals"`
}

// GetRunDetail reads the run with its step records and approval requests.
// The three reads are not one snapshot.
func (o *Orchestrator) GetRunDetail(ctx context.Context, runID string) (RunDetail, error) {
	stores := o.store.Stores()
	run, err := getRun(ctx, stores, runID)
	if err != nil {
		return RunDetail{}, err
	}
	records, err := stores.Steps.ListStepRecords(ctx, runID)
	if err != nil {
		return RunDetail{}, fmt.Errorf("list step records: %w", err)
	}
	approvals, err := o.approvals.ListByRun(ctx, runID)
	if err != nil {
		return RunDetail{}, fmt.Errorf("list approvals: %w", err)
	}
	return RunDetail{Run: run, Steps: records, Approvals: approvals}, nil
}

// ResumeDue advances every running run whose not-before deadline passed.
// It returns the number of runs that executed a step. Busy runs are skipped.
func (o *Orchestrator) ResumeDue(ctx context.Context, limit int) (int, error) {
	due, err := o.store.Stores().Runs.ListDueRuns(ctx, o.clock(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due runs: %w", err)
	}
	advanced := 0
	for _, run := range due {
		if err := ctx.Err(); err != nil {
			return advanced, err
		}
		res, err := o.Advance(ctx, run.ID)
		if err != nil {
			if errors.Is(err, domain.ErrRunBusy) {
				continue
			}
			o.logger.Warn("resume run failed", "run_id", run.ID, "error", err)
			continue
		}
		if res.Outcome == OutcomeExecuted {
			advanced++
		}
	}
	return advanced, nil
}
