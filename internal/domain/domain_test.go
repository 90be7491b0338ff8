package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCanTransitionRun(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunStatusQueued, RunStatusRunning, true},
		{RunStatusRunning, RunStatusPaused, true},
		{RunStatusPaused, RunStatusRunning, true},
		{RunStatusRunning, RunStatusAwaitingApproval, true},
		{RunStatusAwaitingApproval, RunStatusRunning, true},
		{RunStatusAwaitingApproval, RunStatusPaused, false},
		{RunStatusQueued, RunStatusPaused, false},
		{RunStatusCompleted, RunStatusRunning, false},
		{RunStatusCanceled, RunStatusRunning, false},
		{RunStatusFailed, RunStatusFailed, true},
		{"", RunStatusRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransitionRun(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransitionRun(%s, %s)=%v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
	for _, status := range []RunStatus{RunStatusQueued, RunStatusRunning, RunStatusPaused, RunStatusAwaitingApproval} {
		if !CanTransitionRun(status, RunStatusCanceled) {
			t.Fatalf("expected %s to be abortable", status)
		}
	}
}

func TestNormalizeRunStatus(t *testing.T) {
	if got := NormalizeRunStatus(" Cancelled "); got != RunStatusCanceled {
		t.Fatalf("NormalizeRunStatus=%q", got)
	}
	if got := NormalizeRunStatus("bogus"); got != "" {
		t.Fatalf("expected empty status, got %q", got)
	}
}

func TestErrorsMatchSentinels(t *testing.T) {
	wrapped := fmt.Errorf("start run: %w", InvalidPlaybookError("playbook %s has no steps", "pb-1"))
	if !errors.Is(wrapped, ErrInvalidPlaybook) {
		t.Fatalf("expected invalid playbook sentinel match")
	}
	if errors.Is(wrapped, ErrRunBusy) {
		t.Fatalf("unexpected run busy match")
	}
	if CodeOf(wrapped) != CodeValidation {
		t.Fatalf("CodeOf=%s", CodeOf(wrapped))
	}
	if CodeOf(RunBusyError("run-1")) != CodeConcurrencyConflict {
		t.Fatalf("expected concurrency conflict code")
	}
	if !IsRetryable(TransientStepError(errors.New("timeout"))) {
		t.Fatalf("expected transient error to be retryable")
	}
	if IsRetryable(FatalOrchestratorError("corrupt")) {
		t.Fatalf("fatal error must not be retryable")
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Fatalf("expected internal code for plain errors")
	}
}

func TestValidationErrorAggregates(t *testing.T) {
	issues := &ValidationError{}
	if issues.OrNil() != nil {
		t.Fatalf("expected nil without issues")
	}
	issues.Add("step[0] type is required")
	issues.Add(" ")
	issues.Add("duplicate position 2")
	err := issues.OrNil()
	if err == nil || len(issues.Issues) != 2 {
		t.Fatalf("expected two issues, got %v", issues.Issues)
	}
	if !errors.Is(err, ErrInvalidPlaybook) || CodeOf(err) != CodeValidation {
		t.Fatalf("expected validation classification")
	}
}

func TestPlaybookPositions(t *testing.T) {
	pb := PlaybookDefinition{Steps: []PlaybookStepSpec{
		{Position: 30, Type: StepTypeNotify},
		{Position: 10, Type: StepTypeGenerateContent},
		{Position: 20, Type: StepTypeApprovalRequired},
	}}
	if pb.FirstPosition() != 10 {
		t.Fatalf("FirstPosition=%d", pb.FirstPosition())
	}
	next, ok := pb.NextPosition(10)
	if !ok || next != 20 {
		t.Fatalf("NextPosition(10)=%d,%v", next, ok)
	}
	if _, ok := pb.NextPosition(30); ok {
		t.Fatalf("expected no position after the last step")
	}
	step, _ := pb.StepAt(20)
	if !step.NeedsApproval() {
		t.Fatalf("approval-required steps are always gated")
	}
}

func TestEnsureRunIdentityImmutable(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	before := ScenarioRun{ID: "run-1", PlaybookID: "pb", PlaybookVersion: 1, CreatedAt: created, Status: RunStatusRunning}

	after := before
	after.Status = RunStatusPaused
	if err := EnsureRunIdentityImmutable(before, after); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	after.PlaybookVersion = 2
	if err := EnsureRunIdentityImmutable(before, after); err == nil {
		t.Fatalf("expected pin change rejection")
	}

	terminal := before
	terminal.Status = RunStatusCompleted
	reopened := terminal
	reopened.Status = RunStatusRunning
	if err := EnsureRunIdentityImmutable(terminal, reopened); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestMetadataHelpers(t *testing.T) {
	base := Metadata{"a": 1, "b": "x"}
	merged := base.Merge(Metadata{"b": "y", "c": 2.0})
	if merged["b"] != "y" || base["b"] != "x" {
		t.Fatalf("merge must be last-writer-wins without mutating the receiver")
	}
	if v, ok := merged.Int("c"); !ok || v != 2 {
		t.Fatalf("Int(c)=%d,%v", v, ok)
	}
	if IdempotencyKey("run-1", 2, 3) != "run-1:2:3" {
		t.Fatalf("unexpected idempotency key")
	}
}
