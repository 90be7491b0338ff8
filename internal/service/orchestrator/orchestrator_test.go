package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/execution/steps"
	"github.com/animus-labs/scenario-engine/internal/generation"
	"github.com/animus-labs/scenario-engine/internal/repo"
	"github.com/animus-labs/scenario-engine/internal/repo/memory"
	"github.com/animus-labs/scenario-engine/internal/service/approvals"
	"github.com/animus-labs/scenario-engine/internal/service/audit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGeneration struct{}

func (fakeGeneration) Generate(_ context.Context, req generation.Request) (generation.Response, error) {
	return generation.Response{Text: "draft: " + req.Prompt, TokensUsed: 7}, nil
}

// blocker holds a custom step until released.
type blocker struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *blocker) handle(ctx context.Context, _ steps.Input) (steps.Result, error) {
	b.calls.Add(1)
	b.started <- struct{}{}
	select {
	case <-b.release:
		return steps.Result{Output: domain.Metadata{"blocked": "done"}}, nil
	case <-ctx.Done():
		return steps.Result{}, ctx.Err()
	}
}

type harness struct {
	store     *memory.Store
	orch      *Orchestrator
	approvals *approvals.Service
	audit     *audit.Service
	clock     *fakeClock
	counted   atomic.Int32
}

func newHarness(t *testing.T, cfg Config, handlers map[string]steps.CustomHandler) *harness {
	t.Helper()
	h := &harness{
		store: memory.New(),
		clock: &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	all := map[string]steps.CustomHandler{
		"count": func(_ context.Context, in steps.Input) (steps.Result, error) {
			h.counted.Add(1)
			return steps.Result{Output: domain.Metadata{"counted_at": in.Step.Position}}, nil
		},
	}
	for name, handler := range handlers {
		all[name] = handler
	}
	registry, err := steps.NewDefaultRegistry(steps.Dependencies{
		Generation: fakeGeneration{},
		Handlers:   all,
		Now:        h.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	journal := audit.NewJournal(h.clock.Now)
	h.approvals = approvals.New(h.store, journal, nil)
	h.audit = audit.New(h.store.Stores(), nil, nil)
	h.orch, err = New(cfg, Deps{
		Store:     h.store,
		Registry:  registry,
		Approvals: h.approvals,
		Journal:   journal,
		Audit:     h.audit,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch.now = h.clock.Now
	h.orch.sleep = func(_ context.Context, d time.Duration) error {
		h.clock.Advance(d)
		return nil
	}
	return h
}

func setStep(position int, key, value string) domain.PlaybookStepSpec {
	return domain.PlaybookStepSpec{
		ID:         "set-" + key,
		Position:   position,
		Type:       domain.StepTypeCustom,
		Parameters: domain.Metadata{"handler": "set", "values": map[string]any{key: value}},
	}
}

func customStep(position int, handler string) domain.PlaybookStepSpec {
	return domain.PlaybookStepSpec{
		ID:         handler,
		Position:   position,
		Type:       domain.StepTypeCustom,
		Parameters: domain.Metadata{"handler": handler},
	}
}

func (h *harness) playbook(t *testing.T, specs ...domain.PlaybookStepSpec) domain.PlaybookDefinition {
	t.Helper()
	def := domain.PlaybookDefinition{
		ID:        "pb-1",
		Name:      "Product recall response",
		Version:   1,
		Steps:     specs,
		Active:    true,
		CreatedAt: h.clock.Now(),
	}
	if err := h.store.Stores().Playbooks.CreatePlaybook(context.Background(), def); err != nil {
		t.Fatalf("CreatePlaybook: %v", err)
	}
	return def
}

func (h *harness) start(t *testing.T, def domain.PlaybookDefinition) domain.ScenarioRun {
	t.Helper()
	run, err := h.orch.StartRun(context.Background(), StartRunRequest{
		PlaybookID: def.ID,
		Version:    def.Version,
		Context:    domain.Metadata{"product": "kettle"},
		Actor:      "analyst@example.com",
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	return run
}

func (h *harness) events(t *testing.T, runID string) []domain.AuditEventType {
	t.Helper()
	entries, err := h.audit.List(context.Background(), runID)
	if err != nil {
		t.Fatalf("List audit: %v", err)
	}
	if err := audit.VerifyEntries(entries); err != nil {
		t.Fatalf("VerifyEntries: %v", err)
	}
	out := make([]domain.AuditEventType, len(entries))
	for i, entry := range entries {
		out[i] = entry.EventType
	}
	return out
}

func (h *harness) lastEntry(t *testing.T, runID string) domain.AuditEntry {
	t.Helper()
	entries, err := h.audit.List(context.Background(), runID)
	if err != nil || len(entries) == 0 {
		t.Fatalf("List audit: %v (%d entries)", err, len(entries))
	}
	return entries[len(entries)-1]
}

func (h *harness) record(t *testing.T, runID string, position int) domain.RunStepRecord {
	t.Helper()
	rec, err := h.store.Stores().Steps.GetStepRecord(context.Background(), runID, position)
	if err != nil {
		t.Fatalf("GetStepRecord(%d): %v", position, err)
	}
	return rec
}

func (h *harness) pendingApproval(t *testing.T, runID string) domain.ApprovalRequest {
	t.Helper()
	pending, err := h.approvals.ListPending(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending approval, got %d", len(pending))
	}
	return pending[0]
}

func sameEvents(got, want []domain.AuditEventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRunCompletesEveryStepInOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	def := h.playbook(t,
		domain.PlaybookStepSpec{ID: "draft", Position: 1, Type: domain.StepTypeGenerateContent, Parameters: domain.Metadata{"prompt": "Statement about the {{product}} recall"}},
		domain.PlaybookStepSpec{ID: "tell", Position: 2, Type: domain.StepTypeNotify, Parameters: domain.Metadata{"channel": "email", "target": "pr@example.com"}},
		setStep(5, "phase", "published"),
	)
	run := h.start(t, def)
	if run.Status != domain.RunStatusRunning || run.CurrentStepPosition != 1 {
		t.Fatalf("unexpected started run: %+v", run)
	}

	res, err := h.orch.RunToCompletion(context.Background(), run.ID, 0)
	if err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if res.Stopped != StopTerminal || res.StepsExecuted != 3 {
		t.Fatalf("unexpected result: stopped=%s steps=%d", res.Stopped, res.StepsExecuted)
	}
	if res.Run.Status != domain.RunStatusCompleted || res.Run.CompletedAt == nil {
		t.Fatalf("expected completed run, got %+v", res.Run)
	}
	if res.Run.TotalTokensUsed != 7 {
		t.Fatalf("expected 7 tokens, got %d", res.Run.TotalTokensUsed)
	}
	if got := res.Run.Context.String("content"); got != "draft: Statement about the kettle recall" {
		t.Fatalf("unexpected generated content %q", got)
	}
	if res.Run.AggregatedOutcome.String("phase") != "published" {
		t.Fatalf("missing merged outcome: %v", res.Run.AggregatedOutcome)
	}

	detail, err := h.orch.GetRunDetail(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRunDetail: %v", err)
	}
	wantPositions := []int{1, 2, 5}
	if len(detail.Steps) != len(wantPositions) {
		t.Fatalf("expected %d step records, got %d", len(wantPositions), len(detail.Steps))
	}
	for i, rec := range detail.Steps {
		if rec.StepPosition != wantPositions[i] || rec.Status != domain.StepStatusCompleted || rec.AttemptCount != 1 {
			t.Fatalf("record %d: %+v", i, rec)
		}
		if rec.IdempotencyKey != domain.IdempotencyKey(run.ID, rec.StepPosition, 1) {
			t.Fatalf("record %d idempotency key %q", i, rec.IdempotencyKey)
		}
	}

	want := []domain.AuditEventType{
		domain.AuditCreated,
		domain.AuditStepCompleted,
		domain.AuditStepCompleted,
		domain.AuditStepCompleted,
		domain.AuditCompleted,
	}
	if got := h.events(t, run.ID); !sameEvents(got, want) {
		t.Fatalf("audit events = %v, want %v", got, want)
	}

	again, err := h.orch.Advance(context.Background(), run.ID)
	if err != nil || again.Outcome != OutcomeNoop {
		t.Fatalf("advance of completed run: outcome=%s err=%v", again.Outcome, err)
	}
}

func TestConcurrentAdvanceExecutesOnce(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, DefaultConfig(), map[string]steps.CustomHandler{"block": b.handle})
	def := h.playbook(t, customStep(1, "block"), setStep(2, "after", "yes"))
	run := h.start(t, def)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Advance(context.Background(), run.ID)
		done <- err
	}()
	<-b.started

	if _, err := h.orch.Advance(context.Background(), run.ID); !errors.Is(err, domain.ErrRunBusy) {
		t.Fatalf("expected run busy, got %v", err)
	}
	if domain.CodeOf(domain.RunBusyError(run.ID)) != domain.CodeConcurrencyConflict {
		t.Fatalf("run busy must carry the concurrency conflict code")
	}

	close(b.release)
	if err := <-done; err != nil {
		t.Fatalf("first Advance: %v", err)
	}
	if calls := b.calls.Load(); calls != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}
	if rec := h.record(t, run.ID, 1); rec.Status != domain.StepStatusCompleted || rec.AttemptCount != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestApprovalGatedScenarioJournal(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	gated := customStep(2, "count")
	gated.RequiresApproval = true
	def := h.playbook(t, setStep(1, "draft", "ready"), gated, setStep(3, "published", "yes"))
	run := h.start(t, def)

	res, err := h.orch.RunToCompletion(context.Background(), run.ID, 0)
	if err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if res.Stopped != StopAwaitingApproval || res.Run.Status != domain.RunStatusAwaitingApproval {
		t.Fatalf("expected awaiting approval, got stopped=%s status=%s", res.Stopped, res.Run.Status)
	}
	if rec := h.record(t, run.ID, 2); rec.Status != domain.StepStatusAwaitingApproval {
		t.Fatalf("expected gated record awaiting approval, got %s", rec.Status)
	}

	for i := 0; i < 3; i++ {
		adv, err := h.orch.Advance(context.Background(), run.ID)
		if err != nil || adv.Outcome != OutcomeNoop {
			t.Fatalf("advance while gated: outcome=%s err=%v", adv.Outcome, err)
		}
	}
	if n := h.counted.Load(); n != 0 {
		t.Fatalf("gated step executed %d times before approval", n)
	}

	req := h.pendingApproval(t, run.ID)
	if req.StepPosition != 2 {
		t.Fatalf("approval for step %d", req.StepPosition)
	}
	resolved, after, err := h.orch.ResolveApproval(context.Background(), req.ID, domain.ResolutionApprove, "lead@example.com", "ship it")
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if resolved.Resolution != domain.ResolutionApprove || after.Status != domain.RunStatusRunning {
		t.Fatalf("unexpected resolution %+v run %s", resolved, after.Status)
	}
	if rec := h.record(t, run.ID, 2); rec.Status != domain.StepStatusPending {
		t.Fatalf("expected approved record pending, got %s", rec.Status)
	}

	res, err = h.orch.RunToCompletion(context.Background(), run.ID, 0)
	if err != nil {
		t.Fatalf("RunToCompletion after approval: %v", err)
	}
	if res.Run.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", res.Run.Status)
	}
	if n := h.counted.Load(); n != 1 {
		t.Fatalf("gated step executed %d times", n)
	}

	want := []domain.AuditEventType{
		domain.AuditCreated,
		domain.AuditStepCompleted,
		domain.AuditApprovalRequested,
		domain.AuditApprovalResolved,
		domain.AuditStepCompleted,
		domain.AuditStepCompleted,
		domain.AuditCompleted,
	}
	if got := h.events(t, run.ID); !sameEvents(got, want) {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
}

func TestGenerateApproveNotifyAdvancedStepByStep(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	def := h.playbook(t,
		domain.PlaybookStepSpec{ID: "draft", Position: 1, Type: domain.StepTypeGenerateContent, Parameters: domain.Metadata{"prompt": "Holding statement for the {{product}} recall"}},
		domain.PlaybookStepSpec{ID: "sign-off", Position: 2, Type: domain.StepTypeApprovalRequired},
		domain.PlaybookStepSpec{ID: "tell", Position: 3, Type: domain.StepTypeNotify, Parameters: domain.Metadata{"channel": "email", "target": "press@example.com"}},
	)
	run := h.start(t, def)
	ctx := context.Background()

	first, err := h.orch.Advance(ctx, run.ID)
	if err != nil || first.Outcome != OutcomeExecuted || first.StepPosition != 1 {
		t.Fatalf("advance 1: outcome=%s position=%d err=%v", first.Outcome, first.StepPosition, err)
	}
	if rec := h.record(t, run.ID, 1); rec.Status != domain.StepStatusCompleted {
		t.Fatalf("step 1 status %s", rec.Status)
	}

	second, err := h.orch.Advance(ctx, run.ID)
	if err != nil || second.Outcome != OutcomeAwaitingApproval || second.Approval == nil {
		t.Fatalf("advance 2: outcome=%s err=%v", second.Outcome, err)
	}
	if second.Run.Status != domain.RunStatusAwaitingApproval {
		t.Fatalf("expected awaiting approval, got %s", second.Run.Status)
	}

	if _, _, err := h.orch.ResolveApproval(ctx, second.Approval.ID, domain.ResolutionApprove, "lead@example.com", ""); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}

	third, err := h.orch.Advance(ctx, run.ID)
	if err != nil || third.Outcome != OutcomeExecuted || third.StepPosition != 2 {
		t.Fatalf("advance 3: outcome=%s position=%d err=%v", third.Outcome, third.StepPosition, err)
	}

	fourth, err := h.orch.Advance(ctx, run.ID)
	if err != nil || fourth.StepPosition != 3 {
		t.Fatalf("advance 4: position=%d err=%v", fourth.StepPosition, err)
	}
	if fourth.Run.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", fourth.Run.Status)
	}

	want := []domain.AuditEventType{
		domain.AuditCreated,
		domain.AuditStepCompleted,
		domain.AuditApprovalRequested,
		domain.AuditApprovalResolved,
		domain.AuditStepCompleted,
		domain.AuditStepCompleted,
		domain.AuditCompleted,
	}
	if got := h.events(t, run.ID); !sameEvents(got, want) {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
}

func TestLateResolutionChangesNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	def := h.playbook(t, domain.PlaybookStepSpec{ID: "gate", Position: 1, Type: domain.StepTypeApprovalRequired}, setStep(2, "x", "y"))
	run := h.start(t, def)
	if _, err := h.orch.Advance(context.Background(), run.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	req := h.pendingApproval(t, run.ID)
	if _, _, err := h.orch.ResolveApproval(context.Background(), req.ID, domain.ResolutionApprove, "lead", ""); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}

	before, _ := h.orch.GetRun(context.Background(), run.ID)
	beforeEvents := h.events(t, run.ID)

	for _, resolution := range []domain.Resolution{domain.ResolutionReject, domain.ResolutionApprove, domain.ResolutionSkip} {
		_, _, err := h.orch.ResolveApproval(context.Background(), req.ID, resolution, "other", "")
		if !errors.Is(err, domain.ErrAlreadyResolved) {
			t.Fatalf("%s: expected already resolved, got %v", resolution, err)
		}
	}

	after, _ := h.orch.GetRun(context.Background(), run.ID)
	if after.Version != before.Version || after.Status != before.Status {
		t.Fatalf("late resolution changed the run: %+v -> %+v", before, after)
	}
	if got := h.events(t, run.ID); !sameEvents(got, beforeEvents) {
		t.Fatalf("late resolution wrote audit entries: %v", got)
	}
	stored, err := h.approvals.Get(context.Background(), req.ID)
	if err != nil || stored.Resolution != domain.ResolutionApprove {
		t.Fatalf("stored resolution %s err=%v", stored.Resolution, err)
	}
}

func TestRejectionPolicy(t *testing.T) {
	cases := []struct {
		name         string
		failOnReject bool
		wantStatus   domain.RunStatus
		wantEvents   []domain.AuditEventType
	}{
		{
			name:         "fail run",
			failOnReject: true,
			wantStatus:   domain.RunStatusFailed,
			wantEvents: []domain.AuditEventType{
				domain.AuditCreated,
				domain.AuditApprovalRequested,
				domain.AuditApprovalResolved,
				domain.AuditStepFailed,
			},
		},
		{
			name:         "continue",
			failOnReject: false,
			wantStatus:   domain.RunStatusCompleted,
			wantEvents: []domain.AuditEventType{
				domain.AuditCreated,
				domain.AuditApprovalRequested,
				domain.AuditApprovalResolved,
				domain.AuditStepFailed,
				domain.AuditStepCompleted,
				domain.AuditCompleted,
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.FailRunOnRejection = tc.failOnReject
			h := newHarness(t, cfg, nil)
			gated := customStep(1, "count")
			gated.RequiresApproval = true
			run := h.start(t, h.playbook(t, gated, setStep(2, "after", "yes")))

			if _, err := h.orch.Advance(context.Background(), run.ID); err != nil {
				t.Fatalf("Advance: %v", err)
			}
			req := h.pendingApproval(t, run.ID)
			if _, _, err := h.orch.ResolveApproval(context.Background(), req.ID, domain.ResolutionReject, "lead", "tone is off"); err != nil {
				t.Fatalf("ResolveApproval: %v", err)
			}
			res, err := h.orch.RunToCompletion(context.Background(), run.ID, 0)
			if err != nil {
				t.Fatalf("RunToCompletion: %v", err)
			}
			if res.Run.Status != tc.wantStatus {
				t.Fatalf("status %s, want %s", res.Run.Status, tc.wantStatus)
			}
			if tc.failOnReject && (res.Run.ErrorDetails == nil || res.Run.ErrorDetails.Code != domain.CodeApprovalRejected) {
				t.Fatalf("unexpected error details %+v", res.Run.ErrorDetails)
			}
			rec := h.record(t, run.ID, 1)
			if rec.Status != domain.StepStatusFailed || !strings.Contains(rec.LastError, "tone is off") {
				t.Fatalf("unexpected rejected record %+v", rec)
			}
			if h.counted.Load() != 0 {
				t.Fatalf("rejected step executed")
			}
			if got := h.events(t, run.ID); !sameEvents(got, tc.wantEvents) {
				t.Fatalf("audit events = %v, want %v", got, tc.wantEvents)
			}
		})
	}
}

func TestSkipMovesPastGatedStep(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	gated := customStep(1, "count")
	gated.RequiresApproval = true
	run := h.start(t, h.playbook(t, gated))

	if _, err := h.orch.Advance(context.Background(), run.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	req := h.pendingApproval(t, run.ID)
	_, after, err := h.orch.ResolveApproval(context.Background(), req.ID, domain.ResolutionSkip, "lead", "")
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if after.Status != domain.RunStatusCompleted {
		t.Fatalf("skipping the last step should complete the run, got %s", after.Status)
	}
	if rec := h.record(t, run.ID, 1); rec.Status != domain.StepStatusSkipped {
		t.Fatalf("expected skipped record, got %s", rec.Status)
	}
	if h.counted.Load() != 0 {
		t.Fatalf("skipped step executed")
	}
	if last := h.lastEntry(t, run.ID); last.EventType != domain.AuditCompleted {
		t.Fatalf("last entry %s", last.EventType)
	}
}

func TestApprovalsDisabledBypassesGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApprovalsEnabled = false
	h := newHarness(t, cfg, nil)
	gated := customStep(1, "count")
	gated.RequiresApproval = true
	run := h.start(t, h.playbook(t, gated))

	res, err := h.orch.RunToCompletion(context.Background(), run.ID, 0)
	if err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if res.Run.Status != domain.RunStatusCompleted || h.counted.Load() != 1 {
		t.Fatalf("status %s executions %d", res.Run.Status, h.counted.Load())
	}
	pending, _ := h.approvals.ListByRun(context.Background(), run.ID)
	if len(pending) != 0 {
		t.Fatalf("no approval requests expected, got %d", len(pending))
	}
}

func TestAbortFromEveryNonTerminalState(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, h *harness, runID string)
		from  domain.RunStatus
	}{
		{
			name:  "running",
			setup: func(*testing.T, *harness, string) {},
			from:  domain.RunStatusRunning,
		},
		{
			name: "paused",
			setup: func(t *testing.T, h *harness, runID string) {
				if _, err := h.orch.Pause(context.Background(), runID, "ops"); err != nil {
					t.Fatalf("Pause: %v", err)
				}
			},
			from: domain.RunStatusPaused,
		},
		{
			name: "awaiting approval",
			setup: func(t *testing.T, h *harness, runID string) {
				if _, err := h.orch.Advance(context.Background(), runID); err != nil {
					t.Fatalf("Advance: %v", err)
				}
				if _, err := h.orch.Advance(context.Background(), runID); err != nil {
					t.Fatalf("Advance: %v", err)
				}
			},
			from: domain.RunStatusAwaitingApproval,
		},
		{
			name: "retry scheduled",
			setup: func(t *testing.T, h *harness, runID string) {
				if _, err := h.orch.Advance(context.Background(), runID); err != nil {
					t.Fatalf("Advance: %v", err)
				}
				if _, err := h.orch.Advance(context.Background(), runID); err != nil {
					t.Fatalf("Advance: %v", err)
				}
				if _, _, err := h.orch.ResolveApproval(context.Background(), h.pendingApproval(t, runID).ID, domain.ResolutionApprove, "lead", ""); err != nil {
					t.Fatalf("ResolveApproval: %v", err)
				}
				res, err := h.orch.Advance(context.Background(), runID)
				if err != nil || res.StepError == nil {
					t.Fatalf("expected a scheduled retry, got %+v err=%v", res, err)
				}
			},
			from: domain.RunStatusRunning,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flaky := func(context.Context, steps.Input) (steps.Result, error) {
				return steps.Result{}, domain.TransientStepError(errors.New("provider unavailable"))
			}
			h := newHarness(t, DefaultConfig(), map[string]steps.CustomHandler{"flaky": flaky})
			gated := customStep(2, "flaky")
			gated.RequiresApproval = true
			run := h.start(t, h.playbook(t, setStep(1, "a", "b"), gated))
			tc.setup(t, h, run.ID)

			current, _ := h.orch.GetRun(context.Background(), run.ID)
			if current.Status != tc.from {
				t.Fatalf("setup left run %s, want %s", current.Status, tc.from)
			}

			aborted, err := h.orch.Abort(context.Background(), run.ID, "ops", "incident closed")
			if err != nil {
				t.Fatalf("Abort: %v", err)
			}
			if aborted.Status != domain.RunStatusCanceled || aborted.CompletedAt == nil {
				t.Fatalf("unexpected aborted run %+v", aborted)
			}
			if aborted.ErrorDetails == nil || aborted.ErrorDetails.Code != domain.CodeCanceled {
				t.Fatalf("unexpected error details %+v", aborted.ErrorDetails)
			}
			pending, err := h.approvals.ListPending(context.Background(), run.ID, 0)
			if err != nil || len(pending) != 0 {
				t.Fatalf("pending approvals after abort: %d err=%v", len(pending), err)
			}
			records, _ := h.store.Stores().Steps.ListStepRecords(context.Background(), run.ID)
			for _, rec := range records {
				if !rec.Status.IsTerminal() {
					t.Fatalf("record %d left %s", rec.StepPosition, rec.Status)
				}
			}
			last := h.lastEntry(t, run.ID)
			if last.EventType != domain.AuditAborted || last.Payload["from"] != string(tc.from) {
				t.Fatalf("unexpected last entry %+v", last)
			}
			h.events(t, run.ID)

			if _, err := h.orch.Abort(context.Background(), run.ID, "ops", "again"); !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("second abort: expected invalid transition, got %v", err)
			}
		})
	}
}

func TestAbortReleasesPendingApprovalAsSkip(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	run := h.start(t, h.playbook(t, domain.PlaybookStepSpec{ID: "gate", Position: 1, Type: domain.StepTypeApprovalRequired}))
	if _, err := h.orch.Advance(context.Background(), run.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	req := h.pendingApproval(t, run.ID)
	if _, err := h.orch.Abort(context.Background(), run.ID, "ops", "duplicate incident"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	released, err := h.approvals.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if released.Resolution != domain.ResolutionSkip || released.ResolvedBy != "ops" {
		t.Fatalf("unexpected released request %+v", released)
	}
	if rec := h.record(t, run.ID, 1); rec.Status != domain.StepStatusSkipped {
		t.Fatalf("expected skipped record, got %s", rec.Status)
	}
	want := []domain.AuditEventType{
		domain.AuditCreated,
		domain.AuditApprovalRequested,
		domain.AuditApprovalResolved,
		domain.AuditAborted,
	}
	if got := h.events(t, run.ID); !sameEvents(got, want) {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
	if _, _, err := h.orch.ResolveApproval(context.Background(), req.ID, domain.ResolutionApprove, "lead", ""); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("expected already resolved, got %v", err)
	}
}

func TestRetryExhaustionFailsRun(t *testing.T) {
	var calls atomic.Int32
	flaky := func(_ context.Context, in steps.Input) (steps.Result, error) {
		calls.Add(1)
		if in.IdempotencyKey != domain.IdempotencyKey(in.RunID, 1, in.Attempt) {
			return steps.Result{}, domain.ValidationErrorf("unexpected idempotency key %s", in.IdempotencyKey)
		}
		return steps.Result{}, domain.TransientStepError(generation.ErrTimeout)
	}
	h := newHarness(t, DefaultConfig(), map[string]steps.CustomHandler{"flaky": flaky})
	run := h.start(t, h.playbook(t, customStep(1, "flaky"), setStep(2, "never", "reached")))
	started := h.clock.Now()

	res, err := h.orch.RunToCompletion(context.Background(), run.ID, 0)
	if err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if res.Run.Status != domain.RunStatusFailed || res.StepsExecuted != 3 {
		t.Fatalf("status %s after %d executions", res.Run.Status, res.StepsExecuted)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	rec := h.record(t, run.ID, 1)
	if rec.Status != domain.StepStatusFailed || rec.AttemptCount != 3 || rec.LastError == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if res.Run.ErrorDetails == nil || res.Run.ErrorDetails.Code != domain.CodeTransientStep || res.Run.ErrorDetails.StepPosition != 1 {
		t.Fatalf("unexpected error details %+v", res.Run.ErrorDetails)
	}
	// Backoff of 2s then 4s.
	if waited := h.clock.Now().Sub(started); waited != 6*time.Second {
		t.Fatalf("expected 6s of backoff, got %s", waited)
	}
	want := []domain.AuditEventType{
		domain.AuditCreated,
		domain.AuditStepFailed,
		domain.AuditStepFailed,
		domain.AuditStepFailed,
	}
	if got := h.events(t, run.ID); !sameEvents(got, want) {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
	last := h.lastEntry(t, run.ID)
	if last.Payload["run_status"] != string(domain.RunStatusFailed) || last.Payload["retry_scheduled"] != nil {
		t.Fatalf("unexpected final failure payload %v", last.Payload)
	}
}

func TestRetryIsScheduledWithBackoff(t *testing.T) {
	attempts := 0
	recovering := func(context.Context, steps.Input) (steps.Result, error) {
		attempts++
		if attempts == 1 {
			return steps.Result{}, errors.New("connection reset")
		}
		return steps.Result{Output: domain.Metadata{"ok": true}}, nil
	}
	h := newHarness(t, DefaultConfig(), map[string]steps.CustomHandler{"recovering": recovering})
	run := h.start(t, h.playbook(t, customStep(1, "recovering")))

	first, err := h.orch.Advance(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if first.StepError == nil || first.Run.Status != domain.RunStatusRunning {
		t.Fatalf("expected scheduled retry, got %+v", first)
	}
	if first.Run.ResumeAfter == nil || !first.Run.ResumeAfter.Equal(h.clock.Now().Add(2*time.Second)) {
		t.Fatalf("unexpected resume after %v", first.Run.ResumeAfter)
	}
	if rec := h.record(t, run.ID, 1); rec.Status != domain.StepStatusPending || rec.AttemptCount != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}

	waiting, err := h.orch.Advance(context.Background(), run.ID)
	if err != nil || waiting.Outcome != OutcomeWaiting {
		t.Fatalf("expected waiting, got %s err=%v", waiting.Outcome, err)
	}

	h.clock.Advance(2 * time.Second)
	second, err := h.orch.Advance(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if second.Run.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", second.Run.Status)
	}
	if rec := h.record(t, run.ID, 1); rec.AttemptCount != 2 || rec.LastError != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	run := h.start(t, h.playbook(t, domain.PlaybookStepSpec{ID: "bad", Position: 1, Type: domain.StepTypeNotify}))

	res, err := h.orch.Advance(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Run.Status != domain.RunStatusFailed || domain.CodeOf(res.StepError) != domain.CodeValidation {
		t.Fatalf("expected validation failure, got status=%s err=%v", res.Run.Status, res.StepError)
	}
	if rec := h.record(t, run.ID, 1); rec.AttemptCount != 1 {
		t.Fatalf("validation failures must not retry, attempts=%d", rec.AttemptCount)
	}
}

func TestStepTimeoutIsRetryable(t *testing.T) {
	slow := func(ctx context.Context, _ steps.Input) (steps.Result, error) {
		<-ctx.Done()
		return steps.Result{}, ctx.Err()
	}
	cfg := DefaultConfig()
	cfg.StepTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, map[string]steps.CustomHandler{"slow": slow})
	run := h.start(t, h.playbook(t, customStep(1, "slow")))

	res, err := h.orch.Advance(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if domain.CodeOf(res.StepError) != domain.CodeTransientStep {
		t.Fatalf("expected transient step error, got %v", res.StepError)
	}
	if res.Run.Status != domain.RunStatusRunning || res.Run.ResumeAfter == nil || !res.Run.ResumeAfter.Equal(h.clock.Now().Add(2*time.Second)) {
		t.Fatalf("expected scheduled retry, got %+v", res.Run)
	}
	if rec := h.record(t, run.ID, 1); rec.Status != domain.StepStatusPending || rec.AttemptCount != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if last := h.lastEntry(t, run.ID); last.Payload["retry_scheduled"] != true {
		t.Fatalf("expected retry_scheduled in %v", last.Payload)
	}
}

func TestExecutorIgnoringDeadlineRunsOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	defer close(release)
	stubborn := func(context.Context, steps.Input) (steps.Result, error) {
		calls.Add(1)
		<-release
		return steps.Result{Output: domain.Metadata{"late": true}}, nil
	}
	cfg := DefaultConfig()
	cfg.StepTimeout = 20 * time.Millisecond
	cfg.LeaseGrace = 0
	h := newHarness(t, cfg, map[string]steps.CustomHandler{"stubborn": stubborn})
	run := h.start(t, h.playbook(t, customStep(1, "stubborn"), setStep(2, "after", "yes")))

	type advanced struct {
		res AdvanceResult
		err error
	}
	done := make(chan advanced, 1)
	go func() {
		res, err := h.orch.Advance(context.Background(), run.ID)
		done <- advanced{res, err}
	}()
	var first advanced
	select {
	case first = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Advance still blocked after the step deadline")
	}
	if first.err != nil || domain.CodeOf(first.res.StepError) != domain.CodeTransientStep {
		t.Fatalf("expected transient timeout, got res=%+v err=%v", first.res, first.err)
	}
	if rec := h.record(t, run.ID, 1); rec.Status != domain.StepStatusPending || rec.AttemptCount != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}

	h.clock.Advance(time.Second)
	again, err := h.orch.Advance(context.Background(), run.ID)
	if err != nil || again.Outcome != OutcomeWaiting {
		t.Fatalf("expected waiting for backoff, got %s err=%v", again.Outcome, err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("step 1 executed %d times", n)
	}
	if rec := h.record(t, run.ID, 1); rec.Result != nil {
		t.Fatalf("late result leaked into the record: %v", rec.Result)
	}
}

func TestExpiredLeaseStartsNewAttempt(t *testing.T) {
	var keys []string
	record := func(_ context.Context, in steps.Input) (steps.Result, error) {
		keys = append(keys, in.IdempotencyKey)
		return steps.Result{}, nil
	}
	h := newHarness(t, DefaultConfig(), map[string]steps.CustomHandler{"record": record})
	run := h.start(t, h.playbook(t, customStep(1, "record")))

	startedAt := h.clock.Now()
	if _, _, err := h.store.Stores().Steps.InsertStepRecord(context.Background(), domain.RunStepRecord{
		ID:             "rec-1",
		RunID:          run.ID,
		StepPosition:   1,
		StepID:         "record",
		StepType:       domain.StepTypeCustom,
		Status:         domain.StepStatusRunning,
		StartedAt:      &startedAt,
		AttemptCount:   1,
		IdempotencyKey: domain.IdempotencyKey(run.ID, 1, 1),
	}); err != nil {
		t.Fatalf("InsertStepRecord: %v", err)
	}

	res, err := h.orch.Advance(context.Background(), run.ID)
	if err != nil || res.Run.Status != domain.RunStatusCompleted {
		t.Fatalf("Advance: status=%s err=%v", res.Run.Status, err)
	}
	if len(keys) != 1 || keys[0] != domain.IdempotencyKey(run.ID, 1, 2) {
		t.Fatalf("expected a single execution as attempt 2, got %v", keys)
	}
	if rec := h.record(t, run.ID, 1); rec.AttemptCount != 2 || rec.Status != domain.StepStatusCompleted {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestPanickingExecutorFailsRunWithSnapshot(t *testing.T) {
	boom := func(context.Context, steps.Input) (steps.Result, error) {
		panic("nil map write")
	}
	h := newHarness(t, DefaultConfig(), map[string]steps.CustomHandler{"boom": boom})
	run := h.start(t, h.playbook(t, customStep(1, "boom")))

	res, err := h.orch.Advance(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Run.Status != domain.RunStatusFailed || res.Run.ErrorDetails.Code != domain.CodeFatalOrchestrator {
		t.Fatalf("unexpected run %+v", res.Run)
	}
	last := h.lastEntry(t, run.ID)
	snapshot, ok := last.Payload["snapshot"].(map[string]any)
	if !ok {
		t.Fatalf("missing snapshot in %v", last.Payload)
	}
	if _, ok := snapshot["step_records"]; !ok {
		t.Fatalf("snapshot lacks step records: %v", snapshot)
	}
}

func TestPauseAndResumeTransitions(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	run := h.start(t, h.playbook(t, setStep(1, "a", "b"), setStep(2, "c", "d")))

	if _, err := h.orch.Resume(context.Background(), run.ID, "ops"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("resume of running run: %v", err)
	}
	paused, err := h.orch.Pause(context.Background(), run.ID, "ops")
	if err != nil || paused.Status != domain.RunStatusPaused {
		t.Fatalf("Pause: %v %s", err, paused.Status)
	}
	if _, err := h.orch.Pause(context.Background(), run.ID, "ops"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second pause: %v", err)
	}
	res, err := h.orch.RunToCompletion(context.Background(), run.ID, 0)
	if err != nil || res.Stopped != StopPaused || res.StepsExecuted != 0 {
		t.Fatalf("paused run advanced: %+v err=%v", res, err)
	}
	if _, err := h.orch.Resume(context.Background(), run.ID, "ops"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	res, err = h.orch.RunToCompletion(context.Background(), run.ID, 0)
	if err != nil || res.Run.Status != domain.RunStatusCompleted {
		t.Fatalf("RunToCompletion: %+v err=%v", res, err)
	}
	if _, err := h.orch.Pause(context.Background(), run.ID, "ops"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("pause of completed run: %v", err)
	}
	want := []domain.AuditEventType{
		domain.AuditCreated,
		domain.AuditPaused,
		domain.AuditResumed,
		domain.AuditStepCompleted,
		domain.AuditStepCompleted,
		domain.AuditCompleted,
	}
	if got := h.events(t, run.ID); !sameEvents(got, want) {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
}

func TestPauseDuringStepKeepsResult(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, DefaultConfig(), map[string]steps.CustomHandler{"block": b.handle})
	run := h.start(t, h.playbook(t, customStep(1, "block"), setStep(2, "x", "y")))

	done := make(chan AdvanceResult, 1)
	go func() {
		res, _ := h.orch.Advance(context.Background(), run.ID)
		done <- res
	}()
	<-b.started
	if _, err := h.orch.Pause(context.Background(), run.ID, "ops"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(b.release)
	res := <-done

	if res.Outcome != OutcomeExecuted || res.Run.Status != domain.RunStatusPaused || res.Run.CurrentStepPosition != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if rec := h.record(t, run.ID, 1); rec.Status != domain.StepStatusCompleted {
		t.Fatalf("expected completed record, got %s", rec.Status)
	}
}

func TestPauseDuringFinalStepCompletesRun(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, DefaultConfig(), map[string]steps.CustomHandler{"block": b.handle})
	run := h.start(t, h.playbook(t, customStep(1, "block")))

	done := make(chan AdvanceResult, 1)
	go func() {
		res, _ := h.orch.Advance(context.Background(), run.ID)
		done <- res
	}()
	<-b.started
	if _, err := h.orch.Pause(context.Background(), run.ID, "ops"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(b.release)
	res := <-done

	if !domain.CanTransitionRun(domain.RunStatusPaused, domain.RunStatusCompleted) {
		t.Fatalf("paused runs must be able to complete")
	}
	if res.Run.Status != domain.RunStatusCompleted || res.Run.CompletedAt == nil {
		t.Fatalf("expected the in-flight final step to complete the paused run, got %+v", res.Run)
	}
}

func TestAbortDiscardsInFlightResult(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, DefaultConfig(), map[string]steps.CustomHandler{"block": b.handle})
	run := h.start(t, h.playbook(t, customStep(1, "block"), setStep(2, "x", "y")))

	done := make(chan AdvanceResult, 1)
	go func() {
		res, _ := h.orch.Advance(context.Background(), run.ID)
		done <- res
	}()
	<-b.started
	if _, err := h.orch.Abort(context.Background(), run.ID, "ops", "stop"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	close(b.release)
	res := <-done

	if res.Outcome != OutcomeDiscarded || res.Run.Status != domain.RunStatusCanceled {
		t.Fatalf("unexpected result %+v", res)
	}
	rec := h.record(t, run.ID, 1)
	if rec.Status != domain.StepStatusFailed || !strings.Contains(rec.LastError, "canceled") || rec.Result != nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	if last := h.lastEntry(t, run.ID); last.EventType != domain.AuditAborted {
		t.Fatalf("discarded result was journaled: %s", last.EventType)
	}
}

func TestWaitStepSuspendsUntilDue(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	run := h.start(t, h.playbook(t,
		domain.PlaybookStepSpec{ID: "cool-off", Position: 1, Type: domain.StepTypeWait, WaitDurationSeconds: 60},
		setStep(2, "followed_up", "yes"),
	))

	res, err := h.orch.RunToCompletion(context.Background(), run.ID, 0)
	if err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if res.Stopped != StopWaiting || res.StepsExecuted != 1 {
		t.Fatalf("expected to stop waiting after one step, got %+v", res)
	}
	wantResume := h.clock.Now().Add(time.Minute)
	if res.Run.ResumeAfter == nil || !res.Run.ResumeAfter.Equal(wantResume) {
		t.Fatalf("resume after %v, want %v", res.Run.ResumeAfter, wantResume)
	}

	if n, err := h.orch.ResumeDue(context.Background(), 10); err != nil || n != 0 {
		t.Fatalf("ResumeDue before deadline: n=%d err=%v", n, err)
	}
	h.clock.Advance(61 * time.Second)
	if n, err := h.orch.ResumeDue(context.Background(), 10); err != nil || n != 1 {
		t.Fatalf("ResumeDue after deadline: n=%d err=%v", n, err)
	}
	final, _ := h.orch.GetRun(context.Background(), run.ID)
	if final.Status != domain.RunStatusCompleted || final.ResumeAfter != nil {
		t.Fatalf("unexpected final run %+v", final)
	}
}

func TestBranchJumpsForward(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	run := h.start(t, h.playbook(t,
		setStep(1, "severity", "high"),
		domain.PlaybookStepSpec{ID: "route", Position: 2, Type: domain.StepTypeBranch, Parameters: domain.Metadata{
			"branches": []any{
				map[string]any{"label": "escalate", "when": `severity == "high"`, "target": 4},
			},
			"default": 3,
		}},
		customStep(3, "count"),
		setStep(4, "escalated", "yes"),
	))

	res, err := h.orch.RunToCompletion(context.Background(), run.ID, 0)
	if err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if res.Run.Status != domain.RunStatusCompleted || res.StepsExecuted != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.counted.Load() != 0 {
		t.Fatalf("skipped branch executed")
	}
	if _, err := h.store.Stores().Steps.GetStepRecord(context.Background(), run.ID, 3); err == nil {
		t.Fatalf("bypassed step should have no record")
	}
	entries, _ := h.audit.List(context.Background(), run.ID)
	branch := entries[2]
	if branch.Payload["branch"] != "escalate" || branch.Payload["branch_target"] != 4 {
		t.Fatalf("unexpected branch entry %v", branch.Payload)
	}
}

func TestRunToCompletionRespectsBudget(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	run := h.start(t, h.playbook(t, setStep(1, "a", "1"), setStep(2, "b", "2"), setStep(3, "c", "3")))

	res, err := h.orch.RunToCompletion(context.Background(), run.ID, 2)
	if err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if res.Stopped != StopBudgetExhausted || res.StepsExecuted != 2 || res.Run.CurrentStepPosition != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestStartRunRejectsUnusablePlaybooks(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.playbook(t, setStep(1, "a", "b"))
	if err := h.store.Stores().Playbooks.SetPlaybookActive(context.Background(), "pb-1", false); err != nil {
		t.Fatalf("SetPlaybookActive: %v", err)
	}
	cases := []StartRunRequest{
		{PlaybookID: ""},
		{PlaybookID: "missing"},
		{PlaybookID: "pb-1", Version: 9},
		{PlaybookID: "pb-1", Version: 1},
	}
	for _, req := range cases {
		if _, err := h.orch.StartRun(context.Background(), req); !errors.Is(err, domain.ErrInvalidPlaybook) {
			t.Fatalf("%+v: expected invalid playbook, got %v", req, err)
		}
	}
	runs, _ := h.orch.ListRuns(context.Background(), repo.RunFilter{})
	if len(runs) != 0 {
		t.Fatalf("rejected starts created %d runs", len(runs))
	}
}

func TestAdvanceUnknownRun(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	if _, err := h.orch.Advance(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
