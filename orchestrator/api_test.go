package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/generation"
	"github.com/animus-labs/scenario-engine/internal/platform/auth"
	"github.com/animus-labs/scenario-engine/internal/platform/httpserver"
	"github.com/animus-labs/scenario-engine/internal/repo/memory"
	"github.com/animus-labs/scenario-engine/internal/service/orchestrator"
	"github.com/animus-labs/scenario-engine/internal/service/simulator"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	api, err := newEngine(engineConfig{
		Orchestrator: orchestrator.DefaultConfig(),
		Simulator:    simulator.DefaultConfig(),
	}, engineDeps{
		Store:      memory.New(),
		Generation: generation.NewDeterministicClient(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	validator, err := newRequestValidator(context.Background())
	if err != nil {
		t.Fatalf("newRequestValidator: %v", err)
	}
	mux := http.NewServeMux()
	api.register(mux)
	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: auth.NewHeaderAuthenticator(auth.DefaultActorHeader),
		Authorize:     auth.RouteRoleAuthorizer(),
	}.Wrap(validator.Wrap(mux))
	srv := httptest.NewServer(httpserver.Wrap(logger, serviceName, handler))
	t.Cleanup(srv.Close)
	return srv
}

type response struct {
	status int
	header http.Header
	body   map[string]any
	raw    []byte
}

func call(t *testing.T, srv *httptest.Server, method, path, contentType string, body any) response {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(auth.DefaultActorHeader, "lead@example.com")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := response{status: resp.StatusCode, header: resp.Header, raw: raw}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out.body); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return out
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) response {
	t.Helper()
	return call(t, srv, http.MethodPost, path, "application/json", body)
}

func get(t *testing.T, srv *httptest.Server, path string) response {
	t.Helper()
	return call(t, srv, http.MethodGet, path, "", nil)
}

func expectStatus(t *testing.T, resp response, want int) {
	t.Helper()
	if resp.status != want {
		t.Fatalf("status = %d, want %d: %s", resp.status, want, resp.raw)
	}
}

func object(t *testing.T, v any, key string) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected object, got %T", v)
	}
	out, ok := m[key].(map[string]any)
	if !ok {
		t.Fatalf("expected object at %q, got %T", key, m[key])
	}
	return out
}

func list(t *testing.T, v map[string]any, key string) []any {
	t.Helper()
	out, ok := v[key].([]any)
	if !ok {
		t.Fatalf("expected list at %q, got %T", key, v[key])
	}
	return out
}

func launchPlaybook() map[string]any {
	return map[string]any{
		"id":                "launch",
		"name":              "Product launch",
		"category":          "marketing",
		"trigger_condition": `kind == "launch"`,
		"steps": []any{
			map[string]any{"position": 1, "type": "generate-content", "parameters": map[string]any{"prompt": "Announce {{product}}"}},
			map[string]any{"position": 2, "type": "approval-required"},
			map[string]any{"position": 3, "type": "notify", "parameters": map[string]any{"channel": "press"}},
		},
	}
}

func TestApprovalGatedRunOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	created := postJSON(t, srv, "/playbooks", launchPlaybook())
	expectStatus(t, created, http.StatusCreated)
	if v := object(t, created.body, "playbook")["version"]; v != float64(1) {
		t.Fatalf("version = %v", v)
	}
	dup := postJSON(t, srv, "/playbooks", launchPlaybook())
	expectStatus(t, dup, http.StatusConflict)
	if dup.body["error"] != string(domain.CodeConcurrencyConflict) {
		t.Fatalf("error = %v", dup.body["error"])
	}

	started := postJSON(t, srv, "/runs", map[string]any{
		"playbook_id": "launch",
		"context":     map[string]any{"product": "Widget"},
		"advance":     true,
	})
	expectStatus(t, started, http.StatusCreated)
	run := object(t, started.body, "run")
	runID, _ := run["id"].(string)
	if started.body["stopped"] != string(orchestrator.StopAwaitingApproval) || run["status"] != string(domain.RunStatusAwaitingApproval) {
		t.Fatalf("unexpected start %s", started.raw)
	}
	if started.body["steps_executed"] != float64(1) {
		t.Fatalf("steps_executed = %v", started.body["steps_executed"])
	}

	pending := get(t, srv, "/approvals?run_id="+runID)
	expectStatus(t, pending, http.StatusOK)
	approvals := list(t, pending.body, "approvals")
	if len(approvals) != 1 {
		t.Fatalf("pending approvals = %d", len(approvals))
	}
	approvalID, _ := approvals[0].(map[string]any)["id"].(string)

	resolved := postJSON(t, srv, "/approvals/"+approvalID+"/resolve", map[string]any{"resolution": "approved", "notes": "ship it"})
	expectStatus(t, resolved, http.StatusOK)
	if got := object(t, resolved.body, "approval"); got["resolution"] != "approve" || got["resolved_by"] != "lead@example.com" {
		t.Fatalf("unexpected approval %v", got)
	}
	if status := object(t, resolved.body, "run")["status"]; status != string(domain.RunStatusRunning) {
		t.Fatalf("run status after approval = %v", status)
	}
	late := postJSON(t, srv, "/approvals/"+approvalID+"/resolve", map[string]any{"resolution": "reject"})
	expectStatus(t, late, http.StatusBadRequest)

	finished := postJSON(t, srv, "/runs/"+runID+"/run-to-completion", nil)
	expectStatus(t, finished, http.StatusOK)
	if finished.body["stopped"] != string(orchestrator.StopTerminal) || object(t, finished.body, "run")["status"] != string(domain.RunStatusCompleted) {
		t.Fatalf("unexpected completion %s", finished.raw)
	}

	detail := get(t, srv, "/runs/"+runID)
	expectStatus(t, detail, http.StatusOK)
	if steps := list(t, detail.body, "steps"); len(steps) != 3 {
		t.Fatalf("step records = %d", len(steps))
	}

	journal := get(t, srv, "/runs/"+runID+"/audit")
	expectStatus(t, journal, http.StatusOK)
	if entries := list(t, journal.body, "entries"); len(entries) != 7 {
		t.Fatalf("audit entries = %d", len(entries))
	}
	if journal.body["verified"] != true {
		t.Fatalf("journal not verified: %v", journal.body["verify_error"])
	}

	export := get(t, srv, "/runs/"+runID+"/audit/export")
	expectStatus(t, export, http.StatusOK)
	if ct := export.header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}
	lines := 0
	scanner := bufio.NewScanner(bytes.NewReader(export.raw))
	for scanner.Scan() {
		var entry domain.AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("decode line %d: %v", lines+1, err)
		}
		lines++
		if entry.Sequence != int64(lines) || entry.RunID != runID {
			t.Fatalf("line %d = %+v", lines, entry)
		}
	}
	if lines != 7 {
		t.Fatalf("exported %d lines", lines)
	}

	completed := get(t, srv, "/runs?status=completed&playbook_id=launch")
	expectStatus(t, completed, http.StatusOK)
	if runs := list(t, completed.body, "runs"); len(runs) != 1 {
		t.Fatalf("completed runs = %d", len(runs))
	}
}

func TestPauseResumeAbortOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	expectStatus(t, postJSON(t, srv, "/playbooks", launchPlaybook()), http.StatusCreated)

	started := postJSON(t, srv, "/runs", map[string]any{"playbook_id": "launch"})
	expectStatus(t, started, http.StatusCreated)
	runID, _ := object(t, started.body, "run")["id"].(string)

	paused := postJSON(t, srv, "/runs/"+runID+"/pause", nil)
	expectStatus(t, paused, http.StatusOK)
	if object(t, paused.body, "run")["status"] != string(domain.RunStatusPaused) {
		t.Fatalf("unexpected pause %s", paused.raw)
	}
	expectStatus(t, postJSON(t, srv, "/runs/"+runID+"/pause", nil), http.StatusBadRequest)

	advanced := postJSON(t, srv, "/runs/"+runID+"/advance", nil)
	expectStatus(t, advanced, http.StatusOK)
	if advanced.body["outcome"] != string(orchestrator.OutcomeNoop) {
		t.Fatalf("advance while paused = %s", advanced.raw)
	}

	expectStatus(t, postJSON(t, srv, "/runs/"+runID+"/resume", nil), http.StatusOK)
	advanced = postJSON(t, srv, "/runs/"+runID+"/advance", nil)
	expectStatus(t, advanced, http.StatusOK)
	if advanced.body["outcome"] != string(orchestrator.OutcomeExecuted) || advanced.body["step_position"] != float64(1) {
		t.Fatalf("unexpected advance %s", advanced.raw)
	}

	aborted := postJSON(t, srv, "/runs/"+runID+"/abort", map[string]any{"reason": "recalled"})
	expectStatus(t, aborted, http.StatusOK)
	if object(t, aborted.body, "run")["status"] != string(domain.RunStatusCanceled) {
		t.Fatalf("unexpected abort %s", aborted.raw)
	}
	expectStatus(t, postJSON(t, srv, "/runs/"+runID+"/resume", nil), http.StatusBadRequest)
}

func TestPlaybookYAMLImportAndVersions(t *testing.T) {
	srv := newTestServer(t)
	doc := `
id: recall
name: Product recall
category: crisis
steps:
  - position: 1
    type: generate-content
    parameters:
      prompt: "Holding statement for {{product}}"
  - position: 2
    type: wait
    wait_duration_seconds: 600
`
	created := call(t, srv, http.MethodPost, "/playbooks", "application/yaml", doc)
	expectStatus(t, created, http.StatusCreated)
	if object(t, created.body, "playbook")["id"] != "recall" {
		t.Fatalf("unexpected playbook %s", created.raw)
	}

	next := call(t, srv, http.MethodPost, "/playbooks/recall/versions", "application/yaml", strings.Replace(doc, "600", "1200", 1))
	expectStatus(t, next, http.StatusCreated)
	if object(t, next.body, "playbook")["version"] != float64(2) {
		t.Fatalf("unexpected version %s", next.raw)
	}

	versions := get(t, srv, "/playbooks/recall/versions")
	expectStatus(t, versions, http.StatusOK)
	if got := list(t, versions.body, "versions"); len(got) != 2 {
		t.Fatalf("versions = %d", len(got))
	}
	first := get(t, srv, "/playbooks/recall?version=1")
	expectStatus(t, first, http.StatusOK)
	if object(t, first.body, "playbook")["version"] != float64(1) {
		t.Fatalf("unexpected version 1 %s", first.raw)
	}

	bad := call(t, srv, http.MethodPost, "/playbooks", "application/yaml", "id: x\nowner: nobody\n")
	expectStatus(t, bad, http.StatusBadRequest)

	deactivated := postJSON(t, srv, "/playbooks/recall/deactivate", nil)
	expectStatus(t, deactivated, http.StatusOK)
	active := get(t, srv, "/playbooks?active=true")
	expectStatus(t, active, http.StatusOK)
	if got := list(t, active.body, "playbooks"); len(got) != 0 {
		t.Fatalf("active playbooks = %d", len(got))
	}
	refused := postJSON(t, srv, "/runs", map[string]any{"playbook_id": "recall"})
	expectStatus(t, refused, http.StatusBadRequest)
}

func TestTriggerMatchStartsRuns(t *testing.T) {
	srv := newTestServer(t)
	expectStatus(t, postJSON(t, srv, "/playbooks", launchPlaybook()), http.StatusCreated)

	miss := postJSON(t, srv, "/triggers/match", map[string]any{"event": map[string]any{"kind": "recall"}})
	expectStatus(t, miss, http.StatusOK)
	if got := list(t, miss.body, "playbooks"); len(got) != 0 {
		t.Fatalf("matched %d playbooks", len(got))
	}

	hit := postJSON(t, srv, "/triggers/match", map[string]any{"event": map[string]any{"kind": "launch"}, "start_runs": true})
	expectStatus(t, hit, http.StatusOK)
	runs := list(t, hit.body, "runs")
	if len(runs) != 1 {
		t.Fatalf("started %d runs", len(runs))
	}
	run := runs[0].(map[string]any)
	if run["playbook_id"] != "launch" || run["status"] != string(domain.RunStatusRunning) {
		t.Fatalf("unexpected run %v", run)
	}
}

func TestSimulationOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	expectStatus(t, postJSON(t, srv, "/playbooks", launchPlaybook()), http.StatusCreated)

	single := postJSON(t, srv, "/simulations", map[string]any{"playbook_id": "launch", "mode": "single_run", "context": map[string]any{"product": "Widget"}})
	expectStatus(t, single, http.StatusOK)
	if single.body["mode"] != "single_run" || len(list(t, single.body, "trajectory")) != 3 {
		t.Fatalf("unexpected simulation %s", single.raw)
	}

	unknown := postJSON(t, srv, "/simulations", map[string]any{"playbook_id": "missing"})
	expectStatus(t, unknown, http.StatusBadRequest)
}

func TestRequestValidation(t *testing.T) {
	srv := newTestServer(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "unknown resolution", method: http.MethodPost, path: "/approvals/abc/resolve", body: map[string]any{"resolution": "maybe"}, want: http.StatusBadRequest},
		{name: "missing playbook id", method: http.MethodPost, path: "/runs", body: map[string]any{}, want: http.StatusBadRequest},
		{name: "limit out of range", method: http.MethodGet, path: "/runs?limit=0", want: http.StatusBadRequest},
		{name: "unknown status", method: http.MethodGet, path: "/runs?status=sleeping", want: http.StatusBadRequest},
		{name: "step without type", method: http.MethodPost, path: "/playbooks", body: map[string]any{"steps": []any{map[string]any{"position": 1}}}, want: http.StatusBadRequest},
		{name: "unknown run", method: http.MethodGet, path: "/runs/nope", want: http.StatusNotFound},
		{name: "unknown approval", method: http.MethodGet, path: "/approvals/nope", want: http.StatusNotFound},
		{name: "unknown audit run", method: http.MethodGet, path: "/runs/nope/audit/export", want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			contentType := ""
			if tc.body != nil {
				contentType = "application/json"
			}
			resp := call(t, srv, tc.method, tc.path, contentType, tc.body)
			expectStatus(t, resp, tc.want)
			if resp.body["request_id"] == "" || resp.body["request_id"] == nil {
				t.Fatalf("missing request id: %s", resp.raw)
			}
		})
	}
}

func TestStatusForCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: domain.ValidationErrorf("bad"), want: http.StatusBadRequest},
		{err: &domain.ValidationError{Issues: []string{"x"}}, want: http.StatusBadRequest},
		{err: domain.InvalidTransitionError(domain.RunStatusCompleted, domain.RunStatusRunning), want: http.StatusBadRequest},
		{err: domain.NotFoundError("run", "r1"), want: http.StatusNotFound},
		{err: domain.RunBusyError("r1"), want: http.StatusConflict},
		{err: domain.ConflictError("playbook %s exists", "p"), want: http.StatusConflict},
		{err: domain.FatalOrchestratorError("boom"), want: http.StatusInternalServerError},
		{err: fmt.Errorf("wrapped: %w", errors.New("disk")), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(domain.CodeOf(tc.err)); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
