package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/platform/auth"
	"github.com/animus-labs/scenario-engine/internal/platform/httpserver"
	"github.com/animus-labs/scenario-engine/internal/repo"
	"github.com/animus-labs/scenario-engine/internal/service/approvals"
	"github.com/animus-labs/scenario-engine/internal/service/audit"
	"github.com/animus-labs/scenario-engine/internal/service/orchestrator"
	"github.com/animus-labs/scenario-engine/internal/service/playbooks"
	"github.com/animus-labs/scenario-engine/internal/service/simulator"
)

const maxBodyBytes = 1 << 20

type engineAPI struct {
	logger    *slog.Logger
	playbooks *playbooks.Service
	simulator *simulator.Simulator
	runs      *orchestrator.Orchestrator
	approvals *approvals.Service
	audit     *audit.Service
}

func (api *engineAPI) register(mux *http.ServeMux) {
	httpserver.HandleFunc(mux, "POST /playbooks", api.handleCreatePlaybook)
	httpserver.HandleFunc(mux, "GET /playbooks", api.handleListPlaybooks)
	httpserver.HandleFunc(mux, "GET /playbooks/{playbook_id}", api.handleGetPlaybook)
	httpserver.HandleFunc(mux, "GET /playbooks/{playbook_id}/versions", api.handleListPlaybookVersions)
	httpserver.HandleFunc(mux, "POST /playbooks/{playbook_id}/versions", api.handlePublishVersion)
	httpserver.HandleFunc(mux, "POST /playbooks/{playbook_id}/deactivate", api.handleDeactivatePlaybook)
	httpserver.HandleFunc(mux, "POST /triggers/match", api.handleMatchTriggers)

	httpserver.HandleFunc(mux, "POST /simulations", api.handleSimulate)

	httpserver.HandleFunc(mux, "POST /runs", api.handleStartRun)
	httpserver.HandleFunc(mux, "GET /runs", api.handleListRuns)
	httpserver.HandleFunc(mux, "GET /runs/{run_id}", api.handleGetRun)
	httpserver.HandleFunc(mux, "POST /runs/{run_id}/advance", api.handleAdvance)
	httpserver.HandleFunc(mux, "POST /runs/{run_id}/run-to-completion", api.handleRunToCompletion)
	httpserver.HandleFunc(mux, "POST /runs/{run_id}/pause", api.handlePause)
	httpserver.HandleFunc(mux, "POST /runs/{run_id}/resume", api.handleResume)
	httpserver.HandleFunc(mux, "POST /runs/{run_id}/abort", api.handleAbort)
	httpserver.HandleFunc(mux, "GET /runs/{run_id}/audit", api.handleAudit)
	httpserver.HandleFunc(mux, "GET /runs/{run_id}/audit/export", api.handleAuditExport)

	httpserver.HandleFunc(mux, "GET /approvals", api.handleListApprovals)
	httpserver.HandleFunc(mux, "GET /approvals/{approval_id}", api.handleGetApproval)
	httpserver.HandleFunc(mux, "POST /approvals/{approval_id}/resolve", api.handleResolveApproval)
}

// Playbooks

type playbookInput struct {
	ID               string                    `json:"id"`
	Name             string                    `json:"name"`
	Category         string                    `json:"category"`
	TriggerCondition string                    `json:"trigger_condition"`
	Steps            []domain.PlaybookStepSpec `json:"steps"`
}

func (in playbookInput) definition() domain.PlaybookDefinition {
	return domain.PlaybookDefinition{
		ID:               in.ID,
		Name:             in.Name,
		Category:         in.Category,
		TriggerCondition: in.TriggerCondition,
		Steps:            in.Steps,
	}
}

// decodePlaybook accepts a JSON body or a YAML playbook document.
func decodePlaybook(r *http.Request) (domain.PlaybookDefinition, error) {
	if isYAML(r.Header.Get("Content-Type")) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return domain.PlaybookDefinition{}, domain.ValidationErrorf("read body: %v", err)
		}
		return playbooks.ParseYAML(body)
	}
	var in playbookInput
	if err := decodeJSON(r, &in); err != nil {
		return domain.PlaybookDefinition{}, err
	}
	return in.definition(), nil
}

func (api *engineAPI) handleCreatePlaybook(w http.ResponseWriter, r *http.Request) {
	def, err := decodePlaybook(r)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	created, err := api.playbooks.Create(r.Context(), def, auth.ActorFromContext(r.Context()))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"playbook": created})
}

func (api *engineAPI) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.PlaybookFilter{
		Name:       strings.TrimSpace(q.Get("name")),
		Category:   strings.TrimSpace(q.Get("category")),
		ActiveOnly: q.Get("active") == "true",
		Limit:      clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	items, err := api.playbooks.List(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": items})
}

func (api *engineAPI) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	def, err := api.playbooks.Get(r.Context(), r.PathValue("playbook_id"), parseIntQuery(r, "version", 0))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbook": def})
}

func (api *engineAPI) handleListPlaybookVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := api.playbooks.Versions(r.Context(), r.PathValue("playbook_id"))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (api *engineAPI) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	def, err := decodePlaybook(r)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	published, err := api.playbooks.Update(r.Context(), r.PathValue("playbook_id"), def, auth.ActorFromContext(r.Context()))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"playbook": published})
}

func (api *engineAPI) handleDeactivatePlaybook(w http.ResponseWriter, r *http.Request) {
	def, err := api.playbooks.Deactivate(r.Context(), r.PathValue("playbook_id"), auth.ActorFromContext(r.Context()))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbook": def})
}

type matchTriggersRequest struct {
	Event     domain.Metadata `json:"event"`
	StartRuns bool            `json:"start_runs"`
}

func (api *engineAPI) handleMatchTriggers(w http.ResponseWriter, r *http.Request) {
	var req matchTriggersRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, err)
		return
	}
	matched, err := api.playbooks.MatchTriggers(r.Context(), req.Event)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	resp := map[string]any{"playbooks": matched}
	if req.StartRuns {
		started := make([]domain.ScenarioRun, 0, len(matched))
		for _, def := range matched {
			run, err := api.runs.StartRun(r.Context(), orchestrator.StartRunRequest{
				PlaybookID: def.ID,
				Version:    def.Version,
				Context:    domain.Metadata{"event": map[string]any(req.Event.Clone())},
				Actor:      auth.ActorFromContext(r.Context()),
			})
			if err != nil {
				api.writeError(w, r, err)
				return
			}
			started = append(started, run)
		}
		resp["runs"] = started
	}
	writeJSON(w, http.StatusOK, resp)
}

// Simulations

type simulationRequest struct {
	PlaybookID   string                  `json:"playbook_id"`
	Version      int                     `json:"version"`
	Definition   *playbookInput          `json:"definition"`
	Mode         string                  `json:"mode"`
	Runs         int                     `json:"runs"`
	Context      domain.Metadata         `json:"context"`
	TimeWindow   *simulator.TimeWindow   `json:"time_window"`
	Perturbation *simulator.Perturbation `json:"perturbation"`
}

func (api *engineAPI) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulationRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, err)
		return
	}
	simReq := simulator.Request{
		PlaybookID:     req.PlaybookID,
		Version:        req.Version,
		Mode:           simulator.Mode(req.Mode),
		Runs:           req.Runs,
		Perturbation:   req.Perturbation,
		InitialContext: req.Context,
	}
	if req.Definition != nil {
		def := req.Definition.definition()
		simReq.Definition = &def
	}
	if req.TimeWindow != nil {
		simReq.TimeWindow = *req.TimeWindow
	}
	result, err := api.simulator.Simulate(r.Context(), simReq)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Runs

type startRunRequest struct {
	PlaybookID string          `json:"playbook_id"`
	Version    int             `json:"version"`
	Context    domain.Metadata `json:"context"`
	// Advance drives the new run until it stops, as run-to-completion does.
	Advance bool `json:"advance"`
}

type runProgress struct {
	Run           domain.ScenarioRun      `json:"run"`
	StepsExecuted int                     `json:"steps_executed"`
	Stopped       orchestrator.StopReason `json:"stopped"`
}

func (api *engineAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, err)
		return
	}
	run, err := api.runs.StartRun(r.Context(), orchestrator.StartRunRequest{
		PlaybookID: req.PlaybookID,
		Version:    req.Version,
		Context:    req.Context,
		Actor:      auth.ActorFromContext(r.Context()),
	})
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	if !req.Advance {
		writeJSON(w, http.StatusCreated, map[string]any{"run": run})
		return
	}
	res, err := api.runs.RunToCompletion(r.Context(), run.ID, 0)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, runProgress{Run: res.Run, StepsExecuted: res.StepsExecuted, Stopped: res.Stopped})
}

func (api *engineAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.RunFilter{
		PlaybookID: strings.TrimSpace(q.Get("playbook_id")),
		Limit:      clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := domain.NormalizeRunStatus(raw)
		if status == "" {
			api.writeError(w, r, domain.ValidationErrorf("unknown run status %q", raw))
			return
		}
		filter.Status = status
	}
	runs, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (api *engineAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	detail, err := api.runs.GetRunDetail(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type advanceResponse struct {
	Run          domain.ScenarioRun      `json:"run"`
	Outcome      orchestrator.Outcome    `json:"outcome"`
	StepPosition int                     `json:"step_position,omitempty"`
	Step         *domain.RunStepRecord   `json:"step,omitempty"`
	Approval     *domain.ApprovalRequest `json:"approval,omitempty"`
	StepError    *stepError              `json:"step_error,omitempty"`
}

type stepError struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
}

func (api *engineAPI) handleAdvance(w http.ResponseWriter, r *http.Request) {
	res, err := api.runs.Advance(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	resp := advanceResponse{
		Run:          res.Run,
		Outcome:      res.Outcome,
		StepPosition: res.StepPosition,
		Step:         res.Step,
		Approval:     res.Approval,
	}
	if res.StepError != nil {
		resp.StepError = &stepError{Code: domain.CodeOf(res.StepError), Message: res.StepError.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

type runToCompletionRequest struct {
	MaxSteps int `json:"max_steps"`
}

func (api *engineAPI) handleRunToCompletion(w http.ResponseWriter, r *http.Request) {
	var req runToCompletionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		api.writeError(w, r, err)
		return
	}
	res, err := api.runs.RunToCompletion(r.Context(), r.PathValue("run_id"), req.MaxSteps)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runProgress{Run: res.Run, StepsExecuted: res.StepsExecuted, Stopped: res.Stopped})
}

func (api *engineAPI) handlePause(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.Pause(r.Context(), r.PathValue("run_id"), auth.ActorFromContext(r.Context()))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (api *engineAPI) handleResume(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.Resume(r.Context(), r.PathValue("run_id"), auth.ActorFromContext(r.Context()))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (api *engineAPI) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		api.writeError(w, r, err)
		return
	}
	run, err := api.runs.Abort(r.Context(), r.PathValue("run_id"), auth.ActorFromContext(r.Context()), req.Reason)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (api *engineAPI) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := api.audit.List(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	resp := map[string]any{"entries": entries, "verified": true}
	if err := audit.VerifyEntries(entries); err != nil {
		resp["verified"] = false
		resp["verify_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *engineAPI) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := api.runs.GetRun(r.Context(), runID); err != nil {
		api.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+runID+`-audit.ndjson"`)
	w.WriteHeader(http.StatusOK)
	if err := api.audit.Export(r.Context(), runID, w); err != nil {
		api.logger.Error("audit export failed", "run_id", runID, "request_id", r.Header.Get("X-Request-Id"), "error", err)
	}
}

// Approvals

func (api *engineAPI) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runID := strings.TrimSpace(q.Get("run_id"))
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)

	var (
		items []domain.ApprovalRequest
		err   error
	)
	if q.Get("pending") == "false" && runID != "" {
		items, err = api.approvals.ListByRun(r.Context(), runID)
	} else {
		items, err = api.approvals.ListPending(r.Context(), runID, limit)
	}
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": items})
}

func (api *engineAPI) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := api.approvals.Get(r.Context(), r.PathValue("approval_id"))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": req})
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
	Notes      string `json:"notes"`
}

func (api *engineAPI) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, err)
		return
	}
	resolved, run, err := api.runs.ResolveApproval(r.Context(), r.PathValue("approval_id"), domain.Resolution(req.Resolution), auth.ActorFromContext(r.Context()), req.Notes)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": resolved, "run": run})
}

// Helpers

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.ValidationErrorf("invalid json: %v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return domain.ValidationErrorf("invalid json: multiple JSON values")
	}
	return nil
}

// decodeOptionalJSON treats an empty body as an empty object.
func decodeOptionalJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return domain.ValidationErrorf("read body: %v", err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.ValidationErrorf("invalid json: %v", err)
	}
	return nil
}

func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConcurrencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (api *engineAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	status := statusFor(code)
	requestID := r.Header.Get("X-Request-Id")
	message := err.Error()
	if status == http.StatusInternalServerError {
		api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", requestID, "error", err)
		code = domain.CodeInternal
		message = "internal error"
	}
	body := map[string]any{
		"error":      code,
		"message":    message,
		"request_id": requestID,
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		body["issues"] = verr.Issues
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	httpserver.WriteJSON(w, status, body)
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
