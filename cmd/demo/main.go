package main

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/service/playbooks"
)

//go:embed recall.yaml
var recallPlaybook []byte

type apiClient struct {
	baseURL   string
	token     string
	actor     string
	requestID string
	http      *http.Client
}

func newAPIClient(baseURL, token, actor, requestID string) *apiClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &apiClient{
		baseURL:   baseURL,
		token:     strings.TrimSpace(token),
		actor:     strings.TrimSpace(actor),
		requestID: strings.TrimSpace(requestID),
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status=%d body=%s", e.status, e.body)
}

func (c *apiClient) do(req *http.Request) ([]byte, error) {
	if c.requestID != "" {
		req.Header.Set("X-Request-Id", c.requestID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, fmt.Errorf("http %s %s: %w", req.Method, req.URL.String(), &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))})
	}
	return body, nil
}

func (c *apiClient) send(method, path, contentType string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	respBody, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *apiClient) getJSON(path string, out any) error {
	return c.send(http.MethodGet, path, "", nil, out)
}

func (c *apiClient) postJSON(path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.send(http.MethodPost, path, "application/json", payload, out)
}

type playbookEnvelope struct {
	Playbook domain.PlaybookDefinition `json:"playbook"`
}

type progress struct {
	Run           domain.ScenarioRun `json:"run"`
	StepsExecuted int                `json:"steps_executed"`
	Stopped       string             `json:"stopped"`
}

type approvalList struct {
	Approvals []domain.ApprovalRequest `json:"approvals"`
}

type auditList struct {
	Entries     []domain.AuditEntry `json:"entries"`
	Verified    bool                `json:"verified"`
	VerifyError string              `json:"verify_error"`
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	now := time.Now().UTC()
	defaultRequestID := fmt.Sprintf("demo-%s", now.Format("20060102T150405Z"))

	var (
		baseURL      = flag.String("server", envOr("SCENARIO_ENGINE_URL", "http://localhost:8080"), "Engine base URL")
		playbookPath = flag.String("playbook", envOr("SCENARIO_DEMO_PLAYBOOK", ""), "Playbook YAML file (default: built-in recall playbook)")
		contextPath  = flag.String("context", "", "YAML file with the initial run context")
		token        = flag.String("token", envOr("SCENARIO_BEARER_TOKEN", ""), "Bearer token (optional; required for OIDC mode)")
		actor        = flag.String("actor", envOr("SCENARIO_DEMO_ACTOR", "demo@example.com"), "Actor header for disabled auth mode")
		requestID    = flag.String("request-id", envOr("SCENARIO_DEMO_REQUEST_ID", defaultRequestID), "X-Request-Id for correlation")
		resolution   = flag.String("resolution", "approve", "Resolution for approval gates: approve, reject or skip")
		simulate     = flag.Bool("simulate", true, "Forecast the playbook before running it")
	)
	flag.Parse()

	source := recallPlaybook
	if *playbookPath != "" {
		data, err := os.ReadFile(*playbookPath)
		if err != nil {
			die("read playbook", err)
		}
		source = data
	}
	def, err := playbooks.ParseYAML(source)
	if err != nil {
		die("parse playbook", err)
	}

	runContext := map[string]any{"product": "Widget", "severity": 4, "kind": "recall"}
	if *contextPath != "" {
		data, err := os.ReadFile(*contextPath)
		if err != nil {
			die("read context", err)
		}
		runContext = map[string]any{}
		if err := yaml.Unmarshal(data, &runContext); err != nil {
			die("parse context", err)
		}
	}

	client := newAPIClient(*baseURL, *token, *actor, *requestID)
	fmt.Printf("==> scenario demo (server=%s, request_id=%s)\n", client.baseURL, client.requestID)

	// 1) Publish the playbook; an existing id gets a new version.
	var published playbookEnvelope
	err = client.send(http.MethodPost, "/playbooks", "application/yaml", source, &published)
	var statusErr *statusError
	if errors.As(err, &statusErr) && statusErr.status == http.StatusConflict {
		err = client.send(http.MethodPost, "/playbooks/"+def.ID+"/versions", "application/yaml", source, &published)
	}
	if err != nil {
		die("publish playbook", err)
	}
	fmt.Printf("==> published playbook: %s v%d (%d steps)\n", published.Playbook.ID, published.Playbook.Version, len(published.Playbook.Steps))

	// 2) Forecast
	if *simulate {
		var forecast struct {
			Trajectory []map[string]any `json:"trajectory"`
			Summary    map[string]any   `json:"summary"`
		}
		if err := client.postJSON("/simulations", map[string]any{
			"playbook_id": published.Playbook.ID,
			"version":     published.Playbook.Version,
			"mode":        "single_run",
			"context":     runContext,
		}, &forecast); err != nil {
			die("simulate", err)
		}
		fmt.Printf("==> forecast: steps=%d mean_risk=%v peak_risk=%v\n", len(forecast.Trajectory), forecast.Summary["mean_risk"], forecast.Summary["peak_risk"])
	}

	// 3) Start and drive the run
	var state progress
	if err := client.postJSON("/runs", map[string]any{
		"playbook_id": published.Playbook.ID,
		"version":     published.Playbook.Version,
		"context":     runContext,
		"advance":     true,
	}, &state); err != nil {
		die("start run", err)
	}
	fmt.Printf("==> run %s: status=%s stopped=%s steps=%d\n", state.Run.ID, state.Run.Status, state.Stopped, state.StepsExecuted)

	// 4) Resolve gates until the run stops for another reason
	for state.Run.Status == domain.RunStatusAwaitingApproval {
		var pending approvalList
		if err := client.getJSON("/approvals?run_id="+state.Run.ID, &pending); err != nil {
			die("list approvals", err)
		}
		if len(pending.Approvals) == 0 {
			die("resolve approval", fmt.Errorf("run %s awaits approval but none is pending", state.Run.ID))
		}
		gate := pending.Approvals[0]
		if err := client.postJSON("/approvals/"+gate.ID+"/resolve", map[string]any{
			"resolution": *resolution,
			"notes":      "resolved by demo client",
		}, nil); err != nil {
			die("resolve approval", err)
		}
		fmt.Printf("==> %s step %d (approval %s)\n", *resolution, gate.StepPosition, gate.ID)

		if err := client.postJSON("/runs/"+state.Run.ID+"/run-to-completion", map[string]any{}, &state); err != nil {
			die("run to completion", err)
		}
		fmt.Printf("==> run %s: status=%s stopped=%s steps=%d\n", state.Run.ID, state.Run.Status, state.Stopped, state.StepsExecuted)
	}

	// 5) Journal
	var journal auditList
	if err := client.getJSON("/runs/"+state.Run.ID+"/audit", &journal); err != nil {
		die("fetch audit", err)
	}
	fmt.Printf("==> audit: entries=%d verified=%v %s\n", len(journal.Entries), journal.Verified, journal.VerifyError)
	for _, entry := range journal.Entries {
		fmt.Printf("    %3d %-18s %s\n", entry.Sequence, entry.EventType, entry.Actor)
	}

	fmt.Println()
	fmt.Println("Next: inspect the run and export its journal.")
	fmt.Printf("  - run:    GET %s/runs/%s\n", client.baseURL, state.Run.ID)
	fmt.Printf("  - export: GET %s/runs/%s/audit/export\n", client.baseURL, state.Run.ID)
}

func die(step string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", step, err)
	os.Exit(1)
}
