// Package simulator forecasts how a playbook would play out without running
// it. It reads playbook definitions and calls the generation backend; it has
// no access to run storage.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/execution/steps"
	"github.com/animus-labs/scenario-engine/internal/generation"
	"github.com/animus-labs/scenario-engine/internal/platform/env"
	"github.com/animus-labs/scenario-engine/internal/platform/metrics"
	"github.com/animus-labs/scenario-engine/internal/repo"
)

type Mode string

const (
	ModeSingleRun Mode = "single_run"
	ModeMultiRun  Mode = "multi_run"
	ModeWhatIf    Mode = "what_if"
)

func ParseMode(value string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(value))); m {
	case ModeSingleRun, ModeMultiRun, ModeWhatIf:
		return m, true
	case "":
		return ModeSingleRun, true
	default:
		return "", false
	}
}

// Nominal durations place non-wait steps on the timeline.
const (
	NominalGenerateDuration = 2 * time.Minute
	NominalNotifyDuration   = time.Minute
	NominalCustomDuration   = 5 * time.Minute
	NominalBranchDuration   = 0
	// NominalApprovalDuration is added for every gated step.
	NominalApprovalDuration = 4 * time.Hour
)

// PlaybookReader is the only storage the simulator sees.
type PlaybookReader interface {
	GetPlaybook(ctx context.Context, id string, version int) (domain.PlaybookDefinition, error)
}

type Config struct {
	Enabled bool
	// DefaultRuns and MaxRuns bound multi_run.
	DefaultRuns int
	MaxRuns     int
	// Concurrency caps parallel forecasts within one multi_run.
	Concurrency int
	// BaseTemperature is used for single_run and is the centre of the
	// multi_run spread of +/- TemperatureSpread.
	BaseTemperature   float64
	TemperatureSpread float64
	MaxTokens         int
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		DefaultRuns:       5,
		MaxRuns:           20,
		Concurrency:       4,
		BaseTemperature:   0.7,
		TemperatureSpread: 0.4,
		MaxTokens:         256,
	}
}

func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error
	if cfg.Enabled, err = env.Bool("ORCHESTRATOR_SIMULATION_ENABLED", cfg.Enabled); err != nil {
		return Config{}, err
	}
	if cfg.DefaultRuns, err = env.Int("SIMULATOR_DEFAULT_RUNS", cfg.DefaultRuns); err != nil {
		return Config{}, err
	}
	if cfg.MaxRuns, err = env.Int("SIMULATOR_MAX_RUNS", cfg.MaxRuns); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency, err = env.Int("SIMULATOR_CONCURRENCY", cfg.Concurrency); err != nil {
		return Config{}, err
	}
	if cfg.BaseTemperature, err = env.Float("SIMULATOR_BASE_TEMPERATURE", cfg.BaseTemperature); err != nil {
		return Config{}, err
	}
	if cfg.TemperatureSpread, err = env.Float("SIMULATOR_TEMPERATURE_SPREAD", cfg.TemperatureSpread); err != nil {
		return Config{}, err
	}
	if cfg.MaxTokens, err = env.Int("SIMULATOR_MAX_TOKENS", cfg.MaxTokens); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// TimeWindow bounds the forecast. A zero End means unbounded.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end,omitempty"`
}

// Perturbation is the change a what_if forecast is asked to consider.
type Perturbation struct {
	Description      string          `json:"description"`
	Context          domain.Metadata `json:"context,omitempty"`
	TemperatureDelta float64         `json:"temperature_delta,omitempty"`
}

// Request selects a stored playbook version or carries an inline definition.
type Request struct {
	PlaybookID     string
	Version        int
	Definition     *domain.PlaybookDefinition
	Mode           Mode
	TimeWindow     TimeWindow
	Runs           int
	Perturbation   *Perturbation
	InitialContext domain.Metadata
}

type StepForecast struct {
	Scores

	Position         int             `json:"position"`
	StepID           string          `json:"step_id,omitempty"`
	Name             string          `json:"name,omitempty"`
	StepType         domain.StepType `json:"step_type"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	Text             string          `json:"text,omitempty"`
	TokensUsed       int             `json:"tokens_used"`
	Criteria         Criteria        `json:"criteria"`
	Branch           string          `json:"branch,omitempty"`
	StartsAt         time.Time       `json:"starts_at"`
	EndsAt           time.Time       `json:"ends_at"`
	BeyondWindow     bool            `json:"beyond_window,omitempty"`
}

type Summary struct {
	MeanRisk          float64   `json:"mean_risk"`
	PeakRisk          float64   `json:"peak_risk"`
	PeakRiskPosition  int       `json:"peak_risk_position"`
	MeanOpportunity   float64   `json:"mean_opportunity"`
	Confidence        float64   `json:"confidence"`
	TotalTokens       int       `json:"total_tokens"`
	StepsForecast     int       `json:"steps_forecast"`
	StepsBeyondWindow int       `json:"steps_beyond_window"`
	EndsAt            time.Time `json:"ends_at"`
}

type Forecast struct {
	Temperature float64        `json:"temperature"`
	Steps       []StepForecast `json:"steps"`
	Summary     Summary        `json:"summary"`
}

// StepDelta compares a perturbed step with its baseline.
type StepDelta struct {
	Position    int     `json:"position"`
	Risk        float64 `json:"risk"`
	Opportunity float64 `json:"opportunity"`
	Confidence  float64 `json:"confidence"`
	// Diverged is set when only one of the two forecasts reached the step.
	Diverged bool `json:"diverged,omitempty"`
}

type Result struct {
	Mode            Mode       `json:"mode"`
	PlaybookID      string     `json:"playbook_id,omitempty"`
	PlaybookVersion int        `json:"playbook_version,omitempty"`
	TimeWindow      TimeWindow `json:"time_window"`
	// Trajectory is the forecast for single_run and what_if (perturbed), and
	// the per-position mean for multi_run.
	Trajectory []StepForecast `json:"trajectory"`
	Summary    Summary        `json:"summary"`
	Runs       []Forecast     `json:"runs,omitempty"`
	Baseline   *Forecast      `json:"baseline,omitempty"`
	Deltas     []StepDelta    `json:"deltas,omitempty"`
}

type Simulator struct {
	cfg       Config
	playbooks PlaybookReader
	client    generation.Client
	metrics   *metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg Config, playbooks PlaybookReader, client generation.Client, recorder *metrics.Recorder, logger *slog.Logger) (*Simulator, error) {
	if client == nil {
		return nil, errors.New("generation client is required")
	}
	if cfg.DefaultRuns < 1 || cfg.MaxRuns < cfg.DefaultRuns {
		return nil, fmt.Errorf("invalid run bounds: default %d, max %d", cfg.DefaultRuns, cfg.MaxRuns)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Simulator{
		cfg:       cfg,
		playbooks: playbooks,
		client:    client,
		metrics:   recorder,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *Simulator) Simulate(ctx context.Context, req Request) (Result, error) {
	result, err := s.simulate(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = string(domain.CodeOf(err))
	}
	mode := req.Mode
	if parsed, ok := ParseMode(string(mode)); ok {
		mode = parsed
	}
	s.metrics.Simulation(string(mode), outcome)
	if err == nil {
		s.logger.Info("simulation finished", "mode", mode, "playbook_id", result.PlaybookID, "steps", len(result.Trajectory), "mean_risk", result.Summary.MeanRisk)
	}
	return result, err
}

func (s *Simulator) simulate(ctx context.Context, req Request) (Result, error) {
	if !s.cfg.Enabled {
		return Result{}, domain.ValidationErrorf("simulation is disabled")
	}
	mode, ok := ParseMode(string(req.Mode))
	if !ok {
		return Result{}, domain.ValidationErrorf("unknown simulation mode %q", req.Mode)
	}
	def, err := s.definition(ctx, req)
	if err != nil {
		return Result{}, err
	}
	window := req.TimeWindow
	if window.Start.IsZero() {
		window.Start = s.now().UTC()
	}
	if !window.End.IsZero() && !window.End.After(window.Start) {
		return Result{}, domain.ValidationErrorf("time window end must be after start")
	}

	result := Result{Mode: mode, PlaybookID: def.ID, PlaybookVersion: def.Version, TimeWindow: window}
	switch mode {
	case ModeSingleRun:
		forecast, err := s.forecast(ctx, def, window, req.InitialContext, nil, s.cfg.BaseTemperature)
		if err != nil {
			return Result{}, err
		}
		result.Trajectory = forecast.Steps
		result.Summary = forecast.Summary

	case ModeMultiRun:
		runs := req.Runs
		if runs == 0 {
			runs = s.cfg.DefaultRuns
		}
		if runs < 1 || runs > s.cfg.MaxRuns {
			return Result{}, domain.ValidationErrorf("runs must be between 1 and %d", s.cfg.MaxRuns)
		}
		forecasts, err := s.multi(ctx, def, window, req.InitialContext, runs)
		if err != nil {
			return Result{}, err
		}
		result.Runs = forecasts
		result.Trajectory, result.Summary = aggregate(forecasts)

	case ModeWhatIf:
		if req.Perturbation == nil || strings.TrimSpace(req.Perturbation.Description) == "" && len(req.Perturbation.Context) == 0 {
			return Result{}, domain.ValidationErrorf("what_if requires a perturbation")
		}
		baseline, err := s.forecast(ctx, def, window, req.InitialContext, nil, s.cfg.BaseTemperature)
		if err != nil {
			return Result{}, err
		}
		perturbed, err := s.forecast(ctx, def, window, req.InitialContext, req.Perturbation, s.cfg.BaseTemperature+req.Perturbation.TemperatureDelta)
		if err != nil {
			return Result{}, err
		}
		result.Baseline = &baseline
		result.Trajectory = perturbed.Steps
		result.Summary = perturbed.Summary
		result.Deltas = deltas(baseline.Steps, perturbed.Steps)
	}
	return result, nil
}

func (s *Simulator) definition(ctx context.Context, req Request) (domain.PlaybookDefinition, error) {
	var def domain.PlaybookDefinition
	switch {
	case req.Definition != nil:
		def = req.Definition.Clone()
	case strings.TrimSpace(req.PlaybookID) != "":
		if s.playbooks == nil {
			return def, errors.New("playbook reader is not configured")
		}
		var err error
		def, err = s.playbooks.GetPlaybook(ctx, strings.TrimSpace(req.PlaybookID), req.Version)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return def, domain.InvalidPlaybookError("playbook %s version %d not found", req.PlaybookID, req.Version)
			}
			return def, fmt.Errorf("load playbook: %w", err)
		}
	default:
		return def, domain.ValidationErrorf("playbook id or definition is required")
	}
	if len(def.Steps) == 0 {
		return def, domain.InvalidPlaybookError("playbook has no steps")
	}
	return def, nil
}

func (s *Simulator) multi(ctx context.Context, def domain.PlaybookDefinition, window TimeWindow, initial domain.Metadata, runs int) ([]Forecast, error) {
	out := make([]Forecast, runs)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := 0; i < runs; i++ {
		temperature := spreadTemperature(s.cfg.BaseTemperature, s.cfg.TemperatureSpread, i, runs)
		g.Go(func() error {
			forecast, err := s.forecast(gctx, def, window, initial, nil, temperature)
			if err != nil {
				return fmt.Errorf("forecast %d: %w", i+1, err)
			}
			out[i] = forecast
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// spreadTemperature places run i of n evenly on [base-spread, base+spread].
func spreadTemperature(base, spread float64, i, n int) float64 {
	t := base
	if n > 1 {
		t = base - spread + 2*spread*float64(i)/float64(n-1)
	}
	return math.Round(clamp(t, 0, 2)*1000) / 1000
}

// forecast walks the playbook in position order, following branch rules
// against the simulated context.
func (s *Simulator) forecast(ctx context.Context, def domain.PlaybookDefinition, window TimeWindow, initial domain.Metadata, perturbation *Perturbation, temperature float64) (Forecast, error) {
	temperature = clamp(temperature, 0, 2)
	simulated := initial.Clone()
	if perturbation != nil {
		simulated = simulated.Merge(perturbation.Context)
	}

	forecast := Forecast{Temperature: temperature}
	at := window.Start
	sorted := def.SortedSteps()
	skipUntil := 0
	for _, step := range sorted {
		if step.Position < skipUntil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Forecast{}, err
		}
		index := len(forecast.Steps)
		resp, err := s.client.Generate(ctx, generation.Request{
			Prompt:      forecastPrompt(def, step, simulated, perturbation),
			System:      forecastSystemPrompt,
			MaxTokens:   s.cfg.MaxTokens,
			Temperature: temperature,
		})
		if err != nil {
			return Forecast{}, fmt.Errorf("forecast step %d: %w", step.Position, err)
		}
		structured := resp.Scores
		if len(structured) == 0 {
			structured = generation.ParseScores(resp.Text)
		}
		criteria := DeriveCriteria(structured, resp.Text)

		sf := StepForecast{
			Position:         step.Position,
			StepID:           step.ID,
			Name:             step.Name,
			StepType:         step.Type,
			RequiresApproval: step.NeedsApproval(),
			Text:             resp.Text,
			TokensUsed:       resp.TokensUsed,
			Criteria:         criteria,
			Scores:           Score(criteria, index),
			StartsAt:         at,
		}
		at = at.Add(nominalDuration(step))
		sf.EndsAt = at
		sf.BeyondWindow = !window.End.IsZero() && at.After(window.End)

		simulated[fmt.Sprintf("step_%d_forecast", step.Position)] = resp.Text
		if step.Type == domain.StepTypeGenerateContent {
			key := strings.TrimSpace(step.Parameters.String("output_key"))
			if key == "" {
				key = "content"
			}
			simulated[key] = resp.Text
		}
		if step.Type == domain.StepTypeBranch {
			label, target := simulateBranch(step, simulated)
			sf.Branch = label
			if target > step.Position {
				skipUntil = target
			}
		}
		forecast.Steps = append(forecast.Steps, sf)
	}
	forecast.Summary = summarize(forecast.Steps)
	return forecast, nil
}

const forecastSystemPrompt = "You forecast how a communications playbook step will land. " +
	`Answer in prose, then a JSON object {"scores": {"severity": 0-100, "reach": 0-100, "urgency": 0-100, "sentiment": -1..1}}.`

func forecastPrompt(def domain.PlaybookDefinition, step domain.PlaybookStepSpec, simulated domain.Metadata, perturbation *Perturbation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Playbook %q", def.Name)
	if def.Category != "" {
		fmt.Fprintf(&b, " (%s)", def.Category)
	}
	fmt.Fprintf(&b, ", step %d: %s", step.Position, step.Type)
	if step.Name != "" {
		fmt.Fprintf(&b, " %q", step.Name)
	}
	b.WriteString(".\n")
	if prompt := step.Parameters.String("prompt"); prompt != "" {
		b.WriteString("Step prompt: ")
		b.WriteString(steps.Render(prompt, simulated))
		b.WriteString("\n")
	}
	if perturbation != nil && perturbation.Description != "" {
		b.WriteString("Assume: ")
		b.WriteString(perturbation.Description)
		b.WriteString("\n")
	}
	keys := make([]string, 0, len(simulated))
	for k := range simulated {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, simulated[k])
	}
	return b.String()
}

// SimulatedRunID is the run_id branch predicates see during a forecast. No
// stored run ever carries it.
const SimulatedRunID = "simulated"

func simulateBranch(step domain.PlaybookStepSpec, simulated domain.Metadata) (string, int) {
	spec, err := steps.ParseBranchSpec(step.Parameters)
	if err != nil {
		return "", 0
	}
	env := steps.ConditionEnv(SimulatedRunID, simulated)
	for _, rule := range spec.Rules {
		if ok, err := steps.EvalCondition(rule.When, env); err == nil && ok {
			return rule.Label, rule.Target
		}
	}
	if spec.Default != nil {
		return "default", *spec.Default
	}
	return "", 0
}

func nominalDuration(step domain.PlaybookStepSpec) time.Duration {
	var d time.Duration
	switch step.Type {
	case domain.StepTypeWait:
		seconds := step.WaitDurationSeconds
		if seconds <= 0 {
			seconds, _ = step.Parameters.Int("seconds")
		}
		d = time.Duration(max(seconds, 0)) * time.Second
	case domain.StepTypeGenerateContent:
		d = NominalGenerateDuration
	case domain.StepTypeNotify:
		d = NominalNotifyDuration
	case domain.StepTypeCustom:
		d = NominalCustomDuration
	case domain.StepTypeBranch:
		d = NominalBranchDuration
	}
	if step.NeedsApproval() {
		d += NominalApprovalDuration
	}
	return d
}

func summarize(forecast []StepForecast) Summary {
	var sum Summary
	if len(forecast) == 0 {
		return sum
	}
	confidence := 0.0
	for i, sf := range forecast {
		sum.MeanRisk += sf.Risk
		sum.MeanOpportunity += sf.Opportunity
		confidence += sf.Confidence
		sum.TotalTokens += sf.TokensUsed
		if i == 0 || sf.Risk > sum.PeakRisk {
			sum.PeakRisk = sf.Risk
			sum.PeakRiskPosition = sf.Position
		}
		if sf.BeyondWindow {
			sum.StepsBeyondWindow++
		}
	}
	n := float64(len(forecast))
	sum.MeanRisk = round2(sum.MeanRisk / n)
	sum.MeanOpportunity = round2(sum.MeanOpportunity / n)
	sum.Confidence = round4(clamp(confidence/n, 0, 1))
	sum.StepsForecast = len(forecast)
	sum.EndsAt = forecast[len(forecast)-1].EndsAt
	return sum
}

// aggregate averages scores per position across forecasts. Confidence is
// discounted by the spread of the forecasts' mean risk.
func aggregate(forecasts []Forecast) ([]StepForecast, Summary) {
	type acc struct {
		first StepForecast
		n     int
		risk  float64
		opp   float64
		conf  float64
		toks  int
	}
	byPosition := map[int]*acc{}
	positions := []int{}
	for _, f := range forecasts {
		for _, sf := range f.Steps {
			a, ok := byPosition[sf.Position]
			if !ok {
				a = &acc{first: sf}
				byPosition[sf.Position] = a
				positions = append(positions, sf.Position)
			}
			a.n++
			a.risk += sf.Risk
			a.opp += sf.Opportunity
			a.conf += sf.Confidence
			a.toks += sf.TokensUsed
		}
	}
	sort.Ints(positions)

	penalty := 1 - stddev(meanRisks(forecasts))/100
	trajectory := make([]StepForecast, 0, len(positions))
	for _, pos := range positions {
		a := byPosition[pos]
		n := float64(a.n)
		sf := a.first
		sf.Text = ""
		sf.Branch = ""
		sf.TokensUsed = a.toks / a.n
		sf.Risk = round2(clamp(a.risk/n, 0, 100))
		sf.Opportunity = round2(clamp(a.opp/n, 0, 100))
		sf.Confidence = round4(clamp(a.conf/n*penalty, 0, 1))
		trajectory = append(trajectory, sf)
	}

	summary := summarize(trajectory)
	summary.TotalTokens = 0
	for _, f := range forecasts {
		summary.TotalTokens += f.Summary.TotalTokens
	}
	return trajectory, summary
}

func meanRisks(forecasts []Forecast) []float64 {
	out := make([]float64, len(forecasts))
	for i, f := range forecasts {
		out[i] = f.Summary.MeanRisk
	}
	return out
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
}

func deltas(baseline, perturbed []StepForecast) []StepDelta {
	base := make(map[int]StepForecast, len(baseline))
	for _, sf := range baseline {
		base[sf.Position] = sf
	}
	seen := make(map[int]bool, len(perturbed))
	out := make([]StepDelta, 0, len(perturbed))
	for _, sf := range perturbed {
		seen[sf.Position] = true
		b, ok := base[sf.Position]
		if !ok {
			out = append(out, StepDelta{Position: sf.Position, Diverged: true})
			continue
		}
		out = append(out, StepDelta{
			Position:    sf.Position,
			Risk:        round2(sf.Risk - b.Risk),
			Opportunity: round2(sf.Opportunity - b.Opportunity),
			Confidence:  round4(sf.Confidence - b.Confidence),
		})
	}
	for _, sf := range baseline {
		if !seen[sf.Position] {
			out = append(out, StepDelta{Position: sf.Position, Diverged: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
