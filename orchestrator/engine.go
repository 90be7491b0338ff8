package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/scenario-engine/internal/execution/steps"
	"github.com/animus-labs/scenario-engine/internal/generation"
	"github.com/animus-labs/scenario-engine/internal/platform/metrics"
	"github.com/animus-labs/scenario-engine/internal/repo"
	"github.com/animus-labs/scenario-engine/internal/service/approvals"
	"github.com/animus-labs/scenario-engine/internal/service/audit"
	"github.com/animus-labs/scenario-engine/internal/service/orchestrator"
	"github.com/animus-labs/scenario-engine/internal/service/playbooks"
	"github.com/animus-labs/scenario-engine/internal/service/simulator"
)

type engineConfig struct {
	Orchestrator orchestrator.Config
	Simulator    simulator.Config
	// MaxTokens is the generate-content default when a step sets none.
	MaxTokens int
}

// engineDeps are the process-level collaborators. Archiver and Metrics may
// be nil.
type engineDeps struct {
	Store      repo.Store
	Generation generation.Client
	Archiver   audit.Archiver
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	Now        func() time.Time
}

// newEngine wires the services behind the HTTP API.
func newEngine(cfg engineConfig, deps engineDeps) (*engineAPI, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	registry, err := steps.NewDefaultRegistry(steps.Dependencies{
		Generation:       deps.Generation,
		DefaultMaxTokens: cfg.MaxTokens,
		Now:              deps.Now,
		Logger:           deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("step registry: %w", err)
	}

	journal := audit.NewJournal(deps.Now)
	auditService := audit.New(deps.Store.Stores(), deps.Archiver, deps.Logger)
	approvalService := approvals.New(deps.Store, journal, deps.Metrics)

	runs, err := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Store:     deps.Store,
		Registry:  registry,
		Approvals: approvalService,
		Journal:   journal,
		Audit:     auditService,
		Metrics:   deps.Metrics,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	playbookService := playbooks.New(deps.Store, registry, deps.Logger)

	simCfg := cfg.Simulator
	simCfg.Enabled = simCfg.Enabled && cfg.Orchestrator.SimulationEnabled
	sim, err := simulator.New(simCfg, playbookService, deps.Generation, deps.Metrics, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("simulator: %w", err)
	}

	return &engineAPI{
		logger:    deps.Logger,
		playbooks: playbookService,
		simulator: sim,
		runs:      runs,
		approvals: approvalService,
		audit:     auditService,
	}, nil
}
