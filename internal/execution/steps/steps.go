// Package steps holds the closed set of step executors. Every step type is
// handled by exactly one Executor registered in a Registry at startup.
package steps

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/generation"
)

// Input is what an executor sees of a run. Context is a snapshot; executors
// must not mutate it.
type Input struct {
	RunID          string
	Step           domain.PlaybookStepSpec
	Context        domain.Metadata
	Attempt        int
	IdempotencyKey string
}

// Result is a successful step outcome. NextPosition overrides the default
// successor and NotBefore delays the next advance.
type Result struct {
	Output       domain.Metadata
	TokensUsed   int
	NextPosition *int
	NotBefore    *time.Time
	Branch       string
}

type Executor interface {
	Type() domain.StepType
	Execute(ctx context.Context, in Input) (Result, error)
}

type Registry struct {
	executors map[domain.StepType]Executor
}

// NewRegistry rejects duplicate and unknown step types.
func NewRegistry(executors ...Executor) (*Registry, error) {
	r := &Registry{executors: make(map[domain.StepType]Executor, len(executors))}
	for _, ex := range executors {
		if ex == nil {
			return nil, fmt.Errorf("nil executor")
		}
		t := ex.Type()
		if _, ok := domain.ParseStepType(string(t)); !ok {
			return nil, fmt.Errorf("unknown step type %q", t)
		}
		if _, dup := r.executors[t]; dup {
			return nil, fmt.Errorf("duplicate executor for step type %q", t)
		}
		r.executors[t] = ex
	}
	return r, nil
}

// Lookup returns the executor for t. A missing executor means the run holds
// a step the engine cannot run, which is fatal for that run.
func (r *Registry) Lookup(t domain.StepType) (Executor, error) {
	if r != nil {
		if ex, ok := r.executors[t]; ok {
			return ex, nil
		}
	}
	return nil, domain.FatalOrchestratorError("no executor registered for step type %q", t)
}

func (r *Registry) Execute(ctx context.Context, in Input) (Result, error) {
	ex, err := r.Lookup(in.Step.Type)
	if err != nil {
		return Result{}, err
	}
	return ex.Execute(ctx, in)
}

func (r *Registry) Types() []domain.StepType {
	if r == nil {
		return nil
	}
	out := make([]domain.StepType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasCustomHandler reports whether the custom executor knows name.
func (r *Registry) HasCustomHandler(name string) bool {
	ex, err := r.Lookup(domain.StepTypeCustom)
	if err != nil {
		return false
	}
	custom, ok := ex.(*Custom)
	return ok && custom.HasHandler(name)
}

// Dependencies are the collaborators of the built-in executors.
type Dependencies struct {
	Generation         generation.Client
	Notifier           Notifier
	Handlers           map[string]CustomHandler
	DefaultMaxTokens   int
	DefaultTemperature float64
	Now                func() time.Time
	Logger             *slog.Logger
}

// NewDefaultRegistry registers one executor per known step type.
func NewDefaultRegistry(deps Dependencies) (*Registry, error) {
	if deps.Generation == nil {
		return nil, fmt.Errorf("generation client is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(deps.Logger)
	}
	if deps.DefaultMaxTokens <= 0 {
		deps.DefaultMaxTokens = 512
	}
	handlers := map[string]CustomHandler{"set": SetValuesHandler}
	for name, h := range deps.Handlers {
		handlers[name] = h
	}
	return NewRegistry(
		&GenerateContent{client: deps.Generation, maxTokens: deps.DefaultMaxTokens, temperature: deps.DefaultTemperature},
		&Wait{now: deps.Now},
		&Branch{},
		&Notify{notifier: deps.Notifier},
		ApprovalRequired{},
		&Custom{handlers: handlers},
	)
}
