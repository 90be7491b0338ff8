package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/animus-labs/scenario-engine/internal/domain"
)

// BranchRule routes the run to Target when When evaluates to true.
type BranchRule struct {
	Label  string
	When   string
	Target int
}

// BranchSpec is the decoded configuration of a branch step.
type BranchSpec struct {
	Rules   []BranchRule
	Default *int
}

// Targets lists every position the branch may jump to.
func (b BranchSpec) Targets() []int {
	out := make([]int, 0, len(b.Rules)+1)
	for _, rule := range b.Rules {
		out = append(out, rule.Target)
	}
	if b.Default != nil {
		out = append(out, *b.Default)
	}
	return out
}

// ParseBranchSpec decodes the branches and default parameters. Values may
// come from JSON (float64) or YAML (int).
func ParseBranchSpec(params domain.Metadata) (BranchSpec, error) {
	var spec BranchSpec
	raw, ok := params["branches"]
	if !ok || raw == nil {
		return spec, fmt.Errorf("branches parameter is required")
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []map[string]any:
		for _, m := range v {
			items = append(items, m)
		}
	default:
		return spec, fmt.Errorf("branches must be a list")
	}
	for i, item := range items {
		m, ok := asMap(item)
		if !ok {
			return spec, fmt.Errorf("branches[%d] must be an object", i)
		}
		rule := domain.Metadata(m)
		when := strings.TrimSpace(rule.String("when"))
		if when == "" {
			return spec, fmt.Errorf("branches[%d].when is required", i)
		}
		target, ok := rule.Int("target")
		if !ok {
			return spec, fmt.Errorf("branches[%d].target must be a number", i)
		}
		label := strings.TrimSpace(rule.String("label"))
		if label == "" {
			label = fmt.Sprintf("branches[%d]", i)
		}
		spec.Rules = append(spec.Rules, BranchRule{Label: label, When: when, Target: target})
	}
	if _, present := params["default"]; present {
		target, ok := params.Int("default")
		if !ok {
			return spec, fmt.Errorf("default must be a number")
		}
		spec.Default = &target
	}
	if len(spec.Rules) == 0 && spec.Default == nil {
		return spec, fmt.Errorf("branch needs at least one rule or a default")
	}
	return spec, nil
}

// CheckCondition compiles a predicate without an environment so that syntax
// errors surface when a playbook is saved.
func CheckCondition(condition string) error {
	if _, err := expr.Compile(condition, expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
		return fmt.Errorf("compile condition %q: %w", condition, err)
	}
	return nil
}

// EvalCondition evaluates a boolean expr-lang predicate. Unknown names
// evaluate to nil.
func EvalCondition(condition string, env map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	program, err := expr.Compile(condition, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", condition, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", condition, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", condition, output)
	}
	return result, nil
}

// ConditionEnv exposes context keys at the top level and under "context".
func ConditionEnv(runID string, values domain.Metadata) map[string]any {
	env := make(map[string]any, len(values)+2)
	for k, v := range values {
		env[k] = v
	}
	env["context"] = map[string]any(values.Clone())
	env["run_id"] = runID
	return env
}

// Branch picks the first rule whose predicate holds, else the default target.
type Branch struct{}

func (*Branch) Type() domain.StepType { return domain.StepTypeBranch }

func (*Branch) Execute(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	spec, err := ParseBranchSpec(in.Step.Parameters)
	if err != nil {
		return Result{}, domain.ValidationErrorf("step %d: %v", in.Step.Position, err)
	}
	env := ConditionEnv(in.RunID, in.Context)
	for _, rule := range spec.Rules {
		matched, err := EvalCondition(rule.When, env)
		if err != nil {
			return Result{}, domain.ValidationErrorf("step %d: %v", in.Step.Position, err)
		}
		if matched {
			return branchResult(rule.Label, rule.Target), nil
		}
	}
	if spec.Default == nil {
		return Result{}, domain.ValidationErrorf("step %d: no branch matched and no default is set", in.Step.Position)
	}
	return branchResult("default", *spec.Default), nil
}

func branchResult(label string, target int) Result {
	next := target
	return Result{
		Output:       domain.Metadata{"branch": label, "branch_target": target},
		NextPosition: &next,
		Branch:       label,
	}
}
