package domain

import (
	"sort"
	"strings"
	"time"
)

// StepType tags a playbook step. The set is closed: every value has exactly
// one registered executor.
type StepType string

const (
	StepTypeGenerateContent  StepType = "generate-content"
	StepTypeWait             StepType = "wait"
	StepTypeBranch           StepType = "branch"
	StepTypeNotify           StepType = "notify"
	StepTypeApprovalRequired StepType = "approval-required"
	StepTypeCustom           StepType = "custom"
)

var knownStepTypes = []StepType{
	StepTypeGenerateContent,
	StepTypeWait,
	StepTypeBranch,
	StepTypeNotify,
	StepTypeApprovalRequired,
	StepTypeCustom,
}

func KnownStepTypes() []StepType {
	out := make([]StepType, len(knownStepTypes))
	copy(out, knownStepTypes)
	return out
}

func ParseStepType(value string) (StepType, bool) {
	candidate := StepType(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range knownStepTypes {
		if candidate == known {
			return known, true
		}
	}
	return "", false
}

// PlaybookStepSpec is one ordered step of a playbook version.
type PlaybookStepSpec struct {
	ID                  string   `json:"id" yaml:"id"`
	Position            int      `json:"position" yaml:"position"`
	Name                string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type                StepType `json:"type" yaml:"type"`
	Parameters          Metadata `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RequiresApproval    bool     `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	WaitDurationSeconds int      `json:"wait_duration_seconds,omitempty" yaml:"wait_duration_seconds,omitempty"`
	MaxAttempts         int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// NeedsApproval reports whether the step is gated.
func (s PlaybookStepSpec) NeedsApproval() bool {
	return s.RequiresApproval || s.Type == StepTypeApprovalRequired
}

// PlaybookDefinition is one immutable version of a playbook.
type PlaybookDefinition struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Category         string             `json:"category,omitempty"`
	Version          int                `json:"version"`
	Steps            []PlaybookStepSpec `json:"steps"`
	TriggerCondition string             `json:"trigger_condition,omitempty"`
	Active           bool               `json:"active"`
	CreatedAt        time.Time          `json:"created_at"`
	CreatedBy        string             `json:"created_by,omitempty"`
}

// SortedSteps returns the steps ordered by position.
func (p PlaybookDefinition) SortedSteps() []PlaybookStepSpec {
	out := make([]PlaybookStepSpec, len(p.Steps))
	copy(out, p.Steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (p PlaybookDefinition) StepAt(position int) (PlaybookStepSpec, bool) {
	for _, step := range p.Steps {
		if step.Position == position {
			return step, true
		}
	}
	return PlaybookStepSpec{}, false
}

// FirstPosition returns the lowest step position, or 0 for an empty playbook.
func (p PlaybookDefinition) FirstPosition() int {
	steps := p.SortedSteps()
	if len(steps) == 0 {
		return 0
	}
	return steps[0].Position
}

// NextPosition returns the smallest position greater than position.
func (p PlaybookDefinition) NextPosition(position int) (int, bool) {
	for _, step := range p.SortedSteps() {
		if step.Position > position {
			return step.Position, true
		}
	}
	return 0, false
}

func (p PlaybookDefinition) Clone() PlaybookDefinition {
	out := p
	out.Steps = make([]PlaybookStepSpec, len(p.Steps))
	for i, step := range p.Steps {
		step.Parameters = step.Parameters.Clone()
		out.Steps[i] = step
	}
	return out
}
