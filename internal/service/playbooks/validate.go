package playbooks

import (
	"fmt"
	"strings"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/execution/steps"
)

// HandlerChecker reports whether a custom step handler is registered.
type HandlerChecker interface {
	HasCustomHandler(name string) bool
}

// Validate checks a playbook definition and reports every issue at once.
// handlers may be nil, in which case custom handler names are not checked.
func Validate(def domain.PlaybookDefinition, handlers HandlerChecker) error {
	issues := &domain.ValidationError{}

	if strings.TrimSpace(def.ID) == "" {
		issues.Add("id is required")
	}
	if strings.TrimSpace(def.Name) == "" {
		issues.Add("name is required")
	}
	if trigger := strings.TrimSpace(def.TriggerCondition); trigger != "" {
		if err := steps.CheckCondition(trigger); err != nil {
			issues.Add(fmt.Sprintf("trigger_condition: %v", err))
		}
	}
	if len(def.Steps) == 0 {
		issues.Add("at least one step is required")
		return issues.OrNil()
	}

	positions := make(map[int]struct{}, len(def.Steps))
	ids := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		if step.Position <= 0 {
			issues.Add(fmt.Sprintf("steps[%d] position must be positive", i))
			continue
		}
		if _, dup := positions[step.Position]; dup {
			issues.Add(fmt.Sprintf("duplicate step position %d", step.Position))
		}
		positions[step.Position] = struct{}{}
		if id := strings.TrimSpace(step.ID); id != "" {
			if _, dup := ids[id]; dup {
				issues.Add(fmt.Sprintf("duplicate step id %q", id))
			}
			ids[id] = struct{}{}
		}
	}

	for _, step := range def.Steps {
		if step.Position <= 0 {
			continue
		}
		validateStep(issues, step, positions, handlers)
	}
	return issues.OrNil()
}

func validateStep(issues *domain.ValidationError, step domain.PlaybookStepSpec, positions map[int]struct{}, handlers HandlerChecker) {
	label := fmt.Sprintf("step[%d]", step.Position)
	if _, ok := domain.ParseStepType(string(step.Type)); !ok {
		issues.Add(fmt.Sprintf("%s unknown type %q", label, step.Type))
		return
	}
	if step.MaxAttempts < 0 {
		issues.Add(fmt.Sprintf("%s max_attempts must not be negative", label))
	}
	params := step.Parameters

	switch step.Type {
	case domain.StepTypeGenerateContent:
		if strings.TrimSpace(params.String("prompt")) == "" {
			issues.Add(fmt.Sprintf("%s prompt parameter is required", label))
		}
	case domain.StepTypeWait:
		seconds := step.WaitDurationSeconds
		if seconds <= 0 {
			seconds, _ = params.Int("seconds")
		}
		if seconds <= 0 {
			issues.Add(fmt.Sprintf("%s wait duration must be positive", label))
		}
	case domain.StepTypeNotify:
		if strings.TrimSpace(params.String("channel")) == "" {
			issues.Add(fmt.Sprintf("%s channel parameter is required", label))
		}
	case domain.StepTypeCustom:
		handler := strings.TrimSpace(params.String("handler"))
		switch {
		case handler == "":
			issues.Add(fmt.Sprintf("%s handler parameter is required", label))
		case handlers != nil && !handlers.HasCustomHandler(handler):
			issues.Add(fmt.Sprintf("%s handler %q is not registered", label, handler))
		}
	case domain.StepTypeBranch:
		spec, err := steps.ParseBranchSpec(params)
		if err != nil {
			issues.Add(fmt.Sprintf("%s %v", label, err))
			return
		}
		for _, rule := range spec.Rules {
			if err := steps.CheckCondition(rule.When); err != nil {
				issues.Add(fmt.Sprintf("%s branch %s: %v", label, rule.Label, err))
			}
		}
		for _, target := range spec.Targets() {
			if _, ok := positions[target]; !ok {
				issues.Add(fmt.Sprintf("%s branch target %d does not exist", label, target))
			} else if target <= step.Position {
				issues.Add(fmt.Sprintf("%s branch target %d must be after the branch", label, target))
			}
		}
	}
}
