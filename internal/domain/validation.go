package domain

import "strings"

// ValidationError aggregates definition issues so authors see all of them at once.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "playbook validation failed"
	}
	return "playbook validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// Is lets aggregated issues satisfy errors.Is(err, ErrInvalidPlaybook).
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && (t.Kind == kindInvalidPlaybook || t.Kind == kindValidation)
}
