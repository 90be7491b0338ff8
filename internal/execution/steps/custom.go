package steps

import (
	"context"
	"strings"

	"github.com/animus-labs/scenario-engine/internal/domain"
)

// CustomHandler runs a named custom step. Handlers must be safe to retry
// with the same Input.IdempotencyKey.
type CustomHandler func(ctx context.Context, in Input) (Result, error)

// Custom dispatches on the handler parameter.
type Custom struct {
	handlers map[string]CustomHandler
}

func (*Custom) Type() domain.StepType { return domain.StepTypeCustom }

// HasHandler reports whether name is registered.
func (c *Custom) HasHandler(name string) bool {
	_, ok := c.handlers[strings.TrimSpace(name)]
	return ok
}

func (c *Custom) Execute(ctx context.Context, in Input) (Result, error) {
	name := strings.TrimSpace(in.Step.Parameters.String("handler"))
	if name == "" {
		return Result{}, domain.ValidationErrorf("step %d: handler parameter is required", in.Step.Position)
	}
	handler, ok := c.handlers[name]
	if !ok {
		return Result{}, domain.ValidationErrorf("step %d: unknown custom handler %q", in.Step.Position, name)
	}
	return handler(ctx, in)
}

// SetValuesHandler copies the values parameter into the step output,
// rendering string values against the run context.
func SetValuesHandler(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	values, ok := asMap(in.Step.Parameters["values"])
	if !ok {
		return Result{}, domain.ValidationErrorf("step %d: values parameter must be an object", in.Step.Position)
	}
	out := make(domain.Metadata, len(values))
	for k, v := range values {
		if s, isString := v.(string); isString {
			out[k] = Render(s, in.Context)
			continue
		}
		out[k] = v
	}
	return Result{Output: out}, nil
}
