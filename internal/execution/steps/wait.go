package steps

import (
	"context"
	"time"

	"github.com/animus-labs/scenario-engine/internal/domain"
)

// Wait succeeds at once and asks the orchestrator not to advance again
// before the wait elapses. It never sleeps.
type Wait struct {
	now func() time.Time
}

func (*Wait) Type() domain.StepType { return domain.StepTypeWait }

func (w *Wait) Execute(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	seconds := in.Step.WaitDurationSeconds
	if seconds <= 0 {
		if v, ok := in.Step.Parameters.Int("seconds"); ok {
			seconds = v
		}
	}
	if seconds <= 0 {
		return Result{}, domain.ValidationErrorf("step %d: wait duration must be positive", in.Step.Position)
	}
	notBefore := w.now().UTC().Add(time.Duration(seconds) * time.Second)
	return Result{
		Output: domain.Metadata{
			"waited_seconds": seconds,
			"resume_after":   notBefore.Format(time.RFC3339Nano),
		},
		NotBefore: &notBefore,
	}, nil
}
