package steps

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/animus-labs/scenario-engine/internal/domain"
)

// Notification is one outbound message. IdempotencyKey lets delivery
// backends drop duplicates when a step is retried.
type Notification struct {
	RunID          string
	StepPosition   int
	Channel        string
	Target         string
	Subject        string
	Body           string
	IdempotencyKey string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	n.logger.InfoContext(ctx, "notification",
		"run_id", msg.RunID,
		"step_position", msg.StepPosition,
		"channel", msg.Channel,
		"target", msg.Target,
		"subject", msg.Subject,
		"idempotency_key", msg.IdempotencyKey,
	)
	return nil
}

type Notify struct {
	notifier Notifier
}

func (*Notify) Type() domain.StepType { return domain.StepTypeNotify }

func (n *Notify) Execute(ctx context.Context, in Input) (Result, error) {
	params := in.Step.Parameters
	channel := strings.TrimSpace(params.String("channel"))
	if channel == "" {
		return Result{}, domain.ValidationErrorf("step %d: channel parameter is required", in.Step.Position)
	}
	msg := Notification{
		RunID:          in.RunID,
		StepPosition:   in.Step.Position,
		Channel:        channel,
		Target:         Render(params.String("target"), in.Context),
		Subject:        Render(params.String("subject"), in.Context),
		Body:           Render(params.String("body"), in.Context),
		IdempotencyKey: in.IdempotencyKey,
	}
	if err := n.notifier.Notify(ctx, msg); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, ctx.Err()
		}
		return Result{}, domain.TransientStepError(err)
	}
	return Result{Output: domain.Metadata{
		"notified":             true,
		"notification_channel": channel,
		"notification_target":  msg.Target,
	}}, nil
}

// ApprovalRequired has no side effect. The gate itself is enforced by the
// orchestrator before the executor is reached.
type ApprovalRequired struct{}

func (ApprovalRequired) Type() domain.StepType { return domain.StepTypeApprovalRequired }

func (ApprovalRequired) Execute(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Output: domain.Metadata{"approved": true}}, nil
}
