package steps

import (
	"context"
	"errors"
	"strings"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/generation"
)

const defaultOutputKey = "content"

// GenerateContent renders the prompt parameter and calls the generation backend.
type GenerateContent struct {
	client      generation.Client
	maxTokens   int
	temperature float64
}

func (*GenerateContent) Type() domain.StepType { return domain.StepTypeGenerateContent }

func (g *GenerateContent) Execute(ctx context.Context, in Input) (Result, error) {
	params := in.Step.Parameters
	prompt := strings.TrimSpace(Render(params.String("prompt"), in.Context))
	if prompt == "" {
		return Result{}, domain.ValidationErrorf("step %d: prompt parameter is required", in.Step.Position)
	}

	maxTokens := g.maxTokens
	if v, ok := params.Int("max_tokens"); ok && v > 0 {
		maxTokens = v
	}
	temperature := g.temperature
	if v, ok := params.Float("temperature"); ok {
		temperature = v
	}

	resp, err := g.client.Generate(ctx, generation.Request{
		Prompt:      prompt,
		System:      Render(params.String("system"), in.Context),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return Result{}, classifyGenerationError(err)
	}

	key := strings.TrimSpace(params.String("output_key"))
	if key == "" {
		key = defaultOutputKey
	}
	output := domain.Metadata{key: resp.Text}
	if len(resp.Scores) > 0 {
		scores := make(map[string]any, len(resp.Scores))
		for k, v := range resp.Scores {
			scores[k] = v
		}
		output[key+"_scores"] = scores
	}
	return Result{Output: output, TokensUsed: resp.TokensUsed}, nil
}

// classifyGenerationError marks backend timeouts and provider failures as
// retryable. Caller cancellation is returned unchanged.
func classifyGenerationError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var provider *generation.ProviderError
	if generation.IsTimeout(err) || errors.As(err, &provider) || errors.Is(err, context.DeadlineExceeded) {
		return domain.TransientStepError(err)
	}
	return err
}
