package generation

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// DeterministicClient answers offline. The same prompt and temperature always
// produce the same text, which keeps development runs and tests reproducible.
type DeterministicClient struct{}

var _ Client = DeterministicClient{}

func NewDeterministicClient() DeterministicClient {
	return DeterministicClient{}
}

var deterministicOutcomes = []string{
	"steady coverage with limited audience reach",
	"viral spread across major outlets, urgent response needed",
	"positive reception and strong engagement from partners",
	"critical backlash with a breaking story risk",
	"low-key update, minor interest from niche channels",
	"widespread praise and trending success",
}

func (DeterministicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Response{}, fmt.Errorf("generation requires a prompt")
	}

	score := deterministicScore(prompt, req.Temperature)
	outcome := deterministicOutcomes[int(score*float64(len(deterministicOutcomes)))%len(deterministicOutcomes)]
	subject := prompt
	if len(subject) > 80 {
		subject = subject[:80]
	}
	text := fmt.Sprintf("Forecast: %s. Subject: %s", outcome, subject)

	tokens := len(strings.Fields(prompt)) + len(strings.Fields(text))
	if req.MaxTokens > 0 && tokens > req.MaxTokens {
		tokens = req.MaxTokens
	}
	return Response{Text: text, TokensUsed: tokens}, nil
}

func deterministicScore(prompt string, temperature float64) float64 {
	seed := fmt.Sprintf("%s:%.3f", prompt, temperature)
	sum := sha256.Sum256([]byte(seed))
	value := binary.BigEndian.Uint64(sum[:8])
	return float64(value) / float64(math.MaxUint64)
}
