package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Request is one prompt for the generation backend.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Response is the backend's answer. Scores holds optional structured scores
// the backend returned alongside the text, keyed by criterion name.
type Response struct {
	Text       string
	TokensUsed int
	Scores     map[string]float64
}

// Client generates text. Implementations must honour ctx cancellation.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// ErrTimeout is returned when a call did not finish within its deadline.
var ErrTimeout = errors.New("generation timed out")

// ProviderError is a non-success answer from the backend.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return "generation provider error: " + e.Message
	}
	return fmt.Sprintf("generation provider error (status %d): %s", e.StatusCode, e.Message)
}

// IsTimeout reports whether err is a generation timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// ParseScores extracts numeric scores from the first JSON object embedded in
// text. Values under a "scores" key win over top-level numbers.
func ParseScores(text string) map[string]float64 {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil
	}
	source := raw
	if nested, ok := raw["scores"].(map[string]any); ok {
		source = nested
	}
	out := make(map[string]float64)
	for key, value := range source {
		if f, ok := value.(float64); ok {
			out[strings.ToLower(strings.TrimSpace(key))] = f
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
