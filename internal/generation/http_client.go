package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	endpoint string
	model    string
	apiKey   string
	timeout  time.Duration
	http     *http.Client
	limiter  *rate.Limiter
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds the client. ctx scopes OAuth2 token refreshes and
// should live as long as the client.
func NewHTTPClient(ctx context.Context, cfg Config) (*HTTPClient, error) {
	cfg.Backend = BackendHTTP
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := &http.Client{Transport: newTransport()}
	httpClient := base
	apiKey := strings.TrimSpace(cfg.APIKey)
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
		apiKey = ""
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &HTTPClient{
		endpoint: normalizeBaseURL(cfg.BaseURL) + "/chat/completions",
		model:    cfg.Model,
		apiKey:   apiKey,
		timeout:  cfg.Timeout,
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *HTTPClient) Generate(ctx context.Context, req Request) (Response, error) {
	if c == nil {
		return Response{}, errors.New("generation client is nil")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, errors.New("generation requires a prompt")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(callCtx); err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return Response{}, ctxErr
		}
		// Wait fails early when the deadline cannot be met.
		return Response{}, fmt.Errorf("%w: rate limit: %v", ErrTimeout, err)
	}

	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, c.classify(ctx, callCtx, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return Response{}, &ProviderError{StatusCode: resp.StatusCode, Message: msg}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Response{}, c.classify(ctx, callCtx, fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Choices) == 0 {
		return Response{}, &ProviderError{StatusCode: resp.StatusCode, Message: "response missing choices"}
	}
	text := decoded.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return Response{}, &ProviderError{StatusCode: resp.StatusCode, Message: "response empty"}
	}

	tokens := decoded.Usage.TotalTokens
	if tokens == 0 {
		tokens = decoded.Usage.PromptTokens + decoded.Usage.CompletionTokens
	}
	return Response{Text: text, TokensUsed: tokens, Scores: ParseScores(text)}, nil
}

// classify turns deadline failures into ErrTimeout. Cancellation by the
// caller is returned as is.
func (c *HTTPClient) classify(parent, call context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
