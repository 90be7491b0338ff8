package generation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/scenario-engine/internal/platform/env"
)

type Backend string

const (
	BackendHTTP          Backend = "http"
	BackendDeterministic Backend = "deterministic"
)

type Config struct {
	Backend Backend

	BaseURL string
	Model   string
	APIKey  string

	// OAuth2 client credentials. When TokenURL is set they replace APIKey.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

func ConfigFromEnv() (Config, error) {
	backendRaw := strings.ToLower(strings.TrimSpace(env.String("GENERATION_BACKEND", "")))
	if backendRaw == "" {
		backendRaw = string(BackendDeterministic)
	}
	timeout, err := env.Duration("GENERATION_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	ratePerSecond, err := env.Float("GENERATION_RATE_PER_SECOND", 5)
	if err != nil {
		return Config{}, err
	}
	burst, err := env.Int("GENERATION_BURST", 5)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Backend:       Backend(backendRaw),
		BaseURL:       env.String("GENERATION_BASE_URL", "http://localhost:1234/v1"),
		Model:         env.String("GENERATION_MODEL", ""),
		APIKey:        env.String("GENERATION_API_KEY", ""),
		TokenURL:      env.String("GENERATION_TOKEN_URL", ""),
		ClientID:      env.String("GENERATION_CLIENT_ID", ""),
		ClientSecret:  env.String("GENERATION_CLIENT_SECRET", ""),
		Scopes:        env.List("GENERATION_SCOPES", nil),
		Timeout:       timeout,
		RatePerSecond: ratePerSecond,
		Burst:         burst,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendDeterministic:
		return nil
	case BackendHTTP:
	default:
		return fmt.Errorf("GENERATION_BACKEND must be one of: http, deterministic (got %q)", c.Backend)
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("GENERATION_BASE_URL is required")
	}
	if _, err := url.Parse(normalizeBaseURL(c.BaseURL)); err != nil {
		return fmt.Errorf("GENERATION_BASE_URL is invalid: %w", err)
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("GENERATION_MODEL is required")
	}
	if c.TokenURL != "" && (strings.TrimSpace(c.ClientID) == "" || strings.TrimSpace(c.ClientSecret) == "") {
		return errors.New("GENERATION_CLIENT_ID and GENERATION_CLIENT_SECRET are required with GENERATION_TOKEN_URL")
	}
	if c.Timeout <= 0 {
		return errors.New("GENERATION_TIMEOUT must be positive")
	}
	if c.RatePerSecond < 0 {
		return errors.New("GENERATION_RATE_PER_SECOND must be >= 0")
	}
	if c.Burst < 1 {
		return errors.New("GENERATION_BURST must be >= 1")
	}
	return nil
}

// New builds the client selected by cfg.Backend.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Backend {
	case BackendHTTP:
		return NewHTTPClient(ctx, cfg)
	case BackendDeterministic, "":
		return NewDeterministicClient(), nil
	default:
		return nil, fmt.Errorf("unsupported generation backend %q", cfg.Backend)
	}
}
