package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/scenario-engine/internal/platform/env"
)

type Config struct {
	Enabled     bool
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Region      string
	UseSSL      bool
	BucketAudit string
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("OBJECT_STORE_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := env.Bool("OBJECT_STORE_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:     enabled,
		Endpoint:    env.String("OBJECT_STORE_ENDPOINT", "localhost:9000"),
		AccessKey:   env.String("OBJECT_STORE_ACCESS_KEY", "scenario"),
		SecretKey:   env.String("OBJECT_STORE_SECRET_KEY", "scenariominio"),
		Region:      env.String("OBJECT_STORE_REGION", "us-east-1"),
		UseSSL:      useSSL,
		BucketAudit: env.String("OBJECT_STORE_BUCKET_AUDIT", "run-audit"),
	}
	if !cfg.Enabled {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketAudit) == "" {
		return errors.New("audit bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
