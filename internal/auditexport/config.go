package auditexport

import (
	"fmt"
	"strings"

	"github.com/animus-labs/scenario-engine/internal/platform/env"
)

// Config controls audit export format and the archive key prefix.
type Config struct {
	Format        string
	ArchivePrefix string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Format:        env.String("AUDIT_EXPORT_FORMAT", "ndjson"),
		ArchivePrefix: env.String("AUDIT_ARCHIVE_PREFIX", "runs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	format := strings.ToLower(strings.TrimSpace(c.Format))
	if format == "" {
		format = "ndjson"
	}
	if format != "ndjson" {
		return fmt.Errorf("unsupported audit export format: %s", format)
	}
	if strings.Contains(c.ArchivePrefix, "..") {
		return fmt.Errorf("archive prefix must not contain '..': %q", c.ArchivePrefix)
	}
	return nil
}
