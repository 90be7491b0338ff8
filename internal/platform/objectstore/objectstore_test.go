package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Enabled:     true,
		Endpoint:    "localhost:9000",
		AccessKey:   "a",
		SecretKey:   "b",
		Region:      "us-east-1",
		BucketAudit: "run-audit",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.BucketAudit = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for empty bucket")
	}
}

func TestConfigFromEnvDisabledSkipsValidation(t *testing.T) {
	t.Setenv("OBJECT_STORE_ENABLED", "false")
	t.Setenv("OBJECT_STORE_ENDPOINT", "http://bad")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Enabled {
		t.Fatalf("expected disabled config")
	}

	t.Setenv("OBJECT_STORE_ENABLED", "true")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected validation error when enabled")
	}
}

func TestNewMinIOClientRejectsInvalidConfig(t *testing.T) {
	if _, err := NewMinIOClient(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
