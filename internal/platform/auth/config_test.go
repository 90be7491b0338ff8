package auth

import (
	"os"
	"testing"
)

func TestConfigFromEnv_DefaultsToDisabled(t *testing.T) {
	_ = os.Unsetenv("AUTH_MODE")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Mode != ModeDisabled || cfg.ActorHeader != DefaultActorHeader {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestConfigFromEnv_Dev(t *testing.T) {
	t.Setenv("AUTH_MODE", "dev")
	t.Setenv("DEV_AUTH_SUBJECT", "dev")
	t.Setenv("DEV_AUTH_ROLES", "admin,viewer")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Mode != ModeDev || cfg.DevSubject != "dev" || len(cfg.DevRoles) != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestConfigFromEnv_OIDC_RequiresIssuerAndClientID(t *testing.T) {
	_ = os.Unsetenv("OIDC_ISSUER_URL")
	_ = os.Unsetenv("OIDC_CLIENT_ID")
	t.Setenv("AUTH_MODE", "oidc")

	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestConfigFromEnv_RejectsUnknownMode(t *testing.T) {
	t.Setenv("AUTH_MODE", "ldap")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error")
	}
}
