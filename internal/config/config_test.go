package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GatewayAddr != ":8080" {
		t.Fatalf("expected default gateway_addr, got %q", cfg.GatewayAddr)
	}
	if cfg.RateLimitRPS != 50 {
		t.Fatalf("expected default rate_limit_rps, got %d", cfg.RateLimitRPS)
	}
}

func TestLoadEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("LOGLINE_GATEWAY_ADDR", ":9090")
	t.Setenv("LOGLINE_JWT_SECRET", "super-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GatewayAddr != ":9090" {
		t.Fatalf("expected env override, got %q", cfg.GatewayAddr)
	}
	if cfg.JWTSecret != "super-secret" {
		t.Fatalf("expected jwt secret from env, got %q", cfg.JWTSecret)
	}
}

func TestLoadYAMLFileIsOverlaidByEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "engine_url: http://engine.internal\njwt_secret: file-secret\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("LOGLINE_JWT_SECRET", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EngineURL != "http://engine.internal" {
		t.Fatalf("expected engine_url from file, got %q", cfg.EngineURL)
	}
	if cfg.JWTSecret != "env-secret" {
		t.Fatalf("expected env to win over file, got %q", cfg.JWTSecret)
	}
}

func TestValidateRequiresJWTSecret(t *testing.T) {
	cfg := &Config{GatewayAddr: ":8080", RateLimitRPS: 10}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing jwt_secret")
	}
}

func TestValidateRejectsMismatchedTLSPair(t *testing.T) {
	cfg := &Config{GatewayAddr: ":8080", RateLimitRPS: 10, JWTSecret: "s", TLSCert: "cert.pem"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for tls_cert without tls_key")
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := &Config{GatewayAddr: ":8080", RateLimitRPS: 10, JWTSecret: "s"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
