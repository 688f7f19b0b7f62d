// Copyright 2025 LogLine Contributors
//
// Configuration loader shared by cmd/motor and cmd/gateway. Grounded
// on the teacher's pkg/config pair: a flat env-first struct
// (pkg/config/config.go's Load()/getEnv helpers) plus a YAML-driven
// settings file (pkg/config/anchor_config.go), collapsed here into one
// viper-backed loader (explicit BindEnv + optional --config YAML) with
// the same error-accumulating Validate() shape as ValidateAnchorConfig.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the flat settings struct consumed by both composition
// roots. Field names map onto LOGLINE_* environment variables and the
// matching lower_snake_case YAML keys; JWTExpiry has no environment
// binding and is set only by its default or the YAML file.
type Config struct {
	EngineURL      string        `mapstructure:"engine_url"`
	RulesURL       string        `mapstructure:"rules_url"`
	TimelineURL    string        `mapstructure:"timeline_url"`
	IDURL          string        `mapstructure:"id_url"`
	FederationURL  string        `mapstructure:"federation_url"`
	DatabaseURL    string        `mapstructure:"database_url"`
	GatewayAddr    string        `mapstructure:"gateway_addr"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTIssuer      string        `mapstructure:"jwt_issuer"`
	RateLimitRPS   int           `mapstructure:"rate_limit_rps"`
	TLSCert        string        `mapstructure:"tls_cert"`
	TLSKey         string        `mapstructure:"tls_key"`
	JWTExpiry      time.Duration `mapstructure:"jwt_expiry"`

	// MeshPeers holds per-service WS peer URLs (spec §6), encoded as
	// "peer_id=ws://host:port" pairs joined by commas so the flat
	// LOGLINE_MESH_PEERS env var stays a plain string like every other
	// binding here instead of needing viper's nested-map support.
	MeshPeers string `mapstructure:"mesh_peers"`
}

// ParseMeshPeers decodes MeshPeers into a peer-id -> address map,
// skipping malformed entries.
func (c *Config) ParseMeshPeers() map[string]string {
	peers := make(map[string]string)
	for _, entry := range strings.Split(c.MeshPeers, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			continue
		}
		peers[kv[0]] = kv[1]
	}
	return peers
}

// envBindings maps each field's viper key, except jwt_expiry, to its
// LOGLINE_ environment variable, per spec §6.
var envBindings = map[string]string{
	"engine_url":     "LOGLINE_ENGINE_URL",
	"rules_url":      "LOGLINE_RULES_URL",
	"timeline_url":   "LOGLINE_TIMELINE_URL",
	"id_url":         "LOGLINE_ID_URL",
	"federation_url": "LOGLINE_FEDERATION_URL",
	"database_url":   "LOGLINE_DATABASE_URL",
	"gateway_addr":   "LOGLINE_GATEWAY_ADDR",
	"jwt_secret":     "LOGLINE_JWT_SECRET",
	"jwt_issuer":     "LOGLINE_JWT_ISSUER",
	"rate_limit_rps": "LOGLINE_RATE_LIMIT_RPS",
	"tls_cert":       "LOGLINE_TLS_CERT",
	"tls_key":        "LOGLINE_TLS_KEY",
	"mesh_peers":     "LOGLINE_MESH_PEERS",
}

// Load builds a Config from an optional YAML file (viper's config-file
// support) overlaid with LOGLINE_* environment variables, which always
// win. configPath may be empty to skip the file entirely.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetDefault("gateway_addr", ":8080")
	v.SetDefault("jwt_issuer", "logline-gateway")
	v.SetDefault("rate_limit_rps", 50)
	v.SetDefault("jwt_expiry", 12*time.Hour)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate fails closed on missing secrets required for the gateway to
// issue sessions and degrades (returns no error) on missing optional
// peer URLs, mirroring ValidateAnchorConfig's required-vs-optional split.
func (c *Config) Validate() error {
	var errs []string

	if c.JWTSecret == "" {
		errs = append(errs, "jwt_secret is required")
	}
	if c.GatewayAddr == "" {
		errs = append(errs, "gateway_addr is required")
	}
	if c.RateLimitRPS <= 0 {
		errs = append(errs, "rate_limit_rps must be positive")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, "tls_cert and tls_key must both be set or both be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
