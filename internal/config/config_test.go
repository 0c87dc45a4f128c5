package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validBrokerConfig() *BrokerConfig {
	cfg := &BrokerConfig{}
	cfg.Server.HTTPPort = 8480
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.LoginSecret = "login"
	return cfg
}

func TestLoadBrokerConfigExample(t *testing.T) {
	examplePath := filepath.Join("..", "..", "consultd.config.example.json")
	cfg, err := LoadBrokerConfig(examplePath)
	if err != nil {
		t.Fatalf("failed to load example broker config: %v", err)
	}
	if cfg.Server.HTTPPort != 8480 {
		t.Errorf("expected http_port 8480, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Requests.TTL() != 60*time.Second {
		t.Errorf("expected request ttl 60s, got %s", cfg.Requests.TTL())
	}
	if cfg.Billing.PolicyFor("chat") != BillingExactSecond {
		t.Errorf("expected chat billed per second, got %s", cfg.Billing.PolicyFor("chat"))
	}
}

func TestBrokerConfigDefaults(t *testing.T) {
	cfg := validBrokerConfig()
	if err := validateBrokerConfig(cfg); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	if cfg.Database.Path != defaultDatabasePath {
		t.Errorf("expected default db path, got %q", cfg.Database.Path)
	}
	if cfg.Database.Residency() != time.Hour {
		t.Errorf("expected residency 1h, got %s", cfg.Database.Residency())
	}
	if cfg.Availability.LivenessWindow() != 90*time.Second {
		t.Errorf("expected liveness window 90s, got %s", cfg.Availability.LivenessWindow())
	}
	if cfg.Queue.TTL() != 30*time.Minute {
		t.Errorf("expected queue ttl 30m, got %s", cfg.Queue.TTL())
	}
	if cfg.Billing.PolicyFor("call") != BillingPerMinuteCeil {
		t.Errorf("expected call billed per started minute, got %s", cfg.Billing.PolicyFor("call"))
	}
	if cfg.Billing.MinimumMinutes != defaultMinimumMinutes {
		t.Errorf("expected minimum minutes %d, got %d", defaultMinimumMinutes, cfg.Billing.MinimumMinutes)
	}
}

func TestBrokerConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BrokerConfig)
		want   string
	}{
		{
			name:   "invalid port",
			mutate: func(c *BrokerConfig) { c.Server.HTTPPort = 0 },
			want:   "validation error: server.http_port must be between 1 and 65535, got 0",
		},
		{
			name:   "short jwt secret",
			mutate: func(c *BrokerConfig) { c.Auth.JWTSecret = "short" },
			want:   "auth.jwt_secret must be at least 32 bytes",
		},
		{
			name:   "missing login secret",
			mutate: func(c *BrokerConfig) { c.Auth.LoginSecret = "" },
			want:   "auth.login_secret is required",
		},
		{
			name:   "bad billing policy",
			mutate: func(c *BrokerConfig) { c.Billing.Policies.Chat = "per_hour" },
			want:   "billing.policies.chat must be",
		},
		{
			name:   "bad client version",
			mutate: func(c *BrokerConfig) { c.Server.MinClientVersion = "not-a-version" },
			want:   "server.min_client_version must be valid semver",
		},
		{
			name: "sweep slower than liveness window",
			mutate: func(c *BrokerConfig) {
				c.Availability.LivenessWindowSec = 10
				c.Availability.SweepIntervalSec = 30
			},
			want: "must not exceed liveness_window_seconds",
		},
		{
			name:   "discord without channel",
			mutate: func(c *BrokerConfig) { c.Alerts.Discord.BotToken = "bot" },
			want:   "alerts.discord.channel_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBrokerConfig()
			tt.mutate(cfg)
			err := validateBrokerConfig(cfg)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadBrokerConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadBrokerConfig(path); err == nil || !strings.Contains(err.Error(), "failed to parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadClientConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadClientConfig(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load client config: %v", err)
	}
	if cfg.ServerURL != "http://localhost:8480" {
		t.Errorf("unexpected default server url %q", cfg.ServerURL)
	}
	if cfg.MaxReadRetries != defaultMaxReadRetries {
		t.Errorf("expected %d read retries, got %d", defaultMaxReadRetries, cfg.MaxReadRetries)
	}
	if cfg.RequestTimeout() != 30*time.Second {
		t.Errorf("expected 30s request timeout, got %s", cfg.RequestTimeout())
	}
}

func TestClientConfigRejectsRelativeURL(t *testing.T) {
	cfg := &ClientConfig{ServerURL: "localhost:8480/api"}
	if err := ValidateClientConfig(cfg); err == nil {
		t.Fatal("expected error for relative url")
	}
}
