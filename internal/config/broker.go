package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	semver "github.com/Masterminds/semver/v3"
)

// Billing policies applied when a session is settled.
const (
	BillingExactSecond   = "exact_second"
	BillingPerMinuteCeil = "per_minute_ceil"
)

type DatabaseConfig struct {
	Path string `json:"path"`
	// ResidentMinutes is how long finished requests, queue entries and sessions stay
	// in memory before reads go to the database.
	ResidentMinutes int `json:"resident_minutes"`
}

type ServerConfig struct {
	HTTPPort         int      `json:"http_port"`
	AllowedOrigins   []string `json:"allowed_origins"`
	MinClientVersion string   `json:"min_client_version"`
}

type AuthConfig struct {
	JWTSecret              string `json:"jwt_secret"`
	LoginSecret            string `json:"login_secret"`
	AccessTokenTTLSec      int    `json:"access_token_ttl_seconds"`
	RefreshTokenTTLHours   int    `json:"refresh_token_ttl_hours"`
	LoginRequestsPerMinute int    `json:"login_requests_per_minute"`
}

type RequestsConfig struct {
	TTLSec int `json:"ttl_seconds"`
}

type QueueConfig struct {
	TTLSec                int `json:"ttl_seconds"`
	AverageSessionMinutes int `json:"average_session_minutes"`
	MaxLength             int `json:"max_length"`
}

type AvailabilityConfig struct {
	LivenessWindowSec int `json:"liveness_window_seconds"`
	SweepIntervalSec  int `json:"sweep_interval_seconds"`
}

type BillingPolicies struct {
	Chat  string `json:"chat"`
	Call  string `json:"call"`
	Video string `json:"video"`
}

type BillingConfig struct {
	Policies       BillingPolicies `json:"policies"`
	MinimumMinutes int             `json:"minimum_minutes"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
}

type AuditConfig struct {
	Enabled       bool `json:"enabled"`
	RetentionDays int  `json:"retention_days"`
}

type DiscordAlertConfig struct {
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type AlertsConfig struct {
	Discord DiscordAlertConfig `json:"discord"`
}

type BrokerConfig struct {
	Server       ServerConfig       `json:"server"`
	Auth         AuthConfig         `json:"auth"`
	Database     DatabaseConfig     `json:"database"`
	Requests     RequestsConfig     `json:"requests"`
	Queue        QueueConfig        `json:"queue"`
	Availability AvailabilityConfig `json:"availability"`
	Billing      BillingConfig      `json:"billing"`
	RateLimit    RateLimitConfig    `json:"rate_limit"`
	Audit        AuditConfig        `json:"audit"`
	Alerts       AlertsConfig       `json:"alerts"`
}

const (
	defaultDatabasePath           = "./consultd.db"
	defaultResidentMinutes        = 60
	defaultAccessTokenTTLSec      = 900
	defaultRefreshTokenTTLHours   = 720
	defaultLoginRequestsPerMinute = 20
	defaultRequestTTLSec          = 60
	defaultQueueTTLSec            = 1800
	defaultAverageSessionMinutes  = 10
	defaultQueueMaxLength         = 50
	defaultLivenessWindowSec      = 90
	defaultSweepIntervalSec       = 15
	defaultMinimumMinutes         = 5
	defaultRequestsPerMinute      = 120
	defaultRateBurst              = 30
	defaultAuditRetentionDays     = 90
	minJWTSecretLength            = 32
)

func LoadBrokerConfig(path string) (*BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg BrokerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateBrokerConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateBrokerConfig(cfg *BrokerConfig) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("validation error: server.http_port must be between 1 and 65535, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MinClientVersion != "" {
		if _, err := semver.NewVersion(cfg.Server.MinClientVersion); err != nil {
			return fmt.Errorf("validation error: server.min_client_version must be valid semver: %v", err)
		}
	}
	if len(cfg.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("validation error: auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}
	if cfg.Auth.LoginSecret == "" {
		return fmt.Errorf("validation error: auth.login_secret is required")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}
	if cfg.Database.ResidentMinutes <= 0 {
		cfg.Database.ResidentMinutes = defaultResidentMinutes
	}

	cfg.applyDefaults()

	for kind, policy := range map[string]string{
		"chat":  cfg.Billing.Policies.Chat,
		"call":  cfg.Billing.Policies.Call,
		"video": cfg.Billing.Policies.Video,
	} {
		if policy != BillingExactSecond && policy != BillingPerMinuteCeil {
			return fmt.Errorf("validation error: billing.policies.%s must be %q or %q, got %q", kind, BillingExactSecond, BillingPerMinuteCeil, policy)
		}
	}

	if cfg.Availability.SweepIntervalSec > cfg.Availability.LivenessWindowSec {
		return fmt.Errorf("validation error: availability.sweep_interval_seconds (%d) must not exceed liveness_window_seconds (%d)",
			cfg.Availability.SweepIntervalSec, cfg.Availability.LivenessWindowSec)
	}

	if cfg.Alerts.Discord.BotToken != "" && cfg.Alerts.Discord.ChannelID == "" {
		return fmt.Errorf("validation error: alerts.discord.channel_id is required when bot_token is set")
	}

	return nil
}

func (cfg *BrokerConfig) applyDefaults() {
	if cfg.Auth.AccessTokenTTLSec <= 0 {
		cfg.Auth.AccessTokenTTLSec = defaultAccessTokenTTLSec
	}
	if cfg.Auth.RefreshTokenTTLHours <= 0 {
		cfg.Auth.RefreshTokenTTLHours = defaultRefreshTokenTTLHours
	}
	if cfg.Auth.LoginRequestsPerMinute <= 0 {
		cfg.Auth.LoginRequestsPerMinute = defaultLoginRequestsPerMinute
	}
	if cfg.Requests.TTLSec <= 0 {
		cfg.Requests.TTLSec = defaultRequestTTLSec
	}
	if cfg.Queue.TTLSec <= 0 {
		cfg.Queue.TTLSec = defaultQueueTTLSec
	}
	if cfg.Queue.AverageSessionMinutes <= 0 {
		cfg.Queue.AverageSessionMinutes = defaultAverageSessionMinutes
	}
	if cfg.Queue.MaxLength <= 0 {
		cfg.Queue.MaxLength = defaultQueueMaxLength
	}
	if cfg.Availability.LivenessWindowSec <= 0 {
		cfg.Availability.LivenessWindowSec = defaultLivenessWindowSec
	}
	if cfg.Availability.SweepIntervalSec <= 0 {
		cfg.Availability.SweepIntervalSec = defaultSweepIntervalSec
	}
	if cfg.Billing.Policies.Chat == "" {
		cfg.Billing.Policies.Chat = BillingExactSecond
	}
	if cfg.Billing.Policies.Call == "" {
		cfg.Billing.Policies.Call = BillingPerMinuteCeil
	}
	if cfg.Billing.Policies.Video == "" {
		cfg.Billing.Policies.Video = BillingPerMinuteCeil
	}
	if cfg.Billing.MinimumMinutes <= 0 {
		cfg.Billing.MinimumMinutes = defaultMinimumMinutes
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateBurst
	}
	if cfg.Audit.RetentionDays <= 0 {
		cfg.Audit.RetentionDays = defaultAuditRetentionDays
	}
}

func (c DatabaseConfig) Residency() time.Duration {
	return time.Duration(c.ResidentMinutes) * time.Minute
}

func (c RequestsConfig) TTL() time.Duration { return time.Duration(c.TTLSec) * time.Second }

func (c QueueConfig) TTL() time.Duration { return time.Duration(c.TTLSec) * time.Second }

func (c QueueConfig) AverageSession() time.Duration {
	return time.Duration(c.AverageSessionMinutes) * time.Minute
}

func (c AvailabilityConfig) LivenessWindow() time.Duration {
	return time.Duration(c.LivenessWindowSec) * time.Second
}

func (c AvailabilityConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c AuthConfig) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLSec) * time.Second
}

func (c AuthConfig) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLHours) * time.Hour
}

// PolicyFor returns the billing policy configured for a consultation kind.
func (c BillingConfig) PolicyFor(kind string) string {
	switch kind {
	case "call":
		return c.Policies.Call
	case "video":
		return c.Policies.Video
	default:
		return c.Policies.Chat
	}
}
