package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

// ClientConfig configures the consultctl SDK and its transport gateway.
type ClientConfig struct {
	ServerURL         string `json:"server_url"`
	CredentialFile    string `json:"credential_file"`
	RequestTimeoutSec int    `json:"request_timeout_seconds"`
	RefreshTimeoutSec int    `json:"refresh_timeout_seconds"`
	MaxReadRetries    int    `json:"max_read_retries"`
	PollIntervalSec   int    `json:"poll_interval_seconds"`
}

const (
	defaultRequestTimeoutSec = 30
	defaultRefreshTimeoutSec = 15
	defaultMaxReadRetries    = 3
	defaultPollIntervalSec   = 3
)

// LoadClientConfig reads a client config file. A missing file yields defaults so the
// CLI can run from flags and environment alone.
func LoadClientConfig(path string) (*ClientConfig, error) {
	var cfg ClientConfig

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := ValidateClientConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ValidateClientConfig(cfg *ClientConfig) error {
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8480"
	}
	parsed, err := url.Parse(cfg.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("validation error: server_url must be an absolute URL, got %q", cfg.ServerURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("validation error: server_url scheme must be http or https, got %q", parsed.Scheme)
	}
	if cfg.RequestTimeoutSec <= 0 {
		cfg.RequestTimeoutSec = defaultRequestTimeoutSec
	}
	if cfg.RefreshTimeoutSec <= 0 {
		cfg.RefreshTimeoutSec = defaultRefreshTimeoutSec
	}
	if cfg.MaxReadRetries < 0 {
		return fmt.Errorf("validation error: max_read_retries must be >= 0, got %d", cfg.MaxReadRetries)
	}
	if cfg.MaxReadRetries == 0 {
		cfg.MaxReadRetries = defaultMaxReadRetries
	}
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = defaultPollIntervalSec
	}
	return nil
}

func (c ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c ClientConfig) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSec) * time.Second
}

func (c ClientConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}
