package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Credential modes accepted by CredentialMode.
const (
	CredentialModeOAuth  = "oauth"
	CredentialModeAPIKey = "api-key"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8317

	DefaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	DefaultLiveURL   = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultLiveModel = "models/gemini-2.0-flash-live-001"

	DefaultVerifyBaseURL       = "https://generativelanguage.googleapis.com"
	DefaultPrimaryModel        = "gemini-2.5-pro"
	DefaultFallbackModel       = "gemini-2.5-flash"
	DefaultFallbackAttempts    = 3
	DefaultRetryDelay          = 500 * time.Millisecond
	DefaultCallbackTimeout     = 5 * time.Minute
	DefaultAuthDir             = "~/.livecheck"
	DefaultLiveSampleRateHertz = 16000
)

// DefaultScopes are requested during authorization when the config does not override them.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/generative-language.retriever",
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
}

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	SDKConfig `yaml:",inline"`

	// Host is the loopback address the control API binds to.
	Host string `yaml:"host" json:"host"`

	// Port is the control API port.
	Port int `yaml:"port" json:"port"`

	// ControlKey optionally protects the control API; clients send it in X-LiveCheck-Key.
	ControlKey string `yaml:"control-key" json:"-"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile switches logs from stdout to a rotating file.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsDir overrides the directory used for rotated log files.
	LogsDir string `yaml:"logs-dir" json:"logs-dir"`

	// LogsMaxTotalSizeMB caps the total size of the logs directory. <= 0 disables the cleaner.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// AuthDir holds the encrypted credential file and its key.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// CredentialMode selects the initially active credential: "oauth" or "api-key".
	CredentialMode string `yaml:"credential-mode" json:"credential-mode"`

	OAuth  OAuthConfig  `yaml:"oauth" json:"oauth"`
	Live   LiveConfig   `yaml:"live" json:"live"`
	Verify VerifyConfig `yaml:"verify" json:"verify"`
}

// OAuthConfig configures the authorization code + PKCE flow.
type OAuthConfig struct {
	ClientID        string        `yaml:"client-id" json:"client-id"`
	ClientSecret    string        `yaml:"client-secret" json:"-"`
	AuthURL         string        `yaml:"auth-url" json:"auth-url"`
	TokenURL        string        `yaml:"token-url" json:"token-url"`
	Scopes          []string      `yaml:"scopes" json:"scopes"`
	CallbackTimeout time.Duration `yaml:"callback-timeout" json:"callback-timeout"`
	NoBrowser       bool          `yaml:"no-browser" json:"no-browser"`
}

// LiveConfig configures the bidirectional Live session.
type LiveConfig struct {
	URL               string `yaml:"url" json:"url"`
	Model             string `yaml:"model" json:"model"`
	SystemInstruction string `yaml:"system-instruction" json:"system-instruction"`
	SampleRateHertz   int    `yaml:"sample-rate-hertz" json:"sample-rate-hertz"`
}

// VerifyConfig configures claim verification.
type VerifyConfig struct {
	BaseURL          string        `yaml:"base-url" json:"base-url"`
	PrimaryModel     string        `yaml:"primary-model" json:"primary-model"`
	FallbackModel    string        `yaml:"fallback-model" json:"fallback-model"`
	FallbackAttempts int           `yaml:"fallback-attempts" json:"fallback-attempts"`
	RetryDelay       time.Duration `yaml:"retry-delay" json:"retry-delay"`
}

// LoadConfig reads and parses the YAML configuration file at configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads the configuration file. When optional is true a missing
// file yields a default configuration instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(configFile) != "" {
		data, err := os.ReadFile(configFile)
		switch {
		case err == nil:
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist) && optional:
			log.Debugf("config file %s not found, using defaults", configFile)
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !optional {
		return nil, fmt.Errorf("config file path is required")
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment overrides. lookup is os.LookupEnv in production.
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	get := func(keys ...string) (string, bool) {
		for _, key := range keys {
			if value, ok := lookup(key); ok {
				if trimmed := strings.TrimSpace(value); trimmed != "" {
					return trimmed, true
				}
			}
		}
		return "", false
	}
	if v, ok := get("LIVECHECK_CLIENT_ID", "livecheck_client_id"); ok {
		cfg.OAuth.ClientID = v
	}
	if v, ok := get("LIVECHECK_CLIENT_SECRET", "livecheck_client_secret"); ok {
		cfg.OAuth.ClientSecret = v
	}
	if v, ok := get("GEMINI_API_KEYS", "GEMINI_API_KEY"); ok {
		cfg.APIKeys = append(cfg.APIKeys, strings.Split(v, ",")...)
	}
	if v, ok := get("LIVECHECK_CONTROL_KEY"); ok {
		cfg.ControlKey = v
	}
}

// ApplyDefaults fills zero values with defaults and normalizes lists.
func (cfg *Config) ApplyDefaults() {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.AuthDir == "" {
		cfg.AuthDir = DefaultAuthDir
	}
	cfg.CredentialMode = strings.ToLower(strings.TrimSpace(cfg.CredentialMode))
	if cfg.CredentialMode == "" {
		cfg.CredentialMode = CredentialModeOAuth
	}
	if cfg.OAuth.AuthURL == "" {
		cfg.OAuth.AuthURL = DefaultAuthURL
	}
	if cfg.OAuth.TokenURL == "" {
		cfg.OAuth.TokenURL = DefaultTokenURL
	}
	if len(cfg.OAuth.Scopes) == 0 {
		cfg.OAuth.Scopes = append([]string(nil), DefaultScopes...)
	}
	if cfg.OAuth.CallbackTimeout <= 0 {
		cfg.OAuth.CallbackTimeout = DefaultCallbackTimeout
	}
	if cfg.Live.URL == "" {
		cfg.Live.URL = DefaultLiveURL
	}
	if cfg.Live.Model == "" {
		cfg.Live.Model = DefaultLiveModel
	}
	if cfg.Live.SampleRateHertz <= 0 {
		cfg.Live.SampleRateHertz = DefaultLiveSampleRateHertz
	}
	if cfg.Verify.BaseURL == "" {
		cfg.Verify.BaseURL = DefaultVerifyBaseURL
	}
	if cfg.Verify.PrimaryModel == "" {
		cfg.Verify.PrimaryModel = DefaultPrimaryModel
	}
	if cfg.Verify.FallbackModel == "" {
		cfg.Verify.FallbackModel = DefaultFallbackModel
	}
	if cfg.Verify.FallbackAttempts <= 0 {
		cfg.Verify.FallbackAttempts = DefaultFallbackAttempts
	}
	// A negative retry-delay disables the pause between attempts.
	if cfg.Verify.RetryDelay == 0 {
		cfg.Verify.RetryDelay = DefaultRetryDelay
	}
	cfg.SanitizeAPIKeys()
}

// SanitizeAPIKeys trims and deduplicates the static key pool, preserving order.
func (cfg *Config) SanitizeAPIKeys() {
	if cfg == nil {
		return
	}
	seen := make(map[string]struct{}, len(cfg.APIKeys))
	out := cfg.APIKeys[:0]
	for _, key := range cfg.APIKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	cfg.APIKeys = out
}

// Validate reports configuration combinations that can never work.
func (cfg *Config) Validate() error {
	switch cfg.CredentialMode {
	case CredentialModeOAuth, CredentialModeAPIKey:
	default:
		return fmt.Errorf("invalid credential-mode %q (expected %q or %q)", cfg.CredentialMode, CredentialModeOAuth, CredentialModeAPIKey)
	}
	if cfg.CredentialMode == CredentialModeAPIKey && len(cfg.APIKeys) == 0 {
		return fmt.Errorf("credential-mode %q requires at least one entry in api-keys", CredentialModeAPIKey)
	}
	if cfg.Host != "" && cfg.Host != "127.0.0.1" && cfg.Host != "localhost" && cfg.Host != "::1" {
		log.Warnf("control API bound to non-loopback host %s", cfg.Host)
	}
	return nil
}
