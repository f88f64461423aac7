package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "debug: true\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	checks := []struct {
		name      string
		got, want any
	}{
		{"host", cfg.Host, DefaultHost},
		{"port", cfg.Port, DefaultPort},
		{"credential-mode", cfg.CredentialMode, CredentialModeOAuth},
		{"token-url", cfg.OAuth.TokenURL, DefaultTokenURL},
		{"live.model", cfg.Live.Model, DefaultLiveModel},
		{"live.sample-rate", cfg.Live.SampleRateHertz, DefaultLiveSampleRateHertz},
		{"verify.primary", cfg.Verify.PrimaryModel, DefaultPrimaryModel},
		{"verify.fallback-attempts", cfg.Verify.FallbackAttempts, DefaultFallbackAttempts},
		{"verify.retry-delay", cfg.Verify.RetryDelay, DefaultRetryDelay},
		{"callback-timeout", cfg.OAuth.CallbackTimeout, DefaultCallbackTimeout},
		{"scopes", len(cfg.OAuth.Scopes), len(DefaultScopes)},
		{"debug", cfg.Debug, true},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadConfigParsesFields(t *testing.T) {
	path := writeConfig(t, `
host: localhost
port: 9100
control-key: local-secret
proxy-url: socks5://127.0.0.1:1080
credential-mode: api-key
api-keys:
  - " AIzaOne "
  - AIzaTwo
  - AIzaOne
  - ""
oauth:
  client-id: cid
  callback-timeout: 90s
live:
  model: models/custom-live
  sample-rate-hertz: 24000
verify:
  primary-model: pro-x
  retry-delay: -1s
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Host != "localhost" || cfg.Port != 9100 || cfg.ControlKey != "local-secret" {
		t.Fatalf("server fields = %s:%d key %q", cfg.Host, cfg.Port, cfg.ControlKey)
	}
	if cfg.ProxyURL != "socks5://127.0.0.1:1080" {
		t.Fatalf("proxy-url = %q", cfg.ProxyURL)
	}
	if strings.Join(cfg.APIKeys, ",") != "AIzaOne,AIzaTwo" {
		t.Fatalf("api-keys = %q", cfg.APIKeys)
	}
	if cfg.OAuth.ClientID != "cid" || cfg.OAuth.CallbackTimeout != 90*time.Second {
		t.Fatalf("oauth = %+v", cfg.OAuth)
	}
	if cfg.Live.Model != "models/custom-live" || cfg.Live.SampleRateHertz != 24000 {
		t.Fatalf("live = %+v", cfg.Live)
	}
	if cfg.Verify.PrimaryModel != "pro-x" || cfg.Verify.FallbackModel != DefaultFallbackModel {
		t.Fatalf("verify models = %+v", cfg.Verify)
	}
	if cfg.Verify.RetryDelay != -time.Second {
		t.Fatalf("negative retry-delay rewritten to %v", cfg.Verify.RetryDelay)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", "")
	t.Setenv("GEMINI_API_KEY", "")
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"invalid yaml", "port: [", "failed to parse config file"},
		{"unknown credential mode", "credential-mode: password\n", "invalid credential-mode"},
		{"api key mode without keys", "credential-mode: api-key\n", "requires at least one entry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigOptional(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := LoadConfigOptional(missing, false); err == nil {
		t.Fatal("missing required config did not fail")
	}
	cfg, err := LoadConfigOptional(missing, true)
	if err != nil {
		t.Fatalf("LoadConfigOptional: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("port = %d", cfg.Port)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LIVECHECK_CLIENT_ID":     " env-client ",
		"livecheck_client_secret": "env-secret",
		"GEMINI_API_KEYS":         "AIzaEnv1, AIzaEnv2",
		"LIVECHECK_CONTROL_KEY":   "",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	cfg := &Config{ControlKey: "from-file", SDKConfig: SDKConfig{APIKeys: []string{"AIzaFile"}}}
	cfg.ApplyEnv(lookup)
	cfg.ApplyDefaults()

	if cfg.OAuth.ClientID != "env-client" || cfg.OAuth.ClientSecret != "env-secret" {
		t.Fatalf("oauth client = %q / %q", cfg.OAuth.ClientID, cfg.OAuth.ClientSecret)
	}
	if strings.Join(cfg.APIKeys, ",") != "AIzaFile,AIzaEnv1,AIzaEnv2" {
		t.Fatalf("api-keys = %q", cfg.APIKeys)
	}
	if cfg.ControlKey != "from-file" {
		t.Fatalf("empty env value overrode control-key: %q", cfg.ControlKey)
	}
}
