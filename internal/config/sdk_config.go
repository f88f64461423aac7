// Package config provides configuration management for the LiveCheck server.
// It handles loading and parsing YAML configuration files, and provides structured
// access to application settings including the control API address, credential
// directory, OAuth client settings, Live session and verification settings.
package config

// SDKConfig holds the settings shared by every outbound client (token exchange,
// Live websocket and verification REST calls).
type SDKConfig struct {
	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// APIKeys is the static-key pool used when the credential mode is "api-key".
	// Keys are rotated in order on quota errors.
	APIKeys []string `yaml:"api-keys" json:"-"`

	// RequestLog enables debug logging of outbound request metadata (never bodies or secrets).
	RequestLog bool `yaml:"request-log" json:"request-log"`
}
