// Package diff computes redacted, human-readable differences between two
// configurations for reload logging.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/livecheck/livecheck/internal/config"
)

// APIKeysSummary identifies a key pool without exposing its keys.
type APIKeysSummary struct {
	hash  string
	count int
}

// SummarizeAPIKeys hashes the normalized, order-preserving key list.
func SummarizeAPIKeys(keys []string) APIKeysSummary {
	normalized := make([]string, 0, len(keys))
	for _, key := range keys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	if len(normalized) == 0 {
		return APIKeysSummary{}
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "\n")))
	return APIKeysSummary{hash: hex.EncodeToString(sum[:]), count: len(normalized)}
}

// APIKeysChanged reports whether the two pools differ in content or order.
func APIKeysChanged(oldKeys, newKeys []string) bool {
	return SummarizeAPIKeys(oldKeys) != SummarizeAPIKeys(newKeys)
}

// BuildConfigChangeDetails lists changed fields. Secrets are reported as changed, never printed.
func BuildConfigChangeDetails(oldCfg, newCfg *config.Config) []string {
	changes := make([]string, 0, 8)
	if oldCfg == nil || newCfg == nil {
		return changes
	}
	add := func(field string, oldValue, newValue any) {
		if fmt.Sprint(oldValue) != fmt.Sprint(newValue) {
			changes = append(changes, fmt.Sprintf("%s: %v -> %v", field, oldValue, newValue))
		}
	}

	add("host", oldCfg.Host, newCfg.Host)
	add("port", oldCfg.Port, newCfg.Port)
	add("debug", oldCfg.Debug, newCfg.Debug)
	add("logging-to-file", oldCfg.LoggingToFile, newCfg.LoggingToFile)
	add("auth-dir", oldCfg.AuthDir, newCfg.AuthDir)
	add("credential-mode", oldCfg.CredentialMode, newCfg.CredentialMode)
	add("proxy-url", formatProxyURL(oldCfg.ProxyURL), formatProxyURL(newCfg.ProxyURL))
	add("live.model", oldCfg.Live.Model, newCfg.Live.Model)
	add("live.url", oldCfg.Live.URL, newCfg.Live.URL)
	add("verify.primary-model", oldCfg.Verify.PrimaryModel, newCfg.Verify.PrimaryModel)
	add("verify.fallback-model", oldCfg.Verify.FallbackModel, newCfg.Verify.FallbackModel)
	add("verify.fallback-attempts", oldCfg.Verify.FallbackAttempts, newCfg.Verify.FallbackAttempts)
	add("verify.retry-delay", oldCfg.Verify.RetryDelay, newCfg.Verify.RetryDelay)

	oldKeys, newKeys := SummarizeAPIKeys(oldCfg.APIKeys), SummarizeAPIKeys(newCfg.APIKeys)
	if oldKeys.count != newKeys.count {
		changes = append(changes, fmt.Sprintf("api-keys: %d -> %d entries", oldKeys.count, newKeys.count))
	} else if oldKeys.hash != newKeys.hash {
		changes = append(changes, fmt.Sprintf("api-keys: %d entries updated", newKeys.count))
	}
	if oldCfg.ControlKey != newCfg.ControlKey {
		changes = append(changes, "control-key: updated")
	}
	if oldCfg.OAuth.ClientID != newCfg.OAuth.ClientID || oldCfg.OAuth.ClientSecret != newCfg.OAuth.ClientSecret {
		changes = append(changes, "oauth client: updated")
	}
	return changes
}

func formatProxyURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "<none>"
	}
	if idx := strings.Index(trimmed, "@"); idx >= 0 {
		if scheme := strings.Index(trimmed, "://"); scheme >= 0 && scheme < idx {
			return trimmed[:scheme+3] + "***" + trimmed[idx:]
		}
		return "***" + trimmed[idx:]
	}
	return trimmed
}
