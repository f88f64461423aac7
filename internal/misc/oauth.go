// Package misc holds small helpers shared by the authorization flow and the CLI:
// OAuth state generation, callback URL parsing and credential log lines.
package misc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// GenerateRandomState generates a cryptographically secure 128-bit state parameter
// for OAuth2 flows to prevent CSRF attacks, hex encoded.
func GenerateRandomState() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// OAuthCallback captures the parsed OAuth callback parameters.
type OAuthCallback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackFromQuery reads callback parameters from a redirect query string.
func CallbackFromQuery(query url.Values) *OAuthCallback {
	cb := &OAuthCallback{
		Code:             strings.TrimSpace(query.Get("code")),
		State:            strings.TrimSpace(query.Get("state")),
		Error:            strings.TrimSpace(query.Get("error")),
		ErrorDescription: strings.TrimSpace(query.Get("error_description")),
	}
	if cb.Error == "" && cb.ErrorDescription != "" {
		cb.Error = cb.ErrorDescription
		cb.ErrorDescription = ""
	}
	return cb
}

// ParseOAuthCallback extracts OAuth parameters from a callback URL pasted by the user
// when the loopback listener cannot be reached (for example over SSH).
// It returns nil when the input is empty.
func ParseOAuthCallback(input string) (*OAuthCallback, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, nil
	}

	candidate := trimmed
	if !strings.Contains(candidate, "://") {
		switch {
		case strings.HasPrefix(candidate, "?"):
			candidate = "http://127.0.0.1/" + candidate
		case strings.ContainsAny(candidate, "/?#") || strings.Contains(candidate, ":"):
			candidate = "http://" + candidate
		case strings.Contains(candidate, "="):
			candidate = "http://127.0.0.1/?" + candidate
		default:
			return nil, fmt.Errorf("invalid callback URL")
		}
	}

	parsedURL, err := url.Parse(candidate)
	if err != nil {
		return nil, err
	}

	query := parsedURL.Query()
	if parsedURL.Fragment != "" {
		if fragQuery, errFrag := url.ParseQuery(parsedURL.Fragment); errFrag == nil {
			for key, values := range fragQuery {
				if query.Get(key) == "" && len(values) > 0 {
					query.Set(key, values[0])
				}
			}
		}
	}

	cb := CallbackFromQuery(query)
	if cb.Code == "" && cb.Error == "" {
		return nil, fmt.Errorf("callback URL missing code")
	}
	return cb, nil
}
