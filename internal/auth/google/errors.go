// Package google implements the OAuth2 authorization code + PKCE client used to
// obtain and refresh Google credentials: verifier generation, the one-shot
// loopback callback listener, token endpoint calls and the auth error taxonomy.
package google

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuthError is an error reported by the authorization server, either on the
// redirect (error=access_denied) or in a token endpoint response body.
type OAuthError struct {
	// Code is the OAuth error code.
	Code string `json:"error"`
	// Description is a human-readable description of the error.
	Description string `json:"error_description,omitempty"`
	// URI identifies a web page with information about the error.
	URI string `json:"error_uri,omitempty"`
	// StatusCode is the HTTP status code associated with the error.
	StatusCode int `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("OAuth error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("OAuth error: %s", e.Code)
}

// NewOAuthError creates a new OAuth error with the specified code, description, and status code.
func NewOAuthError(code, description string, statusCode int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		StatusCode:  statusCode,
	}
}

// AuthenticationError is the typed error for every auth failure the app reacts to.
// Two AuthenticationErrors match under errors.Is when their Type is equal, so
// errors.Is(err, ErrAuthRevoked) works on values built by NewAuthenticationError.
type AuthenticationError struct {
	// Type is the machine-readable kind.
	Type string `json:"type"`
	// Message is a human-readable message describing the error.
	Message string `json:"message"`
	// Code is the HTTP status code associated with the error.
	Code int `json:"code"`
	// Cause is the underlying error.
	Cause error `json:"-"`
}

func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *AuthenticationError) Unwrap() error { return e.Cause }

// Is reports whether target is an AuthenticationError of the same Type.
func (e *AuthenticationError) Is(target error) bool {
	t, ok := target.(*AuthenticationError)
	return ok && t.Type == e.Type
}

var (
	// ErrAuthRevoked means the refresh token was rejected (400/401). Stored
	// credentials have been wiped and the user must log in again.
	ErrAuthRevoked = &AuthenticationError{
		Type:    "auth_revoked",
		Message: "Refresh token was rejected by the authorization server",
		Code:    http.StatusUnauthorized,
	}

	// ErrAuthTransient covers network failures and 5xx answers from the token endpoint.
	ErrAuthTransient = &AuthenticationError{
		Type:    "auth_transient",
		Message: "Token endpoint temporarily unavailable",
		Code:    http.StatusServiceUnavailable,
	}

	// ErrNotAuthenticated is returned when an operation needs OAuth tokens and none are held.
	ErrNotAuthenticated = &AuthenticationError{
		Type:    "authentication_required",
		Message: "No OAuth credentials available",
		Code:    http.StatusUnauthorized,
	}

	// ErrStateMismatch is returned when the callback state does not match the pending attempt.
	ErrStateMismatch = &AuthenticationError{
		Type:    "invalid_state",
		Message: "OAuth state parameter is invalid",
		Code:    http.StatusBadRequest,
	}

	// ErrCodeExchangeFailed represents an error when exchanging authorization code for tokens fails.
	ErrCodeExchangeFailed = &AuthenticationError{
		Type:    "code_exchange_failed",
		Message: "Failed to exchange authorization code for tokens",
		Code:    http.StatusBadRequest,
	}

	// ErrServerStartFailed represents an error when the loopback callback listener cannot bind.
	ErrServerStartFailed = &AuthenticationError{
		Type:    "server_start_failed",
		Message: "Failed to start OAuth callback server",
		Code:    http.StatusInternalServerError,
	}

	// ErrCallbackTimeout represents an error when waiting for OAuth callback times out.
	ErrCallbackTimeout = &AuthenticationError{
		Type:    "callback_timeout",
		Message: "Timeout waiting for OAuth callback",
		Code:    http.StatusRequestTimeout,
	}

	// ErrAttemptCancelled is returned to the waiter of an attempt superseded by a newer one.
	ErrAttemptCancelled = &AuthenticationError{
		Type:    "attempt_cancelled",
		Message: "Authorization attempt was replaced or cancelled",
		Code:    http.StatusConflict,
	}
)

// NewAuthenticationError creates a new authentication error with a cause based on a base error.
func NewAuthenticationError(baseErr *AuthenticationError, cause error) *AuthenticationError {
	return &AuthenticationError{
		Type:    baseErr.Type,
		Message: baseErr.Message,
		Code:    baseErr.Code,
		Cause:   cause,
	}
}

// IsAuthenticationError checks if an error is an authentication error.
func IsAuthenticationError(err error) bool {
	_, ok := errors.AsType[*AuthenticationError](err)
	return ok
}

// GetUserFriendlyMessage returns text safe to show in the UI. It never includes
// tokens, codes or raw server bodies.
func GetUserFriendlyMessage(err error) string {
	if oauthErr, ok := errors.AsType[*OAuthError](err); ok {
		switch oauthErr.Code {
		case "access_denied":
			return "Authentication was cancelled or denied."
		case "invalid_request":
			return "Invalid authentication request. Please try again."
		case "invalid_grant":
			return "Your sign-in has expired or was revoked. Please log in again."
		case "server_error", "temporarily_unavailable":
			return "Authentication server error. Please try again later."
		}
	}
	if authErr, ok := errors.AsType[*AuthenticationError](err); ok {
		switch authErr.Type {
		case ErrAuthRevoked.Type:
			return "Your sign-in has expired or was revoked. Please log in again."
		case ErrAuthTransient.Type:
			return "Could not reach the sign-in service. Will retry shortly."
		case ErrNotAuthenticated.Type:
			return "Please log in to continue."
		case ErrStateMismatch.Type:
			return "The sign-in response did not match this request. Please try again."
		case ErrCallbackTimeout.Type:
			return "Authentication timed out. Please try again."
		case ErrAttemptCancelled.Type:
			return "Sign-in was restarted."
		case ErrServerStartFailed.Type:
			return "Could not start the local sign-in listener."
		default:
			return "Authentication failed. Please try again."
		}
	}
	if err == nil {
		return ""
	}
	return "An unexpected error occurred. Please try again."
}
