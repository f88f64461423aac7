package credential

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrQuotaExceeded matches, under errors.Is, any StatusError that signals quota or rate limiting.
var ErrQuotaExceeded = errors.New("credential: quota exceeded")

// StatusError is a non-2xx answer from an upstream API.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Msg)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// Is makes errors.Is(err, ErrQuotaExceeded) true for quota answers.
func (e *StatusError) Is(target error) bool {
	return target == ErrQuotaExceeded && (e.Code == http.StatusTooManyRequests || mentionsQuota(e.Msg))
}

// IsQuotaError reports whether err is a quota or rate-limit failure: an HTTP 429
// or a message mentioning quota, rate limit or RESOURCE_EXHAUSTED.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrQuotaExceeded) || mentionsQuota(err.Error())
}

func mentionsQuota(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "quota") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "resource_exhausted")
}
