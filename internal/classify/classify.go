// Package classify maps transport outcomes to failure categories used by
// the account health state machine.
package classify

import "strings"

// FailureType is the category a request outcome is mapped to.
type FailureType string

const (
	// Success is not a failure; it is the sentinel for a clean outcome.
	Success         FailureType = "SUCCESS"
	RateLimited     FailureType = "RATE_LIMITED"
	QuotaExhausted  FailureType = "QUOTA_EXHAUSTED"
	GenericError    FailureType = "GENERIC_ERROR"
)

// IsTransient reports whether f is a category that is expected to clear on
// its own after a cooldown, as opposed to an error requiring intervention.
func IsTransient(f FailureType) bool {
	return f == RateLimited || f == QuotaExhausted
}

var rateLimitMarkers = []string{"http 429", "rate limit", "too many requests"}
var quotaMarkers = []string{"quota", "limit exceeded", "usage limit"}

// FromError classifies a transport-level error by a case-insensitive
// substring scan of its message. A nil error or one with an empty message
// is classified as GenericError, matching the teacher's "unknown failure,
// be conservative" stance.
func FromError(err error) FailureType {
	if err == nil {
		return GenericError
	}
	return FromMessage(err.Error())
}

// FromMessage classifies a raw message the way FromError does, without
// requiring an error value — useful when the caller only has a string
// (e.g. a sink replaying historical log lines).
func FromMessage(msg string) FailureType {
	if msg == "" {
		return GenericError
	}
	lower := strings.ToLower(msg)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return RateLimited
		}
	}
	for _, marker := range quotaMarkers {
		if strings.Contains(lower, marker) {
			return QuotaExhausted
		}
	}
	return GenericError
}

// FromHTTP classifies a transport outcome expressed as an HTTP status code
// plus response body. Status takes priority over the body's content: 429
// is always RateLimited and 402 is always QuotaExhausted regardless of what
// the body says. For any other status, the body is scanned the same way
// FromMessage does; an empty body with no matching status falls back to
// GenericError.
func FromHTTP(status int, body string) FailureType {
	switch status {
	case 429:
		return RateLimited
	case 402:
		return QuotaExhausted
	}
	if body != "" {
		return FromMessage(body)
	}
	return GenericError
}
