package dispatch

import "strings"

// nonRetryableMarkers are matched case-insensitively as substrings of the
// channel error text. Anything matching fails the call immediately: no
// backoff sleep, no requeue, no dead-lettering. Free-form matching is kept
// for compatibility with the channel SDK error strings even though a
// retryable error that merely mentions one of these phrases is misclassified.
var nonRetryableMarkers = []string{
	"invalid auth",
	"invalid_auth",
	"missing auth",
	"not authorized",
	"unknown channel",
	"missing chat id",
	"chat not found",
	"permission denied",
	"invalid argument",
}

// isRetryable reports whether the error text warrants another delivery
// attempt.
func isRetryable(errText string) bool {
	lower := strings.ToLower(errText)
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}
