package tts

import (
	"errors"
	"fmt"
)

// ErrNoDeployment is returned by a provider that has no usable upstream
// configured (e.g., missing base URL). It is always fallback-eligible.
var ErrNoDeployment = errors.New("tts: no deployment configured")

// StatusError reports a non-2xx HTTP response from a provider API. The
// status code drives the fallback orchestrator's eligibility decision:
// 429 and 5xx mean "try the next provider", 4xx client rejections mean the
// request itself is bad and must surface to the caller.
type StatusError struct {
	// Provider is the name of the backend that produced the response.
	Provider string

	// StatusCode is the upstream HTTP status code.
	StatusCode int

	// Body is a truncated copy of the upstream response body, for logs.
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("tts: %s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// AsStatusError unwraps err to a [*StatusError] if one is in the chain.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
