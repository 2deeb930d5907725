package llm

import (
	"errors"
	"fmt"

	"github.com/harun/ranya-agent/pkg/failover"
)

// StatusError is a non-retryable HTTP rejection, such as a malformed
// request, surfaced from the serving profile.
type StatusError struct {
	Profile string
	Status  int
	Body    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("profile %s rejected request: HTTP %d: %s", e.Profile, e.Status, e.Message)
}

// Describe renders err for end users. It always names the HTTP status and
// the (truncated) provider body when the failure came from an HTTP answer.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var se *StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("Model request failed: HTTP %d: %s", se.Status, se.Body)
	}

	var agg *failover.AggregateError
	if errors.As(err, &agg) {
		if agg.LastStatus > 0 {
			return fmt.Sprintf("All model profiles failed. Last error: HTTP %d: %s", agg.LastStatus, agg.LastBody)
		}
		return "All model profiles failed: " + agg.Error()
	}

	return "Model request failed: " + err.Error()
}
