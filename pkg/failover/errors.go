package failover

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// MaxErrorBodyChars bounds provider bodies carried in errors.
const MaxErrorBodyChars = 500

// ErrNoProfiles is returned when a client is built without profiles.
var ErrNoProfiles = errors.New("failover: no profiles configured")

// Attempt records one failed or skipped profile.
type Attempt struct {
	ProfileID string `json:"profileId"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Reason    Reason `json:"reason"`
	Status    int    `json:"status,omitempty"`
	Message   string `json:"message"`

	cause error
}

func (a Attempt) String() string {
	if a.Status > 0 {
		return fmt.Sprintf("%s (%s): HTTP %d: %s", a.ProfileID, a.Reason, a.Status, a.Message)
	}
	return fmt.Sprintf("%s (%s): %s", a.ProfileID, a.Reason, a.Message)
}

// AggregateError is returned when every profile failed.
type AggregateError struct {
	Attempts []Attempt
	// LastStatus and LastBody describe the last profile that answered
	// with an HTTP error; both are zero when none did.
	LastStatus int
	LastBody   string
}

func (e *AggregateError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.String()
	}
	return "all profiles failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes transport causes, so errors.Is(err, context.Canceled) works.
func (e *AggregateError) Unwrap() []error {
	var errs []error
	for _, a := range e.Attempts {
		if a.cause != nil {
			errs = append(errs, a.cause)
		}
	}
	return errs
}

// Truncate cuts s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// ErrorMessage pulls a readable message out of a provider error body.
// Both OpenAI and Anthropic nest it under error.message.
func ErrorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "error", "detail"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.String() != "" {
				return r.String()
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response body"
	}
	return Truncate(msg, 200)
}
