package failover

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Reason
	}{
		{429, ReasonRateLimit},
		{408, ReasonTimeout},
		{401, ReasonAuth},
		{403, ReasonAuth},
		{402, ReasonBilling},
		{400, ReasonFormat},
		{500, ReasonServerError},
		{503, ReasonServerError},
		{404, ReasonUnknown},
		{409, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.status))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("should parse seconds", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	})

	t.Run("should parse http date", func(t *testing.T) {
		v := now.Add(2 * time.Minute).Format(http.TimeFormat)
		assert.Equal(t, 2*time.Minute, ParseRetryAfter(v, now))
	})

	t.Run("should ignore past dates and garbage", func(t *testing.T) {
		assert.Zero(t, ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
		assert.Zero(t, ParseRetryAfter("soon", now))
		assert.Zero(t, ParseRetryAfter("", now))
		assert.Zero(t, ParseRetryAfter("-5", now))
	})
}

func TestCooldownDuration(t *testing.T) {
	assert.Equal(t, 60*time.Second, CooldownDuration(ReasonServerError, 1, 0))
	assert.Equal(t, 5*time.Minute, CooldownDuration(ReasonServerError, 2, 0))
	assert.Equal(t, 25*time.Minute, CooldownDuration(ReasonAuth, 3, 0))
	assert.Equal(t, time.Hour, CooldownDuration(ReasonTimeout, 4, 0))
	assert.Equal(t, time.Hour, CooldownDuration(ReasonUnknown, 12, 0))

	assert.Equal(t, 60*time.Second, CooldownDuration(ReasonServerError, 0, 0), "count below one is treated as first failure")

	assert.Equal(t, 30*time.Second, CooldownDuration(ReasonRateLimit, 3, 30*time.Second))
	assert.Equal(t, 25*time.Minute, CooldownDuration(ReasonRateLimit, 3, 0))
	assert.Equal(t, 5*time.Minute, CooldownDuration(ReasonServerError, 2, 30*time.Second), "retry-after only applies to rate limits")

	assert.Equal(t, 10*time.Minute, CooldownDuration(ReasonBilling, 1, 0))
	assert.Equal(t, 10*time.Minute, CooldownDuration(ReasonBilling, 5, time.Second))
}

func TestTruncateAndErrorMessage(t *testing.T) {
	assert.Equal(t, "héll", Truncate("héllo", 4))
	assert.Equal(t, "abc", Truncate("abc", 10))

	assert.Equal(t, "slow down", ErrorMessage([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`)))
	assert.Equal(t, "overloaded", ErrorMessage([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`)))
	assert.Equal(t, "bad gateway", ErrorMessage([]byte("  bad gateway \n")))
	assert.Equal(t, "empty response body", ErrorMessage(nil))
}
