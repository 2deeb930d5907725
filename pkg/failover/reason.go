package failover

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Reason classifies why a profile attempt failed.
type Reason string

const (
	ReasonRateLimit   Reason = "rate_limit"
	ReasonTimeout     Reason = "timeout"
	ReasonServerError Reason = "server_error"
	ReasonAuth        Reason = "auth"
	ReasonBilling     Reason = "billing"
	ReasonFormat      Reason = "format"
	ReasonUnknown     Reason = "unknown"
)

const (
	baseCooldown    = 60 * time.Second
	cooldownFactor  = 5
	maxCooldown     = time.Hour
	billingCooldown = 10 * time.Minute
)

func (r Reason) String() string {
	return string(r)
}

// Retryable reports whether the next profile should be tried.
func (r Reason) Retryable() bool {
	return r != ReasonFormat
}

// ClassifyStatus maps a non-2xx HTTP status to a Reason.
func ClassifyStatus(status int) Reason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusBadRequest:
		return ReasonFormat
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// ParseRetryAfter reads a Retry-After header given either as delay
// seconds or as an HTTP-date. It returns 0 when the header is absent,
// malformed or already in the past.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}

// CooldownDuration returns how long a profile rests after its
// errorCount-th consecutive failure. Retry-After wins for rate limits,
// billing is flat, everything else backs off 60s*5^(n-1) up to an hour.
func CooldownDuration(reason Reason, errorCount int, retryAfter time.Duration) time.Duration {
	if reason == ReasonRateLimit && retryAfter > 0 {
		return retryAfter
	}
	if reason == ReasonBilling {
		return billingCooldown
	}
	if errorCount < 1 {
		errorCount = 1
	}
	d := baseCooldown
	for i := 1; i < errorCount; i++ {
		d *= cooldownFactor
		if d >= maxCooldown {
			return maxCooldown
		}
	}
	return d
}
