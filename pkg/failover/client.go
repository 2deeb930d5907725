package failover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/ranya-agent/internal/observability"
	"github.com/harun/ranya-agent/internal/tracing"
)

// maxErrorRead caps how much of a failed response is buffered.
const maxErrorRead = 64 << 10

// Profile is one provider endpoint. Profiles are immutable once the
// client is built.
type Profile struct {
	ID       string `json:"id"`
	BaseURL  string `json:"baseUrl"`
	APIKey   string `json:"apiKey"`
	Model    string `json:"model"`
	Protocol string `json:"protocol,omitempty"`
}

// Provider names the endpoint for attempt records: the forced protocol
// when set, otherwise the base URL host.
func (p Profile) Provider() string {
	if p.Protocol != "" {
		return p.Protocol
	}
	if u, err := url.Parse(p.BaseURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return p.BaseURL
}

// RequestBuilder builds the request for one profile. The request must be
// bound to ctx so the per-call timeout applies.
type RequestBuilder func(ctx context.Context, p Profile) (*http.Request, error)

// Result is a successful (or format-rejected) exchange.
type Result struct {
	Response *http.Response
	Profile  Profile
	// Attempts lists the profiles that failed or were skipped first.
	Attempts []Attempt
}

// Config configures a Client.
type Config struct {
	Profiles   []Profile
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// Now is used for cooldown math; defaults to time.Now.
	Now func() time.Time
}

// Client walks profiles in order until one answers.
type Client struct {
	profiles  []Profile
	http      *http.Client
	logger    zerolog.Logger
	now       func() time.Time
	cooldowns *cooldownTable
}

// NewClient validates the profile list and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Profiles) == 0 {
		return nil, ErrNoProfiles
	}

	seen := make(map[string]struct{}, len(cfg.Profiles))
	for i, p := range cfg.Profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("profile %d: id is required", i)
		}
		if p.BaseURL == "" {
			return nil, fmt.Errorf("profile %s: baseUrl is required", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("profile %s: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		profiles:  append([]Profile(nil), cfg.Profiles...),
		http:      httpClient,
		logger:    cfg.Logger.With().Str("component", "failover").Logger(),
		now:       now,
		cooldowns: newCooldownTable(),
	}, nil
}

// Profiles returns the configured profiles in order.
func (c *Client) Profiles() []Profile {
	return append([]Profile(nil), c.profiles...)
}

// Cooldowns returns a snapshot of the failure table.
func (c *Client) Cooldowns() []CooldownEntry {
	return c.cooldowns.snapshot()
}

// Reset clears the cooldown of one profile.
func (c *Client) Reset(profileID string) {
	c.cooldowns.reset(profileID)
}

// FetchWithFailover tries each profile in order. timeout bounds each
// individual call, including reading a successful body.
func (c *Client) FetchWithFailover(ctx context.Context, build RequestBuilder, timeout time.Duration) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ranya.failover", "failover.fetch",
		attribute.Int("failover.profiles", len(c.profiles)),
	)
	logger := tracing.LoggerFromContext(ctx, c.logger)

	var (
		attempts []Attempt
		agg      AggregateError
	)

	for _, p := range c.profiles {
		if until, blocked := c.cooldowns.blockedUntil(p.ID, c.now()); blocked {
			a := Attempt{
				ProfileID: p.ID,
				Provider:  p.Provider(),
				Model:     p.Model,
				Reason:    ReasonRateLimit,
				Message:   "in cooldown until " + until.UTC().Format(time.RFC3339),
			}
			attempts = append(attempts, a)
			observability.RecordFailoverAttempt(p.ID, string(a.Reason))
			logger.Debug().Str("profileId", p.ID).Time("until", until).Msg("skipping profile in cooldown")
			continue
		}

		res, a, done := c.try(ctx, p, build, timeout)
		if done {
			res.Attempts = attempts
			span.SetAttributes(
				attribute.String("failover.profile", p.ID),
				attribute.Int("failover.attempts", len(attempts)),
			)
			tracing.EndSpan(span, nil)
			return res, nil
		}

		attempts = append(attempts, a.Attempt)
		if a.Status > 0 {
			agg.LastStatus = a.Status
			agg.LastBody = a.body
		}
		logger.Warn().
			Str("profileId", p.ID).
			Str("reason", string(a.Reason)).
			Int("status", a.Status).
			Str("error", a.Message).
			Msg("profile attempt failed")

		if ctx.Err() != nil {
			break
		}
	}

	agg.Attempts = attempts
	err := &agg
	tracing.EndSpan(span, err)
	return nil, err
}

// attempt is an Attempt plus the truncated raw body for the aggregate.
type attempt struct {
	Attempt
	body string
}

// try performs one profile call. done is true when the result must be
// handed to the caller (2xx or format rejection).
func (c *Client) try(ctx context.Context, p Profile, build RequestBuilder, timeout time.Duration) (*Result, attempt, bool) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	start := c.now()
	fail := func(reason Reason, status int, msg string, cause error, retryAfter time.Duration) attempt {
		cancel()
		observability.RecordFailoverAttempt(p.ID, string(reason))
		observability.RecordModelCall(p.ID, c.now().Sub(start), false)
		// A call ended by the caller says nothing about the profile.
		if reason.Retryable() && ctx.Err() == nil {
			c.cooldowns.fail(p.ID, reason, retryAfter, c.now())
		}
		return attempt{Attempt: Attempt{
			ProfileID: p.ID,
			Provider:  p.Provider(),
			Model:     p.Model,
			Reason:    reason,
			Status:    status,
			Message:   msg,
			cause:     cause,
		}}
	}

	req, err := build(callCtx, p)
	if err != nil {
		return nil, fail(ReasonUnknown, 0, "build request: "+err.Error(), err, 0), false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fail(transportReason(callCtx, err), 0, err.Error(), err, 0), false
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.cooldowns.reset(p.ID)
		observability.RecordModelCall(p.ID, c.now().Sub(start), true)
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return &Result{Response: resp, Profile: p}, attempt{}, true
	}

	reason := ClassifyStatus(resp.StatusCode)
	if !reason.Retryable() {
		observability.RecordFailoverAttempt(p.ID, string(reason))
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return &Result{Response: resp, Profile: p}, attempt{}, true
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorRead))
	_ = resp.Body.Close()
	retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())

	a := fail(reason, resp.StatusCode, ErrorMessage(body), nil, retryAfter)
	a.body = Truncate(string(body), MaxErrorBodyChars)
	return nil, a, false
}

func transportReason(callCtx context.Context, err error) Reason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || callCtx.Err() != nil {
		return ReasonTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ReasonTimeout
	}
	return ReasonUnknown
}

// cancelOnClose releases the per-call context once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
