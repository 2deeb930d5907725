package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"

	"github.com/harun/ranya-agent/internal/tracing"
	"github.com/harun/ranya-agent/pkg/failover"
)

// DefaultMaxTokens is used when a request does not set MaxTokens.
const DefaultMaxTokens = 4096

// Fetcher is the failover transport a Client sends through.
type Fetcher interface {
	FetchWithFailover(ctx context.Context, build failover.RequestBuilder, timeout time.Duration) (*failover.Result, error)
}

// Config configures a Client.
type Config struct {
	Fetcher   Fetcher
	Logger    zerolog.Logger
	MaxTokens int
}

// Client speaks both supported chat wire formats through failover.
type Client struct {
	fetcher   Fetcher
	logger    zerolog.Logger
	maxTokens int
}

// NewClient creates a model client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{
		fetcher:   cfg.Fetcher,
		logger:    cfg.Logger.With().Str("component", "llm").Logger(),
		maxTokens: maxTokens,
	}, nil
}

// Complete sends req without streaming and parses the full answer.
func (c *Client) Complete(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	res, err := c.fetcher.FetchWithFailover(ctx, c.builder(req, false), timeout)
	if err != nil {
		return nil, err
	}
	defer res.Response.Body.Close()

	body, err := io.ReadAll(res.Response.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", res.Profile.ID, err)
	}
	if err := statusError(res, body); err != nil {
		return nil, err
	}

	protocol := ResolveProtocol(res.Profile)
	var out *Response
	if protocol == ProtocolAnthropic {
		out, err = parseAnthropic(body)
	} else {
		out, err = parseOpenAI(body)
	}
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", res.Profile.ID, err)
	}

	c.fill(ctx, out, res, protocol)
	return out, nil
}

// Stream sends req with streaming enabled and calls onDelta for each text
// fragment as it arrives. The returned Response holds the full text.
func (c *Client) Stream(ctx context.Context, req Request, timeout time.Duration, onDelta func(string)) (*Response, error) {
	res, err := c.fetcher.FetchWithFailover(ctx, c.builder(req, true), timeout)
	if err != nil {
		return nil, err
	}

	if res.Response.StatusCode < 200 || res.Response.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Response.Body)
		_ = res.Response.Body.Close()
		return nil, statusError(res, body)
	}

	protocol := ResolveProtocol(res.Profile)
	var text string
	if protocol == ProtocolAnthropic {
		text, err = streamAnthropic(res.Response, onDelta)
	} else {
		text, err = streamOpenAI(res.Response, onDelta)
	}
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", res.Profile.ID, err)
	}

	out := &Response{Text: text}
	c.fill(ctx, out, res, protocol)
	return out, nil
}

func (c *Client) fill(ctx context.Context, out *Response, res *failover.Result, protocol Protocol) {
	out.Profile = res.Profile.ID
	out.Protocol = protocol
	if out.Model == "" {
		out.Model = res.Profile.Model
	}
	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Debug().
		Str("profileId", res.Profile.ID).
		Str("protocol", string(protocol)).
		Int("failedAttempts", len(res.Attempts)).
		Int("toolCalls", len(out.ToolCalls)).
		Msg("model call completed")
}

func (c *Client) builder(req Request, stream bool) failover.RequestBuilder {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	return func(ctx context.Context, p failover.Profile) (*http.Request, error) {
		protocol := ResolveProtocol(p)

		var (
			body []byte
			err  error
		)
		if protocol == ProtocolAnthropic {
			body, err = anthropicBody(p.Model, req, maxTokens)
		} else {
			body, err = openAIBody(p.Model, req, maxTokens)
		}
		if err != nil {
			return nil, err
		}
		if stream {
			if body, err = sjson.SetBytes(body, "stream", true); err != nil {
				return nil, fmt.Errorf("enable streaming: %w", err)
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, Endpoint(p, protocol), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if stream {
			httpReq.Header.Set("Accept", "text/event-stream")
		}
		if protocol == ProtocolAnthropic {
			httpReq.Header.Set("x-api-key", p.APIKey)
			httpReq.Header.Set("anthropic-version", AnthropicVersion)
		} else if p.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
		}
		return httpReq, nil
	}
}

func statusError(res *failover.Result, body []byte) error {
	code := res.Response.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	return &StatusError{
		Profile: res.Profile.ID,
		Status:  code,
		Body:    failover.Truncate(string(body), failover.MaxErrorBodyChars),
		Message: failover.ErrorMessage(body),
	}
}
