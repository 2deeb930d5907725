package llm

import (
	"net/url"
	"strings"

	"github.com/harun/ranya-agent/pkg/failover"
)

// Protocol is the wire shape spoken by a profile.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
)

// ResolveProtocol returns the forced protocol of p, or infers it from the
// base URL: hosts or paths naming anthropic speak the Messages API,
// everything else is treated as OpenAI-compatible.
func ResolveProtocol(p failover.Profile) Protocol {
	switch Protocol(strings.ToLower(strings.TrimSpace(p.Protocol))) {
	case ProtocolAnthropic:
		return ProtocolAnthropic
	case ProtocolOpenAI:
		return ProtocolOpenAI
	}

	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return ProtocolOpenAI
	}
	if strings.Contains(strings.ToLower(u.Host), "anthropic") {
		return ProtocolAnthropic
	}
	if strings.HasSuffix(strings.TrimRight(strings.ToLower(u.Path), "/"), "/anthropic") {
		return ProtocolAnthropic
	}
	return ProtocolOpenAI
}

// Endpoint returns the request URL for p under protocol.
func Endpoint(p failover.Profile, protocol Protocol) string {
	base := strings.TrimRight(p.BaseURL, "/")
	if protocol == ProtocolAnthropic {
		if strings.HasSuffix(base, "/v1") {
			return base + "/messages"
		}
		return base + "/v1/messages"
	}
	return base + "/chat/completions"
}
