package compaction

import (
	"fmt"
	"math"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/harun/ranya-agent/pkg/llm"
)

const (
	defaultMessageOverhead = 4
	defaultSafetyMargin    = 1.2
	defaultEncoding        = "cl100k_base"
)

// Estimator approximates the token footprint of text and messages.
type Estimator interface {
	EstimateText(text string) int
	EstimateMessages(msgs []llm.Message) int
}

// HeuristicEstimator counts CJK characters at two per token and all other
// characters at four per token, adds a fixed overhead per message and
// scales the total by a safety margin.
type HeuristicEstimator struct {
	MessageOverhead int
	SafetyMargin    float64
}

// NewHeuristicEstimator returns the default estimator.
func NewHeuristicEstimator() HeuristicEstimator {
	return HeuristicEstimator{MessageOverhead: defaultMessageOverhead, SafetyMargin: defaultSafetyMargin}
}

func (h HeuristicEstimator) margin() float64 {
	if h.SafetyMargin <= 0 {
		return 1
	}
	return h.SafetyMargin
}

func (h HeuristicEstimator) EstimateText(text string) int {
	return ceil(rawTokens(text) * h.margin())
}

func (h HeuristicEstimator) EstimateMessages(msgs []llm.Message) int {
	var raw float64
	for _, m := range msgs {
		raw += float64(h.MessageOverhead) + rawTokens(m.Content)
		for _, tc := range m.ToolCalls {
			raw += rawTokens(tc.Name) + rawTokens(tc.Arguments)
		}
	}
	return ceil(raw * h.margin())
}

// ceil tolerates float noise such as 10*1.2 = 12.000000000000002.
func ceil(v float64) int {
	return int(math.Ceil(v - 1e-9))
}

func rawTokens(text string) float64 {
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return float64(cjk)/2 + float64(other)/4
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// TiktokenEstimator counts tokens with a BPE encoding.
type TiktokenEstimator struct {
	mu              sync.Mutex
	enc             *tiktoken.Tiktoken
	MessageOverhead int
}

// NewTiktokenEstimator loads encoding (cl100k_base when empty). Loading
// may fetch the BPE ranks over the network the first time.
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	if encoding == "" {
		encoding = defaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenEstimator{enc: enc, MessageOverhead: defaultMessageOverhead}, nil
}

func (t *TiktokenEstimator) count(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TiktokenEstimator) EstimateText(text string) int {
	return t.count(text)
}

func (t *TiktokenEstimator) EstimateMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += t.MessageOverhead + t.count(m.Content)
		for _, tc := range m.ToolCalls {
			total += t.count(tc.Name) + t.count(tc.Arguments)
		}
	}
	return total
}
