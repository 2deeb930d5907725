package agent

import "strings"

// DefaultChunkSize is the number of characters per delta item.
const DefaultChunkSize = 16

// toolCallMarkers are protocol tokens some models leak into visible text
// around native tool calls.
var toolCallMarkers = [...]string{
	"<|tool_calls_section_begin|>",
	"<|tool_calls_section_end|>",
	"<|tool_call_begin|>",
	"<|tool_call_end|>",
	"<|tool_call_argument_begin|>",
	"<｜tool▁calls▁begin｜>",
	"<｜tool▁calls▁end｜>",
	"<｜tool▁call▁begin｜>",
	"<｜tool▁call▁end｜>",
	"<｜tool▁sep｜>",
	"<tool_call>",
	"</tool_call>",
	"[TOOL_CALLS]",
	"<|python_tag|>",
}

var markerStripper = func() *strings.Replacer {
	pairs := make([]string, 0, len(toolCallMarkers)*2)
	for _, m := range toolCallMarkers {
		pairs = append(pairs, m, "")
	}
	return strings.NewReplacer(pairs...)
}()

// StripToolMarkers removes tool-call protocol tokens from text.
func StripToolMarkers(text string) string {
	return markerStripper.Replace(text)
}

// pendingMarkerLen returns the byte length of the longest suffix of s
// that could still grow into a marker.
func pendingMarkerLen(s string) int {
	longest := 0
	for _, m := range toolCallMarkers {
		n := len(m) - 1
		if n > len(s) {
			n = len(s)
		}
		for k := n; k > longest; k-- {
			if strings.HasPrefix(m, s[len(s)-k:]) {
				longest = k
				break
			}
		}
	}
	return longest
}

// deltaWriter turns model text into fixed-size delta chunks with markers
// removed. Text that may be the start of a marker is held back until it
// can be decided.
type deltaWriter struct {
	size    int
	pending string
	sent    strings.Builder
	send    func(string) bool
}

func newDeltaWriter(size int, send func(string) bool) *deltaWriter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &deltaWriter{size: size, send: send}
}

// Write buffers s and sends every complete chunk. It returns false once
// send refuses an item.
func (w *deltaWriter) Write(s string) bool {
	w.pending = StripToolMarkers(w.pending + s)
	hold := pendingMarkerLen(w.pending)

	ready := []rune(w.pending[:len(w.pending)-hold])
	full := len(ready) / w.size * w.size
	for i := 0; i < full; i += w.size {
		if !w.emit(string(ready[i : i+w.size])) {
			return false
		}
	}
	w.pending = string(ready[full:]) + w.pending[len(w.pending)-hold:]
	return true
}

// Flush sends whatever is buffered.
func (w *deltaWriter) Flush() bool {
	rest := []rune(StripToolMarkers(w.pending))
	w.pending = ""
	for i := 0; i < len(rest); i += w.size {
		end := i + w.size
		if end > len(rest) {
			end = len(rest)
		}
		if !w.emit(string(rest[i:end])) {
			return false
		}
	}
	return true
}

func (w *deltaWriter) emit(chunk string) bool {
	w.sent.WriteString(chunk)
	return w.send(chunk)
}

// Text returns everything sent so far.
func (w *deltaWriter) Text() string {
	return w.sent.String()
}
