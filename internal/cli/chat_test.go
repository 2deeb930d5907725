package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranya-agent/pkg/agent"
)

// writeConfig writes a config with one profile pointing at baseURL and
// everything else under a temp dir.
func writeConfig(t *testing.T, baseURL string, streaming bool, edits ...func(map[string]any)) string {
	t.Helper()
	dir := t.TempDir()
	cfg := map[string]any{
		"data_dir": dir,
		"ai": map[string]any{
			"profiles": []map[string]any{
				{"id": "primary", "base_url": baseURL, "api_key": "test-key", "model": "test-model"},
			},
		},
		"agent":   map[string]any{"streaming": streaming},
		"logging": map[string]any{"level": "debug", "file": filepath.Join(dir, "ranya.log")},
	}
	for _, edit := range edits {
		edit(cfg)
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "ranya.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func fakeProvider(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

const completionBody = `{"id":"c1","object":"chat.completion","model":"test-model","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hello from the fake provider"}}]}`

func TestChatCommand(t *testing.T) {
	t.Run("should answer and persist the turn", func(t *testing.T) {
		srv, calls := fakeProvider(t, http.StatusOK, completionBody)
		path := writeConfig(t, srv.URL, false)

		out, err := execute(t, "--config", path, "chat", "hi", "there")
		require.NoError(t, err)
		assert.Contains(t, out, "Hello from the fake provider")
		assert.Equal(t, int32(1), calls.Load())

		out, err = execute(t, "--config", path, "sessions", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "cli\tidle")

		out, err = execute(t, "--config", path, "sessions", "show", "cli")
		require.NoError(t, err)
		assert.Contains(t, out, "user: hi there")
		assert.Contains(t, out, "assistant: Hello from the fake provider")

		audit, err := os.ReadFile(filepath.Join(filepath.Dir(path), "audit.log"))
		require.NoError(t, err)
		assert.Contains(t, string(audit), `"action":"run:done"`)
	})

	t.Run("should report provider failures", func(t *testing.T) {
		srv, _ := fakeProvider(t, http.StatusInternalServerError, `{"error":{"message":"boom"}}`)
		path := writeConfig(t, srv.URL, false)

		out, err := execute(t, "--config", path, "chat", "hi")

		require.ErrorIs(t, err, errTurnFailed)
		assert.Contains(t, out, "All model profiles failed. Last error: HTTP 500")
	})

	t.Run("should print JSON lines", func(t *testing.T) {
		srv, _ := fakeProvider(t, http.StatusOK, completionBody)
		path := writeConfig(t, srv.URL, false)

		out, err := execute(t, "--config", path, "chat", "--json", "-c", "json-run", "hi")
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.NotEmpty(t, lines)
		var last agent.StreamItem
		require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
		assert.Equal(t, agent.KindStatus, last.Kind)
		assert.Equal(t, agent.StatusDone, last.Status)
		assert.Contains(t, out, `"type":"final"`)
	})

	t.Run("should stream deltas in chat mode", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			for _, piece := range []string{"Str", "eamed ", "answer"} {
				_, _ = io.WriteString(w, `data: {"id":"s1","object":"chat.completion.chunk","model":"test-model","choices":[{"index":0,"delta":{"content":"`+piece+`"}}]}`+"\n\n")
			}
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
		}))
		t.Cleanup(srv.Close)
		path := writeConfig(t, srv.URL, true)

		out, err := execute(t, "--config", path, "chat", "hi")

		require.NoError(t, err)
		assert.Equal(t, "Streamed answer\n", out)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("should abort blocked prompts before calling the model", func(t *testing.T) {
		srv, calls := fakeProvider(t, http.StatusOK, completionBody)
		path := writeConfig(t, srv.URL, false, func(cfg map[string]any) {
			cfg["moderation"] = map[string]any{"enabled": true, "blocked_keywords": []string{"forbidden"}}
		})

		out, err := execute(t, "--config", path, "chat", "say the forbidden word")

		require.ErrorIs(t, err, errTurnFailed)
		assert.Contains(t, out, "Run aborted: prompt contains blocked keyword: forbidden")
		assert.Zero(t, calls.Load())
	})

	t.Run("should reject an invalid config", func(t *testing.T) {
		path := writeConfig(t, "", false)

		_, err := execute(t, "--config", path, "chat", "hi")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestPrintStream(t *testing.T) {
	feed := func(items ...agent.StreamItem) <-chan agent.StreamItem {
		ch := make(chan agent.StreamItem, len(items))
		for _, it := range items {
			ch <- it
		}
		close(ch)
		return ch
	}

	t.Run("should not repeat streamed text", func(t *testing.T) {
		var out bytes.Buffer
		err := printStream(&out, feed(
			agent.StatusItem(agent.StatusRunning),
			agent.DeltaItem("Hel"),
			agent.DeltaItem("lo"),
			agent.FinalItem("Hello"),
			agent.StatusItem(agent.StatusDone),
		))

		require.NoError(t, err)
		assert.Equal(t, "Hello\n", out.String())
	})

	t.Run("should print the final text when nothing streamed", func(t *testing.T) {
		var out bytes.Buffer
		err := printStream(&out, feed(
			agent.FinalItem("Agent unavailable: closed"),
			agent.StatusItem(agent.StatusError),
		))

		assert.ErrorIs(t, err, errTurnFailed)
		assert.Equal(t, "Agent unavailable: closed\n", out.String())
	})

	t.Run("should print an error that follows streamed text", func(t *testing.T) {
		var out bytes.Buffer
		notice := "Tool rm was blocked: not allowed\n\n"
		err := printStream(&out, feed(
			agent.DeltaItem(notice),
			agent.FinalItem(notice+"Stopped: exceeded the maximum of 10 tool calls for this turn."),
			agent.StatusItem(agent.StatusError),
		))

		assert.ErrorIs(t, err, errTurnFailed)
		assert.Equal(t, notice+"Stopped: exceeded the maximum of 10 tool calls for this turn.\n", out.String())
	})

	t.Run("should show tool activity", func(t *testing.T) {
		var out bytes.Buffer
		err := printStream(&out, feed(
			agent.ToolCallItem(agent.ToolRequest{ID: "c1", Name: "read_file", Args: map[string]any{"path": "a"}}),
			agent.ToolResultItem(agent.ToolResult{ID: "c1", Name: "read_file", Error: "missing"}),
			agent.FinalItem("done"),
		))

		require.NoError(t, err)
		assert.Contains(t, out.String(), `[tool] read_file {"path":"a"}`)
		assert.Contains(t, out.String(), "[tool] read_file failed: missing")
		assert.Contains(t, out.String(), "done")
	})
}
