package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLog(t *testing.T) {
	t.Run("should write one json line per event", func(t *testing.T) {
		var buf bytes.Buffer
		a := newAuditLog(&buf, nil)

		a.RecordTool(context.Background(), "conv-1", "read_file", true, 15*time.Millisecond)
		a.RecordRun(context.Background(), "conv-1", "completed", true, 1)

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)

		var tool map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &tool))
		assert.Equal(t, "tool", tool["type"])
		assert.Equal(t, "conv-1", tool["actor"])
		assert.Equal(t, "execute:read_file", tool["action"])
		assert.Equal(t, "success", tool["status"])
		assert.NotEmpty(t, tool["time"])

		var run map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[1]), &run))
		assert.Equal(t, "run:completed", run["action"])
		assert.Equal(t, float64(1), run["metadata"].(map[string]any)["tool_calls"])
	})

	t.Run("should append to file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "audit.log")

		a, err := NewAuditLog(path)
		require.NoError(t, err)
		a.RecordTool(context.Background(), "conv-2", "write_file", false, time.Second)
		require.NoError(t, a.Close())
		require.NoError(t, a.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"status":"error"`)
	})

	t.Run("nop discards", func(t *testing.T) {
		a := NopAuditLog()
		a.RecordRun(context.Background(), "conv-3", "error", false, 0)
		assert.NoError(t, a.Close())
	})
}
