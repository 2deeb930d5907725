package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter(t *testing.T) {
	t.Run("should rotate past max size", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "agent.log")

		w, err := NewRotatingWriter(logFile, 1, 0)
		require.NoError(t, err)
		defer w.Close()

		line := []byte(strings.Repeat("x", 700*1024) + "\n")
		_, err = w.Write(line)
		require.NoError(t, err)
		_, err = w.Write(line)
		require.NoError(t, err)

		rotated, err := filepath.Glob(logFile + ".*")
		require.NoError(t, err)
		assert.Len(t, rotated, 1)

		info, err := os.Stat(logFile)
		require.NoError(t, err)
		assert.Equal(t, int64(len(line)), info.Size())
	})

	t.Run("should remove expired rotated files", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "agent.log")
		old := logFile + ".20200101-000000.000"
		require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
		past := time.Now().AddDate(0, 0, -10)
		require.NoError(t, os.Chtimes(old, past, past))

		w, err := NewRotatingWriter(logFile, 1, 7)
		require.NoError(t, err)
		defer w.Close()

		_, err = os.Stat(old)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("should reject writes after close", func(t *testing.T) {
		w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "agent.log"), 1, 0)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		_, err = w.Write([]byte("late"))
		assert.ErrorIs(t, err, os.ErrClosed)
	})
}

func TestNew_Rotation(t *testing.T) {
	t.Run("should use rotating writer when max size is set", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "agent.log")

		l, err := New(Config{Level: "info", File: logFile, MaxSizeMB: 5})
		require.NoError(t, err)
		_, ok := l.file.(*RotatingWriter)
		assert.True(t, ok)

		zl := l.Zerolog()
		zl.Info().Msg("hello")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello")
	})
}
