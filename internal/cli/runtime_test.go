package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranya-agent/internal/config"
)

func newTestRuntime(t *testing.T, path string) *runtime {
	t.Helper()
	chatConversation, chatNoTools, chatJSON = "cli", false, false

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)
	rt, err := newRuntime(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestRuntime_Reload(t *testing.T) {
	t.Run("should send turns to profiles changed on disk", func(t *testing.T) {
		first, firstCalls := fakeProvider(t, http.StatusOK, completionBody)
		second, secondCalls := fakeProvider(t, http.StatusOK, completionBody)
		path := writeConfig(t, first.URL, false)
		rt := newTestRuntime(t, path)

		before := rt.model.current.Load()
		require.NoError(t, rt.watchConfig(path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(string(data), first.URL, second.URL)), 0600))

		require.Eventually(t, func() bool {
			return rt.model.current.Load() != before
		}, 5*time.Second, 20*time.Millisecond)

		var out bytes.Buffer
		require.NoError(t, rt.turn(context.Background(), &out, "hi"))
		assert.Contains(t, out.String(), "Hello from the fake provider")
		assert.Equal(t, int32(0), firstCalls.Load())
		assert.Equal(t, int32(1), secondCalls.Load())
	})

	t.Run("should keep current profiles when reload fails", func(t *testing.T) {
		srv, _ := fakeProvider(t, http.StatusOK, completionBody)
		rt := newTestRuntime(t, writeConfig(t, srv.URL, false))
		before := rt.model.current.Load()

		rt.reload(nil, errors.New("bad json"))
		assert.Same(t, before, rt.model.current.Load())

		rt.reload(config.DefaultConfig(), nil)
		assert.Same(t, before, rt.model.current.Load())
	})
}
