package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and resets flag globals first.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, logLevel = "", "info"
	chatConversation, chatNoTools, chatJSON = "cli", false, false
	pruneMaxIdleDays = 0

	cmd := GetRootCmd()
	cmd.SetArgs(args)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(""))

	err := cmd.Execute()
	return output.String(), err
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "ranya version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Ranya")
		assert.Contains(t, out, "fail over")
		for _, sub := range []string{"chat", "sessions", "status", "config"} {
			assert.Contains(t, out, sub)
		}
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
