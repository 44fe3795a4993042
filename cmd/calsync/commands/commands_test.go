package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addConfigFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestReadConfigFlag(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		raw, err := readConfigFlag(configCmd(t))
		require.NoError(t, err)
		assert.Nil(t, raw)
	})

	t.Run("inline", func(t *testing.T) {
		raw, err := readConfigFlag(configCmd(t, "--config", `{"options":{}}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"options":{}}`, string(raw))
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"options":{"busy_only":{"enabled":true}}}`), 0o600))

		raw, err := readConfigFlag(configCmd(t, "--config-file", path))
		require.NoError(t, err)
		assert.Contains(t, string(raw), "busy_only")
	})

	t.Run("both", func(t *testing.T) {
		_, err := readConfigFlag(configCmd(t, "--config", "{}", "--config-file", "x.json"))
		assert.Error(t, err)
	})
}

func TestReadTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"resource":"work@example.com","access_token":"at","refresh_token":"rt","token_type":"Bearer","expiry":"2026-06-01T00:00:00Z"}
	]`), 0o600))

	tokens, err := readTokens(path)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "work@example.com", tokens[0].Resource)
	assert.Equal(t, "rt", tokens[0].RefreshToken)
	require.NotNil(t, tokens[0].Expiry)

	require.NoError(t, os.WriteFile(path, []byte(`{"not":"a list"}`), 0o600))
	_, err = readTokens(path)
	assert.Error(t, err)

	_, err = readTokens(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	for _, c := range []*cobra.Command{AmCmd, DbCmd, PulseCmd, JobsCmd, RunsCmd, AccountsCmd} {
		assert.NotEmpty(t, c.Commands(), c.Name())
	}
	assert.NotNil(t, ServerCmd.Flags().Lookup("with-pulse"))

	watch := PulseStartCmd.Flags().Lookup("watch-config")
	if assert.NotNil(t, watch) {
		assert.Equal(t, "true", watch.DefValue)
	}
}
