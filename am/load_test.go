package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME and the working directory at a fresh temp dir so no
// real user or project config leaks into the test.
func isolate(t *testing.T) string {
	t.Helper()
	Reset()
	t.Cleanup(Reset)

	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	return dir
}

func TestLoad_Precedence(t *testing.T) {
	home := isolate(t)

	userDir := filepath.Join(home, ".calsync")
	require.NoError(t, os.MkdirAll(userDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "am.toml"), []byte(`
[database]
path = "user.db"

[pulse]
workers = 4
`), 0o644))

	project := filepath.Join(home, "project", "nested")
	require.NoError(t, os.MkdirAll(project, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "project", "am.toml"), []byte(`
[database]
path = "project.db"
`), 0o644))
	t.Chdir(project)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "project.db", cfg.Database.Path, "project config overrides user config")
	assert.Equal(t, 4, cfg.Pulse.Workers, "user config value survives when project does not set it")

	assert.Equal(t, SourceProject, ConfigSources["database.path"].Source)
	assert.Equal(t, SourceUser, ConfigSources["pulse.workers"].Source)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	home := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, "am.toml"), []byte(`
[pulse]
workers = 3
`), 0o644))
	t.Setenv("CALSYNC_PULSE_WORKERS", "9")
	t.Setenv("CALSYNC_SECRETS_BUNDLE_PASSPHRASE", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Pulse.Workers)
	assert.Equal(t, "from-env", cfg.Secrets.BundlePassphrase)
}

func TestLoad_Cached(t *testing.T) {
	isolate(t)

	first, err := Load()
	require.NoError(t, err)
	second, err := Load()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[sync]
command = "/opt/tool/bin/sync --verbose"
keep_scratch = true

[server]
port = 9000
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/tool/bin/sync --verbose", cfg.Sync.Command)
	assert.True(t, cfg.Sync.KeepScratch)
	assert.Equal(t, 9000, cfg.GetServerPort())
	assert.Equal(t, 20, cfg.Sync.StderrTailLines, "defaults fill unset keys")

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestIntrospect(t *testing.T) {
	home := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, "am.toml"), []byte(`
[logs]
root = "/var/log/calsync"

[secrets]
bundle_passphrase = "hunter2"
`), 0o644))
	t.Setenv("CALSYNC_PULSE_WORKERS", "5")

	settings, err := Introspect()
	require.NoError(t, err)

	byKey := map[string]SettingInfo{}
	for _, s := range settings {
		byKey[s.Key] = s
	}

	assert.Equal(t, SourceProject, byKey["logs.root"].Source)
	assert.Equal(t, SourceEnvironment, byKey["pulse.workers"].Source)
	assert.Equal(t, "CALSYNC_PULSE_WORKERS", byKey["pulse.workers"].SourcePath)
	assert.Equal(t, SourceDefault, byKey["sync.command"].Source)
	assert.Equal(t, "********", byKey["secrets.bundle_passphrase"].Value)
}
