package synctool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/calsync/errors"
)

// writeTool writes an executable shell script and returns its path.
func writeTool(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fake-sync")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

func newTestRunner(t *testing.T, command string) (*Runner, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "scratch")
	r, err := NewRunner(RunnerConfig{
		Command:     command,
		ScratchRoot: root,
		KillGrace:   2 * time.Second,
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return r, root
}

func assertNoScratch(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory leaked")
}

func staticConfig(doc string) func(map[string]string) ([]byte, error) {
	return func(map[string]string) ([]byte, error) { return []byte(doc), nil }
}

type captureWriter struct {
	mu    sync.Mutex
	b     strings.Builder
	once  sync.Once
	wrote chan struct{}
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{wrote: make(chan struct{})}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.b.Write(p)
	c.mu.Unlock()
	c.once.Do(func() { close(c.wrote) })
	return len(p), nil
}

func (c *captureWriter) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.String()
}

func TestRunner_Success(t *testing.T) {
	tool := writeTool(t, `
for a; do cfg=$a; done
echo "args: $@"
cat "$cfg"
cat bundle.asc
echo "warming up" >&2
`)
	r, root := newTestRunner(t, tool+" --verbose")

	sink := newCaptureWriter()
	var seenPaths map[string]string
	res, err := r.Run(context.Background(), Invocation{
		Files: map[string][]byte{"bundle.asc": []byte("ARMORED-BUNDLE\n")},
		Config: func(paths map[string]string) ([]byte, error) {
			seenPaths = paths
			return []byte("version: 1\n"), nil
		},
		Stdout: sink,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Signal)
	assert.False(t, res.Cancelled)
	assert.Contains(t, res.Stdout, "args: --verbose --config ")
	assert.Contains(t, res.Stdout, "version: 1")
	assert.Contains(t, res.Stdout, "ARMORED-BUNDLE")
	assert.Equal(t, "warming up\n", res.Stderr)
	assert.Equal(t, res.Stdout, sink.String(), "sink receives the same stream")
	assert.Empty(t, res.ScratchDir)

	require.Contains(t, seenPaths, "bundle.asc")
	assert.True(t, filepath.IsAbs(seenPaths["bundle.asc"]))
	assertNoScratch(t, root)
}

func TestRunner_ExitNonZero(t *testing.T) {
	tool := writeTool(t, `
echo "syncing calendar"
echo "fetching events" >&2
echo "auth expired" >&2
exit 1
`)
	r, root := newTestRunner(t, tool)

	res, err := r.Run(context.Background(), Invocation{Config: staticConfig("version: 1\n")})
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 1, execErr.Result.ExitCode)
	assert.Contains(t, err.Error(), "exited with code 1")
	assert.Contains(t, err.Error(), "auth expired")
	assert.False(t, errors.Is(err, ErrConfiguration))

	require.NotNil(t, res)
	assert.Equal(t, "syncing calendar\n", res.Stdout)
	assert.Contains(t, res.Combined(), "auth expired")
	assertNoScratch(t, root)
}

func TestRunner_StderrTailIsBounded(t *testing.T) {
	tool := writeTool(t, `
i=1
while [ $i -le 30 ]; do echo "line $i" >&2; i=$((i+1)); done
exit 3
`)
	root := filepath.Join(t.TempDir(), "scratch")
	r, err := NewRunner(RunnerConfig{Command: tool, ScratchRoot: root, StderrTailLines: 2}, nil)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), Invocation{Config: staticConfig("v")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 29\nline 30")
	assert.NotContains(t, err.Error(), "line 28")
}

func TestRunner_MissingBinary(t *testing.T) {
	r, root := newTestRunner(t, filepath.Join(t.TempDir(), "does-not-exist"))

	res, err := r.Run(context.Background(), Invocation{
		Files:  map[string][]byte{"bundle.asc": []byte("secret")},
		Config: staticConfig("version: 1\n"),
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrConfiguration))

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Reason, "not found or not executable")
	assert.Contains(t, errors.FlattenHints(err), "sync.command")
	assertNoScratch(t, root)
}

func TestRunner_NotExecutable(t *testing.T) {
	p := filepath.Join(t.TempDir(), "plain-file")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), 0o644))
	r, root := newTestRunner(t, p)

	_, err := r.Run(context.Background(), Invocation{Config: staticConfig("v")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assertNoScratch(t, root)
}

func TestRunner_ConfigRendererError(t *testing.T) {
	tool := writeTool(t, "exit 0\n")
	r, root := newTestRunner(t, tool)

	_, err := r.Run(context.Background(), Invocation{
		Config: func(map[string]string) ([]byte, error) {
			return nil, configErrorf(nil, "no credentials")
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assertNoScratch(t, root)
}

func TestRunner_InvalidFileName(t *testing.T) {
	tool := writeTool(t, "exit 0\n")
	r, root := newTestRunner(t, tool)

	_, err := r.Run(context.Background(), Invocation{
		Files:  map[string][]byte{"../escape": []byte("x")},
		Config: staticConfig("v"),
	})
	require.Error(t, err)
	assertNoScratch(t, root)
}

func TestRunner_Cancellation(t *testing.T) {
	tool := writeTool(t, `
echo started
exec sleep 30
`)
	r, root := newTestRunner(t, tool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newCaptureWriter()
	go func() {
		<-sink.wrote
		cancel()
	}()

	start := time.Now()
	res, err := r.Run(ctx, Invocation{Config: staticConfig("v"), Stdout: sink})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second, "runner must not wait for the tool to finish on its own")

	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	assert.Equal(t, "terminated", res.Signal)
	assertNoScratch(t, root)
}

func TestRunner_AlreadyCancelled(t *testing.T) {
	tool := writeTool(t, "exit 0\n")
	r, root := newTestRunner(t, tool)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, Invocation{Config: staticConfig("v")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assertNoScratch(t, root)
}

func TestRunner_KeepScratch(t *testing.T) {
	tool := writeTool(t, "exit 0\n")
	r, _ := newTestRunner(t, tool)

	res, err := r.Run(context.Background(), Invocation{
		Files:       map[string][]byte{"bundle.asc": []byte("secret")},
		Config:      staticConfig("version: 1\n"),
		KeepScratch: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ScratchDir)

	info, err := os.Stat(filepath.Join(res.ScratchDir, "bundle.asc"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	configs, err := filepath.Glob(filepath.Join(res.ScratchDir, "config-*.yaml"))
	require.NoError(t, err)
	assert.Len(t, configs, 1)
}

func TestNewRunner_InvalidCommand(t *testing.T) {
	_, err := NewRunner(RunnerConfig{Command: ""}, nil)
	assert.Error(t, err)

	_, err = NewRunner(RunnerConfig{Command: `tool "unterminated`}, nil)
	assert.Error(t, err)
}
