package synctool

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/logger"
)

// DefaultKillGrace is how long a cancelled tool gets between SIGTERM and SIGKILL.
const DefaultKillGrace = 10 * time.Second

// DefaultStderrTailLines is how much stderr an ExecutionError message carries.
const DefaultStderrTailLines = 20

// RunnerConfig configures how the sync tool is spawned.
type RunnerConfig struct {
	Command         string // executable plus extra args, shell-quoted
	ScratchRoot     string // parent of per-run scratch dirs ("" = os.TempDir())
	KillGrace       time.Duration
	StderrTailLines int
}

// Runner executes the sync tool once per Invocation inside a fresh scratch directory.
type Runner struct {
	binary    string
	extraArgs []string
	cfg       RunnerConfig
	logger    *zap.SugaredLogger
}

// NewRunner parses the command line. The binary is resolved on every run so a
// tool installed after startup is picked up.
func NewRunner(cfg RunnerConfig, log *zap.SugaredLogger) (*Runner, error) {
	args, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse sync command %q", cfg.Command)
	}
	if len(args) == 0 {
		return nil, errors.New("sync command is empty")
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.StderrTailLines <= 0 {
		cfg.StderrTailLines = DefaultStderrTailLines
	}
	if log == nil {
		log = logger.Logger
	}
	return &Runner{
		binary:    args[0],
		extraArgs: args[1:],
		cfg:       cfg,
		logger:    log.Named("runner"),
	}, nil
}

// Invocation describes one tool run.
type Invocation struct {
	// Files are written into the scratch directory with mode 0600, keyed by base name.
	Files map[string][]byte
	// Config renders the tool config given the absolute paths of Files.
	Config func(paths map[string]string) ([]byte, error)
	// Stdout and Stderr receive output as it is produced. Either may be nil.
	Stdout io.Writer
	Stderr io.Writer
	// KeepScratch leaves the scratch directory in place for debugging.
	KeepScratch bool
}

// Result describes a finished tool run.
type Result struct {
	ExitCode   int
	Signal     string
	Duration   time.Duration
	Stdout     string
	Stderr     string
	Cancelled  bool
	ScratchDir string // set only when the scratch directory was kept
}

// Combined renders both streams for the run log.
func (r *Result) Combined() string {
	var b strings.Builder
	b.WriteString("=== stdout ===\n")
	b.WriteString(r.Stdout)
	if !strings.HasSuffix(r.Stdout, "\n") && r.Stdout != "" {
		b.WriteString("\n")
	}
	b.WriteString("=== stderr ===\n")
	b.WriteString(r.Stderr)
	if !strings.HasSuffix(r.Stderr, "\n") && r.Stderr != "" {
		b.WriteString("\n")
	}
	return b.String()
}

// Run executes the tool and blocks until it exits. The scratch directory is
// removed on every return path unless inv.KeepScratch is set.
//
// Errors: *ConfigurationError when the tool cannot be started, *ExecutionError
// when it exits unsuccessfully, ErrCancelled when ctx is done first.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	log := logger.FromContext(ctx, r.logger)

	if err := os.MkdirAll(r.scratchRoot(), 0o700); err != nil {
		return nil, errors.Wrapf(err, "failed to create scratch root %s", r.scratchRoot())
	}
	dir, err := os.MkdirTemp(r.scratchRoot(), "calsync-run-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scratch directory")
	}
	defer func() {
		if inv.KeepScratch {
			log.Infow("Keeping scratch directory", logger.FieldScratchDir, dir)
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Errorw("Failed to remove scratch directory", logger.FieldScratchDir, dir, logger.FieldError, err)
		}
	}()

	paths := make(map[string]string, len(inv.Files))
	for name, content := range inv.Files {
		if name == "" || filepath.Base(name) != name {
			return nil, errors.Newf("invalid scratch file name %q", name)
		}
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, content, 0o600); err != nil {
			return nil, errors.Wrapf(err, "failed to write scratch file %s", name)
		}
		paths[name] = p
	}

	if inv.Config == nil {
		return nil, errors.New("invocation has no config renderer")
	}
	doc, err := inv.Config(paths)
	if err != nil {
		return nil, err
	}
	configPath := filepath.Join(dir, "config-"+uuid.NewString()+".yaml")
	if err := os.WriteFile(configPath, doc, 0o600); err != nil {
		return nil, errors.Wrap(err, "failed to write sync config")
	}

	binary, err := exec.LookPath(r.binary)
	if err != nil {
		return nil, errors.WithHint(
			configErrorf(err, "sync tool %q not found or not executable", r.binary),
			"install the sync tool or set sync.command in am.toml",
		)
	}

	args := append(append([]string{}, r.extraArgs...), "--config", configPath)
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.KillGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = teeTo(&stdout, inv.Stdout)
	cmd.Stderr = teeTo(&stderr, inv.Stderr)

	res := &Result{}
	if inv.KeepScratch {
		res.ScratchDir = dir
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res, cancelled(ctx)
		}
		return nil, configErrorf(err, "failed to start sync tool %s", binary)
	}
	log.Debugw("Sync tool started",
		logger.FieldBinary, binary,
		"pid", cmd.Process.Pid,
	)

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if ps := cmd.ProcessState; ps != nil {
		res.ExitCode = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = ws.Signal().String()
		}
	}

	log.Infow("Sync tool finished",
		logger.FieldExitCode, res.ExitCode,
		logger.FieldSignal, res.Signal,
		logger.FieldDurationMS, res.Duration.Milliseconds(),
	)

	if ctx.Err() != nil {
		res.Cancelled = true
		return res, cancelled(ctx)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ExecutionError{Result: res, TailLines: r.cfg.StderrTailLines}
		}
		return res, errors.Wrap(waitErr, "failed waiting for sync tool")
	}
	return res, nil
}

func (r *Runner) scratchRoot() string {
	if r.cfg.ScratchRoot == "" {
		return os.TempDir()
	}
	return r.cfg.ScratchRoot
}

func cancelled(ctx context.Context) error {
	return errors.Mark(errors.Wrap(ctx.Err(), "sync run cancelled"), ErrCancelled)
}

func teeTo(buf *bytes.Buffer, sink io.Writer) io.Writer {
	if sink == nil {
		return buf
	}
	return io.MultiWriter(buf, sink)
}
