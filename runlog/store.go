// Package runlog persists the captured output of sync runs as one text file
// per run, nested by job id under a configured root directory.
package runlog

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/logger"
)

// ErrPathEscape is returned when a job or run id resolves outside the root.
var ErrPathEscape = errors.New("run log path escapes root")

// ErrInvalidID is returned for empty job or run ids.
var ErrInvalidID = errors.New("run log id must be non-empty")

// ErrNotFound is returned by Read when no log exists for the run.
var ErrNotFound = errors.Mark(errors.New("run log not found"), errors.ErrNotFound)

const logExt = ".log"

// Store reads and writes run logs under root.
type Store struct {
	root   string
	logger *zap.SugaredLogger
}

// NewStore creates a store rooted at root. The directory is created on first write.
func NewStore(root string, log *zap.SugaredLogger) (*Store, error) {
	if root == "" {
		return nil, errors.New("run log root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve run log root %s", root)
	}
	if log == nil {
		log = logger.Logger
	}
	return &Store{root: abs, logger: log.Named("runlog")}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Path resolves the file location for a run and verifies it stays inside the root.
func (s *Store) Path(jobID, runID string) (string, error) {
	if jobID == "" || runID == "" {
		return "", ErrInvalidID
	}

	dir, err := s.jobDir(jobID)
	if err != nil {
		return "", err
	}

	p := filepath.Join(dir, runID+logExt)
	if filepath.Dir(p) != dir {
		return "", errors.Wrapf(ErrPathEscape, "run %q", runID)
	}
	return p, nil
}

// jobDir resolves the directory for a job. It must be a direct child of root.
func (s *Store) jobDir(jobID string) (string, error) {
	dir := filepath.Join(s.root, jobID)
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return "", errors.Wrapf(ErrPathEscape, "job %q", jobID)
	}
	return dir, nil
}

// Write stores content for the run atomically and returns its location.
func (s *Store) Write(jobID, runID, content string) (string, error) {
	p, err := s.Path(jobID, runID)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrapf(err, "failed to create run log directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+runID+"-*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "failed to create run log temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "failed to write run log %s", p)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to close run log %s", p)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return "", errors.Wrapf(err, "failed to move run log into place %s", p)
	}

	s.logger.Debugw("Run log written",
		logger.FieldJobID, jobID,
		logger.FieldRunID, runID,
		logger.FieldSize, len(content),
	)
	return p, nil
}

// Read returns the full log for a run.
func (s *Store) Read(jobID, runID string) (string, error) {
	p, err := s.Path(jobID, runID)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrapf(ErrNotFound, "job %s run %s", jobID, runID)
		}
		return "", errors.Wrapf(err, "failed to read run log %s", p)
	}
	return string(data), nil
}

// Remove deletes every log for a job.
func (s *Store) Remove(jobID string) error {
	if jobID == "" {
		return ErrInvalidID
	}
	dir, err := s.jobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to remove run logs for job %s", jobID)
	}
	return nil
}
