package secrets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/logger"
)

// ErrEncryptorUnavailable is returned when the encryption utility cannot be found.
var ErrEncryptorUnavailable = errors.New("encryption utility unavailable")

// ErrMissingPassphrase is returned when no bundle passphrase is configured.
var ErrMissingPassphrase = errors.New("bundle passphrase is not configured")

// EncryptorError is returned when the encryption utility exits non-zero.
type EncryptorError struct {
	ExitCode int
	Stderr   string
}

func (e *EncryptorError) Error() string {
	msg := fmt.Sprintf("encryption utility exited with code %d", e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Encrypter turns a plaintext payload into the sync tool's envelope.
type Encrypter interface {
	Encrypt(ctx context.Context, passphrase string, plaintext []byte) ([]byte, error)
}

// Encryptor runs an external passphrase-based encryption utility. The
// passphrase is written as the first line of stdin, followed by the payload;
// it never appears in argv or the environment.
type Encryptor struct {
	binary string
	args   []string
	logger *zap.SugaredLogger
}

// NewEncryptor parses a shell-quoted command line such as
// "gpg --batch --passphrase-fd 0 --symmetric --armor".
func NewEncryptor(command string, log *zap.SugaredLogger) (*Encryptor, error) {
	args, err := shellquote.Split(command)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse encryptor command %q", command)
	}
	if len(args) == 0 {
		return nil, errors.New("encryptor command is empty")
	}
	if log == nil {
		log = logger.Logger
	}
	return &Encryptor{binary: args[0], args: args[1:], logger: log.Named("encryptor")}, nil
}

// Encrypt runs the utility once and returns its stdout.
func (e *Encryptor) Encrypt(ctx context.Context, passphrase string, plaintext []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.WithHint(ErrMissingPassphrase,
			"set secrets.bundle_passphrase or CALSYNC_SECRETS_BUNDLE_PASSPHRASE")
	}
	if strings.ContainsAny(passphrase, "\r\n") {
		return nil, errors.New("bundle passphrase must be a single line")
	}

	binary, err := exec.LookPath(e.binary)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(ErrEncryptorUnavailable, "%s: %v", e.binary, err),
			"install gnupg or set secrets.encryptor_command",
		)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, e.args...)
	cmd.Stdin = io.MultiReader(strings.NewReader(passphrase+"\n"), bytes.NewReader(plaintext))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "encryption cancelled")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &EncryptorError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, errors.Wrapf(ErrEncryptorUnavailable, "failed to run %s: %v", binary, err)
	}

	if stdout.Len() == 0 {
		return nil, &EncryptorError{ExitCode: 0, Stderr: "utility produced no output"}
	}

	e.logger.Debugw("Payload encrypted", logger.FieldBinary, binary, logger.FieldSize, stdout.Len())
	return stdout.Bytes(), nil
}
