package secrets

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/logger"
)

// ErrMissingRefreshToken is returned when a token record cannot be refreshed
// by the sync tool.
var ErrMissingRefreshToken = errors.New("missing refresh token")

// BundleVersion is the envelope payload version the sync tool reads.
const BundleVersion = 1

type bundlePayload struct {
	Version int           `json:"version"`
	Tokens  []TokenRecord `json:"tokens"`
}

// Bundler produces the sync tool's encrypted credential bundle for an account
// and persists it once per account.
type Bundler struct {
	accounts   *AccountStore
	encrypter  Encrypter
	passphrase string
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// NewBundler creates a bundler
func NewBundler(accounts *AccountStore, encrypter Encrypter, passphrase string, log *zap.SugaredLogger) *Bundler {
	if log == nil {
		log = logger.Logger
	}
	return &Bundler{
		accounts:   accounts,
		encrypter:  encrypter,
		passphrase: passphrase,
		logger:     log.Named("bundler"),
		now:        time.Now,
	}
}

// Build decrypts the account's tokens and encrypts them into the tool envelope.
// Nothing is persisted.
func (b *Bundler) Build(ctx context.Context, a *Account) (string, error) {
	tokens, err := b.accounts.Tokens(a)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", errors.WithHint(
			errors.Wrapf(ErrMissingRefreshToken, "account %s has no tokens", a.ID),
			"re-link the account",
		)
	}
	for _, t := range tokens {
		if t.RefreshToken == "" {
			return "", errors.WithHint(
				errors.Wrapf(ErrMissingRefreshToken, "account %s resource %s", a.ID, t.Resource),
				"re-link the account and grant offline access",
			)
		}
	}

	payload, err := json.Marshal(bundlePayload{Version: BundleVersion, Tokens: tokens})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal bundle")
	}
	defer wipe(payload)

	envelope, err := b.encrypter.Encrypt(ctx, b.passphrase, payload)
	if err != nil {
		return "", errors.Wrapf(err, "failed to encrypt bundle for account %s", a.ID)
	}
	return string(envelope), nil
}

// EnsureBundle returns the account's persisted bundle, building and storing
// it first when there is none.
func (b *Bundler) EnsureBundle(ctx context.Context, accountID string) (string, error) {
	a, err := b.accounts.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if a.ToolBundle != nil {
		return *a.ToolBundle, nil
	}

	bundle, err := b.Build(ctx, a)
	if err != nil {
		return "", err
	}

	stored, err := b.accounts.StoreBundleIfAbsent(ctx, accountID, bundle, b.now())
	if err != nil {
		return "", err
	}
	b.logger.Infow("Tool bundle generated", logger.FieldAccountID, accountID)
	return stored, nil
}

// Regenerate rebuilds and replaces the account's bundle.
func (b *Bundler) Regenerate(ctx context.Context, accountID string) (string, error) {
	a, err := b.accounts.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	bundle, err := b.Build(ctx, a)
	if err != nil {
		return "", err
	}
	if err := b.accounts.ReplaceBundle(ctx, accountID, bundle, b.now()); err != nil {
		return "", err
	}
	b.logger.Infow("Tool bundle regenerated", logger.FieldAccountID, accountID)
	return bundle, nil
}
