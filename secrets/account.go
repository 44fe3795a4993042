package secrets

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/calsync/db"
	"github.com/teranos/calsync/errors"
)

// Account is a linked calendar provider account. Tokens are only ever held
// here in sealed form.
type Account struct {
	ID                string     `json:"id"`
	Owner             string     `json:"owner"`
	Provider          string     `json:"provider"`
	EncryptedTokens   []byte     `json:"-"`
	ToolBundle        *string    `json:"-"`
	BundleGeneratedAt *time.Time `json:"bundle_generated_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TokenRecord is one OAuth grant for a resource reachable through the account.
type TokenRecord struct {
	Resource     string     `json:"resource"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	Expiry       *time.Time `json:"expiry,omitempty"`
}

// AccountStore persists accounts, sealing tokens with the at-rest cipher.
type AccountStore struct {
	db     *sql.DB
	cipher *Cipher
}

// NewAccountStore creates a new account store
func NewAccountStore(conn *sql.DB, c *Cipher) *AccountStore {
	return &AccountStore{db: conn, cipher: c}
}

const accountColumns = `id, owner, provider, encrypted_tokens, tool_bundle, bundle_generated_at, created_at, updated_at`

// Create inserts a new account with the given tokens.
func (s *AccountStore) Create(ctx context.Context, owner, provider string, tokens []TokenRecord) (*Account, error) {
	if owner == "" || provider == "" {
		return nil, errors.NewInvalidRequestError("account owner and provider are required")
	}

	id := uuid.NewString()
	sealed, err := s.seal(id, tokens)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner, provider, encrypted_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, owner, provider, sealed, db.FormatTime(now), db.FormatTime(now),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create account")
	}

	return s.Get(ctx, id)
}

// Get retrieves an account by ID
func (s *AccountStore) Get(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("account %s not found", id)
		}
		return nil, errors.Wrapf(err, "failed to get account %s", id)
	}
	return a, nil
}

// List returns accounts, optionally filtered by owner, oldest first.
func (s *AccountStore) List(ctx context.Context, owner string) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	var args []interface{}
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list accounts")
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan account")
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Tokens decrypts the account's tokens. The result must not be persisted.
func (s *AccountStore) Tokens(a *Account) ([]TokenRecord, error) {
	if len(a.EncryptedTokens) == 0 {
		return nil, nil
	}
	plaintext, err := s.cipher.Open(a.EncryptedTokens, []byte(a.ID))
	if err != nil {
		return nil, errors.Wrapf(err, "account %s", a.ID)
	}
	defer wipe(plaintext)

	var tokens []TokenRecord
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return nil, errors.Wrapf(err, "account %s: decrypted tokens are malformed", a.ID)
	}
	return tokens, nil
}

// SetTokens replaces the account's tokens and drops the tool bundle built
// from the previous ones.
func (s *AccountStore) SetTokens(ctx context.Context, id string, tokens []TokenRecord) error {
	sealed, err := s.seal(id, tokens)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET encrypted_tokens = ?, tool_bundle = NULL, bundle_generated_at = NULL, updated_at = ?
		WHERE id = ?`,
		sealed, db.FormatTime(time.Now()), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update tokens for account %s", id)
	}
	return requireRow(res, id)
}

// StoreBundleIfAbsent persists bundle unless another caller stored one first.
// It returns the bundle now on record.
func (s *AccountStore) StoreBundleIfAbsent(ctx context.Context, id, bundle string, at time.Time) (string, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET tool_bundle = ?, bundle_generated_at = ?, updated_at = ?
		WHERE id = ? AND tool_bundle IS NULL`,
		bundle, db.FormatTime(at), db.FormatTime(at), id,
	)
	if err != nil {
		return "", errors.Wrapf(err, "failed to store bundle for account %s", id)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return bundle, nil
	}

	a, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if a.ToolBundle == nil {
		return "", errors.Newf("bundle for account %s vanished while storing", id)
	}
	return *a.ToolBundle, nil
}

// ReplaceBundle unconditionally stores a freshly generated bundle.
func (s *AccountStore) ReplaceBundle(ctx context.Context, id, bundle string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET tool_bundle = ?, bundle_generated_at = ?, updated_at = ?
		WHERE id = ?`,
		bundle, db.FormatTime(at), db.FormatTime(at), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to store bundle for account %s", id)
	}
	return requireRow(res, id)
}

// Delete removes an account. Fails while jobs still reference it.
func (s *AccountStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to delete account %s", id),
			"delete the jobs that use this account first",
		)
	}
	return requireRow(res, id)
}

func (s *AccountStore) seal(id string, tokens []TokenRecord) ([]byte, error) {
	if tokens == nil {
		tokens = []TokenRecord{}
	}
	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal tokens")
	}
	defer wipe(plaintext)

	// The account id is bound as associated data so sealed blobs cannot be
	// moved between accounts.
	return s.cipher.Seal(plaintext, []byte(id))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var bundle, bundleAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&a.ID, &a.Owner, &a.Provider, &a.EncryptedTokens, &bundle, &bundleAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if bundle.Valid {
		a.ToolBundle = &bundle.String
	}

	var err error
	if a.BundleGeneratedAt, err = db.ParseNullTime(bundleAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("account %s not found", id)
	}
	return nil
}

// wipe zeroes a plaintext buffer once it is no longer needed.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
