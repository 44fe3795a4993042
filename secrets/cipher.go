// Package secrets holds account credentials: the at-rest cipher, the account
// store, and the bundler that re-encrypts tokens into the sync tool's envelope.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/teranos/calsync/errors"
)

// ErrTampered is returned when ciphertext fails authentication. Open never
// returns partial plaintext.
var ErrTampered = errors.New("ciphertext failed authentication")

// ErrMissingKey is returned when no at-rest key is configured.
var ErrMissingKey = errors.New("at-rest key is not configured")

// Cipher seals token blobs at rest with XChaCha20-Poly1305. The random nonce
// is stored as a prefix of the ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid at-rest key (need %d bytes, got %d)", chacha20poly1305.KeySize, len(key))
	}
	return &Cipher{aead: aead}, nil
}

// NewCipherFromBase64 decodes a standard base64 key and creates a cipher.
func NewCipherFromBase64(encoded string) (*Cipher, error) {
	if encoded == "" {
		return nil, errors.WithHint(ErrMissingKey,
			"set secrets.at_rest_key or CALSYNC_SECRETS_AT_REST_KEY (head -c 32 /dev/urandom | base64)")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "at-rest key is not valid base64")
	}
	return NewCipher(key)
}

// Seal encrypts plaintext. associated is authenticated but not encrypted;
// the same value must be passed to Open.
func (c *Cipher) Seal(plaintext, associated []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}
	return c.aead.Seal(nonce, nonce, plaintext, associated), nil
}

// Open decrypts ciphertext produced by Seal.
func (c *Cipher) Open(ciphertext, associated []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns+c.aead.Overhead() {
		return nil, errors.Wrap(ErrTampered, "ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], associated)
	if err != nil {
		return nil, errors.WithHint(ErrTampered, "the stored tokens cannot be decrypted; re-link the account")
	}
	return plaintext, nil
}
