package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/calsync/errors"
	calsynctest "github.com/teranos/calsync/internal/testing"
)

func sampleTokens() []TokenRecord {
	exp := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return []TokenRecord{
		{Resource: "alice@example.com", AccessToken: "ya29.access", RefreshToken: "1//refresh", TokenType: "Bearer", Expiry: &exp},
		{Resource: "team-calendar", AccessToken: "ya29.other", RefreshToken: "1//other", TokenType: "Bearer"},
	}
}

func newAccountStore(t *testing.T) *AccountStore {
	t.Helper()
	return NewAccountStore(calsynctest.CreateTestDB(t), newTestCipher(t))
}

func TestAccountStore_CreateGetTokens(t *testing.T) {
	ctx := context.Background()
	s := newAccountStore(t)

	a, err := s.Create(ctx, "alice", "google", sampleTokens())
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "alice", a.Owner)
	assert.Nil(t, a.ToolBundle)
	assert.NotContains(t, string(a.EncryptedTokens), "1//refresh", "tokens must be sealed at rest")

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)

	tokens, err := s.Tokens(got)
	require.NoError(t, err)
	assert.Equal(t, sampleTokens(), tokens)
}

func TestAccountStore_SealedBlobBoundToAccount(t *testing.T) {
	ctx := context.Background()
	s := newAccountStore(t)

	a, err := s.Create(ctx, "alice", "google", sampleTokens())
	require.NoError(t, err)
	b, err := s.Create(ctx, "bob", "google", nil)
	require.NoError(t, err)

	// Swap a's blob into b.
	b.EncryptedTokens = a.EncryptedTokens
	_, err = s.Tokens(b)
	assert.True(t, errors.Is(err, ErrTampered))
}

func TestAccountStore_GetMissing(t *testing.T) {
	_, err := newAccountStore(t).Get(context.Background(), "nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestAccountStore_List(t *testing.T) {
	ctx := context.Background()
	s := newAccountStore(t)

	_, err := s.Create(ctx, "alice", "google", nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, "bob", "microsoft", nil)
	require.NoError(t, err)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	alice, err := s.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "google", alice[0].Provider)
}

func TestAccountStore_BundleLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newAccountStore(t)
	a, err := s.Create(ctx, "alice", "google", sampleTokens())
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	stored, err := s.StoreBundleIfAbsent(ctx, a.ID, "FIRST", at)
	require.NoError(t, err)
	assert.Equal(t, "FIRST", stored)

	// A racing builder loses and receives the first bundle.
	stored, err = s.StoreBundleIfAbsent(ctx, a.ID, "SECOND", at.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "FIRST", stored)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ToolBundle)
	assert.Equal(t, "FIRST", *got.ToolBundle)
	require.NotNil(t, got.BundleGeneratedAt)
	assert.True(t, at.Equal(*got.BundleGeneratedAt))

	require.NoError(t, s.ReplaceBundle(ctx, a.ID, "THIRD", at.Add(time.Hour)))
	got, err = s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "THIRD", *got.ToolBundle)

	// New tokens invalidate the bundle.
	require.NoError(t, s.SetTokens(ctx, a.ID, sampleTokens()[:1]))
	got, err = s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ToolBundle)
	assert.Nil(t, got.BundleGeneratedAt)
}

func TestAccountStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newAccountStore(t)
	a, err := s.Create(ctx, "alice", "google", nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, a.ID))
	assert.True(t, errors.IsNotFoundError(s.Delete(ctx, a.ID)))
	assert.True(t, errors.IsNotFoundError(s.SetTokens(ctx, a.ID, nil)))
}

func TestAccountStore_CreateValidation(t *testing.T) {
	_, err := newAccountStore(t).Create(context.Background(), "", "google", nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}
