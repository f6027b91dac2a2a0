package keystore

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"github.com/ruteri/wallet-recovery-coordinator/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = interfaces.WalletID("a5d3b8e4-7d57-4f4e-9c0a-2b1f7c1d2e3f")

func newTestKeyStore(t *testing.T, backend interfaces.BlobBackend) *KeyStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ks, err := New(backend, bytes.Repeat([]byte{7}, 32), logger)
	require.NoError(t, err)
	return ks
}

func TestKeyStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	ks := newTestKeyStore(t, backend)

	_, err := ks.GetProtectedSecret(ctx, testWallet)
	require.ErrorIs(t, err, interfaces.ErrWalletNotFound)

	secret := []byte("nsec1qqqq signing key")
	require.NoError(t, ks.StoreProtectedSecret(ctx, testWallet, secret))

	raw, err := backend.Fetch(ctx, "wallets/"+testWallet.String())
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, secret), "secret must be sealed at rest")

	got, err := ks.GetProtectedSecret(ctx, testWallet)
	require.NoError(t, err)
	defer got.Destroy()
	assert.Equal(t, secret, got.Expose())

	require.ErrorIs(t, ks.StoreProtectedSecret(ctx, testWallet, nil), interfaces.ErrEmptySecret)
}

func TestKeyStoreBindsWalletID(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	ks := newTestKeyStore(t, backend)

	other := interfaces.WalletID("0f0e7c1d-2b1f-4c0a-9e4f-7d57a5d3b8e4")
	require.NoError(t, ks.StoreProtectedSecret(ctx, testWallet, []byte("secret")))

	// Moving the sealed blob under another wallet must not unseal.
	raw, err := backend.Fetch(ctx, "wallets/"+testWallet.String())
	require.NoError(t, err)
	require.NoError(t, backend.Store(ctx, "wallets/"+other.String(), raw))

	_, err = ks.GetProtectedSecret(ctx, other)
	require.Error(t, err)
}

func TestKeyStorePassphrase(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := storage.NewMemoryBackend()

	ks, err := NewFromPassphrase(ctx, backend, "correct horse battery staple", logger)
	require.NoError(t, err)
	require.NoError(t, ks.StoreProtectedSecret(ctx, testWallet, []byte("secret")))

	same, err := NewFromPassphrase(ctx, backend, "correct horse battery staple", logger)
	require.NoError(t, err)
	got, err := same.GetProtectedSecret(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got.Expose())
	got.Destroy()

	wrong, err := NewFromPassphrase(ctx, backend, "wrong", logger)
	require.NoError(t, err)
	_, err = wrong.GetProtectedSecret(ctx, testWallet)
	require.Error(t, err)

	_, err = NewFromPassphrase(ctx, backend, "", logger)
	require.Error(t, err)
}

func TestKeyStoreSaltIsPerStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	const passphrase = "correct horse battery staple"

	first := storage.NewMemoryBackend()
	ks, err := NewFromPassphrase(ctx, first, passphrase, logger)
	require.NoError(t, err)
	require.NoError(t, ks.StoreProtectedSecret(ctx, testWallet, []byte("secret")))

	salt, err := first.Fetch(ctx, saltKey)
	require.NoError(t, err)
	require.Len(t, salt, saltLength)

	// Same passphrase, different store: the sealed blob must not open there.
	second := storage.NewMemoryBackend()
	other, err := NewFromPassphrase(ctx, second, passphrase, logger)
	require.NoError(t, err)
	otherSalt, err := second.Fetch(ctx, saltKey)
	require.NoError(t, err)
	assert.NotEqual(t, salt, otherSalt)

	raw, err := first.Fetch(ctx, "wallets/"+testWallet.String())
	require.NoError(t, err)
	require.NoError(t, second.Store(ctx, "wallets/"+testWallet.String(), raw))
	_, err = other.GetProtectedSecret(ctx, testWallet)
	require.Error(t, err)

	require.NoError(t, first.Store(ctx, saltKey, []byte("short")))
	_, err = NewFromPassphrase(ctx, first, passphrase, logger)
	require.Error(t, err)
}

func TestRestoreSink(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ks := newTestKeyStore(t, storage.NewMemoryBackend())
	sink := NewRestoreSink(ks, logger)

	secret := interfaces.CopySecret([]byte("recovered"))
	require.NoError(t, sink.Restore(ctx, testWallet, secret))
	secret.Destroy()

	got, err := ks.GetProtectedSecret(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), got.Expose())

	require.Error(t, sink.Restore(ctx, testWallet, secret))
}
