// Package keystore keeps wallet signing secrets sealed at rest.
//
// Each wallet secret is sealed with XChaCha20-Poly1305 under a per-wallet key
// derived from a master key, then written to a blob backend (file, S3 or
// several with fallback). The master key comes either from raw key material
// or from an operator passphrase stretched with Argon2id. The Argon2id salt is
// random per key store and kept in the backend next to the sealed blobs.
package keystore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/wallet-recovery-coordinator/cryptoutils"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
)

const (
	walletKeyInfo = "wallet-keystore/v1"
	saltKey       = "keystore/salt"
	saltLength    = 16
)

// KeyStore implements interfaces.WalletKeyStore on top of a blob backend.
type KeyStore struct {
	backend interfaces.BlobBackend
	master  []byte
	log     *slog.Logger
}

// New creates a key store sealing with a 32-byte master key.
func New(backend interfaces.BlobBackend, masterKey []byte, log *slog.Logger) (*KeyStore, error) {
	if len(masterKey) != 32 {
		return nil, errors.New("keystore master key must be 32 bytes")
	}
	return &KeyStore{
		backend: backend,
		master:  append([]byte(nil), masterKey...),
		log:     log,
	}, nil
}

// NewFromPassphrase creates a key store whose master key is derived from
// passphrase and the key store's salt. A fresh store gets a random salt.
func NewFromPassphrase(ctx context.Context, backend interfaces.BlobBackend, passphrase string, log *slog.Logger) (*KeyStore, error) {
	if passphrase == "" {
		return nil, errors.New("keystore passphrase must not be empty")
	}
	salt, err := loadSalt(ctx, backend, log)
	if err != nil {
		return nil, err
	}
	master := cryptoutils.PassphraseKey([]byte(passphrase), salt)
	defer interfaces.Wipe(master)
	return New(backend, master, log)
}

func loadSalt(ctx context.Context, backend interfaces.BlobBackend, log *slog.Logger) ([]byte, error) {
	salt, err := backend.Fetch(ctx, saltKey)
	switch {
	case err == nil:
		if len(salt) != saltLength {
			return nil, fmt.Errorf("keystore salt has %d bytes, expected %d", len(salt), saltLength)
		}
		return salt, nil
	case !errors.Is(err, interfaces.ErrKeyNotFound):
		return nil, fmt.Errorf("failed to load keystore salt: %w", err)
	}

	salt = make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate keystore salt: %w", err)
	}
	if err := backend.Store(ctx, saltKey, salt); err != nil {
		return nil, fmt.Errorf("failed to store keystore salt: %w", err)
	}
	log.Info("Initialized keystore salt", slog.String("backend", backend.Name()))
	return salt, nil
}

func blobKey(walletID interfaces.WalletID) string {
	return "wallets/" + walletID.String()
}

func (ks *KeyStore) sealer(walletID interfaces.WalletID) (*cryptoutils.Sealer, error) {
	return cryptoutils.DeriveSealer(ks.master, []byte(walletID), walletKeyInfo)
}

// GetProtectedSecret loads and unseals the wallet's secret.
func (ks *KeyStore) GetProtectedSecret(ctx context.Context, walletID interfaces.WalletID) (*interfaces.Secret, error) {
	sealed, err := ks.backend.Fetch(ctx, blobKey(walletID))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrWalletNotFound, walletID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch wallet secret: %w", err)
	}

	sealer, err := ks.sealer(walletID)
	if err != nil {
		return nil, err
	}
	plaintext, err := sealer.Open(sealed, []byte(walletID))
	if err != nil {
		ks.log.Error("Failed to unseal wallet secret", slog.String("walletID", walletID.String()), "err", err)
		return nil, fmt.Errorf("failed to unseal wallet secret: %w", err)
	}
	return interfaces.NewSecret(plaintext), nil
}

// StoreProtectedSecret seals secret and writes it to the backend.
func (ks *KeyStore) StoreProtectedSecret(ctx context.Context, walletID interfaces.WalletID, secret []byte) error {
	if len(secret) == 0 {
		return interfaces.ErrEmptySecret
	}

	sealer, err := ks.sealer(walletID)
	if err != nil {
		return err
	}
	sealed, err := sealer.Seal(secret, []byte(walletID))
	if err != nil {
		return err
	}
	if err := ks.backend.Store(ctx, blobKey(walletID), sealed); err != nil {
		return fmt.Errorf("failed to store wallet secret: %w", err)
	}

	ks.log.Info("Stored sealed wallet secret",
		slog.String("walletID", walletID.String()),
		slog.String("backend", ks.backend.Name()))
	return nil
}

// RestoreSink re-seals a recovered secret into a wallet key store, which
// restores the wallet's signing capability.
type RestoreSink struct {
	store interfaces.WalletKeyStore
	log   *slog.Logger
}

// NewRestoreSink creates a sink writing into store.
func NewRestoreSink(store interfaces.WalletKeyStore, log *slog.Logger) *RestoreSink {
	return &RestoreSink{store: store, log: log}
}

// Restore implements interfaces.RecoverySink.
func (s *RestoreSink) Restore(ctx context.Context, walletID interfaces.WalletID, secret *interfaces.Secret) error {
	if secret == nil || secret.Destroyed() {
		return errors.New("recovered secret is not available")
	}
	if err := s.store.StoreProtectedSecret(ctx, walletID, secret.Expose()); err != nil {
		return err
	}
	s.log.Info("Restored wallet secret", slog.String("walletID", walletID.String()))
	return nil
}
