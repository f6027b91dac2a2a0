package cryptoutils

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sealer encrypts data at rest with XChaCha20-Poly1305.
// Sealed format: [nonce (24)][ciphertext].
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer for a 32-byte key. The key is copied by the cipher;
// the caller may wipe its copy afterwards.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext bound to associated data ad.
func (s *Sealer) Seal(plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open decrypts data produced by Seal with the same associated data.
func (s *Sealer) Open(sealed, ad []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, errors.New("sealed data too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed data: %w", err)
	}
	return plaintext, nil
}

// DeriveKey derives a 32-byte subkey of master bound to salt and info (HKDF-SHA256).
func DeriveKey(master, salt []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// DeriveSealer derives a subkey and returns a sealer for it.
func DeriveSealer(master, salt []byte, info string) (*Sealer, error) {
	key, err := DeriveKey(master, salt, info)
	if err != nil {
		return nil, err
	}
	defer interfaces.Wipe(key)
	return NewSealer(key)
}

// PassphraseKey stretches a passphrase into a 32-byte master key using Argon2id.
// Parameters: time=1, memory=64MiB, threads=4.
func PassphraseKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}
