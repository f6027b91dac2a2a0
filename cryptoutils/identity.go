package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"golang.org/x/crypto/hkdf"
)

// Identity is a secp256k1 key pair used to authenticate and address envelopes.
// The coordinator holds one; each helper holds its own.
type Identity struct {
	key *ecdsa.PrivateKey
}

// GenerateIdentity creates a fresh random identity.
func GenerateIdentity() (*Identity, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return &Identity{key: key}, nil
}

// IdentityFromHex loads an identity from a hex-encoded 32-byte private scalar.
func IdentityFromHex(s string) (*Identity, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid identity key: %w", err)
	}
	return &Identity{key: key}, nil
}

// Pubkey returns the compressed public key identifying this identity.
func (id *Identity) Pubkey() interfaces.Pubkey {
	var pk interfaces.Pubkey
	copy(pk[:], ethcrypto.CompressPubkey(&id.key.PublicKey))
	return pk
}

// Hex returns the private key in hex. Only used by key generation tooling.
func (id *Identity) Hex() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(id.key))
}

// sharedKey derives a 32-byte symmetric key from static-static ECDH between
// this identity and peer. Both sides derive the same key.
func (id *Identity) sharedKey(peer interfaces.Pubkey, info string) ([]byte, error) {
	peerKey, err := ethcrypto.DecompressPubkey(peer[:])
	if err != nil {
		return nil, fmt.Errorf("invalid peer public key: %w", err)
	}

	x, _ := peerKey.Curve.ScalarMult(peerKey.X, peerKey.Y, id.key.D.Bytes())
	if x == nil || x.Sign() == 0 {
		return nil, errors.New("key agreement produced point at infinity")
	}

	var shared [32]byte
	x.FillBytes(shared[:])
	defer interfaces.Wipe(shared[:])

	salt := sha256.Sum256([]byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared[:], salt[:], []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
