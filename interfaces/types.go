package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WalletID identifies the wallet whose signing secret is being protected.
// Wallet ids are UUIDs in canonical string form.
type WalletID string

// NewWalletID validates and canonicalizes a wallet id.
func NewWalletID(s string) (WalletID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid wallet ID: %w", err)
	}
	return WalletID(id.String()), nil
}

// String returns the canonical UUID representation.
func (id WalletID) String() string {
	return string(id)
}

// PubkeyLength is the length of a compressed secp256k1 public key.
const PubkeyLength = 33

// Pubkey identifies a recovery participant (helper or coordinator).
// It is a compressed secp256k1 public key.
type Pubkey [PubkeyLength]byte

// NewPubkeyFromBytes creates a public key from its 33-byte compressed form.
func NewPubkeyFromBytes(b []byte) (Pubkey, error) {
	if len(b) != PubkeyLength {
		return Pubkey{}, errors.New("invalid pubkey length: must be 33 bytes")
	}
	if b[0] != 0x02 && b[0] != 0x03 {
		return Pubkey{}, errors.New("invalid pubkey: not a compressed point")
	}

	var res Pubkey
	copy(res[:], b)
	return res, nil
}

// NewPubkeyFromHex parses a hex-encoded compressed public key, with or without 0x prefix.
func NewPubkeyFromHex(s string) (Pubkey, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 2*PubkeyLength {
		return Pubkey{}, errors.New("invalid pubkey length: hex string must be 66 characters")
	}

	b, err := hex.DecodeString(clean)
	if err != nil {
		return Pubkey{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewPubkeyFromBytes(b)
}

// String returns the hex representation.
func (pk Pubkey) String() string {
	return hex.EncodeToString(pk[:])
}

// Bytes returns the raw compressed key.
func (pk Pubkey) Bytes() []byte {
	return pk[:]
}

// Equal compares two public keys.
func (pk Pubkey) Equal(other Pubkey) bool {
	return bytes.Equal(pk[:], other[:])
}

// Share is one point of a threshold split. Index is 1-based and unique within
// its ShareSet; Payload is the self-describing encoded share.
type Share struct {
	Index   uint8
	Payload []byte
}

// Wipe zeroes the share payload.
func (s *Share) Wipe() {
	Wipe(s.Payload)
}

// ShareSet is the ordered output of a single split. ShareSet[i].Index == i+1.
type ShareSet []Share

// Wipe zeroes every share payload in the set.
func (ss ShareSet) Wipe() {
	for i := range ss {
		ss[i].Wipe()
	}
}

// CollectionOutcome is the result of recording one share.
// Exactly one Record call per session ever returns ThresholdReached == true.
type CollectionOutcome struct {
	// ThresholdReached is set only for the submission that completed the set.
	ThresholdReached bool

	// Progress is the number of distinct helpers recorded so far.
	Progress int

	// Threshold is the number of distinct helpers required.
	Threshold int

	// Shares holds the decrypted shares when ThresholdReached is set.
	// The receiver owns them and must wipe them.
	Shares ShareSet
}

// Receipt acknowledges that a transport accepted an envelope for delivery.
type Receipt struct {
	// ID is the transport-level message identifier.
	ID string

	// Relays lists the endpoints that accepted the message.
	Relays []string

	// PublishedAt is when the transport accepted the message.
	PublishedAt time.Time
}

// SessionState is the lifecycle state of a recovery session.
type SessionState int

const (
	// StateNoSession means no record exists for the wallet.
	StateNoSession SessionState = iota

	// StateRequested means the session was created and shares are being delivered.
	StateRequested

	// StateCollecting means shares were delivered and submissions are accepted.
	StateCollecting

	// StateReconstructed means the secret was recovered and handed off.
	StateReconstructed

	// StateExpired means the TTL elapsed before the threshold was met.
	StateExpired

	// StateAborted means reconstruction failed on an inconsistent share set.
	StateAborted
)

// String returns the state name used in logs and API responses.
func (s SessionState) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateRequested:
		return "requested"
	case StateCollecting:
		return "collecting"
	case StateReconstructed:
		return "reconstructed"
	case StateExpired:
		return "expired"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Active reports whether the state still accepts work for the session.
func (s SessionState) Active() bool {
	return s == StateRequested || s == StateCollecting
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateReconstructed || s == StateExpired || s == StateAborted
}
