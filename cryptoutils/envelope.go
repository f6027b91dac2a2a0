package cryptoutils

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	envelopeKDFInfo = "wallet-recovery/envelope/v1"

	// MaxTopicLength bounds the topic carried in an envelope header.
	MaxTopicLength = 256
)

// Envelope is an authenticated-encrypted message from Sender to Recipient.
//
// Wire format:
//
//	[version (1)][sender (33)][recipient (33)][topic length (2)][topic][nonce (24)][ciphertext]
//
// Everything before the nonce is authenticated as associated data, so the
// sender, recipient and topic cannot be altered without failing decryption.
type Envelope struct {
	Sender     interfaces.Pubkey
	Recipient  interfaces.Pubkey
	Topic      string
	Nonce      [chacha20poly1305.NonceSizeX]byte
	Ciphertext []byte
}

// EncryptFor seals payload so that only the holder of recipient's private key
// can open it, and the recipient can verify sender authored it. The
// symmetric key comes from ECDH between sender and recipient.
func EncryptFor(payload []byte, sender *Identity, recipient interfaces.Pubkey, topic string) (*Envelope, error) {
	if len(topic) > MaxTopicLength {
		return nil, errors.New("envelope topic too long")
	}

	key, err := sender.sharedKey(recipient, envelopeKDFInfo)
	if err != nil {
		return nil, err
	}
	defer interfaces.Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	env := &Envelope{
		Sender:    sender.Pubkey(),
		Recipient: recipient,
		Topic:     topic,
	}
	if _, err := io.ReadFull(rand.Reader, env.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	env.Ciphertext = aead.Seal(nil, env.Nonce[:], payload, env.header())
	return env, nil
}

// DecryptFrom opens env with receiver's key, requiring that it was authored
// by claimedSender and addressed to receiver. Any mismatch, tampering or
// wrong key yields ErrDecryptionFailed.
func DecryptFrom(env *Envelope, receiver *Identity, claimedSender interfaces.Pubkey) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", interfaces.ErrDecryptionFailed)
	}
	if !env.Sender.Equal(claimedSender) {
		return nil, fmt.Errorf("%w: sender mismatch", interfaces.ErrDecryptionFailed)
	}
	if !env.Recipient.Equal(receiver.Pubkey()) {
		return nil, fmt.Errorf("%w: envelope not addressed to this identity", interfaces.ErrDecryptionFailed)
	}

	key, err := receiver.sharedKey(claimedSender, envelopeKDFInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryptionFailed, err)
	}
	defer interfaces.Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryptionFailed, err)
	}

	plaintext, err := aead.Open(nil, env.Nonce[:], env.Ciphertext, env.header())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (e *Envelope) header() []byte {
	h := make([]byte, 0, 1+2*interfaces.PubkeyLength+2+len(e.Topic))
	h = append(h, envelopeVersion)
	h = append(h, e.Sender[:]...)
	h = append(h, e.Recipient[:]...)
	h = binary.BigEndian.AppendUint16(h, uint16(len(e.Topic)))
	h = append(h, e.Topic...)
	return h
}

// MarshalBinary encodes the envelope in its wire format.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	if len(e.Topic) > MaxTopicLength {
		return nil, errors.New("envelope topic too long")
	}
	out := e.header()
	out = append(out, e.Nonce[:]...)
	out = append(out, e.Ciphertext...)
	return out, nil
}

// ParseEnvelope decodes the wire format. Malformed input yields ErrDecryptionFailed.
func ParseEnvelope(data []byte) (*Envelope, error) {
	const fixed = 1 + 2*interfaces.PubkeyLength + 2
	if len(data) < fixed {
		return nil, fmt.Errorf("%w: envelope too short", interfaces.ErrDecryptionFailed)
	}
	if data[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", interfaces.ErrDecryptionFailed, data[0])
	}

	env := &Envelope{}
	off := 1
	copy(env.Sender[:], data[off:off+interfaces.PubkeyLength])
	off += interfaces.PubkeyLength
	copy(env.Recipient[:], data[off:off+interfaces.PubkeyLength])
	off += interfaces.PubkeyLength

	topicLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if topicLen > MaxTopicLength || len(data) < off+topicLen+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: envelope has invalid format", interfaces.ErrDecryptionFailed)
	}
	env.Topic = string(data[off : off+topicLen])
	off += topicLen

	copy(env.Nonce[:], data[off:off+chacha20poly1305.NonceSizeX])
	off += chacha20poly1305.NonceSizeX

	env.Ciphertext = append([]byte(nil), data[off:]...)
	return env, nil
}
