// Package channel provides the confidential channel between the coordinator
// and helpers: authenticated encryption to a helper's public key plus
// delivery over a pub/sub transport.
package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/wallet-recovery-coordinator/cryptoutils"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
)

// Channel binds the coordinator identity to a transport.
type Channel struct {
	identity  *cryptoutils.Identity
	transport interfaces.Transport
	log       *slog.Logger
}

// New creates a channel speaking as identity over transport.
func New(identity *cryptoutils.Identity, transport interfaces.Transport, log *slog.Logger) *Channel {
	return &Channel{
		identity:  identity,
		transport: transport,
		log:       log,
	}
}

// Identity returns the public key envelopes are sent from and addressed to.
func (c *Channel) Identity() interfaces.Pubkey {
	return c.identity.Pubkey()
}

// EncryptFor seals payload for recipient, bound to topic.
func (c *Channel) EncryptFor(payload []byte, recipient interfaces.Pubkey, topic string) (*cryptoutils.Envelope, error) {
	return cryptoutils.EncryptFor(payload, c.identity, recipient, topic)
}

// DecryptFrom parses and opens a raw envelope sent by claimedSender about topic.
// Every failure, including a topic mismatch, yields ErrDecryptionFailed.
func (c *Channel) DecryptFrom(raw []byte, claimedSender interfaces.Pubkey, topic string) ([]byte, error) {
	env, err := cryptoutils.ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if env.Topic != topic {
		return nil, fmt.Errorf("%w: envelope topic does not match", interfaces.ErrDecryptionFailed)
	}
	return cryptoutils.DecryptFrom(env, c.identity, claimedSender)
}

// Send hands env to the transport, addressed to its recipient.
func (c *Channel) Send(ctx context.Context, env *cryptoutils.Envelope) (interfaces.Receipt, error) {
	raw, err := env.MarshalBinary()
	if err != nil {
		return interfaces.Receipt{}, err
	}

	receipt, err := c.transport.Publish(ctx, raw, env.Recipient)
	if err != nil {
		return interfaces.Receipt{}, err
	}

	c.log.Debug("Envelope published",
		slog.String("recipient", env.Recipient.String()),
		slog.String("messageID", receipt.ID),
		slog.Int("relays", len(receipt.Relays)))
	return receipt, nil
}
