package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
)

// MemoryTransport delivers envelopes to in-process inboxes. It is used by
// tests and by single-process development setups.
type MemoryTransport struct {
	mu      sync.Mutex
	inboxes map[interfaces.Pubkey][][]byte
	failing map[interfaces.Pubkey]bool
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		inboxes: make(map[interfaces.Pubkey][][]byte),
		failing: make(map[interfaces.Pubkey]bool),
	}
}

// Publish appends envelope to the recipient's inbox.
func (t *MemoryTransport) Publish(ctx context.Context, envelope []byte, recipient interfaces.Pubkey) (interfaces.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.Receipt{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failing[recipient] {
		return interfaces.Receipt{}, fmt.Errorf("%w: recipient %s unreachable", interfaces.ErrTransportUnavailable, recipient)
	}

	t.inboxes[recipient] = append(t.inboxes[recipient], append([]byte(nil), envelope...))
	return interfaces.Receipt{
		ID:          messageID(envelope),
		Relays:      []string{"memory"},
		PublishedAt: time.Now(),
	}, nil
}

// FailFor makes every publish to recipient fail with ErrTransportUnavailable.
func (t *MemoryTransport) FailFor(recipient interfaces.Pubkey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failing[recipient] = true
}

// Inbox returns the envelopes delivered to recipient so far.
func (t *MemoryTransport) Inbox(recipient interfaces.Pubkey) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.inboxes[recipient]...)
}

// messageID is the content-derived identifier of an envelope.
func messageID(envelope []byte) string {
	sum := sha256.Sum256(envelope)
	return hex.EncodeToString(sum[:])
}
