package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"golang.org/x/sync/errgroup"
)

// DefaultPublishTimeout bounds a single publish across all relays.
const DefaultPublishTimeout = 10 * time.Second

// PublishMessage is the payload of a PUBLISH frame.
//
// Frames are JSON arrays:
//
//	client -> relay: ["PUBLISH", {"id": ..., "recipient": ..., "content": ...}]
//	relay -> client: ["OK", <id>, <accepted bool>, <message>]
//	client -> relay: ["SUBSCRIBE", {"recipient": ...}]
//	relay -> client: ["MESSAGE", {"id": ..., "recipient": ..., "content": ...}]
//
// Relays may also send ["NOTICE", <message>] frames, which are logged and skipped.
type PublishMessage struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

// SubscribeRequest is the payload of a SUBSCRIBE frame.
type SubscribeRequest struct {
	Recipient string `json:"recipient"`
}

const (
	maxResubscribeDelay = 30 * time.Second
	seenCapacity        = 4096
)

// RelayTransport publishes envelopes to a set of websocket relays.
// A message counts as delivered when at least one relay accepted it.
type RelayTransport struct {
	relays  []string
	dialer  *websocket.Dialer
	timeout time.Duration
	log     *slog.Logger
}

// NewRelayTransport creates a transport publishing to every relay URL (ws:// or wss://).
func NewRelayTransport(relays []string, timeout time.Duration, log *slog.Logger) (*RelayTransport, error) {
	if len(relays) == 0 {
		return nil, errors.New("at least one relay is required")
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &RelayTransport{
		relays: append([]string(nil), relays...),
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
		timeout: timeout,
		log:     log,
	}, nil
}

// Relays returns the configured relay URLs.
func (t *RelayTransport) Relays() []string {
	return append([]string(nil), t.relays...)
}

// Publish sends envelope for recipient to all relays concurrently.
func (t *RelayTransport) Publish(ctx context.Context, envelope []byte, recipient interfaces.Pubkey) (interfaces.Receipt, error) {
	msg := PublishMessage{
		ID:        messageID(envelope),
		Recipient: recipient.String(),
		Content:   base64.StdEncoding.EncodeToString(envelope),
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		accepted []string
		failures []error
	)

	// Failures are collected rather than returned so one bad relay does not
	// cancel the others.
	var g errgroup.Group
	for _, relay := range t.relays {
		g.Go(func() error {
			err := t.publishTo(ctx, relay, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", relay, err))
				t.log.Warn("Relay rejected envelope",
					slog.String("relay", relay),
					slog.String("messageID", msg.ID),
					"err", err)
				return nil
			}
			accepted = append(accepted, relay)
			return nil
		})
	}
	_ = g.Wait()

	if len(accepted) == 0 {
		return interfaces.Receipt{}, fmt.Errorf("%w: no relay accepted message %s: %v",
			interfaces.ErrTransportUnavailable, msg.ID, errors.Join(failures...))
	}

	sort.Strings(accepted)
	return interfaces.Receipt{
		ID:          msg.ID,
		Relays:      accepted,
		PublishedAt: time.Now(),
	}, nil
}

func (t *RelayTransport) publishTo(ctx context.Context, relay string, msg PublishMessage) error {
	conn, _, err := t.dialer.DialContext(ctx, relay, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteJSON([]interface{}{"PUBLISH", msg}); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	for {
		var frame []json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		if len(frame) == 0 {
			continue
		}

		var kind string
		if err := json.Unmarshal(frame[0], &kind); err != nil {
			continue
		}

		switch kind {
		case "NOTICE":
			var notice string
			if len(frame) > 1 {
				json.Unmarshal(frame[1], &notice)
			}
			t.log.Debug("Relay notice", slog.String("relay", relay), slog.String("notice", notice))
		case "OK":
			if len(frame) < 3 {
				return errors.New("malformed OK frame")
			}
			var (
				id     string
				ok     bool
				reason string
			)
			if err := json.Unmarshal(frame[1], &id); err != nil || id != msg.ID {
				continue
			}
			if err := json.Unmarshal(frame[2], &ok); err != nil {
				return fmt.Errorf("malformed OK frame: %w", err)
			}
			if len(frame) > 3 {
				json.Unmarshal(frame[3], &reason)
			}

			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if !ok {
				return fmt.Errorf("rejected: %s", reason)
			}
			return nil
		}
	}
}

// seenSet remembers the most recent message ids so a message carried by
// several relays is handled once.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
}

func newSeenSet() *seenSet {
	return &seenSet{ids: make(map[string]struct{}, seenCapacity)}
}

// add reports whether id was new.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) == seenCapacity {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Subscribe feeds every envelope the relays hold for recipient into handle
// until ctx is done, then returns ctx.Err(). Dropped relay connections are
// redialled with exponential backoff. handle may be called concurrently.
func (t *RelayTransport) Subscribe(ctx context.Context, recipient interfaces.Pubkey, handle func(context.Context, []byte)) error {
	seen := newSeenSet()

	var g errgroup.Group
	for _, relay := range t.relays {
		g.Go(func() error {
			t.follow(ctx, relay, recipient, seen, handle)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (t *RelayTransport) follow(ctx context.Context, relay string, recipient interfaces.Pubkey, seen *seenSet, handle func(context.Context, []byte)) {
	delay := time.Second
	for {
		connected, err := t.readInbox(ctx, relay, recipient, seen, handle)
		if ctx.Err() != nil {
			return
		}
		if connected {
			delay = time.Second
		}
		t.log.Warn("Relay subscription dropped",
			slog.String("relay", relay),
			slog.Duration("retryIn", delay),
			"err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(2*delay, maxResubscribeDelay)
	}
}

func (t *RelayTransport) readInbox(ctx context.Context, relay string, recipient interfaces.Pubkey, seen *seenSet, handle func(context.Context, []byte)) (bool, error) {
	conn, _, err := t.dialer.DialContext(ctx, relay, nil)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON([]interface{}{"SUBSCRIBE", SubscribeRequest{Recipient: recipient.String()}}); err != nil {
		return false, fmt.Errorf("write failed: %w", err)
	}
	t.log.Debug("Subscribed to relay", slog.String("relay", relay))

	for {
		var frame []json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			return true, fmt.Errorf("read failed: %w", err)
		}
		if len(frame) < 2 {
			continue
		}

		var kind string
		if err := json.Unmarshal(frame[0], &kind); err != nil {
			continue
		}

		switch kind {
		case "NOTICE":
			var notice string
			json.Unmarshal(frame[1], &notice)
			t.log.Debug("Relay notice", slog.String("relay", relay), slog.String("notice", notice))
		case "MESSAGE":
			var msg PublishMessage
			if err := json.Unmarshal(frame[1], &msg); err != nil || msg.Recipient != recipient.String() {
				continue
			}
			envelope, err := base64.StdEncoding.DecodeString(msg.Content)
			if err != nil {
				t.log.Warn("Skipping undecodable relay message", slog.String("relay", relay), slog.String("messageID", msg.ID))
				continue
			}
			if !seen.add(messageID(envelope)) {
				continue
			}
			handle(ctx, envelope)
		}
	}
}
