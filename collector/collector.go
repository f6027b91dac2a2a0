// Package collector accumulates decrypted shares per recovery session until
// the threshold is met.
//
// All state lives in a SessionStore under shares/<session id>. Every update is
// a read-modify-CompareAndSwap loop, so concurrent submissions for the same
// session serialize on the store version without any lock held across I/O.
// The write that brings the number of distinct helpers to k also marks the
// accumulator as triggered in the same CAS; only that caller observes
// ThresholdReached.
//
// Shares are sealed at rest with a per-session key derived from the
// collector's master key and bound to the submitting helper.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/wallet-recovery-coordinator/cryptoutils"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
)

const (
	keyPrefix  = "shares/"
	atRestInfo = "share-at-rest"

	// DefaultMaxRetries bounds the CAS retry loop of a single Record call.
	DefaultMaxRetries = 512
)

// ErrCorruptShares is returned by the call that triggered the accumulator
// when the stored shares could not be opened. The accumulator stays triggered.
var ErrCorruptShares = errors.New("stored shares are corrupt")

type sealedShare struct {
	Index  uint8  `json:"index"`
	Sealed []byte `json:"sealed"`
}

type accumulator struct {
	Threshold int                    `json:"k"`
	ExpiresAt time.Time              `json:"expires_at"`
	Triggered bool                   `json:"triggered"`
	Shares    map[string]sealedShare `json:"shares"`
}

// Collector implements the share accumulator.
type Collector struct {
	store      interfaces.SessionStore
	atRestKey  []byte
	clock      clock.Clock
	log        *slog.Logger
	maxRetries int
}

// New creates a collector storing into store and sealing with a 32-byte atRestKey.
func New(store interfaces.SessionStore, atRestKey []byte, log *slog.Logger, clk clock.Clock) (*Collector, error) {
	if len(atRestKey) != 32 {
		return nil, errors.New("at-rest key must be 32 bytes")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Collector{
		store:      store,
		atRestKey:  append([]byte(nil), atRestKey...),
		clock:      clk,
		log:        log,
		maxRetries: DefaultMaxRetries,
	}, nil
}

// WithMaxRetries overrides the CAS retry budget.
func (c *Collector) WithMaxRetries(n int) *Collector {
	if n > 0 {
		c.maxRetries = n
	}
	return c
}

func storeKey(sessionID string) string {
	return keyPrefix + sessionID
}

func sealAD(sessionID string, helper interfaces.Pubkey) []byte {
	ad := make([]byte, 0, len(sessionID)+interfaces.PubkeyLength)
	ad = append(ad, sessionID...)
	return append(ad, helper[:]...)
}

func (c *Collector) sealer(sessionID string) (*cryptoutils.Sealer, error) {
	return cryptoutils.DeriveSealer(c.atRestKey, []byte(sessionID), atRestInfo)
}

// Open creates an empty accumulator for sessionID that expires at expiresAt.
func (c *Collector) Open(ctx context.Context, sessionID string, k int, expiresAt time.Time) error {
	if k < 1 {
		return fmt.Errorf("%w: k=%d", interfaces.ErrInvalidThreshold, k)
	}
	ttl := expiresAt.Sub(c.clock.Now())
	if ttl <= 0 {
		return interfaces.ErrExpired
	}

	encoded, err := json.Marshal(accumulator{
		Threshold: k,
		ExpiresAt: expiresAt,
		Shares:    map[string]sealedShare{},
	})
	if err != nil {
		return fmt.Errorf("failed to encode accumulator: %w", err)
	}

	if _, err := c.store.CompareAndSwap(ctx, storeKey(sessionID), 0, encoded, ttl); err != nil {
		return fmt.Errorf("failed to open share accumulator: %w", err)
	}
	return nil
}

func (c *Collector) load(ctx context.Context, sessionID string) (*accumulator, uint64, error) {
	cur, err := c.store.Get(ctx, storeKey(sessionID))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, 0, interfaces.ErrNoActiveSession
	}
	if err != nil {
		return nil, 0, err
	}

	var acc accumulator
	if err := json.Unmarshal(cur.Value, &acc); err != nil {
		return nil, 0, fmt.Errorf("corrupt share accumulator for session %s: %w", sessionID, err)
	}
	if acc.Shares == nil {
		acc.Shares = map[string]sealedShare{}
	}
	return &acc, cur.Version, nil
}

// Record stores share for helper, replacing an earlier share of the same helper.
//
// Returns ErrNoActiveSession if the session has no accumulator or it has
// already triggered. When this call completes the set, the outcome carries
// the opened shares, which the caller must wipe.
func (c *Collector) Record(ctx context.Context, sessionID string, helper interfaces.Pubkey, share interfaces.Share) (interfaces.CollectionOutcome, error) {
	sealer, err := c.sealer(sessionID)
	if err != nil {
		return interfaces.CollectionOutcome{}, err
	}
	sealed, err := sealer.Seal(share.Payload, sealAD(sessionID, helper))
	if err != nil {
		return interfaces.CollectionOutcome{}, err
	}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return interfaces.CollectionOutcome{}, err
		}

		acc, version, err := c.load(ctx, sessionID)
		if err != nil {
			return interfaces.CollectionOutcome{}, err
		}
		if acc.Triggered {
			return interfaces.CollectionOutcome{}, fmt.Errorf("%w: threshold already reached", interfaces.ErrNoActiveSession)
		}

		ttl := acc.ExpiresAt.Sub(c.clock.Now())
		if ttl <= 0 {
			return interfaces.CollectionOutcome{}, interfaces.ErrExpired
		}

		acc.Shares[helper.String()] = sealedShare{Index: share.Index, Sealed: sealed}
		progress := len(acc.Shares)
		reached := progress >= acc.Threshold
		acc.Triggered = reached

		encoded, err := json.Marshal(acc)
		if err != nil {
			return interfaces.CollectionOutcome{}, fmt.Errorf("failed to encode accumulator: %w", err)
		}

		_, err = c.store.CompareAndSwap(ctx, storeKey(sessionID), version, encoded, ttl)
		if errors.Is(err, interfaces.ErrVersionConflict) {
			backoff(attempt)
			continue
		}
		if err != nil {
			return interfaces.CollectionOutcome{}, err
		}

		outcome := interfaces.CollectionOutcome{
			ThresholdReached: reached,
			Progress:         progress,
			Threshold:        acc.Threshold,
		}
		if reached {
			outcome.Shares, err = c.openAll(sessionID, sealer, acc)
			if err != nil {
				return interfaces.CollectionOutcome{}, fmt.Errorf("%w: %w", ErrCorruptShares, err)
			}
			c.log.Info("Share threshold reached",
				slog.String("sessionID", sessionID),
				slog.Int("threshold", acc.Threshold))
		}
		return outcome, nil
	}

	return interfaces.CollectionOutcome{}, fmt.Errorf("%w: gave up after %d attempts", interfaces.ErrVersionConflict, c.maxRetries)
}

func (c *Collector) openAll(sessionID string, sealer *cryptoutils.Sealer, acc *accumulator) (interfaces.ShareSet, error) {
	shares := make(interfaces.ShareSet, 0, len(acc.Shares))
	for helperHex, s := range acc.Shares {
		helper, err := interfaces.NewPubkeyFromHex(helperHex)
		if err != nil {
			shares.Wipe()
			return nil, fmt.Errorf("corrupt helper key in accumulator: %w", err)
		}
		payload, err := sealer.Open(s.Sealed, sealAD(sessionID, helper))
		if err != nil {
			shares.Wipe()
			return nil, fmt.Errorf("failed to open stored share: %w", err)
		}
		shares = append(shares, interfaces.Share{Index: s.Index, Payload: payload})
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].Index < shares[j].Index })
	return shares, nil
}

// Progress returns the number of distinct helpers recorded for sessionID.
func (c *Collector) Progress(ctx context.Context, sessionID string) (int, error) {
	acc, _, err := c.load(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return len(acc.Shares), nil
}

// Clear removes the accumulator for sessionID. Clearing a missing session is not an error.
func (c *Collector) Clear(ctx context.Context, sessionID string) error {
	if err := c.store.Delete(ctx, storeKey(sessionID)); err != nil {
		return fmt.Errorf("failed to clear shares for session %s: %w", sessionID, err)
	}
	return nil
}

func backoff(attempt int) {
	if attempt < 4 {
		return
	}
	ceiling := attempt
	if ceiling > 20 {
		ceiling = 20
	}
	time.Sleep(time.Duration(rand.Intn(ceiling)+1) * time.Millisecond)
}
