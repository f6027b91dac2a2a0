package secretcodec

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
)

const (
	shareVersion = 1

	splitIDLength  = 16
	checksumLength = 16

	// headerLength is version | split id | k | n | index.
	headerLength = 1 + splitIDLength + 3

	// MaxShares is the largest n supported by GF(2^8) sharing.
	MaxShares = 255
)

// Codec splits secrets into threshold shares and reconstructs them.
//
// Every share produced by one Split carries the same random split id and
// policy (k, n). Before splitting, a checksum keyed by the split id is
// appended to the secret, so reconstruction from shares of different splits,
// or from corrupted shares, is detected instead of yielding a wrong secret.
// The checksum is itself shared, so fewer than k shares reveal nothing about it.
type Codec struct {
	rand io.Reader
}

// New returns a codec drawing randomness from crypto/rand.
func New() *Codec {
	return &Codec{rand: rand.Reader}
}

type shareHeader struct {
	splitID [splitIDLength]byte
	k, n    uint8
	index   uint8
}

// Split produces n shares of secret, any k of which reconstruct it.
// Requires 1 <= k <= n <= 255 and a non-empty secret.
func (c *Codec) Split(secret []byte, k, n uint8) (interfaces.ShareSet, error) {
	if k < 1 || n < k {
		return nil, fmt.Errorf("%w: k=%d n=%d", interfaces.ErrInvalidThreshold, k, n)
	}
	if len(secret) == 0 {
		return nil, interfaces.ErrEmptySecret
	}

	var h shareHeader
	if _, err := io.ReadFull(c.rand, h.splitID[:]); err != nil {
		return nil, fmt.Errorf("failed to generate split id: %w", err)
	}
	h.k, h.n = k, n

	protected := make([]byte, 0, len(secret)+checksumLength)
	protected = append(protected, secret...)
	protected = append(protected, checksum(h.splitID, secret)...)
	defer interfaces.Wipe(protected)

	var parts [][]byte
	if k == 1 {
		// Degree-zero polynomial: every share is the protected secret.
		parts = make([][]byte, n)
		for i := range parts {
			parts[i] = append([]byte(nil), protected...)
		}
	} else {
		var err error
		parts, err = shamir.Split(protected, int(n), int(k))
		if err != nil {
			return nil, fmt.Errorf("failed to split secret: %w", err)
		}
	}

	shares := make(interfaces.ShareSet, n)
	for i, part := range parts {
		h.index = uint8(i + 1)
		shares[i] = interfaces.Share{
			Index:   h.index,
			Payload: encodeShare(h, part),
		}
		interfaces.Wipe(part)
	}

	return shares, nil
}

// Reconstruct recovers the secret from at least k distinct shares of one split.
//
// Returns ErrInsufficientShares when fewer than k distinct indices are present,
// and ErrInconsistentShares when shares disagree on split or policy, when one
// index carries two different payloads, or when the checksum does not verify.
// A wrong secret is never returned.
func (c *Codec) Reconstruct(shares []interfaces.Share, k uint8) (*interfaces.Secret, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k=%d", interfaces.ErrInvalidThreshold, k)
	}

	var (
		ref      *shareHeader
		distinct = make(map[uint8][]byte)
	)
	for _, s := range shares {
		h, part, err := decodeShare(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: share %d: %v", interfaces.ErrInconsistentShares, s.Index, err)
		}
		if h.index != s.Index {
			return nil, fmt.Errorf("%w: share %d carries index %d", interfaces.ErrInconsistentShares, s.Index, h.index)
		}
		if ref == nil {
			ref = &h
		} else if h.splitID != ref.splitID || h.k != ref.k || h.n != ref.n {
			return nil, fmt.Errorf("%w: shares belong to different splits", interfaces.ErrInconsistentShares)
		}

		if prev, ok := distinct[h.index]; ok {
			if !bytes.Equal(prev, part) {
				return nil, fmt.Errorf("%w: conflicting payloads for index %d", interfaces.ErrInconsistentShares, h.index)
			}
			continue
		}
		distinct[h.index] = part
	}

	if len(distinct) < int(k) {
		return nil, fmt.Errorf("%w: have %d, need %d", interfaces.ErrInsufficientShares, len(distinct), k)
	}
	if ref.k != k {
		return nil, fmt.Errorf("%w: shares were split with threshold %d, not %d", interfaces.ErrInconsistentShares, ref.k, k)
	}

	indices := make([]int, 0, len(distinct))
	for idx := range distinct {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)

	var protected []byte
	if k == 1 {
		protected = append([]byte(nil), distinct[uint8(indices[0])]...)
		for _, idx := range indices[1:] {
			if !bytes.Equal(distinct[uint8(idx)], protected) {
				interfaces.Wipe(protected)
				return nil, fmt.Errorf("%w: degenerate shares differ", interfaces.ErrInconsistentShares)
			}
		}
	} else {
		parts := make([][]byte, 0, len(indices))
		for _, idx := range indices {
			parts = append(parts, distinct[uint8(idx)])
		}
		var err error
		protected, err = shamir.Combine(parts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrInconsistentShares, err)
		}
	}

	if len(protected) <= checksumLength {
		interfaces.Wipe(protected)
		return nil, fmt.Errorf("%w: reconstructed value too short", interfaces.ErrInconsistentShares)
	}

	secretLen := len(protected) - checksumLength
	if !hmac.Equal(protected[secretLen:], checksum(ref.splitID, protected[:secretLen])) {
		interfaces.Wipe(protected)
		return nil, fmt.Errorf("%w: checksum mismatch", interfaces.ErrInconsistentShares)
	}

	secret := interfaces.CopySecret(protected[:secretLen])
	interfaces.Wipe(protected)
	return secret, nil
}

// ParseShare validates the framing of an inbound share payload.
func (c *Codec) ParseShare(payload []byte) (interfaces.Share, error) {
	h, _, err := decodeShare(payload)
	if err != nil {
		return interfaces.Share{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidShare, err)
	}
	return interfaces.Share{
		Index:   h.index,
		Payload: append([]byte(nil), payload...),
	}, nil
}

// PolicyOf returns the (k, n) policy encoded in a share payload.
func PolicyOf(payload []byte) (k, n uint8, err error) {
	h, _, err := decodeShare(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", interfaces.ErrInvalidShare, err)
	}
	return h.k, h.n, nil
}

func checksum(splitID [splitIDLength]byte, secret []byte) []byte {
	mac := hmac.New(sha256.New, splitID[:])
	mac.Write(secret)
	return mac.Sum(nil)[:checksumLength]
}

func encodeShare(h shareHeader, part []byte) []byte {
	out := make([]byte, 0, headerLength+len(part))
	out = append(out, shareVersion)
	out = append(out, h.splitID[:]...)
	out = append(out, h.k, h.n, h.index)
	out = append(out, part...)
	return out
}

// decodeShare returns the header and a view of the part; the part aliases payload.
func decodeShare(payload []byte) (shareHeader, []byte, error) {
	var h shareHeader
	if len(payload) < headerLength+1 {
		return h, nil, errors.New("share too short")
	}
	if payload[0] != shareVersion {
		return h, nil, fmt.Errorf("unsupported share version %d", payload[0])
	}
	copy(h.splitID[:], payload[1:1+splitIDLength])
	h.k = payload[1+splitIDLength]
	h.n = payload[2+splitIDLength]
	h.index = payload[3+splitIDLength]

	if h.k < 1 || h.n < h.k {
		return h, nil, fmt.Errorf("invalid policy k=%d n=%d", h.k, h.n)
	}
	if h.index < 1 || h.index > h.n {
		return h, nil, fmt.Errorf("index %d out of range 1..%d", h.index, h.n)
	}
	return h, payload[headerLength:], nil
}
