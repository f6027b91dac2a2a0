package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/wallet-recovery-coordinator/cryptoutils"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"github.com/ruteri/wallet-recovery-coordinator/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAtRestKey = bytes.Repeat([]byte{0x42}, 32)

func newHelpers(t *testing.T, n int) []interfaces.Pubkey {
	t.Helper()
	helpers := make([]interfaces.Pubkey, n)
	for i := range helpers {
		id, err := cryptoutils.GenerateIdentity()
		require.NoError(t, err)
		helpers[i] = id.Pubkey()
	}
	return helpers
}

func testShare(i int) interfaces.Share {
	return interfaces.Share{Index: uint8(i + 1), Payload: []byte(fmt.Sprintf("share-payload-%02d", i+1))}
}

func newTestCollector(t *testing.T, store interfaces.SessionStore, clk clock.Clock) *Collector {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(store, testAtRestKey, logger, clk)
	require.NoError(t, err)
	return c
}

func TestCollectorThreshold(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	c := newTestCollector(t, storage.NewMemoryStore(clk), clk)
	helpers := newHelpers(t, 5)

	require.NoError(t, c.Open(ctx, "s1", 3, clk.Now().Add(time.Hour)))

	out, err := c.Record(ctx, "s1", helpers[0], testShare(0))
	require.NoError(t, err)
	assert.False(t, out.ThresholdReached)
	assert.Equal(t, 1, out.Progress)
	assert.Equal(t, 3, out.Threshold)
	assert.Nil(t, out.Shares)

	// Resubmission by the same helper does not count twice.
	out, err = c.Record(ctx, "s1", helpers[0], testShare(0))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Progress)

	out, err = c.Record(ctx, "s1", helpers[2], testShare(2))
	require.NoError(t, err)
	assert.False(t, out.ThresholdReached)
	assert.Equal(t, 2, out.Progress)

	progress, err := c.Progress(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, progress)

	out, err = c.Record(ctx, "s1", helpers[1], testShare(1))
	require.NoError(t, err)
	require.True(t, out.ThresholdReached)
	require.Len(t, out.Shares, 3)
	for i, s := range out.Shares {
		assert.Equal(t, testShare(i), s)
	}

	_, err = c.Record(ctx, "s1", helpers[3], testShare(3))
	assert.ErrorIs(t, err, interfaces.ErrNoActiveSession)

	require.NoError(t, c.Clear(ctx, "s1"))
	_, err = c.Progress(ctx, "s1")
	assert.ErrorIs(t, err, interfaces.ErrNoActiveSession)
	require.NoError(t, c.Clear(ctx, "s1"))
}

func TestCollectorUnknownSession(t *testing.T) {
	c := newTestCollector(t, storage.NewMemoryStore(nil), nil)
	helpers := newHelpers(t, 1)

	_, err := c.Record(context.Background(), "missing", helpers[0], testShare(0))
	assert.ErrorIs(t, err, interfaces.ErrNoActiveSession)
}

func TestCollectorExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	c := newTestCollector(t, storage.NewMemoryStore(clk), clk)
	helpers := newHelpers(t, 2)

	require.NoError(t, c.Open(ctx, "s1", 2, clk.Now().Add(time.Minute)))
	_, err := c.Record(ctx, "s1", helpers[0], testShare(0))
	require.NoError(t, err)

	clk.Add(2 * time.Minute)
	_, err = c.Record(ctx, "s1", helpers[1], testShare(1))
	assert.ErrorIs(t, err, interfaces.ErrNoActiveSession)

	assert.ErrorIs(t, c.Open(ctx, "s2", 2, clk.Now().Add(-time.Second)), interfaces.ErrExpired)
}

func TestCollectorSealsAtRest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(nil)
	c := newTestCollector(t, store, nil)
	helpers := newHelpers(t, 2)

	require.NoError(t, c.Open(ctx, "s1", 2, time.Now().Add(time.Hour)))
	_, err := c.Record(ctx, "s1", helpers[0], testShare(0))
	require.NoError(t, err)

	raw, err := store.Get(ctx, "shares/s1")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw.Value, testShare(0).Payload))

	// A collector with a different at-rest key cannot open the stored shares.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	other, err := New(store, bytes.Repeat([]byte{0x01}, 32), logger, nil)
	require.NoError(t, err)
	_, err = other.Record(ctx, "s1", helpers[1], testShare(1))
	assert.ErrorIs(t, err, ErrCorruptShares)

	_, err = c.Record(ctx, "s1", helpers[1], testShare(1))
	assert.ErrorIs(t, err, interfaces.ErrNoActiveSession, "the accumulator stays triggered")
}

func TestCollectorConcurrentSingleTrigger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := map[string]func() interfaces.SessionStore{
		"memory": func() interfaces.SessionStore { return storage.NewMemoryStore(nil) },
		"leveldb": func() interfaces.SessionStore {
			s, err := storage.NewInMemoryLevelDBStore(nil, logger)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newTestCollector(t, newStore(), nil)
			helpers := newHelpers(t, 20)
			require.NoError(t, c.Open(ctx, "s1", 5, time.Now().Add(time.Hour)))

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				triggered int
				recorded  int
				rejected  int
			)
			for i, helper := range helpers {
				wg.Add(1)
				go func(i int, helper interfaces.Pubkey) {
					defer wg.Done()
					out, err := c.Record(ctx, "s1", helper, testShare(i))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err != nil:
						assert.ErrorIs(t, err, interfaces.ErrNoActiveSession)
						rejected++
					case out.ThresholdReached:
						assert.Len(t, out.Shares, 5)
						triggered++
					default:
						recorded++
					}
				}(i, helper)
			}
			wg.Wait()

			assert.Equal(t, 1, triggered)
			assert.Equal(t, 4, recorded)
			assert.Equal(t, 15, rejected)
		})
	}
}
