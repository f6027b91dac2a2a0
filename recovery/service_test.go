package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"github.com/ruteri/wallet-recovery-coordinator/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSink struct {
	mock.Mock
	restored []byte
}

func (m *MockSink) Restore(ctx context.Context, walletID interfaces.WalletID, secret *interfaces.Secret) error {
	args := m.Called(ctx, walletID, secret)
	m.restored = append([]byte(nil), secret.Expose()...)
	return args.Error(0)
}

func TestServiceRecoversIntoSink(t *testing.T) {
	h := newHarness(t, 5)
	sink := new(MockSink)
	sink.On("Restore", mock.Anything, h.walletID, mock.Anything).Return(nil).Once()

	svc := NewService(h.coord, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req, err := svc.RequestRecovery(h.ctx, h.walletID, h.pubkeys())
	require.NoError(t, err)
	assert.True(t, req.Accepted)
	assert.Equal(t, uint8(DefaultThreshold), req.Threshold)
	assert.Equal(t, 5, req.Delivered)

	for i := 0; i < 2; i++ {
		res, err := svc.SubmitShare(h.ctx, h.walletID, h.helpers[i].Pubkey(), h.submission(i))
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.False(t, res.Recovered)
		assert.Equal(t, i+1, res.Progress)
	}

	res, err := svc.SubmitShare(h.ctx, h.walletID, h.helpers[2].Pubkey(), h.submission(2))
	require.NoError(t, err)
	assert.True(t, res.Recovered)
	assert.Equal(t, h.secret, sink.restored)
	sink.AssertExpectations(t)

	status, err := svc.Status(h.ctx, h.walletID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateReconstructed, status.State)
}

func TestServiceSinkFailure(t *testing.T) {
	h := newHarness(t, 2)
	sink := new(MockSink)
	sink.On("Restore", mock.Anything, h.walletID, mock.Anything).Return(errors.New("sink down"))

	svc := NewService(h.coord, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := svc.RequestRecoveryWithThreshold(h.ctx, h.walletID, h.pubkeys(), 1)
	require.NoError(t, err)

	_, err = svc.SubmitShare(h.ctx, h.walletID, h.helpers[0].Pubkey(), h.submission(0))
	assert.ErrorContains(t, err, "sink down")
}

func TestServiceRestoresIntoKeyStore(t *testing.T) {
	h := newHarness(t, 3)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(h.coord, keystore.NewRestoreSink(h.keys, logger), logger)

	_, err := svc.RequestRecoveryWithThreshold(h.ctx, h.walletID, h.pubkeys(), 2)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := svc.SubmitShare(h.ctx, h.walletID, h.helpers[i].Pubkey(), h.submission(i))
		require.NoError(t, err)
	}

	restored, err := h.keys.GetProtectedSecret(h.ctx, h.walletID)
	require.NoError(t, err)
	defer restored.Destroy()
	assert.Equal(t, h.secret, restored.Expose())
}

func TestServiceRequestErrors(t *testing.T) {
	h := newHarness(t, 3)
	svc := NewService(h.coord, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.RequestRecovery(h.ctx, h.walletID, nil)
	assert.ErrorIs(t, err, interfaces.ErrInvalidHelpers)

	for _, id := range h.helpers {
		h.transport.FailFor(id.Pubkey())
	}
	req, err := svc.RequestRecovery(h.ctx, h.walletID, h.pubkeys())
	assert.ErrorIs(t, err, interfaces.ErrTransportUnavailable)
	require.NotNil(t, req)
	assert.False(t, req.Accepted)
}

func TestServiceRestoresAfterCallerCancels(t *testing.T) {
	h, cs := newCancellingHarness(t, 2, 0)
	sink := new(MockSink)
	liveContext := mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })
	sink.On("Restore", liveContext, h.walletID, mock.Anything).Return(nil).Once()

	svc := NewService(h.coord, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := svc.RequestRecoveryWithThreshold(h.ctx, h.walletID, h.pubkeys(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	cs.cancel = cancel

	res, err := svc.SubmitShare(ctx, h.walletID, h.helpers[0].Pubkey(), h.submission(0))
	require.NoError(t, err)
	assert.True(t, res.Recovered)
	assert.Error(t, ctx.Err())
	assert.Equal(t, h.secret, sink.restored)
	sink.AssertExpectations(t)
}

func TestServiceHandlesRelayedEnvelopes(t *testing.T) {
	h := newHarness(t, 3)
	sink := new(MockSink)
	sink.On("Restore", mock.Anything, h.walletID, mock.Anything).Return(nil).Once()
	svc := NewService(h.coord, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.RequestRecoveryWithThreshold(h.ctx, h.walletID, h.pubkeys(), 2)
	require.NoError(t, err)

	_, err = svc.HandleEnvelope(h.ctx, []byte("not an envelope"))
	assert.ErrorIs(t, err, interfaces.ErrDecryptionFailed)

	payload, _ := h.received(0)
	_, err = svc.HandleEnvelope(h.ctx, h.reply(0, payload, "unrelated/topic"))
	assert.ErrorIs(t, err, interfaces.ErrDecryptionFailed)

	res, err := svc.HandleEnvelope(h.ctx, h.submission(0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Progress)
	assert.False(t, res.Recovered)

	res, err = svc.HandleEnvelope(h.ctx, h.submission(2))
	require.NoError(t, err)
	assert.True(t, res.Recovered)
	assert.Equal(t, h.secret, sink.restored)
	sink.AssertExpectations(t)
}
