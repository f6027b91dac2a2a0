package recoveryhandler

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/wallet-recovery-coordinator/channel"
	"github.com/ruteri/wallet-recovery-coordinator/collector"
	"github.com/ruteri/wallet-recovery-coordinator/cryptoutils"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"github.com/ruteri/wallet-recovery-coordinator/keystore"
	"github.com/ruteri/wallet-recovery-coordinator/recovery"
	"github.com/ruteri/wallet-recovery-coordinator/storage"
	"github.com/ruteri/wallet-recovery-coordinator/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	client    *Client
	clock     *clock.Mock
	transport *transport.MemoryTransport
	keys      *keystore.KeyStore
	identity  *cryptoutils.Identity
	helpers   []*cryptoutils.Identity
	walletID  interfaces.WalletID
	secret    []byte
}

func newTestEnv(t *testing.T, helpers int) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	clk := clock.NewMock()
	store := storage.NewMemoryStore(clk)
	tr := transport.NewMemoryTransport()

	keys, err := keystore.New(storage.NewMemoryBackend(), bytes.Repeat([]byte{0x01}, 32), logger)
	require.NoError(t, err)
	identity, err := cryptoutils.GenerateIdentity()
	require.NoError(t, err)
	col, err := collector.New(store, bytes.Repeat([]byte{0x02}, 32), logger, clk)
	require.NoError(t, err)

	coord, err := recovery.NewCoordinator(recovery.DefaultConfig(), store, keys, channel.New(identity, tr, logger), col, logger, clk)
	require.NoError(t, err)
	svc := recovery.NewService(coord, keystore.NewRestoreSink(keys, logger), logger)

	mux := chi.NewRouter()
	NewHandler(svc, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	env := &testEnv{
		client:    &Client{ServerAddr: srv.URL},
		clock:     clk,
		transport: tr,
		keys:      keys,
		identity:  identity,
		walletID:  interfaces.WalletID(uuid.New().String()),
		secret:    bytes.Repeat([]byte{0xab}, 32),
	}
	require.NoError(t, keys.StoreProtectedSecret(context.Background(), env.walletID, env.secret))

	for i := 0; i < helpers; i++ {
		id, err := cryptoutils.GenerateIdentity()
		require.NoError(t, err)
		env.helpers = append(env.helpers, id)
	}
	return env
}

func (e *testEnv) pubkeys() []interfaces.Pubkey {
	out := make([]interfaces.Pubkey, len(e.helpers))
	for i, h := range e.helpers {
		out[i] = h.Pubkey()
	}
	return out
}

// reply opens the share helper i received and seals it back to the coordinator.
func (e *testEnv) reply(t *testing.T, i int) []byte {
	t.Helper()
	inbox := e.transport.Inbox(e.helpers[i].Pubkey())
	require.NotEmpty(t, inbox)

	in, err := cryptoutils.ParseEnvelope(inbox[len(inbox)-1])
	require.NoError(t, err)
	share, err := cryptoutils.DecryptFrom(in, e.helpers[i], e.identity.Pubkey())
	require.NoError(t, err)

	out, err := cryptoutils.EncryptFor(share, e.helpers[i], e.identity.Pubkey(), in.Topic)
	require.NoError(t, err)
	raw, err := out.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func TestRecoveryAPI(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	status, err := env.client.Status(ctx, env.walletID)
	require.NoError(t, err)
	assert.Equal(t, "no_session", status.State)

	req, err := env.client.RequestRecovery(ctx, env.walletID, env.pubkeys(), 3)
	require.NoError(t, err)
	assert.True(t, req.Accepted)
	assert.Equal(t, 5, req.Delivered)
	require.Len(t, req.Deliveries, 5)
	assert.Equal(t, env.helpers[0].Pubkey().String(), req.Deliveries[0].Helper)

	_, err = env.client.RequestRecovery(ctx, env.walletID, env.pubkeys(), 3)
	assert.ErrorIs(t, err, interfaces.ErrSessionAlreadyActive)

	for i := 0; i < 2; i++ {
		res, err := env.client.SubmitShare(ctx, env.walletID, env.helpers[i].Pubkey(), env.reply(t, i))
		require.NoError(t, err)
		assert.False(t, res.Recovered)
		assert.Equal(t, i+1, res.Progress)
	}

	status, err = env.client.Status(ctx, env.walletID)
	require.NoError(t, err)
	assert.Equal(t, "collecting", status.State)
	assert.Equal(t, 2, status.Progress)
	assert.Equal(t, uint8(3), status.Threshold)
	require.NotNil(t, status.ExpiresAt)

	res, err := env.client.SubmitShare(ctx, env.walletID, env.helpers[2].Pubkey(), env.reply(t, 2))
	require.NoError(t, err)
	assert.True(t, res.Recovered)

	_, err = env.client.SubmitShare(ctx, env.walletID, env.helpers[3].Pubkey(), env.reply(t, 3))
	assert.ErrorIs(t, err, interfaces.ErrNoActiveSession)

	restored, err := env.keys.GetProtectedSecret(ctx, env.walletID)
	require.NoError(t, err)
	defer restored.Destroy()
	assert.Equal(t, env.secret, restored.Expose())
}

func TestRecoveryAPIErrors(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()

	_, err := env.client.RequestRecovery(ctx, env.walletID, env.pubkeys(), 3)
	require.NoError(t, err)

	stranger, err := cryptoutils.GenerateIdentity()
	require.NoError(t, err)
	_, err = env.client.SubmitShare(ctx, env.walletID, stranger.Pubkey(), []byte("envelope"))
	assert.ErrorIs(t, err, interfaces.ErrUnknownHelper)

	tampered := env.reply(t, 0)
	tampered[len(tampered)-1] ^= 0xff
	_, err = env.client.SubmitShare(ctx, env.walletID, env.helpers[0].Pubkey(), tampered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	env.clock.Add(recovery.DefaultSessionTTL)
	_, err = env.client.SubmitShare(ctx, env.walletID, env.helpers[0].Pubkey(), env.reply(t, 0))
	assert.ErrorIs(t, err, interfaces.ErrExpired)

	unknownWallet := interfaces.WalletID(uuid.New().String())
	_, err = env.client.RequestRecovery(ctx, unknownWallet, env.pubkeys(), 2)
	assert.ErrorContains(t, err, interfaces.ErrWalletNotFound.Error())
}

func TestRecoveryAPIDeliveryFailure(t *testing.T) {
	env := newTestEnv(t, 2)
	for _, h := range env.helpers {
		env.transport.FailFor(h.Pubkey())
	}

	_, err := env.client.RequestRecovery(context.Background(), env.walletID, env.pubkeys(), 2)
	assert.ErrorIs(t, err, interfaces.ErrTransportUnavailable)
}

func TestRecoveryAPIValidation(t *testing.T) {
	env := newTestEnv(t, 1)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"garbage body", http.MethodPost, "/api/recovery/request", "{", http.StatusBadRequest},
		{"bad wallet id", http.MethodPost, "/api/recovery/request", `{"wallet_id":"nope","helpers":["02aa"]}`, http.StatusBadRequest},
		{"no helpers", http.MethodPost, "/api/recovery/request", `{"wallet_id":"` + env.walletID.String() + `","helpers":[]}`, http.StatusBadRequest},
		{"bad helper key", http.MethodPost, "/api/recovery/request", `{"wallet_id":"` + env.walletID.String() + `","helpers":["zz"]}`, http.StatusBadRequest},
		{"bad submit helper", http.MethodPost, "/api/recovery/submit", `{"wallet_id":"` + env.walletID.String() + `","helper":"02","payload":"AA=="}`, http.StatusBadRequest},
		{"empty payload", http.MethodPost, "/api/recovery/submit", `{"wallet_id":"` + env.walletID.String() + `","helper":"` + env.helpers[0].Pubkey().String() + `"}`, http.StatusBadRequest},
		{"bad status wallet", http.MethodGet, "/api/recovery/status/not-a-uuid", "", http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, env.client.ServerAddr+tc.path, strings.NewReader(tc.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		interfaces.ErrInvalidThreshold:     http.StatusBadRequest,
		interfaces.ErrDecryptionFailed:     http.StatusBadRequest,
		interfaces.ErrUnknownHelper:        http.StatusForbidden,
		interfaces.ErrNoActiveSession:      http.StatusNotFound,
		interfaces.ErrSessionAlreadyActive: http.StatusConflict,
		interfaces.ErrExpired:              http.StatusGone,
		interfaces.ErrSessionNotReady:      http.StatusTooEarly,
		interfaces.ErrInconsistentShares:   http.StatusUnprocessableEntity,
		interfaces.ErrTransportUnavailable: http.StatusBadGateway,
		io.ErrUnexpectedEOF:                http.StatusInternalServerError,
	}
	for err, code := range cases {
		assert.Equal(t, code, statusFor(err), err.Error())
	}
}

func TestClientRecoversSentinels(t *testing.T) {
	for _, err := range []error{
		interfaces.ErrUnknownHelper,
		interfaces.ErrNoActiveSession,
		interfaces.ErrSessionAlreadyActive,
		interfaces.ErrSessionNotReady,
		interfaces.ErrExpired,
		interfaces.ErrInconsistentShares,
		interfaces.ErrTransportUnavailable,
	} {
		assert.Equal(t, err, sentinelFor(statusFor(err)), err.Error())
	}
}
