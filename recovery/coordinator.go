package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ruteri/wallet-recovery-coordinator/channel"
	"github.com/ruteri/wallet-recovery-coordinator/collector"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"github.com/ruteri/wallet-recovery-coordinator/metrics"
	"github.com/ruteri/wallet-recovery-coordinator/secretcodec"
	"golang.org/x/sync/errgroup"
)

// DeliveryReport is the outcome of sending one helper its share.
type DeliveryReport struct {
	Helper    interfaces.Pubkey
	Index     uint8
	Delivered bool
	Receipt   interfaces.Receipt
	Err       error
}

// InitiateResult describes a freshly created session.
type InitiateResult struct {
	SessionID  string
	WalletID   interfaces.WalletID
	Threshold  uint8
	Total      uint8
	ExpiresAt  time.Time
	Deliveries []DeliveryReport
}

// Delivered returns the number of helpers that were handed a share.
func (r *InitiateResult) Delivered() int {
	delivered := 0
	for _, d := range r.Deliveries {
		if d.Delivered {
			delivered++
		}
	}
	return delivered
}

// AcceptResult is the outcome of one accepted submission.
//
// Secret is set only on the submission that completed the threshold. The
// caller owns it and must destroy it.
type AcceptResult struct {
	State     interfaces.SessionState
	Progress  int
	Threshold int
	Secret    *interfaces.Secret
}

// StatusResult is a snapshot of a wallet's recovery session.
type StatusResult struct {
	WalletID  interfaces.WalletID
	SessionID string
	State     interfaces.SessionState
	Progress  int
	Threshold uint8
	Total     uint8
	Delivered int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Coordinator drives recovery sessions from initiation to reconstruction.
//
// Session records live in the session store under sessions/<wallet id> and
// are only ever changed with CompareAndSwap, which makes the record the unit
// of mutual exclusion per wallet. No lock is held across store or transport
// calls.
type Coordinator struct {
	cfg       Config
	store     interfaces.SessionStore
	keys      interfaces.WalletKeyStore
	channel   *channel.Channel
	codec     *secretcodec.Codec
	collector *collector.Collector
	metrics   *metrics.Recorder
	clock     clock.Clock
	log       *slog.Logger
}

// NewCoordinator creates a coordinator. clk must be the clock the collector and store use.
func NewCoordinator(cfg Config, store interfaces.SessionStore, keys interfaces.WalletKeyStore, ch *channel.Channel, col *collector.Collector, log *slog.Logger, clk clock.Clock) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recovery config: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		keys:      keys,
		channel:   ch,
		codec:     secretcodec.New(),
		collector: col,
		clock:     clk,
		log:       log,
	}, nil
}

// WithMetrics records session activity into m.
func (c *Coordinator) WithMetrics(m *metrics.Recorder) *Coordinator {
	c.metrics = m
	return c
}

func (c *Coordinator) load(ctx context.Context, walletID interfaces.WalletID) (*sessionRecord, uint64, error) {
	cur, err := c.store.Get(ctx, sessionKey(walletID))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load session for wallet %s: %w", walletID, err)
	}

	var rec sessionRecord
	if err := json.Unmarshal(cur.Value, &rec); err != nil {
		return nil, 0, fmt.Errorf("corrupt session record for wallet %s: %w", walletID, err)
	}
	return &rec, cur.Version, nil
}

// recordTTL keeps active records past their expiry for the tombstone period,
// so a lazy check still finds them.
func (c *Coordinator) recordTTL(rec *sessionRecord) time.Duration {
	if rec.State.Terminal() {
		return c.cfg.TombstoneRetention
	}
	ttl := rec.ExpiresAt.Sub(c.clock.Now()) + c.cfg.TombstoneRetention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (c *Coordinator) write(ctx context.Context, rec *sessionRecord, version uint64) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	_, err = c.store.CompareAndSwap(ctx, sessionKey(rec.WalletID), version, encoded, c.recordTTL(rec))
	return err
}

// update applies fn to the current record of sessionID and writes it back,
// retrying when another writer got there first.
func (c *Coordinator) update(ctx context.Context, walletID interfaces.WalletID, sessionID string, fn func(*sessionRecord) error) (*sessionRecord, error) {
	for attempt := 0; attempt < c.cfg.MaxCASRetries; attempt++ {
		rec, version, err := c.load(ctx, walletID)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.SessionID != sessionID {
			return nil, fmt.Errorf("%w: session %s was replaced", interfaces.ErrNoActiveSession, sessionID)
		}
		if err := fn(rec); err != nil {
			return rec, err
		}

		err = c.write(ctx, rec, version)
		if errors.Is(err, interfaces.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, fmt.Errorf("%w: session %s update gave up after %d attempts", interfaces.ErrVersionConflict, sessionID, c.cfg.MaxCASRetries)
}

const settleAttempts = 3

// settle is finish for paths that must not leave the session half done. It
// retries transient store failures and only gives up on a refused transition.
func (c *Coordinator) settle(ctx context.Context, walletID interfaces.WalletID, sessionID string, to interfaces.SessionState) (*sessionRecord, error) {
	var (
		rec *sessionRecord
		err error
	)
	for attempt := 0; attempt < settleAttempts; attempt++ {
		rec, err = c.finish(ctx, walletID, sessionID, to)
		if err == nil || errors.Is(err, interfaces.ErrInvalidTransition) || errors.Is(err, interfaces.ErrNoActiveSession) {
			return rec, err
		}
		c.log.Warn("Retrying terminal transition",
			slog.String("sessionID", sessionID),
			slog.String("state", to.String()),
			slog.Int("attempt", attempt+1),
			"err", err)
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return rec, err
}

// finish moves a session into a terminal state. Shares are cleared whether or
// not the transition succeeds.
func (c *Coordinator) finish(ctx context.Context, walletID interfaces.WalletID, sessionID string, to interfaces.SessionState) (*sessionRecord, error) {
	rec, err := c.update(ctx, walletID, sessionID, func(rec *sessionRecord) error {
		return rec.transition(to)
	})

	if clearErr := c.collector.Clear(ctx, sessionID); clearErr != nil {
		c.log.Error("Failed to clear pending shares", "sessionID", sessionID, "err", clearErr)
	}
	if err != nil {
		return rec, err
	}

	c.metrics.SessionFinished(to.String())
	c.log.Info("Recovery session finished",
		slog.String("walletID", walletID.String()),
		slog.String("sessionID", sessionID),
		slog.String("state", to.String()))
	return rec, nil
}

func (c *Coordinator) expire(ctx context.Context, rec *sessionRecord) error {
	_, err := c.finish(ctx, rec.WalletID, rec.SessionID, interfaces.StateExpired)
	if errors.Is(err, interfaces.ErrInvalidTransition) || errors.Is(err, interfaces.ErrNoActiveSession) {
		return nil
	}
	return err
}

func validateHelpers(helpers []interfaces.Pubkey) error {
	if len(helpers) == 0 {
		return fmt.Errorf("%w: no helpers given", interfaces.ErrInvalidHelpers)
	}
	if len(helpers) > secretcodec.MaxShares {
		return fmt.Errorf("%w: at most %d helpers supported", interfaces.ErrInvalidHelpers, secretcodec.MaxShares)
	}
	seen := make(map[interfaces.Pubkey]struct{}, len(helpers))
	for _, h := range helpers {
		if _, dup := seen[h]; dup {
			return fmt.Errorf("%w: duplicate helper %s", interfaces.ErrInvalidHelpers, h)
		}
		seen[h] = struct{}{}
	}
	return nil
}

// Initiate starts a recovery session for walletID: it splits the wallet secret
// into one share per helper with threshold k and delivers the shares
// concurrently. k == 0 selects the configured default, capped at the number
// of helpers.
//
// Failing to reach some helpers is reported in the result and does not fail
// the call. If no helper can be reached the session is aborted and
// ErrTransportUnavailable is returned together with the delivery reports.
func (c *Coordinator) Initiate(ctx context.Context, walletID interfaces.WalletID, helpers []interfaces.Pubkey, k uint8) (*InitiateResult, error) {
	if err := validateHelpers(helpers); err != nil {
		return nil, err
	}
	n := uint8(len(helpers))
	if k == 0 {
		k = min(c.cfg.DefaultThreshold, n)
	}
	if k > n {
		return nil, fmt.Errorf("%w: threshold %d exceeds %d helpers", interfaces.ErrInvalidThreshold, k, n)
	}

	existing, version, err := c.load(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.State.Active() {
		if !existing.expiredAt(c.clock.Now()) {
			return nil, fmt.Errorf("%w: session %s expires at %s", interfaces.ErrSessionAlreadyActive,
				existing.SessionID, existing.ExpiresAt.Format(time.RFC3339))
		}
		if err := c.expire(ctx, existing); err != nil {
			return nil, err
		}
		existing, version, err = c.load(ctx, walletID)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.State.Active() {
			return nil, fmt.Errorf("%w: session %s", interfaces.ErrSessionAlreadyActive, existing.SessionID)
		}
	}

	secret, err := c.keys.GetProtectedSecret(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet secret: %w", err)
	}
	defer secret.Destroy()

	shares, err := c.codec.Split(secret.Expose(), k, n)
	if err != nil {
		return nil, err
	}
	defer shares.Wipe()

	now := c.clock.Now()
	rec := &sessionRecord{
		SessionID: uuid.New().String(),
		WalletID:  walletID,
		Threshold: k,
		Total:     n,
		Helpers:   make(map[string]uint8, n),
		State:     interfaces.StateNoSession,
		CreatedAt: now,
		ExpiresAt: now.Add(c.cfg.SessionTTL),
	}
	for i, h := range helpers {
		rec.Helpers[h.String()] = shares[i].Index
	}
	if err := rec.transition(interfaces.StateRequested); err != nil {
		return nil, err
	}

	if err := c.write(ctx, rec, version); err != nil {
		if errors.Is(err, interfaces.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: concurrent request for wallet %s", interfaces.ErrSessionAlreadyActive, walletID)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := c.collector.Open(ctx, rec.SessionID, int(k), rec.ExpiresAt); err != nil {
		c.finish(ctx, walletID, rec.SessionID, interfaces.StateAborted)
		return nil, err
	}

	c.metrics.SessionStarted()
	c.log.Info("Recovery session created",
		slog.String("walletID", walletID.String()),
		slog.String("sessionID", rec.SessionID),
		slog.Int("threshold", int(k)),
		slog.Int("helpers", int(n)))

	result := &InitiateResult{
		SessionID:  rec.SessionID,
		WalletID:   walletID,
		Threshold:  k,
		Total:      n,
		ExpiresAt:  rec.ExpiresAt,
		Deliveries: c.deliver(ctx, rec, helpers, shares),
	}

	delivered := result.Delivered()
	if delivered == 0 {
		c.finish(ctx, walletID, rec.SessionID, interfaces.StateAborted)
		return result, fmt.Errorf("%w: no helper received a share", interfaces.ErrTransportUnavailable)
	}

	if _, err := c.update(ctx, walletID, rec.SessionID, func(r *sessionRecord) error {
		r.Delivered = delivered
		return r.transition(interfaces.StateCollecting)
	}); err != nil {
		return result, fmt.Errorf("failed to open session for submissions: %w", err)
	}

	if delivered < int(k) {
		c.log.Warn("Fewer helpers reached than the threshold requires",
			slog.String("sessionID", rec.SessionID),
			slog.Int("delivered", delivered),
			slog.Int("threshold", int(k)))
	}
	return result, nil
}

func (c *Coordinator) deliver(ctx context.Context, rec *sessionRecord, helpers []interfaces.Pubkey, shares interfaces.ShareSet) []DeliveryReport {
	start := c.clock.Now()
	reports := make([]DeliveryReport, len(helpers))

	var g errgroup.Group
	g.SetLimit(c.cfg.DeliveryConcurrency)
	for i, helper := range helpers {
		g.Go(func() error {
			report := DeliveryReport{Helper: helper, Index: shares[i].Index}
			env, err := c.channel.EncryptFor(shares[i].Payload, helper, rec.topic())
			if err == nil {
				report.Receipt, err = c.channel.Send(ctx, env)
			}
			if err != nil {
				report.Err = err
				c.log.Warn("Share delivery failed",
					slog.String("sessionID", rec.SessionID),
					slog.String("helper", helper.String()),
					"err", err)
			} else {
				report.Delivered = true
			}
			c.metrics.Delivery(report.Delivered)
			reports[i] = report
			return nil
		})
	}
	_ = g.Wait()

	c.metrics.ObserveDelivery(c.clock.Since(start))
	return reports
}

// Accept takes an envelope submitted by helper for walletID, decrypts the
// share and records it. The submission that completes the threshold
// reconstructs the secret and returns it in the result; every other accepted
// submission reports progress.
//
// A submission that fails to decrypt leaves the session unchanged. If the
// collected shares turn out to be inconsistent the session is aborted and the
// wallet has to be re-initiated. Submissions that arrive before delivery has
// finished get ErrSessionNotReady.
func (c *Coordinator) Accept(ctx context.Context, walletID interfaces.WalletID, helper interfaces.Pubkey, envelope []byte) (*AcceptResult, error) {
	rec, _, err := c.load(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		c.metrics.Submission("no_session")
		return nil, fmt.Errorf("%w: wallet %s", interfaces.ErrNoActiveSession, walletID)
	}
	if rec.expiredAt(c.clock.Now()) {
		if err := c.expire(ctx, rec); err != nil {
			return nil, err
		}
		c.metrics.Submission("expired")
		return nil, fmt.Errorf("%w: session %s", interfaces.ErrExpired, rec.SessionID)
	}

	switch rec.State {
	case interfaces.StateCollecting:
	case interfaces.StateRequested:
		c.metrics.Submission("not_ready")
		return nil, fmt.Errorf("%w: session %s is still delivering shares", interfaces.ErrSessionNotReady, rec.SessionID)
	case interfaces.StateExpired:
		c.metrics.Submission("expired")
		return nil, fmt.Errorf("%w: session %s", interfaces.ErrExpired, rec.SessionID)
	default:
		c.metrics.Submission("no_session")
		return nil, fmt.Errorf("%w: session %s is %s", interfaces.ErrNoActiveSession, rec.SessionID, rec.State)
	}

	index, ok := rec.indexOf(helper)
	if !ok {
		c.metrics.Submission("unknown_helper")
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownHelper, helper)
	}

	payload, err := c.channel.DecryptFrom(envelope, helper, rec.topic())
	if err != nil {
		c.metrics.Submission("decryption_failed")
		c.log.Warn("Rejected undecryptable share",
			slog.String("sessionID", rec.SessionID),
			slog.String("helper", helper.String()))
		return nil, err
	}
	defer interfaces.Wipe(payload)

	share, err := c.codec.ParseShare(payload)
	if err != nil {
		c.metrics.Submission("invalid_share")
		return nil, err
	}
	defer share.Wipe()

	if share.Index != index {
		c.metrics.Submission("invalid_share")
		return nil, fmt.Errorf("%w: helper was assigned share %d but submitted %d", interfaces.ErrInvalidShare, index, share.Index)
	}
	if shareK, shareN, err := secretcodec.PolicyOf(share.Payload); err != nil || shareK != rec.Threshold || shareN != rec.Total {
		c.metrics.Submission("invalid_share")
		return nil, fmt.Errorf("%w: share policy does not match session", interfaces.ErrInvalidShare)
	}

	outcome, err := c.collector.Record(ctx, rec.SessionID, helper, share)
	if errors.Is(err, interfaces.ErrExpired) {
		if expireErr := c.expire(ctx, rec); expireErr != nil {
			c.log.Error("Failed to expire session", "sessionID", rec.SessionID, "err", expireErr)
		}
		c.metrics.Submission("expired")
		return nil, err
	}
	if errors.Is(err, collector.ErrCorruptShares) {
		c.log.Error("Stored shares are unreadable, aborting session",
			slog.String("walletID", rec.WalletID.String()),
			slog.String("sessionID", rec.SessionID),
			"err", err)
		if _, finishErr := c.settle(context.WithoutCancel(ctx), rec.WalletID, rec.SessionID, interfaces.StateAborted); finishErr != nil {
			c.log.Error("Failed to abort session", "sessionID", rec.SessionID, "err", finishErr)
		}
		c.metrics.Submission("aborted")
		return nil, fmt.Errorf("%w: %w", interfaces.ErrInconsistentShares, err)
	}
	if err != nil {
		return nil, err
	}

	if !outcome.ThresholdReached {
		c.metrics.Submission("recorded")
		c.log.Debug("Share recorded",
			slog.String("sessionID", rec.SessionID),
			slog.Int("progress", outcome.Progress),
			slog.Int("threshold", outcome.Threshold))
		return &AcceptResult{
			State:     interfaces.StateCollecting,
			Progress:  outcome.Progress,
			Threshold: outcome.Threshold,
		}, nil
	}

	// The accumulator has triggered, so the rest runs even if the caller goes away.
	return c.complete(context.WithoutCancel(ctx), rec, outcome)
}

func (c *Coordinator) complete(ctx context.Context, rec *sessionRecord, outcome interfaces.CollectionOutcome) (*AcceptResult, error) {
	secret, err := c.codec.Reconstruct(outcome.Shares, rec.Threshold)
	outcome.Shares.Wipe()
	if err != nil {
		c.log.Error("Reconstruction failed, aborting session",
			slog.String("walletID", rec.WalletID.String()),
			slog.String("sessionID", rec.SessionID),
			"err", err)
		if _, finishErr := c.settle(ctx, rec.WalletID, rec.SessionID, interfaces.StateAborted); finishErr != nil {
			c.log.Error("Failed to abort session", "sessionID", rec.SessionID, "err", finishErr)
		}
		c.metrics.Submission("aborted")
		return nil, fmt.Errorf("recovery of wallet %s aborted, a new request is required: %w", rec.WalletID, err)
	}

	final, err := c.settle(ctx, rec.WalletID, rec.SessionID, interfaces.StateReconstructed)
	switch {
	case errors.Is(err, interfaces.ErrInvalidTransition) && final != nil && final.State == interfaces.StateExpired:
		secret.Destroy()
		c.metrics.Submission("expired")
		return nil, fmt.Errorf("%w: session %s expired during reconstruction", interfaces.ErrExpired, rec.SessionID)
	case errors.Is(err, interfaces.ErrInvalidTransition), errors.Is(err, interfaces.ErrNoActiveSession):
		secret.Destroy()
		return nil, fmt.Errorf("%w: session %s ended during reconstruction", interfaces.ErrNoActiveSession, rec.SessionID)
	case err != nil:
		// The collector has triggered already, so this is the only chance to hand the secret off.
		c.log.Error("Failed to mark session reconstructed", "sessionID", rec.SessionID, "err", err)
	}

	c.metrics.Submission("reconstructed")
	return &AcceptResult{
		State:     interfaces.StateReconstructed,
		Progress:  outcome.Progress,
		Threshold: outcome.Threshold,
		Secret:    secret,
	}, nil
}

// Status reports the current session of walletID. A wallet without a session
// reports StateNoSession.
func (c *Coordinator) Status(ctx context.Context, walletID interfaces.WalletID) (*StatusResult, error) {
	rec, _, err := c.load(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.expiredAt(c.clock.Now()) {
		if err := c.expire(ctx, rec); err != nil {
			return nil, err
		}
		if rec, _, err = c.load(ctx, walletID); err != nil {
			return nil, err
		}
	}
	if rec == nil {
		return &StatusResult{WalletID: walletID, State: interfaces.StateNoSession}, nil
	}

	res := &StatusResult{
		WalletID:  walletID,
		SessionID: rec.SessionID,
		State:     rec.State,
		Threshold: rec.Threshold,
		Total:     rec.Total,
		Delivered: rec.Delivered,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	switch rec.State {
	case interfaces.StateCollecting:
		if progress, err := c.collector.Progress(ctx, rec.SessionID); err == nil {
			res.Progress = progress
		}
	case interfaces.StateReconstructed:
		res.Progress = int(rec.Threshold)
	}
	return res, nil
}

// Sweep expires every active session past its TTL and returns how many it expired.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, sessionPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := c.clock.Now()
	expired := 0
	for _, key := range keys {
		walletID := interfaces.WalletID(strings.TrimPrefix(key, sessionPrefix))
		rec, _, err := c.load(ctx, walletID)
		if err != nil {
			c.log.Warn("Skipping unreadable session", "key", key, "err", err)
			continue
		}
		if rec == nil || !rec.expiredAt(now) {
			continue
		}
		if err := c.expire(ctx, rec); err != nil {
			c.log.Error("Failed to expire session", "sessionID", rec.SessionID, "err", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// Run sweeps expired sessions every SweepInterval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := c.clock.Ticker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := c.Sweep(ctx)
			if err != nil {
				c.log.Error("Session sweep failed", "err", err)
				continue
			}
			if expired > 0 {
				c.log.Info("Expired recovery sessions", slog.Int("count", expired))
			}
		}
	}
}
