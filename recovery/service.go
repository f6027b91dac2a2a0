package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/wallet-recovery-coordinator/cryptoutils"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
)

// RequestResult is returned to callers that asked for a recovery.
type RequestResult struct {
	Accepted   bool
	SessionID  string
	Threshold  uint8
	Total      uint8
	Delivered  int
	ExpiresAt  time.Time
	Deliveries []DeliveryReport
}

// SubmitResult is returned for every accepted share submission.
// Recovered is set once, for the submission that completed the recovery.
type SubmitResult struct {
	Accepted  bool
	Recovered bool
	Progress  int
	Threshold int
}

// Service is the entry point for outer layers such as the HTTP API. Recovered
// secrets never leave it: they are handed to the sink and destroyed.
type Service struct {
	coordinator *Coordinator
	sink        interfaces.RecoverySink
	log         *slog.Logger
}

func NewService(coordinator *Coordinator, sink interfaces.RecoverySink, log *slog.Logger) *Service {
	return &Service{
		coordinator: coordinator,
		sink:        sink,
		log:         log,
	}
}

// RequestRecovery starts a recovery of walletID among helpers with the default threshold.
func (s *Service) RequestRecovery(ctx context.Context, walletID interfaces.WalletID, helpers []interfaces.Pubkey) (*RequestResult, error) {
	return s.RequestRecoveryWithThreshold(ctx, walletID, helpers, 0)
}

// RequestRecoveryWithThreshold is RequestRecovery with an explicit k.
func (s *Service) RequestRecoveryWithThreshold(ctx context.Context, walletID interfaces.WalletID, helpers []interfaces.Pubkey, k uint8) (*RequestResult, error) {
	res, err := s.coordinator.Initiate(ctx, walletID, helpers, k)
	if res == nil {
		return nil, err
	}

	out := &RequestResult{
		Accepted:   err == nil,
		SessionID:  res.SessionID,
		Threshold:  res.Threshold,
		Total:      res.Total,
		Delivered:  res.Delivered(),
		ExpiresAt:  res.ExpiresAt,
		Deliveries: res.Deliveries,
	}
	return out, err
}

// SubmitShare accepts an encrypted share from helper. When it completes the
// recovery, the secret is restored through the sink before this returns.
func (s *Service) SubmitShare(ctx context.Context, walletID interfaces.WalletID, helper interfaces.Pubkey, payload []byte) (*SubmitResult, error) {
	res, err := s.coordinator.Accept(ctx, walletID, helper, payload)
	if err != nil {
		return nil, err
	}

	out := &SubmitResult{
		Accepted:  true,
		Progress:  res.Progress,
		Threshold: res.Threshold,
	}
	if res.Secret == nil {
		return out, nil
	}

	defer res.Secret.Destroy()
	if s.sink == nil {
		return nil, errors.New("no recovery sink configured")
	}
	if err := s.sink.Restore(context.WithoutCancel(ctx), walletID, res.Secret); err != nil {
		s.log.Error("Failed to hand off recovered secret", slog.String("walletID", walletID.String()), "err", err)
		return nil, fmt.Errorf("failed to restore wallet: %w", err)
	}

	out.Recovered = true
	return out, nil
}

// HandleEnvelope submits an envelope that arrived without any routing, such
// as one read from a relay inbox. Wallet and helper come from the envelope
// header and are only trusted once the envelope decrypts for them.
func (s *Service) HandleEnvelope(ctx context.Context, raw []byte) (*SubmitResult, error) {
	env, err := cryptoutils.ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	walletID, ok := parseTopic(env.Topic)
	if !ok {
		return nil, fmt.Errorf("%w: envelope is not bound to a recovery session", interfaces.ErrDecryptionFailed)
	}
	return s.SubmitShare(ctx, walletID, env.Sender, raw)
}

func (s *Service) Status(ctx context.Context, walletID interfaces.WalletID) (*StatusResult, error) {
	return s.coordinator.Status(ctx, walletID)
}
