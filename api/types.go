package api

import (
	"time"
)

// RecoveryRequest asks the coordinator to split a wallet's secret among helpers.
type RecoveryRequest struct {
	// WalletID is the canonical UUID of the wallet.
	WalletID string `json:"wallet_id"`

	// Helpers are hex-encoded compressed secp256k1 public keys, one share each.
	Helpers []string `json:"helpers"`

	// Threshold is the number of shares needed to recover. Zero selects the server default.
	Threshold uint8 `json:"threshold,omitempty"`
}

// DeliveryStatus reports the delivery of one share.
type DeliveryStatus struct {
	Helper    string   `json:"helper"`
	Index     uint8    `json:"index"`
	Delivered bool     `json:"delivered"`
	MessageID string   `json:"message_id,omitempty"`
	Relays    []string `json:"relays,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// RecoveryResponse is returned for an accepted recovery request.
type RecoveryResponse struct {
	Accepted   bool             `json:"accepted"`
	SessionID  string           `json:"session_id"`
	Threshold  uint8            `json:"threshold"`
	Total      uint8            `json:"total"`
	Delivered  int              `json:"delivered"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Deliveries []DeliveryStatus `json:"deliveries"`
}

// ShareSubmission carries a helper's encrypted share back to the coordinator.
type ShareSubmission struct {
	WalletID string `json:"wallet_id"`

	// Helper is the hex-encoded public key of the submitting helper.
	Helper string `json:"helper"`

	// Payload is the envelope encrypted to the coordinator, base64 in JSON.
	Payload []byte `json:"payload"`
}

// SubmissionResponse reports threshold progress, or that the wallet was recovered.
type SubmissionResponse struct {
	Accepted  bool `json:"accepted"`
	Recovered bool `json:"recovered"`
	Progress  int  `json:"threshold_progress"`
	Threshold int  `json:"threshold"`
}

// RecoveryStatus describes the current recovery session of a wallet.
type RecoveryStatus struct {
	WalletID  string     `json:"wallet_id"`
	SessionID string     `json:"session_id,omitempty"`
	State     string     `json:"state"`
	Progress  int        `json:"threshold_progress"`
	Threshold uint8      `json:"threshold,omitempty"`
	Total     uint8      `json:"total,omitempty"`
	Delivered int        `json:"delivered,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
