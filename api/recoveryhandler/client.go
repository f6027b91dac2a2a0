package recoveryhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ruteri/wallet-recovery-coordinator/api"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
)

// Client talks to a coordinator's recovery API.
type Client struct {
	// ServerAddr is the base URL of the coordinator, e.g. "http://127.0.0.1:8080".
	ServerAddr string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// sentinelFor maps a response status back to the error the server reported.
func sentinelFor(code int) error {
	switch code {
	case http.StatusForbidden:
		return interfaces.ErrUnknownHelper
	case http.StatusNotFound:
		return interfaces.ErrNoActiveSession
	case http.StatusConflict:
		return interfaces.ErrSessionAlreadyActive
	case http.StatusGone:
		return interfaces.ErrExpired
	case http.StatusTooEarly:
		return interfaces.ErrSessionNotReady
	case http.StatusUnprocessableEntity:
		return interfaces.ErrInconsistentShares
	case http.StatusBadGateway:
		return interfaces.ErrTransportUnavailable
	default:
		return nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.ServerAddr, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if sentinel := sentinelFor(resp.StatusCode); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, strings.TrimSpace(string(msg)))
		}
		return fmt.Errorf("%s returned error %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

// RequestRecovery asks the coordinator to distribute shares of walletID to helpers.
// threshold 0 uses the server default.
func (c *Client) RequestRecovery(ctx context.Context, walletID interfaces.WalletID, helpers []interfaces.Pubkey, threshold uint8) (*api.RecoveryResponse, error) {
	req := api.RecoveryRequest{
		WalletID:  walletID.String(),
		Helpers:   make([]string, len(helpers)),
		Threshold: threshold,
	}
	for i, h := range helpers {
		req.Helpers[i] = h.String()
	}

	var resp api.RecoveryResponse
	if err := c.do(ctx, http.MethodPost, "/api/recovery/request", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitShare sends a helper's encrypted share envelope.
func (c *Client) SubmitShare(ctx context.Context, walletID interfaces.WalletID, helper interfaces.Pubkey, envelope []byte) (*api.SubmissionResponse, error) {
	req := api.ShareSubmission{
		WalletID: walletID.String(),
		Helper:   helper.String(),
		Payload:  envelope,
	}

	var resp api.SubmissionResponse
	if err := c.do(ctx, http.MethodPost, "/api/recovery/submit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Status(ctx context.Context, walletID interfaces.WalletID) (*api.RecoveryStatus, error) {
	var resp api.RecoveryStatus
	if err := c.do(ctx, http.MethodGet, "/api/recovery/status/"+walletID.String(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
