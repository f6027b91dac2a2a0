package recoveryhandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/wallet-recovery-coordinator/api"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"github.com/ruteri/wallet-recovery-coordinator/recovery"
)

// Handler serves the recovery API on top of a recovery.Service.
type Handler struct {
	service *recovery.Service
	log     *slog.Logger
}

func NewHandler(service *recovery.Service, log *slog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log,
	}
}

// RegisterRoutes mounts:
//   - POST /api/recovery/request
//   - POST /api/recovery/submit
//   - GET  /api/recovery/status/{wallet_id}
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/recovery/request", h.HandleRequest)
	r.Post("/api/recovery/submit", h.HandleSubmit)
	r.Get("/api/recovery/status/{wallet_id}", h.HandleStatus)
}

// statusFor maps recovery errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrInvalidThreshold),
		errors.Is(err, interfaces.ErrInvalidHelpers),
		errors.Is(err, interfaces.ErrInvalidShare),
		errors.Is(err, interfaces.ErrDecryptionFailed):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrUnknownHelper):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrNoActiveSession),
		errors.Is(err, interfaces.ErrWalletNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrSessionAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrSessionNotReady):
		return http.StatusTooEarly
	case errors.Is(err, interfaces.ErrExpired):
		return http.StatusGone
	case errors.Is(err, interfaces.ErrInconsistentShares):
		return http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrTransportUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error(msg, "err", err)
		http.Error(w, "Internal server error", code)
		return
	}
	h.log.Warn(msg, "err", err, "status", code)
	http.Error(w, err.Error(), code)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func parseHelpers(hexKeys []string) ([]interfaces.Pubkey, error) {
	if len(hexKeys) == 0 {
		return nil, errors.New("no helper keys given")
	}
	helpers := make([]interfaces.Pubkey, len(hexKeys))
	for i, s := range hexKeys {
		pk, err := interfaces.NewPubkeyFromHex(s)
		if err != nil {
			return nil, err
		}
		helpers[i] = pk
	}
	return helpers, nil
}

// HandleRequest starts a recovery and reports per-helper delivery.
//
// Status codes:
//   - 200 OK: session created, see deliveries for helpers that were not reached
//   - 400 Bad Request: malformed wallet id, helper keys or threshold
//   - 404 Not Found: no protected secret for the wallet
//   - 409 Conflict: a session is already active
//   - 502 Bad Gateway: no helper could be reached, the session was aborted
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var req api.RecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	walletID, err := interfaces.NewWalletID(req.WalletID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	helpers, err := parseHelpers(req.Helpers)
	if err != nil {
		http.Error(w, "Invalid helpers: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.service.RequestRecoveryWithThreshold(r.Context(), walletID, helpers, req.Threshold)
	if err != nil {
		h.fail(w, "Recovery request failed", err)
		return
	}

	resp := api.RecoveryResponse{
		Accepted:   res.Accepted,
		SessionID:  res.SessionID,
		Threshold:  res.Threshold,
		Total:      res.Total,
		Delivered:  res.Delivered,
		ExpiresAt:  res.ExpiresAt,
		Deliveries: make([]api.DeliveryStatus, len(res.Deliveries)),
	}
	for i, d := range res.Deliveries {
		resp.Deliveries[i] = api.DeliveryStatus{
			Helper:    d.Helper.String(),
			Index:     d.Index,
			Delivered: d.Delivered,
			MessageID: d.Receipt.ID,
			Relays:    d.Receipt.Relays,
		}
		if d.Err != nil {
			resp.Deliveries[i].Error = d.Err.Error()
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleSubmit accepts an encrypted share from a helper.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.ShareSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	walletID, err := interfaces.NewWalletID(req.WalletID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	helper, err := interfaces.NewPubkeyFromHex(req.Helper)
	if err != nil {
		http.Error(w, "Invalid helper: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "Empty payload", http.StatusBadRequest)
		return
	}

	res, err := h.service.SubmitShare(r.Context(), walletID, helper, req.Payload)
	if err != nil {
		h.fail(w, "Share submission rejected", err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.SubmissionResponse{
		Accepted:  res.Accepted,
		Recovered: res.Recovered,
		Progress:  res.Progress,
		Threshold: res.Threshold,
	})
}

// HandleStatus reports the wallet's session; wallets without one report state "no_session".
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	walletID, err := interfaces.NewWalletID(chi.URLParam(r, "wallet_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status, err := h.service.Status(r.Context(), walletID)
	if err != nil {
		h.fail(w, "Failed to load recovery status", err)
		return
	}

	resp := api.RecoveryStatus{
		WalletID:  walletID.String(),
		SessionID: status.SessionID,
		State:     status.State.String(),
		Progress:  status.Progress,
		Threshold: status.Threshold,
		Total:     status.Total,
		Delivered: status.Delivered,
	}
	if !status.CreatedAt.IsZero() {
		resp.CreatedAt = &status.CreatedAt
		resp.ExpiresAt = &status.ExpiresAt
	}
	h.writeJSON(w, http.StatusOK, resp)
}
