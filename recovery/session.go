package recovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
)

const sessionPrefix = "sessions/"

// transitions lists the states reachable from each state. Anything not listed
// is rejected with ErrInvalidTransition.
var transitions = map[interfaces.SessionState][]interfaces.SessionState{
	interfaces.StateNoSession:  {interfaces.StateRequested},
	interfaces.StateRequested:  {interfaces.StateCollecting, interfaces.StateExpired, interfaces.StateAborted},
	interfaces.StateCollecting: {interfaces.StateReconstructed, interfaces.StateExpired, interfaces.StateAborted},
}

func canTransition(from, to interfaces.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sessionRecord is the persisted state of one recovery attempt for a wallet.
type sessionRecord struct {
	SessionID string                  `json:"session_id"`
	WalletID  interfaces.WalletID     `json:"wallet_id"`
	Threshold uint8                   `json:"k"`
	Total     uint8                   `json:"n"`
	Helpers   map[string]uint8        `json:"helpers"`
	State     interfaces.SessionState `json:"state"`
	CreatedAt time.Time               `json:"created_at"`
	ExpiresAt time.Time               `json:"expires_at"`
	Delivered int                     `json:"delivered"`
}

func sessionKey(walletID interfaces.WalletID) string {
	return sessionPrefix + walletID.String()
}

const topicPrefix = "wallet-recovery/"

// topic binds envelopes in both directions to this session.
func (r *sessionRecord) topic() string {
	return topicPrefix + r.WalletID.String() + "/" + r.SessionID
}

// parseTopic returns the wallet a session topic belongs to.
func parseTopic(topic string) (interfaces.WalletID, bool) {
	rest, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok {
		return "", false
	}
	wallet, session, ok := strings.Cut(rest, "/")
	if !ok || wallet == "" || session == "" || strings.Contains(session, "/") {
		return "", false
	}
	return interfaces.WalletID(wallet), true
}

func (r *sessionRecord) indexOf(helper interfaces.Pubkey) (uint8, bool) {
	idx, ok := r.Helpers[helper.String()]
	return idx, ok
}

func (r *sessionRecord) expiredAt(now time.Time) bool {
	return r.State.Active() && !now.Before(r.ExpiresAt)
}

func (r *sessionRecord) transition(to interfaces.SessionState) error {
	if !canTransition(r.State, to) {
		return fmt.Errorf("%w: %s -> %s", interfaces.ErrInvalidTransition, r.State, to)
	}
	r.State = to
	return nil
}
