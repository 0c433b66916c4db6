package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SessionStatus is the lifecycle state of a payment session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionExpired   SessionStatus = "EXPIRED"
	SessionFailed    SessionStatus = "FAILED"
)

// Valid reports whether s is one of the defined session states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionCompleted, SessionExpired, SessionFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionExpired || s == SessionFailed
}

// Session is a time-bounded expectation of a specific payment amount
// arriving at a dedicated address on a specific chain.
type Session struct {
	ID       string         `json:"id"`
	Amount   string         `json:"amount"`
	Currency string         `json:"currency"`
	Network  string         `json:"network"`
	Address  common.Address `json:"address"`
	Status   SessionStatus  `json:"status"`

	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	ClientRefID string            `json:"clientRefId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// OriginalSessionID links a recreated session back to the expired
	// session it was cloned from.
	OriginalSessionID string `json:"originalSessionId,omitempty"`

	// MatchedTransferID is set when the session completes.
	MatchedTransferID string `json:"matchedTransferId,omitempty"`
}

// Copy returns a deep copy of the session. The registry hands out copies so
// callers can never mutate authoritative state.
func (s *Session) Copy() *Session {
	cpy := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cpy.CompletedAt = &t
	}
	if s.Metadata != nil {
		cpy.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cpy.Metadata[k] = v
		}
	}
	return &cpy
}
