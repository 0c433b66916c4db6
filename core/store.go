package core

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stablepay/paywatch/core/types"
)

// SessionFilter selects sessions for listing. Zero values match everything.
// Date bounds apply to CreatedAt.
type SessionFilter struct {
	Status      types.SessionStatus
	Network     string
	ClientRefID string
	From        time.Time
	To          time.Time
}

// TransferFilter selects transfers for listing.
type TransferFilter struct {
	Network   string
	SessionID string
	Status    types.TransferStatus
}

// Store is the persistence boundary the registry consumes. The registry is
// the only writer; implementations serialize their own access. Read methods
// return copies so callers can never mutate stored state.
//
// The reference deployment uses the volatile MemoryStore; a durable
// implementation slots in behind the same interface.
type Store interface {
	InsertSession(s *types.Session) error
	UpdateSession(s *types.Session) error
	Session(id string) (*types.Session, bool)
	// OpenSessionByAddress resolves the single PENDING session listening
	// on (network, address), if any.
	OpenSessionByAddress(network string, addr common.Address) (*types.Session, bool)
	// Sessions returns matches ordered by CreatedAt descending, id
	// ascending as tie-break.
	Sessions(f SessionFilter) []*types.Session
	// DueSessions returns PENDING sessions with ExpiresAt <= now.
	DueSessions(now time.Time) []*types.Session

	InsertTransfer(t *types.Transfer) error
	UpdateTransfer(t *types.Transfer) error
	Transfer(id string) (*types.Transfer, bool)
	TransferByKey(key types.TransferKey) (*types.Transfer, bool)
	// Transfers returns matches ordered by FirstSeenAt descending, id
	// ascending as tie-break.
	Transfers(f TransferFilter) []*types.Transfer
	// UnconfirmedTransfers returns the network's transfers still short of
	// their confirmation threshold, ordered by block number ascending.
	UnconfirmedTransfers(network string) []*types.Transfer
}

// PageInfo describes one page of a listing.
type PageInfo struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Listing limits.
const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// paginate slices one page out of an already-ordered result set.
func paginate(total, page, limit int) (lo, hi int, info PageInfo) {
	info = PageInfo{Page: page, Limit: limit, Total: total}
	info.TotalPages = (total + limit - 1) / limit
	lo = (page - 1) * limit
	if lo > total {
		lo = total
	}
	hi = lo + limit
	if hi > total {
		hi = total
	}
	return lo, hi, info
}
