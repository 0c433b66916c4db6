package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stablepay/paywatch/core/types"
)

// MemoryStore is the volatile reference Store. State is lost on restart;
// watcher cursors then reset to the current head, which the deployment
// accepts by configuration.
type MemoryStore struct {
	mu sync.RWMutex

	sessions       map[string]*types.Session
	sessionsByAddr map[string]string // (network, lowercase addr) -> session id, PENDING only
	transfers      map[string]*types.Transfer
	transfersByKey map[types.TransferKey]string
	bySession      map[string][]string // session id -> transfer ids in arrival order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:       make(map[string]*types.Session),
		sessionsByAddr: make(map[string]string),
		transfers:      make(map[string]*types.Transfer),
		transfersByKey: make(map[types.TransferKey]string),
		bySession:      make(map[string][]string),
	}
}

func addrKey(network string, addr common.Address) string {
	return network + "/" + strings.ToLower(addr.Hex())
}

// InsertSession stores a new session. A second PENDING session on the same
// (network, address) is an invariant violation and is rejected.
func (m *MemoryStore) InsertSession(s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("duplicate session id %s", s.ID)
	}
	key := addrKey(s.Network, s.Address)
	if s.Status == types.SessionPending {
		if _, ok := m.sessionsByAddr[key]; ok {
			return fmt.Errorf("address %s already bound on %s", s.Address.Hex(), s.Network)
		}
		m.sessionsByAddr[key] = s.ID
	}
	m.sessions[s.ID] = s.Copy()
	return nil
}

// UpdateSession replaces a stored session and maintains the address index:
// a session leaving PENDING releases its (network, address) binding.
func (m *MemoryStore) UpdateSession(s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.sessions[s.ID]
	if !ok {
		return fmt.Errorf("unknown session id %s", s.ID)
	}
	key := addrKey(old.Network, old.Address)
	if old.Status == types.SessionPending && s.Status != types.SessionPending {
		delete(m.sessionsByAddr, key)
	}
	m.sessions[s.ID] = s.Copy()
	return nil
}

// Session returns a copy of the session with the given id.
func (m *MemoryStore) Session(id string) (*types.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Copy(), true
}

// OpenSessionByAddress resolves the PENDING session bound to the address.
func (m *MemoryStore) OpenSessionByAddress(network string, addr common.Address) (*types.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionsByAddr[addrKey(network, addr)]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Copy(), true
}

// Sessions lists matching sessions, newest first.
func (m *MemoryStore) Sessions(f SessionFilter) []*types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Session
	for _, s := range m.sessions {
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.Network != "" && s.Network != f.Network {
			continue
		}
		if f.ClientRefID != "" && s.ClientRefID != f.ClientRefID {
			continue
		}
		if !f.From.IsZero() && s.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && s.CreatedAt.After(f.To) {
			continue
		}
		out = append(out, s.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DueSessions returns PENDING sessions whose deadline has passed.
func (m *MemoryStore) DueSessions(now time.Time) []*types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Session
	for _, s := range m.sessions {
		if s.Status == types.SessionPending && !s.ExpiresAt.After(now) {
			out = append(out, s.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InsertTransfer stores a new transfer observation. The natural key
// (network, txHash, logIndex) must be unique.
func (m *MemoryStore) InsertTransfer(t *types.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[t.ID]; ok {
		return fmt.Errorf("duplicate transfer id %s", t.ID)
	}
	key := t.Key()
	if _, ok := m.transfersByKey[key]; ok {
		return fmt.Errorf("duplicate transfer key %s", key)
	}
	m.transfers[t.ID] = t.Copy()
	m.transfersByKey[key] = t.ID
	if t.SessionID != "" {
		m.bySession[t.SessionID] = append(m.bySession[t.SessionID], t.ID)
	}
	return nil
}

// UpdateTransfer replaces a stored transfer.
func (m *MemoryStore) UpdateTransfer(t *types.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[t.ID]; !ok {
		return fmt.Errorf("unknown transfer id %s", t.ID)
	}
	m.transfers[t.ID] = t.Copy()
	return nil
}

// Transfer returns a copy of the transfer with the given id.
func (m *MemoryStore) Transfer(id string) (*types.Transfer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, false
	}
	return t.Copy(), true
}

// TransferByKey resolves a transfer by its natural key.
func (m *MemoryStore) TransferByKey(key types.TransferKey) (*types.Transfer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.transfersByKey[key]
	if !ok {
		return nil, false
	}
	t, ok := m.transfers[id]
	if !ok {
		return nil, false
	}
	return t.Copy(), true
}

// Transfers lists matching transfers, newest first.
func (m *MemoryStore) Transfers(f TransferFilter) []*types.Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Transfer
	for _, t := range m.transfers {
		if f.Network != "" && t.Network != f.Network {
			continue
		}
		if f.SessionID != "" && t.SessionID != f.SessionID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].FirstSeenAt.After(out[j].FirstSeenAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnconfirmedTransfers returns the network's PENDING transfers ordered by
// block number so confirmation updates replay in chain order.
func (m *MemoryStore) UnconfirmedTransfers(network string) []*types.Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Transfer
	for _, t := range m.transfers {
		if t.Network == network && t.Status == types.TransferPending {
			out = append(out, t.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].ID < out[j].ID
	})
	return out
}
