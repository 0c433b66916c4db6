// Package core owns the authoritative session and transfer state. All
// mutations pass through the Registry, a single-writer state machine;
// watchers feed it observations and the API layer calls its operations.
package core

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"

	"github.com/stablepay/paywatch/core/types"
	"github.com/stablepay/paywatch/eventbus"
	"github.com/stablepay/paywatch/internal/units"
	"github.com/stablepay/paywatch/params"
)

// Match gate rejection reasons carried on transfer.detected events.
const (
	ReasonNoSession        = "no_matching_session"
	ReasonSenderNotAllowed = "sender_not_allowed"
	ReasonBelowTolerance   = "amount_below_tolerance"
)

// Session expiration bounds, in minutes.
const (
	MinExpirationMinutes     = 1
	MaxExpirationMinutes     = 1440
	DefaultExpirationMinutes = 30
)

// Currency is the single settlement currency of the gateway.
const Currency = "USDT"

// CreateSessionInput is the request payload of CreateSession.
type CreateSessionInput struct {
	Amount            string            `json:"amount"`
	Currency          string            `json:"currency"`
	Network           string            `json:"network"`
	ExpirationMinutes int               `json:"expirationMinutes"`
	ClientRefID       string            `json:"clientRefId"`
	Metadata          map[string]string `json:"metadata"`
}

// TransferObservation is one parsed Transfer log as delivered by a chain
// watcher. Head is the chain head the observation was made against, from
// which the initial confirmation count derives.
type TransferObservation struct {
	Network       string
	TxHash        common.Hash
	LogIndex      uint
	TokenContract common.Address
	From          common.Address
	To            common.Address
	RawValue      *big.Int
	BlockNumber   uint64
	Head          uint64
}

// Registry is the single-writer owner of all session and transfer records.
// Every public operation serializes on the registry mutex; events are
// published in commit order and the bus never blocks the registry.
type Registry struct {
	mu sync.Mutex

	store  Store
	chains map[string]*params.Chain
	source AddressSource
	bus    *eventbus.Bus
	log    log.Logger

	// now is split out for deterministic tests.
	now func() time.Time

	sessionsCreated  metrics.Counter
	transfersApplied metrics.Counter
	sessionsComplete metrics.Counter
	sessionsExpired  metrics.Counter
}

// NewRegistry wires the registry to its collaborators.
func NewRegistry(store Store, chains map[string]*params.Chain, source AddressSource, bus *eventbus.Bus) *Registry {
	return &Registry{
		store:  store,
		chains: chains,
		source: source,
		bus:    bus,
		log:    log.New("component", "registry"),
		now:    func() time.Time { return time.Now().UTC() },

		sessionsCreated:  metrics.GetOrRegisterCounter("paywatch/registry/sessions/created", nil),
		transfersApplied: metrics.GetOrRegisterCounter("paywatch/registry/transfers/applied", nil),
		sessionsComplete: metrics.GetOrRegisterCounter("paywatch/registry/sessions/completed", nil),
		sessionsExpired:  metrics.GetOrRegisterCounter("paywatch/registry/sessions/expired", nil),
	}
}

// SetClock overrides the registry clock. Test hook.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Chain returns the configuration of a network, if configured.
func (r *Registry) Chain(network string) (*params.Chain, bool) {
	c, ok := r.chains[network]
	return c, ok
}

// CreateSession validates the input, allocates an id and a dedicated
// recipient address, and opens a PENDING session.
func (r *Registry) CreateSession(in CreateSessionInput) (*types.Session, error) {
	chain, ok := r.chains[in.Network]
	if !ok {
		return nil, invalidInput("network", "unknown or inactive network %q", in.Network)
	}
	currency := in.Currency
	if currency == "" {
		currency = Currency
	}
	if !strings.EqualFold(currency, Currency) {
		return nil, invalidInput("currency", "only %s is supported", Currency)
	}
	raw, err := units.Parse(in.Amount, chain.TokenDecimals)
	if err != nil {
		return nil, invalidInput("amount", "%v", err)
	}
	if raw.Sign() <= 0 {
		return nil, invalidInput("amount", "must be positive")
	}
	expiration := in.ExpirationMinutes
	if expiration == 0 {
		expiration = DefaultExpirationMinutes
	}
	if expiration < MinExpirationMinutes || expiration > MaxExpirationMinutes {
		return nil, invalidInput("expirationMinutes", "must be in [%d,%d]", MinExpirationMinutes, MaxExpirationMinutes)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	addr, err := r.source.NewAddress(in.Network, id)
	if err != nil {
		return nil, ErrAddressUnavailable
	}
	if _, taken := r.store.OpenSessionByAddress(in.Network, addr); taken {
		return nil, ErrAddressUnavailable
	}
	now := r.now()
	session := &types.Session{
		ID:          id,
		Amount:      in.Amount,
		Currency:    Currency,
		Network:     in.Network,
		Address:     addr,
		Status:      types.SessionPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(expiration) * time.Minute),
		ClientRefID: in.ClientRefID,
		Metadata:    in.Metadata,
	}
	if err := r.store.InsertSession(session); err != nil {
		return nil, err
	}
	r.sessionsCreated.Inc(1)
	r.log.Info("Session created", "id", id, "network", in.Network, "amount", in.Amount, "address", addr)
	r.bus.Publish(types.Event{
		Type: types.EventSessionCreated,
		Data: types.EventData{Session: session.Copy()},
	})
	return session.Copy(), nil
}

// GetSession returns the session with the given id.
func (r *Registry) GetSession(id string) (*types.Session, error) {
	s, ok := r.store.Session(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// ListSessions returns one page of sessions matching the filter, ordered by
// creation time descending.
func (r *Registry) ListSessions(f SessionFilter, page, limit int) ([]*types.Session, PageInfo, error) {
	page, limit, err := normalizePage(page, limit)
	if err != nil {
		return nil, PageInfo{}, err
	}
	all := r.store.Sessions(f)
	lo, hi, info := paginate(len(all), page, limit)
	return all[lo:hi], info, nil
}

// RecreateSession clones an EXPIRED session into a fresh PENDING one with a
// new id, address and deadline. The clone keeps the original's payment
// window length and links back through OriginalSessionID.
func (r *Registry) RecreateSession(id string) (*types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	orig, ok := r.store.Session(id)
	if !ok {
		return nil, ErrNotFound
	}
	if orig.Status != types.SessionExpired {
		return nil, ErrInvalidState
	}
	newID := uuid.NewString()
	addr, err := r.source.NewAddress(orig.Network, newID)
	if err != nil {
		return nil, ErrAddressUnavailable
	}
	if _, taken := r.store.OpenSessionByAddress(orig.Network, addr); taken {
		return nil, ErrAddressUnavailable
	}
	now := r.now()
	window := orig.ExpiresAt.Sub(orig.CreatedAt)
	session := &types.Session{
		ID:                newID,
		Amount:            orig.Amount,
		Currency:          orig.Currency,
		Network:           orig.Network,
		Address:           addr,
		Status:            types.SessionPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(window),
		ClientRefID:       orig.ClientRefID,
		Metadata:          orig.Metadata,
		OriginalSessionID: orig.ID,
	}
	if err := r.store.InsertSession(session); err != nil {
		return nil, err
	}
	r.sessionsCreated.Inc(1)
	r.log.Info("Session recreated", "id", newID, "original", orig.ID, "network", orig.Network)
	r.bus.Publish(types.Event{
		Type: types.EventSessionRecreated,
		Data: types.EventData{Session: session.Copy(), OriginalSessionID: orig.ID},
	})
	return session.Copy(), nil
}

// GetTransfer returns the transfer with the given id.
func (r *Registry) GetTransfer(id string) (*types.Transfer, error) {
	t, ok := r.store.Transfer(id)
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// ListTransfers returns one page of transfers matching the filter.
func (r *Registry) ListTransfers(f TransferFilter, page, limit int) ([]*types.Transfer, PageInfo, error) {
	page, limit, err := normalizePage(page, limit)
	if err != nil {
		return nil, PageInfo{}, err
	}
	all := r.store.Transfers(f)
	lo, hi, info := paginate(len(all), page, limit)
	return all[lo:hi], info, nil
}

// Apply ingests one transfer observation from a chain watcher. Duplicate
// sightings of the same (network, txHash, logIndex) only ever raise the
// confirmation count; they never produce a second detection. Apply never
// returns an error to the watcher: malformed observations are logged and
// dropped.
func (r *Registry) Apply(obs TransferObservation) {
	chain, ok := r.chains[obs.Network]
	if !ok {
		r.log.Error("Observation for unconfigured network dropped", "network", obs.Network)
		return
	}
	if obs.RawValue == nil || obs.RawValue.Sign() < 0 {
		r.log.Error("Observation with invalid value dropped", "network", obs.Network, "tx", obs.TxHash)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfersApplied.Inc(1)

	conf := confirmations(obs.Head, obs.BlockNumber)
	key := types.TransferKey{Network: obs.Network, TxHash: obs.TxHash, LogIndex: obs.LogIndex}
	if existing, ok := r.store.TransferByKey(key); ok {
		r.advanceTransfer(existing, conf, chain)
		return
	}

	now := r.now()
	transfer := &types.Transfer{
		ID:            uuid.NewString(),
		TxHash:        obs.TxHash,
		LogIndex:      obs.LogIndex,
		Network:       obs.Network,
		TokenContract: obs.TokenContract,
		From:          obs.From,
		To:            obs.To,
		RawValue:      new(big.Int).Set(obs.RawValue),
		Amount:        units.Format(obs.RawValue, chain.TokenDecimals),
		BlockNumber:   obs.BlockNumber,
		FirstSeenAt:   now,
		Confirmations: conf,
		Status:        types.TransferPending,
	}

	session, linked := r.store.OpenSessionByAddress(obs.Network, obs.To)
	if linked {
		transfer.SessionID = session.ID
	}
	transfer.Matched, transfer.MatchReason = r.matchGate(chain, session, linked, obs)

	if err := r.store.InsertTransfer(transfer); err != nil {
		r.log.Error("Failed to record transfer", "key", key, "err", err)
		return
	}
	r.log.Info("Transfer detected", "network", obs.Network, "tx", obs.TxHash, "logIndex", obs.LogIndex,
		"amount", transfer.Amount, "session", transfer.SessionID, "matched", transfer.Matched,
		"confirmations", conf)

	ev := types.Event{
		Type: types.EventTransferDetected,
		Data: types.EventData{
			Transfer:  transfer.Copy(),
			SessionID: transfer.SessionID,
			Matched:   types.BoolPtr(transfer.Matched),
		},
	}
	if !transfer.Matched {
		ev.Data.Reason = transfer.MatchReason
	}
	r.bus.Publish(ev)

	if conf >= chain.RequiredConfirmations {
		r.confirmTransfer(transfer)
	}
}

// Advance recomputes confirmation counts for the network's unconfirmed
// transfers against a new chain head. Watchers call this once per tick so
// confirmations progress even when no new logs arrive.
func (r *Registry) Advance(network string, head uint64) {
	chain, ok := r.chains[network]
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.store.UnconfirmedTransfers(network) {
		r.advanceTransfer(t, confirmations(head, t.BlockNumber), chain)
	}
}

// ExpireDue transitions every overdue PENDING session to EXPIRED. Running
// it twice with the same clock is a no-op the second time.
func (r *Registry) ExpireDue(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	expired := 0
	for _, s := range r.store.DueSessions(now) {
		s.Status = types.SessionExpired
		if err := r.store.UpdateSession(s); err != nil {
			r.log.Error("Failed to expire session", "id", s.ID, "err", err)
			continue
		}
		expired++
		r.sessionsExpired.Inc(1)
		r.log.Info("Session expired", "id", s.ID, "network", s.Network)
		r.bus.Publish(types.Event{
			Type: types.EventSessionExpired,
			Data: types.EventData{SessionID: s.ID},
		})
	}
	return expired
}

// advanceTransfer raises a transfer's confirmation count, emitting
// transfer.updated while below threshold and transfer.confirmed (plus any
// session completion) once the threshold is met. Confirmations never
// regress; confirmed transfers advance silently.
func (r *Registry) advanceTransfer(t *types.Transfer, conf uint64, chain *params.Chain) {
	if conf <= t.Confirmations {
		return
	}
	t.Confirmations = conf
	if t.Status != types.TransferPending {
		if err := r.store.UpdateTransfer(t); err != nil {
			r.log.Error("Failed to update transfer", "id", t.ID, "err", err)
		}
		return
	}
	r.bus.Publish(types.Event{
		Type: types.EventTransferUpdated,
		Data: types.EventData{TransferID: t.ID, Confirmations: conf},
	})
	if conf >= chain.RequiredConfirmations {
		r.confirmTransfer(t)
		return
	}
	if err := r.store.UpdateTransfer(t); err != nil {
		r.log.Error("Failed to update transfer", "id", t.ID, "err", err)
	}
}

// confirmTransfer finalizes a transfer at its confirmation threshold and,
// when it is a matched completion candidate, completes its session. A
// session already EXPIRED stays EXPIRED; the confirmed transfer remains
// recorded for audit.
func (r *Registry) confirmTransfer(t *types.Transfer) {
	now := r.now()
	t.Status = types.TransferConfirmed
	t.ConfirmedAt = &now
	if err := r.store.UpdateTransfer(t); err != nil {
		r.log.Error("Failed to confirm transfer", "id", t.ID, "err", err)
		return
	}
	r.log.Info("Transfer confirmed", "id", t.ID, "network", t.Network, "confirmations", t.Confirmations)
	r.bus.Publish(types.Event{
		Type: types.EventTransferConfirmed,
		Data: types.EventData{TransferID: t.ID, SessionID: t.SessionID},
	})

	if !t.Matched || t.SessionID == "" {
		return
	}
	session, ok := r.store.Session(t.SessionID)
	if !ok || session.Status != types.SessionPending {
		return
	}
	session.Status = types.SessionCompleted
	session.CompletedAt = &now
	session.MatchedTransferID = t.ID
	if err := r.store.UpdateSession(session); err != nil {
		r.log.Error("Failed to complete session", "id", session.ID, "err", err)
		return
	}
	r.sessionsComplete.Inc(1)
	r.log.Info("Session completed", "id", session.ID, "transfer", t.ID, "network", session.Network)
	r.bus.Publish(types.Event{
		Type: types.EventSessionCompleted,
		Data: types.EventData{SessionID: session.ID, TransferID: t.ID},
	})
}

// matchGate decides whether an observation is a completion candidate for
// the linked session. Network and currency agreement are implicit: the
// observation comes from the session's own chain watcher.
func (r *Registry) matchGate(chain *params.Chain, session *types.Session, linked bool, obs TransferObservation) (bool, string) {
	if !linked {
		return false, ReasonNoSession
	}
	if !chain.SenderAllowed(obs.From) {
		return false, ReasonSenderNotAllowed
	}
	target := chain.TargetAmount
	if target == "" {
		target = session.Amount
	}
	targetUnits, err := units.Parse(target, chain.TokenDecimals)
	if err != nil {
		// Session amounts are validated on creation and chain targets on
		// startup, so this is an invariant violation worth shouting about.
		r.log.Error("Unparseable match target", "session", session.ID, "target", target, "err", err)
		return false, ReasonBelowTolerance
	}
	if !units.WithinTolerance(obs.RawValue, targetUnits) {
		return false, ReasonBelowTolerance
	}
	return true, ""
}

func confirmations(head, block uint64) uint64 {
	if head < block {
		return 1
	}
	return head - block + 1
}

func normalizePage(page, limit int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = DefaultPageLimit
	}
	if page < 1 {
		return 0, 0, invalidInput("page", "must be >= 1")
	}
	if limit < 1 || limit > MaxPageLimit {
		return 0, 0, invalidInput("limit", "must be in [1,%d]", MaxPageLimit)
	}
	return page, limit, nil
}
