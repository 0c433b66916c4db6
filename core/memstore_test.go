package core

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/paywatch/core/types"
)

func storedSession(id string, addr byte, status types.SessionStatus, created time.Time) *types.Session {
	return &types.Session{
		ID:        id,
		Amount:    "1.0",
		Currency:  "USDT",
		Network:   "BEP20_TESTNET",
		Address:   common.BytesToAddress([]byte{addr}),
		Status:    status,
		CreatedAt: created,
		ExpiresAt: created.Add(30 * time.Minute),
	}
}

func storedTransfer(id string, tx byte, block uint64, seen time.Time) *types.Transfer {
	return &types.Transfer{
		ID:          id,
		TxHash:      common.BytesToHash([]byte{tx}),
		Network:     "BEP20_TESTNET",
		Amount:      "1",
		BlockNumber: block,
		FirstSeenAt: seen,
		Status:      types.TransferPending,
	}
}

func TestAddressBindingLifecycle(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	s := storedSession("s1", 0x01, types.SessionPending, base)
	require.NoError(t, store.InsertSession(s))

	got, ok := store.OpenSessionByAddress(s.Network, s.Address)
	require.True(t, ok)
	assert.Equal(t, "s1", got.ID)

	// A second PENDING session on the same address is rejected.
	dup := storedSession("s2", 0x01, types.SessionPending, base)
	assert.Error(t, store.InsertSession(dup))

	// Leaving PENDING releases the binding for reuse.
	s.Status = types.SessionExpired
	require.NoError(t, store.UpdateSession(s))
	_, ok = store.OpenSessionByAddress(s.Network, s.Address)
	assert.False(t, ok)
	assert.NoError(t, store.InsertSession(storedSession("s3", 0x01, types.SessionPending, base)))
}

func TestAddressBindingIsPerNetwork(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now().UTC()

	a := storedSession("s1", 0x01, types.SessionPending, base)
	b := storedSession("s2", 0x01, types.SessionPending, base)
	b.Network = "POLYGON"
	require.NoError(t, store.InsertSession(a))
	require.NoError(t, store.InsertSession(b))

	got, ok := store.OpenSessionByAddress("POLYGON", b.Address)
	require.True(t, ok)
	assert.Equal(t, "s2", got.ID)
}

func TestReadsReturnCopies(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now().UTC()
	require.NoError(t, store.InsertSession(storedSession("s1", 0x01, types.SessionPending, base)))

	got, _ := store.Session("s1")
	got.Status = types.SessionFailed

	again, _ := store.Session("s1")
	assert.Equal(t, types.SessionPending, again.Status, "caller mutation must not leak into the store")
}

func TestSessionsOrderedNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertSession(storedSession("b", 0x01, types.SessionPending, base)))
	require.NoError(t, store.InsertSession(storedSession("a", 0x02, types.SessionPending, base)))
	require.NoError(t, store.InsertSession(storedSession("c", 0x03, types.SessionPending, base.Add(time.Hour))))

	out := store.Sessions(SessionFilter{})
	require.Len(t, out, 3)
	assert.Equal(t, "c", out[0].ID)
	assert.Equal(t, "a", out[1].ID, "equal timestamps tie-break on id")
	assert.Equal(t, "b", out[2].ID)
}

func TestDueSessionsSkipsTerminal(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertSession(storedSession("pending", 0x01, types.SessionPending, base)))
	require.NoError(t, store.InsertSession(storedSession("done", 0x02, types.SessionCompleted, base)))

	due := store.DueSessions(base.Add(time.Hour))
	require.Len(t, due, 1)
	assert.Equal(t, "pending", due[0].ID)

	assert.Empty(t, store.DueSessions(base.Add(time.Minute)), "deadline not yet reached")
}

func TestInsertTransferEnforcesNaturalKey(t *testing.T) {
	store := NewMemoryStore()
	seen := time.Now().UTC()
	first := storedTransfer("t1", 0xAA, 100, seen)
	require.NoError(t, store.InsertTransfer(first))

	dup := storedTransfer("t2", 0xAA, 100, seen)
	assert.Error(t, store.InsertTransfer(dup), "same (network, txHash, logIndex)")

	other := storedTransfer("t3", 0xAA, 100, seen)
	other.LogIndex = 1
	assert.NoError(t, store.InsertTransfer(other), "distinct log index is a distinct transfer")

	got, ok := store.TransferByKey(first.Key())
	require.True(t, ok)
	assert.Equal(t, "t1", got.ID)
}

func TestUnconfirmedTransfersChainOrder(t *testing.T) {
	store := NewMemoryStore()
	seen := time.Now().UTC()
	late := storedTransfer("t1", 0x01, 300, seen)
	early := storedTransfer("t2", 0x02, 100, seen)
	confirmed := storedTransfer("t3", 0x03, 50, seen)
	confirmed.Status = types.TransferConfirmed
	otherNet := storedTransfer("t4", 0x04, 10, seen)
	otherNet.Network = "POLYGON"
	for _, tr := range []*types.Transfer{late, early, confirmed, otherNet} {
		require.NoError(t, store.InsertTransfer(tr))
	}

	out := store.UnconfirmedTransfers("BEP20_TESTNET")
	require.Len(t, out, 2)
	assert.Equal(t, "t2", out[0].ID, "lowest block first")
	assert.Equal(t, "t1", out[1].ID)
}

func TestTransfersFilters(t *testing.T) {
	store := NewMemoryStore()
	seen := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	linked := storedTransfer("t1", 0x01, 100, seen)
	linked.SessionID = "s1"
	stray := storedTransfer("t2", 0x02, 101, seen.Add(time.Minute))
	require.NoError(t, store.InsertTransfer(linked))
	require.NoError(t, store.InsertTransfer(stray))

	bySession := store.Transfers(TransferFilter{SessionID: "s1"})
	require.Len(t, bySession, 1)
	assert.Equal(t, "t1", bySession[0].ID)

	all := store.Transfers(TransferFilter{})
	require.Len(t, all, 2)
	assert.Equal(t, "t2", all[0].ID, "newest first")
}

func TestUpdateUnknownRecords(t *testing.T) {
	store := NewMemoryStore()
	assert.Error(t, store.UpdateSession(storedSession("ghost", 0x01, types.SessionPending, time.Now())))
	assert.Error(t, store.UpdateTransfer(storedTransfer("ghost", 0x01, 1, time.Now())))
}
