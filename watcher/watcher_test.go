package watcher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/paywatch/core"
	coretypes "github.com/stablepay/paywatch/core/types"
	"github.com/stablepay/paywatch/eventbus"
	"github.com/stablepay/paywatch/params"
)

var (
	testToken     = common.HexToAddress("0x337610d27c682E347C9cD60BD4b3b107C9d34dDd")
	testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000FE")
	testSender    = common.HexToAddress("0x00000000000000000000000000000000000000AB")
)

// mockClient scripts head and getLogs responses per call.
type mockClient struct {
	mu       sync.Mutex
	head     uint64
	headErr  error
	filterFn func(q ethereum.FilterQuery) ([]types.Log, error)
	queries  []ethereum.FilterQuery
}

func (m *mockClient) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headErr != nil {
		return 0, m.headErr
	}
	return m.head, nil
}

func (m *mockClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if m.filterFn == nil {
		return nil, nil
	}
	return m.filterFn(q)
}

func (m *mockClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (m *mockClient) Close() {}

func (m *mockClient) queryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

func (m *mockClient) query(i int) ethereum.FilterQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries[i]
}

// recordingCore captures what the watcher feeds the registry.
type recordingCore struct {
	mu       sync.Mutex
	applied  []core.TransferObservation
	advanced []uint64
}

func (r *recordingCore) Apply(obs core.TransferObservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, obs)
}

func (r *recordingCore) Advance(network string, head uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanced = append(r.advanced, head)
}

func (r *recordingCore) observations() []core.TransferObservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.TransferObservation(nil), r.applied...)
}

func (r *recordingCore) advances() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.advanced...)
}

func newTestWatcher(t *testing.T) (*Watcher, *mockClient, *recordingCore, *eventbus.Subscription) {
	t.Helper()
	chain := testutilChain()
	client := &mockClient{}
	rec := &recordingCore{}
	bus := eventbus.New(64)
	t.Cleanup(bus.Close)
	sub := bus.Subscribe("watcher-test")
	return New(chain, client, rec, bus), client, rec, sub
}

func testutilChain() *params.Chain {
	return &params.Chain{
		ID:                    "BEP20_TESTNET",
		RPCURL:                "http://localhost:8545",
		TokenContract:         testToken,
		TokenDecimals:         18,
		Recipient:             testRecipient,
		RequiredConfirmations: 2,
		PollInterval:          10 * time.Millisecond,
		MaxBlockRange:         500,
		SenderAllowlist:       mapset.NewSet[common.Address](),
	}
}

// transferLog builds a well-formed Transfer log to the test recipient.
func transferLog(block uint64, index uint, value int64) types.Log {
	return types.Log{
		Address: testToken,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(testSender.Bytes()),
			common.BytesToHash(testRecipient.Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{byte(block), byte(index)}),
		Index:       index,
	}
}

func haltedEvent(sub *eventbus.Subscription) *coretypes.Event {
	select {
	case ev := <-sub.Events():
		if ev.Type == coretypes.EventChainHalted {
			return &ev
		}
	default:
	}
	return nil
}

func TestInitializePinsCursorToHead(t *testing.T) {
	w, client, _, sub := newTestWatcher(t)
	client.head = 12345

	require.NoError(t, w.Initialize(context.Background()))
	assert.Equal(t, uint64(12345), w.Cursor())
	assert.Equal(t, StatusInactive, w.Status())
	assert.Nil(t, haltedEvent(sub))
}

func TestInitializeHaltsOnHeadFailure(t *testing.T) {
	w, client, _, sub := newTestWatcher(t)
	client.headErr = errors.New("dial tcp: connection refused")

	require.Error(t, w.Initialize(context.Background()))
	assert.Equal(t, StatusHalted, w.Status())
	ev := haltedEvent(sub)
	require.NotNil(t, ev)
	assert.Equal(t, "BEP20_TESTNET", ev.Data.Network)
	assert.NotEmpty(t, ev.Data.Reason)

	// A halted watcher refuses to start.
	w.Start()
	assert.Equal(t, StatusHalted, w.Status())
}

func TestInitializeHaltsOnBadConfig(t *testing.T) {
	w, _, _, sub := newTestWatcher(t)
	w.chain.Recipient = common.Address{}

	require.Error(t, w.Initialize(context.Background()))
	assert.Equal(t, StatusHalted, w.Status())
	assert.NotNil(t, haltedEvent(sub))
}

func TestTickAppliesLogsAndAdvancesCursor(t *testing.T) {
	w, client, rec, sub := newTestWatcher(t)
	client.head = 100
	require.NoError(t, w.Initialize(context.Background()))

	client.head = 102
	client.filterFn = func(q ethereum.FilterQuery) ([]types.Log, error) {
		return []types.Log{transferLog(101, 0, 1_000_000_000_000_000_000)}, nil
	}
	w.Tick(context.Background())

	q := client.query(0)
	assert.Equal(t, uint64(101), q.FromBlock.Uint64())
	assert.Equal(t, uint64(102), q.ToBlock.Uint64())
	assert.Equal(t, []common.Address{testToken}, q.Addresses)
	require.Len(t, q.Topics, 3)
	assert.Equal(t, []common.Hash{TransferTopic}, q.Topics[0])
	assert.Nil(t, q.Topics[1])
	assert.Equal(t, []common.Hash{common.BytesToHash(testRecipient.Bytes())}, q.Topics[2])

	obs := rec.observations()
	require.Len(t, obs, 1)
	assert.Equal(t, "BEP20_TESTNET", obs[0].Network)
	assert.Equal(t, testSender, obs[0].From)
	assert.Equal(t, testRecipient, obs[0].To)
	assert.Equal(t, "1000000000000000000", obs[0].RawValue.String())
	assert.Equal(t, uint64(101), obs[0].BlockNumber)
	assert.Equal(t, uint64(102), obs[0].Head)

	assert.Equal(t, []uint64{102}, rec.advances())
	assert.Equal(t, uint64(102), w.Cursor())
	assert.Nil(t, haltedEvent(sub))
}

func TestTickWithoutNewBlocksStillAdvancesConfirmations(t *testing.T) {
	w, client, rec, _ := newTestWatcher(t)
	client.head = 100
	require.NoError(t, w.Initialize(context.Background()))

	w.Tick(context.Background())
	assert.Zero(t, client.queryCount(), "no getLogs when there are no new blocks")
	assert.Equal(t, []uint64{100}, rec.advances())
	assert.Equal(t, uint64(100), w.Cursor())
}

// A long outage is caught up within a bounded window; older blocks are
// deliberately sacrificed and the chain is not halted.
func TestTickClampsLargeGap(t *testing.T) {
	w, client, _, sub := newTestWatcher(t)
	client.head = 100
	require.NoError(t, w.Initialize(context.Background()))

	client.head = 2100
	w.Tick(context.Background())

	q := client.query(0)
	assert.Equal(t, uint64(1601), q.FromBlock.Uint64(), "from clamped to head-maxRange+1")
	assert.Equal(t, uint64(2100), q.ToBlock.Uint64())
	assert.Equal(t, uint64(2100), w.Cursor())
	assert.Nil(t, haltedEvent(sub))
}

func TestTickHalvesRejectedWindow(t *testing.T) {
	w, client, _, _ := newTestWatcher(t)
	client.head = 100
	require.NoError(t, w.Initialize(context.Background()))

	client.head = 110
	client.filterFn = func(q ethereum.FilterQuery) ([]types.Log, error) {
		if q.ToBlock.Uint64() == 110 {
			return nil, errors.New("block range is too wide")
		}
		return nil, nil
	}
	w.Tick(context.Background())

	require.Equal(t, 2, client.queryCount())
	assert.Equal(t, uint64(105), client.query(1).ToBlock.Uint64(), "span 10 halved to [101,105]")
	assert.Equal(t, uint64(105), w.Cursor(), "cursor covers only the fetched range")

	// The next tick resumes from the unprocessed remainder.
	client.filterFn = nil
	w.Tick(context.Background())
	assert.Equal(t, uint64(106), client.query(2).FromBlock.Uint64())
	assert.Equal(t, uint64(110), w.Cursor())
}

func TestTickTransientErrorsLeaveCursor(t *testing.T) {
	w, client, rec, sub := newTestWatcher(t)
	client.head = 100
	require.NoError(t, w.Initialize(context.Background()))

	client.head = 105
	client.filterFn = func(q ethereum.FilterQuery) ([]types.Log, error) {
		return nil, errors.New("i/o timeout")
	}
	w.Tick(context.Background())
	assert.Equal(t, uint64(100), w.Cursor())
	assert.Empty(t, rec.observations())
	assert.Nil(t, haltedEvent(sub))

	// Head fetch failure likewise skips the tick.
	client.headErr = errors.New("connection reset by peer")
	w.Tick(context.Background())
	assert.Equal(t, uint64(100), w.Cursor())
	assert.Nil(t, haltedEvent(sub))
}

func TestTickFatalErrorHaltsChain(t *testing.T) {
	w, client, _, sub := newTestWatcher(t)
	client.head = 100
	require.NoError(t, w.Initialize(context.Background()))

	client.headErr = rpc.HTTPError{StatusCode: 401, Status: "401 Unauthorized"}
	w.Tick(context.Background())

	assert.Equal(t, StatusHalted, w.Status())
	assert.Equal(t, uint64(100), w.Cursor())
	ev := haltedEvent(sub)
	require.NotNil(t, ev)
	assert.Equal(t, "BEP20_TESTNET", ev.Data.Network)
}

func TestTickSkipsMalformedLogs(t *testing.T) {
	w, client, rec, _ := newTestWatcher(t)
	client.head = 100
	require.NoError(t, w.Initialize(context.Background()))

	good := transferLog(101, 2, 5)
	missingTopic := transferLog(101, 0, 5)
	missingTopic.Topics = missingTopic.Topics[:2]
	shortData := transferLog(101, 1, 5)
	shortData.Data = shortData.Data[:31]
	wrongRecipient := transferLog(101, 3, 5)
	wrongRecipient.Topics[2] = common.BytesToHash(testSender.Bytes())

	client.head = 101
	client.filterFn = func(q ethereum.FilterQuery) ([]types.Log, error) {
		return []types.Log{missingTopic, shortData, good, wrongRecipient}, nil
	}
	w.Tick(context.Background())

	obs := rec.observations()
	require.Len(t, obs, 1)
	assert.Equal(t, uint(2), obs[0].LogIndex)
	assert.Equal(t, uint64(101), w.Cursor(), "malformed logs do not block the tick")
}

func TestStartStopLifecycle(t *testing.T) {
	w, client, rec, _ := newTestWatcher(t)
	client.head = 100
	require.NoError(t, w.Initialize(context.Background()))

	w.Start()
	w.Start() // idempotent
	assert.Equal(t, StatusActive, w.Status())

	client.mu.Lock()
	client.head = 101
	client.mu.Unlock()

	require.Eventually(t, func() bool {
		return w.Cursor() == 101
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop() // idempotent
	assert.Equal(t, StatusInactive, w.Status())

	ticksSeen := len(rec.advances())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, ticksSeen, len(rec.advances()), "no ticks after Stop")
}
