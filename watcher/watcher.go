// Package watcher tails one EVM chain for ERC-20 Transfer logs addressed to
// the configured recipient and feeds normalized observations to the core
// registry. One watcher per chain; watchers share no mutable state.
package watcher

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/stablepay/paywatch/chainclient"
	"github.com/stablepay/paywatch/core"
	coretypes "github.com/stablepay/paywatch/core/types"
	"github.com/stablepay/paywatch/eventbus"
	"github.com/stablepay/paywatch/params"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)"), topic0
// of every ERC-20 Transfer log.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Status of a chain watcher as surfaced by the network-status API.
type Status string

const (
	StatusInactive Status = "INACTIVE"
	StatusActive   Status = "ACTIVE"
	StatusHalted   Status = "HALTED"
)

// rangeRetries bounds how often a tick halves an over-wide getLogs window
// before giving up on the tick.
const rangeRetries = 3

// Core is the slice of the registry the watcher needs.
type Core interface {
	Apply(obs core.TransferObservation)
	Advance(network string, head uint64)
}

// Watcher polls one chain head and converts matching Transfer logs into
// registry observations. It owns a lastCheckedBlock cursor that never moves
// past a block whose logs were not successfully processed.
type Watcher struct {
	chain  *params.Chain
	client chainclient.Client
	core   Core
	bus    *eventbus.Bus
	log    log.Logger

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}

	cursor atomic.Uint64
	status atomic.Value // Status

	headGauge  metrics.Gauge
	tickCount  metrics.Counter
	tickErrors metrics.Counter
	logCount   metrics.Counter
}

// New creates a watcher for one configured chain.
func New(chain *params.Chain, client chainclient.Client, c Core, bus *eventbus.Bus) *Watcher {
	w := &Watcher{
		chain:  chain,
		client: client,
		core:   c,
		bus:    bus,
		log:    log.New("component", "watcher", "chain", chain.ID),

		headGauge:  metrics.GetOrRegisterGauge("paywatch/watcher/"+chain.ID+"/head", nil),
		tickCount:  metrics.GetOrRegisterCounter("paywatch/watcher/"+chain.ID+"/ticks", nil),
		tickErrors: metrics.GetOrRegisterCounter("paywatch/watcher/"+chain.ID+"/errors", nil),
		logCount:   metrics.GetOrRegisterCounter("paywatch/watcher/"+chain.ID+"/logs", nil),
	}
	w.status.Store(StatusInactive)
	return w
}

// Chain returns the watcher's chain configuration.
func (w *Watcher) Chain() *params.Chain { return w.chain }

// Status returns the watcher's lifecycle state.
func (w *Watcher) Status() Status { return w.status.Load().(Status) }

// Cursor returns the last successfully processed block.
func (w *Watcher) Cursor() uint64 { return w.cursor.Load() }

// Initialize validates the chain config and pins the cursor to the current
// head, so the first poll only picks up blocks mined after startup. A
// failure here halts the chain before it ever starts.
func (w *Watcher) Initialize(ctx context.Context) error {
	if err := w.chain.Validate(); err != nil {
		w.halt(fmt.Sprintf("config: %v", err))
		return err
	}
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		w.halt(fmt.Sprintf("init: %v", err))
		return fmt.Errorf("chain %s: init head fetch: %w", w.chain.ID, err)
	}
	w.cursor.Store(head)
	w.headGauge.Update(int64(head))
	w.log.Info("Watcher initialized", "head", head,
		"token", w.chain.TokenContract, "recipient", w.chain.Recipient,
		"confirmations", w.chain.RequiredConfirmations)
	return nil
}

// Start launches the polling loop. Idempotent; a halted watcher stays
// halted.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.Status() == StatusHalted {
		return
	}
	w.running = true
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	w.status.Store(StatusActive)
	go w.loop(w.quit, w.done)
	w.log.Info("Watcher started", "interval", w.chain.PollInterval)
}

// Stop prevents further ticks and waits for any in-flight tick to finish.
// Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	quit, done := w.quit, w.done
	w.mu.Unlock()

	close(quit)
	<-done
	if w.Status() == StatusActive {
		w.status.Store(StatusInactive)
	}
	w.log.Info("Watcher stopped", "cursor", w.cursor.Load())
}

func (w *Watcher) loop(quit chan struct{}, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.chain.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			// Budget each tick so a stalled RPC cannot pile ticks up;
			// the ticker coalesces anything missed meanwhile.
			ctx, cancel := context.WithTimeout(context.Background(), 2*w.chain.PollInterval)
			w.Tick(ctx)
			cancel()
			if w.Status() == StatusHalted {
				return
			}
		}
	}
}

// Tick runs one poll: advance from cursor+1 to head, bounded by the chain's
// MaxBlockRange, fetch matching logs, push observations into the registry
// and only then move the cursor. Transient failures leave the cursor where
// it was.
func (w *Watcher) Tick(ctx context.Context) {
	w.tickCount.Inc(1)

	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		w.tickErrors.Inc(1)
		if chainclient.IsFatal(err) {
			w.halt(fmt.Sprintf("head fetch: %v", err))
			return
		}
		w.log.Warn("Head fetch failed, skipping tick", "err", err)
		return
	}
	w.headGauge.Update(int64(head))

	from := w.cursor.Load() + 1
	if head < from {
		// No new blocks; still advance confirmation counts in case a
		// previous head raced past us.
		w.core.Advance(w.chain.ID, head)
		return
	}
	// Bounded catch-up: sacrifice blocks older than MaxBlockRange behind
	// head to keep restart latency bounded.
	if head-from+1 > w.chain.MaxBlockRange {
		skipped := from
		from = head - w.chain.MaxBlockRange + 1
		w.log.Warn("Catch-up window clamped", "from", skipped, "clampedFrom", from, "head", head)
	}

	to := head
	logs, to, err := w.fetchLogs(ctx, from, to)
	if err != nil {
		w.tickErrors.Inc(1)
		if chainclient.IsFatal(err) {
			w.halt(fmt.Sprintf("log fetch: %v", err))
			return
		}
		w.log.Warn("Log fetch failed, cursor not advanced", "from", from, "to", to, "err", err)
		return
	}

	for _, lg := range logs {
		obs, err := w.parseTransfer(lg, head)
		if err != nil {
			// Malformed logs are skipped per-log; the tick continues.
			w.log.Warn("Skipping unparseable log", "tx", lg.TxHash, "index", lg.Index, "err", err)
			continue
		}
		w.logCount.Inc(1)
		w.core.Apply(obs)
	}
	w.core.Advance(w.chain.ID, head)
	w.cursor.Store(to)
}

// fetchLogs queries the Transfer filter over [from, to]. On a rejected
// window the range is halved and retried a bounded number of times; the
// returned 'to' is the upper bound actually fetched so the cursor only
// covers processed blocks.
func (w *Watcher) fetchLogs(ctx context.Context, from, to uint64) ([]types.Log, uint64, error) {
	for attempt := 0; ; attempt++ {
		logs, err := w.client.FilterLogs(ctx, w.filterQuery(from, to))
		if err == nil {
			return logs, to, nil
		}
		if !chainclient.IsRangeTooWide(err) || attempt >= rangeRetries {
			return nil, to, err
		}
		span := to - from + 1
		if span <= 1 {
			return nil, to, err
		}
		to = from + span/2 - 1
		w.log.Debug("Halving log window", "from", from, "to", to, "attempt", attempt+1)
	}
}

func (w *Watcher) filterQuery(from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.chain.TokenContract},
		Topics: [][]common.Hash{
			{TransferTopic},
			nil, // any sender
			{common.BytesToHash(w.chain.Recipient.Bytes())},
		},
	}
}

// parseTransfer normalizes one Transfer log. The topic filter already pins
// the recipient; the check here is defensive against misbehaving nodes.
func (w *Watcher) parseTransfer(lg types.Log, head uint64) (core.TransferObservation, error) {
	if len(lg.Topics) != 3 {
		return core.TransferObservation{}, fmt.Errorf("expected 3 topics, got %d", len(lg.Topics))
	}
	if lg.Topics[0] != TransferTopic {
		return core.TransferObservation{}, fmt.Errorf("unexpected topic0 %s", lg.Topics[0])
	}
	if len(lg.Data) != 32 {
		return core.TransferObservation{}, fmt.Errorf("expected 32 data bytes, got %d", len(lg.Data))
	}
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	if to != w.chain.Recipient {
		return core.TransferObservation{}, fmt.Errorf("recipient mismatch: %s", to)
	}
	return core.TransferObservation{
		Network:       w.chain.ID,
		TxHash:        lg.TxHash,
		LogIndex:      lg.Index,
		TokenContract: lg.Address,
		From:          common.BytesToAddress(lg.Topics[1].Bytes()),
		To:            to,
		RawValue:      new(big.Int).SetBytes(lg.Data),
		BlockNumber:   lg.BlockNumber,
		Head:          head,
	}, nil
}

// halt marks the chain dead and announces it. The API keeps serving reads
// for a halted chain; only the poller stops.
func (w *Watcher) halt(reason string) {
	w.status.Store(StatusHalted)
	w.log.Error("Chain halted", "reason", reason)
	w.bus.Publish(coretypes.Event{
		Type: coretypes.EventChainHalted,
		Data: coretypes.EventData{Network: w.chain.ID, Reason: reason},
	})
}
