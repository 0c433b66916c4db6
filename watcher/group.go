package watcher

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// NetworkStatus is the per-chain view served by the system status API.
type NetworkStatus struct {
	ID                    string `json:"id"`
	Status                Status `json:"status"`
	LastBlock             uint64 `json:"lastBlock"`
	RequiredConfirmations uint64 `json:"requiredConfirmations"`
}

// Group owns the full set of chain watchers and drives their shared
// lifecycle. A chain that fails to initialize is reported halted but does
// not stop the others; the API keeps serving either way.
type Group struct {
	watchers []*Watcher
	log      log.Logger
}

// NewGroup collects watchers into a managed set.
func NewGroup(watchers []*Watcher) *Group {
	return &Group{watchers: watchers, log: log.New("component", "watchers")}
}

// Start initializes every watcher in parallel and starts the ones that come
// up. Initialization failures halt only the affected chain.
func (g *Group) Start(ctx context.Context) {
	var eg errgroup.Group
	for _, w := range g.watchers {
		w := w
		eg.Go(func() error {
			if err := w.Initialize(ctx); err != nil {
				g.log.Error("Chain failed to initialize", "chain", w.Chain().ID, "err", err)
				return nil
			}
			w.Start()
			return nil
		})
	}
	eg.Wait()
}

// Stop stops all watchers, waiting for in-flight ticks.
func (g *Group) Stop() {
	for _, w := range g.watchers {
		w.Stop()
	}
}

// Status reports every chain's lifecycle state and cursor.
func (g *Group) Status() []NetworkStatus {
	out := make([]NetworkStatus, 0, len(g.watchers))
	for _, w := range g.watchers {
		out = append(out, NetworkStatus{
			ID:                    w.Chain().ID,
			Status:                w.Status(),
			LastBlock:             w.Cursor(),
			RequiredConfirmations: w.Chain().RequiredConfirmations,
		})
	}
	return out
}
