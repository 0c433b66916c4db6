package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/paywatch/eventbus"
)

func TestGroupIsolatesInitFailures(t *testing.T) {
	bus := eventbus.New(64)
	defer bus.Close()
	rec := &recordingCore{}

	healthy := &mockClient{head: 100}
	broken := &mockClient{headErr: errors.New("no such host")}

	goodChain := testutilChain()
	badChain := testutilChain()
	badChain.ID = "POLYGON"

	good := New(goodChain, healthy, rec, bus)
	bad := New(badChain, broken, rec, bus)
	group := NewGroup([]*Watcher{good, bad})

	group.Start(context.Background())
	defer group.Stop()

	statuses := map[string]Status{}
	for _, ns := range group.Status() {
		statuses[ns.ID] = ns.Status
	}
	require.Len(t, statuses, 2)
	assert.Equal(t, StatusActive, statuses["BEP20_TESTNET"])
	assert.Equal(t, StatusHalted, statuses["POLYGON"])

	group.Stop()
	assert.Equal(t, StatusInactive, good.Status())
	assert.Equal(t, StatusHalted, bad.Status(), "halted chains stay halted through shutdown")
}

func TestGroupStatusReportsCursor(t *testing.T) {
	bus := eventbus.New(16)
	defer bus.Close()

	client := &mockClient{head: 777}
	w := New(testutilChain(), client, &recordingCore{}, bus)
	require.NoError(t, w.Initialize(context.Background()))

	group := NewGroup([]*Watcher{w})
	statuses := group.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, uint64(777), statuses[0].LastBlock)
	assert.Equal(t, uint64(2), statuses[0].RequiredConfirmations)

	// Status stays readable while the watcher runs.
	w.Start()
	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, StatusActive, group.Status()[0].Status)
	w.Stop()
}
