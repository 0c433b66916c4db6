// Package chainclient is a thin, typed wrapper over an EVM JSON-RPC
// endpoint. It performs no retries of its own; retry policy belongs to the
// caller, which classifies failures via the error kinds in this package.
package chainclient

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is the chain access surface the watcher consumes. *RPCClient is the
// production implementation; tests substitute their own.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// DefaultTimeout is applied to calls whose context carries no deadline.
const DefaultTimeout = 10 * time.Second

// RPCClient wraps an ethclient connection with bounded call timeouts and
// error classification.
type RPCClient struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	timeout time.Duration
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(rawurl string) (*RPCClient, error) {
	return DialTimeout(rawurl, DefaultTimeout)
}

// DialTimeout connects with a non-default per-call timeout.
func DialTimeout(rawurl string, timeout time.Duration) (*RPCClient, error) {
	rc, err := rpc.Dial(rawurl)
	if err != nil {
		return nil, Classify(err)
	}
	return &RPCClient{
		rpc:     rc,
		eth:     ethclient.NewClient(rc),
		timeout: timeout,
	}, nil
}

// BlockNumber returns the current chain head.
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, Classify(err)
	}
	return n, nil
}

// FilterLogs runs a getLogs query. Over-wide windows surface as
// KindRangeTooWide for the caller to shrink and retry.
func (c *RPCClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, Classify(err)
	}
	return logs, nil
}

// TransactionReceipt fetches a mined transaction's receipt. Missing receipts
// surface as KindNotFound.
func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	r, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, Classify(err)
	}
	return r, nil
}

// Close tears down the underlying connection.
func (c *RPCClient) Close() {
	c.rpc.Close()
}

func (c *RPCClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
