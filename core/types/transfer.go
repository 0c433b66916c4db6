package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransferStatus is the confirmation state of an observed transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferConfirmed TransferStatus = "CONFIRMED"
	TransferFailed    TransferStatus = "FAILED"
)

// Transfer is one observed ERC-20 Transfer log, normalized to a
// chain-agnostic record. Its natural key is (Network, TxHash, LogIndex).
type Transfer struct {
	ID            string         `json:"id"`
	TxHash        common.Hash    `json:"txHash"`
	LogIndex      uint           `json:"logIndex"`
	Network       string         `json:"network"`
	TokenContract common.Address `json:"tokenContract"`
	From          common.Address `json:"from"`
	To            common.Address `json:"to"`

	// RawValue is the transferred value in the token's smallest unit.
	// Amount is the same value rendered as a decimal string.
	RawValue *big.Int `json:"rawValue"`
	Amount   string   `json:"amount"`

	BlockNumber   uint64         `json:"blockNumber"`
	FirstSeenAt   time.Time      `json:"firstSeenAt"`
	Confirmations uint64         `json:"confirmations"`
	Status        TransferStatus `json:"status"`
	ConfirmedAt   *time.Time     `json:"confirmedAt,omitempty"`

	// SessionID is set when the recipient address resolves to a session.
	// A transfer without a session link is retained for audit.
	SessionID string `json:"sessionId,omitempty"`

	// Matched reports whether the transfer passed the match gate and is a
	// completion candidate for its session. MatchReason carries the gate's
	// rejection reason when Matched is false.
	Matched     bool   `json:"matched"`
	MatchReason string `json:"matchReason,omitempty"`
}

// TransferKey identifies a transfer observation uniquely across chains.
type TransferKey struct {
	Network  string
	TxHash   common.Hash
	LogIndex uint
}

func (k TransferKey) String() string {
	return fmt.Sprintf("%s:%s:%d", strings.ToLower(k.Network), k.TxHash.Hex(), k.LogIndex)
}

// Key returns the transfer's natural key.
func (t *Transfer) Key() TransferKey {
	return TransferKey{Network: t.Network, TxHash: t.TxHash, LogIndex: t.LogIndex}
}

// Copy returns a deep copy of the transfer.
func (t *Transfer) Copy() *Transfer {
	cpy := *t
	if t.RawValue != nil {
		cpy.RawValue = new(big.Int).Set(t.RawValue)
	}
	if t.ConfirmedAt != nil {
		ts := *t.ConfirmedAt
		cpy.ConfirmedAt = &ts
	}
	return &cpy
}
