// Package params holds the static chain presets and runtime configuration
// of the payment gateway. A Config is built once at startup and treated as
// immutable afterwards.
package params

import (
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/stablepay/paywatch/internal/units"
)

// Chain identifiers of the supported networks.
const (
	ChainBEP20        = "BEP20"
	ChainBEP20Testnet = "BEP20_TESTNET"
	ChainPolygon      = "POLYGON"
	ChainAmoy         = "AMOY"
)

// Defaults applied when a chain does not configure its own value.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultMaxBlockRange = 500
	DefaultRPCTimeout    = 10 * time.Second
)

// Chain is the static configuration of one watched EVM network.
type Chain struct {
	ID      string
	Name    string
	ChainID uint64
	RPCURL  string

	TokenContract common.Address
	TokenDecimals uint8
	TokenSymbol   string

	// Recipient is the destination address whose incoming token transfers
	// the watcher filters for.
	Recipient common.Address

	RequiredConfirmations uint64
	PollInterval          time.Duration
	MaxBlockRange         uint64

	// TargetAmount, when non-empty, overrides the per-session amount in the
	// match gate. Decimal string in token units.
	TargetAmount string

	// SenderAllowlist restricts which senders may complete a session.
	// Empty set means any sender.
	SenderAllowlist mapset.Set[common.Address]
}

// bep20USDT and friends are the canonical USDT deployments per network.
var (
	bep20USDT        = common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")
	bep20TestnetUSDT = common.HexToAddress("0x337610d27c682E347C9cD60BD4b3b107C9d34dDd")
	polygonUSDT      = common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F")
	amoyUSDT         = common.HexToAddress("0x1616d425Cd540B256475cBfb604586C8598eC0FB")
)

// ChainPresets returns the built-in configuration of every supported chain.
// RPC URL and recipient must still be supplied by the operator.
func ChainPresets() map[string]*Chain {
	return map[string]*Chain{
		ChainBEP20: {
			ID:                    ChainBEP20,
			Name:                  "BNB Smart Chain",
			ChainID:               56,
			TokenContract:         bep20USDT,
			TokenDecimals:         18,
			TokenSymbol:           "USDT",
			RequiredConfirmations: 15,
			PollInterval:          DefaultPollInterval,
			MaxBlockRange:         DefaultMaxBlockRange,
			SenderAllowlist:       mapset.NewSet[common.Address](),
		},
		ChainBEP20Testnet: {
			ID:                    ChainBEP20Testnet,
			Name:                  "BNB Smart Chain Testnet",
			ChainID:               97,
			TokenContract:         bep20TestnetUSDT,
			TokenDecimals:         18,
			TokenSymbol:           "USDT",
			RequiredConfirmations: 6,
			PollInterval:          DefaultPollInterval,
			MaxBlockRange:         DefaultMaxBlockRange,
			SenderAllowlist:       mapset.NewSet[common.Address](),
		},
		ChainPolygon: {
			ID:                    ChainPolygon,
			Name:                  "Polygon",
			ChainID:               137,
			TokenContract:         polygonUSDT,
			TokenDecimals:         6,
			TokenSymbol:           "USDT",
			RequiredConfirmations: 30,
			PollInterval:          DefaultPollInterval,
			MaxBlockRange:         DefaultMaxBlockRange,
			SenderAllowlist:       mapset.NewSet[common.Address](),
		},
		ChainAmoy: {
			ID:                    ChainAmoy,
			Name:                  "Polygon Amoy",
			ChainID:               80002,
			TokenContract:         amoyUSDT,
			TokenDecimals:         6,
			TokenSymbol:           "USDT",
			RequiredConfirmations: 6,
			PollInterval:          DefaultPollInterval,
			MaxBlockRange:         DefaultMaxBlockRange,
			SenderAllowlist:       mapset.NewSet[common.Address](),
		},
	}
}

var zeroAddress common.Address

// Validate checks the chain invariants. A chain failing validation refuses
// to start its watcher.
func (c *Chain) Validate() error {
	if c.ID == "" {
		return errors.New("chain id not set")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("chain %s: rpc url not set", c.ID)
	}
	if c.TokenContract == zeroAddress {
		return fmt.Errorf("chain %s: token contract not set", c.ID)
	}
	if c.Recipient == zeroAddress {
		return fmt.Errorf("chain %s: recipient not set", c.ID)
	}
	if c.TokenDecimals > units.MaxDecimals {
		return fmt.Errorf("chain %s: token decimals %d out of range [0,%d]", c.ID, c.TokenDecimals, units.MaxDecimals)
	}
	if c.RequiredConfirmations < 1 {
		return fmt.Errorf("chain %s: required confirmations must be >= 1", c.ID)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("chain %s: poll interval must be positive", c.ID)
	}
	if c.MaxBlockRange < 1 {
		return fmt.Errorf("chain %s: max block range must be >= 1", c.ID)
	}
	if c.TargetAmount != "" {
		if _, err := units.Parse(c.TargetAmount, c.TokenDecimals); err != nil {
			return fmt.Errorf("chain %s: target amount: %v", c.ID, err)
		}
	}
	return nil
}

// SenderAllowed reports whether from passes the chain's sender filter.
func (c *Chain) SenderAllowed(from common.Address) bool {
	if c.SenderAllowlist == nil || c.SenderAllowlist.Cardinality() == 0 {
		return true
	}
	return c.SenderAllowlist.Contains(from)
}

// Copy returns a deep copy so resolved configs never alias the presets.
func (c *Chain) Copy() *Chain {
	cpy := *c
	cpy.SenderAllowlist = mapset.NewSet[common.Address]()
	if c.SenderAllowlist != nil {
		for _, a := range c.SenderAllowlist.ToSlice() {
			cpy.SenderAllowlist.Add(a)
		}
	}
	return &cpy
}
