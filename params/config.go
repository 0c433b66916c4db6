package params

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the immutable runtime configuration of the gateway, resolved
// once at startup from the environment and an optional config file.
type Config struct {
	Host   string
	Port   int
	APIKey string

	// Chains holds the resolved configuration of every active network,
	// keyed by chain id.
	Chains map[string]*Chain

	// BusQueueSize bounds the per-subscriber event queue.
	BusQueueSize int

	// ExpiryInterval is the expiry scanner period.
	ExpiryInterval time.Duration

	// ShutdownFlush bounds how long shutdown waits for bus queues to drain.
	ShutdownFlush time.Duration

	// RateLimit is the API request budget in requests/second; 0 disables
	// rate limiting. RateBurst is the token bucket depth.
	RateLimit float64
	RateBurst int

	WebhookURL    string
	WebhookSecret string
}

// Config defaults.
const (
	DefaultPort           = 8080
	DefaultBusQueueSize   = 1024
	DefaultExpiryInterval = 30 * time.Second
	DefaultShutdownFlush  = 5 * time.Second
	DefaultRateBurst      = 20
)

// Getenv is the environment lookup used by FromEnv; split out so tests can
// resolve against a fixture map.
type Getenv func(key string) string

// FromEnv resolves the full gateway configuration from the environment
// using the ACTIVE_NETWORKS / <CHAIN>_* variable scheme.
func FromEnv(getenv Getenv) (*Config, error) {
	cfg := &Config{
		Host:           getenv("HOST"),
		Port:           DefaultPort,
		APIKey:         getenv("API_KEY"),
		Chains:         make(map[string]*Chain),
		BusQueueSize:   DefaultBusQueueSize,
		ExpiryInterval: DefaultExpiryInterval,
		ShutdownFlush:  DefaultShutdownFlush,
		RateBurst:      DefaultRateBurst,
		WebhookURL:     getenv("WEBHOOK_URL"),
		WebhookSecret:  getenv("WEBHOOK_SECRET"),
	}
	if v := getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = p
	}
	if v := getenv("RATE_LIMIT"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT %q", v)
		}
		cfg.RateLimit = r
	}

	presets := ChainPresets()
	active := getenv("ACTIVE_NETWORKS")
	for _, id := range splitList(active) {
		preset, ok := presets[id]
		if !ok {
			return nil, fmt.Errorf("unknown network %q in ACTIVE_NETWORKS", id)
		}
		chain, err := resolveChain(preset.Copy(), getenv)
		if err != nil {
			return nil, err
		}
		cfg.Chains[id] = chain
	}
	return cfg, nil
}

// resolveChain overlays <CHAIN>_* environment variables and the cross-chain
// TARGET_USDT_AMOUNT / SENDER_ADDRESS settings on a preset.
func resolveChain(c *Chain, getenv Getenv) (*Chain, error) {
	prefix := c.ID + "_"
	c.RPCURL = getenv(prefix + "RPC_URL")
	if v := getenv(prefix + "TOKEN_CONTRACT"); v != "" {
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("chain %s: invalid token contract %q", c.ID, v)
		}
		c.TokenContract = common.HexToAddress(v)
	}
	if v := getenv(prefix + "TOKEN_DECIMALS"); v != "" {
		d, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("chain %s: invalid token decimals %q", c.ID, v)
		}
		c.TokenDecimals = uint8(d)
	}
	if v := getenv(prefix + "RECIPIENT"); v != "" {
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("chain %s: invalid recipient %q", c.ID, v)
		}
		c.Recipient = common.HexToAddress(v)
	}
	if v := getenv(prefix + "REQUIRED_CONFIRMATIONS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chain %s: invalid required confirmations %q", c.ID, v)
		}
		c.RequiredConfirmations = n
	}
	if v := getenv(prefix + "POLL_INTERVAL_MS"); v != "" {
		ms, err := strconv.ParseUint(v, 10, 64)
		if err != nil || ms == 0 {
			return nil, fmt.Errorf("chain %s: invalid poll interval %q", c.ID, v)
		}
		c.PollInterval = time.Duration(ms) * time.Millisecond
	}
	if v := getenv(prefix + "MAX_BLOCK_RANGE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chain %s: invalid max block range %q", c.ID, v)
		}
		c.MaxBlockRange = n
	}
	if v := getenv("TARGET_USDT_AMOUNT"); v != "" {
		c.TargetAmount = v
	}
	if v := getenv("SENDER_ADDRESS"); v != "" {
		for _, s := range splitList(v) {
			if !common.IsHexAddress(s) {
				return nil, fmt.Errorf("invalid SENDER_ADDRESS entry %q", s)
			}
			c.SenderAllowlist.Add(common.HexToAddress(s))
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks cross-cutting invariants of the resolved configuration.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.BusQueueSize < 1 {
		return errors.New("bus queue size must be >= 1")
	}
	if c.ExpiryInterval <= 0 || c.ExpiryInterval > 30*time.Second {
		return errors.New("expiry interval must be in (0s, 30s]")
	}
	for _, chain := range c.Chains {
		if err := chain.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ActiveNetworks returns the configured chain ids in stable order.
func (c *Config) ActiveNetworks() []string {
	ids := make([]string, 0, len(c.Chains))
	for id := range c.Chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
