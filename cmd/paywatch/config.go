package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/stablepay/paywatch/params"
)

// fileConfig is the TOML schema of --config. Field values feed the same
// resolver as the environment; real environment variables win on conflict.
type fileConfig struct {
	Host           string
	Port           int
	APIKey         string
	RateLimit      float64
	WebhookURL     string
	WebhookSecret  string
	TargetAmount   string
	SenderAddress  string
	ActiveNetworks []string
	Chains         map[string]chainFileConfig
}

type chainFileConfig struct {
	RPCURL                string
	TokenContract         string
	TokenDecimals         *uint8
	Recipient             string
	RequiredConfirmations uint64
	PollIntervalMs        uint64
	MaxBlockRange         uint64
}

// loadConfig resolves the gateway configuration from the optional config
// file overlaid by the process environment.
func loadConfig(ctx *cli.Context) (*params.Config, error) {
	fileEnv := map[string]string{}
	if path := ctx.String(configFlag.Name); path != "" {
		var err error
		if fileEnv, err = readConfigFile(path); err != nil {
			return nil, err
		}
	}
	getenv := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fileEnv[key]
	}
	return params.FromEnv(getenv)
}

// readConfigFile flattens a TOML config into the environment variable
// namespace of params.FromEnv.
func readConfigFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var fc fileConfig
	if err := toml.NewDecoder(f).Decode(&fc); err != nil {
		return nil, fmt.Errorf("config file %s: %v", path, err)
	}

	env := map[string]string{}
	set := func(key, val string) {
		if val != "" {
			env[key] = val
		}
	}
	set("HOST", fc.Host)
	if fc.Port != 0 {
		set("PORT", strconv.Itoa(fc.Port))
	}
	set("API_KEY", fc.APIKey)
	if fc.RateLimit != 0 {
		set("RATE_LIMIT", strconv.FormatFloat(fc.RateLimit, 'f', -1, 64))
	}
	set("WEBHOOK_URL", fc.WebhookURL)
	set("WEBHOOK_SECRET", fc.WebhookSecret)
	set("TARGET_USDT_AMOUNT", fc.TargetAmount)
	set("SENDER_ADDRESS", fc.SenderAddress)
	set("ACTIVE_NETWORKS", strings.Join(fc.ActiveNetworks, ","))
	for id, cc := range fc.Chains {
		prefix := strings.ToUpper(id) + "_"
		set(prefix+"RPC_URL", cc.RPCURL)
		set(prefix+"TOKEN_CONTRACT", cc.TokenContract)
		if cc.TokenDecimals != nil {
			set(prefix+"TOKEN_DECIMALS", strconv.FormatUint(uint64(*cc.TokenDecimals), 10))
		}
		set(prefix+"RECIPIENT", cc.Recipient)
		if cc.RequiredConfirmations != 0 {
			set(prefix+"REQUIRED_CONFIRMATIONS", strconv.FormatUint(cc.RequiredConfirmations, 10))
		}
		if cc.PollIntervalMs != 0 {
			set(prefix+"POLL_INTERVAL_MS", strconv.FormatUint(cc.PollIntervalMs, 10))
		}
		if cc.MaxBlockRange != 0 {
			set(prefix+"MAX_BLOCK_RANGE", strconv.FormatUint(cc.MaxBlockRange, 10))
		}
	}
	return env, nil
}

var dumpConfigCommand = &cli.Command{
	Name:  "dumpconfig",
	Usage: "Print the resolved configuration as TOML and exit",
	Flags: []cli.Flag{configFlag},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		out := fileConfig{
			Host:           cfg.Host,
			Port:           cfg.Port,
			RateLimit:      cfg.RateLimit,
			WebhookURL:     cfg.WebhookURL,
			ActiveNetworks: cfg.ActiveNetworks(),
			Chains:         map[string]chainFileConfig{},
		}
		// Secrets are deliberately omitted from the dump.
		for id, chain := range cfg.Chains {
			decimals := chain.TokenDecimals
			out.Chains[id] = chainFileConfig{
				RPCURL:                chain.RPCURL,
				TokenContract:         chain.TokenContract.Hex(),
				TokenDecimals:         &decimals,
				Recipient:             chain.Recipient.Hex(),
				RequiredConfirmations: chain.RequiredConfirmations,
				PollIntervalMs:        uint64(chain.PollInterval.Milliseconds()),
				MaxBlockRange:         chain.MaxBlockRange,
			}
		}
		return toml.NewEncoder(os.Stdout).Encode(out)
	},
}
