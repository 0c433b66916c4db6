// paywatch is the USDT payment-session gateway daemon. It watches the
// configured EVM chains for incoming token transfers, drives the session
// state machine and serves the management HTTP API.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stablepay/paywatch/api"
	"github.com/stablepay/paywatch/chainclient"
	"github.com/stablepay/paywatch/core"
	"github.com/stablepay/paywatch/eventbus"
	"github.com/stablepay/paywatch/watcher"
	"github.com/stablepay/paywatch/webhook"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file (environment variables take precedence)",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: crit, error, warn, info, debug, trace",
		Value: "info",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotated file instead of stderr",
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable metrics collection",
	}
)

func main() {
	app := &cli.App{
		Name:   "paywatch",
		Usage:  "stablecoin payment-session gateway for EVM chains",
		Flags:  []cli.Flag{configFlag, verbosityFlag, logFileFlag, metricsFlag},
		Action: run,
		Commands: []*cli.Command{
			chainsCommand,
			dumpConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setupLogging configures the root logger from the CLI flags.
func setupLogging(ctx *cli.Context) error {
	lvl, err := log.LvlFromString(ctx.String(verbosityFlag.Name))
	if err != nil {
		return err
	}
	var (
		output   io.Writer
		usecolor bool
	)
	if file := ctx.String(logFileFlag.Name); file != "" {
		output = &lumberjack.Logger{Filename: file, MaxSize: 100, MaxBackups: 10}
	} else {
		usecolor = isatty.IsTerminal(os.Stderr.Fd())
		if usecolor {
			output = colorable.NewColorableStderr()
		} else {
			output = os.Stderr
		}
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(output, log.TerminalFormat(usecolor))))
	return nil
}

func run(ctx *cli.Context) error {
	if err := setupLogging(ctx); err != nil {
		return err
	}
	if ctx.Bool(metricsFlag.Name) {
		metrics.Enabled = true
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Chains) == 0 {
		log.Warn("No active networks configured, serving API only")
	}
	if cfg.APIKey == "" {
		log.Warn("API_KEY not set, API is unauthenticated")
	}

	// Leaves first: store and bus, then the registry, then the producers
	// and consumers around it.
	store := core.NewMemoryStore()
	bus := eventbus.New(cfg.BusQueueSize)
	registry := core.NewRegistry(store, cfg.Chains, core.NewRecipientAddressSource(cfg.Chains), bus)

	var watchers []*watcher.Watcher
	for _, id := range cfg.ActiveNetworks() {
		chain := cfg.Chains[id]
		client, err := chainclient.Dial(chain.RPCURL)
		if err != nil {
			return fmt.Errorf("chain %s: dial %s: %w", id, chain.RPCURL, err)
		}
		defer client.Close()
		watchers = append(watchers, watcher.New(chain, client, registry, bus))
	}
	group := watcher.NewGroup(watchers)

	scanner := core.NewExpiryScanner(registry, cfg.ExpiryInterval)

	var hook *webhook.Dispatcher
	if cfg.WebhookURL != "" {
		hook = webhook.NewDispatcher(cfg.WebhookURL, cfg.WebhookSecret, bus)
		hook.Start()
	}

	server := api.NewServer(api.Config{
		Host:      cfg.Host,
		Port:      cfg.Port,
		APIKey:    cfg.APIKey,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}, registry, group, bus)
	if err := server.Start(); err != nil {
		return err
	}

	group.Start(context.Background())
	scanner.Start()
	log.Info("Gateway up", "networks", cfg.ActiveNetworks(), "port", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down")

	// Producers first so no new events enter the pipeline, then drain the
	// bus for the remaining consumers, then tear the consumers down.
	group.Stop()
	scanner.Stop()
	if !bus.Flush(cfg.ShutdownFlush) {
		log.Warn("Event queues not fully drained before deadline")
	}
	server.Stop(cfg.ShutdownFlush)
	bus.Close()
	if hook != nil {
		hook.Stop()
	}
	log.Info("Bye")
	return nil
}
