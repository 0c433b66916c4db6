package main

import (
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/stablepay/paywatch/params"
)

var chainsCommand = &cli.Command{
	Name:  "chains",
	Usage: "Print the resolved chain configuration table and exit",
	Flags: []cli.Flag{configFlag},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Chain", "Token", "Decimals", "Recipient", "Confirmations", "Poll", "Max Range"})
		for _, id := range cfg.ActiveNetworks() {
			chain := cfg.Chains[id]
			table.Append([]string{
				chain.ID,
				chain.TokenContract.Hex(),
				strconv.FormatUint(uint64(chain.TokenDecimals), 10),
				chain.Recipient.Hex(),
				strconv.FormatUint(chain.RequiredConfirmations, 10),
				chain.PollInterval.String(),
				strconv.FormatUint(chain.MaxBlockRange, 10),
			})
		}
		table.Render()
		if len(cfg.Chains) == 0 {
			defaults := params.ChainPresets()
			table = tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Available", "Chain ID", "Token", "Decimals"})
			for _, id := range []string{params.ChainBEP20, params.ChainBEP20Testnet, params.ChainPolygon, params.ChainAmoy} {
				p := defaults[id]
				table.Append([]string{p.ID, strconv.FormatUint(p.ChainID, 10), p.TokenContract.Hex(), strconv.FormatUint(uint64(p.TokenDecimals), 10)})
			}
			table.Render()
		}
		return nil
	},
}
