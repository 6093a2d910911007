package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/anchorageoss/ledger-signer/pkg/ledger"
)

// ResolveCommand creates the resolve command
func ResolveCommand() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Fetch the device display metadata for an unsigned transaction",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "raw-tx",
				Usage:    "Serialized unsigned transaction (hex)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "nft-explorer-url",
				Usage: "Base URL of the NFT metadata service",
			},
			&cli.StringFlag{
				Name:  "plugin-url",
				Usage: "Base URL of the plugin metadata service",
			},
		},
		Action: runResolveCommand,
	}
}

func runResolveCommand(ctx context.Context, cmd *cli.Command) error {
	rt, err := newRuntime(ctx, cmd, runtimeNeeds{resolver: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.resolver == nil {
		return errors.New("no resolution service configured, set --resolution-url or RESOLUTION_URL")
	}

	var loadConfig ledger.LoadConfig
	if u := cmd.String("nft-explorer-url"); u != "" {
		loadConfig.NFTExplorerBaseURL = &u
	}
	if u := cmd.String("plugin-url"); u != "" {
		loadConfig.PluginBaseURL = &u
	}

	rawTx := strings.TrimPrefix(cmd.String("raw-tx"), "0x")
	resolution, err := rt.resolver.ResolveTransaction(ctx, rawTx, loadConfig, rt.cfg.Resolution.Flags())
	if err != nil {
		return fmt.Errorf("failed to resolve transaction: %w", err)
	}

	if err := printJSON(cmd, resolution); err != nil {
		return err
	}

	if resolution.Empty() {
		fmt.Fprintf(stderr(cmd), "⚠ No descriptors for this transaction\n")
	} else {
		fmt.Fprintf(stderr(cmd), "✓ %d ERC-20, %d NFT, %d external plugin, %d plugin descriptors\n",
			len(resolution.ERC20Tokens), len(resolution.NFTs), len(resolution.ExternalPlugin), len(resolution.Plugin))
	}
	return nil
}
