package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/anchorageoss/ledger-signer/journal"
)

// HistoryCommand creates the history command
func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List journaled transactions, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of entries, 0 for all",
				Value: 20,
			},
			&cli.StringFlag{
				Name:  "from",
				Usage: "Only transactions signed by this address",
			},
			&cli.BoolFlag{
				Name:  "sent",
				Usage: "Only broadcast transactions",
			},
		},
		Action: runHistoryCommand,
	}
}

func runHistoryCommand(ctx context.Context, cmd *cli.Command) error {
	filter := journal.Filter{
		Limit:    cmd.Int("limit"),
		SentOnly: cmd.Bool("sent"),
	}
	if from := cmd.String("from"); from != "" {
		addr, err := parseAddress(from)
		if err != nil {
			return err
		}
		filter.From = &addr
	}

	rt, err := newRuntime(ctx, cmd, runtimeNeeds{journal: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.journal.List(ctx, filter)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []journal.Entry{}
	}

	if err := printJSON(cmd, entries); err != nil {
		return err
	}
	fmt.Fprintf(stderr(cmd), "✓ %d transactions\n", len(entries))
	return nil
}
