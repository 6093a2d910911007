package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/anchorageoss/ledger-signer/cmd"
	"github.com/anchorageoss/ledger-signer/config"
)

func newApp() *cli.Command {
	app := &cli.Command{
		Name:  "ledger-signer",
		Usage: "Ethereum account signer backed by a hardware device",
		Flags: cmd.GlobalFlags(),
		Commands: []*cli.Command{
			cmd.AddressCommand(),
			cmd.SignMessageCommand(),
			cmd.VerifyMessageCommand(),
			cmd.SignTxCommand(),
			cmd.ResolveCommand(),
			cmd.HistoryCommand(),
		},
	}
	if usage, err := config.Usage(); err == nil {
		app.Description = usage
	}
	return app
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
