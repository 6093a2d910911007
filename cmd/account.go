package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/anchorageoss/ledger-signer/signer"
)

// AddressCommand creates the address command
func AddressCommand() *cli.Command {
	return &cli.Command{
		Name:   "address",
		Usage:  "Print the checksummed address of the device account",
		Action: runAddressCommand,
	}
}

func runAddressCommand(ctx context.Context, cmd *cli.Command) error {
	rt, err := newRuntime(ctx, cmd, runtimeNeeds{signer: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	addr, err := rt.signer.Address(ctx)
	if err != nil {
		return fmt.Errorf("failed to get address: %w", err)
	}

	fmt.Fprintln(stdout(cmd), addr.Hex())
	fmt.Fprintf(stderr(cmd), "✓ Account %s at %s\n", addr.Hex(), rt.signer.Path())
	return nil
}

func messageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "message",
			Usage: "Message text (UTF-8)",
		},
		&cli.StringFlag{
			Name:  "hex",
			Usage: "Message bytes as 0x hex",
		},
	}
}

// SignMessageCommand creates the sign-message command
func SignMessageCommand() *cli.Command {
	return &cli.Command{
		Name:   "sign-message",
		Usage:  "Sign an EIP-191 personal message and print the 65 byte signature",
		Flags:  messageFlags(),
		Action: runSignMessageCommand,
	}
}

func runSignMessageCommand(ctx context.Context, cmd *cli.Command) error {
	message, err := messageBytes(cmd)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cmd, runtimeNeeds{signer: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Fprintf(stderr(cmd), "Confirm the message on the device...\n")
	sig, err := rt.signer.SignMessage(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}

	fmt.Fprintln(stdout(cmd), sig)
	return nil
}

// VerifyMessageCommand creates the verify-message command. It runs offline.
func VerifyMessageCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify-message",
		Usage: "Recover the signer of a personal message signature",
		Flags: append(messageFlags(),
			&cli.StringFlag{
				Name:     "signature",
				Usage:    "65 byte signature as 0x hex",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "Expected signer; the command fails when the recovered address differs",
			},
		),
		Action: runVerifyMessageCommand,
	}
}

func runVerifyMessageCommand(ctx context.Context, cmd *cli.Command) error {
	message, err := messageBytes(cmd)
	if err != nil {
		return err
	}

	recovered, err := signer.VerifyMessage(message, cmd.String("signature"))
	if err != nil {
		return fmt.Errorf("failed to verify signature: %w", err)
	}
	fmt.Fprintln(stdout(cmd), recovered.Hex())

	if expected := cmd.String("address"); expected != "" {
		want, err := parseAddress(expected)
		if err != nil {
			return err
		}
		if want != recovered {
			return fmt.Errorf("signature was made by %s, not %s", recovered.Hex(), want.Hex())
		}
		fmt.Fprintf(stderr(cmd), "✓ Signature matches %s\n", want.Hex())
	}
	return nil
}
