package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/urfave/cli/v3"

	"github.com/anchorageoss/ledger-signer/signer"
)

// SignTxCommand creates the sign-tx command
func SignTxCommand() *cli.Command {
	return &cli.Command{
		Name:  "sign-tx",
		Usage: "Sign a transaction and print it as raw hex",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "to",
				Usage: "Recipient address; omit to create a contract",
			},
			&cli.StringFlag{
				Name:  "value",
				Usage: "Amount in ether, e.g. 0.25",
				Value: "0",
			},
			&cli.StringFlag{
				Name:  "data",
				Usage: "Call data as 0x hex",
			},
			&cli.Uint64Flag{
				Name:  "nonce",
				Usage: "Account nonce (fetched from --rpc-url when omitted)",
			},
			&cli.Uint64Flag{
				Name:  "gas-limit",
				Usage: "Gas limit (estimated through --rpc-url when omitted)",
			},
			&cli.StringFlag{
				Name:  "gas-price",
				Usage: "Gas price in gwei",
			},
			&cli.StringFlag{
				Name:  "max-fee",
				Usage: "Max fee per gas in gwei",
			},
			&cli.StringFlag{
				Name:  "max-priority-fee",
				Usage: "Max priority fee per gas in gwei",
			},
			&cli.Uint64Flag{
				Name:  "chain-id",
				Usage: "Chain id (taken from --rpc-url when omitted)",
			},
			&cli.Uint64Flag{
				Name:  "type",
				Usage: "Transaction type: 0 legacy, 1 access list, 2 fee market",
			},
			&cli.BoolFlag{
				Name:  "send",
				Usage: "Broadcast the signed transaction through --rpc-url",
			},
		},
		Action: runSignTxCommand,
	}
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// buildRequest turns sign-tx flags into a transaction request. Flags left
// unset stay absent so a provider can fill them in.
func buildRequest(cmd *cli.Command) (signer.TransactionRequest, error) {
	var req signer.TransactionRequest

	if to := cmd.String("to"); to != "" {
		addr, err := parseAddress(to)
		if err != nil {
			return req, err
		}
		req.To = signer.Known(&addr)
	}

	value, err := ParseUnits(cmd.String("value"), etherDecimals)
	if err != nil {
		return req, fmt.Errorf("--value: %w", err)
	}
	req.Value = signer.Known(value)

	if data := cmd.String("data"); data != "" {
		b, err := hexutil.Decode(data)
		if err != nil {
			return req, fmt.Errorf("--data: %w", err)
		}
		req.Data = signer.Known(b)
	}

	for _, f := range []struct {
		flag string
		dst  *signer.Field[*big.Int]
	}{
		{"nonce", &req.Nonce},
		{"gas-limit", &req.GasLimit},
		{"chain-id", &req.ChainID},
	} {
		if cmd.IsSet(f.flag) {
			*f.dst = signer.Known(new(big.Int).SetUint64(cmd.Uint64(f.flag)))
		}
	}

	for _, f := range []struct {
		flag string
		dst  *signer.Field[*big.Int]
	}{
		{"gas-price", &req.GasPrice},
		{"max-fee", &req.MaxFeePerGas},
		{"max-priority-fee", &req.MaxPriorityFeePerGas},
	} {
		if !cmd.IsSet(f.flag) {
			continue
		}
		wei, err := ParseUnits(cmd.String(f.flag), gweiDecimals)
		if err != nil {
			return req, fmt.Errorf("--%s: %w", f.flag, err)
		}
		*f.dst = signer.Known(wei)
	}

	if cmd.IsSet("type") {
		typ := cmd.Uint64("type")
		if typ > types.DynamicFeeTxType {
			return req, fmt.Errorf("--type: %w: %d", signer.ErrUnsupportedType, typ)
		}
		req.Type = signer.Known(uint8(typ))
	}
	return req, nil
}

func runSignTxCommand(ctx context.Context, cmd *cli.Command) error {
	req, err := buildRequest(cmd)
	if err != nil {
		return err
	}
	send := cmd.Bool("send")

	rt, err := newRuntime(ctx, cmd, runtimeNeeds{signer: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	if send {
		if rt.provider == nil {
			return errors.New("--send needs --rpc-url or RPC_URL")
		}
		fmt.Fprintf(stderr(cmd), "Confirm the transaction on the device...\n")
		tx, err := rt.signer.SendTransaction(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to send transaction: %w", err)
		}
		raw, err := tx.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode transaction: %w", err)
		}
		fmt.Fprintln(stdout(cmd), hexutil.Encode(raw))
		fmt.Fprintf(stderr(cmd), "✓ Sent %s (nonce %d, %s ether)\n", tx.Hash().Hex(), tx.Nonce(), FormatUnits(tx.Value(), etherDecimals))
		return nil
	}

	if rt.provider != nil {
		if req, err = rt.signer.PopulateTransaction(ctx, req); err != nil {
			return fmt.Errorf("failed to populate transaction: %w", err)
		}
	}

	fmt.Fprintf(stderr(cmd), "Confirm the transaction on the device...\n")
	signed, err := rt.signer.SignTransaction(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}

	fmt.Fprintln(stdout(cmd), signed)
	fmt.Fprintf(stderr(cmd), "✓ Transaction signed (%d bytes)\n", (len(signed)-2)/2)
	return nil
}
