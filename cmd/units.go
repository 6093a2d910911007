package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"
)

const (
	etherDecimals = 18
	gweiDecimals  = 9
)

// ParseUnits converts a decimal amount such as "1.5" into its integer base
// unit value with the given number of decimals
//
// Example: ParseUnits("1.5", 18) returns 1500000000000000000
func ParseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", amount)
	}
	base := d.Shift(decimals)
	if !base.IsInteger() {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", amount, decimals)
	}
	return base.BigInt(), nil
}

// FormatUnits renders a base unit value with the given number of decimals
func FormatUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// messageBytes reads the message from --message or --hex, exactly one of which must be set
func messageBytes(cmd *cli.Command) ([]byte, error) {
	text := cmd.String("message")
	hexMsg := cmd.String("hex")

	if !cmd.IsSet("message") && hexMsg == "" {
		return nil, fmt.Errorf("either --message or --hex must be provided")
	}
	if cmd.IsSet("message") && hexMsg != "" {
		return nil, fmt.Errorf("only one of --message or --hex should be provided")
	}
	if hexMsg != "" {
		b, err := hexutil.Decode(hexMsg)
		if err != nil {
			return nil, fmt.Errorf("invalid --hex message: %w", err)
		}
		return b, nil
	}
	return []byte(text), nil
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stderr(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

func printJSON(cmd *cli.Command, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(stdout(cmd), string(output))
	return nil
}
