package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/anchorageoss/ledger-signer/api"
	"github.com/anchorageoss/ledger-signer/journal"
	"github.com/anchorageoss/ledger-signer/pkg/ledger"
	"github.com/anchorageoss/ledger-signer/signer"
)

// Well known BIP-39 test mnemonic (NOT FOR PRODUCTION USE)
const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testAddress  = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	testTo       = "0x3535353535353535353535353535353535353535"
)

type testApp struct {
	out    bytes.Buffer
	errOut bytes.Buffer
	dir    string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.mnemonic"), []byte(testMnemonic+"\n"), 0o600))
	return &testApp{dir: dir}
}

// run executes the CLI with the soft transport and a private key directory
func (a *testApp) run(args ...string) error {
	a.out.Reset()
	a.errOut.Reset()
	app := &cli.Command{
		Name:  "ledger-signer",
		Flags: GlobalFlags(),
		Commands: []*cli.Command{
			AddressCommand(),
			SignMessageCommand(),
			VerifyMessageCommand(),
			SignTxCommand(),
			ResolveCommand(),
			HistoryCommand(),
		},
		Writer:    &a.out,
		ErrWriter: &a.errOut,
	}
	base := []string{
		"ledger-signer",
		"--env-file", filepath.Join(a.dir, "missing.env"),
		"--transport", ledger.SoftTransport,
		"--key-dir", a.dir,
		"--key-name", "test",
		"--log-level", "error",
	}
	return app.Run(context.Background(), append(base, args...))
}

func (a *testApp) stdout() string {
	return strings.TrimSpace(a.out.String())
}

func TestCommands(t *testing.T) {
	tests := []struct {
		cmd      *cli.Command
		name     string
		required []string
		optional []string
	}{
		{cmd: AddressCommand(), name: "address"},
		{cmd: SignMessageCommand(), name: "sign-message", optional: []string{"message", "hex"}},
		{cmd: VerifyMessageCommand(), name: "verify-message", required: []string{"signature"}, optional: []string{"message", "hex", "address"}},
		{cmd: SignTxCommand(), name: "sign-tx", optional: []string{"to", "value", "data", "nonce", "gas-limit", "gas-price", "max-fee", "max-priority-fee", "chain-id", "type", "send"}},
		{cmd: ResolveCommand(), name: "resolve", required: []string{"raw-tx"}},
		{cmd: HistoryCommand(), name: "history", optional: []string{"limit", "from", "sent"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.cmd)
			require.Equal(t, tt.name, tt.cmd.Name)
			require.NotEmpty(t, tt.cmd.Usage)
			require.NotNil(t, tt.cmd.Action)

			flags := map[string]cli.Flag{}
			for _, f := range tt.cmd.Flags {
				flags[f.Names()[0]] = f
			}
			for _, name := range tt.required {
				f, ok := flags[name].(*cli.StringFlag)
				require.True(t, ok, "missing --%s", name)
				require.True(t, f.Required, "--%s should be required", name)
			}
			for _, name := range tt.optional {
				require.Contains(t, flags, name)
			}
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	var names []string
	for _, f := range GlobalFlags() {
		names = append(names, f.Names()[0])
	}
	for _, want := range []string{"transport", "path", "timeout", "key-name", "resolution-url", "rpc-url", "journal", "log-level"} {
		assert.Contains(t, names, want)
	}
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int32
		want     string
		wantErr  string
	}{
		{amount: "1", decimals: 18, want: "1000000000000000000"},
		{amount: "0.25", decimals: 18, want: "250000000000000000"},
		{amount: " 1.5 ", decimals: 9, want: "1500000000"},
		{amount: "0", decimals: 18, want: "0"},
		{amount: "0.000000000000000001", decimals: 18, want: "1"},
		{amount: "0.0000000001", decimals: 9, wantErr: "more than 9 decimals"},
		{amount: "-1", decimals: 18, wantErr: "negative"},
		{amount: "abc", decimals: 18, wantErr: "invalid amount"},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ParseUnits(tt.amount, tt.decimals)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	assert.Equal(t, "1.5", FormatUnits(big.NewInt(1_500_000_000_000_000_000), etherDecimals))
	assert.Equal(t, "0", FormatUnits(nil, etherDecimals))
}

func parseSignTx(t *testing.T, args ...string) (signer.TransactionRequest, error) {
	t.Helper()
	var (
		req      signer.TransactionRequest
		buildErr error
	)
	c := SignTxCommand()
	c.Action = func(_ context.Context, cmd *cli.Command) error {
		req, buildErr = buildRequest(cmd)
		return nil
	}
	require.NoError(t, c.Run(context.Background(), append([]string{"sign-tx"}, args...)))
	return req, buildErr
}

func TestBuildRequest(t *testing.T) {
	ctx := context.Background()

	req, err := parseSignTx(t, "--to", testTo, "--value", "0.5", "--nonce", "3", "--max-fee", "30", "--max-priority-fee", "1.5", "--type", "2", "--data", "0xabcd")
	require.NoError(t, err)

	to, _, _ := req.To.Resolve(ctx)
	assert.Equal(t, common.HexToAddress(testTo), *to)
	value, _, _ := req.Value.Resolve(ctx)
	assert.Equal(t, "500000000000000000", value.String())
	nonce, _, _ := req.Nonce.Resolve(ctx)
	assert.Equal(t, int64(3), nonce.Int64())
	maxFee, _, _ := req.MaxFeePerGas.Resolve(ctx)
	assert.Equal(t, "30000000000", maxFee.String())
	tip, _, _ := req.MaxPriorityFeePerGas.Resolve(ctx)
	assert.Equal(t, "1500000000", tip.String())
	typ, _, _ := req.Type.Resolve(ctx)
	assert.Equal(t, uint8(2), typ)
	data, _, _ := req.Data.Resolve(ctx)
	assert.Equal(t, []byte{0xab, 0xcd}, data)

	assert.False(t, req.GasLimit.IsSet())
	assert.False(t, req.GasPrice.IsSet())
	assert.False(t, req.ChainID.IsSet())

	for _, tc := range []struct {
		args []string
		want string
	}{
		{args: []string{"--to", "0x1234"}, want: "invalid address"},
		{args: []string{"--value", "1e-30"}, want: "--value"},
		{args: []string{"--data", "abcd"}, want: "--data"},
		{args: []string{"--gas-price", "x"}, want: "--gas-price"},
		{args: []string{"--type", "3"}, want: "unsupported transaction type"},
	} {
		_, err := parseSignTx(t, tc.args...)
		assert.ErrorContains(t, err, tc.want, "args %v", tc.args)
	}
}

func TestAddressCommand(t *testing.T) {
	app := newTestApp(t)
	metricsFile := filepath.Join(app.dir, "metrics.prom")

	require.NoError(t, app.run("--metrics-file", metricsFile, "address"))
	assert.Equal(t, testAddress, app.stdout())

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `ledger_signer_device_attempts_total{op="getAddress"} 1`)
}

func TestAddressCommandUnknownKey(t *testing.T) {
	app := newTestApp(t)
	err := app.run("--key-name", "missing", "address")
	assert.ErrorIs(t, err, signer.ErrTransportUnavailable)
}

func TestAddressCommandMissingTransport(t *testing.T) {
	app := newTestApp(t)
	err := app.run("--transport", ledger.DefaultTransport, "address")
	require.ErrorIs(t, err, signer.ErrTransportUnavailable)
	assert.ErrorContains(t, err, "--transport soft")
	assert.Empty(t, app.stdout())
}

func TestSignAndVerifyMessage(t *testing.T) {
	app := newTestApp(t)

	require.NoError(t, app.run("sign-message", "--message", "hello ledger"))
	sig := app.stdout()
	assert.Len(t, sig, 132)

	require.NoError(t, app.run("verify-message", "--message", "hello ledger", "--signature", sig, "--address", testAddress))
	assert.Equal(t, testAddress, app.stdout())

	err := app.run("verify-message", "--message", "other", "--signature", sig, "--address", testAddress)
	assert.ErrorContains(t, err, "not "+testAddress)

	require.NoError(t, app.run("sign-message", "--hex", "0x00ff"))
	require.NoError(t, app.run("verify-message", "--hex", "0x00ff", "--signature", app.stdout(), "--address", testAddress))
}

func TestVerifyMessageOffline(t *testing.T) {
	key, err := ethcrypto.HexToECDSA("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte("offline")), key)
	require.NoError(t, err)
	sig[64] += 27

	app := newTestApp(t)
	// the transport is never opened
	require.NoError(t, app.run("--transport", "none", "verify-message", "--message", "offline", "--signature", hexutil.Encode(sig)))
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), app.stdout())
}

func TestMessageFlagsExclusive(t *testing.T) {
	app := newTestApp(t)
	assert.ErrorContains(t, app.run("sign-message"), "either --message or --hex")
	assert.ErrorContains(t, app.run("sign-message", "--message", "a", "--hex", "0x01"), "only one of")
}

func TestSignTxCommand(t *testing.T) {
	app := newTestApp(t)
	journalPath := filepath.Join(app.dir, "journal.db")

	require.NoError(t, app.run("--journal", journalPath, "sign-tx",
		"--to", testTo, "--value", "0.5", "--nonce", "1", "--gas-limit", "21000", "--gas-price", "2", "--chain-id", "1"))

	raw, err := hexutil.Decode(app.stdout())
	require.NoError(t, err)
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(raw))

	assert.Equal(t, "500000000000000000", tx.Value().String())
	assert.Equal(t, "2000000000", tx.GasPrice().String())
	assert.Equal(t, uint64(1), tx.Nonce())
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, testAddress, from.Hex())

	require.NoError(t, app.run("--journal", journalPath, "history"))
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal(app.out.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, tx.Hash().Hex(), entries[0].Hash)
	assert.False(t, entries[0].Sent)

	require.NoError(t, app.run("--journal", journalPath, "history", "--sent"))
	assert.Equal(t, "[]", app.stdout())
}

func TestSignTxSendNeedsProvider(t *testing.T) {
	app := newTestApp(t)
	err := app.run("sign-tx", "--to", testTo, "--send")
	assert.ErrorContains(t, err, "--send needs --rpc-url")
}

func TestHistoryNeedsJournal(t *testing.T) {
	app := newTestApp(t)
	assert.ErrorContains(t, app.run("history"), "no journal configured")
}

func TestResolveCommand(t *testing.T) {
	var got api.ResolveTransactionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, api.ResolvePath, r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(api.ResolveTransactionResponse{
			Resolution: &ledger.Resolution{ERC20Tokens: []string{"aa"}, NFTs: []string{}, Plugin: []string{}},
		})
	}))
	defer server.Close()

	app := newTestApp(t)
	require.NoError(t, app.run("--resolution-url", server.URL, "resolve", "--raw-tx", "0xe880", "--plugin-url", "https://plugins.example"))

	assert.Equal(t, "e880", got.RawTx)
	require.NotNil(t, got.LoadConfig.PluginBaseURL)
	assert.Equal(t, "https://plugins.example", *got.LoadConfig.PluginBaseURL)
	assert.True(t, got.ResolutionConfig.ERC20)

	var res ledger.Resolution
	require.NoError(t, json.Unmarshal(app.out.Bytes(), &res))
	assert.Equal(t, []string{"aa"}, res.ERC20Tokens)

	assert.ErrorContains(t, newTestApp(t).run("resolve", "--raw-tx", "0x01"), "no resolution service configured")
}
