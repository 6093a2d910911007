package signer

import (
	"context"
	"math"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/anchorageoss/ledger-signer/pkg/ledger"
)

// Well known BIP-39 test mnemonic (NOT FOR PRODUCTION USE)
const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testAddress  = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
)

const lockedForever = math.MaxInt

var fakeSignature = ledger.Signature{
	V: "1b",
	R: strings.Repeat("11", 32),
	S: strings.Repeat("22", 32),
}

// fakeDevice is a scripted Eth. Calls fail with a locked error while locked is
// positive, then return err.
type fakeDevice struct {
	mu       sync.Mutex
	address  string
	locked   int
	err      error
	probeErr error
	block    chan struct{}
	txSig    *ledger.Signature

	calls       map[string]int
	txs         []string
	resolutions []*ledger.Resolution
	closed      bool
}

var (
	_ ledger.Eth       = (*fakeDevice)(nil)
	_ ledger.Transport = (*fakeDevice)(nil)
)

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		address: strings.ToLower(testAddress),
		calls:   map[string]int{},
	}
}

func (d *fakeDevice) enter(ctx context.Context, op string) error {
	d.mu.Lock()
	d.calls[op]++
	block := d.block
	locked := d.locked > 0
	if locked && d.locked != lockedForever {
		d.locked--
	}
	err := d.err
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if locked {
		return ledger.ErrTransportLocked
	}
	return err
}

func (d *fakeDevice) count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDevice) GetAppConfiguration(ctx context.Context) (*ledger.AppConfiguration, error) {
	d.mu.Lock()
	d.calls["probe"]++
	err := d.probeErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &ledger.AppConfiguration{Version: "test"}, nil
}

func (d *fakeDevice) GetAddress(ctx context.Context, path string) (*ledger.PublicAccount, error) {
	if err := d.enter(ctx, "getAddress"); err != nil {
		return nil, err
	}
	return &ledger.PublicAccount{Address: d.address}, nil
}

func (d *fakeDevice) SignPersonalMessage(ctx context.Context, path string, messageHex string) (*ledger.Signature, error) {
	if err := d.enter(ctx, "signPersonalMessage"); err != nil {
		return nil, err
	}
	sig := fakeSignature
	return &sig, nil
}

func (d *fakeDevice) SignTransaction(ctx context.Context, path string, rawTxHex string, resolution *ledger.Resolution) (*ledger.Signature, error) {
	if err := d.enter(ctx, "signTransaction"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txs = append(d.txs, rawTxHex)
	d.resolutions = append(d.resolutions, resolution)
	sig := fakeSignature
	if d.txSig != nil {
		sig = *d.txSig
	}
	return &sig, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// fakeFactory hands out one device and counts how often it was asked to
type fakeFactory struct {
	mu      sync.Mutex
	device  ledger.Transport
	err     error
	gate    chan struct{}
	creates int
}

func (f *fakeFactory) Create(ctx context.Context) (ledger.Transport, error) {
	f.mu.Lock()
	f.creates++
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.device, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type staticMnemonic string

func (m staticMnemonic) GetMnemonic(context.Context) (string, string, error) {
	return string(m), "", nil
}

// registerTransport registers f under a name unique to the test
func registerTransport(t *testing.T, f ledger.TransportFactory) string {
	t.Helper()
	name := "test-" + strings.ReplaceAll(t.Name(), "/", "-")
	ledger.RegisterTransport(name, f)
	t.Cleanup(func() { ledger.RegisterTransport(name, nil) })
	return name
}

func newTestSigner(t *testing.T, f ledger.TransportFactory, opts ...Option) *Signer {
	t.Helper()
	base := []Option{
		WithTransport(registerTransport(t, f)),
		WithRetryPolicy(time.Millisecond, 5),
	}
	s, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFakeSigner(t *testing.T, opts ...Option) (*Signer, *fakeDevice, *fakeFactory) {
	t.Helper()
	d := newFakeDevice()
	f := &fakeFactory{device: d}
	return newTestSigner(t, f, opts...), d, f
}

func newSoftSigner(t *testing.T, opts ...Option) *Signer {
	t.Helper()
	return newTestSigner(t, &ledger.SoftTransportFactory{Mnemonics: staticMnemonic(testMnemonic)}, opts...)
}

type fakeResolver struct {
	mu         sync.Mutex
	resolution *ledger.Resolution
	err        error
	raw        []string
	configs    []ledger.ResolutionConfig
}

func (r *fakeResolver) ResolveTransaction(ctx context.Context, rawTxHex string, _ ledger.LoadConfig, rc ledger.ResolutionConfig) (*ledger.Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw = append(r.raw, rawTxHex)
	r.configs = append(r.configs, rc)
	return r.resolution, r.err
}

type journalEntry struct {
	from common.Address
	hash common.Hash
	sent bool
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journalEntry
}

func (j *fakeJournal) Record(_ context.Context, from common.Address, tx *types.Transaction, sent bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, journalEntry{from: from, hash: tx.Hash(), sent: sent})
	return nil
}

func (j *fakeJournal) list() []journalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journalEntry(nil), j.entries...)
}

// fakeProvider answers chain queries from fixed values. A nil baseFee makes
// the chain pre-London.
type fakeProvider struct {
	mu       sync.Mutex
	chainID  *big.Int
	nonce    uint64
	gasPrice *big.Int
	tip      *big.Int
	baseFee  *big.Int
	gas      uint64
	sendErr  error

	estimates []ethereum.CallMsg
	sent      []*types.Transaction
}

var _ Provider = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		chainID:  big.NewInt(1),
		nonce:    7,
		gasPrice: big.NewInt(20_000_000_000),
		tip:      big.NewInt(1_000_000_000),
		baseFee:  big.NewInt(10_000_000_000),
		gas:      21000,
	}
}

func (p *fakeProvider) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(p.chainID), nil
}

func (p *fakeProvider) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return p.nonce, nil
}

func (p *fakeProvider) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(p.gasPrice), nil
}

func (p *fakeProvider) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(p.tip), nil
}

func (p *fakeProvider) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.estimates = append(p.estimates, msg)
	return p.gas, nil
}

func (p *fakeProvider) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	h := &types.Header{Number: big.NewInt(100)}
	if p.baseFee != nil {
		h.BaseFee = new(big.Int).Set(p.baseFee)
	}
	return h, nil
}

func (p *fakeProvider) SendTransaction(_ context.Context, tx *types.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, tx)
	return nil
}
