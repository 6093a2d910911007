// Package signer adapts a hardware signing device to an Ethereum account
// signer: it returns the account address, signs personal messages and signs
// transactions, hiding the device protocol behind ledger.Eth.
//
// Every device call goes through one session, opened on first use, and a
// dispatcher that retries while the device reports a transient lock:
//
//	s, err := signer.New(signer.WithTransport("hid"), signer.WithTimeout(30*time.Second))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Close()
//
//	addr, err := s.Address(ctx)
//	sig, err := s.SignText(ctx, "hello")
//	raw, err := s.SignTransaction(ctx, signer.TransactionRequest{
//		To:      signer.Known(&to),
//		Value:   signer.Known(big.NewInt(1)),
//		ChainID: signer.Known(big.NewInt(1)),
//	})
package signer

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/anchorageoss/ledger-signer/crypto"
	"github.com/anchorageoss/ledger-signer/pkg/ledger"
)

// Journal records signed transactions. Recording the same hash again
// updates the entry.
type Journal interface {
	Record(ctx context.Context, from common.Address, tx *types.Transaction, sent bool) error
}

// Signer signs with the account at one derivation path of a device
type Signer struct {
	opts    options
	session *session
	closed  atomic.Bool
}

// New creates a Signer. The device is not contacted unless WithEagerSession is given.
func New(opts ...Option) (*Signer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return newSigner(o), nil
}

func newSigner(o options) *Signer {
	s := &Signer{opts: o}
	s.session = newSession(s.openSession)
	if o.eager {
		s.session.start(context.Background())
	}
	return s
}

// Path returns the derivation path
func (s *Signer) Path() string { return s.opts.path }

// Provider returns the attached provider, or nil
func (s *Signer) Provider() Provider { return s.opts.provider }

// Connect returns a Signer for the same path and options bound to p. It opens
// its own session.
func (s *Signer) Connect(p Provider) *Signer {
	o := s.opts
	o.provider = p
	return newSigner(o)
}

// Close releases the device connection. Later operations fail with ErrClosed.
func (s *Signer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.session.close()
}

func (s *Signer) openSession(ctx context.Context) (ledger.Transport, ledger.Eth, error) {
	lg := s.opts.logger.WithKV("transport", s.opts.transport)

	factory, ok := ledger.LookupTransport(s.opts.transport)
	if !ok {
		available := "none"
		if names := ledger.Transports(); len(names) > 0 {
			available = strings.Join(names, ", ")
		}
		return nil, nil, fmt.Errorf("%w: no %q transport registered (available: %s)", ErrTransportUnavailable, s.opts.transport, available)
	}
	transport, err := factory.Create(ctx)
	if err != nil {
		lg.Error("failed to open transport", "error", err)
		return nil, nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	eth, err := s.opts.ethFactory(transport)
	if err != nil {
		_ = transport.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	cfg, err := eth.GetAppConfiguration(ctx)
	if err != nil {
		_ = transport.Close()
		lg.Error("device probe failed", "error", err)
		return nil, nil, fmt.Errorf("failed to probe device: %w", err)
	}

	lg.Info("device session ready", "appVersion", cfg.Version)
	return transport, eth, nil
}

// Address returns the EIP-55 checksummed address of the account
func (s *Signer) Address(ctx context.Context) (common.Address, error) {
	acct, err := dispatch(ctx, s, "getAddress", func(ctx context.Context, eth ledger.Eth) (*ledger.PublicAccount, error) {
		return eth.GetAddress(ctx, s.opts.path)
	})
	if err != nil {
		return common.Address{}, err
	}
	return parseDeviceAddress(acct.Address)
}

// parseDeviceAddress accepts all-lowercase or all-uppercase hex, and mixed case
// only when it is a valid EIP-55 checksum
func parseDeviceAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("device returned invalid address %q", s)
	}
	addr := common.HexToAddress(s)
	digits := s
	if has0xPrefix(digits) {
		digits = digits[2:]
	}
	if digits != strings.ToLower(digits) && digits != strings.ToUpper(digits) && digits != addr.Hex()[2:] {
		return common.Address{}, fmt.Errorf("device returned address %q with a bad checksum", s)
	}
	return addr, nil
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// SignMessage signs message as an EIP-191 personal message and returns the
// 65 byte r || s || v signature as 0x hex
func (s *Signer) SignMessage(ctx context.Context, message []byte) (string, error) {
	messageHex := hex.EncodeToString(message)
	sig, err := dispatch(ctx, s, "signPersonalMessage", func(ctx context.Context, eth ledger.Eth) (*ledger.Signature, error) {
		return eth.SignPersonalMessage(ctx, s.opts.path, messageHex)
	})
	if err != nil {
		return "", err
	}
	return crypto.JoinSignature(*sig)
}

// SignText signs the UTF-8 bytes of text, see SignMessage
func (s *Signer) SignText(ctx context.Context, text string) (string, error) {
	return s.SignMessage(ctx, []byte(text))
}

// SignTransaction normalizes req, asks the device to sign it and returns the
// signed transaction as 0x hex
func (s *Signer) SignTransaction(ctx context.Context, req TransactionRequest) (string, error) {
	raw, _, err := s.signTransaction(ctx, req)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(raw), nil
}

func (s *Signer) signTransaction(ctx context.Context, req TransactionRequest) ([]byte, *types.Transaction, error) {
	u, err := Normalize(ctx, req, s.opts.gasPricePolicy)
	if err != nil {
		return nil, nil, err
	}
	unsigned, err := u.Serialize()
	if err != nil {
		return nil, nil, err
	}
	unsignedHex := hex.EncodeToString(unsigned)

	resolution, err := s.resolve(ctx, unsignedHex)
	if err != nil {
		return nil, nil, err
	}

	sig, err := dispatch(ctx, s, "signTransaction", func(ctx context.Context, eth ledger.Eth) (*ledger.Signature, error) {
		return eth.SignTransaction(ctx, s.opts.path, unsignedHex, resolution)
	})
	if err != nil {
		return nil, nil, err
	}
	components, err := crypto.Normalize(*sig)
	if err != nil {
		return nil, nil, fmt.Errorf("device returned unusable signature: %w", err)
	}

	raw, err := u.SerializeSigned(components)
	if err != nil {
		return nil, nil, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, nil, fmt.Errorf("failed to decode signed transaction: %w", err)
	}

	s.record(ctx, ethcrypto.Keccak256(unsigned), components, tx)
	return raw, tx, nil
}

// resolve fetches the enrichment bundle. Failures are returned unchanged.
func (s *Signer) resolve(ctx context.Context, unsignedHex string) (*ledger.Resolution, error) {
	if s.opts.resolver == nil {
		return nil, nil
	}
	resolution, err := s.opts.resolver.ResolveTransaction(ctx, unsignedHex, s.opts.loadConfig, s.opts.resolutionConfig)
	s.opts.metrics.resolution(err)
	if err != nil {
		s.opts.logger.Warn("transaction resolution failed", "error", err)
		return nil, err
	}
	if resolution != nil {
		s.opts.logger.Debug("transaction resolved",
			"erc20", len(resolution.ERC20Tokens), "nfts", len(resolution.NFTs),
			"externalPlugins", len(resolution.ExternalPlugin), "plugins", len(resolution.Plugin))
	}
	return resolution, nil
}

// record journals tx under the address recovered from its signature
func (s *Signer) record(ctx context.Context, signingHash []byte, sig *crypto.Components, tx *types.Transaction) {
	if s.opts.journal == nil {
		return
	}
	pub, err := ethcrypto.SigToPub(signingHash, sig.Bytes())
	if err != nil {
		s.opts.logger.Warn("failed to recover signer for journal", "tx", tx.Hash(), "error", err)
		return
	}
	if err := s.opts.journal.Record(ctx, ethcrypto.PubkeyToAddress(*pub), tx, false); err != nil {
		s.opts.logger.Warn("failed to journal transaction", "tx", tx.Hash(), "error", err)
	}
}

// VerifyMessage returns the address that signed message, given a canonical
// 65 byte signature as produced by SignMessage
func VerifyMessage(message []byte, signature string) (common.Address, error) {
	return crypto.VerifyPersonalSignature(message, signature)
}
