package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/tyler-smith/go-bip39"
)

// SoftTransport is the transport kind served by SoftTransportFactory
const SoftTransport = "soft"

// softAppVersion is reported by the configuration probe
const softAppVersion = "1.10.3"

var errInvalidData = &Error{ID: "InvalidData", Message: "invalid data", StatusCode: 0x6a80, Class: Terminal}

var (
	_ Eth       = (*SoftDevice)(nil)
	_ Transport = (*SoftDevice)(nil)
)

// SoftDevice is a pure Go stand-in for a device, deriving keys from a BIP-39
// mnemonic. It answers like the Ethereum application: addresses are lower case,
// legacy transaction signatures carry the EIP-155 v value and typed transaction
// signatures carry the y parity.
//
// It holds key material in process memory and is meant for development and tests.
type SoftDevice struct {
	mu     sync.Mutex
	master *hdkeychain.ExtendedKey
	closed bool
}

// NewSoftDevice creates a software device from a mnemonic and optional passphrase
func NewSoftDevice(mnemonic, passphrase string) (*SoftDevice, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("ledger: invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to create master key: %w", err)
	}
	return &SoftDevice{master: master}, nil
}

// GetAppConfiguration implements Eth
func (d *SoftDevice) GetAppConfiguration(ctx context.Context) (*AppConfiguration, error) {
	if err := d.ready(ctx); err != nil {
		return nil, err
	}
	return &AppConfiguration{ArbitraryDataEnabled: 1, Version: softAppVersion}, nil
}

// GetAddress implements Eth
func (d *SoftDevice) GetAddress(ctx context.Context, path string) (*PublicAccount, error) {
	key, err := d.key(ctx, path)
	if err != nil {
		return nil, err
	}
	return &PublicAccount{
		PublicKey: hex.EncodeToString(crypto.FromECDSAPub(&key.PublicKey)),
		Address:   strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}, nil
}

// SignPersonalMessage implements Eth
func (d *SoftDevice) SignPersonalMessage(ctx context.Context, path string, messageHex string) (*Signature, error) {
	message, err := hex.DecodeString(messageHex)
	if err != nil {
		return nil, &Error{ID: errInvalidData.ID, Message: "invalid message hex", StatusCode: errInvalidData.StatusCode, Err: err}
	}
	key, err := d.key(ctx, path)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to sign message: %w", err)
	}
	return splitSignature(sig, big.NewInt(int64(sig[64])+27)), nil
}

// SignTransaction implements Eth. The resolution is accepted and ignored.
func (d *SoftDevice) SignTransaction(ctx context.Context, path string, rawTxHex string, resolution *Resolution) (*Signature, error) {
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil || len(raw) == 0 {
		return nil, &Error{ID: errInvalidData.ID, Message: "invalid transaction hex", StatusCode: errInvalidData.StatusCode, Err: err}
	}
	v, err := signatureBase(raw)
	if err != nil {
		return nil, err
	}
	key, err := d.key(ctx, path)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(crypto.Keccak256(raw), key)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to sign transaction: %w", err)
	}
	return splitSignature(sig, v.Add(v, big.NewInt(int64(sig[64])))), nil
}

// Close wipes the master key reference. Further calls fail with ErrDeviceClosed.
func (d *SoftDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.master = nil
	d.closed = true
	return nil
}

func (d *SoftDevice) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	return nil
}

func (d *SoftDevice) key(ctx context.Context, path string) (*ecdsa.PrivateKey, error) {
	if err := d.ready(ctx); err != nil {
		return nil, err
	}
	components, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, &Error{ID: errInvalidData.ID, Message: "invalid derivation path", StatusCode: errInvalidData.StatusCode, Err: err}
	}

	d.mu.Lock()
	k := d.master
	d.mu.Unlock()
	if k == nil {
		return nil, ErrDeviceClosed
	}
	for _, c := range components {
		if k, err = k.Derive(c); err != nil {
			return nil, fmt.Errorf("ledger: failed to derive %s: %w", path, err)
		}
	}
	priv, err := k.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to extract private key: %w", err)
	}
	return priv.ToECDSA(), nil
}

// signatureBase returns the value the recovery id is added to: 0 for typed
// transactions, 35+2*chainId for EIP-155 legacy transactions, 27 otherwise.
func signatureBase(raw []byte) (*big.Int, error) {
	if raw[0] < 0xc0 {
		switch raw[0] {
		case 0x01, 0x02:
			return new(big.Int), nil
		default:
			return nil, &Error{ID: errInvalidData.ID, Message: fmt.Sprintf("unsupported transaction type %d", raw[0]), StatusCode: errInvalidData.StatusCode}
		}
	}

	var fields []rlp.RawValue
	if err := rlp.DecodeBytes(raw, &fields); err != nil {
		return nil, &Error{ID: errInvalidData.ID, Message: "malformed legacy transaction", StatusCode: errInvalidData.StatusCode, Err: err}
	}
	switch len(fields) {
	case 6:
		return big.NewInt(27), nil
	case 9:
		chainID := new(big.Int)
		if err := rlp.DecodeBytes(fields[6], chainID); err != nil {
			return nil, &Error{ID: errInvalidData.ID, Message: "malformed chain id", StatusCode: errInvalidData.StatusCode, Err: err}
		}
		if chainID.Sign() == 0 {
			return big.NewInt(27), nil
		}
		return chainID.Mul(chainID, big.NewInt(2)).Add(chainID, big.NewInt(35)), nil
	default:
		return nil, &Error{ID: errInvalidData.ID, Message: fmt.Sprintf("legacy transaction has %d fields", len(fields)), StatusCode: errInvalidData.StatusCode}
	}
}

func splitSignature(sig []byte, v *big.Int) *Signature {
	return &Signature{
		V: v.Text(16),
		R: hex.EncodeToString(sig[:32]),
		S: hex.EncodeToString(sig[32:64]),
	}
}

// MnemonicProvider supplies the recovery phrase for a software device
type MnemonicProvider interface {
	GetMnemonic(ctx context.Context) (mnemonic string, passphrase string, err error)
}

// SoftTransportFactory creates software devices from a mnemonic provider
type SoftTransportFactory struct {
	Mnemonics MnemonicProvider
}

// Create implements TransportFactory
func (f *SoftTransportFactory) Create(ctx context.Context) (Transport, error) {
	if f.Mnemonics == nil {
		return nil, errors.New("ledger: soft transport has no mnemonic provider")
	}
	mnemonic, passphrase, err := f.Mnemonics.GetMnemonic(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to load mnemonic: %w", err)
	}
	return NewSoftDevice(mnemonic, passphrase)
}
