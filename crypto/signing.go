// Package crypto normalizes device signatures into the forms Ethereum tooling
// expects.
//
// This package provides:
//   - Parsing of unprefixed device {v, r, s} hex into fixed size components
//   - Recovery id derivation from legacy, EIP-155 and y-parity v values
//   - Canonical 65 byte signature encoding (r || s || v) as 0x hex
//   - Recovery of the signer of an EIP-191 personal message
//
// # Normalization
//
// Normalize a signature returned by the device:
//
//	sig, err := crypto.Normalize(ledger.Signature{V: "1b", R: r, S: s})
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(sig.Join()) // 0x + 130 hex characters
//
// # Verification
//
// Recover the address that signed a personal message:
//
//	addr, err := crypto.VerifyPersonalSignature([]byte("hello"), signatureHex)
//	if err != nil {
//		log.Fatal(err)
//	}
package crypto

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/anchorageoss/ledger-signer/pkg/ledger"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of a canonical r || s || v signature
const SignatureLength = 65

// ErrInvalidV is returned for v values that encode no recovery id
var ErrInvalidV = errors.New("invalid signature v value")

// Components is a parsed signature
type Components struct {
	R common.Hash
	S common.Hash
	// V as returned by the device: 0/1, 27/28 or an EIP-155 value
	V          *big.Int
	RecoveryID byte
}

// PrefixHex adds a 0x prefix to s unless it already has one
func PrefixHex(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}

// RecoveryID derives the recovery id from v. 0 and 1 are taken as is, values
// from 27 up use their parity (27, 28 and EIP-155 values alike) and
// anything else is rejected.
func RecoveryID(v *big.Int) (byte, error) {
	if v == nil || v.Sign() < 0 {
		return 0, ErrInvalidV
	}
	switch {
	case v.Cmp(big.NewInt(1)) <= 0:
		return byte(v.Uint64()), nil
	case v.Cmp(big.NewInt(27)) < 0:
		return 0, fmt.Errorf("%w: %s", ErrInvalidV, v)
	default:
		return byte(1 - v.Bit(0)), nil
	}
}

// Normalize parses a device signature. R and S may be shorter than 32 bytes
// and are left padded.
func Normalize(sig ledger.Signature) (*Components, error) {
	r, err := parseScalar("r", sig.R)
	if err != nil {
		return nil, err
	}
	s, err := parseScalar("s", sig.S)
	if err != nil {
		return nil, err
	}
	if strings.TrimPrefix(PrefixHex(sig.V), "0x") == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidV)
	}
	v, err := hexutil.DecodeBig(trimLeadingZeros(PrefixHex(sig.V)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode v: %w", err)
	}
	recid, err := RecoveryID(v)
	if err != nil {
		return nil, err
	}
	return &Components{R: r, S: s, V: v, RecoveryID: recid}, nil
}

// Bytes returns r || s || recovery id, the layout go-ethereum signers accept
func (c *Components) Bytes() []byte {
	out := make([]byte, 0, SignatureLength)
	out = append(out, c.R[:]...)
	out = append(out, c.S[:]...)
	return append(out, c.RecoveryID)
}

// Join returns the canonical r || s || (27 + recovery id) signature as 0x hex
func (c *Components) Join() string {
	out := c.Bytes()
	out[64] += 27
	return hexutil.Encode(out)
}

// JoinSignature normalizes a device signature and joins it
func JoinSignature(sig ledger.Signature) (string, error) {
	c, err := Normalize(sig)
	if err != nil {
		return "", err
	}
	return c.Join(), nil
}

// SplitSignature parses a canonical 65 byte signature
func SplitSignature(signature string) (*Components, error) {
	raw, err := hexutil.Decode(PrefixHex(signature))
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(raw) != SignatureLength {
		return nil, fmt.Errorf("invalid signature length: got %d, want %d", len(raw), SignatureLength)
	}
	v := new(big.Int).SetUint64(uint64(raw[64]))
	recid, err := RecoveryID(v)
	if err != nil {
		return nil, err
	}
	return &Components{
		R:          common.BytesToHash(raw[:32]),
		S:          common.BytesToHash(raw[32:64]),
		V:          v,
		RecoveryID: recid,
	}, nil
}

// VerifyPersonalSignature recovers the address that produced signature over
// the EIP-191 personal message hash of message
func VerifyPersonalSignature(message []byte, signature string) (common.Address, error) {
	c, err := SplitSignature(signature)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(message), c.Bytes())
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func parseScalar(name, value string) (common.Hash, error) {
	raw, err := hexutil.Decode(PrefixHex(evenLength(strings.TrimPrefix(value, "0x"))))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	if len(raw) == 0 || len(raw) > common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid %s length: %d bytes", name, len(raw))
	}
	return common.BytesToHash(raw), nil
}

func evenLength(s string) string {
	if len(s)%2 == 1 {
		return "0" + s
	}
	return s
}

// trimLeadingZeros makes a 0x value acceptable to hexutil.DecodeBig, which
// rejects leading zero digits
func trimLeadingZeros(s string) string {
	digits := strings.TrimLeft(s[2:], "0")
	if digits == "" {
		digits = "0"
	}
	return "0x" + digits
}
