package signer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/sync/errgroup"

	"github.com/anchorageoss/ledger-signer/crypto"
)

// Field is a transaction request field that is either absent, known, or
// fetched on demand (for example a nonce read from the chain)
type Field[T any] struct {
	value T
	fetch func(context.Context) (T, error)
	set   bool
}

// Known returns a field holding v
func Known[T any](v T) Field[T] {
	return Field[T]{value: v, set: true}
}

// Deferred returns a field whose value is produced by fn when the request is resolved
func Deferred[T any](fn func(context.Context) (T, error)) Field[T] {
	return Field[T]{fetch: fn, set: fn != nil}
}

// IsSet reports whether the field is known or deferred
func (f Field[T]) IsSet() bool { return f.set }

// Resolve returns the value, calling the fetch function of a deferred field.
// ok is false for an absent field.
func (f Field[T]) Resolve(ctx context.Context) (v T, ok bool, err error) {
	if !f.set {
		return v, false, nil
	}
	if f.fetch == nil {
		return f.value, true, nil
	}
	v, err = f.fetch(ctx)
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

// TransactionRequest is a transaction as an application describes it. Absent
// fields take their zero value; From is only checked by PopulateTransaction.
type TransactionRequest struct {
	From                 Field[common.Address]
	To                   Field[*common.Address]
	Nonce                Field[*big.Int]
	GasLimit             Field[*big.Int]
	GasPrice             Field[*big.Int]
	MaxFeePerGas         Field[*big.Int]
	MaxPriorityFeePerGas Field[*big.Int]
	Value                Field[*big.Int]
	Data                 Field[[]byte]
	ChainID              Field[*big.Int]
	// 0 legacy, 1 access list, 2 fee market; absent means legacy
	Type Field[uint8]
}

// resolvedRequest holds the request values; nil pointers mark absent fields
type resolvedRequest struct {
	From                 *common.Address
	To                   *common.Address
	Nonce                *big.Int
	GasLimit             *big.Int
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Value                *big.Int
	Data                 []byte
	ChainID              *big.Int
	Type                 *uint8
}

func resolveInto[T any](g *errgroup.Group, ctx context.Context, name string, f Field[T], dst func(T)) {
	if !f.IsSet() {
		return
	}
	g.Go(func() error {
		v, ok, err := f.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", name, err)
		}
		if ok {
			dst(v)
		}
		return nil
	})
}

// resolve fetches every deferred field concurrently
func (r TransactionRequest) resolve(ctx context.Context) (*resolvedRequest, error) {
	out := &resolvedRequest{}
	g, gctx := errgroup.WithContext(ctx)

	resolveInto(g, gctx, "from", r.From, func(v common.Address) { out.From = &v })
	resolveInto(g, gctx, "to", r.To, func(v *common.Address) { out.To = v })
	resolveInto(g, gctx, "nonce", r.Nonce, func(v *big.Int) { out.Nonce = v })
	resolveInto(g, gctx, "gasLimit", r.GasLimit, func(v *big.Int) { out.GasLimit = v })
	resolveInto(g, gctx, "gasPrice", r.GasPrice, func(v *big.Int) { out.GasPrice = v })
	resolveInto(g, gctx, "maxFeePerGas", r.MaxFeePerGas, func(v *big.Int) { out.MaxFeePerGas = v })
	resolveInto(g, gctx, "maxPriorityFeePerGas", r.MaxPriorityFeePerGas, func(v *big.Int) { out.MaxPriorityFeePerGas = v })
	resolveInto(g, gctx, "value", r.Value, func(v *big.Int) { out.Value = v })
	resolveInto(g, gctx, "data", r.Data, func(v []byte) { out.Data = v })
	resolveInto(g, gctx, "chainId", r.ChainID, func(v *big.Int) { out.ChainID = v })
	resolveInto(g, gctx, "type", r.Type, func(v uint8) { out.Type = &v })

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// request converts resolved values back into a request of known fields
func (r *resolvedRequest) request() TransactionRequest {
	var req TransactionRequest
	if r.From != nil {
		req.From = Known(*r.From)
	}
	if r.To != nil {
		req.To = Known(r.To)
	}
	setBig := func(f *Field[*big.Int], v *big.Int) {
		if v != nil {
			*f = Known(v)
		}
	}
	setBig(&req.Nonce, r.Nonce)
	setBig(&req.GasLimit, r.GasLimit)
	setBig(&req.GasPrice, r.GasPrice)
	setBig(&req.MaxFeePerGas, r.MaxFeePerGas)
	setBig(&req.MaxPriorityFeePerGas, r.MaxPriorityFeePerGas)
	setBig(&req.Value, r.Value)
	setBig(&req.ChainID, r.ChainID)
	if r.Data != nil {
		req.Data = Known(r.Data)
	}
	if r.Type != nil {
		req.Type = Known(*r.Type)
	}
	return req
}

// UnsignedTransaction is the canonical field set handed to the device.
// Legacy and access list transactions price gas with GasPrice; fee-market
// transactions with MaxFeePerGas and MaxPriorityFeePerGas, plus GasPrice only
// when it was carried under GasPriceCarry.
type UnsignedTransaction struct {
	Type                 uint8
	ChainID              *big.Int
	Nonce                uint64
	GasLimit             uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	To                   *common.Address
	Value                *big.Int
	Data                 []byte
}

// Normalize resolves the request and reduces it to the canonical field set of its type
func Normalize(ctx context.Context, req TransactionRequest, policy GasPricePolicy) (*UnsignedTransaction, error) {
	r, err := req.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return r.canonical(policy)
}

func (r *resolvedRequest) canonical(policy GasPricePolicy) (*UnsignedTransaction, error) {
	u := &UnsignedTransaction{
		ChainID: r.ChainID,
		To:      r.To,
		Value:   r.Value,
		Data:    r.Data,
	}
	if r.Type != nil {
		u.Type = *r.Type
	}

	var err error
	if u.Nonce, err = toUint64("nonce", r.Nonce); err != nil {
		return nil, err
	}
	if u.GasLimit, err = toUint64("gasLimit", r.GasLimit); err != nil {
		return nil, err
	}

	switch u.Type {
	case types.DynamicFeeTxType:
		u.MaxFeePerGas = r.MaxFeePerGas
		u.MaxPriorityFeePerGas = r.MaxPriorityFeePerGas
		if policy == GasPriceCarry {
			u.GasPrice = r.GasPrice
		}
	case types.LegacyTxType, types.AccessListTxType:
		u.GasPrice = r.GasPrice
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, u.Type)
	}
	return u, nil
}

func toUint64(name string, v *big.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("%s %s out of range", name, v)
	}
	return v.Uint64(), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// fields returns the RLP list of the unsigned payload, without the type prefix
func (u *UnsignedTransaction) fields() ([]any, error) {
	switch u.Type {
	case types.LegacyTxType:
		return []any{u.Nonce, orZero(u.GasPrice), u.GasLimit, u.To, orZero(u.Value), u.Data}, nil
	case types.AccessListTxType:
		return []any{orZero(u.ChainID), u.Nonce, orZero(u.GasPrice), u.GasLimit, u.To, orZero(u.Value), u.Data, types.AccessList{}}, nil
	case types.DynamicFeeTxType:
		if u.GasPrice != nil && u.GasPrice.Cmp(orZero(u.MaxFeePerGas)) != 0 {
			return nil, fmt.Errorf("%w: gasPrice %s, maxFeePerGas %s", ErrGasPriceMismatch, u.GasPrice, orZero(u.MaxFeePerGas))
		}
		return []any{orZero(u.ChainID), u.Nonce, orZero(u.MaxPriorityFeePerGas), orZero(u.MaxFeePerGas), u.GasLimit, u.To, orZero(u.Value), u.Data, types.AccessList{}}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, u.Type)
	}
}

func (u *UnsignedTransaction) encode(fields []any) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	if u.Type == types.LegacyTxType {
		return payload, nil
	}
	return append([]byte{u.Type}, payload...), nil
}

// Serialize returns the unsigned encoding the device signs: the RLP list for
// legacy transactions (with chainId, 0, 0 appended under EIP-155), otherwise
// the type byte followed by the RLP list
func (u *UnsignedTransaction) Serialize() ([]byte, error) {
	fields, err := u.fields()
	if err != nil {
		return nil, err
	}
	if u.Type == types.LegacyTxType && orZero(u.ChainID).Sign() != 0 {
		fields = append(fields, u.ChainID, uint(0), uint(0))
	}
	return u.encode(fields)
}

// SerializeSigned returns the signed encoding. Legacy transactions carry
// v = 27 + recovery id, or chainId*2 + 35 + recovery id under EIP-155; a device
// v above 28 must agree with that value. Typed transactions carry the y parity.
func (u *UnsignedTransaction) SerializeSigned(sig *crypto.Components) ([]byte, error) {
	fields, err := u.fields()
	if err != nil {
		return nil, err
	}

	var v *big.Int
	if u.Type == types.LegacyTxType {
		v = big.NewInt(27 + int64(sig.RecoveryID))
		if chainID := orZero(u.ChainID); chainID.Sign() != 0 {
			v = new(big.Int).Mul(chainID, big.NewInt(2))
			v.Add(v, big.NewInt(35+int64(sig.RecoveryID)))
		}
		if sig.V != nil && sig.V.Cmp(big.NewInt(28)) > 0 && sig.V.Cmp(v) != 0 {
			return nil, fmt.Errorf("%w: signature v %s, expected %s", ErrChainIDMismatch, sig.V, v)
		}
	} else {
		v = big.NewInt(int64(sig.RecoveryID))
	}

	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])
	return u.encode(append(fields, v, r, s))
}

// SigningHash is the keccak256 of the unsigned encoding
func (u *UnsignedTransaction) SigningHash() (common.Hash, error) {
	raw, err := u.Serialize()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(raw), nil
}
