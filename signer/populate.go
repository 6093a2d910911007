package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Provider is the chain access a Signer needs to fill in and broadcast
// transactions. *ethclient.Client implements it.
type Provider interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ Provider = (*ethclient.Client)(nil)

var errNoEIP1559 = errors.New("signer: network does not support EIP-1559")

// PopulateTransaction fills the fields of req the device account and the
// provider can supply: from, chain id, nonce, fees and gas limit. Fee-market
// pricing is chosen when the type is unset and the latest block has a base
// fee; a lone gasPrice then becomes both fee caps. Fields already set are kept,
// but a From other than the device address or a ChainID other than the
// provider's is an error.
func (s *Signer) PopulateTransaction(ctx context.Context, req TransactionRequest) (TransactionRequest, error) {
	p := s.opts.provider
	if p == nil {
		return TransactionRequest{}, ErrNoProvider
	}

	r, err := req.resolve(ctx)
	if err != nil {
		return TransactionRequest{}, err
	}

	from, err := s.Address(ctx)
	if err != nil {
		return TransactionRequest{}, err
	}
	if r.From != nil && *r.From != from {
		return TransactionRequest{}, fmt.Errorf("%w: %s is not %s", ErrFromMismatch, r.From.Hex(), from.Hex())
	}
	r.From = &from

	chainID, err := p.ChainID(ctx)
	if err != nil {
		return TransactionRequest{}, fmt.Errorf("failed to get chain id: %w", err)
	}
	if r.ChainID != nil && r.ChainID.Cmp(chainID) != 0 {
		return TransactionRequest{}, fmt.Errorf("%w: request %s, provider %s", ErrChainIDMismatch, r.ChainID, chainID)
	}
	r.ChainID = chainID

	if r.Nonce == nil {
		nonce, err := p.PendingNonceAt(ctx, from)
		if err != nil {
			return TransactionRequest{}, fmt.Errorf("failed to get nonce: %w", err)
		}
		r.Nonce = new(big.Int).SetUint64(nonce)
	}

	if err := populateFees(ctx, p, r); err != nil {
		return TransactionRequest{}, err
	}

	if r.GasLimit == nil {
		gas, err := p.EstimateGas(ctx, ethereum.CallMsg{
			From:      from,
			To:        r.To,
			GasPrice:  r.GasPrice,
			GasFeeCap: r.MaxFeePerGas,
			GasTipCap: r.MaxPriorityFeePerGas,
			Value:     r.Value,
			Data:      r.Data,
		})
		if err != nil {
			return TransactionRequest{}, fmt.Errorf("failed to estimate gas: %w", err)
		}
		r.GasLimit = new(big.Int).SetUint64(gas)
	}

	return r.request(), nil
}

func populateFees(ctx context.Context, p Provider, r *resolvedRequest) error {
	feeMarket := r.MaxFeePerGas != nil || r.MaxPriorityFeePerGas != nil
	if r.GasPrice != nil && feeMarket {
		return errors.New("signer: gasPrice cannot be combined with maxFeePerGas or maxPriorityFeePerGas")
	}
	if r.Type != nil && *r.Type == types.DynamicFeeTxType && r.GasPrice != nil {
		return errors.New("signer: type 2 transactions do not take gasPrice")
	}
	legacyType := r.Type != nil && (*r.Type == types.LegacyTxType || *r.Type == types.AccessListTxType)
	if legacyType && feeMarket {
		return fmt.Errorf("signer: type %d transactions do not take maxFeePerGas or maxPriorityFeePerGas", *r.Type)
	}

	dynamic := uint8(types.DynamicFeeTxType)
	switch {
	case (r.Type == nil || *r.Type == dynamic) && r.MaxFeePerGas != nil && r.MaxPriorityFeePerGas != nil:
		r.Type = &dynamic
		return nil

	case legacyType:
		if r.GasPrice == nil {
			price, err := p.SuggestGasPrice(ctx)
			if err != nil {
				return fmt.Errorf("failed to get gas price: %w", err)
			}
			r.GasPrice = price
		}
		return nil

	case r.Type != nil && *r.Type != dynamic:
		return fmt.Errorf("%w: %d", ErrUnsupportedType, *r.Type)
	}

	head, err := p.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to get latest header: %w", err)
	}

	if head.BaseFee == nil {
		if r.Type != nil || feeMarket {
			return errNoEIP1559
		}
		legacy := uint8(types.LegacyTxType)
		r.Type = &legacy
		if r.GasPrice == nil {
			price, err := p.SuggestGasPrice(ctx)
			if err != nil {
				return fmt.Errorf("failed to get gas price: %w", err)
			}
			r.GasPrice = price
		}
		return nil
	}

	r.Type = &dynamic
	if r.GasPrice != nil {
		r.MaxFeePerGas = r.GasPrice
		r.MaxPriorityFeePerGas = r.GasPrice
		r.GasPrice = nil
		return nil
	}

	tip := r.MaxPriorityFeePerGas
	if tip == nil {
		if tip, err = p.SuggestGasTipCap(ctx); err != nil {
			return fmt.Errorf("failed to get priority fee: %w", err)
		}
		r.MaxPriorityFeePerGas = tip
	}
	if r.MaxFeePerGas == nil {
		maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
		r.MaxFeePerGas = maxFee.Add(maxFee, tip)
	}
	return nil
}

// SendTransaction populates req, signs it and broadcasts it through the provider
func (s *Signer) SendTransaction(ctx context.Context, req TransactionRequest) (*types.Transaction, error) {
	populated, err := s.PopulateTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	_, tx, err := s.signTransaction(ctx, populated)
	if err != nil {
		return nil, err
	}

	if err := s.opts.provider.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to broadcast transaction %s: %w", tx.Hash().Hex(), err)
	}
	s.opts.logger.Info("transaction sent", "hash", tx.Hash().Hex(), "nonce", tx.Nonce())

	if s.opts.journal != nil {
		from, _, _ := populated.From.Resolve(ctx)
		if err := s.opts.journal.Record(ctx, from, tx, true); err != nil {
			s.opts.logger.Warn("failed to journal transaction", "tx", tx.Hash().Hex(), "error", err)
		}
	}
	return tx, nil
}
