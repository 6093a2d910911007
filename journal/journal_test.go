package journal

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Fixed secp256k1 key for deterministic tests (NOT FOR PRODUCTION USE)
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file::memory:journal%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	s, err := New(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func signedTx(t *testing.T, nonce uint64, to *common.Address) (*types.Transaction, common.Address) {
	t.Helper()
	key, err := ethcrypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)

	chainID := big.NewInt(1)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(30_000_000_000),
		Gas:       21000,
		To:        to,
		Value:     big.NewInt(1_500_000_000_000_000_000),
	})
	require.NoError(t, err)
	return tx, ethcrypto.PubkeyToAddress(key.PublicKey)
}

func TestRecordAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	to := common.HexToAddress("0x3535353535353535353535353535353535353535")
	tx, from := signedTx(t, 3, &to)

	require.NoError(t, s.Record(ctx, from, tx, false))

	e, err := s.Get(ctx, tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, tx.Hash().Hex(), e.Hash)
	assert.Equal(t, from.Hex(), e.From)
	assert.Equal(t, to.Hex(), e.To)
	assert.Equal(t, uint64(3), e.Nonce)
	assert.Equal(t, "1", e.ChainID)
	assert.Equal(t, uint8(types.DynamicFeeTxType), e.Type)
	assert.Equal(t, "1500000000000000000", e.Value.String())
	assert.False(t, e.Sent)

	decoded, err := e.Transaction()
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), decoded.Hash())
}

func TestRecordUpsert(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tx, from := signedTx(t, 0, nil)

	require.NoError(t, s.Record(ctx, from, tx, false))
	require.NoError(t, s.Record(ctx, from, tx, true))
	// signing the same transaction again does not clear the sent flag
	require.NoError(t, s.Record(ctx, from, tx, false))

	entries, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Sent)
	assert.Empty(t, entries[0].To)
}

func TestList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	to := common.HexToAddress("0x3535353535353535353535353535353535353535")

	var hashes []common.Hash
	var from common.Address
	for nonce := uint64(0); nonce < 4; nonce++ {
		tx, f := signedTx(t, nonce, &to)
		from = f
		hashes = append(hashes, tx.Hash())
		require.NoError(t, s.Record(ctx, from, tx, nonce%2 == 0))
	}

	tests := []struct {
		name   string
		filter Filter
		want   []common.Hash
	}{
		{name: "all newest first", filter: Filter{}, want: []common.Hash{hashes[3], hashes[2], hashes[1], hashes[0]}},
		{name: "limit", filter: Filter{Limit: 2}, want: []common.Hash{hashes[3], hashes[2]}},
		{name: "sent only", filter: Filter{SentOnly: true}, want: []common.Hash{hashes[2], hashes[0]}},
		{name: "by sender", filter: Filter{From: &from, Limit: 1}, want: []common.Hash{hashes[3]}},
		{name: "other sender", filter: Filter{From: &to}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := s.List(ctx, tt.filter)
			require.NoError(t, err)

			var got []common.Hash
			for _, e := range entries {
				got = append(got, common.HexToHash(e.Hash))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetMissing(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Get(context.Background(), common.Hash{0x01})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRecordNil(t *testing.T) {
	s := setupTestStore(t)
	assert.Error(t, s.Record(context.Background(), common.Address{}, nil, false))
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	tx, from := signedTx(t, 1, nil)

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), from, tx, true))
	require.NoError(t, s.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tx.Hash().Hex(), entries[0].Hash)
}

func TestOpenMemory(t *testing.T) {
	s, err := Open("", nil)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
