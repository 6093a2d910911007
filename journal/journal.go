// Package journal keeps a local record of the transactions a signer produced,
// backed by SQLite through gorm.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/anchorageoss/ledger-signer/pkg/log"
	"github.com/anchorageoss/ledger-signer/signer"
)

var _ signer.Journal = (*Store)(nil)

// Entry is one signed transaction
type Entry struct {
	ID      uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Hash    string          `gorm:"type:varchar(66);not null;uniqueIndex" json:"hash"`
	From    string          `gorm:"column:from_address;type:varchar(42);not null;index" json:"from"`
	To      string          `gorm:"column:to_address;type:varchar(42)" json:"to,omitempty"` // empty for contract creation
	Nonce   uint64          `gorm:"not null" json:"nonce"`
	ChainID string          `gorm:"type:varchar(78)" json:"chainId"`
	Type    uint8           `gorm:"not null" json:"type"`
	Value   decimal.Decimal `gorm:"type:varchar(78);not null" json:"value"` // wei
	Raw     string          `gorm:"type:text;not null" json:"raw"`
	// Sent is set once the transaction was broadcast and never cleared
	Sent      bool      `gorm:"not null;default:false" json:"sent"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Entry) TableName() string {
	return "signed_transactions"
}

// Transaction decodes the raw signed transaction
func (e *Entry) Transaction() (*types.Transaction, error) {
	raw, err := hexutil.Decode(e.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw transaction: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("failed to decode raw transaction: %w", err)
	}
	return tx, nil
}

// Store is a journal held in a gorm database
type Store struct {
	db     *gorm.DB
	logger log.Logger
}

// Open opens or creates the SQLite journal at path. An empty path opens a
// private in-memory database.
func Open(path string, logger log.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared", path)
	if path == "" {
		dsn = "file::memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %q: %w", path, err)
	}
	if path == "" {
		// every pooled connection would otherwise see its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, logger)
}

// New uses db, migrating the journal table
func New(db *gorm.DB, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return &Store{db: db, logger: logger.WithName("journal")}, nil
}

// Record stores tx. A transaction already journaled is updated in place.
func (s *Store) Record(ctx context.Context, from common.Address, tx *types.Transaction, sent bool) error {
	if tx == nil {
		return errors.New("journal: nil transaction")
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	entry := Entry{
		Hash:    tx.Hash().Hex(),
		From:    from.Hex(),
		Nonce:   tx.Nonce(),
		ChainID: tx.ChainId().String(),
		Type:    tx.Type(),
		Value:   decimal.NewFromBigInt(tx.Value(), 0),
		Raw:     hexutil.Encode(raw),
		Sent:    sent,
	}
	if to := tx.To(); to != nil {
		entry.To = to.Hex()
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "hash"}},
		DoUpdates: clause.Assignments(map[string]any{
			"sent":       gorm.Expr("signed_transactions.sent OR excluded.sent"),
			"raw":        gorm.Expr("excluded.raw"),
			"updated_at": time.Now(),
		}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to record transaction %s: %w", entry.Hash, err)
	}

	s.logger.Debug("transaction journaled", "hash", entry.Hash, "sent", sent)
	return nil
}

// Filter narrows List
type Filter struct {
	// From limits entries to one sender when set
	From *common.Address
	// SentOnly keeps broadcast transactions
	SentOnly bool
	// Limit caps the number of entries; zero means no cap
	Limit int
}

// List returns journaled transactions, newest first
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if f.From != nil {
		q = q.Where("from_address = ?", f.From.Hex())
	}
	if f.SentOnly {
		q = q.Where("sent = ?", true)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var entries []Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}
	return entries, nil
}

// Get returns the entry for a transaction hash
func (s *Store) Get(ctx context.Context, hash common.Hash) (*Entry, error) {
	var e Entry
	if err := s.db.WithContext(ctx).Where("hash = ?", hash.Hex()).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
