package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Owner represents the owners table.
type Owner struct {
	OwnerID   string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Owner) TableName() string { return "owners" }

// LedgerEntry mirrors the ledger_entries table. Rows are append-only;
// corrections are compensating entries, never updates.
type LedgerEntry struct {
	EntryID      string         `gorm:"type:uuid;primaryKey"`
	OwnerID      string         `gorm:"not null;index:idx_entries_owner_created,priority:1"`
	Sign         string         `gorm:"not null"`
	Amount       int64          `gorm:"not null"`
	Category     *string        `gorm:""`
	Reason       string         `gorm:"not null"`
	Actor        string         `gorm:"not null"`
	TransferID   *string        `gorm:"index"`
	ReferenceKey string         `gorm:"not null;uniqueIndex:uniq_entry_reference"`
	Metadata     datatypes.JSON `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_entries_owner_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// RechargeCard mirrors the recharge_cards table.
type RechargeCard struct {
	Code       string     `gorm:"primaryKey"`
	Value      int64      `gorm:"not null"`
	State      string     `gorm:"not null;index"`
	ConsumedBy *string    `gorm:""`
	ConsumedAt *time.Time `gorm:""`
	CreatedAt  time.Time  `gorm:"not null"`
}

func (RechargeCard) TableName() string { return "recharge_cards" }

// BalanceProjection mirrors the balance_projections table; derived state,
// rewritten whenever recomputation disagrees with it.
type BalanceProjection struct {
	OwnerID     string    `gorm:"primaryKey"`
	Points      int64     `gorm:"not null"`
	EntryCount  int64     `gorm:"not null"`
	RefreshedAt time.Time `gorm:"not null"`
}

func (BalanceProjection) TableName() string { return "balance_projections" }
