package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Deposit and intent projection statuses.
const (
	DepositStatusOpen   = "OPEN"
	DepositStatusClosed = "CLOSED"

	IntentStatusOpen      = "OPEN"
	IntentStatusSettled   = "SETTLED"
	IntentStatusCancelled = "CANCELLED"
	IntentStatusExpired   = "EXPIRED"
)

// LedgerEvent is the raw committed event as pulled from the node. Sequence is
// the node's durable log position; re-ingesting the same sequence is a no-op.
type LedgerEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text"`
	EmittedAt  time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// Deposit is the projected state of one liquidity lot.
type Deposit struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DepositID uint64    `gorm:"uniqueIndex;not null"`
	Depositor string    `gorm:"size:64;index"`
	Supplied  string    `gorm:"size:96"`
	Remaining string    `gorm:"size:96"`
	Rate      string    `gorm:"size:96"`
	Withdrawn string    `gorm:"size:96"`
	Status    string    `gorm:"size:16;index"`
	OpenedAt  time.Time
	ClosedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Intent is the projected state of one reservation across its lifecycle. The
// node deletes terminal reservations; the index keeps them with a status.
type Intent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	IntentKey     string    `gorm:"size:64;uniqueIndex;not null"`
	DepositID     uint64    `gorm:"index"`
	Buyer         string    `gorm:"size:64;index"`
	BuyerIdentity string    `gorm:"size:64;index"`
	PayoutTo      string    `gorm:"size:64"`
	Amount        string    `gorm:"size:96"`
	Status        string    `gorm:"size:16;index"`
	SignaledAt    time.Time
	ClosedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Settlement records one fulfilled reservation with its fee split.
type Settlement struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	IntentKey     string    `gorm:"size:64;index"`
	DepositID     uint64    `gorm:"index"`
	BuyerIdentity string    `gorm:"size:64;index"`
	PayoutTo      string    `gorm:"size:64"`
	Amount        string    `gorm:"size:96"`
	Fee           string    `gorm:"size:96"`
	Payout        string    `gorm:"size:96"`
	SettledAt     time.Time `gorm:"index"`
	CreatedAt     time.Time
}

// IdentityRecord mirrors the on-ledger identity directory.
type IdentityRecord struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	IdentityHash string    `gorm:"size:64;uniqueIndex;not null"`
	Principal    string    `gorm:"size:64;index"`
	Alias        string    `gorm:"size:64;index"`
	RegisteredAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AutoMigrate applies the schema for all rampindex models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&LedgerEvent{},
		&Deposit{},
		&Intent{},
		&Settlement{},
		&IdentityRecord{},
	)
}
