package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Asset identifies which of the two supported settlement assets a bounty pays.
type Asset string

// Supported settlement assets.
const (
	AssetSOL  Asset = "SOL"
	AssetUSDC Asset = "USDC"
)

// Valid reports whether the asset is one of the supported kinds.
func (a Asset) Valid() bool {
	return a == AssetSOL || a == AssetUSDC
}

// BountyStatus represents a bounty lifecycle state.
type BountyStatus string

// Bounty lifecycle states. The open -> claimed transition is performed only by
// the settlement orchestrator and is one-way.
const (
	BountyOpen    BountyStatus = "open"
	BountyClaimed BountyStatus = "claimed"
	BountyClosed  BountyStatus = "closed"
)

// TipStatus represents a tip lifecycle state.
type TipStatus string

// Tip lifecycle states. At most one tip per bounty ever reaches approved.
const (
	TipPending  TipStatus = "pending"
	TipApproved TipStatus = "approved"
	TipRejected TipStatus = "rejected"
)

// Bounty describes a funded request for evidence owned by its creator.
// Winner fields are populated together when the bounty is claimed and are
// immutable afterwards.
type Bounty struct {
	ID               uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	CreatorAddress   string       `gorm:"size:64;index" json:"creator_address"`
	Title            string       `gorm:"size:256" json:"title"`
	Description      string       `gorm:"type:text" json:"description"`
	Asset            Asset        `gorm:"size:8" json:"asset"`
	Amount           string       `gorm:"size:32" json:"amount"`
	Status           BountyStatus `gorm:"size:16;index" json:"status"`
	WinnerTipID      *uuid.UUID   `gorm:"type:uuid" json:"winner_tip_id,omitempty"`
	WinnerAddress    string       `gorm:"size:64" json:"winner_address,omitempty"`
	PaymentSignature string       `gorm:"size:128" json:"payment_signature,omitempty"`
	SettledAt        *time.Time   `json:"settled_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	Tips             []Tip        `json:"tips,omitempty"`
}

// Tip is a submission of evidence against a bounty. SubmitterAddress holds the
// full payout address; anonymization for display is a presentation concern and
// never applied here.
type Tip struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	BountyID         uuid.UUID `gorm:"type:uuid;index" json:"bounty_id"`
	SubmitterAddress string    `gorm:"size:64" json:"submitter_address"`
	EvidenceCID      string    `gorm:"size:128" json:"evidence_cid"`
	Note             string    `gorm:"type:text" json:"note"`
	Status           TipStatus `gorm:"size:16;index" json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Wallet stores a custodial signing key encrypted under the owner's password.
type Wallet struct {
	Address      string `gorm:"size:64;primaryKey"`
	EncryptedKey []byte
	PasswordHash string `gorm:"size:256"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SettlementState tracks a settlement journal row through the saga.
type SettlementState string

// Journal states. Rows that carry a signature but never reached committed are
// the reconciler's input set.
const (
	SettlementSigning   SettlementState = "SIGNING"
	SettlementSubmitted SettlementState = "SUBMITTED"
	SettlementUncertain SettlementState = "UNCERTAIN"
	SettlementCommitted SettlementState = "COMMITTED"
	SettlementFailed    SettlementState = "FAILED"
)

// Settlement is the durable journal of payment attempts. The signature is
// recorded here before any ledger commit so a crash between broadcast and
// commit never loses it.
type Settlement struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	BountyID  uuid.UUID       `gorm:"type:uuid;index"`
	TipID     uuid.UUID       `gorm:"type:uuid;index"`
	Recipient string          `gorm:"size:64"`
	Signature string          `gorm:"size:128;index"`
	State     SettlementState `gorm:"size:16;index"`
	Detail    string          `gorm:"size:512"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is the audit trail appended alongside ledger writes.
type Event struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	BountyID  *uuid.UUID `gorm:"type:uuid;index"`
	Actor     string     `gorm:"size:64"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Bounty{},
		&Tip{},
		&Wallet{},
		&Settlement{},
		&Event{},
	)
}
