package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Settlement is an immutable append-only record of a completed payment.
// Written exactly once, the moment its PaymentRequest transitions to settled.
type Settlement struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RequestID     uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"request_id"`
	Payer         string    `gorm:"type:varchar(64);index" json:"payer"`
	PayTo         string    `gorm:"type:varchar(64)" json:"pay_to"`
	Amount        string    `gorm:"type:varchar(78)" json:"amount"`
	PlatformFee   string    `gorm:"type:varchar(78)" json:"platform_fee"`
	AccessProofID uuid.UUID `gorm:"type:uuid" json:"access_proof_id"`
	LedgerTxRef   string    `gorm:"type:varchar(128)" json:"ledger_tx_ref"`
}

func (s *Settlement) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
