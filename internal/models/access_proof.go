package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AccessProof is the capability a resource server checks before releasing
// gated content. Minted alongside a Settlement; lifecycle active -> revoked,
// one way. Resource servers reference proofs but never mutate them.
type AccessProof struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RequestID uuid.UUID  `gorm:"type:uuid;index;not null" json:"request_id"`
	Payer     string     `gorm:"type:varchar(64);index" json:"payer"`
	Recipient string     `gorm:"type:varchar(64)" json:"recipient"`
	Amount    string     `gorm:"type:varchar(78)" json:"amount"`
	PaywallID *uuid.UUID `gorm:"type:uuid" json:"paywall_id,omitempty"`
	Revoked   bool       `gorm:"default:false" json:"revoked"`
}

func (p *AccessProof) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
