package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentRequest is the record of payment terms a resource server creates
// before asking a client to pay. Lifecycle: created -> settled (terminal) or
// created -> cancelled (terminal). A settled or cancelled request never
// re-enters created; exactly one settlement may complete per request.
type PaymentRequest struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PayTo      string     `gorm:"type:varchar(64);not null" json:"pay_to"`
	Amount     string     `gorm:"type:varchar(78);not null" json:"amount"` // atomic units, decimal string
	PaywallID  *uuid.UUID `gorm:"type:uuid;index" json:"paywall_id,omitempty"`
	ValidUntil time.Time  `gorm:"index" json:"valid_until"`
	Creator    string     `gorm:"type:varchar(64);index" json:"creator"`
	Settled    bool       `gorm:"default:false;index" json:"settled"`
	Cancelled  bool       `gorm:"default:false" json:"cancelled"`
}

// BeforeCreate assigns an id when the caller did not.
func (r *PaymentRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Open reports whether the request can still be settled at t.
func (r *PaymentRequest) Open(t time.Time) bool {
	return !r.Settled && !r.Cancelled && t.Before(r.ValidUntil)
}
