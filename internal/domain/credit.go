package domain

import (
	"time"

	"github.com/google/uuid"
)

// Direction is the sign of a ledger entry.
type Direction string

// Ledger directions.
const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// EntryKind classifies why a ledger entry was written.
type EntryKind string

// Ledger entry kinds. At most one refund entry exists per task.
const (
	EntryKindReserve EntryKind = "reserve"
	EntryKindRefund  EntryKind = "refund"
	EntryKindGrant   EntryKind = "grant"
)

// LedgerEntry is an append-only record of a balance change.
type LedgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	TaskID       *uuid.UUID `json:"task_id,omitempty"`
	Amount       int        `json:"amount"`
	Direction    Direction  `json:"direction"`
	Kind         EntryKind  `json:"kind"`
	BalanceAfter *int       `json:"balance_after,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Pricing maps a tier to the credits charged per generated image.
type Pricing map[Tier]int

// DefaultPricing charges one credit per standard image and two per HD image.
func DefaultPricing() Pricing {
	return Pricing{TierStandard: 1, TierHD: 2}
}

// Cost returns the credits charged for count images of the given tier.
// Unknown tiers are charged at the standard rate.
func Cost(count int, tier Tier, pricing Pricing) int {
	if count <= 0 {
		return 0
	}
	perImage, ok := pricing[tier.OrDefault()]
	if !ok {
		perImage = pricing[TierStandard]
	}
	if perImage <= 0 {
		perImage = 1
	}
	return count * perImage
}
