package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BidStatus string

const (
	BidStatusPending  BidStatus = "PENDING"
	BidStatusAccepted BidStatus = "ACCEPTED"
	BidStatusDeclined BidStatus = "DECLINED"
	BidStatusExpired  BidStatus = "EXPIRED"
)

// Reasons recorded on bids that leave PENDING without buyer action.
const (
	DeclineReasonBuyer            = "declined by buyer"
	DeclineReasonOtherAccepted    = "another bid was accepted"
	DeclineReasonListingCancelled = "listing was cancelled"
)

// Bid is a traveler's offer to deliver a listing for ProposedFee. A direct
// accept is a bid at exactly the listing's max fee that never gets an expiry.
type Bid struct {
	ID            uuid.UUID       `json:"id"`
	ListingID     uuid.UUID       `json:"listing_id"`
	TravelerID    string          `json:"traveler_id"`
	ProposedFee   decimal.Decimal `json:"proposed_fee"`
	Status        BidStatus       `json:"status"`
	IsDirect      bool            `json:"is_direct"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
	DeclineReason string          `json:"decline_reason,omitempty"`
	CreatedAt     time.Time       `json:"timestamp"`
}

func (b Bid) IsPending() bool {
	return b.Status == BidStatusPending
}
