package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ListingStatus string

const (
	ListingStatusOpen      ListingStatus = "OPEN"
	ListingStatusMatched   ListingStatus = "MATCHED"
	ListingStatusCompleted ListingStatus = "COMPLETED"
	ListingStatusCancelled ListingStatus = "CANCELLED"
)

// Role identifies which side of a listing an actor is on.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleTraveler Role = "traveler"
)

func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleBuyer, RoleTraveler:
		return Role(raw), nil
	default:
		return "", fmt.Errorf("%w: role must be buyer or traveler", ErrInvalidInput)
	}
}

// Listing is a buyer's delivery request. TravelerID and both OTPs are populated
// exactly when the listing is MATCHED or COMPLETED.
type Listing struct {
	ID                  uuid.UUID       `json:"id"`
	BuyerID             string          `json:"buyer_id"`
	ItemDescription     string          `json:"item_description"`
	ItemPrice           decimal.Decimal `json:"item_price"`
	MaxFee              decimal.Decimal `json:"max_fee"`
	ReservedAmount      decimal.Decimal `json:"reserved_amount"`
	PickupLocation      Location        `json:"pickup_location"`
	DestinationLocation Location        `json:"destination_location"`
	Status              ListingStatus   `json:"status"`
	AcceptedBidID       *uuid.UUID      `json:"accepted_bid_id,omitempty"`
	TravelerID          string          `json:"traveler_id,omitempty"`
	OtpBuyer            string          `json:"otp_buyer,omitempty"`
	OtpTraveler         string          `json:"otp_traveler,omitempty"`
	BuyerConfirmed      bool            `json:"buyer_confirmed"`
	TravelerConfirmed   bool            `json:"traveler_confirmed"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	MatchedAt           *time.Time      `json:"matched_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	CancelledAt         *time.Time      `json:"cancelled_at,omitempty"`
}

// NewListingInput carries buyer-supplied details. Locations are optional in the
// draft but required before the listing can be created.
type NewListingInput struct {
	BuyerID             string
	ItemDescription     string
	ItemPrice           decimal.Decimal
	MaxFee              decimal.Decimal
	PickupLocation      *Location
	DestinationLocation *Location
}

func (in NewListingInput) Validate() error {
	if in.BuyerID == "" {
		return fmt.Errorf("%w: buyer is required", ErrInvalidInput)
	}
	if in.ItemDescription == "" {
		return fmt.Errorf("%w: item description is required", ErrInvalidInput)
	}
	if !in.ItemPrice.IsPositive() {
		return fmt.Errorf("%w: item price must be greater than zero", ErrInvalidInput)
	}
	if !in.MaxFee.IsPositive() {
		return fmt.Errorf("%w: max fee must be greater than zero", ErrInvalidInput)
	}
	if err := ValidateCents("item price", in.ItemPrice); err != nil {
		return err
	}
	if err := ValidateCents("max fee", in.MaxFee); err != nil {
		return err
	}
	if in.PickupLocation == nil {
		return fmt.Errorf("%w: pickup location is required", ErrInvalidInput)
	}
	if in.DestinationLocation == nil {
		return fmt.Errorf("%w: destination location is required", ErrInvalidInput)
	}
	if err := in.PickupLocation.Validate(); err != nil {
		return err
	}
	return in.DestinationLocation.Validate()
}

// RoleOf reports the side userID plays on the listing.
func (l Listing) RoleOf(userID string) (Role, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == l.BuyerID:
		return RoleBuyer, true
	case userID == l.TravelerID:
		return RoleTraveler, true
	default:
		return "", false
	}
}

// Counterparty returns the other side of the delivery for a participant.
func (l Listing) Counterparty(userID string) string {
	if userID == l.BuyerID {
		return l.TravelerID
	}
	return l.BuyerID
}

// ExpectedOtp returns the code a submitter must present: buyers enter the
// traveler's code and travelers enter the buyer's.
func (l Listing) ExpectedOtp(role Role) string {
	if role == RoleBuyer {
		return l.OtpTraveler
	}
	return l.OtpBuyer
}

func (l Listing) Confirmed(role Role) bool {
	if role == RoleBuyer {
		return l.BuyerConfirmed
	}
	return l.TravelerConfirmed
}

func (l Listing) BothConfirmed() bool {
	return l.BuyerConfirmed && l.TravelerConfirmed
}

// ViewFor hides the OTP that belongs to the other party.
func (l Listing) ViewFor(userID string) Listing {
	view := l
	role, ok := l.RoleOf(userID)
	if !ok || role != RoleBuyer {
		view.OtpBuyer = ""
	}
	if !ok || role != RoleTraveler {
		view.OtpTraveler = ""
	}
	return view
}
