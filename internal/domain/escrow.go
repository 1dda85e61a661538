package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	buyerShare    = decimal.RequireFromString("0.5")
	travelerShare = decimal.RequireFromString("0.95")
)

// ValidateCents rejects amounts with more precision than one cent.
func ValidateCents(field string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: %s is limited to cents", ErrInvalidInput, field)
	}
	return nil
}

// ReservedAmount is debited from the buyer when the listing is created.
func ReservedAmount(itemPrice, maxFee decimal.Decimal) decimal.Decimal {
	return buyerShare.Mul(itemPrice.Add(maxFee)).Round(2)
}

// FinalAmount is debited from the buyer at settlement, based on the accepted fee.
func FinalAmount(itemPrice, acceptedFee decimal.Decimal) decimal.Decimal {
	return buyerShare.Mul(itemPrice.Add(acceptedFee)).Round(2)
}

// TravelerPayment is credited to the traveler at settlement.
func TravelerPayment(itemPrice, acceptedFee decimal.Decimal) decimal.Decimal {
	return travelerShare.Mul(itemPrice.Add(acceptedFee)).Round(2)
}

// Settlement records the money moved when a listing completes.
type Settlement struct {
	ListingID      uuid.UUID       `json:"listing_id"`
	BuyerID        string          `json:"buyer_id"`
	TravelerID     string          `json:"traveler_id"`
	AcceptedFee    decimal.Decimal `json:"accepted_fee"`
	BuyerDebit     decimal.Decimal `json:"buyer_debit"`
	TravelerCredit decimal.Decimal `json:"traveler_credit"`
}

// NewSettlement derives settlement amounts from the listing and its accepted fee.
func NewSettlement(listing Listing, acceptedFee decimal.Decimal) Settlement {
	return Settlement{
		ListingID:      listing.ID,
		BuyerID:        listing.BuyerID,
		TravelerID:     listing.TravelerID,
		AcceptedFee:    acceptedFee,
		BuyerDebit:     FinalAmount(listing.ItemPrice, acceptedFee),
		TravelerCredit: TravelerPayment(listing.ItemPrice, acceptedFee),
	}
}

// LedgerEntryKind classifies a wallet movement.
type LedgerEntryKind string

const (
	LedgerEntryTopUp          LedgerEntryKind = "topup"
	LedgerEntryReserve        LedgerEntryKind = "reserve"
	LedgerEntryRefund         LedgerEntryKind = "refund"
	LedgerEntryFinalCharge    LedgerEntryKind = "final_charge"
	LedgerEntryTravelerPayout LedgerEntryKind = "traveler_payout"
)

// LedgerEntry is one row of the wallet audit trail. Amount is signed: debits are negative.
type LedgerEntry struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	ListingID    *uuid.UUID      `json:"listing_id,omitempty"`
	Kind         LedgerEntryKind `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Rating is one party's score for the other after a completed delivery.
type Rating struct {
	ListingID uuid.UUID `json:"listing_id"`
	RaterID   string    `json:"rater_id"`
	TargetID  string    `json:"target_id"`
	Value     int       `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	MinRating = 0
	MaxRating = 5
)
