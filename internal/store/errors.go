package store

import (
	"fmt"
	"strings"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Shared guard failures so both repository implementations report identical messages.

func errListingNotFound() error {
	return fmt.Errorf("%w: listing not found", domain.ErrNotFound)
}

func errBidNotFound() error {
	return fmt.Errorf("%w: bid not found", domain.ErrNotFound)
}

func errUserNotFound() error {
	return fmt.Errorf("%w: user not found", domain.ErrNotFound)
}

func errListingNotOpen(status domain.ListingStatus) error {
	switch status {
	case domain.ListingStatusMatched, domain.ListingStatusCompleted:
		return fmt.Errorf("%w: listing already matched", domain.ErrInvalidState)
	case domain.ListingStatusCancelled:
		return fmt.Errorf("%w: this listing was cancelled", domain.ErrInvalidState)
	default:
		return fmt.Errorf("%w: this listing is no longer open", domain.ErrInvalidState)
	}
}

func errBidAlreadyDecided(status domain.BidStatus) error {
	return fmt.Errorf("%w: bid was already %s", domain.ErrInvalidState, strings.ToLower(string(status)))
}

func errListingNotMatched(status domain.ListingStatus) error {
	return fmt.Errorf("%w: listing is %s, not awaiting delivery confirmation", domain.ErrInvalidState, strings.ToLower(string(status)))
}

func errInsufficientFunds(balance, required decimal.Decimal) error {
	return fmt.Errorf("%w: wallet balance %s is below the required %s", domain.ErrInsufficientFunds, balance.StringFixed(2), required.StringFixed(2))
}

func errDuplicatePendingBid() error {
	return fmt.Errorf("%w: you already have a pending bid on this listing", domain.ErrInvalidState)
}

func errDuplicateRating() error {
	return fmt.Errorf("%w: you already rated this delivery", domain.ErrInvalidState)
}

func errLedgerDuplicate() error {
	return fmt.Errorf("%w: wallet entry already recorded for this listing", domain.ErrInvalidState)
}
