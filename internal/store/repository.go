/**
 * @description
 * This file defines the data access contract for the delivery engine. Every method
 * that moves money or changes a listing/bid status is atomic: the guard on the
 * current status and the write it protects commit together or not at all.
 *
 * @dependencies
 * - github.com/google/uuid, github.com/shopspring/decimal
 * - internal/domain: entity types and error kinds.
 */

package store

import (
	"context"
	"time"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AcceptBidParams carries the freshly generated OTP pair into the matching transaction.
type AcceptBidParams struct {
	ListingID   uuid.UUID
	BidID       uuid.UUID
	OtpBuyer    string
	OtpTraveler string
	At          time.Time
}

// AcceptBidResult is the committed outcome of a match.
type AcceptBidResult struct {
	Listing  domain.Listing
	Bid      domain.Bid
	Declined []domain.Bid
}

// CancelListingResult is the committed outcome of a buyer cancellation.
type CancelListingResult struct {
	Listing  domain.Listing
	Refund   decimal.Decimal
	Declined []domain.Bid
}

// SettlementResult reports whether this call performed the transfer. Settled is
// false when the listing had already been completed by an earlier call.
type SettlementResult struct {
	Listing    domain.Listing
	Settlement domain.Settlement
	Settled    bool
}

// Repository defines the interface for database operations.
type Repository interface {
	EnsureUser(ctx context.Context, userID string, at time.Time) (*domain.User, error)
	FindUserByID(ctx context.Context, userID string) (*domain.User, error)
	FindAvailableUsers(ctx context.Context) ([]domain.User, error)
	UpdateAvailability(ctx context.Context, userID string, availability domain.Availability) error
	// UpdateLiveLocation moves a traveler only while they are available with
	// live sharing on, and reports whether a row was written.
	UpdateLiveLocation(ctx context.Context, userID string, loc domain.Location, at time.Time) (bool, error)
	// EndLiveAvailability marks a live-sharing traveler unavailable, and
	// reports false when sharing was already off.
	EndLiveAvailability(ctx context.Context, userID string, at time.Time) (bool, error)

	TopUpWallet(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) (*domain.LedgerEntry, error)
	ListWalletEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)

	CreateListingWithReservation(ctx context.Context, listing *domain.Listing) error
	FindListingByID(ctx context.Context, listingID uuid.UUID) (*domain.Listing, error)
	FindOpenListings(ctx context.Context) ([]domain.Listing, error)
	FindListingsByUser(ctx context.Context, userID string) ([]domain.Listing, error)
	FindListingsAwaitingSettlement(ctx context.Context, limit int) ([]domain.Listing, error)
	CancelListing(ctx context.Context, listingID uuid.UUID, at time.Time) (*CancelListingResult, error)

	CreateBid(ctx context.Context, bid *domain.Bid) error
	FindBidByID(ctx context.Context, bidID uuid.UUID) (*domain.Bid, error)
	FindBidsByListing(ctx context.Context, listingID uuid.UUID) ([]domain.Bid, error)
	FindOverduePendingBids(ctx context.Context, now time.Time, limit int) ([]domain.Bid, error)
	AcceptBid(ctx context.Context, params AcceptBidParams) (*AcceptBidResult, error)
	DeclineBid(ctx context.Context, bidID uuid.UUID, reason string, at time.Time) (*domain.Bid, error)
	ExpireBid(ctx context.Context, bidID uuid.UUID, at time.Time) (*domain.Bid, error)

	RecordConfirmation(ctx context.Context, listingID uuid.UUID, role domain.Role, at time.Time) (*domain.Listing, error)
	SettleListing(ctx context.Context, listingID uuid.UUID, at time.Time) (*SettlementResult, error)

	MarkNotified(ctx context.Context, userID string, listingID uuid.UUID, at time.Time) (bool, error)
	FindNotifiedListingIDs(ctx context.Context, userID string) (map[uuid.UUID]struct{}, error)

	SubmitRating(ctx context.Context, rating domain.Rating) (*domain.User, error)
}
