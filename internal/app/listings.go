package app

import (
	"context"
	"fmt"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/carrymate/delivery-service/internal/store"
	"github.com/google/uuid"
)

// CreateListing reserves half of price plus max fee from the buyer, stores the
// listing as OPEN and fans it out to nearby travelers.
func (s *Service) CreateListing(ctx context.Context, in domain.NewListingInput) (*domain.Listing, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	if _, err := s.repo.EnsureUser(ctx, in.BuyerID, now); err != nil {
		return nil, err
	}

	listing := &domain.Listing{
		ID:                  uuid.New(),
		BuyerID:             in.BuyerID,
		ItemDescription:     in.ItemDescription,
		ItemPrice:           in.ItemPrice.Round(2),
		MaxFee:              in.MaxFee.Round(2),
		PickupLocation:      *in.PickupLocation,
		DestinationLocation: *in.DestinationLocation,
		Status:              domain.ListingStatusOpen,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	listing.ReservedAmount = domain.ReservedAmount(listing.ItemPrice, listing.MaxFee)

	if err := s.repo.CreateListingWithReservation(ctx, listing); err != nil {
		return nil, err
	}
	s.logger.Info("listing created",
		"listing_id", listing.ID,
		"buyer_id", listing.BuyerID,
		"reserved", listing.ReservedAmount.StringFixed(2),
	)

	s.fanOutListing(ctx, *listing)
	return listing, nil
}

// CancelListing lets the buyer withdraw an OPEN listing. The reservation is
// refunded and every pending bid is declined.
func (s *Service) CancelListing(ctx context.Context, listingID uuid.UUID, requesterID string) (*store.CancelListingResult, error) {
	listing, err := s.repo.FindListingByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.BuyerID != requesterID {
		return nil, fmt.Errorf("%w: only the buyer can cancel this listing", domain.ErrForbidden)
	}

	result, err := s.repo.CancelListing(ctx, listingID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("listing cancelled", "listing_id", listingID, "refund", result.Refund.StringFixed(2))

	for _, bid := range result.Declined {
		s.timers.Cancel(bidExpiryKey(bid.ID))
		s.publish(ctx, bidEvent(domain.EventBidDeclined, bid.TravelerID, bid, map[string]any{
			"reason": bid.DeclineReason,
		}))
	}
	s.publish(ctx, listingEvent(domain.EventListingCancelled, listing.BuyerID, listingID, map[string]any{
		"refund": result.Refund.StringFixed(2),
	}))
	return result, nil
}

// GetListing returns a listing with the other party's OTP hidden.
func (s *Service) GetListing(ctx context.Context, listingID uuid.UUID, viewerID string) (*domain.Listing, error) {
	listing, err := s.repo.FindListingByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	view := listing.ViewFor(viewerID)
	return &view, nil
}

func (s *Service) ListMyListings(ctx context.Context, userID string) ([]domain.Listing, error) {
	listings, err := s.repo.FindListingsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range listings {
		listings[i] = listings[i].ViewFor(userID)
	}
	return listings, nil
}

// ListBids returns every bid to the buyer and only their own bids to anyone else.
func (s *Service) ListBids(ctx context.Context, listingID uuid.UUID, viewerID string) ([]domain.Bid, error) {
	listing, err := s.repo.FindListingByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	bids, err := s.repo.FindBidsByListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.BuyerID == viewerID {
		return bids, nil
	}
	own := make([]domain.Bid, 0)
	for _, b := range bids {
		if b.TravelerID == viewerID {
			own = append(own, b)
		}
	}
	return own, nil
}
