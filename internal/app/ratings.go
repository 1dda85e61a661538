package app

import (
	"context"
	"fmt"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/google/uuid"
)

// SubmitRating lets either party rate the other once the delivery is completed.
// The target's rating becomes the mean of every rating they have received.
func (s *Service) SubmitRating(ctx context.Context, listingID uuid.UUID, raterID string, value int) (*domain.User, error) {
	if value < domain.MinRating || value > domain.MaxRating {
		return nil, fmt.Errorf("%w: rating must be between %d and %d", domain.ErrInvalidInput, domain.MinRating, domain.MaxRating)
	}
	listing, err := s.repo.FindListingByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if _, ok := listing.RoleOf(raterID); !ok {
		return nil, fmt.Errorf("%w: only the buyer or traveler can rate this delivery", domain.ErrForbidden)
	}
	if listing.Status != domain.ListingStatusCompleted {
		return nil, fmt.Errorf("%w: ratings open once the delivery is completed", domain.ErrInvalidState)
	}

	target, err := s.repo.SubmitRating(ctx, domain.Rating{
		ListingID: listingID,
		RaterID:   raterID,
		TargetID:  listing.Counterparty(raterID),
		Value:     value,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("rating submitted", "listing_id", listingID, "rater_id", raterID, "target_id", target.ID, "value", value)
	return target, nil
}
