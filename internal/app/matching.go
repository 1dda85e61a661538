package app

import (
	"context"
	"fmt"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/carrymate/delivery-service/internal/geo"
	"github.com/google/uuid"
)

// fanOutListing prompts every available traveler in range of a new listing.
// Per-user failures are logged and do not stop the fan-out.
func (s *Service) fanOutListing(ctx context.Context, listing domain.Listing) int {
	users, err := s.repo.FindAvailableUsers(ctx)
	if err != nil {
		s.logger.Error("fan-out: failed to load available users", "listing_id", listing.ID, "err", err)
		return 0
	}

	sent := 0
	for _, user := range users {
		if user.ID == listing.BuyerID || !user.Availability.CanReceiveFanOut() {
			continue
		}
		distance, ok := geo.Reachable(*user.Availability.Location, listing.PickupLocation, user.Availability.RadiusKm)
		if !ok {
			continue
		}
		first, err := s.repo.MarkNotified(ctx, user.ID, listing.ID, s.now())
		if err != nil {
			s.logger.Error("fan-out: failed to record notification", "listing_id", listing.ID, "user_id", user.ID, "err", err)
			continue
		}
		if !first {
			continue
		}
		s.publish(ctx, listingEvent(domain.EventNewListingNearby, user.ID, listing.ID, map[string]any{
			"listing": domain.SummarizeListing(listing, distance),
		}))
		sent++
	}
	if sent > 0 {
		s.logger.Info("listing fanned out", "listing_id", listing.ID, "travelers", sent)
	}
	return sent
}

// pushNearby notifies a traveler of open listings reachable from origin that
// they have not seen yet, nearest first. limit <= 0 sends every match. Transient
// pushes are withdrawn after the display window.
func (s *Service) pushNearby(ctx context.Context, user domain.User, origin domain.Location, limit int, transient bool) ([]domain.NotificationEvent, error) {
	if user.Availability.RadiusKm <= 0 {
		return nil, nil
	}
	open, err := s.repo.FindOpenListings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open listings: %w", err)
	}
	seen, err := s.repo.FindNotifiedListingIDs(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load notified listings: %w", err)
	}
	candidates := geo.NearestListings(origin, user.Availability.RadiusKm, open, func(l domain.Listing) bool {
		if l.BuyerID == user.ID {
			return true
		}
		_, notified := seen[l.ID]
		return notified
	}, limit)

	events := make([]domain.NotificationEvent, 0, len(candidates))
	for _, c := range candidates {
		first, err := s.repo.MarkNotified(ctx, user.ID, c.Listing.ID, s.now())
		if err != nil {
			s.logger.Error("rematch: failed to record notification", "listing_id", c.Listing.ID, "user_id", user.ID, "err", err)
			continue
		}
		if !first {
			continue
		}
		event := listingEvent(domain.EventNewListingNearby, user.ID, c.Listing.ID, map[string]any{
			"listing": domain.SummarizeListing(c.Listing, c.DistanceKm),
		})
		event.EventID = uuid.New()
		event.OccurredAt = s.now()
		if transient {
			s.markTransient(user.ID, &event)
		}
		s.publish(ctx, event)
		events = append(events, event)
	}
	return events, nil
}

func (s *Service) markTransient(userID string, event *domain.NotificationEvent) {
	notificationID := uuid.New()
	expiresAt := s.now().Add(s.settings.TransientTTL)
	event.Transient = true
	event.NotificationID = &notificationID
	event.ExpiresAt = &expiresAt

	s.tracker.AddTransient(userID, notificationID, expiresAt)
	s.timers.Schedule(withdrawalKey(notificationID), s.settings.TransientTTL, func() {
		s.withdrawNotification(context.Background(), userID, notificationID)
	})
}

// withdrawNotification tells the channel to remove a transient message. It is a
// no-op if the message was already withdrawn.
func (s *Service) withdrawNotification(ctx context.Context, userID string, notificationID uuid.UUID) {
	if !s.tracker.RemoveTransient(userID, notificationID) {
		return
	}
	s.publishWithdrawal(ctx, userID, notificationID)
}

func (s *Service) publishWithdrawal(ctx context.Context, userID string, notificationID uuid.UUID) {
	id := notificationID
	s.publish(ctx, domain.NotificationEvent{
		EventType:      domain.EventNotificationWithdrawn,
		UserID:         userID,
		NotificationID: &id,
	})
}

// RematchAvailableUsers re-scans every available traveler against open
// listings they have not been notified about.
func (s *Service) RematchAvailableUsers(ctx context.Context) (int, error) {
	users, err := s.repo.FindAvailableUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("load available users: %w", err)
	}
	sent := 0
	for _, user := range users {
		if !user.Availability.CanReceiveFanOut() {
			continue
		}
		events, err := s.pushNearby(ctx, user, *user.Availability.Location, 0, false)
		if err != nil {
			s.logger.Error("rematch failed for user", "user_id", user.ID, "err", err)
			continue
		}
		sent += len(events)
	}
	return sent, nil
}
