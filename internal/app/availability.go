package app

import (
	"context"
	"fmt"
	"time"

	"github.com/carrymate/delivery-service/internal/domain"
)

// AvailabilityInput updates a traveler's availability. Nil fields keep their current value.
type AvailabilityInput struct {
	IsAvailable    bool
	Location       *domain.Location
	RadiusKm       *float64
	IsLiveLocation *bool
}

// SetAvailability records whether a traveler is taking deliveries. Becoming
// available triggers an immediate scan of open listings.
func (s *Service) SetAvailability(ctx context.Context, userID string, in AvailabilityInput) (*domain.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidInput)
	}
	user, err := s.repo.EnsureUser(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}

	next := user.Availability
	next.IsAvailable = in.IsAvailable
	next.UpdatedAt = s.now()
	if in.Location != nil {
		if err := in.Location.Validate(); err != nil {
			return nil, err
		}
		loc := *in.Location
		next.Location = &loc
	}
	if in.RadiusKm != nil {
		if *in.RadiusKm < 0 {
			return nil, fmt.Errorf("%w: radius cannot be negative", domain.ErrInvalidInput)
		}
		next.RadiusKm = *in.RadiusKm
	}
	if in.IsLiveLocation != nil {
		next.IsLiveLocation = *in.IsLiveLocation
	}
	if next.IsAvailable && (next.Location == nil || next.RadiusKm <= 0) {
		return nil, fmt.Errorf("%w: location and a radius greater than zero are required to become available", domain.ErrInvalidInput)
	}

	if err := s.repo.UpdateAvailability(ctx, userID, next); err != nil {
		return nil, err
	}
	user.Availability = next

	if next.IsAvailable && next.IsLiveLocation {
		s.tracker.RecordUpdate(userID, *next.Location, s.now(), time.Time{}, s.settings.LiveMoveThresholdKm, s.settings.LiveRescanInterval)
	} else {
		s.stopTracking(ctx, userID)
	}

	if next.IsAvailable {
		if _, err := s.pushNearby(ctx, *user, *next.Location, 0, false); err != nil {
			s.logger.Error("availability scan failed", "user_id", userID, "err", err)
		}
	}
	s.logger.Info("availability updated", "user_id", userID, "available", next.IsAvailable, "live", next.IsLiveLocation)
	return user, nil
}

// PushLocationUpdate records a live-location update and, when the traveler
// moved far enough or the last scan is old, pushes a small batch of the nearest
// new listings as transient notifications.
func (s *Service) PushLocationUpdate(ctx context.Context, userID string, loc domain.Location) ([]domain.NotificationEvent, error) {
	return s.pushLocation(ctx, userID, loc, time.Time{})
}

// PushReportedLocation applies an update from the location stream. Updates
// not newer than the last accepted report for the traveler are rejected.
func (s *Service) PushReportedLocation(ctx context.Context, update domain.LocationUpdate) ([]domain.NotificationEvent, error) {
	return s.pushLocation(ctx, update.UserID, update.Location, update.Timestamp)
}

func (s *Service) pushLocation(ctx context.Context, userID string, loc domain.Location, reportedAt time.Time) ([]domain.NotificationEvent, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Availability.IsAvailable || !user.Availability.IsLiveLocation {
		return nil, errLiveSharingInactive()
	}
	if !s.tracker.ClaimReport(userID, reportedAt) {
		return nil, fmt.Errorf("%w: location update is older than the last one", domain.ErrInvalidState)
	}

	now := s.now()
	updated, err := s.repo.UpdateLiveLocation(ctx, userID, loc, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errLiveSharingInactive()
	}
	rescan := s.tracker.RecordUpdate(userID, loc, now, reportedAt, s.settings.LiveMoveThresholdKm, s.settings.LiveRescanInterval)
	user.Availability.Location = &loc
	user.Availability.UpdatedAt = now

	if !rescan {
		return []domain.NotificationEvent{}, nil
	}
	return s.pushNearby(ctx, *user, loc, s.settings.LiveBatchSize, true)
}

func errLiveSharingInactive() error {
	return fmt.Errorf("%w: live location sharing is not active", domain.ErrInvalidState)
}

// SweepLiveLocations evicts travelers whose live location went quiet and
// rescans fresh ones whose last scan is older than the rescan interval.
func (s *Service) SweepLiveLocations(ctx context.Context) (evicted, rescanned int) {
	now := s.now()
	for _, userID := range s.tracker.Stale(now, s.settings.LiveStaleTimeout) {
		if err := s.evictStale(ctx, userID); err != nil {
			s.logger.Error("live location eviction failed", "user_id", userID, "err", err)
			continue
		}
		evicted++
	}

	for _, userID := range s.tracker.DueForRescan(now, s.settings.LiveStaleTimeout, s.settings.LiveRescanInterval) {
		rec, ok := s.tracker.Get(userID)
		if !ok {
			continue
		}
		user, err := s.repo.FindUserByID(ctx, userID)
		if err != nil {
			s.logger.Error("live location rescan failed", "user_id", userID, "err", err)
			continue
		}
		if !user.Availability.IsAvailable || !user.Availability.IsLiveLocation {
			s.stopTracking(ctx, userID)
			continue
		}
		s.tracker.MarkScanned(userID, now)
		if _, err := s.pushNearby(ctx, *user, rec.Location, s.settings.LiveBatchSize, true); err != nil {
			s.logger.Error("live location rescan failed", "user_id", userID, "err", err)
			continue
		}
		rescanned++
	}
	return evicted, rescanned
}

func (s *Service) evictStale(ctx context.Context, userID string) error {
	ended, err := s.repo.EndLiveAvailability(ctx, userID, s.now())
	if err != nil {
		return err
	}
	s.stopTracking(ctx, userID)
	if ended {
		s.logger.Info("live location went stale; traveler marked unavailable", "user_id", userID)
	}
	return nil
}

// stopTracking drops the live-location record and withdraws its pending transient notifications.
func (s *Service) stopTracking(ctx context.Context, userID string) {
	rec, ok := s.tracker.Evict(userID)
	if !ok {
		return
	}
	for notificationID := range rec.Transient {
		s.timers.Cancel(withdrawalKey(notificationID))
		s.publishWithdrawal(ctx, userID, notificationID)
	}
}
