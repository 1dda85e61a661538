package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/google/uuid"
)

// OtpResult reports the outcome of one OTP submission. Settled is true once
// the delivery is completed, whether by this call or an earlier one.
type OtpResult struct {
	Listing    domain.Listing     `json:"listing"`
	Confirmed  bool               `json:"confirmed"`
	Settled    bool               `json:"settled"`
	Settlement *domain.Settlement `json:"settlement,omitempty"`
}

// SubmitOtp checks a party's code against the counterparty's OTP. Buyers enter
// the traveler's code and travelers enter the buyer's. When both sides have
// confirmed the listing is settled exactly once. An empty role is derived from
// the actor's side of the listing.
func (s *Service) SubmitOtp(ctx context.Context, listingID uuid.UUID, actorID string, role domain.Role, code string) (*OtpResult, error) {
	listing, err := s.repo.FindListingByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	actual, ok := listing.RoleOf(actorID)
	if !ok {
		return nil, fmt.Errorf("%w: you are not part of this delivery", domain.ErrForbidden)
	}
	if role == "" {
		role = actual
	}
	if role != actual {
		return nil, fmt.Errorf("%w: you are not the %s on this listing", domain.ErrForbidden, role)
	}

	switch listing.Status {
	case domain.ListingStatusMatched:
	case domain.ListingStatusCompleted:
		return nil, fmt.Errorf("%w: this delivery is already completed", domain.ErrInvalidState)
	default:
		return nil, fmt.Errorf("%w: this listing is not awaiting delivery confirmation", domain.ErrInvalidState)
	}

	attemptKey := otpAttemptKey(listingID, role)
	if err := s.checkOtpLockout(ctx, attemptKey); err != nil {
		return nil, err
	}
	if !otpMatches(strings.TrimSpace(code), listing.ExpectedOtp(role)) {
		return nil, s.otpMismatch(ctx, listingID, attemptKey)
	}
	s.clearOtpMismatches(ctx, listingID, attemptKey)

	alreadyConfirmed := listing.Confirmed(role)
	updated, err := s.repo.RecordConfirmation(ctx, listingID, role, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("otp confirmed", "listing_id", listingID, "role", role)

	result := &OtpResult{Listing: updated.ViewFor(actorID), Confirmed: true}
	if !updated.BothConfirmed() {
		if !alreadyConfirmed {
			counterparty := updated.Counterparty(actorID)
			s.publish(ctx, listingEvent(domain.EventOtpConfirmedByCounterparty, counterparty, listingID, map[string]any{
				"confirmed_by": string(role),
			}))
		}
		return result, nil
	}

	settlement, completed, err := s.settle(ctx, listingID)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			s.logger.Warn("settlement deferred: buyer cannot cover final amount", "listing_id", listingID, "err", err)
			return result, nil
		}
		return nil, fmt.Errorf("settle listing: %w", err)
	}
	result.Listing = completed.ViewFor(actorID)
	result.Settled = true
	result.Settlement = settlement
	return result, nil
}

// settle performs the final transfer. Only the call that actually moves money
// publishes completion events.
func (s *Service) settle(ctx context.Context, listingID uuid.UUID) (*domain.Settlement, *domain.Listing, error) {
	res, err := s.repo.SettleListing(ctx, listingID, s.now())
	if err != nil {
		return nil, nil, err
	}
	settlement := res.Settlement
	if !res.Settled {
		return &settlement, &res.Listing, nil
	}

	s.logger.Info("listing settled",
		"listing_id", listingID,
		"buyer_debit", settlement.BuyerDebit.StringFixed(2),
		"traveler_credit", settlement.TravelerCredit.StringFixed(2),
	)
	data := map[string]any{
		"buyer_debit":     settlement.BuyerDebit.StringFixed(2),
		"traveler_credit": settlement.TravelerCredit.StringFixed(2),
		"accepted_fee":    settlement.AcceptedFee.StringFixed(2),
	}
	s.publish(ctx, listingEvent(domain.EventDeliveryCompleted, settlement.BuyerID, listingID, data))
	s.publish(ctx, listingEvent(domain.EventDeliveryCompleted, settlement.TravelerID, listingID, data))
	return &settlement, &res.Listing, nil
}

// SettlePending retries settlement for listings both parties confirmed but
// that were not completed, such as after a buyer shortfall.
func (s *Service) SettlePending(ctx context.Context) (int, error) {
	listings, err := s.repo.FindListingsAwaitingSettlement(ctx, s.settings.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("load listings awaiting settlement: %w", err)
	}
	settled := 0
	for _, l := range listings {
		if _, _, err := s.settle(ctx, l.ID); err != nil {
			s.logger.Error("settlement retry failed", "listing_id", l.ID, "err", err)
			continue
		}
		settled++
	}
	return settled, nil
}

func (s *Service) otpLockoutEnabled() bool {
	return s.attempts != nil && s.settings.OtpMaxAttempts > 0
}

// checkOtpLockout fails open when the guard's backend is unavailable.
func (s *Service) checkOtpLockout(ctx context.Context, key string) error {
	if !s.otpLockoutEnabled() {
		return nil
	}
	wait, err := s.attempts.LockedFor(ctx, key, s.settings.OtpMaxAttempts)
	if err != nil {
		s.logger.Warn("otp lockout check failed; allowing attempt", "key", key, "err", err)
		return nil
	}
	if wait > 0 {
		seconds := int(math.Ceil(wait.Seconds()))
		return fmt.Errorf("%w: too many incorrect codes, try again in %d seconds", domain.ErrTooManyAttempts, seconds)
	}
	return nil
}

func (s *Service) otpMismatch(ctx context.Context, listingID uuid.UUID, key string) error {
	if !s.otpLockoutEnabled() {
		return fmt.Errorf("%w: the code does not match", domain.ErrInvalidOtp)
	}
	failures, err := s.attempts.RecordMismatch(ctx, key, s.settings.OtpAttemptWindow)
	if err != nil {
		s.logger.Warn("recording otp mismatch failed", "listing_id", listingID, "err", err)
		return fmt.Errorf("%w: the code does not match", domain.ErrInvalidOtp)
	}
	left := s.settings.OtpMaxAttempts - failures
	if left <= 0 {
		s.logger.Warn("otp entry locked after repeated mismatches", "listing_id", listingID, "key", key)
		return fmt.Errorf("%w: the code does not match and entry is now locked", domain.ErrInvalidOtp)
	}
	return fmt.Errorf("%w: the code does not match, %d attempts left", domain.ErrInvalidOtp, left)
}

func (s *Service) clearOtpMismatches(ctx context.Context, listingID uuid.UUID, key string) {
	if !s.otpLockoutEnabled() {
		return
	}
	if err := s.attempts.Clear(ctx, key); err != nil {
		s.logger.Warn("clearing otp mismatches failed", "listing_id", listingID, "err", err)
	}
}
