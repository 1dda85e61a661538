package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/carrymate/delivery-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MatchResult is returned when a bid is accepted. The engine hands back both
// codes; transports are expected to show each party only its own.
type MatchResult struct {
	Listing     domain.Listing `json:"listing"`
	Bid         domain.Bid     `json:"bid"`
	OtpBuyer    string         `json:"otp_buyer"`
	OtpTraveler string         `json:"otp_traveler"`
}

func (s *Service) checkBiddable(listing *domain.Listing, travelerID string, fee decimal.Decimal) error {
	if listing.Status != domain.ListingStatusOpen {
		return fmt.Errorf("%w: this listing is no longer open", domain.ErrInvalidState)
	}
	if listing.BuyerID == travelerID {
		return fmt.Errorf("%w: you cannot bid on your own listing", domain.ErrSelfBidNotAllowed)
	}
	if fee.LessThan(listing.MaxFee) {
		return fmt.Errorf("%w: fee must be at least %s", domain.ErrFeeTooLow, listing.MaxFee.StringFixed(2))
	}
	return nil
}

// SubmitBid records a traveler's offer and starts the buyer's decision deadline.
func (s *Service) SubmitBid(ctx context.Context, listingID uuid.UUID, travelerID string, fee decimal.Decimal) (*domain.Bid, error) {
	if travelerID == "" {
		return nil, fmt.Errorf("%w: traveler is required", domain.ErrInvalidInput)
	}
	listing, err := s.repo.FindListingByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if err := s.checkBiddable(listing, travelerID, fee); err != nil {
		return nil, err
	}
	if err := domain.ValidateCents("fee", fee); err != nil {
		return nil, err
	}
	fee = fee.Round(2)

	now := s.now()
	if _, err := s.repo.EnsureUser(ctx, travelerID, now); err != nil {
		return nil, err
	}
	expiresAt := now.Add(s.settings.BidDecisionTimeout)
	bid := &domain.Bid{
		ID:          uuid.New(),
		ListingID:   listingID,
		TravelerID:  travelerID,
		ProposedFee: fee,
		Status:      domain.BidStatusPending,
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
	}
	if err := s.repo.CreateBid(ctx, bid); err != nil {
		return nil, err
	}

	bidID := bid.ID
	s.timers.Schedule(bidExpiryKey(bidID), s.settings.BidDecisionTimeout, func() {
		s.expireBid(context.Background(), bidID)
	})

	s.logger.Info("bid submitted", "listing_id", listingID, "bid_id", bid.ID, "traveler_id", travelerID, "fee", fee.StringFixed(2))
	s.publish(ctx, bidEvent(domain.EventBidReceived, listing.BuyerID, *bid, map[string]any{
		"traveler_id":  travelerID,
		"proposed_fee": fee.StringFixed(2),
		"expires_at":   expiresAt,
	}))
	return bid, nil
}

// AcceptBid is the buyer choosing a bid. Exactly one acceptance per listing can succeed.
func (s *Service) AcceptBid(ctx context.Context, listingID, bidID uuid.UUID, acceptorID string) (*MatchResult, error) {
	listing, err := s.repo.FindListingByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.BuyerID != acceptorID {
		return nil, fmt.Errorf("%w: only the buyer can accept bids on this listing", domain.ErrForbidden)
	}
	otps, err := s.newOtpPair()
	if err != nil {
		return nil, err
	}
	return s.match(ctx, listingID, bidID, otps)
}

// DirectAccept takes a listing at its max fee on the traveler's initiative. The
// bid is created and matched immediately; no expiry timer is started. Codes are
// generated before the bid is stored.
func (s *Service) DirectAccept(ctx context.Context, listingID uuid.UUID, travelerID string) (*MatchResult, error) {
	if travelerID == "" {
		return nil, fmt.Errorf("%w: traveler is required", domain.ErrInvalidInput)
	}
	listing, err := s.repo.FindListingByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if err := s.checkBiddable(listing, travelerID, listing.MaxFee); err != nil {
		return nil, err
	}

	otps, err := s.newOtpPair()
	if err != nil {
		return nil, err
	}
	now := s.now()
	if _, err := s.repo.EnsureUser(ctx, travelerID, now); err != nil {
		return nil, err
	}
	bid := &domain.Bid{
		ID:          uuid.New(),
		ListingID:   listingID,
		TravelerID:  travelerID,
		ProposedFee: listing.MaxFee,
		Status:      domain.BidStatusPending,
		IsDirect:    true,
		CreatedAt:   now,
	}
	if err := s.repo.CreateBid(ctx, bid); err != nil {
		return nil, err
	}
	return s.match(ctx, listingID, bid.ID, otps)
}

type otpPair struct {
	buyer    string
	traveler string
}

func (s *Service) newOtpPair() (otpPair, error) {
	buyer, err := s.otpGen(s.settings.OtpLength)
	if err != nil {
		return otpPair{}, fmt.Errorf("generate buyer code: %w", err)
	}
	traveler, err := s.otpGen(s.settings.OtpLength)
	if err != nil {
		return otpPair{}, fmt.Errorf("generate traveler code: %w", err)
	}
	return otpPair{buyer: buyer, traveler: traveler}, nil
}

func (s *Service) match(ctx context.Context, listingID, bidID uuid.UUID, otps otpPair) (*MatchResult, error) {
	result, err := s.repo.AcceptBid(ctx, store.AcceptBidParams{
		ListingID:   listingID,
		BidID:       bidID,
		OtpBuyer:    otps.buyer,
		OtpTraveler: otps.traveler,
		At:          s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.timers.Cancel(bidExpiryKey(bidID))
	s.logger.Info("listing matched", "listing_id", listingID, "bid_id", bidID, "traveler_id", result.Listing.TravelerID)

	listing := result.Listing
	s.publish(ctx, bidEvent(domain.EventBidAccepted, result.Bid.TravelerID, result.Bid, map[string]any{
		"proposed_fee": result.Bid.ProposedFee.StringFixed(2),
	}))
	s.publish(ctx, listingEvent(domain.EventDeliveryMatched, listing.BuyerID, listing.ID, map[string]any{
		"otp":         listing.OtpBuyer,
		"traveler_id": listing.TravelerID,
	}))
	s.publish(ctx, listingEvent(domain.EventDeliveryMatched, listing.TravelerID, listing.ID, map[string]any{
		"otp":      listing.OtpTraveler,
		"buyer_id": listing.BuyerID,
	}))
	for _, declined := range result.Declined {
		s.timers.Cancel(bidExpiryKey(declined.ID))
		s.publish(ctx, bidEvent(domain.EventBidDeclined, declined.TravelerID, declined, map[string]any{
			"reason": declined.DeclineReason,
		}))
	}

	return &MatchResult{
		Listing:     listing,
		Bid:         result.Bid,
		OtpBuyer:    listing.OtpBuyer,
		OtpTraveler: listing.OtpTraveler,
	}, nil
}

// DeclineBid is the buyer rejecting one pending bid.
func (s *Service) DeclineBid(ctx context.Context, listingID, bidID uuid.UUID, declinerID string) (*domain.Bid, error) {
	listing, err := s.repo.FindListingByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.BuyerID != declinerID {
		return nil, fmt.Errorf("%w: only the buyer can decline bids on this listing", domain.ErrForbidden)
	}
	existing, err := s.repo.FindBidByID(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if existing.ListingID != listingID {
		return nil, fmt.Errorf("%w: bid not found", domain.ErrNotFound)
	}

	bid, err := s.repo.DeclineBid(ctx, bidID, domain.DeclineReasonBuyer, s.now())
	if err != nil {
		return nil, err
	}
	s.timers.Cancel(bidExpiryKey(bidID))
	s.publish(ctx, bidEvent(domain.EventBidDeclined, bid.TravelerID, *bid, map[string]any{
		"reason": bid.DeclineReason,
	}))
	return bid, nil
}

// expireBid runs when a bid's decision deadline passes. Losing the race to an
// explicit accept or decline is a silent no-op.
func (s *Service) expireBid(ctx context.Context, bidID uuid.UUID) bool {
	bid, err := s.repo.ExpireBid(ctx, bidID, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotFound) {
			s.logger.Debug("bid already decided before expiry", "bid_id", bidID, "err", err)
			return false
		}
		s.logger.Error("bid expiry failed", "bid_id", bidID, "err", err)
		return false
	}
	s.timers.Cancel(bidExpiryKey(bidID))

	listing, err := s.repo.FindListingByID(ctx, bid.ListingID)
	if err != nil {
		s.logger.Error("bid expired but listing lookup failed", "bid_id", bidID, "err", err)
	} else {
		s.publish(ctx, bidEvent(domain.EventBidExpired, listing.BuyerID, *bid, nil))
	}
	s.publish(ctx, bidEvent(domain.EventBidExpired, bid.TravelerID, *bid, nil))
	s.logger.Info("bid expired", "bid_id", bidID, "listing_id", bid.ListingID)
	return true
}

// ExpireOverdueBids expires PENDING bids whose deadline passed without a live
// timer, for example after a restart.
func (s *Service) ExpireOverdueBids(ctx context.Context) (int, error) {
	overdue, err := s.repo.FindOverduePendingBids(ctx, s.now(), s.settings.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("load overdue bids: %w", err)
	}
	expired := 0
	for _, bid := range overdue {
		if s.expireBid(ctx, bid.ID) {
			expired++
		}
	}
	return expired, nil
}
