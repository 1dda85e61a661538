package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ledgerKey struct {
	listingID uuid.UUID
	userID    string
	kind      domain.LedgerEntryKind
}

type ratingKey struct {
	listingID uuid.UUID
	raterID   string
}

// MemoryRepository keeps all state in process memory behind a single mutex, so
// every method is trivially atomic. It backs STORE_DRIVER=memory and the engine tests.
type MemoryRepository struct {
	mu sync.Mutex

	users         map[string]*domain.User
	listings      map[uuid.UUID]*domain.Listing
	bids          map[uuid.UUID]*domain.Bid
	bidsByListing map[uuid.UUID][]uuid.UUID
	entries       []domain.LedgerEntry
	ledgerSeen    map[ledgerKey]struct{}
	notified      map[string]map[uuid.UUID]time.Time
	ratings       map[ratingKey]domain.Rating
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:         make(map[string]*domain.User),
		listings:      make(map[uuid.UUID]*domain.Listing),
		bids:          make(map[uuid.UUID]*domain.Bid),
		bidsByListing: make(map[uuid.UUID][]uuid.UUID),
		ledgerSeen:    make(map[ledgerKey]struct{}),
		notified:      make(map[string]map[uuid.UUID]time.Time),
		ratings:       make(map[ratingKey]domain.Rating),
	}
}

func (m *MemoryRepository) EnsureUser(ctx context.Context, userID string, at time.Time) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyUser(m.ensureUserLocked(userID, at)), nil
}

func (m *MemoryRepository) ensureUserLocked(userID string, at time.Time) *domain.User {
	u, ok := m.users[userID]
	if !ok {
		u = &domain.User{ID: userID, WalletBalance: decimal.Zero, CreatedAt: at, UpdatedAt: at}
		m.users[userID] = u
	}
	return u
}

func (m *MemoryRepository) FindUserByID(ctx context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, errUserNotFound()
	}
	return copyUser(u), nil
}

func (m *MemoryRepository) FindAvailableUsers(ctx context.Context) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.User, 0)
	for _, u := range m.users {
		if u.Availability.CanReceiveFanOut() {
			out = append(out, *copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) UpdateAvailability(ctx context.Context, userID string, availability domain.Availability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.ensureUserLocked(userID, availability.UpdatedAt)
	u.Availability = availability
	if availability.Location != nil {
		loc := *availability.Location
		u.Availability.Location = &loc
	}
	u.UpdatedAt = availability.UpdatedAt
	return nil
}

func (m *MemoryRepository) UpdateLiveLocation(ctx context.Context, userID string, loc domain.Location, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || !u.Availability.IsAvailable || !u.Availability.IsLiveLocation {
		return false, nil
	}
	u.Availability.Location = &loc
	u.Availability.UpdatedAt = at
	u.UpdatedAt = at
	return true, nil
}

func (m *MemoryRepository) EndLiveAvailability(ctx context.Context, userID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || !u.Availability.IsAvailable || !u.Availability.IsLiveLocation {
		return false, nil
	}
	u.Availability.IsAvailable = false
	u.Availability.UpdatedAt = at
	u.UpdatedAt = at
	return true, nil
}

func (m *MemoryRepository) TopUpWallet(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureUserLocked(userID, at)
	entry, err := m.creditLocked(userID, nil, domain.LedgerEntryTopUp, amount, at)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (m *MemoryRepository) ListWalletEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.LedgerEntry, 0)
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].UserID != userID {
			continue
		}
		out = append(out, m.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// debitLocked and creditLocked are the only places a wallet balance changes.
func (m *MemoryRepository) debitLocked(userID string, listingID *uuid.UUID, kind domain.LedgerEntryKind, amount decimal.Decimal, at time.Time) (domain.LedgerEntry, error) {
	u, ok := m.users[userID]
	if !ok {
		return domain.LedgerEntry{}, errUserNotFound()
	}
	if u.WalletBalance.LessThan(amount) {
		return domain.LedgerEntry{}, errInsufficientFunds(u.WalletBalance, amount)
	}
	return m.applyLocked(u, listingID, kind, amount.Neg(), at)
}

func (m *MemoryRepository) creditLocked(userID string, listingID *uuid.UUID, kind domain.LedgerEntryKind, amount decimal.Decimal, at time.Time) (domain.LedgerEntry, error) {
	u, ok := m.users[userID]
	if !ok {
		return domain.LedgerEntry{}, errUserNotFound()
	}
	return m.applyLocked(u, listingID, kind, amount, at)
}

func (m *MemoryRepository) applyLocked(u *domain.User, listingID *uuid.UUID, kind domain.LedgerEntryKind, signed decimal.Decimal, at time.Time) (domain.LedgerEntry, error) {
	if listingID != nil {
		key := ledgerKey{listingID: *listingID, userID: u.ID, kind: kind}
		if _, dup := m.ledgerSeen[key]; dup {
			return domain.LedgerEntry{}, errLedgerDuplicate()
		}
		m.ledgerSeen[key] = struct{}{}
	}
	u.WalletBalance = u.WalletBalance.Add(signed)
	u.UpdatedAt = at
	entry := domain.LedgerEntry{
		ID:           uuid.New(),
		UserID:       u.ID,
		ListingID:    copyUUID(listingID),
		Kind:         kind,
		Amount:       signed,
		BalanceAfter: u.WalletBalance,
		CreatedAt:    at,
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *MemoryRepository) CreateListingWithReservation(ctx context.Context, listing *domain.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[listing.BuyerID]; !ok {
		return errUserNotFound()
	}
	id := listing.ID
	if _, err := m.debitLocked(listing.BuyerID, &id, domain.LedgerEntryReserve, listing.ReservedAmount, listing.CreatedAt); err != nil {
		return err
	}
	stored := *listing
	m.listings[listing.ID] = &stored
	return nil
}

func (m *MemoryRepository) FindListingByID(ctx context.Context, listingID uuid.UUID) (*domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingID]
	if !ok {
		return nil, errListingNotFound()
	}
	return copyListing(l), nil
}

func (m *MemoryRepository) FindOpenListings(ctx context.Context) ([]domain.Listing, error) {
	return m.filterListings(func(l *domain.Listing) bool {
		return l.Status == domain.ListingStatusOpen
	}, 0), nil
}

func (m *MemoryRepository) FindListingsByUser(ctx context.Context, userID string) ([]domain.Listing, error) {
	return m.filterListings(func(l *domain.Listing) bool {
		return l.BuyerID == userID || l.TravelerID == userID
	}, 0), nil
}

func (m *MemoryRepository) FindListingsAwaitingSettlement(ctx context.Context, limit int) ([]domain.Listing, error) {
	return m.filterListings(func(l *domain.Listing) bool {
		return l.Status == domain.ListingStatusMatched && l.BothConfirmed()
	}, limit), nil
}

func (m *MemoryRepository) filterListings(keep func(*domain.Listing) bool, limit int) []domain.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Listing, 0)
	for _, l := range m.listings {
		if keep(l) {
			out = append(out, *copyListing(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryRepository) CancelListing(ctx context.Context, listingID uuid.UUID, at time.Time) (*CancelListingResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingID]
	if !ok {
		return nil, errListingNotFound()
	}
	if l.Status != domain.ListingStatusOpen {
		return nil, errListingNotOpen(l.Status)
	}
	if _, err := m.creditLocked(l.BuyerID, &l.ID, domain.LedgerEntryRefund, l.ReservedAmount, at); err != nil {
		return nil, err
	}
	l.Status = domain.ListingStatusCancelled
	l.CancelledAt = &at
	l.UpdatedAt = at

	declined := m.declinePendingLocked(listingID, uuid.Nil, domain.DeclineReasonListingCancelled, at)
	return &CancelListingResult{Listing: *copyListing(l), Refund: l.ReservedAmount, Declined: declined}, nil
}

func (m *MemoryRepository) CreateBid(ctx context.Context, bid *domain.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[bid.ListingID]
	if !ok {
		return errListingNotFound()
	}
	if l.Status != domain.ListingStatusOpen {
		return errListingNotOpen(l.Status)
	}
	for _, id := range m.bidsByListing[bid.ListingID] {
		existing := m.bids[id]
		if existing.TravelerID == bid.TravelerID && existing.IsPending() {
			return errDuplicatePendingBid()
		}
	}
	m.ensureUserLocked(bid.TravelerID, bid.CreatedAt)
	stored := *bid
	m.bids[bid.ID] = &stored
	m.bidsByListing[bid.ListingID] = append(m.bidsByListing[bid.ListingID], bid.ID)
	return nil
}

func (m *MemoryRepository) FindBidByID(ctx context.Context, bidID uuid.UUID) (*domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[bidID]
	if !ok {
		return nil, errBidNotFound()
	}
	return copyBid(b), nil
}

func (m *MemoryRepository) FindBidsByListing(ctx context.Context, listingID uuid.UUID) ([]domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.bidsByListing[listingID]
	out := make([]domain.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, *copyBid(m.bids[id]))
	}
	return out, nil
}

func (m *MemoryRepository) FindOverduePendingBids(ctx context.Context, now time.Time, limit int) ([]domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Bid, 0)
	for _, b := range m.bids {
		if b.IsPending() && b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
			out = append(out, *copyBid(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) AcceptBid(ctx context.Context, params AcceptBidParams) (*AcceptBidResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[params.ListingID]
	if !ok {
		return nil, errListingNotFound()
	}
	b, ok := m.bids[params.BidID]
	if !ok || b.ListingID != params.ListingID {
		return nil, errBidNotFound()
	}
	if l.Status != domain.ListingStatusOpen {
		return nil, errListingNotOpen(l.Status)
	}
	if !b.IsPending() {
		return nil, errBidAlreadyDecided(b.Status)
	}

	at := params.At
	bidID := b.ID
	l.Status = domain.ListingStatusMatched
	l.AcceptedBidID = &bidID
	l.TravelerID = b.TravelerID
	l.OtpBuyer = params.OtpBuyer
	l.OtpTraveler = params.OtpTraveler
	l.MatchedAt = &at
	l.UpdatedAt = at

	b.Status = domain.BidStatusAccepted
	b.DecidedAt = &at

	declined := m.declinePendingLocked(l.ID, b.ID, domain.DeclineReasonOtherAccepted, at)
	return &AcceptBidResult{Listing: *copyListing(l), Bid: *copyBid(b), Declined: declined}, nil
}

func (m *MemoryRepository) declinePendingLocked(listingID, keep uuid.UUID, reason string, at time.Time) []domain.Bid {
	declined := make([]domain.Bid, 0)
	for _, id := range m.bidsByListing[listingID] {
		other := m.bids[id]
		if other.ID == keep || !other.IsPending() {
			continue
		}
		other.Status = domain.BidStatusDeclined
		other.DeclineReason = reason
		decided := at
		other.DecidedAt = &decided
		declined = append(declined, *copyBid(other))
	}
	return declined
}

func (m *MemoryRepository) DeclineBid(ctx context.Context, bidID uuid.UUID, reason string, at time.Time) (*domain.Bid, error) {
	return m.resolvePending(bidID, domain.BidStatusDeclined, reason, at)
}

func (m *MemoryRepository) ExpireBid(ctx context.Context, bidID uuid.UUID, at time.Time) (*domain.Bid, error) {
	return m.resolvePending(bidID, domain.BidStatusExpired, "", at)
}

func (m *MemoryRepository) resolvePending(bidID uuid.UUID, status domain.BidStatus, reason string, at time.Time) (*domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[bidID]
	if !ok {
		return nil, errBidNotFound()
	}
	if !b.IsPending() {
		return nil, errBidAlreadyDecided(b.Status)
	}
	b.Status = status
	b.DeclineReason = reason
	b.DecidedAt = &at
	return copyBid(b), nil
}

func (m *MemoryRepository) RecordConfirmation(ctx context.Context, listingID uuid.UUID, role domain.Role, at time.Time) (*domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingID]
	if !ok {
		return nil, errListingNotFound()
	}
	if l.Status != domain.ListingStatusMatched {
		return nil, errListingNotMatched(l.Status)
	}
	if role == domain.RoleBuyer {
		l.BuyerConfirmed = true
	} else {
		l.TravelerConfirmed = true
	}
	l.UpdatedAt = at
	return copyListing(l), nil
}

func (m *MemoryRepository) SettleListing(ctx context.Context, listingID uuid.UUID, at time.Time) (*SettlementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingID]
	if !ok {
		return nil, errListingNotFound()
	}
	if l.AcceptedBidID == nil {
		return nil, errListingNotMatched(l.Status)
	}
	accepted, ok := m.bids[*l.AcceptedBidID]
	if !ok {
		return nil, errBidNotFound()
	}
	settlement := domain.NewSettlement(*l, accepted.ProposedFee)

	if l.Status == domain.ListingStatusCompleted {
		return &SettlementResult{Listing: *copyListing(l), Settlement: settlement, Settled: false}, nil
	}
	if l.Status != domain.ListingStatusMatched || !l.BothConfirmed() {
		return nil, errListingNotMatched(l.Status)
	}

	buyer, ok := m.users[l.BuyerID]
	if !ok {
		return nil, errUserNotFound()
	}
	if buyer.WalletBalance.LessThan(settlement.BuyerDebit) {
		return nil, errInsufficientFunds(buyer.WalletBalance, settlement.BuyerDebit)
	}
	if _, ok := m.users[l.TravelerID]; !ok {
		return nil, errUserNotFound()
	}
	if _, err := m.debitLocked(l.BuyerID, &l.ID, domain.LedgerEntryFinalCharge, settlement.BuyerDebit, at); err != nil {
		return nil, err
	}
	if _, err := m.creditLocked(l.TravelerID, &l.ID, domain.LedgerEntryTravelerPayout, settlement.TravelerCredit, at); err != nil {
		return nil, err
	}
	l.Status = domain.ListingStatusCompleted
	l.CompletedAt = &at
	l.UpdatedAt = at
	return &SettlementResult{Listing: *copyListing(l), Settlement: settlement, Settled: true}, nil
}

func (m *MemoryRepository) MarkNotified(ctx context.Context, userID string, listingID uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.notified[userID]
	if !ok {
		seen = make(map[uuid.UUID]time.Time)
		m.notified[userID] = seen
	}
	if _, dup := seen[listingID]; dup {
		return false, nil
	}
	seen[listingID] = at
	return true, nil
}

func (m *MemoryRepository) FindNotifiedListingIDs(ctx context.Context, userID string) (map[uuid.UUID]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]struct{}, len(m.notified[userID]))
	for id := range m.notified[userID] {
		out[id] = struct{}{}
	}
	return out, nil
}

func (m *MemoryRepository) SubmitRating(ctx context.Context, rating domain.Rating) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ratingKey{listingID: rating.ListingID, raterID: rating.RaterID}
	if _, dup := m.ratings[key]; dup {
		return nil, errDuplicateRating()
	}
	target, ok := m.users[rating.TargetID]
	if !ok {
		return nil, errUserNotFound()
	}
	m.ratings[key] = rating

	sum, count := 0, 0
	for _, r := range m.ratings {
		if r.TargetID == rating.TargetID {
			sum += r.Value
			count++
		}
	}
	target.Rating = float64(sum) / float64(count)
	target.RatingCount = count
	target.UpdatedAt = rating.CreatedAt
	return copyUser(target), nil
}

func copyUser(u *domain.User) *domain.User {
	out := *u
	if u.Availability.Location != nil {
		loc := *u.Availability.Location
		out.Availability.Location = &loc
	}
	return &out
}

func copyListing(l *domain.Listing) *domain.Listing {
	out := *l
	out.AcceptedBidID = copyUUID(l.AcceptedBidID)
	out.MatchedAt = copyTime(l.MatchedAt)
	out.CompletedAt = copyTime(l.CompletedAt)
	out.CancelledAt = copyTime(l.CancelledAt)
	return &out
}

func copyBid(b *domain.Bid) *domain.Bid {
	out := *b
	out.ExpiresAt = copyTime(b.ExpiresAt)
	out.DecidedAt = copyTime(b.DecidedAt)
	return &out
}

func copyUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
