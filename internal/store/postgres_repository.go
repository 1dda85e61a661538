/**
 * @description
 * PostgreSQL implementation of the Repository interface. Status guards are enforced
 * either with row locks (`SELECT ... FOR UPDATE`) inside a transaction or with
 * conditional updates keyed on the current status, so racing callers observe
 * ErrInvalidState instead of double-applying a transition.
 *
 * Monetary values are NUMERIC(18,2) in the database and travel as text to keep
 * shopspring/decimal exact on both sides.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 * - github.com/shopspring/decimal: fixed-point money.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	userColumns = `id, wallet_balance::text, rating, rating_count, is_available, latitude, longitude,
		radius_km, is_live_location, availability_updated_at, created_at, updated_at`

	listingColumns = `id, buyer_id, item_description, item_price::text, max_fee::text, reserved_amount::text,
		pickup_latitude, pickup_longitude, destination_latitude, destination_longitude, status,
		accepted_bid_id, COALESCE(traveler_id, ''), COALESCE(otp_buyer, ''), COALESCE(otp_traveler, ''),
		buyer_confirmed, traveler_confirmed, created_at, updated_at, matched_at, completed_at, cancelled_at`

	bidColumns = `id, listing_id, traveler_id, proposed_fee::text, status, is_direct, expires_at,
		decided_at, decline_reason, created_at`

	entryColumns = `id, user_id, listing_id, kind, amount::text, balance_after::text, created_at`

	defaultQueryLimit = 1000
)

// PostgresRepository is the concrete implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) conn(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return r.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func parseMoney(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return d, nil
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		u                     domain.User
		balance               string
		lat, lng              *float64
		availabilityUpdatedAt *time.Time
	)
	if err := row.Scan(
		&u.ID, &balance, &u.Rating, &u.RatingCount, &u.Availability.IsAvailable, &lat, &lng,
		&u.Availability.RadiusKm, &u.Availability.IsLiveLocation, &availabilityUpdatedAt, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if u.WalletBalance, err = parseMoney(balance); err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		u.Availability.Location = &domain.Location{Latitude: *lat, Longitude: *lng}
	}
	if availabilityUpdatedAt != nil {
		u.Availability.UpdatedAt = *availabilityUpdatedAt
	}
	return &u, nil
}

func scanListing(row rowScanner) (*domain.Listing, error) {
	var (
		l                       domain.Listing
		price, maxFee, reserved string
		status                  string
	)
	if err := row.Scan(
		&l.ID, &l.BuyerID, &l.ItemDescription, &price, &maxFee, &reserved,
		&l.PickupLocation.Latitude, &l.PickupLocation.Longitude,
		&l.DestinationLocation.Latitude, &l.DestinationLocation.Longitude, &status,
		&l.AcceptedBidID, &l.TravelerID, &l.OtpBuyer, &l.OtpTraveler,
		&l.BuyerConfirmed, &l.TravelerConfirmed, &l.CreatedAt, &l.UpdatedAt,
		&l.MatchedAt, &l.CompletedAt, &l.CancelledAt,
	); err != nil {
		return nil, err
	}
	l.Status = domain.ListingStatus(status)
	var err error
	if l.ItemPrice, err = parseMoney(price); err != nil {
		return nil, err
	}
	if l.MaxFee, err = parseMoney(maxFee); err != nil {
		return nil, err
	}
	if l.ReservedAmount, err = parseMoney(reserved); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanBid(row rowScanner) (*domain.Bid, error) {
	var (
		b      domain.Bid
		fee    string
		status string
	)
	if err := row.Scan(
		&b.ID, &b.ListingID, &b.TravelerID, &fee, &status, &b.IsDirect, &b.ExpiresAt,
		&b.DecidedAt, &b.DeclineReason, &b.CreatedAt,
	); err != nil {
		return nil, err
	}
	b.Status = domain.BidStatus(status)
	var err error
	if b.ProposedFee, err = parseMoney(fee); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var (
		e               domain.LedgerEntry
		kind            string
		amount, balance string
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.ListingID, &kind, &amount, &balance, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = domain.LedgerEntryKind(kind)
	var err error
	if e.Amount, err = parseMoney(amount); err != nil {
		return nil, err
	}
	if e.BalanceAfter, err = parseMoney(balance); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectListings(rows pgx.Rows) ([]domain.Listing, error) {
	defer rows.Close()
	out := make([]domain.Listing, 0)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func collectBids(rows pgx.Rows) ([]domain.Bid, error) {
	defer rows.Close()
	out := make([]domain.Bid, 0)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	return limit
}

// EnsureUser creates the user row on first interaction.
func (r *PostgresRepository) EnsureUser(ctx context.Context, userID string, at time.Time) (*domain.User, error) {
	if _, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO users (id, created_at, updated_at) VALUES ($1, $2, $2) ON CONFLICT (id) DO NOTHING`,
		userID, at,
	); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return r.FindUserByID(ctx, userID)
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, userID string) (*domain.User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errUserNotFound()
	}
	return u, err
}

func (r *PostgresRepository) FindAvailableUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE is_available AND latitude IS NOT NULL AND longitude IS NOT NULL AND radius_km > 0
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpdateAvailability(ctx context.Context, userID string, availability domain.Availability) error {
	var lat, lng *float64
	if availability.Location != nil {
		lat = &availability.Location.Latitude
		lng = &availability.Location.Longitude
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO users (id, is_available, latitude, longitude, radius_km, is_live_location, availability_updated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			is_available = EXCLUDED.is_available,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			radius_km = EXCLUDED.radius_km,
			is_live_location = EXCLUDED.is_live_location,
			availability_updated_at = EXCLUDED.availability_updated_at,
			updated_at = EXCLUDED.updated_at`,
		userID, availability.IsAvailable, lat, lng, availability.RadiusKm, availability.IsLiveLocation, availability.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update availability: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateLiveLocation(ctx context.Context, userID string, loc domain.Location, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users
		SET latitude = $2, longitude = $3, availability_updated_at = $4, updated_at = $4
		WHERE id = $1 AND is_available AND is_live_location`,
		userID, loc.Latitude, loc.Longitude, at,
	)
	if err != nil {
		return false, fmt.Errorf("update live location: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) EndLiveAvailability(ctx context.Context, userID string, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users
		SET is_available = FALSE, availability_updated_at = $2, updated_at = $2
		WHERE id = $1 AND is_available AND is_live_location`,
		userID, at,
	)
	if err != nil {
		return false, fmt.Errorf("end live availability: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// lockBalance reads the wallet balance and holds the user row until the transaction ends.
func (r *PostgresRepository) lockBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := r.conn(ctx).QueryRow(ctx, `SELECT wallet_balance::text FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, errUserNotFound()
	}
	if err != nil {
		return decimal.Zero, err
	}
	return parseMoney(raw)
}

// debitWallet and creditWallet are the only writers of users.wallet_balance.
// Both must run inside withTx so the ledger row and the guarded status change commit together.
func (r *PostgresRepository) debitWallet(ctx context.Context, userID string, listingID *uuid.UUID, kind domain.LedgerEntryKind, amount decimal.Decimal, at time.Time) (*domain.LedgerEntry, error) {
	balance, err := r.lockBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(amount) {
		return nil, errInsufficientFunds(balance, amount)
	}
	return r.applyWalletChange(ctx, userID, listingID, kind, amount.Neg(), at)
}

func (r *PostgresRepository) creditWallet(ctx context.Context, userID string, listingID *uuid.UUID, kind domain.LedgerEntryKind, amount decimal.Decimal, at time.Time) (*domain.LedgerEntry, error) {
	return r.applyWalletChange(ctx, userID, listingID, kind, amount, at)
}

func (r *PostgresRepository) applyWalletChange(ctx context.Context, userID string, listingID *uuid.UUID, kind domain.LedgerEntryKind, signed decimal.Decimal, at time.Time) (*domain.LedgerEntry, error) {
	var balanceRaw string
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE users SET wallet_balance = wallet_balance + $2::numeric, updated_at = $3
		WHERE id = $1
		RETURNING wallet_balance::text`,
		userID, signed.String(), at,
	).Scan(&balanceRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errUserNotFound()
	}
	if isCheckViolation(err) {
		return nil, fmt.Errorf("%w: wallet balance cannot go negative", domain.ErrInsufficientFunds)
	}
	if err != nil {
		return nil, fmt.Errorf("update wallet balance: %w", err)
	}
	balance, err := parseMoney(balanceRaw)
	if err != nil {
		return nil, err
	}

	entry := domain.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		ListingID:    listingID,
		Kind:         kind,
		Amount:       signed,
		BalanceAfter: balance,
		CreatedAt:    at,
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO wallet_entries (id, user_id, listing_id, kind, amount, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7)`,
		entry.ID, entry.UserID, entry.ListingID, string(entry.Kind), entry.Amount.String(), entry.BalanceAfter.String(), entry.CreatedAt,
	)
	if isUniqueViolation(err, "wallet_entries_once_per_listing") {
		return nil, errLedgerDuplicate()
	}
	if err != nil {
		return nil, fmt.Errorf("insert wallet entry: %w", err)
	}
	return &entry, nil
}

func (r *PostgresRepository) TopUpWallet(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := withTx(ctx, r.db, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO users (id, created_at, updated_at) VALUES ($1, $2, $2) ON CONFLICT (id) DO NOTHING`,
			userID, at,
		); err != nil {
			return err
		}
		var err error
		entry, err = r.creditWallet(ctx, userID, nil, domain.LedgerEntryTopUp, amount, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) ListWalletEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryColumns+`
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`,
		userID, limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CreateListingWithReservation inserts the listing and debits the reservation in one transaction.
func (r *PostgresRepository) CreateListingWithReservation(ctx context.Context, listing *domain.Listing) error {
	return withTx(ctx, r.db, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO listings (
				id, buyer_id, item_description, item_price, max_fee, reserved_amount,
				pickup_latitude, pickup_longitude, destination_latitude, destination_longitude,
				status, created_at, updated_at
			) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12, $12)`,
			listing.ID, listing.BuyerID, listing.ItemDescription,
			listing.ItemPrice.String(), listing.MaxFee.String(), listing.ReservedAmount.String(),
			listing.PickupLocation.Latitude, listing.PickupLocation.Longitude,
			listing.DestinationLocation.Latitude, listing.DestinationLocation.Longitude,
			string(listing.Status), listing.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert listing: %w", err)
		}
		id := listing.ID
		_, err := r.debitWallet(ctx, listing.BuyerID, &id, domain.LedgerEntryReserve, listing.ReservedAmount, listing.CreatedAt)
		return err
	})
}

func (r *PostgresRepository) lockListing(ctx context.Context, listingID uuid.UUID) (*domain.Listing, error) {
	l, err := scanListing(r.conn(ctx).QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, listingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errListingNotFound()
	}
	return l, err
}

func (r *PostgresRepository) FindListingByID(ctx context.Context, listingID uuid.UUID) (*domain.Listing, error) {
	l, err := scanListing(r.conn(ctx).QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, listingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errListingNotFound()
	}
	return l, err
}

func (r *PostgresRepository) FindOpenListings(ctx context.Context) ([]domain.Listing, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+listingColumns+` FROM listings WHERE status = 'OPEN' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

func (r *PostgresRepository) FindListingsByUser(ctx context.Context, userID string) ([]domain.Listing, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE buyer_id = $1 OR traveler_id = $1
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

func (r *PostgresRepository) FindListingsAwaitingSettlement(ctx context.Context, limit int) ([]domain.Listing, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE status = 'MATCHED' AND buyer_confirmed AND traveler_confirmed
		ORDER BY updated_at
		LIMIT $1`, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

func (r *PostgresRepository) declinePending(ctx context.Context, listingID, keep uuid.UUID, reason string, at time.Time) ([]domain.Bid, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE bids SET status = 'DECLINED', decline_reason = $3, decided_at = $4
		WHERE listing_id = $1 AND id <> $2 AND status = 'PENDING'
		RETURNING `+bidColumns,
		listingID, keep, reason, at,
	)
	if err != nil {
		return nil, fmt.Errorf("decline pending bids: %w", err)
	}
	return collectBids(rows)
}

// CancelListing refunds the reservation, marks the listing CANCELLED and declines pending bids.
func (r *PostgresRepository) CancelListing(ctx context.Context, listingID uuid.UUID, at time.Time) (*CancelListingResult, error) {
	var result CancelListingResult
	err := withTx(ctx, r.db, func(ctx context.Context) error {
		l, err := r.lockListing(ctx, listingID)
		if err != nil {
			return err
		}
		if l.Status != domain.ListingStatusOpen {
			return errListingNotOpen(l.Status)
		}
		if _, err := r.creditWallet(ctx, l.BuyerID, &l.ID, domain.LedgerEntryRefund, l.ReservedAmount, at); err != nil {
			return err
		}
		updated, err := scanListing(r.conn(ctx).QueryRow(ctx, `
			UPDATE listings SET status = 'CANCELLED', cancelled_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'OPEN'
			RETURNING `+listingColumns,
			listingID, at,
		))
		if err != nil {
			return fmt.Errorf("cancel listing: %w", err)
		}
		declined, err := r.declinePending(ctx, listingID, uuid.Nil, domain.DeclineReasonListingCancelled, at)
		if err != nil {
			return err
		}
		result = CancelListingResult{Listing: *updated, Refund: l.ReservedAmount, Declined: declined}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateBid inserts a PENDING bid while holding a share lock on an OPEN listing.
func (r *PostgresRepository) CreateBid(ctx context.Context, bid *domain.Bid) error {
	return withTx(ctx, r.db, func(ctx context.Context) error {
		var status string
		err := r.conn(ctx).QueryRow(ctx, `SELECT status FROM listings WHERE id = $1 FOR SHARE`, bid.ListingID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return errListingNotFound()
		}
		if err != nil {
			return err
		}
		if domain.ListingStatus(status) != domain.ListingStatusOpen {
			return errListingNotOpen(domain.ListingStatus(status))
		}
		_, err = r.conn(ctx).Exec(ctx, `
			INSERT INTO bids (id, listing_id, traveler_id, proposed_fee, status, is_direct, expires_at, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)`,
			bid.ID, bid.ListingID, bid.TravelerID, bid.ProposedFee.String(), string(bid.Status), bid.IsDirect, bid.ExpiresAt, bid.CreatedAt,
		)
		if isUniqueViolation(err, "bids_one_pending_per_traveler") {
			return errDuplicatePendingBid()
		}
		if err != nil {
			return fmt.Errorf("insert bid: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) FindBidByID(ctx context.Context, bidID uuid.UUID) (*domain.Bid, error) {
	b, err := scanBid(r.conn(ctx).QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, bidID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errBidNotFound()
	}
	return b, err
}

func (r *PostgresRepository) FindBidsByListing(ctx context.Context, listingID uuid.UUID) ([]domain.Bid, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bidColumns+` FROM bids WHERE listing_id = $1 ORDER BY created_at`, listingID)
	if err != nil {
		return nil, err
	}
	return collectBids(rows)
}

func (r *PostgresRepository) FindOverduePendingBids(ctx context.Context, now time.Time, limit int) ([]domain.Bid, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+bidColumns+`
		FROM bids
		WHERE status = 'PENDING' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	return collectBids(rows)
}

// AcceptBid matches the listing to one PENDING bid. The listing row lock makes
// concurrent accepts on the same listing serialize; the loser sees MATCHED.
func (r *PostgresRepository) AcceptBid(ctx context.Context, params AcceptBidParams) (*AcceptBidResult, error) {
	var result AcceptBidResult
	err := withTx(ctx, r.db, func(ctx context.Context) error {
		l, err := r.lockListing(ctx, params.ListingID)
		if err != nil {
			return err
		}
		bid, err := scanBid(r.conn(ctx).QueryRow(ctx,
			`SELECT `+bidColumns+` FROM bids WHERE id = $1 AND listing_id = $2 FOR UPDATE`,
			params.BidID, params.ListingID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return errBidNotFound()
		}
		if err != nil {
			return err
		}
		if l.Status != domain.ListingStatusOpen {
			return errListingNotOpen(l.Status)
		}
		if !bid.IsPending() {
			return errBidAlreadyDecided(bid.Status)
		}

		matched, err := scanListing(r.conn(ctx).QueryRow(ctx, `
			UPDATE listings SET
				status = 'MATCHED', accepted_bid_id = $2, traveler_id = $3,
				otp_buyer = $4, otp_traveler = $5, matched_at = $6, updated_at = $6
			WHERE id = $1 AND status = 'OPEN'
			RETURNING `+listingColumns,
			params.ListingID, params.BidID, bid.TravelerID, params.OtpBuyer, params.OtpTraveler, params.At,
		))
		if err != nil {
			return fmt.Errorf("match listing: %w", err)
		}
		accepted, err := scanBid(r.conn(ctx).QueryRow(ctx, `
			UPDATE bids SET status = 'ACCEPTED', decided_at = $2
			WHERE id = $1 AND status = 'PENDING'
			RETURNING `+bidColumns,
			params.BidID, params.At,
		))
		if err != nil {
			return fmt.Errorf("accept bid: %w", err)
		}
		declined, err := r.declinePending(ctx, params.ListingID, params.BidID, domain.DeclineReasonOtherAccepted, params.At)
		if err != nil {
			return err
		}
		result = AcceptBidResult{Listing: *matched, Bid: *accepted, Declined: declined}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *PostgresRepository) DeclineBid(ctx context.Context, bidID uuid.UUID, reason string, at time.Time) (*domain.Bid, error) {
	return r.resolvePending(ctx, bidID, domain.BidStatusDeclined, reason, at)
}

func (r *PostgresRepository) ExpireBid(ctx context.Context, bidID uuid.UUID, at time.Time) (*domain.Bid, error) {
	return r.resolvePending(ctx, bidID, domain.BidStatusExpired, "", at)
}

// resolvePending is a conditional update: only a PENDING bid moves, so a timer
// and an explicit decision racing on the same bid cannot both win.
func (r *PostgresRepository) resolvePending(ctx context.Context, bidID uuid.UUID, status domain.BidStatus, reason string, at time.Time) (*domain.Bid, error) {
	b, err := scanBid(r.conn(ctx).QueryRow(ctx, `
		UPDATE bids SET status = $2, decline_reason = $3, decided_at = $4
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+bidColumns,
		bidID, string(status), reason, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		current, findErr := r.FindBidByID(ctx, bidID)
		if findErr != nil {
			return nil, findErr
		}
		return nil, errBidAlreadyDecided(current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve bid: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) RecordConfirmation(ctx context.Context, listingID uuid.UUID, role domain.Role, at time.Time) (*domain.Listing, error) {
	l, err := scanListing(r.conn(ctx).QueryRow(ctx, `
		UPDATE listings SET
			buyer_confirmed = buyer_confirmed OR $2,
			traveler_confirmed = traveler_confirmed OR $3,
			updated_at = $4
		WHERE id = $1 AND status = 'MATCHED'
		RETURNING `+listingColumns,
		listingID, role == domain.RoleBuyer, role == domain.RoleTraveler, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		current, findErr := r.FindListingByID(ctx, listingID)
		if findErr != nil {
			return nil, findErr
		}
		return nil, errListingNotMatched(current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("record confirmation: %w", err)
	}
	return l, nil
}

// SettleListing performs the final transfer exactly once. A listing that is
// already COMPLETED reports Settled=false without touching any wallet.
func (r *PostgresRepository) SettleListing(ctx context.Context, listingID uuid.UUID, at time.Time) (*SettlementResult, error) {
	var result SettlementResult
	err := withTx(ctx, r.db, func(ctx context.Context) error {
		l, err := r.lockListing(ctx, listingID)
		if err != nil {
			return err
		}
		if l.AcceptedBidID == nil {
			return errListingNotMatched(l.Status)
		}
		var feeRaw string
		if err := r.conn(ctx).QueryRow(ctx, `SELECT proposed_fee::text FROM bids WHERE id = $1`, *l.AcceptedBidID).Scan(&feeRaw); err != nil {
			return fmt.Errorf("load accepted bid: %w", err)
		}
		fee, err := parseMoney(feeRaw)
		if err != nil {
			return err
		}
		settlement := domain.NewSettlement(*l, fee)

		if l.Status == domain.ListingStatusCompleted {
			result = SettlementResult{Listing: *l, Settlement: settlement, Settled: false}
			return nil
		}
		if l.Status != domain.ListingStatusMatched || !l.BothConfirmed() {
			return errListingNotMatched(l.Status)
		}

		// Lock both wallets in a stable order to avoid deadlocks with concurrent settlements.
		if _, err := r.conn(ctx).Exec(ctx,
			`SELECT id FROM users WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
			[]string{l.BuyerID, l.TravelerID},
		); err != nil {
			return fmt.Errorf("lock wallets: %w", err)
		}
		if _, err := r.debitWallet(ctx, l.BuyerID, &l.ID, domain.LedgerEntryFinalCharge, settlement.BuyerDebit, at); err != nil {
			return err
		}
		if _, err := r.creditWallet(ctx, l.TravelerID, &l.ID, domain.LedgerEntryTravelerPayout, settlement.TravelerCredit, at); err != nil {
			return err
		}
		completed, err := scanListing(r.conn(ctx).QueryRow(ctx, `
			UPDATE listings SET status = 'COMPLETED', completed_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'MATCHED'
			RETURNING `+listingColumns,
			listingID, at,
		))
		if err != nil {
			return fmt.Errorf("complete listing: %w", err)
		}
		result = SettlementResult{Listing: *completed, Settlement: settlement, Settled: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *PostgresRepository) MarkNotified(ctx context.Context, userID string, listingID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO user_notifications (user_id, listing_id, notified_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, listing_id) DO NOTHING`,
		userID, listingID, at,
	)
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) FindNotifiedListingIDs(ctx context.Context, userID string) (map[uuid.UUID]struct{}, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT listing_id FROM user_notifications WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// SubmitRating stores the rating and recomputes the target's all-time mean.
func (r *PostgresRepository) SubmitRating(ctx context.Context, rating domain.Rating) (*domain.User, error) {
	var target *domain.User
	err := withTx(ctx, r.db, func(ctx context.Context) error {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO ratings (listing_id, rater_id, target_id, value, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			rating.ListingID, rating.RaterID, rating.TargetID, rating.Value, rating.CreatedAt,
		)
		if isUniqueViolation(err, "ratings_pkey") {
			return errDuplicateRating()
		}
		if err != nil {
			return fmt.Errorf("insert rating: %w", err)
		}
		target, err = scanUser(r.conn(ctx).QueryRow(ctx, `
			UPDATE users u SET rating = s.avg, rating_count = s.cnt, updated_at = $2
			FROM (SELECT AVG(value)::float8 AS avg, COUNT(*)::int AS cnt FROM ratings WHERE target_id = $1) s
			WHERE u.id = $1
			RETURNING u.id, u.wallet_balance::text, u.rating, u.rating_count, u.is_available, u.latitude, u.longitude,
				u.radius_km, u.is_live_location, u.availability_updated_at, u.created_at, u.updated_at`,
			rating.TargetID, rating.CreatedAt,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return errUserNotFound()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}
