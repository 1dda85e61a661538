package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var contractNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedUser(t *testing.T, repo Repository, id, balance string) {
	t.Helper()
	ctx := context.Background()
	if _, err := repo.EnsureUser(ctx, id, contractNow); err != nil {
		t.Fatalf("ensure user %s: %v", id, err)
	}
	if balance != "" {
		if _, err := repo.TopUpWallet(ctx, id, money(balance), contractNow); err != nil {
			t.Fatalf("top up %s: %v", id, err)
		}
	}
}

func newOpenListing(buyerID, price, maxFee string) *domain.Listing {
	p, f := money(price), money(maxFee)
	return &domain.Listing{
		ID:                  uuid.New(),
		BuyerID:             buyerID,
		ItemDescription:     "headphones",
		ItemPrice:           p,
		MaxFee:              f,
		ReservedAmount:      domain.ReservedAmount(p, f),
		PickupLocation:      domain.Location{Latitude: 6.45, Longitude: 3.39},
		DestinationLocation: domain.Location{Latitude: 6.60, Longitude: 3.35},
		Status:              domain.ListingStatusOpen,
		CreatedAt:           contractNow,
		UpdatedAt:           contractNow,
	}
}

func newPendingBid(listingID uuid.UUID, travelerID, fee string) *domain.Bid {
	expires := contractNow.Add(20 * time.Minute)
	return &domain.Bid{
		ID:          uuid.New(),
		ListingID:   listingID,
		TravelerID:  travelerID,
		ProposedFee: money(fee),
		Status:      domain.BidStatusPending,
		ExpiresAt:   &expires,
		CreatedAt:   contractNow,
	}
}

func balanceOf(t *testing.T, repo Repository, id string) decimal.Decimal {
	t.Helper()
	u, err := repo.FindUserByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find user %s: %v", id, err)
	}
	return u.WalletBalance
}

func mustCreateListing(t *testing.T, repo Repository, l *domain.Listing) {
	t.Helper()
	if err := repo.CreateListingWithReservation(context.Background(), l); err != nil {
		t.Fatalf("create listing: %v", err)
	}
}

func mustCreateBid(t *testing.T, repo Repository, b *domain.Bid) {
	t.Helper()
	if err := repo.CreateBid(context.Background(), b); err != nil {
		t.Fatalf("create bid: %v", err)
	}
}

// runRepositoryContract exercises the atomicity rules every Repository implementation must honor.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("reservation debits buyer and records ledger entry", func(t *testing.T) {
		repo := newRepo(t)
		seedUser(t, repo, "buyer", "100")
		l := newOpenListing("buyer", "50", "10")
		mustCreateListing(t, repo, l)

		if got := balanceOf(t, repo, "buyer"); !got.Equal(money("70")) {
			t.Fatalf("balance = %s, want 70", got)
		}
		entries, err := repo.ListWalletEntries(context.Background(), "buyer", 10)
		if err != nil {
			t.Fatalf("list entries: %v", err)
		}
		var reserve *domain.LedgerEntry
		for i := range entries {
			if entries[i].Kind == domain.LedgerEntryReserve {
				reserve = &entries[i]
			}
		}
		if reserve == nil || !reserve.Amount.Equal(money("-30")) || !reserve.BalanceAfter.Equal(money("70")) {
			t.Fatalf("unexpected reserve entry: %+v", reserve)
		}
	})

	t.Run("reservation fails without funds and leaves no listing", func(t *testing.T) {
		repo := newRepo(t)
		seedUser(t, repo, "buyer", "10")
		l := newOpenListing("buyer", "50", "10")
		err := repo.CreateListingWithReservation(context.Background(), l)
		if !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
		if _, err := repo.FindListingByID(context.Background(), l.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("listing must not exist, got %v", err)
		}
		if got := balanceOf(t, repo, "buyer"); !got.Equal(money("10")) {
			t.Fatalf("balance changed to %s", got)
		}
	})

	t.Run("only one concurrent accept wins", func(t *testing.T) {
		repo := newRepo(t)
		seedUser(t, repo, "buyer", "100")
		l := newOpenListing("buyer", "50", "10")
		mustCreateListing(t, repo, l)

		const travelers = 8
		bids := make([]*domain.Bid, travelers)
		for i := range bids {
			traveler := "traveler-" + string(rune('a'+i))
			seedUser(t, repo, traveler, "")
			bids[i] = newPendingBid(l.ID, traveler, "12")
			mustCreateBid(t, repo, bids[i])
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			winners  int
			otherErr error
		)
		for _, b := range bids {
			wg.Add(1)
			go func(bidID uuid.UUID) {
				defer wg.Done()
				_, err := repo.AcceptBid(context.Background(), AcceptBidParams{
					ListingID: l.ID, BidID: bidID, OtpBuyer: "111111", OtpTraveler: "222222", At: contractNow,
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case errors.Is(err, domain.ErrInvalidState):
				default:
					otherErr = err
				}
			}(b.ID)
		}
		wg.Wait()

		if otherErr != nil {
			t.Fatalf("unexpected error: %v", otherErr)
		}
		if winners != 1 {
			t.Fatalf("expected exactly one winner, got %d", winners)
		}
		all, err := repo.FindBidsByListing(context.Background(), l.ID)
		if err != nil {
			t.Fatalf("find bids: %v", err)
		}
		accepted, declined := 0, 0
		for _, b := range all {
			switch b.Status {
			case domain.BidStatusAccepted:
				accepted++
			case domain.BidStatusDeclined:
				declined++
				if b.DeclineReason != domain.DeclineReasonOtherAccepted {
					t.Fatalf("unexpected decline reason %q", b.DeclineReason)
				}
			}
		}
		if accepted != 1 || declined != travelers-1 {
			t.Fatalf("accepted=%d declined=%d", accepted, declined)
		}
		matched, err := repo.FindListingByID(context.Background(), l.ID)
		if err != nil {
			t.Fatalf("find listing: %v", err)
		}
		if matched.Status != domain.ListingStatusMatched || matched.TravelerID == "" || matched.OtpBuyer == "" || matched.OtpTraveler == "" {
			t.Fatalf("listing not bound: %+v", matched)
		}
	})

	t.Run("cancel refunds reservation once and declines pending bids", func(t *testing.T) {
		repo := newRepo(t)
		seedUser(t, repo, "buyer", "100")
		seedUser(t, repo, "traveler", "")
		l := newOpenListing("buyer", "50", "10")
		mustCreateListing(t, repo, l)
		bid := newPendingBid(l.ID, "traveler", "11")
		mustCreateBid(t, repo, bid)

		res, err := repo.CancelListing(context.Background(), l.ID, contractNow)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if !res.Refund.Equal(money("30")) || res.Listing.Status != domain.ListingStatusCancelled {
			t.Fatalf("unexpected cancel result: %+v", res)
		}
		if len(res.Declined) != 1 || res.Declined[0].ID != bid.ID {
			t.Fatalf("expected pending bid declined, got %+v", res.Declined)
		}
		if got := balanceOf(t, repo, "buyer"); !got.Equal(money("100")) {
			t.Fatalf("balance = %s, want 100", got)
		}
		if _, err := repo.CancelListing(context.Background(), l.ID, contractNow); !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("second cancel: expected ErrInvalidState, got %v", err)
		}
		if got := balanceOf(t, repo, "buyer"); !got.Equal(money("100")) {
			t.Fatalf("double refund: balance = %s", got)
		}
	})

	t.Run("bids rejected on non-open listing and duplicates", func(t *testing.T) {
		repo := newRepo(t)
		seedUser(t, repo, "buyer", "100")
		seedUser(t, repo, "traveler", "")
		l := newOpenListing("buyer", "50", "10")
		mustCreateListing(t, repo, l)
		mustCreateBid(t, repo, newPendingBid(l.ID, "traveler", "11"))

		if err := repo.CreateBid(context.Background(), newPendingBid(l.ID, "traveler", "12")); !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("duplicate pending bid: expected ErrInvalidState, got %v", err)
		}
		if _, err := repo.CancelListing(context.Background(), l.ID, contractNow); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if err := repo.CreateBid(context.Background(), newPendingBid(l.ID, "traveler", "12")); !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("bid on cancelled listing: expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("first status write on a pending bid wins", func(t *testing.T) {
		repo := newRepo(t)
		seedUser(t, repo, "buyer", "100")
		seedUser(t, repo, "traveler", "")
		l := newOpenListing("buyer", "50", "10")
		mustCreateListing(t, repo, l)
		bid := newPendingBid(l.ID, "traveler", "11")
		mustCreateBid(t, repo, bid)

		if _, err := repo.ExpireBid(context.Background(), bid.ID, contractNow); err != nil {
			t.Fatalf("expire: %v", err)
		}
		if _, err := repo.DeclineBid(context.Background(), bid.ID, domain.DeclineReasonBuyer, contractNow); !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("decline after expire: expected ErrInvalidState, got %v", err)
		}
		_, err := repo.AcceptBid(context.Background(), AcceptBidParams{ListingID: l.ID, BidID: bid.ID, OtpBuyer: "1", OtpTraveler: "2", At: contractNow})
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("accept after expire: expected ErrInvalidState, got %v", err)
		}
		got, err := repo.FindBidByID(context.Background(), bid.ID)
		if err != nil {
			t.Fatalf("find bid: %v", err)
		}
		if got.Status != domain.BidStatusExpired {
			t.Fatalf("status = %s, want EXPIRED", got.Status)
		}
	})

	t.Run("settlement runs exactly once", func(t *testing.T) {
		repo := newRepo(t)
		seedUser(t, repo, "buyer", "100")
		seedUser(t, repo, "traveler", "")
		l := newOpenListing("buyer", "50", "10")
		mustCreateListing(t, repo, l)
		bid := newPendingBid(l.ID, "traveler", "15")
		mustCreateBid(t, repo, bid)
		if _, err := repo.AcceptBid(context.Background(), AcceptBidParams{ListingID: l.ID, BidID: bid.ID, OtpBuyer: "1", OtpTraveler: "2", At: contractNow}); err != nil {
			t.Fatalf("accept: %v", err)
		}

		if _, err := repo.SettleListing(context.Background(), l.ID, contractNow); !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("settle before confirmations: expected ErrInvalidState, got %v", err)
		}
		for _, role := range []domain.Role{domain.RoleBuyer, domain.RoleTraveler} {
			if _, err := repo.RecordConfirmation(context.Background(), l.ID, role, contractNow); err != nil {
				t.Fatalf("confirm %s: %v", role, err)
			}
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			settled int
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := repo.SettleListing(context.Background(), l.ID, contractNow)
				if err != nil {
					t.Errorf("settle: %v", err)
					return
				}
				if res.Settled {
					mu.Lock()
					settled++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if settled != 1 {
			t.Fatalf("settled %d times, want 1", settled)
		}
		if got := balanceOf(t, repo, "buyer"); !got.Equal(money("37.50")) {
			t.Fatalf("buyer balance = %s, want 37.50", got)
		}
		if got := balanceOf(t, repo, "traveler"); !got.Equal(money("61.75")) {
			t.Fatalf("traveler balance = %s, want 61.75", got)
		}
		if _, err := repo.RecordConfirmation(context.Background(), l.ID, domain.RoleBuyer, contractNow); !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("confirm after completion: expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("settlement keeps listing matched when buyer is short", func(t *testing.T) {
		repo := newRepo(t)
		seedUser(t, repo, "buyer", "30")
		seedUser(t, repo, "traveler", "")
		l := newOpenListing("buyer", "50", "10")
		mustCreateListing(t, repo, l)
		bid := newPendingBid(l.ID, "traveler", "10")
		mustCreateBid(t, repo, bid)
		if _, err := repo.AcceptBid(context.Background(), AcceptBidParams{ListingID: l.ID, BidID: bid.ID, OtpBuyer: "1", OtpTraveler: "2", At: contractNow}); err != nil {
			t.Fatalf("accept: %v", err)
		}
		for _, role := range []domain.Role{domain.RoleBuyer, domain.RoleTraveler} {
			if _, err := repo.RecordConfirmation(context.Background(), l.ID, role, contractNow); err != nil {
				t.Fatalf("confirm %s: %v", role, err)
			}
		}
		if _, err := repo.SettleListing(context.Background(), l.ID, contractNow); !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
		awaiting, err := repo.FindListingsAwaitingSettlement(context.Background(), 10)
		if err != nil {
			t.Fatalf("awaiting: %v", err)
		}
		if len(awaiting) != 1 || awaiting[0].ID != l.ID {
			t.Fatalf("expected listing awaiting settlement, got %+v", awaiting)
		}
		if got := balanceOf(t, repo, "traveler"); !got.IsZero() {
			t.Fatalf("traveler paid despite failed settlement: %s", got)
		}
	})

	t.Run("notifications are recorded once", func(t *testing.T) {
		repo := newRepo(t)
		seedUser(t, repo, "buyer", "100")
		seedUser(t, repo, "traveler", "")
		l := newOpenListing("buyer", "50", "10")
		mustCreateListing(t, repo, l)

		first, err := repo.MarkNotified(context.Background(), "traveler", l.ID, contractNow)
		if err != nil || !first {
			t.Fatalf("first mark = %v, %v", first, err)
		}
		second, err := repo.MarkNotified(context.Background(), "traveler", l.ID, contractNow)
		if err != nil || second {
			t.Fatalf("second mark = %v, %v", second, err)
		}
		ids, err := repo.FindNotifiedListingIDs(context.Background(), "traveler")
		if err != nil {
			t.Fatalf("find notified: %v", err)
		}
		if _, ok := ids[l.ID]; !ok || len(ids) != 1 {
			t.Fatalf("unexpected notified set %v", ids)
		}
	})

	t.Run("ratings average over all time and reject repeats", func(t *testing.T) {
		repo := newRepo(t)
		seedUser(t, repo, "buyer", "200")
		seedUser(t, repo, "traveler", "")
		first := newOpenListing("buyer", "50", "10")
		second := newOpenListing("buyer", "20", "5")
		mustCreateListing(t, repo, first)
		mustCreateListing(t, repo, second)

		u, err := repo.SubmitRating(context.Background(), domain.Rating{ListingID: first.ID, RaterID: "buyer", TargetID: "traveler", Value: 5, CreatedAt: contractNow})
		if err != nil {
			t.Fatalf("rate first: %v", err)
		}
		if u.Rating != 5 || u.RatingCount != 1 {
			t.Fatalf("after first rating: %+v", u)
		}
		u, err = repo.SubmitRating(context.Background(), domain.Rating{ListingID: second.ID, RaterID: "buyer", TargetID: "traveler", Value: 2, CreatedAt: contractNow})
		if err != nil {
			t.Fatalf("rate second: %v", err)
		}
		if u.Rating != 3.5 || u.RatingCount != 2 {
			t.Fatalf("after second rating: %+v", u)
		}
		_, err = repo.SubmitRating(context.Background(), domain.Rating{ListingID: second.ID, RaterID: "buyer", TargetID: "traveler", Value: 1, CreatedAt: contractNow})
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("repeat rating: expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("availability round trips and filters", func(t *testing.T) {
		repo := newRepo(t)
		loc := domain.Location{Latitude: 1, Longitude: 2}
		if err := repo.UpdateAvailability(context.Background(), "t1", domain.Availability{IsAvailable: true, Location: &loc, RadiusKm: 5, UpdatedAt: contractNow}); err != nil {
			t.Fatalf("update t1: %v", err)
		}
		if err := repo.UpdateAvailability(context.Background(), "t2", domain.Availability{IsAvailable: true, RadiusKm: 5, UpdatedAt: contractNow}); err != nil {
			t.Fatalf("update t2: %v", err)
		}
		users, err := repo.FindAvailableUsers(context.Background())
		if err != nil {
			t.Fatalf("available: %v", err)
		}
		if len(users) != 1 || users[0].ID != "t1" || users[0].Availability.Location == nil || *users[0].Availability.Location != loc {
			t.Fatalf("unexpected available users %+v", users)
		}
	})

	t.Run("live location moves only while sharing", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		start := domain.Location{Latitude: 1, Longitude: 2}
		moved := domain.Location{Latitude: 1.5, Longitude: 2.5}
		later := contractNow.Add(time.Minute)
		if err := repo.UpdateAvailability(ctx, "live", domain.Availability{IsAvailable: true, Location: &start, RadiusKm: 5, IsLiveLocation: true, UpdatedAt: contractNow}); err != nil {
			t.Fatalf("update live: %v", err)
		}
		if err := repo.UpdateAvailability(ctx, "static", domain.Availability{IsAvailable: true, Location: &start, RadiusKm: 5, UpdatedAt: contractNow}); err != nil {
			t.Fatalf("update static: %v", err)
		}

		tests := []struct {
			user string
			want bool
		}{
			{user: "live", want: true},
			{user: "static", want: false},
			{user: "missing", want: false},
		}
		for _, tc := range tests {
			updated, err := repo.UpdateLiveLocation(ctx, tc.user, moved, later)
			if err != nil {
				t.Fatalf("%s: %v", tc.user, err)
			}
			if updated != tc.want {
				t.Fatalf("%s: updated = %v, want %v", tc.user, updated, tc.want)
			}
		}

		live, err := repo.FindUserByID(ctx, "live")
		if err != nil {
			t.Fatalf("find live: %v", err)
		}
		if *live.Availability.Location != moved || !live.Availability.UpdatedAt.Equal(later) || live.Availability.RadiusKm != 5 {
			t.Fatalf("unexpected live availability %+v", live.Availability)
		}
		static, err := repo.FindUserByID(ctx, "static")
		if err != nil {
			t.Fatalf("find static: %v", err)
		}
		if *static.Availability.Location != start {
			t.Fatalf("static traveler must not move, got %+v", static.Availability.Location)
		}
		if _, err := repo.FindUserByID(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("live update must not create users, got %v", err)
		}
	})

	t.Run("ending live availability is conditional", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		loc := domain.Location{Latitude: 1, Longitude: 2}
		if err := repo.UpdateAvailability(ctx, "live", domain.Availability{IsAvailable: true, Location: &loc, RadiusKm: 5, IsLiveLocation: true, UpdatedAt: contractNow}); err != nil {
			t.Fatalf("update live: %v", err)
		}
		if err := repo.UpdateAvailability(ctx, "static", domain.Availability{IsAvailable: true, Location: &loc, RadiusKm: 5, UpdatedAt: contractNow}); err != nil {
			t.Fatalf("update static: %v", err)
		}

		ended, err := repo.EndLiveAvailability(ctx, "live", contractNow)
		if err != nil || !ended {
			t.Fatalf("end live: ended=%v err=%v", ended, err)
		}
		if again, err := repo.EndLiveAvailability(ctx, "live", contractNow); err != nil || again {
			t.Fatalf("second end: ended=%v err=%v", again, err)
		}
		if ended, err := repo.EndLiveAvailability(ctx, "static", contractNow); err != nil || ended {
			t.Fatalf("static traveler: ended=%v err=%v", ended, err)
		}
		users, err := repo.FindAvailableUsers(ctx)
		if err != nil {
			t.Fatalf("available: %v", err)
		}
		if len(users) != 1 || users[0].ID != "static" {
			t.Fatalf("expected only the static traveler to stay available, got %+v", users)
		}
	})
}
