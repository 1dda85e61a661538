package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carrymate/delivery-service/internal/domain"
)

func matchedListing(t *testing.T, env *testEnv, buyerFunds string) *domain.Listing {
	t.Helper()
	ctx := context.Background()
	env.fund(t, "buyer", buyerFunds)
	listing := env.listing(t, "buyer", "50", "10", origin)
	bid, err := env.svc.SubmitBid(ctx, listing.ID, "traveler", dec("15"))
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if _, err := env.svc.AcceptBid(ctx, listing.ID, bid.ID, "buyer"); err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	return listing
}

func TestSubmitOtpGuards(t *testing.T) {
	env := newTestEnv(t, nil, WithOtpGenerator(sequenceOtps("1234", "5678")))
	ctx := context.Background()
	listing := matchedListing(t, env, "100")

	tests := []struct {
		name    string
		actor   string
		role    domain.Role
		code    string
		wantErr error
	}{
		{name: "stranger", actor: "stranger", code: "5678", wantErr: domain.ErrForbidden},
		{name: "wrong role claimed", actor: "traveler", role: domain.RoleBuyer, code: "5678", wantErr: domain.ErrForbidden},
		{name: "empty code", actor: "buyer", code: "", wantErr: domain.ErrInvalidOtp},
		{name: "own code", actor: "traveler", code: "5678", wantErr: domain.ErrInvalidOtp},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.svc.SubmitOtp(ctx, listing.ID, tc.actor, tc.role, tc.code); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	open := env.listing(t, "buyer", "10", "2", origin)
	if _, err := env.svc.SubmitOtp(ctx, open.ID, "buyer", "", "1234"); !errors.Is(err, domain.ErrForbidden) && !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected open listing to reject otp, got %v", err)
	}
}

func TestConfirmationIsIdempotentPerSide(t *testing.T) {
	env := newTestEnv(t, nil, WithOtpGenerator(sequenceOtps("1234", "5678")))
	ctx := context.Background()
	listing := matchedListing(t, env, "100")

	for i := 0; i < 2; i++ {
		if _, err := env.svc.SubmitOtp(ctx, listing.ID, "buyer", domain.RoleBuyer, "5678"); err != nil {
			t.Fatalf("buyer otp: %v", err)
		}
	}
	if got := len(env.notifier.find("traveler", domain.EventOtpConfirmedByCounterparty)); got != 1 {
		t.Fatalf("expected a single counterparty notification, got %d", got)
	}
}

func TestConcurrentFinalConfirmationsSettleOnce(t *testing.T) {
	env := newTestEnv(t, nil, WithOtpGenerator(sequenceOtps("1234", "5678")))
	ctx := context.Background()
	listing := matchedListing(t, env, "100")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = env.svc.SubmitOtp(ctx, listing.ID, "buyer", domain.RoleBuyer, "5678")
		}()
		go func() {
			defer wg.Done()
			_, _ = env.svc.SubmitOtp(ctx, listing.ID, "traveler", domain.RoleTraveler, "1234")
		}()
	}
	wg.Wait()

	got, _ := env.repo.FindListingByID(ctx, listing.ID)
	if got.Status != domain.ListingStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if b := env.balance(t, "buyer"); !b.Equal(dec("37.5")) {
		t.Fatalf("expected buyer debited exactly once, balance %s", b)
	}
	if b := env.balance(t, "traveler"); !b.Equal(dec("61.75")) {
		t.Fatalf("expected traveler paid exactly once, balance %s", b)
	}
	if n := env.notifier.count(domain.EventDeliveryCompleted); n != 2 {
		t.Fatalf("expected one completion per party, got %d", n)
	}
}

func TestSettlementDeferredOnBuyerShortfall(t *testing.T) {
	env := newTestEnv(t, nil, WithOtpGenerator(sequenceOtps("1234", "5678")))
	ctx := context.Background()
	listing := matchedListing(t, env, "30")

	if _, err := env.svc.SubmitOtp(ctx, listing.ID, "buyer", "", "5678"); err != nil {
		t.Fatalf("buyer otp: %v", err)
	}
	res, err := env.svc.SubmitOtp(ctx, listing.ID, "traveler", "", "1234")
	if err != nil {
		t.Fatalf("traveler otp: %v", err)
	}
	if !res.Confirmed || res.Settled {
		t.Fatalf("expected confirmed but unsettled on shortfall, got %+v", res)
	}
	got, _ := env.repo.FindListingByID(ctx, listing.ID)
	if got.Status != domain.ListingStatusMatched || !got.BothConfirmed() {
		t.Fatalf("expected listing to await settlement, got %s", got.Status)
	}

	if n, err := env.svc.SettlePending(ctx); err != nil || n != 0 {
		t.Fatalf("expected retry to keep waiting while short, got %d %v", n, err)
	}
	env.fund(t, "buyer", "40")
	n, err := env.svc.SettlePending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one settlement on retry, got %d %v", n, err)
	}
	if b := env.balance(t, "buyer"); !b.Equal(dec("7.5")) {
		t.Fatalf("expected buyer balance 7.50, got %s", b)
	}
	if n, _ := env.svc.SettlePending(ctx); n != 0 {
		t.Fatalf("expected nothing left to settle, got %d", n)
	}
}

type failingAttemptGuard struct {
	err error
}

func (g failingAttemptGuard) LockedFor(ctx context.Context, key string, limit int) (time.Duration, error) {
	return 0, g.err
}

func (g failingAttemptGuard) RecordMismatch(ctx context.Context, key string, window time.Duration) (int, error) {
	return 0, g.err
}

func (g failingAttemptGuard) Clear(ctx context.Context, key string) error {
	return g.err
}

func lockoutEnv(t *testing.T, maxAttempts int) (*testEnv, *MemoryOtpAttempts) {
	t.Helper()
	env := newTestEnv(t, func(s *Settings) {
		s.OtpMaxAttempts = maxAttempts
		s.OtpAttemptWindow = 15 * time.Minute
	}, WithOtpGenerator(sequenceOtps("1234", "5678")))
	guard := NewMemoryOtpAttempts(env.clock)
	env.svc.attempts = guard
	return env, guard
}

func TestOtpLockoutCountsOnlyMismatches(t *testing.T) {
	env, _ := lockoutEnv(t, 2)
	ctx := context.Background()
	listing := matchedListing(t, env, "100")

	_, err := env.svc.SubmitOtp(ctx, listing.ID, "buyer", "", "0000")
	if !errors.Is(err, domain.ErrInvalidOtp) || !strings.Contains(err.Error(), "1 attempts left") {
		t.Fatalf("expected first mismatch with one attempt left, got %v", err)
	}
	if _, err := env.svc.SubmitOtp(ctx, listing.ID, "buyer", "", "0000"); !errors.Is(err, domain.ErrInvalidOtp) {
		t.Fatalf("expected second mismatch, got %v", err)
	}
	if _, err := env.svc.SubmitOtp(ctx, listing.ID, "buyer", "", "5678"); !errors.Is(err, domain.ErrTooManyAttempts) {
		t.Fatalf("expected the buyer side to be locked, got %v", err)
	}

	// The lock is per side of the listing.
	if _, err := env.svc.SubmitOtp(ctx, listing.ID, "traveler", "", "1234"); err != nil {
		t.Fatalf("traveler must not be affected by the buyer's mistakes: %v", err)
	}

	env.clock.Advance(16 * time.Minute)
	res, err := env.svc.SubmitOtp(ctx, listing.ID, "buyer", "", "5678")
	if err != nil || !res.Settled {
		t.Fatalf("expected buyer to confirm once the window passed, got %+v %v", res, err)
	}
}

func TestOtpLockoutClearsOnCorrectCode(t *testing.T) {
	env, guard := lockoutEnv(t, 2)
	ctx := context.Background()
	listing := matchedListing(t, env, "100")

	if _, err := env.svc.SubmitOtp(ctx, listing.ID, "buyer", "", "0000"); !errors.Is(err, domain.ErrInvalidOtp) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if _, err := env.svc.SubmitOtp(ctx, listing.ID, "buyer", "", "5678"); err != nil {
		t.Fatalf("correct code: %v", err)
	}
	key := otpAttemptKey(listing.ID, domain.RoleBuyer)
	if _, ok := guard.entries[key]; ok {
		t.Fatal("expected the mismatch count to be cleared after a correct code")
	}
	// Correct entries never count toward the lockout.
	for i := 0; i < 3; i++ {
		if _, err := env.svc.SubmitOtp(ctx, listing.ID, "buyer", "", "5678"); err != nil {
			t.Fatalf("repeat confirmation %d: %v", i, err)
		}
	}
}

func TestOtpLockoutFailsOpen(t *testing.T) {
	env := newTestEnv(t, func(s *Settings) { s.OtpMaxAttempts = 1 },
		WithOtpGenerator(sequenceOtps("1234", "5678")),
		WithOtpAttemptGuard(failingAttemptGuard{err: errors.New("redis down")}),
	)
	ctx := context.Background()
	listing := matchedListing(t, env, "100")
	if _, err := env.svc.SubmitOtp(ctx, listing.ID, "buyer", "", "0000"); !errors.Is(err, domain.ErrInvalidOtp) {
		t.Fatalf("expected plain mismatch, got %v", err)
	}
	if _, err := env.svc.SubmitOtp(ctx, listing.ID, "buyer", "", "5678"); err != nil {
		t.Fatalf("expected attempt to pass through, got %v", err)
	}
}

func TestGenerateOtp(t *testing.T) {
	code, err := GenerateOtp(6)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("expected 6 digits, got %q", code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("expected digits only, got %q", code)
		}
	}
	if _, err := GenerateOtp(0); err == nil {
		t.Fatal("expected error for zero length")
	}
	if otpMatches("", "") {
		t.Fatal("empty expected code must never match")
	}
}

func TestSubmitRating(t *testing.T) {
	env := newTestEnv(t, nil, WithOtpGenerator(sequenceOtps("1234", "5678")))
	ctx := context.Background()
	listing := matchedListing(t, env, "100")

	if _, err := env.svc.SubmitRating(ctx, listing.ID, "buyer", 5); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected rating before completion to fail, got %v", err)
	}
	if _, err := env.svc.SubmitOtp(ctx, listing.ID, "buyer", "", "5678"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SubmitOtp(ctx, listing.ID, "traveler", "", "1234"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		rater   string
		value   int
		wantErr error
	}{
		{name: "out of range", rater: "buyer", value: 6, wantErr: domain.ErrInvalidInput},
		{name: "negative", rater: "buyer", value: -1, wantErr: domain.ErrInvalidInput},
		{name: "stranger", rater: "stranger", value: 3, wantErr: domain.ErrForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.svc.SubmitRating(ctx, listing.ID, tc.rater, tc.value); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	traveler, err := env.svc.SubmitRating(ctx, listing.ID, "buyer", 4)
	if err != nil {
		t.Fatalf("rate traveler: %v", err)
	}
	if traveler.ID != "traveler" || traveler.Rating != 4 || traveler.RatingCount != 1 {
		t.Fatalf("unexpected traveler rating %+v", traveler)
	}
	buyer, err := env.svc.SubmitRating(ctx, listing.ID, "traveler", 0)
	if err != nil {
		t.Fatalf("rate buyer: %v", err)
	}
	if buyer.ID != "buyer" || buyer.Rating != 0 || buyer.RatingCount != 1 {
		t.Fatalf("unexpected buyer rating %+v", buyer)
	}
	if _, err := env.svc.SubmitRating(ctx, listing.ID, "buyer", 5); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected duplicate rating to fail, got %v", err)
	}
}
