package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/carrymate/delivery-service/internal/clock"
	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/carrymate/delivery-service/internal/store"
	"github.com/shopspring/decimal"
)

var (
	origin   = domain.Location{Latitude: 6.5244, Longitude: 3.3792}
	nearby   = domain.Location{Latitude: 6.5334, Longitude: 3.3792} // ~1 km north
	farAway  = domain.Location{Latitude: 9.0765, Longitude: 7.3986}
	dropSite = domain.Location{Latitude: 6.4550, Longitude: 3.3941}
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.NotificationEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, event domain.NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) find(userID string, eventType domain.EventType) []domain.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.NotificationEvent
	for _, e := range n.events {
		if e.UserID == userID && e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (n *recordingNotifier) count(eventType domain.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.EventType == eventType {
			c++
		}
	}
	return c
}

type testEnv struct {
	svc      *Service
	repo     *store.MemoryRepository
	notifier *recordingNotifier
	clock    *clock.Manual
}

func newTestEnv(t *testing.T, mutate func(*Settings), opts ...Option) *testEnv {
	t.Helper()
	settings := DefaultSettings()
	if mutate != nil {
		mutate(&settings)
	}
	env := &testEnv{
		repo:     store.NewMemoryRepository(),
		notifier: &recordingNotifier{},
		clock:    clock.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	base := []Option{
		WithClock(env.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSettings(settings),
	}
	env.svc = NewService(env.repo, env.notifier, append(base, opts...)...)
	t.Cleanup(env.svc.Close)
	return env
}

func (e *testEnv) fund(t *testing.T, userID, amount string) {
	t.Helper()
	if _, err := e.repo.TopUpWallet(context.Background(), userID, decimal.RequireFromString(amount), e.clock.Now()); err != nil {
		t.Fatalf("top up %s: %v", userID, err)
	}
}

func (e *testEnv) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	u, err := e.repo.FindUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("find user %s: %v", userID, err)
	}
	return u.WalletBalance
}

func (e *testEnv) listing(t *testing.T, buyerID, price, maxFee string, pickup domain.Location) *domain.Listing {
	t.Helper()
	drop := dropSite
	l, err := e.svc.CreateListing(context.Background(), domain.NewListingInput{
		BuyerID:             buyerID,
		ItemDescription:     "phone charger",
		ItemPrice:           decimal.RequireFromString(price),
		MaxFee:              decimal.RequireFromString(maxFee),
		PickupLocation:      &pickup,
		DestinationLocation: &drop,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l
}

func (e *testEnv) available(t *testing.T, userID string, loc domain.Location, radiusKm float64, live bool) {
	t.Helper()
	if _, err := e.svc.SetAvailability(context.Background(), userID, AvailabilityInput{
		IsAvailable:    true,
		Location:       &loc,
		RadiusKm:       &radiusKm,
		IsLiveLocation: &live,
	}); err != nil {
		t.Fatalf("set availability for %s: %v", userID, err)
	}
}

func sequenceOtps(codes ...string) func(int) (string, error) {
	var mu sync.Mutex
	i := 0
	return func(int) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i%len(codes)]
		i++
		return code, nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
