/**
 * @description
 * This file defines the core delivery engine. The Service orchestrates listing
 * creation, traveler fan-out, bidding, matching, OTP confirmation and settlement on
 * top of the store.Repository, and publishes notifications through a Notifier.
 *
 * @dependencies
 * - log/slog: structured logging.
 * - internal/store: transactional persistence.
 * - internal/clock: injectable time source.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/carrymate/delivery-service/internal/clock"
	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/carrymate/delivery-service/internal/store"
	"github.com/google/uuid"
)

// Settings holds the tunable timings of the engine.
type Settings struct {
	BidDecisionTimeout  time.Duration
	OtpLength           int
	OtpMaxAttempts      int
	OtpAttemptWindow    time.Duration
	LiveMoveThresholdKm float64
	LiveRescanInterval  time.Duration
	LiveStaleTimeout    time.Duration
	LiveBatchSize       int
	TransientTTL        time.Duration
	SweepBatchSize      int
}

func DefaultSettings() Settings {
	return Settings{
		BidDecisionTimeout:  20 * time.Minute,
		OtpLength:           6,
		OtpMaxAttempts:      0,
		OtpAttemptWindow:    15 * time.Minute,
		LiveMoveThresholdKm: 0.1,
		LiveRescanInterval:  5 * time.Minute,
		LiveStaleTimeout:    2 * time.Minute,
		LiveBatchSize:       3,
		TransientTTL:        60 * time.Second,
		SweepBatchSize:      500,
	}
}

// Service contains the business logic for the delivery engine.
type Service struct {
	repo     store.Repository
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
	timers   *TaskTimer
	tracker  *LocationTracker
	attempts OtpAttemptGuard
	otpGen   func(length int) (string, error)
	settings Settings

	conversations ConversationStore
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSettings(settings Settings) Option {
	return func(s *Service) {
		s.settings = settings
	}
}

// WithOtpAttemptGuard enables the wrong-code lockout when Settings.OtpMaxAttempts > 0.
func WithOtpAttemptGuard(guard OtpAttemptGuard) Option {
	return func(s *Service) {
		s.attempts = guard
	}
}

// WithConversationStore replaces the in-process chat state store.
func WithConversationStore(store ConversationStore) Option {
	return func(s *Service) {
		if store != nil {
			s.conversations = store
		}
	}
}

func WithOtpGenerator(gen func(length int) (string, error)) Option {
	return func(s *Service) {
		if gen != nil {
			s.otpGen = gen
		}
	}
}

// NewService creates a new delivery engine.
func NewService(repo store.Repository, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		notifier: notifier,
		clock:    clock.NewSystem(),
		logger:   slog.Default(),
		timers:   NewTaskTimer(),
		tracker:  NewLocationTracker(),
		otpGen:   GenerateOtp,
		settings: DefaultSettings(),

		conversations: NewMemoryConversationStore(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close cancels every scheduled bid expiry and notification withdrawal.
func (s *Service) Close() {
	s.timers.Stop()
}

func (s *Service) now() time.Time {
	return s.clock.Now()
}

// publish delivers a notification. Failures are logged and never undo the
// state change that triggered them.
func (s *Service) publish(ctx context.Context, event domain.NotificationEvent) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("notification delivery failed",
			"event_type", event.EventType,
			"user_id", event.UserID,
			"err", err,
		)
	}
}

func listingEvent(eventType domain.EventType, userID string, listingID uuid.UUID, data map[string]any) domain.NotificationEvent {
	id := listingID
	return domain.NotificationEvent{
		EventType: eventType,
		UserID:    userID,
		ListingID: &id,
		Data:      data,
	}
}

func bidEvent(eventType domain.EventType, userID string, bid domain.Bid, data map[string]any) domain.NotificationEvent {
	event := listingEvent(eventType, userID, bid.ListingID, data)
	bidID := bid.ID
	event.BidID = &bidID
	return event
}
