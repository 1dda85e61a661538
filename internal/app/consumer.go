package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/carrymate/delivery-service/internal/domain"
)

// LocationConsumer feeds live-location pings from the message bus into the engine.
type LocationConsumer struct {
	service *Service
	logger  *slog.Logger
}

func NewLocationConsumer(service *Service, logger *slog.Logger) *LocationConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocationConsumer{service: service, logger: logger}
}

// HandleMessage returns false only for failures worth redelivering. Pings for
// users who stopped sharing, or malformed ones, are acknowledged and dropped.
func (c *LocationConsumer) HandleMessage(body []byte) bool {
	var update domain.LocationUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		c.logger.Warn("location-consumer: failed to unmarshal payload", "err", err)
		return true
	}
	if update.UserID == "" {
		c.logger.Warn("location-consumer: missing user id")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	events, err := c.service.PushReportedLocation(ctx, update)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotFound) {
			c.logger.Debug("location-consumer: dropping update", "user_id", update.UserID, "err", err)
			return true
		}
		c.logger.Error("location-consumer: processing error", "user_id", update.UserID, "err", err)
		return false
	}
	if len(events) > 0 {
		c.logger.Info("location-consumer: pushed nearby listings", "user_id", update.UserID, "count", len(events))
	}
	return true
}
