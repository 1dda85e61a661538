package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an outbound notification consumed by the chat/notification channel.
type EventType string

const (
	EventNewListingNearby           EventType = "new_listing_nearby"
	EventBidReceived                EventType = "bid_received"
	EventBidAccepted                EventType = "bid_accepted"
	EventBidDeclined                EventType = "bid_declined"
	EventBidExpired                 EventType = "bid_expired"
	EventDeliveryMatched            EventType = "delivery_matched"
	EventOtpConfirmedByCounterparty EventType = "otp_confirmed_by_counterparty"
	EventDeliveryCompleted          EventType = "delivery_completed"
	EventListingCancelled           EventType = "listing_cancelled"
	EventNotificationWithdrawn      EventType = "notification_withdrawn"
)

// NotificationEvent is the envelope published for every user-facing notification.
// Transient events carry a NotificationID and ExpiresAt so the channel can
// delete the message once EventNotificationWithdrawn arrives.
type NotificationEvent struct {
	EventID        uuid.UUID      `json:"event_id"`
	EventType      EventType      `json:"event_type"`
	UserID         string         `json:"user_id"`
	ListingID      *uuid.UUID     `json:"listing_id,omitempty"`
	BidID          *uuid.UUID     `json:"bid_id,omitempty"`
	NotificationID *uuid.UUID     `json:"notification_id,omitempty"`
	Transient      bool           `json:"transient"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

func (e NotificationEvent) RoutingKey() string {
	return "notification." + string(e.EventType)
}

// ListingSummary is the listing payload sent to travelers.
type ListingSummary struct {
	ListingID           uuid.UUID `json:"listing_id"`
	ItemDescription     string    `json:"item_description"`
	ItemPrice           string    `json:"item_price"`
	MaxFee              string    `json:"max_fee"`
	PickupLocation      Location  `json:"pickup_location"`
	DestinationLocation Location  `json:"destination_location"`
	DistanceKm          float64   `json:"distance_km"`
}

func SummarizeListing(l Listing, distanceKm float64) ListingSummary {
	return ListingSummary{
		ListingID:           l.ID,
		ItemDescription:     l.ItemDescription,
		ItemPrice:           l.ItemPrice.StringFixed(2),
		MaxFee:              l.MaxFee.StringFixed(2),
		PickupLocation:      l.PickupLocation,
		DestinationLocation: l.DestinationLocation,
		DistanceKm:          distanceKm,
	}
}

// LocationUpdate is the inbound message on the location stream.
type LocationUpdate struct {
	UserID    string    `json:"user_id"`
	Location  Location  `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}
