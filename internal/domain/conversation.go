package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConversationState is the step a user is at in the chat flow.
type ConversationState string

const (
	ConversationIdle             ConversationState = "idle"
	ConversationDraftDescription ConversationState = "draft_description"
	ConversationDraftPrice       ConversationState = "draft_price"
	ConversationDraftMaxFee      ConversationState = "draft_max_fee"
	ConversationDraftPickup      ConversationState = "draft_pickup"
	ConversationDraftDestination ConversationState = "draft_destination"
	ConversationDraftConfirm     ConversationState = "draft_confirm"
	ConversationAwaitingBidFee   ConversationState = "awaiting_bid_fee"
	ConversationAwaitingOtp      ConversationState = "awaiting_otp"
	ConversationAwaitingRating   ConversationState = "awaiting_rating"
)

// ConversationStates lists every state, in flow order.
var ConversationStates = []ConversationState{
	ConversationIdle,
	ConversationDraftDescription,
	ConversationDraftPrice,
	ConversationDraftMaxFee,
	ConversationDraftPickup,
	ConversationDraftDestination,
	ConversationDraftConfirm,
	ConversationAwaitingBidFee,
	ConversationAwaitingOtp,
	ConversationAwaitingRating,
}

var conversationTransitions = map[ConversationState][]ConversationState{
	ConversationIdle: {
		ConversationDraftDescription,
		ConversationAwaitingBidFee,
		ConversationAwaitingOtp,
		ConversationAwaitingRating,
	},
	ConversationDraftDescription: {ConversationDraftPrice},
	ConversationDraftPrice:       {ConversationDraftMaxFee},
	ConversationDraftMaxFee:      {ConversationDraftPickup},
	ConversationDraftPickup:      {ConversationDraftDestination},
	ConversationDraftDestination: {ConversationDraftConfirm},
	ConversationDraftConfirm:     {},
	ConversationAwaitingBidFee:   {},
	ConversationAwaitingOtp:      {ConversationAwaitingRating},
	ConversationAwaitingRating:   {},
}

// ListingDraft accumulates listing fields across chat turns.
type ListingDraft struct {
	ItemDescription     string              `json:"item_description,omitempty"`
	ItemPrice           decimal.NullDecimal `json:"item_price"`
	MaxFee              decimal.NullDecimal `json:"max_fee"`
	PickupLocation      *Location           `json:"pickup_location,omitempty"`
	DestinationLocation *Location           `json:"destination_location,omitempty"`
}

// Input converts a completed draft into a listing request.
func (d ListingDraft) Input(buyerID string) NewListingInput {
	return NewListingInput{
		BuyerID:             buyerID,
		ItemDescription:     d.ItemDescription,
		ItemPrice:           d.ItemPrice.Decimal,
		MaxFee:              d.MaxFee.Decimal,
		PickupLocation:      d.PickupLocation,
		DestinationLocation: d.DestinationLocation,
	}
}

// Conversation is the per-user chat state machine. Draft is only meaningful in
// draft states; ListingID only in the awaiting states.
type Conversation struct {
	UserID    string            `json:"user_id"`
	State     ConversationState `json:"state"`
	Draft     ListingDraft      `json:"draft"`
	ListingID *uuid.UUID        `json:"listing_id,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func NewConversation(userID string) Conversation {
	return Conversation{UserID: userID, State: ConversationIdle}
}

// CanTransition reports whether next is a legal step from the current state.
// Returning to Idle is always allowed.
func (c Conversation) CanTransition(next ConversationState) bool {
	if next == ConversationIdle {
		return true
	}
	for _, allowed := range conversationTransitions[c.State] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition moves to next, clearing payload that does not belong to it.
func (c *Conversation) Transition(next ConversationState, at time.Time) error {
	if !c.CanTransition(next) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, c.State, next)
	}
	c.State = next
	c.UpdatedAt = at
	if next == ConversationIdle {
		c.Draft = ListingDraft{}
		c.ListingID = nil
	}
	return nil
}

// Validate checks that the payload matches the state.
func (c Conversation) Validate() error {
	if _, ok := conversationTransitions[c.State]; !ok {
		return fmt.Errorf("%w: unknown conversation state %q", ErrInvalidState, c.State)
	}
	switch c.State {
	case ConversationAwaitingBidFee, ConversationAwaitingOtp, ConversationAwaitingRating:
		if c.ListingID == nil {
			return fmt.Errorf("%w: %s requires a listing", ErrInvalidState, c.State)
		}
	case ConversationDraftPrice, ConversationDraftMaxFee, ConversationDraftPickup, ConversationDraftDestination, ConversationDraftConfirm:
		if c.Draft.ItemDescription == "" {
			return fmt.Errorf("%w: %s requires a description", ErrInvalidState, c.State)
		}
	}
	return nil
}
