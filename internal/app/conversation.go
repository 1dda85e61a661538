package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const conversationHelp = "Commands: /sell to post an item, /bid <listing id> to offer a fee, " +
	"/otp <listing id> to confirm a delivery, /rate <listing id> to rate, /cancel to stop."

// HandleConversationInput advances the user's chat flow by one message and
// returns the reply to send back. Rejected input keeps the current step and
// explains which precondition failed; only infrastructure failures return an error.
func (s *Service) HandleConversationInput(ctx context.Context, userID, text string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user is required", domain.ErrInvalidInput)
	}
	conv, err := s.conversations.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)

	var reply string
	if strings.HasPrefix(text, "/") {
		reply, err = s.handleCommand(ctx, &conv, text)
	} else {
		reply, err = s.handleStep(ctx, &conv, text)
	}
	if err != nil {
		if domain.Kind(err) == nil {
			return "", err
		}
		reply = userMessage(err)
	}
	if err := s.conversations.Save(ctx, conv); err != nil {
		return "", err
	}
	return reply, nil
}

func (s *Service) handleCommand(ctx context.Context, conv *domain.Conversation, text string) (string, error) {
	fields := strings.Fields(text)
	command := strings.ToLower(fields[0])
	now := s.now()

	if command == "/cancel" {
		_ = conv.Transition(domain.ConversationIdle, now)
		return "Okay, cancelled. " + conversationHelp, nil
	}
	if command == "/sell" {
		_ = conv.Transition(domain.ConversationIdle, now)
		if err := conv.Transition(domain.ConversationDraftDescription, now); err != nil {
			return "", err
		}
		return "What item do you need delivered?", nil
	}

	var next domain.ConversationState
	var prompt string
	switch command {
	case "/bid":
		next, prompt = domain.ConversationAwaitingBidFee, "What fee do you want for this delivery?"
	case "/otp":
		next, prompt = domain.ConversationAwaitingOtp, "Enter the code your counterparty gave you."
	case "/rate":
		next, prompt = domain.ConversationAwaitingRating, "Rate your counterparty from 0 to 5."
	default:
		return conversationHelp, nil
	}
	if len(fields) < 2 {
		return "", fmt.Errorf("%w: usage is %s <listing id>", domain.ErrInvalidInput, command)
	}
	listingID, err := uuid.Parse(fields[1])
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a listing id", domain.ErrInvalidInput, fields[1])
	}
	listing, err := s.repo.FindListingByID(ctx, listingID)
	if err != nil {
		return "", err
	}
	if next == domain.ConversationAwaitingBidFee {
		prompt = fmt.Sprintf("%s The minimum is %s.", prompt, listing.MaxFee.StringFixed(2))
	}

	_ = conv.Transition(domain.ConversationIdle, now)
	if err := conv.Transition(next, now); err != nil {
		return "", err
	}
	conv.ListingID = &listing.ID
	return prompt, nil
}

func (s *Service) handleStep(ctx context.Context, conv *domain.Conversation, text string) (string, error) {
	now := s.now()
	switch conv.State {
	case domain.ConversationIdle:
		return conversationHelp, nil

	case domain.ConversationDraftDescription:
		if text == "" {
			return "", fmt.Errorf("%w: item description is required", domain.ErrInvalidInput)
		}
		conv.Draft.ItemDescription = text
		return "What is the item price?", conv.Transition(domain.ConversationDraftPrice, now)

	case domain.ConversationDraftPrice:
		price, err := parseAmount(text, "item price")
		if err != nil {
			return "", err
		}
		conv.Draft.ItemPrice = decimal.NewNullDecimal(price)
		return "What is the most you will pay as a delivery fee?", conv.Transition(domain.ConversationDraftMaxFee, now)

	case domain.ConversationDraftMaxFee:
		fee, err := parseAmount(text, "max fee")
		if err != nil {
			return "", err
		}
		conv.Draft.MaxFee = decimal.NewNullDecimal(fee)
		return "Send the pickup location as lat,lng (0,0 if it can be picked up anywhere).", conv.Transition(domain.ConversationDraftPickup, now)

	case domain.ConversationDraftPickup:
		loc, err := domain.ParseLocation(text)
		if err != nil {
			return "", err
		}
		conv.Draft.PickupLocation = &loc
		return "Send the destination as lat,lng.", conv.Transition(domain.ConversationDraftDestination, now)

	case domain.ConversationDraftDestination:
		loc, err := domain.ParseLocation(text)
		if err != nil {
			return "", err
		}
		conv.Draft.DestinationLocation = &loc
		if err := conv.Transition(domain.ConversationDraftConfirm, now); err != nil {
			return "", err
		}
		in := conv.Draft.Input(conv.UserID)
		return fmt.Sprintf("%s for %s, fee up to %s. We will hold %s from your wallet. Reply yes to post or /cancel.",
			in.ItemDescription,
			in.ItemPrice.StringFixed(2),
			in.MaxFee.StringFixed(2),
			domain.ReservedAmount(in.ItemPrice, in.MaxFee).StringFixed(2),
		), nil

	case domain.ConversationDraftConfirm:
		if !strings.EqualFold(text, "yes") {
			return "Reply yes to post the listing or /cancel to discard it.", nil
		}
		listing, err := s.CreateListing(ctx, conv.Draft.Input(conv.UserID))
		if err != nil {
			return "", err
		}
		_ = conv.Transition(domain.ConversationIdle, now)
		return fmt.Sprintf("Listing %s is live. Travelers nearby have been notified.", listing.ID), nil

	case domain.ConversationAwaitingBidFee:
		fee, err := parseAmount(text, "fee")
		if err != nil {
			return "", err
		}
		bid, err := s.SubmitBid(ctx, *conv.ListingID, conv.UserID, fee)
		if err != nil {
			return "", err
		}
		_ = conv.Transition(domain.ConversationIdle, now)
		return fmt.Sprintf("Bid of %s sent. The buyer has until %s to decide.",
			bid.ProposedFee.StringFixed(2), bid.ExpiresAt.Format("15:04")), nil

	case domain.ConversationAwaitingOtp:
		listingID := *conv.ListingID
		result, err := s.SubmitOtp(ctx, listingID, conv.UserID, "", text)
		if err != nil {
			return "", err
		}
		if !result.Settled {
			_ = conv.Transition(domain.ConversationIdle, now)
			return "Code confirmed. Waiting for the other side to confirm.", nil
		}
		if err := conv.Transition(domain.ConversationAwaitingRating, now); err != nil {
			return "", err
		}
		return "Delivery completed. Rate your counterparty from 0 to 5.", nil

	case domain.ConversationAwaitingRating:
		value, err := strconv.Atoi(text)
		if err != nil {
			return "", fmt.Errorf("%w: rating must be a whole number from %d to %d", domain.ErrInvalidInput, domain.MinRating, domain.MaxRating)
		}
		if _, err := s.SubmitRating(ctx, *conv.ListingID, conv.UserID, value); err != nil {
			return "", err
		}
		_ = conv.Transition(domain.ConversationIdle, now)
		return "Thanks for rating.", nil
	}
	return "", fmt.Errorf("%w: unknown conversation state %q", domain.ErrInvalidState, conv.State)
}

func parseAmount(text, field string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimPrefix(strings.TrimSpace(text), "$"))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s must be a number", domain.ErrInvalidInput, field)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s must be greater than zero", domain.ErrInvalidInput, field)
	}
	if err := domain.ValidateCents(field, amount); err != nil {
		return decimal.Zero, err
	}
	return amount.Round(2), nil
}

// userMessage strips the error kind prefix, leaving the failed precondition.
func userMessage(err error) string {
	msg := err.Error()
	if kind := domain.Kind(err); kind != nil {
		msg = strings.TrimPrefix(msg, kind.Error()+": ")
	}
	if msg == "" {
		return "Something went wrong. Please try again."
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
