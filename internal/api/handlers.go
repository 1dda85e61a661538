/**
 * @description
 * HTTP handlers for the delivery engine. Handlers decode requests, call the
 * application service as the authenticated user and write JSON responses.
 * Every rejection carries the precondition that failed.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: engine operations and models.
 */

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/carrymate/delivery-service/internal/app"
	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DeliveryHandlers holds the application service that handlers will use.
type DeliveryHandlers struct {
	service *app.Service
	logger  *slog.Logger
}

func NewDeliveryHandlers(service *app.Service, logger *slog.Logger) *DeliveryHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryHandlers{service: service, logger: logger}
}

type createListingRequest struct {
	ItemDescription     string           `json:"item_description"`
	ItemPrice           decimal.Decimal  `json:"item_price"`
	MaxFee              decimal.Decimal  `json:"max_fee"`
	PickupLocation      *domain.Location `json:"pickup_location"`
	DestinationLocation *domain.Location `json:"destination_location"`
}

type submitBidRequest struct {
	ProposedFee decimal.Decimal `json:"proposed_fee"`
}

type matchResponse struct {
	Listing domain.Listing `json:"listing"`
	Bid     domain.Bid     `json:"bid"`
	Otp     string         `json:"otp"`
}

type submitOtpRequest struct {
	Role string `json:"role"`
	Code string `json:"code"`
}

type ratingRequest struct {
	Rating *int `json:"rating"`
}

type availabilityRequest struct {
	IsAvailable    bool             `json:"is_available"`
	Location       *domain.Location `json:"location"`
	RadiusKm       *float64         `json:"radius_km"`
	IsLiveLocation *bool            `json:"is_live_location"`
}

type locationRequest struct {
	Location *domain.Location `json:"location"`
}

type conversationRequest struct {
	Text string `json:"text"`
}

type topUpRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

type walletResponse struct {
	UserID      string          `json:"user_id"`
	Balance     decimal.Decimal `json:"balance"`
	Rating      float64         `json:"rating"`
	RatingCount int             `json:"rating_count"`
}

func (h *DeliveryHandlers) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok || userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Could not identify user from token")
		return "", false
	}
	return userID, true
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "Invalid request body")
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// CreateListingHandler reserves escrow and posts a listing for the caller.
func (h *DeliveryHandlers) CreateListingHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req createListingRequest
	if !decode(w, r, &req) {
		return
	}
	listing, err := h.service.CreateListing(r.Context(), domain.NewListingInput{
		BuyerID:             userID,
		ItemDescription:     req.ItemDescription,
		ItemPrice:           req.ItemPrice,
		MaxFee:              req.MaxFee,
		PickupLocation:      req.PickupLocation,
		DestinationLocation: req.DestinationLocation,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

func (h *DeliveryHandlers) ListListingsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	listings, err := h.service.ListMyListings(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

func (h *DeliveryHandlers) GetListingHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	listingID, ok := uuidParam(w, r, "listingID")
	if !ok {
		return
	}
	listing, err := h.service.GetListing(r.Context(), listingID, userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *DeliveryHandlers) CancelListingHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	listingID, ok := uuidParam(w, r, "listingID")
	if !ok {
		return
	}
	result, err := h.service.CancelListing(r.Context(), listingID, userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listing": result.Listing,
		"refund":  result.Refund,
	})
}

func (h *DeliveryHandlers) ListBidsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	listingID, ok := uuidParam(w, r, "listingID")
	if !ok {
		return
	}
	bids, err := h.service.ListBids(r.Context(), listingID, userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

func (h *DeliveryHandlers) SubmitBidHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	listingID, ok := uuidParam(w, r, "listingID")
	if !ok {
		return
	}
	var req submitBidRequest
	if !decode(w, r, &req) {
		return
	}
	bid, err := h.service.SubmitBid(r.Context(), listingID, userID, req.ProposedFee)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

// writeMatch shows the caller only their own code.
func (h *DeliveryHandlers) writeMatch(w http.ResponseWriter, userID string, result *app.MatchResult) {
	otp := result.OtpBuyer
	if userID == result.Listing.TravelerID {
		otp = result.OtpTraveler
	}
	writeJSON(w, http.StatusOK, matchResponse{
		Listing: result.Listing.ViewFor(userID),
		Bid:     result.Bid,
		Otp:     otp,
	})
}

func (h *DeliveryHandlers) DirectAcceptHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	listingID, ok := uuidParam(w, r, "listingID")
	if !ok {
		return
	}
	result, err := h.service.DirectAccept(r.Context(), listingID, userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.writeMatch(w, userID, result)
}

func (h *DeliveryHandlers) AcceptBidHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	listingID, ok := uuidParam(w, r, "listingID")
	if !ok {
		return
	}
	bidID, ok := uuidParam(w, r, "bidID")
	if !ok {
		return
	}
	result, err := h.service.AcceptBid(r.Context(), listingID, bidID, userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.writeMatch(w, userID, result)
}

func (h *DeliveryHandlers) DeclineBidHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	listingID, ok := uuidParam(w, r, "listingID")
	if !ok {
		return
	}
	bidID, ok := uuidParam(w, r, "bidID")
	if !ok {
		return
	}
	bid, err := h.service.DeclineBid(r.Context(), listingID, bidID, userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

func (h *DeliveryHandlers) SubmitOtpHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	listingID, ok := uuidParam(w, r, "listingID")
	if !ok {
		return
	}
	var req submitOtpRequest
	if !decode(w, r, &req) {
		return
	}
	var role domain.Role
	if req.Role != "" {
		parsed, err := domain.ParseRole(req.Role)
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		role = parsed
	}
	result, err := h.service.SubmitOtp(r.Context(), listingID, userID, role, req.Code)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *DeliveryHandlers) SubmitRatingHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	listingID, ok := uuidParam(w, r, "listingID")
	if !ok {
		return
	}
	var req ratingRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Rating == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "rating is required")
		return
	}
	target, err := h.service.SubmitRating(r.Context(), listingID, userID, *req.Rating)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      target.ID,
		"rating":       target.Rating,
		"rating_count": target.RatingCount,
	})
}

func (h *DeliveryHandlers) UpdateAvailabilityHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req availabilityRequest
	if !decode(w, r, &req) {
		return
	}
	user, err := h.service.SetAvailability(r.Context(), userID, app.AvailabilityInput{
		IsAvailable:    req.IsAvailable,
		Location:       req.Location,
		RadiusKm:       req.RadiusKm,
		IsLiveLocation: req.IsLiveLocation,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Availability)
}

func (h *DeliveryHandlers) PushLocationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Location == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "location is required")
		return
	}
	events, err := h.service.PushLocationUpdate(r.Context(), userID, *req.Location)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": events})
}

func (h *DeliveryHandlers) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{
		UserID:      user.ID,
		Balance:     user.WalletBalance,
		Rating:      user.Rating,
		RatingCount: user.RatingCount,
	})
}

func (h *DeliveryHandlers) ListWalletEntriesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.service.WalletEntries(r.Context(), userID, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ConversationHandler advances the caller's chat flow by one message.
func (h *DeliveryHandlers) ConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req conversationRequest
	if !decode(w, r, &req) {
		return
	}
	reply, err := h.service.HandleConversationInput(r.Context(), userID, req.Text)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// InternalTopUpHandler credits a wallet on behalf of the payments system.
func (h *DeliveryHandlers) InternalTopUpHandler(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.service.TopUp(r.Context(), req.UserID, req.Amount)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
