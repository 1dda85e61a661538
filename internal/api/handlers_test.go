package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carrymate/delivery-service/internal/app"
	"github.com/carrymate/delivery-service/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

type apiEnv struct {
	handler http.Handler
	service *app.Service
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := app.NewService(store.NewMemoryRepository(), nil, app.WithLogger(logger))
	t.Cleanup(svc.Close)
	h := NewDeliveryHandlers(svc, logger)
	return &apiEnv{
		handler: DeliveryRoutes(h, RouterConfig{JWTSecret: testSecret, InternalAPIKey: "internal-key"}),
		service: svc,
	}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (e *apiEnv) do(t *testing.T, method, path, userID string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, out
}

func (e *apiEnv) topUp(t *testing.T, userID, amount string) {
	t.Helper()
	raw, _ := json.Marshal(map[string]string{"user_id": userID, "amount": amount})
	req := httptest.NewRequest(http.MethodPost, "/deliveries/internal/wallet/topup", bytes.NewReader(raw))
	req.Header.Set("X-Internal-API-Key", "internal-key")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("top up failed: %d %s", rec.Code, rec.Body.String())
	}
}

func listingBody() map[string]interface{} {
	return map[string]interface{}{
		"item_description":     "headphones",
		"item_price":           "50",
		"max_fee":              "10",
		"pickup_location":      map[string]float64{"latitude": 6.5244, "longitude": 3.3792},
		"destination_location": map[string]float64{"latitude": 6.455, "longitude": 3.3941},
	}
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	rec, _ := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "healthy" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t)
	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "not bearer", header: "Token abc"},
		{name: "bad signature", header: "Bearer " + func() string {
			tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u"}).SignedString([]byte("other"))
			return tok
		}()},
		{name: "no subject", header: "Bearer " + func() string {
			tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}).SignedString([]byte(testSecret))
			return tok
		}()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/deliveries/wallet", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestInternalTopUpRequiresKey(t *testing.T) {
	env := newAPIEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/deliveries/internal/wallet/topup", strings.NewReader(`{"user_id":"u","amount":"5"}`))
	req.Header.Set("X-Internal-API-Key", "wrong")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDeliveryFlowOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	env.topUp(t, "buyer", "100")

	rec, listing := env.do(t, http.MethodPost, "/deliveries/listings", "buyer", listingBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create listing: %d %s", rec.Code, rec.Body.String())
	}
	if listing["reserved_amount"] != "30" || listing["status"] != "OPEN" {
		t.Fatalf("unexpected listing %v", listing)
	}
	listingPath := "/deliveries/listings/" + listing["id"].(string)

	rec, body := env.do(t, http.MethodPost, listingPath+"/bids", "traveler", map[string]string{"proposed_fee": "9"})
	if rec.Code != http.StatusUnprocessableEntity || body["code"] != "fee_too_low" || body["error"] != "fee must be at least 10.00" {
		t.Fatalf("expected fee_too_low, got %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPost, listingPath+"/bids", "buyer", map[string]string{"proposed_fee": "12"})
	if rec.Code != http.StatusConflict || body["code"] != "self_bid_not_allowed" {
		t.Fatalf("expected self bid conflict, got %d %v", rec.Code, body)
	}

	rec, bid := env.do(t, http.MethodPost, listingPath+"/bids", "traveler", map[string]string{"proposed_fee": "15"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit bid: %d %s", rec.Code, rec.Body.String())
	}
	bidPath := listingPath + "/bids/" + bid["id"].(string)

	rec, body = env.do(t, http.MethodPost, bidPath+"/accept", "traveler", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected traveler accept to be forbidden, got %d %v", rec.Code, body)
	}

	rec, match := env.do(t, http.MethodPost, bidPath+"/accept", "buyer", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}
	buyerOtp := match["otp"].(string)
	matched := match["listing"].(map[string]interface{})
	if matched["otp_buyer"] != buyerOtp || matched["otp_traveler"] != nil {
		t.Fatalf("buyer must only see their own code: %v", matched)
	}

	_, travelerView := env.do(t, http.MethodGet, listingPath, "traveler", nil)
	travelerOtp, _ := travelerView["otp_traveler"].(string)
	if travelerOtp == "" || travelerView["otp_buyer"] != nil {
		t.Fatalf("traveler must only see their own code: %v", travelerView)
	}

	rec, body = env.do(t, http.MethodPost, listingPath+"/otp", "buyer", map[string]string{"code": buyerOtp})
	if rec.Code != http.StatusUnprocessableEntity || body["code"] != "invalid_otp" {
		t.Fatalf("expected invalid_otp, got %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPost, listingPath+"/otp", "buyer", map[string]string{"role": "buyer", "code": travelerOtp})
	if rec.Code != http.StatusOK || body["settled"] != false {
		t.Fatalf("buyer otp: %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPost, listingPath+"/otp", "traveler", map[string]string{"code": buyerOtp})
	if rec.Code != http.StatusOK || body["settled"] != true {
		t.Fatalf("traveler otp: %d %v", rec.Code, body)
	}

	_, wallet := env.do(t, http.MethodGet, "/deliveries/wallet", "buyer", nil)
	if wallet["balance"] != "37.5" {
		t.Fatalf("expected buyer balance 37.5, got %v", wallet["balance"])
	}
	_, wallet = env.do(t, http.MethodGet, "/deliveries/wallet", "traveler", nil)
	if wallet["balance"] != "61.75" {
		t.Fatalf("expected traveler balance 61.75, got %v", wallet["balance"])
	}

	rec, body = env.do(t, http.MethodPost, listingPath+"/ratings", "buyer", map[string]int{"rating": 4})
	if rec.Code != http.StatusOK || body["rating"] != 4.0 {
		t.Fatalf("rating: %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPost, listingPath+"/cancel", "buyer", nil)
	if rec.Code != http.StatusConflict || body["code"] != "invalid_state" {
		t.Fatalf("expected cancel after completion to conflict, got %d %v", rec.Code, body)
	}
}

func TestRequestValidation(t *testing.T) {
	env := newAPIEnv(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{name: "bad listing id", method: http.MethodGet, path: "/deliveries/listings/nope", status: http.StatusBadRequest, code: "invalid_input"},
		{name: "unknown listing", method: http.MethodGet, path: "/deliveries/listings/2b5ad6a4-3c11-4b64-9d1c-5c3a1f2a7e90", status: http.StatusNotFound, code: "not_found"},
		{name: "insufficient funds", method: http.MethodPost, path: "/deliveries/listings", body: listingBody(), status: http.StatusPaymentRequired, code: "insufficient_funds"},
		{name: "sub-cent price", method: http.MethodPost, path: "/deliveries/listings", body: func() map[string]interface{} {
			b := listingBody()
			b["item_price"], b["max_fee"] = "0.004", "0.004"
			return b
		}(), status: http.StatusBadRequest, code: "invalid_input"},
		{name: "missing price", method: http.MethodPost, path: "/deliveries/listings", body: map[string]string{"item_description": "x"}, status: http.StatusBadRequest, code: "invalid_input"},
		{name: "availability without location", method: http.MethodPut, path: "/deliveries/availability", body: map[string]interface{}{"is_available": true, "radius_km": 5}, status: http.StatusBadRequest, code: "invalid_input"},
		{name: "location while not live", method: http.MethodPost, path: "/deliveries/location", body: map[string]interface{}{"location": map[string]float64{"latitude": 1, "longitude": 1}}, status: http.StatusConflict, code: "invalid_state"},
		{name: "rating missing", method: http.MethodPost, path: "/deliveries/listings/2b5ad6a4-3c11-4b64-9d1c-5c3a1f2a7e90/ratings", body: map[string]string{}, status: http.StatusBadRequest, code: "invalid_input"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := env.do(t, tc.method, tc.path, "user-1", tc.body)
			if rec.Code != tc.status || body["code"] != tc.code {
				t.Fatalf("expected %d %s, got %d %v", tc.status, tc.code, rec.Code, body)
			}
		})
	}
}

func TestAvailabilityAndConversation(t *testing.T) {
	env := newAPIEnv(t)
	rec, body := env.do(t, http.MethodPut, "/deliveries/availability", "traveler", map[string]interface{}{
		"is_available":     true,
		"location":         map[string]float64{"latitude": 6.5, "longitude": 3.3},
		"radius_km":        5,
		"is_live_location": true,
	})
	if rec.Code != http.StatusOK || body["is_live_location"] != true {
		t.Fatalf("availability: %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPost, "/deliveries/location", "traveler", map[string]interface{}{
		"location": map[string]float64{"latitude": 6.51, "longitude": 3.3},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("location: %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodPost, "/deliveries/conversation", "traveler", map[string]string{"text": "/sell"})
	if rec.Code != http.StatusOK || !strings.Contains(body["reply"].(string), "What item") {
		t.Fatalf("conversation: %d %v", rec.Code, body)
	}
}

func TestWriteServiceErrorHidesInternalFailures(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, slog.New(slog.NewTextHandler(io.Discard, nil)), io.ErrUnexpectedEOF)
	if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "EOF") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}
