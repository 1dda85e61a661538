package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Location is a latitude/longitude pair in decimal degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Anywhere is the sentinel pickup location that matches every traveler regardless of radius.
var Anywhere = Location{}

// IsAnywhere reports whether the location is the (0,0) sentinel.
func (l Location) IsAnywhere() bool {
	return l.Latitude == 0 && l.Longitude == 0
}

func (l Location) Validate() error {
	if !isFinite(l.Latitude) || !isFinite(l.Longitude) {
		return fmt.Errorf("%w: coordinates must be finite numbers", ErrInvalidInput)
	}
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("%w: latitude must be between -90 and 90", ErrInvalidInput)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: longitude must be between -180 and 180", ErrInvalidInput)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (l Location) String() string {
	return fmt.Sprintf("%.6f,%.6f", l.Latitude, l.Longitude)
}

// ParseLocation parses "lat,lng" as typed into a chat.
func ParseLocation(raw string) (Location, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 2 {
		return Location{}, fmt.Errorf("%w: location must look like \"lat,lng\"", ErrInvalidInput)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Location{}, fmt.Errorf("%w: latitude is not a number", ErrInvalidInput)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Location{}, fmt.Errorf("%w: longitude is not a number", ErrInvalidInput)
	}
	loc := Location{Latitude: lat, Longitude: lng}
	if err := loc.Validate(); err != nil {
		return Location{}, err
	}
	return loc, nil
}

// Availability describes whether and where a traveler can pick up deliveries.
type Availability struct {
	IsAvailable    bool      `json:"is_available"`
	Location       *Location `json:"location,omitempty"`
	RadiusKm       float64   `json:"radius_km"`
	IsLiveLocation bool      `json:"is_live_location"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CanReceiveFanOut reports whether the traveler has enough information to be matched.
func (a Availability) CanReceiveFanOut() bool {
	return a.IsAvailable && a.Location != nil && a.RadiusKm > 0
}

// User is created on first interaction and never deleted.
type User struct {
	ID            string          `json:"id"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	Rating        float64         `json:"rating"`
	RatingCount   int             `json:"rating_count"`
	Availability  Availability    `json:"availability"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
