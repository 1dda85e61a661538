package app

import (
	"sort"
	"sync"
	"time"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/carrymate/delivery-service/internal/geo"
	"github.com/google/uuid"
)

// TrackingRecord is the live-location state of one traveler.
type TrackingRecord struct {
	UserID       string
	Location     domain.Location
	LastUpdateAt time.Time
	LastScanAt   time.Time
	// ReportedAt is the newest sender timestamp accepted for this traveler.
	ReportedAt time.Time
	Transient  map[uuid.UUID]time.Time
}

func (r TrackingRecord) copy() TrackingRecord {
	out := r
	out.Transient = make(map[uuid.UUID]time.Time, len(r.Transient))
	for id, exp := range r.Transient {
		out.Transient[id] = exp
	}
	return out
}

// LocationTracker is the keyed store of live-location records shared by the
// update handler and the sweepers.
type LocationTracker struct {
	mu      sync.Mutex
	records map[string]*TrackingRecord
}

func NewLocationTracker() *LocationTracker {
	return &LocationTracker{records: make(map[string]*TrackingRecord)}
}

// ClaimReport accepts reportedAt when it is newer than every report already
// seen for userID. A zero reportedAt, or an untracked user, is always accepted.
func (t *LocationTracker) ClaimReport(userID string, reportedAt time.Time) bool {
	if reportedAt.IsZero() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	if !ok {
		return true
	}
	if !reportedAt.After(rec.ReportedAt) {
		return false
	}
	rec.ReportedAt = reportedAt
	return true
}

// RecordUpdate stores a new position and reports whether the traveler is due
// for a rescan: first update, a move beyond thresholdKm from the previous
// position, or more than rescanInterval since the last scan.
func (t *LocationTracker) RecordUpdate(userID string, loc domain.Location, at, reportedAt time.Time, thresholdKm float64, rescanInterval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	if !ok {
		t.records[userID] = &TrackingRecord{
			UserID:       userID,
			Location:     loc,
			LastUpdateAt: at,
			LastScanAt:   at,
			ReportedAt:   reportedAt,
			Transient:    make(map[uuid.UUID]time.Time),
		}
		return true
	}
	moved := geo.DistanceKm(rec.Location, loc) > thresholdKm
	due := at.Sub(rec.LastScanAt) > rescanInterval
	rec.Location = loc
	rec.LastUpdateAt = at
	if reportedAt.After(rec.ReportedAt) {
		rec.ReportedAt = reportedAt
	}
	if moved || due {
		rec.LastScanAt = at
		return true
	}
	return false
}

// MarkScanned records a rescan performed by the sweeper.
func (t *LocationTracker) MarkScanned(userID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok {
		rec.LastScanAt = at
	}
}

func (t *LocationTracker) Get(userID string) (TrackingRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	if !ok {
		return TrackingRecord{}, false
	}
	return rec.copy(), true
}

// Evict removes the record and returns it so pending transient notifications can be withdrawn.
func (t *LocationTracker) Evict(userID string) (TrackingRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	if !ok {
		return TrackingRecord{}, false
	}
	delete(t.records, userID)
	return *rec, true
}

// Stale returns users whose last update is older than timeout.
func (t *LocationTracker) Stale(now time.Time, timeout time.Duration) []string {
	return t.selectUsers(func(rec *TrackingRecord) bool {
		return now.Sub(rec.LastUpdateAt) > timeout
	})
}

// DueForRescan returns fresh users whose last scan is older than interval.
func (t *LocationTracker) DueForRescan(now time.Time, staleTimeout, interval time.Duration) []string {
	return t.selectUsers(func(rec *TrackingRecord) bool {
		return now.Sub(rec.LastUpdateAt) <= staleTimeout && now.Sub(rec.LastScanAt) > interval
	})
}

func (t *LocationTracker) selectUsers(keep func(*TrackingRecord) bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0)
	for id, rec := range t.records {
		if keep(rec) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (t *LocationTracker) AddTransient(userID string, notificationID uuid.UUID, expiresAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok {
		rec.Transient[notificationID] = expiresAt
	}
}

// RemoveTransient reports whether the notification was still pending.
func (t *LocationTracker) RemoveTransient(userID string, notificationID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	if !ok {
		return false
	}
	if _, pending := rec.Transient[notificationID]; !pending {
		return false
	}
	delete(rec.Transient, notificationID)
	return true
}

func (t *LocationTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
