package notify

import (
	"sort"
	"time"
)

const day = 24 * time.Hour

// Schedule is the set of day offsets before expiry at which a reminder is
// due, kept in descending order.
type Schedule []int

// NewSchedule sorts and de-duplicates days. Non-positive offsets are dropped.
func NewSchedule(days []int) Schedule {
	seen := make(map[int]bool, len(days))
	s := make(Schedule, 0, len(days))
	for _, d := range days {
		if d <= 0 || seen[d] {
			continue
		}
		seen[d] = true
		s = append(s, d)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(s)))
	return s
}

// mostImminent returns the smallest offset whose threshold has passed.
func (s Schedule) mostImminent(expiresAt, now time.Time) (int, bool) {
	if !now.Before(expiresAt) {
		return 0, false
	}
	var (
		due   int
		found bool
	)
	for _, d := range s {
		if !expiresAt.Add(-time.Duration(d) * day).After(now) {
			due, found = d, true
		}
	}
	return due, found
}

// Due returns the reminder to fire now, given the offset that fired last.
// Only the most imminent passed threshold is considered, so missed reminders
// collapse into one.
func (s Schedule) Due(expiresAt, now time.Time, lastNotified *int) (int, bool) {
	d, ok := s.mostImminent(expiresAt, now)
	if !ok {
		return 0, false
	}
	if lastNotified != nil && d >= *lastNotified {
		return 0, false
	}
	return d, true
}

// Watermark returns the offset to record for a workspace whose expiry was just
// set, so that thresholds already behind it do not fire. Nil means none.
func (s Schedule) Watermark(expiresAt, now time.Time) *int {
	d, ok := s.mostImminent(expiresAt, now)
	if !ok {
		return nil
	}
	return &d
}

// DaysRemaining is the number of whole days until expiresAt.
func DaysRemaining(expiresAt, now time.Time) int {
	if !now.Before(expiresAt) {
		return 0
	}
	return int(expiresAt.Sub(now) / day)
}
