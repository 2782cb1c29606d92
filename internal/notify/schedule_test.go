package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestNewSchedule(t *testing.T) {
	assert.Equal(t, Schedule{7, 3, 1}, NewSchedule([]int{1, 7, 3, 3, 0, -2}))
	assert.Empty(t, NewSchedule(nil))
}

func TestSchedule_Due(t *testing.T) {
	s := NewSchedule([]int{7, 3, 1})
	expires := time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)

	testCases := []struct {
		name     string
		now      time.Time
		last     *int
		expected int
		due      bool
	}{
		{"far from expiry", expires.Add(-10 * day), nil, 0, false},
		{"exactly at the 7 day mark", expires.Add(-7 * day), nil, 7, true},
		{"7 already fired", expires.Add(-5 * day), intPtr(7), 0, false},
		{"3 day mark after 7 fired", expires.Add(-3 * day), intPtr(7), 3, true},
		{"missed runs collapse to the most imminent", expires.Add(-2 * day), nil, 3, true},
		{"missed 7 and 3, last day", expires.Add(-12 * time.Hour), nil, 1, true},
		{"1 already fired", expires.Add(-12 * time.Hour), intPtr(1), 0, false},
		{"expired workspaces get no reminder", expires, nil, 0, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, due := s.Due(expires, tc.now, tc.last)
			assert.Equal(t, tc.due, due)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestSchedule_Watermark(t *testing.T) {
	s := NewSchedule([]int{7, 3, 1})
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	assert.Nil(t, s.Watermark(now.Add(30*day), now))

	w := s.Watermark(now.Add(2*day), now)
	require.NotNil(t, w)
	assert.Equal(t, 3, *w)

	// Only the 1 day reminder is still to come.
	_, due := s.Due(now.Add(2*day), now, w)
	assert.False(t, due)
	d, due := s.Due(now.Add(2*day), now.Add(day+time.Hour), w)
	assert.True(t, due)
	assert.Equal(t, 1, d)
}

func TestDaysRemaining(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 2, DaysRemaining(now.Add(2*day+5*time.Hour), now))
	assert.Equal(t, 0, DaysRemaining(now.Add(5*time.Hour), now))
	assert.Equal(t, 0, DaysRemaining(now.Add(-day), now))
}
