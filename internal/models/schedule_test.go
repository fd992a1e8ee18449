package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chicago(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(DefaultTimezone)
	require.NoError(t, err)
	return loc
}

func TestDefaultSchedule(t *testing.T) {
	s := DefaultSchedule()

	require.NoError(t, s.Validate())
	assert.Equal(t, time.Friday, s.CloseWeekday)
	assert.Equal(t, 16, s.CloseHour)
	assert.Equal(t, time.Sunday, s.ReopenWeekday)
	assert.Equal(t, 17, s.ReopenHour)
	assert.Equal(t, DefaultTimezone, s.Location.String())
	assert.Equal(t, 49*time.Hour, s.WindowDuration())
	assert.Equal(t, "Fri 16:00 -> Sun 17:00 America/Chicago", s.String())
}

func TestMarketSchedule_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *MarketSchedule)
	}{
		{"reopen equals close", func(s *MarketSchedule) {
			s.ReopenWeekday = s.CloseWeekday
			s.ReopenHour = s.CloseHour
			s.ReopenMinute = s.CloseMinute
		}},
		{"nil location", func(s *MarketSchedule) { s.Location = nil }},
		{"close hour out of range", func(s *MarketSchedule) { s.CloseHour = 24 }},
		{"reopen minute out of range", func(s *MarketSchedule) { s.ReopenMinute = 60 }},
		{"weekday out of range", func(s *MarketSchedule) { s.ReopenWeekday = time.Weekday(9) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSchedule()
			tt.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedSchedule)
		})
	}
}

func TestNewMarketSchedule(t *testing.T) {
	t.Run("parses textual values", func(t *testing.T) {
		s, err := NewMarketSchedule("fri", "16:00", "Sunday", "17:00", "America/Chicago")
		require.NoError(t, err)
		assert.Equal(t, DefaultSchedule().String(), s.String())
	})

	t.Run("rejects unknown weekday", func(t *testing.T) {
		_, err := NewMarketSchedule("funday", "16:00", "sunday", "17:00", "America/Chicago")
		assert.ErrorIs(t, err, ErrMalformedSchedule)
	})

	t.Run("rejects bad clock", func(t *testing.T) {
		_, err := NewMarketSchedule("friday", "4pm", "sunday", "17:00", "America/Chicago")
		assert.ErrorIs(t, err, ErrMalformedSchedule)
	})

	t.Run("rejects unknown timezone", func(t *testing.T) {
		_, err := NewMarketSchedule("friday", "16:00", "sunday", "17:00", "Mars/Olympus")
		assert.ErrorIs(t, err, ErrMalformedSchedule)
	})

	t.Run("rejects zero length window", func(t *testing.T) {
		_, err := NewMarketSchedule("friday", "16:00", "friday", "16:00", "UTC")
		assert.ErrorIs(t, err, ErrMalformedSchedule)
	})
}

func TestMarketSchedule_NextCloseAndReopen(t *testing.T) {
	loc := chicago(t)
	s := DefaultSchedule()

	friClose := time.Date(2024, 1, 5, 16, 0, 0, 0, loc)
	sunReopen := time.Date(2024, 1, 7, 17, 0, 0, 0, loc)

	assert.True(t, s.NextClose(time.Date(2024, 1, 5, 15, 0, 0, 0, loc)).Equal(friClose))
	assert.True(t, s.NextClose(time.Date(2024, 1, 2, 9, 0, 0, 0, loc)).Equal(friClose))
	assert.True(t, s.NextClose(friClose).Equal(friClose.AddDate(0, 0, 7)), "next close is strictly after t")
	assert.True(t, s.NextClose(friClose.UTC()).Equal(friClose.AddDate(0, 0, 7)), "input timezone does not matter")

	assert.True(t, s.LastClose(time.Date(2024, 1, 6, 12, 0, 0, 0, loc)).Equal(friClose))
	assert.True(t, s.LastClose(friClose).Equal(friClose), "last close includes t")

	assert.True(t, s.ReopenAfter(friClose).Equal(sunReopen))
}

func TestMarketSchedule_InClosedWindow(t *testing.T) {
	loc := chicago(t)
	s := DefaultSchedule()

	tests := []struct {
		name   string
		at     time.Time
		closed bool
	}{
		{"friday before close", time.Date(2024, 1, 5, 15, 59, 0, 0, loc), false},
		{"friday at close", time.Date(2024, 1, 5, 16, 0, 0, 0, loc), true},
		{"saturday", time.Date(2024, 1, 6, 12, 0, 0, 0, loc), true},
		{"sunday before reopen", time.Date(2024, 1, 7, 16, 59, 0, 0, loc), true},
		{"sunday at reopen", time.Date(2024, 1, 7, 17, 0, 0, 0, loc), false},
		{"wednesday", time.Date(2024, 1, 10, 10, 0, 0, 0, loc), false},
		{"saturday given in UTC", time.Date(2024, 1, 6, 3, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.closed, s.InClosedWindow(tt.at))
		})
	}
}

func TestMarketSchedule_DaylightSavingTransition(t *testing.T) {
	s := DefaultSchedule()

	// DST starts Sunday 2024-03-10; close is CST, reopen is CDT.
	closeAt := s.NextClose(time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC))
	reopenAt := s.ReopenAfter(closeAt)

	assert.Equal(t, time.Date(2024, 3, 8, 22, 0, 0, 0, time.UTC), closeAt.UTC())
	assert.Equal(t, time.Date(2024, 3, 10, 22, 0, 0, 0, time.UTC), reopenAt.UTC())
	assert.Equal(t, 48*time.Hour, reopenAt.Sub(closeAt))
}

func TestParseWeekday(t *testing.T) {
	for _, name := range []string{"Friday", "fri", " FRIDAY "} {
		d, err := ParseWeekday(name)
		require.NoError(t, err, name)
		assert.Equal(t, time.Friday, d)
	}

	_, err := ParseWeekday("fr")
	assert.Error(t, err)
}
