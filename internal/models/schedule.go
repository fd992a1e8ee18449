package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// DefaultTimezone is the timezone CME session times are published in.
const DefaultTimezone = "America/Chicago"

const week = 7 * 24 * time.Hour

// ErrMalformedSchedule is returned when a MarketSchedule cannot describe a
// weekly closed window.
var ErrMalformedSchedule = errors.New("malformed market schedule")

// MarketSchedule defines the weekly window during which the futures market is
// closed. Times are wall-clock times in Location.
type MarketSchedule struct {
	CloseWeekday  time.Weekday   `json:"close_weekday"`
	CloseHour     int            `json:"close_hour"`
	CloseMinute   int            `json:"close_minute"`
	ReopenWeekday time.Weekday   `json:"reopen_weekday"`
	ReopenHour    int            `json:"reopen_hour"`
	ReopenMinute  int            `json:"reopen_minute"`
	Location      *time.Location `json:"-"`
}

// DefaultSchedule returns the CME weekend closure: Friday 16:00 to Sunday 17:00 Chicago time.
func DefaultSchedule() MarketSchedule {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		// tzdata is embedded, so this only happens on a corrupted build
		panic(fmt.Sprintf("load %s: %v", DefaultTimezone, err))
	}
	return MarketSchedule{
		CloseWeekday:  time.Friday,
		CloseHour:     16,
		ReopenWeekday: time.Sunday,
		ReopenHour:    17,
		Location:      loc,
	}
}

// NewMarketSchedule builds a schedule from textual config values such as
// ("friday", "16:00", "sunday", "17:00", "America/Chicago").
func NewMarketSchedule(closeDay, closeTime, reopenDay, reopenTime, timezone string) (MarketSchedule, error) {
	var s MarketSchedule
	var err error

	if s.CloseWeekday, err = ParseWeekday(closeDay); err != nil {
		return s, fmt.Errorf("%w: close day: %v", ErrMalformedSchedule, err)
	}
	if s.ReopenWeekday, err = ParseWeekday(reopenDay); err != nil {
		return s, fmt.Errorf("%w: reopen day: %v", ErrMalformedSchedule, err)
	}
	if s.CloseHour, s.CloseMinute, err = parseClock(closeTime); err != nil {
		return s, fmt.Errorf("%w: close time: %v", ErrMalformedSchedule, err)
	}
	if s.ReopenHour, s.ReopenMinute, err = parseClock(reopenTime); err != nil {
		return s, fmt.Errorf("%w: reopen time: %v", ErrMalformedSchedule, err)
	}
	if s.Location, err = time.LoadLocation(timezone); err != nil {
		return s, fmt.Errorf("%w: timezone %q: %v", ErrMalformedSchedule, timezone, err)
	}

	return s, s.Validate()
}

// ParseWeekday accepts full or three-letter English weekday names, case-insensitive.
func ParseWeekday(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if n == full || n == full[:3] {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", name)
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate rejects out of range fields, a missing location and windows where
// reopen is not strictly after close within the weekly cycle.
func (s MarketSchedule) Validate() error {
	if s.Location == nil {
		return fmt.Errorf("%w: location is required", ErrMalformedSchedule)
	}
	if s.CloseWeekday < time.Sunday || s.CloseWeekday > time.Saturday {
		return fmt.Errorf("%w: close weekday %d out of range", ErrMalformedSchedule, s.CloseWeekday)
	}
	if s.ReopenWeekday < time.Sunday || s.ReopenWeekday > time.Saturday {
		return fmt.Errorf("%w: reopen weekday %d out of range", ErrMalformedSchedule, s.ReopenWeekday)
	}
	if !validClock(s.CloseHour, s.CloseMinute) {
		return fmt.Errorf("%w: close time %02d:%02d out of range", ErrMalformedSchedule, s.CloseHour, s.CloseMinute)
	}
	if !validClock(s.ReopenHour, s.ReopenMinute) {
		return fmt.Errorf("%w: reopen time %02d:%02d out of range", ErrMalformedSchedule, s.ReopenHour, s.ReopenMinute)
	}
	if s.WindowDuration() <= 0 {
		return fmt.Errorf("%w: reopen must be after close", ErrMalformedSchedule)
	}
	return nil
}

func validClock(h, m int) bool {
	return h >= 0 && h < 24 && m >= 0 && m < 60
}

func weekOffset(d time.Weekday, h, m int) time.Duration {
	return time.Duration(d)*24*time.Hour + time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
}

// WindowDuration is the nominal length of the closed window, ignoring DST shifts.
func (s MarketSchedule) WindowDuration() time.Duration {
	closeAt := weekOffset(s.CloseWeekday, s.CloseHour, s.CloseMinute)
	reopenAt := weekOffset(s.ReopenWeekday, s.ReopenHour, s.ReopenMinute)
	return ((reopenAt-closeAt)%week + week) % week
}

// NextClose returns the first scheduled close strictly after t.
func (s MarketSchedule) NextClose(t time.Time) time.Time {
	t = t.In(s.Location)
	delta := (int(s.CloseWeekday) - int(t.Weekday()) + 7) % 7
	c := time.Date(t.Year(), t.Month(), t.Day()+delta, s.CloseHour, s.CloseMinute, 0, 0, s.Location)
	if !c.After(t) {
		c = time.Date(t.Year(), t.Month(), t.Day()+delta+7, s.CloseHour, s.CloseMinute, 0, 0, s.Location)
	}
	return c
}

// LastClose returns the latest scheduled close at or before t.
func (s MarketSchedule) LastClose(t time.Time) time.Time {
	t = t.In(s.Location)
	delta := (int(t.Weekday()) - int(s.CloseWeekday) + 7) % 7
	c := time.Date(t.Year(), t.Month(), t.Day()-delta, s.CloseHour, s.CloseMinute, 0, 0, s.Location)
	if c.After(t) {
		c = time.Date(t.Year(), t.Month(), t.Day()-delta-7, s.CloseHour, s.CloseMinute, 0, 0, s.Location)
	}
	return c
}

// ReopenAfter returns the reopen that ends the window starting at closeAt.
func (s MarketSchedule) ReopenAfter(closeAt time.Time) time.Time {
	c := closeAt.In(s.Location)
	days := (int(s.ReopenWeekday) - int(s.CloseWeekday) + 7) % 7
	r := time.Date(c.Year(), c.Month(), c.Day()+days, s.ReopenHour, s.ReopenMinute, 0, 0, s.Location)
	if !r.After(c) {
		r = time.Date(c.Year(), c.Month(), c.Day()+days+7, s.ReopenHour, s.ReopenMinute, 0, 0, s.Location)
	}
	return r
}

// InClosedWindow reports whether t falls in [close, reopen) of some week.
func (s MarketSchedule) InClosedWindow(t time.Time) bool {
	c := s.LastClose(t)
	return t.Before(s.ReopenAfter(c))
}

// String renders the schedule as "Fri 16:00 -> Sun 17:00 America/Chicago".
func (s MarketSchedule) String() string {
	tz := "<nil>"
	if s.Location != nil {
		tz = s.Location.String()
	}
	return fmt.Sprintf("%s %02d:%02d -> %s %02d:%02d %s",
		s.CloseWeekday.String()[:3], s.CloseHour, s.CloseMinute,
		s.ReopenWeekday.String()[:3], s.ReopenHour, s.ReopenMinute, tz)
}
