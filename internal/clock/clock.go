// Package clock centralizes clock-time parsing, day boundaries and the
// dose tolerance window so they are defined exactly once.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"dosewise/internal/domain"
	"dosewise/internal/errors"
)

// DefaultTolerance is the symmetric window around a scheduled time within
// which a pending dose counts as current.
const DefaultTolerance = 30 * time.Minute

// DayFormat is the canonical calendar-day key used across stores.
const DayFormat = "2006-01-02"

// ParseClock parses an "HH:MM" string into a minute-of-day offset.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, errors.Wrap(fmt.Errorf("want HH:MM, got %q", s), errors.ErrMalformedSchedule.Code, errors.ErrMalformedSchedule.Message)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, errors.Wrap(fmt.Errorf("bad hour in %q", s), errors.ErrMalformedSchedule.Code, errors.ErrMalformedSchedule.Message)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, errors.Wrap(fmt.Errorf("bad minute in %q", s), errors.ErrMalformedSchedule.Code, errors.ErrMalformedSchedule.Message)
	}
	return h*60 + m, nil
}

// FormatClock renders a minute-of-day offset back to "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// MinuteOfDay returns t's offset from its own midnight, in minutes.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// DayOf returns the calendar-day key for t.
func DayOf(t time.Time) string {
	return t.Format(DayFormat)
}

// StartOfDay truncates t to its local midnight.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// At combines a day and an "HH:MM" clock string into a concrete time in
// day's location.
func At(day time.Time, clock string) (time.Time, error) {
	mins, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	return StartOfDay(day).Add(time.Duration(mins) * time.Minute), nil
}

// BucketOf maps an "HH:MM" clock string to its coarse time-of-day bucket.
// Boundaries: morning [05:00,12:00), afternoon [12:00,17:00),
// evening [17:00,21:00), night otherwise.
func BucketOf(clock string) (domain.DayBucket, error) {
	mins, err := ParseClock(clock)
	if err != nil {
		return "", err
	}
	return BucketOfMinute(mins), nil
}

// BucketOfMinute maps a minute-of-day offset to its bucket.
func BucketOfMinute(mins int) domain.DayBucket {
	switch {
	case mins >= 5*60 && mins < 12*60:
		return domain.BucketMorning
	case mins >= 12*60 && mins < 17*60:
		return domain.BucketAfternoon
	case mins >= 17*60 && mins < 21*60:
		return domain.BucketEvening
	default:
		return domain.BucketNight
	}
}

// IsWithinTolerance reports whether now falls inside the symmetric
// tolerance window around scheduled.
func IsWithinTolerance(now, scheduled time.Time, tolerance time.Duration) bool {
	diff := now.Sub(scheduled)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// IsOverdue reports whether now is past scheduled plus the tolerance
// window.
func IsOverdue(now, scheduled time.Time, tolerance time.Duration) bool {
	return now.After(scheduled.Add(tolerance))
}
