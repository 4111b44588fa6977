package civiltime

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tripot/internal/fault"
)

// TimeOfDay is a minute-resolution 24h wall-clock time in the civil zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "H:MM" or "HH:MM" in the range 00:00..23:59.
// Anything else is a validation fault.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	s := strings.TrimSpace(raw)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[1]) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 ||
		!digits(parts[0]) || !digits(parts[1]) {
		return TimeOfDay{}, fault.Validation("civiltime.Parse", "invalid time %q, expected HH:MM", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fault.Validation("civiltime.Parse", "invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fault.Validation("civiltime.Parse", "invalid minute in %q", raw)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MustParse is ParseTimeOfDay for constants and tests.
func MustParse(raw string) TimeOfDay {
	t, err := ParseTimeOfDay(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// Of truncates t (already in the civil zone) to its time of day.
func Of(t time.Time) TimeOfDay { return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()} }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// MinuteOfDay is 0..1439.
func (t TimeOfDay) MinuteOfDay() int { return t.Hour*60 + t.Minute }

// On returns the instant at t on the civil date of day.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, mo, d := day.Date()
	return time.Date(y, mo, d, t.Hour, t.Minute, 0, 0, day.Location())
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
