package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a local time of day, stored as seconds since midnight.
type ClockTime int

// ParseClockTime accepts "HH:MM" or "HH:MM:SS" in 24-hour notation.
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM or HH:MM:SS", s)
	}
	limits := []int{23, 59, 59}
	var fields [3]int
	for i, p := range parts {
		if len(p) != 2 {
			return 0, fmt.Errorf("invalid time of day %q: want two digits per field", s)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
		fields[i] = n
	}
	return ClockTime(fields[0]*3600 + fields[1]*60 + fields[2]), nil
}

// MustClockTime is ParseClockTime for literals; it panics on malformed input.
func MustClockTime(s string) ClockTime {
	t, err := ParseClockTime(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (c ClockTime) Hour() int   { return int(c) / 3600 }
func (c ClockTime) Minute() int { return int(c) % 3600 / 60 }
func (c ClockTime) Second() int { return int(c) % 60 }

// Of returns the clock time of t in t's own location.
func Of(t time.Time) ClockTime {
	return ClockTime(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

// On resolves c on the given civil date in loc. Nonexistent local times
// (spring-forward gaps) are normalized by time.Date.
func (c ClockTime) On(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, c.Hour(), c.Minute(), c.Second(), 0, loc)
}

func (c ClockTime) String() string {
	if c.Second() == 0 {
		return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
	}
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour(), c.Minute(), c.Second())
}

// MarshalText encodes as HH:MM, or HH:MM:SS when seconds are set.
func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for JSON and YAML.
func (c *ClockTime) UnmarshalText(b []byte) error {
	t, err := ParseClockTime(string(b))
	if err != nil {
		return err
	}
	*c = t
	return nil
}
