package catalog

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
)

// DateLayout is the wire and storage layout for calendar dates.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date into a UTC midnight instant.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse date %q", s)
	}
	return d, nil
}

// TimeOfDay is minutes since midnight. It marshals as "HH:MM".
type TimeOfDay int

// ParseTimeOfDay parses a 24 hour "HH:MM" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, errors.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(s[:2])
	if err != nil {
		return 0, errors.Wrapf(err, "parse hour of %q", s)
	}
	m, err := strconv.Atoi(s[3:])
	if err != nil {
		return 0, errors.Wrapf(err, "parse minute of %q", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, errors.Errorf("time of day %q out of range", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// MustTime is ParseTimeOfDay for literals.
func MustTime(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Window is a half-open [Start, End) interval within a day.
type Window struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// NewWindow validates that start precedes end.
func NewWindow(start, end TimeOfDay) (Window, error) {
	if start >= end {
		return Window{}, errors.Errorf("window %s-%s is empty", start, end)
	}
	return Window{Start: start, End: end}, nil
}

// Key identifies the window inside capacity keys, e.g. "09:00-13:00".
func (w Window) Key() string {
	return w.Start.String() + "-" + w.End.String()
}

// Overlaps reports whether two windows share any minute.
func (w Window) Overlaps(o Window) bool {
	return w.Start < o.End && o.Start < w.End
}

// Contains reports whether o lies entirely within w.
func (w Window) Contains(o Window) bool {
	return w.Start <= o.Start && o.End <= w.End
}

func (w Window) String() string {
	return w.Key()
}
