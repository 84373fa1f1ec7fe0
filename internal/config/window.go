package config

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily wall-clock interval such as "03:00-04:00". A window whose
// end precedes its start wraps past midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// ParseWindow parses an "HH:MM-HH:MM" range.
func ParseWindow(value string) (Window, error) {
	startRaw, endRaw, ok := strings.Cut(strings.TrimSpace(value), "-")
	if !ok {
		return Window{}, fmt.Errorf("expected HH:MM-HH:MM, got %q", value)
	}
	start, err := parseClock(startRaw)
	if err != nil {
		return Window{}, err
	}
	end, err := parseClock(endRaw)
	if err != nil {
		return Window{}, err
	}
	if start == end {
		return Window{}, fmt.Errorf("window %q is empty", value)
	}
	return Window{Start: start, End: end}, nil
}

func parseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", value, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Contains reports whether the local wall-clock time of t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	offset := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	if w.Start < w.End {
		return offset >= w.Start && offset < w.End
	}
	return offset >= w.Start || offset < w.End
}
