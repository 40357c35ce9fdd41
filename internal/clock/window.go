package clock

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidWindow is returned when a work window cannot be parsed.
var ErrInvalidWindow = errors.New("clock: invalid work window")

// Window is a daily time range, evaluated in a fixed location, during which
// outbound sends are permitted.
//
// Start > End means the window wraps midnight ("22:00"-"06:00" is open
// overnight). Start == End means the window is open all day.
type Window struct {
	start int // minutes after local midnight
	end   int
	loc   *time.Location
}

// ParseWindow builds a Window from "HH:MM" bounds and an IANA timezone name.
// An empty timezone means UTC.
func ParseWindow(start, end, tz string) (Window, error) {
	s, err := parseHHMM(start)
	if err != nil {
		return Window{}, fmt.Errorf("%w: start: %v", ErrInvalidWindow, err)
	}
	e, err := parseHHMM(end)
	if err != nil {
		return Window{}, fmt.Errorf("%w: end: %v", ErrInvalidWindow, err)
	}
	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return Window{}, fmt.Errorf("%w: timezone %q: %v", ErrInvalidWindow, tz, err)
		}
	}
	return Window{start: s, end: e, loc: loc}, nil
}

// MustParseWindow is like ParseWindow but panics on error. Use only in tests
// or init code.
func MustParseWindow(start, end, tz string) Window {
	w, err := ParseWindow(start, end, tz)
	if err != nil {
		panic(err)
	}
	return w
}

// Location returns the timezone the window is evaluated in.
func (w Window) Location() *time.Location {
	if w.loc == nil {
		return time.UTC
	}
	return w.loc
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.start == w.end {
		return true
	}
	lt := t.In(w.Location())
	m := lt.Hour()*60 + lt.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

// UntilOpen returns how long until the window next opens, or 0 when t is
// already inside it.
func (w Window) UntilOpen(t time.Time) time.Duration {
	if w.Contains(t) {
		return 0
	}
	lt := t.In(w.Location())
	open := time.Date(lt.Year(), lt.Month(), lt.Day(), w.start/60, w.start%60, 0, 0, w.Location())
	if !open.After(lt) {
		open = time.Date(lt.Year(), lt.Month(), lt.Day()+1, w.start/60, w.start%60, 0, 0, w.Location())
	}
	return open.Sub(lt)
}

// String renders the window as "HH:MM-HH:MM Zone".
func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d %s", w.start/60, w.start%60, w.end/60, w.end%60, w.Location())
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
