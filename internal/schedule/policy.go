package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidWindow = errors.New("weekly window start must be before end")
	ErrInvalidPolicy = errors.New("invalid schedule policy")
)

const minutesPerDay = 24 * 60

// TimeOfDay is a wall-clock time expressed in minutes since midnight.
// 24:00 (1440) is accepted as the end bound of a window.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("time of day %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("time of day %q: %w", s, err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("time of day %q: %w", s, err)
	}
	if h < 0 || m < 0 || m > 59 || h*60+m > minutesPerDay {
		return 0, fmt.Errorf("time of day %q: out of range", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// On places the time of day on the calendar date of day, in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
}

// WeeklyWindow is one open-hours range on a weekday. Windows are values:
// changing a policy replaces its windows.
type WeeklyWindow struct {
	Weekday time.Weekday
	Start   TimeOfDay
	End     TimeOfDay
}

func NewWeeklyWindow(weekday time.Weekday, start, end TimeOfDay) (WeeklyWindow, error) {
	w := WeeklyWindow{Weekday: weekday, Start: start, End: end}
	if err := w.validate(); err != nil {
		return WeeklyWindow{}, err
	}
	return w, nil
}

func (w WeeklyWindow) validate() error {
	if w.Weekday < time.Sunday || w.Weekday > time.Saturday {
		return fmt.Errorf("%w: weekday %d", ErrInvalidWindow, w.Weekday)
	}
	if w.Start < 0 || w.End > minutesPerDay || w.Start >= w.End {
		return fmt.Errorf("%w: %s %s-%s", ErrInvalidWindow, w.Weekday, w.Start, w.End)
	}
	return nil
}

// Policy is the weekly recurrence rule of one professional schedule.
type Policy struct {
	DurationMinutes int
	Timezone        string
	Windows         []WeeklyWindow
}

func (p Policy) Validate() error {
	if p.DurationMinutes <= 0 {
		return fmt.Errorf("%w: slot duration must be positive, got %d", ErrInvalidPolicy, p.DurationMinutes)
	}
	if _, err := p.Location(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	for _, w := range p.Windows {
		if err := w.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p Policy) Duration() time.Duration {
	return time.Duration(p.DurationMinutes) * time.Minute
}

// Location resolves the policy timezone. An empty timezone means UTC.
func (p Policy) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", p.Timezone, err)
	}
	return loc, nil
}

// WindowsOn returns the windows for weekday ordered by start time.
func (p Policy) WindowsOn(weekday time.Weekday) []WeeklyWindow {
	var out []WeeklyWindow
	for _, w := range p.Windows {
		if w.Weekday == weekday {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start < out[j].Start
	})
	return out
}
