package schedule

import (
	"fmt"
	"iter"
	"slices"
	"sort"
	"time"
)

// GenerateAvailableIntervals lays the policy's fixed-duration grid over every
// calendar day touched by [from, to) and yields the candidates that fit
// entirely inside the range and overlap no committed slot. The returned
// sequence holds no state of its own and can be ranged over repeatedly.
func GenerateAvailableIntervals(policy Policy, existing []Slot, from, to time.Time) (iter.Seq[Interval], error) {
	if !from.Before(to) {
		return nil, ErrInvalidRange
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	loc, err := policy.Location()
	if err != nil {
		return nil, err
	}

	committed := committedIntervals(existing)
	step := policy.Duration()

	return func(yield func(Interval) bool) {
		first := from.In(loc)
		for i := 0; ; i++ {
			day := time.Date(first.Year(), first.Month(), first.Day()+i, 0, 0, 0, 0, loc)
			if !day.Before(to) {
				return
			}
			for _, iv := range dayCandidates(policy, day, loc, step, from, to) {
				if conflictsWith(committed, iv) {
					continue
				}
				if !yield(iv) {
					return
				}
			}
		}
	}, nil
}

// CollectAvailableIntervals materializes GenerateAvailableIntervals.
func CollectAvailableIntervals(policy Policy, existing []Slot, from, to time.Time) ([]Interval, error) {
	seq, err := GenerateAvailableIntervals(policy, existing, from, to)
	if err != nil {
		return nil, fmt.Errorf("generate available intervals: %w", err)
	}
	return slices.Collect(seq), nil
}

// dayCandidates builds the grid for one day, ordered and without duplicates
// when windows of the same weekday overlap.
func dayCandidates(policy Policy, day time.Time, loc *time.Location, step time.Duration, from, to time.Time) []Interval {
	var out []Interval
	for _, w := range policy.WindowsOn(day.Weekday()) {
		windowStart := w.Start.On(day, loc)
		windowEnd := w.End.On(day, loc)
		for cur := windowStart; !cur.Add(step).After(windowEnd); cur = cur.Add(step) {
			end := cur.Add(step)
			if cur.Before(from) || end.After(to) {
				continue
			}
			out = append(out, Interval{Start: cur, End: end})
		}
	}
	if len(out) < 2 {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return slices.CompactFunc(out, func(a, b Interval) bool {
		return a.Start.Equal(b.Start) && a.End.Equal(b.End)
	})
}

func committedIntervals(slots []Slot) []Interval {
	out := make([]Interval, 0, len(slots))
	for _, s := range slots {
		if s.Committed() {
			out = append(out, s.Interval())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// conflictsWith expects committed sorted by start.
func conflictsWith(committed []Interval, iv Interval) bool {
	for _, c := range committed {
		if !c.Start.Before(iv.End) {
			return false
		}
		if Overlaps(c, iv) {
			return true
		}
	}
	return false
}

// Fits reports whether [start, end) is exactly one policy slot long and lies
// inside a single weekly window of start's weekday in the policy timezone.
// A candidate that crosses midnight or straddles two touching windows does
// not fit.
func Fits(policy Policy, start, end time.Time) bool {
	if policy.DurationMinutes <= 0 || end.Sub(start) != policy.Duration() {
		return false
	}
	loc, err := policy.Location()
	if err != nil {
		return false
	}
	localStart := start.In(loc)
	for _, w := range policy.WindowsOn(localStart.Weekday()) {
		windowStart := w.Start.On(localStart, loc)
		windowEnd := w.End.On(localStart, loc)
		if !start.Before(windowStart) && !end.After(windowEnd) {
			return true
		}
	}
	return false
}
