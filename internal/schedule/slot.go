package schedule

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	// SlotAvailable marks a generated free interval. It is never persisted.
	SlotAvailable SlotStatus = "available"
	SlotReserved  SlotStatus = "reserved"
	SlotCompleted SlotStatus = "completed"
	SlotCancelled SlotStatus = "cancelled"
)

// Committed slots occupy capacity and block overlapping bookings.
func (s SlotStatus) Committed() bool {
	return s == SlotReserved || s == SlotCompleted
}

// CanTransitionTo reports whether a persisted slot may move from s to next.
func (s SlotStatus) CanTransitionTo(next SlotStatus) bool {
	switch s {
	case SlotAvailable:
		return next == SlotReserved
	case SlotReserved:
		return next == SlotCompleted || next == SlotCancelled
	default:
		return false
	}
}

type Slot struct {
	ID         uuid.UUID
	ScheduleID uuid.UUID
	Start      time.Time
	End        time.Time
	Status     SlotStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (s Slot) Interval() Interval {
	return Interval{Start: s.Start, End: s.End}
}

func (s Slot) Committed() bool {
	return s.Status.Committed()
}

// ProfessionalSchedule binds one professional to its policy and to the slots
// loaded for the queried range. Policy is nil when nothing is configured yet.
type ProfessionalSchedule struct {
	ID             uuid.UUID
	ProfessionalID uuid.UUID
	Policy         *Policy
	Slots          []Slot
}

// Conflict returns the first committed slot overlapping iv.
func (ps *ProfessionalSchedule) Conflict(iv Interval) (Slot, bool) {
	for _, s := range ps.Slots {
		if s.Committed() && Overlaps(s.Interval(), iv) {
			return s, true
		}
	}
	return Slot{}, false
}

// ReservedSlots returns reserved slots in chronological order.
func (ps *ProfessionalSchedule) ReservedSlots() []Slot {
	var out []Slot
	for _, s := range ps.Slots {
		if s.Status == SlotReserved {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}
