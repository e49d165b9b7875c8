package appointment

import (
	"fmt"

	"github.com/hackgods/professional-scheduling/internal/schedule"
)

// Terminal statuses are final.
func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusNoShow:
		return true
	}
	return false
}

func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	return s == StatusConfirmed && next.Terminal()
}

// slotTargetFor returns the slot status that must accompany an appointment
// moving to next, or "" when the slot is left as is.
func slotTargetFor(next AppointmentStatus) schedule.SlotStatus {
	switch next {
	case StatusCompleted:
		return schedule.SlotCompleted
	case StatusCanceled:
		return schedule.SlotCancelled
	default:
		return ""
	}
}

// planTransition validates moving appt to next and builds the command that
// keeps the linked slot in step.
func planTransition(appt *Appointment, next AppointmentStatus) (StatusChange, error) {
	if !appt.Status.CanTransitionTo(next) {
		return StatusChange{}, fmt.Errorf("%w: appointment %s is %s, cannot become %s",
			ErrInvalidStateTransition, appt.ID, appt.Status, next)
	}

	change := StatusChange{
		AppointmentID: appt.ID,
		From:          appt.Status,
		To:            next,
		SlotID:        appt.SlotID,
	}
	if slotTo := slotTargetFor(next); slotTo != "" {
		change.SlotFrom = schedule.SlotReserved
		change.SlotTo = slotTo
		if !change.SlotFrom.CanTransitionTo(change.SlotTo) {
			return StatusChange{}, fmt.Errorf("%w: slot %s cannot become %s",
				ErrInvalidStateTransition, appt.SlotID, slotTo)
		}
	}
	return change, nil
}
