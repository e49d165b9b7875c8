package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/professional-scheduling/internal/schedule"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrScheduleNotFound    = errors.New("professional schedule not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// LoadScheduleWithPolicyAndSlots returns the professional's schedule with
	// its policy, windows and every slot intersecting [from, to).
	LoadScheduleWithPolicyAndSlots(ctx context.Context, professionalID uuid.UUID, from, to time.Time) (*schedule.ProfessionalSchedule, error)
	// LoadScheduleWithSlots returns the schedule with its full slot set.
	LoadScheduleWithSlots(ctx context.Context, scheduleID uuid.UUID) (*schedule.ProfessionalSchedule, error)
	LoadPatient(ctx context.Context, id uuid.UUID) (*Patient, error)

	// PersistAppointmentAndSlot commits both rows or neither. It returns
	// ErrSlotConflict when a committed slot of the same schedule overlaps.
	PersistAppointmentAndSlot(ctx context.Context, appt *Appointment, slot *schedule.Slot) error
	// ReplacePolicy swaps the schedule's duration, timezone and windows.
	ReplacePolicy(ctx context.Context, professionalID uuid.UUID, policy schedule.Policy) (*schedule.ProfessionalSchedule, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ApplyStatusChange returns ErrInvalidStateTransition when either row is
	// no longer in its expected status.
	ApplyStatusChange(ctx context.Context, change StatusChange) (*Appointment, error)

	// No-show worker
	FindOverdueConfirmed(ctx context.Context, endedBefore time.Time, limit int) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
