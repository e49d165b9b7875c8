package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/professional-scheduling/internal/schedule"
)

type AppointmentStatus string

const (
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCanceled  AppointmentStatus = "canceled"
	StatusNoShow    AppointmentStatus = "no_show"
)

type AppointmentType string

const (
	TypeInPerson         AppointmentType = "in_person"
	TypeTeleconsultation AppointmentType = "teleconsultation"
	TypeFollowUp         AppointmentType = "follow_up"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeInPerson, TypeTeleconsultation, TypeFollowUp:
		return true
	}
	return false
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Appointment references its slot, schedule and patient by id only.
// Clinical artifacts are attached later by other subsystems.
type Appointment struct {
	ID              uuid.UUID
	ScheduleID      uuid.UUID
	SlotID          uuid.UUID
	PatientID       uuid.UUID
	ProfessionalID  uuid.UUID
	Type            AppointmentType
	Description     *string
	Status          AppointmentStatus
	AccessToken     string
	PrescriptionID  *uuid.UUID
	CertificateID   *uuid.UUID
	MedicalRecordID *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// BookingRequest is a caller-proposed candidate interval for one professional.
type BookingRequest struct {
	ProfessionalID uuid.UUID
	PatientID      uuid.UUID
	Start          time.Time
	End            time.Time
	Type           AppointmentType
	Description    *string
}

type BookingResult struct {
	Appointment *Appointment
	Slot        *schedule.Slot
	AccessLink  string
}

// StatusChange is the persistence command for a lifecycle transition. Both
// updates are conditional on the current status and applied together.
// SlotTo is empty when the slot keeps its status.
type StatusChange struct {
	AppointmentID uuid.UUID
	From          AppointmentStatus
	To            AppointmentStatus
	SlotID        uuid.UUID
	SlotFrom      schedule.SlotStatus
	SlotTo        schedule.SlotStatus
	At            time.Time
}
