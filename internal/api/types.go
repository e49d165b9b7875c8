package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/professional-scheduling/internal/appointment"
	"github.com/hackgods/professional-scheduling/internal/schedule"
)

type WindowPayload struct {
	Weekday string `json:"weekday"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

type PolicyPayload struct {
	DurationMinutes int             `json:"duration_minutes"`
	Timezone        string          `json:"timezone"`
	Windows         []WindowPayload `json:"windows"`
}

type ScheduleResponse struct {
	ID             uuid.UUID      `json:"id"`
	ProfessionalID uuid.UUID      `json:"professional_id"`
	Policy         *PolicyPayload `json:"policy,omitempty"`
}

type BookAppointmentRequest struct {
	PatientID   string    `json:"patient_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Type        string    `json:"type,omitempty"`
	Description *string   `json:"description,omitempty"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason,omitempty"`
}

type IntervalResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type AvailabilityResponse struct {
	ProfessionalID uuid.UUID          `json:"professional_id"`
	Intervals      []IntervalResponse `json:"intervals"`
}

type SlotResponse struct {
	ID         uuid.UUID `json:"id"`
	ScheduleID uuid.UUID `json:"schedule_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Status     string    `json:"status"`
}

type AppointmentResponse struct {
	ID             uuid.UUID `json:"id"`
	ScheduleID     uuid.UUID `json:"schedule_id"`
	SlotID         uuid.UUID `json:"slot_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	ProfessionalID uuid.UUID `json:"professional_id"`
	Type           string    `json:"type"`
	Description    *string   `json:"description,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type BookingResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	Slot        SlotResponse        `json:"slot"`
	AccessLink  string              `json:"access_link"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func (p PolicyPayload) toPolicy() (schedule.Policy, error) {
	policy := schedule.Policy{
		DurationMinutes: p.DurationMinutes,
		Timezone:        p.Timezone,
	}
	for i, w := range p.Windows {
		weekday, ok := weekdays[strings.ToLower(strings.TrimSpace(w.Weekday))]
		if !ok {
			return schedule.Policy{}, fmt.Errorf("%w: window %d: unknown weekday %q", schedule.ErrInvalidPolicy, i, w.Weekday)
		}
		start, err := schedule.ParseTimeOfDay(w.Start)
		if err != nil {
			return schedule.Policy{}, fmt.Errorf("%w: window %d: %v", schedule.ErrInvalidPolicy, i, err)
		}
		end, err := schedule.ParseTimeOfDay(w.End)
		if err != nil {
			return schedule.Policy{}, fmt.Errorf("%w: window %d: %v", schedule.ErrInvalidPolicy, i, err)
		}
		policy.Windows = append(policy.Windows, schedule.WeeklyWindow{Weekday: weekday, Start: start, End: end})
	}
	return policy, nil
}

func policyPayload(p *schedule.Policy) *PolicyPayload {
	if p == nil {
		return nil
	}
	out := &PolicyPayload{
		DurationMinutes: p.DurationMinutes,
		Timezone:        p.Timezone,
		Windows:         make([]WindowPayload, 0, len(p.Windows)),
	}
	for _, w := range p.Windows {
		out.Windows = append(out.Windows, WindowPayload{
			Weekday: strings.ToLower(w.Weekday.String()),
			Start:   w.Start.String(),
			End:     w.End.String(),
		})
	}
	return out
}

func slotResponse(s schedule.Slot) SlotResponse {
	return SlotResponse{
		ID:         s.ID,
		ScheduleID: s.ScheduleID,
		Start:      s.Start,
		End:        s.End,
		Status:     string(s.Status),
	}
}

func appointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:             a.ID,
		ScheduleID:     a.ScheduleID,
		SlotID:         a.SlotID,
		PatientID:      a.PatientID,
		ProfessionalID: a.ProfessionalID,
		Type:           string(a.Type),
		Description:    a.Description,
		Status:         string(a.Status),
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}
