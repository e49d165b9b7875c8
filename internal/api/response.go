package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/professional-scheduling/internal/appointment"
	"github.com/hackgods/professional-scheduling/internal/schedule"
)

// bookingRetryAfter is the Retry-After hint, in seconds, sent with booking_timeout.
const bookingRetryAfter = "1"

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeServiceError maps domain errors to status codes and stable error codes.
// It returns true when the error was unexpected.
func writeServiceError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, schedule.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
	case errors.Is(err, schedule.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
	case errors.Is(err, schedule.ErrInvalidPolicy),
		errors.Is(err, schedule.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, "invalid_policy", err.Error())
	case errors.Is(err, appointment.ErrInvalidAppointmentType):
		writeError(w, http.StatusBadRequest, "invalid_appointment_type", err.Error())
	case errors.Is(err, appointment.ErrMissingPatientID),
		errors.Is(err, appointment.ErrMissingProfessionalID):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "schedule_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrNoScheduleConfigured):
		writeError(w, http.StatusUnprocessableEntity, "no_schedule_configured", err.Error())
	case errors.Is(err, appointment.ErrPolicyMismatch):
		writeError(w, http.StatusUnprocessableEntity, "policy_mismatch", err.Error())
	case errors.Is(err, appointment.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, appointment.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "invalid_state_transition", err.Error())
	case errors.Is(err, appointment.ErrBookingTimeout):
		w.Header().Set("Retry-After", bookingRetryAfter)
		writeError(w, http.StatusServiceUnavailable, "booking_timeout", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return true
	}
	return false
}
