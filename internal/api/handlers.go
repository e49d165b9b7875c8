package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/professional-scheduling/internal/appointment"
)

type handlers struct {
	svc    SchedulingService
	logger *zap.Logger
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if writeServiceError(w, err) {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err),
		)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// queryTime parses an optional RFC 3339 query parameter.
func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (h *handlers) availability(w http.ResponseWriter, r *http.Request) {
	professionalID, ok := pathID(w, r, "invalid_professional_id")
	if !ok {
		return
	}

	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_range", "from must be an RFC 3339 timestamp")
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_range", "to must be an RFC 3339 timestamp")
		return
	}

	intervals, err := h.svc.GetAvailableSlots(r.Context(), professionalID, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := AvailabilityResponse{
		ProfessionalID: professionalID,
		Intervals:      make([]IntervalResponse, 0, len(intervals)),
	}
	for _, iv := range intervals {
		resp.Intervals = append(resp.Intervals, IntervalResponse{Start: iv.Start, End: iv.End})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) configurePolicy(w http.ResponseWriter, r *http.Request) {
	professionalID, ok := pathID(w, r, "invalid_professional_id")
	if !ok {
		return
	}

	var req PolicyPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	policy, err := req.toPolicy()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ps, err := h.svc.ConfigurePolicy(r.Context(), professionalID, policy)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ScheduleResponse{
		ID:             ps.ID,
		ProfessionalID: ps.ProfessionalID,
		Policy:         policyPayload(ps.Policy),
	})
}

func (h *handlers) bookAppointment(w http.ResponseWriter, r *http.Request) {
	professionalID, ok := pathID(w, r, "invalid_professional_id")
	if !ok {
		return
	}

	var req BookAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}

	res, err := h.svc.BookAppointment(r.Context(), appointment.BookingRequest{
		ProfessionalID: professionalID,
		PatientID:      patientID,
		Start:          req.Start,
		End:            req.End,
		Type:           appointment.AppointmentType(req.Type),
		Description:    req.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, BookingResponse{
		Appointment: appointmentResponse(res.Appointment),
		Slot:        slotResponse(*res.Slot),
		AccessLink:  res.AccessLink,
	})
}

func (h *handlers) reservedSlots(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := pathID(w, r, "invalid_schedule_id")
	if !ok {
		return
	}

	slots, err := h.svc.GetReservedSlots(r.Context(), scheduleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		resp = append(resp, slotResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentResponse(appt))
}

func (h *handlers) completeAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.CompleteAppointment)
}

func (h *handlers) markNoShow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.MarkNoShow)
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	var req CancelAppointmentRequest
	// The body is optional.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	h.transition(w, r, func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
		return h.svc.CancelAppointment(ctx, id, req.Reason)
	})
}

func (h *handlers) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)) {
	id, ok := pathID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}

	appt, err := apply(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentResponse(appt))
}
