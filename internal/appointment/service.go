package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/professional-scheduling/internal/metrics"
	redisclient "github.com/hackgods/professional-scheduling/internal/redis"
	"github.com/hackgods/professional-scheduling/internal/schedule"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentCanceled  = "APPOINTMENT_CANCELED"
	EventAppointmentNoShow    = "APPOINTMENT_NO_SHOW"
)

// bookingNeighborhood widens the fresh load around a candidate so every slot
// that could overlap it, including ones crossing midnight, is present.
const bookingNeighborhood = 24 * time.Hour

// availabilityHorizonMonths is how far GetAvailableSlots looks when no end is given.
const availabilityHorizonMonths = 2

var (
	ErrNoScheduleConfigured   = errors.New("professional has no schedule policy configured")
	ErrPolicyMismatch         = errors.New("interval does not match the schedule policy")
	ErrSlotConflict           = errors.New("interval overlaps a committed slot")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrBookingTimeout         = errors.New("timed out waiting for the professional's schedule, retry")
	ErrInvalidAppointmentType = errors.New("unknown appointment type")
	ErrMissingProfessionalID  = errors.New("professional id is required")
	ErrMissingPatientID       = errors.New("patient id is required")
)

type Options struct {
	AccessLinkBaseURL string
	NoShowGrace       time.Duration
	NoShowBatchSize   int
}

type Service struct {
	repo    Repository
	locker  redisclient.Locker
	clock   schedule.Clock
	metrics *metrics.SchedulingMetrics
	logger  *zap.Logger
	opts    Options
}

func NewService(repo Repository, locker redisclient.Locker, clock schedule.Clock, m *metrics.SchedulingMetrics, logger *zap.Logger, opts Options) *Service {
	if clock == nil {
		clock = schedule.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.NoShowBatchSize <= 0 {
		opts.NoShowBatchSize = 200
	}
	return &Service{
		repo:    repo,
		locker:  locker,
		clock:   clock,
		metrics: m,
		logger:  logger,
		opts:    opts,
	}
}

// GetAvailableSlots returns the free intervals of a professional between
// from and to. A nil from means now; a nil to means two months after from.
// The range is validated before anything is loaded.
func (s *Service) GetAvailableSlots(ctx context.Context, professionalID uuid.UUID, from, to *time.Time) ([]schedule.Interval, error) {
	start := s.clock.Now()
	if from != nil {
		start = *from
	}
	end := start.AddDate(0, availabilityHorizonMonths, 0)
	if to != nil {
		end = *to
	}
	if !start.Before(end) {
		return nil, schedule.ErrInvalidRange
	}

	intervals, err := s.availableIntervals(ctx, professionalID, start, end)
	s.metrics.ObserveAvailability(len(intervals), err)
	return intervals, err
}

func (s *Service) availableIntervals(ctx context.Context, professionalID uuid.UUID, from, to time.Time) ([]schedule.Interval, error) {
	ps, err := s.repo.LoadScheduleWithPolicyAndSlots(ctx, professionalID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	if ps.Policy == nil {
		return nil, ErrNoScheduleConfigured
	}

	intervals, err := schedule.CollectAvailableIntervals(*ps.Policy, ps.Slots, from, to)
	if err != nil {
		return nil, err
	}
	return intervals, nil
}

// BookAppointment reserves [req.Start, req.End) for a patient. Commits are
// serialized per professional by the schedule lock; the repository re-checks
// overlap under a row lock before inserting, so a conflict is reported as
// ErrSlotConflict whichever layer catches it.
func (s *Service) BookAppointment(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	started := time.Now()
	result, err := s.book(ctx, req)
	s.metrics.ObserveBooking(bookingOutcome(err), time.Since(started))

	if err != nil {
		s.logger.Debug("booking rejected",
			zap.String("professional_id", req.ProfessionalID.String()),
			zap.String("patient_id", req.PatientID.String()),
			zap.Time("start", req.Start),
			zap.Time("end", req.End),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("appointment booked",
		zap.String("appointment_id", result.Appointment.ID.String()),
		zap.String("slot_id", result.Slot.ID.String()),
		zap.String("professional_id", req.ProfessionalID.String()),
		zap.String("patient_id", req.PatientID.String()),
		zap.Time("start", req.Start),
	)
	return result, nil
}

func (s *Service) book(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	if req.ProfessionalID == uuid.Nil {
		return nil, ErrMissingProfessionalID
	}
	if req.PatientID == uuid.Nil {
		return nil, ErrMissingPatientID
	}
	candidate, err := schedule.NewInterval(req.Start, req.End)
	if err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = TypeInPerson
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAppointmentType, req.Type)
	}

	if _, err := s.repo.LoadPatient(ctx, req.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	var result *BookingResult

	err = s.locker.WithScheduleLock(ctx, req.ProfessionalID, func(lockCtx context.Context) error {
		// Fresh read inside the critical section; never reuse a display snapshot.
		ps, err := s.repo.LoadScheduleWithPolicyAndSlots(lockCtx, req.ProfessionalID,
			candidate.Start.Add(-bookingNeighborhood), candidate.End.Add(bookingNeighborhood))
		if err != nil {
			if errors.Is(err, ErrScheduleNotFound) {
				return err
			}
			if lockWindowExpired(ctx, lockCtx) {
				return ErrBookingTimeout
			}
			return fmt.Errorf("load schedule: %w", err)
		}
		if ps.Policy == nil {
			return ErrNoScheduleConfigured
		}
		if existing, ok := ps.Conflict(candidate); ok {
			return fmt.Errorf("%w: slot %s [%s, %s)", ErrSlotConflict, existing.ID,
				existing.Start.Format(time.RFC3339), existing.End.Format(time.RFC3339))
		}
		if !schedule.Fits(*ps.Policy, candidate.Start, candidate.End) {
			return ErrPolicyMismatch
		}

		now := s.clock.Now()
		slot := &schedule.Slot{
			ID:         uuid.New(),
			ScheduleID: ps.ID,
			Start:      candidate.Start,
			End:        candidate.End,
			Status:     schedule.SlotReserved,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		appt := &Appointment{
			ID:             uuid.New(),
			ScheduleID:     ps.ID,
			SlotID:         slot.ID,
			PatientID:      req.PatientID,
			ProfessionalID: req.ProfessionalID,
			Type:           req.Type,
			Description:    req.Description,
			Status:         StatusConfirmed,
			AccessToken:    uuid.NewString(),
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if err := s.repo.PersistAppointmentAndSlot(lockCtx, appt, slot); err != nil {
			if errors.Is(err, ErrSlotConflict) {
				return err
			}
			if lockWindowExpired(ctx, lockCtx) {
				return ErrBookingTimeout
			}
			return fmt.Errorf("persist booking: %w", err)
		}

		result = &BookingResult{
			Appointment: appt,
			Slot:        slot,
			AccessLink:  s.accessLink(appt.AccessToken),
		}

		s.logEvent(lockCtx, appt.ID, EventAppointmentBooked, map[string]any{
			"slot_id":         slot.ID.String(),
			"schedule_id":     ps.ID.String(),
			"professional_id": req.ProfessionalID.String(),
			"patient_id":      req.PatientID.String(),
			"start":           slot.Start,
			"end":             slot.End,
			"type":            string(req.Type),
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrBookingTimeout
		}
		return nil, err
	}

	return result, nil
}

// lockWindowExpired reports whether the critical section ran out of lock
// time while the caller's own context is still alive.
func lockWindowExpired(ctx, lockCtx context.Context) bool {
	return errors.Is(lockCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
}

func (s *Service) accessLink(token string) string {
	if s.opts.AccessLinkBaseURL == "" {
		return token
	}
	return s.opts.AccessLinkBaseURL + "/" + token
}

func bookingOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeBooked
	case errors.Is(err, ErrSlotConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, ErrPolicyMismatch):
		return metrics.OutcomePolicyMismatch
	case errors.Is(err, ErrNoScheduleConfigured):
		return metrics.OutcomeNoSchedule
	case errors.Is(err, ErrBookingTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, schedule.ErrInvalidInterval),
		errors.Is(err, ErrInvalidAppointmentType),
		errors.Is(err, ErrPatientNotFound),
		errors.Is(err, ErrScheduleNotFound),
		errors.Is(err, ErrMissingPatientID),
		errors.Is(err, ErrMissingProfessionalID):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

// GetReservedSlots lists the schedule's reserved slots chronologically.
func (s *Service) GetReservedSlots(ctx context.Context, scheduleID uuid.UUID) ([]schedule.Slot, error) {
	ps, err := s.repo.LoadScheduleWithSlots(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	return ps.ReservedSlots(), nil
}

// ConfigurePolicy replaces the professional's policy and weekly windows.
// Existing reservations are kept even if they no longer fit.
func (s *Service) ConfigurePolicy(ctx context.Context, professionalID uuid.UUID, policy schedule.Policy) (*schedule.ProfessionalSchedule, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	var ps *schedule.ProfessionalSchedule
	err := s.locker.WithScheduleLock(ctx, professionalID, func(lockCtx context.Context) error {
		var err error
		ps, err = s.repo.ReplacePolicy(lockCtx, professionalID, policy)
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrBookingTimeout
		}
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("replace policy: %w", err)
	}

	s.logger.Info("schedule policy replaced",
		zap.String("professional_id", professionalID.String()),
		zap.Int("duration_minutes", policy.DurationMinutes),
		zap.Int("windows", len(policy.Windows)),
	)
	return ps, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// CompleteAppointment completes the appointment and its slot together.
func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCompleted, EventAppointmentCompleted, nil)
}

// CancelAppointment cancels the appointment and releases its slot so the
// interval shows up as available again.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	return s.transition(ctx, id, StatusCanceled, EventAppointmentCanceled, payload)
}

// MarkNoShow closes a confirmed appointment the patient did not attend. The
// slot stays reserved; the time was held for the patient.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusNoShow, EventAppointmentNoShow, nil)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, next AppointmentStatus, event string, payload map[string]any) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	updated, err := s.applyTransition(ctx, appt, next)
	s.metrics.ObserveTransition(string(next), err)
	if err != nil {
		return nil, err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = string(appt.Status)
	payload["slot_id"] = appt.SlotID.String()
	s.logEvent(ctx, updated.ID, event, payload)

	return updated, nil
}

func (s *Service) applyTransition(ctx context.Context, appt *Appointment, next AppointmentStatus) (*Appointment, error) {
	change, err := planTransition(appt, next)
	if err != nil {
		return nil, err
	}
	change.At = s.clock.Now()

	updated, err := s.repo.ApplyStatusChange(ctx, change)
	if err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			return nil, fmt.Errorf("%w: appointment %s changed concurrently", err, appt.ID)
		}
		return nil, fmt.Errorf("apply status change: %w", err)
	}
	return updated, nil
}

// MarkOverdueNoShows is intended to be called by the worker periodically. It
// returns how many appointments were moved to no_show.
func (s *Service) MarkOverdueNoShows(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.opts.NoShowGrace)
	overdue, err := s.repo.FindOverdueConfirmed(ctx, cutoff, s.opts.NoShowBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find overdue appointments: %w", err)
	}

	marked := 0
	for i := range overdue {
		appt := &overdue[i]
		_, err := s.applyTransition(ctx, appt, StatusNoShow)
		s.metrics.ObserveTransition(string(StatusNoShow), err)
		if err != nil {
			if !errors.Is(err, ErrInvalidStateTransition) {
				s.logger.Warn("failed to mark no-show",
					zap.String("appointment_id", appt.ID.String()),
					zap.Error(err),
				)
			}
			continue
		}
		marked++
		s.logEvent(ctx, appt.ID, EventAppointmentNoShow, map[string]any{
			"reason": "worker",
		})
	}

	return marked, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.clock.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to insert event log",
			zap.String("event_type", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err),
		)
	}
}
