package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/professional-scheduling/internal/appointment"
	"github.com/hackgods/professional-scheduling/internal/schedule"
)

// SchedulingService is the part of appointment.Service the HTTP layer uses.
type SchedulingService interface {
	GetAvailableSlots(ctx context.Context, professionalID uuid.UUID, from, to *time.Time) ([]schedule.Interval, error)
	BookAppointment(ctx context.Context, req appointment.BookingRequest) (*appointment.BookingResult, error)
	GetReservedSlots(ctx context.Context, scheduleID uuid.UUID) ([]schedule.Slot, error)
	ConfigurePolicy(ctx context.Context, professionalID uuid.UUID, policy schedule.Policy) (*schedule.ProfessionalSchedule, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	CompleteAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (*appointment.Appointment, error)
	MarkNoShow(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

type RouterConfig struct {
	Service  SchedulingService
	Postgres DBPinger
	Redis    RedisPinger
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	h := &handlers{svc: cfg.Service, logger: logger}

	r.Route("/professionals/{id}", func(r chi.Router) {
		r.Get("/availability", h.availability)
		r.Put("/policy", h.configurePolicy)
		r.Post("/appointments", h.bookAppointment)
	})
	r.Get("/schedules/{id}/reserved-slots", h.reservedSlots)

	r.Route("/appointments/{id}", func(r chi.Router) {
		r.Get("/", h.getAppointment)
		r.Post("/complete", h.completeAppointment)
		r.Post("/cancel", h.cancelAppointment)
		r.Post("/no-show", h.markNoShow)
	})

	return r
}
