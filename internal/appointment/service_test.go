package appointment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/professional-scheduling/internal/redis"
	"github.com/hackgods/professional-scheduling/internal/schedule"
)

// 2025-03-03 is a Monday.
var monday = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

func at(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.UTC)
}

func mondayMorningPolicy() *schedule.Policy {
	return &schedule.Policy{
		DurationMinutes: 30,
		Timezone:        "UTC",
		Windows: []schedule.WeeklyWindow{
			{Weekday: time.Monday, Start: 8 * 60, End: 10 * 60},
		},
	}
}

type fixture struct {
	svc    *Service
	repo   *memRepo
	mr     *miniredis.Miniredis
	client *redis.Client
}

func newFixture(t *testing.T, lockWait time.Duration) *fixture {
	t.Helper()
	return newFixtureWithLock(t, redisclient.LockOptions{
		TTL:           5 * time.Second,
		Wait:          lockWait,
		RetryInterval: 2 * time.Millisecond,
	})
}

func newFixtureWithLock(t *testing.T, opts redisclient.LockOptions) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := redisclient.NewRedisScheduleLocker(client, opts)
	repo := newMemRepo()
	svc := NewService(repo, locker, schedule.FixedClock(monday.Add(-24*time.Hour)), nil, nil, Options{
		AccessLinkBaseURL: "https://meet.example.org/room",
		NoShowGrace:       time.Hour,
	})
	return &fixture{svc: svc, repo: repo, mr: mr, client: client}
}

func ptr[T any](v T) *T { return &v }

func TestGetAvailableSlots_GridAndConflicts(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy(), schedule.Slot{
		Start:  at(monday, 8, 30),
		End:    at(monday, 9, 0),
		Status: schedule.SlotReserved,
	})

	got, err := f.svc.GetAvailableSlots(context.Background(), professionalID, ptr(monday), ptr(monday.AddDate(0, 0, 1)))
	require.NoError(t, err)

	want := []schedule.Interval{
		{Start: at(monday, 8, 0), End: at(monday, 8, 30)},
		{Start: at(monday, 9, 0), End: at(monday, 9, 30)},
		{Start: at(monday, 9, 30), End: at(monday, 10, 0)},
	}
	assert.Equal(t, want, got)
}

func TestGetAvailableSlots_DefaultRange(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy())

	got, err := f.svc.GetAvailableSlots(context.Background(), professionalID, nil, nil)
	require.NoError(t, err)

	now := monday.Add(-24 * time.Hour)
	assert.Equal(t, now, f.repo.lastFrom)
	assert.Equal(t, now.AddDate(0, 2, 0), f.repo.lastTo)
	// Mondays between 2025-03-02 and 2025-05-02: nine of them, four slots each.
	assert.Len(t, got, 9*4)
}

func TestGetAvailableSlots_InvalidRangeSkipsLoad(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy())

	_, err := f.svc.GetAvailableSlots(context.Background(), professionalID, ptr(monday), ptr(monday))
	assert.ErrorIs(t, err, schedule.ErrInvalidRange)

	_, err = f.svc.GetAvailableSlots(context.Background(), professionalID, ptr(monday.AddDate(0, 0, 1)), ptr(monday))
	assert.ErrorIs(t, err, schedule.ErrInvalidRange)

	// Only from given, and it lies after the default end: still invalid via to.
	_, err = f.svc.GetAvailableSlots(context.Background(), professionalID, nil, ptr(monday.Add(-48*time.Hour)))
	assert.ErrorIs(t, err, schedule.ErrInvalidRange)

	assert.Zero(t, f.repo.scheduleLoads)
}

func TestGetAvailableSlots_NoPolicy(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, nil)

	_, err := f.svc.GetAvailableSlots(context.Background(), professionalID, ptr(monday), ptr(monday.AddDate(0, 0, 7)))
	assert.ErrorIs(t, err, ErrNoScheduleConfigured)

	_, err = f.svc.GetAvailableSlots(context.Background(), uuid.New(), ptr(monday), ptr(monday.AddDate(0, 0, 7)))
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func bookingRequest(professionalID, patientID uuid.UUID, start time.Time, length time.Duration) BookingRequest {
	return BookingRequest{
		ProfessionalID: professionalID,
		PatientID:      patientID,
		Start:          start,
		End:            start.Add(length),
		Type:           TypeTeleconsultation,
		Description:    ptr("first visit"),
	}
}

func TestBookAppointment_RoundTrip(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	ps := f.repo.addSchedule(professionalID, mondayMorningPolicy())
	patientID := f.repo.addPatient()
	ctx := context.Background()

	res, err := f.svc.BookAppointment(ctx, bookingRequest(professionalID, patientID, at(monday, 9, 0), 30*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, res.Appointment.Status)
	assert.Equal(t, res.Slot.ID, res.Appointment.SlotID)
	assert.Equal(t, ps.ID, res.Slot.ScheduleID)
	assert.Equal(t, schedule.SlotReserved, res.Slot.Status)
	assert.Equal(t, patientID, res.Appointment.PatientID)
	assert.NotEmpty(t, res.Appointment.AccessToken)
	assert.Equal(t, "https://meet.example.org/room/"+res.Appointment.AccessToken, res.AccessLink)
	assert.Equal(t, []string{EventAppointmentBooked}, f.repo.eventTypes())

	free, err := f.svc.GetAvailableSlots(ctx, professionalID, ptr(monday), ptr(monday.AddDate(0, 0, 1)))
	require.NoError(t, err)
	for _, iv := range free {
		assert.False(t, iv.Start.Equal(at(monday, 9, 0)), "booked interval still offered")
	}
	assert.Len(t, free, 3)

	reserved, err := f.svc.GetReservedSlots(ctx, ps.ID)
	require.NoError(t, err)
	require.Len(t, reserved, 1)
	assert.Equal(t, at(monday, 9, 0), reserved[0].Start)
	assert.Equal(t, at(monday, 9, 30), reserved[0].End)
	assert.Equal(t, schedule.SlotReserved, reserved[0].Status)
}

func TestBookAppointment_Rejections(t *testing.T) {
	professionalID := uuid.New()

	tests := []struct {
		name     string
		policy   *schedule.Policy
		existing []schedule.Slot
		start    time.Time
		length   time.Duration
		patient  bool
		wantErr  error
	}{
		{"end before start", mondayMorningPolicy(), nil, at(monday, 9, 0), -30 * time.Minute, true, schedule.ErrInvalidInterval},
		{"zero length", mondayMorningPolicy(), nil, at(monday, 9, 0), 0, true, schedule.ErrInvalidInterval},
		{"unknown patient", mondayMorningPolicy(), nil, at(monday, 9, 0), 30 * time.Minute, false, ErrPatientNotFound},
		{"no policy", nil, nil, at(monday, 9, 0), 30 * time.Minute, true, ErrNoScheduleConfigured},
		{"wrong length", mondayMorningPolicy(), nil, at(monday, 9, 0), 45 * time.Minute, true, ErrPolicyMismatch},
		{"outside windows", mondayMorningPolicy(), nil, at(monday, 11, 0), 30 * time.Minute, true, ErrPolicyMismatch},
		{"wrong weekday", mondayMorningPolicy(), nil, at(monday.AddDate(0, 0, 1), 9, 0), 30 * time.Minute, true, ErrPolicyMismatch},
		{
			"overlaps reserved", mondayMorningPolicy(),
			[]schedule.Slot{{Start: at(monday, 8, 45), End: at(monday, 9, 15), Status: schedule.SlotReserved}},
			at(monday, 9, 0), 30 * time.Minute, true, ErrSlotConflict,
		},
		{
			"overlaps completed", mondayMorningPolicy(),
			[]schedule.Slot{{Start: at(monday, 9, 0), End: at(monday, 9, 30), Status: schedule.SlotCompleted}},
			at(monday, 9, 0), 30 * time.Minute, true, ErrSlotConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Second)
			f.repo.addSchedule(professionalID, tt.policy, tt.existing...)
			patientID := uuid.New()
			if tt.patient {
				patientID = f.repo.addPatient()
			}
			slotsBefore := f.repo.slotCount()

			_, err := f.svc.BookAppointment(context.Background(), bookingRequest(professionalID, patientID, tt.start, tt.length))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, slotsBefore, f.repo.slotCount())
			assert.Zero(t, f.repo.appointmentCount())
			assert.Empty(t, f.repo.eventTypes())
		})
	}
}

func TestBookAppointment_CancelledSlotDoesNotConflict(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy(), schedule.Slot{
		Start: at(monday, 9, 0), End: at(monday, 9, 30), Status: schedule.SlotCancelled,
	})
	patientID := f.repo.addPatient()

	_, err := f.svc.BookAppointment(context.Background(), bookingRequest(professionalID, patientID, at(monday, 9, 0), 30*time.Minute))
	assert.NoError(t, err)
}

func TestBookAppointment_InvalidIntervalDoesNoIO(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy())

	_, err := f.svc.BookAppointment(context.Background(), bookingRequest(professionalID, uuid.New(), at(monday, 9, 0), 0))
	assert.ErrorIs(t, err, schedule.ErrInvalidInterval)
	assert.Zero(t, f.repo.scheduleLoads)

	req := bookingRequest(professionalID, uuid.New(), at(monday, 9, 0), 30*time.Minute)
	req.Type = "house_call"
	_, err = f.svc.BookAppointment(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidAppointmentType)
}

func TestBookAppointment_ExclusiveUnderConcurrency(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy())
	f.repo.persistDelay = 5 * time.Millisecond

	// Identical and pairwise overlapping candidates; the off-grid ones still fit the policy.
	starts := []time.Time{
		at(monday, 9, 0), at(monday, 9, 0), at(monday, 9, 0),
		at(monday, 8, 50), at(monday, 9, 10), at(monday, 9, 0),
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		other     []error
	)
	for _, start := range starts {
		patientID := f.repo.addPatient()
		wg.Add(1)
		go func(start time.Time) {
			defer wg.Done()
			_, err := f.svc.BookAppointment(context.Background(), bookingRequest(professionalID, patientID, start, 30*time.Minute))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrSlotConflict):
				conflicts++
			default:
				other = append(other, err)
			}
		}(start)
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, 1, successes)
	assert.Equal(t, len(starts)-1, conflicts)
	assert.Equal(t, 1, f.repo.slotCount())
	assert.Equal(t, 1, f.repo.appointmentCount())
}

func TestBookAppointment_DifferentProfessionalsInParallel(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.repo.persistDelay = 5 * time.Millisecond

	var professionals []uuid.UUID
	for i := 0; i < 4; i++ {
		id := uuid.New()
		f.repo.addSchedule(id, mondayMorningPolicy())
		professionals = append(professionals, id)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(professionals))
	for i, id := range professionals {
		patientID := f.repo.addPatient()
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = f.svc.BookAppointment(context.Background(), bookingRequest(id, patientID, at(monday, 9, 0), 30*time.Minute))
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, len(professionals), f.repo.slotCount())
}

func TestBookAppointment_LockTimeout(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy())
	patientID := f.repo.addPatient()

	require.NoError(t, f.client.Set(context.Background(), "lock:schedule:"+professionalID.String(), "other-node", time.Minute).Err())

	_, err := f.svc.BookAppointment(context.Background(), bookingRequest(professionalID, patientID, at(monday, 9, 0), 30*time.Minute))
	assert.ErrorIs(t, err, ErrBookingTimeout)
	assert.Zero(t, f.repo.slotCount())
	assert.Zero(t, f.repo.appointmentCount())
	assert.Zero(t, f.repo.scheduleLoads)
}

func TestBookAppointment_PersistFailureLeavesNothing(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy())
	patientID := f.repo.addPatient()
	f.repo.persistErr = errors.New("connection reset")

	_, err := f.svc.BookAppointment(context.Background(), bookingRequest(professionalID, patientID, at(monday, 9, 0), 30*time.Minute))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "persist booking"))
	assert.Zero(t, f.repo.slotCount())
	assert.Empty(t, f.repo.eventTypes())

	// The lock was released.
	assert.False(t, f.mr.Exists("lock:schedule:"+professionalID.String()))
}

func TestBookAppointment_LockWindowExpiry(t *testing.T) {
	tests := []struct {
		name  string
		delay func(r *memRepo)
	}{
		{"during schedule load", func(r *memRepo) { r.loadDelay = 200 * time.Millisecond }},
		{"during persist", func(r *memRepo) { r.persistDelay = 200 * time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixtureWithLock(t, redisclient.LockOptions{
				TTL:           20 * time.Millisecond,
				Wait:          time.Second,
				RetryInterval: 2 * time.Millisecond,
			})
			professionalID := uuid.New()
			f.repo.addSchedule(professionalID, mondayMorningPolicy())
			patientID := f.repo.addPatient()
			tt.delay(f.repo)

			_, err := f.svc.BookAppointment(context.Background(), bookingRequest(professionalID, patientID, at(monday, 9, 0), 30*time.Minute))
			assert.ErrorIs(t, err, ErrBookingTimeout)
			assert.Zero(t, f.repo.slotCount())
			assert.Zero(t, f.repo.appointmentCount())
		})
	}
}

func TestBookAppointment_CallerCancelIsNotTimeout(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy())
	patientID := f.repo.addPatient()
	f.repo.loadDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := f.svc.BookAppointment(ctx, bookingRequest(professionalID, patientID, at(monday, 9, 0), 30*time.Minute))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrBookingTimeout)
}

func bookOne(t *testing.T, f *fixture, professionalID uuid.UUID, start time.Time) *BookingResult {
	t.Helper()
	res, err := f.svc.BookAppointment(context.Background(), bookingRequest(professionalID, f.repo.addPatient(), start, 30*time.Minute))
	require.NoError(t, err)
	return res
}

func TestCompleteAppointment(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy())
	res := bookOne(t, f, professionalID, at(monday, 8, 0))
	ctx := context.Background()

	updated, err := f.svc.CompleteAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Status)

	slot, ok := f.repo.slotByID(res.Slot.ID)
	require.True(t, ok)
	assert.Equal(t, schedule.SlotCompleted, slot.Status)

	_, err = f.svc.CompleteAppointment(ctx, res.Appointment.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = f.svc.CancelAppointment(ctx, res.Appointment.ID, "too late")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	slot, _ = f.repo.slotByID(res.Slot.ID)
	assert.Equal(t, schedule.SlotCompleted, slot.Status)
	assert.Equal(t, []string{EventAppointmentBooked, EventAppointmentCompleted}, f.repo.eventTypes())
}

func TestCancelAppointment_FreesInterval(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy())
	res := bookOne(t, f, professionalID, at(monday, 8, 0))
	ctx := context.Background()

	updated, err := f.svc.CancelAppointment(ctx, res.Appointment.ID, "patient request")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, updated.Status)

	slot, _ := f.repo.slotByID(res.Slot.ID)
	assert.Equal(t, schedule.SlotCancelled, slot.Status)

	free, err := f.svc.GetAvailableSlots(ctx, professionalID, ptr(monday), ptr(monday.AddDate(0, 0, 1)))
	require.NoError(t, err)
	require.Len(t, free, 4)
	assert.Equal(t, at(monday, 8, 0), free[0].Start)

	// The interval can be booked again.
	bookOne(t, f, professionalID, at(monday, 8, 0))

	_, err = f.svc.CompleteAppointment(ctx, res.Appointment.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestMarkNoShow_KeepsSlotReserved(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy())
	res := bookOne(t, f, professionalID, at(monday, 8, 0))

	updated, err := f.svc.MarkNoShow(context.Background(), res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, updated.Status)

	slot, _ := f.repo.slotByID(res.Slot.ID)
	assert.Equal(t, schedule.SlotReserved, slot.Status)

	_, err = f.svc.GetAppointment(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
	_, err = f.svc.CancelAppointment(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestMarkOverdueNoShows(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, mondayMorningPolicy())
	early := bookOne(t, f, professionalID, at(monday, 8, 0))
	late := bookOne(t, f, professionalID, at(monday, 9, 30))
	done := bookOne(t, f, professionalID, at(monday, 8, 30))
	_, err := f.svc.CompleteAppointment(context.Background(), done.Appointment.ID)
	require.NoError(t, err)

	// 09:45 with a one hour grace: only the 08:00-08:30 appointment is overdue.
	f.svc.clock = schedule.FixedClock(at(monday, 9, 45))

	marked, err := f.svc.MarkOverdueNoShows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	a, err := f.svc.GetAppointment(context.Background(), early.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, a.Status)

	a, err = f.svc.GetAppointment(context.Background(), late.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, a.Status)
}

func TestConfigurePolicy(t *testing.T) {
	f := newFixture(t, time.Second)
	professionalID := uuid.New()
	f.repo.addSchedule(professionalID, nil)
	ctx := context.Background()

	_, err := f.svc.ConfigurePolicy(ctx, professionalID, schedule.Policy{DurationMinutes: 0})
	assert.ErrorIs(t, err, schedule.ErrInvalidPolicy)

	_, err = f.svc.ConfigurePolicy(ctx, uuid.New(), *mondayMorningPolicy())
	assert.ErrorIs(t, err, ErrScheduleNotFound)

	ps, err := f.svc.ConfigurePolicy(ctx, professionalID, schedule.Policy{
		DurationMinutes: 60,
		Timezone:        "UTC",
		Windows: []schedule.WeeklyWindow{
			{Weekday: time.Monday, Start: 14 * 60, End: 16 * 60},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, ps.Policy)
	assert.Equal(t, 60, ps.Policy.DurationMinutes)

	free, err := f.svc.GetAvailableSlots(ctx, professionalID, ptr(monday), ptr(monday.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, []schedule.Interval{
		{Start: at(monday, 14, 0), End: at(monday, 15, 0)},
		{Start: at(monday, 15, 0), End: at(monday, 16, 0)},
	}, free)
}
