package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/professional-scheduling/internal/schedule"
)

// memRepo is an in-memory Repository that honours the same atomicity
// contract as PgRepository.
type memRepo struct {
	mu           sync.Mutex
	schedules    map[uuid.UUID]*schedule.ProfessionalSchedule // keyed by professional id
	patients     map[uuid.UUID]*Patient
	appointments map[uuid.UUID]*Appointment
	events       []EventLog

	scheduleLoads int
	lastFrom      time.Time
	lastTo        time.Time
	loadDelay     time.Duration
	persistDelay  time.Duration
	persistErr    error
}

func newMemRepo() *memRepo {
	return &memRepo{
		schedules:    make(map[uuid.UUID]*schedule.ProfessionalSchedule),
		patients:     make(map[uuid.UUID]*Patient),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

func (r *memRepo) addSchedule(professionalID uuid.UUID, policy *schedule.Policy, slots ...schedule.Slot) *schedule.ProfessionalSchedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := &schedule.ProfessionalSchedule{
		ID:             uuid.New(),
		ProfessionalID: professionalID,
		Policy:         policy,
	}
	for _, s := range slots {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		s.ScheduleID = ps.ID
		ps.Slots = append(ps.Slots, s)
	}
	r.schedules[professionalID] = ps
	return ps
}

func (r *memRepo) addPatient() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.patients[id] = &Patient{ID: id, Name: "Test Patient"}
	return id
}

func (r *memRepo) slotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ps := range r.schedules {
		n += len(ps.Slots)
	}
	return n
}

func (r *memRepo) appointmentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.appointments)
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (r *memRepo) slotByID(id uuid.UUID) (schedule.Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ps := range r.schedules {
		for _, s := range ps.Slots {
			if s.ID == id {
				return s, true
			}
		}
	}
	return schedule.Slot{}, false
}

func cloneSchedule(ps *schedule.ProfessionalSchedule, keep func(schedule.Slot) bool) *schedule.ProfessionalSchedule {
	out := &schedule.ProfessionalSchedule{ID: ps.ID, ProfessionalID: ps.ProfessionalID}
	if ps.Policy != nil {
		p := *ps.Policy
		p.Windows = append([]schedule.WeeklyWindow(nil), ps.Policy.Windows...)
		out.Policy = &p
	}
	for _, s := range ps.Slots {
		if keep(s) {
			out.Slots = append(out.Slots, s)
		}
	}
	sort.Slice(out.Slots, func(i, j int) bool {
		return out.Slots[i].Start.Before(out.Slots[j].Start)
	})
	return out
}

func (r *memRepo) LoadScheduleWithPolicyAndSlots(ctx context.Context, professionalID uuid.UUID, from, to time.Time) (*schedule.ProfessionalSchedule, error) {
	if r.loadDelay > 0 {
		select {
		case <-time.After(r.loadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleLoads++
	r.lastFrom, r.lastTo = from, to

	ps, ok := r.schedules[professionalID]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	window := schedule.Interval{Start: from, End: to}
	return cloneSchedule(ps, func(s schedule.Slot) bool {
		return schedule.Overlaps(s.Interval(), window)
	}), nil
}

func (r *memRepo) LoadScheduleWithSlots(_ context.Context, scheduleID uuid.UUID) (*schedule.ProfessionalSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleLoads++

	for _, ps := range r.schedules {
		if ps.ID == scheduleID {
			return cloneSchedule(ps, func(schedule.Slot) bool { return true }), nil
		}
	}
	return nil, ErrScheduleNotFound
}

func (r *memRepo) LoadPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) PersistAppointmentAndSlot(ctx context.Context, appt *Appointment, slot *schedule.Slot) error {
	if r.persistDelay > 0 {
		select {
		case <-time.After(r.persistDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.persistErr != nil {
		return r.persistErr
	}

	var ps *schedule.ProfessionalSchedule
	for _, candidate := range r.schedules {
		if candidate.ID == slot.ScheduleID {
			ps = candidate
		}
	}
	if ps == nil {
		return ErrScheduleNotFound
	}
	if _, ok := ps.Conflict(slot.Interval()); ok {
		return ErrSlotConflict
	}

	ps.Slots = append(ps.Slots, *slot)
	cp := *appt
	r.appointments[appt.ID] = &cp
	return nil
}

func (r *memRepo) ReplacePolicy(_ context.Context, professionalID uuid.UUID, policy schedule.Policy) (*schedule.ProfessionalSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.schedules[professionalID]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	p := policy
	p.Windows = append([]schedule.WeeklyWindow(nil), policy.Windows...)
	ps.Policy = &p
	return cloneSchedule(ps, func(schedule.Slot) bool { return false }), nil
}

func (r *memRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) ApplyStatusChange(_ context.Context, change StatusChange) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[change.AppointmentID]
	if !ok || a.Status != change.From {
		return nil, ErrInvalidStateTransition
	}

	var slot *schedule.Slot
	if change.SlotTo != "" {
		for _, ps := range r.schedules {
			for i := range ps.Slots {
				if ps.Slots[i].ID == change.SlotID {
					slot = &ps.Slots[i]
				}
			}
		}
		if slot == nil || slot.Status != change.SlotFrom {
			return nil, ErrInvalidStateTransition
		}
		slot.Status = change.SlotTo
		slot.UpdatedAt = change.At
	}

	a.Status = change.To
	a.UpdatedAt = change.At
	cp := *a
	return &cp, nil
}

func (r *memRepo) FindOverdueConfirmed(_ context.Context, endedBefore time.Time, limit int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.appointments {
		if a.Status != StatusConfirmed {
			continue
		}
		for _, ps := range r.schedules {
			for _, s := range ps.Slots {
				if s.ID == a.SlotID && s.End.Before(endedBefore) {
					out = append(out, *a)
				}
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}
