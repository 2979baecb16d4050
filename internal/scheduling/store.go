package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists appointments and move offers. Every method that changes
// more than one record does so atomically.
type Store interface {
	// ListAppointments returns appointments of any status overlapping [from, to).
	ListAppointments(ctx context.Context, clinicID string, from, to time.Time) ([]Appointment, error)
	GetAppointment(ctx context.Context, id string) (Appointment, error)
	// ReserveSlot inserts a BOOKED appointment unless an occupying appointment
	// overlaps it on the same dentist, in which case it returns ErrSlotTaken.
	// Reserving an id that already exists returns the stored appointment.
	ReserveSlot(ctx context.Context, a Appointment) (Appointment, error)
	// CancelAppointment marks a BOOKED or OFFERING_MOVE appointment CANCELLED
	// and declines any pending offer on it.
	CancelAppointment(ctx context.Context, id string, at time.Time) (Appointment, error)

	// CreateOffer inserts a PENDING offer and flips its appointment from
	// BOOKED to OFFERING_MOVE. ErrInvalidTransition when the appointment is
	// not BOOKED (which includes already having a pending offer).
	CreateOffer(ctx context.Context, o MoveOffer) (MoveOffer, error)
	GetOffer(ctx context.Context, id string) (MoveOffer, error)
	// ListOffers filters by clinic and status; empty values match everything.
	ListOffers(ctx context.Context, clinicID string, status OfferStatus) ([]MoveOffer, error)
	// ResolveOffer moves a PENDING offer to DECLINED or EXPIRED and restores
	// the appointment to BOOKED. ErrOfferResolved when it is not pending.
	ResolveOffer(ctx context.Context, id string, status OfferStatus, at time.Time) (MoveOffer, error)
	// AcceptOffer moves the offered appointment to the target slot, reserves
	// the freed slot for the requester and marks the offer ACCEPTED, all or
	// nothing.
	AcceptOffer(ctx context.Context, id string, requester Appointment, at time.Time) (OfferResolution, error)
	// ExpireOffers resolves every pending offer whose expiry is at or before now.
	ExpireOffers(ctx context.Context, now time.Time) ([]MoveOffer, error)
}

// OfferResolution is the result of accepting a move offer.
type OfferResolution struct {
	Offer  MoveOffer   `json:"offer"`
	Moved  Appointment `json:"moved"`
	Booked Appointment `json:"booked"`
}

// MemoryStore is an in-process Store used by tests, the CLI and single-node deployments.
type MemoryStore struct {
	mu           sync.Mutex
	appointments map[string]Appointment
	offers       map[string]MoveOffer
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appointments: make(map[string]Appointment),
		offers:       make(map[string]MoveOffer),
	}
}

func (m *MemoryStore) ListAppointments(ctx context.Context, clinicID string, from, to time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appointments {
		if a.ClinicID == clinicID && a.Start.Before(to) && from.Before(a.End) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return Appointment{}, ErrAppointmentNotFound
	}
	return a, nil
}

// conflictsLocked reports whether slot overlaps an occupying appointment
// other than those in ignore.
func (m *MemoryStore) conflictsLocked(slot Slot, ignore ...string) bool {
	for _, a := range m.appointments {
		if !a.Status.Occupies() || contains(ignore, a.ID) {
			continue
		}
		if a.Slot().Overlaps(slot) {
			return true
		}
	}
	return false
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ReserveSlot(ctx context.Context, a Appointment) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.appointments[a.ID]; ok {
		return existing, nil
	}
	if m.conflictsLocked(a.Slot()) {
		return Appointment{}, ErrSlotTaken
	}
	a.Status = StatusBooked
	m.appointments[a.ID] = a
	return a, nil
}

func (m *MemoryStore) CancelAppointment(ctx context.Context, id string, at time.Time) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return Appointment{}, ErrAppointmentNotFound
	}
	if !a.Status.Occupies() {
		return Appointment{}, ErrInvalidTransition
	}
	for oid, o := range m.offers {
		if o.AppointmentID == id && o.Status == OfferPending {
			o.Status = OfferDeclined
			o.RespondedAt = &at
			m.offers[oid] = o
		}
	}
	a.Status = StatusCancelled
	a.UpdatedAt = at
	m.appointments[id] = a
	return a, nil
}

func (m *MemoryStore) CreateOffer(ctx context.Context, o MoveOffer) (MoveOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[o.AppointmentID]
	if !ok {
		return MoveOffer{}, ErrAppointmentNotFound
	}
	if a.Status != StatusBooked {
		return MoveOffer{}, ErrInvalidTransition
	}
	o.Status = OfferPending
	a.Status = StatusOfferingMove
	a.UpdatedAt = o.CreatedAt
	m.appointments[a.ID] = a
	m.offers[o.ID] = o
	return o, nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (MoveOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return MoveOffer{}, ErrOfferNotFound
	}
	return o, nil
}

func (m *MemoryStore) ListOffers(ctx context.Context, clinicID string, status OfferStatus) ([]MoveOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MoveOffer
	for _, o := range m.offers {
		if (clinicID == "" || o.ClinicID == clinicID) && (status == "" || o.Status == status) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ResolveOffer(ctx context.Context, id string, status OfferStatus, at time.Time) (MoveOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(id, status, at)
}

func (m *MemoryStore) resolveLocked(id string, status OfferStatus, at time.Time) (MoveOffer, error) {
	o, ok := m.offers[id]
	if !ok {
		return MoveOffer{}, ErrOfferNotFound
	}
	if o.Status.Terminal() {
		return o, ErrOfferResolved
	}
	if a, ok := m.appointments[o.AppointmentID]; ok && a.Status == StatusOfferingMove {
		a.Status = StatusBooked
		a.UpdatedAt = at
		m.appointments[a.ID] = a
	}
	o.Status = status
	o.RespondedAt = &at
	m.offers[id] = o
	return o, nil
}

func (m *MemoryStore) AcceptOffer(ctx context.Context, id string, requester Appointment, at time.Time) (OfferResolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return OfferResolution{}, ErrOfferNotFound
	}
	if o.Status.Terminal() {
		return OfferResolution{}, ErrOfferResolved
	}
	moved, ok := m.appointments[o.AppointmentID]
	if !ok {
		return OfferResolution{}, ErrAppointmentNotFound
	}
	if moved.Status != StatusOfferingMove {
		return OfferResolution{}, ErrInvalidTransition
	}
	if m.conflictsLocked(o.TargetSlot, moved.ID) {
		return OfferResolution{}, ErrSlotTaken
	}
	if m.conflictsLocked(requester.Slot(), moved.ID) {
		return OfferResolution{}, ErrSlotTaken
	}
	if _, dup := m.appointments[requester.ID]; dup {
		return OfferResolution{}, ErrInvalidTransition
	}

	moved.DentistID = o.TargetSlot.DentistID
	moved.Start = o.TargetSlot.Start
	moved.End = o.TargetSlot.End
	moved.Status = StatusBooked
	moved.UpdatedAt = at
	requester.Status = StatusBooked
	m.appointments[moved.ID] = moved
	m.appointments[requester.ID] = requester

	o.Status = OfferAccepted
	o.RespondedAt = &at
	o.ResultAppointmentID = requester.ID
	m.offers[id] = o
	return OfferResolution{Offer: o, Moved: moved, Booked: requester}, nil
}

func (m *MemoryStore) ExpireOffers(ctx context.Context, now time.Time) ([]MoveOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MoveOffer
	for id, o := range m.offers {
		if o.Status == OfferPending && !o.ExpiresAt.After(now) {
			resolved, err := m.resolveLocked(id, OfferExpired, now)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
