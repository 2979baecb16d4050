package patients

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository defines patient storage.
type Repository interface {
	Create(ctx context.Context, req *CreatePatientRequest) (*Patient, error)
	GetByID(ctx context.Context, id string) (*Patient, error)
	// ListByPhone returns the clinic's patients with an exact E.164 match,
	// oldest first. An empty clinic id searches every clinic.
	ListByPhone(ctx context.Context, clinicID, phone string) ([]*Patient, error)
}

// InMemoryRepository keeps patients in process.
type InMemoryRepository struct {
	mu       sync.RWMutex
	patients map[string]*Patient
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{patients: make(map[string]*Patient)}
}

func (r *InMemoryRepository) Create(ctx context.Context, req *CreatePatientRequest) (*Patient, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p := &Patient{
		ID:          uuid.New().String(),
		ClinicID:    req.ClinicID,
		Name:        req.Name,
		Phone:       req.Phone,
		Email:       req.Email,
		LTVScore:    req.LTVScore,
		RiskProfile: req.RiskProfile,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	r.patients[p.ID] = p
	r.mu.Unlock()

	return p, nil
}

func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (r *InMemoryRepository) ListByPhone(ctx context.Context, clinicID, phone string) ([]*Patient, error) {
	normalized, ok := NormalizeE164(phone)
	if !ok {
		return nil, ErrInvalidPhone
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Patient
	for _, p := range r.patients {
		if p.Phone == normalized && (clinicID == "" || p.ClinicID == clinicID) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
