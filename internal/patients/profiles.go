package patients

import (
	"context"
	"errors"

	"github.com/wolfman30/pearlflow/internal/scheduling"
)

// SchedulingProfiles exposes patient risk data to the move heuristic.
// Unknown patients (anonymous widget sessions) get a neutral profile.
type SchedulingProfiles struct {
	Repo Repository
}

func (s SchedulingProfiles) Profile(ctx context.Context, clinicID, patientID string) (scheduling.Profile, error) {
	p, err := s.Repo.GetByID(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return scheduling.Profile{}, nil
	}
	if err != nil {
		return scheduling.Profile{}, err
	}
	if clinicID != "" && p.ClinicID != clinicID {
		return scheduling.Profile{}, nil
	}
	return scheduling.Profile{LTVScore: p.LTVScore, AnxietyLevel: p.RiskProfile.AnxietyLevel}, nil
}
