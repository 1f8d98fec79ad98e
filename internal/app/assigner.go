package app

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"quiz-battle-service/internal/domain"
)

// UnitAssigner binds each subject slot of a new match to a concrete content
// unit. Selection is uniformly random among candidates so repeat matches on
// the same subject do not keep serving the same unit.
type UnitAssigner struct {
	catalog UnitCatalog

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewUnitAssigner(catalog UnitCatalog) *UnitAssigner {
	return &UnitAssigner{
		catalog: catalog,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Assign resolves every subject slot before anything is persisted: the
// caller only writes the returned assignments once all slots succeeded, so a
// ContentUnavailable failure on a later subject leaves no partial match.
// Lookup is grade-exact first, then any grade, then fails naming the subject.
func (a *UnitAssigner) Assign(ctx context.Context, matchID string, subjects []string, gradeLevel int) ([]domain.UnitAssignment, error) {
	assignments := make([]domain.UnitAssignment, 0, len(subjects))
	for slot, subject := range subjects {
		units, err := a.catalog.FindUnits(ctx, subject, gradeLevel)
		if err != nil {
			return nil, fmt.Errorf("find units for %q: %w", subject, err)
		}
		if len(units) == 0 && gradeLevel != AnyGrade {
			units, err = a.catalog.FindUnits(ctx, subject, AnyGrade)
			if err != nil {
				return nil, fmt.Errorf("find units for %q: %w", subject, err)
			}
		}
		if len(units) == 0 {
			return nil, domain.ContentUnavailableError{Subject: subject}
		}

		pick := units[a.intn(len(units))]
		if err := pick.Validate(); err != nil {
			return nil, fmt.Errorf("catalog returned invalid unit: %w", err)
		}
		assignments = append(assignments, domain.UnitAssignment{
			MatchID: matchID,
			Slot:    slot,
			Subject: subject,
			UnitID:  pick.ID,
			Unit:    pick, // snapshot: later catalog edits never reach this match
		})
	}
	return assignments, nil
}

func (a *UnitAssigner) intn(n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rnd.Intn(n)
}
