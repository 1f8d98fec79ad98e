package memory

import (
	"context"

	"quiz-battle-service/internal/app"
	"quiz-battle-service/internal/domain"
)

// StaticCatalog is a unit catalog backed by a fixed slice (useful for tests
// and demos).
type StaticCatalog struct {
	units []domain.ContentUnit
}

func NewStaticCatalog(units []domain.ContentUnit) *StaticCatalog {
	return &StaticCatalog{units: units}
}

func (c *StaticCatalog) FindUnits(_ context.Context, subject string, gradeLevel int) ([]domain.ContentUnit, error) {
	var out []domain.ContentUnit
	for _, u := range c.units {
		if u.Subject != subject {
			continue
		}
		if gradeLevel != app.AnyGrade && u.GradeLevel != gradeLevel {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}
