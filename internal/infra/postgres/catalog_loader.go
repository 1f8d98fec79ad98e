package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-battle-service/internal/app"
	"quiz-battle-service/internal/domain"
)

// CatalogLoader loads content-unit JSONB from Postgres.
type CatalogLoader struct {
	pool *pgxpool.Pool
}

func NewCatalogLoader(pool *pgxpool.Pool) *CatalogLoader {
	return &CatalogLoader{pool: pool}
}

func (l *CatalogLoader) LoadUnits(ctx context.Context, subject string, gradeLevel int) ([]domain.ContentUnit, error) {
	query := `SELECT data FROM content_units WHERE subject=$1`
	args := []interface{}{subject}
	if gradeLevel != app.AnyGrade {
		query += ` AND grade_level=$2`
		args = append(args, gradeLevel)
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load units: %w", err)
	}
	defer rows.Close()

	var units []domain.ContentUnit
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		var unit domain.ContentUnit
		if err := json.Unmarshal(raw, &unit); err != nil {
			return nil, fmt.Errorf("unmarshal unit: %w", err)
		}
		if err := unit.Validate(); err != nil {
			return nil, fmt.Errorf("stored unit rejected: %w", err)
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load units: %w", err)
	}
	return units, nil
}
