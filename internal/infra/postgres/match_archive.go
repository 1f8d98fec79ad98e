package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-battle-service/internal/domain"
)

// MatchArchive upserts finished matches into Postgres for history and stats.
// The live match state stays in the hot store; this table only ever receives
// terminal records.
type MatchArchive struct {
	pool *pgxpool.Pool
}

func NewMatchArchive(pool *pgxpool.Pool) *MatchArchive {
	return &MatchArchive{pool: pool}
}

func (a *MatchArchive) ArchiveMatch(ctx context.Context, m domain.MatchRecord) error {
	if !m.Status.Terminal() {
		return fmt.Errorf("refusing to archive non-terminal match %s", m.ID)
	}
	_, err := a.pool.Exec(ctx, `
		INSERT INTO match_archive (
			id, creator_id, opponent_id, total_units, status,
			creator_progress, opponent_progress, creator_score, opponent_score,
			winner_id, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			creator_progress=EXCLUDED.creator_progress,
			opponent_progress=EXCLUDED.opponent_progress,
			creator_score=EXCLUDED.creator_score,
			opponent_score=EXCLUDED.opponent_score,
			winner_id=EXCLUDED.winner_id,
			started_at=EXCLUDED.started_at,
			completed_at=EXCLUDED.completed_at`,
		m.ID, m.CreatorID, m.OpponentID, m.TotalUnits, string(m.Status),
		m.CreatorProgress, m.OpponentProgress, m.CreatorScore, m.OpponentScore,
		m.WinnerID, m.StartedAt, m.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archive match: %w", err)
	}
	return nil
}
