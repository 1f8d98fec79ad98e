package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quiz-battle-service/internal/domain"
)

// ProgressReconciler merges a finished unit's result into the shared match
// record and checks for whole-match completion. It always reads the current
// progress/score pair fresh from the store rather than from any local cache;
// each participant's pair is written only by that participant's own client,
// so the read-then-write needs no cross-participant lock.
type ProgressReconciler struct {
	store    MatchStore
	archiver MatchArchiver
	log      *zap.Logger
	now      func() time.Time
}

func NewProgressReconciler(store MatchStore, archiver MatchArchiver, log *zap.Logger) *ProgressReconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProgressReconciler{store: store, archiver: archiver, log: log, now: time.Now}
}

// RecordUnit persists one finished unit for role: the answer list and unit
// score, then progress+1 / score+unitScore. The unit-result write is
// best-effort by policy — on failure play continues and only a later full
// reconciliation read may recover it. When the write brings the role to
// TotalUnits, the whole-match completion check runs.
func (r *ProgressReconciler) RecordUnit(ctx context.Context, matchID string, role domain.Role, slot int, answers []int, unitScore int) (domain.MatchRecord, error) {
	res := domain.UnitResult{Answers: answers, Score: unitScore, CompletedAt: r.now()}
	if err := r.store.SaveUnitResult(ctx, matchID, slot, role, res); err != nil {
		r.log.Warn("unit result write failed, continuing optimistically",
			zap.String("match", matchID), zap.Int("slot", slot),
			zap.String("role", string(role)), zap.Error(err))
	}

	m, err := r.store.GetMatch(ctx, matchID)
	if err != nil {
		return domain.MatchRecord{}, fmt.Errorf("reconcile read: %w", err)
	}
	if m.Status.Terminal() {
		return m, nil
	}

	progress := m.Progress(role) + 1
	if progress > m.TotalUnits {
		return m, domain.ErrUnitAlreadyCompleted
	}
	score := m.Score(role) + unitScore
	if err := r.store.UpdateParticipant(ctx, matchID, role, progress, score); err != nil {
		return m, fmt.Errorf("write progress: %w", err)
	}

	if progress == m.TotalUnits {
		return r.EvaluateCompletion(ctx, matchID)
	}
	return r.store.GetMatch(ctx, matchID)
}

// EvaluateCompletion re-reads the full match record and, when both sides
// have finished every unit, computes the winner and finishes the match. The
// terminal write is conditional on the match still being non-terminal, so
// both clients racing to complete produce exactly one applied write; the
// loser's attempt is a benign no-op. The computed winner/status/completedAt
// are a deterministic function of the final scores, so repeated invocations
// with no intervening state change produce the same outcome.
func (r *ProgressReconciler) EvaluateCompletion(ctx context.Context, matchID string) (domain.MatchRecord, error) {
	m, err := r.store.GetMatch(ctx, matchID)
	if err != nil {
		return domain.MatchRecord{}, fmt.Errorf("completion read: %w", err)
	}
	if m.Status.Terminal() || !m.BothFinished() {
		return m, nil
	}

	next, err := domain.NextStatus(m.Status, domain.EventBothFinished)
	if err != nil {
		// Another writer got there first; the stored outcome stands.
		return r.store.GetMatch(ctx, matchID)
	}
	term := domain.TerminalState{Status: next, WinnerID: m.Winner(), CompletedAt: r.now()}
	applied, err := r.store.Finish(ctx, matchID, term)
	if err != nil {
		return m, fmt.Errorf("finish match: %w", err)
	}

	m, err = r.store.GetMatch(ctx, matchID)
	if err != nil {
		return m, err
	}
	if applied && r.archiver != nil {
		if aerr := r.archiver.ArchiveMatch(ctx, m); aerr != nil {
			r.log.Warn("match archive failed", zap.String("match", matchID), zap.Error(aerr))
		}
	}
	return m, nil
}
