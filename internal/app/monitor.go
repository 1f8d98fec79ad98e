package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"quiz-battle-service/internal/domain"
)

// TimeoutMonitor runs on each open client and resolves a match that has run
// past its ceiling. Only a one-sided finish produces a timeout win; when
// neither side finished inside the ceiling the match is cancelled with no
// winner. Errors are logged and swallowed so a transient network blip cannot
// crash the client's match session.
type TimeoutMonitor struct {
	store    MatchStore
	archiver MatchArchiver
	matchID  string
	ceiling  time.Duration
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
}

func NewTimeoutMonitor(store MatchStore, archiver MatchArchiver, matchID string, settings Settings, log *zap.Logger) *TimeoutMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	settings = settings.withDefaults()
	return &TimeoutMonitor{
		store:    store,
		archiver: archiver,
		matchID:  matchID,
		ceiling:  settings.MatchCeiling,
		interval: settings.MonitorInterval,
		now:      time.Now,
		log:      log,
	}
}

// NewTimeoutMonitorWithClock is test-only for deterministic sweeps.
func NewTimeoutMonitorWithClock(store MatchStore, archiver MatchArchiver, matchID string, settings Settings, log *zap.Logger, now func() time.Time) *TimeoutMonitor {
	t := NewTimeoutMonitor(store, archiver, matchID, settings, log)
	t.now = now
	return t
}

// Run ticks until the context is cancelled or the match goes terminal.
func (t *TimeoutMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			terminal, err := t.Sweep(ctx)
			if err != nil {
				t.log.Warn("timeout sweep failed", zap.String("match", t.matchID), zap.Error(err))
				continue
			}
			if terminal {
				return
			}
		}
	}
}

// Sweep re-reads the match once and resolves it if the ceiling has passed.
// It reports whether the match is in a terminal state.
func (t *TimeoutMonitor) Sweep(ctx context.Context) (bool, error) {
	m, err := t.store.GetMatch(ctx, t.matchID)
	if err != nil {
		return false, err
	}
	if m.Status.Terminal() {
		return true, nil
	}
	if m.Status != domain.StatusActive || m.StartedAt.IsZero() {
		return false, nil
	}
	if t.now().Sub(m.StartedAt) <= t.ceiling {
		return false, nil
	}

	creatorDone := m.Finished(domain.RoleCreator)
	opponentDone := m.Finished(domain.RoleOpponent)

	var ev domain.Event
	var winner string
	switch {
	case creatorDone && opponentDone:
		// Both finished but no completion write landed (e.g. both clients
		// dropped right after their last unit); resolve by score.
		ev = domain.EventBothFinished
		winner = m.Winner()
	case creatorDone:
		ev = domain.EventTimeoutOneSided
		winner = m.CreatorID
	case opponentDone:
		ev = domain.EventTimeoutOneSided
		winner = m.OpponentID
	default:
		ev = domain.EventTimeoutUnfinished
	}

	next, err := domain.NextStatus(m.Status, ev)
	if err != nil {
		// Lost the race against another terminal writer.
		return true, nil
	}
	term := domain.TerminalState{Status: next, WinnerID: winner, CompletedAt: t.now()}
	applied, err := t.store.Finish(ctx, t.matchID, term)
	if err != nil {
		return false, err
	}
	if applied {
		t.log.Info("match resolved by timeout monitor",
			zap.String("match", t.matchID), zap.String("status", string(next)),
			zap.String("winner", winner))
		if t.archiver != nil {
			if rec, rerr := t.store.GetMatch(ctx, t.matchID); rerr == nil {
				if aerr := t.archiver.ArchiveMatch(ctx, rec); aerr != nil {
					t.log.Warn("match archive failed", zap.String("match", t.matchID), zap.Error(aerr))
				}
			}
		}
	}
	return true, nil
}
