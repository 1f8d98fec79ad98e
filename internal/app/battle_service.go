package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quiz-battle-service/internal/domain"
)

// MatchStore abstracts the shared row store holding match records and unit
// assignments (in-memory, Redis, etc). Per-field writes are last-write-wins;
// the only conditional operations are Activate and Finish, which apply only
// while the match is still in a non-terminal state.
type MatchStore interface {
	// CreateMatch persists the match record together with all of its unit
	// assignments, all-or-nothing.
	CreateMatch(ctx context.Context, m domain.MatchRecord, assignments []domain.UnitAssignment) error
	GetMatch(ctx context.Context, id string) (domain.MatchRecord, error)
	Assignments(ctx context.Context, matchID string) ([]domain.UnitAssignment, error)
	// UpdateParticipant writes one participant's progress/score pair. Each
	// role's pair is only ever written by that participant's own client.
	UpdateParticipant(ctx context.Context, id string, role domain.Role, progress, score int) error
	SaveUnitResult(ctx context.Context, matchID string, slot int, role domain.Role, res domain.UnitResult) error
	// Activate moves pending -> active and stamps startedAt; a no-op when the
	// match is already active. Returns the latest record either way.
	Activate(ctx context.Context, id string, startedAt time.Time) (domain.MatchRecord, error)
	// Finish applies a terminal state only while the match is non-terminal
	// and reports whether this call was the one that applied it.
	Finish(ctx context.Context, id string, term domain.TerminalState) (bool, error)
	// Subscribe delivers a change feed of full records for one match. The
	// caller must invoke the cancel function to avoid leaks.
	Subscribe(matchID string) (<-chan domain.MatchRecord, func())
}

// UnitCatalog finds content units for a subject. gradeLevel AnyGrade matches
// every grade.
type UnitCatalog interface {
	FindUnits(ctx context.Context, subject string, gradeLevel int) ([]domain.ContentUnit, error)
}

// AnyGrade selects units regardless of grade level.
const AnyGrade = 0

// Notifier delivers the match-invitation signal to the opponent. Delivery is
// best-effort; a failed invitation never fails match creation.
type Notifier interface {
	MatchInvitation(ctx context.Context, toUserID, matchID, fromUserID string) error
}

// MatchArchiver persists finished matches to long-term storage.
type MatchArchiver interface {
	ArchiveMatch(ctx context.Context, m domain.MatchRecord) error
}

// Settings holds the battle timing and scoring knobs.
type Settings struct {
	// UnitTimer is the per-unit countdown; expiry force-submits the rest of
	// the unit as unanswered.
	UnitTimer time.Duration
	// MatchCeiling is the whole-match wall-clock limit enforced by the
	// timeout monitor.
	MatchCeiling time.Duration
	// MonitorInterval is how often each open client re-checks the ceiling.
	MonitorInterval time.Duration
	// ForfeitThreshold: quitting inside it while the opponent is still at
	// zero progress cancels the match instead of forfeiting it.
	ForfeitThreshold time.Duration
	// PointsPerQuestion is awarded for each correct answer.
	PointsPerQuestion int
}

// DefaultSettings matches the competitive battle mode.
func DefaultSettings() Settings {
	return Settings{
		UnitTimer:         120 * time.Second,
		MatchCeiling:      5 * time.Minute,
		MonitorInterval:   10 * time.Second,
		ForfeitThreshold:  60 * time.Second,
		PointsPerQuestion: 10,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.UnitTimer <= 0 {
		s.UnitTimer = d.UnitTimer
	}
	if s.MatchCeiling <= 0 {
		s.MatchCeiling = d.MatchCeiling
	}
	if s.MonitorInterval <= 0 {
		s.MonitorInterval = d.MonitorInterval
	}
	if s.ForfeitThreshold <= 0 {
		s.ForfeitThreshold = d.ForfeitThreshold
	}
	if s.PointsPerQuestion <= 0 {
		s.PointsPerQuestion = d.PointsPerQuestion
	}
	return s
}

// BattleService contains the battle engine use cases: creating a match,
// opening a per-client session, and quitting. All coordination between the
// two clients goes through the MatchStore; there is no direct channel.
type BattleService struct {
	store    MatchStore
	catalog  UnitCatalog
	notifier Notifier
	archiver MatchArchiver
	settings Settings
	log      *zap.Logger
	now      func() time.Time

	assigner *UnitAssigner
	recon    *ProgressReconciler
}

func NewBattleService(store MatchStore, catalog UnitCatalog, notifier Notifier, archiver MatchArchiver, settings Settings, log *zap.Logger) *BattleService {
	if log == nil {
		log = zap.NewNop()
	}
	settings = settings.withDefaults()
	return &BattleService{
		store:    store,
		catalog:  catalog,
		notifier: notifier,
		archiver: archiver,
		settings: settings,
		log:      log,
		now:      time.Now,
		assigner: NewUnitAssigner(catalog),
		recon:    NewProgressReconciler(store, archiver, log),
	}
}

// NewBattleServiceWithClock is test-only for deterministic timestamps.
func NewBattleServiceWithClock(store MatchStore, catalog UnitCatalog, notifier Notifier, archiver MatchArchiver, settings Settings, log *zap.Logger, now func() time.Time) *BattleService {
	s := NewBattleService(store, catalog, notifier, archiver, settings, log)
	s.now = now
	s.recon.now = now
	return s
}

// Settings exposes the effective (defaulted) settings.
func (s *BattleService) Settings() Settings { return s.settings }

// Reconciler exposes the progress reconciler, mainly for completion-check
// idempotence at the transport boundary.
func (s *BattleService) Reconciler() *ProgressReconciler { return s.recon }

// CreateMatch assigns one content unit per subject slot and persists the new
// match. Assignment is all-or-nothing: every slot must resolve to a unit
// before anything is written, so a ContentUnavailable failure on a later
// subject leaves no partial match behind.
func (s *BattleService) CreateMatch(ctx context.Context, creatorID, opponentID string, subjects []string, gradeLevel int) (domain.MatchRecord, error) {
	if creatorID == "" || opponentID == "" {
		return domain.MatchRecord{}, fmt.Errorf("create match: missing participant id")
	}
	if creatorID == opponentID {
		return domain.MatchRecord{}, fmt.Errorf("create match: creator and opponent must differ")
	}
	if len(subjects) == 0 {
		return domain.MatchRecord{}, fmt.Errorf("create match: at least one subject required")
	}

	id := uuid.NewString()
	assignments, err := s.assigner.Assign(ctx, id, subjects, gradeLevel)
	if err != nil {
		return domain.MatchRecord{}, err
	}

	m := domain.MatchRecord{
		ID:           id,
		CreatorID:    creatorID,
		OpponentID:   opponentID,
		SubjectSlots: append([]string(nil), subjects...),
		TotalUnits:   len(subjects),
		Status:       domain.StatusPending,
	}
	if err := s.store.CreateMatch(ctx, m, assignments); err != nil {
		return domain.MatchRecord{}, fmt.Errorf("create match: %w", err)
	}

	if s.notifier != nil {
		if err := s.notifier.MatchInvitation(ctx, opponentID, id, creatorID); err != nil {
			s.log.Warn("match invitation not delivered",
				zap.String("match", id), zap.String("to", opponentID), zap.Error(err))
		}
	}
	return s.store.GetMatch(ctx, id)
}

// OpenMatch starts one participant's client session on a match. The first
// opener of a pending match activates it and stamps startedAt. The session
// resumes at the participant's current progress, runs the live-sync listener
// and the timeout monitor in the background, and signals Done when the local
// participant's involvement is over.
func (s *BattleService) OpenMatch(ctx context.Context, matchID, userID string) (*MatchSession, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	role, ok := m.ParticipantRole(userID)
	if !ok {
		return nil, domain.ErrNotParticipant
	}
	if m.Status.Terminal() {
		return nil, domain.ErrMatchFinished
	}
	if m.Status == domain.StatusPending {
		if m, err = s.store.Activate(ctx, matchID, s.now()); err != nil {
			return nil, fmt.Errorf("activate match: %w", err)
		}
	}

	assignments, err := s.store.Assignments(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}

	bg, cancel := context.WithCancel(context.Background())
	sess := &MatchSession{
		svc:      s,
		matchID:  matchID,
		userID:   userID,
		role:     role,
		cache:    NewRecordCache(),
		cancelBg: cancel,
		done:     make(chan struct{}),
	}
	sess.cache.Merge(m)

	sess.runner = NewSessionRunner(assignments, role, s.settings, s.log)
	sess.runner.unitIdx = m.Progress(role)
	sess.runner.onUnitComplete = func(slot int, answers []int, score int) {
		rec, err := s.recon.RecordUnit(bg, matchID, role, slot, answers, score)
		if err != nil {
			// Best-effort by policy: the player is never blocked on a failed
			// reconciliation write.
			s.log.Warn("unit reconciliation failed",
				zap.String("match", matchID), zap.Int("slot", slot), zap.Error(err))
			return
		}
		sess.cache.Merge(rec)
	}
	sess.runner.onAllDone = func() { sess.signalDone() }

	sess.listener = NewLiveSyncListener(s.store, matchID, sess.cache)
	go func() {
		sess.listener.Run(bg)
	}()
	go sess.watchTerminal(bg)

	sess.monitor = NewTimeoutMonitor(s.store, s.archiver, matchID, s.settings, s.log)
	sess.monitor.now = s.now
	go sess.monitor.Run(bg)

	return sess, nil
}

// Quit voluntarily abandons the match for userID. If the opponent never
// engaged (zero progress inside the forfeit threshold) the match is
// cancelled with no winner; otherwise it completes with the non-quitting
// side as winner. Quitting an already finished match is a no-op.
func (s *BattleService) Quit(ctx context.Context, matchID, userID string) (domain.MatchRecord, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return domain.MatchRecord{}, err
	}
	role, ok := m.ParticipantRole(userID)
	if !ok {
		return domain.MatchRecord{}, domain.ErrNotParticipant
	}
	if m.Status.Terminal() {
		return m, nil
	}

	opp := role.Other()
	var elapsed time.Duration
	if !m.StartedAt.IsZero() {
		elapsed = s.now().Sub(m.StartedAt)
	}

	ev := domain.EventQuitForfeit
	winner := m.ParticipantID(opp)
	if m.Progress(opp) == 0 && elapsed <= s.settings.ForfeitThreshold {
		ev = domain.EventQuitEarly
		winner = ""
	}

	next, err := domain.NextStatus(m.Status, ev)
	if err != nil {
		// Lost the race against another terminal writer; the stored outcome
		// stands.
		return s.store.GetMatch(ctx, matchID)
	}
	term := domain.TerminalState{Status: next, WinnerID: winner, CompletedAt: s.now()}
	applied, err := s.store.Finish(ctx, matchID, term)
	if err != nil {
		return m, fmt.Errorf("quit match: %w", err)
	}
	m, err = s.store.GetMatch(ctx, matchID)
	if err != nil {
		return m, err
	}
	if applied {
		s.archiveBestEffort(ctx, m)
	}
	return m, nil
}

func (s *BattleService) archiveBestEffort(ctx context.Context, m domain.MatchRecord) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.ArchiveMatch(ctx, m); err != nil {
		s.log.Warn("match archive failed", zap.String("match", m.ID), zap.Error(err))
	}
}

// MatchSession is one participant's open view of a match: the session runner
// driving their quiz units, the live-sync cache fed by store notifications,
// and the timeout monitor. It is bound to a single client connection.
type MatchSession struct {
	svc      *BattleService
	matchID  string
	userID   string
	role     domain.Role
	runner   *SessionRunner
	cache    *RecordCache
	listener *LiveSyncListener
	monitor  *TimeoutMonitor

	cancelBg context.CancelFunc
	doneOnce sync.Once
	done     chan struct{}
}

// Role returns which side of the battle this session plays.
func (sess *MatchSession) Role() domain.Role { return sess.role }

// MatchID returns the match this session is bound to.
func (sess *MatchSession) MatchID() string { return sess.matchID }

// Snapshot returns the current known match state. It prefers the live-sync
// cache and falls back to a direct store read.
func (sess *MatchSession) Snapshot(ctx context.Context) (domain.MatchRecord, error) {
	if rec, ok := sess.cache.Snapshot(); ok {
		return rec, nil
	}
	return sess.svc.store.GetMatch(ctx, sess.matchID)
}

// Updates delivers match records accepted by the live-sync cache.
func (sess *MatchSession) Updates() <-chan domain.MatchRecord {
	return sess.listener.Updates()
}

// Done is closed when the local participant's involvement is over: they
// finished all their units (possibly still waiting for the opponent) or the
// match reached a terminal state.
func (sess *MatchSession) Done() <-chan struct{} { return sess.done }

// StartUnit begins play of the next incomplete unit and returns its first
// question view.
func (sess *MatchSession) StartUnit() (QuestionView, error) {
	return sess.runner.StartUnit()
}

// Answer submits the displayed option index for the current question.
func (sess *MatchSession) Answer(option int) (AnswerOutcome, error) {
	return sess.runner.Answer(option)
}

// CurrentQuestion returns the question the runner is waiting on.
func (sess *MatchSession) CurrentQuestion() (QuestionView, error) {
	return sess.runner.CurrentQuestion()
}

// Quit abandons the match for this participant and closes the session.
func (sess *MatchSession) Quit(ctx context.Context) (domain.MatchRecord, error) {
	m, err := sess.svc.Quit(ctx, sess.matchID, sess.userID)
	sess.signalDone()
	return m, err
}

// Close stops the background listener, monitor, and any running unit timer.
// It does not mutate the match: a disconnected client may reopen and resume.
func (sess *MatchSession) Close() {
	sess.runner.stopTimer()
	sess.cancelBg()
}

func (sess *MatchSession) signalDone() {
	sess.doneOnce.Do(func() { close(sess.done) })
}

// watchTerminal closes Done once the cache observes a terminal record.
func (sess *MatchSession) watchTerminal(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sess.listener.Terminal():
			if !ok {
				return
			}
			_ = rec
			sess.signalDone()
			return
		}
	}
}
