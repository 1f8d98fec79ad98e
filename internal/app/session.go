package app

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"quiz-battle-service/internal/domain"
)

// Phase is the per-unit state machine of the session runner.
type Phase string

const (
	// PhaseAwaitingMode: between units, waiting for the client to start play.
	PhaseAwaitingMode Phase = "awaiting_mode"
	// PhasePlaying: a unit is in progress under its countdown.
	PhasePlaying Phase = "playing"
	// PhaseDone: every assigned unit has been completed locally.
	PhaseDone Phase = "done"
)

// QuestionView is what the client is shown for the current question. Options
// appear in this attempt's shuffled order.
type QuestionView struct {
	Slot           int           `json:"slot"`
	Subject        string        `json:"subject"`
	UnitID         string        `json:"unitId"`
	QuestionIndex  int           `json:"questionIndex"`
	TotalQuestions int           `json:"totalQuestions"`
	Prompt         string        `json:"prompt"`
	Options        []string      `json:"options"`
	Remaining      time.Duration `json:"remaining"`
}

// AnswerOutcome summarizes one submission.
type AnswerOutcome struct {
	Correct      bool `json:"correct"`
	Awarded      int  `json:"awarded"`
	UnitComplete bool `json:"unitComplete"`
	UnitScore    int  `json:"unitScore"`
	// AllUnitsDone is set on the answer that completed the participant's
	// final unit.
	AllUnitsDone bool `json:"allUnitsDone"`
}

// SessionRunner drives one participant through their assigned units:
// question sequencing, answer capture, per-unit scoring, and the per-unit
// countdown. All of its state is ephemeral and client-local; results are
// flushed to the store only on unit completion, through onUnitComplete.
type SessionRunner struct {
	mu          sync.Mutex
	assignments []domain.UnitAssignment
	role        domain.Role
	points      int
	unitTimer   time.Duration
	now         func() time.Time
	rnd         *rand.Rand
	log         *zap.Logger

	unitIdx int
	phase   Phase
	attempt *unitAttempt
	timer   *time.Timer

	// onUnitComplete hands the finished unit to the progress reconciler. It
	// is invoked without the runner lock held: it performs store I/O.
	onUnitComplete func(slot int, answers []int, score int)
	// onAllDone fires once after the last unit completes.
	onAllDone func()
}

func NewSessionRunner(assignments []domain.UnitAssignment, role domain.Role, settings Settings, log *zap.Logger) *SessionRunner {
	if log == nil {
		log = zap.NewNop()
	}
	settings = settings.withDefaults()
	return &SessionRunner{
		assignments: assignments,
		role:        role,
		points:      settings.PointsPerQuestion,
		unitTimer:   settings.UnitTimer,
		now:         time.Now,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		log:         log,
		phase:       PhaseAwaitingMode,
	}
}

// Phase returns the runner's current phase.
func (r *SessionRunner) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// UnitsRemaining reports how many assigned units are still to be played.
func (r *SessionRunner) UnitsRemaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assignments) - r.unitIdx
}

// StartUnit begins play of the next incomplete unit: shuffles questions and
// options for this attempt and arms the countdown. The shuffle is never
// persisted, so a retried unit sees a different order.
func (r *SessionRunner) StartUnit() (QuestionView, error) {
	r.mu.Lock()
	if r.phase == PhasePlaying {
		view := r.attempt.view(r.now())
		r.mu.Unlock()
		return view, nil
	}
	if r.unitIdx >= len(r.assignments) {
		r.phase = PhaseDone
		r.mu.Unlock()
		return QuestionView{}, domain.ErrUnitAlreadyCompleted
	}

	attempt := newUnitAttempt(r.rnd, r.assignments[r.unitIdx], r.now().Add(r.unitTimer))
	r.attempt = attempt
	r.phase = PhasePlaying
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.unitTimer, func() { r.expire(attempt) })
	view := attempt.view(r.now())
	r.mu.Unlock()
	return view, nil
}

// CurrentQuestion returns the question the runner is waiting on.
func (r *SessionRunner) CurrentQuestion() (QuestionView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhasePlaying {
		return QuestionView{}, domain.ErrNoActiveUnit
	}
	return r.attempt.view(r.now()), nil
}

// Answer submits the displayed option index for the current question and
// advances. A correct answer is worth the fixed per-question points.
func (r *SessionRunner) Answer(displayedOption int) (AnswerOutcome, error) {
	r.mu.Lock()
	if r.phase != PhasePlaying {
		r.mu.Unlock()
		return AnswerOutcome{}, domain.ErrNoActiveUnit
	}

	correct := r.attempt.submit(displayedOption)
	outcome := AnswerOutcome{Correct: correct}
	if correct {
		outcome.Awarded = r.points
		r.attempt.score += r.points
	}

	var flush func()
	if r.attempt.done() {
		outcome.UnitComplete = true
		outcome.UnitScore = r.attempt.score
		flush = r.completeUnitLocked()
		outcome.AllUnitsDone = r.phase == PhaseDone
	}
	r.mu.Unlock()

	if flush != nil {
		flush()
	}
	return outcome, nil
}

// expire fires when the unit countdown reaches zero. The current question is
// force-submitted as unanswered and play advances as a normal answer would;
// with no time left every remaining question expires the same way, so the
// unit completes immediately.
func (r *SessionRunner) expire(attempt *unitAttempt) {
	r.mu.Lock()
	if r.phase != PhasePlaying || r.attempt != attempt {
		r.mu.Unlock()
		return
	}
	for !attempt.done() {
		attempt.submit(-1)
	}
	flush := r.completeUnitLocked()
	r.mu.Unlock()

	r.log.Info("unit timer expired, remaining questions scored as unanswered",
		zap.String("match", attempt.assignment.MatchID), zap.Int("slot", attempt.assignment.Slot))
	if flush != nil {
		flush()
	}
}

// completeUnitLocked finalizes the current attempt and returns the flush
// callback to run after the lock is released.
func (r *SessionRunner) completeUnitLocked() func() {
	attempt := r.attempt
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.attempt = nil
	r.unitIdx++
	if r.unitIdx >= len(r.assignments) {
		r.phase = PhaseDone
	} else {
		r.phase = PhaseAwaitingMode
	}

	slot := attempt.assignment.Slot
	answers := append([]int(nil), attempt.answers...)
	score := attempt.score
	allDone := r.phase == PhaseDone
	onUnit := r.onUnitComplete
	onAll := r.onAllDone

	return func() {
		if onUnit != nil {
			onUnit(slot, answers, score)
		}
		if allDone && onAll != nil {
			onAll()
		}
	}
}

// stopTimer cancels a running unit countdown, e.g. when the session closes.
func (r *SessionRunner) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// unitAttempt is the ephemeral, shuffled state of one unit in play.
type unitAttempt struct {
	assignment domain.UnitAssignment
	// order maps attempt position -> original question index.
	order []int
	// optOrder[q][displayed] = original option index, per original question.
	optOrder [][]int
	cursor   int
	// answers holds the chosen original option index per original question
	// order, -1 for unanswered.
	answers  []int
	score    int
	deadline time.Time
}

func newUnitAttempt(rnd *rand.Rand, assignment domain.UnitAssignment, deadline time.Time) *unitAttempt {
	n := len(assignment.Unit.Questions)
	order := rnd.Perm(n)
	optOrder := make([][]int, n)
	answers := make([]int, n)
	for i, q := range assignment.Unit.Questions {
		optOrder[i] = rnd.Perm(len(q.Options))
		answers[i] = -1
	}
	return &unitAttempt{
		assignment: assignment,
		order:      order,
		optOrder:   optOrder,
		answers:    answers,
		deadline:   deadline,
	}
}

// submit records the displayed option (or -1 for unanswered), advances the
// cursor, and reports whether the choice was correct.
func (a *unitAttempt) submit(displayedOption int) bool {
	origQ := a.order[a.cursor]
	q := a.assignment.Unit.Questions[origQ]
	a.cursor++

	if displayedOption < 0 || displayedOption >= len(q.Options) {
		a.answers[origQ] = -1
		return false
	}
	origOption := a.optOrder[origQ][displayedOption]
	a.answers[origQ] = origOption
	return origOption == q.Correct
}

func (a *unitAttempt) done() bool {
	return a.cursor >= len(a.order)
}

func (a *unitAttempt) view(now time.Time) QuestionView {
	origQ := a.order[a.cursor]
	q := a.assignment.Unit.Questions[origQ]
	options := make([]string, len(q.Options))
	for displayed, orig := range a.optOrder[origQ] {
		options[displayed] = q.Options[orig]
	}
	remaining := a.deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return QuestionView{
		Slot:           a.assignment.Slot,
		Subject:        a.assignment.Subject,
		UnitID:         a.assignment.UnitID,
		QuestionIndex:  a.cursor,
		TotalQuestions: len(a.order),
		Prompt:         q.Prompt,
		Options:        options,
		Remaining:      remaining,
	}
}

// displayedCorrect returns the displayed index of the correct option for the
// current question; used by tests to verify the shuffle is answer-preserving.
func (a *unitAttempt) displayedCorrect() int {
	origQ := a.order[a.cursor]
	correct := a.assignment.Unit.Questions[origQ].Correct
	for displayed, orig := range a.optOrder[origQ] {
		if orig == correct {
			return displayed
		}
	}
	return -1
}
