package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-battle-service/internal/domain"
)

func storedMatch(id string) (domain.MatchRecord, []domain.UnitAssignment) {
	m := domain.MatchRecord{
		ID:           id,
		CreatorID:    "alice",
		OpponentID:   "bob",
		SubjectSlots: []string{"math", "reading"},
		TotalUnits:   2,
		Status:       domain.StatusPending,
	}
	unit := domain.ContentUnit{
		ID:      "u1",
		Subject: "math",
		Questions: []domain.Question{
			{Prompt: "q", Options: []string{"a", "b"}, Correct: 0},
		},
	}
	assignments := []domain.UnitAssignment{
		{MatchID: id, Slot: 0, Subject: "math", UnitID: "u1", Unit: unit},
		{MatchID: id, Slot: 1, Subject: "reading", UnitID: "u1", Unit: unit},
	}
	return m, assignments
}

func TestMatchLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMatchStore()
	m, assignments := storedMatch("m1")

	if err := s.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateMatch(ctx, m, assignments); err == nil {
		t.Fatalf("duplicate create accepted")
	}

	got, err := s.GetMatch(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Status != domain.StatusPending {
		t.Fatalf("unexpected stored record: %+v", got)
	}

	stored, err := s.Assignments(ctx, "m1")
	if err != nil {
		t.Fatalf("assignments: %v", err)
	}
	if len(stored) != 2 || stored[0].UnitID != "u1" {
		t.Fatalf("unexpected assignments: %+v", stored)
	}

	if _, err := s.GetMatch(ctx, "missing"); !errors.Is(err, domain.ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestVersionGrowsWithEveryWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMatchStore()
	m, assignments := storedMatch("m1")
	if err := s.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	last := 1
	step := func(op string, f func() error) {
		if err := f(); err != nil {
			t.Fatalf("%s: %v", op, err)
		}
		got, _ := s.GetMatch(ctx, "m1")
		if int(got.Version) <= last {
			t.Fatalf("%s did not bump version: %d -> %d", op, last, got.Version)
		}
		last = int(got.Version)
	}

	step("activate", func() error {
		_, err := s.Activate(ctx, "m1", time.Now())
		return err
	})
	step("update creator", func() error {
		return s.UpdateParticipant(ctx, "m1", domain.RoleCreator, 1, 10)
	})
	step("finish", func() error {
		_, err := s.Finish(ctx, "m1", domain.TerminalState{
			Status: domain.StatusCompleted, WinnerID: "alice", CompletedAt: time.Now(),
		})
		return err
	})
}

func TestActivateOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	s := NewMatchStore()
	m, assignments := storedMatch("m1")
	if err := s.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := s.Activate(ctx, "m1", time.Unix(100, 0))
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	second, err := s.Activate(ctx, "m1", time.Unix(999, 0))
	if err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Fatalf("second activation moved startedAt: %v vs %v", first.StartedAt, second.StartedAt)
	}
}

func TestFinishAppliesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMatchStore()
	m, assignments := storedMatch("m1")
	if err := s.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := s.Finish(ctx, "m1", domain.TerminalState{
		Status: domain.StatusCancelled, CompletedAt: time.Now(),
	})
	if err != nil || !applied {
		t.Fatalf("first finish: applied=%v err=%v", applied, err)
	}
	applied, err = s.Finish(ctx, "m1", domain.TerminalState{
		Status: domain.StatusCompleted, WinnerID: "alice", CompletedAt: time.Now(),
	})
	if err != nil || applied {
		t.Fatalf("second finish: applied=%v err=%v", applied, err)
	}

	got, _ := s.GetMatch(ctx, "m1")
	if got.Status != domain.StatusCancelled || got.WinnerID != "" {
		t.Fatalf("terminal state overwritten: %+v", got)
	}
}

func TestSaveUnitResultPerRole(t *testing.T) {
	ctx := context.Background()
	s := NewMatchStore()
	m, assignments := storedMatch("m1")
	if err := s.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	res := domain.UnitResult{Answers: []int{0}, Score: 10, CompletedAt: time.Now()}
	if err := s.SaveUnitResult(ctx, "m1", 0, domain.RoleCreator, res); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveUnitResult(ctx, "m1", 9, domain.RoleCreator, res); err == nil {
		t.Fatalf("unknown slot accepted")
	}

	stored, _ := s.Assignments(ctx, "m1")
	if stored[0].CreatorResult == nil || stored[0].CreatorResult.Score != 10 {
		t.Fatalf("creator result not stored: %+v", stored[0])
	}
	if stored[0].OpponentResult != nil {
		t.Fatalf("opponent result written by creator save")
	}
}

func TestSubscribeDeliversWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMatchStore()
	m, assignments := storedMatch("m1")
	if err := s.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	ch, cancel := s.Subscribe("m1")
	defer cancel()

	if err := s.UpdateParticipant(ctx, "m1", domain.RoleOpponent, 1, 10); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case rec := <-ch:
		if rec.OpponentProgress != 1 || rec.OpponentScore != 10 {
			t.Fatalf("unexpected broadcast: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatalf("no broadcast received")
	}
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	ctx := context.Background()
	s := NewMatchStore()
	m, assignments := storedMatch("m1")
	if err := s.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	ch, cancel := s.Subscribe("m1")
	defer cancel()

	// Overflow the buffer without draining; the newest write must survive.
	for score := 10; score <= 200; score += 10 {
		if err := s.UpdateParticipant(ctx, "m1", domain.RoleCreator, 1, score); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	var latest domain.MatchRecord
drain:
	for {
		select {
		case rec := <-ch:
			latest = rec
		default:
			break drain
		}
	}
	if latest.CreatorScore != 200 {
		t.Fatalf("latest write dropped, got score %d", latest.CreatorScore)
	}
}
