package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"quiz-battle-service/internal/domain"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func sampleMatch(id string) (domain.MatchRecord, []domain.UnitAssignment) {
	m := domain.MatchRecord{
		ID:           id,
		CreatorID:    "alice",
		OpponentID:   "bob",
		SubjectSlots: []string{"math", "reading"},
		TotalUnits:   2,
		Status:       domain.StatusPending,
	}
	unit := domain.ContentUnit{
		ID:         "u1",
		Subject:    "math",
		GradeLevel: 2,
		Questions: []domain.Question{
			{Prompt: "2+2", Options: []string{"3", "4"}, Correct: 1},
		},
	}
	assignments := []domain.UnitAssignment{
		{MatchID: id, Slot: 0, Subject: "math", UnitID: "u1", Unit: unit},
		{MatchID: id, Slot: 1, Subject: "reading", UnitID: "u1", Unit: unit},
	}
	return m, assignments
}

func TestMatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore(newTestClient(t), time.Hour)
	m, assignments := sampleMatch("m1")

	if err := store.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetMatch(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CreatorID != "alice" || got.OpponentID != "bob" || got.TotalUnits != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Status != domain.StatusPending || got.Version != 1 {
		t.Fatalf("unexpected status/version: %+v", got)
	}
	if len(got.SubjectSlots) != 2 || got.SubjectSlots[0] != "math" {
		t.Fatalf("subjects not preserved: %+v", got.SubjectSlots)
	}

	stored, err := store.Assignments(ctx, "m1")
	if err != nil {
		t.Fatalf("assignments: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(stored))
	}
	if stored[0].Unit.Questions[0].Correct != 1 {
		t.Fatalf("unit snapshot not preserved: %+v", stored[0].Unit)
	}

	if _, err := store.GetMatch(ctx, "nope"); !errors.Is(err, domain.ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestActivateTransition(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore(newTestClient(t), 0)
	m, assignments := sampleMatch("m1")
	if err := store.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	startedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	got, err := store.Activate(ctx, "m1", startedAt)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got.Status != domain.StatusActive || !got.StartedAt.Equal(startedAt) {
		t.Fatalf("activation not applied: %+v", got)
	}
	if got.Version != 2 {
		t.Fatalf("activation did not bump version: %d", got.Version)
	}

	// Second activation is a no-op and keeps the original stamp.
	again, err := store.Activate(ctx, "m1", startedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if !again.StartedAt.Equal(startedAt) || again.Version != 2 {
		t.Fatalf("second activation mutated the record: %+v", again)
	}

	if _, err := store.Activate(ctx, "missing", startedAt); !errors.Is(err, domain.ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestFinishIsConditional(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore(newTestClient(t), 0)
	m, assignments := sampleMatch("m1")
	if err := store.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	completedAt := time.Date(2026, 8, 1, 12, 5, 0, 0, time.UTC)
	applied, err := store.Finish(ctx, "m1", domain.TerminalState{
		Status: domain.StatusCompleted, WinnerID: "alice", CompletedAt: completedAt,
	})
	if err != nil || !applied {
		t.Fatalf("first finish: applied=%v err=%v", applied, err)
	}

	applied, err = store.Finish(ctx, "m1", domain.TerminalState{
		Status: domain.StatusCancelled, CompletedAt: completedAt.Add(time.Minute),
	})
	if err != nil || applied {
		t.Fatalf("second finish must be a no-op: applied=%v err=%v", applied, err)
	}

	got, _ := store.GetMatch(ctx, "m1")
	if got.Status != domain.StatusCompleted || got.WinnerID != "alice" {
		t.Fatalf("terminal state overwritten: %+v", got)
	}
	if !got.CompletedAt.Equal(completedAt) {
		t.Fatalf("completedAt overwritten: %v", got.CompletedAt)
	}
}

func TestParticipantWritesStayPartitioned(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore(newTestClient(t), 0)
	m, assignments := sampleMatch("m1")
	if err := store.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.UpdateParticipant(ctx, "m1", domain.RoleCreator, 1, 10); err != nil {
		t.Fatalf("creator update: %v", err)
	}
	if err := store.UpdateParticipant(ctx, "m1", domain.RoleOpponent, 2, 20); err != nil {
		t.Fatalf("opponent update: %v", err)
	}

	got, _ := store.GetMatch(ctx, "m1")
	if got.CreatorProgress != 1 || got.CreatorScore != 10 {
		t.Fatalf("creator fields clobbered: %+v", got)
	}
	if got.OpponentProgress != 2 || got.OpponentScore != 20 {
		t.Fatalf("opponent fields clobbered: %+v", got)
	}
	if got.Version != 3 {
		t.Fatalf("expected version 3 after two writes, got %d", got.Version)
	}
}

func TestUnitResultsPerRole(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore(newTestClient(t), 0)
	m, assignments := sampleMatch("m1")
	if err := store.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	res := domain.UnitResult{Answers: []int{1}, Score: 10, CompletedAt: time.Now().UTC()}
	if err := store.SaveUnitResult(ctx, "m1", 0, domain.RoleCreator, res); err != nil {
		t.Fatalf("save: %v", err)
	}

	stored, err := store.Assignments(ctx, "m1")
	if err != nil {
		t.Fatalf("assignments: %v", err)
	}
	if stored[0].CreatorResult == nil || stored[0].CreatorResult.Score != 10 {
		t.Fatalf("creator result missing: %+v", stored[0])
	}
	if stored[0].OpponentResult != nil || stored[1].CreatorResult != nil {
		t.Fatalf("result leaked into other role/slot: %+v", stored)
	}
}

func TestSubscribeSeesWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore(newTestClient(t), 0)
	m, assignments := sampleMatch("m1")
	if err := store.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	ch, cancel := store.Subscribe("m1")
	defer cancel()
	// Give the pubsub subscription a moment to register.
	time.Sleep(50 * time.Millisecond)

	if err := store.UpdateParticipant(ctx, "m1", domain.RoleCreator, 1, 10); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case rec := <-ch:
		if rec.CreatorProgress != 1 || rec.CreatorScore != 10 {
			t.Fatalf("unexpected published record: %+v", rec)
		}
		if rec.Version <= 1 {
			t.Fatalf("published record carries stale version %d", rec.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no record published on update")
	}
}

func TestCorruptHashRejectedOnRead(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	store := NewMatchStore(client, 0)
	m, assignments := sampleMatch("m1")
	if err := store.CreateMatch(ctx, m, assignments); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := client.HSet(ctx, "battle:match:m1", "creator_progress", "lots").Err(); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := store.GetMatch(ctx, "m1"); err == nil {
		t.Fatalf("corrupt record must not decode")
	}
}
