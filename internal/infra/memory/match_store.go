package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quiz-battle-service/internal/domain"
)

// MatchStore is an in-memory implementation of app.MatchStore, useful for
// tests and single-process demos. Every write bumps the record version and
// broadcasts the full record to subscribers, mirroring the push-notification
// behavior of the Redis store.
type MatchStore struct {
	mu          sync.RWMutex
	matches     map[string]*domain.MatchRecord
	assignments map[string][]domain.UnitAssignment
	subs        map[string]map[chan domain.MatchRecord]struct{}
}

func NewMatchStore() *MatchStore {
	return &MatchStore{
		matches:     make(map[string]*domain.MatchRecord),
		assignments: make(map[string][]domain.UnitAssignment),
		subs:        make(map[string]map[chan domain.MatchRecord]struct{}),
	}
}

func (s *MatchStore) CreateMatch(_ context.Context, m domain.MatchRecord, assignments []domain.UnitAssignment) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[m.ID]; ok {
		return fmt.Errorf("match %s already exists", m.ID)
	}
	m.Version = 1
	stored := m
	s.matches[m.ID] = &stored
	copied := make([]domain.UnitAssignment, len(assignments))
	copy(copied, assignments)
	s.assignments[m.ID] = copied
	return nil
}

func (s *MatchStore) GetMatch(_ context.Context, id string) (domain.MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return domain.MatchRecord{}, domain.ErrMatchNotFound
	}
	return *m, nil
}

func (s *MatchStore) Assignments(_ context.Context, matchID string) ([]domain.UnitAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs, ok := s.assignments[matchID]
	if !ok {
		return nil, domain.ErrMatchNotFound
	}
	out := make([]domain.UnitAssignment, len(recs))
	copy(out, recs)
	return out, nil
}

func (s *MatchStore) UpdateParticipant(_ context.Context, id string, role domain.Role, progress, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return domain.ErrMatchNotFound
	}
	if role == domain.RoleCreator {
		m.CreatorProgress = progress
		m.CreatorScore = score
	} else {
		m.OpponentProgress = progress
		m.OpponentScore = score
	}
	s.bumpAndBroadcastLocked(m)
	return nil
}

func (s *MatchStore) SaveUnitResult(_ context.Context, matchID string, slot int, role domain.Role, res domain.UnitResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.assignments[matchID]
	if !ok {
		return domain.ErrMatchNotFound
	}
	for i := range recs {
		if recs[i].Slot != slot {
			continue
		}
		stored := res
		if role == domain.RoleCreator {
			recs[i].CreatorResult = &stored
		} else {
			recs[i].OpponentResult = &stored
		}
		return nil
	}
	return fmt.Errorf("match %s has no slot %d", matchID, slot)
}

func (s *MatchStore) Activate(_ context.Context, id string, startedAt time.Time) (domain.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return domain.MatchRecord{}, domain.ErrMatchNotFound
	}
	if m.Status == domain.StatusPending {
		m.Status = domain.StatusActive
		m.StartedAt = startedAt
		s.bumpAndBroadcastLocked(m)
	}
	return *m, nil
}

func (s *MatchStore) Finish(_ context.Context, id string, term domain.TerminalState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return false, domain.ErrMatchNotFound
	}
	if m.Status.Terminal() {
		return false, nil
	}
	m.Status = term.Status
	m.WinnerID = term.WinnerID
	m.CompletedAt = term.CompletedAt
	s.bumpAndBroadcastLocked(m)
	return true, nil
}

func (s *MatchStore) Subscribe(matchID string) (<-chan domain.MatchRecord, func()) {
	ch := make(chan domain.MatchRecord, 8)
	s.mu.Lock()
	if s.subs[matchID] == nil {
		s.subs[matchID] = make(map[chan domain.MatchRecord]struct{})
	}
	s.subs[matchID][ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[matchID][ch]; ok {
			delete(s.subs[matchID], ch)
			if len(s.subs[matchID]) == 0 {
				delete(s.subs, matchID)
			}
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *MatchStore) bumpAndBroadcastLocked(m *domain.MatchRecord) {
	m.Version++
	rec := *m
	for ch := range s.subs[m.ID] {
		select {
		case ch <- rec:
		default:
			// Drop the oldest update so a slow subscriber never blocks a
			// writer and still ends up with the latest state.
			select {
			case <-ch:
			default:
			}
			ch <- rec
		}
	}
}
