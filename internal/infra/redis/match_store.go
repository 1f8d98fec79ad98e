package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-battle-service/internal/domain"
)

// MatchStore keeps one hash per match so every field writes independently
// (last-write-wins per field, matching the store contract) and the two
// participants' progress/score fields never collide. The conditional
// Activate/Finish transitions run as Lua scripts so the status check and the
// terminal write are atomic. Every write bumps the version field and
// publishes the full record on the match channel, which backs Subscribe.
type MatchStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMatchStore creates the store. ttl <= 0 keeps match keys forever;
// otherwise each write refreshes the expiry.
func NewMatchStore(client *redis.Client, ttl time.Duration) *MatchStore {
	return &MatchStore{client: client, ttl: ttl}
}

func (s *MatchStore) matchKey(id string) string { return "battle:match:" + id }

func (s *MatchStore) unitKey(id string, slot int) string {
	return fmt.Sprintf("battle:match:%s:unit:%d", id, slot)
}

func (s *MatchStore) channel(id string) string { return "battle:match:" + id + ":events" }

func (s *MatchStore) CreateMatch(ctx context.Context, m domain.MatchRecord, assignments []domain.UnitAssignment) error {
	if err := m.Validate(); err != nil {
		return err
	}
	subjects, err := json.Marshal(m.SubjectSlots)
	if err != nil {
		return fmt.Errorf("encode subjects: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.matchKey(m.ID),
		"id", m.ID,
		"creator_id", m.CreatorID,
		"opponent_id", m.OpponentID,
		"subjects", string(subjects),
		"total_units", m.TotalUnits,
		"status", string(m.Status),
		"creator_progress", 0,
		"opponent_progress", 0,
		"creator_score", 0,
		"opponent_score", 0,
		"winner_id", "",
		"started_at", "",
		"completed_at", "",
		"version", 1,
	)
	for _, a := range assignments {
		snapshot := a
		snapshot.CreatorResult = nil
		snapshot.OpponentResult = nil
		raw, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("encode assignment: %w", err)
		}
		pipe.HSet(ctx, s.unitKey(m.ID, a.Slot), "data", string(raw))
		if s.ttl > 0 {
			pipe.Expire(ctx, s.unitKey(m.ID, a.Slot), s.ttl)
		}
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, s.matchKey(m.ID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create match: %w", err)
	}
	return s.publish(ctx, m.ID)
}

func (s *MatchStore) GetMatch(ctx context.Context, id string) (domain.MatchRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.matchKey(id)).Result()
	if err != nil {
		return domain.MatchRecord{}, fmt.Errorf("read match: %w", err)
	}
	if len(fields) == 0 {
		return domain.MatchRecord{}, domain.ErrMatchNotFound
	}
	return decodeMatch(fields)
}

func (s *MatchStore) Assignments(ctx context.Context, matchID string) ([]domain.UnitAssignment, error) {
	m, err := s.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.UnitAssignment, 0, m.TotalUnits)
	for slot := 0; slot < m.TotalUnits; slot++ {
		fields, err := s.client.HGetAll(ctx, s.unitKey(matchID, slot)).Result()
		if err != nil {
			return nil, fmt.Errorf("read assignment %d: %w", slot, err)
		}
		raw, ok := fields["data"]
		if !ok {
			return nil, fmt.Errorf("match %s missing assignment for slot %d", matchID, slot)
		}
		var a domain.UnitAssignment
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode assignment %d: %w", slot, err)
		}
		if err := a.Unit.Validate(); err != nil {
			return nil, fmt.Errorf("stored assignment %d invalid: %w", slot, err)
		}
		if raw, ok := fields["creator_result"]; ok {
			var res domain.UnitResult
			if err := json.Unmarshal([]byte(raw), &res); err == nil {
				a.CreatorResult = &res
			}
		}
		if raw, ok := fields["opponent_result"]; ok {
			var res domain.UnitResult
			if err := json.Unmarshal([]byte(raw), &res); err == nil {
				a.OpponentResult = &res
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *MatchStore) UpdateParticipant(ctx context.Context, id string, role domain.Role, progress, score int) error {
	progressField, scoreField := "creator_progress", "creator_score"
	if role == domain.RoleOpponent {
		progressField, scoreField = "opponent_progress", "opponent_score"
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.matchKey(id), progressField, progress, scoreField, score)
	pipe.HIncrBy(ctx, s.matchKey(id), "version", 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.matchKey(id), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return s.publish(ctx, id)
}

func (s *MatchStore) SaveUnitResult(ctx context.Context, matchID string, slot int, role domain.Role, res domain.UnitResult) error {
	field := "creator_result"
	if role == domain.RoleOpponent {
		field = "opponent_result"
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode unit result: %w", err)
	}
	if err := s.client.HSet(ctx, s.unitKey(matchID, slot), field, string(raw)).Err(); err != nil {
		return fmt.Errorf("write unit result: %w", err)
	}
	return nil
}

// activateScript moves pending -> active atomically with the status check.
var activateScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == false then
  return -1
end
if status == 'pending' then
  redis.call('HSET', KEYS[1], 'status', 'active', 'started_at', ARGV[1])
  redis.call('HINCRBY', KEYS[1], 'version', 1)
  return 1
end
return 0
`)

func (s *MatchStore) Activate(ctx context.Context, id string, startedAt time.Time) (domain.MatchRecord, error) {
	res, err := activateScript.Run(ctx, s.client,
		[]string{s.matchKey(id)}, startedAt.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return domain.MatchRecord{}, fmt.Errorf("activate match: %w", err)
	}
	if res == -1 {
		return domain.MatchRecord{}, domain.ErrMatchNotFound
	}
	if res == 1 {
		if err := s.publish(ctx, id); err != nil {
			return domain.MatchRecord{}, err
		}
	}
	return s.GetMatch(ctx, id)
}

// finishScript applies a terminal state only while the match is still
// non-terminal, so racing completion writers produce exactly one applied
// write.
var finishScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == false then
  return -1
end
if status == 'completed' or status == 'cancelled' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'winner_id', ARGV[2], 'completed_at', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'version', 1)
return 1
`)

func (s *MatchStore) Finish(ctx context.Context, id string, term domain.TerminalState) (bool, error) {
	res, err := finishScript.Run(ctx, s.client, []string{s.matchKey(id)},
		string(term.Status), term.WinnerID, term.CompletedAt.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, fmt.Errorf("finish match: %w", err)
	}
	switch res {
	case -1:
		return false, domain.ErrMatchNotFound
	case 0:
		return false, nil
	}
	if err := s.publish(ctx, id); err != nil {
		return true, err
	}
	return true, nil
}

func (s *MatchStore) Subscribe(matchID string) (<-chan domain.MatchRecord, func()) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(ctx, s.channel(matchID))
	out := make(chan domain.MatchRecord, 8)

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var rec domain.MatchRecord
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				continue
			}
			if rec.Validate() != nil {
				continue // unexpected shape, ignore rather than trust
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			_ = pubsub.Close()
		})
	}
	return out, cancel
}

// publish pushes the full current record to the match channel.
func (s *MatchStore) publish(ctx context.Context, id string) error {
	m, err := s.GetMatch(ctx, id)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode match: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel(id), string(raw)).Err(); err != nil {
		return fmt.Errorf("publish match change: %w", err)
	}
	return nil
}

// decodeMatch builds a validated record from the raw hash. Records that do
// not decode into the strict shape are rejected at this boundary.
func decodeMatch(fields map[string]string) (domain.MatchRecord, error) {
	var m domain.MatchRecord
	m.ID = fields["id"]
	m.CreatorID = fields["creator_id"]
	m.OpponentID = fields["opponent_id"]
	m.Status = domain.Status(fields["status"])
	m.WinnerID = fields["winner_id"]

	if raw := fields["subjects"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.SubjectSlots); err != nil {
			return m, fmt.Errorf("decode subjects: %w", err)
		}
	}

	var err error
	if m.TotalUnits, err = atoiField(fields, "total_units"); err != nil {
		return m, err
	}
	if m.CreatorProgress, err = atoiField(fields, "creator_progress"); err != nil {
		return m, err
	}
	if m.OpponentProgress, err = atoiField(fields, "opponent_progress"); err != nil {
		return m, err
	}
	if m.CreatorScore, err = atoiField(fields, "creator_score"); err != nil {
		return m, err
	}
	if m.OpponentScore, err = atoiField(fields, "opponent_score"); err != nil {
		return m, err
	}
	version, err := atoiField(fields, "version")
	if err != nil {
		return m, err
	}
	m.Version = int64(version)

	if m.StartedAt, err = timeField(fields, "started_at"); err != nil {
		return m, err
	}
	if m.CompletedAt, err = timeField(fields, "completed_at"); err != nil {
		return m, err
	}

	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("stored match rejected: %w", err)
	}
	return m, nil
}

func atoiField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, fmt.Errorf("match hash missing %s", name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("match hash field %s: %w", name, err)
	}
	return v, nil
}

func timeField(fields map[string]string, name string) (time.Time, error) {
	raw := fields[name]
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("match hash field %s: %w", name, err)
	}
	return t, nil
}
