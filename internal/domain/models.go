package domain

import (
	"fmt"
	"time"
)

// Role identifies which side of a battle a participant plays.
type Role string

const (
	RoleCreator  Role = "creator"
	RoleOpponent Role = "opponent"
)

// Other returns the opposing role.
func (r Role) Other() Role {
	if r == RoleCreator {
		return RoleOpponent
	}
	return RoleCreator
}

// Status is the lifecycle state of a match. It only moves forward:
// pending -> active -> {completed, cancelled}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// MatchRecord is the shared persisted state of one two-player battle.
// Progress and score fields are partitioned by writer: each participant's
// client is the only writer of its own pair. Status, WinnerID and CompletedAt
// may be written by multiple components and are guarded by the conditional
// Finish operation on the store.
type MatchRecord struct {
	ID           string   `json:"id"`
	CreatorID    string   `json:"creatorId"`
	OpponentID   string   `json:"opponentId"`
	SubjectSlots []string `json:"subjectSlots"`
	TotalUnits   int      `json:"totalUnits"`
	Status       Status   `json:"status"`

	CreatorProgress  int `json:"creatorProgress"`
	OpponentProgress int `json:"opponentProgress"`
	CreatorScore     int `json:"creatorScore"`
	OpponentScore    int `json:"opponentScore"`

	// WinnerID is empty until the match completes; it stays empty on a tie
	// or a cancellation.
	WinnerID    string    `json:"winnerId,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`

	// Version increases on every store write. Live-sync consumers drop
	// notifications whose version is not newer than what they already hold.
	Version int64 `json:"version"`
}

// ParticipantRole maps a user id onto its role in the match.
func (m MatchRecord) ParticipantRole(userID string) (Role, bool) {
	switch userID {
	case m.CreatorID:
		return RoleCreator, true
	case m.OpponentID:
		return RoleOpponent, true
	}
	return "", false
}

// ParticipantID is the inverse of ParticipantRole.
func (m MatchRecord) ParticipantID(role Role) string {
	if role == RoleCreator {
		return m.CreatorID
	}
	return m.OpponentID
}

// Progress returns the unit count completed by the given role.
func (m MatchRecord) Progress(role Role) int {
	if role == RoleCreator {
		return m.CreatorProgress
	}
	return m.OpponentProgress
}

// Score returns the accumulated score of the given role.
func (m MatchRecord) Score(role Role) int {
	if role == RoleCreator {
		return m.CreatorScore
	}
	return m.OpponentScore
}

// Finished reports whether the given role has completed every unit.
func (m MatchRecord) Finished(role Role) bool {
	return m.Progress(role) >= m.TotalUnits
}

// BothFinished reports whether both sides have completed every unit.
func (m MatchRecord) BothFinished() bool {
	return m.Finished(RoleCreator) && m.Finished(RoleOpponent)
}

// Winner computes the winner id from final scores: the strictly higher
// scorer, or empty on a tie. It is a pure function of the two scores so that
// redundant completion writers always compute the same value.
func (m MatchRecord) Winner() string {
	switch {
	case m.CreatorScore > m.OpponentScore:
		return m.CreatorID
	case m.OpponentScore > m.CreatorScore:
		return m.OpponentID
	}
	return ""
}

// Validate checks the record shape at the store boundary. Records that do not
// satisfy the structural invariants are rejected rather than trusted.
func (m MatchRecord) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("match: missing id")
	}
	if m.CreatorID == "" || m.OpponentID == "" {
		return fmt.Errorf("match %s: missing participant", m.ID)
	}
	if m.CreatorID == m.OpponentID {
		return fmt.Errorf("match %s: creator and opponent are the same user", m.ID)
	}
	if m.TotalUnits < 1 {
		return fmt.Errorf("match %s: totalUnits must be >= 1", m.ID)
	}
	if len(m.SubjectSlots) != m.TotalUnits {
		return fmt.Errorf("match %s: %d subject slots for %d units", m.ID, len(m.SubjectSlots), m.TotalUnits)
	}
	if m.CreatorProgress < 0 || m.CreatorProgress > m.TotalUnits ||
		m.OpponentProgress < 0 || m.OpponentProgress > m.TotalUnits {
		return fmt.Errorf("match %s: progress out of range", m.ID)
	}
	if m.CreatorScore < 0 || m.OpponentScore < 0 {
		return fmt.Errorf("match %s: negative score", m.ID)
	}
	if m.WinnerID != "" && m.WinnerID != m.CreatorID && m.WinnerID != m.OpponentID {
		return fmt.Errorf("match %s: winner %s is not a participant", m.ID, m.WinnerID)
	}
	switch m.Status {
	case StatusPending, StatusActive, StatusCompleted, StatusCancelled:
	default:
		return fmt.Errorf("match %s: unknown status %q", m.ID, m.Status)
	}
	return nil
}

// TerminalState carries the fields of a terminal transition; it is written
// atomically by the store's conditional Finish operation.
type TerminalState struct {
	Status      Status
	WinnerID    string
	CompletedAt time.Time
}

// Question models an MCQ question with exactly one correct option.
type Question struct {
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	Correct int      `json:"correct"`
}

// ContentUnit is one quiz: a fixed set of questions for a subject at a grade
// level. Units are snapshotted into assignments at match creation so later
// catalog edits never affect an in-progress match.
type ContentUnit struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	GradeLevel int        `json:"gradeLevel"`
	Questions  []Question `json:"questions"`
}

// Validate rejects malformed units at the catalog boundary.
func (u ContentUnit) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("unit: missing id")
	}
	if u.Subject == "" {
		return fmt.Errorf("unit %s: missing subject", u.ID)
	}
	if len(u.Questions) == 0 {
		return fmt.Errorf("unit %s: no questions", u.ID)
	}
	for i, q := range u.Questions {
		if len(q.Options) < 2 {
			return fmt.Errorf("unit %s question %d: needs at least two options", u.ID, i)
		}
		if q.Correct < 0 || q.Correct >= len(q.Options) {
			return fmt.Errorf("unit %s question %d: correct index %d out of range", u.ID, i, q.Correct)
		}
	}
	return nil
}

// UnitResult is one participant's outcome for a single unit. Answers holds
// the selected option index per question in the unit's original order, with
// -1 for unanswered.
type UnitResult struct {
	Answers     []int     `json:"answers"`
	Score       int       `json:"score"`
	CompletedAt time.Time `json:"completedAt"`
}

// UnitAssignment binds one subject slot of a match to a snapshotted content
// unit. The per-role results are sub-fields of the same record: only the two
// known participants ever write them, each its own.
type UnitAssignment struct {
	MatchID string      `json:"matchId"`
	Slot    int         `json:"slot"`
	Subject string      `json:"subject"`
	UnitID  string      `json:"unitId"`
	Unit    ContentUnit `json:"unit"`

	CreatorResult  *UnitResult `json:"creatorResult,omitempty"`
	OpponentResult *UnitResult `json:"opponentResult,omitempty"`
}

// Result returns the stored result for a role, if any.
func (a UnitAssignment) Result(role Role) *UnitResult {
	if role == RoleCreator {
		return a.CreatorResult
	}
	return a.OpponentResult
}
