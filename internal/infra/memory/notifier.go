package memory

import (
	"context"
	"sync"
)

// Invitation is a recorded match-invitation notification.
type Invitation struct {
	ToUserID   string
	MatchID    string
	FromUserID string
}

// Notifier records invitations in memory; tests assert against Sent.
type Notifier struct {
	mu   sync.Mutex
	sent []Invitation
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) MatchInvitation(_ context.Context, toUserID, matchID, fromUserID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Invitation{ToUserID: toUserID, MatchID: matchID, FromUserID: fromUserID})
	return nil
}

// Sent returns a copy of all recorded invitations.
func (n *Notifier) Sent() []Invitation {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Invitation, len(n.sent))
	copy(out, n.sent)
	return out
}
