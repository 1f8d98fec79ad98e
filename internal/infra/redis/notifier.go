package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const inboxCap = 100

// Notifier enqueues match invitations onto a per-user Redis inbox list. The
// surrounding application's notification system drains the list; this
// service only produces.
type Notifier struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewNotifier(client *redis.Client, ttl time.Duration) *Notifier {
	return &Notifier{client: client, ttl: ttl, now: time.Now}
}

type invitationMessage struct {
	Type    string    `json:"type"`
	MatchID string    `json:"matchId"`
	From    string    `json:"from"`
	SentAt  time.Time `json:"sentAt"`
}

func (n *Notifier) inboxKey(userID string) string { return "battle:inbox:" + userID }

func (n *Notifier) MatchInvitation(ctx context.Context, toUserID, matchID, fromUserID string) error {
	raw, err := json.Marshal(invitationMessage{
		Type:    "match_invitation",
		MatchID: matchID,
		From:    fromUserID,
		SentAt:  n.now(),
	})
	if err != nil {
		return fmt.Errorf("encode invitation: %w", err)
	}

	key := n.inboxKey(toUserID)
	pipe := n.client.TxPipeline()
	pipe.LPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, 0, inboxCap-1)
	if n.ttl > 0 {
		pipe.Expire(ctx, key, n.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue invitation: %w", err)
	}
	return nil
}
