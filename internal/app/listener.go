package app

import (
	"context"
	"sync"

	"quiz-battle-service/internal/domain"
)

// RecordCache is a client's single "current known state" of one match.
// Every path that learns about the match (direct reads, reconciler writes,
// pushed notifications) merges through it, and the record version keeps a
// late-arriving notification from overwriting a newer direct read.
type RecordCache struct {
	mu  sync.RWMutex
	rec domain.MatchRecord
	ok  bool
}

func NewRecordCache() *RecordCache {
	return &RecordCache{}
}

// Merge accepts the record only if it is strictly newer than the cached one.
func (c *RecordCache) Merge(rec domain.MatchRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ok && rec.Version <= c.rec.Version {
		return false
	}
	c.rec = rec
	c.ok = true
	return true
}

// Snapshot returns the cached record, if any.
func (c *RecordCache) Snapshot() (domain.MatchRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec, c.ok
}

// LiveSyncListener subscribes to one match's change feed and merges pushes
// into the record cache. It is a read-path convenience only: all writes go
// directly against the store, never through the listener.
type LiveSyncListener struct {
	store   MatchStore
	matchID string
	cache   *RecordCache
	out     chan domain.MatchRecord
	term    chan domain.MatchRecord
}

func NewLiveSyncListener(store MatchStore, matchID string, cache *RecordCache) *LiveSyncListener {
	return &LiveSyncListener{
		store:   store,
		matchID: matchID,
		cache:   cache,
		out:     make(chan domain.MatchRecord, 8),
		term:    make(chan domain.MatchRecord, 1),
	}
}

// Updates delivers records accepted by the cache, newest wins.
func (l *LiveSyncListener) Updates() <-chan domain.MatchRecord { return l.out }

// Terminal delivers at most one record, the first terminal state observed.
func (l *LiveSyncListener) Terminal() <-chan domain.MatchRecord { return l.term }

// Run consumes the store subscription until the context is cancelled or the
// feed closes.
func (l *LiveSyncListener) Run(ctx context.Context) {
	ch, cancel := l.store.Subscribe(l.matchID)
	defer cancel()
	defer close(l.out)

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if !l.cache.Merge(rec) {
				continue // stale push, a newer state already landed
			}
			select {
			case l.out <- rec:
			default:
				// Drop the oldest pending update so a slow consumer only
				// loses intermediate states, never the latest.
				select {
				case <-l.out:
				default:
				}
				l.out <- rec
			}
			if rec.Status.Terminal() {
				select {
				case l.term <- rec:
				default:
				}
			}
		}
	}
}
