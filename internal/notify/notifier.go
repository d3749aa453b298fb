// Package notify fans out "active session changed" so already-open
// clients refresh promptly. One port, several registered channels, all
// best-effort: the session is already persisted by the time this runs,
// and every reader polls as a fallback, so a channel failure is logged
// and never propagated.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rollcall/internal/model"
)

const (
	// ActiveSessionKey caches the current active session so the next
	// read can skip the store.
	ActiveSessionKey = "rollcall:active_session"
	// SessionChangedChannel carries cross-process change signals.
	SessionChangedChannel = "rollcall:session_changed"
)

// Toucher bumps a session row so external change subscriptions fire.
type Toucher interface {
	TouchSession(ctx context.Context, sessionID string, now time.Time) error
}

type event struct {
	SessionID string `json:"sessionId"`
	ChangedAt int64  `json:"changedAt"`
}

type Notifier struct {
	mu          sync.Mutex
	subscribers []func(*model.Session)

	redis    *redis.Client
	store    Toucher
	cacheTTL time.Duration
}

func New(redisClient *redis.Client, store Toucher, cacheTTL time.Duration) *Notifier {
	return &Notifier{redis: redisClient, store: store, cacheTTL: cacheTTL}
}

// Subscribe registers an in-process callback. Callbacks run on the
// notifying goroutine and must not block.
func (n *Notifier) Subscribe(fn func(*model.Session)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = append(n.subscribers, fn)
}

// SessionChanged pushes the new active session (nil when cleared)
// through every channel.
func (n *Notifier) SessionChanged(ctx context.Context, session *model.Session) {
	n.notifySubscribers(session)

	if err := n.CacheActive(ctx, session); err != nil {
		log.Printf("notify: cache update failed: %v", err)
	}
	if err := n.publish(ctx, session); err != nil {
		log.Printf("notify: publish failed: %v", err)
	}
	if session != nil && n.store != nil {
		if err := n.store.TouchSession(ctx, session.ID, time.Now().UTC()); err != nil {
			log.Printf("notify: session touch failed: %v", err)
		}
	}
}

func (n *Notifier) notifySubscribers(session *model.Session) {
	n.mu.Lock()
	subscribers := make([]func(*model.Session), len(n.subscribers))
	copy(subscribers, n.subscribers)
	n.mu.Unlock()
	for _, fn := range subscribers {
		fn(session)
	}
}

// CacheActive writes (or clears) the active-session cache key. The
// poller calls this on every tick, so a missed push heals within one
// interval.
func (n *Notifier) CacheActive(ctx context.Context, session *model.Session) error {
	if n.redis == nil {
		return nil
	}
	if session == nil {
		return n.redis.Del(ctx, ActiveSessionKey).Err()
	}
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return n.redis.Set(ctx, ActiveSessionKey, data, n.cacheTTL).Err()
}

func (n *Notifier) publish(ctx context.Context, session *model.Session) error {
	if n.redis == nil {
		return nil
	}
	evt := event{ChangedAt: time.Now().UTC().UnixMilli()}
	if session != nil {
		evt.SessionID = session.ID
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return n.redis.Publish(ctx, SessionChangedChannel, data).Err()
}

// Listen bridges cross-process signals back to this process: messages
// published by other instances re-run the in-process subscribers. Blocks
// until ctx is done.
func (n *Notifier) Listen(ctx context.Context, lookup func(context.Context, string) (*model.Session, error)) {
	if n.redis == nil {
		return
	}
	sub := n.redis.Subscribe(ctx, SessionChangedChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Printf("notify: bad change event: %v", err)
				continue
			}
			if evt.SessionID == "" {
				n.notifySubscribers(nil)
				continue
			}
			session, err := lookup(ctx, evt.SessionID)
			if err != nil {
				log.Printf("notify: session lookup failed: %v", err)
				continue
			}
			n.notifySubscribers(session)
		}
	}
}
