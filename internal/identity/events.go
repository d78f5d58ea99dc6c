package identity

import (
	"log/slog"
	"sync"

	"github.com/samezzz/church-attendance-check-in/internal/model"
)

type EventType string

const (
	EventInitialSession EventType = "INITIAL_SESSION"
	EventSignedIn       EventType = "SIGNED_IN"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventSignedOut      EventType = "SIGNED_OUT"
)

// Event is one transition on the session-change stream. Subject names
// the account the event concerns; Session is nil for EventSignedOut.
type Event struct {
	Type    EventType
	Subject string
	Session *model.Session
}

const subscriberBuffer = 32

type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a listener for session-change events. The
// returned cancel func must be called to release the channel.
func (b *broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// emit fans the event out to all subscribers. A subscriber that cannot
// keep up loses resolution events (a later one supersedes them), but
// never a sign-out: no later event supersedes it, so the oldest queued
// event is evicted to make room. emit is the only producer, so eviction
// guarantees the send lands.
func (b *broadcaster) emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
			continue
		default:
		}
		if event.Type != EventSignedOut {
			slog.Warn("session event dropped, subscriber backlogged", "event", string(event.Type))
			continue
		}
		for delivered := false; !delivered; {
			select {
			case ch <- event:
				delivered = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}
