package app

import (
	"sync"
	"time"

	"github.com/livecheck/livecheck/internal/claims"
	log "github.com/sirupsen/logrus"
)

// EventType names a status event delivered to the UI.
type EventType string

const (
	EventLoggedIn          EventType = "logged_in"
	EventLoggedOut         EventType = "logged_out"
	EventSessionState      EventType = "session_state"
	EventConnectionError   EventType = "connection_error"
	EventClaimDetected     EventType = "claim_detected"
	EventClaimVerified     EventType = "claim_verified"
	EventCredentialChanged EventType = "credential_changed"
)

// StatusEvent is safe to show: it never carries tokens, keys or raw upstream errors.
type StatusEvent struct {
	Type       EventType      `json:"type"`
	Time       time.Time      `json:"time"`
	SessionID  string         `json:"session_id,omitempty"`
	State      string         `json:"state,omitempty"`
	Message    string         `json:"message,omitempty"`
	Credential string         `json:"credential,omitempty"`
	Claim      *claims.Claim  `json:"claim,omitempty"`
	Record     *claims.Record `json:"record,omitempty"`
}

// Bus fans status events out to subscribers. A slow subscriber loses events
// instead of blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan StatusEvent
	nextID uint64
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan StatusEvent)}
}

// Subscribe returns a channel of future events and a function that cancels the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, max(buffer, 1))
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Publish stamps ev and delivers it to every subscriber.
func (b *Bus) Publish(ev StatusEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.WithField("component", "app").Debugf("status subscriber lagging, dropped %s", ev.Type)
		}
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
