package live

import (
	"encoding/json"
	"errors"
	"fmt"
)

// State is the lifecycle position of a Live session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingSetupAck
	StateListening
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingSetupAck:
		return "awaiting_setup_ack"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether the session can no longer send or receive.
func (s State) Terminal() bool {
	return s == StateIdle || s == StateClosed || s == StateErrored
}

// EventType names a session event.
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventSetupComplete EventType = "setup_complete"
	EventClaimDetected EventType = "claim_detected"
	EventServerContent EventType = "server_content"
	EventGoAway        EventType = "go_away"
	EventClosed        EventType = "closed"
)

// ClaimCall is a detect_claim invocation.
type ClaimCall struct {
	CallID string `json:"call_id"`
	Title  string `json:"title"`
	Text   string `json:"text"`
}

// CloseInfo describes how a session ended.
type CloseInfo struct {
	Code     int    `json:"code"`
	Reason   string `json:"reason"`
	Abnormal bool   `json:"abnormal"`
}

// Event is delivered to observers. Only the field matching Type is set.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	State     State           `json:"state"`
	Claim     *ClaimCall      `json:"claim,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	TimeLeft  string          `json:"time_left,omitempty"`
	Close     *CloseInfo      `json:"close,omitempty"`
}

// Observer receives session events. OnEvent runs on the session's read goroutine
// and should return quickly.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f(ev).
func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// ErrTransport matches every *TransportError.
var ErrTransport = errors.New("live: session transport error")

// TransportError reports a dial or write failure on the Live websocket.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("live %s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("live %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) true.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
