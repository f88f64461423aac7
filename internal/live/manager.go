// Package live keeps at most one bidirectional Live websocket session open against
// the streaming model: it sends the setup frame, forwards audio, acknowledges
// detect_claim tool calls and reports every transition to observers.
package live

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/livecheck/livecheck/internal/credential"
	"github.com/livecheck/livecheck/internal/util"

	log "github.com/sirupsen/logrus"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultPingInterval     = 30 * time.Second
)

// Options configures a Manager.
type Options struct {
	URL               string
	Model             string
	SystemInstruction string
	// AudioMIME is used when SendAudio receives an empty MIME type.
	AudioMIME string
	// Dialer defaults to a plain gorilla dialer with HandshakeTimeout.
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
	// PingInterval is the heartbeat period; negative disables it.
	PingInterval time.Duration
	// EventBuffer, when positive, enables Events() with that capacity.
	EventBuffer int
}

// Manager owns the single active session.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer

	startMu sync.Mutex

	mu      sync.Mutex
	current *Session

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObs   uint64
	events    chan Event
}

// NewManager applies defaults to opts.
func NewManager(opts Options) *Manager {
	if opts.AudioMIME == "" {
		opts.AudioMIME = DefaultAudioMIME
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = util.NewProxyAwareWebsocketDialer(nil, opts.HandshakeTimeout)
	}
	m := &Manager{opts: opts, dialer: dialer, observers: make(map[uint64]Observer)}
	if opts.EventBuffer > 0 {
		m.events = make(chan Event, opts.EventBuffer)
	}
	return m
}

// Subscribe registers o and returns a function removing it.
func (m *Manager) Subscribe(o Observer) func() {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = o
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

// Events returns the buffered event channel, or nil when EventBuffer was zero.
// Events are dropped when the buffer is full.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	m.obsMu.RLock()
	observers := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.obsMu.RUnlock()

	for _, o := range observers {
		notify(o, ev)
	}
	if m.events != nil {
		select {
		case m.events <- ev:
		default:
			log.WithField("component", "live").Debugf("event channel full, dropping %s", ev.Type)
		}
	}
}

func notify(o Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("component", "live").Errorf("live observer panicked on %s: %v", ev.Type, r)
		}
	}()
	o.OnEvent(ev)
}

// Start tears down any open session, then dials a new one authorized by auth and
// sends the setup frame. The credential is applied once; a later token refresh
// does not affect the open connection.
func (m *Manager) Start(ctx context.Context, auth credential.AuthContext) (*Session, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	prev := m.current
	model, systemInstruction := m.opts.Model, m.opts.SystemInstruction
	m.mu.Unlock()
	if prev != nil {
		prev.Disconnect()
	}

	target, err := url.Parse(m.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("live: invalid url: %w", err)
	}
	auth.ApplyURL(target)

	s := newSession(uuid.NewString(), m, util.MaskURL(target.String()))
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	s.setState(StateConnecting)

	header := auth.Header.Clone()
	if header == nil {
		header = make(map[string][]string)
	}
	conn, resp, err := m.dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		tErr := &TransportError{Op: "dial", Err: err}
		if resp != nil {
			tErr.StatusCode = resp.StatusCode
			if body := handshakeBody(resp); body != "" {
				tErr.Err = fmt.Errorf("%w: %s", err, body)
			}
		}
		closeHTTPResponseBody(resp, "live websocket: close handshake response body error")
		s.finish(CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: "dial failed", Abnormal: true}, StateErrored)
		return s, tErr
	}
	closeHTTPResponseBody(resp, "live websocket: close handshake response body error")

	if !s.attach(conn) {
		_ = conn.Close()
		return s, ErrSessionClosed
	}
	s.configureConn(conn)
	logSessionConnected(s.id, s.url)

	if err = s.writeMessage(conn, buildSetupFrame(model, systemInstruction)); err != nil {
		s.fail(err)
		return s, err
	}
	s.setState(StateAwaitingSetupAck)

	go s.readLoop(conn)
	go s.heartbeat(conn, m.opts.PingInterval)
	return s, nil
}

// SetModel changes the model and system instruction sent by the next Start. An
// open session keeps the setup it was opened with.
func (m *Manager) SetModel(model, systemInstruction string) {
	m.mu.Lock()
	if model != "" {
		m.opts.Model = model
	}
	m.opts.SystemInstruction = systemInstruction
	m.mu.Unlock()
}

// Current returns the most recent session, nil before the first Start.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// State returns the current session's state, Idle when there is none.
func (m *Manager) State() State {
	if s := m.Current(); s != nil {
		return s.State()
	}
	return StateIdle
}

// SessionOpen reports whether a session is non-terminal. It satisfies credential.SessionGuard.
func (m *Manager) SessionOpen() bool {
	return !m.State().Terminal()
}

// SendAudio forwards audio to the current session.
func (m *Manager) SendAudio(b64, mime string) bool {
	s := m.Current()
	if s == nil {
		return false
	}
	return s.SendAudio(strings.TrimSpace(b64), mime)
}

// Disconnect closes the current session, if any.
func (m *Manager) Disconnect() {
	if s := m.Current(); s != nil {
		s.Disconnect()
	}
}

// Close disconnects and drops all observers.
func (m *Manager) Close() {
	m.Disconnect()
	m.obsMu.Lock()
	clear(m.observers)
	m.obsMu.Unlock()
}
