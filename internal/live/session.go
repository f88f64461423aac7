package live

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	log "github.com/sirupsen/logrus"
)

const (
	closeReasonClient = "client_disconnect"
	controlDeadline   = time.Second
)

// ErrSessionClosed is returned by Start when the session was torn down before setup was sent.
var ErrSessionClosed = errors.New("live: session closed")

// Session is one Live connection. It never reconnects; a closed session stays closed.
type Session struct {
	id      string
	manager *Manager
	url     string

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	closeInfo *CloseInfo
	acked     map[string]struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id string, m *Manager, url string) *Session {
	return &Session{
		id:      id,
		manager: m,
		url:     url,
		state:   StateIdle,
		acked:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// ID identifies the session in events and logs.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has reached a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseInfo returns how the session ended, nil while it is still open.
func (s *Session) CloseInfo() *CloseInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeInfo == nil {
		return nil
	}
	info := *s.closeInfo
	return &info
}

// SendAudio forwards one base64 PCM chunk. Frames are dropped, and false returned,
// unless the connection is open.
func (s *Session) SendAudio(b64, mime string) bool {
	s.mu.Lock()
	state, conn := s.state, s.conn
	s.mu.Unlock()
	if conn == nil || (state != StateAwaitingSetupAck && state != StateListening) {
		return false
	}
	if mime == "" {
		mime = s.manager.opts.AudioMIME
	}
	if err := s.writeMessage(conn, buildAudioFrame(b64, mime)); err != nil {
		s.fail(err)
		return false
	}
	return true
}

// Disconnect closes the connection with a normal close code. Calling it again is a no-op.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closeInfo != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.setState(StateClosing)
	s.finish(CloseInfo{Code: websocket.CloseNormalClosure, Reason: closeReasonClient}, StateClosed)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next || (prev.Terminal() && prev != StateIdle) {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	log.WithFields(log.Fields{"component": "live", "state": next.String()}).Debugf("live session %s: %s -> %s", s.id, prev, next)
	s.manager.emit(Event{Type: EventStateChanged, SessionID: s.id, State: next})
}

// attach adopts a freshly dialed connection unless the session was torn down meanwhile.
func (s *Session) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) configureConn(conn *websocket.Conn) {
	conn.SetPingHandler(func(appData string) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlDeadline))
		if err == nil || errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}

func (s *Session) writeMessage(conn *websocket.Conn, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			s.finish(closeInfoFromError(err), StateClosed)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.dispatch(conn, payload)
	}
}

func (s *Session) heartbeat(conn *websocket.Conn, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlDeadline))
			s.writeMu.Unlock()
			if err != nil {
				s.fail(&TransportError{Op: "ping", Err: err})
				return
			}
		}
	}
}

func (s *Session) dispatch(conn *websocket.Conn, payload []byte) {
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		log.WithField("component", "live").Debugf("live session %s: ignoring non-object frame", s.id)
		return
	}

	if root.Get("setupComplete").Exists() {
		s.mu.Lock()
		ready := s.state == StateAwaitingSetupAck
		s.mu.Unlock()
		if ready {
			s.setState(StateListening)
			s.manager.emit(Event{Type: EventSetupComplete, SessionID: s.id, State: StateListening})
		}
	}

	for _, call := range parseFunctionCalls(payload) {
		s.handleFunctionCall(conn, call)
	}

	if content := root.Get("serverContent"); content.Exists() {
		s.manager.emit(Event{Type: EventServerContent, SessionID: s.id, State: s.State(), Content: rawJSON(content)})
	}

	if goAway := root.Get("goAway"); goAway.Exists() {
		timeLeft := goAway.Get("timeLeft").String()
		log.WithField("component", "live").Warnf("live session %s: server going away (time left %s)", s.id, timeLeft)
		s.manager.emit(Event{Type: EventGoAway, SessionID: s.id, State: s.State(), TimeLeft: timeLeft})
	}
}

// handleFunctionCall acknowledges the call before any observer sees it, once per call id.
func (s *Session) handleFunctionCall(conn *websocket.Conn, call functionCall) {
	if call.ID != "" {
		s.mu.Lock()
		_, seen := s.acked[call.ID]
		s.acked[call.ID] = struct{}{}
		s.mu.Unlock()
		if seen {
			log.WithFields(log.Fields{"component": "live", "call_id": call.ID}).Debug("duplicate tool call ignored")
			return
		}
	}

	errMsg := ""
	if call.Name != ClaimToolName {
		errMsg = fmt.Sprintf("unknown function %q", call.Name)
	}
	if err := s.writeMessage(conn, buildToolResponseFrame(call.ID, call.Name, errMsg)); err != nil {
		log.WithFields(log.Fields{"component": "live", "call_id": call.ID}).Warnf("tool response failed: %v", err)
	}
	if errMsg != "" {
		log.WithFields(log.Fields{"component": "live", "call_id": call.ID}).Warn(errMsg)
		return
	}
	s.manager.emit(Event{
		Type:      EventClaimDetected,
		SessionID: s.id,
		State:     s.State(),
		Claim:     &ClaimCall{CallID: call.ID, Title: call.Title, Text: call.Text},
	})
}

// fail ends the session after a transport failure.
func (s *Session) fail(err error) {
	s.finish(CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: err.Error(), Abnormal: true}, StateClosed)
}

// finish runs once: it closes the socket, records the close and emits the closed event.
func (s *Session) finish(info CloseInfo, next State) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.closeInfo = &info
		s.mu.Unlock()

		if conn != nil {
			if !info.Abnormal {
				s.writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(info.Code, info.Reason), time.Now().Add(controlDeadline))
				s.writeMu.Unlock()
			}
			if errClose := conn.Close(); errClose != nil {
				log.WithField("component", "live").Debugf("live session %s: close: %v", s.id, errClose)
			}
		}
		s.setState(next)
		close(s.done)
		logSessionDisconnected(s.id, s.url, info)
		s.manager.emit(Event{Type: EventClosed, SessionID: s.id, State: next, Close: &info})
	})
}

func closeInfoFromError(err error) CloseInfo {
	if closeErr, ok := errors.AsType[*websocket.CloseError](err); ok {
		return CloseInfo{Code: closeErr.Code, Reason: closeErr.Text, Abnormal: true}
	}
	return CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: err.Error(), Abnormal: true}
}

func handshakeBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return strings.TrimSpace(string(body))
}

func closeHTTPResponseBody(resp *http.Response, logPrefix string) {
	if resp == nil || resp.Body == nil {
		return
	}
	if errClose := resp.Body.Close(); errClose != nil {
		log.Errorf("%s: %v", logPrefix, errClose)
	}
}

func logSessionConnected(sessionID, url string) {
	log.WithField("component", "live").Infof("live websocket: session connected id=%s url=%s", sessionID, url)
}

func logSessionDisconnected(sessionID, url string, info CloseInfo) {
	entry := log.WithFields(log.Fields{"component": "live", "code": info.Code})
	if info.Abnormal {
		entry.Warnf("live websocket: session dropped id=%s url=%s reason=%s", sessionID, url, info.Reason)
		return
	}
	entry.Infof("live websocket: session closed id=%s url=%s reason=%s", sessionID, url, info.Reason)
}
