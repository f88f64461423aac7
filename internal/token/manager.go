// Package token owns the OAuth token pair for the lifetime of the process: it
// hands out valid access tokens, refreshes them ahead of expiry on a background
// timer, persists the refresh token through the credential store and wipes
// everything when the authorization server revokes it.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/livecheck/livecheck/internal/auth/google"
	"github.com/livecheck/livecheck/internal/credstore"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// SafetyMargin is the minimum remaining lifetime for an access token to be handed out.
	SafetyMargin = 5 * time.Minute

	// transientRetryDelay re-arms the background refresh after a transient failure.
	transientRetryDelay = 30 * time.Second

	refreshTimeout = 30 * time.Second
)

// Pair is the in-memory token state.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	TokenType    string
}

// EventType identifies a lifecycle notification.
type EventType int

const (
	// EventTokensStored follows a successful login.
	EventTokensStored EventType = iota + 1
	// EventTokenRefreshed follows a successful refresh.
	EventTokenRefreshed
	// EventLoggedOut follows an explicit logout or a revocation.
	EventLoggedOut
)

func (t EventType) String() string {
	switch t {
	case EventTokensStored:
		return "tokens_stored"
	case EventTokenRefreshed:
		return "token_refreshed"
	case EventLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after the state change has been applied.
type Event struct {
	Type EventType
	// Revoked is set on EventLoggedOut when the server rejected the refresh token.
	Revoked   bool
	ExpiresAt time.Time
}

// Refresher exchanges a refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Persister stores the refresh token at rest. *credstore.Store implements it.
type Persister interface {
	Save(refreshToken string) error
	Load() (string, error)
	Clear() error
}

// Status is a secret-free snapshot for the UI.
type Status struct {
	LoggedIn  bool      `json:"logged_in"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Manager is safe for concurrent use.
type Manager struct {
	refresher Refresher
	store     Persister
	clock     Clock

	mu    sync.Mutex
	pair  Pair
	timer Timer
	// generation identifies the most recently armed timer; stale timers compare unequal and exit.
	generation uint64
	// epoch changes on every login and logout so an in-flight refresh cannot resurrect old state.
	epoch uint64

	sf singleflight.Group

	listenersMu sync.RWMutex
	listeners   map[int]func(Event)
	nextID      int
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager returns a Manager with no tokens. Call Load to adopt persisted credentials.
func NewManager(refresher Refresher, store Persister, opts ...Option) *Manager {
	m := &Manager{
		refresher: refresher,
		store:     store,
		clock:     systemClock{},
		listeners: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn for lifecycle events and returns a function that removes it.
// fn is called outside the manager's lock and must not block for long.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

func (m *Manager) notify(ev Event) {
	m.listenersMu.RLock()
	fns := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// StoreTokens adopts a freshly issued token (login). The refresh token, when
// present, is persisted and the background refresh re-armed.
func (m *Manager) StoreTokens(tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("token: refusing to store empty access token")
	}
	m.mu.Lock()
	m.epoch++
	err := m.adoptLocked(tok)
	expiresAt := m.pair.ExpiresAt
	m.mu.Unlock()

	log.WithField("component", "token").Infof("tokens stored, access token valid until %s", expiresAt.Format(time.RFC3339))
	m.notify(Event{Type: EventTokensStored, ExpiresAt: expiresAt})
	return err
}

// adoptLocked replaces the in-memory pair, persists a changed refresh token and
// re-arms the timer. The refresh token is only replaced when tok carries one.
func (m *Manager) adoptLocked(tok *oauth2.Token) error {
	now := m.clock.Now()
	var errPersist error
	if tok.RefreshToken != "" && tok.RefreshToken != m.pair.RefreshToken {
		if errPersist = m.store.Save(tok.RefreshToken); errPersist != nil {
			log.WithError(errPersist).Error("failed to persist refresh token")
			errPersist = fmt.Errorf("token: persist refresh token: %w", errPersist)
		}
		m.pair.RefreshToken = tok.RefreshToken
	}
	m.pair.AccessToken = tok.AccessToken
	m.pair.TokenType = tok.Type()
	m.pair.ExpiresAt = now.Add(google.ExpiresIn(tok, now))
	m.scheduleLocked(m.pair.ExpiresAt.Sub(now) - SafetyMargin)
	return errPersist
}

// scheduleLocked arms a one-shot refresh after d, replacing any earlier timer.
func (m *Manager) scheduleLocked(d time.Duration) {
	m.generation++
	gen := m.generation
	if m.timer != nil {
		m.timer.Stop()
	}
	if d <= 0 {
		log.WithField("component", "token").Debug("access token inside safety margin, refreshing now")
	} else {
		log.WithField("component", "token").Debugf("next token refresh in %s", d.Truncate(time.Second))
	}
	m.timer = m.clock.AfterFunc(d, func() { m.backgroundRefresh(gen) })
}

func (m *Manager) cancelTimerLocked() {
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) backgroundRefresh(gen uint64) {
	m.mu.Lock()
	current := gen == m.generation
	m.mu.Unlock()
	if !current {
		return
	}
	if _, err := m.RefreshAccessToken(context.Background()); err != nil {
		if errors.Is(err, google.ErrAuthTransient) {
			m.mu.Lock()
			if gen == m.generation && m.pair.RefreshToken != "" {
				m.scheduleLocked(transientRetryDelay)
			}
			m.mu.Unlock()
		}
	}
}

// GetValidToken returns an access token with at least SafetyMargin of lifetime
// left, refreshing once if needed. It reports false when no usable token can be
// produced; callers never see the refresh error.
func (m *Manager) GetValidToken(ctx context.Context) (string, bool) {
	m.mu.Lock()
	pair := m.pair
	now := m.clock.Now()
	m.mu.Unlock()

	if pair.AccessToken != "" && pair.ExpiresAt.Sub(now) >= SafetyMargin {
		return pair.AccessToken, true
	}
	if pair.RefreshToken == "" {
		return "", false
	}
	access, err := m.RefreshAccessToken(ctx)
	if err != nil {
		return "", false
	}
	return access, true
}

// RefreshAccessToken performs one refresh. Concurrent callers share the same
// request. A 400/401 answer (google.ErrAuthRevoked) wipes memory and disk;
// any other failure (google.ErrAuthTransient) leaves state untouched.
func (m *Manager) RefreshAccessToken(ctx context.Context) (string, error) {
	ch := m.sf.DoChan("refresh", func() (any, error) {
		return m.refreshOnce(ctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refreshOnce(ctx context.Context) (string, error) {
	m.mu.Lock()
	refreshToken := m.pair.RefreshToken
	epoch := m.epoch
	m.mu.Unlock()
	if refreshToken == "" {
		return "", google.ErrNotAuthenticated
	}

	// Detached so one caller's cancellation does not fail the others sharing this refresh.
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()
	tok, err := m.refresher.Refresh(refreshCtx, refreshToken)

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		log.WithField("component", "token").Debug("discarding refresh result from a previous login")
		return "", google.ErrNotAuthenticated
	}
	if err != nil {
		if errors.Is(err, google.ErrAuthRevoked) {
			changed := m.clearLocked("revoked")
			m.mu.Unlock()
			log.WithField("component", "token").WithError(err).Warn("refresh token revoked, credentials cleared")
			if changed {
				m.notify(Event{Type: EventLoggedOut, Revoked: true})
			}
			return "", err
		}
		m.mu.Unlock()
		log.WithField("component", "token").WithError(err).Warn("token refresh failed, keeping current credentials")
		if !errors.Is(err, google.ErrAuthTransient) {
			err = google.NewAuthenticationError(google.ErrAuthTransient, err)
		}
		return "", err
	}
	errPersist := m.adoptLocked(tok)
	access, expiresAt := m.pair.AccessToken, m.pair.ExpiresAt
	m.mu.Unlock()

	if errPersist != nil {
		log.WithError(errPersist).Warn("refreshed token could not be persisted")
	}
	log.WithField("component", "token").Infof("access token refreshed, valid until %s", expiresAt.Format(time.RFC3339))
	m.notify(Event{Type: EventTokenRefreshed, ExpiresAt: expiresAt})
	return access, nil
}

// ClearTokens logs out: memory is wiped, the timer cancelled and the persisted
// refresh token deleted. Calling it again is a no-op.
func (m *Manager) ClearTokens() {
	m.mu.Lock()
	changed := m.clearLocked("logout")
	m.mu.Unlock()
	if changed {
		log.WithField("component", "token").Info("logged out")
		m.notify(Event{Type: EventLoggedOut})
	}
}

func (m *Manager) clearLocked(reason string) bool {
	hadState := m.pair != (Pair{})
	m.epoch++
	m.cancelTimerLocked()
	m.pair = Pair{}
	if err := m.store.Clear(); err != nil {
		log.WithError(err).Errorf("failed to delete stored credentials (%s)", reason)
	}
	return hadState
}

// Load adopts a persisted refresh token at startup and refreshes immediately.
// A missing or corrupt file leaves the manager logged out and returns nil. A
// transient refresh failure keeps the refresh token and schedules a retry.
func (m *Manager) Load(ctx context.Context) error {
	refreshToken, err := m.store.Load()
	switch {
	case errors.Is(err, credstore.ErrNotFound):
		log.WithField("component", "token").Debug("no stored credentials")
		return nil
	case errors.Is(err, credstore.ErrCorrupt):
		log.WithField("component", "token").Warn("stored credentials were corrupt and have been removed")
		return nil
	case err != nil:
		return fmt.Errorf("token: load stored credentials: %w", err)
	}

	m.mu.Lock()
	m.epoch++
	m.pair = Pair{RefreshToken: refreshToken}
	m.mu.Unlock()

	_, err = m.RefreshAccessToken(ctx)
	if errors.Is(err, google.ErrAuthTransient) {
		m.mu.Lock()
		if m.pair.RefreshToken != "" {
			m.scheduleLocked(transientRetryDelay)
		}
		m.mu.Unlock()
	}
	return err
}

// Status reports whether a refresh token is held and when the access token expires.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{LoggedIn: m.pair.RefreshToken != "" || m.pair.AccessToken != "", ExpiresAt: m.pair.ExpiresAt}
}

// Close stops the background timer without touching stored credentials.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancelTimerLocked()
	m.mu.Unlock()
}
