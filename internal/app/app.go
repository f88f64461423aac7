// Package app wires every LiveCheck component into one explicitly constructed
// context object. Nothing in the module keeps process-wide mutable state: the
// control API, the CLI and the config watcher all act through an *App.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livecheck/livecheck/internal/auth/google"
	"github.com/livecheck/livecheck/internal/authflow"
	"github.com/livecheck/livecheck/internal/browser"
	"github.com/livecheck/livecheck/internal/claims"
	"github.com/livecheck/livecheck/internal/config"
	"github.com/livecheck/livecheck/internal/credential"
	"github.com/livecheck/livecheck/internal/credstore"
	"github.com/livecheck/livecheck/internal/live"
	"github.com/livecheck/livecheck/internal/token"
	"github.com/livecheck/livecheck/internal/util"
	"github.com/livecheck/livecheck/internal/verify"
	log "github.com/sirupsen/logrus"
)

const (
	verifyHTTPTimeout    = 60 * time.Second
	liveHandshakeTimeout = 30 * time.Second
)

// ErrClosed is returned by operations on an App after Close.
var ErrClosed = errors.New("app: closed")

// Option customises New.
type Option func(*settings)

type settings struct {
	presenter        authflow.Presenter
	livePingInterval time.Duration
}

// WithPresenter replaces the browser launcher that shows the consent URL.
func WithPresenter(p authflow.Presenter) Option {
	return func(s *settings) { s.presenter = p }
}

// WithLivePingInterval overrides the Live heartbeat period; negative disables it.
func WithLivePingInterval(d time.Duration) Option {
	return func(s *settings) { s.livePingInterval = d }
}

// Status is the secret-free snapshot served to the UI.
type Status struct {
	LoggedIn     bool      `json:"logged_in"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	LoginPending bool      `json:"login_pending"`
	Credential   string    `json:"credential"`
	KeyPoolSize  int       `json:"key_pool_size"`
	SessionID    string    `json:"session_id,omitempty"`
	SessionState string    `json:"session_state"`
	Claims       int       `json:"claims"`
}

// App owns every component. It is safe for concurrent use.
type App struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	store    *credstore.Store
	oauth    *google.Client
	tokens   *token.Manager
	flow     *authflow.Controller
	policy   *credential.Policy
	live     *live.Manager
	verifier verifierRef
	tracker  *claims.Tracker
	bus      *Bus

	audioMIME atomic.Value

	// opMu serializes session starts with credential switches and logout.
	opMu sync.Mutex

	unsubscribe []func()
	closeOnce   sync.Once
	closed      atomic.Bool
}

// verifierRef lets a config reload swap the verifier under running claims.
type verifierRef struct {
	p atomic.Pointer[verify.Verifier]
}

func (r *verifierRef) Verify(ctx context.Context, claimText string) verify.Result {
	return r.p.Load().Verify(ctx, claimText)
}

// New builds every component from cfg. Call Start to adopt persisted credentials.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}
	if s.presenter == nil {
		s.presenter = browser.NewLauncher()
	}

	authDir, err := util.ResolveAuthDir(cfg.AuthDir)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if authDir == "" {
		return nil, fmt.Errorf("app: auth-dir is required")
	}

	a := &App{cfg: cfg, bus: NewBus()}
	a.store = credstore.New(authDir)
	a.oauth = google.NewClient(cfg)
	a.tokens = token.NewManager(a.oauth, a.store)
	a.flow = authflow.NewController(a.oauth, a.tokens, s.presenter, authflow.Options{
		Timeout:   cfg.OAuth.CallbackTimeout,
		NoBrowser: cfg.OAuth.NoBrowser,
	})
	a.policy = credential.NewPolicy(a.tokens, cfg.CredentialMode, cfg.APIKeys)
	a.live = live.NewManager(live.Options{
		URL:               cfg.Live.URL,
		Model:             cfg.Live.Model,
		SystemInstruction: cfg.Live.SystemInstruction,
		AudioMIME:         audioMIME(cfg.Live.SampleRateHertz),
		Dialer:            util.NewProxyAwareWebsocketDialer(&cfg.SDKConfig, liveHandshakeTimeout),
		PingInterval:      s.livePingInterval,
	})
	a.policy.SetSessionGuard(a.live)
	a.audioMIME.Store(audioMIME(cfg.Live.SampleRateHertz))
	a.verifier.p.Store(newVerifier(cfg, a.policy))
	a.tracker = claims.NewTracker(&a.verifier)

	a.tracker.OnVerified(a.onVerified)
	a.unsubscribe = append(a.unsubscribe,
		a.tokens.Subscribe(a.onTokenEvent),
		a.live.Subscribe(live.ObserverFunc(a.onLiveEvent)),
	)
	log.WithField("component", "app").Infof("credential store at %s, active credential %s", a.store.Path(), a.policy.Describe())
	return a, nil
}

func newVerifier(cfg *config.Config, policy *credential.Policy) *verify.Verifier {
	client := util.SetProxy(&cfg.SDKConfig, &http.Client{Timeout: verifyHTTPTimeout})
	opts := verify.OptionsFromConfig(cfg.Verify)
	opts.HTTPClient = client
	opts.Resolver = verify.NewResolver(client, nil)
	opts.RequestLog = cfg.RequestLog
	return verify.NewVerifier(policy, opts)
}

func audioMIME(sampleRate int) string {
	if sampleRate <= 0 {
		return live.DefaultAudioMIME
	}
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// Start adopts the persisted refresh token, if any. An authentication failure is
// reported through status events and does not stop the app.
func (a *App) Start(ctx context.Context) error {
	if a.closed.Load() {
		return ErrClosed
	}
	err := a.tokens.Load(ctx)
	if err != nil && !google.IsAuthenticationError(err) {
		return err
	}
	if err != nil {
		log.WithField("component", "app").Warnf("stored credentials not usable yet: %v", err)
	}
	if st := a.tokens.Status(); st.LoggedIn {
		a.bus.Publish(StatusEvent{Type: EventLoggedIn})
	}
	return nil
}

// Config returns the configuration currently applied.
func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Events subscribes to status events.
func (a *App) Events(buffer int) (<-chan StatusEvent, func()) {
	return a.bus.Subscribe(buffer)
}

// Status snapshots auth, credential, session and claim state.
func (a *App) Status() Status {
	tokens := a.tokens.Status()
	st := Status{
		LoggedIn:     tokens.LoggedIn,
		ExpiresAt:    tokens.ExpiresAt,
		LoginPending: a.flow.Pending(),
		Credential:   a.policy.Describe(),
		KeyPoolSize:  a.policy.PoolSize(),
		SessionState: live.StateIdle.String(),
		Claims:       len(a.tracker.List()),
	}
	if s := a.live.Current(); s != nil {
		st.SessionID = s.ID()
		st.SessionState = s.State().String()
	}
	return st
}

// BeginLogin starts an authorization attempt, replacing any pending one, and
// returns without waiting for the callback.
func (a *App) BeginLogin(ctx context.Context) (*authflow.Attempt, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	return a.flow.Start(ctx)
}

// Login runs a full authorization attempt and waits for it.
func (a *App) Login(ctx context.Context) error {
	if a.closed.Load() {
		return ErrClosed
	}
	return a.flow.Login(ctx)
}

// SubmitCallbackURL completes a pending attempt with a callback URL pasted by the user.
func (a *App) SubmitCallbackURL(raw string) error {
	return a.flow.SubmitCallbackURL(raw)
}

// Logout cancels a pending attempt, closes an OAuth-authorized session and
// deletes the stored credentials.
func (a *App) Logout() {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	a.flow.Cancel()
	if a.policy.Active().Kind == credential.KindOAuth {
		a.StopSession()
	}
	a.tokens.ClearTokens()
}

// UseOAuth switches to the OAuth credential. An open session is closed first.
func (a *App) UseOAuth() error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if a.policy.Active().Kind == credential.KindOAuth {
		return nil
	}
	a.StopSession()
	if err := a.policy.UseOAuth(); err != nil {
		return err
	}
	a.publishCredential()
	return nil
}

// UseAPIKeys switches to a static key pool. Empty keys selects the configured
// pool. An open session is closed first.
func (a *App) UseAPIKeys(keys []string) error {
	if len(keys) == 0 {
		keys = a.Config().APIKeys
	}
	if len(keys) == 0 {
		return credential.ErrNoKeys
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()
	a.StopSession()
	if err := a.policy.UseAPIKeys(keys); err != nil {
		return err
	}
	a.publishCredential()
	return nil
}

func (a *App) publishCredential() {
	a.bus.Publish(StatusEvent{Type: EventCredentialChanged, Credential: a.policy.Describe()})
}

// StartSession opens a Live session with the active credential, closing any
// previous session first.
func (a *App) StartSession(ctx context.Context) (*live.Session, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()

	auth, err := a.policy.AuthContext(ctx)
	if err != nil {
		a.bus.Publish(StatusEvent{Type: EventConnectionError, Message: google.GetUserFriendlyMessage(err)})
		return nil, err
	}
	s, err := a.live.Start(ctx, auth)
	if err != nil {
		ev := StatusEvent{Type: EventConnectionError, Message: connectionMessage(err)}
		if s != nil {
			ev.SessionID = s.ID()
			ev.State = s.State().String()
		}
		a.bus.Publish(ev)
		return s, err
	}
	return s, nil
}

func connectionMessage(err error) string {
	if tErr, ok := errors.AsType[*live.TransportError](err); ok && tErr.StatusCode != 0 {
		switch tErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return "The live service rejected the credential. Please log in again or switch credentials."
		case http.StatusTooManyRequests:
			return "The live service is rate limiting this credential. Please try again later."
		}
		return fmt.Sprintf("Could not connect to the live service (HTTP %d).", tErr.StatusCode)
	}
	return "Could not connect to the live service. Check your network connection."
}

// StopSession closes the current session, if any.
func (a *App) StopSession() {
	a.live.Disconnect()
}

// SendAudio forwards one base64 PCM frame. It reports false when no session can take it.
func (a *App) SendAudio(b64, mime string) bool {
	if strings.TrimSpace(mime) == "" {
		mime, _ = a.audioMIME.Load().(string)
	}
	return a.live.SendAudio(b64, mime)
}

// Claims lists claim records in detection order.
func (a *App) Claims() []claims.Record {
	return a.tracker.List()
}

// Claim returns one claim record.
func (a *App) Claim(id string) (claims.Record, bool) {
	return a.tracker.Get(id)
}

// VerifyText verifies text directly, outside any session.
func (a *App) VerifyText(ctx context.Context, text string) verify.Result {
	return a.verifier.Verify(ctx, text)
}

// ReloadConfig applies a reloaded configuration: key pool, proxy, models and
// audio format. An open session keeps its connection.
func (a *App) ReloadConfig(cfg *config.Config) {
	if cfg == nil || a.closed.Load() {
		return
	}
	a.cfgMu.Lock()
	a.cfg = cfg
	a.cfgMu.Unlock()

	before := a.policy.Describe()
	a.policy.UpdateKeys(cfg.APIKeys)
	a.verifier.p.Store(newVerifier(cfg, a.policy))
	a.live.SetModel(cfg.Live.Model, cfg.Live.SystemInstruction)
	a.audioMIME.Store(audioMIME(cfg.Live.SampleRateHertz))
	if after := a.policy.Describe(); after != before {
		a.publishCredential()
	}
	log.WithField("component", "app").Infof("configuration applied, active credential %s", a.policy.Describe())
}

// Close tears every component down. Stored credentials are kept.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.flow.Cancel()
		a.live.Close()
		a.tracker.Close()
		a.tokens.Close()
		for _, fn := range a.unsubscribe {
			fn()
		}
		a.bus.Close()
	})
}

func (a *App) onTokenEvent(ev token.Event) {
	switch ev.Type {
	case token.EventTokensStored:
		a.bus.Publish(StatusEvent{Type: EventLoggedIn})
	case token.EventLoggedOut:
		msg := "Logged out."
		if ev.Revoked {
			msg = google.GetUserFriendlyMessage(google.ErrAuthRevoked)
		}
		a.bus.Publish(StatusEvent{Type: EventLoggedOut, Message: msg})
	}
}

func (a *App) onLiveEvent(ev live.Event) {
	switch ev.Type {
	case live.EventStateChanged:
		a.bus.Publish(StatusEvent{Type: EventSessionState, SessionID: ev.SessionID, State: ev.State.String()})
	case live.EventClaimDetected:
		if ev.Claim == nil {
			return
		}
		claim := a.tracker.Detected(ev.Claim.Title, ev.Claim.Text, ev.Claim.CallID)
		a.bus.Publish(StatusEvent{Type: EventClaimDetected, SessionID: ev.SessionID, Claim: &claim})
	case live.EventClosed:
		// Dial failures are reported by StartSession.
		if ev.Close == nil || !ev.Close.Abnormal || ev.State == live.StateErrored {
			return
		}
		a.bus.Publish(StatusEvent{
			Type:      EventConnectionError,
			SessionID: ev.SessionID,
			State:     ev.State.String(),
			Message:   fmt.Sprintf("The live connection was lost (code %d). Start a new session to continue.", ev.Close.Code),
		})
	case live.EventGoAway:
		log.WithField("component", "app").Infof("live service will close session %s in %s", ev.SessionID, ev.TimeLeft)
	}
}

func (a *App) onVerified(rec claims.Record) {
	a.bus.Publish(StatusEvent{Type: EventClaimVerified, Record: &rec})
}
