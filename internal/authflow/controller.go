// Package authflow drives one interactive authorization code + PKCE attempt at a
// time: it binds the loopback listener, presents the consent URL, waits for the
// redirect (or a pasted callback URL) and hands the exchanged tokens to the
// token manager.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/livecheck/livecheck/internal/auth/google"
	"github.com/livecheck/livecheck/internal/browser"
	"github.com/livecheck/livecheck/internal/misc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Exchanger builds consent URLs and redeems authorization codes. *google.Client implements it.
type Exchanger interface {
	AuthCodeURL(redirectURL string, p *google.PKCE) string
	Exchange(ctx context.Context, code, redirectURL, verifier string) (*oauth2.Token, error)
}

// TokenSink receives the tokens of a successful attempt. *token.Manager implements it.
type TokenSink interface {
	StoreTokens(tok *oauth2.Token) error
}

// Presenter shows the consent URL to the user. *browser.Launcher implements it.
type Presenter interface {
	Present(url string, noBrowser bool) browser.Outcome
}

// Options configures a Controller.
type Options struct {
	// Timeout bounds how long an attempt waits for the redirect.
	Timeout time.Duration
	// NoBrowser skips launching a browser; the URL is copied or printed instead.
	NoBrowser bool
}

// Controller owns the single pending attempt.
type Controller struct {
	exchanger Exchanger
	sink      TokenSink
	presenter Presenter
	opts      Options

	mu      sync.Mutex
	current *Attempt
}

// NewController wires a Controller. A zero Timeout means five minutes.
func NewController(exchanger Exchanger, sink TokenSink, presenter Presenter, opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Controller{exchanger: exchanger, sink: sink, presenter: presenter, opts: opts}
}

// Attempt is one in-flight authorization. Its PKCE secrets never leave the process.
type Attempt struct {
	// URL is the consent URL the user must visit.
	URL string
	// Presented records how URL reached the user.
	Presented browser.Outcome

	pkce     *google.PKCE
	server   *google.CallbackServer
	manual   chan *misc.OAuthCallback
	cancel   context.CancelCauseFunc
	done     chan struct{}
	err      error
	finished sync.Once
}

// Start cancels any pending attempt, then opens a new one. ctx only bounds setup;
// the attempt itself lives until the redirect, its timeout or cancellation.
func (c *Controller) Start(ctx context.Context) (*Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.current != nil {
		c.current.abort(google.ErrAttemptCancelled)
		c.current = nil
	}

	pkce, err := google.NewPKCE()
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("authflow: %w", err)
	}
	server, err := google.StartCallbackServer(pkce.State)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	attemptCtx, cancel := context.WithCancelCause(context.Background())
	attemptCtx, cancelTimeout := context.WithTimeoutCause(attemptCtx, c.opts.Timeout, google.ErrCallbackTimeout)
	a := &Attempt{
		URL:    c.exchanger.AuthCodeURL(server.RedirectURL(), pkce),
		pkce:   pkce,
		server: server,
		manual: make(chan *misc.OAuthCallback, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.current = a
	c.mu.Unlock()

	go func() {
		defer cancelTimeout()
		err := c.run(attemptCtx, a)
		a.finish(err)
		c.mu.Lock()
		if c.current == a {
			c.current = nil
		}
		c.mu.Unlock()
	}()

	a.Presented = c.presenter.Present(a.URL, c.opts.NoBrowser)
	log.WithField("component", "authflow").Infof("waiting for authorization callback on %s (url %s)", server.RedirectURL(), a.Presented)
	return a, nil
}

func (c *Controller) run(ctx context.Context, a *Attempt) error {
	defer a.server.Stop(context.Background())

	var code string
	select {
	case res := <-a.server.Result():
		if res.Err != nil {
			return res.Err
		}
		code = res.Code
	case cb := <-a.manual:
		if cb.State != a.pkce.State {
			return google.ErrStateMismatch
		}
		if cb.Error != "" {
			return google.NewOAuthError(cb.Error, cb.ErrorDescription, 0)
		}
		code = cb.Code
	case <-ctx.Done():
		cause := context.Cause(ctx)
		if errors.Is(cause, google.ErrCallbackTimeout) {
			return google.NewAuthenticationError(google.ErrCallbackTimeout, nil)
		}
		return cause
	}

	tok, err := c.exchanger.Exchange(ctx, code, a.server.RedirectURL(), a.pkce.Verifier)
	if err != nil {
		return err
	}
	if err = c.sink.StoreTokens(tok); err != nil {
		return err
	}
	log.WithField("component", "authflow").Info("authentication successful")
	return nil
}

// Cancel aborts the pending attempt, if any.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.abort(google.ErrAttemptCancelled)
		c.current = nil
	}
}

// Pending reports whether an attempt is waiting for its callback.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// SubmitCallbackURL feeds a callback URL pasted by the user into the pending
// attempt, for setups where the browser cannot reach the loopback listener.
func (c *Controller) SubmitCallbackURL(raw string) error {
	cb, err := misc.ParseOAuthCallback(raw)
	if err != nil {
		return fmt.Errorf("authflow: %w", err)
	}
	if cb == nil {
		return fmt.Errorf("authflow: empty callback URL")
	}
	c.mu.Lock()
	a := c.current
	c.mu.Unlock()
	if a == nil {
		return fmt.Errorf("authflow: no authorization in progress")
	}
	select {
	case a.manual <- cb:
		return nil
	default:
		return fmt.Errorf("authflow: callback already submitted")
	}
}

// Login runs a complete attempt: Start followed by Wait.
func (c *Controller) Login(ctx context.Context) error {
	a, err := c.Start(ctx)
	if err != nil {
		return err
	}
	return a.Wait(ctx)
}

// Wait blocks until the attempt finishes or ctx is done. Cancelling ctx does not
// cancel the attempt.
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the attempt has finished.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Err returns the outcome once Done is closed.
func (a *Attempt) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

func (a *Attempt) abort(cause error) {
	a.cancel(cause)
	a.server.Stop(context.Background())
}

func (a *Attempt) finish(err error) {
	a.finished.Do(func() {
		a.err = err
		a.pkce = nil
		if err != nil {
			log.WithField("component", "authflow").Warnf("authorization attempt ended: %v", err)
		}
		close(a.done)
	})
}
