package authflow

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/livecheck/livecheck/internal/auth/google"
	"github.com/livecheck/livecheck/internal/browser"
	"github.com/livecheck/livecheck/internal/config"
	"golang.org/x/oauth2"
)

type recordingSink struct {
	mu     sync.Mutex
	tokens []*oauth2.Token
}

func (s *recordingSink) StoreTokens(tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, tok)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

type nopPresenter struct{}

func (nopPresenter) Present(string, bool) browser.Outcome { return browser.Printed }

// fakeProvider is a token endpoint that enforces PKCE: each issued code is bound
// to the code_challenge of the consent URL that produced it.
type fakeProvider struct {
	mu         sync.Mutex
	challenges map[string]string
	exchanges  int
	server     *httptest.Server
}

func newFakeProvider(t *testing.T) *fakeProvider {
	p := &fakeProvider{challenges: make(map[string]string)}
	p.server = httptest.NewServer(http.HandlerFunc(p.token))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) client() *google.Client {
	return google.NewClientWithHTTP(config.OAuthConfig{
		ClientID: "cid",
		AuthURL:  "https://accounts.example/auth",
		TokenURL: p.server.URL,
		Scopes:   []string{"s"},
	}, p.server.Client())
}

// authorize plays the user consenting: it issues code for the consent URL.
func (p *fakeProvider) authorize(t *testing.T, consentURL, code string) (redirect, state string) {
	t.Helper()
	u, err := url.Parse(consentURL)
	if err != nil {
		t.Fatalf("parse consent url: %v", err)
	}
	q := u.Query()
	p.mu.Lock()
	p.challenges[code] = q.Get("code_challenge")
	p.mu.Unlock()
	return q.Get("redirect_uri"), q.Get("state")
}

func (p *fakeProvider) token(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	p.mu.Lock()
	p.exchanges++
	challenge := p.challenges[r.PostForm.Get("code")]
	p.mu.Unlock()

	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	w.Header().Set("Content-Type", "application/json")
	if challenge == "" || base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code_verifier mismatch"}`))
		return
	}
	_, _ = w.Write([]byte(`{"access_token":"A","refresh_token":"R","expires_in":3600,"token_type":"Bearer"}`))
}

func (p *fakeProvider) exchangeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

func visit(t *testing.T, redirect string, query url.Values) {
	t.Helper()
	resp, err := http.Get(redirect + "?" + query.Encode())
	if err != nil {
		t.Fatalf("visit redirect: %v", err)
	}
	_ = resp.Body.Close()
}

func waitAttempt(t *testing.T, a *Attempt) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("attempt did not finish")
	}
	return err
}

func TestLoginSuccess(t *testing.T) {
	provider := newFakeProvider(t)
	sink := &recordingSink{}
	c := NewController(provider.client(), sink, nopPresenter{}, Options{})

	a, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	redirect, state := provider.authorize(t, a.URL, "code-1")
	visit(t, redirect, url.Values{"code": {"code-1"}, "state": {state}})

	if err = waitAttempt(t, a); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sink.count() != 1 || sink.tokens[0].RefreshToken != "R" {
		t.Fatalf("sink tokens = %v", sink.tokens)
	}
	if c.Pending() {
		t.Fatal("attempt still pending after success")
	}
}

func TestStateMismatchNeverCallsTokenEndpoint(t *testing.T) {
	provider := newFakeProvider(t)
	sink := &recordingSink{}
	c := NewController(provider.client(), sink, nopPresenter{}, Options{})

	a, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	redirect, _ := provider.authorize(t, a.URL, "code-1")
	visit(t, redirect, url.Values{"code": {"code-1"}, "state": {"forged"}})

	if err = waitAttempt(t, a); !errors.Is(err, google.ErrStateMismatch) {
		t.Fatalf("Wait = %v, want ErrStateMismatch", err)
	}
	if provider.exchangeCount() != 0 {
		t.Fatalf("token endpoint called %d times", provider.exchangeCount())
	}
	if sink.count() != 0 {
		t.Fatal("tokens stored after state mismatch")
	}
}

func TestVerifierFromReplacedAttemptIsRejected(t *testing.T) {
	provider := newFakeProvider(t)
	sink := &recordingSink{}
	c := NewController(provider.client(), sink, nopPresenter{}, Options{})

	first, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start first: %v", err)
	}
	// The user consents on the first URL, but a second attempt replaces it before the redirect lands.
	_, _ = provider.authorize(t, first.URL, "code-old")

	second, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start second: %v", err)
	}
	if err = waitAttempt(t, first); !errors.Is(err, google.ErrAttemptCancelled) {
		t.Fatalf("first Wait = %v, want ErrAttemptCancelled", err)
	}

	u, _ := url.Parse(second.URL)
	visit(t, u.Query().Get("redirect_uri"), url.Values{"code": {"code-old"}, "state": {u.Query().Get("state")}})

	err = waitAttempt(t, second)
	if !errors.Is(err, google.ErrCodeExchangeFailed) {
		t.Fatalf("second Wait = %v, want ErrCodeExchangeFailed", err)
	}
	if sink.count() != 0 {
		t.Fatal("tokens stored despite PKCE mismatch")
	}
}

func TestNewAttemptClosesPreviousListener(t *testing.T) {
	provider := newFakeProvider(t)
	c := NewController(provider.client(), &recordingSink{}, nopPresenter{}, Options{})

	first, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	firstRedirect, _ := provider.authorize(t, first.URL, "x")
	if _, err = c.Start(context.Background()); err != nil {
		t.Fatalf("Start second: %v", err)
	}
	_ = waitAttempt(t, first)

	client := &http.Client{Timeout: time.Second}
	if resp, errGet := client.Get(firstRedirect + "?code=x"); errGet == nil {
		_ = resp.Body.Close()
		t.Fatal("superseded listener still accepting connections")
	}
	c.Cancel()
}

func TestProviderErrorAndTimeout(t *testing.T) {
	provider := newFakeProvider(t)

	t.Run("access denied", func(t *testing.T) {
		c := NewController(provider.client(), &recordingSink{}, nopPresenter{}, Options{})
		a, err := c.Start(context.Background())
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		redirect, state := provider.authorize(t, a.URL, "unused")
		visit(t, redirect, url.Values{"error": {"access_denied"}, "state": {state}})

		err = waitAttempt(t, a)
		oauthErr, ok := errors.AsType[*google.OAuthError](err)
		if !ok || oauthErr.Code != "access_denied" {
			t.Fatalf("Wait = %v, want access_denied", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		c := NewController(provider.client(), &recordingSink{}, nopPresenter{}, Options{Timeout: 50 * time.Millisecond})
		a, err := c.Start(context.Background())
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err = waitAttempt(t, a); !errors.Is(err, google.ErrCallbackTimeout) {
			t.Fatalf("Wait = %v, want ErrCallbackTimeout", err)
		}
	})
}

func TestSubmitCallbackURL(t *testing.T) {
	provider := newFakeProvider(t)
	sink := &recordingSink{}
	c := NewController(provider.client(), sink, nopPresenter{}, Options{})

	if err := c.SubmitCallbackURL("http://127.0.0.1/?code=a&state=b"); err == nil {
		t.Fatal("expected error without a pending attempt")
	}

	a, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	redirect, state := provider.authorize(t, a.URL, "code-pasted")
	if err = c.SubmitCallbackURL(redirect + "?code=code-pasted&state=" + state); err != nil {
		t.Fatalf("SubmitCallbackURL: %v", err)
	}
	if err = waitAttempt(t, a); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("sink count = %d", sink.count())
	}
}
