package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/livecheck/livecheck/internal/auth/google"
)

type staticTokens struct {
	token string
	ok    bool
	calls int
}

func (s *staticTokens) GetValidToken(context.Context) (string, bool) {
	s.calls++
	return s.token, s.ok
}

type guardFunc func() bool

func (g guardFunc) SessionOpen() bool { return g() }

func TestAuthContextOAuth(t *testing.T) {
	tokens := &staticTokens{token: "ya29.first", ok: true}
	p := NewPolicy(tokens, "oauth", nil)

	ac, err := p.AuthContext(context.Background())
	if err != nil {
		t.Fatalf("AuthContext: %v", err)
	}
	if got := ac.Header.Get("Authorization"); got != "Bearer ya29.first" {
		t.Fatalf("Authorization = %q", got)
	}
	if len(ac.Query) != 0 || ac.KeyIndex != -1 {
		t.Fatalf("unexpected api key data: %+v", ac)
	}

	// Resolved per call: a refreshed token is picked up by the next request.
	tokens.token = "ya29.second"
	ac, _ = p.AuthContext(context.Background())
	if got := ac.Header.Get("Authorization"); got != "Bearer ya29.second" {
		t.Fatalf("Authorization after refresh = %q", got)
	}

	tokens.ok = false
	if _, err = p.AuthContext(context.Background()); !errors.Is(err, google.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestAuthContextAPIKey(t *testing.T) {
	tokens := &staticTokens{}
	p := NewPolicy(tokens, "api-key", []string{" k1 ", "k2", "k1", ""})

	if p.PoolSize() != 2 {
		t.Fatalf("PoolSize = %d, want 2", p.PoolSize())
	}
	ac, err := p.AuthContext(context.Background())
	if err != nil {
		t.Fatalf("AuthContext: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, "https://example.test/v1beta/models/m:generateContent", nil)
	ac.Apply(req)
	if got := req.Header.Get("x-goog-api-key"); got != "k1" {
		t.Fatalf("x-goog-api-key = %q", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatal("api key request carries a bearer token")
	}

	u, _ := url.Parse("wss://example.test/ws?alt=1")
	ac.ApplyURL(u)
	if u.Query().Get("key") != "k1" || u.Query().Get("alt") != "1" {
		t.Fatalf("url = %s", u)
	}
	if tokens.calls != 0 {
		t.Fatal("token source consulted in api key mode")
	}
}

func TestRotateKey(t *testing.T) {
	p := NewPolicy(&staticTokens{}, "api_key", []string{"k1", "k2", "k3"})
	var seen []string
	for i := 0; i < 4; i++ {
		seen = append(seen, p.Active().Key)
		if !p.RotateKey() {
			t.Fatalf("RotateKey #%d returned false", i)
		}
	}
	if strings.Join(seen, ",") != "k1,k2,k3,k1" {
		t.Fatalf("rotation order = %v", seen)
	}

	single := NewPolicy(&staticTokens{}, "api_key", []string{"only"})
	if single.RotateKey() {
		t.Fatal("single-key pool rotated")
	}
	oauth := NewPolicy(&staticTokens{}, "oauth", []string{"k1", "k2"})
	if oauth.RotateKey() {
		t.Fatal("oauth mode rotated")
	}
}

func TestRotateFromAdvancesOnce(t *testing.T) {
	p := NewPolicy(&staticTokens{}, "api_key", []string{"k1", "k2", "k3"})
	p.RotateFrom(0)
	p.RotateFrom(0)
	if got := p.Active().PoolIndex; got != 1 {
		t.Fatalf("index = %d, want 1", got)
	}
}

func TestSwitchRefusedWhileSessionOpen(t *testing.T) {
	open := true
	p := NewPolicy(&staticTokens{}, "oauth", nil)
	p.SetSessionGuard(guardFunc(func() bool { return open }))

	if err := p.UseAPIKeys([]string{"k"}); !errors.Is(err, ErrSessionOpen) {
		t.Fatalf("UseAPIKeys = %v, want ErrSessionOpen", err)
	}
	if p.Active().Kind != KindOAuth {
		t.Fatal("credential changed despite refusal")
	}

	open = false
	if err := p.UseAPIKeys([]string{"k"}); err != nil {
		t.Fatalf("UseAPIKeys: %v", err)
	}
	open = true
	if err := p.UseOAuth(); !errors.Is(err, ErrSessionOpen) {
		t.Fatalf("UseOAuth = %v, want ErrSessionOpen", err)
	}
	open = false
	if err := p.UseOAuth(); err != nil || p.Active().Kind != KindOAuth {
		t.Fatalf("UseOAuth = %v, kind %s", err, p.Active().Kind)
	}
	if err := p.UseAPIKeys([]string{" ", ""}); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("UseAPIKeys(empty) = %v, want ErrNoKeys", err)
	}
}

func TestNewPolicyFallsBackWithoutKeys(t *testing.T) {
	if kind := NewPolicy(&staticTokens{}, "api-key", nil).Active().Kind; kind != KindOAuth {
		t.Fatalf("kind = %s, want oauth", kind)
	}
}

func TestUpdateKeys(t *testing.T) {
	p := NewPolicy(&staticTokens{}, "api_key", []string{"k1", "k2", "k3"})
	p.RotateKey()
	p.RotateKey()
	p.UpdateKeys([]string{"n1"})
	if a := p.Active(); a.Key != "n1" || a.PoolIndex != 0 {
		t.Fatalf("active = %+v", a)
	}
	p.UpdateKeys(nil)
	if p.PoolSize() != 1 {
		t.Fatal("empty reload wiped the active pool")
	}
}

func TestDescribeMasksKey(t *testing.T) {
	p := NewPolicy(&staticTokens{}, "api_key", []string{"AIzaSyVerySecretKey1234"})
	desc := p.Describe()
	if strings.Contains(desc, "VerySecret") {
		t.Fatalf("Describe leaked key: %s", desc)
	}
	if !strings.HasPrefix(desc, "api_key 1/1") {
		t.Fatalf("Describe = %q", desc)
	}
	if got := NewPolicy(&staticTokens{}, "oauth", nil).Describe(); got != "oauth" {
		t.Fatalf("Describe = %q", got)
	}
}

func TestIsQuotaError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 403, Msg: `{"error":{"status":"RESOURCE_EXHAUSTED"}}`}, true},
		{fmt.Errorf("wrapped: %w", &StatusError{Code: 429}), true},
		{errors.New("Quota exceeded for requests per minute"), true},
		{errors.New("rate limit reached"), true},
		{&StatusError{Code: 500, Msg: "internal"}, false},
		{errors.New("connection reset"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsQuotaError(tt.err); got != tt.want {
			t.Errorf("IsQuotaError(%v) = %t, want %t", tt.err, got, tt.want)
		}
	}
}
