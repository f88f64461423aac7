// Package credential decides which credential authorizes an outbound call: the
// OAuth access token or one key from a static API key pool. The choice is made
// per call, so a refreshed token or a rotated key applies to the next request.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/livecheck/livecheck/internal/auth/google"
	"github.com/livecheck/livecheck/internal/util"
	log "github.com/sirupsen/logrus"
)

// Kind names a credential family.
type Kind string

const (
	KindOAuth  Kind = "oauth"
	KindAPIKey Kind = "api_key"
)

var (
	// ErrSessionOpen is returned when switching credentials while a Live session is active.
	ErrSessionOpen = errors.New("credential: cannot switch credentials while a live session is open")
	// ErrNoKeys is returned when the API key pool is empty.
	ErrNoKeys = errors.New("credential: api key pool is empty")
)

// Credential describes the active selection. Key is only set for KindAPIKey.
type Credential struct {
	Kind      Kind
	Key       string
	PoolIndex int
}

// TokenSource yields OAuth access tokens. *token.Manager implements it.
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, bool)
}

// SessionGuard reports whether a Live session is non-terminal.
type SessionGuard interface {
	SessionOpen() bool
}

// AuthContext carries what one request needs to authorize itself.
type AuthContext struct {
	Kind Kind
	// Header holds Authorization (OAuth) or x-goog-api-key (API key).
	Header http.Header
	// Query holds key=<api key> for transports that cannot send headers; empty for OAuth.
	Query url.Values
	// KeyIndex is the pool index used, -1 for OAuth.
	KeyIndex int
}

// Apply sets the credential headers on req.
func (a AuthContext) Apply(req *http.Request) {
	for k, values := range a.Header {
		for _, v := range values {
			req.Header.Set(k, v)
		}
	}
}

// ApplyURL merges the credential query parameters into u.
func (a AuthContext) ApplyURL(u *url.URL) {
	if len(a.Query) == 0 {
		return
	}
	q := u.Query()
	for k, values := range a.Query {
		for _, v := range values {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
}

// Policy is safe for concurrent use.
type Policy struct {
	tokens TokenSource

	mu    sync.RWMutex
	kind  Kind
	keys  []string
	index int
	guard SessionGuard
}

// NewPolicy starts in KindOAuth unless mode is "api-key"/"api_key" and keys is non-empty.
func NewPolicy(tokens TokenSource, mode string, keys []string) *Policy {
	p := &Policy{tokens: tokens, kind: KindOAuth, keys: sanitizeKeys(keys)}
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(mode)), "-", "_") {
	case string(KindAPIKey):
		if len(p.keys) > 0 {
			p.kind = KindAPIKey
		} else {
			log.Warn("api key mode requested without keys, falling back to oauth")
		}
	}
	return p
}

// SetSessionGuard installs the check used to refuse switches during a session.
func (p *Policy) SetSessionGuard(g SessionGuard) {
	p.mu.Lock()
	p.guard = g
	p.mu.Unlock()
}

// AuthContext resolves the active credential at call time.
func (p *Policy) AuthContext(ctx context.Context) (AuthContext, error) {
	p.mu.RLock()
	kind := p.kind
	var key string
	index := -1
	if kind == KindAPIKey && len(p.keys) > 0 {
		index = p.index
		key = p.keys[index]
	}
	p.mu.RUnlock()

	switch kind {
	case KindAPIKey:
		if key == "" {
			return AuthContext{}, ErrNoKeys
		}
		return AuthContext{
			Kind:     KindAPIKey,
			Header:   http.Header{"X-Goog-Api-Key": {key}},
			Query:    url.Values{"key": {key}},
			KeyIndex: index,
		}, nil
	default:
		accessToken, ok := p.tokens.GetValidToken(ctx)
		if !ok {
			return AuthContext{}, google.ErrNotAuthenticated
		}
		return AuthContext{
			Kind:     KindOAuth,
			Header:   http.Header{"Authorization": {"Bearer " + accessToken}},
			KeyIndex: -1,
		}, nil
	}
}

// Active returns the current selection.
func (p *Policy) Active() Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.kind == KindAPIKey && len(p.keys) > 0 {
		return Credential{Kind: KindAPIKey, Key: p.keys[p.index], PoolIndex: p.index}
	}
	return Credential{Kind: KindOAuth, PoolIndex: -1}
}

func (p *Policy) sessionOpenLocked() bool {
	return p.guard != nil && p.guard.SessionOpen()
}

// UseOAuth switches to the OAuth credential. Refused with ErrSessionOpen while a session is open.
func (p *Policy) UseOAuth() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kind == KindOAuth {
		return nil
	}
	if p.sessionOpenLocked() {
		return ErrSessionOpen
	}
	p.kind = KindOAuth
	log.WithField("credential", KindOAuth).Info("credential switched")
	return nil
}

// UseAPIKeys switches to the given key pool, starting at its first key. Refused
// with ErrSessionOpen while a session is open.
func (p *Policy) UseAPIKeys(keys []string) error {
	clean := sanitizeKeys(keys)
	if len(clean) == 0 {
		return ErrNoKeys
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionOpenLocked() {
		return ErrSessionOpen
	}
	p.kind = KindAPIKey
	p.keys = clean
	p.index = 0
	log.WithField("credential", KindAPIKey).Infof("credential switched, %d key(s) in pool", len(clean))
	return nil
}

// UpdateKeys replaces the pool without changing the active kind. Used by config
// reload; an empty list is ignored while the pool is in use.
func (p *Policy) UpdateKeys(keys []string) {
	clean := sanitizeKeys(keys)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(clean) == 0 && p.kind == KindAPIKey {
		log.Warn("ignoring empty api key pool while api key mode is active")
		return
	}
	p.keys = clean
	if p.index >= len(clean) {
		p.index = 0
	}
}

// RotateKey advances to the next key in the pool, wrapping around. It returns
// false when there is nothing to rotate to.
func (p *Policy) RotateKey() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotateLocked()
}

// RotateFrom rotates only if usedIndex is still the active key, so concurrent
// callers that hit quota on the same key advance the pool once.
func (p *Policy) RotateFrom(usedIndex int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kind != KindAPIKey || len(p.keys) < 2 {
		return false
	}
	if p.index != usedIndex {
		return true
	}
	return p.rotateLocked()
}

func (p *Policy) rotateLocked() bool {
	if p.kind != KindAPIKey || len(p.keys) < 2 {
		return false
	}
	p.index = (p.index + 1) % len(p.keys)
	log.WithField("credential", KindAPIKey).Infof("rotated to api key %d/%d (%s)", p.index+1, len(p.keys), util.HideAPIKey(p.keys[p.index]))
	return true
}

// PoolSize is the number of keys in the pool.
func (p *Policy) PoolSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}

// Describe renders the selection for logs and the UI with the key masked.
func (p *Policy) Describe() string {
	active := p.Active()
	if active.Kind == KindAPIKey {
		return fmt.Sprintf("api_key %d/%d (%s)", active.PoolIndex+1, p.PoolSize(), util.HideAPIKey(active.Key))
	}
	return string(KindOAuth)
}

func sanitizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
