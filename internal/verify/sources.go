package verify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxSources caps the sources attached to one result.
	MaxSources = 5

	resolveTimeout = 5 * time.Second
)

// DefaultRedirectHosts are grounding redirect hosts whose targets are only known after following them.
var DefaultRedirectHosts = []string{"vertexaisearch.cloud.google.com"}

// ErrSourceResolution wraps a failure to resolve one source. It is logged, never returned to callers of Verify.
var ErrSourceResolution = errors.New("verify: source resolution failed")

var genericTitles = map[string]struct{}{
	"":           {},
	"source":     {},
	"link":       {},
	"website":    {},
	"web":        {},
	"untitled":   {},
	"click here": {},
	"google":     {},
}

// Resolver turns redirect-wrapped citation URLs into their destinations.
type Resolver struct {
	client        *http.Client
	redirectHosts []string
}

// NewResolver uses client for the HEAD requests of the slow path. Nil hosts means DefaultRedirectHosts.
func NewResolver(client *http.Client, redirectHosts []string) *Resolver {
	if client == nil {
		client = &http.Client{}
	}
	if len(redirectHosts) == 0 {
		redirectHosts = DefaultRedirectHosts
	}
	return &Resolver{client: client, redirectHosts: redirectHosts}
}

// ResolveSources resolves with a default Resolver.
func ResolveSources(ctx context.Context, sources []Source) []Source {
	return NewResolver(nil, nil).ResolveSources(ctx, sources)
}

// ResolveSources caps the input to MaxSources, resolves each source concurrently,
// drops any still pointing at a redirect host and deduplicates by URI keeping order.
// A source that fails to resolve is kept as it was.
func (r *Resolver) ResolveSources(ctx context.Context, sources []Source) []Source {
	if len(sources) > MaxSources {
		sources = sources[:MaxSources]
	}
	resolved := make([]Source, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			out, err := r.resolve(ctx, src)
			if err != nil {
				log.WithField("component", "verify").Debugf("%v", err)
			}
			resolved[i] = out
			return nil
		})
	}
	_ = g.Wait()

	kept := make([]Source, 0, len(resolved))
	for _, src := range resolved {
		if r.isRedirectHost(hostname(src.URI)) {
			continue
		}
		kept = append(kept, src)
	}
	return dedupeSources(kept)
}

func (r *Resolver) resolve(ctx context.Context, src Source) (Source, error) {
	u, err := url.Parse(strings.TrimSpace(src.URI))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return src, fmt.Errorf("%w: %q is not an absolute http url", ErrSourceResolution, src.URI)
	}

	target := strings.TrimSpace(src.URI)
	if embedded := embeddedTarget(u); embedded != "" {
		target = embedded
	} else if r.isRedirectHost(u.Hostname()) {
		final, errFollow := r.follow(ctx, target)
		if errFollow != nil {
			return src, fmt.Errorf("%w: %s: %v", ErrSourceResolution, src.URI, errFollow)
		}
		target = final
	}

	out := Source{Title: strings.TrimSpace(src.Title), URI: target}
	if r.needsTitle(out.Title, u.Hostname()) {
		out.Title = displayHost(hostname(target))
	}
	return out, nil
}

// follow issues a HEAD request and stops at the first hop that leaves the redirect hosts.
func (r *Resolver) follow(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", err
	}
	client := *r.client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		if !r.isRedirectHost(next.URL.Hostname()) {
			return http.ErrUseLastResponse
		}
		return nil
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("verify: close resolve response body error: %v", errClose)
		}
	}()
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc, errLoc := resp.Location()
		if errLoc != nil {
			return "", errLoc
		}
		return loc.String(), nil
	}
	return resp.Request.URL.String(), nil
}

func (r *Resolver) isRedirectHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range r.redirectHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func (r *Resolver) needsTitle(title, originalHost string) bool {
	lower := strings.ToLower(strings.TrimSpace(title))
	if _, generic := genericTitles[lower]; generic {
		return true
	}
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return true
	}
	return r.isRedirectHost(lower) || (isGoogleHost(originalHost) && lower == displayHost(originalHost))
}

// embeddedTarget extracts the destination of google.com/url style wrappers.
func embeddedTarget(u *url.URL) string {
	if !isGoogleHost(u.Hostname()) || u.Path != "/url" {
		return ""
	}
	for _, key := range []string{"url", "q"} {
		candidate := strings.TrimSpace(u.Query().Get(key))
		parsed, err := url.Parse(candidate)
		if err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != "" {
			return parsed.String()
		}
	}
	return ""
}

func isGoogleHost(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	return host == "google.com" || strings.HasPrefix(host, "google.")
}

func hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func displayHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
