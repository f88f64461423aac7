package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/livecheck/livecheck/internal/config"
	"github.com/livecheck/livecheck/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Client talks to the Google authorization and token endpoints. Client
// credentials travel in the form body (AuthStyleInParams).
type Client struct {
	base       oauth2.Config
	httpClient *http.Client
}

// NewClient builds a Client from the oauth section of cfg. The HTTP client
// honours proxy-url.
func NewClient(cfg *config.Config) *Client {
	httpClient := util.SetProxy(&cfg.SDKConfig, &http.Client{Timeout: 30 * time.Second})
	return NewClientWithHTTP(cfg.OAuth, httpClient)
}

// NewClientWithHTTP builds a Client using httpClient for every token endpoint call.
func NewClientWithHTTP(oc config.OAuthConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base: oauth2.Config{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			Scopes:       append([]string(nil), oc.Scopes...),
			Endpoint: oauth2.Endpoint{
				AuthURL:   oc.AuthURL,
				TokenURL:  oc.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

func (c *Client) config(redirectURL string) *oauth2.Config {
	conf := c.base
	conf.RedirectURL = redirectURL
	return &conf
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// AuthCodeURL builds the consent URL for one attempt: offline access, forced
// consent so a refresh token is always issued, and an S256 PKCE challenge.
func (c *Client) AuthCodeURL(redirectURL string, p *PKCE) string {
	return c.config(redirectURL).AuthCodeURL(p.State,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(p.Verifier),
	)
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code, redirectURL, verifier string) (*oauth2.Token, error) {
	token, err := c.config(redirectURL).Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, NewAuthenticationError(ErrCodeExchangeFailed, classifyRetrieveError(err))
	}
	if token.RefreshToken == "" {
		log.Warn("token exchange returned no refresh token; the session will not survive a restart")
	}
	return token, nil
}

// Refresh obtains a new access token. A 400/401 answer is reported as
// ErrAuthRevoked, anything else as ErrAuthTransient. When the server omits a new
// refresh token the returned token carries the old one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, ErrNotAuthenticated
	}
	// An already-expired seed forces the token source to hit the endpoint.
	seed := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	token, err := c.config("").TokenSource(c.withHTTPClient(ctx), seed).Token()
	if err != nil {
		cause := classifyRetrieveError(err)
		if oauthErr, ok := errors.AsType[*OAuthError](cause); ok &&
			(oauthErr.StatusCode == http.StatusBadRequest || oauthErr.StatusCode == http.StatusUnauthorized) {
			return nil, NewAuthenticationError(ErrAuthRevoked, cause)
		}
		return nil, NewAuthenticationError(ErrAuthTransient, cause)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// classifyRetrieveError turns an *oauth2.RetrieveError into an *OAuthError that
// carries the HTTP status; other errors pass through unchanged.
func classifyRetrieveError(err error) error {
	retrieveErr, ok := errors.AsType[*oauth2.RetrieveError](err)
	if !ok {
		return err
	}
	status := 0
	if retrieveErr.Response != nil {
		status = retrieveErr.Response.StatusCode
	}
	code := retrieveErr.ErrorCode
	if code == "" {
		code = http.StatusText(status)
	}
	return &OAuthError{
		Code:        code,
		Description: retrieveErr.ErrorDescription,
		URI:         retrieveErr.ErrorURI,
		StatusCode:  status,
	}
}

// ExpiresIn returns the lifetime the server granted, preferring the wire
// expires_in over the absolute expiry computed by x/oauth2.
func ExpiresIn(token *oauth2.Token, now time.Time) time.Duration {
	if token == nil {
		return 0
	}
	if token.ExpiresIn > 0 {
		return time.Duration(token.ExpiresIn) * time.Second
	}
	if !token.Expiry.IsZero() {
		return token.Expiry.Sub(now)
	}
	return 0
}

// Describe renders a token for logs without exposing it.
func Describe(token *oauth2.Token) string {
	if token == nil {
		return "<nil>"
	}
	return fmt.Sprintf("access=%s refresh=%t type=%s", util.HideAPIKey(token.AccessToken), token.RefreshToken != "", token.Type())
}
