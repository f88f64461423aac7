// Package verify checks one claim against a search-grounded generateContent call.
// The primary model gets a single try; the fallback model gets a bounded number of
// retries; every failure collapses into an Unverified result.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/livecheck/livecheck/internal/config"
	"github.com/livecheck/livecheck/internal/credential"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	log "github.com/sirupsen/logrus"
)

// Verdict is the model's judgement of a claim.
type Verdict string

const (
	VerdictTrue       Verdict = "True"
	VerdictFalse      Verdict = "False"
	VerdictMixed      Verdict = "Mixed"
	VerdictUnverified Verdict = "Unverified"
)

const (
	explanationParseFailure = "parse failure"
	explanationFailed       = "verification failed"

	apiVersion         = "v1beta"
	defaultTemperature = 0.2
	requestTimeout     = 60 * time.Second
)

// Source is one citation.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Result is immutable once returned. Score is 1..5, or 0 when unscored.
type Result struct {
	Verdict     Verdict  `json:"verdict"`
	Score       int      `json:"score"`
	Explanation string   `json:"explanation"`
	Sources     []Source `json:"sources"`
}

// Authorizer resolves credentials per request and rotates the key pool on quota errors.
// *credential.Policy implements it.
type Authorizer interface {
	AuthContext(ctx context.Context) (credential.AuthContext, error)
	RotateFrom(usedIndex int) bool
	PoolSize() int
}

// Options configures a Verifier. Zero values take the config defaults.
type Options struct {
	BaseURL          string
	PrimaryModel     string
	FallbackModel    string
	FallbackAttempts int
	// RetryDelay separates attempts. Negative means no delay.
	RetryDelay  time.Duration
	Temperature float64
	HTTPClient  *http.Client
	Resolver    *Resolver
	// RequestLog logs one metadata line per upstream call: model, credential kind, status, latency, size.
	RequestLog bool
}

// OptionsFromConfig maps the verify section of cfg.
func OptionsFromConfig(cfg config.VerifyConfig) Options {
	return Options{
		BaseURL:          cfg.BaseURL,
		PrimaryModel:     cfg.PrimaryModel,
		FallbackModel:    cfg.FallbackModel,
		FallbackAttempts: cfg.FallbackAttempts,
		RetryDelay:       cfg.RetryDelay,
	}
}

// Verifier is safe for concurrent use.
type Verifier struct {
	auth     Authorizer
	opts     Options
	client   *http.Client
	resolver *Resolver
}

// NewVerifier applies defaults to opts.
func NewVerifier(auth Authorizer, opts Options) *Verifier {
	if opts.BaseURL == "" {
		opts.BaseURL = config.DefaultVerifyBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.PrimaryModel == "" {
		opts.PrimaryModel = config.DefaultPrimaryModel
	}
	if opts.FallbackModel == "" {
		opts.FallbackModel = config.DefaultFallbackModel
	}
	if opts.FallbackAttempts <= 0 {
		opts.FallbackAttempts = config.DefaultFallbackAttempts
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = config.DefaultRetryDelay
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewResolver(client, nil)
	}
	return &Verifier{auth: auth, opts: opts, client: client, resolver: resolver}
}

// Verify never fails: when no attempt succeeds it returns an Unverified result
// whose explanation is "parse failure" or "verification failed".
func (v *Verifier) Verify(ctx context.Context, claimText string) Result {
	plan := make([]string, 0, 1+v.opts.FallbackAttempts)
	plan = append(plan, v.opts.PrimaryModel)
	for range v.opts.FallbackAttempts {
		plan = append(plan, v.opts.FallbackModel)
	}

	var lastErr error
	for i, model := range plan {
		if i > 0 && !v.pause(ctx) {
			break
		}
		entry := log.WithFields(log.Fields{"component": "verify", "model": model, "attempt": i + 1})
		result, err := v.attempt(ctx, model, claimText)
		if err == nil {
			result.Sources = v.resolver.ResolveSources(ctx, result.Sources)
			entry.Debugf("claim verified: %s (%d)", result.Verdict, result.Score)
			return result
		}
		lastErr = err
		entry.Warnf("verification attempt failed: %v", err)
		if ctx.Err() != nil {
			break
		}
	}
	return degraded(lastErr)
}

func (v *Verifier) pause(ctx context.Context) bool {
	if v.opts.RetryDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(v.opts.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func degraded(err error) Result {
	explanation := explanationFailed
	if errors.Is(err, ErrParse) {
		explanation = explanationParseFailure
	}
	return Result{Verdict: VerdictUnverified, Score: 0, Explanation: explanation, Sources: []Source{}}
}

// attempt runs one model try. Quota errors on a key pool rotate and retry, at
// most once per key.
func (v *Verifier) attempt(ctx context.Context, model, claimText string) (Result, error) {
	tries := max(1, v.auth.PoolSize())
	var lastErr error
	for range tries {
		ac, err := v.auth.AuthContext(ctx)
		if err != nil {
			return Result{}, err
		}
		body, err := v.generate(ctx, model, claimText, ac)
		if err == nil {
			return parseResponse(body)
		}
		lastErr = err
		if ac.Kind != credential.KindAPIKey || !credential.IsQuotaError(err) || !v.auth.RotateFrom(ac.KeyIndex) {
			return Result{}, err
		}
		log.WithFields(log.Fields{"component": "verify", "model": model}).Info("quota exceeded, retrying with next api key")
	}
	return Result{}, lastErr
}

func (v *Verifier) generate(ctx context.Context, model, claimText string, ac credential.AuthContext) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/models/%s:generateContent", v.opts.BaseURL, apiVersion, strings.TrimPrefix(model, "models/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(v.buildRequest(claimText)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)
	ac.Apply(httpReq)

	start := time.Now()
	httpResp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("verify: close response body error: %v", errClose)
		}
	}()
	body, err := readBody(httpResp)
	if err != nil {
		return nil, err
	}
	if v.opts.RequestLog {
		log.WithFields(log.Fields{
			"component":  "verify",
			"model":      model,
			"credential": ac.Kind,
			"status":     httpResp.StatusCode,
			"latency":    time.Since(start).Truncate(time.Millisecond),
			"bytes":      len(body),
		}).Debug("upstream generateContent")
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		log.WithField("component", "verify").Debugf("request error, error status: %d, error message: %s", httpResp.StatusCode, summarizeErrorBody(body))
		return nil, &credential.StatusError{Code: httpResp.StatusCode, Msg: summarizeErrorBody(body)}
	}
	return body, nil
}

func (v *Verifier) buildRequest(claimText string) []byte {
	body := []byte(`{"contents":[{"role":"user","parts":[{}]}],"tools":[{"google_search":{}}],"generationConfig":{}}`)
	body, _ = sjson.SetBytes(body, "contents.0.parts.0.text", BuildPrompt(claimText))
	body, _ = sjson.SetBytes(body, "generationConfig.temperature", v.opts.Temperature)
	return body
}

func summarizeErrorBody(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		if status := gjson.GetBytes(body, "error.status").String(); status != "" {
			return status + ": " + msg
		}
		return msg
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		text = text[:256] + "..."
	}
	return text
}

// BuildPrompt renders the verification instruction for claimText.
func BuildPrompt(claimText string) string {
	return fmt.Sprintf(`You are a careful fact-checker. Search the web for reliable sources about the claim below.
Answer with one JSON object and nothing else, using exactly this shape:
{"verdict": "True" | "False" | "Mixed" | "Unverified", "score": <integer 1-5, where 5 means fully supported>, "explanation": "<at most two sentences>", "sources": [{"title": "<publisher>", "uri": "<url>"}]}

Claim: %s`, strings.TrimSpace(claimText))
}
