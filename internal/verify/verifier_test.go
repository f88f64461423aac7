package verify

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/livecheck/livecheck/internal/credential"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type upstreamCall struct {
	model  string
	key    string
	bearer string
	body   []byte
	accept string
}

type reply struct {
	status   int
	body     string
	encoding string
}

type fakeGemini struct {
	srv   *httptest.Server
	mu    sync.Mutex
	calls []upstreamCall
}

func newFakeGemini(t *testing.T, respond func(n int, call upstreamCall) reply) *fakeGemini {
	t.Helper()
	f := &fakeGemini{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		model := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1beta/models/"), ":generateContent")
		call := upstreamCall{
			model:  model,
			key:    r.Header.Get("x-goog-api-key"),
			bearer: r.Header.Get("Authorization"),
			body:   body,
			accept: r.Header.Get("Accept-Encoding"),
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		n := len(f.calls)
		f.mu.Unlock()

		rep := respond(n, call)
		if rep.status == 0 {
			rep.status = http.StatusOK
		}
		payload := []byte(rep.body)
		if rep.encoding != "" {
			payload = compress(t, rep.encoding, payload)
			w.Header().Set("Content-Encoding", rep.encoding)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rep.status)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGemini) snapshot() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

func compress(t *testing.T, encoding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			t.Fatal(err)
		}
		w = fw
	case "br":
		w = brotli.NewWriter(&buf)
	case "zstd":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatal(err)
		}
		w = zw
	default:
		t.Fatalf("unknown encoding %s", encoding)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func modelReply(text string, groundingURIs ...string) string {
	body := `{"candidates":[{"content":{"role":"model","parts":[]}}]}`
	// Split the text across two parts to exercise concatenation.
	half := len(text) / 2
	body, _ = sjson.Set(body, "candidates.0.content.parts.0.text", text[:half])
	body, _ = sjson.Set(body, "candidates.0.content.parts.1.text", text[half:])
	for i, uri := range groundingURIs {
		body, _ = sjson.Set(body, "candidates.0.groundingMetadata.groundingChunks."+strconv.Itoa(i)+".web.uri", uri)
	}
	return body
}

const goodAnswer = "Here is what I found:\n```json\n" +
	`{"verdict":"true","score":4,"explanation":"NASA puts the mean distance at 384,400 km.","sources":[{"title":"NASA","uri":"https://nasa.gov/moon"}]}` +
	"\n```"

type staticTokens struct {
	token string
	ok    bool
}

func (s staticTokens) GetValidToken(context.Context) (string, bool) { return s.token, s.ok }

func newTestVerifier(f *fakeGemini, policy *credential.Policy) *Verifier {
	return NewVerifier(policy, Options{
		BaseURL:       f.srv.URL,
		PrimaryModel:  "primary",
		FallbackModel: "fallback",
		RetryDelay:    -1,
		HTTPClient:    f.srv.Client(),
	})
}

func TestVerifySuccess(t *testing.T) {
	t.Parallel()
	f := newFakeGemini(t, func(int, upstreamCall) reply {
		return reply{body: modelReply(goodAnswer, "https://google.com/url?q=https://bbc.com/x", "https://nasa.gov/moon")}
	})
	v := newTestVerifier(f, credential.NewPolicy(staticTokens{}, "api_key", []string{"k1"}))

	got := v.Verify(context.Background(), "The moon is 384,400 km from Earth.")
	want := Result{
		Verdict:     VerdictTrue,
		Score:       4,
		Explanation: "NASA puts the mean distance at 384,400 km.",
		Sources: []Source{
			{Title: "NASA", URI: "https://nasa.gov/moon"},
			{Title: "bbc.com", URI: "https://bbc.com/x"},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v\nwant %+v", got, want)
	}

	calls := f.snapshot()
	if len(calls) != 1 || calls[0].model != "primary" || calls[0].key != "k1" || calls[0].bearer != "" {
		t.Fatalf("calls = %+v", calls)
	}
	req := gjson.ParseBytes(calls[0].body)
	if !req.Get("tools.0.google_search").Exists() {
		t.Fatalf("request lacks google_search tool: %s", calls[0].body)
	}
	if !strings.Contains(req.Get("contents.0.parts.0.text").String(), "The moon is 384,400 km from Earth.") {
		t.Fatal("prompt does not carry the claim")
	}
	if req.Get("generationConfig.temperature").Float() != defaultTemperature {
		t.Fatalf("temperature = %s", req.Get("generationConfig.temperature").Raw)
	}
}

func TestVerifyAttemptPlan(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		respond     func(n int, call upstreamCall) reply
		wantModels  []string
		wantVerdict Verdict
		wantExpl    string
	}{
		{
			name:        "malformed output degrades to parse failure",
			respond:     func(int, upstreamCall) reply { return reply{body: modelReply("I think it is true {not json")} },
			wantModels:  []string{"primary", "fallback", "fallback", "fallback"},
			wantVerdict: VerdictUnverified,
			wantExpl:    "parse failure",
		},
		{
			name: "primary fails, second fallback try succeeds",
			respond: func(n int, _ upstreamCall) reply {
				if n < 3 {
					return reply{status: http.StatusInternalServerError, body: `{"error":{"message":"backend"}}`}
				}
				return reply{body: modelReply(goodAnswer)}
			},
			wantModels:  []string{"primary", "fallback", "fallback"},
			wantVerdict: VerdictTrue,
			wantExpl:    "NASA puts the mean distance at 384,400 km.",
		},
		{
			name:        "server errors degrade to verification failed",
			respond:     func(int, upstreamCall) reply { return reply{status: http.StatusServiceUnavailable} },
			wantModels:  []string{"primary", "fallback", "fallback", "fallback"},
			wantVerdict: VerdictUnverified,
			wantExpl:    "verification failed",
		},
		{
			name:        "missing verdict field is a parse failure",
			respond:     func(int, upstreamCall) reply { return reply{body: modelReply(`{"score":3}`)} },
			wantModels:  []string{"primary", "fallback", "fallback", "fallback"},
			wantVerdict: VerdictUnverified,
			wantExpl:    "parse failure",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeGemini(t, tt.respond)
			v := newTestVerifier(f, credential.NewPolicy(staticTokens{token: "ya29.a", ok: true}, "oauth", nil))

			got := v.Verify(context.Background(), "claim")
			if got.Verdict != tt.wantVerdict || got.Explanation != tt.wantExpl {
				t.Fatalf("result = %+v", got)
			}
			if got.Verdict == VerdictUnverified && got.Score != 0 {
				t.Fatalf("degraded score = %d", got.Score)
			}
			var models []string
			for _, c := range f.snapshot() {
				models = append(models, c.model)
				if c.bearer != "Bearer ya29.a" {
					t.Fatalf("authorization = %q", c.bearer)
				}
			}
			if !reflect.DeepEqual(models, tt.wantModels) {
				t.Fatalf("models = %v, want %v", models, tt.wantModels)
			}
		})
	}
}

func TestVerifyRotatesKeyOnQuota(t *testing.T) {
	t.Parallel()
	f := newFakeGemini(t, func(_ int, call upstreamCall) reply {
		if call.key == "k1" {
			return reply{status: http.StatusTooManyRequests, body: `{"error":{"status":"RESOURCE_EXHAUSTED","message":"Quota exceeded"}}`}
		}
		return reply{body: modelReply(goodAnswer)}
	})
	policy := credential.NewPolicy(staticTokens{}, "api_key", []string{"k1", "k2", "k3"})
	v := newTestVerifier(f, policy)

	if got := v.Verify(context.Background(), "claim"); got.Verdict != VerdictTrue {
		t.Fatalf("result = %+v", got)
	}
	var keys []string
	for _, c := range f.snapshot() {
		keys = append(keys, c.key)
	}
	if !reflect.DeepEqual(keys, []string{"k1", "k2"}) {
		t.Fatalf("keys = %v", keys)
	}
	if idx := policy.Active().PoolIndex; idx != 1 {
		t.Fatalf("active key index = %d, want 1", idx)
	}
}

func TestVerifyQuotaExhaustion(t *testing.T) {
	t.Parallel()
	quota := func(int, upstreamCall) reply {
		return reply{status: http.StatusTooManyRequests, body: `{"error":{"message":"rate limit"}}`}
	}
	tests := []struct {
		name      string
		policy    *credential.Policy
		wantCalls int
	}{
		{"key pool rotates within each attempt", credential.NewPolicy(staticTokens{}, "api_key", []string{"k1", "k2"}), 8},
		{"oauth has nothing to rotate", credential.NewPolicy(staticTokens{token: "t", ok: true}, "oauth", nil), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeGemini(t, quota)
			got := newTestVerifier(f, tt.policy).Verify(context.Background(), "claim")
			if got.Verdict != VerdictUnverified || got.Explanation != "verification failed" {
				t.Fatalf("result = %+v", got)
			}
			if n := len(f.snapshot()); n != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestVerifyWithoutCredentials(t *testing.T) {
	t.Parallel()
	f := newFakeGemini(t, func(int, upstreamCall) reply { return reply{body: modelReply(goodAnswer)} })
	v := newTestVerifier(f, credential.NewPolicy(staticTokens{}, "oauth", nil))

	got := v.Verify(context.Background(), "claim")
	if got.Verdict != VerdictUnverified || got.Explanation != "verification failed" {
		t.Fatalf("result = %+v", got)
	}
	if n := len(f.snapshot()); n != 0 {
		t.Fatalf("calls = %d, want 0", n)
	}
}

func TestVerifyDecodesCompressedResponses(t *testing.T) {
	t.Parallel()
	for _, encoding := range []string{"gzip", "deflate", "br", "zstd"} {
		t.Run(encoding, func(t *testing.T) {
			t.Parallel()
			f := newFakeGemini(t, func(int, upstreamCall) reply {
				return reply{body: modelReply(goodAnswer), encoding: encoding}
			})
			got := newTestVerifier(f, credential.NewPolicy(staticTokens{}, "api_key", []string{"k"})).Verify(context.Background(), "claim")
			if got.Verdict != VerdictTrue || got.Score != 4 {
				t.Fatalf("result = %+v", got)
			}
			if accept := f.snapshot()[0].accept; !strings.Contains(accept, encoding) {
				t.Fatalf("Accept-Encoding = %q", accept)
			}
		})
	}
}

func TestVerifyTransportFailure(t *testing.T) {
	t.Parallel()
	f := newFakeGemini(t, func(int, upstreamCall) reply { return reply{} })
	f.srv.Close()
	got := newTestVerifier(f, credential.NewPolicy(staticTokens{}, "api_key", []string{"k"})).Verify(context.Background(), "claim")
	if got.Verdict != VerdictUnverified || got.Score != 0 || got.Explanation != "verification failed" {
		t.Fatalf("result = %+v", got)
	}
}
