// Package claims records every claim reported by a Live session and verifies
// each one in the background. Verification runs on a context owned by the
// tracker, so it completes even after the session that detected the claim closed.
package claims

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livecheck/livecheck/internal/verify"

	log "github.com/sirupsen/logrus"
)

const defaultVerifyTimeout = 2 * time.Minute

// Claim is immutable once created.
type Claim struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	CallID     string    `json:"call_id,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// Record is a claim with its verification result, nil until verified.
type Record struct {
	Claim
	Result     *verify.Result `json:"result,omitempty"`
	VerifiedAt time.Time      `json:"verified_at,omitzero"`
}

// Verifier checks one claim text. *verify.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, claimText string) verify.Result
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithVerifyTimeout bounds each verification.
func WithVerifyTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

// Tracker is safe for concurrent use.
type Tracker struct {
	verifier Verifier
	now      func() time.Time
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	records   map[string]*Record
	order     []string
	listeners []func(Record)
}

// NewTracker builds a tracker whose verifications live until Close.
func NewTracker(v Verifier, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		verifier: v,
		now:      time.Now,
		timeout:  defaultVerifyTimeout,
		ctx:      ctx,
		cancel:   cancel,
		records:  make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnVerified registers fn to run once per claim when its result is attached.
func (t *Tracker) OnVerified(fn func(Record)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Detected records a claim and starts its verification. It returns immediately.
func (t *Tracker) Detected(title, text, callID string) Claim {
	claim := Claim{
		ID:         uuid.NewString(),
		Title:      strings.TrimSpace(title),
		Text:       strings.TrimSpace(text),
		CallID:     callID,
		DetectedAt: t.now(),
	}
	if claim.Text == "" {
		claim.Text = claim.Title
	}

	t.mu.Lock()
	t.records[claim.ID] = &Record{Claim: claim}
	t.order = append(t.order, claim.ID)
	t.mu.Unlock()

	log.WithFields(log.Fields{"component": "claims", "claim_id": claim.ID, "call_id": callID}).Infof("claim detected: %s", claim.Title)

	t.wg.Add(1)
	go t.verify(claim)
	return claim
}

func (t *Tracker) verify(claim Claim) {
	defer t.wg.Done()
	ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
	defer cancel()

	result := t.verifier.Verify(ctx, claim.Text)
	record, ok := t.attach(claim.ID, result)
	if !ok {
		return
	}
	log.WithFields(log.Fields{"component": "claims", "claim_id": claim.ID}).Infof("claim verified: %s (%d)", result.Verdict, result.Score)

	t.mu.RLock()
	listeners := slices.Clone(t.listeners)
	t.mu.RUnlock()
	for _, fn := range listeners {
		fn(record)
	}
}

// attach stores result unless one is already present.
func (t *Tracker) attach(id string, result verify.Result) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok || rec.Result != nil {
		return Record{}, false
	}
	rec.Result = &result
	rec.VerifiedAt = t.now()
	return copyRecord(rec), true
}

// Get returns the record for id.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Result returns the verification result for id once it is attached.
func (t *Tracker) Result(id string) (verify.Result, bool) {
	rec, ok := t.Get(id)
	if !ok || rec.Result == nil {
		return verify.Result{}, false
	}
	return *rec.Result, true
}

// List returns every record in detection order.
func (t *Tracker) List() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, copyRecord(t.records[id]))
	}
	return out
}

// Wait blocks until every started verification has finished.
func (t *Tracker) Wait() { t.wg.Wait() }

// Close cancels outstanding verifications and waits for them.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

func copyRecord(rec *Record) Record {
	out := *rec
	if rec.Result != nil {
		result := *rec.Result
		result.Sources = slices.Clone(rec.Result.Sources)
		out.Result = &result
	}
	return out
}
