package delivery

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kodenet/fedicore/internal/model"
)

type fakeStore struct {
	mu             sync.Mutex
	items          map[uuid.UUID]*model.DeliveryQueueItem
	reports        []*model.DeliveryReport
	finalized      map[uuid.UUID]bool
	deletedFollows [][2]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[uuid.UUID]*model.DeliveryQueueItem{}, finalized: map[uuid.UUID]bool{}}
}

func (f *fakeStore) add(item *model.DeliveryQueueItem) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	f.items[item.ID] = item
}

func (f *fakeStore) ReadDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*model.DeliveryQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.DeliveryQueueItem
	for _, it := range f.items {
		if !it.Finalized && !it.NextAttemptAt.After(now) {
			out = append(out, it)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id].Attempts = attempts
	f.items[id].NextAttemptAt = next
	return nil
}

func (f *fakeStore) FinalizeDelivery(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id].Finalized = true
	return nil
}

func (f *fakeStore) CreateDeliveryReport(ctx context.Context, r *model.DeliveryReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeStore) DeleteFollow(ctx context.Context, follower, following string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedFollows = append(f.deletedFollows, [2]string{follower, following})
	return nil
}

func testIdentity(t *testing.T) SigningIdentity {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return SigningIdentity{KeyID: "https://local.example/actors/alice#main-key", Algorithm: model.AlgEd25519, PrivateKey: priv}
}

func TestProcessBatchDeliversSuccessfully(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := newFakeStore()
	s.add(&model.DeliveryQueueItem{ActivityID: "act-1", InboxURL: srv.URL + "/inbox", PayloadJSON: "{}", NextAttemptAt: time.Now().Add(-time.Second)})

	identity := testIdentity(t)
	e := New(s, srv.Client(), func(ctx context.Context, activityID string) (SigningIdentity, error) {
		return identity, nil
	}, Config{Workers: 2, BatchSize: 10, MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Minute, Timeout: 5 * time.Second}, zerolog.Nop())

	n, err := e.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 item processed, got %d", n)
	}
	if len(s.reports) != 1 || s.reports[0].Outcome != model.OutcomeSuccess {
		t.Fatalf("expected 1 success report, got %+v", s.reports)
	}
}

func TestProcessBatchPermanentFailureFinalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	s := newFakeStore()
	s.add(&model.DeliveryQueueItem{ActivityID: "act-2", InboxURL: srv.URL + "/inbox", PayloadJSON: "{}", NextAttemptAt: time.Now().Add(-time.Second)})

	identity := testIdentity(t)
	e := New(s, srv.Client(), func(ctx context.Context, activityID string) (SigningIdentity, error) {
		return identity, nil
	}, Config{Workers: 1, BatchSize: 10, MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Minute, Timeout: 5 * time.Second}, zerolog.Nop())

	if _, err := e.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(s.reports) != 1 || s.reports[0].Outcome != model.OutcomePermanentFailure {
		t.Fatalf("expected permanent failure report, got %+v", s.reports)
	}
	if s.reports[0].SuggestedAction != model.SuggestRemoveFollower {
		t.Fatalf("expected SuggestRemoveFollower for 410, got %v", s.reports[0].SuggestedAction)
	}
}

func TestProcessBatchPermanentFailureUndoesFollows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	s := newFakeStore()
	s.add(&model.DeliveryQueueItem{
		ActivityID:       "act-followers",
		InboxURL:         srv.URL + "/inbox",
		PayloadJSON:      "{}",
		NextAttemptAt:    time.Now().Add(-time.Second),
		Recipients:       []string{"https://remote.example/actors/bob", "https://remote.example/actors/carol"},
		FollowingActorID: "https://local.example/actors/alice",
	})

	identity := testIdentity(t)
	e := New(s, srv.Client(), func(ctx context.Context, activityID string) (SigningIdentity, error) {
		return identity, nil
	}, Config{Workers: 1, BatchSize: 10, MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Minute, Timeout: 5 * time.Second}, zerolog.Nop())

	if _, err := e.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(s.deletedFollows) != 2 {
		t.Fatalf("expected 2 follow rows undone, got %+v", s.deletedFollows)
	}
	want := map[string]bool{"https://remote.example/actors/bob": true, "https://remote.example/actors/carol": true}
	for _, pair := range s.deletedFollows {
		if !want[pair[0]] || pair[1] != "https://local.example/actors/alice" {
			t.Fatalf("unexpected undone follow pair: %v", pair)
		}
	}
}

func TestSuggestedActionForGatesRotateKeysOnAttemptCount(t *testing.T) {
	if got := suggestedActionFor(http.StatusUnauthorized, 1); got != model.SuggestNone {
		t.Fatalf("expected SuggestNone on first 401, got %v", got)
	}
	if got := suggestedActionFor(http.StatusUnauthorized, 2); got != model.SuggestNone {
		t.Fatalf("expected SuggestNone on second 401, got %v", got)
	}
	if got := suggestedActionFor(http.StatusUnauthorized, 3); got != model.SuggestRotateKeys {
		t.Fatalf("expected SuggestRotateKeys on third 401, got %v", got)
	}
	if got := suggestedActionFor(http.StatusForbidden, 5); got != model.SuggestNone {
		t.Fatalf("expected SuggestNone for repeated 403 (spec gates only on 401), got %v", got)
	}
}

func TestAttemptHonorsRetryAfterOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := newFakeStore()
	item := &model.DeliveryQueueItem{ActivityID: "act-429", InboxURL: srv.URL + "/inbox", PayloadJSON: "{}", NextAttemptAt: time.Now().Add(-time.Second)}
	s.add(item)

	identity := testIdentity(t)
	e := New(s, srv.Client(), func(ctx context.Context, activityID string) (SigningIdentity, error) {
		return identity, nil
	}, Config{Workers: 1, BatchSize: 10, MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Minute, Timeout: 5 * time.Second}, zerolog.Nop())

	if _, err := e.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	wait := item.NextAttemptAt.Sub(time.Now().UTC())
	if wait < 110*time.Second || wait > 130*time.Second {
		t.Fatalf("expected next attempt ~120s out per Retry-After, got %v", wait)
	}
}

func TestParseRetryAfterAcceptsSecondsAndDate(t *testing.T) {
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("expected 0 for empty header, got %v", got)
	}
	if got := parseRetryAfter("30"); got != 30*time.Second {
		t.Fatalf("expected 30s, got %v", got)
	}
	if got := parseRetryAfter("-5"); got != 0 {
		t.Fatalf("expected 0 for negative delta-seconds, got %v", got)
	}
	future := time.Now().UTC().Add(time.Hour).Format(http.TimeFormat)
	got := parseRetryAfter(future)
	if got < 59*time.Minute || got > time.Hour {
		t.Fatalf("expected ~1h for HTTP-date an hour out, got %v", got)
	}
}

func TestProcessBatchTransientFailureReschedules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newFakeStore()
	item := &model.DeliveryQueueItem{ActivityID: "act-3", InboxURL: srv.URL + "/inbox", PayloadJSON: "{}", NextAttemptAt: time.Now().Add(-time.Second)}
	s.add(item)

	identity := testIdentity(t)
	e := New(s, srv.Client(), func(ctx context.Context, activityID string) (SigningIdentity, error) {
		return identity, nil
	}, Config{Workers: 1, BatchSize: 10, MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Minute, Timeout: 5 * time.Second}, zerolog.Nop())

	if _, err := e.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(s.reports) != 0 {
		t.Fatalf("transient failure should not emit a terminal report yet, got %+v", s.reports)
	}
	if item.Attempts != 1 {
		t.Fatalf("expected attempts incremented to 1, got %d", item.Attempts)
	}
	if !item.NextAttemptAt.After(time.Now()) {
		t.Fatalf("expected NextAttemptAt rescheduled in the future")
	}
}

func TestBackoffDoublesUntilCap(t *testing.T) {
	base := time.Second
	max := 10 * time.Second
	if got := backoff(1, base, max); got != time.Second {
		t.Fatalf("attempt 1: got %v", got)
	}
	if got := backoff(2, base, max); got != 2*time.Second {
		t.Fatalf("attempt 2: got %v", got)
	}
	if got := backoff(10, base, max); got != max {
		t.Fatalf("expected cap at max, got %v", got)
	}
}

func TestClassifyOutcomes(t *testing.T) {
	cases := map[int]model.DeliveryOutcome{
		202: model.OutcomeSuccess,
		401: model.OutcomePermanentFailure,
		404: model.OutcomePermanentFailure,
		429: model.OutcomeTransientFailure,
		500: model.OutcomeTransientFailure,
	}
	for status, want := range cases {
		got, _, _ := classify(status)
		if got != want {
			t.Fatalf("classify(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestHostOfExtractsDestinationHost(t *testing.T) {
	cases := map[string]string{
		"https://remote.example/inbox":                  "remote.example",
		"https://remote.example:8443/actors/bob/inbox": "remote.example:8443",
		"not a url at all\x7f":                          "",
	}
	for in, want := range cases {
		if got := hostOf(in); got != want {
			t.Fatalf("hostOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHostLimitersSharesBucketPerHost(t *testing.T) {
	h := newHostLimiters(rate.Limit(1), 1)
	ctx := context.Background()

	if err := h.wait(ctx, "remote.example"); err != nil {
		t.Fatalf("first wait on fresh host should not block: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := h.wait(shortCtx, "remote.example"); err == nil {
		t.Fatalf("expected second immediate wait on the same host to exceed burst and time out")
	}

	if err := h.wait(ctx, "other.example"); err != nil {
		t.Fatalf("a distinct host should have its own bucket: %v", err)
	}
}
