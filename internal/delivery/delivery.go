// Package delivery implements the worker-pool Delivery Engine: per-
// inbox serialization by consistent hashing, signed delivery with
// timeout, and exponential backoff retry. Shared-inbox deduplication
// happens before a row reaches this package: internal/outbox enqueues
// one row per distinct inbox. Grounded on dimkr-tootik's fed-deliver.go (Queue.ProcessBatch/
// consume/queueTasks, the crc32-per-inbox worker assignment, the
// tried-map dedup), adapted onto the teacher's DeliveryQueueItem row
// shape (domain/activitypub.go, activitypub/deps.go's EnqueueDelivery/
// ReadPendingDeliveries/UpdateDeliveryAttempt/DeleteDelivery) instead
// of tootik's own outbox/deliveries tables.
package delivery

import (
	"context"
	"crypto"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kodenet/fedicore/internal/model"
	"github.com/kodenet/fedicore/internal/sig"
)

// Store is the subset of store.Store the engine needs.
type Store interface {
	ReadDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*model.DeliveryQueueItem, error)
	UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time) error
	FinalizeDelivery(ctx context.Context, id uuid.UUID) error
	CreateDeliveryReport(ctx context.Context, r *model.DeliveryReport) error
	DeleteFollow(ctx context.Context, follower, following string) error
}

// rotateKeysAttemptThreshold is the attempt count a queue item must
// have reached for a 401 response to earn a RotateKeys suggestion (see
// suggestedActionFor). The count is the item's own attempts, earlier
// transient failures included; 401 responses are not counted per
// recipient.
const rotateKeysAttemptThreshold = 3

// HTTPClient is the minimal client seam, shared with internal/resolver.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Signer signs an outgoing POST request for one delivery attempt.
type Signer interface {
	SignDelivery(req *http.Request, body []byte, keyID string, algorithm model.KeyAlgorithm, privateKey crypto.Signer) error
}

// SigningIdentity supplies the key material an Engine signs outgoing
// requests with for one recipient inbox.
type SigningIdentity struct {
	KeyID      string
	Algorithm  model.KeyAlgorithm
	PrivateKey crypto.Signer
}

// KeyLookup resolves the SigningIdentity for the sending actor of a
// queued delivery, so the engine stays agnostic of where keys live.
type KeyLookup func(ctx context.Context, activityID string) (SigningIdentity, error)

// Config tunes the worker pool and retry schedule.
type Config struct {
	Workers      int
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Timeout      time.Duration
	PollInterval time.Duration
}

// DefaultConfig mirrors the teacher's modest single-tenant scale
// (app.config.WorkerCount in util/config.go) while following tootik's
// delivery-specific knobs (DeliveryWorkers/DeliveryBatchSize/
// DeliveryTimeout in fed-deliver.go).
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		BatchSize:    64,
		MaxAttempts:  8,
		BaseBackoff:  30 * time.Second,
		MaxBackoff:   6 * time.Hour,
		Timeout:      30 * time.Second,
		PollInterval: 10 * time.Second,
	}
}

// task is one (activity, inbox) delivery attempt assigned to a worker.
type task struct {
	item     *model.DeliveryQueueItem
	identity SigningIdentity
}

// hostLimiters paces outbound POSTs per destination host, so a burst of
// deliveries fanned out to many recipients on the same remote instance
// (a popular shared inbox, a large follower batch) never hammers one
// host concurrently even though separate inboxes on it run in separate
// worker lanes. Grounded on the same golang.org/x/time/rate per-key
// token-bucket idiom internal/web's IPRateLimiter already uses, keyed
// by host instead of client IP.
type hostLimiters struct {
	mu       sync.Mutex
	limiters map[string]*hostLimiter
	r        rate.Limit
	burst    int
}

type hostLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newHostLimiters(r rate.Limit, burst int) *hostLimiters {
	h := &hostLimiters{limiters: map[string]*hostLimiter{}, r: r, burst: burst}
	go h.sweep()
	return h
}

func (h *hostLimiters) wait(ctx context.Context, host string) error {
	h.mu.Lock()
	l, ok := h.limiters[host]
	if !ok {
		l = &hostLimiter{limiter: rate.NewLimiter(h.r, h.burst)}
		h.limiters[host] = l
	}
	l.lastSeen = time.Now()
	limiter := l.limiter
	h.mu.Unlock()
	return limiter.Wait(ctx)
}

// sweep evicts hosts idle more than 3 minutes, the same idle threshold
// internal/web's IPRateLimiter uses for client IPs; federated hosts are
// bounded by the follower graph rather than arbitrary per-request IPs,
// but a long-running process that has ever delivered to many distinct
// instances should not keep every one of their buckets forever.
func (h *hostLimiters) sweep() {
	for range time.Tick(time.Minute) {
		h.mu.Lock()
		for host, l := range h.limiters {
			if time.Since(l.lastSeen) > 3*time.Minute {
				delete(h.limiters, host)
			}
		}
		h.mu.Unlock()
	}
}

// Engine is the delivery worker pool.
type Engine struct {
	store  Store
	client HTTPClient
	keys   KeyLookup
	cfg    Config
	log    zerolog.Logger
	wake   <-chan struct{}
	hosts  *hostLimiters
}

func New(store Store, client HTTPClient, keys KeyLookup, cfg Config, log zerolog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{store: store, client: client, keys: keys, cfg: cfg, log: log, hosts: newHostLimiters(rate.Limit(5), 10)}
}

// SetWake attaches a channel the engine polls a batch early on,
// alongside its cfg.PollInterval ticker — the internal/broker
// ExchangeActivityPubPublish subscription in internal/app delivers a
// signal here the moment internal/outbox enqueues a new delivery row,
// so freshly-published activities do not wait out a full poll
// interval. A nil channel (the zero value) leaves the engine on its
// ticker alone, which is all the poll-based queue needs to be correct.
func (e *Engine) SetWake(ch <-chan struct{}) {
	e.wake = ch
}

// Run polls the due-delivery queue on cfg.PollInterval, plus
// immediately whenever the wake channel fires, until ctx is
// cancelled — mirroring tootik's Queue.Process ticker loop with an
// added broker-driven low-latency path.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := e.ProcessBatch(ctx); err != nil {
				e.log.Error().Err(err).Msg("delivery batch failed")
			}
		case <-e.wake:
			if _, err := e.ProcessBatch(ctx); err != nil {
				e.log.Error().Err(err).Msg("delivery batch failed")
			}
		}
	}
}

// ProcessBatch delivers one batch of due queue items, fanning them out
// to a fixed worker pool keyed by inbox URL so deliveries to the same
// inbox never race each other — the consistent-hash assignment from
// tootik's queueTasks (crc32.ChecksumIEEE([]byte(inbox)) %
// len(tasks)).
func (e *Engine) ProcessBatch(ctx context.Context) (int, error) {
	items, err := e.store.ReadDueDeliveries(ctx, time.Now().UTC(), e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	lanes := make([]chan task, e.cfg.Workers)
	for i := range lanes {
		lanes[i] = make(chan task, len(items))
	}

	var results []error
	resultsCh := make(chan error, len(items))

	for i := 0; i < e.cfg.Workers; i++ {
		go e.consume(ctx, lanes[i], resultsCh)
	}

	count := 0
	for _, item := range items {
		identity, err := e.keys(ctx, item.ActivityID)
		if err != nil {
			e.log.Warn().Err(err).Str("activity", item.ActivityID).Msg("no signing identity for delivery, skipping")
			resultsCh <- err
			continue
		}
		lane := crc32.ChecksumIEEE([]byte(item.InboxURL)) % uint32(len(lanes))
		lanes[lane] <- task{item: item, identity: identity}
		count++
	}

	for _, ch := range lanes {
		close(ch)
	}

	for i := 0; i < len(items); i++ {
		results = append(results, <-resultsCh)
	}
	return count, nil
}

func (e *Engine) consume(ctx context.Context, tasks <-chan task, results chan<- error) {
	for t := range tasks {
		err := e.deliverOne(ctx, t)
		results <- err
	}
}

func (e *Engine) deliverOne(ctx context.Context, t task) error {
	item := t.item

	if host := hostOf(item.InboxURL); host != "" {
		if err := e.hosts.wait(ctx, host); err != nil {
			return err
		}
	}

	deliverCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	outcome, statusCode, reason, retryAfter := e.attempt(deliverCtx, item, t.identity)
	attempts := item.Attempts + 1

	switch outcome {
	case model.OutcomeSuccess:
		if err := e.store.FinalizeDelivery(ctx, item.ID); err != nil {
			return err
		}
		return e.report(ctx, item, outcome, statusCode, reason, attempts, model.SuggestNone)

	case model.OutcomePermanentFailure:
		if err := e.store.FinalizeDelivery(ctx, item.ID); err != nil {
			return err
		}
		action := suggestedActionFor(statusCode, attempts)
		if action == model.SuggestRemoveFollower && item.FollowingActorID != "" {
			e.undoFollows(ctx, item)
		}
		return e.report(ctx, item, outcome, statusCode, reason, attempts, action)

	default: // transient or resolution failure: retry with backoff
		if attempts >= e.cfg.MaxAttempts {
			if err := e.store.FinalizeDelivery(ctx, item.ID); err != nil {
				return err
			}
			return e.report(ctx, item, model.OutcomePermanentFailure, statusCode, "max delivery attempts exhausted: "+reason, attempts, model.SuggestNone)
		}
		delay := backoff(attempts, e.cfg.BaseBackoff, e.cfg.MaxBackoff)
		if retryAfter > 0 {
			delay = retryAfter
		}
		next := time.Now().UTC().Add(delay)
		return e.store.UpdateDeliveryAttempt(ctx, item.ID, attempts, next)
	}
}

// undoFollows removes the follow row for every recipient that shared
// this inbox group, per spec.md §4.5 step 6's "Undo the relevant
// follow row if the activity carries a follower-collection audience
// to that recipient" — reached only when the activity's audience was
// expanded from item.FollowingActorID's followers collection.
func (e *Engine) undoFollows(ctx context.Context, item *model.DeliveryQueueItem) {
	for _, recipient := range item.Recipients {
		if err := e.store.DeleteFollow(ctx, recipient, item.FollowingActorID); err != nil {
			e.log.Warn().Err(err).Str("follower", recipient).Str("following", item.FollowingActorID).
				Msg("delivery: failed to undo follow after permanent failure")
		}
	}
}

func (e *Engine) report(ctx context.Context, item *model.DeliveryQueueItem, outcome model.DeliveryOutcome, statusCode int, reason string, attempts int, suggested model.SuggestedAction) error {
	return e.store.CreateDeliveryReport(ctx, &model.DeliveryReport{
		ActivityID:      item.ActivityID,
		Recipient:       item.InboxURL,
		InboxURL:        item.InboxURL,
		Outcome:         outcome,
		StatusCode:      statusCode,
		Reason:          reason,
		SuggestedAction: suggested,
		Attempts:        attempts,
		DeliveredAt:     time.Now().UTC(),
	})
}

// attempt performs exactly one signed POST and classifies the result.
// The returned time.Duration is the Retry-After delay a 429 response
// requested, or 0 when none applies.
func (e *Engine) attempt(ctx context.Context, item *model.DeliveryQueueItem, identity SigningIdentity) (model.DeliveryOutcome, int, string, time.Duration) {
	body := []byte(item.PayloadJSON)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.InboxURL, strings.NewReader(item.PayloadJSON))
	if err != nil {
		return model.OutcomeResolutionFailure, 0, err.Error(), 0
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("Content-Digest", sig.ContentDigest(body))

	if err := sig.SignRequest(req, sig.SignParams{
		KeyID:      identity.KeyID,
		Algorithm:  identity.Algorithm,
		PrivateKey: identity.PrivateKey,
	}); err != nil {
		return model.OutcomeResolutionFailure, 0, err.Error(), 0
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return model.OutcomeTransientFailure, 0, err.Error(), 0
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	outcome, status, reason := classify(resp.StatusCode)
	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return outcome, status, reason, retryAfter
}

// parseRetryAfter interprets a Retry-After header per RFC 9110 §10.2.3,
// accepting either delta-seconds or an HTTP-date. Returns 0 when the
// header is absent, unparseable, or already in the past.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// classify maps an HTTP status to a DeliveryOutcome per the spec's
// permanent-vs-transient split (401/403/404/410 permanent;
// 429/5xx/timeout transient).
func classify(status int) (model.DeliveryOutcome, int, string) {
	switch {
	case status >= 200 && status < 300:
		return model.OutcomeSuccess, status, ""
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusNotFound, status == http.StatusGone:
		return model.OutcomePermanentFailure, status, "recipient rejected delivery"
	case status == http.StatusTooManyRequests, status >= 500:
		return model.OutcomeTransientFailure, status, "recipient temporarily unavailable"
	default:
		return model.OutcomeTransientFailure, status, "unexpected status"
	}
}

// suggestedActionFor maps a permanent-failure status to the action a
// DeliveryReport recommends. For a 401 it suggests RotateKeys only when
// attempts, the number of tries this queue item has had (earlier
// transient failures included), is at least rotateKeysAttemptThreshold.
// A 401 is permanent and finalizes the item, so 401s are not counted
// across tries or across items for the same recipient: a 401 on an
// item's first or second try gets no suggestion.
func suggestedActionFor(statusCode, attempts int) model.SuggestedAction {
	switch statusCode {
	case http.StatusUnauthorized:
		if attempts >= rotateKeysAttemptThreshold {
			return model.SuggestRotateKeys
		}
		return model.SuggestNone
	case http.StatusNotFound, http.StatusGone:
		return model.SuggestRemoveFollower
	default:
		return model.SuggestNone
	}
}

// hostOf extracts the destination host a delivery's rate limit is
// keyed by; a malformed inbox URL degrades to no pacing rather than
// blocking delivery entirely (classify/attempt rejects it anyway).
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// backoff computes an exponential delay capped at max, doubling per
// attempt from base — the retry schedule spec.md §4.5 requires.
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
