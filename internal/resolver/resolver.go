// Package resolver fetches and caches remote actors and their public
// keys, generalizing the teacher's GetOrFetchActorWithDeps/
// FetchRemoteActorWithDeps (actors.go, in the Demigodrick-stegodon
// snapshot — the inbox.go/outbox.go call sites for this function live
// in gnp-x-stegodon) from a single-domain 24h TTL cache into a
// trust-level-aware cache with concurrent-fetch deduplication.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kodenet/fedicore/internal/apperr"
	"github.com/kodenet/fedicore/internal/model"
	"github.com/kodenet/fedicore/internal/sig"
)

// Store is the subset of store.Store the resolver depends on.
type Store interface {
	GetActorByID(ctx context.Context, actorID string) (*model.Actor, error)
	UpsertActor(ctx context.Context, a *model.Actor) error
	MarkActorUnauthorized(ctx context.Context, actorID string, at time.Time) error
	GetKey(ctx context.Context, keyID string) (*model.KeyRecord, error)
	UpsertKey(ctx context.Context, k *model.KeyRecord) error
}

// HTTPClient is the subset of *http.Client the resolver needs,
// matching the teacher's own HTTPClient interface in
// activitypub/deps.go so production code and tests share one seam.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Signer signs a GET as a domain's instance actor. Resolver keeps the
// Signer it is given but does not call it: its fetches are sent
// unsigned.
type Signer interface {
	SignGET(req *http.Request, instanceActorID string) error
}

// freshness TTLs by trust level, matching spec.md §4.2's caching rule
// verbatim: Unverified 15 min, DomainVerified 4 h, MasterSigned 24 h,
// InstanceActor 12 h.
var ttlByTrust = map[model.TrustLevel]time.Duration{
	model.TrustUnverified:     15 * time.Minute,
	model.TrustDomainVerified: 4 * time.Hour,
	model.TrustMasterSigned:   24 * time.Hour,
	model.TrustInstanceActor:  12 * time.Hour,
}

const defaultTTL = 15 * time.Minute

// unauthorizedCooldown is spec.md §4.2's "on any remote 401/403 during
// fetch, mark the entry stale and do not retry for 5 min".
const unauthorizedCooldown = 5 * time.Minute

// Resolver resolves actor URIs and acct: handles to cached or
// freshly-fetched model.Actor records.
type Resolver struct {
	store      Store
	client     HTTPClient
	signer     Signer
	userAgent  string
	group      singleflight.Group
}

// New builds a Resolver, matching the teacher's
// NewDefaultHTTPClient(10*time.Second) timeout convention.
func New(store Store, client HTTPClient, signer Signer, userAgent string) *Resolver {
	if userAgent == "" {
		userAgent = "fedicore/1.0 ActivityPub"
	}
	return &Resolver{store: store, client: client, signer: signer, userAgent: userAgent}
}

// actorDocument mirrors the teacher's ActorResponse, generalized with
// the endpoints/followers/following fields the teacher's struct omits.
type actorDocument struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Inbox             string `json:"inbox"`
	Outbox            string `json:"outbox"`
	Followers         string `json:"followers"`
	Following         string `json:"following"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// ResolveByURI returns the actor for actorID, using the cache when it
// is younger than its trust level's TTL and deduplicating concurrent
// fetches of the same URI via singleflight — a correction over the
// teacher, which has no protection against a thundering herd of
// concurrent inbox POSTs triggering duplicate fetches of one actor.
func (r *Resolver) ResolveByURI(ctx context.Context, actorID string) (*model.Actor, error) {
	if cached, err := r.store.GetActorByID(ctx, actorID); err == nil {
		if time.Since(cached.LastFetched) < r.ttlForActor(ctx, cached) {
			return cached, nil
		}
		// A recent 401/403 means the remote is already rejecting us;
		// serve the stale entry instead of hammering it again.
		if !cached.Last401At.IsZero() && time.Since(cached.Last401At) < unauthorizedCooldown {
			return cached, nil
		}
	}

	v, err, _ := r.group.Do(actorID, func() (interface{}, error) {
		return r.fetchAndStore(ctx, actorID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Actor), nil
}

// ttlForActor looks up the trust level of the actor's current signing
// key and returns its cache TTL, falling back to defaultTTL (the
// Unverified TTL) when the key record cannot be found.
func (r *Resolver) ttlForActor(ctx context.Context, actor *model.Actor) time.Duration {
	key, err := r.store.GetKey(ctx, actor.PublicKeyID)
	if err != nil {
		return defaultTTL
	}
	return ttlFor(key.TrustLevel)
}

func (r *Resolver) fetchAndStore(ctx context.Context, actorID string) (*model.Actor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorID, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.MalformedRequest, "building actor fetch request", err)
	}
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.RemoteFetchFailed, "fetching actor", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_ = r.store.MarkActorUnauthorized(ctx, actorID, time.Now().UTC())
		return nil, apperr.New(apperr.RemoteFetchFailed, fmt.Sprintf("actor fetch unauthorized: %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.RemoteFetchFailed, fmt.Sprintf("actor fetch failed with status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.RemoteFetchFailed, "reading actor response", err)
	}

	var doc actorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperr.Wrap(apperr.RemoteFetchFailed, "parsing actor document", err)
	}
	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, apperr.New(apperr.RemoteFetchFailed, "actor document missing required fields")
	}

	host, err := extractDomain(doc.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.RemoteFetchFailed, "extracting actor domain", err)
	}

	actor := &model.Actor{
		ActorID:           doc.ID,
		Domain:            host,
		PreferredUsername: doc.PreferredUsername,
		ActorType:         model.ActorType(doc.Type),
		Inbox:             doc.Inbox,
		Outbox:            doc.Outbox,
		Followers:         doc.Followers,
		Following:         doc.Following,
		SharedInbox:       doc.Endpoints.SharedInbox,
		PublicKeyID:       doc.PublicKey.ID,
		PublicKeyPem:      doc.PublicKey.PublicKeyPem,
		LastFetched:       time.Now().UTC(),
		Local:             false,
	}
	if actor.ActorType == "" {
		actor.ActorType = model.ActorTypePerson
	}

	if err := r.store.UpsertActor(ctx, actor); err != nil {
		return nil, err
	}

	// Freshly-fetched remote keys start at the lowest trust level per
	// spec.md §4.2; nothing here promotes a key to DomainVerified or
	// above, matching spec.md §9's "trust chain is defined but
	// unenforced — trust levels are cache-TTL inputs only" note.
	key := &model.KeyRecord{
		KeyID:        doc.PublicKey.ID,
		ActorID:      actor.ActorID,
		PublicKeyPem: doc.PublicKey.PublicKeyPem,
		TrustLevel:   model.TrustUnverified,
		CreatedAt:    time.Now().UTC(),
	}
	if existing, err := r.store.GetKey(ctx, key.KeyID); err == nil {
		key.TrustLevel = existing.TrustLevel
		key.Algorithm = existing.Algorithm
		key.CreatedAt = existing.CreatedAt
		key.RotatedAt = existing.RotatedAt
	}
	if err := r.store.UpsertKey(ctx, key); err != nil {
		return nil, err
	}

	return actor, nil
}

// PublicKey parses the actor's cached PEM public key, used by the
// inbox processor once ResolveByURI returns the signer's actor.
func PublicKey(actor *model.Actor) (interface{}, error) {
	return sig.ParsePublicKey([]byte(actor.PublicKeyPem))
}

// ResolveAcct resolves a @username@domain or acct:username@domain
// handle to an actor URI via WebFinger, grounded on the teacher's
// resolveMentionURI (activitypub/outbox.go).
func (r *Resolver) ResolveAcct(ctx context.Context, username, domain string) (string, error) {
	webfingerURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s@%s", domain, username, domain)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, webfingerURL, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.MalformedRequest, "building webfinger request", err)
	}
	req.Header.Set("Accept", "application/jrd+json")
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.RemoteFetchFailed, "webfinger request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.RemoteFetchFailed, fmt.Sprintf("webfinger failed with status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Wrap(apperr.RemoteFetchFailed, "reading webfinger response", err)
	}

	var result struct {
		Subject string `json:"subject"`
		Links   []struct {
			Rel  string `json:"rel"`
			Type string `json:"type"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", apperr.Wrap(apperr.RemoteFetchFailed, "parsing webfinger response", err)
	}

	for _, link := range result.Links {
		if link.Rel == "self" &&
			(link.Type == "application/activity+json" ||
				strings.Contains(link.Type, "ld+json") && strings.Contains(link.Type, "activitystreams")) {
			return link.Href, nil
		}
	}
	return "", apperr.New(apperr.ActorNotFound, "no ActivityPub actor in webfinger response")
}

func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", err
	}
	return parsed.Host, nil
}

// ttlFor returns the cache TTL for the given trust level, falling back
// to defaultTTL for unrecognized levels.
func ttlFor(level model.TrustLevel) time.Duration {
	if d, ok := ttlByTrust[level]; ok {
		return d
	}
	return defaultTTL
}
