package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kodenet/fedicore/internal/model"
	"github.com/kodenet/fedicore/internal/store"
)

func TestResolveByURIFetchesAndCaches(t *testing.T) {
	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&fetches, 1)
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{
			"id": "` + "http://" + req.Host + `/actors/bob" ,
			"type": "Person",
			"preferredUsername": "bob",
			"inbox": "http://` + req.Host + `/actors/bob/inbox",
			"publicKey": {"id": "http://` + req.Host + `/actors/bob#main-key", "publicKeyPem": "-----BEGIN PUBLIC KEY-----\nxx\n-----END PUBLIC KEY-----"}
		}`))
	}))
	defer srv.Close()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	r := New(s, srv.Client(), nil, "")
	actorID := srv.URL + "/actors/bob"

	a, err := r.ResolveByURI(context.Background(), actorID)
	if err != nil {
		t.Fatalf("ResolveByURI: %v", err)
	}
	if a.PreferredUsername != "bob" {
		t.Fatalf("unexpected actor: %+v", a)
	}

	if _, err := r.ResolveByURI(context.Background(), actorID); err != nil {
		t.Fatalf("second ResolveByURI: %v", err)
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Fatalf("expected 1 fetch due to caching, got %d", got)
	}
}

func TestResolveByURIMarksUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	r := New(s, srv.Client(), nil, "")
	_, err = r.ResolveByURI(context.Background(), srv.URL+"/actors/carol")
	if err == nil {
		t.Fatal("expected error for 403 actor fetch")
	}
}

func TestResolveByURIHonorsTrustLevelTTL(t *testing.T) {
	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&fetches, 1)
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{
			"id": "` + "http://" + req.Host + `/actors/dana",
			"type": "Person",
			"preferredUsername": "dana",
			"inbox": "http://` + req.Host + `/actors/dana/inbox",
			"publicKey": {"id": "http://` + req.Host + `/actors/dana#main-key", "publicKeyPem": "-----BEGIN PUBLIC KEY-----\nxx\n-----END PUBLIC KEY-----"}
		}`))
	}))
	defer srv.Close()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	r := New(s, srv.Client(), nil, "")
	actorID := srv.URL + "/actors/dana"

	if _, err := r.ResolveByURI(context.Background(), actorID); err != nil {
		t.Fatalf("ResolveByURI: %v", err)
	}

	// Promote the signing key to MasterSigned (24h TTL) and back-date
	// the cached fetch past the 15-min Unverified TTL but within the
	// 24h MasterSigned one: a second resolve must still serve cache.
	a, err := s.GetActorByID(context.Background(), actorID)
	if err != nil {
		t.Fatalf("GetActorByID: %v", err)
	}
	key, err := s.GetKey(context.Background(), a.PublicKeyID)
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	key.TrustLevel = model.TrustMasterSigned
	if err := s.UpsertKey(context.Background(), key); err != nil {
		t.Fatalf("UpsertKey: %v", err)
	}
	a.LastFetched = time.Now().UTC().Add(-30 * time.Minute)
	if err := s.UpsertActor(context.Background(), a); err != nil {
		t.Fatalf("UpsertActor: %v", err)
	}

	if _, err := r.ResolveByURI(context.Background(), actorID); err != nil {
		t.Fatalf("second ResolveByURI: %v", err)
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Fatalf("expected cache to survive past the Unverified TTL once promoted to MasterSigned, got %d fetches", got)
	}
}

func TestResolveByURIHonorsUnauthorizedCooldown(t *testing.T) {
	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&fetches, 1)
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{
			"id": "` + "http://" + req.Host + `/actors/erin",
			"type": "Person",
			"preferredUsername": "erin",
			"inbox": "http://` + req.Host + `/actors/erin/inbox",
			"publicKey": {"id": "http://` + req.Host + `/actors/erin#main-key", "publicKeyPem": "-----BEGIN PUBLIC KEY-----\nxx\n-----END PUBLIC KEY-----"}
		}`))
	}))
	defer srv.Close()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	r := New(s, srv.Client(), nil, "")
	actorID := srv.URL + "/actors/erin"

	if _, err := r.ResolveByURI(context.Background(), actorID); err != nil {
		t.Fatalf("ResolveByURI: %v", err)
	}

	// Expire the Unverified TTL and record a 401 a minute ago: the
	// resolver must serve the stale cached entry rather than refetch.
	a, err := s.GetActorByID(context.Background(), actorID)
	if err != nil {
		t.Fatalf("GetActorByID: %v", err)
	}
	a.LastFetched = time.Now().UTC().Add(-1 * time.Hour)
	if err := s.UpsertActor(context.Background(), a); err != nil {
		t.Fatalf("UpsertActor: %v", err)
	}
	if err := s.MarkActorUnauthorized(context.Background(), actorID, time.Now().UTC().Add(-1*time.Minute)); err != nil {
		t.Fatalf("MarkActorUnauthorized: %v", err)
	}

	if _, err := r.ResolveByURI(context.Background(), actorID); err != nil {
		t.Fatalf("second ResolveByURI: %v", err)
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Fatalf("expected no refetch within the 5-minute unauthorized cooldown, got %d fetches", got)
	}
}

func TestTTLForUnknownTrustLevel(t *testing.T) {
	if got := ttlFor(model.TrustLevel("bogus")); got != defaultTTL {
		t.Fatalf("expected defaultTTL fallback, got %v", got)
	}
	if got := ttlFor(model.TrustInstanceActor); got != 12*time.Hour {
		t.Fatalf("unexpected instance-actor TTL: %v", got)
	}
}
