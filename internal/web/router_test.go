package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kodenet/fedicore/internal/apperr"
	"github.com/kodenet/fedicore/internal/model"
)

type fakeRouterStore struct {
	domains map[string]*model.Domain
	actors  map[string]*model.Actor // keyed by domain|username
	followers map[string][]string
	objects map[string]*model.Object
}

func newFakeRouterStore() *fakeRouterStore {
	return &fakeRouterStore{
		domains:   map[string]*model.Domain{},
		actors:    map[string]*model.Actor{},
		followers: map[string][]string{},
		objects:   map[string]*model.Object{},
	}
}

func (f *fakeRouterStore) GetDomain(ctx context.Context, name string) (*model.Domain, error) {
	if d, ok := f.domains[name]; ok {
		return d, nil
	}
	return nil, apperr.New(apperr.ActorNotFound, "no domain")
}

func (f *fakeRouterStore) GetActorByUsername(ctx context.Context, domain, username string) (*model.Actor, error) {
	if a, ok := f.actors[domain+"|"+username]; ok {
		return a, nil
	}
	return nil, apperr.New(apperr.ActorNotFound, "no actor")
}

func (f *fakeRouterStore) ListFollowers(ctx context.Context, following string) ([]string, error) {
	return f.followers[following], nil
}
func (f *fakeRouterStore) CountFollowers(ctx context.Context, following string) (int, error) {
	return len(f.followers[following]), nil
}
func (f *fakeRouterStore) ListFollowing(ctx context.Context, follower string) ([]string, error) {
	return nil, nil
}
func (f *fakeRouterStore) CountFollowing(ctx context.Context, follower string) (int, error) {
	return 0, nil
}
func (f *fakeRouterStore) CountLocalActivities(ctx context.Context, actorURI string) (int, error) {
	return 0, nil
}
func (f *fakeRouterStore) ListLocalActivitiesPage(ctx context.Context, actorURI string, limit, offset int) ([]*model.Activity, error) {
	return nil, nil
}
func (f *fakeRouterStore) GetObject(ctx context.Context, objectID string) (*model.Object, error) {
	if o, ok := f.objects[objectID]; ok {
		return o, nil
	}
	return nil, apperr.New(apperr.ActorNotFound, "no object")
}

func (f *fakeRouterStore) ListPublicNotesByActor(ctx context.Context, actorURI string, limit int) ([]*model.Object, error) {
	return nil, nil
}

type fakeOutbox struct{}

func (fakeOutbox) CreateNote(ctx context.Context, localActorID string, note *model.Object, mentions []string) (*model.Activity, error) {
	return &model.Activity{ActivityURI: note.ObjectID, ActivityType: "Create", Published: time.Now()}, nil
}

func newTestRouter(store *fakeRouterStore) *Router {
	inboxHandler := NewInboxHandler(&fakeSignatureResolver{actors: map[string]*model.Actor{}}, &fakeProcessor{}, zerolog.Nop(), time.Hour)
	return NewRouter(store, inboxHandler, fakeOutbox{}, zerolog.Nop())
}

func TestGetActorServesActorDocument(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeRouterStore()
	store.actors["example.com|alice"] = &model.Actor{
		ActorID: "https://example.com/users/alice", PreferredUsername: "alice", ActorType: model.ActorTypePerson,
	}
	rt := newTestRouter(store)
	g := rt.Public()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/users/alice", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["preferredUsername"] != "alice" {
		t.Fatalf("unexpected actor doc: %v", doc)
	}
}

func TestGetActorUnknownReturns404(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rt := newTestRouter(newFakeRouterStore())
	g := rt.Public()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/users/ghost", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestWebFingerResolvesLocalActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeRouterStore()
	store.actors["example.com|alice"] = &model.Actor{ActorID: "https://example.com/users/alice"}
	rt := newTestRouter(store)
	g := rt.Public()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/.well-known/webfinger?resource=acct:alice@example.com", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp WebFingerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Subject != "acct:alice@example.com" {
		t.Fatalf("unexpected subject: %s", resp.Subject)
	}
}

func TestFollowersCollectionPaging(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeRouterStore()
	store.actors["example.com|alice"] = &model.Actor{
		ActorID: "https://example.com/users/alice", Followers: "https://example.com/users/alice/followers",
	}
	store.followers["https://example.com/users/alice"] = []string{"https://remote.example/actors/bob"}
	rt := newTestRouter(store)
	g := rt.Public()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/users/alice/followers", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var coll OrderedCollection
	if err := json.Unmarshal(w.Body.Bytes(), &coll); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if coll.TotalItems != 1 {
		t.Fatalf("expected totalItems 1, got %d", coll.TotalItems)
	}
}

func TestGetOnInboxRoutesReturns405(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newTestRouter(newFakeRouterStore()).Public()

	for _, path := range []string{"/inbox", "/users/alice/inbox"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("GET %s: expected 405, got %d", path, w.Code)
		}
	}
}

func TestAdminHealthz(t *testing.T) {
	rt := newTestRouter(newFakeRouterStore())
	h := rt.Admin()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
