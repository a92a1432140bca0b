package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kodenet/fedicore/internal/apperr"
	"github.com/kodenet/fedicore/internal/model"
)

// Outbox is the subset of outbox.Producer the router needs to accept
// locally-originated posts via the admin API.
type Outbox interface {
	CreateNote(ctx context.Context, localActorID string, note *model.Object, mentions []string) (*model.Activity, error)
}

// Router assembles the public (multi-domain, gin) and admin (chi)
// HTTP surfaces, grounded on the teacher's web/router.go: gzip
// compression, per-route rate limiting, a 1MB ActivityPub body cap,
// and the GET/POST route table it registers under g.GET/g.POST.
// Domain routing generalizes the teacher's single conf.Conf.SslDomain
// into a Host-header lookup against the store's domains table.
type Router struct {
	store     Store
	inbox     *InboxHandler
	outbox    Outbox
	log       zerolog.Logger
}

func NewRouter(store Store, inbox *InboxHandler, outbox Outbox, log zerolog.Logger) *Router {
	return &Router{store: store, inbox: inbox, outbox: outbox, log: log}
}

// Public builds the gin engine serving actor documents, collections,
// WebFinger, NodeInfo, and inbox delivery for every configured domain.
func (rt *Router) Public() *gin.Engine {
	g := gin.New()
	// GET /inbox and GET /users/:username/inbox are registered POST-only
	// below; spec.md §4.7 requires those paths answer a stray GET with
	// 405, not gin's default 404 for an unregistered method on a known path.
	g.HandleMethodNotAllowed = true
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBody := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/users/:username", rt.getActor)
	g.GET("/notes/:id", rt.getNote)
	g.GET("/users/:username/followers", rt.getFollowers)
	g.GET("/users/:username/following", rt.getFollowing)
	g.GET("/users/:username/outbox", rt.getOutbox)
	g.GET("/users/:username/feed", rt.getRSSFeed)

	g.POST("/users/:username/inbox", RateLimitMiddleware(apLimiter), maxBody,
		rt.inbox.Handle(func(c *gin.Context) string { return c.Param("username") }))
	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBody,
		rt.inbox.Handle(func(c *gin.Context) string { return "" }))

	g.GET("/.well-known/webfinger", rt.getWebFinger)
	g.GET("/.well-known/nodeinfo", rt.getWellKnownNodeInfo)
	g.GET("/nodeinfo/2.0", rt.getNodeInfo)

	return g
}

// Admin builds the chi router serving the small operator-facing API:
// health, per-domain counts, and the "post a note" intake endpoint the
// teacher's SSH TUI used to drive locally (dropped with the TUI; this
// is its HTTP replacement).
func (rt *Router) Admin() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/domains/{domain}", func(r chi.Router) {
		r.Get("/", rt.adminGetDomain)
		r.Post("/actors/{username}/notes", rt.adminCreateNote)
	})

	return r
}

func (rt *Router) domainFromHost(c *gin.Context) string {
	host := c.Request.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

func (rt *Router) getActor(c *gin.Context) {
	if !isValidUsername(c.Param("username")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "actor not found"})
		return
	}
	domainName := rt.domainFromHost(c)
	actor, err := rt.store.GetActorByUsername(c.Request.Context(), domainName, c.Param("username"))
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": "actor not found"})
		return
	}
	domain, _ := rt.store.GetDomain(c.Request.Context(), domainName)
	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	c.JSON(http.StatusOK, BuildActorDocument(actor, domain))
}

func (rt *Router) getNote(c *gin.Context) {
	id := fmt.Sprintf("https://%s/notes/%s", rt.domainFromHost(c), c.Param("id"))
	obj, err := rt.store.GetObject(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "note not found"})
		return
	}
	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	c.JSON(http.StatusOK, BuildNoteDocument(obj))
}

func (rt *Router) getFollowers(c *gin.Context) {
	rt.renderCollection(c, true)
}

func (rt *Router) getFollowing(c *gin.Context) {
	rt.renderCollection(c, false)
}

func (rt *Router) renderCollection(c *gin.Context, followers bool) {
	ctx := c.Request.Context()
	domainName := rt.domainFromHost(c)
	actor, err := rt.store.GetActorByUsername(ctx, domainName, c.Param("username"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "actor not found"})
		return
	}

	var collectionID string
	var items []string
	var total int
	if followers {
		collectionID = actor.Followers
		items, err = rt.store.ListFollowers(ctx, actor.ActorID)
		if err == nil {
			total, err = rt.store.CountFollowers(ctx, actor.ActorID)
		}
	} else {
		collectionID = actor.Following
		items, err = rt.store.ListFollowing(ctx, actor.ActorID)
		if err == nil {
			total, err = rt.store.CountFollowing(ctx, actor.ActorID)
		}
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	if pageStr := c.Query("page"); pageStr != "" {
		page, perr := strconv.Atoi(pageStr)
		if perr != nil || page < 1 {
			page = 1
		}
		c.JSON(http.StatusOK, BuildOrderedCollectionPage(collectionID, items, total, page))
		return
	}
	c.JSON(http.StatusOK, BuildOrderedCollection(collectionID, total))
}

func (rt *Router) getOutbox(c *gin.Context) {
	ctx := c.Request.Context()
	domainName := rt.domainFromHost(c)
	actor, err := rt.store.GetActorByUsername(ctx, domainName, c.Param("username"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "actor not found"})
		return
	}

	total, err := rt.store.CountLocalActivities(ctx, actor.ActorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	pageStr := c.Query("page")
	if pageStr == "" {
		c.JSON(http.StatusOK, BuildOrderedCollection(actor.Outbox, total))
		return
	}
	page, perr := strconv.Atoi(pageStr)
	if perr != nil || page < 1 {
		page = 1
	}
	activities, err := rt.store.ListLocalActivitiesPage(ctx, actor.ActorID, pageSize, (page-1)*pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	raw := make([]interface{}, 0, len(activities))
	for _, a := range activities {
		var v interface{}
		if err := json.Unmarshal([]byte(a.RawJSON), &v); err == nil {
			raw = append(raw, v)
		}
	}
	c.JSON(http.StatusOK, BuildOutboxPage(actor.Outbox, raw, total, page))
}

func (rt *Router) getRSSFeed(c *gin.Context) {
	rss, err := BuildRSSFeed(c.Request.Context(), rt.store, rt.domainFromHost(c), c.Param("username"))
	if err != nil {
		c.String(httpStatus(err), "")
		return
	}
	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.String(http.StatusOK, rss)
}

func (rt *Router) getWebFinger(c *gin.Context) {
	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource must be an acct: URI"})
		return
	}
	handle := strings.TrimPrefix(resource, "acct:")
	at := strings.LastIndexByte(handle, '@')
	if at < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed acct resource"})
		return
	}
	username, domainName := handle[:at], handle[at+1:]
	if !isValidUsername(username) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}

	actor, err := rt.store.GetActorByUsername(c.Request.Context(), domainName, username)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, BuildWebFingerResponse(username, domainName, actor.ActorID))
}

func (rt *Router) getWellKnownNodeInfo(c *gin.Context) {
	c.Header("Content-Type", "application/json; charset=utf-8")
	c.JSON(http.StatusOK, BuildWellKnownNodeInfo(rt.domainFromHost(c)))
}

func (rt *Router) getNodeInfo(c *gin.Context) {
	// Per-domain totals are intentionally coarse (0) until a
	// dedicated per-domain counter query is added; NodeInfo
	// consumers treat absent usage data as "unreported", not an error.
	c.Header("Content-Type", "application/json; charset=utf-8")
	c.JSON(http.StatusOK, BuildNodeInfo20(rt.domainFromHost(c), 0, 0, true))
}

func (rt *Router) adminGetDomain(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "domain")
	d, err := rt.store.GetDomain(r.Context(), name)
	if err != nil {
		http.Error(w, "domain not found", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(d)
}

type createNoteRequest struct {
	Content   string   `json:"content"`
	InReplyTo string   `json:"inReplyTo,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`
}

func (rt *Router) adminCreateNote(w http.ResponseWriter, r *http.Request) {
	domainName := chi.URLParam(r, "domain")
	username := chi.URLParam(r, "username")
	if !isValidUsername(username) {
		http.Error(w, "invalid username", http.StatusBadRequest)
		return
	}

	var req createNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	actor, err := rt.store.GetActorByUsername(r.Context(), domainName, username)
	if err != nil {
		http.Error(w, "actor not found", http.StatusNotFound)
		return
	}

	note := &model.Object{
		ObjectID:     fmt.Sprintf("https://%s/notes/%s", domainName, uuid.New().String()),
		ObjectType:   "Note",
		AttributedTo: actor.ActorID,
		Content:      req.Content,
		InReplyTo:    req.InReplyTo,
		Published:    time.Now().UTC(),
	}

	a, err := rt.outbox.CreateNote(r.Context(), actor.ActorID, note, req.Mentions)
	if err != nil {
		rt.log.Error().Err(err).Msg("admin: create note failed")
		http.Error(w, apperr.KindOf(err).String(), httpStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(a)
}
