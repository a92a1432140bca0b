package web

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kodenet/fedicore/internal/apperr"
	"github.com/kodenet/fedicore/internal/inbox"
	"github.com/kodenet/fedicore/internal/model"
	"github.com/kodenet/fedicore/internal/sig"
)

type fakeSignatureResolver struct {
	actors map[string]*model.Actor
}

func (f *fakeSignatureResolver) ResolveByURI(ctx context.Context, actorID string) (*model.Actor, error) {
	if a, ok := f.actors[actorID]; ok {
		return a, nil
	}
	return nil, apperr.New(apperr.ActorNotFound, "not found")
}

type fakeProcessor struct {
	calls int
	lastReq inbox.VerifiedRequest
}

func (f *fakeProcessor) Handle(ctx context.Context, req inbox.VerifiedRequest, now time.Time) error {
	f.calls++
	f.lastReq = req
	return nil
}

func TestInboxHandlerAcceptsValidSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)

	kp, err := sig.GenerateKeyPair(sig.Ed25519Alg)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv, err := sig.ParsePrivateKey([]byte(kp.PrivatePem))
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}

	actorID := "https://remote.example/actors/bob"
	resolver := &fakeSignatureResolver{actors: map[string]*model.Actor{
		actorID: {ActorID: actorID, PublicKeyID: actorID + "#main-key", PublicKeyPem: kp.PublicPem},
	}}
	proc := &fakeProcessor{}
	handler := NewInboxHandler(resolver, proc, zerolog.Nop(), time.Hour)

	r := gin.New()
	r.POST("/users/:username/inbox", handler.Handle(func(c *gin.Context) string { return c.Param("username") }))

	body := []byte(`{"id":"https://remote.example/activities/1","type":"Follow","actor":"https://remote.example/actors/bob","object":"https://local.example/actors/alice"}`)
	req := httptest.NewRequest(http.MethodPost, "https://local.example/users/alice/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Content-Digest", sig.ContentDigest(body))
	if err := sig.SignRequest(req, sig.SignParams{
		KeyID: actorID + "#main-key", Algorithm: sig.Ed25519Alg, PrivateKey: priv,
		Components: []string{"@method", "@target-uri", "@authority", "content-digest"},
	}); err != nil {
		t.Fatalf("SignRequest: %v", err)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if proc.calls != 1 {
		t.Fatalf("expected processor called once, got %d", proc.calls)
	}
	if proc.lastReq.TargetActorID != "alice" {
		t.Fatalf("expected TargetActorID alice, got %q", proc.lastReq.TargetActorID)
	}
}

func TestInboxHandlerRejectsMissingSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)

	resolver := &fakeSignatureResolver{actors: map[string]*model.Actor{}}
	proc := &fakeProcessor{}
	handler := NewInboxHandler(resolver, proc, zerolog.Nop(), time.Hour)

	r := gin.New()
	r.POST("/inbox", handler.Handle(func(c *gin.Context) string { return "" }))

	req := httptest.NewRequest(http.MethodPost, "https://local.example/inbox", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if proc.calls != 0 {
		t.Fatalf("expected processor not called, got %d calls", proc.calls)
	}
}
