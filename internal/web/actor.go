// Package web is the Public Read Surface: actor documents, collection
// paging, WebFinger, NodeInfo, and the signed inbox endpoint, served
// over gin (public, multi-domain by Host header) with a small chi
// admin API alongside. Grounded on the teacher's web/actor.go
// (GetActor/getIRI/GetNoteObject/GetFollowersCollection/
// GetFollowersPage) and web/router.go, generalized from the teacher's
// raw fmt.Sprintf string templates (manually escaped, fragile against
// control characters in user content) to typed structs marshaled with
// encoding/json — a correction noted in DESIGN.md.
package web

import (
	"context"

	"github.com/kodenet/fedicore/internal/model"
)

// Store is the subset of store.Store the public read surface needs.
type Store interface {
	GetDomain(ctx context.Context, name string) (*model.Domain, error)
	GetActorByUsername(ctx context.Context, domain, username string) (*model.Actor, error)

	ListFollowers(ctx context.Context, following string) ([]string, error)
	CountFollowers(ctx context.Context, following string) (int, error)
	ListFollowing(ctx context.Context, follower string) ([]string, error)
	CountFollowing(ctx context.Context, follower string) (int, error)

	CountLocalActivities(ctx context.Context, actorURI string) (int, error)
	ListLocalActivitiesPage(ctx context.Context, actorURI string, limit, offset int) ([]*model.Activity, error)

	GetObject(ctx context.Context, objectID string) (*model.Object, error)
	ListPublicNotesByActor(ctx context.Context, actorURI string, limit int) ([]*model.Object, error)
}

// publicKeyDoc is the nested publicKey block every actor document
// carries, mirroring the teacher's inline struct in GetActor.
type publicKeyDoc struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type endpointsDoc struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// ActorDocument is the JSON-LD Actor representation served at
// GET /users/:username, generalizing the teacher's hand-built Person
// template to any of the five actor types model.ActorType names.
type ActorDocument struct {
	Context                   interface{}  `json:"@context"`
	ID                        string       `json:"id"`
	Type                      string       `json:"type"`
	PreferredUsername         string       `json:"preferredUsername"`
	Inbox                     string       `json:"inbox"`
	Outbox                    string       `json:"outbox"`
	Followers                 string       `json:"followers"`
	Following                 string       `json:"following"`
	Endpoints                 endpointsDoc `json:"endpoints"`
	ManuallyApprovesFollowers bool         `json:"manuallyApprovesFollowers"`
	PublicKey                 publicKeyDoc `json:"publicKey"`
}

var actorContext = []string{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// BuildActorDocument renders actor as a JSON-LD actor document,
// addressed as manuallyApproves per its domain's Follow policy.
func BuildActorDocument(actor *model.Actor, domain *model.Domain) *ActorDocument {
	manuallyApproves := false
	if domain != nil {
		manuallyApproves = domain.ManuallyApprovesFollowers
	}
	return &ActorDocument{
		Context:                   actorContext,
		ID:                        actor.ActorID,
		Type:                      string(actor.ActorType),
		PreferredUsername:         actor.PreferredUsername,
		Inbox:                     actor.Inbox,
		Outbox:                    actor.Outbox,
		Followers:                 actor.Followers,
		Following:                 actor.Following,
		Endpoints:                 endpointsDoc{SharedInbox: actor.SharedInbox},
		ManuallyApprovesFollowers: manuallyApproves,
		PublicKey: publicKeyDoc{
			ID:           actor.PublicKeyID,
			Owner:        actor.ActorID,
			PublicKeyPem: actor.PublicKeyPem,
		},
	}
}

// NoteDocument is the JSON-LD Note representation served at
// GET /notes/:id, generalizing the teacher's GetNoteObject.
type NoteDocument struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	AttributedTo string      `json:"attributedTo"`
	Content      string      `json:"content"`
	Summary      string      `json:"summary,omitempty"`
	Published    string      `json:"published"`
	Updated      string      `json:"updated,omitempty"`
	InReplyTo    string      `json:"inReplyTo,omitempty"`
	To           []string    `json:"to,omitempty"`
	Cc           []string    `json:"cc,omitempty"`
}

// BuildNoteDocument renders o as a Note/Tombstone document; deleted
// objects collapse to a bare Tombstone per ActivityPub §7.
func BuildNoteDocument(o *model.Object) *NoteDocument {
	if o.IsTombstone() {
		return &NoteDocument{
			Context: actorContext[0],
			ID:      o.ObjectID,
			Type:    "Tombstone",
		}
	}
	n := &NoteDocument{
		Context:      actorContext[0],
		ID:           o.ObjectID,
		Type:         o.ObjectType,
		AttributedTo: o.AttributedTo,
		Content:      o.Content,
		Summary:      o.Summary,
		Published:    o.Published.UTC().Format(rfc3339),
		InReplyTo:    o.InReplyTo,
		To:           o.To,
		Cc:           o.Cc,
	}
	if !o.Updated.IsZero() {
		n.Updated = o.Updated.UTC().Format(rfc3339)
	}
	return n
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"
