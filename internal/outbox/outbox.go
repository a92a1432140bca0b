// Package outbox is the Local Activity Producer: it builds outgoing
// ActivityStreams documents for locally-originated intents (follow,
// accept, reject, like, announce, undo, create, update, delete) and
// enqueues one delivery_queue row per recipient inbox. Grounded on the
// teacher's SendActivityWithDeps/SendAcceptWithDeps/SendCreateWithDeps/
// SendFollowWithDeps/SendUndoWithDeps/SendLikeWithDeps
// (activitypub/outbox.go), adapted from "sign and POST synchronously"
// to "enqueue for the delivery engine" per spec.md's asynchronous
// delivery model.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kodenet/fedicore/internal/apperr"
	"github.com/kodenet/fedicore/internal/model"
)

// Store is the subset of store.Store the producer needs.
type Store interface {
	GetActorByID(ctx context.Context, actorID string) (*model.Actor, error)
	CreateActivity(ctx context.Context, a *model.Activity) error
	ListFollowers(ctx context.Context, following string) ([]string, error)
	EnqueueDelivery(ctx context.Context, item *model.DeliveryQueueItem) error
}

// Resolver resolves remote actors to discover their inbox/shared inbox.
type Resolver interface {
	ResolveByURI(ctx context.Context, actorID string) (*model.Actor, error)
}

// Notifier wakes the delivery engine the moment a delivery row is
// enqueued, instead of making it wait out a full poll interval.
// Implemented in internal/app by publishing onto
// internal/broker's ExchangeActivityPubPublish; nil is a valid zero
// value, leaving the delivery engine on its own ticker.
type Notifier interface {
	Notify(ctx context.Context)
}

// Producer builds and enqueues outgoing activities.
type Producer struct {
	store    Store
	resolver Resolver
	notifier Notifier
}

func New(store Store, resolver Resolver) *Producer {
	return &Producer{store: store, resolver: resolver}
}

// SetNotifier attaches the broker-backed wake-up Notifier.
func (p *Producer) SetNotifier(n Notifier) {
	p.notifier = n
}

// intent is the common shape every outgoing activity is marshaled
// into before delivery, mirroring the ad-hoc map[string]any literals
// the teacher builds in SendAcceptWithDeps/SendCreateWithDeps.
type intent struct {
	Context interface{} `json:"@context"`
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Actor   string      `json:"actor"`
	Object  interface{} `json:"object,omitempty"`
	Target  interface{} `json:"target,omitempty"`
	To      []string    `json:"to,omitempty"`
	Cc      []string    `json:"cc,omitempty"`
}

func newActivityID(actorID string) string {
	return fmt.Sprintf("%s/activities/%s", actorID, uuid.New().String())
}

// deliverTo resolves recipients to distinct inbox URLs (preferring
// shared inboxes, the same "dedup by endpoint" the teacher performs
// by hand with a map in SendCreateWithDeps) and enqueues one
// delivery_queue row per inbox, recording which recipients share it
// (spec.md §4.5 step 4) so a permanent-failure outcome can be
// attributed back to the individual actors behind a shared inbox.
// followingActorID is the local actor whose followers collection was
// expanded into recipients (other recipients may be mixed in), or ""
// when every recipient was addressed directly; it lets the delivery engine undo the right follow row on
// 404/410 (spec.md §4.5 step 6).
func (p *Producer) deliverTo(ctx context.Context, act *model.Activity, recipients []string, followingActorID string) error {
	inboxes := map[string][]string{}
	for _, r := range recipients {
		if r == model.PublicCollection || r == "" {
			continue
		}
		remote, err := p.resolver.ResolveByURI(ctx, r)
		if err != nil {
			continue // unreachable recipients are skipped; the delivery engine handles retries for transient failures only after a successful enqueue
		}
		inbox := remote.Inbox
		if remote.SharedInbox != "" {
			inbox = remote.SharedInbox
		}
		inboxes[inbox] = append(inboxes[inbox], r)
	}

	enqueued := false
	for inbox, recips := range inboxes {
		if err := p.store.EnqueueDelivery(ctx, &model.DeliveryQueueItem{
			ActivityID:       act.ActivityURI,
			InboxURL:         inbox,
			PayloadJSON:      act.RawJSON,
			NextAttemptAt:    time.Now().UTC(),
			CreatedAt:        time.Now().UTC(),
			Recipients:       recips,
			FollowingActorID: followingActorID,
		}); err != nil {
			return err
		}
		enqueued = true
	}
	if enqueued && p.notifier != nil {
		p.notifier.Notify(ctx)
	}
	return nil
}

func (p *Producer) record(ctx context.Context, i intent, activityType, actorURI, objectURI, targetURI string, audience []string) (*model.Activity, error) {
	raw, err := json.Marshal(i)
	if err != nil {
		return nil, apperr.Wrap(apperr.MalformedRequest, "marshaling outgoing activity", err)
	}
	a := &model.Activity{
		ActivityURI:  i.ID,
		ActivityType: activityType,
		ActorURI:     actorURI,
		ObjectURI:    objectURI,
		TargetURI:    targetURI,
		RawJSON:      string(raw),
		Published:    time.Now().UTC(),
		Status:       model.StatusPending,
		Audience:     audience,
		Local:        true,
	}
	if err := p.store.CreateActivity(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// SendAccept builds and delivers an Accept in response to a Follow,
// implementing internal/inbox's Responder interface. Grounded on
// SendAcceptWithDeps.
func (p *Producer) SendAccept(ctx context.Context, localActorID string, follow *model.Follow) error {
	acceptID := newActivityID(localActorID)
	i := intent{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      acceptID,
		Type:    "Accept",
		Actor:   localActorID,
		Object: map[string]interface{}{
			"id":     follow.FollowActivityID,
			"type":   "Follow",
			"actor":  follow.Follower,
			"object": localActorID,
		},
	}
	a, err := p.record(ctx, i, "Accept", localActorID, follow.FollowActivityID, "", []string{follow.Follower})
	if err != nil {
		return err
	}
	return p.deliverTo(ctx, a, []string{follow.Follower}, "")
}

// SendReject mirrors SendAccept for the rejection path, which the
// teacher never implements (handleFollowActivityWithDeps always
// auto-accepts) but which spec.md's Follow state machine requires for
// domains with manuallyApprovesFollowers set.
func (p *Producer) SendReject(ctx context.Context, localActorID string, follow *model.Follow) error {
	rejectID := newActivityID(localActorID)
	i := intent{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      rejectID,
		Type:    "Reject",
		Actor:   localActorID,
		Object: map[string]interface{}{
			"id":     follow.FollowActivityID,
			"type":   "Follow",
			"actor":  follow.Follower,
			"object": localActorID,
		},
	}
	a, err := p.record(ctx, i, "Reject", localActorID, follow.FollowActivityID, "", []string{follow.Follower})
	if err != nil {
		return err
	}
	return p.deliverTo(ctx, a, []string{follow.Follower}, "")
}

// SendFollow sends a new Follow request, grounded on SendFollowWithDeps.
func (p *Producer) SendFollow(ctx context.Context, localActorID, targetActorID string) (*model.Activity, error) {
	id := newActivityID(localActorID)
	i := intent{Context: "https://www.w3.org/ns/activitystreams", ID: id, Type: "Follow", Actor: localActorID, Object: targetActorID}
	a, err := p.record(ctx, i, "Follow", localActorID, targetActorID, "", []string{targetActorID})
	if err != nil {
		return nil, err
	}
	return a, p.deliverTo(ctx, a, []string{targetActorID}, "")
}

// SendUndo withdraws a previous Follow, grounded on SendUndoWithDeps.
func (p *Producer) SendUndo(ctx context.Context, localActorID string, follow *model.Follow) error {
	id := newActivityID(localActorID)
	i := intent{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      id,
		Type:    "Undo",
		Actor:   localActorID,
		Object: map[string]interface{}{
			"id":     follow.FollowActivityID,
			"type":   "Follow",
			"actor":  localActorID,
			"object": follow.Following,
		},
	}
	a, err := p.record(ctx, i, "Undo", localActorID, follow.FollowActivityID, "", []string{follow.Following})
	if err != nil {
		return err
	}
	return p.deliverTo(ctx, a, []string{follow.Following}, "")
}

// SendLike publishes a Like for a remote object, grounded on SendLikeWithDeps.
func (p *Producer) SendLike(ctx context.Context, localActorID, objectURI, objectAuthorURI string) error {
	id := newActivityID(localActorID)
	i := intent{Context: "https://www.w3.org/ns/activitystreams", ID: id, Type: "Like", Actor: localActorID, Object: objectURI}
	a, err := p.record(ctx, i, "Like", localActorID, objectURI, "", []string{objectAuthorURI})
	if err != nil {
		return err
	}
	return p.deliverTo(ctx, a, []string{objectAuthorURI}, "")
}

// SendAnnounce boosts a remote object to the local actor's followers
// — the Announce counterpart the teacher's domain.Boost type implies
// but never sends as a federated activity.
func (p *Producer) SendAnnounce(ctx context.Context, localActorID, objectURI, objectAuthorURI string) error {
	id := newActivityID(localActorID)
	i := intent{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      id,
		Type:    "Announce",
		Actor:   localActorID,
		Object:  objectURI,
		To:      []string{model.PublicCollection},
		Cc:      []string{localActorID + "/followers", objectAuthorURI},
	}
	a, err := p.record(ctx, i, "Announce", localActorID, objectURI, "", i.Cc)
	if err != nil {
		return err
	}
	followers, err := p.store.ListFollowers(ctx, localActorID)
	if err != nil {
		return err
	}
	return p.deliverTo(ctx, a, append(followers, objectAuthorURI), localActorID)
}

// CreateNote publishes a new public Note as a Create activity to the
// local actor's followers, grounded on SendCreateWithDeps.
func (p *Producer) CreateNote(ctx context.Context, localActorID string, note *model.Object, mentions []string) (*model.Activity, error) {
	noteID := note.ObjectID
	createID := newActivityID(localActorID)

	audience := []string{model.PublicCollection, localActorID + "/followers"}
	audience = append(audience, mentions...)

	obj := map[string]interface{}{
		"id":           noteID,
		"type":         "Note",
		"attributedTo": localActorID,
		"content":      note.Content,
		"to":           []string{model.PublicCollection},
		"cc":           []string{localActorID + "/followers"},
	}
	if note.InReplyTo != "" {
		obj["inReplyTo"] = note.InReplyTo
	}

	i := intent{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      createID,
		Type:    "Create",
		Actor:   localActorID,
		Object:  obj,
		To:      []string{model.PublicCollection},
		Cc:      []string{localActorID + "/followers"},
	}
	a, err := p.record(ctx, i, "Create", localActorID, noteID, "", audience)
	if err != nil {
		return nil, err
	}

	followers, err := p.store.ListFollowers(ctx, localActorID)
	if err != nil {
		return nil, err
	}
	return a, p.deliverTo(ctx, a, append(followers, mentions...), localActorID)
}

// UpdateActor republishes the local actor's profile document,
// grounded on the Person branch of handleUpdateActivityWithDeps.
func (p *Producer) UpdateActor(ctx context.Context, actor *model.Actor) error {
	id := newActivityID(actor.ActorID)
	i := intent{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      id,
		Type:    "Update",
		Actor:   actor.ActorID,
		Object: map[string]interface{}{
			"id":                actor.ActorID,
			"type":              string(actor.ActorType),
			"preferredUsername": actor.PreferredUsername,
			"inbox":             actor.Inbox,
			"outbox":            actor.Outbox,
		},
	}
	a, err := p.record(ctx, i, "Update", actor.ActorID, actor.ActorID, "", []string{model.PublicCollection})
	if err != nil {
		return err
	}
	followers, err := p.store.ListFollowers(ctx, actor.ActorID)
	if err != nil {
		return err
	}
	return p.deliverTo(ctx, a, followers, actor.ActorID)
}

// DeleteObject publishes a Delete/Tombstone for a locally-owned
// object, grounded on SendDeleteWithDeps.
func (p *Producer) DeleteObject(ctx context.Context, localActorID, objectID string) error {
	id := newActivityID(localActorID)
	i := intent{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      id,
		Type:    "Delete",
		Actor:   localActorID,
		Object: map[string]interface{}{
			"id":   objectID,
			"type": "Tombstone",
		},
	}
	a, err := p.record(ctx, i, "Delete", localActorID, objectID, "", []string{model.PublicCollection})
	if err != nil {
		return err
	}
	followers, err := p.store.ListFollowers(ctx, localActorID)
	if err != nil {
		return err
	}
	return p.deliverTo(ctx, a, followers, localActorID)
}
