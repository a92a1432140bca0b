// Package model holds the persistent entities of the federation core,
// generalizing the teacher's single-domain domain.Account/RemoteAccount/
// Follow/Activity rows (domain/activitypub.go) into the multi-domain
// shape spec.md §3 requires.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ActorType enumerates the ActivityPub actor types the core persists.
type ActorType string

const (
	ActorTypePerson       ActorType = "Person"
	ActorTypeService      ActorType = "Service"
	ActorTypeApplication  ActorType = "Application"
	ActorTypeGroup        ActorType = "Group"
	ActorTypeOrganization ActorType = "Organization"
)

// TrustLevel is a cache-TTL input only; per spec.md §9 it never gates
// an authorization decision.
type TrustLevel string

const (
	TrustUnverified     TrustLevel = "Unverified"
	TrustDomainVerified TrustLevel = "DomainVerified"
	TrustMasterSigned   TrustLevel = "MasterSigned"
	TrustInstanceActor  TrustLevel = "InstanceActor"
)

// Domain is a hosted ActivityPub domain (new: the teacher is single
// domain and has no equivalent row).
type Domain struct {
	Name                      string
	DisplayName               string
	InstanceActorID           string
	ManuallyApprovesFollowers bool
	CreatedAt                 time.Time
}

// Actor is a local or remote ActivityPub identity.
type Actor struct {
	ActorID           string
	Domain            string
	PreferredUsername string
	ActorType         ActorType
	Inbox             string
	Outbox            string
	Followers         string
	Following         string
	SharedInbox       string
	PublicKeyID       string
	PublicKeyPem      string
	PrivateKeyRef     string
	Published         time.Time
	LastFetched       time.Time
	Local             bool
	Last401At         time.Time
}

// Object is a Note/Article/Tombstone and similar ActivityPub objects.
type Object struct {
	ObjectID     string
	ObjectType   string
	AttributedTo string
	Content      string
	Summary      string
	Published    time.Time
	Updated      time.Time
	To           []string
	Cc           []string
	Bto          []string
	Bcc          []string
	InReplyTo    string
	DeletedAt    *time.Time
}

// IsTombstone reports whether the object has been logically deleted.
func (o *Object) IsTombstone() bool { return o.DeletedAt != nil }

// ActivityStatus is the delivery-state of a (mostly locally produced)
// activity.
type ActivityStatus string

const (
	StatusPending             ActivityStatus = "Pending"
	StatusDelivered           ActivityStatus = "Delivered"
	StatusPartiallyDelivered  ActivityStatus = "PartiallyDelivered"
	StatusFailed              ActivityStatus = "Failed"
	StatusAccepted            ActivityStatus = "Accepted"
	StatusRejected            ActivityStatus = "Rejected"
	StatusCancelled           ActivityStatus = "Cancelled"
)

// Activity is a persisted ActivityStreams activity.
type Activity struct {
	ActivityID   uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	TargetURI    string
	RawJSON      string
	Published    time.Time
	Status       ActivityStatus
	Audience     []string
	Local        bool
	Processed    bool
}

// FollowState is the lifecycle state of a Follow relation.
type FollowState string

const (
	FollowPending   FollowState = "Pending"
	FollowAccepted  FollowState = "Accepted"
	FollowRejected  FollowState = "Rejected"
	FollowCancelled FollowState = "Cancelled"
)

// Follow is a follower -> following relation.
type Follow struct {
	ID               uuid.UUID
	Follower         string
	Following        string
	FollowActivityID string
	State            FollowState
	CreatedAt        time.Time
}

// KeyAlgorithm enumerates the four RFC 9421 algorithms the signature
// engine supports.
type KeyAlgorithm string

const (
	AlgRsaSha256      KeyAlgorithm = "rsa-v1_5-sha256"
	AlgRsaPssSha512   KeyAlgorithm = "rsa-pss-sha512"
	AlgEcdsaP256Sha256 KeyAlgorithm = "ecdsa-p256-sha256"
	AlgEd25519        KeyAlgorithm = "ed25519"
)

// KeyRecord is a signing/verification key, local or cached-remote.
type KeyRecord struct {
	KeyID          string
	ActorID        string
	Algorithm      KeyAlgorithm
	PublicKeyPem   string
	PrivateKeyPem  string
	TrustLevel     TrustLevel
	CreatedAt      time.Time
	RotatedAt      *time.Time
}

// DeliveryOutcome classifies one delivery attempt's result.
type DeliveryOutcome string

const (
	OutcomeSuccess           DeliveryOutcome = "Success"
	OutcomePermanentFailure  DeliveryOutcome = "PermanentFailure"
	OutcomeTransientFailure  DeliveryOutcome = "TransientFailure"
	OutcomeResolutionFailure DeliveryOutcome = "ResolutionFailure"
)

// SuggestedAction accompanies a PermanentFailure report.
type SuggestedAction string

const (
	SuggestNone           SuggestedAction = ""
	SuggestRotateKeys     SuggestedAction = "RotateKeys"
	SuggestRemoveFollower SuggestedAction = "RemoveFollower"
)

// DeliveryReport is a per-(activity,recipient) outcome record.
type DeliveryReport struct {
	ID              uuid.UUID
	ActivityID      string
	Recipient       string
	InboxURL        string
	Outcome         DeliveryOutcome
	StatusCode      int
	Reason          string
	SuggestedAction SuggestedAction
	Attempts        int
	DeliveredAt     time.Time
}

// DeliveryQueueItem is one concrete (activity, inbox) delivery job row,
// grounded on the teacher's domain.DeliveryQueueItem.
type DeliveryQueueItem struct {
	ID            uuid.UUID
	ActivityID    string
	InboxURL      string
	PayloadJSON   string
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	Finalized     bool
	// Recipients is the actor URIs this inbox group was resolved from
	// (spec.md §4.5 step 4's "record the mapping inbox_url → {recipients}
	// for reporting"), so a permanent failure can be attributed back to
	// the individual followers sharing this inbox.
	Recipients []string
	// FollowingActorID is the local actor whose followers collection
	// this delivery's recipients were expanded from; the group may also
	// hold directly addressed recipients (mentions, an announced
	// object's author). Empty when no followers collection was expanded.
	FollowingActorID string
}

// NoteMention records an @user@domain mention found in a Create{Note},
// carried over from the teacher's domain.NoteMention.
type NoteMention struct {
	ID                uuid.UUID
	NoteURI           string
	MentionedActorURI string
	MentionedUsername string
	MentionedDomain   string
	CreatedAt         time.Time
}

// NonceEntry is a seen (key_id, signature) pair used for replay
// detection.
type NonceEntry struct {
	KeyID          string
	SignatureHash  string
	FirstSeenAt    time.Time
}

const PublicCollection = "https://www.w3.org/ns/activitystreams#Public"
