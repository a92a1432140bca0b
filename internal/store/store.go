// Package store persists the federation core's entities in SQLite via
// modernc.org/sqlite, the pure-Go driver the teacher uses in db/db.go.
// Unlike the teacher's package-level sync.Once singleton, Store is an
// explicit struct so tests and multiple domains can open independent
// databases side by side.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/kodenet/fedicore/internal/apperr"
	"github.com/kodenet/fedicore/internal/model"
)

// Store wraps a *sql.DB and implements the persistence operations every
// other component needs, grounded on the teacher's Database interface
// (activitypub/deps.go) but generalized past one tenant.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS domains(
	name text NOT NULL PRIMARY KEY,
	display_name text NOT NULL DEFAULT '',
	instance_actor_id text NOT NULL DEFAULT '',
	manually_approves_followers int NOT NULL DEFAULT 0,
	created_at timestamp NOT NULL DEFAULT current_timestamp
);

CREATE TABLE IF NOT EXISTS actors(
	actor_id text NOT NULL PRIMARY KEY,
	domain text NOT NULL DEFAULT '',
	preferred_username text NOT NULL DEFAULT '',
	actor_type text NOT NULL DEFAULT 'Person',
	inbox text NOT NULL DEFAULT '',
	outbox text NOT NULL DEFAULT '',
	followers text NOT NULL DEFAULT '',
	following text NOT NULL DEFAULT '',
	shared_inbox text NOT NULL DEFAULT '',
	public_key_id text NOT NULL DEFAULT '',
	public_key_pem text NOT NULL DEFAULT '',
	private_key_ref text NOT NULL DEFAULT '',
	published timestamp,
	last_fetched timestamp,
	local int NOT NULL DEFAULT 0,
	last_401_at timestamp
);
CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
CREATE UNIQUE INDEX IF NOT EXISTS idx_actors_username_domain ON actors(preferred_username, domain) WHERE local = 1;

CREATE TABLE IF NOT EXISTS objects(
	object_id text NOT NULL PRIMARY KEY,
	object_type text NOT NULL DEFAULT 'Note',
	attributed_to text NOT NULL DEFAULT '',
	content text NOT NULL DEFAULT '',
	summary text NOT NULL DEFAULT '',
	published timestamp,
	updated timestamp,
	recipients_json text NOT NULL DEFAULT '{}',
	in_reply_to text NOT NULL DEFAULT '',
	reply_count int NOT NULL DEFAULT 0,
	deleted_at timestamp
);
CREATE INDEX IF NOT EXISTS idx_objects_in_reply_to ON objects(in_reply_to);

CREATE TABLE IF NOT EXISTS activities(
	activity_id text NOT NULL PRIMARY KEY,
	activity_uri text NOT NULL UNIQUE,
	activity_type text NOT NULL,
	actor_uri text NOT NULL,
	object_uri text NOT NULL DEFAULT '',
	target_uri text NOT NULL DEFAULT '',
	raw_json text NOT NULL DEFAULT '',
	published timestamp,
	status text NOT NULL DEFAULT 'Pending',
	audience_json text NOT NULL DEFAULT '[]',
	local int NOT NULL DEFAULT 0,
	processed int NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS follows(
	id text NOT NULL PRIMARY KEY,
	follower text NOT NULL,
	following text NOT NULL,
	follow_activity_id text NOT NULL DEFAULT '',
	state text NOT NULL DEFAULT 'Pending',
	created_at timestamp NOT NULL DEFAULT current_timestamp,
	UNIQUE(follower, following)
);
CREATE INDEX IF NOT EXISTS idx_follows_following ON follows(following);

CREATE TABLE IF NOT EXISTS keys(
	key_id text NOT NULL PRIMARY KEY,
	actor_id text NOT NULL,
	algorithm text NOT NULL,
	public_key_pem text NOT NULL DEFAULT '',
	private_key_pem text NOT NULL DEFAULT '',
	trust_level text NOT NULL DEFAULT 'Unverified',
	created_at timestamp NOT NULL DEFAULT current_timestamp,
	rotated_at timestamp
);
CREATE INDEX IF NOT EXISTS idx_keys_actor ON keys(actor_id);

CREATE TABLE IF NOT EXISTS delivery_reports(
	id text NOT NULL PRIMARY KEY,
	activity_id text NOT NULL,
	recipient text NOT NULL,
	inbox_url text NOT NULL DEFAULT '',
	outcome text NOT NULL,
	status_code int NOT NULL DEFAULT 0,
	reason text NOT NULL DEFAULT '',
	suggested_action text NOT NULL DEFAULT '',
	attempts int NOT NULL DEFAULT 0,
	delivered_at timestamp
);
CREATE INDEX IF NOT EXISTS idx_delivery_reports_activity ON delivery_reports(activity_id);

CREATE TABLE IF NOT EXISTS delivery_queue(
	id text NOT NULL PRIMARY KEY,
	activity_id text NOT NULL,
	inbox_url text NOT NULL,
	payload_json text NOT NULL,
	attempts int NOT NULL DEFAULT 0,
	next_attempt_at timestamp NOT NULL DEFAULT current_timestamp,
	created_at timestamp NOT NULL DEFAULT current_timestamp,
	finalized int NOT NULL DEFAULT 0,
	recipients_json text NOT NULL DEFAULT '[]',
	following_actor_id text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_delivery_queue_due ON delivery_queue(finalized, next_attempt_at);

CREATE TABLE IF NOT EXISTS note_mentions(
	id text NOT NULL PRIMARY KEY,
	note_uri text NOT NULL,
	mentioned_actor_uri text NOT NULL DEFAULT '',
	mentioned_username text NOT NULL DEFAULT '',
	mentioned_domain text NOT NULL DEFAULT '',
	created_at timestamp NOT NULL DEFAULT current_timestamp
);
CREATE INDEX IF NOT EXISTS idx_note_mentions_note ON note_mentions(note_uri);

CREATE TABLE IF NOT EXISTS nonces(
	key_id text NOT NULL,
	signature_hash text NOT NULL,
	first_seen_at timestamp NOT NULL DEFAULT current_timestamp,
	PRIMARY KEY(key_id, signature_hash)
);
`

// Open opens (and migrates) a SQLite database at dsn, matching the
// teacher's db.GetDB but returning an explicit handle instead of a
// package singleton.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreUnavailable, "opening database", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.StoreUnavailable, "migrating schema", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Domains ---

func (s *Store) UpsertDomain(ctx context.Context, d *model.Domain) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domains(name, display_name, instance_actor_id, manually_approves_followers, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET display_name=excluded.display_name,
			instance_actor_id=excluded.instance_actor_id,
			manually_approves_followers=excluded.manually_approves_followers`,
		d.Name, d.DisplayName, d.InstanceActorID, boolInt(d.ManuallyApprovesFollowers), timeOrNow(d.CreatedAt))
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "upserting domain", err)
	}
	return nil
}

func (s *Store) GetDomain(ctx context.Context, name string) (*model.Domain, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, display_name, instance_actor_id, manually_approves_followers, created_at FROM domains WHERE name = ?`, name)
	var d model.Domain
	var approves int
	if err := row.Scan(&d.Name, &d.DisplayName, &d.InstanceActorID, &approves, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.ActorNotFound, fmt.Sprintf("domain %q not found", name))
		}
		return nil, apperr.Wrap(apperr.StoreUnavailable, "reading domain", err)
	}
	d.ManuallyApprovesFollowers = approves != 0
	return &d, nil
}

// --- Actors ---

func (s *Store) UpsertActor(ctx context.Context, a *model.Actor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actors(actor_id, domain, preferred_username, actor_type, inbox, outbox, followers, following,
			shared_inbox, public_key_id, public_key_pem, private_key_ref, published, last_fetched, local, last_401_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(actor_id) DO UPDATE SET
			preferred_username=excluded.preferred_username, actor_type=excluded.actor_type,
			inbox=excluded.inbox, outbox=excluded.outbox, followers=excluded.followers, following=excluded.following,
			shared_inbox=excluded.shared_inbox, public_key_id=excluded.public_key_id, public_key_pem=excluded.public_key_pem,
			last_fetched=excluded.last_fetched, last_401_at=excluded.last_401_at`,
		a.ActorID, a.Domain, a.PreferredUsername, string(a.ActorType), a.Inbox, a.Outbox, a.Followers, a.Following,
		a.SharedInbox, a.PublicKeyID, a.PublicKeyPem, a.PrivateKeyRef,
		timeOrNow(a.Published), nullableTime(a.LastFetched), boolInt(a.Local), nullableTime(a.Last401At))
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "upserting actor", err)
	}
	return nil
}

func (s *Store) GetActorByID(ctx context.Context, actorID string) (*model.Actor, error) {
	return s.scanActor(s.db.QueryRowContext(ctx, actorSelectColumns+` WHERE actor_id = ?`, actorID))
}

func (s *Store) GetActorByUsername(ctx context.Context, domain, username string) (*model.Actor, error) {
	return s.scanActor(s.db.QueryRowContext(ctx, actorSelectColumns+` WHERE domain = ? AND preferred_username = ? AND local = 1`, domain, username))
}

const actorSelectColumns = `SELECT actor_id, domain, preferred_username, actor_type, inbox, outbox, followers, following,
	shared_inbox, public_key_id, public_key_pem, private_key_ref, published, last_fetched, local, last_401_at FROM actors`

func (s *Store) scanActor(row *sql.Row) (*model.Actor, error) {
	var a model.Actor
	var actorType string
	var local int
	var lastFetched, last401 sql.NullTime
	err := row.Scan(&a.ActorID, &a.Domain, &a.PreferredUsername, &actorType, &a.Inbox, &a.Outbox, &a.Followers, &a.Following,
		&a.SharedInbox, &a.PublicKeyID, &a.PublicKeyPem, &a.PrivateKeyRef, &a.Published, &lastFetched, &local, &last401)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.ActorNotFound, "actor not found")
		}
		return nil, apperr.Wrap(apperr.StoreUnavailable, "reading actor", err)
	}
	a.ActorType = model.ActorType(actorType)
	a.Local = local != 0
	if lastFetched.Valid {
		a.LastFetched = lastFetched.Time
	}
	if last401.Valid {
		a.Last401At = last401.Time
	}
	return &a, nil
}

func (s *Store) MarkActorUnauthorized(ctx context.Context, actorID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE actors SET last_401_at = ? WHERE actor_id = ?`, at, actorID)
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "marking actor unauthorized", err)
	}
	return nil
}

// --- Follows ---

// CreateFollow inserts a pending follow, returning apperr.Conflict if
// the pair already exists — the typed equivalent of the teacher's
// UNIQUE-constraint string matching in inbox.go.
func (s *Store) CreateFollow(ctx context.Context, f *model.Follow) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO follows(id, follower, following, follow_activity_id, state, created_at) VALUES (?,?,?,?,?,?)`,
		f.ID.String(), f.Follower, f.Following, f.FollowActivityID, string(f.State), timeOrNow(f.CreatedAt))
	if isUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "follow already exists")
	}
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "creating follow", err)
	}
	return nil
}

func (s *Store) GetFollow(ctx context.Context, follower, following string) (*model.Follow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, follower, following, follow_activity_id, state, created_at FROM follows WHERE follower = ? AND following = ?`, follower, following)
	return scanFollow(row)
}

func (s *Store) GetFollowByActivityID(ctx context.Context, activityID string) (*model.Follow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, follower, following, follow_activity_id, state, created_at FROM follows WHERE follow_activity_id = ?`, activityID)
	return scanFollow(row)
}

func scanFollow(row *sql.Row) (*model.Follow, error) {
	var f model.Follow
	var id, state string
	if err := row.Scan(&id, &f.Follower, &f.Following, &f.FollowActivityID, &state, &f.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.ActorNotFound, "follow not found")
		}
		return nil, apperr.Wrap(apperr.StoreUnavailable, "reading follow", err)
	}
	f.ID = uuid.MustParse(id)
	f.State = model.FollowState(state)
	return &f, nil
}

func (s *Store) SetFollowState(ctx context.Context, id uuid.UUID, state model.FollowState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE follows SET state = ? WHERE id = ?`, string(state), id.String())
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "updating follow state", err)
	}
	return nil
}

func (s *Store) DeleteFollow(ctx context.Context, follower, following string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM follows WHERE follower = ? AND following = ?`, follower, following)
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "deleting follow", err)
	}
	return nil
}

// ListFollowers returns the (remote) follower actor URIs for a local
// actor whose follow state is Accepted, for audience expansion.
func (s *Store) ListFollowers(ctx context.Context, following string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT follower FROM follows WHERE following = ? AND state = 'Accepted'`, following)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreUnavailable, "listing followers", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, apperr.Wrap(apperr.StoreUnavailable, "scanning follower", err)
		}
		out = append(out, uri)
	}
	return out, rows.Err()
}

// --- Activities ---

func (s *Store) CreateActivity(ctx context.Context, a *model.Activity) error {
	if a.ActivityID == uuid.Nil {
		a.ActivityID = uuid.New()
	}
	audience, err := json.Marshal(a.Audience)
	if err != nil {
		return apperr.Wrap(apperr.MalformedRequest, "marshaling audience", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities(activity_id, activity_uri, activity_type, actor_uri, object_uri, target_uri, raw_json,
			published, status, audience_json, local, processed)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ActivityID.String(), a.ActivityURI, a.ActivityType, a.ActorURI, a.ObjectURI, a.TargetURI, a.RawJSON,
		timeOrNow(a.Published), string(a.Status), string(audience), boolInt(a.Local), boolInt(a.Processed))
	if isUniqueViolation(err) {
		return apperr.New(apperr.Idempotent, "activity already recorded")
	}
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "creating activity", err)
	}
	return nil
}

func (s *Store) GetActivityByURI(ctx context.Context, uri string) (*model.Activity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT activity_id, activity_uri, activity_type, actor_uri, object_uri, target_uri,
		raw_json, published, status, audience_json, local, processed FROM activities WHERE activity_uri = ?`, uri)
	return scanActivity(row)
}

func scanActivity(row *sql.Row) (*model.Activity, error) {
	var a model.Activity
	var id, status, audienceJSON string
	var local, processed int
	if err := row.Scan(&id, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &a.ObjectURI, &a.TargetURI,
		&a.RawJSON, &a.Published, &status, &audienceJSON, &local, &processed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.ActorNotFound, "activity not found")
		}
		return nil, apperr.Wrap(apperr.StoreUnavailable, "reading activity", err)
	}
	a.ActivityID = uuid.MustParse(id)
	a.Status = model.ActivityStatus(status)
	a.Local = local != 0
	a.Processed = processed != 0
	_ = json.Unmarshal([]byte(audienceJSON), &a.Audience)
	return &a, nil
}

func (s *Store) MarkActivityProcessed(ctx context.Context, activityID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE activities SET processed = 1 WHERE activity_id = ?`, activityID.String())
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "marking activity processed", err)
	}
	return nil
}

// CountLocalActivities and ListLocalActivitiesPage back the outbox
// OrderedCollectionPage paging internal/web exposes, the federated
// counterpart of the teacher's GetOutbox (web/outbox.go).
func (s *Store) CountLocalActivities(ctx context.Context, actorURI string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE actor_uri = ? AND local = 1`, actorURI).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.StoreUnavailable, "counting local activities", err)
	}
	return n, nil
}

func (s *Store) ListLocalActivitiesPage(ctx context.Context, actorURI string, limit, offset int) ([]*model.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT activity_id, activity_uri, activity_type, actor_uri, object_uri, target_uri,
		raw_json, published, status, audience_json, local, processed FROM activities
		WHERE actor_uri = ? AND local = 1 ORDER BY published DESC LIMIT ? OFFSET ?`, actorURI, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreUnavailable, "listing local activities", err)
	}
	defer rows.Close()

	var out []*model.Activity
	for rows.Next() {
		var a model.Activity
		var id, status, audienceJSON string
		var local, processed int
		if err := rows.Scan(&id, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &a.ObjectURI, &a.TargetURI,
			&a.RawJSON, &a.Published, &status, &audienceJSON, &local, &processed); err != nil {
			return nil, apperr.Wrap(apperr.StoreUnavailable, "scanning local activity", err)
		}
		a.ActivityID = uuid.MustParse(id)
		a.Status = model.ActivityStatus(status)
		a.Local = local != 0
		a.Processed = processed != 0
		_ = json.Unmarshal([]byte(audienceJSON), &a.Audience)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ListPublicNotesByActor backs the RSS feed read endpoint: top-level
// (non-reply), non-deleted notes attributed to actorURI, newest first.
func (s *Store) ListPublicNotesByActor(ctx context.Context, actorURI string, limit int) ([]*model.Object, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT object_id, object_type, attributed_to, content, summary, published,
		updated, recipients_json, in_reply_to, deleted_at FROM objects
		WHERE attributed_to = ? AND in_reply_to = '' AND deleted_at IS NULL
		ORDER BY published DESC LIMIT ?`, actorURI, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreUnavailable, "listing public notes", err)
	}
	defer rows.Close()

	var out []*model.Object
	for rows.Next() {
		var o model.Object
		var recipientsJSON string
		var updated, deletedAt sql.NullTime
		if err := rows.Scan(&o.ObjectID, &o.ObjectType, &o.AttributedTo, &o.Content, &o.Summary, &o.Published,
			&updated, &recipientsJSON, &o.InReplyTo, &deletedAt); err != nil {
			return nil, apperr.Wrap(apperr.StoreUnavailable, "scanning public note", err)
		}
		if updated.Valid {
			o.Updated = updated.Time
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// CountFollowers and CountFollowing back the totalItems field of the
// followers/following OrderedCollection, mirroring the teacher's
// ReadFollowersByAccountId/ReadFollowingByAccountId counts.
func (s *Store) CountFollowers(ctx context.Context, following string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM follows WHERE following = ? AND state = 'Accepted'`, following).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.StoreUnavailable, "counting followers", err)
	}
	return n, nil
}

func (s *Store) ListFollowing(ctx context.Context, follower string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT following FROM follows WHERE follower = ? AND state = 'Accepted'`, follower)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreUnavailable, "listing following", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, apperr.Wrap(apperr.StoreUnavailable, "scanning following", err)
		}
		out = append(out, uri)
	}
	return out, rows.Err()
}

func (s *Store) CountFollowing(ctx context.Context, follower string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM follows WHERE follower = ? AND state = 'Accepted'`, follower).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.StoreUnavailable, "counting following", err)
	}
	return n, nil
}

// GetObject backs the standalone object/note endpoint, mirroring the
// teacher's GetNoteObject lookup.
func (s *Store) GetObject(ctx context.Context, objectID string) (*model.Object, error) {
	row := s.db.QueryRowContext(ctx, `SELECT object_id, object_type, attributed_to, content, summary, published,
		updated, recipients_json, in_reply_to, deleted_at FROM objects WHERE object_id = ?`, objectID)
	var o model.Object
	var recipientsJSON string
	var updated, deletedAt sql.NullTime
	if err := row.Scan(&o.ObjectID, &o.ObjectType, &o.AttributedTo, &o.Content, &o.Summary, &o.Published,
		&updated, &recipientsJSON, &o.InReplyTo, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.ActorNotFound, "object not found")
		}
		return nil, apperr.Wrap(apperr.StoreUnavailable, "reading object", err)
	}
	if updated.Valid {
		o.Updated = updated.Time
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		o.DeletedAt = &t
	}
	var recipients struct {
		To  []string `json:"to"`
		Cc  []string `json:"cc"`
		Bto []string `json:"bto"`
		Bcc []string `json:"bcc"`
	}
	if err := json.Unmarshal([]byte(recipientsJSON), &recipients); err == nil {
		o.To, o.Cc, o.Bto, o.Bcc = recipients.To, recipients.Cc, recipients.Bto, recipients.Bcc
	}
	return &o, nil
}

func (s *Store) SetActivityStatus(ctx context.Context, activityID uuid.UUID, status model.ActivityStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE activities SET status = ? WHERE activity_id = ?`, string(status), activityID.String())
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "setting activity status", err)
	}
	return nil
}

// --- Keys ---

func (s *Store) UpsertKey(ctx context.Context, k *model.KeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keys(key_id, actor_id, algorithm, public_key_pem, private_key_pem, trust_level, created_at, rotated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(key_id) DO UPDATE SET public_key_pem=excluded.public_key_pem, trust_level=excluded.trust_level,
			rotated_at=excluded.rotated_at`,
		k.KeyID, k.ActorID, string(k.Algorithm), k.PublicKeyPem, k.PrivateKeyPem, string(k.TrustLevel),
		timeOrNow(k.CreatedAt), nullableTimePtr(k.RotatedAt))
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "upserting key", err)
	}
	return nil
}

func (s *Store) GetKey(ctx context.Context, keyID string) (*model.KeyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key_id, actor_id, algorithm, public_key_pem, private_key_pem, trust_level, created_at, rotated_at FROM keys WHERE key_id = ?`, keyID)
	var k model.KeyRecord
	var algo, trust string
	var rotated sql.NullTime
	if err := row.Scan(&k.KeyID, &k.ActorID, &algo, &k.PublicKeyPem, &k.PrivateKeyPem, &trust, &k.CreatedAt, &rotated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.ActorNotFound, "key not found")
		}
		return nil, apperr.Wrap(apperr.StoreUnavailable, "reading key", err)
	}
	k.Algorithm = model.KeyAlgorithm(algo)
	k.TrustLevel = model.TrustLevel(trust)
	if rotated.Valid {
		k.RotatedAt = &rotated.Time
	}
	return &k, nil
}

// --- Delivery queue ---

func (s *Store) EnqueueDelivery(ctx context.Context, item *model.DeliveryQueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	recipients := item.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	recipientsJSON, err := json.Marshal(recipients)
	if err != nil {
		return apperr.Wrap(apperr.MalformedRequest, "marshaling delivery recipients", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delivery_queue(id, activity_id, inbox_url, payload_json, attempts, next_attempt_at, created_at, finalized, recipients_json, following_actor_id)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		item.ID.String(), item.ActivityID, item.InboxURL, item.PayloadJSON, item.Attempts,
		timeOrNow(item.NextAttemptAt), timeOrNow(item.CreatedAt), boolInt(item.Finalized),
		string(recipientsJSON), item.FollowingActorID)
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "enqueuing delivery", err)
	}
	return nil
}

// ReadDueDeliveries returns up to limit non-finalized items whose
// next_attempt_at has passed, oldest-attempts-first, matching the
// ordering dimkr-tootik's fed-deliver.go ProcessBatch query uses.
func (s *Store) ReadDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*model.DeliveryQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, activity_id, inbox_url, payload_json, attempts, next_attempt_at, created_at, finalized, recipients_json, following_actor_id
		FROM delivery_queue WHERE finalized = 0 AND next_attempt_at <= ?
		ORDER BY attempts ASC, next_attempt_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreUnavailable, "reading due deliveries", err)
	}
	defer rows.Close()

	var out []*model.DeliveryQueueItem
	for rows.Next() {
		var item model.DeliveryQueueItem
		var id string
		var finalized int
		var recipientsJSON string
		if err := rows.Scan(&id, &item.ActivityID, &item.InboxURL, &item.PayloadJSON, &item.Attempts,
			&item.NextAttemptAt, &item.CreatedAt, &finalized, &recipientsJSON, &item.FollowingActorID); err != nil {
			return nil, apperr.Wrap(apperr.StoreUnavailable, "scanning delivery", err)
		}
		item.ID = uuid.MustParse(id)
		item.Finalized = finalized != 0
		if recipientsJSON != "" {
			if err := json.Unmarshal([]byte(recipientsJSON), &item.Recipients); err != nil {
				return nil, apperr.Wrap(apperr.StoreUnavailable, "parsing delivery recipients", err)
			}
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE delivery_queue SET attempts = ?, next_attempt_at = ? WHERE id = ?`, attempts, nextAttempt, id.String())
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "updating delivery attempt", err)
	}
	return nil
}

func (s *Store) FinalizeDelivery(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE delivery_queue SET finalized = 1 WHERE id = ?`, id.String())
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "finalizing delivery", err)
	}
	return nil
}

// --- Delivery reports ---

func (s *Store) CreateDeliveryReport(ctx context.Context, r *model.DeliveryReport) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_reports(id, activity_id, recipient, inbox_url, outcome, status_code, reason,
			suggested_action, attempts, delivered_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID.String(), r.ActivityID, r.Recipient, r.InboxURL, string(r.Outcome), r.StatusCode, r.Reason,
		string(r.SuggestedAction), r.Attempts, timeOrNow(r.DeliveredAt))
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "creating delivery report", err)
	}
	return nil
}

// --- Nonces ---

// RecordNonce inserts a (keyID, signatureHash) pair, returning
// apperr.SignatureReplay if it was already seen.
func (s *Store) RecordNonce(ctx context.Context, keyID, signatureHash string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO nonces(key_id, signature_hash, first_seen_at) VALUES (?,?,?)`, keyID, signatureHash, seenAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.SignatureReplay, "signature already seen")
	}
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "recording nonce", err)
	}
	return nil
}

// PruneNonces deletes entries older than before, called periodically
// so the nonce cache does not grow unbounded.
func (s *Store) PruneNonces(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE first_seen_at < ?`, before)
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "pruning nonces", err)
	}
	return nil
}

// --- Note mentions ---

func (s *Store) CreateNoteMention(ctx context.Context, m *model.NoteMention) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO note_mentions(id, note_uri, mentioned_actor_uri, mentioned_username, mentioned_domain, created_at)
		VALUES (?,?,?,?,?,?)`,
		m.ID.String(), m.NoteURI, m.MentionedActorURI, m.MentionedUsername, m.MentionedDomain, timeOrNow(m.CreatedAt))
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "creating note mention", err)
	}
	return nil
}

// IncrementReplyCount mirrors the teacher's IncrementReplyCountByURI.
func (s *Store) IncrementReplyCount(ctx context.Context, parentURI string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE objects SET reply_count = reply_count + 1 WHERE object_id = ?`, parentURI)
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "incrementing reply count", err)
	}
	return nil
}

// --- Objects ---

func (s *Store) UpsertObject(ctx context.Context, o *model.Object) error {
	to, _ := json.Marshal(map[string][]string{"to": o.To, "cc": o.Cc, "bto": o.Bto, "bcc": o.Bcc})
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects(object_id, object_type, attributed_to, content, summary, published, updated, recipients_json, in_reply_to)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(object_id) DO UPDATE SET content=excluded.content, summary=excluded.summary, updated=excluded.updated`,
		o.ObjectID, o.ObjectType, o.AttributedTo, o.Content, o.Summary, timeOrNow(o.Published), nullableTime(o.Updated), string(to), o.InReplyTo)
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "upserting object", err)
	}
	return nil
}

func (s *Store) TombstoneObject(ctx context.Context, objectID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE objects SET deleted_at = ? WHERE object_id = ?`, at, objectID)
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "tombstoning object", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
