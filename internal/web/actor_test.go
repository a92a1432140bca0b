package web

import (
	"encoding/json"
	"testing"

	"github.com/kodenet/fedicore/internal/model"
)

func TestBuildActorDocumentShape(t *testing.T) {
	actor := &model.Actor{
		ActorID:           "https://example.com/users/alice",
		PreferredUsername: "alice",
		ActorType:         model.ActorTypePerson,
		Inbox:             "https://example.com/users/alice/inbox",
		Outbox:            "https://example.com/users/alice/outbox",
		Followers:         "https://example.com/users/alice/followers",
		Following:         "https://example.com/users/alice/following",
		SharedInbox:       "https://example.com/inbox",
		PublicKeyID:       "https://example.com/users/alice#main-key",
		PublicKeyPem:      "pem-data",
	}
	domain := &model.Domain{Name: "example.com", ManuallyApprovesFollowers: true}

	doc := BuildActorDocument(actor, domain)
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if parsed["id"] != actor.ActorID {
		t.Errorf("id = %v, want %v", parsed["id"], actor.ActorID)
	}
	if parsed["type"] != "Person" {
		t.Errorf("type = %v, want Person", parsed["type"])
	}
	if parsed["manuallyApprovesFollowers"] != true {
		t.Errorf("expected manuallyApprovesFollowers true")
	}
	pk, ok := parsed["publicKey"].(map[string]interface{})
	if !ok || pk["publicKeyPem"] != "pem-data" {
		t.Errorf("unexpected publicKey block: %v", parsed["publicKey"])
	}
	endpoints, ok := parsed["endpoints"].(map[string]interface{})
	if !ok || endpoints["sharedInbox"] != actor.SharedInbox {
		t.Errorf("unexpected endpoints block: %v", parsed["endpoints"])
	}
}

func TestBuildNoteDocumentTombstone(t *testing.T) {
	now := mustParseTime(t, "2026-01-01T00:00:00Z")
	o := &model.Object{ObjectID: "https://example.com/notes/1", DeletedAt: &now}

	doc := BuildNoteDocument(o)
	if doc.Type != "Tombstone" {
		t.Fatalf("expected Tombstone, got %s", doc.Type)
	}
	if doc.Content != "" {
		t.Fatalf("tombstone should not carry content, got %q", doc.Content)
	}
}

func TestBuildNoteDocumentLive(t *testing.T) {
	o := &model.Object{
		ObjectID:     "https://example.com/notes/2",
		ObjectType:   "Note",
		AttributedTo: "https://example.com/users/alice",
		Content:      "hello world",
		Published:    mustParseTime(t, "2026-01-01T00:00:00Z"),
	}

	doc := BuildNoteDocument(o)
	if doc.Type != "Note" || doc.Content != "hello world" {
		t.Fatalf("unexpected note document: %+v", doc)
	}
}
