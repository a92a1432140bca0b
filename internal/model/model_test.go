package model

import (
	"testing"
	"time"
)

func TestIsTombstone(t *testing.T) {
	live := &Object{ObjectID: "https://example.com/notes/1"}
	if live.IsTombstone() {
		t.Fatal("object with no DeletedAt should not be a tombstone")
	}

	deletedAt := time.Now().UTC()
	deleted := &Object{ObjectID: "https://example.com/notes/2", DeletedAt: &deletedAt}
	if !deleted.IsTombstone() {
		t.Fatal("object with DeletedAt set should be a tombstone")
	}
}
