package web

import "testing"

func TestBuildOrderedCollectionPointsAtFirstPage(t *testing.T) {
	c := BuildOrderedCollection("https://example.com/users/alice/followers", 42)
	if c.TotalItems != 42 {
		t.Errorf("TotalItems = %d, want 42", c.TotalItems)
	}
	if c.First != "https://example.com/users/alice/followers?page=1" {
		t.Errorf("First = %s", c.First)
	}
	if c.Type != "OrderedCollection" {
		t.Errorf("Type = %s", c.Type)
	}
}

func TestBuildOrderedCollectionPagePaginates(t *testing.T) {
	items := make([]string, 45)
	for i := range items {
		items[i] = "item"
	}

	p1 := BuildOrderedCollectionPage("https://example.com/x/followers", items, len(items), 1)
	if len(p1.OrderedItems) != pageSize {
		t.Fatalf("page 1 len = %d, want %d", len(p1.OrderedItems), pageSize)
	}
	if p1.Next == "" {
		t.Fatalf("expected a next link on page 1")
	}

	p3 := BuildOrderedCollectionPage("https://example.com/x/followers", items, len(items), 3)
	if len(p3.OrderedItems) != 5 {
		t.Fatalf("page 3 len = %d, want 5", len(p3.OrderedItems))
	}
	if p3.Next != "" {
		t.Fatalf("expected no next link on the last page, got %s", p3.Next)
	}
}

func TestBuildOutboxPageNextOnlyWhenFull(t *testing.T) {
	full := make([]interface{}, pageSize)
	p := BuildOutboxPage("https://example.com/users/alice/outbox", full, 100, 2)
	if p.Next == "" {
		t.Fatalf("expected next link when page is full")
	}

	partial := make([]interface{}, 3)
	p2 := BuildOutboxPage("https://example.com/users/alice/outbox", partial, 100, 5)
	if p2.Next != "" {
		t.Fatalf("expected no next link on a partial page, got %s", p2.Next)
	}
}
