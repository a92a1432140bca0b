package web

import "fmt"

// OrderedCollection is the unpaged collection envelope served for
// followers/following when no ?page is requested, matching the
// teacher's GetFollowersCollection/GetFollowingCollection: only
// totalItems and a pointer to the first page, never orderedItems
// directly (the Mastodon-compatible "always paginate" convention).
type OrderedCollection struct {
	Context    string `json:"@context"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
	First      string `json:"first"`
}

// OrderedCollectionPage is one page of a collection, matching the
// teacher's GetFollowersPage/GetFollowingPage shape.
type OrderedCollectionPage struct {
	Context      string   `json:"@context"`
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	PartOf       string   `json:"partOf"`
	TotalItems   int      `json:"totalItems"`
	OrderedItems []string `json:"orderedItems"`
	Next         string   `json:"next,omitempty"`
}

const pageSize = 20

// BuildOrderedCollection renders the collection envelope for id
// (followers or following URI) with total and a first-page pointer.
func BuildOrderedCollection(collectionID string, total int) *OrderedCollection {
	return &OrderedCollection{
		Context:    actorContext[0],
		ID:         collectionID,
		Type:       "OrderedCollection",
		TotalItems: total,
		First:      collectionID + "?page=1",
	}
}

// BuildOrderedCollectionPage renders page (1-indexed) of items out of
// the full set, generalizing the teacher's single-page-only followers
// page into real offset-based paging over pageSize items.
func BuildOrderedCollectionPage(collectionID string, items []string, total, page int) *OrderedCollectionPage {
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	p := &OrderedCollectionPage{
		Context:      actorContext[0],
		ID:           fmt.Sprintf("%s?page=%d", collectionID, page),
		Type:         "OrderedCollectionPage",
		PartOf:       collectionID,
		TotalItems:   total,
		OrderedItems: items[start:end],
	}
	if end < len(items) {
		p.Next = fmt.Sprintf("%s?page=%d", collectionID, page+1)
	}
	return p
}

// OutboxPage is the outbox's OrderedCollectionPage, where each entry
// is a full inlined activity object rather than a bare URI, matching
// how Mastodon-compatible servers publish local outboxes.
type OutboxPage struct {
	Context      string        `json:"@context"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	PartOf       string        `json:"partOf"`
	TotalItems   int           `json:"totalItems"`
	OrderedItems []interface{} `json:"orderedItems"`
	Next         string        `json:"next,omitempty"`
}

func BuildOutboxPage(outboxID string, rawActivities []interface{}, total, page int) *OutboxPage {
	p := &OutboxPage{
		Context:      actorContext[0],
		ID:           fmt.Sprintf("%s?page=%d", outboxID, page),
		Type:         "OrderedCollectionPage",
		PartOf:       outboxID,
		TotalItems:   total,
		OrderedItems: rawActivities,
	}
	if len(rawActivities) == pageSize {
		p.Next = fmt.Sprintf("%s?page=%d", outboxID, page+1)
	}
	return p
}
