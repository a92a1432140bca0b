package web

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/feeds"

	"github.com/kodenet/fedicore/internal/model"
)

// RSSStore is the subset of Store the RSS feed endpoint needs, kept
// separate from Store since it is a bonus read surface (spec.md names
// it a carried-over extra, not a core ActivityPub operation).
type RSSStore interface {
	GetActorByUsername(ctx context.Context, domain, username string) (*model.Actor, error)
	ListPublicNotesByActor(ctx context.Context, actorURI string, limit int) ([]*model.Object, error)
}

const rssItemLimit = 50

// BuildRSSFeed renders actorURI's recent top-level public notes as an
// RSS 2.0 feed, grounded on the teacher's GetRSS (web/rss.go), adapted
// from the teacher's global "all notes" + "by username" split (this
// core is always per-actor, since there is no single-tenant notion of
// "every local user") to a per-domain-actor feed.
func BuildRSSFeed(ctx context.Context, store RSSStore, domain, username string) (string, error) {
	actor, err := store.GetActorByUsername(ctx, domain, username)
	if err != nil {
		return "", err
	}
	notes, err := store.ListPublicNotesByActor(ctx, actor.ActorID, rssItemLimit)
	if err != nil {
		return "", err
	}

	link := fmt.Sprintf("https://%s/users/%s/feed", domain, username)
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s@%s", username, domain),
		Link:        &feeds.Link{Href: link},
		Description: fmt.Sprintf("Public posts from %s@%s", username, domain),
		Author:      &feeds.Author{Name: username},
		Created:     time.Now(),
	}

	items := make([]*feeds.Item, 0, len(notes))
	for _, n := range notes {
		items = append(items, &feeds.Item{
			Id:      n.ObjectID,
			Title:   n.Published.Format(time.RFC1123),
			Link:    &feeds.Link{Href: n.ObjectID},
			Content: n.Content,
			Author:  &feeds.Author{Name: username},
			Created: n.Published,
		})
	}
	feed.Items = items

	return feed.ToRss()
}
