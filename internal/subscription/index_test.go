package subscription

import (
	"testing"

	"github.com/google/uuid"
)

func closure(paths ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		set[path] = struct{}{}
	}
	return set
}

func TestSubscribersOfMatchesDescendantContent(t *testing.T) {
	userID := uuid.New()
	index := NewIndex([]Record{{UserID: userID, TagPath: "news"}})

	subscribers := index.SubscribersOf(closure("news/releases"))
	if _, ok := subscribers[userID]; !ok {
		t.Fatalf("expected subscriber of news to match news/releases content")
	}
}

func TestSubscribersOfIgnoresAncestorContent(t *testing.T) {
	userID := uuid.New()
	index := NewIndex([]Record{{UserID: userID, TagPath: "news/releases"}})

	subscribers := index.SubscribersOf(closure("news"))
	if len(subscribers) != 0 {
		t.Fatalf("subscriber of news/releases must not match news-only content, got %v", subscribers)
	}
}

func TestSubscribersOfUnionsAcrossTags(t *testing.T) {
	alice := uuid.New()
	bob := uuid.New()
	index := NewIndex([]Record{
		{UserID: alice, TagPath: "news"},
		{UserID: bob, TagPath: "pincer/kb"},
	})

	subscribers := index.SubscribersOf(closure("news/releases", "pincer/kb/openings"))
	if len(subscribers) != 2 {
		t.Fatalf("expected both users matched, got %v", subscribers)
	}
}

func TestSubscribersOfDeduplicatesUsers(t *testing.T) {
	userID := uuid.New()
	index := NewIndex([]Record{
		{UserID: userID, TagPath: "news"},
		{UserID: userID, TagPath: "news/releases"},
	})

	subscribers := index.SubscribersOf(closure("news/releases"))
	if len(subscribers) != 1 {
		t.Fatalf("expected one deduplicated user, got %v", subscribers)
	}
}

func TestUnsubscribeRemovesInterest(t *testing.T) {
	userID := uuid.New()
	index := NewIndex([]Record{{UserID: userID, TagPath: "news"}})

	index.Unsubscribe(userID, "news")
	if subscribers := index.SubscribersOf(closure("news")); len(subscribers) != 0 {
		t.Fatalf("expected no subscribers after unsubscribe, got %v", subscribers)
	}
	if paths := index.PathsOf(userID); len(paths) != 0 {
		t.Fatalf("expected no paths after unsubscribe, got %v", paths)
	}
}
