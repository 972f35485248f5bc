package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/heraldlab/herald/internal/content"
	"github.com/heraldlab/herald/internal/push"
	"github.com/heraldlab/herald/internal/scheduler"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := New(Config{DB: db})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func utc(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad time literal %q: %v", value, err)
	}
	return parsed
}

func TestMarkEdgeFiredIsInsertIfAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	won, err := s.MarkEdgeFired(ctx, 1, scheduler.EdgeOpen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !won {
		t.Fatalf("expected first marker write to win")
	}

	won, err = s.MarkEdgeFired(ctx, 1, scheduler.EdgeOpen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won {
		t.Fatalf("expected repeated marker write to lose")
	}

	// The close edge is an independent marker.
	won, err = s.MarkEdgeFired(ctx, 1, scheduler.EdgeClose)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !won {
		t.Fatalf("expected close edge marker to win")
	}
}

func TestMarkDispatchedIsInsertIfAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	won, err := s.MarkDispatched(ctx, "event:1/ordering-opened")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !won {
		t.Fatalf("expected first claim to win")
	}
	won, err = s.MarkDispatched(ctx, "event:1/ordering-opened")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won {
		t.Fatalf("expected repeated claim to lose")
	}
}

func TestLoadOpenWindowsComposesFiredMarkers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := utc(t, "2026-03-01T10:00:00Z")
	end := utc(t, "2026-03-01T12:00:00Z")

	opening := Event{
		Title:            "Langos opening",
		StartUtc:         start,
		CreatedUtc:       start,
		Kind:             string(content.EventKindOpening),
		OrderingStartUtc: &start,
		OrderingEndUtc:   &end,
	}
	if err := s.db.Create(&opening).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plain := Event{Title: "Concert", StartUtc: start, CreatedUtc: start, Kind: string(content.EventKindPlain)}
	if err := s.db.Create(&plain).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.MarkEdgeFired(ctx, opening.ID, scheduler.EdgeOpen); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	windows, err := s.LoadOpenWindows(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(windows) != 1 {
		t.Fatalf("expected only the opening, got %d windows", len(windows))
	}
	window := windows[0]
	if window.EventID != opening.ID || !window.FiredOpen || window.FiredClose {
		t.Fatalf("unexpected window: %+v", window)
	}
	if window.OrderingStartUtc == nil || !window.OrderingStartUtc.Equal(start) {
		t.Fatalf("unexpected ordering start: %v", window.OrderingStartUtc)
	}
}

func TestLoadTagsOfJoinsDirectAssociations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := utc(t, "2026-03-01T10:00:00Z")

	event := Event{Title: "Concert", StartUtc: now, CreatedUtc: now, Kind: string(content.EventKindPlain)}
	if err := s.db.Create(&event).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tag := Tag{Path: "news/releases"}
	if err := s.db.Create(&tag).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.db.Create(&EventTag{EventID: event.ID, TagID: tag.ID}).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	paths, err := s.LoadTagsOf(ctx, event.ID, string(content.KindEvent))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 1 || paths[0] != "news/releases" {
		t.Fatalf("unexpected paths: %v", paths)
	}
}

func TestGroupInheritedTagLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := utc(t, "2026-03-01T10:00:00Z")

	event := Event{Title: "Opening", StartUtc: now, CreatedUtc: now, Kind: string(content.EventKindPlain)}
	if err := s.db.Create(&event).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pincer := "langos"
	group := Group{PincerName: &pincer}
	if err := s.db.Create(&group).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tag := Tag{Path: "pincer/langos"}
	if err := s.db.Create(&tag).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.db.Create(&GroupTag{GroupID: group.ID, TagID: tag.ID}).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.db.Create(&EventGroup{EventID: event.ID, GroupID: group.ID}).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	groupIDs, err := s.LoadGroupsOf(ctx, event.ID, content.KindEvent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groupIDs) != 1 || groupIDs[0] != group.ID {
		t.Fatalf("unexpected group ids: %v", groupIDs)
	}
	paths, err := s.LoadTagsOf(ctx, group.ID, content.TagKindGroup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 1 || paths[0] != "pincer/langos" {
		t.Fatalf("unexpected group tag paths: %v", paths)
	}
}

func TestSubscribeTagRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	if err := s.SubscribeTag(ctx, userID, "news"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Repeated subscription is a no-op.
	if err := s.SubscribeTag(ctx, userID, "news"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := s.LoadSubscriptions(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].UserID != userID || records[0].TagPath != "news" {
		t.Fatalf("unexpected records: %+v", records)
	}

	paths, err := s.LoadTagPaths(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 1 || paths[0] != "news" {
		t.Fatalf("unexpected tag paths: %v", paths)
	}

	if err := s.UnsubscribeTag(ctx, userID, "news"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	records, err = s.LoadSubscriptions(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records after unsubscribe, got %+v", records)
	}
}

func TestPushSubscriptionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sub := push.Subscription{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Endpoint: "https://push.example/abc",
		P256dh:   "p256dh-key",
		Auth:     "auth-secret",
	}

	if err := s.CreatePushSubscription(ctx, sub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Re-registering the same endpoint is a no-op.
	if err := s.CreatePushSubscription(ctx, sub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	subs, err := s.LoadPushSubscriptionsOf(ctx, sub.UserID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs) != 1 || subs[0].Endpoint != sub.Endpoint {
		t.Fatalf("unexpected subscriptions: %+v", subs)
	}

	if err := s.DeletePushSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Idempotent even when raised twice for the same subscription.
	if err := s.DeletePushSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	subs, err = s.LoadPushSubscriptionsOf(ctx, sub.UserID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions after delete, got %+v", subs)
	}
}

func TestDeletePushSubscriptionByEndpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sub := push.Subscription{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Endpoint: "https://push.example/def",
		P256dh:   "p256dh-key",
		Auth:     "auth-secret",
	}
	if err := s.CreatePushSubscription(ctx, sub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id, found, err := s.DeletePushSubscriptionByEndpoint(ctx, sub.Endpoint)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || id != sub.ID {
		t.Fatalf("unexpected result: found=%v id=%v", found, id)
	}

	_, found, err = s.DeletePushSubscriptionByEndpoint(ctx, sub.Endpoint)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected endpoint to be gone")
	}
}

func TestLoadContentSummaryDistinguishesDrafts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := utc(t, "2026-03-01T10:00:00Z")

	draft := Post{Title: "Draft", ExcerptMarkdown: "soon", CreatedUtc: now}
	if err := s.db.Create(&draft).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	published := Post{Title: "Released", ExcerptMarkdown: "out now", PublishedUtc: &now, CreatedUtc: now}
	if err := s.db.Create(&published).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	summary, err := s.LoadContentSummary(ctx, draft.ID, content.KindPost)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Published {
		t.Fatalf("draft reported as published")
	}

	summary, err = s.LoadContentSummary(ctx, published.ID, content.KindPost)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !summary.Published || summary.Excerpt != "out now" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
