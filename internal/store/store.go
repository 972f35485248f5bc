// Package store is the reference SQLite-backed implementation of the narrow
// storage interfaces the engine consumes.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/heraldlab/herald/internal/content"
	"github.com/heraldlab/herald/internal/notify"
	"github.com/heraldlab/herald/internal/push"
	"github.com/heraldlab/herald/internal/scheduler"
	"github.com/heraldlab/herald/internal/subscription"
)

var (
	errMissingDatabase = errors.New("store: database handle is required")
	// ErrUnknownEntity indicates a lookup against a missing event or post.
	ErrUnknownEntity = errors.New("store: unknown entity")
)

// Config carries store dependencies.
type Config struct {
	DB    *gorm.DB
	Clock func() time.Time
}

// Store implements the engine's storage surfaces over a gorm handle.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.DB, clock: clock}, nil
}

func tagJoin(kind string) (joinTable, foreignKey string, err error) {
	switch kind {
	case string(content.KindEvent):
		return "event_tags", "event_id", nil
	case string(content.KindPost):
		return "post_tags", "post_id", nil
	case content.TagKindGroup:
		return "group_tags", "group_id", nil
	default:
		return "", "", fmt.Errorf("store: unknown tag kind %q", kind)
	}
}

// LoadTagsOf returns the directly associated tag paths of an event, post, or
// group.
func (s *Store) LoadTagsOf(ctx context.Context, entityID int64, kind string) ([]string, error) {
	joinTable, foreignKey, err := tagJoin(kind)
	if err != nil {
		return nil, err
	}
	var paths []string
	err = s.db.WithContext(ctx).
		Table("tags").
		Joins(fmt.Sprintf("JOIN %s ON %s.tag_id = tags.id", joinTable, joinTable)).
		Where(fmt.Sprintf("%s.%s = ?", joinTable, foreignKey), entityID).
		Pluck("tags.path", &paths).Error
	return paths, err
}

// LoadGroupsOf returns the ids of the groups an event or post belongs to.
func (s *Store) LoadGroupsOf(ctx context.Context, entityID int64, kind content.Kind) ([]int64, error) {
	var groupIDs []int64
	switch kind {
	case content.KindEvent:
		err := s.db.WithContext(ctx).
			Model(&EventGroup{}).
			Where("event_id = ?", entityID).
			Pluck("group_id", &groupIDs).Error
		return groupIDs, err
	case content.KindPost:
		err := s.db.WithContext(ctx).
			Model(&GroupPost{}).
			Where("post_id = ?", entityID).
			Pluck("group_id", &groupIDs).Error
		return groupIDs, err
	default:
		return nil, fmt.Errorf("store: unknown content kind %q", kind)
	}
}

// LoadParentEvent returns the parent event id, or nil for a root or unknown
// event.
func (s *Store) LoadParentEvent(ctx context.Context, eventID int64) (*int64, error) {
	var event Event
	err := s.db.WithContext(ctx).Select("parent_id").Take(&event, eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return event.ParentID, nil
}

// LoadAssociatedEvent returns the event a post is attached to, or nil.
func (s *Store) LoadAssociatedEvent(ctx context.Context, postID int64) (*int64, error) {
	var post Post
	err := s.db.WithContext(ctx).Select("event_id").Take(&post, postID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return post.EventID, nil
}

// LoadOpenWindows returns every opening window together with its fired
// markers, for scheduler reconciliation.
func (s *Store) LoadOpenWindows(ctx context.Context) ([]scheduler.OpenWindow, error) {
	var openings []Event
	err := s.db.WithContext(ctx).
		Where("kind = ?", string(content.EventKindOpening)).
		Where("ordering_start_utc IS NOT NULL OR ordering_end_utc IS NOT NULL").
		Find(&openings).Error
	if err != nil {
		return nil, err
	}

	var markers []FiredEdge
	if err := s.db.WithContext(ctx).Find(&markers).Error; err != nil {
		return nil, err
	}
	fired := make(map[int64]map[string]bool, len(markers))
	for _, marker := range markers {
		if fired[marker.EventID] == nil {
			fired[marker.EventID] = make(map[string]bool, 2)
		}
		fired[marker.EventID][marker.Edge] = true
	}

	windows := make([]scheduler.OpenWindow, 0, len(openings))
	for _, opening := range openings {
		windows = append(windows, scheduler.OpenWindow{
			EventID:          opening.ID,
			OrderingStartUtc: opening.OrderingStartUtc,
			OrderingEndUtc:   opening.OrderingEndUtc,
			FiredOpen:        fired[opening.ID][string(scheduler.EdgeOpen)],
			FiredClose:       fired[opening.ID][string(scheduler.EdgeClose)],
		})
	}
	return windows, nil
}

// LoadOpenWindow returns the ordering window of one opening, reporting
// whether the event exists as an opening at all.
func (s *Store) LoadOpenWindow(ctx context.Context, eventID int64) (content.OrderingWindow, bool, error) {
	var event Event
	err := s.db.WithContext(ctx).Take(&event, eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return content.OrderingWindow{}, false, nil
	}
	if err != nil {
		return content.OrderingWindow{}, false, err
	}
	if event.Kind != string(content.EventKindOpening) {
		return content.OrderingWindow{}, false, nil
	}
	return content.OrderingWindow{StartUtc: event.OrderingStartUtc, EndUtc: event.OrderingEndUtc}, true, nil
}

// MarkEdgeFired durably records one fired window edge. The insert-if-absent
// reports whether this call won the marker.
func (s *Store) MarkEdgeFired(ctx context.Context, eventID int64, edge scheduler.EdgeKind) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&FiredEdge{
			EventID:        eventID,
			Edge:           string(edge),
			FiredAtSeconds: s.clock().UTC().Unix(),
		})
	return result.RowsAffected == 1, result.Error
}

// MarkDispatched durably claims a notification event's fire token.
func (s *Store) MarkDispatched(ctx context.Context, fireToken string) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&DispatchedToken{
			Token:               fireToken,
			DispatchedAtSeconds: s.clock().UTC().Unix(),
		})
	return result.RowsAffected == 1, result.Error
}

// LoadContentSummary returns the displayable summary a payload is built
// from. Events are always visible; posts only once published.
func (s *Store) LoadContentSummary(ctx context.Context, entityID int64, kind content.Kind) (notify.Summary, error) {
	switch kind {
	case content.KindEvent:
		var event Event
		if err := s.db.WithContext(ctx).Take(&event, entityID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notify.Summary{}, fmt.Errorf("%w: event %d", ErrUnknownEntity, entityID)
			}
			return notify.Summary{}, err
		}
		return notify.Summary{Title: event.Title, Published: true}, nil
	case content.KindPost:
		var post Post
		if err := s.db.WithContext(ctx).Take(&post, entityID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notify.Summary{}, fmt.Errorf("%w: post %d", ErrUnknownEntity, entityID)
			}
			return notify.Summary{}, err
		}
		return notify.Summary{
			Title:     post.Title,
			Excerpt:   post.ExcerptMarkdown,
			Published: post.PublishedUtc != nil,
		}, nil
	default:
		return notify.Summary{}, fmt.Errorf("store: unknown content kind %q", kind)
	}
}

// LoadTagPaths returns every known tag path, for the path index bootstrap.
func (s *Store) LoadTagPaths(ctx context.Context) ([]string, error) {
	var paths []string
	err := s.db.WithContext(ctx).Model(&Tag{}).Pluck("path", &paths).Error
	return paths, err
}

// LoadSubscriptions returns every (user, tag path) subscription row, for the
// subscription index bootstrap.
func (s *Store) LoadSubscriptions(ctx context.Context) ([]subscription.Record, error) {
	var rows []struct {
		UserID string
		Path   string
	}
	err := s.db.WithContext(ctx).
		Table("user_tag_selections").
		Joins("JOIN tags ON tags.id = user_tag_selections.tag_id").
		Select("user_tag_selections.user_id AS user_id, tags.path AS path").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]subscription.Record, 0, len(rows))
	for _, row := range rows {
		userID, err := uuid.Parse(row.UserID)
		if err != nil {
			return nil, fmt.Errorf("store: malformed user id %q: %w", row.UserID, err)
		}
		records = append(records, subscription.Record{UserID: userID, TagPath: row.Path})
	}
	return records, nil
}

// SubscribeTag records a user's subscription to a tag path, creating the tag
// and user rows as needed. Repeated calls are no-ops.
func (s *Store) SubscribeTag(ctx context.Context, userID uuid.UUID, path string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&User{ID: userID.String()}).Error; err != nil {
			return err
		}
		tag := Tag{Path: path}
		if err := tx.Where("path = ?", path).FirstOrCreate(&tag).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&UserTagSelection{TagID: tag.ID, UserID: userID.String()}).Error
	})
}

// UnsubscribeTag removes a user's subscription to a tag path.
func (s *Store) UnsubscribeTag(ctx context.Context, userID uuid.UUID, path string) error {
	var tag Tag
	err := s.db.WithContext(ctx).Where("path = ?", path).Take(&tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("tag_id = ? AND user_id = ?", tag.ID, userID.String()).
		Delete(&UserTagSelection{}).Error
}

// LoadPushSubscriptionsOf returns every registered push endpoint of a user.
func (s *Store) LoadPushSubscriptionsOf(ctx context.Context, userID uuid.UUID) ([]push.Subscription, error) {
	var rows []PushSubscription
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	subscriptions := make([]push.Subscription, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return nil, fmt.Errorf("store: malformed subscription id %q: %w", row.ID, err)
		}
		subscriptions = append(subscriptions, push.Subscription{
			ID:       id,
			UserID:   userID,
			Endpoint: row.Endpoint,
			P256dh:   row.P256dh,
			Auth:     row.Auth,
		})
	}
	return subscriptions, nil
}

// CreatePushSubscription registers a push endpoint. Re-registering a known
// endpoint is a no-op.
func (s *Store) CreatePushSubscription(ctx context.Context, sub push.Subscription) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&User{ID: sub.UserID.String()}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&PushSubscription{
				ID:         sub.ID.String(),
				UserID:     sub.UserID.String(),
				Endpoint:   sub.Endpoint,
				P256dh:     sub.P256dh,
				Auth:       sub.Auth,
				CreatedUtc: s.clock().UTC(),
			}).Error
	})
}

// DeletePushSubscription drops a push endpoint. Deleting a missing row is a
// no-op, so permanent-failure eviction stays idempotent.
func (s *Store) DeletePushSubscription(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).
		Where("id = ?", id.String()).
		Delete(&PushSubscription{}).Error
}

// DeletePushSubscriptionByEndpoint drops a push endpoint by its URL and
// returns the removed subscription id, if any.
func (s *Store) DeletePushSubscriptionByEndpoint(ctx context.Context, endpoint string) (uuid.UUID, bool, error) {
	var row PushSubscription
	err := s.db.WithContext(ctx).Where("endpoint = ?", endpoint).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	if err := s.db.WithContext(ctx).Where("id = ?", row.ID).Delete(&PushSubscription{}).Error; err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("store: malformed subscription id %q: %w", row.ID, err)
	}
	return id, true, nil
}
