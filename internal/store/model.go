package store

import "time"

// Event backs both plain events and openings: the opening-specific ordering
// window rides along as nullable columns selected by the kind tag.
type Event struct {
	ID               int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Title            string     `gorm:"column:title;size:255;not null"`
	StartUtc         time.Time  `gorm:"column:start_utc;not null"`
	EndUtc           *time.Time `gorm:"column:end_utc"`
	ParentID         *int64     `gorm:"column:parent_id;index"`
	CreatedUtc       time.Time  `gorm:"column:created_utc;not null"`
	Kind             string     `gorm:"column:kind;size:8;not null;default:event"`
	OrderingStartUtc *time.Time `gorm:"column:ordering_start_utc"`
	OrderingEndUtc   *time.Time `gorm:"column:ordering_end_utc"`
}

func (Event) TableName() string {
	return "events"
}

// Post is an announcement, optionally attached to an event.
type Post struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Title           string     `gorm:"column:title;size:130;not null"`
	ContentMarkdown string     `gorm:"column:content_markdown;size:50000"`
	ExcerptMarkdown string     `gorm:"column:excerpt_markdown;size:1000"`
	PublishedUtc    *time.Time `gorm:"column:published_utc"`
	EventID         *int64     `gorm:"column:event_id;index"`
	URL             *string    `gorm:"column:url;size:500;uniqueIndex"`
	CreatedUtc      time.Time  `gorm:"column:created_utc;not null"`
}

func (Post) TableName() string {
	return "posts"
}

// Group carries optional correlation keys to external systems, each unique
// when present.
type Group struct {
	ID         int64   `gorm:"column:id;primaryKey;autoIncrement"`
	PekID      *int64  `gorm:"column:pek_id;uniqueIndex"`
	PekName    string  `gorm:"column:pek_name;size:40"`
	PincerName *string `gorm:"column:pincer_name;size:40;uniqueIndex"`
}

func (Group) TableName() string {
	return "groups"
}

// Tag is a hierarchical label; paths are unique.
type Tag struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Path string `gorm:"column:path;size:500;not null;uniqueIndex"`
}

func (Tag) TableName() string {
	return "tags"
}

// User is an opaque external subject.
type User struct {
	ID string `gorm:"column:id;primaryKey;size:36"`
}

func (User) TableName() string {
	return "users"
}

// UserTagSelection is a user's subscription to a tag path.
type UserTagSelection struct {
	TagID  int64  `gorm:"column:tag_id;primaryKey"`
	UserID string `gorm:"column:user_id;primaryKey;size:36;index"`
}

func (UserTagSelection) TableName() string {
	return "user_tag_selections"
}

// PushSubscription is one registered push endpoint of a user.
type PushSubscription struct {
	ID         string    `gorm:"column:id;primaryKey;size:36"`
	UserID     string    `gorm:"column:user_id;size:36;not null;index"`
	Endpoint   string    `gorm:"column:endpoint;size:2000;not null;uniqueIndex"`
	P256dh     string    `gorm:"column:p256dh;size:100;not null"`
	Auth       string    `gorm:"column:auth;size:50;not null"`
	CreatedUtc time.Time `gorm:"column:created_utc;not null"`
}

func (PushSubscription) TableName() string {
	return "push_subscriptions"
}

// EventTag is the direct event↔tag association.
type EventTag struct {
	EventID int64 `gorm:"column:event_id;primaryKey"`
	TagID   int64 `gorm:"column:tag_id;primaryKey"`
}

func (EventTag) TableName() string {
	return "event_tags"
}

// PostTag is the direct post↔tag association.
type PostTag struct {
	PostID int64 `gorm:"column:post_id;primaryKey"`
	TagID  int64 `gorm:"column:tag_id;primaryKey"`
}

func (PostTag) TableName() string {
	return "post_tags"
}

// GroupTag is the group↔tag association feeding group-inherited tagging.
type GroupTag struct {
	GroupID int64 `gorm:"column:group_id;primaryKey"`
	TagID   int64 `gorm:"column:tag_id;primaryKey"`
}

func (GroupTag) TableName() string {
	return "group_tags"
}

// EventGroup associates events with the groups owning them.
type EventGroup struct {
	EventID int64 `gorm:"column:event_id;primaryKey"`
	GroupID int64 `gorm:"column:group_id;primaryKey"`
}

func (EventGroup) TableName() string {
	return "event_groups"
}

// GroupPost associates posts with the groups owning them.
type GroupPost struct {
	GroupID int64 `gorm:"column:group_id;primaryKey"`
	PostID  int64 `gorm:"column:post_id;primaryKey"`
}

func (GroupPost) TableName() string {
	return "group_posts"
}

// FiredEdge is the durable marker recording that a window edge fired. Its
// primary key makes MarkEdgeFired an insert-if-absent.
type FiredEdge struct {
	EventID        int64  `gorm:"column:event_id;primaryKey"`
	Edge           string `gorm:"column:edge;primaryKey;size:8"`
	FiredAtSeconds int64  `gorm:"column:fired_at_s;not null"`
}

func (FiredEdge) TableName() string {
	return "fired_edges"
}

// DispatchedToken records that a notification event's fire token was already
// matched and dispatched.
type DispatchedToken struct {
	Token               string `gorm:"column:token;primaryKey;size:190"`
	DispatchedAtSeconds int64  `gorm:"column:dispatched_at_s;not null"`
}

func (DispatchedToken) TableName() string {
	return "dispatched_tokens"
}
