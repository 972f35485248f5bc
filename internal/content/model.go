package content

import (
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the two notifiable content families.
type Kind string

const (
	KindEvent Kind = "event"
	KindPost  Kind = "post"
)

// EventKind selects the Event variant: a plain event or an opening carrying
// an ordering window.
type EventKind string

const (
	EventKindPlain   EventKind = "event"
	EventKindOpening EventKind = "opening"
)

var (
	// ErrInvalidWindow indicates an ordering window whose start lies after its end.
	ErrInvalidWindow = errors.New("content: ordering window start after end")
	// ErrInvalidTitle indicates an empty or oversized title.
	ErrInvalidTitle = errors.New("content: invalid title")
)

const (
	maxEventTitleLength = 255
	maxPostTitleLength  = 130
)

// OrderingWindow is the optional time window during which an opening accepts
// orders. Either edge may be absent.
type OrderingWindow struct {
	StartUtc *time.Time
	EndUtc   *time.Time
}

// Validate enforces StartUtc <= EndUtc when both edges are set.
func (w OrderingWindow) Validate() error {
	if w.StartUtc != nil && w.EndUtc != nil && w.StartUtc.After(*w.EndUtc) {
		return fmt.Errorf("%w: %s > %s", ErrInvalidWindow, w.StartUtc.Format(time.RFC3339), w.EndUtc.Format(time.RFC3339))
	}
	return nil
}

// Empty reports whether neither edge is set.
func (w OrderingWindow) Empty() bool {
	return w.StartUtc == nil && w.EndUtc == nil
}

// Event is a scheduling entry. Events nest through ParentID; the Opening
// variant additionally carries an ordering window. The window need not fall
// inside the event's own time range.
type Event struct {
	ID         int64
	Title      string
	StartUtc   time.Time
	EndUtc     *time.Time
	ParentID   *int64
	CreatedUtc time.Time
	Kind       EventKind
	Ordering   OrderingWindow
}

// Validate checks structural invariants of the event.
func (e Event) Validate() error {
	if e.Title == "" || len(e.Title) > maxEventTitleLength {
		return fmt.Errorf("%w: event title length %d", ErrInvalidTitle, len(e.Title))
	}
	if e.Kind != EventKindOpening && !e.Ordering.Empty() {
		return fmt.Errorf("content: ordering window on non-opening event %d", e.ID)
	}
	return e.Ordering.Validate()
}

// Post is an announcement. A nil PublishedUtc marks a draft, which is not
// eligible for notification matching.
type Post struct {
	ID              int64
	Title           string
	ContentMarkdown string
	ExcerptMarkdown string
	PublishedUtc    *time.Time
	EventID         *int64
	URL             *string
	CreatedUtc      time.Time
}

// Validate checks structural invariants of the post.
func (p Post) Validate() error {
	if p.Title == "" || len(p.Title) > maxPostTitleLength {
		return fmt.Errorf("%w: post title length %d", ErrInvalidTitle, len(p.Title))
	}
	return nil
}

// Published reports whether the post is visible to matching.
func (p Post) Published() bool {
	return p.PublishedUtc != nil
}

// Group organizes events and posts and carries optional correlation keys to
// external systems, each unique when present.
type Group struct {
	ID         int64
	PekID      *int64
	PekName    string
	PincerName *string
}

// Tag is a hierarchical label identified by its /-delimited path.
type Tag struct {
	ID   int64
	Path string
}
