package notify

import (
	"fmt"

	"github.com/heraldlab/herald/internal/content"
	"github.com/heraldlab/herald/internal/scheduler"
)

// Transition names the state change a notification announces.
type Transition string

const (
	TransitionCreated        Transition = "created"
	TransitionUpdated        Transition = "updated"
	TransitionOrderingOpened Transition = "ordering-opened"
	TransitionOrderingClosed Transition = "ordering-closed"
	TransitionPublished      Transition = "published"
)

// Event is one notifiable occurrence: a content mutation or a fired window
// edge. It is identified by its fire token, the idempotency key that prevents
// double delivery after a crash or restart.
type Event struct {
	EntityID   int64
	EntityKind content.Kind
	Transition Transition
}

// FireToken returns the deduplication key for this occurrence. Entity ids are
// scoped per kind, so the kind participates in the composite.
func (e Event) FireToken() string {
	return fmt.Sprintf("%s:%d/%s", e.EntityKind, e.EntityID, e.Transition)
}

// FromFiredEdge translates a scheduler edge transition into an Event. Window
// edges always belong to an event entity.
func FromFiredEdge(fired scheduler.Fired) Event {
	transition := TransitionOrderingOpened
	if fired.Edge == scheduler.EdgeClose {
		transition = TransitionOrderingClosed
	}
	return Event{
		EntityID:   fired.EventID,
		EntityKind: content.KindEvent,
		Transition: transition,
	}
}

// Payload is the notification body shared by every recipient of one event.
type Payload struct {
	Kind     Transition `json:"kind"`
	EntityID int64      `json:"entityId"`
	Title    string     `json:"title"`
	Excerpt  string     `json:"excerpt,omitempty"`
}
