// Package subscription maintains the in-memory mapping from tag paths to the
// users subscribed to them. Subscribing to a path implies interest in every
// descendant path, never the ancestor direction; lookups therefore walk the
// content tag's ancestor chain instead of scanning subscriptions.
package subscription

import (
	"sync"

	"github.com/google/uuid"

	"github.com/heraldlab/herald/internal/tags"
)

// Record is one (user, tag path) subscription row as loaded from storage.
type Record struct {
	UserID  uuid.UUID
	TagPath string
}

// Index maps tag paths to subscriber sets, with the inverse user view kept
// alongside for unsubscription and introspection.
type Index struct {
	mu     sync.RWMutex
	byPath map[string]map[uuid.UUID]struct{}
	byUser map[uuid.UUID]map[string]struct{}
}

// NewIndex builds an index over the provided subscription records.
func NewIndex(records []Record) *Index {
	index := &Index{
		byPath: make(map[string]map[uuid.UUID]struct{}),
		byUser: make(map[uuid.UUID]map[string]struct{}),
	}
	for _, record := range records {
		index.Subscribe(record.UserID, record.TagPath)
	}
	return index
}

// Subscribe registers the user's interest in path. Repeated calls are no-ops.
func (i *Index) Subscribe(userID uuid.UUID, path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.byPath[path] == nil {
		i.byPath[path] = make(map[uuid.UUID]struct{})
	}
	i.byPath[path][userID] = struct{}{}
	if i.byUser[userID] == nil {
		i.byUser[userID] = make(map[string]struct{})
	}
	i.byUser[userID][path] = struct{}{}
}

// Unsubscribe removes the user's interest in path.
func (i *Index) Unsubscribe(userID uuid.UUID, path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if subscribers := i.byPath[path]; subscribers != nil {
		delete(subscribers, userID)
		if len(subscribers) == 0 {
			delete(i.byPath, path)
		}
	}
	if paths := i.byUser[userID]; paths != nil {
		delete(paths, path)
		if len(paths) == 0 {
			delete(i.byUser, userID)
		}
	}
}

// SubscribersOf returns every user subscribed to an ancestor-or-equal path of
// any tag in the closure. Cost is O(tags × depth) map lookups.
func (i *Index) SubscribersOf(tagClosure map[string]struct{}) map[uuid.UUID]struct{} {
	i.mu.RLock()
	defer i.mu.RUnlock()
	subscribers := make(map[uuid.UUID]struct{})
	for path := range tagClosure {
		for _, ancestor := range tags.AncestorsOf(path) {
			for userID := range i.byPath[ancestor] {
				subscribers[userID] = struct{}{}
			}
		}
	}
	return subscribers
}

// PathsOf returns the paths the user is subscribed to.
func (i *Index) PathsOf(userID uuid.UUID) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	paths := make([]string, 0, len(i.byUser[userID]))
	for path := range i.byUser[userID] {
		paths = append(paths, path)
	}
	return paths
}
