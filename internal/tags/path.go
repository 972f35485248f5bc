package tags

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

const maxPathLength = 500

// ErrInvalidTagPath indicates that a tag path is empty, too long, or contains
// empty segments.
var ErrInvalidTagPath = errors.New("tags: invalid tag path")

// NormalizePath validates raw input and returns the canonical tag path.
func NormalizePath(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTagPath)
	}
	if len(trimmed) > maxPathLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTagPath, maxPathLength)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" {
			return "", fmt.Errorf("%w: empty segment in %q", ErrInvalidTagPath, trimmed)
		}
	}
	return trimmed, nil
}

// Matches reports whether contentPath equals subscribedPath or lies below it
// in the /-delimited hierarchy. Matching is segment-exact: subscription "a/b"
// matches "a/b/c" but never "a/bc".
func Matches(subscribedPath, contentPath string) bool {
	if subscribedPath == "" || contentPath == "" {
		return false
	}
	if contentPath == subscribedPath {
		return true
	}
	return strings.HasPrefix(contentPath, subscribedPath+"/")
}

// AncestorsOf returns the path itself followed by every proper ancestor,
// outermost last: "a/b/c" yields ["a/b/c", "a/b", "a"].
func AncestorsOf(path string) []string {
	if path == "" {
		return nil
	}
	ancestors := []string{path}
	remaining := path
	for {
		idx := strings.LastIndexByte(remaining, '/')
		if idx < 0 {
			return ancestors
		}
		remaining = remaining[:idx]
		ancestors = append(ancestors, remaining)
	}
}

// PathIndex is the in-memory set of known tag paths. It is built from the tag
// table at process start and refreshed through Insert as tags are created.
type PathIndex struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

// NewPathIndex builds an index over the provided tag paths. Invalid paths are
// rejected rather than silently dropped.
func NewPathIndex(paths []string) (*PathIndex, error) {
	index := &PathIndex{paths: make(map[string]struct{}, len(paths))}
	for _, path := range paths {
		if err := index.Insert(path); err != nil {
			return nil, err
		}
	}
	return index, nil
}

// Insert adds a tag path to the index. Inserting a known path is a no-op.
func (i *PathIndex) Insert(rawPath string) error {
	path, err := NormalizePath(rawPath)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paths[path] = struct{}{}
	return nil
}

// Contains reports whether the path is known to the index.
func (i *PathIndex) Contains(path string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.paths[path]
	return ok
}

// Len returns the number of indexed paths.
func (i *PathIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.paths)
}
