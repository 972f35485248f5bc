package content

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// maxParentDepth bounds the parent-event walk. Parent assignment rejects
// cycles at write time; the resolver still fails closed if it ever meets a
// chain longer than any sane nesting.
const maxParentDepth = 16

var (
	errMissingTagSource = errors.New("content: tag source is required")
	noOpLogger          = zap.NewNop()
)

// TagSource is the read-only storage surface the resolver consumes.
type TagSource interface {
	// LoadTagsOf returns the directly associated tag paths of an entity.
	// Kind may name an event, a post, or a group.
	LoadTagsOf(ctx context.Context, entityID int64, kind string) ([]string, error)
	// LoadGroupsOf returns the ids of the groups an event or post belongs to.
	LoadGroupsOf(ctx context.Context, entityID int64, kind Kind) ([]int64, error)
	// LoadParentEvent returns the parent event id, or nil for a root event.
	LoadParentEvent(ctx context.Context, eventID int64) (*int64, error)
	// LoadAssociatedEvent returns the event a post is attached to, or nil.
	LoadAssociatedEvent(ctx context.Context, postID int64) (*int64, error)
}

// TagKindGroup is the LoadTagsOf kind for group-owned tags.
const TagKindGroup = "group"

// Resolver computes the effective tag closure of an event or post: its own
// tags, the tags of every group it belongs to, and (for events) the parent
// event's closure, or (for posts) the associated event's closure.
type Resolver struct {
	source TagSource
	logger *zap.Logger
}

// ResolverConfig carries resolver dependencies.
type ResolverConfig struct {
	Source TagSource
	Logger *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Source == nil {
		return nil, errMissingTagSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{source: cfg.Source, logger: logger}, nil
}

// ResolveTags returns the deduplicated tag closure for the entity. A broken
// parent chain degrades to the tags gathered so far with a logged integrity
// fault instead of an error.
func (r *Resolver) ResolveTags(ctx context.Context, entityID int64, kind Kind) (map[string]struct{}, error) {
	closure := make(map[string]struct{})
	switch kind {
	case KindEvent:
		if err := r.resolveEvent(ctx, entityID, 0, closure); err != nil {
			return nil, err
		}
	case KindPost:
		if err := r.resolvePost(ctx, entityID, closure); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("content: unknown content kind " + string(kind))
	}
	return closure, nil
}

func (r *Resolver) resolveEvent(ctx context.Context, eventID int64, depth int, closure map[string]struct{}) error {
	if depth >= maxParentDepth {
		r.logger.Error("integrity fault: parent event chain exceeds depth bound",
			zap.Int64("event_id", eventID),
			zap.Int("depth", depth))
		return nil
	}
	if err := r.collectOwnAndGroupTags(ctx, eventID, KindEvent, closure); err != nil {
		return err
	}
	parentID, err := r.source.LoadParentEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if parentID == nil {
		return nil
	}
	return r.resolveEvent(ctx, *parentID, depth+1, closure)
}

func (r *Resolver) resolvePost(ctx context.Context, postID int64, closure map[string]struct{}) error {
	if err := r.collectOwnAndGroupTags(ctx, postID, KindPost, closure); err != nil {
		return err
	}
	eventID, err := r.source.LoadAssociatedEvent(ctx, postID)
	if err != nil {
		return err
	}
	if eventID == nil {
		return nil
	}
	return r.resolveEvent(ctx, *eventID, 0, closure)
}

func (r *Resolver) collectOwnAndGroupTags(ctx context.Context, entityID int64, kind Kind, closure map[string]struct{}) error {
	own, err := r.source.LoadTagsOf(ctx, entityID, string(kind))
	if err != nil {
		return err
	}
	for _, path := range own {
		closure[path] = struct{}{}
	}
	groupIDs, err := r.source.LoadGroupsOf(ctx, entityID, kind)
	if err != nil {
		return err
	}
	for _, groupID := range groupIDs {
		groupTags, err := r.source.LoadTagsOf(ctx, groupID, TagKindGroup)
		if err != nil {
			return err
		}
		for _, path := range groupTags {
			closure[path] = struct{}{}
		}
	}
	return nil
}
