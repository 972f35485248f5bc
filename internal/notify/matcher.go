package notify

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldlab/herald/internal/content"
	"github.com/heraldlab/herald/internal/push"
)

var (
	errMissingResolver    = errors.New("notify: resolver is required")
	errMissingSubscribers = errors.New("notify: subscriber index is required")
	errMissingStore       = errors.New("notify: store is required")
)

// Summary is the displayable content a payload is built from.
type Summary struct {
	Title     string
	Excerpt   string
	Published bool
}

// Store is the storage surface the matcher consumes. MarkDispatched is an
// atomic insert-if-absent on the fire token, reporting whether this call won
// it.
type Store interface {
	MarkDispatched(ctx context.Context, fireToken string) (bool, error)
	LoadContentSummary(ctx context.Context, entityID int64, kind content.Kind) (Summary, error)
	LoadPushSubscriptionsOf(ctx context.Context, userID uuid.UUID) ([]push.Subscription, error)
}

// SubscriberIndex resolves a tag closure to the set of subscribed users.
type SubscriberIndex interface {
	SubscribersOf(tagClosure map[string]struct{}) map[uuid.UUID]struct{}
}

// Delivery is one (subscription, payload) task for the push dispatcher. The
// payload is recipient-independent and shared across all deliveries of one
// event.
type Delivery struct {
	UserID       uuid.UUID
	Subscription push.Subscription
	Payload      Payload
}

// MatcherConfig carries matcher dependencies.
type MatcherConfig struct {
	Resolver    *content.Resolver
	Subscribers SubscriberIndex
	Store       Store
	Logger      *zap.Logger
}

// Matcher turns a notification event into the deduplicated set of deliveries
// it entitles.
type Matcher struct {
	resolver    *content.Resolver
	subscribers SubscriberIndex
	store       Store
	logger      *zap.Logger
}

// NewMatcher constructs a Matcher.
func NewMatcher(cfg MatcherConfig) (*Matcher, error) {
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Subscribers == nil {
		return nil, errMissingSubscribers
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		resolver:    cfg.Resolver,
		subscribers: cfg.Subscribers,
		store:       cfg.Store,
		logger:      logger,
	}, nil
}

// Match resolves the event into delivery tasks. The fire token is claimed
// durably before any delivery is produced, so a reconciliation replay of an
// already-handled event yields nothing.
func (m *Matcher) Match(ctx context.Context, event Event) ([]Delivery, error) {
	summary, err := m.store.LoadContentSummary(ctx, event.EntityID, event.EntityKind)
	if err != nil {
		return nil, err
	}
	if !summary.Published {
		// Drafts are not eligible for matching.
		return nil, nil
	}

	won, err := m.store.MarkDispatched(ctx, event.FireToken())
	if err != nil {
		return nil, err
	}
	if !won {
		m.logger.Debug("fire token already dispatched", zap.String("token", event.FireToken()))
		return nil, nil
	}

	// Ordering transitions carry the owning event as their entity, so the
	// event branch of the resolver applies to them directly.
	closure, err := m.resolver.ResolveTags(ctx, event.EntityID, event.EntityKind)
	if err != nil {
		return nil, err
	}

	users := m.subscribers.SubscribersOf(closure)
	payload := Payload{
		Kind:     event.Transition,
		EntityID: event.EntityID,
		Title:    summary.Title,
		Excerpt:  summary.Excerpt,
	}

	var deliveries []Delivery
	for userID := range users {
		subscriptions, err := m.store.LoadPushSubscriptionsOf(ctx, userID)
		if err != nil {
			// One subscriber's storage failure must not sink the others.
			m.logger.Error("push subscription lookup failed",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		for _, sub := range subscriptions {
			deliveries = append(deliveries, Delivery{UserID: userID, Subscription: sub, Payload: payload})
		}
	}

	m.logger.Info("notification matched",
		zap.String("token", event.FireToken()),
		zap.Int("users", len(users)),
		zap.Int("deliveries", len(deliveries)))
	return deliveries, nil
}
