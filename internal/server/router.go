package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldlab/herald/internal/content"
	"github.com/heraldlab/herald/internal/notify"
	"github.com/heraldlab/herald/internal/push"
	"github.com/heraldlab/herald/internal/tags"
)

var (
	errMissingStore      = errors.New("store dependency required")
	errMissingEngine     = errors.New("engine dependency required")
	errMissingScheduler  = errors.New("scheduler dependency required")
	errMissingDispatcher = errors.New("dispatcher dependency required")
	errMissingIndexes    = errors.New("tag and subscription indexes required")
)

// Store is the storage surface the ingress writes through.
type Store interface {
	CreatePushSubscription(ctx context.Context, sub push.Subscription) error
	DeletePushSubscriptionByEndpoint(ctx context.Context, endpoint string) (uuid.UUID, bool, error)
	SubscribeTag(ctx context.Context, userID uuid.UUID, path string) error
	UnsubscribeTag(ctx context.Context, userID uuid.UUID, path string) error
	LoadOpenWindow(ctx context.Context, eventID int64) (content.OrderingWindow, bool, error)
}

// Engine accepts notification events from the content-changed hook.
type Engine interface {
	Enqueue(event notify.Event)
}

// WindowScheduler accepts ordering-window updates from the hook.
type WindowScheduler interface {
	ScheduleWindow(eventID int64, window content.OrderingWindow)
	CancelWindow(eventID int64)
}

// Dispatcher abandons in-flight deliveries for removed subscriptions.
type Dispatcher interface {
	Cancel(subID uuid.UUID)
}

// SubscriberIndex keeps the in-memory subscription view current.
type SubscriberIndex interface {
	Subscribe(userID uuid.UUID, path string)
	Unsubscribe(userID uuid.UUID, path string)
}

// Dependencies wires the ingress handlers.
type Dependencies struct {
	Store          Store
	Engine         Engine
	Scheduler      WindowScheduler
	Dispatcher     Dispatcher
	Subscribers    SubscriberIndex
	PathIndex      *tags.PathIndex
	VAPIDPublicKey string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the subscription-lifecycle and hook surface. The full
// content API lives outside this engine; this handler only covers what the
// push pipeline itself needs.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Scheduler == nil {
		return nil, errMissingScheduler
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Subscribers == nil || deps.PathIndex == nil {
		return nil, errMissingIndexes
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:          deps.Store,
		engine:         deps.Engine,
		scheduler:      deps.Scheduler,
		dispatcher:     deps.Dispatcher,
		subscribers:    deps.Subscribers,
		pathIndex:      deps.PathIndex,
		vapidPublicKey: deps.VAPIDPublicKey,
		logger:         logger,
	}

	router.GET("/push/vapid-public-key", handler.handleVAPIDPublicKey)
	router.POST("/push/subscriptions", handler.handleRegisterPush)
	router.DELETE("/push/subscriptions", handler.handleUnregisterPush)
	router.POST("/tags/subscriptions", handler.handleSubscribeTag)
	router.DELETE("/tags/subscriptions", handler.handleUnsubscribeTag)
	router.POST("/hooks/content-changed", handler.handleContentChanged)

	return router, nil
}

type httpHandler struct {
	store          Store
	engine         Engine
	scheduler      WindowScheduler
	dispatcher     Dispatcher
	subscribers    SubscriberIndex
	pathIndex      *tags.PathIndex
	vapidPublicKey string
	logger         *zap.Logger
}

func (h *httpHandler) handleVAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"public_key": h.vapidPublicKey})
}

type pushKeysPayload struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type registerPushPayload struct {
	UserID   string          `json:"user_id"`
	Endpoint string          `json:"endpoint"`
	Keys     pushKeysPayload `json:"keys"`
}

func (h *httpHandler) handleRegisterPush(c *gin.Context) {
	var request registerPushPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := uuid.Parse(request.UserID)
	if err != nil || request.Endpoint == "" || request.Keys.P256dh == "" || request.Keys.Auth == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	sub := push.Subscription{
		ID:       uuid.New(),
		UserID:   userID,
		Endpoint: request.Endpoint,
		P256dh:   request.Keys.P256dh,
		Auth:     request.Keys.Auth,
	}
	if err := h.store.CreatePushSubscription(c.Request.Context(), sub); err != nil {
		h.logger.Error("push subscription registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": sub.ID.String()})
}

type unregisterPushPayload struct {
	Endpoint string `json:"endpoint"`
}

func (h *httpHandler) handleUnregisterPush(c *gin.Context) {
	var request unregisterPushPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	id, found, err := h.store.DeletePushSubscriptionByEndpoint(c.Request.Context(), request.Endpoint)
	if err != nil {
		h.logger.Error("push subscription removal failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "removal_failed"})
		return
	}
	if found {
		// Abandon any retry sequence still in flight for this endpoint.
		h.dispatcher.Cancel(id)
	}
	c.Status(http.StatusNoContent)
}

type tagSubscriptionPayload struct {
	UserID string `json:"user_id"`
	Path   string `json:"path"`
}

func (h *httpHandler) handleSubscribeTag(c *gin.Context) {
	var request tagSubscriptionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := uuid.Parse(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	path, err := tags.NormalizePath(request.Path)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tag_path"})
		return
	}

	if err := h.store.SubscribeTag(c.Request.Context(), userID, path); err != nil {
		h.logger.Error("tag subscription failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscription_failed"})
		return
	}
	if err := h.pathIndex.Insert(path); err != nil {
		h.logger.Error("tag path index refresh failed", zap.Error(err))
	}
	h.subscribers.Subscribe(userID, path)
	c.Status(http.StatusCreated)
}

func (h *httpHandler) handleUnsubscribeTag(c *gin.Context) {
	var request tagSubscriptionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := uuid.Parse(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	path, err := tags.NormalizePath(request.Path)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tag_path"})
		return
	}

	if err := h.store.UnsubscribeTag(c.Request.Context(), userID, path); err != nil {
		h.logger.Error("tag unsubscription failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unsubscription_failed"})
		return
	}
	h.subscribers.Unsubscribe(userID, path)
	c.Status(http.StatusNoContent)
}

type contentChangedPayload struct {
	EntityID   int64  `json:"entity_id"`
	Kind       string `json:"kind"`
	Transition string `json:"transition"`
}

// hookTransitions are the transitions the storage/API layer may report.
// Ordering transitions are produced by the scheduler, never by the hook;
// "deleted" only retracts scheduled window edges.
var hookTransitions = map[string]notify.Transition{
	"created":   notify.TransitionCreated,
	"updated":   notify.TransitionUpdated,
	"published": notify.TransitionPublished,
}

func (h *httpHandler) handleContentChanged(c *gin.Context) {
	var request contentChangedPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.EntityID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind := content.Kind(request.Kind)
	if kind != content.KindEvent && kind != content.KindPost {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}

	if request.Transition == "deleted" {
		if kind == content.KindEvent {
			h.scheduler.CancelWindow(request.EntityID)
		}
		c.Status(http.StatusAccepted)
		return
	}

	transition, ok := hookTransitions[request.Transition]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_transition"})
		return
	}

	if kind == content.KindEvent {
		h.syncWindow(c.Request.Context(), request.EntityID)
	}
	h.engine.Enqueue(notify.Event{
		EntityID:   request.EntityID,
		EntityKind: kind,
		Transition: transition,
	})
	c.Status(http.StatusAccepted)
}

// syncWindow reflects an event mutation into the scheduler: a present window
// is (re)scheduled, a cleared or non-opening one retracted.
func (h *httpHandler) syncWindow(ctx context.Context, eventID int64) {
	window, isOpening, err := h.store.LoadOpenWindow(ctx, eventID)
	if err != nil {
		h.logger.Error("open window lookup failed",
			zap.Int64("event_id", eventID),
			zap.Error(err))
		return
	}
	if !isOpening || window.Empty() {
		h.scheduler.CancelWindow(eventID)
		return
	}
	h.scheduler.ScheduleWindow(eventID, window)
}
