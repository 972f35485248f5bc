// Package push delivers encrypted Web Push messages to third-party push
// services with bounded concurrency, retry, and stale-subscription eviction.
package push

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscription is one registered push endpoint of a user, carrying the Web
// Push client keys used to encrypt messages for it.
type Subscription struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Endpoint string
	P256dh   string
	Auth     string
}

// Result classifies one delivery attempt.
type Result int

const (
	// Delivered means the push service accepted the message.
	Delivered Result = iota
	// TransientFailure means the attempt failed but the subscription may
	// still be valid (rate limiting, 5xx, network error).
	TransientFailure
	// PermanentFailure means the endpoint is gone and the subscription must
	// be evicted.
	PermanentFailure
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient-failure"
	case PermanentFailure:
		return "permanent-failure"
	default:
		return "unknown"
	}
}

// Store is the storage surface the dispatcher writes subscription-validity
// state through. DeletePushSubscription must tolerate a missing row.
type Store interface {
	DeletePushSubscription(ctx context.Context, id uuid.UUID) error
}

var errMissingStore = errors.New("push: store is required")

const (
	defaultWorkers        = 16
	defaultMaxAttempts    = 5
	defaultQueueSize      = 256
	defaultInitialBackoff = 2 * time.Second
	defaultTTLSeconds     = 300
)

// Config carries dispatcher dependencies and tuning.
type Config struct {
	Store           Store
	Logger          *zap.Logger
	HTTPClient      *http.Client
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact address push services may use to reach the
	// sender, per the VAPID contract.
	Subscriber     string
	Workers        int
	MaxAttempts    int
	QueueSize      int
	InitialBackoff time.Duration
}

type subQueue struct {
	sub    Subscription
	bodies [][]byte
	active bool
}

// Dispatcher runs deliveries on a bounded worker pool with FIFO admission.
// At most one attempt per subscription is in flight at a time.
type Dispatcher struct {
	store           Store
	logger          *zap.Logger
	httpClient      *http.Client
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
	workers         int
	maxAttempts     int
	initialBackoff  time.Duration

	mu        sync.Mutex
	queues    map[uuid.UUID]*subQueue
	cancelled map[uuid.UUID]struct{}

	tasks chan uuid.UUID
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}
	return &Dispatcher{
		store:           cfg.Store,
		logger:          logger,
		httpClient:      cfg.HTTPClient,
		vapidPublicKey:  cfg.VAPIDPublicKey,
		vapidPrivateKey: cfg.VAPIDPrivateKey,
		subscriber:      cfg.Subscriber,
		workers:         workers,
		maxAttempts:     maxAttempts,
		initialBackoff:  initialBackoff,
		queues:          make(map[uuid.UUID]*subQueue),
		cancelled:       make(map[uuid.UUID]struct{}),
		tasks:           make(chan uuid.UUID, queueSize),
		done:            make(chan struct{}),
	}, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled; Wait
// joins them.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		close(d.done)
	}()
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case subID := <-d.tasks:
					d.drain(ctx, subID)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch queues one delivery for the subscription. Deliveries for distinct
// subscriptions run concurrently; deliveries for the same subscription are
// serialized in submission order.
func (d *Dispatcher) Dispatch(sub Subscription, body []byte) {
	d.mu.Lock()
	if _, gone := d.cancelled[sub.ID]; gone {
		d.mu.Unlock()
		return
	}
	queue := d.queues[sub.ID]
	if queue == nil {
		queue = &subQueue{sub: sub}
		d.queues[sub.ID] = queue
	}
	queue.bodies = append(queue.bodies, body)
	if queue.active {
		d.mu.Unlock()
		return
	}
	queue.active = true
	d.mu.Unlock()

	select {
	case d.tasks <- sub.ID:
	case <-d.done:
	}
}

// Cancel abandons queued and in-flight retries for a subscription, used when
// the user unsubscribes mid-delivery.
func (d *Dispatcher) Cancel(subID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled[subID] = struct{}{}
	delete(d.queues, subID)
}

// drain serializes delivery of everything queued for one subscription.
func (d *Dispatcher) drain(ctx context.Context, subID uuid.UUID) {
	for {
		d.mu.Lock()
		queue := d.queues[subID]
		if queue == nil || len(queue.bodies) == 0 {
			if queue != nil {
				queue.active = false
				delete(d.queues, subID)
			}
			d.mu.Unlock()
			return
		}
		body := queue.bodies[0]
		queue.bodies = queue.bodies[1:]
		sub := queue.sub
		d.mu.Unlock()

		d.deliverWithRetry(ctx, sub, body)
	}
}

// deliverWithRetry attempts one delivery with exponential backoff on
// transient failures. After the attempt budget is spent the message is
// dropped and reported; the subscription stays valid.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, sub Subscription, body []byte) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.initialBackoff

	for attempt := 1; ; attempt++ {
		if d.isCancelled(sub.ID) {
			d.logger.Info("delivery abandoned, subscription removed",
				zap.String("subscription_id", sub.ID.String()))
			return
		}

		switch d.Deliver(ctx, sub, body) {
		case Delivered:
			d.logger.Debug("push delivered",
				zap.String("subscription_id", sub.ID.String()),
				zap.Int("attempt", attempt))
			return
		case PermanentFailure:
			d.evict(ctx, sub)
			return
		case TransientFailure:
			if attempt >= d.maxAttempts {
				d.logger.Warn("push dropped after attempt budget",
					zap.String("subscription_id", sub.ID.String()),
					zap.Int("attempts", attempt))
				return
			}
			select {
			case <-time.After(policy.NextBackOff()):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Deliver performs a single encrypted, VAPID-signed delivery attempt.
func (d *Dispatcher) Deliver(ctx context.Context, sub Subscription, body []byte) Result {
	options := &webpush.Options{
		TTL:             defaultTTLSeconds,
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.vapidPublicKey,
		VAPIDPrivateKey: d.vapidPrivateKey,
	}
	// A nil *http.Client stored in the interface field would defeat the
	// library's nil check and panic; leave it unset so the default applies.
	if d.httpClient != nil {
		options.HTTPClient = d.httpClient
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, options)
	if err != nil {
		d.logger.Warn("push request failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err))
		return TransientFailure
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return Delivered
	case http.StatusNotFound, http.StatusGone:
		return PermanentFailure
	default:
		return TransientFailure
	}
}

// evict deletes a permanently failed subscription. Safe to hit twice for the
// same subscription.
func (d *Dispatcher) evict(ctx context.Context, sub Subscription) {
	d.Cancel(sub.ID)
	if err := d.store.DeletePushSubscription(ctx, sub.ID); err != nil {
		d.logger.Error("stale subscription eviction failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err))
		return
	}
	d.logger.Info("stale subscription evicted",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("endpoint", sub.Endpoint))
}

func (d *Dispatcher) isCancelled(subID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, gone := d.cancelled[subID]
	return gone
}
