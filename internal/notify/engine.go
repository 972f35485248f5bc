package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/heraldlab/herald/internal/push"
)

var (
	errMissingMatcher    = errors.New("notify: matcher is required")
	errMissingDispatcher = errors.New("notify: dispatcher is required")
)

const (
	defaultEngineWorkers = 4
	defaultEngineQueue   = 256
)

// EngineConfig carries engine dependencies and tuning.
type EngineConfig struct {
	Matcher    *Matcher
	Dispatcher *push.Dispatcher
	Logger     *zap.Logger
	Workers    int
	QueueSize  int
}

// Engine is the hand-off between the timing authority and the stateless
// matching and delivery logic: notification events from the scheduler and
// from content-mutation hooks flow through one queue into a consumer pool.
type Engine struct {
	matcher    *Matcher
	dispatcher *push.Dispatcher
	logger     *zap.Logger
	workers    int
	queue      chan Event
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Matcher == nil {
		return nil, errMissingMatcher
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultEngineWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultEngineQueue
	}
	return &Engine{
		matcher:    cfg.Matcher,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		workers:    workers,
		queue:      make(chan Event, queueSize),
		done:       make(chan struct{}),
	}, nil
}

// Start launches the consumer pool. Workers exit when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		close(e.done)
	}()
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event := <-e.queue:
					e.handle(ctx, event)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Enqueue submits a notification event for matching and delivery. It is the
// sink for both the scheduler and the content-changed hook.
func (e *Engine) Enqueue(event Event) {
	select {
	case e.queue <- event:
	case <-e.done:
	}
}

func (e *Engine) handle(ctx context.Context, event Event) {
	deliveries, err := e.matcher.Match(ctx, event)
	if err != nil {
		e.logger.Error("notification match failed",
			zap.String("token", event.FireToken()),
			zap.Error(err))
		return
	}
	if len(deliveries) == 0 {
		return
	}
	// The payload is recipient-independent; marshal it once.
	body, err := json.Marshal(deliveries[0].Payload)
	if err != nil {
		e.logger.Error("payload marshal failed",
			zap.String("token", event.FireToken()),
			zap.Error(err))
		return
	}
	for _, delivery := range deliveries {
		e.dispatcher.Dispatch(delivery.Subscription, body)
	}
}
