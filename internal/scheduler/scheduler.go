// Package scheduler owns every window-edge due-time decision. A single loop
// goroutine holds the edge queue; content-update paths talk to it through a
// command channel, never by touching the queue directly.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/heraldlab/herald/internal/content"
)

// EdgeKind names one side of an ordering window.
type EdgeKind string

const (
	EdgeOpen  EdgeKind = "open"
	EdgeClose EdgeKind = "close"
)

// OpenWindow is one opening's window row as loaded from storage, including
// the durable fired markers for both edges.
type OpenWindow struct {
	EventID          int64
	OrderingStartUtc *time.Time
	OrderingEndUtc   *time.Time
	FiredOpen        bool
	FiredClose       bool
}

// Fired describes one edge transition that won its durable marker.
type Fired struct {
	EventID int64
	Edge    EdgeKind
	Due     time.Time
}

// Store is the storage surface the scheduler consumes. MarkEdgeFired is an
// idempotent insert reporting whether this call won the marker.
type Store interface {
	LoadOpenWindows(ctx context.Context) ([]OpenWindow, error)
	MarkEdgeFired(ctx context.Context, eventID int64, edge EdgeKind) (bool, error)
}

var (
	errMissingStore  = errors.New("scheduler: store is required")
	errMissingNotify = errors.New("scheduler: notify sink is required")
)

// markRetryInterval spaces out re-attempts after a failed marker write.
const markRetryInterval = 30 * time.Second

const commandBuffer = 64

// Config carries scheduler dependencies.
type Config struct {
	Store  Store
	Clock  func() time.Time
	Logger *zap.Logger
	// Notify receives fired edges from the loop goroutine, in increasing
	// due-instant order. It must not block for long.
	Notify func(Fired)
}

type commandKind int

const (
	commandSchedule commandKind = iota
	commandCancel
	commandWake
)

type command struct {
	kind    commandKind
	eventID int64
	window  content.OrderingWindow
}

// Scheduler fires ordering-window transitions at their wall-clock instants,
// exactly once per edge across restarts.
type Scheduler struct {
	store    Store
	clock    func() time.Time
	logger   *zap.Logger
	notify   func(Fired)
	commands chan command
	queue    *edgeQueue
	done     chan struct{}
}

// New constructs a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Notify == nil {
		return nil, errMissingNotify
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    cfg.Store,
		clock:    clock,
		logger:   logger,
		notify:   cfg.Notify,
		commands: make(chan command, commandBuffer),
		queue:    newEdgeQueue(),
		done:     make(chan struct{}),
	}, nil
}

// Start reconciles against storage and launches the timing loop. A failed
// reconciliation scan is fatal: the scheduler must not run on an edge set it
// could not verify, so the caller retries initialization.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.reconcile(ctx); err != nil {
		return err
	}
	go s.loop(ctx)
	return nil
}

// Done is closed when the timing loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// ScheduleWindow registers or updates the ordering window of an opening.
// Edges that already fired are deduplicated by the durable marker, so
// re-scheduling a window is always safe.
func (s *Scheduler) ScheduleWindow(eventID int64, window content.OrderingWindow) {
	s.send(command{kind: commandSchedule, eventID: eventID, window: window})
}

// CancelWindow removes both edges of an opening before they fire, used when
// the opening is deleted or its window cleared.
func (s *Scheduler) CancelWindow(eventID int64) {
	s.send(command{kind: commandCancel, eventID: eventID})
}

// Wake forces the loop to re-derive the current instant and fire everything
// past due. Useful after a system suspend/resume.
func (s *Scheduler) Wake() {
	s.send(command{kind: commandWake})
}

func (s *Scheduler) send(cmd command) {
	select {
	case s.commands <- cmd:
	case <-s.done:
	}
}

// reconcile loads every window with an unfired edge, fires past-due edges
// immediately in timestamp order, and queues the rest.
func (s *Scheduler) reconcile(ctx context.Context) error {
	windows, err := s.store.LoadOpenWindows(ctx)
	if err != nil {
		return err
	}

	now := s.clock()
	var pastDue []edgeItem
	for _, window := range windows {
		for _, edge := range pendingEdges(window) {
			if edge.due.After(now) {
				s.queue.upsert(edge.key, edge.due)
				continue
			}
			pastDue = append(pastDue, edge)
		}
	}

	sort.SliceStable(pastDue, func(a, b int) bool {
		if !pastDue[a].due.Equal(pastDue[b].due) {
			return pastDue[a].due.Before(pastDue[b].due)
		}
		return pastDue[a].key.edge == EdgeOpen && pastDue[b].key.edge == EdgeClose
	})

	for _, edge := range pastDue {
		if err := s.fire(ctx, edge); err != nil {
			return err
		}
	}

	s.logger.Info("scheduler reconciled",
		zap.Int("windows", len(windows)),
		zap.Int("fired_past_due", len(pastDue)),
		zap.Int("queued", s.queue.len()))
	return nil
}

func pendingEdges(window OpenWindow) []edgeItem {
	var edges []edgeItem
	if window.OrderingStartUtc != nil && !window.FiredOpen {
		edges = append(edges, edgeItem{key: edgeKey{eventID: window.EventID, edge: EdgeOpen}, due: *window.OrderingStartUtc})
	}
	if window.OrderingEndUtc != nil && !window.FiredClose {
		edges = append(edges, edgeItem{key: edgeKey{eventID: window.EventID, edge: EdgeClose}, due: *window.OrderingEndUtc})
	}
	return edges
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if next, ok := s.queue.peek(); ok {
			delay := next.due.Sub(s.clock())
			if delay <= 0 {
				s.fireDue(ctx)
				continue
			}
			timer = time.NewTimer(delay)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case cmd := <-s.commands:
			s.apply(cmd)
		case <-timerC:
			// Top of the loop re-derives now and fires everything past due,
			// so an inexact sleep (clock skew, system suspend) never skips
			// an edge.
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) apply(cmd command) {
	switch cmd.kind {
	case commandSchedule:
		openKey := edgeKey{eventID: cmd.eventID, edge: EdgeOpen}
		if cmd.window.StartUtc != nil {
			s.queue.upsert(openKey, *cmd.window.StartUtc)
		} else {
			s.queue.remove(openKey)
		}
		closeKey := edgeKey{eventID: cmd.eventID, edge: EdgeClose}
		if cmd.window.EndUtc != nil {
			s.queue.upsert(closeKey, *cmd.window.EndUtc)
		} else {
			s.queue.remove(closeKey)
		}
	case commandCancel:
		s.queue.remove(edgeKey{eventID: cmd.eventID, edge: EdgeOpen})
		s.queue.remove(edgeKey{eventID: cmd.eventID, edge: EdgeClose})
	case commandWake:
	}
}

// fireDue pops and fires every edge due at or before now.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock()
	for {
		next, ok := s.queue.peek()
		if !ok || next.due.After(now) {
			return
		}
		s.queue.pop()
		if err := s.fire(ctx, next); err != nil {
			// Storage refused the marker; keep the edge and try again later
			// rather than risk a missed notification.
			s.logger.Error("edge marker write failed",
				zap.Int64("event_id", next.key.eventID),
				zap.String("edge", string(next.key.edge)),
				zap.Error(err))
			s.queue.upsert(next.key, now.Add(markRetryInterval))
			return
		}
	}
}

// fire persists the durable marker and emits the transition if this call won
// it. A lost marker means another firing (live or reconciliation) already
// notified for this edge.
func (s *Scheduler) fire(ctx context.Context, edge edgeItem) error {
	won, err := s.store.MarkEdgeFired(ctx, edge.key.eventID, edge.key.edge)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	s.logger.Info("window edge fired",
		zap.Int64("event_id", edge.key.eventID),
		zap.String("edge", string(edge.key.edge)),
		zap.Time("due", edge.due))
	s.notify(Fired{EventID: edge.key.eventID, Edge: edge.key.edge, Due: edge.due})
	return nil
}
