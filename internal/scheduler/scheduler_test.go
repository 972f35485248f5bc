package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/heraldlab/herald/internal/content"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeStore struct {
	mu       sync.Mutex
	windows  []OpenWindow
	markers  map[edgeKey]bool
	loadErr  error
	markErrs int
}

func newFakeStore(windows ...OpenWindow) *fakeStore {
	return &fakeStore{windows: windows, markers: make(map[edgeKey]bool)}
}

func (f *fakeStore) LoadOpenWindows(context.Context) ([]OpenWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.windows, nil
}

func (f *fakeStore) MarkEdgeFired(_ context.Context, eventID int64, edge EdgeKind) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErrs > 0 {
		f.markErrs--
		return false, errors.New("storage unavailable")
	}
	key := edgeKey{eventID: eventID, edge: edge}
	if f.markers[key] {
		return false, nil
	}
	f.markers[key] = true
	return true, nil
}

func startScheduler(t *testing.T, store Store, clock *fakeClock) (*Scheduler, <-chan Fired, context.CancelFunc) {
	t.Helper()
	fired := make(chan Fired, 16)
	sched, err := New(Config{
		Store:  store,
		Clock:  clock.Now,
		Notify: func(f Fired) { fired <- f },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := sched.Start(ctx); err != nil {
		cancel()
		t.Fatalf("unexpected start error: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		<-sched.Done()
	})
	return sched, fired, cancel
}

func waitFired(t *testing.T, fired <-chan Fired) Fired {
	t.Helper()
	select {
	case f := <-fired:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fired edge")
		return Fired{}
	}
}

func assertNoneFired(t *testing.T, fired <-chan Fired) {
	t.Helper()
	select {
	case f := <-fired:
		t.Fatalf("unexpected fired edge: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func utc(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad time literal %q: %v", value, err)
	}
	return parsed
}

func TestReconciliationFiresElapsedEdgeExactlyOnce(t *testing.T) {
	start := utc(t, "2026-03-01T10:00:00Z")
	clock := newFakeClock(start.Add(time.Hour))
	store := newFakeStore(OpenWindow{EventID: 1, OrderingStartUtc: &start})

	_, fired, _ := startScheduler(t, store, clock)

	f := waitFired(t, fired)
	if f.EventID != 1 || f.Edge != EdgeOpen {
		t.Fatalf("unexpected fired edge: %+v", f)
	}
	assertNoneFired(t, fired)
}

func TestRestartDoesNotRefireMarkedEdge(t *testing.T) {
	start := utc(t, "2026-03-01T10:00:00Z")
	clock := newFakeClock(start.Add(time.Hour))
	store := newFakeStore(OpenWindow{EventID: 1, OrderingStartUtc: &start})

	_, fired, cancel := startScheduler(t, store, clock)
	waitFired(t, fired)
	cancel()

	// Simulate a restart racing reconciliation: same store, fresh scheduler.
	_, refired, _ := startScheduler(t, store, clock)
	assertNoneFired(t, refired)
}

func TestReconciliationFiresPastDueEdgesInTimestampOrder(t *testing.T) {
	earlier := utc(t, "2026-03-01T09:00:00Z")
	later := utc(t, "2026-03-01T10:00:00Z")
	clock := newFakeClock(later.Add(time.Hour))
	store := newFakeStore(
		OpenWindow{EventID: 2, OrderingStartUtc: &later},
		OpenWindow{EventID: 1, OrderingStartUtc: &earlier},
	)

	_, fired, _ := startScheduler(t, store, clock)

	first := waitFired(t, fired)
	second := waitFired(t, fired)
	if first.EventID != 1 || second.EventID != 2 {
		t.Fatalf("expected timestamp order, got %+v then %+v", first, second)
	}
}

func TestOpenEdgeFiresBeforeCloseEdge(t *testing.T) {
	start := utc(t, "2026-03-01T10:00:00Z")
	end := utc(t, "2026-03-01T12:00:00Z")
	clock := newFakeClock(end.Add(time.Minute))
	store := newFakeStore(OpenWindow{EventID: 1, OrderingStartUtc: &start, OrderingEndUtc: &end})

	_, fired, _ := startScheduler(t, store, clock)

	first := waitFired(t, fired)
	second := waitFired(t, fired)
	if first.Edge != EdgeOpen || second.Edge != EdgeClose {
		t.Fatalf("expected open before close, got %+v then %+v", first, second)
	}
	assertNoneFired(t, fired)
}

func TestScheduledWindowFiresAfterClockAdvance(t *testing.T) {
	now := utc(t, "2026-03-01T10:00:00Z")
	clock := newFakeClock(now)
	store := newFakeStore()

	sched, fired, _ := startScheduler(t, store, clock)

	due := now.Add(10 * time.Minute)
	sched.ScheduleWindow(5, content.OrderingWindow{StartUtc: &due})
	assertNoneFired(t, fired)

	clock.Advance(11 * time.Minute)
	sched.Wake()

	f := waitFired(t, fired)
	if f.EventID != 5 || f.Edge != EdgeOpen {
		t.Fatalf("unexpected fired edge: %+v", f)
	}
}

func TestCancelWindowRemovesPendingEdges(t *testing.T) {
	now := utc(t, "2026-03-01T10:00:00Z")
	clock := newFakeClock(now)
	store := newFakeStore()

	sched, fired, _ := startScheduler(t, store, clock)

	due := now.Add(10 * time.Minute)
	sched.ScheduleWindow(5, content.OrderingWindow{StartUtc: &due, EndUtc: &due})
	sched.CancelWindow(5)

	clock.Advance(time.Hour)
	sched.Wake()
	assertNoneFired(t, fired)
}

func TestClearedWindowEdgeIsRemovedOnReschedule(t *testing.T) {
	now := utc(t, "2026-03-01T10:00:00Z")
	clock := newFakeClock(now)
	store := newFakeStore()

	sched, fired, _ := startScheduler(t, store, clock)

	open := now.Add(10 * time.Minute)
	end := now.Add(20 * time.Minute)
	sched.ScheduleWindow(5, content.OrderingWindow{StartUtc: &open, EndUtc: &end})
	// The window's open edge is cleared before it fires.
	sched.ScheduleWindow(5, content.OrderingWindow{EndUtc: &end})

	clock.Advance(time.Hour)
	sched.Wake()

	f := waitFired(t, fired)
	if f.Edge != EdgeClose {
		t.Fatalf("expected only the close edge, got %+v", f)
	}
	assertNoneFired(t, fired)
}

func TestStartFailsWhenReconciliationScanFails(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("storage unavailable")
	sched, err := New(Config{
		Store:  store,
		Clock:  newFakeClock(utc(t, "2026-03-01T10:00:00Z")).Now,
		Notify: func(Fired) {},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sched.Start(context.Background()); err == nil {
		t.Fatalf("expected reconciliation failure to be fatal to startup")
	}
}

func TestMarkerWriteFailureRetriesLater(t *testing.T) {
	now := utc(t, "2026-03-01T10:00:00Z")
	clock := newFakeClock(now)
	store := newFakeStore()
	store.markErrs = 1

	sched, fired, _ := startScheduler(t, store, clock)

	due := now.Add(time.Minute)
	sched.ScheduleWindow(9, content.OrderingWindow{EndUtc: &due})

	clock.Advance(2 * time.Minute)
	sched.Wake()
	// First attempt hits the injected storage error and re-queues the edge.
	assertNoneFired(t, fired)

	clock.Advance(markRetryInterval + time.Second)
	sched.Wake()
	f := waitFired(t, fired)
	if f.EventID != 9 || f.Edge != EdgeClose {
		t.Fatalf("unexpected fired edge: %+v", f)
	}
}
