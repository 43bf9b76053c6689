package actionqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedReplayer replays from a per-action script and records call
// order.
type scriptedReplayer struct {
	mu      sync.Mutex
	results map[string]error
	calls   []string
}

func newScriptedReplayer() *scriptedReplayer {
	return &scriptedReplayer{results: map[string]error{}}
}

func (r *scriptedReplayer) Do(ctx context.Context, action QueuedAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, action.ID)
	return r.results[action.ID]
}

func (r *scriptedReplayer) callOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// blockingReplayer parks the first call until released.
type blockingReplayer struct {
	started  chan struct{}
	release  chan struct{}
	onceOnly sync.Once
}

func newBlockingReplayer() *blockingReplayer {
	return &blockingReplayer{started: make(chan struct{}), release: make(chan struct{})}
}

func (r *blockingReplayer) Do(ctx context.Context, action QueuedAction) error {
	r.onceOnly.Do(func() { close(r.started) })
	<-r.release
	return nil
}

func seedQueue(repo QueueRepository, key QueueKey, ids ...string) {
	items := make([]QueuedAction, 0, len(ids))
	for _, id := range ids {
		items = append(items, sampleAction(id))
	}
	repo.Save(key, items)
}

func TestFlushQueueDrainsOnSuccess(t *testing.T) {
	repo := NewMemoryRepository()
	seedQueue(repo, QueueGuestMessages, "a", "b", "c")
	replayer := newScriptedReplayer()
	p := NewProcessor(ProcessorOptions{Repository: repo, Replayer: replayer})

	result, err := p.FlushQueue(context.Background(), QueueGuestMessages)
	if err != nil {
		t.Fatalf("FlushQueue: %v", err)
	}
	if result.Replayed != 3 || result.Remaining != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(repo.Load(QueueGuestMessages)) != 0 {
		t.Fatal("queue should be empty after successful flush")
	}

	// A second flush of the drained queue replays nothing.
	result, err = p.FlushQueue(context.Background(), QueueGuestMessages)
	if err != nil {
		t.Fatalf("second FlushQueue: %v", err)
	}
	if result.Replayed != 0 || len(replayer.callOrder()) != 3 {
		t.Fatalf("drained queue replayed again: %+v calls=%v", result, replayer.callOrder())
	}
}

func TestFlushQueuePreservesInsertionOrder(t *testing.T) {
	repo := NewMemoryRepository()
	seedQueue(repo, QueuePOSOrders, "first", "second", "third")
	replayer := newScriptedReplayer()
	p := NewProcessor(ProcessorOptions{Repository: repo, Replayer: replayer})

	if _, err := p.FlushQueue(context.Background(), QueuePOSOrders); err != nil {
		t.Fatalf("FlushQueue: %v", err)
	}
	order := replayer.callOrder()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("replay order wrong: %v", order)
	}
}

func TestFlushQueueReschedulesFailures(t *testing.T) {
	repo := NewMemoryRepository()
	seedQueue(repo, QueueGuestMessages, "fails", "succeeds")
	replayer := newScriptedReplayer()
	replayer.results["fails"] = &ReplayError{Status: 500, Message: "boom"}

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	p := NewProcessor(ProcessorOptions{
		Repository: repo,
		Replayer:   replayer,
		Now:        func() time.Time { return now },
	})

	result, err := p.FlushQueue(context.Background(), QueueGuestMessages)
	if err != nil {
		t.Fatalf("FlushQueue: %v", err)
	}
	if result.Replayed != 1 || result.Failed != 1 || result.Remaining != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	items := repo.Load(QueueGuestMessages)
	if len(items) != 1 || items[0].ID != "fails" {
		t.Fatalf("expected failing item retained: %+v", items)
	}
	got := items[0]
	if got.Attempts != 1 || got.LastError == "" {
		t.Fatalf("attempt accounting wrong: %+v", got)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.After(now) {
		t.Fatalf("expected future nextAttemptAt, got %v", got.NextAttemptAt)
	}
}

func TestFlushQueueSkipsNotYetDueItems(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)
	deferred := sampleAction("deferred")
	deferred.Attempts = 2
	deferred.NextAttemptAt = &later
	repo.Save(QueueGuestMessages, []QueuedAction{deferred})

	replayer := newScriptedReplayer()
	clock := now
	p := NewProcessor(ProcessorOptions{
		Repository: repo,
		Replayer:   replayer,
		Now:        func() time.Time { return clock },
	})

	result, err := p.FlushQueue(context.Background(), QueueGuestMessages)
	if err != nil {
		t.Fatalf("FlushQueue: %v", err)
	}
	if result.Deferred != 1 || len(replayer.callOrder()) != 0 {
		t.Fatalf("not-yet-due item was replayed: %+v calls=%v", result, replayer.callOrder())
	}

	// Once the clock passes nextAttemptAt the item replays.
	clock = later.Add(time.Second)
	result, err = p.FlushQueue(context.Background(), QueueGuestMessages)
	if err != nil {
		t.Fatalf("second FlushQueue: %v", err)
	}
	if result.Replayed != 1 || len(repo.Load(QueueGuestMessages)) != 0 {
		t.Fatalf("due item not replayed: %+v", result)
	}
}

func TestFlushQueueConflictParksItem(t *testing.T) {
	repo := NewMemoryRepository()
	seedQueue(repo, QueuePortalOrders, "conflicted")
	replayer := newScriptedReplayer()
	replayer.results["conflicted"] = &ConflictError{Status: 409, Message: "revision mismatch"}
	p := NewProcessor(ProcessorOptions{Repository: repo, Replayer: replayer})

	result, err := p.FlushQueue(context.Background(), QueuePortalOrders)
	if err != nil {
		t.Fatalf("FlushQueue: %v", err)
	}
	if result.Conflicts != 1 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	items := repo.Load(QueuePortalOrders)
	if len(items) != 1 || !items[0].Conflict {
		t.Fatalf("expected conflicted item retained: %+v", items)
	}
	if items[0].NextAttemptAt != nil {
		t.Fatal("conflicted item must not be rescheduled")
	}

	// Automatic passes never touch a parked conflict.
	if _, err := p.FlushQueue(context.Background(), QueuePortalOrders); err != nil {
		t.Fatalf("second FlushQueue: %v", err)
	}
	if calls := replayer.callOrder(); len(calls) != 1 {
		t.Fatalf("conflicted item replayed again: %v", calls)
	}
}

func TestFlushQueueInFlightGuard(t *testing.T) {
	repo := NewMemoryRepository()
	seedQueue(repo, QueueGuestMessages, "slow")
	replayer := newBlockingReplayer()
	p := NewProcessor(ProcessorOptions{Repository: repo, Replayer: replayer})

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.FlushQueue(context.Background(), QueueGuestMessages)
	}()
	<-replayer.started

	if _, err := p.FlushQueue(context.Background(), QueueGuestMessages); !errors.Is(err, ErrFlushInFlight) {
		t.Fatalf("expected ErrFlushInFlight, got %v", err)
	}

	close(replayer.release)
	<-done

	// The guard releases once the pass finishes.
	if _, err := p.FlushQueue(context.Background(), QueueGuestMessages); err != nil {
		t.Fatalf("post-flush FlushQueue: %v", err)
	}
}

func TestFlushQueueContextCancelRetainsRemainder(t *testing.T) {
	repo := NewMemoryRepository()
	seedQueue(repo, QueueGuestMessages, "a", "b", "c")
	replayer := newScriptedReplayer()
	ctx, cancel := context.WithCancel(context.Background())
	p := NewProcessor(ProcessorOptions{Repository: repo, Replayer: replayer})

	// Cancel after the first replay.
	replayer.results["a"] = nil
	cancelled := &cancelAfterFirst{inner: replayer, cancel: cancel}
	p = NewProcessor(ProcessorOptions{Repository: repo, Replayer: cancelled})

	_, err := p.FlushQueue(ctx, QueueGuestMessages)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	items := repo.Load(QueueGuestMessages)
	if len(items) != 2 || items[0].ID != "b" || items[1].ID != "c" {
		t.Fatalf("remaining items not retained verbatim: %+v", items)
	}
}

type cancelAfterFirst struct {
	inner  ReplayClient
	cancel context.CancelFunc
	called bool
}

func (r *cancelAfterFirst) Do(ctx context.Context, action QueuedAction) error {
	err := r.inner.Do(ctx, action)
	if !r.called {
		r.called = true
		r.cancel()
	}
	return err
}

func TestFlushQueueEmitsOneTelemetryEventPerPass(t *testing.T) {
	repo := NewMemoryRepository()
	seedQueue(repo, QueueGuestMessages, "a")
	telemetry := NewTelemetryLog(10)
	p := NewProcessor(ProcessorOptions{Repository: repo, Replayer: newScriptedReplayer(), Telemetry: telemetry})

	if _, err := p.FlushQueue(context.Background(), QueueGuestMessages); err != nil {
		t.Fatalf("FlushQueue: %v", err)
	}
	events := telemetry.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 telemetry event, got %d", len(events))
	}
	if events[0].Type != TelemetrySync || events[0].Status != TelemetrySuccess {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	// A pass with failures records an error event.
	seedQueue(repo, QueueGuestMessages, "bad")
	failing := newScriptedReplayer()
	failing.results["bad"] = &ReplayError{Status: 500}
	p = NewProcessor(ProcessorOptions{Repository: repo, Replayer: failing, Telemetry: telemetry})
	if _, err := p.FlushQueue(context.Background(), QueueGuestMessages); err != nil {
		t.Fatalf("failing FlushQueue: %v", err)
	}
	events = telemetry.Events()
	if len(events) != 2 || events[1].Status != TelemetryError {
		t.Fatalf("expected error event, got %+v", events)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := NewProcessor(ProcessorOptions{
		Repository:  NewMemoryRepository(),
		Replayer:    newScriptedReplayer(),
		BaseBackoff: time.Second,
		MaxBackoff:  8 * time.Second,
	})
	within := func(got, want time.Duration) bool {
		lo := time.Duration(float64(want) * 0.75)
		hi := time.Duration(float64(want) * 1.25)
		return got >= lo && got <= hi
	}
	if d := p.backoff(1); !within(d, time.Second) {
		t.Fatalf("attempt 1 backoff %v", d)
	}
	if d := p.backoff(3); !within(d, 4*time.Second) {
		t.Fatalf("attempt 3 backoff %v", d)
	}
	// Past the cap the delay stops growing.
	if d := p.backoff(10); !within(d, 8*time.Second) {
		t.Fatalf("attempt 10 backoff %v", d)
	}
}

func TestFlushAllSkipsBusyQueues(t *testing.T) {
	repo := NewMemoryRepository()
	seedQueue(repo, QueueGuestMessages, "slow")
	seedQueue(repo, QueuePOSOrders, "fast")
	blocking := newBlockingReplayer()
	p := NewProcessor(ProcessorOptions{Repository: repo, Replayer: blocking})

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.FlushQueue(context.Background(), QueueGuestMessages)
	}()
	<-blocking.started

	// FlushAll must skip the busy queue but still visit the other one.
	// The other queue's replay also blocks on the fake, so release first.
	close(blocking.release)
	results := p.FlushAll(context.Background(), []QueueKey{QueueGuestMessages, QueuePOSOrders})
	<-done

	for _, result := range results {
		if result.Key == QueuePOSOrders && result.Replayed != 1 {
			t.Fatalf("pos-orders not flushed: %+v", result)
		}
	}
}
