package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustQueue(testContext *testing.T, clock *manualClock) *Queue {
	testContext.Helper()
	queue, err := Open(Config{
		Path:   filepath.Join(testContext.TempDir(), "queue.db"),
		Clock:  clock.Now,
		Logger: zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to open queue: %v", err)
	}
	testContext.Cleanup(func() {
		_ = queue.Close()
	})
	return queue
}

func mustEnqueue(testContext *testing.T, queue *Queue, entityType string, payload any) int64 {
	testContext.Helper()
	id, err := queue.Enqueue(context.Background(), entityType, OperationCreate, payload)
	if err != nil {
		testContext.Fatalf("enqueue failed: %v", err)
	}
	return id
}

func entryIDs(entries []Entry) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	return ids
}

func TestEnqueueAssignsIncreasingIDsAndDequeuesFIFO(testContext *testing.T) {
	queue := mustQueue(testContext, newManualClock())

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, mustEnqueue(testContext, queue, "alert", map[string]any{"n": i}))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			testContext.Fatalf("expected strictly increasing ids, got %v", ids)
		}
	}

	entries, err := queue.Dequeue(context.Background(), 10)
	if err != nil {
		testContext.Fatalf("dequeue failed: %v", err)
	}
	got := entryIDs(entries)
	if len(got) != len(ids) {
		testContext.Fatalf("expected %d entries, got %d", len(ids), len(got))
	}
	for i := range ids {
		if got[i] != ids[i] {
			testContext.Fatalf("expected FIFO order %v, got %v", ids, got)
		}
	}
}

func TestDequeueRespectsBatchLimitAndEmptyQueue(testContext *testing.T) {
	queue := mustQueue(testContext, newManualClock())

	empty, err := queue.Dequeue(context.Background(), 10)
	if err != nil {
		testContext.Fatalf("dequeue on empty queue failed: %v", err)
	}
	if len(empty) != 0 {
		testContext.Fatalf("expected empty result, got %d", len(empty))
	}

	for i := 0; i < 4; i++ {
		mustEnqueue(testContext, queue, "visitor", map[string]any{"n": i})
	}
	entries, err := queue.Dequeue(context.Background(), 3)
	if err != nil {
		testContext.Fatalf("dequeue failed: %v", err)
	}
	if len(entries) != 3 {
		testContext.Fatalf("expected 3 entries, got %d", len(entries))
	}

	again, err := queue.Dequeue(context.Background(), 3)
	if err != nil {
		testContext.Fatalf("dequeue failed: %v", err)
	}
	if len(again) != 3 || again[0].ID != entries[0].ID {
		testContext.Fatalf("dequeue must not mutate status")
	}
}

func TestMarkCompleteExcludesEntries(testContext *testing.T) {
	queue := mustQueue(testContext, newManualClock())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustEnqueue(testContext, queue, "alert", map[string]any{"n": i})
	}
	batch, err := queue.Dequeue(ctx, 2)
	if err != nil {
		testContext.Fatalf("dequeue failed: %v", err)
	}
	if err := queue.MarkComplete(ctx, entryIDs(batch)); err != nil {
		testContext.Fatalf("mark complete failed: %v", err)
	}

	remaining, err := queue.Dequeue(ctx, 10)
	if err != nil {
		testContext.Fatalf("dequeue failed: %v", err)
	}
	if len(remaining) != 1 {
		testContext.Fatalf("expected exactly one remaining entry, got %d", len(remaining))
	}
	for _, completed := range batch {
		if remaining[0].ID == completed.ID {
			testContext.Fatalf("completed entry %d was dequeued again", completed.ID)
		}
	}

	stats, err := queue.Stats(ctx)
	if err != nil {
		testContext.Fatalf("stats failed: %v", err)
	}
	if stats.Complete != 2 || stats.Pending != 1 {
		testContext.Fatalf("unexpected stats %+v", stats)
	}

	if err := queue.MarkComplete(ctx, entryIDs(batch)); err != nil {
		testContext.Fatalf("repeated mark complete failed: %v", err)
	}
	stats, err = queue.Stats(ctx)
	if err != nil {
		testContext.Fatalf("stats failed: %v", err)
	}
	if stats.Complete != 2 {
		testContext.Fatalf("mark complete must be idempotent, got %+v", stats)
	}
}

func TestMarkFailedDefersEntryButKeepsItPending(testContext *testing.T) {
	clock := newManualClock()
	queue := mustQueue(testContext, clock)
	ctx := context.Background()

	id := mustEnqueue(testContext, queue, "door", `{"id":"door-1"}`)
	if err := queue.MarkFailed(ctx, []int64{id}, "cloud unreachable"); err != nil {
		testContext.Fatalf("mark failed failed: %v", err)
	}

	entries, err := queue.Dequeue(ctx, 10)
	if err != nil {
		testContext.Fatalf("dequeue failed: %v", err)
	}
	if len(entries) != 0 {
		testContext.Fatalf("expected entry to be deferred, got %d entries", len(entries))
	}

	stats, err := queue.Stats(ctx)
	if err != nil {
		testContext.Fatalf("stats failed: %v", err)
	}
	if stats.Pending != 1 || stats.Failed != 0 {
		testContext.Fatalf("expected entry to remain pending, got %+v", stats)
	}

	clock.Advance(defaultBaseBackoff)
	entries, err = queue.Dequeue(ctx, 10)
	if err != nil {
		testContext.Fatalf("dequeue failed: %v", err)
	}
	if len(entries) != 1 || entries[0].RetryCount != 1 || entries[0].LastError != "cloud unreachable" {
		testContext.Fatalf("expected entry to be eligible after backoff, got %+v", entries)
	}
}

func TestEntryBecomesFailedAfterExceedingMaxRetries(testContext *testing.T) {
	clock := newManualClock()
	queue := mustQueue(testContext, clock)
	ctx := context.Background()

	id := mustEnqueue(testContext, queue, "lockdown", map[string]any{"id": "l-1"})
	for attempt := 1; attempt <= MaxRetries+1; attempt++ {
		if err := queue.MarkFailed(ctx, []int64{id}, "push rejected"); err != nil {
			testContext.Fatalf("mark failed attempt %d failed: %v", attempt, err)
		}
		clock.Advance(defaultMaxBackoff)
	}

	stats, err := queue.Stats(ctx)
	if err != nil {
		testContext.Fatalf("stats failed: %v", err)
	}
	if stats.Failed != 1 || stats.Pending != 0 {
		testContext.Fatalf("expected entry to be permanently failed, got %+v", stats)
	}

	entries, err := queue.Dequeue(ctx, 10)
	if err != nil {
		testContext.Fatalf("dequeue failed: %v", err)
	}
	if len(entries) != 0 {
		testContext.Fatalf("failed entries must not be dequeued")
	}

	failed, err := queue.FailedEntries(ctx, 10)
	if err != nil {
		testContext.Fatalf("failed entries query failed: %v", err)
	}
	if len(failed) != 1 || failed[0].RetryCount != MaxRetries+1 {
		testContext.Fatalf("unexpected failed entries %+v", failed)
	}
}

func TestStatsReportsOldestPending(testContext *testing.T) {
	clock := newManualClock()
	queue := mustQueue(testContext, clock)
	ctx := context.Background()

	first := clock.Now()
	mustEnqueue(testContext, queue, "alert", map[string]any{"n": 1})
	clock.Advance(time.Minute)
	mustEnqueue(testContext, queue, "alert", map[string]any{"n": 2})

	stats, err := queue.Stats(ctx)
	if err != nil {
		testContext.Fatalf("stats failed: %v", err)
	}
	if stats.OldestPending == nil || !stats.OldestPending.Equal(first) {
		testContext.Fatalf("expected oldest pending %s, got %v", first, stats.OldestPending)
	}
}

func TestClearResetsCounters(testContext *testing.T) {
	clock := newManualClock()
	queue := mustQueue(testContext, clock)
	ctx := context.Background()

	completeID := mustEnqueue(testContext, queue, "alert", map[string]any{"n": 1})
	failedID := mustEnqueue(testContext, queue, "alert", map[string]any{"n": 2})
	mustEnqueue(testContext, queue, "alert", map[string]any{"n": 3})
	if err := queue.MarkComplete(ctx, []int64{completeID}); err != nil {
		testContext.Fatalf("mark complete failed: %v", err)
	}
	for i := 0; i <= MaxRetries; i++ {
		if err := queue.MarkFailed(ctx, []int64{failedID}, "boom"); err != nil {
			testContext.Fatalf("mark failed failed: %v", err)
		}
	}

	if err := queue.Clear(ctx); err != nil {
		testContext.Fatalf("clear failed: %v", err)
	}
	stats, err := queue.Stats(ctx)
	if err != nil {
		testContext.Fatalf("stats failed: %v", err)
	}
	if stats.Pending != 0 || stats.Failed != 0 || stats.Complete != 0 || stats.OldestPending != nil {
		testContext.Fatalf("expected empty stats, got %+v", stats)
	}

	nextID := mustEnqueue(testContext, queue, "alert", map[string]any{"n": 4})
	if nextID <= failedID {
		testContext.Fatalf("expected ids not to be reused after clear, got %d", nextID)
	}
}

func TestEnqueueEncodesPayloadVariants(testContext *testing.T) {
	queue := mustQueue(testContext, newManualClock())
	ctx := context.Background()

	mustEnqueue(testContext, queue, "alert", `{"id":"a-1"}`)
	mustEnqueue(testContext, queue, "alert", "not json")
	mustEnqueue(testContext, queue, "alert", json.RawMessage(`[1,2]`))
	mustEnqueue(testContext, queue, "alert", struct {
		ID string `json:"id"`
	}{ID: "a-2"})

	entries, err := queue.Dequeue(ctx, 10)
	if err != nil {
		testContext.Fatalf("dequeue failed: %v", err)
	}
	expected := []string{`{"id":"a-1"}`, `"not json"`, `[1,2]`, `{"id":"a-2"}`}
	for i, entry := range entries {
		if string(entry.Payload) != expected[i] {
			testContext.Fatalf("entry %d payload = %s, want %s", i, entry.Payload, expected[i])
		}
	}
}

func TestEnqueueValidatesInput(testContext *testing.T) {
	queue := mustQueue(testContext, newManualClock())
	if _, err := queue.Enqueue(context.Background(), "", OperationCreate, nil); !errors.Is(err, ErrMissingEntityType) {
		testContext.Fatalf("expected missing entity type error, got %v", err)
	}
	if _, err := queue.Enqueue(context.Background(), "alert", Operation("upsert"), nil); !errors.Is(err, ErrInvalidOperation) {
		testContext.Fatalf("expected invalid operation error, got %v", err)
	}
}

func TestOperationsFailAfterClose(testContext *testing.T) {
	queue := mustQueue(testContext, newManualClock())
	if err := queue.Close(); err != nil {
		testContext.Fatalf("close failed: %v", err)
	}
	if err := queue.Close(); err != nil {
		testContext.Fatalf("second close should be a no-op: %v", err)
	}

	ctx := context.Background()
	if _, err := queue.Enqueue(ctx, "alert", OperationCreate, nil); !errors.Is(err, ErrQueueClosed) {
		testContext.Fatalf("expected closed error from enqueue, got %v", err)
	}
	if _, err := queue.Dequeue(ctx, 1); !errors.Is(err, ErrQueueClosed) {
		testContext.Fatalf("expected closed error from dequeue, got %v", err)
	}
	if _, err := queue.Stats(ctx); !errors.Is(err, ErrQueueClosed) {
		testContext.Fatalf("expected closed error from stats, got %v", err)
	}
	var queueErr *QueueError
	if err := queue.MarkComplete(ctx, []int64{1}); !errors.As(err, &queueErr) || queueErr.Code() != "syncqueue.mark_complete.closed" {
		testContext.Fatalf("expected coded closed error, got %v", err)
	}
}

func TestConcurrentEnqueueAndDequeue(testContext *testing.T) {
	queue := mustQueue(testContext, newManualClock())
	ctx := context.Background()

	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := queue.Enqueue(ctx, "visitor", OperationUpdate, map[string]int{"worker": worker, "i": i}); err != nil {
					testContext.Errorf("enqueue failed: %v", err)
					return
				}
				if _, err := queue.Dequeue(ctx, 5); err != nil {
					testContext.Errorf("dequeue failed: %v", err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()

	stats, err := queue.Stats(ctx)
	if err != nil {
		testContext.Fatalf("stats failed: %v", err)
	}
	if stats.Pending != 40 {
		testContext.Fatalf("expected 40 pending entries, got %d", stats.Pending)
	}
}

func TestBackoffIsMonotonicAndCapped(testContext *testing.T) {
	backoff := Backoff{Base: time.Second, Max: 10 * time.Second}
	previous := time.Duration(0)
	for retry := 1; retry <= 10; retry++ {
		delay := backoff.Delay(retry)
		if delay < previous {
			testContext.Fatalf("backoff decreased at retry %d: %s < %s", retry, delay, previous)
		}
		if delay > 10*time.Second {
			testContext.Fatalf("backoff exceeded cap at retry %d: %s", retry, delay)
		}
		previous = delay
	}
	if backoff.Delay(1) != time.Second || backoff.Delay(3) != 4*time.Second || backoff.Delay(10) != 10*time.Second {
		testContext.Fatalf("unexpected backoff curve")
	}
}
