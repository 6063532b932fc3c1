package queue

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/pcbridge/internal/kv"
	"github.com/kalambet/pcbridge/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, maxSize int) (*Queue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	q := New(kv.NewMemoryWithClock(clock), Options{
		Channel: "pc",
		TTL:     30 * time.Minute,
		MaxSize: maxSize,
		Clock:   clock,
	})
	return q, clock
}

func mustEnqueue(t *testing.T, q *Queue, payload string) Task {
	t.Helper()
	task, err := q.Enqueue(context.Background(), TypeShell, payload, "chat-1")
	if err != nil {
		t.Fatalf("Enqueue(%q): %v", payload, err)
	}
	return task
}

func TestNewTaskID(t *testing.T) {
	id := NewTaskID(time.UnixMilli(1700000000123))
	if !regexp.MustCompile(`^cmd_1700000000123_[0-9a-f]{6}$`).MatchString(id) {
		t.Errorf("id = %q", id)
	}
}

func TestEnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 10)

	task := mustEnqueue(t, q, "dir")
	if task.ID == "" || task.Status != StatusPending {
		t.Fatalf("enqueued task = %+v", task)
	}

	claimed, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.ID != task.ID {
		t.Fatalf("claimed = %+v, want %s", claimed, task.ID)
	}
	if claimed.Status != StatusInFlight || claimed.PickedAt == nil {
		t.Errorf("claimed task not in flight: %+v", claimed)
	}

	again, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("second ClaimNext: %v", err)
	}
	if again != nil {
		t.Errorf("second claim returned %s, want nil", again.ID)
	}
}

func TestClaimOrderIsFIFO(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, 10)

	first := mustEnqueue(t, q, "one")
	clock.Advance(time.Millisecond)
	second := mustEnqueue(t, q, "two")

	a, _ := q.ClaimNext(ctx)
	b, _ := q.ClaimNext(ctx)
	if a.ID != first.ID || b.ID != second.ID {
		t.Errorf("claim order = %s, %s; want %s, %s", a.ID, b.ID, first.ID, second.ID)
	}
}

// Three enqueues with capacity 2 keep tasks #2 and #3.
func TestCapacityEvictsOldest(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, 2)

	mustEnqueue(t, q, "1")
	clock.Advance(time.Millisecond)
	t2 := mustEnqueue(t, q, "2")
	clock.Advance(time.Millisecond)
	t3 := mustEnqueue(t, q, "3")

	tasks, err := q.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len = %d, want 2", len(tasks))
	}
	if tasks[0].ID != t2.ID || tasks[1].ID != t3.ID {
		t.Errorf("kept %s, %s; want %s, %s", tasks[0].ID, tasks[1].ID, t2.ID, t3.ID)
	}
}

func TestCapacityEvictsRegardlessOfStatus(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 2)

	inflight := mustEnqueue(t, q, "a")
	q.ClaimNext(ctx)
	mustEnqueue(t, q, "b")
	mustEnqueue(t, q, "c")

	tasks, _ := q.List(ctx)
	for _, task := range tasks {
		if task.ID == inflight.ID {
			t.Error("oldest in-flight task should have been evicted")
		}
	}
}

func TestExpiredTasksAreNeverClaimed(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, 10)

	mustEnqueue(t, q, "stale")
	clock.Advance(31 * time.Minute)

	claimed, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed != nil {
		t.Errorf("claimed expired task %s", claimed.ID)
	}
	counts, _ := q.PeekStatusCounts(ctx)
	if counts.Total != 0 {
		t.Errorf("counts = %+v, want empty", counts)
	}
}

// A claimed task whose result never arrives ages out of the queue.
func TestUnreportedClaimAgesOut(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, 10)

	task := mustEnqueue(t, q, "hang")
	q.ClaimNext(ctx)

	counts, _ := q.PeekStatusCounts(ctx)
	if counts.InFlight != 1 {
		t.Fatalf("InFlight = %d, want 1", counts.InFlight)
	}

	clock.Advance(31 * time.Minute)

	counts, _ = q.PeekStatusCounts(ctx)
	if counts.Total != 0 {
		t.Errorf("counts after TTL = %+v", counts)
	}
	got, err := q.ReportResult(ctx, task.ID, Result{Success: true})
	if err != nil || got != nil {
		t.Errorf("ReportResult on aged-out task = %+v, %v; want nil, nil", got, err)
	}
}

func TestNoDoubleClaim(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 10)
	mustEnqueue(t, q, "once")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := q.ClaimNext(ctx)
			if err != nil {
				t.Errorf("ClaimNext: %v", err)
				return
			}
			if task != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("task claimed %d times, want 1", winners)
	}
}

func TestNoDoubleClaimSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q := New(store, Options{MaxSize: 10})
	if _, err := q.Enqueue(ctx, TypeScreenshot, "", "chat-1"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan *Task, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := q.ClaimNext(ctx)
			if err != nil {
				t.Errorf("ClaimNext: %v", err)
			}
			results <- task
		}()
	}
	wg.Wait()
	close(results)

	n := 0
	for task := range results {
		if task != nil {
			n++
		}
	}
	if n != 1 {
		t.Errorf("claims = %d, want 1", n)
	}
}

func TestReportResultOnce(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 10)

	task := mustEnqueue(t, q, "echo hi")
	q.ClaimNext(ctx)

	done, err := q.ReportResult(ctx, task.ID, Result{Success: true, Output: "hi"})
	if err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	if done == nil || done.Status != StatusDone || done.Result.Output != "hi" {
		t.Fatalf("done = %+v", done)
	}

	_, err = q.ReportResult(ctx, task.ID, Result{Success: false, Error: "late"})
	if !errors.Is(err, ErrAlreadyReported) {
		t.Errorf("second report err = %v, want ErrAlreadyReported", err)
	}

	if err := q.Remove(ctx, task.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, err := q.ReportResult(ctx, task.ID, Result{Success: true})
	if err != nil || got != nil {
		t.Errorf("report after remove = %+v, %v; want nil, nil", got, err)
	}
}

func TestReportResultUnknownID(t *testing.T) {
	q, _ := newTestQueue(t, 10)
	got, err := q.ReportResult(context.Background(), "cmd_0_nope00", Result{})
	if err != nil || got != nil {
		t.Errorf("got %+v, %v; want nil, nil", got, err)
	}
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 10)

	task := mustEnqueue(t, q, "retry me")
	if _, err := q.Requeue(ctx, task.ID); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("Requeue pending: err = %v, want ErrNotInFlight", err)
	}

	q.ClaimNext(ctx)
	requeued, err := q.Requeue(ctx, task.ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if requeued.Status != StatusPending || requeued.PickedAt != nil {
		t.Errorf("requeued = %+v", requeued)
	}

	again, _ := q.ClaimNext(ctx)
	if again == nil || again.ID != task.ID {
		t.Errorf("requeued task was not claimable again")
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, 10)

	mustEnqueue(t, q, "old")
	clock.Advance(20 * time.Minute)
	mustEnqueue(t, q, "new")
	clock.Advance(15 * time.Minute)

	n, err := q.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	tasks, _ := q.List(ctx)
	if len(tasks) != 1 || tasks[0].Payload != "new" {
		t.Errorf("remaining = %+v", tasks)
	}
}

func TestPeekStatusCounts(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 10)

	mustEnqueue(t, q, "a")
	mustEnqueue(t, q, "b")
	mustEnqueue(t, q, "c")
	q.ClaimNext(ctx)

	c, err := q.PeekStatusCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c != (Counts{Pending: 2, InFlight: 1, Total: 3}) {
		t.Errorf("counts = %+v", c)
	}
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	q := New(kv.NewMemoryWithClock(clock), Options{HeartbeatTTL: 30 * time.Second, Clock: clock})

	st, err := q.AgentStatus(ctx)
	if err != nil || st.Online {
		t.Fatalf("status before heartbeat = %+v, %v", st, err)
	}

	if err := q.RecordHeartbeat(ctx, "agent-1"); err != nil {
		t.Fatal(err)
	}
	st, _ = q.AgentStatus(ctx)
	if !st.Online || st.AgentID != "agent-1" || st.LastSeen == nil {
		t.Errorf("status = %+v", st)
	}

	clock.Advance(31 * time.Second)
	st, _ = q.AgentStatus(ctx)
	if st.Online {
		t.Error("agent still online after heartbeat TTL")
	}
}

func TestTaskTypeValid(t *testing.T) {
	if !TypeTwitter.Valid() || TaskType("format-disk").Valid() {
		t.Error("TaskType.Valid mismatch")
	}
}
