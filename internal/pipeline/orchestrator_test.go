package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/citypulse/eventharvest/internal/logger"
)

// memQueue is an in-memory QueueStore for orchestrator tests.
type memQueue struct {
	mu    sync.Mutex
	items map[string]*QueueItem
}

func newMemQueue() *memQueue {
	return &memQueue{items: make(map[string]*QueueItem)}
}

func (q *memQueue) Enqueue(_ context.Context, item QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := item
	q.items[item.ID] = &cp
	return nil
}

func (q *memQueue) Claim(_ context.Context, stage Stage, limit int) ([]QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var claimed []QueueItem
	for _, it := range q.items {
		if it.Stage == stage {
			claimed = append(claimed, *it)
		}
	}
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].Priority != claimed[j].Priority {
			return claimed[i].Priority > claimed[j].Priority
		}
		return claimed[i].ID < claimed[j].ID
	})
	if len(claimed) > limit {
		claimed = claimed[:limit]
	}
	return claimed, nil
}

func (q *memQueue) Advance(_ context.Context, id string, to Stage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return errors.New("no such item")
	}
	it.Stage = to
	it.Attempts = 0
	return nil
}

func (q *memQueue) RecordFailure(_ context.Context, id, _ string, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return errors.New("no such item")
	}
	it.Attempts++
	if permanent {
		it.Stage = StageFailed
	}
	return nil
}

func (q *memQueue) Backlog(_ context.Context) (map[Stage]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	backlog := make(map[Stage]int)
	for _, it := range q.items {
		if !it.Stage.Terminal() {
			backlog[it.Stage]++
		}
	}
	return backlog, nil
}

func (q *memQueue) ResetFailed(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Stage == StageFailed {
			it.Stage = StageDiscovered
			it.Attempts = 0
			n++
		}
	}
	return n, nil
}

func (q *memQueue) stageOf(t *testing.T, id string) Stage {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		t.Fatalf("item %s not in queue", id)
	}
	return it.Stage
}

func passthrough(_ context.Context, _ QueueItem) error { return nil }

func allPassWorkers() Workers {
	return Workers{Analyze: passthrough, Extract: passthrough, Persist: passthrough}
}

func TestAutoProcessEmptyBacklogRunsZeroCycles(t *testing.T) {
	o := New(newMemQueue(), allPassWorkers(), Config{})

	cycles, err := o.AutoProcess(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cycles != 0 {
		t.Errorf("expected zero cycles on an empty backlog, got %d", cycles)
	}
}

func TestAutoProcessDrainsBacklog(t *testing.T) {
	q := newMemQueue()
	o := New(q, allPassWorkers(), Config{})
	ctx := context.Background()

	item, err := o.Discover(ctx, "src-1", "https://venue.example/agenda", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before, _ := logger.MetricsSnapshot()["counters"].(map[string]int64)
	cycles, err := o.AutoProcess(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// discovered -> awaiting_fetch -> ready_to_persist -> indexed needs
	// three cycles with one worker pass each.
	if cycles != 3 {
		t.Errorf("expected 3 cycles, got %d", cycles)
	}
	if got := q.stageOf(t, item.ID); got != StageIndexed {
		t.Errorf("expected item indexed, got %s", got)
	}
	after, _ := logger.MetricsSnapshot()["counters"].(map[string]int64)
	if got := after["pipeline.cycles"] - before["pipeline.cycles"]; got != 3 {
		t.Errorf("cycle counter advanced by %d, want 3", got)
	}
}

func TestRunStageAdvancesOnSuccess(t *testing.T) {
	q := newMemQueue()
	o := New(q, allPassWorkers(), Config{})
	ctx := context.Background()

	item, _ := o.Discover(ctx, "src-1", "https://venue.example", 0)

	n, err := o.RunStage(ctx, StageAnalyzing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 processed item, got %d", n)
	}
	if got := q.stageOf(t, item.ID); got != StageAwaitingFetch {
		t.Errorf("expected awaiting_fetch, got %s", got)
	}
}

func TestRunStageUnknownStage(t *testing.T) {
	o := New(newMemQueue(), allPassWorkers(), Config{})
	if _, err := o.RunStage(context.Background(), StageDiscovered); err == nil {
		t.Error("expected an error for a stage without a worker")
	}
}

func TestPermanentFailureParksImmediately(t *testing.T) {
	q := newMemQueue()
	workers := allPassWorkers()
	workers.Analyze = func(_ context.Context, _ QueueItem) error {
		return Permanent(errors.New("source gone"))
	}
	o := New(q, workers, Config{MaxAttempts: 5})
	ctx := context.Background()

	item, _ := o.Discover(ctx, "src-1", "https://gone.example", 0)

	if _, err := o.RunStage(ctx, StageAnalyzing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := q.stageOf(t, item.ID); got != StageFailed {
		t.Errorf("permanent failure should park the item, got %s", got)
	}
}

func TestTransientFailureRetriesThenParks(t *testing.T) {
	q := newMemQueue()
	workers := allPassWorkers()
	workers.Analyze = func(_ context.Context, _ QueueItem) error {
		return errors.New("flaky upstream")
	}
	o := New(q, workers, Config{MaxAttempts: 3})
	ctx := context.Background()

	item, _ := o.Discover(ctx, "src-1", "https://flaky.example", 0)

	for i := 0; i < 2; i++ {
		if _, err := o.RunStage(ctx, StageAnalyzing); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := q.stageOf(t, item.ID); got != StageDiscovered {
			t.Fatalf("attempt %d should keep the item claimable, got %s", i+1, got)
		}
	}
	// Third attempt exhausts MaxAttempts.
	if _, err := o.RunStage(ctx, StageAnalyzing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := q.stageOf(t, item.ID); got != StageFailed {
		t.Errorf("exhausted item should be parked, got %s", got)
	}
}

func TestRepairRunsEveryFifthCycle(t *testing.T) {
	q := newMemQueue()

	// Analyze fails transiently forever so the backlog never drains and
	// each cycle runs exactly one worker pass.
	workers := allPassWorkers()
	workers.Analyze = func(_ context.Context, _ QueueItem) error {
		return errors.New("never succeeds")
	}
	var repairCalls int
	workers.Repair = func(_ context.Context) (int, error) {
		repairCalls++
		// Heal by resetting the failed item so cycles continue.
		n, err := q.ResetFailed(context.Background())
		return n, err
	}

	o := New(q, workers, Config{MaxCycles: 12, MaxAttempts: 100})
	ctx := context.Background()

	if _, err := o.Discover(ctx, "src-1", "https://stuck.example", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cycles, err := o.AutoProcess(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cycles != 12 {
		t.Fatalf("expected the cycle cap to stop the loop, got %d", cycles)
	}
	if repairCalls != 2 {
		t.Errorf("expected repair on cycles 5 and 10, got %d calls", repairCalls)
	}
}

func TestResetFailedReturnsItemsToDiscovery(t *testing.T) {
	q := newMemQueue()
	workers := allPassWorkers()
	workers.Analyze = func(_ context.Context, _ QueueItem) error {
		return Permanent(errors.New("nope"))
	}
	o := New(q, workers, Config{})
	ctx := context.Background()

	item, _ := o.Discover(ctx, "src-1", "https://x.example", 0)
	if _, err := o.RunStage(ctx, StageAnalyzing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := o.ResetFailed(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset item, got %d", n)
	}
	if got := q.stageOf(t, item.ID); got != StageDiscovered {
		t.Errorf("expected discovered, got %s", got)
	}
}

func TestClaimHonorsPriorityAndLimit(t *testing.T) {
	q := newMemQueue()
	var order []string
	workers := allPassWorkers()
	workers.Analyze = func(_ context.Context, item QueueItem) error {
		order = append(order, item.SourceID)
		return nil
	}
	o := New(q, workers, Config{ClaimLimit: 2})
	ctx := context.Background()

	o.Discover(ctx, "low", "https://a.example", 1)
	o.Discover(ctx, "high", "https://b.example", 9)
	o.Discover(ctx, "mid", "https://c.example", 5)

	n, err := o.RunStage(ctx, StageAnalyzing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected the claim limit to cap at 2, got %d", n)
	}
	if len(order) != 2 || order[0] != "high" || order[1] != "mid" {
		t.Errorf("expected high-priority items first, got %v", order)
	}
}

func TestStageNamesRoundTrip(t *testing.T) {
	for stage, name := range stageNames {
		parsed, err := ParseStage(name)
		if err != nil {
			t.Fatalf("ParseStage(%q): %v", name, err)
		}
		if parsed != stage {
			t.Errorf("ParseStage(%q) = %v, want %v", name, parsed, stage)
		}
	}
	if _, err := ParseStage("bogus"); err == nil {
		t.Error("expected an error for an unknown stage name")
	}
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("boom")
	if !IsPermanent(Permanent(base)) {
		t.Error("Permanent(err) should be permanent")
	}
	if IsPermanent(base) {
		t.Error("plain error should not be permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should stay nil")
	}
	if !errors.Is(Permanent(base), base) {
		t.Error("Permanent should unwrap to the cause")
	}
}
