package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/citypulse/eventharvest/internal/logger"
)

const (
	// DefaultMaxCycles bounds an auto-process loop.
	DefaultMaxCycles = 20
	// DefaultClaimLimit is how many items one worker invocation claims.
	DefaultClaimLimit = 25
	// DefaultMaxAttempts is how often a transient failure is retried
	// before the item is parked.
	DefaultMaxAttempts = 3
	// repairEvery controls how often the repair worker joins a cycle.
	repairEvery = 5
)

// Handler processes one claimed item. Returning nil advances the item to
// the stage's successor; an error records a failure (permanent when
// wrapped with Permanent).
type Handler func(ctx context.Context, item QueueItem) error

// Workers are the stage processors the orchestrator drives. Analyze and
// Persist run unthrottled; Extract waits on the shared geocode budget
// before every item. Repair heals broken source configurations and runs
// every fifth auto-process cycle.
type Workers struct {
	Analyze Handler
	Extract Handler
	Persist Handler
	Repair  func(ctx context.Context) (healed int, err error)
}

// Config sizes the orchestrator.
type Config struct {
	MaxCycles   int
	ClaimLimit  int
	MaxAttempts int
	// GeocodeRPS is the external geocoding dependency's requests-per-second
	// budget; GeocodePercent is how much of it this process may spend.
	GeocodeRPS     float64
	GeocodePercent float64
}

// stageFlow maps each worker stage to its claim stage and successor.
type stageFlow struct {
	claim   Stage
	next    Stage
	limited bool
}

var flows = map[Stage]stageFlow{
	StageAnalyzing: {claim: StageDiscovered, next: StageAwaitingFetch, limited: false},
	StageExtracted: {claim: StageAwaitingFetch, next: StageReadyToPersist, limited: true},
	StageIndexed:   {claim: StageReadyToPersist, next: StageIndexed, limited: false},
}

// Orchestrator drives backlog through the pipeline stages. Cycles are
// strictly sequential; the geocode limiter is shared across all of them
// because the external dependency's budget is process-wide.
type Orchestrator struct {
	queue   QueueStore
	workers Workers
	cfg     Config
	limiter *rate.Limiter
}

// New creates an orchestrator with defaults filled in.
func New(queue QueueStore, workers Workers, cfg Config) *Orchestrator {
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = DefaultMaxCycles
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = DefaultClaimLimit
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.GeocodeRPS <= 0 {
		cfg.GeocodeRPS = 10
	}
	if cfg.GeocodePercent <= 0 || cfg.GeocodePercent > 100 {
		cfg.GeocodePercent = 80
	}

	return &Orchestrator{
		queue:   queue,
		workers: workers,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.GeocodeRPS*cfg.GeocodePercent/100), 1),
	}
}

// Status returns a read-only backlog snapshot.
func (o *Orchestrator) Status(ctx context.Context) (map[Stage]int, error) {
	return o.queue.Backlog(ctx)
}

// Discover enqueues a freshly discovered source URL.
func (o *Orchestrator) Discover(ctx context.Context, sourceID, sourceURL string, priority int) (QueueItem, error) {
	item := NewQueueItem(sourceID, sourceURL, priority)
	if err := o.queue.Enqueue(ctx, item); err != nil {
		return QueueItem{}, fmt.Errorf("enqueueing %s: %w", sourceURL, err)
	}
	return item, nil
}

// DiscoveryOnly runs just the discovery-analysis worker once.
func (o *Orchestrator) DiscoveryOnly(ctx context.Context) (int, error) {
	return o.RunStage(ctx, StageAnalyzing)
}

// RunStage invokes exactly one stage worker once and returns how many
// items it processed successfully.
func (o *Orchestrator) RunStage(ctx context.Context, stage Stage) (int, error) {
	flow, ok := flows[stage]
	if !ok {
		return 0, fmt.Errorf("stage %s has no worker", stage)
	}
	handler := o.handlerFor(stage)
	if handler == nil {
		return 0, fmt.Errorf("no worker configured for stage %s", stage)
	}

	items, err := o.queue.Claim(ctx, flow.claim, o.cfg.ClaimLimit)
	if err != nil {
		return 0, fmt.Errorf("claiming %s items: %w", flow.claim, err)
	}

	processed := 0
	for _, item := range items {
		if flow.limited {
			if err := o.limiter.Wait(ctx); err != nil {
				return processed, fmt.Errorf("geocode budget wait: %w", err)
			}
		}

		if err := handler(ctx, item); err != nil {
			o.fail(ctx, item, err)
			continue
		}
		if err := o.queue.Advance(ctx, item.ID, flow.next); err != nil {
			logger.Error("advancing item", logger.Fields{"item": item.ID, "to": flow.next.String()}, err)
			continue
		}
		processed++
	}
	return processed, nil
}

// fail classifies and records one item's failure. A failure is permanent
// when the handler says so or when the item has exhausted its attempts;
// everything else stays transient and retries on a later cycle.
func (o *Orchestrator) fail(ctx context.Context, item QueueItem, err error) {
	permanent := IsPermanent(err) || item.Attempts+1 >= o.cfg.MaxAttempts
	logger.Warn("item failed", logger.Fields{
		"item":      item.ID,
		"source":    item.SourceID,
		"stage":     item.Stage.String(),
		"attempts":  item.Attempts + 1,
		"permanent": permanent,
	})
	if recErr := o.queue.RecordFailure(ctx, item.ID, err.Error(), permanent); recErr != nil {
		logger.Error("recording failure", logger.Fields{"item": item.ID}, recErr)
	}
}

func (o *Orchestrator) handlerFor(stage Stage) Handler {
	switch stage {
	case StageAnalyzing:
		return o.workers.Analyze
	case StageExtracted:
		return o.workers.Extract
	case StageIndexed:
		return o.workers.Persist
	default:
		return nil
	}
}

// workerOrder is the in-cycle invocation order: cheap analysis first, then
// the rate-limited extraction, then persistence.
var workerOrder = []Stage{StageAnalyzing, StageExtracted, StageIndexed}

// RunAll makes one sequential pass across all stage workers, each invoked
// only when its claim stage has backlog.
func (o *Orchestrator) RunAll(ctx context.Context) (int, error) {
	backlog, err := o.queue.Backlog(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading backlog: %w", err)
	}

	total := 0
	for _, stage := range workerOrder {
		if backlog[flows[stage].claim] == 0 {
			continue
		}
		n, err := o.RunStage(ctx, stage)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// AutoProcess loops RunAll until every stage backlog reaches zero or the
// cycle cap is hit, invoking the repair worker every fifth cycle. It
// returns the number of cycles that actually ran: an empty backlog
// terminates before the first cycle.
func (o *Orchestrator) AutoProcess(ctx context.Context) (int, error) {
	cycles := 0
	for cycles < o.cfg.MaxCycles {
		backlog, err := o.queue.Backlog(ctx)
		if err != nil {
			return cycles, fmt.Errorf("reading backlog: %w", err)
		}
		if pendingWork(backlog) == 0 {
			break
		}

		cycles++
		logger.IncrCounter("pipeline.cycles")
		logger.Info("pipeline cycle", logger.Fields{
			"cycle":            cycles,
			"discovered":       backlog[StageDiscovered],
			"awaiting_fetch":   backlog[StageAwaitingFetch],
			"ready_to_persist": backlog[StageReadyToPersist],
		})

		if _, err := o.RunAll(ctx); err != nil {
			return cycles, err
		}

		if o.workers.Repair != nil && cycles%repairEvery == 0 {
			healed, err := o.workers.Repair(ctx)
			if err != nil {
				logger.Error("repair worker", nil, err)
			} else if healed > 0 {
				logger.Info("repaired sources", logger.Fields{"healed": healed})
			}
		}

		if ctx.Err() != nil {
			return cycles, ctx.Err()
		}
	}
	return cycles, nil
}

// ResetFailed returns dead-lettered items to the front of the pipeline.
func (o *Orchestrator) ResetFailed(ctx context.Context) (int, error) {
	return o.queue.ResetFailed(ctx)
}

// pendingWork sums the claimable stage backlogs.
func pendingWork(backlog map[Stage]int) int {
	return backlog[StageDiscovered] + backlog[StageAwaitingFetch] + backlog[StageReadyToPersist]
}
