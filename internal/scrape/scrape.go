// Package scrape provides the strategy base every concrete source scraper
// builds on: fetch-with-retry, validation, deduplication, and batch
// persistence with run logging.
//
// A concrete strategy implements Scrape (orchestrating one or more target
// fetches) and ParseEventList (turning one listing page into events); the
// Base supplies everything else. A single event's failure never aborts a
// batch, and every run leaves a structured record in the run log.
package scrape

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/citypulse/eventharvest/internal/event"
	"github.com/citypulse/eventharvest/internal/fetch"
	"github.com/citypulse/eventharvest/internal/logger"
)

// descPrefixLen is how much of the description participates in the
// needs-update comparison; trailing edits are cosmetic noise on most sites.
const descPrefixLen = 120

// Strategy is what a concrete source scraper must implement.
type Strategy interface {
	// Scrape fetches the source's pages and returns candidate events.
	Scrape(ctx context.Context) ([]event.ScrapedEvent, error)
	// ParseEventList extracts candidate events from one listing page.
	ParseEventList(html string) ([]event.ScrapedEvent, error)
}

// EventStore is the persistence collaborator. Find methods return nil
// without error when no match exists.
type EventStore interface {
	FindByID(ctx context.Context, id string) (*event.ScrapedEvent, error)
	FindBySourceURL(ctx context.Context, canonicalURL string) (*event.ScrapedEvent, error)
	FindByNameAndDay(ctx context.Context, name, startTime string) (*event.ScrapedEvent, error)
	Insert(ctx context.Context, e *event.ScrapedEvent) error
	Update(ctx context.Context, id string, e *event.ScrapedEvent) error
}

// RunRecord is the structured outcome of one scraper run.
type RunRecord struct {
	Source     string    `json:"source"`
	Status     string    `json:"status"` // "success" or "failure"
	Inserted   int       `json:"inserted"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// RunLog is the run-record sink collaborator.
type RunLog interface {
	Record(ctx context.Context, rec RunRecord) error
}

// DedupResult reports whether an event already exists and whether the
// stored copy is stale.
type DedupResult struct {
	ExistingID  string
	NeedsUpdate bool
}

// Outcome classifies every event in a processed batch.
type Outcome struct {
	Inserted int
	Updated  int
	Skipped  int
	Failed   int
}

// Base carries the shared collaborators and knobs for a source scraper.
type Base struct {
	// Source names the scraper in logs and run records.
	Source string
	// TargetCity, when set, is required on every event (case-insensitive).
	TargetCity string

	Fetcher fetch.Fetcher
	Store   EventStore
	RunLog  RunLog

	// RelaxedTime permits events without a start time regardless of their
	// time mode (e.g. a venue listing page that only knows opening windows).
	RelaxedTime bool

	// SecondaryDedup, when set, is consulted before the generic URL/fuzzy
	// match and returns the existing record ID for an external identity key
	// (e.g. a place ID), or "" when none matches.
	SecondaryDedup func(ctx context.Context, e *event.ScrapedEvent) (string, error)
}

// Fetch retrieves one URL through the injected fetcher, which carries the
// retry, politeness, and user-agent policy.
func (b *Base) Fetch(ctx context.Context, rawURL string) (string, error) {
	if b.Fetcher == nil {
		return "", fmt.Errorf("no fetcher configured for %s", b.Source)
	}
	res, err := b.Fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return res.HTML, nil
}

// ValidateEvent checks an event against the persistence preconditions and
// returns a human-readable rejection reason, or "" when valid. It never
// panics or returns an error type; validation problems are data problems.
func (b *Base) ValidateEvent(e *event.ScrapedEvent) string {
	if e == nil {
		return "event is nil"
	}
	if len(strings.TrimSpace(e.Name)) < 3 {
		return "name missing or shorter than 3 characters"
	}
	if strings.TrimSpace(e.City) == "" {
		return "city missing"
	}
	if b.TargetCity != "" && !strings.EqualFold(strings.TrimSpace(e.City), b.TargetCity) {
		return fmt.Sprintf("city %q is not the target city %q", e.City, b.TargetCity)
	}
	if e.StartTime == "" {
		if e.TimeMode != event.TimeModeWindow && !b.RelaxedTime {
			return "start time missing"
		}
	} else if !event.IsISOTime(e.StartTime) {
		return fmt.Sprintf("start time %q is not ISO formatted", e.StartTime)
	}
	if e.TicketURL != "" {
		u, err := url.Parse(e.TicketURL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Sprintf("ticket URL %q is malformed", e.TicketURL)
		}
	}
	return ""
}

// DeduplicateEvent resolves an event against existing records: the
// secondary key hook first (when configured), then an exact match on the
// canonical source URL, then a fuzzy match on case-insensitive name plus a
// same-calendar-day start time.
func (b *Base) DeduplicateEvent(ctx context.Context, e *event.ScrapedEvent) (DedupResult, error) {
	if b.SecondaryDedup != nil {
		id, err := b.SecondaryDedup(ctx, e)
		if err != nil {
			return DedupResult{}, fmt.Errorf("secondary dedup: %w", err)
		}
		if id != "" {
			// The secondary key matches across URL changes, so staleness has
			// to be judged against the record behind the ID, not the URL.
			existing, err := b.Store.FindByID(ctx, id)
			if err != nil {
				return DedupResult{}, fmt.Errorf("secondary dedup: %w", err)
			}
			return DedupResult{ExistingID: id, NeedsUpdate: needsUpdate(existing, e)}, nil
		}
	}

	existing, err := b.Store.FindBySourceURL(ctx, event.CanonicalURL(e.SourceURL))
	if err != nil {
		return DedupResult{}, fmt.Errorf("dedup by URL: %w", err)
	}
	if existing == nil {
		existing, err = b.fuzzyMatch(ctx, e)
		if err != nil {
			return DedupResult{}, err
		}
	}
	if existing == nil {
		return DedupResult{}, nil
	}
	return DedupResult{ExistingID: existing.ID, NeedsUpdate: needsUpdate(existing, e)}, nil
}

// fuzzyMatch finds an existing record with the same name (case-insensitive)
// starting on the same calendar day.
func (b *Base) fuzzyMatch(ctx context.Context, e *event.ScrapedEvent) (*event.ScrapedEvent, error) {
	if e.StartTime == "" {
		return nil, nil
	}
	existing, err := b.Store.FindByNameAndDay(ctx, e.Name, e.StartTime)
	if err != nil {
		return nil, fmt.Errorf("dedup by name and day: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if !strings.EqualFold(existing.Name, e.Name) || !event.SameCalendarDay(existing.StartTime, e.StartTime) {
		return nil, nil
	}
	return existing, nil
}

// needsUpdate reports whether the stored copy is stale: the start time
// differs by exact ISO comparison or the leading description substring
// drifted.
func needsUpdate(existing, incoming *event.ScrapedEvent) bool {
	if existing == nil {
		return false
	}
	if existing.StartTime != incoming.StartTime {
		return true
	}
	return descPrefix(existing.Description) != descPrefix(incoming.Description)
}

func descPrefix(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > descPrefixLen {
		return s[:descPrefixLen]
	}
	return s
}

// ProcessEvents validates, deduplicates, and persists a batch. Every event
// lands in exactly one outcome bucket; one event's failure never aborts the
// batch. Ambiguous duplicates (dedup errors) insert as new with the
// ambiguity logged rather than silently discarding data.
func (b *Base) ProcessEvents(ctx context.Context, events []event.ScrapedEvent) Outcome {
	var out Outcome
	for i := range events {
		e := &events[i]

		if reason := b.ValidateEvent(e); reason != "" {
			logger.Warn("event rejected", logger.Fields{
				"source": b.Source,
				"name":   e.Name,
				"reason": reason,
			})
			out.Failed++
			continue
		}

		dedup, err := b.DeduplicateEvent(ctx, e)
		if err != nil {
			logger.Warn("ambiguous duplicate, inserting as new", logger.Fields{
				"source": b.Source,
				"name":   e.Name,
				"cause":  err.Error(),
			})
			dedup = DedupResult{}
		}

		switch {
		case dedup.ExistingID == "":
			if err := b.Store.Insert(ctx, e); err != nil {
				logger.Error("insert failed", logger.Fields{"source": b.Source, "name": e.Name}, err)
				out.Failed++
				continue
			}
			out.Inserted++
		case dedup.NeedsUpdate:
			if err := b.Store.Update(ctx, dedup.ExistingID, e); err != nil {
				logger.Error("update failed", logger.Fields{"source": b.Source, "name": e.Name}, err)
				out.Failed++
				continue
			}
			out.Updated++
		default:
			out.Skipped++
		}
	}

	logger.AddCounter("events.inserted", int64(out.Inserted))
	logger.AddCounter("events.updated", int64(out.Updated))
	logger.AddCounter("events.skipped", int64(out.Skipped))
	logger.AddCounter("events.failed", int64(out.Failed))
	return out
}

// Run executes one full scrape: strategy scrape, batch processing, timing,
// and a structured run record. The returned error reflects the scrape
// phase only; processing failures are counted in the outcome.
func (b *Base) Run(ctx context.Context, s Strategy) (Outcome, error) {
	started := time.Now()
	rec := RunRecord{Source: b.Source, StartedAt: started.UTC()}

	events, err := s.Scrape(ctx)
	if err != nil {
		rec.Status = "failure"
		rec.Error = err.Error()
		rec.DurationMs = time.Since(started).Milliseconds()
		b.record(ctx, rec)
		return Outcome{}, fmt.Errorf("scraping %s: %w", b.Source, err)
	}

	out := b.ProcessEvents(ctx, events)
	rec.Status = "success"
	rec.Inserted, rec.Updated, rec.Skipped, rec.Failed = out.Inserted, out.Updated, out.Skipped, out.Failed
	rec.DurationMs = time.Since(started).Milliseconds()
	b.record(ctx, rec)

	logger.Info("scrape run complete", logger.Fields{
		"source":   b.Source,
		"inserted": out.Inserted,
		"updated":  out.Updated,
		"skipped":  out.Skipped,
		"failed":   out.Failed,
	})
	logger.RecordTiming("scrape.run", time.Since(started))
	return out, nil
}

func (b *Base) record(ctx context.Context, rec RunRecord) {
	if b.RunLog == nil {
		return
	}
	if err := b.RunLog.Record(ctx, rec); err != nil {
		logger.Error("recording run", logger.Fields{"source": b.Source}, err)
	}
}
