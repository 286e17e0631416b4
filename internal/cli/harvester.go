package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/citypulse/eventharvest/internal/analyzer"
	"github.com/citypulse/eventharvest/internal/config"
	"github.com/citypulse/eventharvest/internal/event"
	"github.com/citypulse/eventharvest/internal/extract"
	"github.com/citypulse/eventharvest/internal/fetch"
	"github.com/citypulse/eventharvest/internal/geocode"
	"github.com/citypulse/eventharvest/internal/logger"
	"github.com/citypulse/eventharvest/internal/pipeline"
	"github.com/citypulse/eventharvest/internal/scrape"
)

// Harvester wires the stage workers: it fetches listing pages, analyzes
// them for fetcher routing, runs the extraction waterfall, and persists the
// results. Extracted batches are held in memory between the extract and
// persist stages; a restart re-extracts.
type Harvester struct {
	sources  *config.Sources
	settings config.Settings
	fetcher  fetch.Fetcher
	store    scrape.EventStore
	runLog   scrape.RunLog
	queue    pipeline.QueueStore
	geocoder geocode.Lookup

	mu        sync.Mutex
	extracted map[string][]event.ScrapedEvent
}

// NewHarvester assembles the worker set. geocoder may be nil when no
// geocoding provider is configured.
func NewHarvester(sources *config.Sources, settings config.Settings, fetcher fetch.Fetcher,
	store scrape.EventStore, runLog scrape.RunLog, queue pipeline.QueueStore,
	geocoder geocode.Lookup) *Harvester {
	return &Harvester{
		sources:   sources,
		settings:  settings,
		fetcher:   fetcher,
		store:     store,
		runLog:    runLog,
		queue:     queue,
		geocoder:  geocoder,
		extracted: make(map[string][]event.ScrapedEvent),
	}
}

// Workers returns the stage handlers for the orchestrator.
func (h *Harvester) Workers() pipeline.Workers {
	return pipeline.Workers{
		Analyze: h.analyze,
		Extract: h.extract,
		Persist: h.persist,
		Repair:  h.repair,
	}
}

// sourceFor resolves the item's source config. A vanished source is a
// permanent failure: retrying cannot bring the config back.
func (h *Harvester) sourceFor(item pipeline.QueueItem) (*config.Source, error) {
	src := h.sources.ByName(item.SourceID)
	if src == nil {
		return nil, pipeline.Permanent(fmt.Errorf("source %q is not configured", item.SourceID))
	}
	return src, nil
}

// fetchPage retrieves the listing page, mapping gone-forever status codes
// to permanent failures.
func (h *Harvester) fetchPage(ctx context.Context, rawURL string) (string, error) {
	res, err := h.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		var httpErr *fetch.HTTPError
		if errors.As(err, &httpErr) && (httpErr.StatusCode == 404 || httpErr.StatusCode == 410) {
			return "", pipeline.Permanent(err)
		}
		return "", err
	}
	return res.HTML, nil
}

// analyze fetches the page and records the fetcher recommendation.
func (h *Harvester) analyze(ctx context.Context, item pipeline.QueueItem) error {
	src, err := h.sourceFor(item)
	if err != nil {
		return err
	}

	html, err := h.fetchPage(ctx, item.SourceURL)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", item.SourceURL, err)
	}

	res := analyzer.Analyze(html, nil, analyzer.Normalize(src.Fetcher))
	fields := logger.Fields{
		"source":      src.Name,
		"recommended": res.RecommendedFetcher,
		"confidence":  res.Confidence,
		"signals":     res.Signals,
	}
	switch {
	case res.ShouldUpgrade:
		logger.Warn("source needs a costlier fetcher", fields)
	case res.ShouldDowngrade:
		logger.Info("source can downgrade its fetcher", fields)
	default:
		logger.Info("fetcher analysis", fields)
	}
	return nil
}

// extract runs the waterfall over the listing page and stages the
// normalized events for the persist worker.
func (h *Harvester) extract(ctx context.Context, item pipeline.QueueItem) error {
	src, err := h.sourceFor(item)
	if err != nil {
		return err
	}

	html, err := h.fetchPage(ctx, item.SourceURL)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", item.SourceURL, err)
	}

	res := extract.Run(ctx, html, extract.Context{
		BaseURL:         item.SourceURL,
		Preferred:       src.Strategy,
		DiscoverFeeds:   src.DiscoverFeeds,
		CustomSelectors: src.Selectors,
		Fetcher:         h.fetcher,
	})
	logger.Info("extraction finished", logger.Fields{
		"source":   src.Name,
		"strategy": res.WinningStrategy,
		"events":   res.TotalEvents,
		"time_ms":  res.TotalTimeMs,
	})
	if res.TotalEvents == 0 {
		return fmt.Errorf("no strategy yielded events for %s", src.Name)
	}

	events := make([]event.ScrapedEvent, 0, len(res.Events))
	for _, card := range res.Events {
		e := h.cardToEvent(src, item.SourceURL, card)
		h.enrich(ctx, &e)
		events = append(events, e)
	}

	h.mu.Lock()
	h.extracted[item.ID] = events
	h.mu.Unlock()
	return nil
}

// cardToEvent normalizes a raw card into a persistable event.
func (h *Harvester) cardToEvent(src *config.Source, pageURL string, card event.RawEventCard) event.ScrapedEvent {
	e := event.ScrapedEvent{
		Name:        card.Title,
		Description: card.Description,
		Venue:       card.Location,
		City:        src.City,
		ImageURL:    card.ImageURL,
		Category:    card.CategoryHint,
		WebsiteURL:  card.DetailURL,
		SourceURL:   pageURL,
		TimeMode:    event.TimeModeExact,
	}
	if card.DetailURL != "" {
		e.SourceURL = card.DetailURL
	}
	if t, err := event.ParseISOTime(card.DateText); err == nil {
		e.StartTime = t.Format(time.RFC3339)
	} else {
		// Free-text dates stay unparsed; the event carries a window rather
		// than a point in time.
		e.TimeMode = event.TimeModeWindow
	}
	return e
}

// enrich resolves the venue to a place. Geocoding failures degrade to an
// unenriched event.
func (h *Harvester) enrich(ctx context.Context, e *event.ScrapedEvent) {
	if h.geocoder == nil || e.Venue == "" {
		return
	}
	place, err := h.geocoder.Resolve(ctx, e.Venue, e.City)
	if err != nil {
		logger.Warn("geocoding failed", logger.Fields{"venue": e.Venue, "cause": err.Error()})
		return
	}
	if place == nil {
		return
	}
	e.PlaceID = place.PlaceID
	if e.Address == "" {
		e.Address = place.Address
	}
	lat, lng := place.Latitude, place.Longitude
	e.Latitude = &lat
	e.Longitude = &lng
}

// persist validates, deduplicates, and stores the staged batch, then
// records the run.
func (h *Harvester) persist(ctx context.Context, item pipeline.QueueItem) error {
	src, err := h.sourceFor(item)
	if err != nil {
		return err
	}

	h.mu.Lock()
	events, ok := h.extracted[item.ID]
	delete(h.extracted, item.ID)
	h.mu.Unlock()
	if !ok {
		// The staged batch lives in process memory; after a restart the item
		// has to go back through extraction.
		return fmt.Errorf("no staged batch for %s", src.Name)
	}

	base := &scrape.Base{
		Source:      src.Name,
		TargetCity:  h.settings.TargetCity,
		Fetcher:     h.fetcher,
		Store:       h.store,
		RunLog:      h.runLog,
		RelaxedTime: src.RelaxedTime,
	}
	started := time.Now()
	outcome := base.ProcessEvents(ctx, events)

	rec := scrape.RunRecord{
		Source:     src.Name,
		Status:     "success",
		Inserted:   outcome.Inserted,
		Updated:    outcome.Updated,
		Skipped:    outcome.Skipped,
		Failed:     outcome.Failed,
		DurationMs: time.Since(started).Milliseconds(),
		StartedAt:  started.UTC(),
	}
	if err := h.runLog.Record(ctx, rec); err != nil {
		logger.Error("recording run", logger.Fields{"source": src.Name}, err)
	}
	return nil
}

// repair returns parked items to the pipeline so config fixes get a fresh
// chance without manual intervention.
func (h *Harvester) repair(ctx context.Context) (int, error) {
	return h.queue.ResetFailed(ctx)
}
