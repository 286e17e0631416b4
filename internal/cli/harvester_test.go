package cli

import (
	"context"
	"testing"

	"github.com/citypulse/eventharvest/internal/config"
	"github.com/citypulse/eventharvest/internal/event"
	"github.com/citypulse/eventharvest/internal/fetch"
	"github.com/citypulse/eventharvest/internal/pipeline"
	"github.com/citypulse/eventharvest/internal/storage"
)

const listingPage = `<html><head>
<script type="application/ld+json">
[
  {
    "@type": "MusicEvent",
    "name": "Harbor Jazz Night",
    "startDate": "2026-03-01T20:00:00+01:00",
    "url": "https://bluehall.example/agenda/jazz-night",
    "location": {"@type": "Place", "name": "Blue Hall"}
  },
  {
    "@type": "MusicEvent",
    "name": "Late Night Organ",
    "startDate": "2026-03-02T22:00:00+01:00",
    "url": "https://bluehall.example/agenda/late-organ",
    "location": {"@type": "Place", "name": "Blue Hall"}
  }
]
</script>
</head><body></body></html>`

// pageFetcher serves a fixed page for every URL.
type pageFetcher struct {
	html  string
	calls int
}

func (f *pageFetcher) Fetch(_ context.Context, _ string) (*fetch.Result, error) {
	f.calls++
	return &fetch.Result{HTML: f.html, Status: 200}, nil
}

func testSources() *config.Sources {
	return &config.Sources{Sources: []config.Source{
		{Name: "bluehall", URL: "https://bluehall.example/agenda", City: "Rotterdam", Priority: 1},
	}}
}

func TestPipelineDrainsAndPersists(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	fetcher := &pageFetcher{html: listingPage}
	h := NewHarvester(testSources(), config.Settings{}, fetcher, store, store, store, nil)
	orch := pipeline.New(store, h.Workers(), pipeline.Config{})
	ctx := context.Background()

	if _, err := orch.Discover(ctx, "bluehall", "https://bluehall.example/agenda", 1); err != nil {
		t.Fatalf("discover: %v", err)
	}
	cycles, err := orch.AutoProcess(ctx)
	if err != nil {
		t.Fatalf("auto process: %v", err)
	}
	if cycles != 3 {
		t.Errorf("expected 3 cycles to drain one item, got %d", cycles)
	}

	if store.EventCount() != 2 {
		t.Fatalf("expected 2 persisted events, got %d", store.EventCount())
	}
	found, err := store.FindBySourceURL(ctx, event.CanonicalURL("https://bluehall.example/agenda/jazz-night"))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.Venue != "Blue Hall" || found.City != "Rotterdam" {
		t.Fatalf("unexpected persisted event: %+v", found)
	}
	if found.Category != "music" {
		t.Errorf("expected the MusicEvent hint to map to music, got %q", found.Category)
	}

	runs := store.Runs()
	if len(runs) != 1 || runs[0].Inserted != 2 {
		t.Errorf("expected one run record with 2 inserts, got %+v", runs)
	}

	backlog, err := store.Backlog(ctx)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	for stage, n := range backlog {
		if n != 0 {
			t.Errorf("stage %s should be drained, has %d", stage, n)
		}
	}
}

func TestUnknownSourceParksPermanently(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	h := NewHarvester(testSources(), config.Settings{}, &pageFetcher{html: listingPage}, store, store, store, nil)
	orch := pipeline.New(store, h.Workers(), pipeline.Config{MaxAttempts: 5})
	ctx := context.Background()

	item, err := orch.Discover(ctx, "not-configured", "https://gone.example", 0)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, err := orch.RunStage(ctx, pipeline.StageAnalyzing); err != nil {
		t.Fatalf("run stage: %v", err)
	}

	claimed, err := store.Claim(ctx, pipeline.StageFailed, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != item.ID {
		t.Fatalf("expected the item parked in failed, got %+v", claimed)
	}
}

func TestExtractWithoutEventsIsTransient(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	empty := &pageFetcher{html: "<html><body><p>nothing here</p></body></html>"}
	h := NewHarvester(testSources(), config.Settings{}, empty, store, store, store, nil)
	orch := pipeline.New(store, h.Workers(), pipeline.Config{MaxAttempts: 2})
	ctx := context.Background()

	item, err := orch.Discover(ctx, "bluehall", "https://bluehall.example/agenda", 0)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if err := store.Advance(ctx, item.ID, pipeline.StageAwaitingFetch); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// First failure keeps the item claimable; the second exhausts attempts.
	if _, err := orch.RunStage(ctx, pipeline.StageExtracted); err != nil {
		t.Fatalf("run stage: %v", err)
	}
	backlog, _ := store.Backlog(ctx)
	if backlog[pipeline.StageAwaitingFetch] != 1 {
		t.Fatalf("expected the item still awaiting fetch, got %v", backlog)
	}
	if _, err := orch.RunStage(ctx, pipeline.StageExtracted); err != nil {
		t.Fatalf("run stage: %v", err)
	}
	failed, _ := store.Claim(ctx, pipeline.StageFailed, 10)
	if len(failed) != 1 {
		t.Errorf("expected the item parked after exhausting attempts, got %+v", failed)
	}
}
