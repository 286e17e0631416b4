package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/citypulse/eventharvest/internal/event"
	"github.com/citypulse/eventharvest/internal/fetch"
)

// Strategy names, in waterfall priority order.
const (
	StrategyHydration  = "hydration"
	StrategyStructured = "structured"
	StrategyFeed       = "feed"
	StrategyDOM        = "dom"
)

// defaultOrder is the fixed priority order strategies are attempted in.
var defaultOrder = []string{StrategyHydration, StrategyStructured, StrategyFeed, StrategyDOM}

// Context carries the per-document inputs a strategy may need.
type Context struct {
	// BaseURL resolves relative detail/image URLs found in the document.
	BaseURL string
	// Preferred, when set to a strategy name, is tried first; the relative
	// order of the remaining strategies is preserved.
	Preferred string
	// DiscoverFeeds enables probing conventional feed paths when the
	// document itself advertises none.
	DiscoverFeeds bool
	// CustomSelectors are tried ahead of the generic DOM fallback selectors.
	CustomSelectors []string
	// Fetcher is used only by the feed strategy for secondary fetches.
	Fetcher fetch.Fetcher
}

// Result records one strategy attempt. Found always equals len(Events).
type Result struct {
	Strategy string
	Tried    bool
	Found    int
	Err      string
	Events   []event.RawEventCard
	TimeMs   int64
}

// TraceEntry is a Result without its events, kept for every attempted
// strategy whether or not it won.
type TraceEntry struct {
	Tried  bool   `json:"tried"`
	Found  int    `json:"found"`
	Err    string `json:"error,omitempty"`
	TimeMs int64  `json:"time_ms"`
}

// WaterfallResult is the outcome of running the full waterfall over one
// document. Events come from exactly one strategy: the first to find any.
type WaterfallResult struct {
	WinningStrategy string                `json:"winning_strategy,omitempty"`
	TotalEvents     int                   `json:"total_events"`
	Events          []event.RawEventCard  `json:"events"`
	StrategyTrace   map[string]TraceEntry `json:"strategy_trace"`
	TotalTimeMs     int64                 `json:"total_time_ms"`
}

type strategyFunc func(ctx context.Context, doc *goquery.Document, html string, ec Context) ([]event.RawEventCard, error)

var strategies = map[string]strategyFunc{
	StrategyHydration:  extractHydration,
	StrategyStructured: extractStructured,
	StrategyFeed:       extractFeeds,
	StrategyDOM:        extractDOM,
}

// Run executes the waterfall over html, halting at the first strategy that
// yields events.
func Run(ctx context.Context, html string, ec Context) WaterfallResult {
	started := time.Now()
	result := WaterfallResult{
		Events:        []event.RawEventCard{},
		StrategyTrace: make(map[string]TraceEntry),
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// Strategies that need a parsed document degrade to zero results;
		// hydration still works off the raw text.
		doc = nil
	}

	for _, name := range orderWithPreferred(ec.Preferred) {
		attempt := runStrategy(ctx, name, doc, html, ec)
		result.StrategyTrace[name] = TraceEntry{
			Tried:  attempt.Tried,
			Found:  attempt.Found,
			Err:    attempt.Err,
			TimeMs: attempt.TimeMs,
		}
		if attempt.Found > 0 {
			result.WinningStrategy = name
			result.Events = attempt.Events
			result.TotalEvents = attempt.Found
			break
		}
	}

	result.TotalTimeMs = time.Since(started).Milliseconds()
	return result
}

// orderWithPreferred returns the strategy order with preferred (if valid)
// moved to the front; the relative order of the rest is unchanged.
func orderWithPreferred(preferred string) []string {
	if _, ok := strategies[preferred]; !ok {
		return defaultOrder
	}
	order := make([]string, 0, len(defaultOrder))
	order = append(order, preferred)
	for _, name := range defaultOrder {
		if name != preferred {
			order = append(order, name)
		}
	}
	return order
}

// runStrategy invokes one strategy, converting panics and errors into a
// zero-result so the waterfall always continues.
func runStrategy(ctx context.Context, name string, doc *goquery.Document, html string, ec Context) (res Result) {
	started := time.Now()
	res = Result{Strategy: name, Tried: true}
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Sprintf("strategy panic: %v", r)
			res.Events = nil
			res.Found = 0
		}
		res.TimeMs = time.Since(started).Milliseconds()
	}()

	events, err := strategies[name](ctx, doc, html, ec)
	if err != nil {
		res.Err = err.Error()
	}
	res.Events = events
	res.Found = len(events)
	return res
}

// resolveURL resolves ref against base, returning ref unchanged when either
// side fails to parse.
func resolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
