// Package analyzer classifies a document (and optionally its scrape
// history) to recommend the cheapest retrieval method that will still work
// for the source.
//
// Three fetcher classes are ranked by cost: plain HTTP, a render-capable
// headless fetcher, and an anti-bot proxy fetcher. Signals found in the
// HTML push weight toward one class; the highest-scoring class wins and the
// normalized share of its score becomes the confidence.
package analyzer

import (
	"fmt"
	"regexp"
	"strings"
)

// Fetcher classes in ascending cost order.
const (
	FetcherHTTP     = "http"
	FetcherHeadless = "headless"
	FetcherProxy    = "proxy"
)

// costRank orders fetcher classes from cheapest to most expensive.
var costRank = map[string]int{
	FetcherHTTP:     0,
	FetcherHeadless: 1,
	FetcherProxy:    2,
}

// DowngradeConfidence is the minimum confidence required before recommending
// a cheaper fetcher than the one currently configured. Upgrades have no
// threshold; downgrades are gated to avoid flapping.
const DowngradeConfidence = 0.6

// Baseline scores favor cheaper fetchers so that a signal-free page stays
// on plain HTTP.
var baselines = map[string]float64{
	FetcherHTTP:     1.0,
	FetcherHeadless: 0.4,
	FetcherProxy:    0.2,
}

// History summarizes past scrape outcomes for a source.
type History struct {
	ConsecutiveFailures int
	// SuccessRate is the fraction of past runs that yielded events.
	SuccessRate float64
	// TotalEvents is the lifetime event count for the source.
	TotalEvents int
}

// Result is the analyzer's recommendation.
type Result struct {
	RecommendedFetcher string   `json:"recommended_fetcher"`
	Confidence         float64  `json:"confidence"`
	Signals            []string `json:"signals"`
	Reasoning          string   `json:"reasoning"`
	ShouldUpgrade      bool     `json:"should_upgrade"`
	ShouldDowngrade    bool     `json:"should_downgrade"`
}

// signal is one weighted fingerprint pattern.
type signal struct {
	name    string
	pattern *regexp.Regexp
	class   string
	weight  float64
}

var signals = []signal{
	// Render-dependency fingerprints: the page needs a JS runtime before
	// its content exists in the DOM.
	{"react-root", regexp.MustCompile(`<div[^>]+id=["'](root|app)["'][^>]*>\s*</div>`), FetcherHeadless, 2.0},
	{"angular-root", regexp.MustCompile(`<app-root[^>]*>\s*</app-root>`), FetcherHeadless, 2.0},
	{"hydration-marker", regexp.MustCompile(`(?i)(__NEXT_DATA__|__NUXT__|__INITIAL_STATE__|__PRELOADED_STATE__|__APOLLO_STATE__|data-page=)`), FetcherHeadless, 2.0},
	{"client-routing", regexp.MustCompile(`(?i)(react-router|vue-router|history\.pushState)`), FetcherHeadless, 1.0},
	{"lazy-load", regexp.MustCompile(`(?i)(data-lazy|lazyload)`), FetcherHeadless, 0.5},
	{"infinite-scroll", regexp.MustCompile(`(?i)(infinite-scroll|infinitescroll|load-more)`), FetcherHeadless, 1.0},
	{"spa-bundle", regexp.MustCompile(`(?i)src=["'][^"']*(bundle|chunk|runtime)[-.~][^"']*\.js`), FetcherHeadless, 0.5},

	// Anti-bot fingerprints: plain requests will be challenged.
	{"cloudflare-challenge", regexp.MustCompile(`(?i)(cf-browser-verification|cf_chl_opt|challenge-platform|just a moment)`), FetcherProxy, 3.0},
	{"datadome", regexp.MustCompile(`(?i)datadome`), FetcherProxy, 3.0},
	{"perimeterx", regexp.MustCompile(`(?i)(px-captcha|_pxhd)`), FetcherProxy, 3.0},
	{"generic-captcha", regexp.MustCompile(`(?i)(hcaptcha|recaptcha/api\.js)`), FetcherProxy, 1.5},

	// Static-friendliness fingerprints: content is already in the markup.
	{"structured-data", regexp.MustCompile(`application/ld\+json`), FetcherHTTP, 2.0},
	{"feed-link", regexp.MustCompile(`(?i)type=["']application/(rss|atom)\+xml["']`), FetcherHTTP, 1.5},
	{"static-cms", regexp.MustCompile(`(?i)(wp-content|wp-includes|/sites/default/files|squarespace\.com|cdn\.shopify)`), FetcherHTTP, 1.0},
}

var htmlCommentRe = regexp.MustCompile(`<!--`)

// Analyze scores html (plus optional history) and recommends a fetcher.
// current is the fetcher class the source is configured with today and
// drives the upgrade/downgrade flags; an unknown current class leaves both
// flags false.
func Analyze(html string, hist *History, current string) Result {
	scores := map[string]float64{}
	for class, base := range baselines {
		scores[class] = base
	}

	var found []string
	for _, sig := range signals {
		if sig.pattern.MatchString(html) {
			scores[sig.class] += sig.weight
			found = append(found, sig.name)
		}
	}

	// Server-rendered pages from older CMSes tend to be comment-heavy;
	// treat high comment density as a static-friendliness signal.
	if len(html) > 0 {
		density := float64(len(htmlCommentRe.FindAllString(html, -1))) / float64(len(html)/1000+1)
		if density >= 2 {
			scores[FetcherHTTP] += 1.0
			found = append(found, "comment-density")
		}
	}

	if hist != nil {
		if hist.ConsecutiveFailures >= 3 {
			scores[FetcherHeadless] += 1.0
			scores[FetcherProxy] += 0.5
			found = append(found, "consecutive-failures")
		}
		if hist.SuccessRate < 0.5 && hist.TotalEvents > 0 {
			scores[FetcherHeadless] += 1.0
			found = append(found, "low-success-rate")
		}
	}

	recommended := FetcherHTTP
	var total float64
	for class, score := range scores {
		total += score
		if score > scores[recommended] ||
			(score == scores[recommended] && costRank[class] < costRank[recommended]) {
			recommended = class
		}
	}

	confidence := 0.0
	if total > 0 {
		confidence = scores[recommended] / total
	}

	res := Result{
		RecommendedFetcher: recommended,
		Confidence:         confidence,
		Signals:            found,
		Reasoning: fmt.Sprintf("%s scored %.2f of %.2f total across %d signals",
			recommended, scores[recommended], total, len(found)),
	}

	if rank, ok := costRank[current]; ok {
		if costRank[recommended] > rank {
			res.ShouldUpgrade = true
		}
		if costRank[recommended] < rank && confidence >= DowngradeConfidence {
			res.ShouldDowngrade = true
		}
	}
	return res
}

// CheapestSufficient returns the cheaper of two fetcher classes; unknown
// classes lose to known ones.
func CheapestSufficient(a, b string) string {
	ra, okA := costRank[a]
	rb, okB := costRank[b]
	switch {
	case !okA:
		return b
	case !okB:
		return a
	case ra <= rb:
		return a
	default:
		return b
	}
}

// Normalize lowercases and validates a fetcher class name, defaulting to
// plain HTTP.
func Normalize(class string) string {
	class = strings.ToLower(strings.TrimSpace(class))
	if _, ok := costRank[class]; ok {
		return class
	}
	return FetcherHTTP
}
