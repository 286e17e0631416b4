package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/citypulse/eventharvest/internal/event"
)

// Embedded-state markers used by common client frameworks. Script-block
// markers are located by id; assignment markers by a targeted pattern scan
// over the raw document, never by evaluating anything.
var (
	scriptMarkerIDs = []string{"__NEXT_DATA__"}

	assignmentMarkers = []*regexp.Regexp{
		regexp.MustCompile(`window\.__INITIAL_STATE__\s*=`),
		regexp.MustCompile(`window\.__PRELOADED_STATE__\s*=`),
		regexp.MustCompile(`window\.__NUXT__\s*=`),
		regexp.MustCompile(`window\.__APOLLO_STATE__\s*=`),
		regexp.MustCompile(`window\.__DATA__\s*=`),
	}
)

// extractHydration scans for embedded framework state, parses each payload
// as structured data (with soft repair on failure), and walks the parsed
// value for event-like objects. Per-marker failures are non-fatal.
func extractHydration(_ context.Context, doc *goquery.Document, html string, ec Context) ([]event.RawEventCard, error) {
	var cards []event.RawEventCard
	var lastErr error

	for _, payload := range hydrationPayloads(doc, html) {
		parsed, err := ParseJSONLoose(payload)
		if err != nil {
			lastErr = fmt.Errorf("hydration payload unparseable: %w", err)
			continue
		}
		for _, obj := range collectEventLike(parsed, 0) {
			cards = append(cards, hydrationCard(obj, payload, ec.BaseURL))
		}
	}

	if len(cards) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return cards, nil
}

// hydrationPayloads collects candidate JSON payloads from script-block and
// global-assignment markers, in document order per marker kind.
func hydrationPayloads(doc *goquery.Document, html string) []string {
	var payloads []string

	if doc != nil {
		for _, id := range scriptMarkerIDs {
			doc.Find("script#" + id).Each(func(_ int, sel *goquery.Selection) {
				if text := strings.TrimSpace(sel.Text()); text != "" {
					payloads = append(payloads, text)
				}
			})
		}
		// Inertia-style pages embed state in a data-page attribute.
		doc.Find("[data-page]").Each(func(_ int, sel *goquery.Selection) {
			if attr, ok := sel.Attr("data-page"); ok && strings.TrimSpace(attr) != "" {
				payloads = append(payloads, attr)
			}
		})
	}

	for _, marker := range assignmentMarkers {
		loc := marker.FindStringIndex(html)
		if loc == nil {
			continue
		}
		if payload, ok := balancedJSON(html, loc[1]); ok {
			payloads = append(payloads, payload)
		}
	}

	return payloads
}

// balancedJSON extracts a brace-balanced object or bracket-balanced array
// starting at or after pos, skipping over string literals.
func balancedJSON(s string, pos int) (string, bool) {
	start := -1
	var opener, closer byte
	for i := pos; i < len(s); i++ {
		c := s[i]
		if c == '{' || c == '[' {
			start = i
			opener, closer = c, c+2 // '{'+2 == '}', '['+2 == ']'
			break
		}
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			return "", false
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	var quote byte
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				inString = false
			}
			continue
		}
		switch c {
		case '"', '\'':
			inString = true
			quote = c
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// hydrationCard maps an event-like object into a RawEventCard via key-alias
// resolution.
func hydrationCard(obj map[string]interface{}, payload, baseURL string) event.RawEventCard {
	detail := aliasString(obj, urlKeys)
	if detail != "" {
		detail = resolveURL(baseURL, detail)
	}
	image := aliasString(obj, imageKeys)
	if image != "" {
		image = resolveURL(baseURL, image)
	}
	return event.NewRawCard(
		aliasString(obj, titleKeys),
		aliasString(obj, dateKeys),
		aliasString(obj, locationKeys),
		aliasString(obj, descKeys),
		detail,
		image,
		payload,
		aliasString(obj, categoryKeys),
	)
}
