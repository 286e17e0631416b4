package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/citypulse/eventharvest/internal/event"
)

// defaultSelectors is the ordered list of generic container patterns tried
// by the DOM fallback, from most to least specific. The first selector that
// matches any elements is used for the whole page.
var defaultSelectors = []string{
	"[class*='event-card']",
	"[class*='event-item']",
	"[class*='eventItem']",
	"article[class*='event']",
	"li[class*='event']",
	"div[class*='event']",
	"[class*='agenda-item']",
	"[class*='agenda']",
	"[itemtype*='Event']",
	"article[class*='card']",
	"li[class*='card']",
}

// Month-name date scan covering English, German, and Dutch abbreviations,
// plus numeric D/M/Y-style dates.
var (
	monthDateRe   = regexp.MustCompile(`(?i)\b\d{1,2}\.?\s*(jan|feb|mar|mär|mrt|apr|may|mai|mei|jun|jul|aug|sep|okt|oct|nov|dec|dez)[a-z]*\.?\s*\d{0,4}`)
	numericDateRe = regexp.MustCompile(`\b\d{1,2}[./-]\d{1,2}[./-]\d{2,4}\b`)
	bgImageRe     = regexp.MustCompile(`background-image\s*:\s*url\(['"]?([^'")]+)['"]?\)`)
)

// Class-name heuristics for locating supporting fields within a matched
// container.
const (
	locationSelector = "[class*='location'], [class*='venue'], [class*='place'], [class*='where']"
	descSelector     = "[class*='desc'], [class*='summary'], [class*='excerpt'], [class*='teaser']"
)

// extractDOM is the lowest-fidelity strategy: it walks generic container
// selectors and assembles cards from per-element heuristics.
func extractDOM(_ context.Context, doc *goquery.Document, _ string, ec Context) ([]event.RawEventCard, error) {
	if doc == nil {
		return nil, fmt.Errorf("document not parseable")
	}

	selectors := append(append([]string{}, ec.CustomSelectors...), defaultSelectors...)

	var matched *goquery.Selection
	for _, selector := range selectors {
		sel := doc.Find(selector)
		if sel.Length() > 0 {
			matched = sel
			break
		}
	}
	if matched == nil {
		return nil, nil
	}

	var cards []event.RawEventCard
	matched.Each(func(_ int, el *goquery.Selection) {
		card, ok := domCard(el, ec.BaseURL)
		if ok {
			cards = append(cards, card)
		}
	})
	return cards, nil
}

// domCard assembles a card from one matched container. Elements without a
// usable title are skipped.
func domCard(el *goquery.Selection, baseURL string) (event.RawEventCard, bool) {
	title := elementTitle(el)
	if len(title) < 3 {
		return event.RawEventCard{}, false
	}

	rawHTML, _ := goquery.OuterHtml(el)

	return event.NewRawCard(
		title,
		elementDate(el),
		firstText(el, locationSelector),
		firstText(el, descSelector),
		resolveURL(baseURL, elementHref(el)),
		resolveURL(baseURL, elementImage(el)),
		rawHTML,
		"",
	), true
}

// elementTitle prefers heading text, falling back to the first anchor.
func elementTitle(el *goquery.Selection) string {
	if t := firstText(el, "h1, h2, h3, h4"); t != "" {
		return t
	}
	return firstText(el, "a")
}

// elementDate looks for a time-like node, then any datetime attribute, then
// scans the element text with the multi-locale date patterns.
func elementDate(el *goquery.Selection) string {
	timeNode := el.Find("time").First()
	if timeNode.Length() > 0 {
		if dt, ok := timeNode.Attr("datetime"); ok && strings.TrimSpace(dt) != "" {
			return strings.TrimSpace(dt)
		}
		if t := strings.TrimSpace(timeNode.Text()); t != "" {
			return t
		}
	}
	if dt, ok := el.Find("[datetime]").First().Attr("datetime"); ok && strings.TrimSpace(dt) != "" {
		return strings.TrimSpace(dt)
	}

	text := el.Text()
	if m := monthDateRe.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	if m := numericDateRe.FindString(text); m != "" {
		return m
	}
	return ""
}

// elementHref returns the element's own href when it is an anchor,
// otherwise the first descendant anchor's href.
func elementHref(el *goquery.Selection) string {
	if href, ok := el.Attr("href"); ok {
		return href
	}
	href, _ := el.Find("a[href]").First().Attr("href")
	return href
}

// elementImage returns an img src (or lazy-load data-src), falling back to
// an inline background-image style.
func elementImage(el *goquery.Selection) string {
	img := el.Find("img").First()
	if img.Length() > 0 {
		if src, ok := img.Attr("src"); ok && src != "" {
			return src
		}
		if src, ok := img.Attr("data-src"); ok && src != "" {
			return src
		}
	}

	found := ""
	el.Find("[style]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		style, _ := s.Attr("style")
		if m := bgImageRe.FindStringSubmatch(style); m != nil {
			found = m[1]
			return false
		}
		return true
	})
	if found == "" {
		if style, ok := el.Attr("style"); ok {
			if m := bgImageRe.FindStringSubmatch(style); m != nil {
				found = m[1]
			}
		}
	}
	return found
}

// firstText returns the trimmed text of the first node matching selector.
func firstText(el *goquery.Selection, selector string) string {
	return strings.TrimSpace(el.Find(selector).First().Text())
}
