package extract

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/citypulse/eventharvest/internal/event"
)

// maxFeedFetches bounds how many candidate feeds are actively retrieved per
// document.
const maxFeedFetches = 3

// conventionalFeedPaths are probed against the document origin when the
// page itself advertises no feed and discovery is enabled.
var conventionalFeedPaths = []string{
	"/feed",
	"/rss",
	"/feed.xml",
	"/rss.xml",
	"/atom.xml",
	"/events.ics",
	"/calendar.ics",
	"/?format=rss",
}

// extractFeeds discovers feed URLs advertised by the document (plus
// conventional paths when enabled), fetches up to maxFeedFetches of them
// through the injected fetcher, and stops at the first feed yielding events.
func extractFeeds(ctx context.Context, doc *goquery.Document, _ string, ec Context) ([]event.RawEventCard, error) {
	if ec.Fetcher == nil {
		return nil, fmt.Errorf("no fetcher injected")
	}

	candidates := discoverFeedURLs(doc, ec)
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) > maxFeedFetches {
		candidates = candidates[:maxFeedFetches]
	}

	var lastErr error
	for _, feedURL := range candidates {
		res, err := ec.Fetcher.Fetch(ctx, feedURL)
		if err != nil {
			lastErr = fmt.Errorf("fetching feed %s: %w", feedURL, err)
			continue
		}
		cards, err := parseFeed(res.HTML, feedURL, ec.BaseURL)
		if err != nil {
			lastErr = err
			continue
		}
		if len(cards) > 0 {
			return cards, nil
		}
	}
	return nil, lastErr
}

// discoverFeedURLs collects RSS/Atom link tags and ICS/webcal anchors from
// the document, deduplicated in discovery order; conventional origin paths
// are appended when nothing was advertised and discovery is enabled.
func discoverFeedURLs(doc *goquery.Document, ec Context) []string {
	seen := make(map[string]bool)
	var urls []string
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		if strings.HasPrefix(raw, "webcal://") {
			raw = "https://" + strings.TrimPrefix(raw, "webcal://")
		}
		resolved := resolveURL(ec.BaseURL, raw)
		if !seen[resolved] {
			seen[resolved] = true
			urls = append(urls, resolved)
		}
	}

	if doc != nil {
		doc.Find(`link[rel="alternate"]`).Each(func(_ int, sel *goquery.Selection) {
			typ, _ := sel.Attr("type")
			if typ == "application/rss+xml" || typ == "application/atom+xml" {
				if href, ok := sel.Attr("href"); ok {
					add(href)
				}
			}
		})
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			lower := strings.ToLower(href)
			if strings.HasSuffix(lower, ".ics") || strings.HasPrefix(lower, "webcal://") {
				add(href)
			}
		})
	}

	if len(urls) == 0 && ec.DiscoverFeeds {
		if origin := originOf(ec.BaseURL); origin != "" {
			for _, path := range conventionalFeedPaths {
				add(origin + path)
			}
		}
	}

	return urls
}

// originOf returns scheme://host for a URL, or "" when it has neither.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// parseFeed sniffs the payload format and dispatches to the right parser.
func parseFeed(body, feedURL, baseURL string) ([]event.RawEventCard, error) {
	trimmed := strings.TrimSpace(body)
	switch {
	case strings.Contains(trimmed, "BEGIN:VCALENDAR"):
		return parseICS(trimmed, feedURL), nil
	case strings.Contains(trimmed, "<feed"):
		return parseAtom(trimmed, baseURL)
	case strings.Contains(trimmed, "<rss") || strings.Contains(trimmed, "<channel"):
		return parseRSS(trimmed, baseURL)
	}
	return nil, fmt.Errorf("unrecognized feed format at %s", feedURL)
}

type rssDoc struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	Category    string `xml:"category"`
}

func parseRSS(body, baseURL string) ([]event.RawEventCard, error) {
	var doc rssDoc
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("parsing RSS: %w", err)
	}
	var cards []event.RawEventCard
	for _, item := range doc.Channel.Items {
		if strings.TrimSpace(item.Title) == "" {
			continue
		}
		cards = append(cards, event.NewRawCard(
			item.Title,
			item.PubDate,
			"",
			stripTags(item.Description),
			resolveURL(baseURL, item.Link),
			"",
			item.Title+" "+item.PubDate,
			strings.ToLower(item.Category),
		))
	}
	return cards, nil
}

type atomDoc struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Summary   string     `xml:"summary"`
	Updated   string     `xml:"updated"`
	Published string     `xml:"published"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

func parseAtom(body, baseURL string) ([]event.RawEventCard, error) {
	var doc atomDoc
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("parsing Atom: %w", err)
	}
	var cards []event.RawEventCard
	for _, entry := range doc.Entries {
		if strings.TrimSpace(entry.Title) == "" {
			continue
		}
		date := entry.Published
		if date == "" {
			date = entry.Updated
		}
		link := ""
		for _, l := range entry.Links {
			if l.Rel == "" || l.Rel == "alternate" {
				link = l.Href
				break
			}
		}
		cards = append(cards, event.NewRawCard(
			entry.Title,
			date,
			"",
			stripTags(entry.Summary),
			resolveURL(baseURL, link),
			"",
			entry.Title+" "+date,
			"",
		))
	}
	return cards, nil
}

// ICS field extraction by line prefix. DTSTART may carry a TZID or VALUE
// qualifier before the colon.
var (
	vevent      = regexp.MustCompile(`(?s)BEGIN:VEVENT(.*?)END:VEVENT`)
	icsSummary  = regexp.MustCompile(`(?m)^SUMMARY(?:;[^:]*)?:(.+)$`)
	icsDtStart  = regexp.MustCompile(`(?m)^DTSTART(?:;[^:]*)?:(.+)$`)
	icsLocation = regexp.MustCompile(`(?m)^LOCATION(?:;[^:]*)?:(.+)$`)
	icsDesc     = regexp.MustCompile(`(?m)^DESCRIPTION(?:;[^:]*)?:(.+)$`)
	icsURL      = regexp.MustCompile(`(?m)^URL(?:;[^:]*)?:(.+)$`)
)

func parseICS(body, feedURL string) []event.RawEventCard {
	var cards []event.RawEventCard
	for _, block := range vevent.FindAllStringSubmatch(body, -1) {
		content := block[1]
		title := icsField(icsSummary, content)
		if title == "" {
			continue
		}
		detail := icsField(icsURL, content)
		if detail == "" {
			detail = feedURL
		}
		cards = append(cards, event.NewRawCard(
			title,
			icsField(icsDtStart, content),
			icsField(icsLocation, content),
			icsField(icsDesc, content),
			detail,
			"",
			content,
			"",
		))
	}
	return cards
}

func icsField(re *regexp.Regexp, content string) string {
	m := re.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	v := strings.TrimSpace(m[1])
	v = strings.ReplaceAll(v, `\,`, ",")
	v = strings.ReplaceAll(v, `\n`, " ")
	return v
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// stripTags removes markup from feed descriptions, which frequently embed
// HTML inside CDATA.
func stripTags(s string) string {
	return strings.TrimSpace(tagRe.ReplaceAllString(s, " "))
}
