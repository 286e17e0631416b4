package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/citypulse/eventharvest/internal/event"
)

// eventTypeHints maps accepted schema.org Event subtypes to a coarse
// category hint. The generic Event type is accepted but carries no hint.
var eventTypeHints = map[string]string{
	"Event":           "",
	"MusicEvent":      "music",
	"FoodEvent":       "foodie",
	"TheaterEvent":    "culture",
	"SportsEvent":     "sports",
	"ComedyEvent":     "comedy",
	"Festival":        "festival",
	"DanceEvent":      "music",
	"ExhibitionEvent": "culture",
	"ScreeningEvent":  "culture",
	"SocialEvent":     "",
	"EducationEvent":  "workshop",
	"ChildrensEvent":  "family",
}

// extractStructured parses every embedded JSON-LD block, flattens @graph
// containers, filters to schema.org Event subtypes, and maps them into
// RawEventCards. Per-block parse failures are non-fatal.
func extractStructured(_ context.Context, doc *goquery.Document, _ string, ec Context) ([]event.RawEventCard, error) {
	if doc == nil {
		return nil, fmt.Errorf("document not parseable")
	}

	var cards []event.RawEventCard
	var lastErr error

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		block := strings.TrimSpace(sel.Text())
		if block == "" {
			return
		}
		parsed, err := ParseJSONLoose(block)
		if err != nil {
			lastErr = fmt.Errorf("ld+json block unparseable: %w", err)
			return
		}
		for _, node := range flattenGraph(parsed) {
			hint, ok := eventTypeHint(node)
			if !ok {
				continue
			}
			cards = append(cards, structuredCard(node, block, hint, ec.BaseURL))
		}
	})

	if len(cards) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return cards, nil
}

// flattenGraph expands a parsed JSON-LD value into its constituent nodes:
// top-level arrays enumerate, @graph containers unwrap, everything else is
// a single node.
func flattenGraph(v interface{}) []map[string]interface{} {
	var nodes []map[string]interface{}
	switch t := v.(type) {
	case []interface{}:
		for _, item := range t {
			nodes = append(nodes, flattenGraph(item)...)
		}
	case map[string]interface{}:
		if graph, ok := t["@graph"].([]interface{}); ok {
			for _, item := range graph {
				nodes = append(nodes, flattenGraph(item)...)
			}
			return nodes
		}
		nodes = append(nodes, t)
	}
	return nodes
}

// eventTypeHint reports whether the node's @type is an accepted Event
// subtype and returns its category hint. @type may be a string or a list.
func eventTypeHint(node map[string]interface{}) (string, bool) {
	switch t := node["@type"].(type) {
	case string:
		hint, ok := eventTypeHints[t]
		return hint, ok
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok {
				if hint, accepted := eventTypeHints[s]; accepted {
					return hint, true
				}
			}
		}
	}
	return "", false
}

// structuredCard maps a schema.org Event node into a RawEventCard.
func structuredCard(node map[string]interface{}, block, hint, baseURL string) event.RawEventCard {
	title, _ := node["name"].(string)
	date, _ := node["startDate"].(string)
	description, _ := node["description"].(string)

	detail, _ := node["url"].(string)
	if detail != "" {
		detail = resolveURL(baseURL, detail)
	}

	image := schemaImage(node["image"])
	if image != "" {
		image = resolveURL(baseURL, image)
	}

	return event.NewRawCard(title, date, schemaLocation(node["location"]), description, detail, image, block, hint)
}

// schemaLocation renders a schema.org location value as display text. Place
// objects concatenate their name with a flattened postal address.
func schemaLocation(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		if len(t) > 0 {
			return schemaLocation(t[0])
		}
	case map[string]interface{}:
		parts := []string{}
		if name, _ := t["name"].(string); name != "" {
			parts = append(parts, name)
		}
		if addr := postalAddress(t["address"]); addr != "" {
			parts = append(parts, addr)
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

// postalAddress flattens a schema.org PostalAddress into
// "street, locality postalcode" form; plain strings pass through.
func postalAddress(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		street, _ := t["streetAddress"].(string)
		locality, _ := t["addressLocality"].(string)
		postal, _ := t["postalCode"].(string)

		var parts []string
		if street != "" {
			parts = append(parts, street)
		}
		place := strings.TrimSpace(postal + " " + locality)
		if place != "" {
			parts = append(parts, place)
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

// schemaImage resolves a schema.org image value, which may be a URL string,
// a list of URLs, or an ImageObject.
func schemaImage(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		if len(t) > 0 {
			return schemaImage(t[0])
		}
	case map[string]interface{}:
		if u, ok := t["url"].(string); ok {
			return u
		}
	}
	return ""
}
