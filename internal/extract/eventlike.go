package extract

import (
	"fmt"
	"strings"
)

// maxWalkDepth bounds the recursive search through hydration payloads.
const maxWalkDepth = 10

// Accepted key aliases for the duck-typed event classifier. Matching is
// case-insensitive.
var (
	titleKeys    = []string{"title", "name", "eventname", "headline"}
	dateKeys     = []string{"date", "startdate", "start_date", "starttime", "start_time", "start", "datetime", "eventdate", "when", "begins"}
	locationKeys = []string{"location", "venue", "place", "address", "locationname", "venuename", "where"}
	descKeys     = []string{"description", "summary", "excerpt", "details", "teaser", "text"}
	urlKeys      = []string{"url", "link", "href", "detailurl", "permalink", "website"}
	imageKeys    = []string{"image", "imageurl", "img", "thumbnail", "photo", "cover"}
	categoryKeys = []string{"category", "genre", "kind"}
)

// lookupAlias returns the first value in m whose key matches any alias,
// case-insensitively.
func lookupAlias(m map[string]interface{}, aliases []string) (interface{}, bool) {
	for _, alias := range aliases {
		for k, v := range m {
			if strings.ToLower(k) == alias {
				return v, true
			}
		}
	}
	return nil, false
}

// aliasString resolves an alias to a display string. Nested objects resolve
// through their own title-bearing key (e.g. location: {name: "..."}).
func aliasString(m map[string]interface{}, aliases []string) string {
	v, ok := lookupAlias(m, aliases)
	if !ok {
		return ""
	}
	return stringify(v)
}

// stringify flattens a payload value to text: strings pass through, numbers
// format plainly, objects resolve via their own name/title, arrays use their
// first element.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	case map[string]interface{}:
		if s := aliasString(t, titleKeys); s != "" {
			return s
		}
		return ""
	case []interface{}:
		if len(t) > 0 {
			return stringify(t[0])
		}
	}
	return ""
}

// isEventLike reports whether a generic map looks like an event: it carries
// a non-empty title-bearing key and at least one of a date-bearing or
// location-bearing key.
func isEventLike(m map[string]interface{}) bool {
	if aliasString(m, titleKeys) == "" {
		return false
	}
	if _, ok := lookupAlias(m, dateKeys); ok {
		return true
	}
	_, ok := lookupAlias(m, locationKeys)
	return ok
}

// collectEventLike walks v depth-first (bounded by maxWalkDepth) and
// accumulates every sub-object that satisfies isEventLike. Matched objects
// are not descended into, so a matched event does not also contribute its
// nested sub-objects.
func collectEventLike(v interface{}, depth int) []map[string]interface{} {
	var out []map[string]interface{}
	if depth > maxWalkDepth {
		return out
	}
	switch t := v.(type) {
	case map[string]interface{}:
		if isEventLike(t) {
			return []map[string]interface{}{t}
		}
		for _, child := range t {
			out = append(out, collectEventLike(child, depth+1)...)
		}
	case []interface{}:
		for _, child := range t {
			out = append(out, collectEventLike(child, depth+1)...)
		}
	}
	return out
}
