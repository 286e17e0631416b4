package event

import (
	"crypto/sha1"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MaxRawHTMLLen bounds the debug snapshot kept on a RawEventCard so that
// large listing pages do not balloon queue payloads.
const MaxRawHTMLLen = 2000

// TimeMode describes how an event's start/end times should be interpreted.
type TimeMode string

const (
	// TimeModeExact means StartTime is a concrete moment the event begins.
	TimeModeExact TimeMode = "exact"
	// TimeModeWindow means the event runs during an open window (e.g. an
	// exhibition); a start time is not required to be present.
	TimeModeWindow TimeMode = "window"
)

// RawEventCard is a candidate event as extracted from a page, before any
// normalization or date parsing. Cards are immutable once created: every
// extractor builds them through NewRawCard and never mutates them after.
type RawEventCard struct {
	Title        string `json:"title"`
	DateText     string `json:"date_text"`
	Location     string `json:"location"`
	Description  string `json:"description"`
	DetailURL    string `json:"detail_url"`
	ImageURL     string `json:"image_url,omitempty"`
	RawHTML      string `json:"raw_html"`
	CategoryHint string `json:"category_hint,omitempty"`
}

// NewRawCard creates a RawEventCard with trimmed fields and a bounded raw
// HTML snapshot.
func NewRawCard(title, dateText, location, description, detailURL, imageURL, rawHTML, categoryHint string) RawEventCard {
	if len(rawHTML) > MaxRawHTMLLen {
		rawHTML = rawHTML[:MaxRawHTMLLen]
	}
	return RawEventCard{
		Title:        strings.TrimSpace(title),
		DateText:     strings.TrimSpace(dateText),
		Location:     strings.TrimSpace(location),
		Description:  strings.TrimSpace(description),
		DetailURL:    strings.TrimSpace(detailURL),
		ImageURL:     strings.TrimSpace(imageURL),
		RawHTML:      rawHTML,
		CategoryHint: categoryHint,
	}
}

// ScrapedEvent is a normalized event record ready for persistence.
type ScrapedEvent struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	StartTime   string   `json:"start_time,omitempty"` // RFC 3339
	EndTime     string   `json:"end_time,omitempty"`   // RFC 3339
	Venue       string   `json:"venue,omitempty"`
	Address     string   `json:"address,omitempty"`
	City        string   `json:"city"`
	TicketURL   string   `json:"ticket_url,omitempty"`
	WebsiteURL  string   `json:"website_url,omitempty"`
	PriceMin    *float64 `json:"price_min,omitempty"`
	PriceMax    *float64 `json:"price_max,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
	Category    string   `json:"category,omitempty"`
	SourceURL   string   `json:"source_url"`
	TimeMode    TimeMode `json:"time_mode"`
	PlaceID     string   `json:"place_id,omitempty"` // external venue identifier, if known
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// GenerateID creates a deterministic identifier for an event based on its
// canonical source URL and name.
func GenerateID(sourceURL, name string) string {
	h := sha1.New()
	h.Write([]byte(CanonicalURL(sourceURL) + "|" + name))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// StableKey creates a normalized identity key that survives cosmetic title
// edits: lowercase, collapsed whitespace.
func StableKey(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	h := sha1.New()
	h.Write([]byte(strings.Join(fields, " ")))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// CanonicalURL normalizes a source URL for use as a deduplication key:
// lowercased scheme and host, no fragment, no trailing slash on the path.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// ParseISOTime parses an RFC 3339 timestamp, accepting a date-only form
// (YYYY-MM-DD) since many listings publish day precision only.
func ParseISOTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// IsISOTime reports whether s parses as an RFC 3339 timestamp or date.
func IsISOTime(s string) bool {
	_, err := ParseISOTime(s)
	return err == nil
}

// SameCalendarDay reports whether two ISO timestamps fall on the same
// calendar day. Unparseable inputs never match.
func SameCalendarDay(a, b string) bool {
	ta, err := ParseISOTime(a)
	if err != nil {
		return false
	}
	tb, err := ParseISOTime(b)
	if err != nil {
		return false
	}
	return ta.Year() == tb.Year() && ta.Month() == tb.Month() && ta.Day() == tb.Day()
}
