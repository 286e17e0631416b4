package extract

import (
	"context"
	"testing"
)

func TestDOMFirstMatchingSelectorWins(t *testing.T) {
	// Both event-card and agenda containers exist; the higher-priority
	// selector must be used for the whole page, with no mixing.
	page := `<html><body>
<div class="event-card"><h3>Jazz Night</h3><time datetime="2026-03-01T20:00">1 Mar</time><a href="/e/jazz">more</a></div>
<div class="event-card"><h3>Vinyl Market</h3><span>7. Mär 2026</span></div>
<div class="agenda-item"><h3>Should Not Appear</h3></div>
</body></html>`

	cards, err := extractDOM(context.Background(), docFrom(t, page), page, Context{BaseURL: "https://x.test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards from the winning selector only, got %d", len(cards))
	}
	for _, c := range cards {
		if c.Title == "Should Not Appear" {
			t.Error("lower-priority selector results must not be mixed in")
		}
	}
}

func TestDOMCustomSelectorsTakePriority(t *testing.T) {
	page := `<html><body>
<section class="veranstaltung"><h2>Stadtfest</h2><p>12.06.2026</p></section>
<div class="event-card"><h3>Generic Hit</h3></div>
</body></html>`

	cards, err := extractDOM(context.Background(), docFrom(t, page), page, Context{
		BaseURL:         "https://x.test",
		CustomSelectors: []string{".veranstaltung"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cards) != 1 || cards[0].Title != "Stadtfest" {
		t.Fatalf("expected custom selector to win, got %+v", cards)
	}
	if cards[0].DateText != "12.06.2026" {
		t.Errorf("numeric date not found: %q", cards[0].DateText)
	}
}

func TestDOMDateExtraction(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			"time element datetime attribute",
			`<div class="event-card"><h3>A Concert</h3><time datetime="2026-03-01">Sunday</time></div>`,
			"2026-03-01",
		},
		{
			"datetime attribute on other node",
			`<div class="event-card"><h3>A Concert</h3><span datetime="2026-04-02">soon</span></div>`,
			"2026-04-02",
		},
		{
			"english month name",
			`<div class="event-card"><h3>A Concert</h3><p>Doors open 14 Mar 2026 at eight</p></div>`,
			"14 Mar 2026",
		},
		{
			"german month name",
			`<div class="event-card"><h3>A Concert</h3><p>am 6. Jun 2026</p></div>`,
			"6. Jun 2026",
		},
		{
			"dutch month name",
			`<div class="event-card"><h3>A Concert</h3><p>vanaf 3 mrt</p></div>`,
			"3 mrt",
		},
		{
			"numeric date",
			`<div class="event-card"><h3>A Concert</h3><p>op 01-03-2026</p></div>`,
			"01-03-2026",
		},
		{
			"no date",
			`<div class="event-card"><h3>A Concert</h3><p>sometime soon</p></div>`,
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := "<html><body>" + tt.html + "</body></html>"
			cards, err := extractDOM(context.Background(), docFrom(t, page), page, Context{BaseURL: "https://x.test"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(cards) != 1 {
				t.Fatalf("expected 1 card, got %d", len(cards))
			}
			if cards[0].DateText != tt.want {
				t.Errorf("expected date %q, got %q", tt.want, cards[0].DateText)
			}
		})
	}
}

func TestDOMImageFromBackgroundStyle(t *testing.T) {
	page := `<html><body>
<div class="event-card" style="background-image: url('/img/hero.jpg')"><h3>Open Air</h3><p>1 May</p></div>
</body></html>`

	cards, err := extractDOM(context.Background(), docFrom(t, page), page, Context{BaseURL: "https://x.test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("expected 1 card, got %d", len(cards))
	}
	if cards[0].ImageURL != "https://x.test/img/hero.jpg" {
		t.Errorf("background image not extracted/resolved: %q", cards[0].ImageURL)
	}
}

func TestDOMLocationAndDescriptionHeuristics(t *testing.T) {
	page := `<html><body>
<li class="event-item">
  <h3>Harbour Concert</h3>
  <span class="venue-name">Pier 7</span>
  <p class="teaser">Brass bands all evening.</p>
  <img src="/img/pier.jpg">
  <a href="/e/harbour">details</a>
</li>
</body></html>`

	cards, err := extractDOM(context.Background(), docFrom(t, page), page, Context{BaseURL: "https://x.test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("expected 1 card, got %d", len(cards))
	}
	card := cards[0]
	if card.Location != "Pier 7" {
		t.Errorf("location heuristic failed: %q", card.Location)
	}
	if card.Description != "Brass bands all evening." {
		t.Errorf("description heuristic failed: %q", card.Description)
	}
	if card.ImageURL != "https://x.test/img/pier.jpg" {
		t.Errorf("img src not used: %q", card.ImageURL)
	}
	if card.DetailURL != "https://x.test/e/harbour" {
		t.Errorf("detail URL not resolved: %q", card.DetailURL)
	}
}

func TestDOMSkipsTitlelessElements(t *testing.T) {
	page := `<html><body>
<div class="event-card"><p>just some text</p></div>
<div class="event-card"><h3>ok</h3></div>
<div class="event-card"><h3>Real Event</h3></div>
</body></html>`

	cards, err := extractDOM(context.Background(), docFrom(t, page), page, Context{BaseURL: "https://x.test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// "ok" is under the 3-char minimum; the titleless card is skipped.
	if len(cards) != 1 || cards[0].Title != "Real Event" {
		t.Fatalf("expected only the titled card, got %+v", cards)
	}
}

func TestDOMNoMatchesYieldsNothing(t *testing.T) {
	page := `<html><body><p>plain page</p></body></html>`
	cards, err := extractDOM(context.Background(), docFrom(t, page), page, Context{BaseURL: "https://x.test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cards) != 0 {
		t.Errorf("expected no cards, got %+v", cards)
	}
}
