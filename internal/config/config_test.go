package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleSources = `
sources:
  - name: bluehall
    url: https://bluehall.example/agenda
    city: Rotterdam
    strategy: structured
    priority: 5
  - name: stadshal
    url: https://stadshal.example/events
    city: Rotterdam
    fetcher: headless
    selectors:
      - ".agenda-row"
    discover_feeds: true
    relaxed_time: true
`

func writeSources(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoadSources(t *testing.T) {
	s, err := LoadSources(writeSources(t, sampleSources))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(s.Sources))
	}

	bh := s.ByName("bluehall")
	if bh == nil || bh.Strategy != "structured" || bh.Priority != 5 {
		t.Errorf("unexpected bluehall source: %+v", bh)
	}
	sh := s.ByName("stadshal")
	if sh == nil || sh.Fetcher != "headless" || !sh.DiscoverFeeds || !sh.RelaxedTime {
		t.Errorf("unexpected stadshal source: %+v", sh)
	}
	if len(sh.Selectors) != 1 || sh.Selectors[0] != ".agenda-row" {
		t.Errorf("unexpected selectors: %v", sh.Selectors)
	}
	if s.ByName("missing") != nil {
		t.Error("ByName should return nil for an unknown source")
	}
}

func TestLoadSourcesValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty list", "sources: []"},
		{"missing name", "sources:\n  - url: https://x.example\n"},
		{"duplicate name", "sources:\n  - name: a\n    url: https://x.example\n  - name: a\n    url: https://y.example\n"},
		{"bad url", "sources:\n  - name: a\n    url: ftp://x.example\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadSources(writeSources(t, tt.content)); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadSourcesMissingFile(t *testing.T) {
	if _, err := LoadSources(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestSettingsEnvOverrides(t *testing.T) {
	t.Setenv("HARVEST_GEOCODE_RPS", "4.5")
	t.Setenv("HARVEST_CLAIM_LIMIT", "7")
	t.Setenv("HARVEST_TARGET_CITY", "Rotterdam")
	t.Setenv("HARVEST_MAX_CYCLES", "not-a-number")

	s := LoadSettings()
	if s.GeocodeRPS != 4.5 {
		t.Errorf("GeocodeRPS = %v, want 4.5", s.GeocodeRPS)
	}
	if s.ClaimLimit != 7 {
		t.Errorf("ClaimLimit = %d, want 7", s.ClaimLimit)
	}
	if s.TargetCity != "Rotterdam" {
		t.Errorf("TargetCity = %q", s.TargetCity)
	}
	// Unparseable values fall back to the default.
	if s.MaxCycles != 20 {
		t.Errorf("MaxCycles = %d, want default 20", s.MaxCycles)
	}
}
