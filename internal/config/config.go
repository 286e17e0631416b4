// Package config loads the harvester configuration: process settings from
// the environment (with .env support for local runs) and the source list
// from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings are the process-level knobs, read from the environment.
type Settings struct {
	// DataDir is where the file store keeps its snapshots.
	DataDir string
	// DatabaseURL, when set, selects the Postgres backend.
	DatabaseURL string

	GeocodeBaseURL string
	GeocodeAPIKey  string
	// GeocodeRPS is the provider's request budget; GeocodePercent is the
	// share of it this process may spend.
	GeocodeRPS     float64
	GeocodePercent float64

	ClaimLimit  int
	MaxCycles   int
	MaxAttempts int

	// TargetCity, when set, rejects events outside it.
	TargetCity string

	LogLevel string
}

// Source describes one event listing to harvest.
type Source struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	City string `yaml:"city"`

	// Fetcher pins a fetcher class (http, headless, proxy); empty lets the
	// analyzer decide.
	Fetcher string `yaml:"fetcher"`
	// Strategy pins a preferred extraction strategy; empty runs the normal
	// waterfall order.
	Strategy string `yaml:"strategy"`

	// Selectors are site-specific CSS selectors tried before the built-in
	// DOM fallback list.
	Selectors []string `yaml:"selectors"`
	// DiscoverFeeds enables probing conventional feed paths when the page
	// links no feed.
	DiscoverFeeds bool `yaml:"discover_feeds"`

	Priority int `yaml:"priority"`
	// RelaxedTime admits events without a start time.
	RelaxedTime bool `yaml:"relaxed_time"`
}

// Sources is the YAML source list.
type Sources struct {
	Sources []Source `yaml:"sources"`
}

// LoadSettings reads process settings from the environment. A .env file in
// the working directory is loaded first when present; real environment
// variables win over it.
func LoadSettings() Settings {
	_ = godotenv.Load()

	return Settings{
		DataDir:        envStr("HARVEST_DATA_DIR", "~/.local/share/eventharvest"),
		DatabaseURL:    envStr("HARVEST_DATABASE_URL", ""),
		GeocodeBaseURL: envStr("HARVEST_GEOCODE_URL", ""),
		GeocodeAPIKey:  envStr("HARVEST_GEOCODE_KEY", ""),
		GeocodeRPS:     envFloat("HARVEST_GEOCODE_RPS", 10),
		GeocodePercent: envFloat("HARVEST_GEOCODE_PERCENT", 80),
		ClaimLimit:     envInt("HARVEST_CLAIM_LIMIT", 25),
		MaxCycles:      envInt("HARVEST_MAX_CYCLES", 20),
		MaxAttempts:    envInt("HARVEST_MAX_ATTEMPTS", 3),
		TargetCity:     envStr("HARVEST_TARGET_CITY", ""),
		LogLevel:       envStr("HARVEST_LOG_LEVEL", "info"),
	}
}

// LoadSources reads and validates the YAML source list.
func LoadSources(path string) (*Sources, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading source list: %w", err)
	}

	var s Sources
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing source list: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Sources) validate() error {
	if len(s.Sources) == 0 {
		return fmt.Errorf("source list is empty")
	}
	seen := make(map[string]bool)
	for i, src := range s.Sources {
		if strings.TrimSpace(src.Name) == "" {
			return fmt.Errorf("source %d has no name", i)
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
		if !strings.HasPrefix(src.URL, "http://") && !strings.HasPrefix(src.URL, "https://") {
			return fmt.Errorf("source %q has an invalid URL %q", src.Name, src.URL)
		}
	}
	return nil
}

// ByName returns the named source, or nil.
func (s *Sources) ByName(name string) *Source {
	for i := range s.Sources {
		if s.Sources[i].Name == name {
			return &s.Sources[i]
		}
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
