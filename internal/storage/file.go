package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/citypulse/eventharvest/internal/event"
	"github.com/citypulse/eventharvest/internal/pipeline"
	"github.com/citypulse/eventharvest/internal/scrape"
)

// FileStore persists events, the pipeline queue, and run records as JSON
// snapshot files under a data directory. It is the storage backend for
// local runs and tests; production deployments use Postgres.
type FileStore struct {
	mu      sync.Mutex
	dataDir string

	events map[string]*event.ScrapedEvent
	queue  map[string]*pipeline.QueueItem
	runs   []scrape.RunRecord
}

type eventSnapshot struct {
	Events    map[string]*event.ScrapedEvent `json:"events"`
	UpdatedAt string                         `json:"updated_at"`
}

type queueSnapshot struct {
	Items     map[string]*pipeline.QueueItem `json:"items"`
	UpdatedAt string                         `json:"updated_at"`
}

// NewFileStore opens (or initializes) the snapshot files under dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	if strings.HasPrefix(dataDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, dataDir[2:])
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	s := &FileStore{
		dataDir: dataDir,
		events:  make(map[string]*event.ScrapedEvent),
		queue:   make(map[string]*pipeline.QueueItem),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) eventsPath() string { return filepath.Join(s.dataDir, "events.json") }
func (s *FileStore) queuePath() string  { return filepath.Join(s.dataDir, "queue.json") }
func (s *FileStore) runsPath() string   { return filepath.Join(s.dataDir, "runs.json") }

func (s *FileStore) load() error {
	var ev eventSnapshot
	if err := readJSON(s.eventsPath(), &ev); err != nil {
		return fmt.Errorf("loading events snapshot: %w", err)
	}
	if ev.Events != nil {
		s.events = ev.Events
	}

	var qs queueSnapshot
	if err := readJSON(s.queuePath(), &qs); err != nil {
		return fmt.Errorf("loading queue snapshot: %w", err)
	}
	if qs.Items != nil {
		s.queue = qs.Items
	}

	if err := readJSON(s.runsPath(), &s.runs); err != nil {
		return fmt.Errorf("loading run records: %w", err)
	}
	return nil
}

// readJSON reads path into v; a missing file leaves v untouched.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// saveEvents must be called with the mutex held.
func (s *FileStore) saveEvents() error {
	return writeJSON(s.eventsPath(), eventSnapshot{
		Events:    s.events,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// saveQueue must be called with the mutex held.
func (s *FileStore) saveQueue() error {
	return writeJSON(s.queuePath(), queueSnapshot{
		Items:     s.queue,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// FindByID returns the stored event with the given ID, or nil.
func (s *FileStore) FindByID(_ context.Context, id string) (*event.ScrapedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// FindBySourceURL returns the stored event whose canonical source URL
// matches, or nil when none does.
func (s *FileStore) FindBySourceURL(_ context.Context, canonicalURL string) (*event.ScrapedEvent, error) {
	if canonicalURL == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if event.CanonicalURL(e.SourceURL) == canonicalURL {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

// FindByNameAndDay returns a stored event with the same name (case
// insensitive) starting on the same calendar day, or nil.
func (s *FileStore) FindByNameAndDay(_ context.Context, name, startTime string) (*event.ScrapedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if strings.EqualFold(e.Name, name) && event.SameCalendarDay(e.StartTime, startTime) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

// Insert stores a new event, generating its ID when unset.
func (s *FileStore) Insert(_ context.Context, e *event.ScrapedEvent) error {
	if e.ID == "" {
		e.ID = event.GenerateID(e.SourceURL, e.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[e.ID]; exists {
		return fmt.Errorf("event %s already exists", e.ID)
	}
	cp := *e
	s.events[e.ID] = &cp
	return s.saveEvents()
}

// Update replaces the stored event with the given ID.
func (s *FileStore) Update(_ context.Context, id string, e *event.ScrapedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[id]; !exists {
		return fmt.Errorf("event not found: %s", id)
	}
	cp := *e
	cp.ID = id
	s.events[id] = &cp
	return s.saveEvents()
}

// EventCount returns the number of stored events.
func (s *FileStore) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Enqueue adds a queue item.
func (s *FileStore) Enqueue(_ context.Context, item pipeline.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queue[item.ID]; exists {
		return fmt.Errorf("queue item %s already exists", item.ID)
	}
	cp := item
	s.queue[item.ID] = &cp
	return s.saveQueue()
}

// Claim returns up to limit items in the given stage, highest priority
// first with the ID as a stable tiebreaker.
func (s *FileStore) Claim(_ context.Context, stage pipeline.Stage, limit int) ([]pipeline.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []pipeline.QueueItem
	for _, it := range s.queue {
		if it.Stage == stage {
			claimed = append(claimed, *it)
		}
	}
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].Priority != claimed[j].Priority {
			return claimed[i].Priority > claimed[j].Priority
		}
		return claimed[i].ID < claimed[j].ID
	})
	if limit > 0 && len(claimed) > limit {
		claimed = claimed[:limit]
	}
	return claimed, nil
}

// Advance moves an item to the given stage and resets its attempts.
func (s *FileStore) Advance(_ context.Context, id string, to pipeline.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.queue[id]
	if !ok {
		return fmt.Errorf("queue item not found: %s", id)
	}
	it.Stage = to
	it.Attempts = 0
	it.LastError = ""
	return s.saveQueue()
}

// RecordFailure bumps the attempt count and parks the item when the
// failure is permanent.
func (s *FileStore) RecordFailure(_ context.Context, id, reason string, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.queue[id]
	if !ok {
		return fmt.Errorf("queue item not found: %s", id)
	}
	it.Attempts++
	it.LastError = reason
	if permanent {
		it.Stage = pipeline.StageFailed
	}
	return s.saveQueue()
}

// Backlog counts items per non-terminal stage.
func (s *FileStore) Backlog(_ context.Context) (map[pipeline.Stage]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backlog := make(map[pipeline.Stage]int)
	for _, it := range s.queue {
		if !it.Stage.Terminal() {
			backlog[it.Stage]++
		}
	}
	return backlog, nil
}

// ResetFailed returns parked items to the discovery stage.
func (s *FileStore) ResetFailed(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.queue {
		if it.Stage == pipeline.StageFailed {
			it.Stage = pipeline.StageDiscovered
			it.Attempts = 0
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.saveQueue()
}

// Record appends a run record.
func (s *FileStore) Record(_ context.Context, rec scrape.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, rec)
	return writeJSON(s.runsPath(), s.runs)
}

// Runs returns the recorded runs, newest last.
func (s *FileStore) Runs() []scrape.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scrape.RunRecord, len(s.runs))
	copy(out, s.runs)
	return out
}
