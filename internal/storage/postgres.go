package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/citypulse/eventharvest/internal/event"
	"github.com/citypulse/eventharvest/internal/pipeline"
	"github.com/citypulse/eventharvest/internal/scrape"
)

const eventColumns = `id, name, description, start_time, end_time, venue, address, city,
       ticket_url, website_url, image_url, category, source_url, time_mode,
       price_min, price_max, place_id, lat, lng`

const findByIDSQL = `
SELECT ` + eventColumns + `
FROM events
WHERE id = $1
`

const findBySourceURLSQL = `
SELECT ` + eventColumns + `
FROM events
WHERE canonical_url = $1
`

const findByNameAndDaySQL = `
SELECT ` + eventColumns + `
FROM events
WHERE lower(name) = lower($1)
  AND start_time <> ''
  AND left(start_time, 10) = left($2, 10)
LIMIT 1
`

const insertEventSQL = `
INSERT INTO events (id, name, description, start_time, end_time, venue, address,
                    city, ticket_url, website_url, image_url, category,
                    source_url, canonical_url, time_mode,
                    price_min, price_max, place_id, lat, lng,
                    created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
        $16, $17, $18, $19, $20, NOW(), NOW())
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name, description = EXCLUDED.description,
    start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
    venue = EXCLUDED.venue, address = EXCLUDED.address, city = EXCLUDED.city,
    ticket_url = EXCLUDED.ticket_url, website_url = EXCLUDED.website_url,
    image_url = EXCLUDED.image_url, category = EXCLUDED.category,
    source_url = EXCLUDED.source_url, canonical_url = EXCLUDED.canonical_url,
    time_mode = EXCLUDED.time_mode, price_min = EXCLUDED.price_min,
    price_max = EXCLUDED.price_max, place_id = EXCLUDED.place_id,
    lat = EXCLUDED.lat, lng = EXCLUDED.lng, updated_at = NOW()
`

const updateEventSQL = `
UPDATE events SET
    name = $2, description = $3, start_time = $4, end_time = $5, venue = $6,
    address = $7, city = $8, ticket_url = $9, website_url = $10,
    image_url = $11, category = $12, source_url = $13, canonical_url = $14,
    time_mode = $15, price_min = $16, price_max = $17, place_id = $18,
    lat = $19, lng = $20, updated_at = NOW()
WHERE id = $1
`

const claimQueueSQL = `
UPDATE pipeline_queue SET claimed_at = NOW()
WHERE id IN (
    SELECT id FROM pipeline_queue
    WHERE stage = $1
    ORDER BY priority DESC, id
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING id, source_id, source_url, stage, priority, attempts
`

// PostgresStore backs the event store, the pipeline queue, and the run log
// with Postgres. Queue claims use FOR UPDATE SKIP LOCKED so multiple
// processes can drain the same backlog.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and pings the server.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    start_time    TEXT NOT NULL DEFAULT '',
    end_time      TEXT NOT NULL DEFAULT '',
    venue         TEXT NOT NULL DEFAULT '',
    address       TEXT NOT NULL DEFAULT '',
    city          TEXT NOT NULL DEFAULT '',
    ticket_url    TEXT NOT NULL DEFAULT '',
    website_url   TEXT NOT NULL DEFAULT '',
    image_url     TEXT NOT NULL DEFAULT '',
    category      TEXT NOT NULL DEFAULT '',
    source_url    TEXT NOT NULL DEFAULT '',
    canonical_url TEXT NOT NULL DEFAULT '',
    time_mode     TEXT NOT NULL DEFAULT 'exact',
    price_min     DOUBLE PRECISION,
    price_max     DOUBLE PRECISION,
    place_id      TEXT NOT NULL DEFAULT '',
    lat           DOUBLE PRECISION,
    lng           DOUBLE PRECISION,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS events_canonical_url_idx ON events (canonical_url);
CREATE INDEX IF NOT EXISTS events_name_day_idx ON events (lower(name), left(start_time, 10));

CREATE TABLE IF NOT EXISTS pipeline_queue (
    id         TEXT PRIMARY KEY,
    source_id  TEXT NOT NULL,
    source_url TEXT NOT NULL,
    stage      TEXT NOT NULL,
    priority   INT  NOT NULL DEFAULT 0,
    attempts   INT  NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    claimed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS pipeline_queue_stage_idx ON pipeline_queue (stage, priority DESC);

CREATE TABLE IF NOT EXISTS scraper_runs (
    id          BIGSERIAL PRIMARY KEY,
    source      TEXT NOT NULL,
    status      TEXT NOT NULL,
    inserted    INT  NOT NULL DEFAULT 0,
    updated     INT  NOT NULL DEFAULT 0,
    skipped     INT  NOT NULL DEFAULT 0,
    failed      INT  NOT NULL DEFAULT 0,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables and indexes when they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

func scanEvent(row pgx.Row) (*event.ScrapedEvent, error) {
	var e event.ScrapedEvent
	err := row.Scan(&e.ID, &e.Name, &e.Description, &e.StartTime, &e.EndTime,
		&e.Venue, &e.Address, &e.City, &e.TicketURL, &e.WebsiteURL,
		&e.ImageURL, &e.Category, &e.SourceURL, &e.TimeMode,
		&e.PriceMin, &e.PriceMax, &e.PlaceID, &e.Latitude, &e.Longitude)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindByID returns the event stored under the given ID, or nil.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*event.ScrapedEvent, error) {
	if id == "" {
		return nil, nil
	}
	e, err := scanEvent(s.pool.QueryRow(ctx, findByIDSQL, id))
	if err != nil {
		return nil, fmt.Errorf("finding event by ID: %w", err)
	}
	return e, nil
}

// FindBySourceURL returns the event stored under the canonical URL, or nil.
func (s *PostgresStore) FindBySourceURL(ctx context.Context, canonicalURL string) (*event.ScrapedEvent, error) {
	if canonicalURL == "" {
		return nil, nil
	}
	e, err := scanEvent(s.pool.QueryRow(ctx, findBySourceURLSQL, canonicalURL))
	if err != nil {
		return nil, fmt.Errorf("finding event by URL: %w", err)
	}
	return e, nil
}

// FindByNameAndDay returns an event with the same name starting on the same
// calendar day, or nil. The day comparison uses the ISO date prefix, which
// both RFC 3339 timestamps and bare dates share.
func (s *PostgresStore) FindByNameAndDay(ctx context.Context, name, startTime string) (*event.ScrapedEvent, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, findByNameAndDaySQL, name, startTime))
	if err != nil {
		return nil, fmt.Errorf("finding event by name and day: %w", err)
	}
	return e, nil
}

// Insert stores a new event, generating its ID when unset. The write is an
// upsert on the deterministic ID, so a concurrent duplicate insert collapses
// onto the same row instead of erroring.
func (s *PostgresStore) Insert(ctx context.Context, e *event.ScrapedEvent) error {
	if e.ID == "" {
		e.ID = event.GenerateID(e.SourceURL, e.Name)
	}
	_, err := s.pool.Exec(ctx, insertEventSQL,
		e.ID, e.Name, e.Description, e.StartTime, e.EndTime, e.Venue,
		e.Address, e.City, e.TicketURL, e.WebsiteURL, e.ImageURL, e.Category,
		e.SourceURL, event.CanonicalURL(e.SourceURL), string(e.TimeMode),
		e.PriceMin, e.PriceMax, e.PlaceID, e.Latitude, e.Longitude)
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", e.Name, err)
	}
	return nil
}

// Update replaces the stored event with the given ID.
func (s *PostgresStore) Update(ctx context.Context, id string, e *event.ScrapedEvent) error {
	tag, err := s.pool.Exec(ctx, updateEventSQL,
		id, e.Name, e.Description, e.StartTime, e.EndTime, e.Venue,
		e.Address, e.City, e.TicketURL, e.WebsiteURL, e.ImageURL, e.Category,
		e.SourceURL, event.CanonicalURL(e.SourceURL), string(e.TimeMode),
		e.PriceMin, e.PriceMax, e.PlaceID, e.Latitude, e.Longitude)
	if err != nil {
		return fmt.Errorf("updating event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", id)
	}
	return nil
}

// Enqueue adds a pipeline queue item.
func (s *PostgresStore) Enqueue(ctx context.Context, item pipeline.QueueItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_queue (id, source_id, source_url, stage, priority, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.SourceID, item.SourceURL, item.Stage.String(), item.Priority, item.Attempts)
	if err != nil {
		return fmt.Errorf("enqueueing %s: %w", item.SourceURL, err)
	}
	return nil
}

// Claim returns up to limit items in the given stage, highest priority
// first, skipping rows another process holds locked.
func (s *PostgresStore) Claim(ctx context.Context, stage pipeline.Stage, limit int) ([]pipeline.QueueItem, error) {
	rows, err := s.pool.Query(ctx, claimQueueSQL, stage.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming %s items: %w", stage, err)
	}
	defer rows.Close()

	var items []pipeline.QueueItem
	for rows.Next() {
		var it pipeline.QueueItem
		var stageName string
		if err := rows.Scan(&it.ID, &it.SourceID, &it.SourceURL, &stageName, &it.Priority, &it.Attempts); err != nil {
			return nil, err
		}
		if it.Stage, err = pipeline.ParseStage(stageName); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Advance moves an item to the given stage and resets its attempts.
func (s *PostgresStore) Advance(ctx context.Context, id string, to pipeline.Stage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_queue
		SET stage = $2, attempts = 0, last_error = '', claimed_at = NULL
		WHERE id = $1
	`, id, to.String())
	if err != nil {
		return fmt.Errorf("advancing item %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue item not found: %s", id)
	}
	return nil
}

// RecordFailure bumps the attempt count and parks the item when permanent.
func (s *PostgresStore) RecordFailure(ctx context.Context, id, reason string, permanent bool) error {
	stage := ""
	if permanent {
		stage = pipeline.StageFailed.String()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_queue
		SET attempts = attempts + 1,
		    last_error = $2,
		    stage = CASE WHEN $3 <> '' THEN $3 ELSE stage END,
		    claimed_at = NULL
		WHERE id = $1
	`, id, reason, stage)
	if err != nil {
		return fmt.Errorf("recording failure for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue item not found: %s", id)
	}
	return nil
}

// Backlog counts items per non-terminal stage.
func (s *PostgresStore) Backlog(ctx context.Context) (map[pipeline.Stage]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stage, count(*) FROM pipeline_queue GROUP BY stage
	`)
	if err != nil {
		return nil, fmt.Errorf("reading backlog: %w", err)
	}
	defer rows.Close()

	backlog := make(map[pipeline.Stage]int)
	for rows.Next() {
		var stageName string
		var n int
		if err := rows.Scan(&stageName, &n); err != nil {
			return nil, err
		}
		stage, err := pipeline.ParseStage(stageName)
		if err != nil {
			return nil, err
		}
		if !stage.Terminal() {
			backlog[stage] = n
		}
	}
	return backlog, rows.Err()
}

// ResetFailed returns parked items to the discovery stage.
func (s *PostgresStore) ResetFailed(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_queue
		SET stage = $1, attempts = 0, last_error = ''
		WHERE stage = $2
	`, pipeline.StageDiscovered.String(), pipeline.StageFailed.String())
	if err != nil {
		return 0, fmt.Errorf("resetting failed items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Record appends a run record.
func (s *PostgresStore) Record(ctx context.Context, rec scrape.RunRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scraper_runs (source, status, inserted, updated, skipped, failed,
		                          duration_ms, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.Source, rec.Status, rec.Inserted, rec.Updated, rec.Skipped, rec.Failed,
		rec.DurationMs, rec.Error, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("recording run for %s: %w", rec.Source, err)
	}
	return nil
}
