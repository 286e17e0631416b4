package pipeline

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// QueueItem is one unit of backlog. Items are created on discovery and
// mutated only through the queue store's advance/failure operations.
type QueueItem struct {
	ID        string `json:"id"`
	SourceID  string `json:"source_id"`
	SourceURL string `json:"source_url"`
	Stage     Stage  `json:"stage"`
	Priority  int    `json:"priority"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// NewQueueItem creates a freshly discovered item.
func NewQueueItem(sourceID, sourceURL string, priority int) QueueItem {
	return QueueItem{
		ID:        uuid.New().String(),
		SourceID:  sourceID,
		SourceURL: sourceURL,
		Stage:     StageDiscovered,
		Priority:  priority,
	}
}

// QueueStore is the queue collaborator: claim work for a stage, advance
// items, record failures, and report backlog sizes. Failed items are
// excluded from claims until manually reset.
type QueueStore interface {
	Enqueue(ctx context.Context, item QueueItem) error
	// Claim returns up to limit items currently in stage, highest priority
	// first, marking them in-flight for the caller.
	Claim(ctx context.Context, stage Stage, limit int) ([]QueueItem, error)
	// Advance moves an item to the given stage and resets its attempts.
	Advance(ctx context.Context, id string, to Stage) error
	// RecordFailure increments the item's attempt count; a permanent
	// failure (or attempt exhaustion, which the store enforces) parks the
	// item in StageFailed.
	RecordFailure(ctx context.Context, id, reason string, permanent bool) error
	// Backlog returns the number of items per non-terminal stage.
	Backlog(ctx context.Context) (map[Stage]int, error)
	// ResetFailed returns parked items to StageDiscovered.
	ResetFailed(ctx context.Context) (int, error)
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the orchestrator parks the item instead of
// retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
