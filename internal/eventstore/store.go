package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"git.home.luguber.info/inful/eventpipe/internal/event"
)

// ProcessedUpdate is the attribute set owned by the processing worker.
type ProcessedUpdate struct {
	Status      event.Status
	ProcessedAt string
	Source      event.Source
	LastError   string
}

// ConfirmationUpdate is the attribute set owned by the confirmation worker.
type ConfirmationUpdate struct {
	FinalStatus event.Status
	ConfirmedAt string
	Source      event.Source
	Details     json.RawMessage
}

// Store persists records keyed by (eventId, timestamp). Updates touch only the named
// attributes and are guarded by the status transition table.
type Store interface {
	// Put creates a record. An existing key yields ErrAlreadyExists.
	Put(ctx context.Context, rec event.Record) error

	// Get returns the record at k or ErrNotFound.
	Get(ctx context.Context, k event.Key) (event.Record, error)

	// ListRecent returns at most limit records, newest first.
	ListRecent(ctx context.Context, limit int) ([]event.Record, error)

	// ListByEventID returns every record for the id, oldest first.
	ListByEventID(ctx context.Context, eventID string) ([]event.Record, error)

	// MarkProcessed writes the processing outcome. It fails with ErrNotFound when k is absent
	// and with ErrTransitionRejected when the record's status may not be replaced.
	MarkProcessed(ctx context.Context, k event.Key, u ProcessedUpdate) error

	// ApplyConfirmation writes the confirmation attributes with the same guard applied to
	// finalStatus.
	ApplyConfirmation(ctx context.Context, k event.Key, u ConfirmationUpdate) error

	// ListStale returns records created before olderThan still holding one of statuses.
	ListStale(ctx context.Context, olderThan time.Time, statuses []event.Status, limit int) ([]event.Record, error)

	Close() error
}

// OutboxEntry is a message committed with its record and awaiting publication.
type OutboxEntry struct {
	ID        int64
	Key       event.Key
	Body      []byte
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Outbox is implemented by stores that can commit a record and its message atomically.
type Outbox interface {
	PutWithOutbox(ctx context.Context, rec event.Record, msg event.Message) (int64, error)
	PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkOutboxPublished(ctx context.Context, id int64, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id int64, cause error) error
	PurgeOutbox(ctx context.Context, olderThan time.Time) (int64, error)
}

// Purger is implemented by stores that expire records themselves.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}
