package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/eventpipe/internal/event"
)

// SQLiteStore implements Store and Outbox using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// SQLiteOption customizes a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithClock injects the time source used for expiry checks.
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore creates a new SQLite-based event store.
// Use ":memory:" for in-memory database, or a file path for persistent storage.
func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, storeErr("open sqlite database", err)
	}
	// One connection: an in-memory database lives and dies with its connection, and a single
	// writer avoids SQLITE_BUSY on files.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	for _, o := range opts {
		o(store)
	}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("%w: %w", ErrInitializeSchemaFailed, err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		processed_at TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		final_status TEXT NOT NULL DEFAULT '',
		confirmed_at TEXT NOT NULL DEFAULT '',
		confirmation_source TEXT NOT NULL DEFAULT '',
		confirmation_details BLOB,
		data BLOB NOT NULL,
		ttl INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (event_id, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_status ON events(status, timestamp);
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		body BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		published_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const recordColumns = `event_id, timestamp, event_type, source, status, processed_at, last_error,
	final_status, confirmed_at, confirmation_source, confirmation_details, data, ttl`

// live filters rows whose ttl has passed.
const live = `(ttl = 0 OR ttl > ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, rec event.Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO events (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, timestamp) DO NOTHING`,
		rec.EventID, rec.Timestamp, string(rec.EventType), string(rec.Source), string(rec.Status),
		rec.ProcessedAt, rec.LastError, string(rec.FinalStatus), rec.ConfirmedAt,
		string(rec.ConfirmationSource), []byte(rec.ConfirmationDetails), data, rec.TTL,
	)
	if err != nil {
		return storeErr("insert event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s@%s", ErrAlreadyExists, rec.EventID, rec.Timestamp)
	}
	return nil
}

// Put adds a new record to the store.
func (s *SQLiteStore) Put(ctx context.Context, rec event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertRecord(ctx, s.db, rec)
}

// Get retrieves one record.
func (s *SQLiteStore) Get(ctx context.Context, k event.Key) (event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM events WHERE event_id = ? AND timestamp = ? AND `+live,
		k.EventID, k.Timestamp, s.now().Unix())
	if err != nil {
		return event.Record{}, storeErr("query event", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return event.Record{}, err
	}
	if len(recs) == 0 {
		return event.Record{}, fmt.Errorf("%w: %s@%s", ErrNotFound, k.EventID, k.Timestamp)
	}
	return recs[0], nil
}

// ListRecent retrieves the newest records.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM events WHERE `+live+` ORDER BY timestamp DESC, event_id LIMIT ?`,
		s.now().Unix(), limit)
	if err != nil {
		return nil, storeErr("query events", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListByEventID retrieves all records sharing an event id.
func (s *SQLiteStore) ListByEventID(ctx context.Context, eventID string) ([]event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM events WHERE event_id = ? AND `+live+` ORDER BY timestamp`,
		eventID, s.now().Unix())
	if err != nil {
		return nil, storeErr("query events", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListStale retrieves records that have not advanced past one of statuses since olderThan.
func (s *SQLiteStore) ListStale(ctx context.Context, olderThan time.Time, statuses []event.Status, limit int) ([]event.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, args := inClause(statuses)
	args = append([]any{event.FormatTimestamp(olderThan), s.now().Unix()}, args...)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM events WHERE timestamp < ? AND `+live+` AND status IN `+in+
			` ORDER BY timestamp LIMIT ?`, args...)
	if err != nil {
		return nil, storeErr("query stale events", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkProcessed applies the processing outcome if the transition table allows it.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, k event.Key, u ProcessedUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, inArgs := inClause(event.AllowedFrom(u.Status))
	args := append([]any{string(u.Status), u.ProcessedAt, string(u.Source), u.LastError, k.EventID, k.Timestamp}, inArgs...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ?, processed_at = ?, source = ?, last_error = ?
		WHERE event_id = ? AND timestamp = ? AND status IN `+in, args...)
	if err != nil {
		return storeErr("update event status", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.explainMiss(ctx, k, "status", u.Status)
}

// ApplyConfirmation records the confirmation if finalStatus may advance to u.FinalStatus.
func (s *SQLiteStore) ApplyConfirmation(ctx context.Context, k event.Key, u ConfirmationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, inArgs := inClause(event.AllowedFrom(u.FinalStatus))
	args := append([]any{string(u.FinalStatus), u.ConfirmedAt, string(u.Source), []byte(u.Details), k.EventID, k.Timestamp}, inArgs...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET final_status = ?, confirmed_at = ?, confirmation_source = ?, confirmation_details = ?
		WHERE event_id = ? AND timestamp = ? AND (final_status = '' OR final_status IN `+in+`)`, args...)
	if err != nil {
		return storeErr("update event confirmation", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.explainMiss(ctx, k, "final_status", u.FinalStatus)
}

// explainMiss distinguishes a missing record from a rejected transition after an update
// matched no rows. Callers hold s.mu.
func (s *SQLiteStore) explainMiss(ctx context.Context, k event.Key, column string, next event.Status) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM events WHERE event_id = ? AND timestamp = ?`, k.EventID, k.Timestamp).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s@%s", ErrNotFound, k.EventID, k.Timestamp)
	}
	if err != nil {
		return storeErr("query event", err)
	}
	return rejected(k, event.Status(current), next)
}

// PutWithOutbox commits the record and its pending message in one transaction.
func (s *SQLiteStore) PutWithOutbox(ctx context.Context, rec event.Record, msg event.Message) (int64, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertRecord(ctx, tx, rec); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (event_id, timestamp, body, created_at) VALUES (?, ?, ?, ?)`,
		rec.EventID, rec.Timestamp, body, s.now().UnixMilli())
	if err != nil {
		return 0, storeErr("insert outbox entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr("read outbox id", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit outbox", err)
	}
	return id, nil
}

// PendingOutbox returns unpublished entries, oldest first.
func (s *SQLiteStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, timestamp, body, attempts, last_error, created_at
		FROM outbox WHERE status = 'pending' ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr("query outbox", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.Key.EventID, &e.Key.Timestamp, &e.Body, &e.Attempts, &e.LastError, &created); err != nil {
			return nil, storeErr("scan outbox", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate outbox", err)
	}
	return out, nil
}

// MarkOutboxPublished flags an entry as delivered to the topic.
func (s *SQLiteStore) MarkOutboxPublished(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'published', published_at = ?, attempts = attempts + 1 WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		return storeErr("mark outbox published", err)
	}
	return nil
}

// MarkOutboxFailed records a failed publish attempt; the entry stays pending.
func (s *SQLiteStore) MarkOutboxFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return storeErr("mark outbox failed", err)
	}
	return nil
}

// PurgeOutbox deletes published entries older than olderThan.
func (s *SQLiteStore) PurgeOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = 'published' AND published_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, storeErr("purge outbox", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeExpired deletes records whose ttl has passed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ttl > 0 AND ttl <= ?`, s.now().Unix())
	if err != nil {
		return 0, storeErr("purge expired events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func inClause(statuses []event.Status) (string, []any) {
	if len(statuses) == 0 {
		return "(NULL)", nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ") + ")", args
}

func scanRecords(rows *sql.Rows) ([]event.Record, error) {
	var recs []event.Record
	for rows.Next() {
		var (
			r                                event.Record
			eventType, source, status, final string
			confSource                       string
			details, data                    []byte
		)
		err := rows.Scan(&r.EventID, &r.Timestamp, &eventType, &source, &status, &r.ProcessedAt,
			&r.LastError, &final, &r.ConfirmedAt, &confSource, &details, &data, &r.TTL)
		if err != nil {
			return nil, storeErr("scan event", err)
		}
		r.EventType = event.Type(eventType)
		r.Source = event.Source(source)
		r.Status = event.Status(status)
		r.FinalStatus = event.Status(final)
		r.ConfirmationSource = event.Source(confSource)
		if len(details) > 0 {
			r.ConfirmationDetails = json.RawMessage(details)
		}
		if r.Data, err = event.DecodePayload(r.EventType, data); err != nil {
			return nil, storeErr("unmarshal payload", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate rows", err)
	}
	return recs, nil
}

var (
	_ Store  = (*SQLiteStore)(nil)
	_ Outbox = (*SQLiteStore)(nil)
	_ Purger = (*SQLiteStore)(nil)
)
