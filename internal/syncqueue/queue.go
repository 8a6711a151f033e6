// Package syncqueue implements the durable offline event queue (SQLite) and
// the batched sync pipeline that drains it to the server.
package syncqueue

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/speckitty/speckitty/internal/emitter"
	"github.com/speckitty/speckitty/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MaxPendingPerScope caps how many pending events one account scope may hold.
// Over-cap writes are rejected; queued events are never dropped to make room.
const MaxPendingPerScope = 10000

// Replay statuses of a queued event.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// ErrQueueFull is returned when a scope has reached MaxPendingPerScope.
var ErrQueueFull = errors.New("offline queue is full for this scope")

// Entry is one queued envelope with its replay bookkeeping.
type Entry struct {
	ID         int64
	EventID    string
	Scope      emitter.Scope
	Envelope   *emitter.Envelope
	RetryCount int
	EnqueuedAt time.Time
}

// Queue is the durable offline store backing emission while disconnected.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if needed) the queue database at path and applies
// pending migrations. WAL mode keeps concurrent writers tolerable without an
// extra lock.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging queue database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Queue{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the backing database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue stores one envelope for the given scope. Duplicate event ids are
// idempotent. Returns ErrQueueFull at the per-scope cap.
func (q *Queue) Enqueue(scope emitter.Scope, env *emitter.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	// Cap check and insert in one statement so concurrent writers cannot
	// both pass the count and push the scope over the cap.
	res, err := q.db.Exec(`
		INSERT INTO queue_events (event_id, scope_server, scope_username, scope_team, envelope)
		SELECT ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM queue_events
		       WHERE scope_server = ? AND scope_username = ? AND scope_team = ?
		         AND replay_status = 'pending') < ?
		ON CONFLICT (event_id) DO NOTHING`,
		env.EventID, scope.ServerURL, scope.Username, scope.TeamSlug, string(data),
		scope.ServerURL, scope.Username, scope.TeamSlug, MaxPendingPerScope)
	if err != nil {
		return fmt.Errorf("enqueueing event: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enqueueing event: %w", err)
	}
	if inserted > 0 {
		return nil
	}
	// Nothing inserted: either the event id is already queued (idempotent)
	// or the scope is at the cap.
	var known int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_events WHERE event_id = ?`,
		env.EventID).Scan(&known); err != nil {
		return fmt.Errorf("checking queued event: %w", err)
	}
	if known == 0 {
		return fmt.Errorf("%w: %d pending", ErrQueueFull, MaxPendingPerScope)
	}
	return nil
}

// Pending returns up to limit pending entries for the scope, oldest first.
// Entries whose stored envelope no longer parses are skipped so one corrupt
// row cannot wedge the drain.
func (q *Queue) Pending(scope emitter.Scope, limit int) ([]*Entry, error) {
	rows, err := q.db.Query(`
		SELECT id, event_id, envelope, retry_count, enqueued_at
		FROM queue_events
		WHERE scope_server = ? AND scope_username = ? AND scope_team = ?
		  AND replay_status = 'pending'
		ORDER BY id
		LIMIT ?`,
		scope.ServerURL, scope.Username, scope.TeamSlug, limit)
	if err != nil {
		return nil, fmt.Errorf("reading pending events: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	corrupt := 0
	for rows.Next() {
		e := &Entry{Scope: scope}
		var raw string
		if err := rows.Scan(&e.ID, &e.EventID, &raw, &e.RetryCount, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scanning queue row: %w", err)
		}
		var env emitter.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			corrupt++
			continue
		}
		e.Envelope = &env
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue rows: %w", err)
	}
	if corrupt > 0 {
		log.Warn(log.CatSync, "Skipped corrupt queue entries", "count", corrupt)
	}
	return entries, nil
}

// MarkDelivered flags entries as delivered.
func (q *Queue) MarkDelivered(ids []int64) error {
	return q.mark(ids, `UPDATE queue_events SET replay_status = 'delivered', delivered_at = CURRENT_TIMESTAMP WHERE id = ?`)
}

// MarkRetry increments the retry counter; the entry stays pending.
func (q *Queue) MarkRetry(ids []int64) error {
	return q.mark(ids, `UPDATE queue_events SET retry_count = retry_count + 1 WHERE id = ?`)
}

// MarkFailed flags entries as permanently failed.
func (q *Queue) MarkFailed(ids []int64) error {
	return q.mark(ids, `UPDATE queue_events SET replay_status = 'failed' WHERE id = ?`)
}

func (q *Queue) mark(ids []int64, stmt string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("starting queue update: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(stmt, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("updating queue entry %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing queue update: %w", err)
	}
	return nil
}

// CountPending returns the number of pending events for a scope.
func (q *Queue) CountPending(scope emitter.Scope) (int, error) {
	var n int
	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM queue_events
		WHERE scope_server = ? AND scope_username = ? AND scope_team = ?
		  AND replay_status = 'pending'`,
		scope.ServerURL, scope.Username, scope.TeamSlug).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending events: %w", err)
	}
	return n, nil
}

// HasPending reports whether the scope still holds pending events. The auth
// layer uses this to block credential switches that would strand undelivered
// events.
func (q *Queue) HasPending(scope emitter.Scope) (bool, error) {
	n, err := q.CountPending(scope)
	return n > 0, err
}
