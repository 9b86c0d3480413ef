// Package sqlite provides an embedded SQLite event log for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
	"github.com/P0W3R97/dnd-tabletop/internal/game/eventlog"
	"github.com/P0W3R97/dnd-tabletop/migrations"
)

const readBatchSize = 500

// Store is an eventlog.Store persisted in a single SQLite file.
type Store struct {
	db *sql.DB
}

var _ eventlog.Store = (*Store)(nil)

// Open opens the SQLite database at path and migrates it to the latest
// room_events schema.
//
// Precondition: path must be non-empty and its directory must exist.
// Postcondition: Returns a ready Store or a non-nil error.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations.SQLite, "sqlite")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	defer src.Close()

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	// m.Close would close db as well; the source is closed above.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append implements eventlog.Store.
//
// Precondition: evt.Seq == LastSeq(roomID) + 1.
// Postcondition: The row is committed, or nothing is written. A seq mismatch
// or a primary key conflict wraps eventlog.ErrSequenceGap.
func (s *Store) Append(ctx context.Context, roomID string, evt event.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM room_events WHERE room_id = ?`, roomID,
	).Scan(&last); err != nil {
		return fmt.Errorf("reading last seq: %w", err)
	}
	if evt.Seq != uint64(last)+1 {
		return fmt.Errorf("room %q: append seq %d after %d: %w", roomID, evt.Seq, last, eventlog.ErrSequenceGap)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_events
			(room_id, seq, event_id, client_id, event_type, payload, created_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		roomID, int64(evt.Seq), evt.EventID, evt.ClientID, string(evt.Kind),
		string(evt.Payload), evt.Timestamp.UTC().UnixMicro(), evt.PrevHash, evt.Hash,
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("room %q: seq %d already written: %w", roomID, evt.Seq, eventlog.ErrSequenceGap)
		}
		return fmt.Errorf("inserting event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}
	return nil
}

// ReadFrom implements eventlog.Store.
func (s *Store) ReadFrom(ctx context.Context, roomID string, from uint64) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		if from == 0 {
			from = 1
		}
		next := from
		for {
			batch, err := s.readBatch(ctx, roomID, next)
			if err != nil {
				yield(event.Event{}, err)
				return
			}
			for _, evt := range batch {
				if !yield(evt, nil) {
					return
				}
			}
			if len(batch) < readBatchSize {
				return
			}
			next = batch[len(batch)-1].Seq + 1
		}
	}
}

func (s *Store) readBatch(ctx context.Context, roomID string, from uint64) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, client_id, event_type, payload, created_at, prev_hash, hash
		FROM room_events
		WHERE room_id = ? AND seq >= ?
		ORDER BY seq
		LIMIT ?`,
		roomID, int64(from), readBatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var batch []event.Event
	for rows.Next() {
		var (
			evt       event.Event
			seq       int64
			kind      string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&seq, &evt.EventID, &evt.ClientID, &kind, &payload,
			&createdAt, &evt.PrevHash, &evt.Hash); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		evt.Seq = uint64(seq)
		evt.Kind = event.Kind(kind)
		evt.Payload = []byte(payload)
		evt.Timestamp = time.UnixMicro(createdAt).UTC()
		batch = append(batch, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return batch, nil
}

// LastSeq implements eventlog.Store.
func (s *Store) LastSeq(ctx context.Context, roomID string) (uint64, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM room_events WHERE room_id = ?`, roomID,
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("reading last seq: %w", err)
	}
	return uint64(last), nil
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	default:
		return false
	}
}
