package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
	"github.com/P0W3R97/dnd-tabletop/internal/game/eventlog"
)

// readBatchSize bounds how many rows ReadFrom holds at once.
const readBatchSize = 500

// EventLogRepository is an eventlog.Store backed by the room_events table.
type EventLogRepository struct {
	db *pgxpool.Pool
}

var _ eventlog.Store = (*EventLogRepository)(nil)

// NewEventLogRepository creates a repository backed by the given pool.
//
// Precondition: db must be connected and migrated.
func NewEventLogRepository(db *pgxpool.Pool) *EventLogRepository {
	return &EventLogRepository{db: db}
}

// Append inserts evt as the next row of roomID's log.
//
// Precondition: evt.Seq == LastSeq(roomID) + 1.
// Postcondition: The row is committed, or an error is returned and nothing is
// written. A seq mismatch or a duplicate (room, seq) wraps
// eventlog.ErrSequenceGap.
func (r *EventLogRepository) Append(ctx context.Context, roomID string, evt event.Event) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize appenders for the room across processes.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, roomID); err != nil {
		return fmt.Errorf("locking room %q: %w", roomID, err)
	}

	var last int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM room_events WHERE room_id = $1`, roomID,
	).Scan(&last)
	if err != nil {
		return fmt.Errorf("reading last seq: %w", err)
	}
	if evt.Seq != uint64(last)+1 {
		return fmt.Errorf("room %q: append seq %d after %d: %w", roomID, evt.Seq, last, eventlog.ErrSequenceGap)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO room_events
			(room_id, seq, event_id, client_id, event_type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		roomID, int64(evt.Seq), evt.EventID, evt.ClientID, string(evt.Kind),
		[]byte(evt.Payload), evt.Timestamp, evt.PrevHash, evt.Hash,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("room %q: seq %d already written: %w", roomID, evt.Seq, eventlog.ErrSequenceGap)
		}
		return fmt.Errorf("inserting event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}
	return nil
}

// ReadFrom yields roomID's events with seq >= from, fetching in batches so
// that long logs are never held in memory.
func (r *EventLogRepository) ReadFrom(ctx context.Context, roomID string, from uint64) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		if from == 0 {
			from = 1
		}
		next := from
		for {
			batch, err := r.readBatch(ctx, roomID, next)
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

func (r *EventLogRepository) readBatch(ctx context.Context, roomID string, from uint64) ([]event.Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT seq, event_id, client_id, event_type, payload, created_at, prev_hash, hash
		FROM room_events
		WHERE room_id = $1 AND seq >= $2
		ORDER BY seq
		LIMIT $3`,
		roomID, int64(from), readBatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	batch := make([]event.Event, 0, readBatchSize)
	for rows.Next() {
		var (
			evt     event.Event
			seq     int64
			kind    string
			payload []byte
		)
		if err := rows.Scan(&seq, &evt.EventID, &evt.ClientID, &kind, &payload,
			&evt.Timestamp, &evt.PrevHash, &evt.Hash); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		evt.Seq = uint64(seq)
		evt.Kind = event.Kind(kind)
		evt.Payload = payload
		evt.Timestamp = evt.Timestamp.UTC()
		batch = append(batch, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return batch, nil
}

// LastSeq returns roomID's highest seq, or 0 when the room has no events.
func (r *EventLogRepository) LastSeq(ctx context.Context, roomID string) (uint64, error) {
	var last int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM room_events WHERE room_id = $1`, roomID,
	).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading last seq: %w", err)
	}
	return uint64(last), nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	// pgx wraps PostgreSQL errors; check for SQLSTATE 23505 (unique_violation)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
