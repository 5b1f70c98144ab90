package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Digest batch statuses.
const (
	BatchOpen      = "open"
	BatchSent      = "sent"
	BatchCancelled = "cancelled"
)

// Batch groups deferred events for one user and channel in one window.
type Batch struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Channel     string     `json:"channel"`
	WindowStart time.Time  `json:"window_start"`
	FlushAt     time.Time  `json:"flush_at"`
	EventIDs    []string   `json:"event_ids"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

const batchColumns = `id, user_id, channel, window_start, flush_at, event_ids, status, created_at, closed_at`

// AppendToBatch adds eventID to the open batch for (user, channel, window),
// creating the batch if none is open. flushAt only ever moves later.
// It returns the batch and whether it was created.
func (s *Store) AppendToBatch(ctx context.Context, userID, channel string, windowStart, flushAt time.Time, eventID string) (*Batch, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM digest_batches WHERE user_id = ? AND channel = ? AND window_start = ? AND status = ?`,
		userID, channel, windowStart.UnixMilli(), BatchOpen)
	b, err := scanBatch(row)
	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
		b = &Batch{
			ID:          uuid.New().String(),
			UserID:      userID,
			Channel:     channel,
			WindowStart: windowStart.UTC(),
			FlushAt:     flushAt.UTC(),
			EventIDs:    []string{eventID},
			Status:      BatchOpen,
			CreatedAt:   s.now().UTC(),
		}
		ids, _ := json.Marshal(b.EventIDs)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO digest_batches(id, user_id, channel, window_start, flush_at, event_ids, status, created_at)
			 VALUES(?,?,?,?,?,?,?,?)`,
			b.ID, userID, channel, windowStart.UnixMilli(), flushAt.UnixMilli(), string(ids), BatchOpen, b.CreatedAt.UnixMilli(),
		); err != nil {
			return nil, false, err
		}
	case err != nil:
		return nil, false, err
	default:
		if !slices.Contains(b.EventIDs, eventID) {
			b.EventIDs = append(b.EventIDs, eventID)
		}
		if flushAt.After(b.FlushAt) {
			b.FlushAt = flushAt.UTC()
		}
		ids, _ := json.Marshal(b.EventIDs)
		if _, err := tx.ExecContext(ctx,
			`UPDATE digest_batches SET event_ids = ?, flush_at = ? WHERE id = ?`,
			string(ids), b.FlushAt.UnixMilli(), b.ID,
		); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return b, created, nil
}

// DueBatches returns open batches whose flush time is at or before now.
func (s *Store) DueBatches(ctx context.Context, now time.Time, limit int) ([]*Batch, error) {
	return s.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM digest_batches WHERE status = ? AND flush_at <= ? ORDER BY flush_at LIMIT ?`,
		BatchOpen, now.UnixMilli(), limit)
}

// OpenBatches returns a user's open batches.
func (s *Store) OpenBatches(ctx context.Context, userID string) ([]*Batch, error) {
	return s.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM digest_batches WHERE user_id = ? AND status = ? ORDER BY flush_at`,
		userID, BatchOpen)
}

// GetBatch returns one batch by ID.
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM digest_batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// CloseBatch moves an open batch to status. It reports false, with no
// error, when the batch was already closed.
func (s *Store) CloseBatch(ctx context.Context, id, status string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE digest_batches SET status = ?, closed_at = ? WHERE id = ? AND status = ?`,
		status, at.UnixMilli(), id, BatchOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReopenBatch puts a closed batch back to open, used when emission fails
// after the batch was claimed.
func (s *Store) ReopenBatch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE digest_batches SET status = ?, closed_at = NULL WHERE id = ? AND status = ?`,
		BatchOpen, id, BatchSent)
	return err
}

func (s *Store) queryBatches(ctx context.Context, q string, args ...any) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(sc scanner) (*Batch, error) {
	var (
		b                        Batch
		ids                      string
		window, flush, createdAt int64
		closed                   sql.NullInt64
	)
	if err := sc.Scan(&b.ID, &b.UserID, &b.Channel, &window, &flush, &ids, &b.Status, &createdAt, &closed); err != nil {
		return nil, err
	}
	b.WindowStart, b.FlushAt, b.CreatedAt = fromMillis(window), fromMillis(flush), fromMillis(createdAt)
	if closed.Valid {
		t := fromMillis(closed.Int64)
		b.ClosedAt = &t
	}
	if err := json.Unmarshal([]byte(ids), &b.EventIDs); err != nil {
		return nil, err
	}
	return &b, nil
}

