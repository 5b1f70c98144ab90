package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/event"
)

// AuditRecord is one persisted decision with the event that produced it.
type AuditRecord struct {
	decision.Result
	EventType        string       `json:"event_type"`
	RawEvent         *event.Event `json:"raw_event"`
	DispatchAttempts int          `json:"dispatch_attempts"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

const auditColumns = `event_id, user_id, event_type, channel, decision, score, scheduled_at, reason_chain,
	ai_used, fallback_used, rule_matched, batch_id, dispatch_status, dispatch_attempts, raw_event, processed_at, updated_at`

// InsertDecision writes the first audit row for an event. An existing row
// for the same event ID is left as is and ErrConflict is returned, so a
// resubmitted event cannot overwrite the decision that was acted on.
func (s *Store) InsertDecision(ctx context.Context, ev *event.Event, res *decision.Result, attempts int) error {
	args, err := s.auditArgs(ev, res, attempts)
	if err != nil {
		return err
	}
	r, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions(`+auditColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(event_id) DO NOTHING`, args...)
	if err != nil {
		return err
	}
	if n, err := r.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("decision %s: %w", res.EventID, ErrConflict)
	}
	return nil
}

// RecordDecision upserts the audit row for an event. Redrive uses it to
// replace the row of a dispatch it has since completed.
func (s *Store) RecordDecision(ctx context.Context, ev *event.Event, res *decision.Result, attempts int) error {
	args, err := s.auditArgs(ev, res, attempts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions(`+auditColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(event_id) DO UPDATE SET
		   decision=excluded.decision, score=excluded.score, scheduled_at=excluded.scheduled_at,
		   channel=excluded.channel, reason_chain=excluded.reason_chain, ai_used=excluded.ai_used,
		   fallback_used=excluded.fallback_used, rule_matched=excluded.rule_matched, batch_id=excluded.batch_id,
		   dispatch_status=excluded.dispatch_status, dispatch_attempts=excluded.dispatch_attempts,
		   raw_event=excluded.raw_event, processed_at=excluded.processed_at, updated_at=excluded.updated_at`,
		args...)
	return err
}

func (s *Store) auditArgs(ev *event.Event, res *decision.Result, attempts int) ([]any, error) {
	chain, err := json.Marshal(res.ReasonChain)
	if err != nil {
		return nil, fmt.Errorf("encode reason chain: %w", err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	var score sql.NullFloat64
	if res.Score != nil {
		score = sql.NullFloat64{Float64: *res.Score, Valid: true}
	}
	return []any{
		res.EventID, res.UserID, ev.EventType, res.Channel, string(res.Decision), score, nullTime(res.ScheduledAt),
		string(chain), boolInt(res.AIUsed), boolInt(res.FallbackUsed), nullStr(res.RuleMatched), nullStr(res.BatchID),
		res.DispatchStatus, attempts, string(raw), res.ProcessedAt.UnixMilli(), s.now().UnixMilli(),
	}, nil
}

// Decision returns the audit record for eventID.
func (s *Store) Decision(ctx context.Context, eventID string) (*AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM decisions WHERE event_id = ?`, eventID)
	rec, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Decisions returns the audit records for ids, in no particular order.
// Unknown IDs are skipped.
func (s *Store) Decisions(ctx context.Context, ids []string) ([]*AuditRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `SELECT ` + auditColumns + ` FROM decisions WHERE event_id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	return s.queryAudit(ctx, q, args...)
}

// History returns the most recent decisions for a user, newest first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]*AuditRecord, error) {
	return s.queryAudit(ctx,
		`SELECT `+auditColumns+` FROM decisions WHERE user_id = ? ORDER BY processed_at DESC LIMIT ?`,
		userID, limit)
}

// FailedDispatches returns up to limit records whose dispatch failed,
// oldest first.
func (s *Store) FailedDispatches(ctx context.Context, limit int) ([]*AuditRecord, error) {
	return s.queryAudit(ctx,
		`SELECT `+auditColumns+` FROM decisions WHERE dispatch_status = ? ORDER BY updated_at LIMIT ?`,
		decision.DispatchFailed, limit)
}

// MarkDispatch updates the dispatch status of an audit record and appends
// step to its reason chain when step is non-nil.
func (s *Store) MarkDispatch(ctx context.Context, eventID, status string, attempts int, step *decision.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var chainRaw string
	err = tx.QueryRowContext(ctx, `SELECT reason_chain FROM decisions WHERE event_id = ?`, eventID).Scan(&chainRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if step != nil {
		var chain []decision.Step
		if err := json.Unmarshal([]byte(chainRaw), &chain); err != nil {
			return fmt.Errorf("decode reason chain: %w", err)
		}
		b, err := json.Marshal(append(chain, *step))
		if err != nil {
			return err
		}
		chainRaw = string(b)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE decisions SET dispatch_status = ?, dispatch_attempts = ?, reason_chain = ?, updated_at = ? WHERE event_id = ?`,
		status, attempts, chainRaw, s.now().UnixMilli(), eventID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) queryAudit(ctx context.Context, q string, args ...any) ([]*AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*AuditRecord{}
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanAudit(sc scanner) (*AuditRecord, error) {
	var (
		rec                    AuditRecord
		dec, chain, raw        string
		score                  sql.NullFloat64
		scheduled              sql.NullInt64
		ai, fallback           int
		ruleMatched, batchID   sql.NullString
		processedAt, updatedAt int64
	)
	err := sc.Scan(
		&rec.EventID, &rec.UserID, &rec.EventType, &rec.Channel, &dec, &score, &scheduled, &chain,
		&ai, &fallback, &ruleMatched, &batchID, &rec.DispatchStatus, &rec.DispatchAttempts, &raw,
		&processedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Decision = decision.Decision(dec)
	if score.Valid {
		v := score.Float64
		rec.Score = &v
	}
	if scheduled.Valid {
		t := fromMillis(scheduled.Int64)
		rec.ScheduledAt = &t
	}
	rec.AIUsed, rec.FallbackUsed = ai == 1, fallback == 1
	rec.RuleMatched, rec.BatchID = ruleMatched.String, batchID.String
	rec.ProcessedAt, rec.UpdatedAt = fromMillis(processedAt), fromMillis(updatedAt)
	if err := json.Unmarshal([]byte(chain), &rec.ReasonChain); err != nil {
		return nil, fmt.Errorf("decode reason chain: %w", err)
	}
	rec.RawEvent = &event.Event{}
	if err := json.Unmarshal([]byte(raw), rec.RawEvent); err != nil {
		return nil, fmt.Errorf("decode raw event: %w", err)
	}
	return &rec, nil
}
