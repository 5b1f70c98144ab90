package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/npe/internal/rules"
)

const ruleColumns = `id, name, type, conditions, action_params, priority_order, active, created_at, updated_at`

// CreateRule inserts r, assigning an ID and timestamps. A duplicate name
// returns ErrConflict.
func (s *Store) CreateRule(ctx context.Context, r *rules.Rule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := s.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	conds, params, err := encodeRule(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rules(`+ruleColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Name, string(r.Type), conds, params, r.PriorityOrder, boolInt(r.Active),
		now.UnixMilli(), now.UnixMilli(),
	)
	if isUnique(err) {
		return fmt.Errorf("rule %q: %w", r.Name, ErrConflict)
	}
	return err
}

// UpdateRule overwrites the mutable fields of an existing rule.
func (s *Store) UpdateRule(ctx context.Context, r *rules.Rule) error {
	conds, params, err := encodeRule(r)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET name=?, type=?, conditions=?, action_params=?, priority_order=?, active=?, updated_at=?
		 WHERE id=?`,
		r.Name, string(r.Type), conds, params, r.PriorityOrder, boolInt(r.Active), now.UnixMilli(), r.ID,
	)
	if isUnique(err) {
		return fmt.Errorf("rule %q: %w", r.Name, ErrConflict)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.UpdatedAt = now
	return nil
}

// ToggleRule flips a rule's active flag and returns the updated rule.
func (s *Store) ToggleRule(ctx context.Context, id string) (*rules.Rule, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET active = 1 - active, updated_at = ? WHERE id = ?`,
		s.now().UnixMilli(), id,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetRule(ctx, id)
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRule returns one rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*rules.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRules returns rules ordered by priority.
func (s *Store) ListRules(ctx context.Context, activeOnly bool) ([]*rules.Rule, error) {
	q := `SELECT ` + ruleColumns + ` FROM rules`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY priority_order, name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*rules.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveRules implements rules.Source.
func (s *Store) ActiveRules(ctx context.Context) ([]*rules.Rule, error) {
	return s.ListRules(ctx, true)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(sc scanner) (*rules.Rule, error) {
	var (
		r                 rules.Rule
		typ, conds, param string
		active            int
		created, updated  int64
	)
	if err := sc.Scan(&r.ID, &r.Name, &typ, &conds, &param, &r.PriorityOrder, &active, &created, &updated); err != nil {
		return nil, err
	}
	r.Type = rules.Type(typ)
	r.Active = active == 1
	r.CreatedAt, r.UpdatedAt = fromMillis(created), fromMillis(updated)
	if err := json.Unmarshal([]byte(conds), &r.Conditions); err != nil {
		return nil, fmt.Errorf("rule %s conditions: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(param), &r.ActionParams); err != nil {
		return nil, fmt.Errorf("rule %s action params: %w", r.ID, err)
	}
	return &r, nil
}

func encodeRule(r *rules.Rule) (string, string, error) {
	if r.Conditions == nil {
		r.Conditions = map[string]interface{}{}
	}
	if r.ActionParams == nil {
		r.ActionParams = map[string]interface{}{}
	}
	c, err := json.Marshal(r.Conditions)
	if err != nil {
		return "", "", fmt.Errorf("encode conditions: %w", err)
	}
	p, err := json.Marshal(r.ActionParams)
	if err != nil {
		return "", "", fmt.Errorf("encode action params: %w", err)
	}
	return string(c), string(p), nil
}
