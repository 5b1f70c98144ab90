package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/npe/internal/profile"
)

const profileColumns = `user_id, timezone, dnd_start_hour, dnd_end_hour, channel_preferences, opted_out_topics,
	hourly_cap_override, daily_cap_override, segment, engagement_heatmap, created_at, updated_at`

// GetProfile returns the stored profile or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	return s.getProfile(ctx, s.db, userID)
}

// Profile returns the stored profile, or the default profile when the
// user has none.
func (s *Store) Profile(ctx context.Context, userID string) (*profile.Profile, bool, error) {
	p, err := s.GetProfile(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return profile.Default(userID), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// SaveProfile upserts p.
func (s *Store) SaveProfile(ctx context.Context, p *profile.Profile) error {
	return s.saveProfile(ctx, s.db, p)
}

// UpdateProfile loads (or defaults) the profile, applies fn and saves it
// in one transaction.
func (s *Store) UpdateProfile(ctx context.Context, userID string, fn func(*profile.Profile) error) (*profile.Profile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := s.getProfile(ctx, tx, userID)
	if errors.Is(err, ErrNotFound) {
		p = profile.Default(userID)
	} else if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	if err := s.saveProfile(ctx, tx, p); err != nil {
		return nil, err
	}
	return p, tx.Commit()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) getProfile(ctx context.Context, q querier, userID string) (*profile.Profile, error) {
	var (
		p                    profile.Profile
		prefs, topics, heat  string
		hourly, daily        sql.NullInt64
		createdAt, updatedAt int64
	)
	err := q.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE user_id = ?`, userID).Scan(
		&p.UserID, &p.Timezone, &p.DNDStartHour, &p.DNDEndHour, &prefs, &topics,
		&hourly, &daily, &p.Segment, &heat, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if hourly.Valid {
		v := int(hourly.Int64)
		p.HourlyCapOverride = &v
	}
	if daily.Valid {
		v := int(daily.Int64)
		p.DailyCapOverride = &v
	}
	p.CreatedAt, p.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	if err := json.Unmarshal([]byte(prefs), &p.ChannelPreferences); err != nil {
		return nil, fmt.Errorf("profile %s preferences: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(topics), &p.OptedOutTopics); err != nil {
		return nil, fmt.Errorf("profile %s opt-outs: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(heat), &p.Heatmap); err != nil {
		return nil, fmt.Errorf("profile %s heatmap: %w", userID, err)
	}
	if len(p.Heatmap) != 24 {
		p.Heatmap = profile.FlatHeatmap()
	}
	return &p, nil
}

func (s *Store) saveProfile(ctx context.Context, q querier, p *profile.Profile) error {
	if p.ChannelPreferences == nil {
		p.ChannelPreferences = map[string]interface{}{}
	}
	if p.OptedOutTopics == nil {
		p.OptedOutTopics = []string{}
	}
	if len(p.Heatmap) != 24 {
		p.Heatmap = profile.FlatHeatmap()
	}
	prefs, err := json.Marshal(p.ChannelPreferences)
	if err != nil {
		return err
	}
	topics, err := json.Marshal(p.OptedOutTopics)
	if err != nil {
		return err
	}
	heat, err := json.Marshal(p.Heatmap)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err = q.ExecContext(ctx,
		`INSERT INTO user_profiles(`+profileColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   timezone=excluded.timezone, dnd_start_hour=excluded.dnd_start_hour, dnd_end_hour=excluded.dnd_end_hour,
		   channel_preferences=excluded.channel_preferences, opted_out_topics=excluded.opted_out_topics,
		   hourly_cap_override=excluded.hourly_cap_override, daily_cap_override=excluded.daily_cap_override,
		   segment=excluded.segment, engagement_heatmap=excluded.engagement_heatmap, updated_at=excluded.updated_at`,
		p.UserID, p.Timezone, p.DNDStartHour, p.DNDEndHour, string(prefs), string(topics),
		nullInt(p.HourlyCapOverride), nullInt(p.DailyCapOverride), p.Segment, string(heat),
		p.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	return err
}
