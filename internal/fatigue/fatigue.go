// Package fatigue owns the per-user delivery counters and last-send
// timestamps kept in the key-value store.
package fatigue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/kv"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
	lastTTL    = 7 * 24 * time.Hour
)

func HourlyKey(userID, channel string) string {
	return fmt.Sprintf("notif:count:%s:%s:1h", userID, channel)
}

func DailyKey(userID string) string {
	return fmt.Sprintf("notif:count:%s:24h", userID)
}

func LastSendKey(userID, topic string) string {
	return fmt.Sprintf("notif:last:%s:%s", userID, topic)
}

// Counts are the rolling delivery counters for one user and channel.
type Counts struct {
	Hourly int64 `json:"hourly"`
	Daily  int64 `json:"daily"`
}

// Tracker reads and updates fatigue state.
type Tracker struct {
	store kv.Store
}

func NewTracker(store kv.Store) *Tracker {
	return &Tracker{store: store}
}

// Counts returns the hourly counter for (user, channel) and the daily
// counter for user. Missing keys read as zero.
func (t *Tracker) Counts(ctx context.Context, userID, channel string) (Counts, error) {
	var c Counts
	var err error
	if c.Hourly, err = t.readInt(ctx, HourlyKey(userID, channel)); err != nil {
		return Counts{}, err
	}
	if c.Daily, err = t.readInt(ctx, DailyKey(userID)); err != nil {
		return Counts{}, err
	}
	return c, nil
}

// LastSend returns when topic was last delivered immediately to the user.
func (t *Tracker) LastSend(ctx context.Context, userID, topic string) (time.Time, bool, error) {
	v, ok, err := t.store.Get(ctx, LastSendKey(userID, topic))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last send %s/%s: %w", userID, topic, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// Record increments both counters. When immediate is true the topic's
// last-send timestamp is also set to at.
func (t *Tracker) Record(ctx context.Context, userID, channel, topic string, at time.Time, immediate bool) (Counts, error) {
	var c Counts
	var err error
	if c.Hourly, err = t.store.Incr(ctx, HourlyKey(userID, channel), hourWindow); err != nil {
		return c, fmt.Errorf("incr hourly: %w", err)
	}
	if c.Daily, err = t.store.Incr(ctx, DailyKey(userID), dayWindow); err != nil {
		return c, fmt.Errorf("incr daily: %w", err)
	}
	if immediate {
		if err := t.store.Set(ctx, LastSendKey(userID, topic), strconv.FormatInt(at.UnixMilli(), 10), lastTTL); err != nil {
			return c, fmt.Errorf("set last send: %w", err)
		}
	}
	return c, nil
}

func (t *Tracker) readInt(ctx context.Context, key string) (int64, error) {
	v, ok, err := t.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", key, err)
	}
	return n, nil
}
