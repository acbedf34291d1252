// Funnel reporting: a capped event trail plus lifetime and per-day counters.
// Purely best-effort: recording failures are returned but every caller
// treats them as log-and-continue.
package repo

import (
	"context"
	"encoding/json"
	"time"
)

const (
	funnelTrailCap = 2000
	funnelDayTTL   = 60 * 24 * time.Hour
)

// Funnel records business events for the admin dashboards.
type Funnel struct {
	Store Store

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (r *Funnel) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RecordEvent appends one event to the capped trail and bumps the lifetime
// and per-day counters for it.
func (r *Funnel) RecordEvent(ctx context.Context, event string, subjectID int64, extra map[string]string) error {
	ts := r.now()
	payload := map[string]interface{}{
		"ts":    ts.Unix(),
		"event": event,
	}
	if subjectID != 0 {
		payload["subject_id"] = subjectID
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := r.Store.LPush(ctx, KeyFunnelEvents, string(raw)); err != nil {
		return err
	}
	if err := r.Store.LTrim(ctx, KeyFunnelEvents, 0, funnelTrailCap-1); err != nil {
		return err
	}

	day := funnelDayKey(ts.UTC().Format("2006-01-02"))
	for _, key := range []string{KeyFunnelCounters, day} {
		if _, err := r.Store.HIncrBy(ctx, key, "events_total", 1); err != nil {
			return err
		}
		if _, err := r.Store.HIncrBy(ctx, key, event, 1); err != nil {
			return err
		}
	}
	return r.Store.Expire(ctx, day, funnelDayTTL)
}

// Counters returns the lifetime counter hash.
func (r *Funnel) Counters(ctx context.Context) (map[string]string, error) {
	return r.Store.HGetAll(ctx, KeyFunnelCounters)
}

// DayCounters returns today's (UTC) counter hash.
func (r *Funnel) DayCounters(ctx context.Context) (map[string]string, error) {
	return r.Store.HGetAll(ctx, funnelDayKey(r.now().UTC().Format("2006-01-02")))
}
