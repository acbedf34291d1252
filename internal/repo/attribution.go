// Campaign attribution: UTM parameter sets stored under short tokens (the
// deeplink payload is length-limited) and later pinned to a subject.
package repo

import (
	"context"
	"encoding/json"
	"time"
)

const utmTokenTTL = 7 * 24 * time.Hour

// Attribution stores UTM parameter sets for tracking redirects.
type Attribution struct {
	Store Store
}

// SaveToken stores the UTM set under token with a bounded TTL.
func (r *Attribution) SaveToken(ctx context.Context, token string, utms map[string]string) error {
	raw, err := json.Marshal(utms)
	if err != nil {
		return err
	}
	return r.Store.Set(ctx, utmTokenKey(token), string(raw), utmTokenTTL)
}

// ResolveToken returns the UTM set for token; expired or unknown tokens
// yield an empty map.
func (r *Attribution) ResolveToken(ctx context.Context, token string) (map[string]string, error) {
	raw, err := r.Store.Get(ctx, utmTokenKey(token))
	if err == ErrNotFound {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var utms map[string]string
	if err := json.Unmarshal([]byte(raw), &utms); err != nil {
		return map[string]string{}, nil
	}
	return utms, nil
}

// Pin attaches a UTM set to a subject for later conversion reporting.
func (r *Attribution) Pin(ctx context.Context, subjectID int64, utms map[string]string) error {
	if len(utms) == 0 {
		return nil
	}
	return r.Store.HSet(ctx, utmKey(subjectID), utms)
}

// ForSubject returns the pinned UTM set; empty map when none.
func (r *Attribution) ForSubject(ctx context.Context, subjectID int64) (map[string]string, error) {
	return r.Store.HGetAll(ctx, utmKey(subjectID))
}
