// Delivery records make the one-time access send idempotent: "sent" is only
// written after a successful send, and the record expires with the access.
package repo

import (
	"context"
	"strconv"
	"time"

	"github.com/tbourn/go-outreach-engine/internal/domain"
)

// deliveryTTL ages delivery records out together with the purchased access.
const deliveryTTL = 30 * 24 * time.Hour

// Deliveries persists per-subject delivery records and the access-key map.
type Deliveries struct {
	Store Store
}

// Record loads the delivery record; a missing record is a zero value.
func (r *Deliveries) Record(ctx context.Context, subjectID int64) (domain.DeliveryRecord, error) {
	h, err := r.Store.HGetAll(ctx, deliveryKey(subjectID))
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	rec := domain.DeliveryRecord{
		AccessKey: h["access_key"],
		Sent:      h["sent"] == "1",
	}
	if ts, err := strconv.ParseInt(h["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.Unix(ts, 0)
	}
	return rec, nil
}

// SaveKey stores a freshly issued access key (not yet sent) and maps the
// key back to its subject for portal-side verification.
func (r *Deliveries) SaveKey(ctx context.Context, subjectID int64, accessKey string) error {
	if err := r.Store.HSet(ctx, deliveryKey(subjectID), map[string]string{
		"access_key": accessKey,
	}); err != nil {
		return err
	}
	return r.Store.HSet(ctx, KeyAccessKeys, map[string]string{
		accessKey: strconv.FormatInt(subjectID, 10),
	})
}

// MarkSent flips the sent flag after a successful send and refreshes the
// record TTL.
func (r *Deliveries) MarkSent(ctx context.Context, subjectID int64) error {
	if err := r.Store.HSet(ctx, deliveryKey(subjectID), map[string]string{
		"sent":       "1",
		"updated_at": strconv.FormatInt(time.Now().Unix(), 10),
	}); err != nil {
		return err
	}
	return r.Store.Expire(ctx, deliveryKey(subjectID), deliveryTTL)
}

// ResolveAccessKey returns the subject an access key was issued to, or
// ErrNotFound for unknown keys.
func (r *Deliveries) ResolveAccessKey(ctx context.Context, accessKey string) (int64, error) {
	v, err := r.Store.HGet(ctx, KeyAccessKeys, accessKey)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
