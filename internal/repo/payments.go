// Pending payment records, the identifier map, and the pending index.
package repo

import (
	"context"
	"strconv"
	"time"

	"github.com/tbourn/go-outreach-engine/internal/domain"
)

// Payments persists checkout state for the reconciler.
type Payments struct {
	Store Store
}

// SaveRecord writes the payment hash and indexes the subject as pending.
func (r *Payments) SaveRecord(ctx context.Context, subjectID int64, rec domain.PaymentRecord) error {
	fields := map[string]string{
		"session_id":   rec.SessionID,
		"identifier":   rec.Identifier,
		"checkout_url": rec.CheckoutURL,
		"amount":       strconv.FormatFloat(rec.Amount, 'f', 2, 64),
		"currency":     rec.Currency,
		"status":       rec.Status,
		"created_at":   strconv.FormatInt(rec.CreatedAt.Unix(), 10),
	}
	if err := r.Store.HSet(ctx, paymentKey(subjectID), fields); err != nil {
		return err
	}
	return r.AddPending(ctx, subjectID)
}

// Record loads the payment hash; ErrNotFound when no checkout exists yet.
func (r *Payments) Record(ctx context.Context, subjectID int64) (domain.PaymentRecord, error) {
	h, err := r.Store.HGetAll(ctx, paymentKey(subjectID))
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	if len(h) == 0 {
		return domain.PaymentRecord{}, ErrNotFound
	}
	rec := domain.PaymentRecord{
		SessionID:   h["session_id"],
		Identifier:  h["identifier"],
		CheckoutURL: h["checkout_url"],
		Currency:    h["currency"],
		Status:      h["status"],
	}
	rec.Amount, _ = strconv.ParseFloat(h["amount"], 64)
	if ts, err := strconv.ParseInt(h["created_at"], 10, 64); err == nil {
		rec.CreatedAt = time.Unix(ts, 0)
	}
	return rec, nil
}

// SetStatus overwrites the stored normalized status. Callers enforce the
// monotone-OK rule before calling; the repo stays a dumb write.
func (r *Payments) SetStatus(ctx context.Context, subjectID int64, status string) error {
	return r.Store.HSet(ctx, paymentKey(subjectID), map[string]string{"status": status})
}

// MapIdentifier records identifier → subject so asynchronous callbacks that
// only know a gateway id can find their subject.
func (r *Payments) MapIdentifier(ctx context.Context, identifier string, subjectID int64) error {
	if identifier == "" {
		return nil
	}
	return r.Store.HSet(ctx, KeyPayIdentifierMap, map[string]string{
		identifier: strconv.FormatInt(subjectID, 10),
	})
}

// ResolveIdentifier returns the subject owning an external identifier, or
// ErrNotFound.
func (r *Payments) ResolveIdentifier(ctx context.Context, identifier string) (int64, error) {
	v, err := r.Store.HGet(ctx, KeyPayIdentifierMap, identifier)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// AddPending indexes the subject for the poll loop.
func (r *Payments) AddPending(ctx context.Context, subjectID int64) error {
	return r.Store.SAdd(ctx, KeyPayPending, strconv.FormatInt(subjectID, 10))
}

// RemovePending stops future polling for the subject. Idempotent.
func (r *Payments) RemovePending(ctx context.Context, subjectID int64) error {
	return r.Store.SRem(ctx, KeyPayPending, strconv.FormatInt(subjectID, 10))
}

// PendingSample returns up to limit pending subject ids. Malformed members
// are removed on sight instead of poisoning every future sweep.
func (r *Payments) PendingSample(ctx context.Context, limit int) ([]int64, error) {
	members, err := r.Store.SMembers(ctx, KeyPayPending)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			_ = r.Store.SRem(ctx, KeyPayPending, m)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// PendingCount reports the pending-index size for the admin surface.
func (r *Payments) PendingCount(ctx context.Context) (int64, error) {
	return r.Store.SCard(ctx, KeyPayPending)
}

// SaveError keeps the last gateway failure per subject for diagnostics.
func (r *Payments) SaveError(ctx context.Context, subjectID int64, where, detail string) error {
	return r.Store.HSet(ctx, paymentErrKey(subjectID), map[string]string{
		"where": where,
		"error": detail,
		"ts":    strconv.FormatInt(time.Now().Unix(), 10),
	})
}
