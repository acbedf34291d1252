// Subject state. Each subject is one hash plus membership in a few shared
// sets; every mutation is a single-key write so concurrent handlers and
// background loops can interleave freely.
package repo

import (
	"context"
	"strconv"
	"time"

	"github.com/tbourn/go-outreach-engine/internal/domain"
)

// startSeenTTL bounds how long the "interacted after start" marker lives.
const startSeenTTL = 24 * time.Hour

// Subjects reads and mutates per-subject funnel state.
//
// BotID tags every record this process writes; records tagged by a previous
// deployment's bot are treated as stale and skipped by the scheduler.
type Subjects struct {
	Store Store
	BotID int64
}

// Upsert records the subject's channel address and the owning bot tag.
// Called on every inbound event; creating and refreshing are the same write.
func (r *Subjects) Upsert(ctx context.Context, id, chatID int64) error {
	return r.Store.HSet(ctx, subjectKey(id), map[string]string{
		"chat_id": strconv.FormatInt(chatID, 10),
		"bot_id":  strconv.FormatInt(r.BotID, 10),
	})
}

// Get loads the subject hash. A missing subject returns zero values, not an
// error: the store is allowed to age records out.
func (r *Subjects) Get(ctx context.Context, id int64) (domain.Subject, error) {
	h, err := r.Store.HGetAll(ctx, subjectKey(id))
	if err != nil {
		return domain.Subject{}, err
	}
	sub := domain.Subject{ID: id}
	sub.ChatID, _ = strconv.ParseInt(h["chat_id"], 10, 64)
	sub.BotID, _ = strconv.ParseInt(h["bot_id"], 10, 64)
	sub.Paid = h["paid"] == "1"
	idx, _ := strconv.Atoi(h["followup_idx"])
	sub.FollowupIdx = idx
	blocked, err := r.Store.SIsMember(ctx, KeyBlocked, strconv.FormatInt(id, 10))
	if err != nil {
		return sub, err
	}
	sub.Blocked = blocked
	return sub, nil
}

// MarkPaid sets the paid flag. Idempotent and monotone: there is no code
// path that clears it except an explicit MarkUnpaid from a fresh funnel
// entry.
func (r *Subjects) MarkPaid(ctx context.Context, id int64) error {
	return r.Store.HSet(ctx, subjectKey(id), map[string]string{"paid": "1"})
}

// IsPaid reports the paid flag.
func (r *Subjects) IsPaid(ctx context.Context, id int64) (bool, error) {
	v, err := r.Store.HGet(ctx, subjectKey(id), "paid")
	if err == ErrNotFound {
		return false, nil
	}
	return v == "1", err
}

// MarkUnpaid clears the paid flag. With resetCycle it also zeroes the
// followup counter, moving a FIRED subject back to UNSCHEDULED so the next
// Schedule call starts a fresh one-shot cycle.
func (r *Subjects) MarkUnpaid(ctx context.Context, id int64, resetCycle bool) error {
	fields := map[string]string{"paid": "0"}
	if resetCycle {
		fields["followup_idx"] = "0"
	}
	return r.Store.HSet(ctx, subjectKey(id), fields)
}

// FollowupIdx returns how many one-shot followups fired this cycle.
func (r *Subjects) FollowupIdx(ctx context.Context, id int64) (int, error) {
	v, err := r.Store.HGet(ctx, subjectKey(id), "followup_idx")
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

// SetFollowupIdx records the fired count.
func (r *Subjects) SetFollowupIdx(ctx context.Context, id int64, idx int) error {
	return r.Store.HSet(ctx, subjectKey(id), map[string]string{
		"followup_idx": strconv.Itoa(idx),
	})
}

// MarkBlocked adds the subject to the blocked set.
func (r *Subjects) MarkBlocked(ctx context.Context, id int64) error {
	return r.Store.SAdd(ctx, KeyBlocked, strconv.FormatInt(id, 10))
}

// IsBlocked reports blocked-set membership.
func (r *Subjects) IsBlocked(ctx context.Context, id int64) (bool, error) {
	return r.Store.SIsMember(ctx, KeyBlocked, strconv.FormatInt(id, 10))
}

// OwnedByThisBot reports whether the stored record was written by this
// deployment. Records without a tag predate the tagging scheme and are
// treated as stale. An unconfigured BotID accepts any tagged record.
func (r *Subjects) OwnedByThisBot(ctx context.Context, id int64) (bool, error) {
	v, err := r.Store.HGet(ctx, subjectKey(id), "bot_id")
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	owner, _ := strconv.ParseInt(v, 10, 64)
	if owner == 0 {
		return false, nil
	}
	return r.BotID == 0 || owner == r.BotID, nil
}

// MarkStartInteraction flags that the subject reacted after the start
// message; the flag expires on its own.
func (r *Subjects) MarkStartInteraction(ctx context.Context, id int64) error {
	return r.Store.Set(ctx, startSeenKey(id), "1", startSeenTTL)
}

// HasStartInteraction reports whether the flag is still present.
func (r *Subjects) HasStartInteraction(ctx context.Context, id int64) (bool, error) {
	_, err := r.Store.Get(ctx, startSeenKey(id))
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}
