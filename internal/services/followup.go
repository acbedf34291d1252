// Package services – FollowupService
//
// This file implements the one-shot due-time scheduler. Subjects that
// entered the funnel but stalled get exactly one followup message per
// cycle: Schedule upserts the subject into a sorted-set due index scored by
// fire time, and RunDueLoop sweeps due entries, removing each from the
// index before acting so that a crash mid-send drops the followup instead
// of duplicating it.
//
// A "cycle" begins when the start handler resets the fired counter and
// reschedules; until then a fired subject is never scheduled again, which
// is the at-most-one-firing guarantee.
package services

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-outreach-engine/internal/gateway"
	"github.com/tbourn/go-outreach-engine/internal/repo"
)

// maxFollowupsPerCycle caps how many followups fire per cycle. The index
// guard compares against this, so raising it reopens already-contacted
// subjects.
const maxFollowupsPerCycle = 1

// FollowupService schedules and fires the one-shot followup message.
type FollowupService struct {
	Store    repo.Store
	Subjects *repo.Subjects
	Funnel   *repo.Funnel
	Sender   gateway.Sender

	// Delay is the default schedule offset when the caller passes none.
	Delay time.Duration
	// BatchSize bounds how many due entries one sweep claims.
	BatchSize int
	// IdleSleep is the pause between sweeps that found nothing due.
	IdleSleep time.Duration
	// Message is the followup copy sent to the subject.
	Message string

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (s *FollowupService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *FollowupService) batchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 100
}

// Schedule upserts the subject into the due index at now+delay. Calling it
// again re-scores the same entry, so repeated starts never produce two
// followups.
func (s *FollowupService) Schedule(ctx context.Context, subjectID int64, delay time.Duration) error {
	if delay <= 0 {
		delay = s.Delay
	}
	fireAt := s.now().Add(delay)
	return s.Store.ZAdd(ctx, repo.KeyFollowupDue,
		strconv.FormatInt(subjectID, 10), float64(fireAt.Unix()))
}

// Cancel removes the subject from the due index. Removing an absent entry
// is a no-op.
func (s *FollowupService) Cancel(ctx context.Context, subjectID int64) error {
	return s.Store.ZRem(ctx, repo.KeyFollowupDue, strconv.FormatInt(subjectID, 10))
}

// DueCount reports the due-index size for the admin surface.
func (s *FollowupService) DueCount(ctx context.Context) (int64, error) {
	return s.Store.ZCard(ctx, repo.KeyFollowupDue)
}

// ProcessDue claims one batch of due entries (oldest first) and fires the
// followup for each that passes the guards. The entry is removed from the
// index before any send; an action failure is logged and the entry is not
// rescheduled. Returns how many followups were actually sent.
func (s *FollowupService) ProcessDue(ctx context.Context) (int, error) {
	nowUnix := float64(s.now().Unix())
	due, err := s.Store.ZRangeByScore(ctx, repo.KeyFollowupDue, 0, nowUnix, s.batchSize())
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, m := range due {
		// Removal first: a crash from here on loses the followup, it never
		// duplicates it.
		if err := s.Store.ZRem(ctx, repo.KeyFollowupDue, m.Member); err != nil {
			return fired, err
		}
		id, err := strconv.ParseInt(m.Member, 10, 64)
		if err != nil {
			log.Warn().Str("member", m.Member).Msg("followup: malformed due entry dropped")
			continue
		}
		if s.fire(ctx, id) {
			fired++
		}
	}
	return fired, nil
}

// fire applies the per-subject guards and sends the followup. Reports
// whether a message actually went out.
func (s *FollowupService) fire(ctx context.Context, subjectID int64) bool {
	sub, err := s.Subjects.Get(ctx, subjectID)
	if err != nil {
		log.Error().Err(err).Int64("subject", subjectID).Msg("followup: subject load failed")
		return false
	}
	switch {
	case sub.Blocked:
		followupsSkipped.WithLabelValues("blocked").Inc()
		return false
	case sub.Paid:
		followupsSkipped.WithLabelValues("paid").Inc()
		return false
	case sub.FollowupIdx >= maxFollowupsPerCycle:
		followupsSkipped.WithLabelValues("already_fired").Inc()
		return false
	case sub.ChatID == 0:
		followupsSkipped.WithLabelValues("no_channel").Inc()
		return false
	}
	if owned, err := s.Subjects.OwnedByThisBot(ctx, subjectID); err != nil || !owned {
		if err != nil {
			log.Error().Err(err).Int64("subject", subjectID).Msg("followup: owner check failed")
		}
		followupsSkipped.WithLabelValues("foreign_bot").Inc()
		return false
	}

	if err := s.Sender.SendMessage(ctx, sub.ChatID, s.Message); err != nil {
		// No reschedule: the one shot is spent.
		log.Error().Err(err).Int64("subject", subjectID).Msg("followup: send failed")
		return false
	}
	if err := s.Subjects.SetFollowupIdx(ctx, subjectID, sub.FollowupIdx+1); err != nil {
		log.Error().Err(err).Int64("subject", subjectID).Msg("followup: index update failed")
	}
	if err := s.Funnel.RecordEvent(ctx, "followup_sent", subjectID, nil); err != nil {
		log.Warn().Err(err).Int64("subject", subjectID).Msg("followup: funnel record failed")
	}
	followupsFired.Inc()
	log.Info().Int64("subject", subjectID).Msg("followup sent")
	return true
}

// RunDueLoop sweeps the due index until ctx is canceled. Any error is
// absorbed with a log line; the loop never exits on its own.
func (s *FollowupService) RunDueLoop(ctx context.Context) {
	idle := s.IdleSleep
	if idle <= 0 {
		idle = time.Second
	}
	log.Info().Dur("idle", idle).Msg("followup due loop started")
	for {
		fired, err := s.ProcessDue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("followup: sweep failed")
		}
		if fired == 0 || err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("followup due loop stopped")
				return
			case <-time.After(idle):
			}
			continue
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("followup due loop stopped")
			return
		default:
		}
	}
}
