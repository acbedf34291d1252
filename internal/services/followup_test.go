package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-outreach-engine/internal/repo"
)

// fakeSender records sent messages and can be scripted to fail.
type fakeSender struct {
	mu    sync.Mutex
	sent  []sentMsg
	fail  error
	calls int
}

type sentMsg struct {
	chatID int64
	text   string
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentMsg{chatID, text})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type followupFixture struct {
	store    *repo.MemoryStore
	subjects *repo.Subjects
	sender   *fakeSender
	svc      *FollowupService
	now      time.Time
}

func newFollowupFixture() *followupFixture {
	st := repo.NewMemoryStore()
	f := &followupFixture{
		store:    st,
		subjects: &repo.Subjects{Store: st, BotID: 1},
		sender:   &fakeSender{},
		now:      time.Unix(1_700_000_000, 0),
	}
	f.svc = &FollowupService{
		Store:    st,
		Subjects: f.subjects,
		Funnel:   &repo.Funnel{Store: st},
		Sender:   f.sender,
		Delay:    360 * time.Second,
		Message:  "still thinking it over?",
		Now:      func() time.Time { return f.now },
	}
	return f
}

func (f *followupFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestFollowup_SchedulesAndFiresOnce(t *testing.T) {
	ctx := context.Background()
	f := newFollowupFixture()
	if err := f.subjects.Upsert(ctx, 42, 4242); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Schedule(ctx, 42, 0); err != nil {
		t.Fatal(err)
	}

	// Not due yet: nothing fires, the entry stays.
	fired, err := f.svc.ProcessDue(ctx)
	if err != nil || fired != 0 {
		t.Fatalf("ProcessDue before due = %d, %v; want 0, nil", fired, err)
	}
	if n, _ := f.svc.DueCount(ctx); n != 1 {
		t.Fatalf("due count = %d; want 1", n)
	}

	f.advance(361 * time.Second)
	fired, err = f.svc.ProcessDue(ctx)
	if err != nil || fired != 1 {
		t.Fatalf("ProcessDue = %d, %v; want 1, nil", fired, err)
	}
	if f.sender.count() != 1 || f.sender.sent[0].chatID != 4242 {
		t.Fatalf("sent = %+v; want one message to 4242", f.sender.sent)
	}
	if idx, _ := f.subjects.FollowupIdx(ctx, 42); idx != 1 {
		t.Fatalf("followup_idx = %d; want 1", idx)
	}
	if n, _ := f.svc.DueCount(ctx); n != 0 {
		t.Fatalf("due count after fire = %d; want 0", n)
	}
}

func TestFollowup_AtMostOncePerCycle(t *testing.T) {
	ctx := context.Background()
	f := newFollowupFixture()
	_ = f.subjects.Upsert(ctx, 7, 700)
	_ = f.svc.Schedule(ctx, 7, 0)
	f.advance(time.Hour)
	if fired, _ := f.svc.ProcessDue(ctx); fired != 1 {
		t.Fatal("first cycle did not fire")
	}

	// Re-scheduling without a cycle reset is skipped by the index guard.
	_ = f.svc.Schedule(ctx, 7, 0)
	f.advance(time.Hour)
	if fired, _ := f.svc.ProcessDue(ctx); fired != 0 {
		t.Fatal("second firing in the same cycle")
	}
	if f.sender.count() != 1 {
		t.Fatalf("sends = %d; want 1", f.sender.count())
	}

	// A fresh funnel entry resets the counter and reopens the cycle.
	if err := f.subjects.MarkUnpaid(ctx, 7, true); err != nil {
		t.Fatal(err)
	}
	_ = f.svc.Schedule(ctx, 7, 0)
	f.advance(time.Hour)
	if fired, _ := f.svc.ProcessDue(ctx); fired != 1 {
		t.Fatal("new cycle did not fire")
	}
}

func TestFollowup_Guards(t *testing.T) {
	ctx := context.Background()

	cases := map[string]func(f *followupFixture){
		"blocked": func(f *followupFixture) {
			_ = f.subjects.MarkBlocked(ctx, 9)
		},
		"paid": func(f *followupFixture) {
			_ = f.subjects.MarkPaid(ctx, 9)
		},
		"foreign bot": func(f *followupFixture) {
			_ = f.store.HSet(ctx, "ob:user:9", map[string]string{"bot_id": "99"})
		},
	}
	for name, arrange := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFollowupFixture()
			_ = f.subjects.Upsert(ctx, 9, 900)
			arrange(f)
			_ = f.svc.Schedule(ctx, 9, 0)
			f.advance(time.Hour)
			if fired, err := f.svc.ProcessDue(ctx); err != nil || fired != 0 {
				t.Fatalf("ProcessDue = %d, %v; want 0, nil", fired, err)
			}
			if f.sender.count() != 0 {
				t.Fatal("guarded subject received a followup")
			}
			if n, _ := f.svc.DueCount(ctx); n != 0 {
				t.Fatal("guarded entry left in the due index")
			}
		})
	}
}

func TestFollowup_SendFailureNotRescheduled(t *testing.T) {
	ctx := context.Background()
	f := newFollowupFixture()
	f.sender.fail = errors.New("channel down")
	_ = f.subjects.Upsert(ctx, 5, 500)
	_ = f.svc.Schedule(ctx, 5, 0)
	f.advance(time.Hour)

	if fired, err := f.svc.ProcessDue(ctx); err != nil || fired != 0 {
		t.Fatalf("ProcessDue = %d, %v; want 0, nil", fired, err)
	}
	if n, _ := f.svc.DueCount(ctx); n != 0 {
		t.Fatal("failed send was rescheduled")
	}
	if idx, _ := f.subjects.FollowupIdx(ctx, 5); idx != 0 {
		t.Fatalf("followup_idx after failed send = %d; want 0", idx)
	}
}

func TestFollowup_ScheduleUpsertsSingleEntry(t *testing.T) {
	ctx := context.Background()
	f := newFollowupFixture()
	_ = f.subjects.Upsert(ctx, 3, 300)
	_ = f.svc.Schedule(ctx, 3, time.Minute)
	_ = f.svc.Schedule(ctx, 3, 2*time.Minute)
	if n, _ := f.svc.DueCount(ctx); n != 1 {
		t.Fatalf("due count after double schedule = %d; want 1", n)
	}
}
