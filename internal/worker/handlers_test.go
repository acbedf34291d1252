package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-outreach-engine/internal/domain"
	"github.com/tbourn/go-outreach-engine/internal/gateway"
	"github.com/tbourn/go-outreach-engine/internal/repo"
	"github.com/tbourn/go-outreach-engine/internal/services"
)

// recordingSender collects outgoing messages.
type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) SendMessage(_ context.Context, _ int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// stubGateway answers checkout creation with a fixed session or an error.
type stubGateway struct {
	err     error
	creates int
}

func (g *stubGateway) CreateSession(_ context.Context, req gateway.CreateSessionRequest) (gateway.CheckoutSession, error) {
	g.creates++
	if g.err != nil {
		return gateway.CheckoutSession{}, g.err
	}
	return gateway.CheckoutSession{
		SessionID:   "cs_" + req.Identifier,
		CheckoutURL: "https://pay.example/" + req.Identifier,
		RawStatus:   "unpaid",
	}, nil
}

func (g *stubGateway) SessionStatus(context.Context, string) (string, error) {
	return "unpaid", nil
}

type handlersFixture struct {
	store    *repo.MemoryStore
	subjects *repo.Subjects
	funnel   *repo.Funnel
	attrib   *repo.Attribution
	sender   *recordingSender
	gw       *stubGateway
	follow   *services.FollowupService
	h        *Handlers
}

func newHandlersFixture() *handlersFixture {
	st := repo.NewMemoryStore()
	f := &handlersFixture{
		store:    st,
		subjects: &repo.Subjects{Store: st, BotID: 1},
		funnel:   &repo.Funnel{Store: st},
		attrib:   &repo.Attribution{Store: st},
		sender:   &recordingSender{},
		gw:       &stubGateway{},
	}
	f.follow = &services.FollowupService{
		Store:    st,
		Subjects: f.subjects,
		Funnel:   f.funnel,
		Sender:   f.sender,
		Delay:    360 * time.Second,
	}
	payments := &services.PaymentService{
		Subjects:    f.subjects,
		Payments:    &repo.Payments{Store: st},
		Attribution: f.attrib,
		Funnel:      f.funnel,
		Gateway:     f.gw,
		Followups:   f.follow,
		Currency:    "USD",
		ProductName: "Premium access",
	}
	f.h = &Handlers{
		Subjects:             f.subjects,
		Funnel:               f.funnel,
		Attribution:          f.attrib,
		Sender:               f.sender,
		Followups:            f.follow,
		Payments:             payments,
		WelcomeMessage:       "welcome!",
		CheckoutRetryMessage: "something went wrong, please try again",
	}
	return f
}

func TestHandleStart_ResetsCycleAndSchedules(t *testing.T) {
	ctx := context.Background()
	f := newHandlersFixture()

	// Simulate a previous cycle: fired followup, then payment.
	_ = f.subjects.Upsert(ctx, 42, 4242)
	_ = f.subjects.SetFollowupIdx(ctx, 42, 1)
	_ = f.subjects.MarkPaid(ctx, 42)

	err := f.h.HandleStart(ctx, domain.Event{Kind: domain.EventStart, SubjectID: 42, ChatID: 4242})
	if err != nil {
		t.Fatal(err)
	}
	sub, _ := f.subjects.Get(ctx, 42)
	if sub.Paid || sub.FollowupIdx != 0 {
		t.Fatalf("subject after start = %+v; want fresh cycle", sub)
	}
	if n, _ := f.follow.DueCount(ctx); n != 1 {
		t.Fatalf("due count = %d; want 1", n)
	}
	if texts := f.sender.texts(); len(texts) != 1 || texts[0] != "welcome!" {
		t.Fatalf("sent = %v; want the welcome message", texts)
	}
	if c, _ := f.funnel.Counters(ctx); c["start"] != "1" {
		t.Fatalf("funnel start count = %q; want 1", c["start"])
	}
}

func TestHandleStart_PinsDeeplinkAttribution(t *testing.T) {
	ctx := context.Background()
	f := newHandlersFixture()
	_ = f.attrib.SaveToken(ctx, "tok1", map[string]string{"utm_source": "ads"})

	err := f.h.HandleStart(ctx, domain.Event{
		Kind: domain.EventStart, SubjectID: 5, ChatID: 500,
		Payload: map[string]string{"token": "tok1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	utms, _ := f.attrib.ForSubject(ctx, 5)
	if utms["utm_source"] != "ads" {
		t.Fatalf("pinned utms = %v; want the token's set", utms)
	}
}

func TestHandlePlanSelected_SendsCheckoutLink(t *testing.T) {
	ctx := context.Background()
	f := newHandlersFixture()

	err := f.h.HandlePlanSelected(ctx, domain.Event{
		Kind: domain.EventPlanSelected, SubjectID: 7, ChatID: 700,
		Payload: map[string]string{"amount_cents": "2990"},
	})
	if err != nil {
		t.Fatal(err)
	}
	texts := f.sender.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "https://pay.example/") {
		t.Fatalf("sent = %v; want the checkout link", texts)
	}
	if ok, _ := f.subjects.HasStartInteraction(ctx, 7); !ok {
		t.Fatal("interaction marker not set")
	}
	if c, _ := f.funnel.Counters(ctx); c["plan_selected"] != "1" {
		t.Fatalf("funnel plan_selected count = %q; want 1", c["plan_selected"])
	}
}

func TestHandlePlanSelected_GatewayFailureSendsRetryText(t *testing.T) {
	ctx := context.Background()
	f := newHandlersFixture()
	f.gw.err = errors.New("upstream 502")

	err := f.h.HandlePlanSelected(ctx, domain.Event{
		Kind: domain.EventPlanSelected, SubjectID: 8, ChatID: 800,
		Payload: map[string]string{"amount_cents": "2990"},
	})
	if err != nil {
		t.Fatal(err)
	}
	texts := f.sender.texts()
	if len(texts) != 1 || texts[0] != f.h.CheckoutRetryMessage {
		t.Fatalf("sent = %v; want the retry text", texts)
	}
}

func TestHandlePlanSelected_DropsUnusableAmount(t *testing.T) {
	ctx := context.Background()
	f := newHandlersFixture()

	for _, amount := range []string{"", "abc", "-5", "0"} {
		err := f.h.HandlePlanSelected(ctx, domain.Event{
			Kind: domain.EventPlanSelected, SubjectID: 9, ChatID: 900,
			Payload: map[string]string{"amount_cents": amount},
		})
		if err != nil {
			t.Fatalf("amount %q: err = %v; want silent drop", amount, err)
		}
	}
	if texts := f.sender.texts(); len(texts) != 0 {
		t.Fatalf("sent = %v; want nothing", texts)
	}
}

func TestHandlePlanSelected_SkipsBlockedSubject(t *testing.T) {
	ctx := context.Background()
	f := newHandlersFixture()
	_ = f.subjects.MarkBlocked(ctx, 10)

	err := f.h.HandlePlanSelected(ctx, domain.Event{
		Kind: domain.EventPlanSelected, SubjectID: 10, ChatID: 1000,
		Payload: map[string]string{"amount_cents": "2990"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.gw.creates != 0 {
		t.Fatalf("gateway sessions created = %d; want 0", f.gw.creates)
	}
	if texts := f.sender.texts(); len(texts) != 0 {
		t.Fatalf("sent = %v; want nothing", texts)
	}
}

func TestHandleBlocked_StopsAllContact(t *testing.T) {
	ctx := context.Background()
	f := newHandlersFixture()
	_ = f.subjects.Upsert(ctx, 11, 1100)
	_ = f.follow.Schedule(ctx, 11, time.Minute)

	err := f.h.HandleBlocked(ctx, domain.Event{Kind: domain.EventBlocked, SubjectID: 11})
	if err != nil {
		t.Fatal(err)
	}
	if blocked, _ := f.subjects.IsBlocked(ctx, 11); !blocked {
		t.Fatal("subject not marked blocked")
	}
	if n, _ := f.follow.DueCount(ctx); n != 0 {
		t.Fatal("blocked subject still scheduled")
	}
}

func TestHandleMessage_MarksInteraction(t *testing.T) {
	ctx := context.Background()
	f := newHandlersFixture()

	err := f.h.HandleMessage(ctx, domain.Event{Kind: domain.EventMessage, SubjectID: 12, ChatID: 1200})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := f.subjects.HasStartInteraction(ctx, 12); !ok {
		t.Fatal("interaction marker not set")
	}
	if texts := f.sender.texts(); len(texts) != 0 {
		t.Fatalf("sent = %v; want nothing", texts)
	}
}

func TestHandleMessage_CountsSubjectOncePerWindow(t *testing.T) {
	ctx := context.Background()
	f := newHandlersFixture()

	for i := 0; i < 3; i++ {
		if err := f.h.HandleMessage(ctx, domain.Event{Kind: domain.EventMessage, SubjectID: 13, ChatID: 1300}); err != nil {
			t.Fatal(err)
		}
	}
	c, _ := f.funnel.Counters(ctx)
	if c["start_interacted"] != "1" {
		t.Fatalf("start_interacted = %q; want 1 for repeated messages", c["start_interacted"])
	}
}
