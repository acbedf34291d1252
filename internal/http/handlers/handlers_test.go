package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-outreach-engine/internal/domain"
	"github.com/tbourn/go-outreach-engine/internal/gateway"
	"github.com/tbourn/go-outreach-engine/internal/http/middleware"
	"github.com/tbourn/go-outreach-engine/internal/queue"
	"github.com/tbourn/go-outreach-engine/internal/repo"
	"github.com/tbourn/go-outreach-engine/internal/services"
)

func init() { gin.SetMode(gin.TestMode) }

type nopSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *nopSender) SendMessage(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

type fixedGateway struct {
	status string
}

func (g *fixedGateway) CreateSession(ctx context.Context, req gateway.CreateSessionRequest) (gateway.CheckoutSession, error) {
	return gateway.CheckoutSession{SessionID: "cs_x", CheckoutURL: "https://pay/cs_x", RawStatus: "open"}, nil
}

func (g *fixedGateway) SessionStatus(ctx context.Context, sessionID string) (string, error) {
	return g.status, nil
}

type fixture struct {
	handler *Handler
	store   *repo.MemoryStore
	router  *gin.Engine
	sender  *nopSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := repo.NewMemoryStore()
	subjects := &repo.Subjects{Store: st, BotID: 1}
	payments := &repo.Payments{Store: st}
	deliveries := &repo.Deliveries{Store: st}
	funnel := &repo.Funnel{Store: st}
	attribution := &repo.Attribution{Store: st}
	sender := &nopSender{}

	followups := &services.FollowupService{
		Store:    st,
		Subjects: subjects,
		Funnel:   funnel,
		Sender:   sender,
		Delay:    time.Minute,
	}
	paySvc := &services.PaymentService{
		Subjects:    subjects,
		Payments:    payments,
		Attribution: attribution,
		Funnel:      funnel,
		Gateway:     &fixedGateway{status: "unpaid"},
		Followups:   followups,
		Currency:    "USD",
		ProductName: "Premium access",
	}
	tracking := &services.TrackingService{Store: st}

	h := &Handler{
		Queue:         queue.NewUpdates(st),
		Payments:      paySvc,
		Followups:     followups,
		Tracking:      tracking,
		Funnel:        funnel,
		Attribution:   attribution,
		Deliveries:    deliveries,
		WebhookSecret: "relay-secret",
		GatewaySecret: "whsec_test",
		AdminToken:    "admin-token",
		DeeplinkBase:  "https://t.me/engine_bot",
	}

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Recovery())
	r.POST("/ingress/webhook", h.PostIngress)
	r.POST("/gateway/webhook", h.PostGatewayWebhook)
	r.GET("/r", h.GetRedirect)
	r.GET("/portal/access", h.GetAccessStatus)
	admin := r.Group("/admin", h.AdminAuth())
	admin.GET("/ops", h.GetOps)
	admin.GET("/funnel", h.GetFunnel)

	return &fixture{handler: h, store: st, router: r, sender: sender}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func ackBody(t *testing.T, w *httptest.ResponseRecorder) bool {
	t.Helper()
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode ack: %v (%s)", err, w.Body.String())
	}
	return body.OK
}

func TestPostIngress_EnqueuesRawBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/ingress/webhook", strings.NewReader(`{"kind":"start"}`))
	req.Header.Set("X-Webhook-Secret", "relay-secret")
	w := f.do(req)

	if w.Code != http.StatusOK || !ackBody(t, w) {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	depth, err := f.handler.Queue.Depth(context.Background())
	if err != nil || depth != 1 {
		t.Fatalf("queue depth = %d, %v", depth, err)
	}
	raw, err := f.handler.Queue.Pop(context.Background(), 0)
	if err != nil || raw != `{"kind":"start"}` {
		t.Fatalf("popped %q, %v", raw, err)
	}
}

func TestPostIngress_RejectsBadSecretWith200(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/ingress/webhook", strings.NewReader(`{}`))
	req.Header.Set("X-Webhook-Secret", "wrong")
	w := f.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ackBody(t, w) {
		t.Fatal("bad secret must not be acknowledged as accepted")
	}
	if depth, _ := f.handler.Queue.Depth(context.Background()); depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
}

func TestPostIngress_EmptyBodyNotEnqueued(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/ingress/webhook", strings.NewReader(""))
	req.Header.Set("X-Webhook-Secret", "relay-secret")
	w := f.do(req)

	if w.Code != http.StatusOK || ackBody(t, w) {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}

func signGateway(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func seedPending(t *testing.T, f *fixture, subjectID int64, sessionID string) {
	t.Helper()
	ctx := context.Background()
	if err := f.handler.Payments.Subjects.Upsert(ctx, subjectID, subjectID*10); err != nil {
		t.Fatal(err)
	}
	rec := domain.PaymentRecord{
		SessionID:   sessionID,
		Identifier:  fmt.Sprintf("ob-%d-1", subjectID),
		CheckoutURL: "https://pay/" + sessionID,
		Amount:      29.90,
		Currency:    "USD",
		Status:      domain.StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := f.handler.Payments.Payments.SaveRecord(ctx, subjectID, rec); err != nil {
		t.Fatal(err)
	}
	if err := f.handler.Payments.Payments.MapIdentifier(ctx, sessionID, subjectID); err != nil {
		t.Fatal(err)
	}
	if err := f.handler.Payments.Payments.AddPending(ctx, subjectID); err != nil {
		t.Fatal(err)
	}
}

func TestPostGatewayWebhook_ReconcilesPaidSession(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, 42, "cs_42")

	body := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_42",
			"payment_status": "paid",
			"metadata": {"subject_id": "42"}
		}}
	}`)
	req := httptest.NewRequest(http.MethodPost, "/gateway/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Gateway-Signature", signGateway("whsec_test", time.Now().Unix(), body))
	w := f.do(req)

	if w.Code != http.StatusOK || !ackBody(t, w) {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	ctx := context.Background()
	paid, err := f.handler.Payments.Subjects.IsPaid(ctx, 42)
	if err != nil || !paid {
		t.Fatalf("subject not marked paid: %v %v", paid, err)
	}
	if n, _ := f.handler.Payments.Payments.PendingCount(ctx); n != 0 {
		t.Fatalf("pending count = %d, want 0", n)
	}
}

func TestPostGatewayWebhook_ResolvesBySessionID(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, 7, "cs_7")

	// No subject hint in the payload: the session id must be enough.
	body := []byte(`{"id":"evt_2","type":"checkout.session.completed","data":{"object":{"id":"cs_7","payment_status":"paid"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/gateway/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Gateway-Signature", signGateway("whsec_test", time.Now().Unix(), body))
	w := f.do(req)

	if !ackBody(t, w) {
		t.Fatalf("body %s", w.Body.String())
	}
	if paid, _ := f.handler.Payments.Subjects.IsPaid(context.Background(), 7); !paid {
		t.Fatal("subject 7 should be paid")
	}
}

func TestPostGatewayWebhook_BadSignatureIgnoredWith200(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, 42, "cs_42")

	body := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_42","payment_status":"paid","metadata":{"subject_id":"42"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/gateway/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Gateway-Signature", signGateway("wrong-secret", time.Now().Unix(), body))
	w := f.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ackBody(t, w) {
		t.Fatal("forged signature must not be acknowledged as accepted")
	}
	if paid, _ := f.handler.Payments.Subjects.IsPaid(context.Background(), 42); paid {
		t.Fatal("forged callback must not mark the subject paid")
	}
}

func TestPostGatewayWebhook_UnknownSubjectAcknowledged(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_ghost","payment_status":"paid"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/gateway/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Gateway-Signature", signGateway("whsec_test", time.Now().Unix(), body))
	w := f.do(req)

	if w.Code != http.StatusOK || !ackBody(t, w) {
		t.Fatalf("unknown subject should be acknowledged: %d %s", w.Code, w.Body.String())
	}
}

func TestVerifyGatewaySignature(t *testing.T) {
	body := []byte(`{"id":"evt"}`)
	now := time.Unix(1_700_000_000, 0)
	good := signGateway("sec", now.Unix(), body)

	if err := verifyGatewaySignature(good, body, "sec", now); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := verifyGatewaySignature(good, body, "other", now); err == nil {
		t.Fatal("wrong secret accepted")
	}
	if err := verifyGatewaySignature(good, []byte(`tampered`), "sec", now); err == nil {
		t.Fatal("tampered body accepted")
	}
	if err := verifyGatewaySignature(good, body, "sec", now.Add(6*time.Minute)); err == nil {
		t.Fatal("stale timestamp accepted")
	}
	if err := verifyGatewaySignature(good, body, "sec", now.Add(-6*time.Minute)); err == nil {
		t.Fatal("future timestamp accepted")
	}
	if err := verifyGatewaySignature("", body, "sec", now); err == nil {
		t.Fatal("missing header accepted")
	}
	if err := verifyGatewaySignature("t=0,v1=zz", body, "sec", now); err == nil {
		t.Fatal("malformed header accepted")
	}
}

func TestGetRedirect_ParksAttributionUnderToken(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/r?utm_source=ads&utm_campaign=summer&src=x", nil)
	w := f.do(req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	loc := w.Header().Get("Location")
	prefix := "https://t.me/engine_bot?start="
	if !strings.HasPrefix(loc, prefix) {
		t.Fatalf("Location = %q", loc)
	}
	token := strings.TrimPrefix(loc, prefix)
	if len(token) != 10 {
		t.Fatalf("token %q should be 10 chars", token)
	}
	utms, err := f.handler.Attribution.ResolveToken(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if utms["utm_source"] != "ads" || utms["utm_campaign"] != "summer" || utms["src"] != "x" {
		t.Fatalf("resolved %#v", utms)
	}
	if c, _ := f.handler.Funnel.Counters(context.Background()); c["redirect"] != "1" {
		t.Fatalf("redirect funnel count = %q", c["redirect"])
	}
}

func TestGetRedirect_BareWithoutParameters(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/r", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://t.me/engine_bot" {
		t.Fatalf("Location = %q, want bare deeplink", loc)
	}
}

func TestGetAccessStatus_ResolvesDeliveredKey(t *testing.T) {
	f := newFixture(t)
	if err := f.handler.Deliveries.SaveKey(context.Background(), 42, "key-42"); err != nil {
		t.Fatal(err)
	}

	w := f.do(httptest.NewRequest(http.MethodGet, "/portal/access?key=key-42", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var body struct {
		Valid     bool  `json:"valid"`
		SubjectID int64 `json:"subject_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Valid || body.SubjectID != 42 {
		t.Fatalf("body = %+v", body)
	}
}

func TestGetAccessStatus_UnknownAndMissingKey(t *testing.T) {
	f := newFixture(t)

	if w := f.do(httptest.NewRequest(http.MethodGet, "/portal/access?key=nope", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("unknown key: status = %d, want 404", w.Code)
	}
	if w := f.do(httptest.NewRequest(http.MethodGet, "/portal/access", nil)); w.Code != http.StatusBadRequest {
		t.Fatalf("missing key: status = %d, want 400", w.Code)
	}
}

func TestAdminAuth_RejectsMissingAndWrongToken(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/admin/ops", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/ops", nil)
	req.Header.Set("X-Admin-Token", "guess")
	if w := f.do(req); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", w.Code)
	}
}

func TestAdminAuth_ClosedWhenUnconfigured(t *testing.T) {
	f := newFixture(t)
	f.handler.AdminToken = ""

	req := httptest.NewRequest(http.MethodGet, "/admin/ops", nil)
	req.Header.Set("X-Admin-Token", "")
	if w := f.do(req); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 when token unconfigured", w.Code)
	}
}

func TestGetOps_ReportsStructureSizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.handler.Queue.Push(ctx, `{"kind":"x"}`); err != nil {
		t.Fatal(err)
	}
	seedPending(t, f, 5, "cs_5")
	if err := f.handler.Followups.Schedule(ctx, 5, time.Minute); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/ops", nil)
	req.Header.Set("X-Admin-Token", "admin-token")
	w := f.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}

	var body map[string]int64
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["queue_depth"] != 1 || body["pending_payments"] != 1 || body["scheduled"] != 1 || body["retry_depth"] != 0 {
		t.Fatalf("ops body = %#v", body)
	}
}

func TestGetFunnel_ReportsCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := f.handler.Funnel.RecordEvent(ctx, "start", int64(i), nil); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/funnel", nil)
	req.Header.Set("X-Admin-Token", "admin-token")
	w := f.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}

	var body struct {
		Lifetime map[string]string `json:"lifetime"`
		Today    map[string]string `json:"today"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Lifetime["start"] != "3" || body.Today["start"] != "3" {
		t.Fatalf("funnel body = %#v", body)
	}
}
