package repo

import (
	"context"
	"testing"
	"time"
)

func TestFunnel_RecordEventCounts(t *testing.T) {
	r := &Funnel{Store: NewMemoryStore()}
	ctx := context.Background()

	_ = r.RecordEvent(ctx, "payment_confirmed", 42, nil)
	_ = r.RecordEvent(ctx, "payment_confirmed", 43, map[string]string{"gateway_status": "PAID"})
	_ = r.RecordEvent(ctx, "start", 42, nil)

	total, _ := r.Counters(ctx)
	if total["payment_confirmed"] != "2" {
		t.Fatalf("payment_confirmed = %q; want 2", total["payment_confirmed"])
	}
	if total["events_total"] != "3" {
		t.Fatalf("events_total = %q; want 3", total["events_total"])
	}
	if _, ok := total["never_seen"]; ok {
		t.Fatal("unknown counter present; want absent")
	}

	day, _ := r.DayCounters(ctx)
	if day["events_total"] != "3" {
		t.Fatalf("day events_total = %q; want 3", day["events_total"])
	}
}

func TestFunnel_DayBucketsByUTCDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	r := &Funnel{Store: NewMemoryStore(), Now: func() time.Time { return now }}
	ctx := context.Background()

	_ = r.RecordEvent(ctx, "start", 1, nil)
	now = now.Add(2 * time.Minute) // crosses midnight
	_ = r.RecordEvent(ctx, "start", 2, nil)

	day, _ := r.DayCounters(ctx)
	if day["start"] != "1" {
		t.Fatalf("new day start = %q; want 1", day["start"])
	}
	total, _ := r.Counters(ctx)
	if total["start"] != "2" {
		t.Fatalf("lifetime start = %q; want 2", total["start"])
	}
}
