package repo

import (
	"context"
	"testing"
)

func TestDeliveries_KeyThenSent(t *testing.T) {
	r := &Deliveries{Store: NewMemoryStore()}
	ctx := context.Background()

	rec, err := r.Record(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessKey != "" || rec.Sent {
		t.Fatalf("fresh record = %+v; want zero", rec)
	}

	if err := r.SaveKey(ctx, 42, "k-abc"); err != nil {
		t.Fatal(err)
	}
	rec, _ = r.Record(ctx, 42)
	if rec.AccessKey != "k-abc" || rec.Sent {
		t.Fatalf("after SaveKey = %+v; want key set, not sent", rec)
	}

	if err := r.MarkSent(ctx, 42); err != nil {
		t.Fatal(err)
	}
	rec, _ = r.Record(ctx, 42)
	if !rec.Sent {
		t.Fatal("MarkSent did not stick")
	}

	id, err := r.ResolveAccessKey(ctx, "k-abc")
	if err != nil || id != 42 {
		t.Fatalf("ResolveAccessKey = %d, %v; want 42", id, err)
	}
	if _, err := r.ResolveAccessKey(ctx, "unknown"); err != ErrNotFound {
		t.Fatalf("unknown key = %v; want ErrNotFound", err)
	}
}
