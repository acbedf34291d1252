// Package queue exposes the durable inbound-event FIFO. The webhook service
// pushes raw serialized events at ingress; the worker's dispatch loop pops
// them with a blocking timeout so it can run periodic housekeeping even when
// idle. Removal happens at pop time: a crash between pop and processing
// loses the event, an accepted trade-off documented in DESIGN.md.
package queue

import (
	"context"
	"time"

	"github.com/tbourn/go-outreach-engine/internal/repo"
)

// Updates is the FIFO of raw inbound events over a store list key.
type Updates struct {
	Store repo.Store
	Key   string
}

// NewUpdates returns the queue bound to the default updates key.
func NewUpdates(store repo.Store) *Updates {
	return &Updates{Store: store, Key: repo.KeyUpdates}
}

// Push appends one raw event to the tail.
func (q *Updates) Push(ctx context.Context, raw string) error {
	return q.Store.RPush(ctx, q.Key, raw)
}

// Pop blocks up to timeout for the next event in arrival order. It returns
// repo.ErrEmpty when the timeout lapses with nothing queued.
func (q *Updates) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	return q.Store.BLPop(ctx, q.Key, timeout)
}

// Depth reports the number of queued events for the admin surface.
func (q *Updates) Depth(ctx context.Context) (int64, error) {
	return q.Store.LLen(ctx, q.Key)
}
