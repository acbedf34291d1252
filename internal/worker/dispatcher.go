// Package worker implements the dispatch loop: the single consumer of the
// durable inbound-event FIFO. Events are popped in arrival order and handed
// to per-kind handlers on goroutines; a semaphore is acquired before each
// spawn so the number of in-flight tasks never exceeds MaxConcurrent and a
// hot queue backpressures into the store instead of into memory. Completion
// order is unordered.
//
// Failure isolation is per task: a handler error or panic is logged and the
// event is dropped; the loop itself only exits on context cancellation,
// after draining every in-flight task.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-outreach-engine/internal/domain"
	"github.com/tbourn/go-outreach-engine/internal/queue"
	"github.com/tbourn/go-outreach-engine/internal/repo"
)

// HandlerFunc processes one decoded inbound event.
type HandlerFunc func(ctx context.Context, ev domain.Event) error

// Dispatcher pops the FIFO and fans events out to registered handlers.
type Dispatcher struct {
	Queue *queue.Updates

	// MaxConcurrent bounds in-flight handler tasks.
	MaxConcurrent int
	// PopTimeout is the blocking-pop timeout; it doubles as the housekeeping
	// tick when the queue is idle.
	PopTimeout time.Duration

	handlers map[string]HandlerFunc
	wg       sync.WaitGroup
}

// Handle registers fn for an event kind, replacing any previous handler.
func (d *Dispatcher) Handle(kind string, fn HandlerFunc) {
	if d.handlers == nil {
		d.handlers = make(map[string]HandlerFunc)
	}
	d.handlers[kind] = fn
}

func (d *Dispatcher) maxConcurrent() int {
	if d.MaxConcurrent > 0 {
		return d.MaxConcurrent
	}
	return 100
}

func (d *Dispatcher) popTimeout() time.Duration {
	if d.PopTimeout > 0 {
		return d.PopTimeout
	}
	return time.Second
}

// Run consumes the queue until ctx is canceled, then waits for every
// in-flight task before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	sem := make(chan struct{}, d.maxConcurrent())
	log.Info().Int("max_concurrent", d.maxConcurrent()).Msg("dispatch loop started")

	for {
		if ctx.Err() != nil {
			break
		}
		raw, err := d.Queue.Pop(ctx, d.popTimeout())
		if errors.Is(err, repo.ErrEmpty) {
			d.observeDepth(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Msg("dispatch: pop failed")
			time.Sleep(time.Second)
			continue
		}

		// The slot is taken before the goroutine exists, so a full semaphore
		// stops the pop loop rather than letting tasks pile up.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Shutdown with a popped event in hand: run it synchronously so
			// it is not silently lost.
			d.process(context.Background(), raw)
			d.wg.Wait()
			log.Info().Msg("dispatch loop stopped")
			return
		}

		d.wg.Add(1)
		tasksInFlight.Inc()
		go func(raw string) {
			defer d.wg.Done()
			defer tasksInFlight.Dec()
			defer func() { <-sem }()
			d.process(ctx, raw)
		}(raw)
	}

	d.wg.Wait()
	log.Info().Msg("dispatch loop stopped")
}

// process decodes and routes one raw event. Panics are contained here so a
// misbehaving handler costs one event, not the loop.
func (d *Dispatcher) process(ctx context.Context, raw string) {
	defer func() {
		if r := recover(); r != nil {
			tasksTotal.WithLabelValues("unknown", "panic").Inc()
			log.Error().Interface("panic", r).Msg("dispatch: handler panicked")
		}
	}()

	var ev domain.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		tasksTotal.WithLabelValues("unknown", "malformed").Inc()
		log.Warn().Err(err).Msg("dispatch: malformed event dropped")
		return
	}
	fn, ok := d.handlers[ev.Kind]
	if !ok {
		tasksTotal.WithLabelValues(ev.Kind, "unhandled").Inc()
		log.Warn().Str("kind", ev.Kind).Msg("dispatch: no handler for kind, dropped")
		return
	}
	if err := fn(ctx, ev); err != nil {
		tasksTotal.WithLabelValues(ev.Kind, "error").Inc()
		log.Error().Err(err).Str("kind", ev.Kind).Int64("subject", ev.SubjectID).
			Msg("dispatch: handler failed")
		return
	}
	tasksTotal.WithLabelValues(ev.Kind, "ok").Inc()
}

func (d *Dispatcher) observeDepth(ctx context.Context) {
	if n, err := d.Queue.Depth(ctx); err == nil {
		queueDepth.Set(float64(n))
	}
}
