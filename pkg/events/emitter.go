// Package events provides the per-run append-only event stream: durable
// writes through the store, plus an in-memory journal for live replay and
// tailing by any number of subscribers.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/querybench/querybench/pkg/store"
	"github.com/sirupsen/logrus"
)

// Emitter publishes events for a single run. Sequence numbers are monotonic
// per run and assigned at append time; after Close no further events are
// accepted.
type Emitter interface {
	// Emit appends one event durably and wakes subscribers.
	Emit(ctx context.Context, eventType string, payload map[string]any) error

	// EmitTerminal appends the run's final done or error event. Only the
	// first terminal event wins; later calls are no-ops.
	EmitTerminal(ctx context.Context, eventType string, payload map[string]any) error

	// Subscribe replays journaled events with seq > afterSeq, then tails
	// live events until the run terminates or ctx is canceled.
	Subscribe(ctx context.Context, afterSeq uint64) <-chan store.BenchEvent

	// Closed reports whether a terminal event has been emitted.
	Closed() bool
}

// Compile-time interface check.
var _ Emitter = (*emitter)(nil)

type emitter struct {
	log   logrus.FieldLogger
	store store.Store
	runID string

	mu      sync.Mutex
	cond    *sync.Cond
	seq     uint64
	journal []store.BenchEvent
	closed  bool

	terminal sync.Once
}

// NewEmitter creates an emitter for a run. When the run is being resumed,
// lastSeq continues the persisted sequence instead of restarting at zero.
func NewEmitter(log logrus.FieldLogger, st store.Store, runID string, lastSeq uint64) Emitter {
	e := &emitter{
		log:   log.WithField("component", "events").WithField("run_id", runID),
		store: st,
		runID: runID,
		seq:   lastSeq,
	}
	e.cond = sync.NewCond(&e.mu)

	return e
}

func (e *emitter) Emit(ctx context.Context, eventType string, payload map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("run %s event stream is closed", e.runID)
	}

	return e.append(ctx, eventType, payload)
}

func (e *emitter) EmitTerminal(ctx context.Context, eventType string, payload map[string]any) error {
	var err error

	e.terminal.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		err = e.append(ctx, eventType, payload)
		e.closed = true
		e.cond.Broadcast()
	})

	return err
}

// append assigns the next sequence number, persists the event, and journals
// it. Callers hold e.mu. A persisted event is always journaled, so replay
// from the journal matches the store.
func (e *emitter) append(ctx context.Context, eventType string, payload map[string]any) error {
	ev := store.BenchEvent{
		RunID:     e.runID,
		Seq:       e.seq + 1,
		TS:        time.Now().UTC(),
		EventType: eventType,
		Payload:   payload,
	}

	if err := e.store.AppendEvent(ctx, &ev); err != nil {
		return fmt.Errorf("appending %s event: %w", eventType, err)
	}

	e.seq = ev.Seq
	e.journal = append(e.journal, ev)
	e.cond.Broadcast()

	return nil
}

func (e *emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

func (e *emitter) Subscribe(ctx context.Context, afterSeq uint64) <-chan store.BenchEvent {
	out := make(chan store.BenchEvent, 64)

	// Wake the cond wait when the subscriber goes away so the goroutine
	// below can observe ctx and exit.
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		e.cond.Broadcast()
	})

	go func() {
		defer close(out)
		defer stop()

		next := afterSeq

		for {
			e.mu.Lock()

			for !e.closed && e.seq <= next && ctx.Err() == nil {
				e.cond.Wait()
			}

			pending := e.pendingLocked(next)
			closed := e.closed

			e.mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
					next = ev.Seq
				case <-ctx.Done():
					return
				}
			}

			if ctx.Err() != nil {
				return
			}

			if closed && len(pending) == 0 {
				return
			}
		}
	}()

	return out
}

// pendingLocked copies journaled events with seq > after. Callers hold e.mu.
func (e *emitter) pendingLocked(after uint64) []store.BenchEvent {
	var out []store.BenchEvent

	for _, ev := range e.journal {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}

	return out
}
