package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/querybench/querybench/pkg/store"
)

const (
	// heartbeatInterval keeps idle SSE connections alive through proxies.
	heartbeatInterval = 15 * time.Second

	// pollInterval is the store polling cadence for runs owned by another
	// process.
	pollInterval = time.Second
)

// handleRunEvents streams the run's event log as Server-Sent Events.
// Persisted events past the ?after= (or Last-Event-ID) cursor are replayed
// first; the stream then tails live events until the run terminates or the
// client disconnects. Reconnecting with the last seen id never loses or
// repeats an event.
func (s *server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Loading run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading run"})

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"streaming unsupported"})

		return
	}

	after := eventCursor(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Replay what is already persisted.
	persisted, err := s.store.ListEvents(r.Context(), runID, after)
	if err != nil {
		s.log.WithError(err).Error("Replaying events")

		return
	}

	terminal := false

	for i := range persisted {
		if werr := writeEvent(w, &persisted[i]); werr != nil {
			return
		}

		after = persisted[i].Seq
		terminal = terminal || isTerminal(persisted[i].EventType)
	}

	flusher.Flush()

	if terminal {
		return
	}

	// A terminal run with no terminal event replayed means the cursor was
	// already past it; nothing further will arrive.
	if run.Status != store.RunStatusRunning {
		return
	}

	if em, owned := s.runner.Emitter(runID); owned {
		s.tailEmitter(w, r, flusher, em.Subscribe(r.Context(), after))

		return
	}

	s.tailStore(w, r, flusher, runID, after)
}

// tailEmitter streams live events from the in-process emitter.
func (s *server) tailEmitter(
	w http.ResponseWriter,
	r *http.Request,
	flusher http.Flusher,
	events <-chan store.BenchEvent,
) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}

			if err := writeEvent(w, &ev); err != nil {
				return
			}

			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}

			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

// tailStore polls the store for new events. Used when the run is live but
// was started by a different process, so no in-memory stream exists here.
func (s *server) tailStore(
	w http.ResponseWriter,
	r *http.Request,
	flusher http.Flusher,
	runID string,
	after uint64,
) {
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-poll.C:
			fresh, err := s.store.ListEvents(r.Context(), runID, after)
			if err != nil {
				s.log.WithError(err).Debug("Polling events")

				return
			}

			for i := range fresh {
				if werr := writeEvent(w, &fresh[i]); werr != nil {
					return
				}

				after = fresh[i].Seq

				if isTerminal(fresh[i].EventType) {
					flusher.Flush()

					return
				}
			}

			if len(fresh) > 0 {
				flusher.Flush()
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}

			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

// writeEvent emits one event in SSE wire format. The event seq doubles as
// the SSE id so EventSource reconnects resume correctly.
func writeEvent(w http.ResponseWriter, ev *store.BenchEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("serializing event %d: %w", ev.Seq, err)
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n",
		ev.Seq, ev.EventType, data)

	return err
}

// eventCursor reads the resume position from ?after= or the Last-Event-ID
// header set by reconnecting EventSource clients.
func eventCursor(r *http.Request) uint64 {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}

	if raw == "" {
		return 0
	}

	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}

	return n
}

func isTerminal(eventType string) bool {
	return eventType == store.EventDone || eventType == store.EventError
}
