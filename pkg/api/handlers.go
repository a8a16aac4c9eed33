package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/querybench/querybench/pkg/runner"
	"github.com/querybench/querybench/pkg/store"
)

// defaultListLimit bounds list endpoints when no limit is given.
const defaultListLimit = 50

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStartRun accepts a run request and starts evaluation in the
// background. The response carries the run id to stream or poll.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req runner.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	run, err := s.runner.StartRun(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrRunFinished):
			writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
		case errors.Is(err, store.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		}

		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

func (s *server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	if err := s.runner.Abort(runID); err != nil {
		switch {
		case errors.Is(err, runner.ErrUnknownRun):
			writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
		case errors.Is(err, runner.ErrRunFinished):
			writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
		}

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "aborting"})
}

// handleListRuns returns recent runs, newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Listing runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing runs"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
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

	writeJSON(w, http.StatusOK, run)
}

// handleListItems returns all persisted item results of a run, ordered by
// item index.
func (s *server) handleListItems(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Loading run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading run"})

		return
	}

	items, err := s.store.ListItems(r.Context(), runID)
	if err != nil {
		s.log.WithError(err).Error("Listing items")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing items"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleListQuestions returns questions from the bank, optionally filtered
// by data context and language.
func (s *server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	filter := store.QuestionFilter{
		DBID:     r.URL.Query().Get("db_id"),
		Language: r.URL.Query().Get("language"),
		Limit:    queryInt(r, "limit", defaultListLimit),
		Offset:   queryInt(r, "offset", 0),
	}

	questions, err := s.store.ListQuestions(r.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("Listing questions")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing questions"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
}

func (s *server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	dc, err := s.store.GetContext(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"context not found"})

			return
		}

		s.log.WithError(err).Error("Loading context")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading context"})

		return
	}

	writeJSON(w, http.StatusOK, dc)
}

// queryInt parses an integer query parameter with a fallback.
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}

	return n
}
