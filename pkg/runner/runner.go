// Package runner orchestrates benchmark runs: it fans item evaluations out
// over a bounded worker pool, serializes result writes, streams progress
// events, and drives every run to exactly one terminal state.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/querybench/querybench/pkg/compare"
	"github.com/querybench/querybench/pkg/config"
	"github.com/querybench/querybench/pkg/evaluator"
	"github.com/querybench/querybench/pkg/events"
	"github.com/querybench/querybench/pkg/store"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrRunFinished is returned when a finished run is submitted again.
var ErrRunFinished = errors.New("run already finished")

// ErrUnknownRun is returned when a run id is not tracked by this process.
var ErrUnknownRun = errors.New("unknown run")

// errAborted terminates an operator-aborted run.
var errAborted = errors.New("run aborted")

// ItemSubmission is one predicted answer for a question.
type ItemSubmission struct {
	QuestionID string  `json:"question_id"`
	RawAnswer  string  `json:"raw_answer"`
	GenTimeMS  float64 `json:"gen_time_ms"`
	Tokens     int     `json:"tokens"`
}

// RunRequest describes a run to start. Setting RunID to an existing running
// run resumes it: already persisted items are skipped and the event sequence
// continues where it left off.
type RunRequest struct {
	RunID    string           `json:"run_id"`
	ModelID  string           `json:"model_id"`
	Revision string           `json:"revision"`
	DBID     string           `json:"db_id"`
	Params   map[string]any   `json:"params"`
	Items    []ItemSubmission `json:"items"`
}

// Summary aggregates a finished run.
type Summary struct {
	Total     int     `json:"total"`
	Scoreable int     `json:"scoreable"`
	Correct   int     `json:"correct"`
	Exact     int     `json:"exact"`
	Reordered int     `json:"reordered"`
	Mismatch  int     `json:"mismatch"`
	Errors    int     `json:"errors"`
	Accuracy  float64 `json:"accuracy"`
	AvgSilver float64 `json:"avg_silver"`
}

// CompletionHook runs after a run completes successfully, e.g. to export the
// results.
type CompletionHook func(ctx context.Context, run *store.BenchRun, items []store.BenchItem, summary *Summary)

// Runner starts and tracks benchmark runs.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error

	// StartRun validates the request, persists the run row, and begins
	// evaluation in the background.
	StartRun(ctx context.Context, req *RunRequest) (*store.BenchRun, error)

	// Emitter returns the live event stream of a run started by this
	// process.
	Emitter(runID string) (events.Emitter, bool)

	// Abort cancels a run started by this process. In-flight executions
	// are interrupted and the run ends failed with a terminal error
	// event.
	Abort(runID string) error

	// Wait blocks until the run reaches a terminal state or ctx is
	// canceled.
	Wait(ctx context.Context, runID string) (*Summary, error)

	// OnComplete registers the completion hook.
	OnComplete(fn CompletionHook)
}

// Compile-time interface check.
var _ Runner = (*runner)(nil)

type runEntry struct {
	emitter events.Emitter
	cancel  context.CancelFunc
	done    chan struct{}
	summary *Summary
	err     error
}

type runner struct {
	log        logrus.FieldLogger
	cfg        *config.RunnerConfig
	store      store.Store
	eval       evaluator.Evaluator
	onComplete CompletionHook

	mu   sync.Mutex
	runs map[string]*runEntry
	wg   sync.WaitGroup
}

// NewRunner creates a new run orchestrator.
func NewRunner(
	log logrus.FieldLogger,
	cfg *config.RunnerConfig,
	st store.Store,
	eval evaluator.Evaluator,
) Runner {
	return &runner{
		log:   log.WithField("component", "runner"),
		cfg:   cfg,
		store: st,
		eval:  eval,
		runs:  make(map[string]*runEntry),
	}
}

// OnComplete registers the completion hook.
func (r *runner) OnComplete(fn CompletionHook) {
	r.onComplete = fn
}

func (r *runner) Start(_ context.Context) error {
	r.log.WithField("workers", r.cfg.Workers).Info("Runner started")

	return nil
}

// Stop waits for in-flight runs to finish.
func (r *runner) Stop() error {
	r.wg.Wait()

	return nil
}

func (r *runner) StartRun(ctx context.Context, req *RunRequest) (*store.BenchRun, error) {
	if req.ModelID == "" {
		return nil, fmt.Errorf("model_id is required")
	}

	if req.DBID == "" {
		return nil, fmt.Errorf("db_id is required")
	}

	if len(req.Items) == 0 {
		return nil, fmt.Errorf("at least one item is required")
	}

	if _, err := decodeRunOptions(req.Params); err != nil {
		return nil, err
	}

	run, resumed, err := r.prepareRun(ctx, req)
	if err != nil {
		return nil, err
	}

	// Stored params win on resumption.
	overrides, err := decodeRunOptions(run.Params)
	if err != nil {
		return nil, err
	}

	skip, err := r.store.ListItemIndexes(ctx, run.RunID)
	if err != nil {
		return nil, fmt.Errorf("listing completed items: %w", err)
	}

	lastSeq, err := r.store.MaxEventSeq(ctx, run.RunID)
	if err != nil {
		return nil, fmt.Errorf("reading event sequence: %w", err)
	}

	em := events.NewEmitter(r.log, r.store, run.RunID, lastSeq)

	runCtx, cancel := context.WithCancel(context.Background())
	entry := &runEntry{emitter: em, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.runs[run.RunID] = entry
	r.mu.Unlock()

	if resumed {
		err = em.Emit(ctx, store.EventStatus, map[string]any{
			"state":     "resumed",
			"completed": len(skip),
			"total":     len(req.Items),
		})
	} else {
		err = em.Emit(ctx, store.EventMeta, map[string]any{
			"model_id": run.ModelID,
			"revision": run.Revision,
			"db_id":    run.DBID,
			"total":    len(req.Items),
			"params":   run.Params,
		})
	}

	if err != nil {
		return nil, err
	}

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.execute(runCtx, run, req, overrides, skip, entry)
	}()

	return run, nil
}

// prepareRun creates the run row, or loads it for resumption.
func (r *runner) prepareRun(ctx context.Context, req *RunRequest) (*store.BenchRun, bool, error) {
	if req.RunID != "" {
		run, err := r.store.GetRun(ctx, req.RunID)
		if err != nil {
			return nil, false, fmt.Errorf("loading run %s: %w", req.RunID, err)
		}

		if run.Status != store.RunStatusRunning {
			return nil, false, fmt.Errorf("%w: %s is %s", ErrRunFinished, run.RunID, run.Status)
		}

		return run, true, nil
	}

	run := &store.BenchRun{
		RunID:     uuid.NewString(),
		ModelID:   req.ModelID,
		Revision:  req.Revision,
		DBID:      req.DBID,
		Params:    req.Params,
		Status:    store.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, false, fmt.Errorf("creating run: %w", err)
	}

	return run, false, nil
}

func (r *runner) Emitter(runID string) (events.Emitter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.runs[runID]
	if !ok {
		return nil, false
	}

	return entry.emitter, true
}

// Abort cancels the run's in-flight evaluations. The run goroutine still
// flushes the terminal error event before releasing the entry.
func (r *runner) Abort(runID string) error {
	r.mu.Lock()
	entry, ok := r.runs[runID]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	select {
	case <-entry.done:
		return fmt.Errorf("%w: %s", ErrRunFinished, runID)
	default:
	}

	r.log.WithField("run_id", runID).Info("Aborting run")
	entry.cancel()

	return nil
}

func (r *runner) Wait(ctx context.Context, runID string) (*Summary, error) {
	r.mu.Lock()
	entry, ok := r.runs[runID]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	select {
	case <-entry.done:
		return entry.summary, entry.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// execute evaluates all outstanding items and drives the run to its terminal
// state. Item failures are recorded and the run continues; only subsystem
// failures abort it.
func (r *runner) execute(
	runCtx context.Context,
	run *store.BenchRun,
	req *RunRequest,
	overrides *evaluator.LimitOverrides,
	skip map[int]struct{},
	entry *runEntry,
) {
	defer entry.cancel()

	// Terminal bookkeeping must outlive an aborted runCtx.
	ctx := context.Background()
	log := r.log.WithField("run_id", run.RunID)

	var (
		writeMu   sync.Mutex
		completed = len(skip)
	)

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(r.cfg.Workers)

	for idx, sub := range req.Items {
		if _, done := skip[idx]; done {
			continue
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			if err := r.checkHostMemory(); err != nil {
				return err
			}

			question, err := r.store.GetQuestion(gctx, sub.QuestionID)
			if err != nil {
				return fmt.Errorf("loading question %s: %w", sub.QuestionID, err)
			}

			item, err := r.eval.Evaluate(gctx, evaluator.Input{
				RunID:     run.RunID,
				Idx:       idx,
				Question:  question,
				RawAnswer: sub.RawAnswer,
				GenTimeMS: sub.GenTimeMS,
				Tokens:    sub.Tokens,
				Overrides: overrides,
			})
			if err != nil {
				return err
			}

			writeMu.Lock()
			defer writeMu.Unlock()

			if err := r.store.InsertItem(gctx, item); err != nil {
				return fmt.Errorf("persisting item %d: %w", idx, err)
			}

			completed++

			return entry.emitter.Emit(gctx, store.EventResult, map[string]any{
				"idx":          item.Idx,
				"question_id":  item.QuestionID,
				"match_kind":   item.MatchKind,
				"is_correct":   item.IsCorrect,
				"silver_score": item.SilverScore,
				"completed":    completed,
				"total":        len(req.Items),
			})
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) && runCtx.Err() != nil {
			err = errAborted
		}

		log.WithError(err).Error("Run aborted")

		r.finish(ctx, run, entry, nil, err)

		return
	}

	items, err := r.store.ListItems(ctx, run.RunID)
	if err != nil {
		r.finish(ctx, run, entry, nil, fmt.Errorf("listing items: %w", err))

		return
	}

	summary := summarize(items)

	log.WithFields(logrus.Fields{
		"total":    summary.Total,
		"correct":  summary.Correct,
		"accuracy": summary.Accuracy,
	}).Info("Run completed")

	r.finish(ctx, run, entry, summary, nil)

	if r.onComplete != nil {
		r.onComplete(ctx, run, items, summary)
	}
}

// finish persists the terminal status and emits the terminal event. The
// terminal event is flushed even when the run failed mid-flight.
func (r *runner) finish(
	ctx context.Context,
	run *store.BenchRun,
	entry *runEntry,
	summary *Summary,
	runErr error,
) {
	status := store.RunStatusCompleted

	var payload map[string]any

	eventType := store.EventDone

	if runErr != nil {
		status = store.RunStatusFailed
		eventType = store.EventError
		payload = map[string]any{"error": runErr.Error()}
	} else {
		payload = map[string]any{
			"total":      summary.Total,
			"scoreable":  summary.Scoreable,
			"correct":    summary.Correct,
			"exact":      summary.Exact,
			"reordered":  summary.Reordered,
			"mismatch":   summary.Mismatch,
			"errors":     summary.Errors,
			"accuracy":   summary.Accuracy,
			"avg_silver": summary.AvgSilver,
		}
	}

	if err := r.store.EndRun(ctx, run.RunID, status, time.Now().UTC()); err != nil {
		r.log.WithError(err).WithField("run_id", run.RunID).Error("Ending run")
	}

	if err := entry.emitter.EmitTerminal(ctx, eventType, payload); err != nil {
		r.log.WithError(err).WithField("run_id", run.RunID).Error("Emitting terminal event")
	}

	entry.summary = summary
	entry.err = runErr

	close(entry.done)
}

// checkHostMemory aborts dispatch when the host is nearly out of memory.
// This fails the whole run, not the item.
func (r *runner) checkHostMemory() error {
	minFree := r.cfg.MinFreeMemoryBytes()
	if minFree == 0 {
		return nil
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		r.log.WithError(err).Debug("Reading host memory")

		return nil
	}

	if vm.Available < uint64(minFree) {
		return fmt.Errorf("host memory exhausted: %d bytes available, %d required",
			vm.Available, minFree)
	}

	return nil
}

// summarize folds item rows into the run summary.
func summarize(items []store.BenchItem) *Summary {
	s := &Summary{Total: len(items)}

	var silverSum float64

	for _, item := range items {
		silverSum += item.SilverScore

		// both_error items stay out of the accuracy denominator.
		if compare.MatchKind(item.MatchKind) != compare.MatchBothError {
			s.Scoreable++
		}

		switch compare.MatchKind(item.MatchKind) {
		case compare.MatchExact:
			s.Exact++
		case compare.MatchReordered:
			s.Reordered++
		case compare.MatchMismatch:
			s.Mismatch++
		default:
			s.Errors++
		}

		if item.IsCorrect {
			s.Correct++
		}
	}

	if s.Scoreable > 0 {
		s.Accuracy = float64(s.Correct) / float64(s.Scoreable)
	}

	if s.Total > 0 {
		s.AvgSilver = silverSum / float64(s.Total)
	}

	return s
}
