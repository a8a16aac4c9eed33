// Package evaluator grades one predicted answer against its question's gold
// code over a resolved data context.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/querybench/querybench/pkg/compare"
	"github.com/querybench/querybench/pkg/datacontext"
	"github.com/querybench/querybench/pkg/sandbox"
	"github.com/querybench/querybench/pkg/store"
	"github.com/sirupsen/logrus"
)

// ErrFatal marks failures of the evaluation machinery itself. An item error
// never carries it; a wrapped ErrFatal means the run cannot continue.
var ErrFatal = errors.New("evaluation subsystem failure")

// Input is one unit of work: a question plus the answer produced for it.
type Input struct {
	RunID string
	Idx   int

	Question *store.Question

	// RawAnswer is the model output as received, possibly wrapped in
	// markdown fences or prose.
	RawAnswer string

	// GenTimeMS is how long the model took to produce the answer, when
	// the submitter reported it.
	GenTimeMS float64

	// Tokens is the submitter-reported token count of the answer.
	Tokens int

	// Overrides replaces configured execution limits for this run.
	Overrides *LimitOverrides
}

// LimitOverrides holds per-run execution limit overrides. Zero fields keep
// the configured value.
type LimitOverrides struct {
	Timeout     time.Duration
	MemoryBytes int64
	MaxRows     int
}

// Evaluator grades inputs into immutable item records.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (*store.BenchItem, error)
}

// Compile-time interface check.
var _ Evaluator = (*evaluator)(nil)

type evaluator struct {
	log      logrus.FieldLogger
	exec     sandbox.Executor
	resolver datacontext.Resolver
	limits   sandbox.Limits
}

// New creates a new evaluator. The same limits bound predicted and gold
// executions alike.
func New(
	log logrus.FieldLogger,
	exec sandbox.Executor,
	resolver datacontext.Resolver,
	limits sandbox.Limits,
) Evaluator {
	return &evaluator{
		log:      log.WithField("component", "evaluator"),
		exec:     exec,
		resolver: resolver,
		limits:   limits,
	}
}

// Evaluate runs the predicted and gold code under identical limits, compares
// the result sets, and assembles the item record. It returns an error only
// for subsystem failures, wrapped in ErrFatal; everything that went wrong
// with the code under evaluation is captured inside the item.
func (e *evaluator) Evaluate(ctx context.Context, in Input) (*store.BenchItem, error) {
	q := in.Question

	item := &store.BenchItem{
		RunID:      in.RunID,
		Idx:        in.Idx,
		QuestionID: q.ID,
		DBID:       q.DBID,
		RawAnswer:  in.RawAnswer,
		SQL:        ExtractCode(in.RawAnswer),
		GoldSQL:    q.GoldCode,
		GenTimeMS:  in.GenTimeMS,
	}

	handle, err := e.resolver.Resolve(ctx, q.DBID)
	if err != nil {
		if errors.Is(err, datacontext.ErrContextNotFound) ||
			errors.Is(err, datacontext.ErrContextUnavailable) {
			msg := fmt.Sprintf("data context %s: %v", q.DBID, err)

			item.PredError = msg
			item.GoldError = msg
			item.MatchKind = string(compare.MatchBothError)
			item.Metrics = map[string]any{"score": 0.0}

			return item, nil
		}

		return nil, fmt.Errorf("%w: resolving context %s: %v", ErrFatal, q.DBID, err)
	}

	limits := e.effectiveLimits(in.Overrides)

	pred, err := e.exec.Execute(ctx, item.SQL, q.Language, handle, limits)
	if err != nil {
		return nil, fmt.Errorf("%w: executing prediction: %v", ErrFatal, err)
	}

	gold, err := e.exec.Execute(ctx, q.GoldCode, q.Language, handle, limits)
	if err != nil {
		return nil, fmt.Errorf("%w: executing gold: %v", ErrFatal, err)
	}

	scoreStart := time.Now()
	verdict := compare.Compare(pred, gold)
	scoringMS := float64(time.Since(scoreStart).Microseconds()) / 1000

	item.PredExecSuccess = pred.Success
	item.GoldExecSuccess = gold.Success
	item.PredError = execError(pred)
	item.GoldError = execError(gold)
	item.RowsPred = len(pred.Rows)
	item.RowsGold = len(gold.Rows)
	item.MatchKind = string(verdict.Kind)
	item.IsCorrect = verdict.Kind == compare.MatchExact || verdict.Kind == compare.MatchReordered
	item.SilverScore = verdict.Silver
	item.PredExecTimeMS = float64(pred.Usage.WallTime.Microseconds()) / 1000
	item.GoldExecTimeMS = float64(gold.Usage.WallTime.Microseconds()) / 1000
	item.ScoringTimeMS = scoringMS

	item.Metrics = map[string]any{
		"score":            verdict.Score,
		"pred_peak_rss":    pred.Usage.PeakRSSBytes,
		"pred_cpu_percent": pred.Usage.CPUPercent,
		"pred_io_read_ops": pred.Usage.IOReadOps,
		"gold_peak_rss":    gold.Usage.PeakRSSBytes,
		"gold_cpu_percent": gold.Usage.CPUPercent,
		"gold_io_read_ops": gold.Usage.IOReadOps,
	}

	if pred.ErrorKind != "" {
		item.Metrics["error_type"] = string(pred.ErrorKind)
	}

	if gold.ErrorKind != "" {
		item.Metrics["gold_error_type"] = string(gold.ErrorKind)
	}

	if in.Tokens > 0 {
		item.Metrics["tokens"] = in.Tokens
	}

	e.log.WithFields(logrus.Fields{
		"run_id":     in.RunID,
		"idx":        in.Idx,
		"question":   q.ID,
		"match_kind": item.MatchKind,
	}).Debug("Item evaluated")

	return item, nil
}

func (e *evaluator) effectiveLimits(o *LimitOverrides) sandbox.Limits {
	limits := e.limits

	if o == nil {
		return limits
	}

	if o.Timeout > 0 {
		limits.Timeout = o.Timeout
	}

	if o.MemoryBytes > 0 {
		limits.MemoryBytes = o.MemoryBytes
	}

	if o.MaxRows > 0 {
		limits.MaxRows = o.MaxRows
	}

	return limits
}

func execError(o *sandbox.Outcome) string {
	if o.Success {
		return ""
	}

	if o.ErrorKind != "" {
		return fmt.Sprintf("%s: %s", o.ErrorKind, o.Error)
	}

	return o.Error
}

var fencedBlock = regexp.MustCompile("(?s)```(?:sql|python|py)?\\s*\\n(.*?)```")

// ExtractCode pulls executable code out of a raw model answer. The first
// fenced code block wins over surrounding prose; otherwise the trimmed
// answer is taken as-is.
func ExtractCode(raw string) string {
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}

	return strings.TrimSpace(raw)
}
