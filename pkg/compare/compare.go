// Package compare grades a predicted result set against the gold result set.
package compare

import (
	"strings"

	"github.com/querybench/querybench/pkg/sandbox"
)

// MatchKind classifies how a predicted result relates to the gold result.
type MatchKind string

// Match classifications.
const (
	MatchExact     MatchKind = "exact_match"
	MatchReordered MatchKind = "reordered_match"
	MatchMismatch  MatchKind = "mismatch"
	MatchPredError MatchKind = "pred_error"
	MatchGoldError MatchKind = "gold_error"
	MatchBothError MatchKind = "both_error"
)

// Result is the verdict for one item.
type Result struct {
	Kind MatchKind

	// Score is 1 for exact and reordered matches, the silver score for
	// mismatches, and 0 when either side failed.
	Score float64

	// Silver is the fraction of gold rows present in the predicted result,
	// counted as multisets.
	Silver float64
}

// ScoreFunc computes the partial-credit score for a predicted row set that
// is neither an exact nor a reordered match.
type ScoreFunc func(pred, gold [][]string) float64

// cellSeparator joins cells into a row key. It cannot appear in normalized
// cell values.
const cellSeparator = "\x1f"

// Compare grades the predicted outcome against the gold outcome using the
// default overlap score. Both outcomes carry normalized string cells, so
// comparison is purely structural.
func Compare(pred, gold *sandbox.Outcome) Result {
	return CompareWith(pred, gold, OverlapScore)
}

// CompareWith grades the predicted outcome against the gold outcome, scoring
// mismatches with the given ScoreFunc.
func CompareWith(pred, gold *sandbox.Outcome, score ScoreFunc) Result {
	switch {
	case !pred.Success && !gold.Success:
		return Result{Kind: MatchBothError}
	case !pred.Success:
		return Result{Kind: MatchPredError}
	case !gold.Success:
		return Result{Kind: MatchGoldError}
	}

	if equalInOrder(pred.Columns, gold.Columns) && rowsEqualInOrder(pred.Rows, gold.Rows) {
		return Result{Kind: MatchExact, Score: 1, Silver: 1}
	}

	predRows := pred.Rows

	// A predicted result whose columns are a pure renaming permutation of
	// the gold columns is graded on the gold column order.
	if perm, ok := columnPermutation(pred.Columns, gold.Columns); ok {
		predRows = applyPermutation(pred.Rows, perm)
	}

	if sameMultiset(predRows, gold.Rows) {
		return Result{Kind: MatchReordered, Score: 1, Silver: 1}
	}

	silver := score(predRows, gold.Rows)

	return Result{Kind: MatchMismatch, Score: silver, Silver: silver}
}

func equalInOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func rowsEqualInOrder(a, b [][]string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if !equalInOrder(a[i], b[i]) {
			return false
		}
	}

	return true
}

// columnPermutation returns, for each gold column position, the index of the
// matching predicted column. It only applies when both sides have the same
// distinct column names.
func columnPermutation(pred, gold []string) ([]int, bool) {
	if len(pred) != len(gold) || equalInOrder(pred, gold) {
		return nil, false
	}

	index := make(map[string]int, len(pred))

	for i, name := range pred {
		if _, dup := index[name]; dup {
			return nil, false
		}

		index[name] = i
	}

	perm := make([]int, len(gold))

	for i, name := range gold {
		j, ok := index[name]
		if !ok {
			return nil, false
		}

		perm[i] = j
	}

	return perm, true
}

func applyPermutation(rows [][]string, perm []int) [][]string {
	out := make([][]string, len(rows))

	for i, row := range rows {
		if len(row) != len(perm) {
			out[i] = row

			continue
		}

		reordered := make([]string, len(perm))
		for j, k := range perm {
			reordered[j] = row[k]
		}

		out[i] = reordered
	}

	return out
}

func rowKey(row []string) string {
	return strings.Join(row, cellSeparator)
}

func sameMultiset(a, b [][]string) bool {
	if len(a) != len(b) {
		return false
	}

	counts := make(map[string]int, len(a))

	for _, row := range a {
		counts[rowKey(row)]++
	}

	for _, row := range b {
		key := rowKey(row)

		counts[key]--
		if counts[key] < 0 {
			return false
		}
	}

	return true
}

// OverlapScore is the default ScoreFunc: the size of the multiset
// intersection of predicted and gold rows over the gold row count.
func OverlapScore(pred, gold [][]string) float64 {
	if len(gold) == 0 {
		return 0
	}

	counts := make(map[string]int, len(pred))

	for _, row := range pred {
		counts[rowKey(row)]++
	}

	overlap := 0

	for _, row := range gold {
		key := rowKey(row)

		if counts[key] > 0 {
			counts[key]--
			overlap++
		}
	}

	return float64(overlap) / float64(len(gold))
}
