package compare

import (
	"testing"

	"github.com/querybench/querybench/pkg/sandbox"
	"github.com/stretchr/testify/assert"
)

func ok(columns []string, rows [][]string) *sandbox.Outcome {
	return &sandbox.Outcome{Success: true, Columns: columns, Rows: rows}
}

func failed(kind sandbox.ErrorKind) *sandbox.Outcome {
	return &sandbox.Outcome{Success: false, ErrorKind: kind, Error: "boom"}
}

func TestCompare_Matches(t *testing.T) {
	tests := []struct {
		name       string
		pred       *sandbox.Outcome
		gold       *sandbox.Outcome
		wantKind   MatchKind
		wantScore  float64
		wantSilver float64
	}{
		{
			name: "identical rows in order",
			pred: ok([]string{"id", "name"}, [][]string{
				{"1", "alice"}, {"2", "bob"},
			}),
			gold: ok([]string{"id", "name"}, [][]string{
				{"1", "alice"}, {"2", "bob"},
			}),
			wantKind:   MatchExact,
			wantScore:  1,
			wantSilver: 1,
		},
		{
			name: "same rows different order",
			pred: ok([]string{"id", "name"}, [][]string{
				{"2", "bob"}, {"1", "alice"},
			}),
			gold: ok([]string{"id", "name"}, [][]string{
				{"1", "alice"}, {"2", "bob"},
			}),
			wantKind:   MatchReordered,
			wantScore:  1,
			wantSilver: 1,
		},
		{
			name: "column order permuted",
			pred: ok([]string{"name", "id"}, [][]string{
				{"alice", "1"}, {"bob", "2"},
			}),
			gold: ok([]string{"id", "name"}, [][]string{
				{"1", "alice"}, {"2", "bob"},
			}),
			wantKind:   MatchReordered,
			wantScore:  1,
			wantSilver: 1,
		},
		{
			name: "two of three gold rows recovered",
			pred: ok([]string{"id"}, [][]string{
				{"1"}, {"2"}, {"9"},
			}),
			gold: ok([]string{"id"}, [][]string{
				{"1"}, {"2"}, {"3"},
			}),
			wantKind:   MatchMismatch,
			wantScore:  2.0 / 3.0,
			wantSilver: 2.0 / 3.0,
		},
		{
			name:       "no overlap at all",
			pred:       ok([]string{"id"}, [][]string{{"7"}}),
			gold:       ok([]string{"id"}, [][]string{{"1"}, {"2"}}),
			wantKind:   MatchMismatch,
			wantScore:  0,
			wantSilver: 0,
		},
		{
			name:       "both empty",
			pred:       ok([]string{"id"}, nil),
			gold:       ok([]string{"id"}, nil),
			wantKind:   MatchExact,
			wantScore:  1,
			wantSilver: 1,
		},
		{
			name:       "empty prediction against empty gold with renamed column",
			pred:       ok([]string{"total"}, nil),
			gold:       ok([]string{"sum"}, nil),
			wantKind:   MatchReordered,
			wantScore:  1,
			wantSilver: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(tt.pred, tt.gold)

			assert.Equal(t, tt.wantKind, got.Kind)
			assert.InDelta(t, tt.wantScore, got.Score, 1e-9)
			assert.InDelta(t, tt.wantSilver, got.Silver, 1e-9)
		})
	}
}

func TestCompare_Errors(t *testing.T) {
	goldOK := ok([]string{"id"}, [][]string{{"1"}})

	tests := []struct {
		name     string
		pred     *sandbox.Outcome
		gold     *sandbox.Outcome
		wantKind MatchKind
	}{
		{
			name:     "prediction failed",
			pred:     failed(sandbox.ErrorSyntax),
			gold:     goldOK,
			wantKind: MatchPredError,
		},
		{
			name:     "gold failed",
			pred:     ok([]string{"id"}, [][]string{{"1"}}),
			gold:     failed(sandbox.ErrorTimeout),
			wantKind: MatchGoldError,
		},
		{
			name:     "both failed",
			pred:     failed(sandbox.ErrorRuntime),
			gold:     failed(sandbox.ErrorRuntime),
			wantKind: MatchBothError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(tt.pred, tt.gold)

			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Zero(t, got.Score)
			assert.Zero(t, got.Silver)
		})
	}
}

func TestCompare_DuplicateRowsCountedAsMultiset(t *testing.T) {
	pred := ok([]string{"v"}, [][]string{{"a"}, {"a"}, {"b"}})
	gold := ok([]string{"v"}, [][]string{{"a"}, {"b"}, {"b"}})

	got := Compare(pred, gold)

	assert.Equal(t, MatchMismatch, got.Kind)
	assert.InDelta(t, 2.0/3.0, got.Silver, 1e-9)
}

func TestCompareWith_CustomScoreFunc(t *testing.T) {
	pred := ok([]string{"v"}, [][]string{{"a"}})
	gold := ok([]string{"v"}, [][]string{{"a"}, {"b"}})

	got := CompareWith(pred, gold, func(pred, gold [][]string) float64 {
		return 0.25
	})

	assert.Equal(t, MatchMismatch, got.Kind)
	assert.InDelta(t, 0.25, got.Silver, 1e-9)
	assert.InDelta(t, 0.25, got.Score, 1e-9)
}

func TestOverlapScore_EmptyGold(t *testing.T) {
	assert.Zero(t, OverlapScore([][]string{{"a"}}, nil))
}
