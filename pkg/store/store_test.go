package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/querybench/querybench/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	cfg := &config.StoreConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "test.db"),
		},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &BenchRun{
		RunID:     "run-1",
		ModelID:   "org/model",
		Revision:  "main",
		DBID:      "concert_singer",
		Params:    map[string]any{"max_new_tokens": float64(256)},
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, got.Status)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, float64(256), got.Params["max_new_tokens"])

	require.NoError(t, s.EndRun(ctx, "run-1", RunStatusCompleted, time.Now().UTC()))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	require.NotNil(t, got.EndedAt)

	// A terminal run is immutable: a second EndRun must not flip the status.
	require.NoError(t, s.EndRun(ctx, "run-1", RunStatusFailed, time.Now().UTC()))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertItem_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := &BenchItem{
		RunID:      "run-1",
		Idx:        0,
		QuestionID: "q-1",
		DBID:       "concert_singer",
		SQL:        "SELECT 1",
		GoldSQL:    "SELECT 1",
		MatchKind:  "exact_match",
		IsCorrect:  true,
	}
	require.NoError(t, s.InsertItem(ctx, item))

	// Re-submitting the same (run_id, idx) is a no-op.
	dup := &BenchItem{
		RunID:      "run-1",
		Idx:        0,
		QuestionID: "q-1",
		SQL:        "SELECT 2",
		MatchKind:  "mismatch",
	}
	require.NoError(t, s.InsertItem(ctx, dup))

	items, err := s.ListItems(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "SELECT 1", items[0].SQL)
	assert.Equal(t, "exact_match", items[0].MatchKind)
}

func TestListItemIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, idx := range []int{0, 2, 5} {
		require.NoError(t, s.InsertItem(ctx, &BenchItem{
			RunID:      "run-1",
			Idx:        idx,
			QuestionID: "q",
		}))
	}

	set, err := s.ListItemIndexes(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[int]struct{}{0: {}, 2: {}, 5: {}}, set)

	empty, err := s.ListItemIndexes(ctx, "run-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEventLog_OrderAndReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 4; seq++ {
		require.NoError(t, s.AppendEvent(ctx, &BenchEvent{
			RunID:     "run-1",
			Seq:       seq,
			TS:        time.Now().UTC(),
			EventType: EventStatus,
			Payload:   map[string]any{"seq": seq},
		}))
	}

	all, err := s.ListEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)

	for i, ev := range all {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}

	tail, err := s.ListEvents(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(3), tail[0].Seq)

	maxSeq, err := s.MaxEventSeq(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), maxSeq)

	maxSeq, err = s.MaxEventSeq(ctx, "run-2")
	require.NoError(t, err)
	assert.Zero(t, maxSeq)
}

func TestSeed_UpsertsCatalog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := &SeedFile{
		Contexts: []ContextSeed{
			{Name: "concert_singer", StorageLink: "/data/concert_singer.sqlite"},
		},
		Questions: []QuestionSeed{
			{
				ID:       "q-1",
				Content:  "How many singers are there?",
				GoldCode: "SELECT count(*) FROM singer",
				Language: LanguageSQL,
				DBID:     "concert_singer",
			},
		},
	}
	require.NoError(t, s.Seed(ctx, seed))

	// Seeding again with changed gold code updates in place.
	seed.Questions[0].GoldCode = "SELECT COUNT(*) FROM singer"
	require.NoError(t, s.Seed(ctx, seed))

	q, err := s.GetQuestion(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM singer", q.GoldCode)

	dc, err := s.GetContext(ctx, "concert_singer")
	require.NoError(t, err)
	assert.Equal(t, "/data/concert_singer.sqlite", dc.StorageLink)

	questions, err := s.ListQuestions(ctx, QuestionFilter{DBID: "concert_singer"})
	require.NoError(t, err)
	assert.Len(t, questions, 1)
}

func TestLoadSeedFile_Validation(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(`
contexts:
  - name: concert_singer
    storage_link: /data/concert_singer.sqlite
questions:
  - id: q-1
    content: How many singers are there?
    gold_code: SELECT count(*) FROM singer
    language: SQL
    db_id: concert_singer
`), 0o644))

	seed, err := LoadSeedFile(valid)
	require.NoError(t, err)
	assert.Len(t, seed.Questions, 1)
	assert.Len(t, seed.Contexts, 1)

	badLang := filepath.Join(dir, "bad_lang.yaml")
	require.NoError(t, os.WriteFile(badLang, []byte(`
questions:
  - id: q-1
    content: x
    gold_code: x
    language: Rust
    db_id: d
`), 0o644))

	_, err = LoadSeedFile(badLang)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported language")
}
