package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/querybench/querybench/pkg/compare"
	"github.com/querybench/querybench/pkg/config"
	"github.com/querybench/querybench/pkg/evaluator"
	"github.com/querybench/querybench/pkg/runner"
	"github.com/querybench/querybench/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type stubEval struct{}

func (stubEval) Evaluate(_ context.Context, in evaluator.Input) (*store.BenchItem, error) {
	return &store.BenchItem{
		RunID:           in.RunID,
		Idx:             in.Idx,
		QuestionID:      in.Question.ID,
		DBID:            in.Question.DBID,
		PredExecSuccess: true,
		GoldExecSuccess: true,
		IsCorrect:       true,
		MatchKind:       string(compare.MatchExact),
		SilverScore:     1,
	}, nil
}

type testAPI struct {
	srv    *httptest.Server
	store  store.Store
	runner runner.Runner
}

func newTestAPI(t *testing.T, apiCfg *config.APIConfig) *testAPI {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.StoreConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "api.db"),
		},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	require.NoError(t, st.Seed(context.Background(), &store.SeedFile{
		Contexts: []store.ContextSeed{
			{Name: "shop", StorageLink: "shop.db"},
		},
		Questions: []store.QuestionSeed{
			{ID: "q1", Content: "a", GoldCode: "SELECT 1", Language: store.LanguageSQL, DBID: "shop"},
			{ID: "q2", Content: "b", GoldCode: "SELECT 2", Language: store.LanguageSQL, DBID: "shop"},
		},
	}))

	rn := runner.NewRunner(log, &config.RunnerConfig{Workers: 2}, st, stubEval{})

	s := &server{
		log:    log,
		cfg:    apiCfg,
		store:  st,
		runner: rn,
		done:   make(chan struct{}),
	}

	ts := httptest.NewServer(s.buildRouter())

	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(s.done) })
	t.Cleanup(func() { _ = rn.Stop() })

	return &testAPI{srv: ts, store: st, runner: rn}
}

func defaultAPIConfig() *config.APIConfig {
	return &config.APIConfig{Listen: ":0"}
}

func (a *testAPI) startRun(t *testing.T) string {
	t.Helper()

	body := `{
		"model_id": "model-x",
		"db_id": "shop",
		"items": [
			{"question_id": "q1", "raw_answer": "SELECT 1"},
			{"question_id": "q2", "raw_answer": "SELECT 2"}
		]
	}`

	resp, err := http.Post(a.srv.URL+"/api/v1/runs", "application/json",
		bytes.NewReader([]byte(body)))
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run store.BenchRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	require.NotEmpty(t, run.RunID)

	return run.RunID
}

func TestHandleHealth(t *testing.T) {
	a := newTestAPI(t, defaultAPIConfig())

	resp, err := http.Get(a.srv.URL + "/api/v1/health")
	require.NoError(t, err)

	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartRun_Lifecycle(t *testing.T) {
	a := newTestAPI(t, defaultAPIConfig())

	runID := a.startRun(t)

	_, err := a.runner.Wait(context.Background(), runID)
	require.NoError(t, err)

	resp, err := http.Get(a.srv.URL + "/api/v1/runs/" + runID)
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run store.BenchRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, store.RunStatusCompleted, run.Status)

	itemsResp, err := http.Get(a.srv.URL + "/api/v1/runs/" + runID + "/items")
	require.NoError(t, err)

	defer itemsResp.Body.Close()

	var payload struct {
		Items []store.BenchItem `json:"items"`
	}
	require.NoError(t, json.NewDecoder(itemsResp.Body).Decode(&payload))
	assert.Len(t, payload.Items, 2)
}

func TestStartRun_Invalid(t *testing.T) {
	a := newTestAPI(t, defaultAPIConfig())

	resp, err := http.Post(a.srv.URL+"/api/v1/runs", "application/json",
		strings.NewReader(`{"db_id": "shop"}`))
	require.NoError(t, err)

	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRun_NotFound(t *testing.T) {
	a := newTestAPI(t, defaultAPIConfig())

	resp, err := http.Get(a.srv.URL + "/api/v1/runs/no-such-run")
	require.NoError(t, err)

	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListQuestions_Filtered(t *testing.T) {
	a := newTestAPI(t, defaultAPIConfig())

	resp, err := http.Get(a.srv.URL + "/api/v1/questions?db_id=shop")
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Questions []store.Question `json:"questions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Len(t, payload.Questions, 2)
}

func TestRunEvents_ReplaysFinishedRun(t *testing.T) {
	a := newTestAPI(t, defaultAPIConfig())

	runID := a.startRun(t)

	_, err := a.runner.Wait(context.Background(), runID)
	require.NoError(t, err)

	resp, err := http.Get(a.srv.URL + "/api/v1/runs/" + runID + "/events")
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream",
		resp.Header.Get("Content-Type"))

	// The run is terminal, so the stream replays and closes on its own.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "id: 1\nevent: meta\n")
	assert.Contains(t, text, "event: result\n")
	assert.Contains(t, text, "event: done\n")
}

func TestRunEvents_AfterCursorSkipsReplayed(t *testing.T) {
	a := newTestAPI(t, defaultAPIConfig())

	runID := a.startRun(t)

	_, err := a.runner.Wait(context.Background(), runID)
	require.NoError(t, err)

	all, err := a.store.ListEvents(context.Background(), runID, 0)
	require.NoError(t, err)

	cursor := all[len(all)-2].Seq
	url := fmt.Sprintf("%s/api/v1/runs/%s/events?after=%d", a.srv.URL, runID, cursor)

	resp, gerr := http.Get(url)
	require.NoError(t, gerr)

	defer resp.Body.Close()

	body, rerr := io.ReadAll(resp.Body)
	require.NoError(t, rerr)

	text := string(body)
	assert.NotContains(t, text, "event: meta\n")
	assert.Contains(t, text, "event: done\n")
}

func TestRateLimit_Returns429(t *testing.T) {
	cfg := defaultAPIConfig()
	cfg.RateLimit = config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 2,
	}

	a := newTestAPI(t, cfg)

	status := make([]int, 0, 3)

	for range 3 {
		resp, err := http.Get(a.srv.URL + "/api/v1/runs")
		require.NoError(t, err)

		resp.Body.Close()
		status = append(status, resp.StatusCode)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, status)
}

func TestAbortRun_UnknownReturns404(t *testing.T) {
	a := newTestAPI(t, defaultAPIConfig())

	resp, err := http.Post(a.srv.URL+"/api/v1/runs/nope/abort", "application/json", nil)
	require.NoError(t, err)

	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAbortRun_FinishedReturns409(t *testing.T) {
	a := newTestAPI(t, defaultAPIConfig())
	runID := a.startRun(t)

	_, err := a.runner.Wait(context.Background(), runID)
	require.NoError(t, err)

	resp, err := http.Post(a.srv.URL+"/api/v1/runs/"+runID+"/abort", "application/json", nil)
	require.NoError(t, err)

	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRateLimiterCleanup_StopsWhenDone(t *testing.T) {
	done := make(chan struct{})
	close(done)

	rl := newRateLimiterMap(2, done)

	finished := make(chan struct{})

	go func() {
		rl.cleanup(done)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("cleanup did not stop after done closed")
	}
}

func TestRateLimiterEvictStale(t *testing.T) {
	rl := &rateLimiterMap{limiters: map[string]*ipLimiter{
		"1.2.3.4": {limiter: rate.NewLimiter(1, 1), lastSeen: time.Now().Add(-time.Hour)},
		"5.6.7.8": {limiter: rate.NewLimiter(1, 1), lastSeen: time.Now()},
	}}

	rl.evictStale()

	assert.NotContains(t, rl.limiters, "1.2.3.4")
	assert.Contains(t, rl.limiters, "5.6.7.8")
}
