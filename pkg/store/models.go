package store

import (
	"time"
)

// Run status constants.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Event type constants.
const (
	EventMeta   = "meta"
	EventStatus = "status"
	EventResult = "result"
	EventDone   = "done"
	EventError  = "error"
)

// Question language constants.
const (
	LanguageSQL    = "SQL"
	LanguagePython = "Python"
)

// BenchRun identifies one benchmark session. The runner is the sole writer;
// the row is immutable once the status is terminal.
type BenchRun struct {
	RunID     string         `gorm:"primaryKey;column:run_id" json:"run_id"`
	ModelID   string         `gorm:"not null" json:"model_id"`
	Revision  string         `json:"revision"`
	DBID      string         `gorm:"column:db_id;not null" json:"db_id"`
	Params    map[string]any `gorm:"serializer:json" json:"params"`
	Status    string         `gorm:"not null;index" json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at"`
}

// TableName overrides the table name for BenchRun.
func (BenchRun) TableName() string { return "bench_runs" }

// BenchEvent is one append-only log entry of a run. (run_id, seq) is unique
// and seq is monotonic per run; events are never mutated or deleted.
type BenchEvent struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	RunID     string         `gorm:"column:run_id;not null;uniqueIndex:idx_event_run_seq" json:"run_id"`
	Seq       uint64         `gorm:"not null;uniqueIndex:idx_event_run_seq" json:"seq"`
	TS        time.Time      `gorm:"column:ts;not null" json:"ts"`
	EventType string         `gorm:"not null" json:"event_type"`
	Payload   map[string]any `gorm:"serializer:json" json:"payload"`
}

// TableName overrides the table name for BenchEvent.
func (BenchEvent) TableName() string { return "bench_events" }

// BenchItem is one evaluated question within a run. (run_id, idx) is unique
// so re-running an item never creates duplicates; rows are immutable after
// creation.
type BenchItem struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	RunID      string `gorm:"column:run_id;not null;uniqueIndex:idx_item_run_idx" json:"run_id"`
	Idx        int    `gorm:"not null;uniqueIndex:idx_item_run_idx" json:"idx"`
	QuestionID string `gorm:"not null" json:"question_id"`
	DBID       string `gorm:"column:db_id" json:"db_id"`

	RawAnswer string         `json:"raw_answer"`
	SQL       string         `gorm:"column:sql" json:"sql"`
	GoldSQL   string         `gorm:"column:gold_sql" json:"gold_sql"`
	GenTimeMS float64        `gorm:"column:gen_time_ms" json:"gen_time_ms"`
	Metrics   map[string]any `gorm:"serializer:json" json:"metrics"`

	PredExecSuccess bool    `json:"pred_exec_success"`
	GoldExecSuccess bool    `json:"gold_exec_success"`
	IsCorrect       bool    `json:"is_correct"`
	PredError       string  `json:"pred_error"`
	GoldError       string  `json:"gold_error"`
	RowsPred        int     `json:"rows_pred"`
	RowsGold        int     `json:"rows_gold"`
	MatchKind       string  `json:"match_kind"`
	SilverScore     float64 `json:"silver_score"`

	PredExecTimeMS float64 `gorm:"column:pred_exec_time_ms" json:"pred_exec_time_ms"`
	GoldExecTimeMS float64 `gorm:"column:gold_exec_time_ms" json:"gold_exec_time_ms"`
	ScoringTimeMS  float64 `gorm:"column:scoring_time_ms" json:"scoring_time_ms"`
}

// TableName overrides the table name for BenchItem.
func (BenchItem) TableName() string { return "bench_items" }

// Question is a read-only input owned by the question bank.
type Question struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	Content    string    `gorm:"not null" json:"content"`
	GoldCode   string    `gorm:"not null" json:"gold_code"`
	Language   string    `gorm:"not null" json:"language"`
	Category   string    `json:"category"`
	Difficulty string    `json:"difficulty"`
	DBID       string    `gorm:"column:db_id;index;not null" json:"db_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// DataContext is a named, versioned dataset description. Read-only input;
// resolution happens in pkg/datacontext.
type DataContext struct {
	Name        string         `gorm:"primaryKey" json:"name"`
	Schema      map[string]any `gorm:"serializer:json" json:"schema"`
	StorageLink string         `gorm:"not null" json:"storage_link"`
	Active      bool           `gorm:"default:true" json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TableName overrides the table name for DataContext.
func (DataContext) TableName() string { return "data_contexts" }
