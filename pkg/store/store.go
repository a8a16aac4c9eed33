package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/querybench/querybench/pkg/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// QuestionFilter narrows question listing.
type QuestionFilter struct {
	DBID     string
	Language string
	Limit    int
	Offset   int
}

// Store provides persistence for runs, events, items, and the read-only
// question/context catalogs. The engine is the sole writer of run, event,
// and item rows.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Run lifecycle.
	CreateRun(ctx context.Context, run *BenchRun) error
	EndRun(ctx context.Context, runID, status string, endedAt time.Time) error
	GetRun(ctx context.Context, runID string) (*BenchRun, error)
	ListRuns(ctx context.Context, limit int) ([]BenchRun, error)

	// Append-only event log.
	AppendEvent(ctx context.Context, ev *BenchEvent) error
	ListEvents(ctx context.Context, runID string, afterSeq uint64) ([]BenchEvent, error)
	MaxEventSeq(ctx context.Context, runID string) (uint64, error)

	// Item results. InsertItem is idempotent on (run_id, idx).
	InsertItem(ctx context.Context, item *BenchItem) error
	ListItems(ctx context.Context, runID string) ([]BenchItem, error)
	ListItemIndexes(ctx context.Context, runID string) (map[int]struct{}, error)

	// Read-only question bank and context catalog.
	GetQuestion(ctx context.Context, id string) (*Question, error)
	ListQuestions(ctx context.Context, filter QuestionFilter) ([]Question, error)
	GetContext(ctx context.Context, name string) (*DataContext, error)

	// Seeding from catalog files.
	Seed(ctx context.Context, seed *SeedFile) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.StoreConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.StoreConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&BenchRun{},
		&BenchEvent{},
		&BenchItem{},
		&Question{},
		&DataContext{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Run lifecycle ---

func (s *store) CreateRun(ctx context.Context, run *BenchRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (s *store) EndRun(
	ctx context.Context, runID, status string, endedAt time.Time,
) error {
	result := s.db.WithContext(ctx).
		Model(&BenchRun{}).
		Where("run_id = ? AND status = ?", runID, RunStatusRunning).
		Updates(map[string]any{
			"status":   status,
			"ended_at": endedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("ending run: %w", result.Error)
	}

	// A terminal run is immutable; a second EndRun is a no-op.
	if result.RowsAffected == 0 {
		s.log.WithField("run_id", runID).
			Debug("EndRun skipped, run already terminal")
	}

	return nil
}

func (s *store) GetRun(
	ctx context.Context, runID string,
) (*BenchRun, error) {
	var run BenchRun
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

func (s *store) ListRuns(
	ctx context.Context, limit int,
) ([]BenchRun, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []BenchRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// --- Event log ---

func (s *store) AppendEvent(ctx context.Context, ev *BenchEvent) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	return nil
}

func (s *store) ListEvents(
	ctx context.Context, runID string, afterSeq uint64,
) ([]BenchEvent, error) {
	var events []BenchEvent
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND seq > ?", runID, afterSeq).
		Order("seq ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	return events, nil
}

func (s *store) MaxEventSeq(
	ctx context.Context, runID string,
) (uint64, error) {
	var seq *uint64
	if err := s.db.WithContext(ctx).
		Model(&BenchEvent{}).
		Where("run_id = ?", runID).
		Select("MAX(seq)").
		Scan(&seq).Error; err != nil {
		return 0, fmt.Errorf("reading max event seq: %w", err)
	}

	if seq == nil {
		return 0, nil
	}

	return *seq, nil
}

// --- Items ---

// InsertItem persists an item result. A conflicting (run_id, idx) pair is
// silently ignored so retried items never create duplicates.
func (s *store) InsertItem(ctx context.Context, item *BenchItem) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "idx"}},
			DoNothing: true,
		}).
		Create(item).Error; err != nil {
		return fmt.Errorf("inserting item: %w", err)
	}

	return nil
}

func (s *store) ListItems(
	ctx context.Context, runID string,
) ([]BenchItem, error) {
	var items []BenchItem
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("idx ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	return items, nil
}

func (s *store) ListItemIndexes(
	ctx context.Context, runID string,
) (map[int]struct{}, error) {
	var indexes []int
	if err := s.db.WithContext(ctx).
		Model(&BenchItem{}).
		Where("run_id = ?", runID).
		Pluck("idx", &indexes).Error; err != nil {
		return nil, fmt.Errorf("listing item indexes: %w", err)
	}

	set := make(map[int]struct{}, len(indexes))
	for _, idx := range indexes {
		set[idx] = struct{}{}
	}

	return set, nil
}

// --- Question bank / context catalog ---

func (s *store) GetQuestion(
	ctx context.Context, id string,
) (*Question, error) {
	var q Question
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&q).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("question %s: %w", id, ErrNotFound)
		}

		return nil, fmt.Errorf("getting question: %w", err)
	}

	return &q, nil
}

func (s *store) ListQuestions(
	ctx context.Context, filter QuestionFilter,
) ([]Question, error) {
	q := s.db.WithContext(ctx).Order("id ASC")

	if filter.DBID != "" {
		q = q.Where("db_id = ?", filter.DBID)
	}

	if filter.Language != "" {
		q = q.Where("language = ?", filter.Language)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var questions []Question
	if err := q.Find(&questions).Error; err != nil {
		return nil, fmt.Errorf("listing questions: %w", err)
	}

	return questions, nil
}

func (s *store) GetContext(
	ctx context.Context, name string,
) (*DataContext, error) {
	var dc DataContext
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&dc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("data context %s: %w", name, ErrNotFound)
		}

		return nil, fmt.Errorf("getting data context: %w", err)
	}

	return &dc, nil
}
