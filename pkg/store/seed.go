package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML catalog format for questions and data contexts.
type SeedFile struct {
	Contexts  []ContextSeed  `yaml:"contexts"`
	Questions []QuestionSeed `yaml:"questions"`
}

// ContextSeed describes one data context in a catalog file.
type ContextSeed struct {
	Name        string         `yaml:"name"`
	StorageLink string         `yaml:"storage_link"`
	Schema      map[string]any `yaml:"schema,omitempty"`
}

// QuestionSeed describes one question in a catalog file.
type QuestionSeed struct {
	ID         string `yaml:"id"`
	Content    string `yaml:"content"`
	GoldCode   string `yaml:"gold_code"`
	Language   string `yaml:"language"`
	Category   string `yaml:"category,omitempty"`
	Difficulty string `yaml:"difficulty,omitempty"`
	DBID       string `yaml:"db_id"`
}

// LoadSeedFile reads and parses a catalog file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	for i, q := range seed.Questions {
		if q.ID == "" {
			return nil, fmt.Errorf("question %d: id is required", i)
		}

		switch q.Language {
		case LanguageSQL, LanguagePython:
		default:
			return nil, fmt.Errorf(
				"question %q: unsupported language %q", q.ID, q.Language,
			)
		}

		if q.DBID == "" {
			return nil, fmt.Errorf("question %q: db_id is required", q.ID)
		}
	}

	return &seed, nil
}

// Seed upserts catalog entries. Existing questions and contexts with the
// same key are updated in place; run, event, and item rows are never touched.
func (s *store) Seed(ctx context.Context, seed *SeedFile) error {
	for _, c := range seed.Contexts {
		dc := DataContext{
			Name:        c.Name,
			StorageLink: c.StorageLink,
			Schema:      c.Schema,
			Active:      true,
		}

		if err := s.db.WithContext(ctx).
			Where("name = ?", c.Name).
			Assign(DataContext{
				StorageLink: c.StorageLink,
				Schema:      c.Schema,
				Active:      true,
			}).
			FirstOrCreate(&dc).Error; err != nil {
			return fmt.Errorf("seeding context %q: %w", c.Name, err)
		}
	}

	for _, q := range seed.Questions {
		question := Question{
			ID:         q.ID,
			Content:    q.Content,
			GoldCode:   q.GoldCode,
			Language:   q.Language,
			Category:   q.Category,
			Difficulty: q.Difficulty,
			DBID:       q.DBID,
		}

		if err := s.db.WithContext(ctx).
			Where("id = ?", q.ID).
			Assign(Question{
				Content:    q.Content,
				GoldCode:   q.GoldCode,
				Language:   q.Language,
				Category:   q.Category,
				Difficulty: q.Difficulty,
				DBID:       q.DBID,
			}).
			FirstOrCreate(&question).Error; err != nil {
			return fmt.Errorf("seeding question %q: %w", q.ID, err)
		}
	}

	s.log.WithField("contexts", len(seed.Contexts)).
		WithField("questions", len(seed.Questions)).
		Info("Seeded catalog")

	return nil
}
