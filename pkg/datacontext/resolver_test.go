package datacontext

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/querybench/querybench/pkg/config"
	"github.com/querybench/querybench/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCatalog serves contexts from memory and counts lookups.
type stubCatalog struct {
	contexts map[string]*store.DataContext
	lookups  atomic.Int64
}

func (c *stubCatalog) GetContext(
	_ context.Context, name string,
) (*store.DataContext, error) {
	c.lookups.Add(1)

	dc, ok := c.contexts[name]
	if !ok {
		return nil, fmt.Errorf("data context %s: %w", name, store.ErrNotFound)
	}

	return dc, nil
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func writeDataset(t *testing.T, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("not empty"), 0o644))

	return path
}

func TestResolve_LocalPath(t *testing.T) {
	dir := t.TempDir()
	path := writeDataset(t, dir, "concert_singer.sqlite")

	catalog := &stubCatalog{contexts: map[string]*store.DataContext{
		"concert_singer": {
			Name:        "concert_singer",
			StorageLink: path,
			Active:      true,
			Schema:      map[string]any{"tables": []any{"singer"}},
		},
	}}

	r := NewResolver(testLogger(), &config.ContextsConfig{}, catalog)

	h, err := r.Resolve(context.Background(), "concert_singer")
	require.NoError(t, err)
	assert.Equal(t, path, h.Path)
	assert.Equal(t, "concert_singer", h.Name)
	assert.NotNil(t, h.Schema)
}

func TestResolve_RelativeToRootDir(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "pets.sqlite")

	catalog := &stubCatalog{contexts: map[string]*store.DataContext{
		"pets": {Name: "pets", StorageLink: "pets.sqlite", Active: true},
	}}

	r := NewResolver(testLogger(), &config.ContextsConfig{RootDir: dir}, catalog)

	h, err := r.Resolve(context.Background(), "pets")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pets.sqlite"), h.Path)
}

func TestResolve_NotFound(t *testing.T) {
	catalog := &stubCatalog{contexts: map[string]*store.DataContext{}}
	r := NewResolver(testLogger(), &config.ContextsConfig{}, catalog)

	_, err := r.Resolve(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestResolve_Unavailable(t *testing.T) {
	tests := []struct {
		name string
		dc   *store.DataContext
	}{
		{
			name: "missing file",
			dc: &store.DataContext{
				Name:        "broken",
				StorageLink: "/nonexistent/broken.sqlite",
				Active:      true,
			},
		},
		{
			name: "inactive context",
			dc: &store.DataContext{
				Name:        "broken",
				StorageLink: "/tmp/whatever.sqlite",
				Active:      false,
			},
		},
		{
			name: "s3 link without object storage configured",
			dc: &store.DataContext{
				Name:        "broken",
				StorageLink: "s3://datasets/broken.sqlite",
				Active:      true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := &stubCatalog{contexts: map[string]*store.DataContext{
				"broken": tt.dc,
			}}
			r := NewResolver(testLogger(), &config.ContextsConfig{}, catalog)

			_, err := r.Resolve(context.Background(), "broken")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrContextUnavailable)
		})
	}
}

func TestResolve_CachedAcrossConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	path := writeDataset(t, dir, "shared.sqlite")

	catalog := &stubCatalog{contexts: map[string]*store.DataContext{
		"shared": {Name: "shared", StorageLink: path, Active: true},
	}}

	r := NewResolver(testLogger(), &config.ContextsConfig{}, catalog)

	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			h, err := r.Resolve(context.Background(), "shared")
			assert.NoError(t, err)
			assert.Equal(t, path, h.Path)
		}()
	}

	wg.Wait()

	// All callers share one resolution.
	assert.Equal(t, int64(1), catalog.lookups.Load())
}
