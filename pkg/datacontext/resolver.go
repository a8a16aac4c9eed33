// Package datacontext resolves named dataset descriptions into local,
// queryable sqlite files for the sandbox.
package datacontext

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/querybench/querybench/pkg/config"
	"github.com/querybench/querybench/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrContextNotFound is returned when the context is not in the catalog.
	ErrContextNotFound = errors.New("data context not found")

	// ErrContextUnavailable is returned when the context exists but its
	// storage link cannot be materialized.
	ErrContextUnavailable = errors.New("data context unavailable")
)

// Handle is a resolved, ready-to-query data context. Handles are shared
// read-only across workers; the dataset file must never be mutated.
type Handle struct {
	Name   string
	Path   string
	Schema map[string]any
}

// Catalog is the read-only context lookup the resolver depends on.
type Catalog interface {
	GetContext(ctx context.Context, name string) (*store.DataContext, error)
}

// Resolver resolves context names to handles. Resolution is synchronized so
// each context is materialized at most once per resolver lifetime; handles
// are cached and safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*Handle, error)
}

// Compile-time interface check.
var _ Resolver = (*resolver)(nil)

type resolver struct {
	log     logrus.FieldLogger
	cfg     *config.ContextsConfig
	catalog Catalog

	mu       sync.Mutex
	handles  map[string]*Handle
	inflight map[string]chan struct{}
}

// NewResolver creates a resolver over the given catalog.
func NewResolver(
	log logrus.FieldLogger,
	cfg *config.ContextsConfig,
	catalog Catalog,
) Resolver {
	return &resolver{
		log:      log.WithField("component", "datacontext"),
		cfg:      cfg,
		catalog:  catalog,
		handles:  make(map[string]*Handle),
		inflight: make(map[string]chan struct{}),
	}
}

// Resolve returns a ready-to-query handle for the named context.
func (r *resolver) Resolve(ctx context.Context, name string) (*Handle, error) {
	for {
		r.mu.Lock()

		if h, ok := r.handles[name]; ok {
			r.mu.Unlock()

			return h, nil
		}

		if wait, ok := r.inflight[name]; ok {
			r.mu.Unlock()

			select {
			case <-wait:
				// Re-check the cache; the winner may have failed, in
				// which case we retry the resolution ourselves.
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		done := make(chan struct{})
		r.inflight[name] = done
		r.mu.Unlock()

		h, err := r.resolve(ctx, name)

		r.mu.Lock()
		delete(r.inflight, name)

		if err == nil {
			r.handles[name] = h
		}

		r.mu.Unlock()
		close(done)

		return h, err
	}
}

// resolve materializes a single context without touching the cache.
func (r *resolver) resolve(ctx context.Context, name string) (*Handle, error) {
	dc, err := r.catalog.GetContext(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrContextNotFound, name)
		}

		return nil, fmt.Errorf("%w: looking up %s: %v", ErrContextUnavailable, name, err)
	}

	if !dc.Active {
		return nil, fmt.Errorf("%w: %s is inactive", ErrContextUnavailable, name)
	}

	path, err := r.materialize(ctx, dc)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrContextUnavailable, dc.StorageLink, err)
	}

	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is not a usable dataset file", ErrContextUnavailable, dc.StorageLink)
	}

	r.log.WithFields(logrus.Fields{
		"context": name,
		"path":    path,
	}).Debug("Data context resolved")

	return &Handle{
		Name:   name,
		Path:   path,
		Schema: dc.Schema,
	}, nil
}

// materialize turns a storage link into a local file path. s3:// links are
// fetched into the cache dir; everything else is treated as a local path.
func (r *resolver) materialize(
	ctx context.Context, dc *store.DataContext,
) (string, error) {
	link := dc.StorageLink

	if strings.HasPrefix(link, "s3://") {
		return r.fetchObject(ctx, dc.Name, link)
	}

	if !filepath.IsAbs(link) && r.cfg.RootDir != "" {
		link = filepath.Join(r.cfg.RootDir, link)
	}

	return link, nil
}

// fetchObject downloads an s3://bucket/key link into the cache directory.
func (r *resolver) fetchObject(
	ctx context.Context, name, link string,
) (string, error) {
	if r.cfg.S3 == nil {
		return "", fmt.Errorf("%w: %s requires object storage but none is configured", ErrContextUnavailable, link)
	}

	bucket, key, ok := strings.Cut(strings.TrimPrefix(link, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return "", fmt.Errorf("%w: malformed storage link %s", ErrContextUnavailable, link)
	}

	local := filepath.Join(r.cfg.CacheDir, name+".sqlite")

	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	if err := os.MkdirAll(r.cfg.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating cache dir: %v", ErrContextUnavailable, err)
	}

	client, err := minio.New(r.cfg.S3.Endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			r.cfg.S3.AccessKeyID, r.cfg.S3.SecretAccessKey, "",
		),
		Secure: r.cfg.S3.UseSSL,
	})
	if err != nil {
		return "", fmt.Errorf("%w: creating object storage client: %v", ErrContextUnavailable, err)
	}

	r.log.WithFields(logrus.Fields{
		"context": name,
		"bucket":  bucket,
		"key":     key,
	}).Info("Fetching data context from object storage")

	if err := client.FGetObject(
		ctx, bucket, key, local, minio.GetObjectOptions{},
	); err != nil {
		// Leave no partial file behind.
		_ = os.Remove(local)

		return "", fmt.Errorf("%w: fetching %s: %v", ErrContextUnavailable, link, err)
	}

	return local, nil
}
