package main

import (
	"context"
	"fmt"

	"github.com/querybench/querybench/pkg/config"
	"github.com/querybench/querybench/pkg/datacontext"
	"github.com/querybench/querybench/pkg/evaluator"
	"github.com/querybench/querybench/pkg/runner"
	"github.com/querybench/querybench/pkg/sandbox"
	"github.com/querybench/querybench/pkg/store"
	"github.com/querybench/querybench/pkg/upload"
)

// engine bundles the started component stack shared by the run and serve
// commands.
type engine struct {
	cfg     *config.Config
	store   store.Store
	sandbox sandbox.Executor
	runner  runner.Runner
}

// buildEngine loads configuration, starts the store and sandbox, seeds the
// catalogs, and wires the evaluation pipeline.
func buildEngine(ctx context.Context) (*engine, error) {
	if len(cfgFiles) == 0 {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	st := store.NewStore(log, &cfg.Store)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	if err := seedCatalogs(ctx, cfg, st); err != nil {
		_ = st.Stop()

		return nil, err
	}

	exec := sandbox.NewExecutor(log, &cfg.Sandbox)
	if err := exec.Start(ctx); err != nil {
		_ = st.Stop()

		return nil, fmt.Errorf("starting sandbox: %w", err)
	}

	limits, err := executionLimits(&cfg.Sandbox)
	if err != nil {
		_ = exec.Stop()
		_ = st.Stop()

		return nil, err
	}

	resolver := datacontext.NewResolver(log, &cfg.Contexts, st)
	eval := evaluator.New(log, exec, resolver, limits)

	rn := runner.NewRunner(log, &cfg.Runner, st, eval)
	if err := rn.Start(ctx); err != nil {
		_ = exec.Stop()
		_ = st.Stop()

		return nil, fmt.Errorf("starting runner: %w", err)
	}

	if err := wireUpload(ctx, cfg, rn); err != nil {
		_ = exec.Stop()
		_ = st.Stop()

		return nil, err
	}

	return &engine{
		cfg:     cfg,
		store:   st,
		sandbox: exec,
		runner:  rn,
	}, nil
}

// stop shuts components down in reverse start order.
func (e *engine) stop() {
	if err := e.runner.Stop(); err != nil {
		log.WithError(err).Warn("Runner stop error")
	}

	if err := e.sandbox.Stop(); err != nil {
		log.WithError(err).Warn("Sandbox stop error")
	}

	if err := e.store.Stop(); err != nil {
		log.WithError(err).Warn("Store stop error")
	}
}

// seedCatalogs loads the question bank and context catalog files when
// configured.
func seedCatalogs(ctx context.Context, cfg *config.Config, st store.Store) error {
	for _, path := range []string{cfg.Runner.ContextsFile, cfg.Runner.QuestionsFile} {
		if path == "" {
			continue
		}

		seed, err := store.LoadSeedFile(path)
		if err != nil {
			return fmt.Errorf("loading catalog %s: %w", path, err)
		}

		if err := st.Seed(ctx, seed); err != nil {
			return fmt.Errorf("seeding from %s: %w", path, err)
		}

		log.WithField("file", path).Info("Catalog seeded")
	}

	return nil
}

// executionLimits converts the sandbox config into concrete limits.
func executionLimits(cfg *config.SandboxConfig) (sandbox.Limits, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return sandbox.Limits{}, fmt.Errorf("parsing sandbox timeout: %w", err)
	}

	memory, err := cfg.MemoryBytes()
	if err != nil {
		return sandbox.Limits{}, fmt.Errorf("parsing sandbox memory limit: %w", err)
	}

	return sandbox.Limits{
		Timeout:     timeout,
		MemoryBytes: memory,
		MaxRows:     cfg.MaxRows,
	}, nil
}

// wireUpload attaches the S3 export hook when uploads are enabled.
func wireUpload(ctx context.Context, cfg *config.Config, rn runner.Runner) error {
	if cfg.Upload.S3 == nil || !cfg.Upload.S3.Enabled {
		return nil
	}

	uploader, err := upload.NewS3Uploader(log, cfg.Upload.S3)
	if err != nil {
		return fmt.Errorf("creating uploader: %w", err)
	}

	if err := uploader.Preflight(ctx); err != nil {
		return fmt.Errorf("upload preflight: %w", err)
	}

	rn.OnComplete(func(ctx context.Context, run *store.BenchRun, items []store.BenchItem, summary *runner.Summary) {
		export := &upload.RunExport{Run: run, Items: items, Summary: summary}

		if err := uploader.UploadRun(ctx, export); err != nil {
			log.WithError(err).WithField("run_id", run.RunID).
				Error("Uploading run export")
		}
	})

	log.WithField("bucket", cfg.Upload.S3.Bucket).Info("Run export upload enabled")

	return nil
}
