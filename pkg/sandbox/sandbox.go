// Package sandbox executes untrusted SQL and Python code against a resolved
// data context under strict wall-clock, memory, and isolation bounds.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
	"github.com/querybench/querybench/pkg/config"
	"github.com/querybench/querybench/pkg/datacontext"
	"github.com/querybench/querybench/pkg/store"
	"github.com/sirupsen/logrus"
)

// ErrorKind classifies an execution failure.
type ErrorKind string

// Execution failure classifications.
const (
	ErrorSyntax   ErrorKind = "syntax_error"
	ErrorRuntime  ErrorKind = "runtime_error"
	ErrorTimeout  ErrorKind = "timeout"
	ErrorMemory   ErrorKind = "memory_exceeded"
	ErrorSecurity ErrorKind = "security_violation"
)

// Limits bounds a single execution. The same limits apply to predicted and
// gold code alike.
type Limits struct {
	// Timeout is the wall-clock limit; execution is forcibly terminated
	// when it elapses.
	Timeout time.Duration

	// MemoryBytes is the memory ceiling.
	MemoryBytes int64

	// MaxRows caps the result set size.
	MaxRows int
}

// Usage carries raw resource samples for one execution.
type Usage struct {
	WallTime     time.Duration `json:"wall_time"`
	PeakRSSBytes uint64        `json:"peak_rss_bytes"`
	CPUPercent   float64       `json:"cpu_percent"`
	IOReadOps    uint64        `json:"io_read_ops"`
}

// Outcome is the structured result of one execution. On failure the row set
// is always empty; partial results are never returned.
type Outcome struct {
	Success   bool
	Columns   []string
	Rows      [][]string
	ErrorKind ErrorKind
	Error     string
	Usage     Usage
}

// Failure builds a failed outcome with the given classification.
func Failure(kind ErrorKind, msg string, usage Usage) *Outcome {
	return &Outcome{
		Success:   false,
		ErrorKind: kind,
		Error:     msg,
		Usage:     usage,
	}
}

// Executor runs one piece of code against a data context. Execute returns a
// non-nil error only for sandbox subsystem failures (e.g. the container
// runtime is gone); code failures of any kind are reported inside the
// Outcome.
type Executor interface {
	Start(ctx context.Context) error
	Stop() error

	Execute(
		ctx context.Context,
		code, language string,
		handle *datacontext.Handle,
		limits Limits,
	) (*Outcome, error)
}

// Compile-time interface check.
var _ Executor = (*executor)(nil)

type executor struct {
	log    logrus.FieldLogger
	cfg    *config.SandboxConfig
	docker *client.Client
}

// NewExecutor creates a new sandbox executor.
func NewExecutor(log logrus.FieldLogger, cfg *config.SandboxConfig) Executor {
	return &executor{
		log: log.WithField("component", "sandbox"),
		cfg: cfg,
	}
}

// Start connects to the container runtime backing the Python sandbox. SQL
// execution works without it; Python execution fails fatally until the
// runtime is reachable.
func (e *executor) Start(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(
		client.FromEnv, client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		e.log.WithError(err).Warn("Container runtime unavailable, Python sandbox disabled")

		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()

		e.log.WithError(err).Warn("Container runtime unreachable, Python sandbox disabled")

		return nil
	}

	e.docker = cli

	if err := e.ensureImage(ctx); err != nil {
		return fmt.Errorf("ensuring python sandbox image: %w", err)
	}

	e.log.WithField("image", e.cfg.PythonImage).Debug("Sandbox started")

	return nil
}

// Stop releases the container runtime connection.
func (e *executor) Stop() error {
	if e.docker != nil {
		if err := e.docker.Close(); err != nil {
			return fmt.Errorf("closing docker client: %w", err)
		}
	}

	return nil
}

// Execute runs code in the backend matching the language. Every invocation
// gets a fresh connection or container; no state survives between calls.
func (e *executor) Execute(
	ctx context.Context,
	code, language string,
	handle *datacontext.Handle,
	limits Limits,
) (*Outcome, error) {
	switch language {
	case store.LanguageSQL:
		return e.executeSQL(ctx, code, handle, limits)
	case store.LanguagePython:
		return e.executePython(ctx, code, handle, limits)
	default:
		return nil, fmt.Errorf("unsupported language: %s", language)
	}
}
