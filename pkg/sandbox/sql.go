package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/querybench/querybench/pkg/datacontext"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// nullLiteral replaces NULL cells so every cell is a comparable string.
const nullLiteral = "NULL"

// executeSQL runs one query against the context database over a read-only
// connection. The process never holds write access to the file, so
// INSERT/UPDATE/DDL statements fail as runtime errors without touching it.
func (e *executor) executeSQL(
	ctx context.Context,
	code string,
	handle *datacontext.Handle,
	limits Limits,
) (*Outcome, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&immutable=1", handle.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening context database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(1)

	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	sampler := newProcessSampler(e.log)
	start := time.Now()

	rows, err := db.QueryContext(execCtx, code)
	if err != nil {
		return Failure(
			classifySQLError(execCtx, err),
			err.Error(),
			sampler.usage(time.Since(start)),
		), nil
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return Failure(
			ErrorRuntime, err.Error(), sampler.usage(time.Since(start)),
		), nil
	}

	out := make([][]string, 0, 64)

	for rows.Next() {
		if len(out) >= limits.MaxRows {
			return Failure(
				ErrorMemory,
				fmt.Sprintf("result set exceeds %d rows", limits.MaxRows),
				sampler.usage(time.Since(start)),
			), nil
		}

		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))

		for i := range values {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return Failure(
				ErrorRuntime, err.Error(), sampler.usage(time.Since(start)),
			), nil
		}

		row := make([]string, len(values))
		for i, v := range values {
			row[i] = formatCell(v)
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return Failure(
			classifySQLError(execCtx, err),
			err.Error(),
			sampler.usage(time.Since(start)),
		), nil
	}

	return &Outcome{
		Success: true,
		Columns: columns,
		Rows:    out,
		Usage:   sampler.usage(time.Since(start)),
	}, nil
}

// classifySQLError maps a query error onto the failure taxonomy.
func classifySQLError(ctx context.Context, err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrorTimeout
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "syntax error"),
		strings.Contains(msg, "incomplete input"),
		strings.Contains(msg, "unrecognized token"):
		return ErrorSyntax
	case strings.Contains(msg, "interrupted"):
		return ErrorTimeout
	default:
		return ErrorRuntime
	}
}

// formatCell renders one result cell as a string. NULLs become a fixed
// literal so rows stay rectangular and comparable.
func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return nullLiteral
	case []byte:
		return string(val)
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// processSampler reads resource usage of the current process around an
// in-process execution. Samples are best effort; a failed read yields zeros.
type processSampler struct {
	log         logrus.FieldLogger
	proc        *process.Process
	baseReadOps uint64
}

func newProcessSampler(log logrus.FieldLogger) *processSampler {
	s := &processSampler{log: log}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.WithError(err).Debug("Process sampler unavailable")

		return s
	}

	s.proc = proc

	if io, err := proc.IOCounters(); err == nil {
		s.baseReadOps = io.ReadCount
	}

	// Prime the CPU counter so the next read reports usage over the
	// execution window rather than process lifetime.
	_, _ = proc.Percent(0)

	return s
}

func (s *processSampler) usage(wall time.Duration) Usage {
	u := Usage{WallTime: wall}

	if s.proc == nil {
		return u
	}

	if mem, err := s.proc.MemoryInfo(); err == nil {
		u.PeakRSSBytes = mem.RSS
	}

	if cpu, err := s.proc.Percent(0); err == nil {
		u.CPUPercent = cpu
	}

	if io, err := s.proc.IOCounters(); err == nil && io.ReadCount >= s.baseReadOps {
		u.IOReadOps = io.ReadCount - s.baseReadOps
	}

	return u
}
