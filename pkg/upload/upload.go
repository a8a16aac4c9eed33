// Package upload exports finished runs to S3-compatible object storage.
package upload

import (
	"context"

	"github.com/querybench/querybench/pkg/store"
)

// RunExport is the JSON document written for one finished run.
type RunExport struct {
	Run     *store.BenchRun   `json:"run"`
	Items   []store.BenchItem `json:"items"`
	Summary any               `json:"summary"`
}

// Uploader exports run results to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and
	// writable. Writes a small test object to fail fast on
	// misconfiguration.
	Preflight(ctx context.Context) error

	// UploadRun writes the export document under the configured prefix,
	// keyed by run id.
	UploadRun(ctx context.Context, export *RunExport) error
}
