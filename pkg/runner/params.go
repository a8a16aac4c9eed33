package runner

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/querybench/querybench/pkg/evaluator"
)

// runOptions are the recognized keys of a run's free-form params map. Keys
// outside this set pass through untouched and are persisted with the run.
type runOptions struct {
	// TimeoutMS caps a single execution, in milliseconds.
	TimeoutMS int `mapstructure:"timeout_ms"`

	// MemoryLimit caps a single execution's memory, e.g. "128m".
	MemoryLimit string `mapstructure:"memory_limit"`

	// MaxRows caps the rows fetched from one execution.
	MaxRows int `mapstructure:"max_rows"`
}

// decodeRunOptions extracts the typed limit overrides from a params map.
func decodeRunOptions(params map[string]any) (*evaluator.LimitOverrides, error) {
	if len(params) == 0 {
		return nil, nil
	}

	var opts runOptions

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("building params decoder: %w", err)
	}

	if err := decoder.Decode(params); err != nil {
		return nil, fmt.Errorf("decoding run params: %w", err)
	}

	if opts.TimeoutMS < 0 || opts.MaxRows < 0 {
		return nil, fmt.Errorf("run params must not be negative")
	}

	overrides := &evaluator.LimitOverrides{
		Timeout: time.Duration(opts.TimeoutMS) * time.Millisecond,
		MaxRows: opts.MaxRows,
	}

	if opts.MemoryLimit != "" {
		bytes, err := units.RAMInBytes(opts.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("parsing memory_limit: %w", err)
		}

		overrides.MemoryBytes = bytes
	}

	return overrides, nil
}
