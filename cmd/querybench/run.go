package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/querybench/querybench/pkg/runner"
	"github.com/spf13/cobra"
)

var (
	inputFile   string
	resumeRunID string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate a submission file and wait for the result",
	Long: `Run evaluates every item in the submission file against the question
bank and prints the run summary. Interrupted runs can be resumed with
--run-id; already evaluated items are skipped.`,
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&inputFile, "input", "",
		"submission file (JSON run request)")
	runCmd.Flags().StringVar(&resumeRunID, "run-id", "",
		"resume an interrupted run instead of starting a new one")

	_ = runCmd.MarkFlagRequired("input")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	req, err := loadRunRequest(inputFile)
	if err != nil {
		return err
	}

	if resumeRunID != "" {
		req.RunID = resumeRunID
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.stop()

	run, err := eng.runner.StartRun(ctx, req)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}

	log.WithField("run_id", run.RunID).Info("Run started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal, aborting run")

		if err := eng.runner.Abort(run.RunID); err != nil {
			log.WithError(err).Warn("Aborting run")
		}
	}()

	summary, err := eng.runner.Wait(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("run %s: %w", run.RunID, err)
	}

	out, err := json.MarshalIndent(map[string]any{
		"run_id":  run.RunID,
		"summary": summary,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing summary: %w", err)
	}

	fmt.Println(string(out))

	return nil
}

// loadRunRequest reads a submission file.
func loadRunRequest(path string) (*runner.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading submission file: %w", err)
	}

	var req runner.RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing submission file: %w", err)
	}

	return &req, nil
}
