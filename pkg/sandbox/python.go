package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/querybench/querybench/pkg/datacontext"
)

// pidsLimit caps processes inside one sandbox container.
const pidsLimit int64 = 64

// driverResult is the JSON payload the in-container driver prints between
// markers.
type driverResult struct {
	OK      bool       `json:"ok"`
	Kind    string     `json:"kind"`
	Error   string     `json:"error"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// ensureImage pulls the sandbox image if it is not present locally.
func (e *executor) ensureImage(ctx context.Context) error {
	images, err := e.docker.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("listing images: %w", err)
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == e.cfg.PythonImage {
				return nil
			}
		}
	}

	e.log.WithField("image", e.cfg.PythonImage).Info("Pulling sandbox image")

	reader, err := e.docker.ImagePull(ctx, e.cfg.PythonImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", e.cfg.PythonImage, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	return nil
}

// executePython runs the code in a fresh container with no network, a
// read-only filesystem, and hard memory and pid limits. The submitted code
// and the context database are bind mounted read-only; nothing the code does
// can survive the container.
func (e *executor) executePython(
	ctx context.Context,
	code string,
	handle *datacontext.Handle,
	limits Limits,
) (*Outcome, error) {
	if e.docker == nil {
		return nil, fmt.Errorf("python sandbox unavailable: container runtime not connected")
	}

	workDir, err := os.MkdirTemp("", "querybench-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := os.WriteFile(filepath.Join(workDir, "driver.py"), []byte(pythonDriver), 0o644); err != nil {
		return nil, fmt.Errorf("writing driver: %w", err)
	}

	if err := os.WriteFile(filepath.Join(workDir, "code.py"), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("writing code: %w", err)
	}

	pids := pidsLimit
	memSwap := limits.MemoryBytes

	containerCfg := &container.Config{
		Image:           e.cfg.PythonImage,
		Cmd:             []string{"python3", "-I", "/sandbox/driver.py"},
		Env:             []string{fmt.Sprintf("QB_MAX_ROWS=%d", limits.MaxRows)},
		NetworkDisabled: true,
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=16m"},
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   workDir,
				Target:   "/sandbox",
				ReadOnly: true,
			},
			{
				Type:     mount.TypeBind,
				Source:   handle.Path,
				Target:   "/data/context.db",
				ReadOnly: true,
			},
		},
		Resources: container.Resources{
			Memory: limits.MemoryBytes,
			// Same value disables swap entirely.
			MemorySwap: memSwap,
			PidsLimit:  &pids,
		},
	}

	resp, err := e.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox container: %w", err)
	}

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := e.docker.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			e.log.WithError(err).WithField("container", resp.ID).Warn("Removing sandbox container")
		}
	}()

	start := time.Now()

	if err := e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting sandbox container: %w", err)
	}

	sampler := newContainerSampler(e.log, e.docker, resp.ID)

	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	statusCh, errCh := e.docker.ContainerWait(execCtx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int64

	select {
	case status := <-statusCh:
		exitCode = status.StatusCode
	case err := <-errCh:
		usage := sampler.stop(time.Since(start))

		if execCtx.Err() == context.DeadlineExceeded {
			e.kill(resp.ID)

			return Failure(
				ErrorTimeout,
				fmt.Sprintf("execution exceeded %s", limits.Timeout),
				usage,
			), nil
		}

		return nil, fmt.Errorf("waiting for sandbox container: %w", err)
	}

	usage := sampler.stop(time.Since(start))

	inspectCtx, inspectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer inspectCancel()

	inspect, err := e.docker.ContainerInspect(inspectCtx, resp.ID)
	if err == nil && inspect.State != nil && inspect.State.OOMKilled {
		return Failure(
			ErrorMemory,
			fmt.Sprintf("memory limit of %d bytes exceeded", limits.MemoryBytes),
			usage,
		), nil
	}

	stdout, stderr, err := e.readLogs(inspectCtx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("reading sandbox output: %w", err)
	}

	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("interpreter exited with code %d", exitCode)
		}

		return Failure(ErrorRuntime, msg, usage), nil
	}

	result, err := parseDriverPayload(stdout)
	if err != nil {
		return Failure(ErrorRuntime, err.Error(), usage), nil
	}

	if !result.OK {
		return Failure(ErrorKind(result.Kind), result.Error, usage), nil
	}

	return &Outcome{
		Success: true,
		Columns: result.Columns,
		Rows:    result.Rows,
		Usage:   usage,
	}, nil
}

// kill force-terminates a container after a timeout. Removal is handled by
// the caller's deferred force remove.
func (e *executor) kill(containerID string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.docker.ContainerKill(killCtx, containerID, "KILL"); err != nil {
		e.log.WithError(err).WithField("container", containerID).Warn("Killing sandbox container")
	}
}

// readLogs fetches and demultiplexes the container's output streams.
func (e *executor) readLogs(ctx context.Context, containerID string) (string, string, error) {
	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("fetching container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer

	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", "", fmt.Errorf("demultiplexing container logs: %w", err)
	}

	return stdout.String(), stderr.String(), nil
}

// parseDriverPayload extracts the last marker-delimited JSON block from the
// driver's stdout. Anything the evaluated code printed before the markers is
// ignored.
func parseDriverPayload(stdout string) (*driverResult, error) {
	end := strings.LastIndex(stdout, payloadMarker)
	if end < 0 {
		return nil, fmt.Errorf("sandbox produced no result payload")
	}

	begin := strings.LastIndex(stdout[:end], payloadMarker)
	if begin < 0 {
		return nil, fmt.Errorf("sandbox result payload is truncated")
	}

	payload := strings.TrimSpace(stdout[begin+len(payloadMarker) : end])

	var result driverResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("decoding sandbox result payload: %w", err)
	}

	return &result, nil
}
