package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kebairia/pgrescue/internal/logger"
	"github.com/kebairia/pgrescue/internal/runner"
)

const statusProbeTimeout = 2 * time.Second

// DockerOption overrides default settings on a DockerHandler.
type DockerOption func(*DockerHandler)

// DockerHandler drives one container through the docker CLI.
type DockerHandler struct {
	run runner.Runner
	log logger.Logger

	// containerName, when set, skips discovery by image.
	containerName string
}

var _ Handler = (*DockerHandler)(nil)

func NewDockerHandler(run runner.Runner, log logger.Logger, opts ...DockerOption) *DockerHandler {
	h := &DockerHandler{run: run, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithContainerName pins discovery to a specific container.
func WithContainerName(name string) DockerOption {
	return func(h *DockerHandler) {
		if name != "" {
			h.containerName = name
		}
	}
}

// dockerPSEntry is one line of `docker ps --format json`.
type dockerPSEntry struct {
	ID    string `json:"ID"`
	Names string `json:"Names"`
	Image string `json:"Image"`
	State string `json:"State"`
}

func (h *DockerHandler) Discover(ctx context.Context) (Target, error) {
	if h.containerName != "" {
		return Target{Name: h.containerName}, nil
	}

	res, err := h.run.Run(ctx, runner.Spec{
		Command: "docker",
		Args:    []string{"ps", "--format", "json"},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return Target{}, fmt.Errorf("list containers: %w", err)
	}
	if res.ExitCode != 0 {
		return Target{}, fmt.Errorf("list containers: %w", &ExecError{ExitCode: res.ExitCode, Stderr: strings.TrimSpace(string(res.Stderr))})
	}

	for _, line := range strings.Split(string(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry dockerPSEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			h.log.Debug("skipping unparseable docker ps line", "error", err.Error())
			continue
		}
		if !looksLikePostgres(entry) {
			continue
		}
		h.log.Debug("postgres container discovered",
			"name", entry.Names,
			"image", entry.Image,
		)
		return Target{Name: entry.Names}, nil
	}

	return Target{}, fmt.Errorf("no running postgres container: %w", ErrNotFound)
}

func looksLikePostgres(entry dockerPSEntry) bool {
	if entry.State != "" && entry.State != "running" {
		return false
	}
	image := strings.ToLower(entry.Image)
	name := strings.ToLower(entry.Names)
	return strings.Contains(image, "postgres") || strings.Contains(name, "postgres")
}

// dockerInspectState is the slice of State blocks from `docker inspect`.
type dockerInspectState struct {
	State struct {
		Running bool `json:"Running"`
	} `json:"State"`
}

func (h *DockerHandler) Status(ctx context.Context, t Target) (Status, error) {
	res, err := h.run.Run(ctx, runner.Spec{
		Command: "docker",
		Args:    []string{"inspect", t.Name},
		Timeout: statusProbeTimeout,
	})
	if err != nil {
		if errors.Is(err, runner.ErrTimeout) {
			return StatusNotFound, fmt.Errorf("inspect %s: %w", t.Name, ErrExecTimeout)
		}
		return StatusNotFound, fmt.Errorf("inspect %s: %w", t.Name, err)
	}
	if res.ExitCode != 0 {
		return StatusNotFound, nil
	}

	var entries []dockerInspectState
	if err := json.Unmarshal(res.Stdout, &entries); err != nil || len(entries) == 0 {
		return StatusNotFound, fmt.Errorf("inspect %s: unexpected output", t.Name)
	}
	if entries[0].State.Running {
		return StatusRunning, nil
	}
	return StatusNotRunning, nil
}

// Exec runs argv inside the container. Environment entries are handed to
// `docker exec` via -e; --interactive is added only when stdin is
// supplied.
func (h *DockerHandler) Exec(ctx context.Context, t Target, spec ExecSpec) error {
	args := []string{"exec"}
	if spec.Stdin != nil {
		args = append(args, "--interactive")
	}
	for _, kv := range spec.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, t.Name)
	args = append(args, spec.Argv...)

	res, err := h.run.Run(ctx, runner.Spec{
		Command: "docker",
		Args:    args,
		Stdin:   spec.Stdin,
		Stdout:  spec.Stdout,
		Timeout: spec.Timeout,
	})
	if err != nil {
		if errors.Is(err, runner.ErrTimeout) {
			return fmt.Errorf("exec in %s: %w", t.Name, ErrExecTimeout)
		}
		return fmt.Errorf("exec in %s: %w", t.Name, err)
	}
	if res.ExitCode != 0 {
		return &ExecError{ExitCode: res.ExitCode, Stderr: strings.TrimSpace(string(res.Stderr))}
	}
	return nil
}

func (h *DockerHandler) Identity(t Target) string {
	return t.Name
}
