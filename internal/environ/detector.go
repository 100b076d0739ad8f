package environ

import (
	"context"
	"os"
	"time"

	"github.com/kebairia/pgrescue/internal/logger"
	"github.com/kebairia/pgrescue/internal/runner"
)

// Backend identifies which process-invocation backend hosts the database.
type Backend string

const (
	BackendDocker     Backend = "docker"
	BackendKubernetes Backend = "kubernetes"
	BackendUnknown    Backend = "unknown"
)

// Override forces a backend regardless of probing.
type Override string

const (
	OverrideNone       Override = ""
	OverrideDocker     Override = "docker"
	OverrideKubernetes Override = "kubernetes"
)

const (
	// Conventional docker daemon socket on the host.
	defaultSocketPath = "/var/run/docker.sock"
	// Set by the cluster inside every pod.
	serviceHostVar = "KUBERNETES_SERVICE_HOST"

	probeTimeout = 2 * time.Second
)

// DetectorOption overrides a probe dependency, mainly for tests.
type DetectorOption func(*Detector)

// Detector probes the host once and caches the answer for the process
// lifetime. Misdetection is recoverable by re-running with an override.
type Detector struct {
	run runner.Runner
	log logger.Logger

	socketPath string
	lookupEnv  func(string) (string, bool)
	statFile   func(string) error

	detected bool
	cached   Backend
}

func NewDetector(run runner.Runner, log logger.Logger, opts ...DetectorOption) *Detector {
	d := &Detector{
		run:        run,
		log:        log,
		socketPath: defaultSocketPath,
		lookupEnv:  os.LookupEnv,
		statFile: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithSocketPath overrides the docker socket location.
func WithSocketPath(path string) DetectorOption {
	return func(d *Detector) { d.socketPath = path }
}

// WithLookupEnv overrides environment lookup.
func WithLookupEnv(fn func(string) (string, bool)) DetectorOption {
	return func(d *Detector) { d.lookupEnv = fn }
}

// WithStatFile overrides the file-presence probe.
func WithStatFile(fn func(string) error) DetectorOption {
	return func(d *Detector) { d.statFile = fn }
}

// Detect applies the detection rules in order, first match wins:
// override, cluster service-host variable, docker socket or a working
// `docker ps`, otherwise unknown. The result is cached.
func (d *Detector) Detect(ctx context.Context, override Override) Backend {
	switch override {
	case OverrideDocker:
		d.log.Debug("backend forced", "backend", BackendDocker)
		return d.remember(BackendDocker)
	case OverrideKubernetes:
		d.log.Debug("backend forced", "backend", BackendKubernetes)
		return d.remember(BackendKubernetes)
	}

	if d.detected {
		return d.cached
	}

	if host, ok := d.lookupEnv(serviceHostVar); ok && host != "" {
		d.log.Debug("cluster service host present", "host", host)
		return d.remember(BackendKubernetes)
	}

	if err := d.statFile(d.socketPath); err == nil {
		d.log.Debug("docker socket present", "path", d.socketPath)
		return d.remember(BackendDocker)
	}

	res, err := d.run.Run(ctx, runner.Spec{
		Command: "docker",
		Args:    []string{"ps", "--quiet"},
		Timeout: probeTimeout,
	})
	if err == nil && res.ExitCode == 0 {
		d.log.Debug("docker client responded", "elapsed", res.Elapsed.String())
		return d.remember(BackendDocker)
	}

	d.log.Warn("no backend detected; use --force-docker or --force-kubernetes")
	return d.remember(BackendUnknown)
}

// Reset drops the cached answer so the next Detect probes again.
func (d *Detector) Reset() {
	d.detected = false
}

func (d *Detector) remember(b Backend) Backend {
	d.detected = true
	d.cached = b
	return b
}
