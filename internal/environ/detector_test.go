package environ

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kebairia/pgrescue/internal/logger"
	"github.com/kebairia/pgrescue/internal/runner"
)

// scriptRunner answers every Run call with a fixed outcome.
type scriptRunner struct {
	calls  []runner.Spec
	result runner.Result
	err    error
}

func (s *scriptRunner) Run(_ context.Context, spec runner.Spec) (runner.Result, error) {
	s.calls = append(s.calls, spec)
	return s.result, s.err
}

func noEnv(string) (string, bool) { return "", false }

func noSocket(string) error { return os.ErrNotExist }

func TestDetectOverrideWinsOverEverything(t *testing.T) {
	run := &scriptRunner{}
	d := NewDetector(run, logger.Global(),
		WithLookupEnv(func(string) (string, bool) { return "10.0.0.1", true }),
	)

	assert.Equal(t, BackendDocker, d.Detect(context.Background(), OverrideDocker))
	assert.Empty(t, run.calls)
}

func TestDetectClusterServiceHost(t *testing.T) {
	run := &scriptRunner{}
	d := NewDetector(run, logger.Global(),
		WithLookupEnv(func(key string) (string, bool) {
			if key == "KUBERNETES_SERVICE_HOST" {
				return "10.96.0.1", true
			}
			return "", false
		}),
		WithStatFile(noSocket),
	)

	assert.Equal(t, BackendKubernetes, d.Detect(context.Background(), OverrideNone))
	assert.Empty(t, run.calls)
}

func TestDetectDockerSocket(t *testing.T) {
	run := &scriptRunner{}
	d := NewDetector(run, logger.Global(),
		WithLookupEnv(noEnv),
		WithStatFile(func(string) error { return nil }),
	)

	assert.Equal(t, BackendDocker, d.Detect(context.Background(), OverrideNone))
	assert.Empty(t, run.calls)
}

func TestDetectDockerClientProbe(t *testing.T) {
	run := &scriptRunner{result: runner.Result{ExitCode: 0}}
	d := NewDetector(run, logger.Global(),
		WithLookupEnv(noEnv),
		WithStatFile(noSocket),
	)

	assert.Equal(t, BackendDocker, d.Detect(context.Background(), OverrideNone))
	if assert.Len(t, run.calls, 1) {
		assert.Equal(t, "docker", run.calls[0].Command)
		assert.Equal(t, []string{"ps", "--quiet"}, run.calls[0].Args)
	}
}

func TestDetectUnknownWhenNothingResponds(t *testing.T) {
	run := &scriptRunner{err: errors.New("docker: not found")}
	d := NewDetector(run, logger.Global(),
		WithLookupEnv(noEnv),
		WithStatFile(noSocket),
	)

	assert.Equal(t, BackendUnknown, d.Detect(context.Background(), OverrideNone))
}

func TestDetectCachesAnswer(t *testing.T) {
	run := &scriptRunner{result: runner.Result{ExitCode: 0}}
	d := NewDetector(run, logger.Global(),
		WithLookupEnv(noEnv),
		WithStatFile(noSocket),
	)

	d.Detect(context.Background(), OverrideNone)
	d.Detect(context.Background(), OverrideNone)
	assert.Len(t, run.calls, 1, "second Detect must use the cache")

	d.Reset()
	d.Detect(context.Background(), OverrideNone)
	assert.Len(t, run.calls, 2)
}
