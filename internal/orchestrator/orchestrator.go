package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kebairia/pgrescue/internal/config"
	"github.com/kebairia/pgrescue/internal/environ"
	"github.com/kebairia/pgrescue/internal/logger"
	"github.com/kebairia/pgrescue/internal/retention"
	"github.com/kebairia/pgrescue/internal/runner"
	"github.com/kebairia/pgrescue/internal/store"
	"github.com/kebairia/pgrescue/internal/strategy"
	"github.com/kebairia/pgrescue/internal/target"
	"github.com/kebairia/pgrescue/internal/version"
)

// User-decision sentinels.
var (
	ErrCancelled          = errors.New("operation cancelled")
	ErrConfirmationDenied = errors.New("confirmation denied")
)

// verifyTimeout bounds the post-restore liveness probe.
const verifyTimeout = 10 * time.Second

// Options carries every command-line knob the orchestrator honors.
type Options struct {
	// Target selection.
	Container       string
	Pod             string
	Namespace       string
	Labels          map[string]string
	K8sContainer    string
	ForceDocker     bool
	ForceKubernetes bool
	AutoDetect      bool

	// Backup mode.
	Name       string
	Dir        string
	Force      bool
	BackupType string
	ForceFull  bool
	Compress   bool
	Quiet      bool
	Verbose    bool
	NoColor    bool

	// Restore.
	RestoreFile string
	Yes         bool

	// Retention; zero fields fall back to the defaults.
	RetentionDaily   int
	RetentionWeekly  int
	RetentionMonthly int
	RetentionFull    int

	// Versioning.
	EnableVersioning bool
	Branch           string
	VersionString    string
	VersionIncrement string
	Tags             []string
	Description      string
}

// Orchestrator owns one backup or restore invocation end-to-end. All
// collaborators are constructed once here and passed explicitly; there
// is no module-level mutable state.
type Orchestrator struct {
	cfg  config.Config
	opts Options
	log  logger.Logger
	run  runner.Runner
	st   *store.Store
	eng  *strategy.Engine

	detector *environ.Detector
	handler  target.Handler // resolved lazily
	versions *version.Manager

	stdin  io.Reader
	stdinR *bufio.Reader
	stdout io.Writer
	now    func() time.Time
}

// input wraps stdin once; prompts share the buffer so queued answers
// are not lost between reads.
func (o *Orchestrator) input() *bufio.Reader {
	if o.stdinR == nil {
		o.stdinR = bufio.NewReader(o.stdin)
	}
	return o.stdinR
}

// OrchestratorOption rewires a collaborator, mainly for tests.
type OrchestratorOption func(*Orchestrator)

// WithRunner substitutes the process runner.
func WithRunner(r runner.Runner) OrchestratorOption {
	return func(o *Orchestrator) { o.run = r }
}

// WithHandler pins the target handler, skipping detection.
func WithHandler(h target.Handler) OrchestratorOption {
	return func(o *Orchestrator) { o.handler = h }
}

// WithStdio redirects the interactive streams.
func WithStdio(in io.Reader, out io.Writer) OrchestratorOption {
	return func(o *Orchestrator) { o.stdin = in; o.stdout = out }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator over the backup directory. The backend is
// not probed until an operation needs a handler, so listing and ledger
// queries work on hosts with neither client installed.
func New(cfg config.Config, opts Options, log logger.Logger, extra ...OrchestratorOption) (*Orchestrator, error) {
	dir := cfg.BackupDir
	if opts.Dir != "" {
		dir = opts.Dir
	}

	o := &Orchestrator{
		cfg:    cfg,
		opts:   opts,
		log:    log,
		stdin:  os.Stdin,
		stdout: os.Stdout,
		now:    time.Now,
	}
	for _, opt := range extra {
		opt(o)
	}
	if o.run == nil {
		o.run = runner.NewExecRunner(log)
	}

	st, err := store.NewStore(dir, log, store.WithCompression(opts.Compress))
	if err != nil {
		return nil, err
	}
	o.st = st
	o.eng = strategy.NewEngine(st, log)
	o.detector = environ.NewDetector(o.run, log)
	return o, nil
}

// Store exposes the artifact store to the command layer.
func (o *Orchestrator) Store() *store.Store { return o.st }

func (o *Orchestrator) override() environ.Override {
	switch {
	case o.opts.ForceDocker:
		return environ.OverrideDocker
	case o.opts.ForceKubernetes:
		return environ.OverrideKubernetes
	default:
		return environ.OverrideNone
	}
}

// resolveHandler detects the backend and constructs the matching
// handler. Unknown is fatal: no side effect has happened yet.
func (o *Orchestrator) resolveHandler(ctx context.Context) (target.Handler, error) {
	if o.handler != nil {
		return o.handler, nil
	}

	if o.opts.AutoDetect {
		o.detector.Reset()
	}
	backend := o.detector.Detect(ctx, o.override())

	switch backend {
	case environ.BackendDocker:
		o.log.Info("using docker backend")
		o.handler = target.NewDockerHandler(o.run, o.log,
			target.WithContainerName(o.opts.Container),
		)
	case environ.BackendKubernetes:
		ns := o.opts.Namespace
		if ns == "" {
			ns = "default"
		}
		o.log.Info("using kubernetes backend", "namespace", ns)
		o.handler = target.NewKubernetesHandler(o.run, o.log,
			target.WithNamespace(o.opts.Namespace),
			target.WithLabels(o.opts.Labels),
			target.WithPodName(o.opts.Pod),
			target.WithContainer(o.opts.K8sContainer),
			target.WithKubeconfig(o.cfg.Kubeconfig),
		)
	default:
		return nil, fmt.Errorf("no container or cluster backend detected: %w", target.ErrNotFound)
	}
	return o.handler, nil
}

// resolveTarget discovers the target and requires it to be running.
func (o *Orchestrator) resolveTarget(ctx context.Context) (target.Handler, target.Target, error) {
	h, err := o.resolveHandler(ctx)
	if err != nil {
		return nil, target.Target{}, err
	}
	t, err := h.Discover(ctx)
	if err != nil {
		return nil, target.Target{}, err
	}
	status, err := h.Status(ctx, t)
	if err != nil {
		return nil, target.Target{}, err
	}
	switch status {
	case target.StatusRunning:
		return h, t, nil
	case target.StatusNotRunning:
		return nil, target.Target{}, fmt.Errorf("%q: %w", h.Identity(t), target.ErrNotRunning)
	default:
		return nil, target.Target{}, fmt.Errorf("%q: %w", h.Identity(t), target.ErrNotFound)
	}
}

// versionManager lazily opens the ledger directory.
func (o *Orchestrator) versionManager() (*version.Manager, error) {
	if o.versions != nil {
		return o.versions, nil
	}
	vm, err := version.NewManager(o.st, o.log)
	if err != nil {
		return nil, err
	}
	o.versions = vm
	return vm, nil
}

// policy folds the retention flag overrides onto the defaults.
func (o *Orchestrator) policy() retention.Policy {
	p := retention.DefaultPolicy()
	if o.opts.RetentionDaily > 0 {
		p.Daily = o.opts.RetentionDaily
	}
	if o.opts.RetentionWeekly > 0 {
		p.Weekly = o.opts.RetentionWeekly
	}
	if o.opts.RetentionMonthly > 0 {
		p.Monthly = o.opts.RetentionMonthly
	}
	if o.opts.RetentionFull > 0 {
		p.Full = o.opts.RetentionFull
	}
	return p
}

// pgEnv is the environment the dump and restore tools receive inside
// the target. Never logged unmasked.
func (o *Orchestrator) pgEnv() []string {
	return []string{"PGPASSWORD=" + o.cfg.Password}
}

// ExitCode maps an error to the documented process exit codes.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrConfirmationDenied):
		return 4
	case errors.Is(err, store.ErrLockBusy):
		return 5
	case errors.Is(err, target.ErrExecTimeout), errors.Is(err, runner.ErrTimeout):
		return 6
	case errors.Is(err, target.ErrNotFound), errors.Is(err, target.ErrNotRunning):
		return 2
	case errors.Is(err, store.ErrValidationFailed),
		errors.Is(err, store.ErrNameInvalid),
		errors.Is(err, store.ErrNameReserved),
		errors.Is(err, store.ErrNameCollision):
		return 3
	default:
		return 1
	}
}
