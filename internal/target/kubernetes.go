package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kebairia/pgrescue/internal/logger"
	"github.com/kebairia/pgrescue/internal/runner"
)

const (
	defaultNamespace     = "default"
	defaultLabelSelector = "app=postgres"
)

// KubernetesOption overrides default settings on a KubernetesHandler.
type KubernetesOption func(*KubernetesHandler)

// KubernetesHandler drives one pod through the kubectl CLI.
type KubernetesHandler struct {
	run runner.Runner
	log logger.Logger

	namespace     string
	labelSelector string
	podName       string
	containerName string
	kubeconfig    string
}

var _ Handler = (*KubernetesHandler)(nil)

func NewKubernetesHandler(run runner.Runner, log logger.Logger, opts ...KubernetesOption) *KubernetesHandler {
	h := &KubernetesHandler{
		run:           run,
		log:           log,
		namespace:     defaultNamespace,
		labelSelector: defaultLabelSelector,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithNamespace overrides the namespace.
func WithNamespace(ns string) KubernetesOption {
	return func(h *KubernetesHandler) {
		if ns != "" {
			h.namespace = ns
		}
	}
}

// WithLabels replaces the default pod label selector.
func WithLabels(labels map[string]string) KubernetesOption {
	return func(h *KubernetesHandler) {
		if len(labels) == 0 {
			return
		}
		pairs := make([]string, 0, len(labels))
		for k, v := range labels {
			pairs = append(pairs, k+"="+v)
		}
		sort.Strings(pairs)
		h.labelSelector = strings.Join(pairs, ",")
	}
}

// WithPodName pins discovery to a specific pod.
func WithPodName(name string) KubernetesOption {
	return func(h *KubernetesHandler) {
		if name != "" {
			h.podName = name
		}
	}
}

// WithContainer selects the container inside a multi-container pod.
func WithContainer(name string) KubernetesOption {
	return func(h *KubernetesHandler) {
		if name != "" {
			h.containerName = name
		}
	}
}

// WithKubeconfig points kubectl at an explicit kubeconfig file.
func WithKubeconfig(path string) KubernetesOption {
	return func(h *KubernetesHandler) {
		if path != "" {
			h.kubeconfig = path
		}
	}
}

// podList mirrors the fields of `kubectl get pods -o json` the handler
// reads.
type podList struct {
	Items []podEntry `json:"items"`
}

type podEntry struct {
	Metadata struct {
		Name      string            `json:"name"`
		Namespace string            `json:"namespace"`
		Labels    map[string]string `json:"labels"`
	} `json:"metadata"`
	Spec struct {
		Containers []struct {
			Name  string `json:"name"`
			Image string `json:"image"`
		} `json:"containers"`
	} `json:"spec"`
	Status struct {
		Phase             string `json:"phase"`
		ContainerStatuses []struct {
			Name  string `json:"name"`
			Ready bool   `json:"ready"`
		} `json:"containerStatuses"`
	} `json:"status"`
}

func (p podEntry) ready() bool {
	if p.Status.Phase != "Running" {
		return false
	}
	for _, cs := range p.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return true
}

func (h *KubernetesHandler) kubectlArgs(args ...string) []string {
	out := make([]string, 0, len(args)+2)
	if h.kubeconfig != "" {
		out = append(out, "--kubeconfig", h.kubeconfig)
	}
	return append(out, args...)
}

func (h *KubernetesHandler) Discover(ctx context.Context) (Target, error) {
	if h.podName != "" {
		return h.pinTarget(ctx)
	}

	res, err := h.run.Run(ctx, runner.Spec{
		Command: "kubectl",
		Args:    h.kubectlArgs("get", "pods", "-n", h.namespace, "-l", h.labelSelector, "-o", "json"),
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return Target{}, fmt.Errorf("list pods: %w", err)
	}
	if res.ExitCode != 0 {
		return Target{}, fmt.Errorf("list pods: %w", &ExecError{ExitCode: res.ExitCode, Stderr: strings.TrimSpace(string(res.Stderr))})
	}

	var list podList
	if err := json.Unmarshal(res.Stdout, &list); err != nil {
		return Target{}, fmt.Errorf("parse pod list: %w", err)
	}

	for _, pod := range list.Items {
		if !pod.ready() {
			continue
		}
		container := h.pickContainer(pod)
		h.log.Debug("postgres pod discovered",
			"pod", pod.Metadata.Name,
			"namespace", pod.Metadata.Namespace,
			"container", container,
		)
		return Target{
			Name:      pod.Metadata.Name,
			Namespace: pod.Metadata.Namespace,
			Container: container,
		}, nil
	}

	return Target{}, fmt.Errorf("no ready pod matches %q in %q: %w", h.labelSelector, h.namespace, ErrNotFound)
}

// pinTarget resolves the configured pod name, still filling in the
// container when the pod carries more than one.
func (h *KubernetesHandler) pinTarget(ctx context.Context) (Target, error) {
	t := Target{Name: h.podName, Namespace: h.namespace, Container: h.containerName}
	if t.Container != "" {
		return t, nil
	}
	pod, err := h.getPod(ctx, h.podName)
	if err != nil {
		// Leave the container empty; Status will surface NotFound later.
		return t, nil
	}
	t.Container = h.pickContainer(*pod)
	return t, nil
}

func (h *KubernetesHandler) pickContainer(pod podEntry) string {
	if h.containerName != "" {
		return h.containerName
	}
	if len(pod.Spec.Containers) > 0 {
		return pod.Spec.Containers[0].Name
	}
	return ""
}

func (h *KubernetesHandler) getPod(ctx context.Context, name string) (*podEntry, error) {
	res, err := h.run.Run(ctx, runner.Spec{
		Command: "kubectl",
		Args:    h.kubectlArgs("get", "pod", name, "-n", h.namespace, "-o", "json"),
		Timeout: statusProbeTimeout,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("pod %s: %w", name, ErrNotFound)
	}
	var pod podEntry
	if err := json.Unmarshal(res.Stdout, &pod); err != nil {
		return nil, fmt.Errorf("parse pod %s: %w", name, err)
	}
	return &pod, nil
}

func (h *KubernetesHandler) Status(ctx context.Context, t Target) (Status, error) {
	pod, err := h.getPod(ctx, t.Name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StatusNotFound, nil
		}
		if errors.Is(err, runner.ErrTimeout) {
			return StatusNotFound, fmt.Errorf("get pod %s: %w", t.Name, ErrExecTimeout)
		}
		return StatusNotFound, err
	}
	if pod.ready() {
		return StatusRunning, nil
	}
	return StatusNotRunning, nil
}

// Exec runs argv inside the pod. kubectl handles stdin differently from
// the docker client: piping requires --stdin with --tty=false, and
// exported environment needs a wrapping `sh -c` because kubectl exec has
// no -e flag. That divergence stays entirely inside this handler.
func (h *KubernetesHandler) Exec(ctx context.Context, t Target, spec ExecSpec) error {
	args := h.kubectlArgs("exec", "-n", t.Namespace)
	if t.Container != "" {
		args = append(args, "-c", t.Container)
	}
	if spec.Stdin != nil {
		args = append(args, "--stdin", "--tty=false")
	}
	args = append(args, t.Name, "--")
	args = append(args, composeRemoteCommand(spec.Argv, spec.Env)...)

	res, err := h.run.Run(ctx, runner.Spec{
		Command: "kubectl",
		Args:    args,
		Stdin:   spec.Stdin,
		Stdout:  spec.Stdout,
		Timeout: spec.Timeout,
	})
	if err != nil {
		if errors.Is(err, runner.ErrTimeout) {
			return fmt.Errorf("exec in %s/%s: %w", t.Namespace, t.Name, ErrExecTimeout)
		}
		return fmt.Errorf("exec in %s/%s: %w", t.Namespace, t.Name, err)
	}
	if res.ExitCode != 0 {
		return &ExecError{ExitCode: res.ExitCode, Stderr: strings.TrimSpace(string(res.Stderr))}
	}
	return nil
}

func (h *KubernetesHandler) Identity(t Target) string {
	return t.Namespace + "/" + t.Name
}

// composeRemoteCommand wraps argv in `sh -c "export K=V && ..."` when
// environment entries must reach the remote process.
func composeRemoteCommand(argv, env []string) []string {
	if len(env) == 0 {
		return argv
	}
	var b strings.Builder
	b.WriteString("export")
	for _, kv := range env {
		key, value, _ := strings.Cut(kv, "=")
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(shellQuote(value))
	}
	b.WriteString(" && ")
	for i, arg := range argv {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(shellQuote(arg))
	}
	return []string{"sh", "-c", b.String()}
}

// shellQuote single-quotes s for POSIX sh, escaping embedded quotes.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>()*?[]#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
