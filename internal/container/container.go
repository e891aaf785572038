// Package container starts, stops and reads logs from the job containers that
// run on a provisioned host. All operations go through the host's shell.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flapmax/measure-remote/internal/hostexec"
)

// ErrCommandFailed means a docker command wrote to stderr or could not run.
var (
	ErrCommandFailed = errors.New("container: command failed")
	ErrUnknownKind   = errors.New("container: unknown kind")
)

// Kind names a job container flavour.
type Kind string

const (
	KindBenchmark Kind = "benchmark"
	KindInference Kind = "inference"
)

// Spec binds a Kind to the image it runs and the port it publishes.
type Spec struct {
	Image string
	Port  int
}

// sinceLayout is the UTC timestamp format docker logs --since accepts.
const sinceLayout = "2006-01-02T15:04:05Z"

// Manager drives job containers on one host.
type Manager struct {
	run    hostexec.RunFunc
	specs  map[Kind]Spec
	logger *slog.Logger
}

// NewManager returns a Manager that issues commands through run.
func NewManager(run hostexec.RunFunc, specs map[Kind]Spec, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{run: run, specs: specs, logger: logger.With("component", "container")}
}

func (m *Manager) spec(kind Kind) (Spec, error) {
	s, ok := m.specs[kind]
	if !ok || s.Image == "" {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

// StartCommand is the shell command that launches a detached container.
func StartCommand(s Spec) string {
	return fmt.Sprintf("sudo docker run -dp %d:%d %s", s.Port, s.Port, s.Image)
}

// StopCommand stops and removes every container created from the image.
func StopCommand(s Spec) string {
	ids := fmt.Sprintf("$(sudo docker ps -a -q --filter ancestor=%s)", s.Image)
	return fmt.Sprintf("sudo docker stop %s && sudo docker rm %s", ids, ids)
}

// LogsCommand reads timestamped logs written since the given instant.
func LogsCommand(s Spec, since time.Time) string {
	return fmt.Sprintf("sudo docker logs $(sudo docker ps -a -q --filter ancestor=%s) --timestamps --since=%s",
		s.Image, since.UTC().Format(sinceLayout))
}

// Start launches the container for kind.
func (m *Manager) Start(ctx context.Context, kind Kind) error {
	s, err := m.spec(kind)
	if err != nil {
		return err
	}
	return m.exec(ctx, "start", kind, StartCommand(s))
}

// Stop stops and removes the container for kind. A missing container is
// reported the same way as any other stderr output.
func (m *Manager) Stop(ctx context.Context, kind Kind) error {
	s, err := m.spec(kind)
	if err != nil {
		return err
	}
	return m.exec(ctx, "stop", kind, StopCommand(s))
}

// Logs returns stdout lines followed by stderr lines written since since.
func (m *Manager) Logs(ctx context.Context, kind Kind, since time.Time) ([]string, error) {
	s, err := m.spec(kind)
	if err != nil {
		return nil, err
	}
	stdout, stderr, _, err := m.run(ctx, LogsCommand(s, since))
	if err != nil {
		return nil, fmt.Errorf("%w: logs %s: %w", ErrCommandFailed, kind, err)
	}
	lines := splitLines(stdout)
	return append(lines, splitLines(stderr)...), nil
}

func (m *Manager) exec(ctx context.Context, op string, kind Kind, command string) error {
	_, stderr, code, err := m.run(ctx, command)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrCommandFailed, op, kind, err)
	}
	if msg := strings.TrimSpace(stderr); msg != "" {
		m.logger.Warn("docker command wrote to stderr", "op", op, "kind", kind, "exit_code", code, "stderr", msg)
		return fmt.Errorf("%w: %s %s: %s", ErrCommandFailed, op, kind, firstLine(msg))
	}
	m.logger.Debug("docker command ok", "op", op, "kind", kind)
	return nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
