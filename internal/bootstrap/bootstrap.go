// Package bootstrap installs and verifies the container runtime on a freshly
// connected host, pulls the job image and opens the job port.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flapmax/measure-remote/internal/container"
	"github.com/flapmax/measure-remote/internal/hostconn"
	"github.com/flapmax/measure-remote/internal/hostexec"
	"github.com/flapmax/measure-remote/internal/markers"
)

// ErrBootstrap marks every bootstrap failure. It is fatal for the request
// and never retried.
var ErrBootstrap = errors.New("bootstrap failed")

// Error reports which step failed.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bootstrap: %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrBootstrap, e.Err} }

func stepErr(step string, err error) error {
	return &Error{Step: step, Err: err}
}

// Step is one ordered install action.
type Step struct {
	Name     string
	Commands []string // shown to operators, executed verbatim unless Execute is set
	// Optional steps log failures instead of aborting the install.
	Optional bool
	// Execute overrides running Commands one by one.
	Execute func(ctx context.Context, run hostexec.RunFunc) error
}

func (s Step) run(ctx context.Context, run hostexec.RunFunc) error {
	if s.Execute != nil {
		return s.Execute(ctx, run)
	}
	for _, cmd := range s.Commands {
		if err := mustSucceed(ctx, run, cmd); err != nil {
			return err
		}
	}
	return nil
}

func mustSucceed(ctx context.Context, run hostexec.RunFunc, cmd string) error {
	_, stderr, code, err := run(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("exit %d: %s", code, strings.TrimSpace(stderr))
	}
	return nil
}

// Strategy holds everything that differs between supported distributions.
type Strategy interface {
	OS() hostconn.OS
	// RuntimeInstalled reports whether docker-ce is already present.
	RuntimeInstalled(ctx context.Context, run hostexec.RunFunc) (bool, error)
	// InstallSteps returns the ordered docker-ce install.
	InstallSteps() []Step
	// OpenPort allows inbound TCP on port.
	OpenPort(ctx context.Context, run hostexec.RunFunc, port int) error
}

// For returns the Strategy for a detected OS.
func For(family hostconn.OS) (Strategy, error) {
	switch family {
	case hostconn.OSUbuntu:
		return ubuntu{}, nil
	case hostconn.OSCentOS:
		return centos{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", hostconn.ErrUnsupportedOS, family)
	}
}

// VerifyCommand runs the hello-world image to prove the runtime works.
const VerifyCommand = "sudo docker run hello-world"

// Registry holds the private registry login used to pull the job image.
type Registry struct {
	Server   string
	Username string
	Password string
}

// Config configures an Installer.
type Config struct {
	Registry Registry
	// Image is the job container pulled and smoke-started during setup.
	Image        container.Spec
	FirewallPort int
	// SettleDelay is how long the smoke container runs before it is stopped.
	SettleDelay time.Duration
}

// Installer brings a host from bare OS to ready-for-jobs.
type Installer struct {
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewInstaller creates an Installer.
func NewInstaller(cfg Config, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FirewallPort == 0 {
		cfg.FirewallPort = 4000
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	return &Installer{cfg: cfg, logger: logger.With("component", "bootstrap"), sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EnsureRuntime installs docker-ce when missing, verifies it, prepares the job
// image and opens the job port. On an already bootstrapped host no install
// command runs.
func (i *Installer) EnsureRuntime(ctx context.Context, conn *hostconn.Connection) error {
	strategy, err := For(conn.OS)
	if err != nil {
		return err
	}
	run := conn.RunFunc()
	log := i.logger.With("host", conn.Host, "os", conn.OS)

	installed, err := strategy.RuntimeInstalled(ctx, run)
	if err != nil {
		return stepErr("probe runtime", err)
	}

	if installed {
		log.Info("docker already installed")
	} else {
		log.Info("installing docker")
		if err := i.install(ctx, run, strategy, log); err != nil {
			return err
		}
	}

	if err := i.setupImage(ctx, run, log); err != nil {
		return err
	}

	if err := strategy.OpenPort(ctx, run, i.cfg.FirewallPort); err != nil {
		return stepErr("open port", err)
	}

	log.Info("host bootstrapped", "port", i.cfg.FirewallPort)
	return nil
}

func (i *Installer) install(ctx context.Context, run hostexec.RunFunc, strategy Strategy, log *slog.Logger) error {
	for _, step := range strategy.InstallSteps() {
		log.Debug("running step", "step", step.Name)
		if err := step.run(ctx, run); err != nil {
			if step.Optional && ctx.Err() == nil {
				log.Warn("optional step failed", "step", step.Name, "error", err)
				continue
			}
			log.Error("install step failed", "step", step.Name, "error", err)
			return stepErr(step.Name, err)
		}
	}

	stdout, stderr, _, err := run(ctx, VerifyCommand)
	if err != nil {
		return stepErr("verify runtime", err)
	}
	if !markers.HelloWorldSucceeded(stdout) {
		log.Error("hello-world verification failed", "stderr", strings.TrimSpace(stderr))
		return stepErr("verify runtime", errors.New("hello-world did not report success"))
	}
	return nil
}

// setupImage logs into the registry, pulls the job image and smoke-starts it.
// Logout always runs so no registry credential stays on the host.
func (i *Installer) setupImage(ctx context.Context, run hostexec.RunFunc, log *slog.Logger) error {
	reg := i.cfg.Registry

	// Only matters where firewalld owns docker0; the result is ignored.
	_, _, _, _ = run(ctx, "sudo firewall-cmd --permanent --zone=trusted --change-interface=docker0")

	defer func() {
		_, stderr, _, logoutErr := run(context.WithoutCancel(ctx), "sudo docker logout")
		if logoutErr != nil {
			log.Warn("docker logout failed", "error", logoutErr)
		} else if msg := strings.TrimSpace(stderr); msg != "" {
			log.Warn("docker logout", "stderr", msg)
		}
	}()

	_, stderr, _, err := run(ctx, fmt.Sprintf("sudo docker login %s --username %s -p %s", reg.Server, reg.Username, reg.Password))
	if err != nil {
		return stepErr("registry login", err)
	}
	if msg := strings.TrimSpace(stderr); msg != "" {
		log.Warn("docker login", "stderr", msg)
	}

	_, stderr, code, err := run(ctx, "sudo docker pull "+i.cfg.Image.Image)
	if err != nil {
		return stepErr("pull image", err)
	}
	if msg := strings.TrimSpace(stderr); msg != "" {
		log.Warn("docker pull", "exit_code", code, "stderr", msg)
	}

	mgr := container.NewManager(run, map[container.Kind]container.Spec{container.KindBenchmark: i.cfg.Image}, i.logger)
	if err := mgr.Start(ctx, container.KindBenchmark); err != nil {
		return stepErr("smoke start", err)
	}
	if err := i.sleep(ctx, i.cfg.SettleDelay); err != nil {
		return stepErr("smoke start", err)
	}
	if err := mgr.Stop(ctx, container.KindBenchmark); err != nil {
		return stepErr("smoke stop", err)
	}
	return nil
}
