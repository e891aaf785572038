// Package provision ties host connection, runtime bootstrap, job dispatch
// and VPN sessions together behind the operations the API exposes.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flapmax/measure-remote/internal/container"
	"github.com/flapmax/measure-remote/internal/dispatch"
	"github.com/flapmax/measure-remote/internal/hardware"
	"github.com/flapmax/measure-remote/internal/hostconn"
	"github.com/flapmax/measure-remote/internal/id"
	"github.com/flapmax/measure-remote/internal/jobs"
	"github.com/flapmax/measure-remote/internal/store"
	"github.com/flapmax/measure-remote/internal/telemetry"
)

var (
	ErrInvalidRequest    = errors.New("provision: invalid request")
	ErrEnvironmentExists = errors.New("provision: environment already exists")
	ErrDuplicateName     = errors.New("provision: name already in use")
	ErrVPNDisabled       = errors.New("provision: vpn sessions are disabled")
)

// Connector opens authenticated host connections.
type Connector interface {
	Connect(ctx context.Context, hostname, username string, cred hostconn.Credential) (*hostconn.Connection, error)
}

// RuntimeInstaller makes a connected host ready to run job containers.
type RuntimeInstaller interface {
	EnsureRuntime(ctx context.Context, conn *hostconn.Connection) error
}

// Dispatcher runs one job against a host's job container.
type Dispatcher interface {
	Dispatch(ctx context.Context, lc dispatch.Lifecycle, sink dispatch.LogSink, req dispatch.Request) dispatch.Result
}

// Sessions manages VPN tunnel sessions.
type Sessions interface {
	CreateSession(ctx context.Context, files map[string][]byte) (string, error)
	Activate(ctx context.Context, id string) (string, error)
	StopSession(ctx context.Context, id string)
}

// Config configures a Service.
type Config struct {
	// Containers are the job images by kind. Dispatches use KindBenchmark.
	Containers map[container.Kind]container.Spec
	Catalog    jobs.Catalog
	// ProvisionTimeout bounds a whole ProvisionHost run. Zero means no limit.
	ProvisionTimeout time.Duration
}

// Service implements environment provisioning and job execution.
type Service struct {
	cfg        Config
	store      store.Store
	connector  Connector
	installer  RuntimeInstaller
	dispatcher Dispatcher
	sessions   Sessions
	telemetry  telemetry.Service
	logger     *slog.Logger

	now func() time.Time
}

// Deps are the collaborators of a Service. Sessions may be nil, in which
// case the VPN operations return ErrVPNDisabled.
type Deps struct {
	Store      store.Store
	Connector  Connector
	Installer  RuntimeInstaller
	Dispatcher Dispatcher
	Sessions   Sessions
	Telemetry  telemetry.Service
}

// New creates a Service.
func New(cfg Config, deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	tel := deps.Telemetry
	if tel == nil {
		tel = &telemetry.NoopService{}
	}
	return &Service{
		cfg:        cfg,
		store:      deps.Store,
		connector:  deps.Connector,
		installer:  deps.Installer,
		dispatcher: deps.Dispatcher,
		sessions:   deps.Sessions,
		telemetry:  tel,
		logger:     logger.With("component", "provision"),
		now:        time.Now,
	}
}

// Result describes a provisioned host.
type Result struct {
	OK       bool          `json:"ok"`
	OS       hostconn.OS   `json:"os"`
	Hardware hardware.Info `json:"hardware"`
}

// ProvisionHost connects to a host, records its hardware and installs the
// container runtime. OS and Hardware are filled in as far as the run got.
func (s *Service) ProvisionHost(ctx context.Context, hostname, username string, cred hostconn.Credential) (Result, error) {
	if s.cfg.ProvisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
		defer cancel()
	}
	log := s.logger.With("host", hostname, "user", username)

	conn, err := s.connector.Connect(ctx, hostname, username, cred)
	if err != nil {
		log.Warn("connect failed", "error", err)
		return Result{}, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("close connection", "error", err)
		}
	}()

	res := Result{OS: conn.OS}
	hw, err := hardware.Probe(ctx, conn.RunFunc())
	if err != nil {
		log.Warn("hardware probe incomplete", "error", err)
	}
	res.Hardware = hw

	if err := s.installer.EnsureRuntime(ctx, conn); err != nil {
		log.Error("runtime setup failed", "os", conn.OS, "error", err)
		return res, err
	}

	res.OK = true
	log.Info("host provisioned", "os", conn.OS, "cores", hw.Cores, "ram_gb", hw.RAMGB)
	return res, nil
}

// CreateEnvironmentRequest registers a new host for a user.
type CreateEnvironmentRequest struct {
	UserID     string
	Name       string
	Hostname   string
	Username   string
	Credential hostconn.Credential
}

func (r CreateEnvironmentRequest) validate() error {
	var missing []string
	for field, v := range map[string]string{"user_id": r.UserID, "name": r.Name, "hostname": r.Hostname, "username": r.Username} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if len(r.Credential.PrivateKey) == 0 && r.Credential.Password == "" {
		return hostconn.ErrNoCredential
	}
	return nil
}

// Provision provisions a host and, on success, stores it as an environment
// together with its credential.
func (s *Service) Provision(ctx context.Context, req CreateEnvironmentRequest) (*store.Environment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	_, err := s.store.GetEnvironmentByName(ctx, req.UserID, req.Name)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentExists, req.Name)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup environment: %w", err)
	}

	res, err := s.ProvisionHost(ctx, req.Hostname, req.Username, req.Credential)
	if err != nil {
		s.telemetry.Track(req.UserID, telemetry.EventEnvironmentProvisionFailed, map[string]any{
			"os":    string(res.OS),
			"error": errorKind(err),
		})
		return nil, err
	}

	now := s.now().UTC()
	env := &store.Environment{
		ID:            id.Must(id.Environment),
		UserID:        req.UserID,
		Name:          req.Name,
		Hostname:      req.Hostname,
		Username:      req.Username,
		UsePrivateKey: req.Credential.Method() == hostconn.AuthKey,
		OS:            string(res.OS),
		Cores:         res.Hardware.Cores,
		Processor:     res.Hardware.Processor,
		RAMGB:         res.Hardware.RAMGB,
		IsProvisioned: false,
		Status:        store.EnvironmentSuccess,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	cred := &store.Credential{EnvironmentID: env.ID, CreatedAt: now}
	if env.UsePrivateKey {
		cred.PrivateKey = req.Credential.PrivateKey
	} else {
		cred.Password = req.Credential.Password
	}

	// The host is already set up; a late cancel must not lose the record.
	saveCtx := context.WithoutCancel(ctx)
	err = s.store.WithTx(saveCtx, func(tx store.DataStore) error {
		if err := tx.CreateEnvironment(saveCtx, env); err != nil {
			return err
		}
		return tx.PutCredential(saveCtx, cred)
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrEnvironmentExists, req.Name)
		}
		return nil, fmt.Errorf("save environment: %w", err)
	}

	s.telemetry.Track(req.UserID, telemetry.EventEnvironmentProvisioned, map[string]any{
		"environment_id": env.ID,
		"os":             env.OS,
		"auth":           string(req.Credential.Method()),
	})
	s.telemetry.GroupIdentify(env.ID, map[string]any{
		"os":        env.OS,
		"cores":     env.Cores,
		"processor": env.Processor,
		"ram_gb":    env.RAMGB,
	})
	return env, nil
}

// errorKind names the failure class for telemetry without leaking host output.
func errorKind(err error) string {
	for _, k := range []struct {
		err  error
		name string
	}{
		{hostconn.ErrAuthentication, "authentication"},
		{hostconn.ErrHostUnreachable, "unreachable"},
		{hostconn.ErrUnsupportedOS, "unsupported_os"},
		{hostconn.ErrPrivilegeSetup, "privilege_setup"},
		{hostconn.ErrConnection, "connection"},
	} {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "bootstrap"
}
