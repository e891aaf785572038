// Package vpn runs per-session OpenVPN tunnels: a client container holding
// the tunnel and an API container sharing its network namespace.
package vpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flapmax/measure-remote/internal/markers"
)

var (
	ErrSessionNotFound        = errors.New("vpn: session not found")
	ErrSessionNotStarted      = errors.New("vpn: session not started")
	ErrInvalidFileName        = errors.New("vpn: invalid file name")
	ErrTunnelReadinessTimeout = errors.New("vpn: tunnel not ready before timeout")
	ErrTunnelFailed           = errors.New("vpn: tunnel failed to initialize")
	ErrNoAddress              = errors.New("vpn: session has no address")
)

const (
	DefaultClientImage      = "fmax-dock-reg-priv.flapmax.com/flapmax/openvpn-client:latest"
	DefaultAPIImage         = "fmax-dock-reg-priv.flapmax.com/flapmax/measure-vpn-remote:latest"
	DefaultArchivePath      = "/data/vpn"
	DefaultReadinessTimeout = 2 * time.Minute

	tunDevice = "/dev/net/tun"
)

// Config controls where session files live and what the session pair runs.
type Config struct {
	WorkDir          string
	ClientImage      string
	APIImage         string
	ArchivePath      string
	ReadinessTimeout time.Duration
	// APIEnv is passed to the API container as KEY=value pairs.
	APIEnv map[string]string
}

func (c *Config) applyDefaults() {
	if c.ClientImage == "" {
		c.ClientImage = DefaultClientImage
	}
	if c.APIImage == "" {
		c.APIImage = DefaultAPIImage
	}
	if c.ArchivePath == "" {
		c.ArchivePath = DefaultArchivePath
	}
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = DefaultReadinessTimeout
	}
}

// Session is one tunnel and its API container. Container handles are empty
// until the session is started.
type Session struct {
	ID        string
	Dir       string
	CreatedAt time.Time

	mu           sync.Mutex
	closed       bool
	vpnContainer string
	apiContainer string
}

// Info is a snapshot of a session for listing.
type Info struct {
	ID        string
	CreatedAt time.Time
	Active    bool
}

// Manager owns the session table.
type Manager struct {
	cfg    Config
	engine Engine
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

// NewManager creates a Manager. The session root is created lazily.
func NewManager(cfg Config, engine Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		engine:   engine,
		logger:   logger.With("component", "vpn"),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// CreateSession stores the uploaded auth files in a fresh session directory
// and registers the session. Nothing runs until Start.
func (m *Manager) CreateSession(ctx context.Context, files map[string][]byte) (string, error) {
	for name := range files {
		if err := validateFileName(name); err != nil {
			return "", err
		}
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	dir := filepath.Join(m.cfg.WorkDir, "sessions", id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("write %s: %w", name, err)
		}
	}

	s := &Session{ID: id, Dir: dir, CreatedAt: m.now()}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", id, "files", len(files))
	return id, nil
}

func validateFileName(name string) error {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return nil
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Start brings up the tunnel and, once it reports ready, the API container.
// A started session is left alone.
func (m *Manager) Start(ctx context.Context, id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.start(ctx, s)
}

func (m *Manager) start(ctx context.Context, s *Session) error {
	if s.closed {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, s.ID)
	}
	if s.apiContainer != "" {
		return nil
	}
	logger := m.logger.With("session_id", s.ID)

	// A previous attempt left a tunnel that never became ready.
	if s.vpnContainer != "" {
		m.teardown(ctx, logger, "vpn", s.vpnContainer)
		s.vpnContainer = ""
	}

	archive, err := buildArchive(s.Dir, m.now())
	if err != nil {
		return err
	}

	vpnID, err := m.engine.CreateContainer(ctx, ContainerSpec{
		Name:    "measure-vpn-" + s.ID,
		Image:   m.cfg.ClientImage,
		Env:     []string{"KILL_SWITCH=off"},
		CapAdd:  []string{"NET_ADMIN"},
		Devices: []Device{{HostPath: tunDevice, ContainerPath: tunDevice}},
	})
	if err != nil {
		return fmt.Errorf("create vpn container: %w", err)
	}
	s.vpnContainer = vpnID
	logger = logger.With("container", vpnID)

	if err := m.engine.CopyArchive(ctx, vpnID, m.cfg.ArchivePath, archive); err != nil {
		return fmt.Errorf("copy auth files: %w", err)
	}
	if err := m.engine.StartContainer(ctx, vpnID); err != nil {
		return fmt.Errorf("start vpn container: %w", err)
	}
	logger.Info("waiting for tunnel", "timeout", m.cfg.ReadinessTimeout)
	if err := m.waitReady(ctx, vpnID); err != nil {
		logger.Warn("tunnel not ready", "error", err)
		return err
	}

	apiID, err := m.engine.CreateContainer(ctx, ContainerSpec{
		Name:        "measure-api-" + s.ID,
		Image:       m.cfg.APIImage,
		Env:         envList(m.cfg.APIEnv),
		NetworkMode: "container:" + vpnID,
	})
	if err != nil {
		return fmt.Errorf("create api container: %w", err)
	}
	if err := m.engine.StartContainer(ctx, apiID); err != nil {
		m.teardown(ctx, logger, "api", apiID)
		return fmt.Errorf("start api container: %w", err)
	}
	s.apiContainer = apiID
	logger.Info("session started", "api_container", apiID)
	return nil
}

// waitReady follows the tunnel's log until the ready marker shows up, the
// stream ends, or the readiness timeout passes.
func (m *Manager) waitReady(ctx context.Context, containerID string) error {
	rctx, cancel := context.WithTimeout(ctx, m.cfg.ReadinessTimeout)
	defer cancel()

	rc, err := m.engine.FollowLogs(rctx, containerID)
	if err != nil {
		return fmt.Errorf("follow vpn logs: %w", err)
	}
	defer rc.Close()

	done := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(rc)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			if markers.IsTunnelReady(sc.Text()) {
				done <- nil
				return
			}
		}
		if err := sc.Err(); err != nil {
			done <- fmt.Errorf("%w: %w", ErrTunnelFailed, err)
			return
		}
		done <- ErrTunnelFailed
	}()

	select {
	case err := <-done:
		if err != nil && rctx.Err() != nil {
			return m.readinessErr(ctx)
		}
		return err
	case <-rctx.Done():
		_ = rc.Close()
		return m.readinessErr(ctx)
	}
}

func (m *Manager) readinessErr(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return ErrTunnelReadinessTimeout
}

// SessionAddress returns the tunnel container's current IP address.
func (m *Manager) SessionAddress(ctx context.Context, id string) (string, error) {
	s, err := m.session(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.address(ctx, s)
}

func (m *Manager) address(ctx context.Context, s *Session) (string, error) {
	if s.closed {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, s.ID)
	}
	if s.vpnContainer == "" {
		return "", ErrSessionNotStarted
	}
	ip, err := m.engine.ContainerIP(ctx, s.vpnContainer)
	if err != nil {
		return "", fmt.Errorf("inspect vpn container: %w", err)
	}
	if ip == "" {
		return "", ErrNoAddress
	}
	return ip, nil
}

// Activate starts the session if needed and returns its address.
func (m *Manager) Activate(ctx context.Context, id string) (string, error) {
	s, err := m.session(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.start(ctx, s); err != nil {
		return "", err
	}
	return m.address(ctx, s)
}

// StopSession tears the session down. Every step runs regardless of the
// others; failures are logged only.
func (m *Manager) StopSession(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	logger := m.logger.With("session_id", id)

	s, err := m.session(id)
	if err != nil {
		logger.Warn("stop requested for unknown session")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if s.apiContainer != "" {
		m.teardown(ctx, logger, "api", s.apiContainer)
		s.apiContainer = ""
	}
	if s.vpnContainer != "" {
		m.teardown(ctx, logger, "vpn", s.vpnContainer)
		s.vpnContainer = ""
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		logger.Error("remove session dir", "dir", s.Dir, "error", err)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	logger.Info("session stopped")
}

func (m *Manager) teardown(ctx context.Context, logger *slog.Logger, role, containerID string) {
	l := logger.With("container", containerID, "role", role)
	if err := m.engine.StopContainer(ctx, containerID); err != nil {
		l.Error("stop container", "error", err)
	}
	if err := m.engine.RemoveContainer(ctx, containerID); err != nil {
		l.Error("remove container", "error", err)
	}
}

// List returns a snapshot of all sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		// Sessions mid-start report inactive.
		active := false
		if s.mu.TryLock() {
			active = s.apiContainer != ""
			s.mu.Unlock()
		}
		out = append(out, Info{ID: s.ID, CreatedAt: s.CreatedAt, Active: active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close stops every session.
func (m *Manager) Close(ctx context.Context) {
	for _, info := range m.List() {
		m.StopSession(ctx, info.ID)
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
