// Package hostconn opens authenticated command channels to user-supplied hosts
// and identifies their operating system.
package hostconn

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/flapmax/measure-remote/internal/hostexec"
	"github.com/flapmax/measure-remote/internal/markers"
)

// Connection failures. Each is distinct so callers can report them precisely.
var (
	ErrAuthentication  = errors.New("hostconn: authentication failed")
	ErrHostUnreachable = errors.New("hostconn: host unreachable")
	ErrConnection      = errors.New("hostconn: connection error")
	ErrUnsupportedOS   = errors.New("hostconn: unsupported operating system")
	ErrPrivilegeSetup  = errors.New("hostconn: passwordless sudo setup failed")
	ErrNoCredential    = errors.New("hostconn: a private key or password is required")
)

// AuthMethod is how a connection authenticated.
type AuthMethod string

const (
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
)

// OS is a supported distribution, named as in /etc/os-release.
type OS string

const (
	OSUbuntu OS = markers.OSNameUbuntu
	OSCentOS OS = markers.OSNameCentOS
)

// Credential carries either a PEM private key or a password.
type Credential struct {
	PrivateKey []byte
	Password   string
}

// Method reports which authentication path the credential selects. A key wins
// when both are set.
func (c Credential) Method() AuthMethod {
	if len(c.PrivateKey) > 0 {
		return AuthKey
	}
	return AuthPassword
}

// Session is an open remote command channel.
type Session interface {
	Run(ctx context.Context, command string) (string, string, int, error)
	RunWithInput(ctx context.Context, command, stdin string) (string, string, int, error)
	Close() error
}

// DialFunc opens a Session.
type DialFunc func(ctx context.Context, cfg hostexec.DialConfig) (Session, error)

func dialSSH(ctx context.Context, cfg hostexec.DialConfig) (Session, error) {
	c, err := hostexec.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connection is an authenticated channel to a host with a known OS.
type Connection struct {
	Host     string
	Username string
	Method   AuthMethod
	OS       OS

	session Session
}

// NewConnection wraps an already-open session. Connect is the usual way to
// obtain a Connection.
func NewConnection(host, username string, method AuthMethod, family OS, session Session) *Connection {
	return &Connection{Host: host, Username: username, Method: method, OS: family, session: session}
}

// Run executes a command on the host.
func (c *Connection) Run(ctx context.Context, command string) (string, string, int, error) {
	return c.session.Run(ctx, command)
}

// RunWithInput executes a command on the host with stdin.
func (c *Connection) RunWithInput(ctx context.Context, command, stdin string) (string, string, int, error) {
	return c.session.RunWithInput(ctx, command, stdin)
}

// RunFunc adapts the connection to a hostexec.RunFunc.
func (c *Connection) RunFunc() hostexec.RunFunc { return c.Run }

// Close closes the underlying channel.
func (c *Connection) Close() error { return c.session.Close() }

// Config configures a Connector.
type Config struct {
	// Port is the SSH port; 22 when zero.
	Port int
	// ConnectTimeout bounds dial and handshake.
	ConnectTimeout time.Duration
	// TempDir receives short-lived private key files. Empty means os.TempDir().
	TempDir string
	// KnownHostsFile enables host key verification when set.
	KnownHostsFile string
}

// Connector opens Connections.
type Connector struct {
	cfg      Config
	dial     DialFunc
	hostKeys ssh.HostKeyCallback
	logger   *slog.Logger
}

// New creates a Connector.
func New(cfg Config, logger *slog.Logger) (*Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connector{
		cfg:    cfg,
		dial:   dialSSH,
		logger: logger.With("component", "hostconn"),
	}
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		c.hostKeys = cb
	} else {
		c.logger.Warn("host key verification disabled; set ssh.known_hosts_file to enable it")
	}
	return c, nil
}

// Connect authenticates to hostname as username, detects the OS and, for
// password logins, installs the passwordless sudo entry. The returned
// Connection must be closed by the caller. Nothing is retried here.
func (c *Connector) Connect(ctx context.Context, hostname, username string, cred Credential) (*Connection, error) {
	if len(cred.PrivateKey) == 0 && cred.Password == "" {
		return nil, ErrNoCredential
	}

	dc := hostexec.DialConfig{
		Host:            hostname,
		Port:            c.cfg.Port,
		User:            username,
		Timeout:         c.cfg.ConnectTimeout,
		HostKeyCallback: c.hostKeys,
	}

	method := cred.Method()
	var (
		sess Session
		err  error
	)
	if method == AuthKey {
		sess, err = c.dialWithKey(ctx, dc, cred.PrivateKey)
	} else {
		dc.Password = cred.Password
		sess, err = c.dial(ctx, dc)
	}
	if err != nil {
		err = classify(hostname, err)
		c.logger.Warn("connect failed", "host", hostname, "method", method, "error", err)
		return nil, err
	}

	conn := &Connection{Host: hostname, Username: username, Method: method, session: sess}

	detected, err := DetectOS(ctx, conn.Run)
	if err != nil {
		_ = conn.Close()
		c.logger.Warn("os detection failed", "host", hostname, "error", err)
		return nil, err
	}
	conn.OS = detected

	if method == AuthPassword {
		if err := ensureSudoers(ctx, conn, username, cred.Password, detected, c.logger); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	c.logger.Info("connected", "host", hostname, "user", username, "method", method, "os", detected)
	return conn, nil
}

// dialWithKey materializes the key for the duration of the dial only.
func (c *Connector) dialWithKey(ctx context.Context, dc hostexec.DialConfig, key []byte) (Session, error) {
	f, err := os.CreateTemp(c.cfg.TempDir, "hostkey-*.pem")
	if err != nil {
		return nil, fmt.Errorf("create key file: %w", err)
	}
	path := f.Name()
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			c.logger.Error("failed to remove key file", "path", path, "error", rmErr)
		}
	}()

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("chmod key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close key file: %w", err)
	}

	dc.KeyPath = path
	return c.dial(ctx, dc)
}

// classify maps a dial error onto the connection failure taxonomy.
func classify(host string, err error) error {
	if errors.Is(err, hostexec.ErrInvalidKey) || markers.IsSSHAuthFailure(err) {
		return fmt.Errorf("%w: %s: %w", ErrAuthentication, host, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %s: %w", ErrHostUnreachable, host, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %s: %w", ErrHostUnreachable, host, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %w", ErrHostUnreachable, host, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrHostUnreachable, host, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrConnection, host, err)
}

// DetectOS identifies the distribution from /etc/os-release. Only Ubuntu and
// CentOS Linux are accepted.
func DetectOS(ctx context.Context, run hostexec.RunFunc) (OS, error) {
	stdout, _, _, err := run(ctx, markers.OSReleaseCommand)
	if err != nil {
		return "", fmt.Errorf("%w: detect os: %w", ErrConnection, err)
	}

	name := markers.ParseOSName(stdout)
	switch name {
	case markers.OSNameUbuntu:
		return OSUbuntu, nil
	case markers.OSNameCentOS:
		return OSCentOS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedOS, name)
	}
}
