package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrInvalidKey is returned when the private key file cannot be parsed.
var ErrInvalidKey = errors.New("hostexec: invalid private key")

// DialConfig describes how to reach and authenticate to a remote host.
type DialConfig struct {
	Host     string
	Port     int
	User     string
	KeyPath  string
	Password string
	// Timeout bounds both the TCP connect and the SSH handshake.
	Timeout time.Duration
	// HostKeyCallback defaults to accepting any host key when nil.
	HostKeyCallback ssh.HostKeyCallback
}

// Client is an open SSH connection to a remote host.
type Client struct {
	conn *ssh.Client
	addr string
}

// Dial opens an SSH connection. The key file, when set, is read during the
// call only; callers may delete it as soon as Dial returns.
func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	hostKeys := cfg.HostKeyCallback
	if hostKeys == nil {
		hostKeys = ssh.InsecureIgnoreHostKey()
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.Timeout,
	}

	dialCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var d net.Dialer
	netConn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	return &Client{conn: ssh.NewClient(c, chans, reqs), addr: addr}, nil
}

func authMethods(cfg DialConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		password := cfg.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, errors.New("hostexec: no authentication method configured")
	}
	return methods, nil
}

// Addr returns the host:port the client is connected to.
func (c *Client) Addr() string { return c.addr }

// Run executes command in a new SSH session.
func (c *Client) Run(ctx context.Context, command string) (string, string, int, error) {
	return c.RunWithInput(ctx, command, "")
}

// RunWithInput executes command and writes stdin to the remote process.
// Cancelling ctx kills the remote session.
func (c *Client) RunWithInput(ctx context.Context, command, stdin string) (string, string, int, error) {
	sess, err := c.conn.NewSession()
	if err != nil {
		return "", "", 1, fmt.Errorf("new session: %w", err)
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != "" {
		sess.Stdin = strings.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return stdout.String(), stderr.String(), 1, ctx.Err()
	case err = <-done:
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
		}
		return stdout.String(), stderr.String(), 1, fmt.Errorf("remote command: %w", err)
	}
	return stdout.String(), stderr.String(), 0, nil
}

// RunFunc adapts the client to a RunFunc.
func (c *Client) RunFunc() RunFunc { return c.Run }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
