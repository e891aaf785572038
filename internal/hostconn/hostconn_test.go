package hostconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flapmax/measure-remote/internal/hostexec"
)

type call struct {
	command string
	stdin   string
}

// fakeSession answers commands by substring match.
type fakeSession struct {
	mu      sync.Mutex
	calls   []call
	answers map[string]func(stdin string) (string, string, int, error)
	closed  bool
}

func (f *fakeSession) RunWithInput(_ context.Context, command, stdin string) (string, string, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{command, stdin})
	f.mu.Unlock()
	for k, fn := range f.answers {
		if strings.Contains(command, k) {
			return fn(stdin)
		}
	}
	return "", "", 0, nil
}

func (f *fakeSession) Run(ctx context.Context, command string) (string, string, int, error) {
	return f.RunWithInput(ctx, command, "")
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSession) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.command)
	}
	return out
}

func osRelease(name string) func(string) (string, string, int, error) {
	return func(string) (string, string, int, error) {
		return fmt.Sprintf("NAME=%q\nVERSION=\"1\"\n", name), "", 0, nil
	}
}

func newTestConnector(t *testing.T, dial DialFunc) *Connector {
	t.Helper()
	c, err := New(Config{TempDir: t.TempDir()}, slog.Default())
	require.NoError(t, err)
	c.dial = dial
	return c
}

func TestConnectKeyRemovesTempFileOnSuccess(t *testing.T) {
	sess := &fakeSession{answers: map[string]func(string) (string, string, int, error){
		"os-release": osRelease("Ubuntu"),
	}}

	var keyPath string
	c := newTestConnector(t, func(_ context.Context, cfg hostexec.DialConfig) (Session, error) {
		keyPath = cfg.KeyPath
		info, err := os.Stat(cfg.KeyPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
		data, err := os.ReadFile(cfg.KeyPath)
		require.NoError(t, err)
		assert.Equal(t, "PEM", string(data))
		assert.Empty(t, cfg.Password)
		return sess, nil
	})

	conn, err := c.Connect(context.Background(), "10.0.0.5", "ubuntu", Credential{PrivateKey: []byte("PEM")})
	require.NoError(t, err)
	assert.Equal(t, OSUbuntu, conn.OS)
	assert.Equal(t, AuthKey, conn.Method)

	_, statErr := os.Stat(keyPath)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "key file must be removed")

	for _, cmd := range sess.commands() {
		assert.NotContains(t, cmd, "visudo", "key logins never touch sudoers")
	}
}

func TestConnectKeyRemovesTempFileOnFailure(t *testing.T) {
	var keyPath string
	c := newTestConnector(t, func(_ context.Context, cfg hostexec.DialConfig) (Session, error) {
		keyPath = cfg.KeyPath
		return nil, errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]")
	})

	_, err := c.Connect(context.Background(), "10.0.0.5", "ubuntu", Credential{PrivateKey: []byte("PEM")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))

	_, statErr := os.Stat(keyPath)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))

	entries, err := os.ReadDir(filepath.Dir(keyPath))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConnectPasswordUsesTimeout(t *testing.T) {
	sess := &fakeSession{answers: map[string]func(string) (string, string, int, error){
		"os-release":    osRelease("Ubuntu"),
		"cat /etc/sudo": func(string) (string, string, int, error) { return "root ALL=(ALL:ALL) ALL\n", "", 0, nil },
	}}

	c, err := New(Config{ConnectTimeout: 5_000_000_000}, nil)
	require.NoError(t, err)
	c.dial = func(_ context.Context, cfg hostexec.DialConfig) (Session, error) {
		assert.Equal(t, "hunter2", cfg.Password)
		assert.Empty(t, cfg.KeyPath)
		assert.Equal(t, int64(5_000_000_000), int64(cfg.Timeout))
		return sess, nil
	}

	conn, err := c.Connect(context.Background(), "host", "alice", Credential{Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, AuthPassword, conn.Method)
}

func TestConnectUnsupportedOSClosesSession(t *testing.T) {
	sess := &fakeSession{answers: map[string]func(string) (string, string, int, error){
		"os-release": osRelease("Arch Linux"),
	}}
	c := newTestConnector(t, func(context.Context, hostexec.DialConfig) (Session, error) { return sess, nil })

	_, err := c.Connect(context.Background(), "host", "u", Credential{PrivateKey: []byte("k")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedOS))
	assert.Contains(t, err.Error(), "Arch Linux")
	assert.True(t, sess.closed)
}

func TestConnectNoCredential(t *testing.T) {
	c := newTestConnector(t, func(context.Context, hostexec.DialConfig) (Session, error) {
		t.Fatal("dial must not be called")
		return nil, nil
	})
	_, err := c.Connect(context.Background(), "host", "u", Credential{})
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate"), ErrAuthentication},
		{"bad key", fmt.Errorf("%w: asn1", hostexec.ErrInvalidKey), ErrAuthentication},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, ErrHostUnreachable},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")}, ErrHostUnreachable},
		{"deadline", context.DeadlineExceeded, ErrHostUnreachable},
		{"other", errors.New("ssh: handshake failed: EOF"), ErrConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("h", tt.err)
			assert.True(t, errors.Is(got, tt.want), "got %v", got)
		})
	}
}

func TestDetectOS(t *testing.T) {
	run := func(out string) hostexec.RunFunc {
		return func(context.Context, string) (string, string, int, error) { return out, "", 0, nil }
	}

	got, err := DetectOS(context.Background(), run("NAME=\"CentOS Linux\"\nVERSION=\"7 (Core)\"\n"))
	require.NoError(t, err)
	assert.Equal(t, OSCentOS, got)

	_, err = DetectOS(context.Background(), run("NAME=\"Ubuntu Core\"\n"))
	assert.ErrorIs(t, err, ErrUnsupportedOS)

	_, err = DetectOS(context.Background(), func(context.Context, string) (string, string, int, error) {
		return "", "", 1, errors.New("session closed")
	})
	assert.ErrorIs(t, err, ErrConnection)
}
