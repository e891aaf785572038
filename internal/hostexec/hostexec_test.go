package hostexec

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithSudo(t *testing.T) {
	var captured string
	mockRun := RunFunc(func(ctx context.Context, command string) (string, string, int, error) {
		captured = command
		return "", "", 0, nil
	})

	sudoRun := WithSudo(mockRun)
	_, _, _, err := sudoRun(context.Background(), "curl -fsSL https://download.docker.com/linux/ubuntu/gpg | gpg --dearmor -o /tmp/k.gpg")
	require.NoError(t, err)

	assert.Contains(t, captured, "base64 -d | sudo bash")

	parts := strings.SplitN(captured, "echo ", 2)
	require.Len(t, parts, 2)
	b64Part := strings.Split(parts[1], " |")[0]
	decoded, err := base64.StdEncoding.DecodeString(b64Part)
	require.NoError(t, err)
	assert.Equal(t, "curl -fsSL https://download.docker.com/linux/ubuntu/gpg | gpg --dearmor -o /tmp/k.gpg", string(decoded))
}

func TestNewLocal(t *testing.T) {
	run := NewLocal()
	stdout, stderr, code, err := run(context.Background(), "echo hello; echo oops >&2")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\n", stdout)
	assert.Equal(t, "oops\n", stderr)
}

func TestNewLocalExitCode(t *testing.T) {
	run := NewLocal()
	_, _, code, err := run(context.Background(), "exit 42")
	assert.NoError(t, err)
	assert.Equal(t, 42, code)
}

func TestNewSSHCommandConstruction(t *testing.T) {
	run := NewSSH("192.168.1.100", "root", 22, "")
	assert.NotNil(t, run)

	runCustom := NewSSH("192.168.1.100", "root", 2222, "/tmp/id_ed25519")
	assert.NotNil(t, runCustom)
}
