package container

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flapmax/measure-remote/internal/hostexec"
)

var testSpecs = map[Kind]Spec{
	KindBenchmark: {Image: "registry.example/measure-remote:latest", Port: 4000},
	KindInference: {Image: "registry.example/measure-inference:latest", Port: 5000},
}

func recorder(stdout, stderr string, err error) (*[]string, hostexec.RunFunc) {
	var cmds []string
	return &cmds, func(_ context.Context, command string) (string, string, int, error) {
		cmds = append(cmds, command)
		return stdout, stderr, 0, err
	}
}

func TestStartCommand(t *testing.T) {
	cmds, run := recorder("3f2a\n", "", nil)
	m := NewManager(run, testSpecs, nil)

	require.NoError(t, m.Start(context.Background(), KindBenchmark))
	require.NoError(t, m.Start(context.Background(), KindInference))
	assert.Equal(t, []string{
		"sudo docker run -dp 4000:4000 registry.example/measure-remote:latest",
		"sudo docker run -dp 5000:5000 registry.example/measure-inference:latest",
	}, *cmds)
}

func TestStopCommand(t *testing.T) {
	cmds, run := recorder("", "", nil)
	m := NewManager(run, testSpecs, nil)

	require.NoError(t, m.Stop(context.Background(), KindBenchmark))
	assert.Equal(t,
		"sudo docker stop $(sudo docker ps -a -q --filter ancestor=registry.example/measure-remote:latest) && "+
			"sudo docker rm $(sudo docker ps -a -q --filter ancestor=registry.example/measure-remote:latest)",
		(*cmds)[0])
}

func TestStderrIsFailure(t *testing.T) {
	_, run := recorder("", "\"docker stop\" requires at least 1 argument.\nSee 'docker stop --help'.\n", nil)
	m := NewManager(run, testSpecs, nil)

	err := m.Stop(context.Background(), KindBenchmark)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandFailed))
	assert.Contains(t, err.Error(), "requires at least 1 argument")
	assert.NotContains(t, err.Error(), "docker stop --help")
}

func TestTransportFailure(t *testing.T) {
	_, run := recorder("", "", errors.New("session closed"))
	m := NewManager(run, testSpecs, nil)

	err := m.Start(context.Background(), KindBenchmark)
	assert.ErrorIs(t, err, ErrCommandFailed)
}

func TestUnknownKind(t *testing.T) {
	_, run := recorder("", "", nil)
	m := NewManager(run, testSpecs, nil)

	assert.ErrorIs(t, m.Start(context.Background(), Kind("training")), ErrUnknownKind)
}

func TestLogs(t *testing.T) {
	cmds, run := recorder("2024-01-01T00:00:01Z starting\n2024-01-01T00:00:02Z ready\n", "2024-01-01T00:00:03Z warn: slow\n", nil)
	m := NewManager(run, testSpecs, nil)

	since := time.Date(2024, 1, 1, 2, 0, 0, 0, time.FixedZone("UTC+2", 2*3600))
	lines, err := m.Logs(context.Background(), KindBenchmark, since)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"2024-01-01T00:00:01Z starting",
		"2024-01-01T00:00:02Z ready",
		"2024-01-01T00:00:03Z warn: slow",
	}, lines)
	assert.Equal(t,
		"sudo docker logs $(sudo docker ps -a -q --filter ancestor=registry.example/measure-remote:latest) --timestamps --since=2024-01-01T00:00:00Z",
		(*cmds)[0])
}

func TestLogsEmpty(t *testing.T) {
	_, run := recorder("", "", nil)
	m := NewManager(run, testSpecs, nil)

	lines, err := m.Logs(context.Background(), KindBenchmark, time.Now())
	require.NoError(t, err)
	assert.Empty(t, lines)
}
