package vpn

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

var _ Engine = (*DockerEngine)(nil)

// DockerEngine drives the local Docker daemon.
type DockerEngine struct {
	cli          *client.Client
	registryAuth string
	logger       *slog.Logger
}

// NewDockerEngine connects using the standard DOCKER_* environment. auth is
// used when an image has to be pulled; a zero value pulls anonymously.
func NewDockerEngine(auth registry.AuthConfig, logger *slog.Logger) (*DockerEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	e := &DockerEngine{cli: cli, logger: logger.With("component", "docker")}
	if auth.Username != "" {
		encoded, err := registry.EncodeAuthConfig(auth)
		if err != nil {
			return nil, fmt.Errorf("encode registry auth: %w", err)
		}
		e.registryAuth = encoded
	}
	return e, nil
}

// Ping checks the daemon is reachable.
func (e *DockerEngine) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}

// Close releases the client.
func (e *DockerEngine) Close() error { return e.cli.Close() }

func (e *DockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{Image: spec.Image, Env: spec.Env}
	host := &container.HostConfig{
		CapAdd:      strslice.StrSlice(spec.CapAdd),
		NetworkMode: container.NetworkMode(spec.NetworkMode),
	}
	for _, d := range spec.Devices {
		host.Resources.Devices = append(host.Resources.Devices, container.DeviceMapping{
			PathOnHost:        d.HostPath,
			PathInContainer:   d.ContainerPath,
			CgroupPermissions: "rwm",
		})
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if client.IsErrNotFound(err) {
		if err := e.pull(ctx, spec.Image); err != nil {
			return "", err
		}
		resp, err = e.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	}
	if err != nil {
		return "", fmt.Errorf("create container from %s: %w", spec.Image, err)
	}
	for _, w := range resp.Warnings {
		e.logger.Warn("container create warning", "container", resp.ID, "warning", w)
	}
	return resp.ID, nil
}

func (e *DockerEngine) pull(ctx context.Context, ref string) error {
	e.logger.Info("pulling image", "image", ref)
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: e.registryAuth})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

func (e *DockerEngine) CopyArchive(ctx context.Context, id, dst string, archive io.Reader) error {
	return e.cli.CopyToContainer(ctx, id, dst, archive, container.CopyToContainerOptions{})
}

func (e *DockerEngine) StartContainer(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *DockerEngine) FollowLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		_ = pw.CloseWithError(err)
	}()
	return &demuxed{PipeReader: pr, src: rc}, nil
}

// demuxed closes the raw log stream along with the pipe so the copier exits.
type demuxed struct {
	*io.PipeReader
	src io.ReadCloser
}

func (d *demuxed) Close() error {
	_ = d.src.Close()
	return d.PipeReader.Close()
}

func (e *DockerEngine) ContainerIP(ctx context.Context, id string) (string, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", err
	}
	if info.NetworkSettings == nil {
		return "", nil
	}
	return info.NetworkSettings.IPAddress, nil
}

func (e *DockerEngine) StopContainer(ctx context.Context, id string) error {
	return e.cli.ContainerStop(ctx, id, container.StopOptions{})
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}
