package vpn

import (
	"context"
	"io"
)

// Device maps a host device node into a container.
type Device struct {
	HostPath      string
	ContainerPath string
}

// ContainerSpec is the subset of container settings the session pair needs.
type ContainerSpec struct {
	Name        string
	Image       string
	Env         []string
	CapAdd      []string
	Devices     []Device
	NetworkMode string
}

// Engine is the container runtime the session manager drives.
type Engine interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	// CopyArchive extracts a tar stream into dst inside the container.
	CopyArchive(ctx context.Context, id, dst string, archive io.Reader) error
	StartContainer(ctx context.Context, id string) error
	// FollowLogs streams combined stdout and stderr until the container
	// exits or the returned reader is closed.
	FollowLogs(ctx context.Context, id string) (io.ReadCloser, error)
	ContainerIP(ctx context.Context, id string) (string, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
}
