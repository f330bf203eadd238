// Package engine owns the connection to a remote Docker Engine endpoint and
// executes validated operations against it.
//
// The Manager models the connection as an explicit state machine
// (Disconnected, Connected, Degraded) instead of a bare nullable handle, so
// reconnect behavior is observable and testable independent of the SDK
// client. The Executor layers guarded operations on top.
//
// A Manager holds a single logical connection and is not safe for concurrent
// use; callers that need parallelism must serialize access or own one
// Manager each.
package engine

import (
	"context"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bdobrica/dockwarden/internal/warden/observability"
)

// State describes the connection lifecycle.
type State int

const (
	// StateDisconnected means no usable client handle exists.
	StateDisconnected State = iota
	// StateConnected means the last liveness probe succeeded.
	StateConnected
	// StateDegraded means a probe failed and a reconnect is in progress.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// engineAPI is the slice of the Docker SDK client this package uses. The
// production dialer returns a *client.Client; tests inject fakes.
type engineAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	Info(ctx context.Context) (system.Info, error)
	Close() error
}

type dialFunc func(endpoint string) (engineAPI, error)

// sdkDial builds a Docker SDK client for a tcp endpoint.
func sdkDial(endpoint string) (engineAPI, error) {
	return dockerclient.NewClientWithOpts(
		dockerclient.WithHost("tcp://"+endpoint),
		dockerclient.WithAPIVersionNegotiation(),
	)
}

// Manager owns the client handle for one engine endpoint.
type Manager struct {
	endpoint string
	dial     dialFunc
	cli      engineAPI
	state    State
}

// NewManager returns a Manager for the given "host:port" endpoint. No
// connection is attempted until EnsureConnected.
func NewManager(endpoint string) *Manager {
	return &Manager{endpoint: endpoint, dial: sdkDial}
}

// Endpoint returns the immutable endpoint this manager was built for.
func (m *Manager) Endpoint() string { return m.endpoint }

// State returns the current connection state.
func (m *Manager) State() State { return m.state }

// EnsureConnected makes the connection usable or fails with a
// ConnectivityError. When already Connected it issues a single lightweight
// liveness probe and returns immediately on success; on probe failure the
// connection is marked Degraded and one fresh connect is attempted. The
// method is idempotent and never retries beyond that single attempt.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if m.state == StateConnected && m.cli != nil {
		_, err := m.cli.Ping(ctx)
		if err == nil {
			return nil
		}
		m.state = StateDegraded
		observability.WithTrace(ctx).Warn("engine liveness probe failed, reconnecting",
			"endpoint", m.endpoint, "err", err)
	}
	return m.connect(ctx)
}

// connect discards any existing handle and performs one fresh connect+ping.
func (m *Manager) connect(ctx context.Context) error {
	if m.cli != nil {
		_ = m.cli.Close()
		m.cli = nil
	}

	cli, err := m.dial(m.endpoint)
	if err != nil {
		m.state = StateDisconnected
		return &ConnectivityError{Endpoint: m.endpoint, Err: err}
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		m.state = StateDisconnected
		return &ConnectivityError{Endpoint: m.endpoint, Err: err}
	}

	m.cli = cli
	m.state = StateConnected
	slog.Info("connected to engine", "endpoint", m.endpoint)
	return nil
}

// api returns the live client handle. Callers must have run EnsureConnected
// on the same call path first.
func (m *Manager) api() engineAPI { return m.cli }

// Close releases the client handle and returns the manager to Disconnected.
func (m *Manager) Close() error {
	m.state = StateDisconnected
	if m.cli == nil {
		return nil
	}
	err := m.cli.Close()
	m.cli = nil
	return err
}
