// Package hostadapter wraps every host-side side effect the lifecycle
// controller performs: container lifecycle via the Docker Engine API
// (scoped to a per-tenant engine socket), the install/uninstall shell
// helpers, filesystem operations, and the startup readiness probe
// (spec.md §4.4).
package hostadapter

import (
	"context"
	"fmt"
	"os/user"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/gadget78/sashimono/common/retry"
)

// containerStartRetry tolerates the Docker daemon briefly reporting the
// per-user socket as unavailable right after install_user.sh finishes
// provisioning it.
var containerStartRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
}

// stopSignal matches the original agent's container create spec (spec.md §6).
const stopSignal = "SIGINT"

// createTimeout bounds how long container creation may block (spec.md §6).
const createTimeout = 120 * time.Second

// Ports is the four-slot reservation exposed on a created container.
type Ports struct {
	PeerPort       uint16
	UserPort       uint16
	GPTCPPortStart uint16
	GPUDPPortStart uint16
}

// Engine drives the Docker Engine API for a single tenant user, talking to
// that user's own per-uid engine socket (spec.md §6: `DOCKER_HOST=unix:///run/user/$(id
// -u <user>)/docker.sock`), so one tenant's containers are never visible on
// another tenant's engine.
type Engine struct {
	client *dockerclient.Client
}

// NewEngine opens a Docker Engine client against the given username's
// per-user socket, resolving the username to its uid for the socket path.
func NewEngine(username string) (*Engine, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("hostadapter: lookup user %q: %w", username, err)
	}
	host := fmt.Sprintf("unix:///run/user/%s/docker.sock", u.Uid)
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(host),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("hostadapter: docker client for %q: %w", username, err)
	}
	return &Engine{client: cli}, nil
}

// Close releases the underlying Docker client connection.
func (e *Engine) Close() error {
	return e.client.Close()
}

// Create builds and starts a container for one instance (spec.md §6):
// tty enabled, restart unless-stopped, log driver local capped at
// 5m/2 files, the contract directory bind-mounted at /contract, the full
// port set exposed, and `run /contract` as the image's argv.
func (e *Engine) Create(ctx context.Context, username, image, containerName, contractDir string, ports Ports) error {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	exposed, bindings := buildPortSet(ports)

	cfg := &container.Config{
		Image:        image,
		Tty:          true,
		Cmd:          []string{"run", "/contract"},
		ExposedPorts: exposed,
		StopSignal:   stopSignal,
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		LogConfig: container.LogConfig{
			Type: "local",
			Config: map[string]string{
				"max-size": "5m",
				"max-file": "2",
			},
		},
		PortBindings: bindings,
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: contractDir,
				Target: "/contract",
			},
		},
	}

	resp, err := e.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return fmt.Errorf("hostadapter: create container %q: %w", containerName, err)
	}

	startErr := retry.Do(ctx, containerStartRetry, func() error {
		return e.client.ContainerStart(ctx, resp.ID, container.StartOptions{})
	})
	if startErr != nil {
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("hostadapter: start container %q: %w", containerName, startErr)
	}

	_ = username // the per-user engine client already scopes this operation to username
	return nil
}

// Start starts a previously-created, stopped container without recreating it.
func (e *Engine) Start(ctx context.Context, containerName string) error {
	if err := e.client.ContainerStart(ctx, containerName, container.StartOptions{}); err != nil {
		return fmt.Errorf("hostadapter: start container %q: %w", containerName, err)
	}
	return nil
}

// Stop stops a running container.
func (e *Engine) Stop(ctx context.Context, containerName string) error {
	if err := e.client.ContainerStop(ctx, containerName, container.StopOptions{}); err != nil {
		return fmt.Errorf("hostadapter: stop container %q: %w", containerName, err)
	}
	return nil
}

// Remove force-removes a container, ignoring a not-found error: destroy is
// idempotent at the engine layer (spec.md §8 invariant 5 relies on this at
// the lifecycle layer too).
func (e *Engine) Remove(ctx context.Context, containerName string) error {
	if err := e.client.ContainerRemove(ctx, containerName, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("hostadapter: remove container %q: %w", containerName, err)
	}
	return nil
}

// Inspect returns the container's current status string (e.g. "running",
// "exited"), matching `docker inspect --format='{{json .State.Status}}'`.
func (e *Engine) Inspect(ctx context.Context, containerName string) (string, error) {
	info, err := e.client.ContainerInspect(ctx, containerName)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", ErrContainerNotFound
		}
		return "", fmt.Errorf("hostadapter: inspect container %q: %w", containerName, err)
	}
	return info.State.Status, nil
}

func buildPortSet(p Ports) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}

	add := func(port uint16, proto string) {
		np, err := nat.NewPort(proto, strconv.Itoa(int(port)))
		if err != nil {
			return
		}
		exposed[np] = struct{}{}
		bindings[np] = []nat.PortBinding{{HostPort: strconv.Itoa(int(port))}}
	}

	add(p.UserPort, "tcp")
	add(p.PeerPort, "tcp")
	add(p.PeerPort, "udp")
	add(p.GPTCPPortStart, "tcp")
	add(p.GPTCPPortStart+1, "tcp")
	add(p.GPUDPPortStart, "udp")
	add(p.GPUDPPortStart+1, "udp")

	return exposed, bindings
}
