package executor

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerRestarter implements ContainerRestarter against the local Docker
// daemon. Homelab services run as named compose containers, so the service
// parameter doubles as the container name.
type DockerRestarter struct{}

// NewDockerRestarter returns the daemon-backed restarter.
func NewDockerRestarter() *DockerRestarter {
	return &DockerRestarter{}
}

// RestartContainer implements ContainerRestarter.
func (d *DockerRestarter) RestartContainer(ctx context.Context, name string, timeoutSeconds int) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	if err := cli.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("container restart: %w", err)
	}
	return nil
}
