package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
)

// ComponentLabel marks supervisor-managed containers with the component ID
// that owns them, so containers survive a supervisor restart and can be
// matched back to registry entries during reconciliation.
const ComponentLabel = "io.opp.supervisor.component"

// DockerRuntime implements Runtime against a Docker engine.
type DockerRuntime struct {
	client *client.Client
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime connects to the engine using the standard environment
// (DOCKER_HOST et al.) with API version negotiation.
func NewDockerRuntime() (*DockerRuntime, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to container engine: %w", err)
	}
	return &DockerRuntime{client: c}, nil
}

func (d *DockerRuntime) Pull(ctx context.Context, imageRef string) error {
	rc, err := d.client.ImagePull(ctx, imageRef, types.ImagePullOptions{})
	if err != nil {
		if translated := d.translate(ctx, err); translated != err {
			return translated
		}
		return fmt.Errorf("%w: %s: %s", ErrImagePull, imageRef, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrImagePull, imageRef, translateCtx(ctx, err))
	}
	log.Info().Str("image", imageRef).Msg("Pulled image")
	return nil
}

func (d *DockerRuntime) Create(ctx context.Context, componentID, imageRef string, opts CreateOptions) (string, error) {
	exposed, bindings, err := nat.ParsePortSpecs(opts.Ports)
	if err != nil {
		return "", fmt.Errorf("parsing port specs for %s: %w", componentID, err)
	}
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: imageRef,
		Labels: map[string]string{
			ComponentLabel: componentID,
		},
		ExposedPorts: exposed,
	}, &container.HostConfig{
		Resources: container.Resources{
			CPUShares: opts.Limits.CPUShares,
			Memory:    opts.Limits.MemoryBytes,
		},
		PortBindings: bindings,
	}, nil, nil, "")
	if err != nil {
		return "", d.translate(ctx, err)
	}
	log.Info().Str("component", componentID).Str("container", resp.ID).Msg("Created container")
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, containerID string) error {
	err := d.client.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		return d.translate(ctx, err)
	}
	return nil
}

func (d *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	err := d.client.ContainerStop(ctx, containerID, container.StopOptions{})
	if err != nil {
		return d.translate(ctx, err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		// Removing a container that is already gone is a success.
		if errdefs.IsNotFound(err) {
			return nil
		}
		return d.translate(ctx, err)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, containerID string) (Status, error) {
	resp, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return Status{}, d.translate(ctx, err)
	}

	status := Status{}
	if resp.State != nil {
		status.Running = resp.State.Running
		status.ExitCode = resp.State.ExitCode
		// Without a HEALTHCHECK the engine reports no health; treat a
		// plain running container as healthy.
		if resp.State.Health != nil {
			status.Healthy = resp.State.Health.Status == types.Healthy
		} else {
			status.Healthy = resp.State.Running
		}
	}
	return status, nil
}

func (d *DockerRuntime) Stats(ctx context.Context, containerID string) (Usage, error) {
	resp, err := d.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return Usage{}, d.translate(ctx, err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Usage{}, fmt.Errorf("decoding stats for %s: %w", containerID, translateCtx(ctx, err))
	}

	usage := Usage{MemoryBytes: stats.MemoryStats.Usage}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		usage.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
	}
	for _, net := range stats.Networks {
		usage.NetworkRx += net.RxBytes
		usage.NetworkTx += net.TxBytes
	}
	return usage, nil
}

func (d *DockerRuntime) RemoveImage(ctx context.Context, imageRef string) error {
	_, err := d.client.ImageRemove(ctx, imageRef, types.ImageRemoveOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return d.translate(ctx, err)
	}
	return nil
}

// translate maps engine errors onto the adapter taxonomy.
func (d *DockerRuntime) translate(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	case errdefs.IsDeadline(err):
		return ErrTimeout
	case errdefs.IsSystem(err):
		return fmt.Errorf("%w: %s", ErrResourceExhausted, err)
	default:
		return translateCtx(ctx, err)
	}
}
