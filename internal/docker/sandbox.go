package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/TNLegend/SMIA/internal/sandbox"
)

var _ sandbox.Runtime = (*Client)(nil)

// Start creates and starts a sandbox container for the invocation. The image
// is pulled first when it is not present locally.
func (c *Client) Start(ctx context.Context, inv sandbox.Invocation) (sandbox.Process, error) {
	if c == nil || c.inner == nil {
		return nil, fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(inv.Image) == "" {
		return nil, fmt.Errorf("image name cannot be empty")
	}
	if err := c.ensureImage(ctx, inv.Image); err != nil {
		return nil, err
	}
	if inv.Name != "" {
		// A previous attempt for the same run may have left its container behind.
		if err := c.RemoveContainer(ctx, inv.Name); err != nil {
			return nil, err
		}
	}

	config := &container.Config{
		Image:           inv.Image,
		Entrypoint:      inv.Entrypoint,
		Cmd:             inv.Cmd,
		Labels:          inv.Labels,
		NetworkDisabled: inv.Limits.NetworkDisabled,
	}
	hostCfg := &container.HostConfig{
		Mounts: toMounts(inv.Mounts),
		Resources: container.Resources{
			NanoCPUs: inv.Limits.NanoCPUs,
			Memory:   inv.Limits.MemoryBytes,
		},
	}
	if inv.Limits.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, inv.Name)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		c.removeQuietly(created.ID)
		return nil, fmt.Errorf("container start: %w", err)
	}

	logs, err := c.inner.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		c.removeQuietly(created.ID)
		return nil, fmt.Errorf("container logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, logs)
		_ = logs.Close()
		_ = pw.CloseWithError(copyErr)
	}()

	return &containerProcess{client: c, id: created.ID, logs: logs, out: pr}, nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (c *Client) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := c.inner.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}
	reader, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (c *Client) removeQuietly(id string) {
	_ = c.inner.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func toMounts(in []sandbox.Mount) []mount.Mount {
	out := make([]mount.Mount, 0, len(in))
	for _, m := range in {
		out = append(out, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}

type containerProcess struct {
	client *Client
	id     string
	logs   io.ReadCloser
	out    *io.PipeReader
	once   sync.Once
}

func (p *containerProcess) Output() io.Reader { return p.out }

// Wait blocks until the container stops and returns the exit code.
func (p *containerProcess) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := p.client.inner.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		if client.IsErrNotFound(err) {
			return -1, fmt.Errorf("container %s: %w", p.id, ErrNotFound)
		}
		return -1, fmt.Errorf("wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return int(status.StatusCode), fmt.Errorf("wait for container: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill sends SIGKILL; a container that already stopped is not an error.
func (p *containerProcess) Kill(ctx context.Context) error {
	err := p.client.inner.ContainerKill(ctx, p.id, "SIGKILL")
	if err == nil || client.IsErrNotFound(err) || strings.Contains(err.Error(), "is not running") {
		return nil
	}
	return fmt.Errorf("kill container: %w", err)
}

// Close detaches from the log stream and force-removes the container.
func (p *containerProcess) Close() error {
	var err error
	p.once.Do(func() {
		_ = p.logs.Close()
		_ = p.out.Close()
		ctx := context.Background()
		if rmErr := p.client.inner.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true, RemoveVolumes: true}); rmErr != nil && !client.IsErrNotFound(rmErr) {
			err = errors.Join(err, fmt.Errorf("remove container: %w", rmErr))
		}
	})
	return err
}
