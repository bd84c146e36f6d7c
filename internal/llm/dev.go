package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	containerName = "billstream-ollama"
	ollamaImage   = "ollama/ollama"
	ollamaURL     = "http://localhost:11434/"
)

// StartOllamaContainer makes a local OpenAI compatible provider available for
// dev mode. An already running ollama is reused.
func StartOllamaContainer(ctx context.Context) error {
	if checkHealth(ctx, ollamaURL, 1) == nil {
		return nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	defer cli.Close()

	out, err := cli.ImagePull(ctx, ollamaImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull Docker image: %w", err)
	}
	_, _ = io.Copy(io.Discard, out)
	_ = out.Close()

	containerID := containerName
	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: ollamaImage,
		ExposedPorts: nat.PortSet{
			"11434/tcp": struct{}{},
		},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{
			"11434/tcp": []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: "11434"},
			},
		},
	}, &network.NetworkingConfig{}, nil, containerName)
	switch {
	case err == nil:
		containerID = resp.ID
	case errdefs.IsConflict(err):
		slog.InfoContext(ctx, "reusing existing ollama container", "name", containerName)
	default:
		return fmt.Errorf("failed to create container: %w", err)
	}

	if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	if err := checkHealth(ctx, ollamaURL, 10); err != nil {
		return fmt.Errorf("failed to check Ollama health: %w", err)
	}

	return nil
}

func checkHealth(ctx context.Context, url string, attempts int) error {
	backoff := 100 * time.Millisecond
	for retries := range attempts {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				slog.DebugContext(ctx, "ollama health check passed")
				return nil
			}
		}

		if retries == attempts-1 {
			break
		}
		slog.DebugContext(ctx, "ollama is not ready", "retry_in", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	return fmt.Errorf("ollama health check failed after %d attempts", attempts)
}
