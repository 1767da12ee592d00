package registry

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// loadedTimestamp returns the unix-seconds creation time of the local image
// tag, used to decide whether a Sync can skip re-loading the artifact.
func loadedTimestamp(ctx context.Context, cli *client.Client, tag string) (int64, error) {
	info, err := cli.ImageInspect(ctx, tag)
	if err != nil {
		return 0, err
	}
	created, err := time.Parse(time.RFC3339Nano, info.Created)
	if err != nil {
		return 0, err
	}
	return created.Unix(), nil
}

// createInteractiveContainer starts a long-lived container from image,
// keeping it alive with a foreground shell so the operator can `docker
// exec` into it and install packages.
func createInteractiveContainer(ctx context.Context, cli *client.Client, image, name string) (string, error) {
	cfg := &container.Config{
		Image:        image,
		Cmd:          []string{"sleep", "infinity"},
		Entrypoint:   []string{"/bin/sh", "-c"},
		Tty:          true,
		AttachStdin:  true,
		OpenStdin:    true,
		Labels:       map[string]string{"hakuriver.role": "preparation"},
	}
	cfg.Cmd = []string{"sleep infinity"}

	resp, err := cli.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return "", err
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func containerStopOptions(timeoutSeconds int) container.StopOptions {
	return container.StopOptions{Timeout: &timeoutSeconds}
}

func startContainer(ctx context.Context, cli *client.Client, id string) error {
	return cli.ContainerStart(ctx, id, container.StartOptions{})
}

func removeContainer(ctx context.Context, cli *client.Client, id string) error {
	return cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}
