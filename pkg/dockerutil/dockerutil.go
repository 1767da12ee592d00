// Package dockerutil holds the Docker API client helpers shared by the
// environment registry and the runner's container backend: both need to
// pull/load/save/commit images against the same daemon, just for different
// occasions.
package dockerutil

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// NewClient builds a Docker API client against host, or the platform default
// if host is empty.
func NewClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return cli, nil
}

// PullImage pulls ref and blocks until the pull completes, discarding the
// progress stream (the same "consume to completion" idiom every Docker API
// caller in the pack uses, since ImagePull returns before the pull is done).
func PullImage(ctx context.Context, cli *client.Client, ref string) error {
	out, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer out.Close()

	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("reading pull progress for %s: %w", ref, err)
	}
	return nil
}

// ImageExists reports whether ref is already present locally.
func ImageExists(ctx context.Context, cli *client.Client, ref string) (bool, error) {
	_, err := cli.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SaveImageToPath exports ref as a tar archive at path, writing to a
// temporary sibling file and renaming atomically so a reader on shared
// storage never observes a partial archive.
func SaveImageToPath(ctx context.Context, cli *client.Client, ref, path string) error {
	rc, err := cli.ImageSave(ctx, []string{ref})
	if err != nil {
		return fmt.Errorf("exporting image %s: %w", ref, err)
	}
	defer rc.Close()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp artifact %s: %w", tmp, err)
	}

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing artifact %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming artifact into place: %w", err)
	}
	return nil
}

// LoadImageFromPath imports the tar archive at path into the daemon.
func LoadImageFromPath(ctx context.Context, cli *client.Client, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening artifact %s: %w", path, err)
	}
	defer f.Close()

	resp, err := cli.ImageLoad(ctx, f)
	if err != nil {
		return fmt.Errorf("loading artifact %s: %w", path, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("reading load response for %s: %w", path, err)
	}
	return nil
}

// CommitContainer commits containerID's current filesystem as ref.
func CommitContainer(ctx context.Context, cli *client.Client, containerID, ref string) error {
	_, err := cli.ContainerCommit(ctx, containerID, container.CommitOptions{Reference: ref})
	if err != nil {
		return fmt.Errorf("committing container %s as %s: %w", containerID, ref, err)
	}
	return nil
}
