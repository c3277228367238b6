// Package container runs the workload whose output is forwarded.
package container

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

// API is the part of the Docker client used to manage the workload
type API interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
}

// ImageNotFoundError is returned when an image is neither local nor pullable
type ImageNotFoundError struct {
	Image string
	Err   error
}

func (e *ImageNotFoundError) Error() string {
	return fmt.Sprintf("cannot find image %s: %v", e.Image, e.Err)
}

func (e *ImageNotFoundError) Unwrap() error {
	return e.Err
}

// Runner creates and supervises containers
type Runner struct {
	api API
	log *logrus.Entry
}

// NewRunner creates a runner using the given Docker client
func NewRunner(api API, log *logrus.Entry) *Runner {
	return &Runner{api: api, log: log}
}

// Run starts a detached container executing command with bash, pulling
// imageRef first when it is not available locally. It returns the container ID.
func (r *Runner) Run(ctx context.Context, imageRef, command string) (string, error) {
	cfg := &container.Config{
		Image: imageRef,
		Cmd:   []string{"bash", "-c", command},
	}

	resp, err := r.api.ContainerCreate(ctx, cfg, nil, nil, nil, "")
	if errdefs.IsNotFound(err) {
		r.log.WithField("image", imageRef).Info("Image not found locally, pulling")
		if err := r.pull(ctx, imageRef); err != nil {
			return "", err
		}
		resp, err = r.api.ContainerCreate(ctx, cfg, nil, nil, nil, "")
	}
	if err != nil {
		return "", fmt.Errorf("failed to create container from %s: %w", imageRef, err)
	}
	for _, w := range resp.Warnings {
		r.log.WithField("container", resp.ID).Warn(w)
	}

	if err := r.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	r.log.WithFields(logrus.Fields{"container": resp.ID, "image": imageRef}).Info("Started container")
	return resp.ID, nil
}

func (r *Runner) pull(ctx context.Context, imageRef string) error {
	rc, err := r.api.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &ImageNotFoundError{Image: imageRef, Err: err}
		}
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	defer rc.Close()

	// pull failures are reported inside the progress stream
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return &ImageNotFoundError{Image: imageRef, Err: err}
	}
	return nil
}

// Wait blocks until the container stops and returns its exit code
func (r *Runner) Wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := r.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return -1, fmt.Errorf("failed to wait for container %s: %w", containerID, err)
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("container %s: %s", containerID, status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

// Exited returns a channel closed once the container stops or ctx ends
func (r *Runner) Exited(ctx context.Context, containerID string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		code, err := r.Wait(ctx, containerID)
		if err != nil && ctx.Err() == nil {
			r.log.WithError(err).Warn("Lost track of container")
			return
		}
		r.log.WithFields(logrus.Fields{"container": containerID, "exit_code": code}).Info("Container exited")
	}()
	return done
}
