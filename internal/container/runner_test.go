package container

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	local    map[string]bool
	pullErr  error
	pullBody string
	startErr error
	wait     container.WaitResponse
	waitErr  error

	created []*container.Config
	pulled  []string
	started []string
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	if f.pullBody == "" {
		f.local[ref] = true
	}
	return io.NopCloser(bytes.NewBufferString(f.pullBody)), nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.created = append(f.created, cfg)
	if !f.local[cfg.Image] {
		return container.CreateResponse{}, errdefs.NotFound(errors.New("No such image: " + cfg.Image))
	}
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.started = append(f.started, id)
	return f.startErr
}

func (f *fakeDocker) ContainerWait(_ context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.waitErr != nil {
		errCh <- f.waitErr
	} else {
		statusCh <- f.wait
	}
	return statusCh, errCh
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestRunner_RunLocalImage(t *testing.T) {
	api := &fakeDocker{local: map[string]bool{"ubuntu": true}}

	id, err := NewRunner(api, quietLogger()).Run(context.Background(), "ubuntu", "echo hi")

	require.NoError(t, err)
	assert.Equal(t, "c0ffee", id)
	assert.Empty(t, api.pulled)
	require.Len(t, api.created, 1)
	assert.Equal(t, []string{"bash", "-c", "echo hi"}, []string(api.created[0].Cmd))
	assert.Equal(t, []string{"c0ffee"}, api.started)
}

func TestRunner_RunPullsMissingImage(t *testing.T) {
	api := &fakeDocker{local: map[string]bool{}}

	id, err := NewRunner(api, quietLogger()).Run(context.Background(), "ubuntu", "true")

	require.NoError(t, err)
	assert.Equal(t, "c0ffee", id)
	assert.Equal(t, []string{"ubuntu"}, api.pulled)
	assert.Len(t, api.created, 2)
}

func TestRunner_RunImageNotFound(t *testing.T) {
	tests := []struct {
		name string
		api  *fakeDocker
	}{
		{
			name: "registry says not found",
			api:  &fakeDocker{local: map[string]bool{}, pullErr: errdefs.NotFound(errors.New("manifest unknown"))},
		},
		{
			name: "error in progress stream",
			api:  &fakeDocker{local: map[string]bool{}, pullBody: `{"errorDetail":{"message":"pull access denied"},"error":"pull access denied"}` + "\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.api, quietLogger()).Run(context.Background(), "nope", "true")

			var nf *ImageNotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, "nope", nf.Image)
			assert.Contains(t, err.Error(), "cannot find image")
			assert.Empty(t, tt.api.started)
		})
	}
}

func TestRunner_RunStartFails(t *testing.T) {
	api := &fakeDocker{local: map[string]bool{"ubuntu": true}, startErr: errors.New("port in use")}

	_, err := NewRunner(api, quietLogger()).Run(context.Background(), "ubuntu", "true")

	assert.ErrorContains(t, err, "port in use")
}

func TestRunner_Wait(t *testing.T) {
	api := &fakeDocker{wait: container.WaitResponse{StatusCode: 3}}

	code, err := NewRunner(api, quietLogger()).Wait(context.Background(), "c0ffee")

	require.NoError(t, err)
	assert.Equal(t, int64(3), code)
}

func TestRunner_WaitError(t *testing.T) {
	api := &fakeDocker{waitErr: errors.New("daemon gone")}

	code, err := NewRunner(api, quietLogger()).Wait(context.Background(), "c0ffee")

	assert.ErrorContains(t, err, "daemon gone")
	assert.Equal(t, int64(-1), code)
}

func TestRunner_Exited(t *testing.T) {
	api := &fakeDocker{wait: container.WaitResponse{StatusCode: 0}}

	select {
	case <-NewRunner(api, quietLogger()).Exited(context.Background(), "c0ffee"):
	case <-time.After(time.Second):
		t.Fatal("exit was not signalled")
	}
}
