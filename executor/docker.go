package executor

import (
	"context"
	"errors"
	"fmt"
	"io"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// WorkspaceMount is where the run's work tree appears inside step
// containers.
const WorkspaceMount = "/workspace"

// ErrNoImage is returned when a container step has no image to run in.
var ErrNoImage = errors.New("no image for container step")

// DockerRunner runs each invocation in a fresh container with the work
// tree bind mounted at WorkspaceMount.
type DockerRunner struct {
	client *docker.Client

	// Image is used when the invocation doesn't name one.
	Image string
}

// NewDockerRunner returns a DockerRunner talking to the daemon configured
// in the environment (DOCKER_HOST etc).
func NewDockerRunner(image string) (*DockerRunner, error) {
	client, err := docker.NewClientFromEnv()
	if err != nil {
		return nil, err
	}

	return &DockerRunner{client: client, Image: image}, nil
}

// Run implements Runner.
func (d *DockerRunner) Run(ctx context.Context, inv Invocation, out io.Writer) (int, error) {
	image := inv.Image
	if image == "" {
		image = d.Image
	}
	if image == "" {
		return -1, ErrNoImage
	}

	logger := logger.WithFields(log.Fields{
		"image": image,
		"dir":   inv.Dir,
	})

	if err := d.pull(ctx, image, inv.Auth); err != nil {
		logger.WithError(err).Debug("unable to pull image")
		return -1, fmt.Errorf("pulling %s: %w", image, err)
	}

	env := append([]string{}, inv.Env...)
	if inv.ToolHome != "" {
		env = append(env, "PATH="+inv.ToolHome+"/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	}

	name := fmt.Sprintf("conductor.%v", uuid.New())
	c, err := d.client.CreateContainer(docker.CreateContainerOptions{
		Name: name,
		Config: &docker.Config{
			Image:      image,
			Cmd:        inv.Argv,
			Env:        env,
			WorkingDir: WorkspaceMount,
		},
		HostConfig: &docker.HostConfig{
			Binds: []string{inv.Dir + ":" + WorkspaceMount},
		},
		Context: ctx,
	})
	if err != nil {
		logger.WithError(err).Debug("unable to create container")
		return -1, fmt.Errorf("creating container: %w", err)
	}

	logger = logger.WithField("container", c.ID)
	logger.Debug("created container")

	defer func() {
		// ctx may be done already; removal has to happen regardless.
		err := d.client.RemoveContainer(docker.RemoveContainerOptions{
			ID:    c.ID,
			Force: true,
		})
		if err != nil {
			logger.WithError(err).Warn("unable to remove container")
		}
	}()

	if err := d.client.StartContainerWithContext(c.ID, nil, ctx); err != nil {
		logger.WithError(err).Debug("unable to start container")
		return -1, fmt.Errorf("starting container: %w", err)
	}

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)

		err := d.client.Logs(docker.LogsOptions{
			Context:      ctx,
			Container:    c.ID,
			OutputStream: out,
			ErrorStream:  out,
			Follow:       true,
			Stdout:       true,
			Stderr:       true,
		})
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Debug("log stream ended with error")
		}
	}()

	code, err := d.client.WaitContainerWithContext(c.ID, ctx)
	<-logsDone

	if ctx.Err() != nil {
		logger.Debug("step cancelled, killing container")
		return -1, ctx.Err()
	}
	if err != nil {
		logger.WithError(err).Debug("unable to wait for container")
		return -1, err
	}

	logger.Debugf("container exited with status %v", code)

	return code, nil
}

func (d *DockerRunner) pull(ctx context.Context, image string, auth *RegistryAuth) error {
	repo, tag := docker.ParseRepositoryTag(image)
	if tag == "" {
		tag = "latest"
	}

	var creds docker.AuthConfiguration
	if auth != nil {
		creds = docker.AuthConfiguration{
			Username:      auth.Username,
			Password:      auth.Password,
			ServerAddress: auth.Server,
		}
	}

	logger.WithField("image", image).Debug("pulling image")

	return d.client.PullImage(docker.PullImageOptions{
		Repository: repo,
		Tag:        tag,
		Context:    ctx,
	}, creds)
}
