package docker

import (
	"context"
	"errors"
	"fmt"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

const (
	labelManagedBy = "managed-by"
	labelProblemID = "sapi.problem.id"
	labelSolver    = "sapi.solver"
	labelType      = "sapi.type"
	managedByValue = "sapiremote"
)

var (
	errNotFound         = errors.New("container not found")
	errConnectionFailed = errors.New("docker daemon unreachable")
)

// containerSpec is what the transport asks the engine to create.
type containerSpec struct {
	name       string
	image      string
	cmd        []string
	env        []string
	labels     map[string]string
	extraHosts []string
}

// containerInfo is the subset of an inspect response the transport reads.
type containerInfo struct {
	status     string
	running    bool
	exitCode   int
	errMsg     string
	finishedAt string
}

type containerSummary struct {
	id     string
	labels map[string]string
}

// engine is the container runtime the transport drives.
type engine interface {
	ping(ctx context.Context) error
	ensureImage(ctx context.Context, ref string) error
	create(ctx context.Context, spec containerSpec) (string, error)
	start(ctx context.Context, id string) error
	inspect(ctx context.Context, id string) (containerInfo, error)
	logs(ctx context.Context, id string) (io.ReadCloser, error)
	stop(ctx context.Context, id string, timeoutSeconds int) error
	remove(ctx context.Context, id string) error
	list(ctx context.Context) ([]containerSummary, error)
	close() error
}

// dockerEngine implements engine with the Docker API client.
type dockerEngine struct {
	cli *client.Client
}

func newDockerEngine() (*dockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &dockerEngine{cli: cli}, nil
}

// mapErr turns client errors into the engine sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", errNotFound, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", errConnectionFailed, err)
	default:
		return err
	}
}

func (e *dockerEngine) ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return mapErr(err)
}

func (e *dockerEngine) ensureImage(ctx context.Context, ref string) error {
	if _, err := e.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return mapErr(err)
	}
	defer reader.Close()

	// Drain reader to complete pull
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *dockerEngine) create(ctx context.Context, spec containerSpec) (string, error) {
	containerConfig := &container.Config{
		Image:  spec.image,
		Cmd:    spec.cmd,
		Env:    spec.env,
		Labels: spec.labels,
	}
	hostConfig := &container.HostConfig{
		ExtraHosts: spec.extraHosts,
	}

	resp, err := e.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.name)
	if err != nil {
		return "", mapErr(err)
	}
	return resp.ID, nil
}

func (e *dockerEngine) start(ctx context.Context, id string) error {
	return mapErr(e.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (e *dockerEngine) inspect(ctx context.Context, id string) (containerInfo, error) {
	resp, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return containerInfo{}, mapErr(err)
	}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return containerInfo{}, fmt.Errorf("container %s has no state", id)
	}
	return containerInfo{
		status:     string(resp.State.Status),
		running:    resp.State.Running,
		exitCode:   resp.State.ExitCode,
		errMsg:     resp.State.Error,
		finishedAt: resp.State.FinishedAt,
	}, nil
}

func (e *dockerEngine) logs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	return rc, mapErr(err)
}

func (e *dockerEngine) stop(ctx context.Context, id string, timeoutSeconds int) error {
	return mapErr(e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds}))
}

func (e *dockerEngine) remove(ctx context.Context, id string) error {
	return mapErr(e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}))
}

func (e *dockerEngine) list(ctx context.Context) ([]containerSummary, error) {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, mapErr(err)
	}

	out := make([]containerSummary, 0, len(containers))
	for _, c := range containers {
		out = append(out, containerSummary{id: c.ID, labels: c.Labels})
	}
	return out, nil
}

func (e *dockerEngine) close() error {
	return e.cli.Close()
}
