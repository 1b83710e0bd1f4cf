package sandboxd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerSpec is the fixed creation spec for a sandbox container.
type ContainerSpec struct {
	Image      string
	Name       string
	Labels     map[string]string
	WorkingDir string
}

// ContainerInfo is the subset of container state the service cares about.
type ContainerInfo struct {
	ID     string
	Name   string
	Status string
	Labels map[string]string
}

// ExecOpts control a single in-container exec.
type ExecOpts struct {
	WorkingDir string
}

// ExecResult carries the demultiplexed output of a finished exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// PathStat describes a path inside a container, as reported by the archive API.
type PathStat struct {
	Name string
	Size int64
}

// ContainerRuntime is a thin typed facade over the container engine. All
// errors are either not-found (test with IsNotFound) or runtime errors.
type ContainerRuntime interface {
	Get(ctx context.Context, id string) (*ContainerInfo, error)
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, graceSeconds int) error
	Remove(ctx context.Context, id string, force bool) error
	Exec(ctx context.Context, id string, argv []string, opts ExecOpts) (*ExecResult, error)
	PutArchive(ctx context.Context, id, path string, tarStream io.Reader) error
	GetArchive(ctx context.Context, id, path string) (io.ReadCloser, *PathStat, error)
	List(ctx context.Context, all bool, labelFilters map[string]string) ([]ContainerInfo, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	ImageExists(ctx context.Context, tag string) (bool, error)
	BuildImage(ctx context.Context, contextDir, dockerfile, tag string) (io.ReadCloser, error)
}

type notFoundError struct{ err error }

func (e *notFoundError) Error() string { return e.err.Error() }
func (e *notFoundError) Unwrap() error { return e.err }

// IsNotFound reports whether err represents a missing container or image.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*notFoundError); ok {
		return true
	}
	return errdefs.IsNotFound(err)
}

type dockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the local container engine using the
// standard environment (DOCKER_HOST etc.).
func NewDockerRuntime() (ContainerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize container runtime client: %w", err)
	}
	return &dockerRuntime{cli: cli}, nil
}

func (d *dockerRuntime) Get(ctx context.Context, id string) (*ContainerInfo, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, wrapRuntimeErr(err)
	}
	return &ContainerInfo{
		ID:     info.ID,
		Name:   strings.TrimPrefix(info.Name, "/"),
		Status: info.State.Status,
		Labels: info.Config.Labels,
	}, nil
}

func (d *dockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	const memLimit = 1 << 30 // 1 GiB, swap limit equal so swap is disabled
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			WorkingDir: spec.WorkingDir,
			Labels:     spec.Labels,
			Tty:        false,
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory:     memLimit,
				MemorySwap: memLimit,
			},
			NetworkMode: "bridge",
			Privileged:  false,
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
		},
		nil, nil, spec.Name)
	if err != nil {
		return "", wrapRuntimeErr(err)
	}
	return resp.ID, nil
}

func (d *dockerRuntime) Start(ctx context.Context, id string) error {
	return wrapRuntimeErr(d.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (d *dockerRuntime) Stop(ctx context.Context, id string, graceSeconds int) error {
	return wrapRuntimeErr(d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &graceSeconds}))
}

func (d *dockerRuntime) Remove(ctx context.Context, id string, force bool) error {
	return wrapRuntimeErr(d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}))
}

// Exec runs argv non-interactively with no TTY and captures the
// demultiplexed stdout and stderr streams.
func (d *dockerRuntime) Exec(ctx context.Context, id string, argv []string, opts ExecOpts) (*ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   opts.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return nil, wrapRuntimeErr(err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: false})
	if err != nil {
		return nil, wrapRuntimeErr(err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, wrapRuntimeErr(err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (d *dockerRuntime) PutArchive(ctx context.Context, id, path string, tarStream io.Reader) error {
	return wrapRuntimeErr(d.cli.CopyToContainer(ctx, id, path, tarStream, container.CopyToContainerOptions{}))
}

func (d *dockerRuntime) GetArchive(ctx context.Context, id, path string) (io.ReadCloser, *PathStat, error) {
	rc, stat, err := d.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		return nil, nil, wrapRuntimeErr(err)
	}
	return rc, &PathStat{Name: stat.Name, Size: stat.Size}, nil
}

func (d *dockerRuntime) List(ctx context.Context, all bool, labelFilters map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labelFilters {
		if v == "" {
			args.Add("label", k)
		} else {
			args.Add("label", k+"="+v)
		}
	}
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: all, Filters: args})
	if err != nil {
		return nil, wrapRuntimeErr(err)
	}
	out := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Status: c.State,
			Labels: c.Labels,
		})
	}
	return out, nil
}

func (d *dockerRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", wrapRuntimeErr(err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		// Fall back to the raw stream for TTY containers.
		raw, rerr := io.ReadAll(rc)
		if rerr != nil {
			return buf.String(), nil
		}
		buf.Write(raw)
	}
	return buf.String(), nil
}

func (d *dockerRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, tag)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, wrapRuntimeErr(err)
	}
	return true, nil
}

// BuildImage builds tag from contextDir using the named dockerfile,
// pruning intermediate containers. The caller consumes and closes the
// returned build log stream.
func (d *dockerRuntime) BuildImage(ctx context.Context, contextDir, dockerfile, tag string) (io.ReadCloser, error) {
	buildCtx, err := tarDirectory(contextDir)
	if err != nil {
		return nil, fmt.Errorf("failed to pack build context: %w", err)
	}
	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return nil, wrapRuntimeErr(err)
	}
	return resp.Body, nil
}

func wrapRuntimeErr(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return &notFoundError{err: err}
	}
	return err
}
