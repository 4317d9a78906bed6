package sandbox

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace workers are created under.
	DefaultNamespace = "forge"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Status is the coarse lifecycle state of a sandbox container.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusFailed  Status = "failed"
)

// Resources caps the CPU and memory a sandbox container may consume, since
// workers run untrusted agent-generated commands.
type Resources struct {
	CPULimit    float64 // cores; 0 means unlimited
	MemoryLimit int64   // bytes; 0 means unlimited
}

// Spec describes the sandbox a worker manager asks the runtime to create:
// an image keyed by mode, the environment the agent process inside it needs
// to reach the control API, its resource caps, and the repo checkout it
// mounts read-write at /workspace.
type Spec struct {
	ID             string
	Image          string
	Env            []string
	Resources      Resources
	WorkspaceMount string
}

// Runtime drives containerd to create, start, stop, and delete the
// containers that host coding-agent workers.
type Runtime struct {
	client    *containerd.Client
	namespace string
}

// NewRuntime connects to the containerd socket at socketPath.
func NewRuntime(socketPath string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &Runtime{client: client, namespace: DefaultNamespace}, nil
}

func (r *Runtime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls spec's image, unpacking it for the configured snapshotter.
func (r *Runtime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	return nil
}

// CreateContainer creates (but does not start) a container from spec.
func (r *Runtime) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}

	if spec.Resources.CPULimit > 0 {
		shares := uint64(spec.Resources.CPULimit * 1024)
		quota := int64(spec.Resources.CPULimit * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares))
		opts = append(opts, oci.WithCPUCFS(quota, period))
	}
	if spec.Resources.MemoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.Resources.MemoryLimit)))
	}
	if spec.WorkspaceMount != "" {
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Destination: "/workspace",
			Type:        "bind",
			Source:      spec.WorkspaceMount,
			Options:     []string{"rbind", "rw"},
		}}))
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return ctrdContainer.ID(), nil
}

// StartContainer creates and starts the container's task.
func (r *Runtime) StartContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	return nil
}

// StopContainer sends SIGTERM, waits up to timeout, then SIGKILLs.
func (r *Runtime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal task: %w", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill task: %w", err)
		}
	}
	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// DeleteContainer stops (best-effort) and removes a container and its
// snapshot. A missing container is not an error.
func (r *Runtime) DeleteContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	_ = r.StopContainer(ctx, containerID, 10*time.Second)
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container: %w", err)
	}
	return nil
}

// Status reports the coarse lifecycle state of a container.
func (r *Runtime) Status(ctx context.Context, containerID string) (Status, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return StatusFailed, fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return StatusPending, nil
	}
	taskStatus, err := task.Status(ctx)
	if err != nil {
		return StatusFailed, fmt.Errorf("task status: %w", err)
	}
	switch taskStatus.Status {
	case containerd.Running, containerd.Paused:
		return StatusRunning, nil
	case containerd.Stopped:
		if taskStatus.ExitStatus == 0 {
			return StatusExited, nil
		}
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}

// IsRunning reports whether containerID currently has a running task.
func (r *Runtime) IsRunning(ctx context.Context, containerID string) bool {
	status, err := r.Status(ctx, containerID)
	return err == nil && status == StatusRunning
}
