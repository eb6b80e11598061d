package trainer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tsingmao/xwtune/internal/config"
	"github.com/tsingmao/xwtune/internal/device"
	"github.com/tsingmao/xwtune/internal/logger"
)

// Container paths the host directories are mounted at.
const (
	containerModelDir     = "/mnt/model"
	containerTokenizerDir = "/mnt/tokenizer"
	containerTrainDir     = "/mnt/data/train"
	containerEvalDir      = "/mnt/data/eval"
	containerOutputDir    = "/mnt/output"

	// removeTimeout bounds container removal after the run.
	removeTimeout = 30 * time.Second

	// shmSize is the /dev/shm size; dataloader workers share batches through it.
	shmSize = 8 << 30
)

// dockerAPI is the part of the Docker client the runner uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerRunner runs the worker in a Docker container.
//
// Each Run creates a fresh container with the GPUs, the dataset, model and
// tokenizer (read-only) and the output directory (read-write), streams its
// logs, waits for it to exit and removes it.
type DockerRunner struct {
	client  dockerAPI
	image   string
	command []string
	acc     device.Accelerator

	ensureImage func(ctx context.Context, image string) error
}

// NewDockerRunner connects to the Docker daemon.
//
// The client respects DOCKER_HOST, DOCKER_TLS_VERIFY and DOCKER_CERT_PATH.
//
// Returns:
//   - Runner bound to the daemon
//   - Error if the daemon is unreachable
func NewDockerRunner(image string, command []string, acc device.Accelerator) (*DockerRunner, error) {
	if image == "" {
		return nil, fmt.Errorf("docker image is required")
	}

	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("Docker daemon is not accessible: %w", err)
	}

	return &DockerRunner{
		client:      cli,
		image:       image,
		command:     command,
		acc:         acc,
		ensureImage: EnsureImage,
	}, nil
}

// Name implements runner.
func (r *DockerRunner) Name() string { return "docker" }

// Run starts the worker container and waits for it to exit.
func (r *DockerRunner) Run(ctx context.Context, job *Job) error {
	hostPaths, err := absPaths(job)
	if err != nil {
		return err
	}

	inner := containerJob(job)
	if err := inner.Write(filepath.Join(hostPaths.output, JobFileName)); err != nil {
		return err
	}
	if err := writeWorker(hostPaths.output); err != nil {
		return err
	}

	if err := r.ensureImage(ctx, r.image); err != nil {
		return err
	}

	cfg, hostCfg := r.containerSpec(hostPaths, job.GPUCount)
	name := fmt.Sprintf("xwtune-%d", time.Now().Unix())

	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create Docker container: %w", err)
	}
	id := resp.ID
	defer r.remove(id)

	logger.Info("Starting worker container %s (%s)", name, shortID(id))
	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	logsDone := r.streamLogs(ctx, id)

	statusCh, errCh := r.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed waiting for container: %w", err)
	case status := <-statusCh:
		<-logsDone
		if status.Error != nil {
			return fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		if status.StatusCode != 0 {
			return r.exitError(ctx, id, status.StatusCode)
		}
	}
	return nil
}

// exitError describes a failed worker container from its final state.
func (r *DockerRunner) exitError(ctx context.Context, id string, code int64) error {
	inspect, err := r.client.ContainerInspect(ctx, id)
	if err != nil || inspect.ContainerJSONBase == nil || inspect.State == nil {
		return fmt.Errorf("worker exited with status %d", code)
	}

	state := inspect.State
	switch {
	case state.OOMKilled:
		return fmt.Errorf("worker exited with status %d: killed by the out-of-memory killer", code)
	case state.Error != "":
		return fmt.Errorf("worker exited with status %d: %s", code, state.Error)
	default:
		return fmt.Errorf("worker exited with status %d", code)
	}
}

// streamLogs follows the container output into the logger until the
// container stops. The returned channel is closed when streaming ends.
func (r *DockerRunner) streamLogs(ctx context.Context, id string) <-chan struct{} {
	done := make(chan struct{})

	reader, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Warn("Failed to attach to worker logs: %v", err)
		close(done)
		return done
	}

	go func() {
		defer close(done)
		defer reader.Close()

		stdout := logger.Writer("worker")
		stderr := logger.Writer("worker")
		defer stdout.Close()
		defer stderr.Close()

		// Tty is off, so the stream carries stdcopy headers.
		if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil && ctx.Err() == nil {
			logger.Debug("Worker log stream ended: %v", err)
		}
	}()
	return done
}

// remove force-removes the container, also after cancellation.
func (r *DockerRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		logger.Warn("Failed to remove container %s: %v", shortID(id), err)
		return
	}
	logger.Debug("Removed container %s", shortID(id))
}

// hostPaths are the absolute host directories of a job.
type hostPaths struct {
	model, tokenizer, train, eval, output string
}

func absPaths(job *Job) (hostPaths, error) {
	var p hostPaths
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&p.model, job.ModelPath},
		{&p.tokenizer, job.TokenizerPath},
		{&p.train, job.TrainDataset},
		{&p.eval, job.EvalDataset},
		{&p.output, job.TrainingArgs.OutputDir},
	} {
		abs, err := filepath.Abs(f.src)
		if err != nil {
			return p, fmt.Errorf("failed to resolve %s: %w", f.src, err)
		}
		*f.dst = abs
	}
	if err := os.MkdirAll(p.output, 0755); err != nil {
		return p, fmt.Errorf("failed to create output directory: %w", err)
	}
	return p, nil
}

// containerJob rewrites the job's paths to their container mount points.
func containerJob(job *Job) *Job {
	inner := *job
	inner.ModelPath = containerModelDir
	inner.TokenizerPath = containerTokenizerDir
	inner.TrainDataset = containerTrainDir
	inner.EvalDataset = containerEvalDir
	inner.TrainingArgs.OutputDir = containerOutputDir
	return &inner
}

// containerSpec builds the container and host configuration for a run on
// gpus GPUs.
func (r *DockerRunner) containerSpec(p hostPaths, gpus int) (*container.Config, *container.HostConfig) {
	env := []string{
		JobEnv + "=" + containerOutputDir + "/" + JobFileName,
		"PYTHONPATH=" + containerOutputDir,
		"PYTHONUNBUFFERED=1",
		"HOME=/tmp",
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: p.train, Target: containerTrainDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: p.eval, Target: containerEvalDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: p.model, Target: containerModelDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: p.tokenizer, Target: containerTokenizerDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: p.output, Target: containerOutputDir},
		},
		ShmSize: shmSize,
		Init:    boolPtr(true),
	}

	sb := r.acc.Sandbox
	if sb != nil {
		for _, v := range sb.Volumes {
			src, dst := config.SplitMapping(v)
			hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{Type: mount.TypeBind, Source: src, Target: dst})
		}
		env = append(env, sb.EnvList()...)
		hostCfg.GroupAdd = sb.GroupAdd
		hostCfg.SecurityOpt = sb.SecurityOpt
		hostCfg.CapAdd = sb.Capabilities
		if sb.ShmSizeGB > 0 {
			hostCfg.ShmSize = int64(sb.ShmSizeGB) << 30
		}
	}

	switch {
	case sb.UsesDeviceNodes():
		// Device nodes expose every GPU; the vendor variable narrows them.
		for _, d := range sb.Devices {
			src, dst := config.SplitMapping(d)
			hostCfg.Resources.Devices = append(hostCfg.Resources.Devices,
				container.DeviceMapping{PathOnHost: src, PathInContainer: dst, CgroupPermissions: "rwm"})
		}
		if r.acc.VisibleDevicesEnv != "" {
			env = append(env, r.acc.VisibleDevicesEnv+"="+strings.Join(r.acc.Devices(gpus), ","))
		}
	default:
		req := container.DeviceRequest{
			Driver:       r.acc.DockerDriver,
			Capabilities: [][]string{{"gpu"}},
		}
		if r.acc.Visible != nil {
			req.DeviceIDs = r.acc.Devices(gpus)
		} else {
			req.Count = gpus
		}
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{req}
	}

	cfg := &container.Config{
		Image:      r.image,
		Cmd:        r.command,
		Env:        env,
		User:       fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		WorkingDir: containerOutputDir,
		Tty:        false,
		Labels: map[string]string{
			"xwtune.output_dir": p.output,
		},
	}
	return cfg, hostCfg
}

func boolPtr(b bool) *bool { return &b }

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
