package trainer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsingmao/xwtune/internal/config"
	"github.com/tsingmao/xwtune/internal/device"
)

// fakeDocker records calls and plays back a container run.
type fakeDocker struct {
	exitCode  int64
	oomKilled bool
	createErr error
	onStart   func()

	config   *container.Config
	host     *container.HostConfig
	started  bool
	removed  []string
	logsRead bool
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.config, f.host = config, hostConfig
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.started = true
	if f.onStart != nil {
		f.onStart()
	}
	return nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("{'loss': 2.5}\n"))
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte("100%|##########| 63/63\n"))
	f.logsRead = true
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, errCh
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			State: &container.State{Status: "exited", ExitCode: int(f.exitCode), OOMKilled: f.oomKilled},
		},
	}, nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	if opts.Force {
		f.removed = append(f.removed, id)
	}
	return nil
}

func testDockerRunner(api dockerAPI, acc device.Accelerator) *DockerRunner {
	return &DockerRunner{
		client:      api,
		image:       "worker:test",
		command:     []string{"python", "-m", "xwtune_worker"},
		acc:         acc,
		ensureImage: func(context.Context, string) error { return nil },
	}
}

func TestDockerRunnerRun(t *testing.T) {
	job := testJob(t)
	fake := &fakeDocker{}
	fake.onStart = func() {
		writeCheckpoint(t, job.TrainingArgs.OutputDir, 63, TrainerState{GlobalStep: 63})
	}
	r := testDockerRunner(fake, device.Accelerator{DockerDriver: "nvidia"})

	require.NoError(t, r.Run(context.Background(), job))
	assert.True(t, fake.started)
	assert.True(t, fake.logsRead)
	assert.Equal(t, []string{"0123456789abcdef0123"}, fake.removed)

	// The job file holds container paths.
	written, err := ReadJob(filepath.Join(job.TrainingArgs.OutputDir, JobFileName))
	require.NoError(t, err)
	assert.Equal(t, containerModelDir, written.ModelPath)
	assert.Equal(t, containerOutputDir, written.TrainingArgs.OutputDir)
	assert.Equal(t, containerTrainDir, written.TrainDataset)
	assert.Equal(t, job.TrainingArgs.SaveSteps, written.TrainingArgs.SaveSteps)

	assert.Equal(t, "worker:test", fake.config.Image)
	assert.Contains(t, fake.config.Env, "XWTUNE_JOB=/mnt/output/xwtune_job.json")
	assert.Contains(t, fake.config.Env, "PYTHONPATH=/mnt/output")
	assert.Equal(t, containerOutputDir, fake.config.WorkingDir)

	worker, err := os.ReadFile(filepath.Join(job.TrainingArgs.OutputDir, WorkerModule+".py"))
	require.NoError(t, err)
	assert.Equal(t, WorkerSource(), worker)
}

func TestDockerRunnerNonZeroExit(t *testing.T) {
	fake := &fakeDocker{exitCode: 137}
	r := testDockerRunner(fake, device.Accelerator{DockerDriver: "nvidia"})

	err := r.Run(context.Background(), testJob(t))
	assert.ErrorContains(t, err, "worker exited with status 137")
	assert.Len(t, fake.removed, 1)
}

func TestDockerRunnerOOMKilled(t *testing.T) {
	fake := &fakeDocker{exitCode: 137, oomKilled: true}
	r := testDockerRunner(fake, device.Accelerator{DockerDriver: "nvidia"})

	err := r.Run(context.Background(), testJob(t))
	assert.ErrorContains(t, err, "out-of-memory")
}

func TestDockerRunnerCreateFailure(t *testing.T) {
	fake := &fakeDocker{createErr: errors.New("no such image")}
	r := testDockerRunner(fake, device.Accelerator{})

	err := r.Run(context.Background(), testJob(t))
	assert.ErrorContains(t, err, "failed to create Docker container")
	assert.Empty(t, fake.removed)
}

func TestDockerRunnerImageFailure(t *testing.T) {
	fake := &fakeDocker{}
	r := testDockerRunner(fake, device.Accelerator{})
	r.ensureImage = func(context.Context, string) error { return errors.New("pull denied") }

	err := r.Run(context.Background(), testJob(t))
	assert.ErrorContains(t, err, "pull denied")
	assert.Nil(t, fake.config)
}

func mountsByTarget(mounts []mount.Mount) map[string]mount.Mount {
	m := make(map[string]mount.Mount)
	for _, mt := range mounts {
		m[mt.Target] = mt
	}
	return m
}

func TestContainerSpecNvidia(t *testing.T) {
	job := testJob(t)
	paths, err := absPaths(job)
	require.NoError(t, err)

	r := testDockerRunner(&fakeDocker{}, device.Accelerator{DockerDriver: "nvidia", Visible: []string{"2", "3"}})
	cfg, host := r.containerSpec(paths, 2)

	mounts := mountsByTarget(host.Mounts)
	require.Len(t, mounts, 5)
	for _, target := range []string{containerTrainDir, containerEvalDir, containerModelDir, containerTokenizerDir} {
		assert.True(t, mounts[target].ReadOnly, target)
	}
	assert.False(t, mounts[containerOutputDir].ReadOnly)
	assert.Equal(t, paths.output, mounts[containerOutputDir].Source)
	assert.True(t, filepath.IsAbs(mounts[containerTrainDir].Source))

	require.Len(t, host.DeviceRequests, 1)
	assert.Equal(t, "nvidia", host.DeviceRequests[0].Driver)
	assert.Equal(t, []string{"2", "3"}, host.DeviceRequests[0].DeviceIDs)
	assert.Equal(t, [][]string{{"gpu"}}, host.DeviceRequests[0].Capabilities)
	assert.Empty(t, host.Devices)

	assert.Equal(t, []string{"python", "-m", "xwtune_worker"}, []string(cfg.Cmd))
	assert.False(t, cfg.Tty)

	// Fewer GPUs than visible takes the first ones.
	_, host = r.containerSpec(paths, 1)
	assert.Equal(t, []string{"2"}, host.DeviceRequests[0].DeviceIDs)
}

func TestContainerSpecGPUCount(t *testing.T) {
	paths, err := absPaths(testJob(t))
	require.NoError(t, err)

	_, host := testDockerRunner(&fakeDocker{}, device.Accelerator{DockerDriver: "nvidia"}).containerSpec(paths, 2)
	require.Len(t, host.DeviceRequests, 1)
	assert.Equal(t, 2, host.DeviceRequests[0].Count)
	assert.Empty(t, host.DeviceRequests[0].DeviceIDs)
}

func TestDockerRunnerLimitsGPUs(t *testing.T) {
	job := testJob(t)
	job.GPUCount = 2
	fake := &fakeDocker{}
	fake.onStart = func() {
		writeCheckpoint(t, job.TrainingArgs.OutputDir, 63, TrainerState{GlobalStep: 63})
	}

	require.NoError(t, testDockerRunner(fake, device.Accelerator{DockerDriver: "nvidia"}).Run(context.Background(), job))
	require.Len(t, fake.host.DeviceRequests, 1)
	assert.Equal(t, 2, fake.host.DeviceRequests[0].Count)
}

func TestContainerSpecAMD(t *testing.T) {
	paths, err := absPaths(testJob(t))
	require.NoError(t, err)

	acc := device.Accelerator{
		DockerDriver:      "amd",
		VisibleDevicesEnv: "HIP_VISIBLE_DEVICES",
		Visible:           []string{"0", "1"},
		Sandbox: &config.SandboxConfig{
			Devices:     []string{"/dev/kfd", "/dev/dri"},
			Volumes:     []string{"/opt/rocm:/opt/rocm-host"},
			Environment: map[string]string{"HSA_FORCE_FINE_GRAIN_PCIE": "1"},
			GroupAdd:    []string{"video"},
			SecurityOpt: []string{"seccomp=unconfined"},
			ShmSizeGB:   16,
		},
	}
	cfg, host := testDockerRunner(&fakeDocker{}, acc).containerSpec(paths, 2)

	assert.Empty(t, host.DeviceRequests)
	require.Len(t, host.Devices, 2)
	assert.Equal(t, "/dev/kfd", host.Devices[0].PathOnHost)
	assert.Equal(t, "rwm", host.Devices[1].CgroupPermissions)
	assert.Equal(t, []string{"video"}, host.GroupAdd)
	assert.Equal(t, int64(16)<<30, host.ShmSize)
	assert.Contains(t, cfg.Env, "HIP_VISIBLE_DEVICES=0,1")
	assert.Contains(t, cfg.Env, "HSA_FORCE_FINE_GRAIN_PCIE=1")

	mounts := mountsByTarget(host.Mounts)
	require.Len(t, mounts, 6)
	assert.Equal(t, "/opt/rocm", mounts["/opt/rocm-host"].Source)

	// Without a visibility list the first N devices are exposed.
	acc.Visible = nil
	cfg, _ = testDockerRunner(&fakeDocker{}, acc).containerSpec(paths, 3)
	assert.Contains(t, cfg.Env, "HIP_VISIBLE_DEVICES=0,1,2")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
	assert.Equal(t, "abc", shortID("abc"))
}
