package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/imagesync"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopImageRunner implements imagesync.CommandRunner without a tarball
// directory, so EnsureSynced always falls through to "no tarball found".
type noopImageRunner struct{}

func (noopImageRunner) Run(context.Context, string, ...string) (string, error) {
	return "", context.DeadlineExceeded
}

func newTestSyncer(t *testing.T) *imagesync.Syncer {
	t.Helper()
	return imagesync.NewSyncerWithRunner(t.TempDir(), noopImageRunner{})
}

type fakeProcess struct {
	done     chan struct{}
	exitCode int
	waitErr  error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) finish(exitCode int, err error) {
	p.exitCode = exitCode
	p.waitErr = err
	close(p.done)
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.waitErr
}

func (p *fakeProcess) ExitCode() int {
	return p.exitCode
}

type fakeLauncher struct {
	mu                    sync.Mutex
	calls                 [][]string
	nextErr               error
	procs                 []*fakeProcess
	autoFinishFromCallIdx int // Start calls at or after this index complete immediately with exit 0; default 0 means all calls auto-finish. Tests that need manual control over the first (main) process set this to 1.
}

func (f *fakeLauncher) Start(_ context.Context, name string, args ...string) (Process, error) {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.nextErr != nil {
		f.mu.Unlock()
		return nil, f.nextErr
	}
	p := newFakeProcess()
	f.procs = append(f.procs, p)
	f.mu.Unlock()

	if idx >= f.autoFinishFromCallIdx {
		p.finish(0, nil)
	}
	return p, nil
}

func (f *fakeLauncher) lastArgs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func testPaths() Paths {
	return Paths{
		SharedDataDir:    "/shared-data",
		LogDir:           "/logs",
		LocalTempDir:     "/tmp/local",
		TunnelClientPath: "/opt/tunnel-client",
	}
}

func TestBuildRunArgsIncludesResourceFlags(t *testing.T) {
	e := NewWithLauncher(testPaths(), nil, &fakeLauncher{}, true, true)
	mem := int64(512 * 1024 * 1024)
	task := &types.Task{
		TaskID:              7,
		RequiredCores:       2,
		RequiredMemoryBytes: &mem,
		RequiredGPUs:        []int{0, 1},
		ReservedIP:          "10.128.64.5",
		Command:             "python3",
		Arguments:           []string{"train.py", "--epochs=1"},
	}

	args := e.buildRunArgs(task, "kohakuriver-7", "kohakuriver/myapp:base", false)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "--network kohakuriver-overlay")
	assert.Contains(t, joined, "--ip 10.128.64.5")
	assert.Contains(t, joined, "--cpus 2")
	assert.Contains(t, joined, "--memory 512m")
	assert.Contains(t, joined, "--gpus device=0,1")
	assert.Contains(t, joined, "--rm")
	assert.NotContains(t, args, "-d", "command tasks run in the foreground")
	assert.Contains(t, joined, "KOHAKURIVER_TASK_ID=7")
	assert.Contains(t, joined, "--cap-add SYS_NICE")
}

func TestBuildRunArgsOmitsRemForPersistentVPS(t *testing.T) {
	e := NewWithLauncher(testPaths(), nil, &fakeLauncher{}, false, false)
	task := &types.Task{TaskID: 9, TaskType: types.TaskTypeVPS, VPSBackend: types.VPSBackendDocker}

	args := e.buildRunArgs(task, "kohakuriver-9", "kohakuriver/vps:base", true)
	for _, a := range args {
		assert.NotEqual(t, "--rm", a)
	}
	assert.Contains(t, args, "-d", "persistent VPS containers detach")
}

func TestBuildRunArgsHonorsPrivilegedOnlyWhenRunnerAllows(t *testing.T) {
	disallowed := NewWithLauncher(testPaths(), nil, &fakeLauncher{}, false, false)
	task := &types.Task{TaskID: 1, Privileged: true}
	joined := strings.Join(disallowed.buildRunArgs(task, "c", "img", false), " ")
	assert.NotContains(t, joined, "--privileged")
	assert.Contains(t, joined, "--cap-add SYS_NICE")

	allowed := NewWithLauncher(testPaths(), nil, &fakeLauncher{}, false, true)
	joined2 := strings.Join(allowed.buildRunArgs(task, "c", "img", false), " ")
	assert.Contains(t, joined2, "--privileged")
}

func TestBuildInnerCommandUsesExecAndNumactl(t *testing.T) {
	numa := 1
	task := &types.Task{
		Command:          "myprog",
		Arguments:        []string{"--flag"},
		TargetNUMANodeID: &numa,
		StdoutPath:       "/kohakuriver-logs/out.log",
		StderrPath:       "/kohakuriver-logs/err.log",
	}
	cmd := buildInnerCommand(task)
	assert.Contains(t, cmd, "exec numactl --cpunodebind=1 --membind=1 'myprog' '--flag'")
	assert.Contains(t, cmd, "> '/kohakuriver-logs/out.log' 2> '/kohakuriver-logs/err.log'")
	assert.Contains(t, cmd, "nohup /usr/local/bin/tunnel-client")
}

func TestInterpretExitTable(t *testing.T) {
	cases := []struct {
		code int
		want types.TaskStatus
	}{
		{0, types.TaskStatusCompleted},
		{137, types.TaskStatusKilledOOM},
		{143, types.TaskStatusFailed},
		{1, types.TaskStatusFailed},
		{255, types.TaskStatusFailed},
	}
	for _, c := range cases {
		status, _ := interpretExit(c.code, nil)
		assert.Equal(t, c.want, status, "exit code %d", c.code)
	}
}

func TestExecuteReportsCompletedOnZeroExit(t *testing.T) {
	launcher := &fakeLauncher{autoFinishFromCallIdx: 1}
	e := NewWithLauncher(testPaths(), newTestSyncer(t), launcher, false, false)
	task := &types.Task{TaskID: 1, Command: "true", ContainerName: "busybox"}

	require.NoError(t, e.Execute(task))
	require.Len(t, launcher.procs, 1)
	launcher.procs[0].finish(0, nil)

	require.Eventually(t, func() bool { return len(e.DrainResults()) > 0 }, time.Second, time.Millisecond, "")
}

func TestExecuteReportsKilledOOMOn137(t *testing.T) {
	launcher := &fakeLauncher{autoFinishFromCallIdx: 1}
	e := NewWithLauncher(testPaths(), newTestSyncer(t), launcher, false, false)
	task := &types.Task{TaskID: 2, Command: "eat-memory", ContainerName: "busybox"}

	require.NoError(t, e.Execute(task))
	launcher.procs[0].finish(137, nil)

	var results []Result
	require.Eventually(t, func() bool {
		results = e.DrainResults()
		return len(results) > 0
	}, time.Second, time.Millisecond, "")
	assert.Equal(t, types.TaskStatusKilledOOM, results[0].Status)
}

func TestKillRemovesFromRunningBeforeDockerKill(t *testing.T) {
	launcher := &fakeLauncher{autoFinishFromCallIdx: 1}
	e := NewWithLauncher(testPaths(), newTestSyncer(t), launcher, false, false)
	task := &types.Task{TaskID: 3, Command: "sleep-forever", ContainerName: "busybox"}

	require.NoError(t, e.Execute(task))
	require.NoError(t, e.Kill(3))

	assert.Contains(t, launcher.lastArgs(), "kill")

	results := e.DrainResults()
	require.Len(t, results, 1)
	assert.Equal(t, types.TaskStatusKilled, results[0].Status)
}

func TestMonitorDoesNotDoubleReportAfterKill(t *testing.T) {
	launcher := &fakeLauncher{autoFinishFromCallIdx: 1}
	e := NewWithLauncher(testPaths(), newTestSyncer(t), launcher, false, false)
	task := &types.Task{TaskID: 4, Command: "sleep-forever", ContainerName: "busybox"}

	require.NoError(t, e.Execute(task))
	proc := launcher.procs[0]
	require.NoError(t, e.Kill(4))
	proc.finish(-1, context.Canceled)

	time.Sleep(20 * time.Millisecond)
	results := e.DrainResults()
	require.Len(t, results, 1, "only the Kill-issued result should be reported")
}

// fakeCmdRunner stubs the output-capturing docker invocations
// (`docker wait`).
type fakeCmdRunner struct {
	mu    sync.Mutex
	out   string
	err   error
	calls [][]string
}

func (f *fakeCmdRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.out, f.err
}

// TestDockerVPSReportsViaDockerWait: a detached VPS launch exits
// immediately; the container's real outcome comes from `docker wait`.
func TestDockerVPSReportsViaDockerWait(t *testing.T) {
	launcher := &fakeLauncher{}
	waiter := &fakeCmdRunner{out: "137\n"}
	e := NewWithLauncher(testPaths(), newTestSyncer(t), launcher, false, false)
	e.runner = waiter
	task := &types.Task{TaskID: 11, TaskType: types.TaskTypeVPS, VPSBackend: types.VPSBackendDocker, ContainerName: "vps"}

	require.NoError(t, e.Execute(task))

	var results []Result
	require.Eventually(t, func() bool {
		results = e.DrainResults()
		return len(results) > 0
	}, time.Second, time.Millisecond, "")
	assert.Equal(t, types.TaskStatusKilledOOM, results[0].Status)
	assert.Equal(t, 137, results[0].ExitCode)

	waiter.mu.Lock()
	defer waiter.mu.Unlock()
	require.Len(t, waiter.calls, 1)
	assert.Equal(t, []string{"docker", "wait", "kohakuriver-11"}, waiter.calls[0])
}

// TestStopVPSRemovesFromRunningBeforeDockerStop mirrors the kill
// coordination rule for the stop path: the docker-wait monitor must not
// emit a second report after a requested stop.
func TestStopVPSRemovesFromRunningBeforeDockerStop(t *testing.T) {
	launcher := &fakeLauncher{}
	blocked := make(chan struct{})
	waiter := &fakeCmdRunner{out: "143\n"}
	e := NewWithLauncher(testPaths(), newTestSyncer(t), launcher, false, false)
	e.runner = waitUntil(blocked, waiter)
	task := &types.Task{TaskID: 12, TaskType: types.TaskTypeVPS, VPSBackend: types.VPSBackendDocker, ContainerName: "vps"}

	require.NoError(t, e.Execute(task))
	require.NoError(t, e.StopVPS(12))
	close(blocked) // let the pending docker wait return now

	time.Sleep(20 * time.Millisecond)
	results := e.DrainResults()
	require.Len(t, results, 1, "only the StopVPS-issued result should be reported")
	assert.Equal(t, types.TaskStatusStopped, results[0].Status)
}

// waitUntil gates a CommandRunner behind a channel, simulating a
// `docker wait` that is still blocking when the stop request lands.
func waitUntil(ch <-chan struct{}, inner CommandRunner) CommandRunner {
	return gatedRunner{ch: ch, inner: inner}
}

type gatedRunner struct {
	ch    <-chan struct{}
	inner CommandRunner
}

func (g gatedRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	<-g.ch
	return g.inner.Run(ctx, name, args...)
}

func TestPauseAndResumeInvokeDockerSubcommands(t *testing.T) {
	launcher := &fakeLauncher{}
	e := NewWithLauncher(testPaths(), newTestSyncer(t), launcher, false, false)

	require.NoError(t, e.Pause(5))
	assert.Contains(t, launcher.lastArgs(), "pause")

	require.NoError(t, e.Resume(5))
	assert.Contains(t, launcher.lastArgs(), "unpause")
}
