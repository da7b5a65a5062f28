// Package executor runs Runner-side command and Docker-VPS tasks as
// docker subprocesses, tracking them in a local task map and queueing
// terminal results for the Runner's heartbeat sender to drain.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/KohakuBlueleaf/kohakuriver/internal/imagesync"
	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/KohakuBlueleaf/kohakuriver/internal/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/rs/zerolog"
)

// Launcher starts a subprocess and hands back a handle to wait on it.
// Abstracted so tests can swap in a fake without shelling out to docker.
type Launcher interface {
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// CommandRunner runs a subprocess to completion and returns its stdout,
// for docker invocations whose output matters (`docker wait`).
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execCmdRunner struct{}

func (execCmdRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// Process is a running subprocess.
type Process interface {
	Wait() error
	ExitCode() int
}

type execLauncher struct{}

func (execLauncher) Start(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go drainStderr(stderr)
	return &execProcess{cmd: cmd}, nil
}

func drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
	}
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Paths bundles the Runner's local directory layout that tasks are
// mounted against.
type Paths struct {
	SharedDataDir    string
	LogDir           string
	LocalTempDir     string
	TunnelClientPath string
	TunnelURL        string
}

// Result is one task's terminal outcome, queued for the next heartbeat.
type Result struct {
	TaskID       int64
	Status       types.TaskStatus
	ExitCode     int
	ErrorMessage string
}

type execution struct {
	task        *types.Task
	cancel      context.CancelFunc
	killedBy    types.TaskStatus // not set by any code path; Kill and StopVPS remove the task from running instead, which keeps the monitor from reporting it twice
	containerID string
}

// Executor launches and tracks docker-subprocess task executions. One
// Executor instance serves both one-shot command tasks and Docker VPS
// tasks; QEMU VPS tasks are handled by internal/vm instead.
type Executor struct {
	paths      Paths
	syncer     *imagesync.Syncer
	launcher   Launcher
	runner     CommandRunner
	overlayOn  bool
	privileged bool // runner-wide allow-privileged flag

	mu      sync.Mutex
	running map[int64]*execution
	results []Result

	logger zerolog.Logger
}

// New builds an Executor backed by the real docker CLI.
func New(paths Paths, syncer *imagesync.Syncer, overlayOn, allowPrivileged bool) *Executor {
	return &Executor{
		paths:      paths,
		syncer:     syncer,
		launcher:   execLauncher{},
		runner:     execCmdRunner{},
		overlayOn:  overlayOn,
		privileged: allowPrivileged,
		running:    make(map[int64]*execution),
		logger:     kohakulog.WithComponent("executor"),
	}
}

// NewWithLauncher builds an Executor with an injected Launcher, for tests.
func NewWithLauncher(paths Paths, syncer *imagesync.Syncer, launcher Launcher, overlayOn, allowPrivileged bool) *Executor {
	e := New(paths, syncer, overlayOn, allowPrivileged)
	e.launcher = launcher
	return e
}

// Execute starts task as a `docker run --rm` container (command tasks,
// run in the foreground so the CLI's exit code mirrors the container's)
// or a detached persistent one (Docker VPS tasks, watched via `docker
// wait`), and monitors it to completion in the background. Results are
// picked up later via DrainResults.
func (e *Executor) Execute(task *types.Task) error {
	containerName := fmt.Sprintf("kohakuriver-%d", task.TaskID)

	imageRef, err := e.syncer.EnsureSynced(context.Background(), task.ContainerName, task.RegistryImage)
	if err != nil {
		return fmt.Errorf("executor: image sync: %w", err)
	}

	persistent := task.TaskType == types.TaskTypeVPS && task.VPSBackend == types.VPSBackendDocker
	args := e.buildRunArgs(task, containerName, imageRef, persistent)

	ctx, cancel := context.WithCancel(context.Background())
	ex := &execution{task: task, cancel: cancel, containerID: containerName}

	e.mu.Lock()
	e.running[task.TaskID] = ex
	e.mu.Unlock()

	proc, err := e.launcher.Start(ctx, "docker", args...)
	if err != nil {
		cancel()
		e.mu.Lock()
		delete(e.running, task.TaskID)
		e.mu.Unlock()
		return fmt.Errorf("executor: start docker run: %w", err)
	}

	e.logger.Info().Int64("task_id", task.TaskID).Str("container", containerName).Msg("task started")
	if persistent {
		go e.monitorPersistent(task.TaskID, containerName, proc)
	} else {
		go e.monitor(task.TaskID, proc)
	}
	return nil
}

func (e *Executor) monitor(taskID int64, proc Process) {
	err := proc.Wait()

	e.mu.Lock()
	_, ok := e.running[taskID]
	if ok {
		delete(e.running, taskID)
	}
	e.mu.Unlock()
	if !ok {
		// Already removed by Kill; that path reports its own result.
		return
	}

	exitCode := proc.ExitCode()
	status, errMsg := interpretExit(exitCode, err)
	if status == types.TaskStatusFailed {
		metrics.TasksFailed.Inc()
	}
	e.pushResult(Result{TaskID: taskID, Status: status, ExitCode: exitCode, ErrorMessage: errMsg})
	e.logger.Info().Int64("task_id", taskID).Int("exit_code", exitCode).Str("status", string(status)).Msg("task exited")
}

// monitorPersistent watches a detached VPS container. The `docker run -d`
// launch process exits as soon as the container starts; the container's
// real outcome comes from `docker wait`, which blocks until it exits and
// prints the exit code.
func (e *Executor) monitorPersistent(taskID int64, containerID string, launch Process) {
	if err := launch.Wait(); err != nil || launch.ExitCode() != 0 {
		e.mu.Lock()
		_, tracked := e.running[taskID]
		delete(e.running, taskID)
		e.mu.Unlock()
		if tracked {
			metrics.TasksFailed.Inc()
			e.pushResult(Result{
				TaskID:       taskID,
				Status:       types.TaskStatusFailed,
				ExitCode:     launch.ExitCode(),
				ErrorMessage: "docker run failed to start container",
			})
		}
		return
	}

	out, err := e.runner.Run(context.Background(), "docker", "wait", containerID)

	e.mu.Lock()
	_, tracked := e.running[taskID]
	delete(e.running, taskID)
	e.mu.Unlock()
	if !tracked {
		// Already removed by Kill/StopVPS; that path reports its own result.
		return
	}

	if err != nil {
		e.pushResult(Result{TaskID: taskID, Status: types.TaskStatusFailed, ExitCode: -1, ErrorMessage: fmt.Sprintf("docker wait %s: %v", containerID, err)})
		return
	}
	exitCode, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		exitCode = -1
	}
	status, errMsg := interpretVPSExit(exitCode)
	if status == types.TaskStatusFailed {
		metrics.TasksFailed.Inc()
	}
	e.pushResult(Result{TaskID: taskID, Status: status, ExitCode: exitCode, ErrorMessage: errMsg})
	e.logger.Info().Int64("task_id", taskID).Int("exit_code", exitCode).Str("status", string(status)).Msg("vps container exited")
}

// interpretVPSExit maps a persistent container's exit code to a VPS
// status: a clean or SIGTERM'd exit is a stop, not a failure.
func interpretVPSExit(exitCode int) (types.TaskStatus, string) {
	switch exitCode {
	case 0, 143:
		return types.TaskStatusStopped, ""
	case 137:
		return types.TaskStatusKilledOOM, "container killed (out of memory)"
	default:
		return types.TaskStatusFailed, fmt.Sprintf("container exited with code %d", exitCode)
	}
}

// interpretExit maps a container exit code to a terminal task status.
func interpretExit(exitCode int, waitErr error) (types.TaskStatus, string) {
	switch exitCode {
	case 0:
		return types.TaskStatusCompleted, ""
	case 137:
		return types.TaskStatusKilledOOM, "container killed (out of memory)"
	case 143:
		return types.TaskStatusFailed, "container terminated (SIGTERM)"
	default:
		msg := fmt.Sprintf("container exited with code %d", exitCode)
		if waitErr != nil {
			msg = waitErr.Error()
		}
		return types.TaskStatusFailed, msg
	}
}

// RunningTaskIDs lists the tasks this executor currently tracks as live,
// for the Runner's heartbeat running-set report.
func (e *Executor) RunningTaskIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// DrainResults returns and clears all pending terminal results, for the
// Runner's heartbeat sender to report to the Host.
func (e *Executor) DrainResults() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.results
	e.results = nil
	return out
}

func (e *Executor) pushResult(r Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, r)
}

// Kill stops task's container. It removes the task from the in-runner
// task store before issuing `docker kill`, so the monitor goroutine's
// post-exit handling doesn't race a second report for the same task.
func (e *Executor) Kill(taskID int64) error {
	e.mu.Lock()
	ex, ok := e.running[taskID]
	if ok {
		delete(e.running, taskID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("executor: task %d not running", taskID)
	}

	ex.cancel()
	_, err := e.runDocker(context.Background(), "kill", ex.containerID)
	e.pushResult(Result{TaskID: taskID, Status: types.TaskStatusKilled, ErrorMessage: "killed by request"})
	if err != nil {
		return fmt.Errorf("executor: docker kill %s: %w", ex.containerID, err)
	}
	return nil
}

// Pause runs `docker pause` against task's container without altering
// its tracked execution state.
func (e *Executor) Pause(taskID int64) error {
	containerID, err := e.containerFor(taskID)
	if err != nil {
		return err
	}
	_, err = e.runDocker(context.Background(), "pause", containerID)
	return err
}

// Resume runs `docker unpause` against task's container.
func (e *Executor) Resume(taskID int64) error {
	containerID, err := e.containerFor(taskID)
	if err != nil {
		return err
	}
	_, err = e.runDocker(context.Background(), "unpause", containerID)
	return err
}

// StopVPS stops a persistent Docker VPS container without removing it, so
// Restart can bring it back via `docker start`. The task is removed from
// the running map before `docker stop`, so the `docker wait` monitor does
// not race a second report for the same task.
func (e *Executor) StopVPS(taskID int64) error {
	e.mu.Lock()
	ex, tracked := e.running[taskID]
	if tracked {
		delete(e.running, taskID)
	}
	e.mu.Unlock()

	containerID := fmt.Sprintf("kohakuriver-%d", taskID)
	if tracked {
		containerID = ex.containerID
	}
	_, err := e.runDocker(context.Background(), "stop", containerID)
	if tracked {
		e.pushResult(Result{TaskID: taskID, Status: types.TaskStatusStopped})
	}
	if err != nil {
		return fmt.Errorf("executor: docker stop %s: %w", containerID, err)
	}
	return nil
}

// RestartVPS brings a stopped Docker VPS container back with `docker
// start`. The caller is responsible for re-registering a monitor if the
// original Executor instance no longer tracks this task (e.g. after a
// runner restart).
func (e *Executor) RestartVPS(taskID int64) error {
	containerID, err := e.containerFor(taskID)
	if err != nil {
		return err
	}
	_, err = e.runDocker(context.Background(), "start", containerID)
	return err
}

func (e *Executor) containerFor(taskID int64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.running[taskID]
	if !ok {
		return fmt.Sprintf("kohakuriver-%d", taskID), nil
	}
	return ex.containerID, nil
}

func (e *Executor) runDocker(ctx context.Context, args ...string) (Process, error) {
	proc, err := e.launcher.Start(ctx, "docker", args...)
	if err != nil {
		return nil, err
	}
	if err := proc.Wait(); err != nil {
		return proc, err
	}
	return proc, nil
}

// buildRunArgs assembles the `docker run` flag set from a task. Command
// tasks run in the foreground (the CLI's exit code is the container's);
// persistent VPS containers detach and are watched via `docker wait`.
func (e *Executor) buildRunArgs(task *types.Task, containerName, imageRef string, persistent bool) []string {
	args := []string{"run", "--name", containerName}
	if persistent {
		args = append(args, "-d")
	} else {
		args = append(args, "--rm")
	}

	if e.overlayOn {
		args = append(args, "--network", "kohakuriver-overlay")
	}
	if task.ReservedIP != "" {
		args = append(args, "--ip", task.ReservedIP)
	}
	if task.RequiredCores > 0 {
		args = append(args, "--cpus", strconv.Itoa(task.RequiredCores))
	}
	if task.RequiredMemoryBytes != nil {
		mb := *task.RequiredMemoryBytes / (1024 * 1024)
		args = append(args, "--memory", fmt.Sprintf("%dm", mb))
	}
	if len(task.RequiredGPUs) > 0 {
		idxs := make([]string, len(task.RequiredGPUs))
		for i, g := range task.RequiredGPUs {
			idxs[i] = strconv.Itoa(g)
		}
		args = append(args, "--gpus", fmt.Sprintf("device=%s", strings.Join(idxs, ",")))
	}

	args = append(args,
		"--mount", fmt.Sprintf("type=bind,src=%s,dst=/shared", e.paths.SharedDataDir),
		"--mount", fmt.Sprintf("type=bind,src=%s,dst=/kohakuriver-logs", e.paths.LogDir),
		"--mount", fmt.Sprintf("type=bind,src=%s,dst=/local_temp", e.paths.LocalTempDir),
		"--mount", fmt.Sprintf("type=bind,src=%s,dst=/usr/local/bin/tunnel-client,readonly", e.paths.TunnelClientPath),
	)
	for _, m := range task.Mounts {
		spec := fmt.Sprintf("type=bind,src=%s,dst=%s", m.Source, m.Target)
		if m.ReadOnly {
			spec += ",readonly"
		}
		args = append(args, "--mount", spec)
	}

	for k, v := range task.EnvVars {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, "-e", fmt.Sprintf("KOHAKURIVER_TASK_ID=%d", task.TaskID))
	args = append(args, "-e", fmt.Sprintf("KOHAKURIVER_LOCAL_TEMP_DIR=%s", "/local_temp"))
	args = append(args, "-e", fmt.Sprintf("KOHAKURIVER_SHARED_DIR=%s", "/shared"))
	if task.TargetNUMANodeID != nil {
		args = append(args, "-e", fmt.Sprintf("KOHAKURIVER_TARGET_NUMA_NODE=%d", *task.TargetNUMANodeID))
	}
	if e.paths.TunnelURL != "" {
		// Per-container endpoint: the agent attaches at <base>/<container_id>.
		args = append(args, "-e", fmt.Sprintf("KOHAKURIVER_TUNNEL_URL=%s/%s", e.paths.TunnelURL, containerName))
	}
	args = append(args, "-e", fmt.Sprintf("KOHAKURIVER_CONTAINER_ID=%s", containerName))

	if task.Privileged && e.privileged {
		args = append(args, "--privileged")
	} else {
		args = append(args, "--cap-add", "SYS_NICE")
	}

	if task.WorkingDir != "" {
		args = append(args, "-w", task.WorkingDir)
	}

	args = append(args, imageRef)
	args = append(args, "/bin/sh", "-c", buildInnerCommand(task))
	return args
}

// buildInnerCommand builds the shell-wrapped command run inside the
// container. The tunnel-client is launched detached in the background;
// the workload replaces the shell via exec so signals reach it directly,
// not a shell wrapper.
func buildInnerCommand(task *types.Task) string {
	var b strings.Builder
	b.WriteString("(nohup /usr/local/bin/tunnel-client >/dev/null 2>&1 &) && sleep 0.1 && exec ")

	if task.TargetNUMANodeID != nil {
		fmt.Fprintf(&b, "numactl --cpunodebind=%d --membind=%d ", *task.TargetNUMANodeID, *task.TargetNUMANodeID)
	}

	b.WriteString(shellQuote(task.Command))
	for _, a := range task.Arguments {
		b.WriteString(" ")
		b.WriteString(shellQuote(a))
	}

	stdout := task.StdoutPath
	if stdout == "" {
		stdout = "/kohakuriver-logs/stdout.log"
	}
	stderr := task.StderrPath
	if stderr == "" {
		stderr = "/kohakuriver-logs/stderr.log"
	}
	fmt.Fprintf(&b, " > %s 2> %s", shellQuote(stdout), shellQuote(stderr))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
