package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/config"
	"github.com/KohakuBlueleaf/kohakuriver/internal/executor"
	"github.com/KohakuBlueleaf/kohakuriver/internal/hostinfo"
	"github.com/KohakuBlueleaf/kohakuriver/internal/imagesync"
	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runnerapi"
	"github.com/KohakuBlueleaf/kohakuriver/internal/snapshot"
	"github.com/KohakuBlueleaf/kohakuriver/internal/store"
	"github.com/KohakuBlueleaf/kohakuriver/internal/tunnel"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/KohakuBlueleaf/kohakuriver/internal/vm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kohakuriver-runner",
	Short:   "KohakuRiver Runner: executes command/VPS tasks dispatched by a Host",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kohakuriver-runner version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(vmCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	kohakulog.Init(kohakulog.Config{
		Level:      kohakulog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Register with the Host and start executing dispatched tasks",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a runner config YAML file")
	serveCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on 127.0.0.1:6061")
}

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "VM-capable runner maintenance commands",
}

var vmCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reap orphaned QEMU processes and stale instance directories",
	RunE:  runVMCleanup,
}

func init() {
	vmCmd.AddCommand(vmCleanupCmd)
	vmCleanupCmd.Flags().String("config", "", "Path to a runner config YAML file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadRunnerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Hostname == "" {
		hn, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determine hostname: %w", err)
		}
		cfg.Hostname = hn
	}

	logger := kohakulog.WithComponent("runner")
	logger.Info().Str("hostname", cfg.Hostname).Str("host_url", cfg.HostURL).Msg("starting kohakuriver-runner")

	for _, dir := range []string{cfg.SharedDataDir, cfg.LocalTempDir, cfg.ContainerImageDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	hc := &hostConn{baseURL: cfg.HostURL, http: &http.Client{Timeout: 15 * time.Second}, runnerName: cfg.Hostname}

	info, err := hostinfo.Detect()
	if err != nil {
		logger.Warn().Err(err).Msg("hardware detection incomplete, registering with partial info")
		info = &hostinfo.Info{}
	}
	if err := hc.register(cfg, info); err != nil {
		return fmt.Errorf("register with host: %w", err)
	}
	logger.Info().Str("gateway", hc.gatewayIP).Str("subnet", hc.runnerSubnet).Msg("registered with host")

	// Containers dial back to this runner through its gateway address on
	// the docker network, never loopback.
	tunnelHost := hc.gatewayIP
	if cfg.NetworkMode != "overlay" || tunnelHost == "" {
		tunnelHost = cfg.AdvertiseIP
	}
	if tunnelHost == "" {
		tunnelHost = cfg.Hostname
	}

	syncer := imagesync.NewSyncer(cfg.ContainerImageDir)
	exec := executor.New(executor.Paths{
		SharedDataDir:    cfg.SharedDataDir,
		LogDir:           filepath.Join(cfg.LocalTempDir, "logs"),
		LocalTempDir:     cfg.LocalTempDir,
		TunnelClientPath: filepath.Join(cfg.LocalTempDir, "bin", "tunnel-client"),
		TunnelURL:        fmt.Sprintf("ws://%s:%d/ws/tunnel", tunnelHost, runnerPort(cfg.ListenAddr)),
	}, syncer, cfg.NetworkMode == "overlay", cfg.Privileged)

	snapshotStore, err := store.NewBoltStore(cfg.LocalTempDir)
	if err != nil {
		return fmt.Errorf("open local snapshot store: %w", err)
	}
	defer snapshotStore.Close()
	snapshots := snapshot.NewManager(snapshotStore, cfg.MaxSnapshotsPerVPS)

	var vmMgr *vm.Manager
	if cfg.VMCapable {
		vmMgr = vm.NewManager(vm.Config{
			VMImagesDir:    cfg.VMImageDir,
			VMInstancesDir: filepath.Join(cfg.LocalTempDir, "vm-instances"),
			NetworkMode:    types.NetworkMode(cfg.NetworkMode),
			OverlayBridge:  "kohaku-overlay",
			StandardBridge: cfg.StandardBridge,
			RunnerPort:     runnerPort(cfg.ListenAddr),
		}, hc)
	}

	api := runnerapi.New(cfg.ListenAddr, runnerapi.Deps{
		Executor:      exec,
		VM:            vmMgr,
		Snapshots:     snapshots,
		Tunnels:       tunnel.NewServer(),
		SharedDataDir: cfg.SharedDataDir,
		RunnerName:    cfg.Hostname,
	}, nil)

	if pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof"); pprofEnabled {
		go func() {
			if err := http.ListenAndServe("127.0.0.1:6061", nil); err != nil {
				logger.Warn().Err(err).Msg("pprof server exited")
			}
		}()
		logger.Info().Msg("pprof endpoints enabled at http://127.0.0.1:6061/debug/pprof/")
	}

	if err := api.Start(); err != nil {
		return fmt.Errorf("start runner api: %w", err)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	go runHeartbeatLoop(heartbeatCtx, hc, exec, vmMgr, cfg.HeartbeatInterval, logger)

	if vmMgr != nil {
		go runVMCleanupLoop(heartbeatCtx, vmMgr, exec, logger)
	}

	logger.Info().Msg("kohakuriver-runner is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	stopHeartbeat()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown runner api: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func runVMCleanup(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadRunnerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.VMCapable {
		return fmt.Errorf("vm cleanup: runner config has vm_capable=false")
	}

	hc := &hostConn{baseURL: cfg.HostURL, http: &http.Client{Timeout: 15 * time.Second}, runnerName: cfg.Hostname}
	vmMgr := vm.NewManager(vm.Config{
		VMImagesDir:    cfg.VMImageDir,
		VMInstancesDir: filepath.Join(cfg.LocalTempDir, "vm-instances"),
		NetworkMode:    types.NetworkMode(cfg.NetworkMode),
		StandardBridge: cfg.StandardBridge,
		RunnerPort:     runnerPort(cfg.ListenAddr),
	}, hc)

	report, err := vmMgr.Cleanup(map[int64]bool{})
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	fmt.Printf("live=%d orphaned=%d stale_bindings=%d\n", len(report.Live), len(report.Orphaned), len(report.StaleBindings))
	return nil
}

func runnerPort(listenAddr string) int {
	var port int
	fmt.Sscanf(listenAddr, ":%d", &port)
	return port
}

// runHeartbeatLoop periodically reports this runner's health and running
// set to the Host, posting each drained terminal result to the Host's
// /update callback first so exit codes and error messages are recorded
// before the heartbeat's id-set reconciliation sees them.
func runHeartbeatLoop(ctx context.Context, hc *hostConn, exec *executor.Executor, vmMgr *vm.Manager, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := exec.DrainResults()
			for _, r := range results {
				if err := hc.updateTask(r); err != nil {
					logger.Warn().Err(err).Int64("task_id", r.TaskID).Msg("task update callback failed")
				}
			}
			running := exec.RunningTaskIDs()
			if vmMgr != nil {
				running = append(running, vmMgr.RunningTaskIDs()...)
			}
			if err := hc.heartbeat(running, results); err != nil {
				logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// runVMCleanupLoop periodically reaps orphaned VM processes so a crashed
// Runner doesn't leak qemu-system-* subprocesses across restarts.
func runVMCleanupLoop(ctx context.Context, vmMgr *vm.Manager, exec *executor.Executor, logger zerolog.Logger) {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := vmMgr.Cleanup(map[int64]bool{}); err != nil {
				logger.Warn().Err(err).Msg("vm cleanup sweep failed")
			}
		}
	}
}

// hostConn is the Runner's outbound connection to its Host: registration,
// heartbeats, and the vm.IPAllocator used for QEMU VPS networking. Kept
// local to the binary rather than a shared package since, unlike
// internal/hostclient (Host dispatching to many Runners), there is
// exactly one Host per Runner process.
type hostConn struct {
	baseURL    string
	http       *http.Client
	runnerName string

	gatewayIP    string
	runnerSubnet string
}

func (c *hostConn) register(cfg *config.RunnerConfig, info *hostinfo.Info) error {
	advertise := cfg.AdvertiseIP
	if advertise == "" {
		advertise = cfg.Hostname
	}
	body := map[string]interface{}{
		"hostname":           cfg.Hostname,
		"url":                fmt.Sprintf("http://%s%s", advertise, cfg.ListenAddr),
		"physical_ip":        advertise,
		"architecture":       info.Architecture,
		"total_cores":        info.TotalCores,
		"memory_total_bytes": info.MemoryTotalBytes,
		"numa_topology":      info.NUMATopology,
		"vm_capable":         cfg.VMCapable,
		"runner_version":     Version,
	}
	var result struct {
		RunnerSubnet string `json:"runner_subnet"`
		GatewayIP    string `json:"gateway_ip"`
	}
	if err := c.postJSON("/register", body, &result); err != nil {
		return err
	}
	c.gatewayIP = result.GatewayIP
	c.runnerSubnet = result.RunnerSubnet
	return nil
}

func (c *hostConn) heartbeat(runningTaskIDs []int64, results []executor.Result) error {
	var finished, killed, killedOOM []int64
	for _, r := range results {
		switch r.Status {
		case types.TaskStatusKilledOOM:
			killedOOM = append(killedOOM, r.TaskID)
		case types.TaskStatusKilled:
			killed = append(killed, r.TaskID)
		default:
			finished = append(finished, r.TaskID)
		}
	}

	health := hostinfo.SampleHealth()
	body := map[string]interface{}{
		"cpu_percent": health.CPUPercent,
		"memory": map[string]interface{}{
			"used":    health.MemoryUsedBytes,
			"total":   health.MemoryTotalBytes,
			"percent": health.MemoryPercent,
		},
		"running_task_ids":    runningTaskIDs,
		"finished_task_ids":   finished,
		"killed_task_ids":     killed,
		"killed_oom_task_ids": killedOOM,
	}
	return c.sendJSON(http.MethodPut, "/heartbeat/"+c.runnerName, body, nil)
}

// updateTask posts one terminal result to the Host's /update callback.
func (c *hostConn) updateTask(r executor.Result) error {
	body := map[string]interface{}{
		"status":    r.Status,
		"exit_code": r.ExitCode,
	}
	if r.ErrorMessage != "" {
		body["error_message"] = r.ErrorMessage
	}
	return c.postJSON(fmt.Sprintf("/update/%d", r.TaskID), body, nil)
}

// ReserveVMIP implements vm.IPAllocator by asking the Host's reservation
// service for an IP out of this runner's overlay subnet.
func (c *hostConn) ReserveVMIP(ctx context.Context, runnerName string) (ip, gateway, token string, err error) {
	reqBody := map[string]interface{}{
		"runner_name": runnerName,
		"purpose":     "vm",
	}
	var resv struct {
		IP    string `json:"ip"`
		Token string `json:"token"`
	}
	if err := c.postJSON("/overlay/ip/reserve", reqBody, &resv); err != nil {
		return "", "", "", err
	}
	return resv.IP, c.gatewayIP, resv.Token, nil
}

// ReleaseVMIP implements vm.IPAllocator.
func (c *hostConn) ReleaseVMIP(ctx context.Context, token string) error {
	return c.postJSON("/overlay/ip/release", map[string]string{"token": token}, nil)
}

func (c *hostConn) postJSON(path string, body, out interface{}) error {
	return c.sendJSON(http.MethodPost, path, body, out)
}

func (c *hostConn) sendJSON(method, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("hostconn: marshal %s body: %w", path, err)
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("hostconn: build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hostconn: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hostconn: %s returned %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
