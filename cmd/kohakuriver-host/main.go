package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/config"
	"github.com/KohakuBlueleaf/kohakuriver/internal/hostapi"
	"github.com/KohakuBlueleaf/kohakuriver/internal/hostclient"
	"github.com/KohakuBlueleaf/kohakuriver/internal/idgen"
	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/KohakuBlueleaf/kohakuriver/internal/overlay"
	"github.com/KohakuBlueleaf/kohakuriver/internal/registry"
	"github.com/KohakuBlueleaf/kohakuriver/internal/reservation"
	"github.com/KohakuBlueleaf/kohakuriver/internal/scheduler"
	"github.com/KohakuBlueleaf/kohakuriver/internal/snapshot"
	"github.com/KohakuBlueleaf/kohakuriver/internal/sshproxy"
	"github.com/KohakuBlueleaf/kohakuriver/internal/store"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// idEpoch is the zero point for idgen's millisecond high bits. Fixed so
// task IDs issued by any Host binary build compare consistently.
var idEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kohakuriver-host",
	Short:   "KohakuRiver Host: cluster scheduler, overlay network, and IP reservation service",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kohakuriver-host version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
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
	Short: "Run the Host's scheduler, registry, overlay manager, and REST API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a host config YAML file")
	serveCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on 127.0.0.1:6060")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadHostConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := kohakulog.WithComponent("host")
	logger.Info().Str("listen_addr", cfg.ListenAddr).Str("data_dir", cfg.DataDir).Msg("starting kohakuriver-host")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	subnet, err := overlay.ParseSubnetConfig(cfg.OverlaySubnet)
	if err != nil {
		return fmt.Errorf("parse overlay subnet: %w", err)
	}
	overlayMgr := overlay.NewManager(subnet, overlay.IPTablesLinker{}, cfg.BaseVXLANID)
	if err := overlayMgr.Init(); err != nil {
		return fmt.Errorf("initialize overlay: %w", err)
	}

	var reservationSecret []byte
	if cfg.ReservationKey != "" {
		reservationSecret = []byte(cfg.ReservationKey)
	}
	reservationSvc, err := reservation.New(reservationSecret, subnetResolver(overlayMgr))
	if err != nil {
		return fmt.Errorf("build reservation service: %w", err)
	}

	idGen := idgen.New(idEpoch, func(millis int64) error { return st.SaveIDGenEpochFloor(millis) })
	if floor, err := st.LoadIDGenEpochFloor(); err == nil {
		idGen.Restore(floor)
	}

	hostClient := hostclient.New(10 * time.Second)
	sched := scheduler.New(st, hostClient, cfg.HeartbeatTimeout)
	reg := registry.New(st, overlayMgr, cfg.HeartbeatTimeout)
	snapshots := snapshot.NewManager(st, cfg.MaxSnapshotsPerVPS)

	api := hostapi.New(cfg.ListenAddr, hostapi.Deps{
		Store:       st,
		Registry:    reg,
		Overlay:     overlayMgr,
		Reservation: reservationSvc,
		Snapshots:   snapshots,
		IDGen:       idGen,
		Client:      hostClient,
		AuthEnabled: cfg.AuthEnabled,
	})

	forwards := newSSHForwardManager(st)

	if pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof"); pprofEnabled {
		go func() {
			if err := http.ListenAndServe("127.0.0.1:6060", nil); err != nil {
				logger.Warn().Err(err).Msg("pprof server exited")
			}
		}()
		logger.Info().Msg("pprof endpoints enabled at http://127.0.0.1:6060/debug/pprof/")
	}

	reg.Start()
	sched.Start()
	if err := api.Start(); err != nil {
		return fmt.Errorf("start host api: %w", err)
	}
	forwardCtx, stopForwards := context.WithCancel(context.Background())
	go forwards.run(forwardCtx)

	logger.Info().Msg("kohakuriver-host is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	sched.Stop()
	reg.Stop()
	stopForwards()
	forwards.stopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown host api: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// subnetResolver adapts overlay.Manager's allocation table to
// reservation.SubnetResolver.
func subnetResolver(overlayMgr *overlay.Manager) reservation.SubnetResolver {
	return func(runnerName string) (reservation.RunnerSubnet, error) {
		alloc, ok := overlayMgr.Get(runnerName)
		if !ok {
			return reservation.RunnerSubnet{}, fmt.Errorf("host: no overlay allocation for runner %q", runnerName)
		}
		return reservation.RunnerSubnet{
			CIDR:        alloc.RunnerSubnet,
			GatewayIP:   alloc.RunnerGatewayIP,
			HostVXLANIP: alloc.HostVXLANIP,
		}, nil
	}
}

// sshForwardManager keeps one sshproxy.Proxy alive per running VPS task
// that requested SSH access, bound to that task's own SSHPort: per
// internal/sshproxy's doc comment, a proxy listener is scoped to a single
// forwarded task, not shared across tasks. It reconciles against the
// store on a timer rather than being driven by task-lifecycle hooks, the
// same loose-coupling the scheduler and registry already use for their
// own sweeps.
type sshForwardManager struct {
	store store.Store
	logger zerolog.Logger

	mu      sync.Mutex
	proxies map[int64]*sshproxy.Proxy
}

func newSSHForwardManager(st store.Store) *sshForwardManager {
	return &sshForwardManager{
		store:   st,
		logger:  kohakulog.WithComponent("sshforward"),
		proxies: make(map[int64]*sshproxy.Proxy),
	}
}

func (f *sshForwardManager) run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		f.reconcile()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *sshForwardManager) reconcile() {
	tasks, err := f.store.ListTasks()
	if err != nil {
		f.logger.Warn().Err(err).Msg("list tasks for ssh-forward reconcile")
		return
	}

	wanted := make(map[int64]*types.Task)
	for _, t := range tasks {
		if t.TaskType == types.TaskTypeVPS && t.SSHPort > 0 && t.AssignedNode != "" && t.Status == types.TaskStatusRunning {
			wanted[t.TaskID] = t
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for taskID, p := range f.proxies {
		if _, ok := wanted[taskID]; !ok {
			_ = p.Stop()
			delete(f.proxies, taskID)
		}
	}

	for taskID, t := range wanted {
		if _, ok := f.proxies[taskID]; ok {
			continue
		}
		node, err := f.store.GetNode(t.AssignedNode)
		if err != nil {
			f.logger.Warn().Err(err).Str("node", t.AssignedNode).Msg("ssh-forward: resolve node")
			continue
		}
		host, err := nodeHost(node.URL)
		if err != nil {
			f.logger.Warn().Err(err).Msg("ssh-forward: parse node url")
			continue
		}
		target := sshproxy.Target{Addr: fmt.Sprintf("%s:%d", host, t.SSHPort)}
		p := sshproxy.New(fmt.Sprintf(":%d", t.SSHPort), func(int) (sshproxy.Target, error) { return target, nil })
		if err := p.Start(); err != nil {
			f.logger.Warn().Err(err).Int64("task_id", taskID).Int("port", t.SSHPort).Msg("ssh-forward: listen failed")
			continue
		}
		f.proxies[taskID] = p
		f.logger.Info().Int64("task_id", taskID).Int("port", t.SSHPort).Str("target", target.Addr).Msg("ssh forward opened")
	}
}

func (f *sshForwardManager) stopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for taskID, p := range f.proxies {
		_ = p.Stop()
		delete(f.proxies, taskID)
	}
}

// nodeHost extracts the bare host from a Runner's registered URL
// ("http://10.0.0.5:8001" -> "10.0.0.5").
func nodeHost(nodeURL string) (string, error) {
	u, err := url.Parse(nodeURL)
	if err != nil {
		return "", fmt.Errorf("host: parse node url %q: %w", nodeURL, err)
	}
	return u.Hostname(), nil
}
