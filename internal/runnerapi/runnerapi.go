// Package runnerapi wires the Runner's REST surface: task execution, VPS
// lifecycle, VM phone-home/heartbeat, filesystem operations, and
// health/metrics.
package runnerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/executor"
	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/KohakuBlueleaf/kohakuriver/internal/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/internal/snapshot"
	"github.com/KohakuBlueleaf/kohakuriver/internal/tunnel"
	"github.com/KohakuBlueleaf/kohakuriver/internal/vm"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// forbiddenFSPrefixes are paths the filesystem endpoints refuse to touch.
var forbiddenFSPrefixes = []string{"/proc", "/sys", "/dev"}

const (
	maxFSReadBytes  = 10 << 20
	maxFSWriteBytes = 50 << 20
)

// Deps bundles the Runner-side services this API layer routes to.
type Deps struct {
	Executor      *executor.Executor
	VM            *vm.Manager
	Snapshots     *snapshot.Manager
	Tunnels       *tunnel.Server
	SharedDataDir string
	RunnerName    string
}

// Server is the Runner's HTTP frontend.
type Server struct {
	deps     Deps
	srv      *http.Server
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	healthy  func() error
}

// New builds a Server listening on addr. healthCheck, if non-nil, backs
// /healthz; a nil check means "always healthy".
func New(addr string, deps Deps, healthCheck func() error) *Server {
	s := &Server{
		deps:    deps,
		logger:  kohakulog.WithComponent("runnerapi"),
		healthy: healthCheck,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	s.registerRoutes(router)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/kill", s.handleKill).Methods(http.MethodPost)
	r.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)

	r.HandleFunc("/vps/create", s.handleVPSCreate).Methods(http.MethodPost)
	r.HandleFunc("/vps/stop/{id}", s.handleVPSStop).Methods(http.MethodPost)
	r.HandleFunc("/vps/pause/{id}", s.handleVPSPause).Methods(http.MethodPost)
	r.HandleFunc("/vps/resume/{id}", s.handleVPSResume).Methods(http.MethodPost)
	r.HandleFunc("/vps/restart/{id}", s.handleVPSRestart).Methods(http.MethodPost)
	r.HandleFunc("/vps/snapshots/{id}/{timestamp}", s.handleVPSSnapshotDelete).Methods(http.MethodDelete)
	r.HandleFunc("/vps/{task_id}/vm-phone-home", s.handleVMPhoneHome).Methods(http.MethodPost)
	r.HandleFunc("/vps/{task_id}/vm-heartbeat", s.handleVMHeartbeat).Methods(http.MethodPost)

	r.HandleFunc("/fs/{task_id}/list", s.handleFSList).Methods(http.MethodGet)
	r.HandleFunc("/fs/{task_id}/read", s.handleFSRead).Methods(http.MethodGet)
	r.HandleFunc("/fs/{task_id}/write", s.handleFSWrite).Methods(http.MethodPost)
	r.HandleFunc("/fs/{task_id}/mkdir", s.handleFSMkdir).Methods(http.MethodPost)
	r.HandleFunc("/fs/{task_id}/rename", s.handleFSRename).Methods(http.MethodPost)
	r.HandleFunc("/fs/{task_id}/delete", s.handleFSDelete).Methods(http.MethodPost)
	r.HandleFunc("/fs/{task_id}/stat", s.handleFSStat).Methods(http.MethodGet)

	r.HandleFunc("/vm/images", s.handleVMImages).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/metrics", metrics.Handler().ServeHTTP).Methods(http.MethodGet)

	r.HandleFunc("/ws/tunnel/{container_id}", s.handleTunnelWS)
	r.HandleFunc("/ws/forward/{container_id}/{port}", s.handleForwardWS)
	r.HandleFunc("/ws/task/{task_id}/terminal", s.handleTerminalWS)
	r.HandleFunc("/ws/fs/{task_id}/watch", s.handleFSWatchWS)
}

// Start binds and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("runnerapi: listen on %s: %w", s.srv.Addr, err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("runnerapi server error")
		}
	}()
	s.logger.Info().Str("addr", s.srv.Addr).Msg("runner API listening")
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathTaskID(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[key], 10, 64)
}

// resolvePath joins the task's shared working directory with a
// caller-supplied relative path, rejecting escapes and the forbidden
// system prefixes.
func resolvePath(baseDir, rel string) (string, error) {
	base := filepath.Clean(baseDir)
	clean := filepath.Join(base, rel)
	if clean != base && !strings.HasPrefix(clean, base+string(filepath.Separator)) {
		return "", fmt.Errorf("runnerapi: path %q escapes task working directory", rel)
	}
	for _, prefix := range forbiddenFSPrefixes {
		if strings.HasPrefix(clean, prefix) {
			return "", fmt.Errorf("runnerapi: path %q is forbidden", clean)
		}
	}
	return clean, nil
}

func taskDir(sharedDataDir string, taskID int64) string {
	return filepath.Join(sharedDataDir, strconv.FormatInt(taskID, 10))
}
