// Package hostapi wires the Host's REST and WebSocket surface: node
// registration/heartbeats, task submission/status/kill, VPS snapshot
// management, overlay inspection, and terminal/filesystem/port-forward
// tunnels.
package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/hostclient"
	"github.com/KohakuBlueleaf/kohakuriver/internal/idgen"
	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/KohakuBlueleaf/kohakuriver/internal/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/internal/overlay"
	"github.com/KohakuBlueleaf/kohakuriver/internal/registry"
	"github.com/KohakuBlueleaf/kohakuriver/internal/reservation"
	"github.com/KohakuBlueleaf/kohakuriver/internal/snapshot"
	"github.com/KohakuBlueleaf/kohakuriver/internal/store"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Deps bundles the already-constructed Host-side services this API layer
// routes requests to; Server itself holds no business logic.
type Deps struct {
	Store       store.Store
	Registry    *registry.Registry
	Overlay     *overlay.Manager
	Reservation *reservation.Service
	Snapshots   *snapshot.Manager
	IDGen       *idgen.Generator
	Client      *hostclient.Client

	// AuthEnabled routes submissions from role "user" through
	// pending_approval instead of straight to pending.
	AuthEnabled bool
}

// Server is the Host's HTTP(S) frontend.
type Server struct {
	deps   Deps
	srv    *http.Server
	logger zerolog.Logger
	upgrader websocket.Upgrader
}

// New builds a Server listening on addr. Routes are registered eagerly
// so Start only needs to bind the socket.
func New(addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: kohakulog.WithComponent("hostapi"),
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
		WriteTimeout: 0, // long-lived WS connections must not be cut off
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/heartbeat/{hostname}", s.handleHeartbeat).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/update/{task_id}", s.handleTaskUpdate).Methods(http.MethodPost)
	r.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{hostname}", s.handleGetNode).Methods(http.MethodGet)

	r.HandleFunc("/submit", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/status/{task_id}", s.handleTaskStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/{task_id}/logs", s.handleTaskLogs).Methods(http.MethodGet)
	r.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/kill/{task_id}", s.handleKill).Methods(http.MethodPost)
	r.HandleFunc("/command/{task_id}/{action}", s.handleTaskCommand).Methods(http.MethodPost)
	r.HandleFunc("/approve/{task_id}", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/reject/{task_id}", s.handleReject).Methods(http.MethodPost)

	r.HandleFunc("/vps/create", s.handleVPSCreate).Methods(http.MethodPost)
	r.HandleFunc("/vps/stop/{task_id}", s.handleVPSStop).Methods(http.MethodPost)
	r.HandleFunc("/vps/restart/{task_id}", s.handleVPSRestart).Methods(http.MethodPost)
	r.HandleFunc("/vps/snapshots/{task_id}", s.handleSnapshotsList).Methods(http.MethodGet)
	r.HandleFunc("/vps/snapshots/{task_id}", s.handleSnapshotsCreate).Methods(http.MethodPost)
	r.HandleFunc("/vps/snapshots/{task_id}/{timestamp}", s.handleSnapshotsDelete).Methods(http.MethodDelete)

	r.HandleFunc("/overlay/status", s.handleOverlayStatus).Methods(http.MethodGet)
	r.HandleFunc("/overlay/ip/reserve", s.handleIPReserve).Methods(http.MethodPost)
	r.HandleFunc("/overlay/ip/release", s.handleIPRelease).Methods(http.MethodPost)
	r.HandleFunc("/overlay/ip/available", s.handleIPAvailable).Methods(http.MethodGet)
	r.HandleFunc("/overlay/ip/validate", s.handleIPValidate).Methods(http.MethodPost)

	r.HandleFunc("/metrics", metrics.Handler().ServeHTTP).Methods(http.MethodGet)

	r.HandleFunc("/ws/task/{task_id}/terminal", s.handleTerminalWS)
	r.HandleFunc("/ws/fs/{task_id}/watch", s.handleFSWatchWS)
	r.HandleFunc("/ws/forward/{task_id}/{port}", s.handleForwardWS)
	r.HandleFunc("/ws/docker/host/containers/{name}/terminal", s.handleHostDockerTerminalWS)
}

// Start binds and serves in the background; it returns once the listener
// is live rather than blocking for the server's lifetime.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("hostapi: listen on %s: %w", s.srv.Addr, err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("hostapi server error")
		}
	}()
	s.logger.Info().Str("addr", s.srv.Addr).Msg("host API listening")
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

func pathTaskID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["task_id"], 10, 64)
}
