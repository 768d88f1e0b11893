// Package adminapi is a read-only introspection surface over a Device
// Manager: device list, port statuses, and a /ws stream of identity
// events. There is no command-submission route - operators watch a
// fleet through this package, they do not drive it.
//
// Grounded on the teacher's pkg/api/rest.Server (mux.Router, ServerConfig,
// Start/Stop shape) and pkg/api/ws.Server (the client registry and
// ping/write-timeout pump pair), narrowed to the handful of GET routes
// and one broadcast-only socket this domain needs.
package adminapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commatea/serialfleet/pkg/devicemgr"
	"github.com/commatea/serialfleet/pkg/logger"
)

// Config holds admin API server configuration.
type Config struct {
	Address   string
	Auth      AuthConfig
	PingEvery time.Duration
}

// DeviceManager is the subset of *devicemgr.Manager the server reads.
type DeviceManager interface {
	ListDeviceIds() []string
	Snapshot() []devicemgr.PortSnapshot
}

// Server is the admin API server.
type Server struct {
	manager DeviceManager
	config  Config
	log     *logger.Logger
	srv     *http.Server
	ws      *wsHub
}

// NewServer builds an admin API server over manager. Wire the server's
// EventHandler into the manager's devicemgr.Deps.Handler to feed the /ws
// stream; a server with no handler wiring simply serves no events.
func NewServer(manager DeviceManager, config Config, log *logger.Logger) *Server {
	if config.PingEvery <= 0 {
		config.PingEvery = 30 * time.Second
	}
	return &Server{
		manager: manager,
		config:  config,
		log:     log,
		ws:      newWSHub(config.PingEvery),
	}
}

// EventHandler returns the devicemgr.EventHandler that feeds this
// server's /ws stream. Wire it into devicemgr.Deps.Handler before
// calling devicemgr.New.
func (s *Server) EventHandler() devicemgr.EventHandler {
	return devicemgr.EventHandlerFunc(func(ev devicemgr.Event) { s.ws.broadcast(ev) })
}

// Start begins serving in the background. It returns once the listener
// is bound; Serve errors after that point are logged, not returned.
func (s *Server) Start() error {
	r := mux.NewRouter()
	s.registerRoutes(r)

	var handler http.Handler = r
	if s.config.Auth.Enabled {
		auth := NewBearerAuth(s.config.Auth.JWTSecret)
		r.Use(auth.Handler)
	}

	addr := s.config.Address
	if addr == "" {
		addr = ":8080"
	}

	s.srv = &http.Server{Addr: addr, Handler: handler}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Error("admin api server error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully shuts the server down, closing any open /ws clients.
func (s *Server) Stop(ctx context.Context) error {
	s.ws.closeAll()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/ports", s.handlePorts).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.ws.handle).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.manager.ListDeviceIds()})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ports": s.manager.Snapshot()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

