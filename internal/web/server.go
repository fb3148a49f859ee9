package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lastowl/nolongerevil-bridge/internal/log"
	"github.com/lastowl/nolongerevil-bridge/internal/nle"
	"github.com/lastowl/nolongerevil-bridge/internal/platform"
	"github.com/lastowl/nolongerevil-bridge/internal/storage"
)

// Bridge is the thermostat surface the API drives
type Bridge interface {
	Status() platform.Status
	States() []nle.ThermostatState
	State(serial string) (nle.ThermostatState, error)
	ApplyCommand(ctx context.Context, serial string, cmd platform.Command) (nle.ThermostatState, error)
	Refresh(ctx context.Context, serial string) (nle.ThermostatState, error)
	Discover(ctx context.Context) (*platform.DiscoveryResult, error)
}

// HomeKit reports the accessory host
type HomeKit interface {
	Running() bool
	Pin() string
	Known() []platform.Accessory
}

// ServiceInterface defines the interface for the main service
type ServiceInterface interface {
	GetDB() *storage.DB
	GetBridge() Bridge
	GetHomeKit() HomeKit
	GetCredentials() *nle.Credentials
	GetServerURL() string
	// SaveAPIKey persists a new key and restarts polling with it
	SaveAPIKey(apiKey string) error
	// GetMetricsHandler may return nil when metrics are disabled
	GetMetricsHandler() http.Handler
}

// Server is the HTTP server
type Server struct {
	port    int
	service ServiceInterface
	router  *mux.Router
	hub     *Hub
}

// NewServer creates a new HTTP server
func NewServer(port int, service ServiceInterface) *Server {
	s := &Server{
		port:    port,
		service: service,
		router:  mux.NewRouter(),
		hub:     NewHub(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/version", s.handleVersion).Methods("GET")
	api.HandleFunc("/logs", s.handleGetLogs).Methods("GET")
	api.HandleFunc("/discover", s.handleDiscover).Methods("POST")
	api.HandleFunc("/config/credentials", s.handleGetCredentials).Methods("GET")
	api.HandleFunc("/config/credentials", s.handleSaveCredentials).Methods("POST")
	api.HandleFunc("/ws", s.handleWebSocket)

	th := api.PathPrefix("/thermostats").Subrouter()
	th.HandleFunc("", s.handleListThermostats).Methods("GET")
	th.HandleFunc("/{serial}", s.handleGetThermostat).Methods("GET")
	th.HandleFunc("/{serial}/mode", s.handleSetMode).Methods("POST")
	th.HandleFunc("/{serial}/temperature", s.handleSetTemperature).Methods("POST")
	th.HandleFunc("/{serial}/range", s.handleSetRange).Methods("POST")
	th.HandleFunc("/{serial}/away", s.handleSetAway).Methods("POST")
	th.HandleFunc("/{serial}/refresh", s.handleRefresh).Methods("POST")

	if h := s.service.GetMetricsHandler(); h != nil {
		s.router.Handle("/metrics", h).Methods("GET")
	}
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("Web server listening on port %d", s.port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Publish is a platform state listener that pushes the new state to
// WebSocket clients
func (s *Server) Publish(state nle.ThermostatState) {
	s.hub.Broadcast(Event{Type: EventThermostatUpdate, Data: state})
}
