package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/lastowl/nolongerevil-bridge/internal/log"
	"github.com/lastowl/nolongerevil-bridge/internal/nle"
	"github.com/lastowl/nolongerevil-bridge/internal/platform"
	"github.com/lastowl/nolongerevil-bridge/internal/storage"
)

// Version information, set via ldflags at build time
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// commandTimeout bounds a command issued through the API
const commandTimeout = 40 * time.Second

// StatusResponse represents the overall system status
type StatusResponse struct {
	API        ConnectionStatus `json:"api"`
	Platform   platform.Status  `json:"platform"`
	HomeKit    HomeKitStatus    `json:"homekit"`
	Configured bool             `json:"configured"`
}

// ConnectionStatus represents the backend connection
type ConnectionStatus struct {
	ServerURL    string     `json:"server_url"`
	Connected    bool       `json:"connected"`
	Rejected     bool       `json:"rejected"`
	LastAccepted *time.Time `json:"last_accepted,omitempty"`
}

// HomeKitStatus represents the HAP bridge
type HomeKitStatus struct {
	Running     bool   `json:"running"`
	Pin         string `json:"pin"`
	Accessories int    `json:"accessories"`
}

// CredentialsResponse reports whether an API key is configured
type CredentialsResponse struct {
	HasAPIKey bool   `json:"has_api_key"`
	Rejected  bool   `json:"rejected"`
	ServerURL string `json:"server_url"`
}

// CredentialsRequest represents an API key save request
type CredentialsRequest struct {
	APIKey string `json:"api_key"`
}

// ModeRequest represents a mode change request
type ModeRequest struct {
	Mode nle.Mode `json:"mode"`
}

// TemperatureRequest represents a target temperature change request
type TemperatureRequest struct {
	Value *float64 `json:"value"`
}

// RangeRequest represents a heat-cool range change request
type RangeRequest struct {
	Low  *float64 `json:"low"`
	High *float64 `json:"high"`
}

// AwayRequest represents an away mode change request
type AwayRequest struct {
	Away *bool `json:"away"`
}

// VersionResponse represents version info
type VersionResponse struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
}

// handleStatus returns overall system status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	creds := s.service.GetCredentials()
	hk := s.service.GetHomeKit()

	status := StatusResponse{
		API: ConnectionStatus{
			ServerURL: s.service.GetServerURL(),
			Rejected:  creds.Rejected(),
		},
		Platform: s.service.GetBridge().Status(),
		HomeKit: HomeKitStatus{
			Running:     hk.Running(),
			Pin:         hk.Pin(),
			Accessories: len(hk.Known()),
		},
		Configured: creds.HasAPIKey(),
	}
	if at := creds.LastAccepted(); !at.IsZero() {
		status.API.LastAccepted = &at
		status.API.Connected = !status.API.Rejected
	}

	writeJSON(w, status)
}

// handleListThermostats returns every registered thermostat
func (s *Server) handleListThermostats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.service.GetBridge().States())
}

// handleGetThermostat returns one thermostat
func (s *Server) handleGetThermostat(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.GetBridge().State(mux.Vars(r)["serial"])
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, state)
}

// handleSetMode changes the HVAC mode
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid mode")
		return
	}
	s.command(w, r, platform.Command{Kind: platform.CommandSetMode, Mode: req.Mode})
}

// handleSetTemperature changes the single target temperature
func (s *Server) handleSetTemperature(w http.ResponseWriter, r *http.Request) {
	var req TemperatureRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	s.command(w, r, platform.Command{Kind: platform.CommandSetTargetTemperature, Value: *req.Value})
}

// handleSetRange changes both heat-cool thresholds at once
func (s *Server) handleSetRange(w http.ResponseWriter, r *http.Request) {
	var req RangeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Low == nil || req.High == nil {
		writeError(w, http.StatusBadRequest, "low and high are required")
		return
	}
	s.command(w, r, platform.Command{Kind: platform.CommandSetRange, Low: *req.Low, High: *req.High})
}

// handleSetAway changes away mode
func (s *Server) handleSetAway(w http.ResponseWriter, r *http.Request) {
	var req AwayRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Away == nil {
		writeError(w, http.StatusBadRequest, "away is required")
		return
	}
	s.command(w, r, platform.Command{Kind: platform.CommandSetAway, Away: *req.Away})
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, cmd platform.Command) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	state, err := s.service.GetBridge().ApplyCommand(ctx, mux.Vars(r)["serial"], cmd)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, state)
}

// handleRefresh polls one thermostat immediately
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	state, err := s.service.GetBridge().Refresh(ctx, mux.Vars(r)["serial"])
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, state)
}

// handleDiscover runs a discovery sweep. An empty account is reported, not
// treated as an error.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*commandTimeout)
	defer cancel()

	res, err := s.service.GetBridge().Discover(ctx)
	switch {
	case errors.Is(err, platform.ErrNoDevices):
		writeJSON(w, map[string]interface{}{"result": res, "message": err.Error()})
		return
	case err != nil:
		writeAPIError(w, err)
		return
	}

	s.hub.Broadcast(Event{Type: EventDiscovery, Data: res})
	writeJSON(w, map[string]interface{}{"result": res})
}

// handleGetCredentials returns API key status; the key itself is never returned
func (s *Server) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	creds := s.service.GetCredentials()
	writeJSON(w, CredentialsResponse{
		HasAPIKey: creds.HasAPIKey(),
		Rejected:  creds.Rejected(),
		ServerURL: s.service.GetServerURL(),
	})
}

// handleSaveCredentials stores a new API key and resumes polling
func (s *Server) handleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decode(w, r, &req) {
		return
	}

	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}

	if err := s.service.SaveAPIKey(apiKey); err != nil {
		log.Error("Failed to save API key: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save API key")
		return
	}

	if db := s.service.GetDB(); db != nil {
		db.LogEvent(storage.EventSourceUser, storage.EventTypeCredentials, "API key updated", nil)
	}
	s.hub.Broadcast(Event{Type: EventCredentials})

	writeJSON(w, map[string]string{"status": "ok"})
}

// handleGetLogs returns event logs
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	db := s.service.GetDB()
	if db == nil {
		writeJSON(w, []storage.EventLog{})
		return
	}

	filter := storage.EventLogFilter{
		Limit: 100,
	}

	q := r.URL.Query()
	if limitStr := q.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filter.Offset = offset
		}
	}
	if source := q.Get("source"); source != "" {
		src := storage.EventSource(source)
		filter.Source = &src
	}
	if typ := q.Get("type"); typ != "" {
		t := storage.EventType(typ)
		filter.EventType = &t
	}

	logs, err := db.GetEventLogs(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get logs")
		return
	}
	if logs == nil {
		logs = []storage.EventLog{}
	}

	writeJSON(w, logs)
}

// handleVersion returns version information
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, VersionResponse{
		Version:   Version,
		BuildDate: BuildDate,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeAPIError maps platform errors to status codes
func writeAPIError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, platform.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, platform.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, platform.ErrSessionStopped), errors.Is(err, platform.ErrSuspended):
		return http.StatusServiceUnavailable
	case errors.Is(err, platform.ErrCommunication), errors.Is(err, platform.ErrDiscoveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
