package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lastowl/nolongerevil-bridge/internal/log"
	"github.com/lastowl/nolongerevil-bridge/internal/nle"
)

var (
	// ErrCommunication is returned when a command could not be delivered to
	// the backend. The session state is left unchanged.
	ErrCommunication = errors.New("service communication failure")
	// ErrSessionStopped is returned for commands on a stopped session
	ErrSessionStopped = errors.New("session stopped")
	// ErrReadOnly is returned when writing a characteristic that only reports
	ErrReadOnly = errors.New("characteristic is read-only")
	// ErrInvalidCommand is returned for malformed commands
	ErrInvalidCommand = errors.New("invalid command")
)

// DefaultPollInterval is used when SessionConfig.Interval is zero
const DefaultPollInterval = 30 * time.Second

// CommandKind names a user intent
type CommandKind string

const (
	CommandSetMode              CommandKind = "set_mode"
	CommandSetTargetTemperature CommandKind = "set_target_temperature"
	// A threshold that crosses the other bound drags it along, so heating 28
	// against cooling 26 writes the range 28-28.
	CommandSetHeatingThreshold  CommandKind = "set_heating_threshold"
	CommandSetCoolingThreshold  CommandKind = "set_cooling_threshold"
	CommandSetRange             CommandKind = "set_range"
	CommandSetAway              CommandKind = "set_away"
)

// Command is one user intent for a thermostat. Only the fields relevant to
// Kind are read.
type Command struct {
	Kind  CommandKind `json:"kind"`
	Mode  nle.Mode    `json:"mode,omitempty"`
	Value float64     `json:"value,omitempty"`
	Low   float64     `json:"low,omitempty"`
	High  float64     `json:"high,omitempty"`
	Away  bool        `json:"away,omitempty"`
}

// SessionConfig holds everything a session needs besides its state
type SessionConfig struct {
	Backend  Backend
	Interval time.Duration
	Recorder Recorder
	Events   EventLogger
	// OnNotFound is called when the backend no longer knows the device
	OnNotFound func(serial string)
	// OnUnauthorized is called when the backend rejects the API key
	OnUnauthorized func(err error)
	// OnChange is called after every accepted state change
	OnChange StateListener
}

// Session owns the live state of one thermostat. It refreshes the state on
// a fixed interval and applies user commands with optimistic updates.
type Session struct {
	cfg    SessionConfig
	logger *log.Logger
	sink   Sink

	mu          sync.RWMutex
	state       nle.ThermostatState
	generation  uint64
	stopped     bool
	lastRefresh time.Time
	lastError   error

	// cmdMu serializes commands on this session
	cmdMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewSession creates a stopped-until-started session for initial
func NewSession(initial nle.ThermostatState, cfg SessionConfig) *Session {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Events == nil {
		cfg.Events = nopEvents{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:   cfg,
		state: initial,
		logger: log.WithFields(map[string]interface{}{
			"serial":    initial.Serial,
			"device_id": initial.DeviceID,
		}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// bind attaches the sink returned by the host
func (s *Session) bind(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Start launches the refresh loop
func (s *Session) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
}

func (s *Session) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.Refresh(s.ctx)
		}
	}
}

// Stop cancels the refresh loop and waits for it to exit. Safe to call more
// than once. Must not be called from the session's own refresh callbacks.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		s.mu.Unlock()

		s.cancel()
		if started {
			<-s.done
		}
		s.logger.Debug("Session stopped")
	})
}

// Stopped reports whether Stop has been called
func (s *Session) Stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// State returns a copy of the current snapshot
func (s *Session) State() nle.ThermostatState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Serial returns the reconciliation key of this session
func (s *Session) Serial() string {
	return s.State().Serial
}

// LastRefresh returns when the last refresh was applied and the error of the
// last refresh attempt, if any
func (s *Session) LastRefresh() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh, s.lastError
}

// Refresh fetches and applies the backend's current state. On failure the
// previous state is kept. A result is discarded if a command completed while
// the fetch was in flight or the session was stopped.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.RLock()
	gen := s.generation
	deviceID := s.state.DeviceID
	serial := s.state.Serial
	stopped := s.stopped
	s.mu.RUnlock()

	if stopped {
		return ErrSessionStopped
	}

	status, err := s.cfg.Backend.FetchStatus(ctx, deviceID)
	if err != nil {
		s.mu.Lock()
		s.lastError = err
		stopped = s.stopped
		s.mu.Unlock()
		if stopped && errors.Is(err, context.Canceled) {
			return ErrSessionStopped
		}
		s.cfg.Recorder.ObserveRefresh(s.Serial(), err)
		s.handleBackendError("refresh", err)
		return err
	}

	if status != nil && status.Device.Serial != "" && status.Device.Serial != serial {
		s.logger.Warn("Status serial %q differs from session serial, keeping %q", status.Device.Serial, serial)
	}
	next := nle.ParseKnownStatus(deviceID, serial, status)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.generation != gen {
		s.mu.Unlock()
		s.logger.Debug("Discarding refresh that raced a command")
		return nil
	}
	s.state = next
	s.lastRefresh = time.Now()
	s.lastError = nil
	s.mu.Unlock()

	s.cfg.Recorder.ObserveRefresh(next.Serial, nil)
	s.publish(next, Characteristics...)
	s.notify(next)
	s.logger.Debug("Refreshed: mode=%s state=%s current=%.1f target=%.1f",
		next.HVACMode, next.HVACState, next.CurrentTemperature, next.TargetTemperature)
	return nil
}

// ApplyCommand sends exactly one write to the backend and, on success,
// applies the change locally without waiting for the next refresh. On failure
// the state is untouched and the returned error wraps ErrCommunication.
func (s *Session) ApplyCommand(ctx context.Context, cmd Command) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if s.Stopped() {
		return ErrSessionStopped
	}

	current := s.State()
	deviceID := current.DeviceID

	var (
		err    error
		mutate func(*nle.ThermostatState)
		chars  []Characteristic
	)

	switch cmd.Kind {
	case CommandSetMode:
		if !cmd.Mode.Valid() {
			return fmt.Errorf("%w: unknown mode %q", ErrInvalidCommand, cmd.Mode)
		}
		s.logger.Info("Setting %s mode to %s", current.Name, cmd.Mode)
		_, err = s.cfg.Backend.SetMode(ctx, deviceID, cmd.Mode)
		mutate = func(st *nle.ThermostatState) {
			st.HVACMode = cmd.Mode
			if cmd.Mode == nle.ModeOff {
				st.HVACState = nle.ActivityOff
			}
		}
		chars = []Characteristic{TargetHeatingCoolingState, CurrentHeatingCoolingState}

	case CommandSetTargetTemperature:
		mode := nle.ModeHeat
		if current.HVACMode == nle.ModeCool {
			mode = nle.ModeCool
		}
		s.logger.Info("Setting %s target temperature to %.1f°C (%s)", current.Name, cmd.Value, mode)
		_, err = s.cfg.Backend.SetTemperature(ctx, deviceID, cmd.Value, mode)
		mutate = func(st *nle.ThermostatState) {
			st.TargetTemperature = cmd.Value
		}
		chars = []Characteristic{TargetTemperature}

	case CommandSetHeatingThreshold, CommandSetCoolingThreshold, CommandSetRange:
		low, high := rangeFor(cmd, current)
		if low > high {
			return fmt.Errorf("%w: low %.1f above high %.1f", ErrInvalidCommand, low, high)
		}
		s.logger.Info("Setting %s range to %.1f-%.1f°C", current.Name, low, high)
		_, err = s.cfg.Backend.SetTemperatureRange(ctx, deviceID, low, high)
		mutate = func(st *nle.ThermostatState) {
			st.TargetTemperatureLow = low
			st.TargetTemperatureHigh = high
		}
		chars = []Characteristic{HeatingThresholdTemperature, CoolingThresholdTemperature}

	case CommandSetAway:
		s.logger.Info("Setting %s away to %t", current.Name, cmd.Away)
		_, err = s.cfg.Backend.SetAwayMode(ctx, deviceID, cmd.Away)
		mutate = func(st *nle.ThermostatState) {
			st.AwayMode = cmd.Away
		}

	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, cmd.Kind)
	}

	s.cfg.Recorder.ObserveCommand(current.Serial, cmd.Kind, err)
	if err != nil {
		s.logger.Error("Command %s failed: %v", cmd.Kind, err)
		s.handleBackendError("command", err)
		return fmt.Errorf("%w: %w", ErrCommunication, err)
	}

	s.mu.Lock()
	mutate(&s.state)
	s.generation++
	next := s.state
	s.mu.Unlock()

	s.cfg.Events.RecordEvent(EventCommand, fmt.Sprintf("%s: %s", next.Name, cmd.Kind), map[string]interface{}{
		"serial":  next.Serial,
		"command": cmd,
	})
	s.publish(next, chars...)
	s.notify(next)
	return nil
}

// rangeFor resolves the pair of thresholds a range write sends. The bound
// not being written comes from local state; if the written bound crosses it,
// the other bound follows.
func rangeFor(cmd Command, current nle.ThermostatState) (float64, float64) {
	switch cmd.Kind {
	case CommandSetHeatingThreshold:
		high := current.TargetTemperatureHigh
		if cmd.Value > high {
			high = cmd.Value
		}
		return cmd.Value, high
	case CommandSetCoolingThreshold:
		low := current.TargetTemperatureLow
		if cmd.Value < low {
			low = cmd.Value
		}
		return low, cmd.Value
	default:
		return cmd.Low, cmd.High
	}
}

// Value implements Handler. It only reads the in-memory snapshot.
func (s *Session) Value(ch Characteristic) float64 {
	return ValueOf(s.State(), ch)
}

// Set implements Handler by translating a characteristic write into a command
func (s *Session) Set(ctx context.Context, ch Characteristic, value float64) error {
	var cmd Command
	switch ch {
	case TargetHeatingCoolingState:
		mode, err := ModeFromCode(codeOf(value))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		cmd = Command{Kind: CommandSetMode, Mode: mode}
	case TargetTemperature:
		cmd = Command{Kind: CommandSetTargetTemperature, Value: value}
	case HeatingThresholdTemperature:
		cmd = Command{Kind: CommandSetHeatingThreshold, Value: value}
	case CoolingThresholdTemperature:
		cmd = Command{Kind: CommandSetCoolingThreshold, Value: value}
	default:
		return fmt.Errorf("%w: %s", ErrReadOnly, ch)
	}
	return s.ApplyCommand(ctx, cmd)
}

func (s *Session) publish(state nle.ThermostatState, chars ...Characteristic) {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()

	if sink == nil {
		return
	}
	for _, ch := range chars {
		sink.Publish(ch, ValueOf(state, ch))
	}
}

func (s *Session) notify(state nle.ThermostatState) {
	s.cfg.Recorder.ObserveState(state)
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(state)
	}
}

// handleBackendError logs err at the level its class deserves and escalates
// auth and not-found failures to the platform
func (s *Session) handleBackendError(op string, err error) {
	switch {
	case errors.Is(err, nle.ErrUnauthorized):
		if s.cfg.OnUnauthorized != nil {
			s.cfg.OnUnauthorized(err)
		}
	case errors.Is(err, nle.ErrRateLimited):
		s.logger.Warn("Rate limited during %s: %v", op, err)
	case errors.Is(err, nle.ErrNotFound):
		s.logger.Warn("Device not found during %s, requesting rediscovery", op)
		if s.cfg.OnNotFound != nil {
			s.cfg.OnNotFound(s.Serial())
		}
	case errors.Is(err, context.Canceled):
		s.logger.Debug("%s cancelled", op)
	default:
		if op == "refresh" {
			s.logger.Error("Failed to refresh: %v", err)
		}
	}
}
