package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lastowl/nolongerevil-bridge/internal/log"
	"github.com/lastowl/nolongerevil-bridge/internal/nle"
)

var (
	// ErrDiscoveryFailed means the sweep produced no usable result. No
	// accessory is touched.
	ErrDiscoveryFailed = errors.New("discovery failed")
	// ErrNoDevices means the backend listed zero devices. No accessory is
	// removed.
	ErrNoDevices = errors.New("no thermostats found")
	// ErrUnknownDevice is returned for serials without a session
	ErrUnknownDevice = errors.New("unknown thermostat")
	// ErrSuspended is returned while the API key is known to be rejected
	ErrSuspended = errors.New("platform suspended: API key rejected")
)

// Event types recorded through EventLogger
const (
	EventDiscovery   = "discovery"
	EventCommand     = "command"
	EventCredentials = "credentials"
	EventError       = "error"
)

// Config wires the platform to its collaborators
type Config struct {
	Backend      Backend
	Host         Host
	PollInterval time.Duration
	Recorder     Recorder
	Events       EventLogger
}

// DiscoveryResult summarizes one sweep
type DiscoveryResult struct {
	Listed  int       `json:"listed"`
	Failed  int       `json:"failed"`
	Added   int       `json:"added"`
	Updated int       `json:"updated"`
	Removed int       `json:"removed"`
	At      time.Time `json:"at"`
}

// Status is a snapshot of the platform for the web UI
type Status struct {
	Suspended     bool             `json:"suspended"`
	Thermostats   int              `json:"thermostats"`
	LastDiscovery *DiscoveryResult `json:"last_discovery,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
}

// Platform runs discovery sweeps, applies reconciliation plans to the host and
// owns one Session per registered thermostat.
type Platform struct {
	cfg Config

	// sweepMu serializes discovery, suspension and shutdown
	sweepMu sync.Mutex

	mu            sync.RWMutex
	sessions      map[string]*Session
	suspended     bool
	lastDiscovery *DiscoveryResult
	lastError     error

	listenersMu sync.RWMutex
	listeners   []StateListener

	rediscover   chan struct{}
	unauthorized chan error
}

// New creates a platform. Nothing runs until Run or Discover is called.
func New(cfg Config) *Platform {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Events == nil {
		cfg.Events = nopEvents{}
	}
	return &Platform{
		cfg:          cfg,
		sessions:     make(map[string]*Session),
		rediscover:   make(chan struct{}, 1),
		unauthorized: make(chan error, 1),
	}
}

// AddListener registers a callback for every accepted state change
func (p *Platform) AddListener(l StateListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners = append(p.listeners, l)
}

func (p *Platform) broadcast(state nle.ThermostatState) {
	p.listenersMu.RLock()
	listeners := p.listeners
	p.listenersMu.RUnlock()

	for _, l := range listeners {
		l(state)
	}
}

// Run performs the launch sweep and then serves rediscovery requests and
// auth failures until ctx is done. All sessions are stopped on return.
func (p *Platform) Run(ctx context.Context) error {
	log.Info("Starting discovery (poll interval %s)", p.cfg.PollInterval)
	p.logDiscovery(p.Discover(ctx))

	for {
		select {
		case <-ctx.Done():
			p.StopAll()
			return nil
		case <-p.rediscover:
			if p.Suspended() {
				continue
			}
			p.logDiscovery(p.Discover(ctx))
		case err := <-p.unauthorized:
			p.suspend(err)
		}
	}
}

func (p *Platform) logDiscovery(res *DiscoveryResult, err error) {
	switch {
	case errors.Is(err, ErrNoDevices):
		log.Warn("No thermostats found on the account")
	case errors.Is(err, ErrSuspended):
		log.Warn("Discovery skipped: %v", err)
	case err != nil:
		log.Error("Discovery failed: %v", err)
	default:
		log.Info("Discovery complete: %d listed, %d added, %d updated, %d removed, %d failed",
			res.Listed, res.Added, res.Updated, res.Removed, res.Failed)
	}
}

// RequestDiscovery asks Run to perform a new sweep. Requests made while one
// is already pending collapse into it.
func (p *Platform) RequestDiscovery() {
	select {
	case p.rediscover <- struct{}{}:
	default:
	}
}

func (p *Platform) reportUnauthorized(err error) {
	select {
	case p.unauthorized <- err:
	default:
	}
}

// Discover lists the account's thermostats, fetches each one's status and
// reconciles the result against the host. A single device failing does not
// abort the sweep.
func (p *Platform) Discover(ctx context.Context) (*DiscoveryResult, error) {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	if p.Suspended() {
		return nil, ErrSuspended
	}

	res, err := p.sweep(ctx)

	p.mu.Lock()
	if res != nil {
		p.lastDiscovery = res
	}
	p.lastError = err
	p.mu.Unlock()

	found, failed := 0, 0
	if res != nil {
		found, failed = res.Listed-res.Failed, res.Failed
	}
	p.cfg.Recorder.ObserveDiscovery(found, failed, err)
	return res, err
}

func (p *Platform) sweep(ctx context.Context) (*DiscoveryResult, error) {
	devices, err := p.cfg.Backend.ListDevices(ctx)
	if err != nil {
		if errors.Is(err, nle.ErrUnauthorized) {
			p.suspendLocked(err)
		}
		p.cfg.Events.RecordEvent(EventError, "Failed to list devices", map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("%w: list devices: %w", ErrDiscoveryFailed, err)
	}

	res := &DiscoveryResult{Listed: len(devices), At: time.Now()}
	if len(devices) == 0 {
		p.cfg.Events.RecordEvent(EventDiscovery, "No thermostats found", nil)
		return res, ErrNoDevices
	}

	var (
		states []nle.ThermostatState
		retain []string
	)
	for _, device := range devices {
		status, err := p.cfg.Backend.FetchStatus(ctx, device.ID)
		if err != nil {
			if errors.Is(err, nle.ErrUnauthorized) {
				p.suspendLocked(err)
				return res, fmt.Errorf("%w: fetch %s: %w", ErrDiscoveryFailed, device.Serial, err)
			}
			log.WithField("serial", device.Serial).Error("Failed to fetch thermostat status: %v", err)
			res.Failed++
			retain = append(retain, device.Serial)
			continue
		}

		if status.Device.Serial != "" && status.Device.Serial != device.Serial && device.Serial != "" {
			log.Warn("Status serial %q differs from listed serial %q, using listed", status.Device.Serial, device.Serial)
		}
		state := nle.ParseKnownStatus(device.ID, device.Serial, status)
		states = append(states, state)
	}

	if len(states) == 0 {
		p.cfg.Events.RecordEvent(EventError, "Every listed thermostat failed to load", map[string]interface{}{"listed": len(devices)})
		return res, fmt.Errorf("%w: all %d devices failed", ErrDiscoveryFailed, len(devices))
	}

	plan := Reconcile(states, p.cfg.Host.Known(), retain)
	res.Added, res.Updated, res.Removed = p.apply(plan)

	p.cfg.Events.RecordEvent(EventDiscovery, fmt.Sprintf("Discovered %d thermostats", len(states)), map[string]interface{}{
		"added":   res.Added,
		"updated": res.Updated,
		"removed": res.Removed,
		"failed":  res.Failed,
	})
	return res, nil
}

// apply executes a plan against the host. Sessions of updated and removed
// accessories are stopped before the host sees the change.
func (p *Platform) apply(plan Plan) (added, updated, removed int) {
	if plan.Empty {
		return 0, 0, 0
	}

	for _, state := range plan.Add {
		if p.bind(state, p.cfg.Host.Register) {
			log.WithField("serial", state.Serial).Info("Adding new accessory: %s", state.Name)
			added++
		}
	}

	for _, state := range plan.Update {
		p.stopSession(state.Serial)
		if p.bind(state, p.cfg.Host.Update) {
			log.WithField("serial", state.Serial).Info("Restoring accessory: %s", state.Name)
			updated++
		}
	}

	if len(plan.Remove) > 0 {
		for _, acc := range plan.Remove {
			log.WithField("serial", acc.Serial).Info("Removing accessory: %s", acc.Name)
			p.stopSession(acc.Serial)
			p.cfg.Recorder.ForgetDevice(acc.Serial)
		}
		if err := p.cfg.Host.Unregister(plan.Remove); err != nil {
			log.Error("Failed to unregister accessories: %v", err)
		} else {
			removed = len(plan.Remove)
		}
	}
	return added, updated, removed
}

type registerFunc func(acc Accessory, handler Handler) (Sink, error)

// bind creates a session for state, hands it to the host and starts it
func (p *Platform) bind(state nle.ThermostatState, register registerFunc) bool {
	session := p.newSession(state)
	acc := Accessory{
		ID:      p.cfg.Host.Identity(state.Serial),
		Serial:  state.Serial,
		Name:    state.Name,
		Context: state,
	}

	sink, err := register(acc, session)
	if err != nil {
		log.WithField("serial", state.Serial).Error("Failed to register accessory: %v", err)
		return false
	}
	session.bind(sink)

	p.mu.Lock()
	p.sessions[state.Serial] = session
	p.mu.Unlock()

	session.publish(state, Characteristics...)
	session.notify(state)
	session.Start()
	return true
}

func (p *Platform) newSession(state nle.ThermostatState) *Session {
	return NewSession(state, SessionConfig{
		Backend:        p.cfg.Backend,
		Interval:       p.cfg.PollInterval,
		Recorder:       p.cfg.Recorder,
		Events:         p.cfg.Events,
		OnNotFound:     func(string) { p.RequestDiscovery() },
		OnUnauthorized: p.reportUnauthorized,
		OnChange:       p.broadcast,
	})
}

func (p *Platform) stopSession(serial string) {
	p.mu.Lock()
	session, ok := p.sessions[serial]
	delete(p.sessions, serial)
	p.mu.Unlock()

	if ok {
		session.Stop()
	}
}

// suspend stops every session after the backend rejected the API key.
// Polling stays off until Resume is called.
func (p *Platform) suspend(err error) {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()
	p.suspendLocked(err)
}

func (p *Platform) suspendLocked(err error) {
	p.mu.Lock()
	if p.suspended {
		p.mu.Unlock()
		return
	}
	p.suspended = true
	p.lastError = err
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	log.Error("API key rejected by NoLongerEvil (%v). Polling stopped for %d thermostats until a new key is configured.", err, len(sessions))
	p.cfg.Events.RecordEvent(EventCredentials, "API key rejected; polling stopped", map[string]interface{}{"error": err.Error()})

	for _, s := range sessions {
		s.Stop()
	}
}

// Resume clears a suspension, typically after a new API key was stored, and
// requests a fresh sweep
func (p *Platform) Resume() {
	p.mu.Lock()
	wasSuspended := p.suspended
	p.suspended = false
	p.mu.Unlock()

	if wasSuspended {
		log.Info("Resuming polling with new credentials")
	}
	p.RequestDiscovery()
}

// Suspended reports whether polling is stopped because of a rejected key
func (p *Platform) Suspended() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.suspended
}

// StopAll stops every session. Accessories stay registered with the host.
func (p *Platform) StopAll() {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	for _, s := range p.Sessions() {
		s.Stop()
	}
}

// Session returns the session for serial
func (p *Platform) Session(serial string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[serial]
	return s, ok
}

// Sessions returns every session ordered by serial
func (p *Platform) Sessions() []*Session {
	p.mu.RLock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Serial() < sessions[j].Serial() })
	return sessions
}

// States returns the current snapshot of every thermostat ordered by serial
func (p *Platform) States() []nle.ThermostatState {
	sessions := p.Sessions()
	states := make([]nle.ThermostatState, 0, len(sessions))
	for _, s := range sessions {
		states = append(states, s.State())
	}
	return states
}

// State returns the snapshot of one thermostat
func (p *Platform) State(serial string) (nle.ThermostatState, error) {
	session, ok := p.Session(serial)
	if !ok {
		return nle.ThermostatState{}, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	return session.State(), nil
}

// ApplyCommand routes a command to the session for serial
func (p *Platform) ApplyCommand(ctx context.Context, serial string, cmd Command) (nle.ThermostatState, error) {
	session, ok := p.Session(serial)
	if !ok {
		return nle.ThermostatState{}, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	if err := session.ApplyCommand(ctx, cmd); err != nil {
		return session.State(), err
	}
	return session.State(), nil
}

// Refresh forces an immediate refresh of one thermostat
func (p *Platform) Refresh(ctx context.Context, serial string) (nle.ThermostatState, error) {
	session, ok := p.Session(serial)
	if !ok {
		return nle.ThermostatState{}, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	if session.Stopped() {
		return session.State(), ErrSessionStopped
	}
	err := session.Refresh(ctx)
	return session.State(), err
}

// Status returns a summary for the web UI
func (p *Platform) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{
		Suspended:     p.suspended,
		Thermostats:   len(p.sessions),
		LastDiscovery: p.lastDiscovery,
	}
	if p.lastError != nil {
		st.LastError = p.lastError.Error()
	}
	return st
}
