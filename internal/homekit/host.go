package homekit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	haplog "github.com/brutella/hap/log"

	"github.com/lastowl/nolongerevil-bridge/internal/log"
	"github.com/lastowl/nolongerevil-bridge/internal/nle"
	"github.com/lastowl/nolongerevil-bridge/internal/platform"
)

// restartDelay collects topology changes from one discovery sweep into a
// single server restart
const restartDelay = 2 * time.Second

// bridgeID is reserved by hap for the bridge accessory
const bridgeID = 1

// Cache persists accessory records across restarts
type Cache interface {
	LoadAccessories() ([]platform.Accessory, error)
	SaveAccessory(acc platform.Accessory) error
	DeleteAccessories(serials []string) error
}

// Config configures the hap server
type Config struct {
	Name     string
	Pin      string
	Port     int
	StoreDir string
	Debug    bool
}

// Host exposes thermostats as HomeKit accessories behind one bridge
type Host struct {
	cfg    Config
	cache  Cache
	bridge *accessory.Bridge

	mu          sync.RWMutex
	accessories map[string]*thermostat

	changed chan struct{}
	running bool
}

// NewHost creates a host and restores cached accessories. Restored
// accessories answer reads from their cached context until a session binds.
func NewHost(cfg Config, cache Cache) (*Host, error) {
	if cfg.Name == "" {
		cfg.Name = "NoLongerEvil Bridge"
	}
	if cfg.Debug {
		haplog.Debug.Enable()
	}

	h := &Host{
		cfg:         cfg,
		cache:       cache,
		bridge:      accessory.NewBridge(accessory.Info{Name: cfg.Name, Manufacturer: "NoLongerEvil"}),
		accessories: make(map[string]*thermostat),
		changed:     make(chan struct{}, 1),
	}

	if cache != nil {
		cached, err := cache.LoadAccessories()
		if err != nil {
			return nil, fmt.Errorf("failed to load accessory cache: %w", err)
		}
		for _, acc := range cached {
			h.accessories[acc.Serial] = newThermostat(acc)
		}
		if len(cached) > 0 {
			log.Info("Restored %d accessories from cache", len(cached))
		}
	}

	return h, nil
}

// Identity derives a stable accessory id from the serial. hap ids are
// 64-bit, but 0 and 1 are reserved, so the 32-bit hash is offset past them.
func (h *Host) Identity(serial string) uint64 {
	f := fnv.New32a()
	_, _ = f.Write([]byte(serial))
	return uint64(f.Sum32()) + bridgeID + 1
}

// Known implements platform.Host
func (h *Host) Known() []platform.Accessory {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]platform.Accessory, 0, len(h.accessories))
	for _, t := range h.accessories {
		out = append(out, t.record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// Register implements platform.Host. A serial that is already present (for
// instance restored from the cache) keeps its hap accessory.
func (h *Host) Register(acc platform.Accessory, handler platform.Handler) (platform.Sink, error) {
	if acc.Serial == "" {
		return nil, errors.New("register: empty serial")
	}
	if acc.ID == 0 {
		acc.ID = h.Identity(acc.Serial)
	}

	h.mu.Lock()
	t, existed := h.accessories[acc.Serial]
	if !existed {
		t = newThermostat(acc)
		h.accessories[acc.Serial] = t
	}
	h.mu.Unlock()

	t.bind(acc, handler)
	h.persist(acc)
	if !existed {
		h.topologyChanged()
	}
	return t, nil
}

// Update implements platform.Host. The hap accessory is kept so paired
// controllers see no change in identity.
func (h *Host) Update(acc platform.Accessory, handler platform.Handler) (platform.Sink, error) {
	h.mu.RLock()
	t, ok := h.accessories[acc.Serial]
	h.mu.RUnlock()

	if !ok {
		return h.Register(acc, handler)
	}

	if acc.ID == 0 {
		acc.ID = t.Id
	}
	t.bind(acc, handler)
	h.persist(acc)
	return t, nil
}

// Unregister implements platform.Host
func (h *Host) Unregister(accs []platform.Accessory) error {
	serials := make([]string, 0, len(accs))

	h.mu.Lock()
	for _, acc := range accs {
		if _, ok := h.accessories[acc.Serial]; ok {
			delete(h.accessories, acc.Serial)
			serials = append(serials, acc.Serial)
		}
	}
	h.mu.Unlock()

	if len(serials) == 0 {
		return nil
	}
	h.topologyChanged()

	if h.cache != nil {
		if err := h.cache.DeleteAccessories(serials); err != nil {
			return fmt.Errorf("failed to delete cached accessories: %w", err)
		}
	}
	return nil
}

// Remember stores the latest state of a thermostat in the cache. It is
// registered as a platform state listener.
func (h *Host) Remember(state nle.ThermostatState) {
	h.mu.RLock()
	t, ok := h.accessories[state.Serial]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.persist(t.remember(state))
}

func (h *Host) persist(acc platform.Accessory) {
	if h.cache == nil {
		return
	}
	if err := h.cache.SaveAccessory(acc); err != nil {
		log.WithField("serial", acc.Serial).Warn("Failed to cache accessory: %v", err)
	}
}

func (h *Host) topologyChanged() {
	select {
	case h.changed <- struct{}{}:
	default:
	}
}

// Running reports whether the hap server is currently serving
func (h *Host) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Pin returns the pairing code
func (h *Host) Pin() string {
	return h.cfg.Pin
}

// Run serves the bridge until ctx is done. hap needs the full accessory set
// up front, so the server is restarted whenever accessories are added or
// removed.
func (h *Host) Run(ctx context.Context) error {
	for {
		server, err := h.newServer()
		if err != nil {
			return err
		}

		srvCtx, cancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() {
			errc <- server.ListenAndServe(srvCtx)
		}()
		h.setRunning(true)

		select {
		case <-ctx.Done():
			cancel()
			<-errc
			h.setRunning(false)
			return nil

		case err := <-errc:
			cancel()
			h.setRunning(false)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("homekit server: %w", err)
			}
			return nil

		case <-h.changed:
			if !h.settle(ctx) {
				cancel()
				<-errc
				h.setRunning(false)
				return nil
			}
			log.Info("Accessory set changed, restarting HomeKit server")
			cancel()
			<-errc
			h.setRunning(false)
		}
	}
}

// settle waits for further changes to stop arriving. It returns false if ctx
// ends first.
func (h *Host) settle(ctx context.Context) bool {
	timer := time.NewTimer(restartDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-h.changed:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(restartDelay)
		case <-timer.C:
			return true
		}
	}
}

func (h *Host) setRunning(v bool) {
	h.mu.Lock()
	h.running = v
	h.mu.Unlock()
}

func (h *Host) newServer() (*hap.Server, error) {
	h.mu.RLock()
	serials := make([]string, 0, len(h.accessories))
	for serial := range h.accessories {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	accs := make([]*accessory.A, 0, len(serials))
	for _, serial := range serials {
		accs = append(accs, h.accessories[serial].A)
	}
	h.mu.RUnlock()

	server, err := hap.NewServer(hap.NewFsStore(h.cfg.StoreDir), h.bridge.A, accs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HomeKit server: %w", err)
	}
	server.Pin = h.cfg.Pin
	if h.cfg.Port > 0 {
		server.Addr = fmt.Sprintf(":%d", h.cfg.Port)
	}

	log.Info("HomeKit bridge %q serving %d thermostats (pin %s)", h.cfg.Name, len(accs), h.cfg.Pin)
	return server, nil
}
