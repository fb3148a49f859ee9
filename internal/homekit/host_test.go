package homekit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lastowl/nolongerevil-bridge/internal/nle"
	"github.com/lastowl/nolongerevil-bridge/internal/platform"
)

type memoryCache struct {
	mu      sync.Mutex
	records map[string]platform.Accessory
	deleted []string
}

func newMemoryCache(accs ...platform.Accessory) *memoryCache {
	c := &memoryCache{records: make(map[string]platform.Accessory)}
	for _, acc := range accs {
		c.records[acc.Serial] = acc
	}
	return c
}

func (c *memoryCache) LoadAccessories() ([]platform.Accessory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []platform.Accessory
	for _, acc := range c.records {
		out = append(out, acc)
	}
	return out, nil
}

func (c *memoryCache) SaveAccessory(acc platform.Accessory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[acc.Serial] = acc
	return nil
}

func (c *memoryCache) DeleteAccessories(serials []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range serials {
		delete(c.records, s)
		c.deleted = append(c.deleted, s)
	}
	return nil
}

type stubHandler struct {
	state nle.ThermostatState
	err   error
	sets  []platform.Characteristic
}

func (h *stubHandler) Value(ch platform.Characteristic) float64 {
	return platform.ValueOf(h.state, ch)
}

func (h *stubHandler) Set(ctx context.Context, ch platform.Characteristic, v float64) error {
	h.sets = append(h.sets, ch)
	return h.err
}

func sampleState(serial string) nle.ThermostatState {
	return nle.ThermostatState{
		DeviceID:              "dev-" + serial,
		Serial:                serial,
		Name:                  "Nest " + serial,
		CurrentTemperature:    21.5,
		TargetTemperature:     22,
		TargetTemperatureLow:  19,
		TargetTemperatureHigh: 25,
		HVACMode:              nle.ModeHeatCool,
		HVACState:             nle.ActivityCooling,
		Humidity:              40,
	}
}

func newTestHost(t *testing.T, cache Cache) *Host {
	t.Helper()
	h, err := NewHost(Config{Name: "Test Bridge", Pin: "00102003", StoreDir: t.TempDir()}, cache)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	return h
}

func TestIdentity_StableAndReserved(t *testing.T) {
	h := newTestHost(t, nil)
	a1 := h.Identity("09AF123456")
	a2 := h.Identity("09AF123456")
	b := h.Identity("09AF654321")

	if a1 != a2 {
		t.Fatal("identity must be deterministic")
	}
	if a1 == b {
		t.Fatal("different serials should not collide here")
	}
	for _, serial := range []string{"", "A", "09AF123456"} {
		if id := h.Identity(serial); id <= bridgeID {
			t.Fatalf("identity %d for %q collides with reserved ids", id, serial)
		}
	}
}

func TestRegister_PublishesAndCaches(t *testing.T) {
	cache := newMemoryCache()
	h := newTestHost(t, cache)
	state := sampleState("S1")
	handler := &stubHandler{state: state}

	sink, err := h.Register(platform.Accessory{Serial: "S1", Name: state.Name, Context: state}, handler)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	known := h.Known()
	if len(known) != 1 || known[0].ID != h.Identity("S1") {
		t.Fatalf("Known() = %+v", known)
	}
	if _, ok := cache.records["S1"]; !ok {
		t.Fatal("accessory not cached")
	}

	th := sink.(*thermostat)
	if got := th.service.TargetHeatingCoolingState.Value(); got != platform.HeatingCoolingAuto {
		t.Fatalf("target state = %d, want auto", got)
	}
	if got := th.service.CurrentHeatingCoolingState.Value(); got != platform.HeatingCoolingCool {
		t.Fatalf("current state = %d, want cool", got)
	}
	if got := th.heating.Value(); got != 19 {
		t.Fatalf("heating threshold = %v", got)
	}
	if got := th.humidity.CurrentRelativeHumidity.Value(); got != 40 {
		t.Fatalf("humidity = %v", got)
	}

	sink.Publish(platform.CurrentTemperature, 18.5)
	if got := th.service.CurrentTemperature.Value(); got != 18.5 {
		t.Fatalf("current temperature = %v", got)
	}
	sink.Publish(platform.TargetTemperature, 40)
	if got := th.service.TargetTemperature.Value(); got != setpointMax {
		t.Fatalf("target temperature = %v, want clamped %v", got, setpointMax)
	}
}

func TestReads_GoThroughHandler(t *testing.T) {
	h := newTestHost(t, nil)
	state := sampleState("S1")
	handler := &stubHandler{state: state}
	sink, _ := h.Register(platform.Accessory{Serial: "S1", Context: state}, handler)
	th := sink.(*thermostat)

	handler.state.CurrentTemperature = 30
	v, status := th.service.CurrentTemperature.C.ValueRequestFunc(nil)
	if status != statusSuccess || v.(float64) != 30 {
		t.Fatalf("read = %v/%d, want 30", v, status)
	}
	v, _ = th.service.TargetHeatingCoolingState.C.ValueRequestFunc(nil)
	if v.(int) != platform.HeatingCoolingAuto {
		t.Fatalf("mode read = %v", v)
	}
}

func TestWrites_RouteToHandler(t *testing.T) {
	h := newTestHost(t, nil)
	handler := &stubHandler{state: sampleState("S1")}
	sink, _ := h.Register(platform.Accessory{Serial: "S1", Context: handler.state}, handler)
	th := sink.(*thermostat)

	if err := th.write(platform.HeatingThresholdTemperature, 19); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(handler.sets) != 1 || handler.sets[0] != platform.HeatingThresholdTemperature {
		t.Fatalf("sets = %v", handler.sets)
	}

	handler.err = platform.ErrCommunication
	if err := th.write(platform.TargetTemperature, 21); !errors.Is(err, platform.ErrCommunication) {
		t.Fatalf("err = %v", err)
	}
}

func TestCachedAccessory_ServesContextUntilBound(t *testing.T) {
	state := sampleState("OLD")
	cache := newMemoryCache(platform.Accessory{ID: 99, Serial: "OLD", Name: state.Name, Context: state})
	h := newTestHost(t, cache)

	known := h.Known()
	if len(known) != 1 || known[0].Serial != "OLD" {
		t.Fatalf("Known() = %+v", known)
	}

	h.mu.RLock()
	th := h.accessories["OLD"]
	h.mu.RUnlock()
	if got := th.value(platform.CurrentTemperature); got != 21.5 {
		t.Fatalf("cached read = %v", got)
	}
	if err := th.write(platform.TargetTemperature, 20); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}

	handler := &stubHandler{state: state}
	sink, err := h.Update(platform.Accessory{Serial: "OLD", Context: state}, handler)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if sink.(*thermostat) != th {
		t.Fatal("Update must keep the existing hap accessory")
	}
	if err := th.write(platform.TargetTemperature, 20); err != nil {
		t.Fatalf("write after bind: %v", err)
	}
}

func TestUnregister_RemovesAndSignals(t *testing.T) {
	cache := newMemoryCache()
	h := newTestHost(t, cache)
	state := sampleState("S1")
	if _, err := h.Register(platform.Accessory{Serial: "S1", Context: state}, &stubHandler{state: state}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	<-h.changed

	if err := h.Unregister([]platform.Accessory{{Serial: "S1"}, {Serial: "unknown"}}); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if len(h.Known()) != 0 {
		t.Fatal("accessory still known")
	}
	if len(cache.deleted) != 1 || cache.deleted[0] != "S1" {
		t.Fatalf("deleted = %v", cache.deleted)
	}
	select {
	case <-h.changed:
	default:
		t.Fatal("expected a topology change")
	}
}

func TestRemember_UpdatesCache(t *testing.T) {
	cache := newMemoryCache()
	h := newTestHost(t, cache)
	state := sampleState("S1")
	if _, err := h.Register(platform.Accessory{Serial: "S1", Context: state}, &stubHandler{state: state}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	state.CurrentTemperature = 17
	h.Remember(state)
	h.Remember(sampleState("not-registered"))

	if got := cache.records["S1"].Context.CurrentTemperature; got != 17 {
		t.Fatalf("cached temperature = %v", got)
	}
	if _, ok := cache.records["not-registered"]; ok {
		t.Fatal("unknown serial should not be cached")
	}
}
