package platform

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/lastowl/nolongerevil-bridge/internal/nle"
)

type backendCall struct {
	op   string
	id   string
	args []interface{}
}

type fakeBackend struct {
	mu        sync.Mutex
	devices   []nle.Device
	listErr   error
	statuses  map[string]*nle.DeviceStatus
	statusErr map[string]error
	writeErr  error
	calls     []backendCall

	// fetchGate, when set, blocks FetchStatus until it is closed
	fetchGate    chan struct{}
	fetchStarted chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		statuses:  make(map[string]*nle.DeviceStatus),
		statusErr: make(map[string]error),
	}
}

// addDevice lists a device and serves status for it
func (b *fakeBackend) addDevice(id, serial string, shared map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = append(b.devices, nle.Device{ID: id, Serial: serial})
	b.statuses[id] = makeStatus(id, serial, shared)
}

func (b *fakeBackend) setStatus(id, serial string, shared map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[id] = makeStatus(id, serial, shared)
}

func (b *fakeBackend) record(op, id string, args ...interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, backendCall{op: op, id: id, args: args})
	return b.writeErr
}

func (b *fakeBackend) writes() []backendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []backendCall
	for _, c := range b.calls {
		if c.op != "fetch" && c.op != "list" {
			out = append(out, c)
		}
	}
	return out
}

func (b *fakeBackend) ListDevices(ctx context.Context) ([]nle.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, backendCall{op: "list"})
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]nle.Device(nil), b.devices...), nil
}

func (b *fakeBackend) FetchStatus(ctx context.Context, deviceID string) (*nle.DeviceStatus, error) {
	b.mu.Lock()
	b.calls = append(b.calls, backendCall{op: "fetch", id: deviceID})
	status, err := b.statuses[deviceID], b.statusErr[deviceID]
	gate, started := b.fetchGate, b.fetchStarted
	b.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, &nle.APIError{Method: "GET", Path: "/thermostat/" + deviceID + "/status", Status: 404}
	}
	return status, nil
}

func (b *fakeBackend) SetTemperature(ctx context.Context, id string, value float64, mode nle.Mode) (*nle.Response, error) {
	if err := b.record("temperature", id, value, mode); err != nil {
		return nil, err
	}
	return &nle.Response{StatusCode: 200}, nil
}

func (b *fakeBackend) SetTemperatureRange(ctx context.Context, id string, low, high float64) (*nle.Response, error) {
	if err := b.record("range", id, low, high); err != nil {
		return nil, err
	}
	return &nle.Response{StatusCode: 200}, nil
}

func (b *fakeBackend) SetMode(ctx context.Context, id string, mode nle.Mode) (*nle.Response, error) {
	if err := b.record("mode", id, mode); err != nil {
		return nil, err
	}
	return &nle.Response{StatusCode: 200}, nil
}

func (b *fakeBackend) SetAwayMode(ctx context.Context, id string, away bool) (*nle.Response, error) {
	if err := b.record("away", id, away); err != nil {
		return nil, err
	}
	return &nle.Response{StatusCode: 200}, nil
}

func makeStatus(id, serial string, shared map[string]interface{}) *nle.DeviceStatus {
	status := &nle.DeviceStatus{State: map[string]nle.StatusEntry{}}
	status.Device.ID = id
	status.Device.Serial = serial
	status.State["shared."+serial] = nle.StatusEntry{Value: shared}
	return status
}

type published struct {
	ch    Characteristic
	value float64
}

type fakeSink struct {
	mu     sync.Mutex
	values []published
}

func (s *fakeSink) Publish(ch Characteristic, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, published{ch, value})
}

func (s *fakeSink) last(ch Characteristic) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.values) - 1; i >= 0; i-- {
		if s.values[i].ch == ch {
			return s.values[i].value, true
		}
	}
	return 0, false
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

func (s *fakeSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = nil
}

type fakeHost struct {
	mu           sync.Mutex
	accessories  map[string]Accessory
	handlers     map[string]Handler
	sinks        map[string]*fakeSink
	registered   []string
	updated      []string
	unregistered []string
	registerErr  error
}

func newFakeHost(cached ...Accessory) *fakeHost {
	h := &fakeHost{
		accessories: make(map[string]Accessory),
		handlers:    make(map[string]Handler),
		sinks:       make(map[string]*fakeSink),
	}
	for _, acc := range cached {
		h.accessories[acc.Serial] = acc
	}
	return h
}

func (h *fakeHost) Identity(serial string) uint64 {
	f := fnv.New64a()
	_, _ = f.Write([]byte(serial))
	return f.Sum64()
}

func (h *fakeHost) Known() []Accessory {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Accessory, 0, len(h.accessories))
	for _, acc := range h.accessories {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

func (h *fakeHost) Register(acc Accessory, handler Handler) (Sink, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.registerErr != nil {
		return nil, h.registerErr
	}
	h.registered = append(h.registered, acc.Serial)
	return h.store(acc, handler), nil
}

func (h *fakeHost) Update(acc Accessory, handler Handler) (Sink, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updated = append(h.updated, acc.Serial)
	return h.store(acc, handler), nil
}

func (h *fakeHost) store(acc Accessory, handler Handler) Sink {
	h.accessories[acc.Serial] = acc
	h.handlers[acc.Serial] = handler
	sink := &fakeSink{}
	h.sinks[acc.Serial] = sink
	return sink
}

func (h *fakeHost) Unregister(accs []Accessory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, acc := range accs {
		delete(h.accessories, acc.Serial)
		delete(h.handlers, acc.Serial)
		h.unregistered = append(h.unregistered, acc.Serial)
	}
	return nil
}

func (h *fakeHost) serials() []string {
	var out []string
	for _, acc := range h.Known() {
		out = append(out, acc.Serial)
	}
	return out
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEvents) RecordEvent(eventType, message string, details map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
}

func (e *fakeEvents) has(eventType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev == eventType {
			return true
		}
	}
	return false
}
