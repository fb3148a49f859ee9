package homekit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"

	"github.com/lastowl/nolongerevil-bridge/internal/log"
	"github.com/lastowl/nolongerevil-bridge/internal/nle"
	"github.com/lastowl/nolongerevil-bridge/internal/platform"
)

// Setpoint limits presented to controllers, in °C
const (
	setpointMin  = 10.0
	setpointMax  = 32.0
	setpointStep = 0.5

	manufacturer = "Nest"
	model        = "Thermostat"

	// writeTimeout bounds a controller write, which blocks on the backend
	writeTimeout = 30 * time.Second

	// hap status code for a successful read
	statusSuccess = 0
)

// ErrNotReady is returned for writes to an accessory restored from the
// cache that no session has claimed yet
var ErrNotReady = errors.New("accessory not bound to a thermostat yet")

// thermostat is one hap accessory: a thermostat service with both
// thresholds plus a humidity sensor
type thermostat struct {
	*accessory.A

	service  *service.Thermostat
	cooling  *characteristic.CoolingThresholdTemperature
	heating  *characteristic.HeatingThresholdTemperature
	humidity *service.HumiditySensor

	mu      sync.RWMutex
	handler platform.Handler
	cached  platform.Accessory
}

func newThermostat(acc platform.Accessory) *thermostat {
	a := accessory.NewThermostat(accessory.Info{
		Name:         acc.Name,
		SerialNumber: acc.Serial,
		Manufacturer: manufacturer,
		Model:        model,
	})
	a.Id = acc.ID

	t := &thermostat{
		A:       a.A,
		service: a.Thermostat,
		cooling: characteristic.NewCoolingThresholdTemperature(),
		heating: characteristic.NewHeatingThresholdTemperature(),
		cached:  acc,
	}

	for _, c := range []*characteristic.Float{t.service.TargetTemperature.Float, t.cooling.Float, t.heating.Float} {
		c.SetMinValue(setpointMin)
		c.SetMaxValue(setpointMax)
		c.SetStepValue(setpointStep)
	}
	t.service.AddC(t.cooling.C)
	t.service.AddC(t.heating.C)

	units := t.service.TemperatureDisplayUnits
	units.SetValue(characteristic.TemperatureDisplayUnitsCelsius)
	units.Permissions = []string{characteristic.PermissionRead, characteristic.PermissionEvents}

	t.humidity = service.NewHumiditySensor()
	name := characteristic.NewName()
	name.SetValue(acc.Name + " Humidity")
	t.humidity.AddC(name.C)
	t.A.AddS(t.humidity.S)

	t.bindReads()
	t.bindWrites()
	t.apply(acc.Context)
	return t
}

// charFor returns the hap characteristic backing ch
func (t *thermostat) charFor(ch platform.Characteristic) *characteristic.C {
	switch ch {
	case platform.CurrentHeatingCoolingState:
		return t.service.CurrentHeatingCoolingState.C
	case platform.TargetHeatingCoolingState:
		return t.service.TargetHeatingCoolingState.C
	case platform.CurrentTemperature:
		return t.service.CurrentTemperature.C
	case platform.TargetTemperature:
		return t.service.TargetTemperature.C
	case platform.CoolingThresholdTemperature:
		return t.cooling.C
	case platform.HeatingThresholdTemperature:
		return t.heating.C
	case platform.CurrentRelativeHumidity:
		return t.humidity.CurrentRelativeHumidity.C
	}
	return nil
}

func isEnum(ch platform.Characteristic) bool {
	return ch == platform.CurrentHeatingCoolingState || ch == platform.TargetHeatingCoolingState
}

// bindReads answers controller reads from the handler's in-memory state
func (t *thermostat) bindReads() {
	for _, ch := range platform.Characteristics {
		ch := ch
		t.charFor(ch).ValueRequestFunc = func(*http.Request) (interface{}, int) {
			v := t.value(ch)
			if isEnum(ch) {
				return int(v), statusSuccess
			}
			return v, statusSuccess
		}
	}
}

// bindWrites routes controller writes to the handler. hap answers a returned
// error with status -70402 (service communication failure).
func (t *thermostat) bindWrites() {
	t.service.TargetHeatingCoolingState.OnSetRemoteValue(func(v int) error {
		return t.write(platform.TargetHeatingCoolingState, float64(v))
	})
	t.service.TargetTemperature.OnSetRemoteValue(func(v float64) error {
		return t.write(platform.TargetTemperature, v)
	})
	t.cooling.OnSetRemoteValue(func(v float64) error {
		return t.write(platform.CoolingThresholdTemperature, v)
	})
	t.heating.OnSetRemoteValue(func(v float64) error {
		return t.write(platform.HeatingThresholdTemperature, v)
	})
}

func (t *thermostat) value(ch platform.Characteristic) float64 {
	t.mu.RLock()
	handler, cached := t.handler, t.cached
	t.mu.RUnlock()

	if handler != nil {
		return handler.Value(ch)
	}
	return platform.ValueOf(cached.Context, ch)
}

func (t *thermostat) write(ch platform.Characteristic, v float64) error {
	t.mu.RLock()
	handler, serial := t.handler, t.cached.Serial
	t.mu.RUnlock()

	if handler == nil {
		log.WithField("serial", serial).Warn("Write to %s before the thermostat was discovered", ch)
		return ErrNotReady
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := handler.Set(ctx, ch, v); err != nil {
		log.WithField("serial", serial).Error("Failed to set %s to %v: %v", ch, v, err)
		return err
	}
	return nil
}

// bind swaps the handler and cached record, e.g. when a session is replaced
func (t *thermostat) bind(acc platform.Accessory, handler platform.Handler) {
	t.mu.Lock()
	t.handler = handler
	t.cached = acc
	t.mu.Unlock()
	t.apply(acc.Context)
}

// apply pushes every characteristic of a state snapshot
func (t *thermostat) apply(state nle.ThermostatState) {
	for _, ch := range platform.Characteristics {
		t.Publish(ch, platform.ValueOf(state, ch))
	}
}

// remember replaces the cached context without touching the handler
func (t *thermostat) remember(state nle.ThermostatState) platform.Accessory {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cached.Context = state
	t.cached.Name = state.Name
	return t.cached
}

func (t *thermostat) record() platform.Accessory {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cached
}

// Publish implements platform.Sink
func (t *thermostat) Publish(ch platform.Characteristic, value float64) {
	switch ch {
	case platform.CurrentHeatingCoolingState:
		t.service.CurrentHeatingCoolingState.SetValue(int(value))
	case platform.TargetHeatingCoolingState:
		t.service.TargetHeatingCoolingState.SetValue(int(value))
	case platform.CurrentTemperature:
		t.service.CurrentTemperature.SetValue(value)
	case platform.TargetTemperature:
		t.service.TargetTemperature.SetValue(clamp(value))
	case platform.CoolingThresholdTemperature:
		t.cooling.SetValue(clamp(value))
	case platform.HeatingThresholdTemperature:
		t.heating.SetValue(clamp(value))
	case platform.CurrentRelativeHumidity:
		t.humidity.CurrentRelativeHumidity.SetValue(value)
	}
}

// clamp keeps setpoints inside the advertised range; hap rejects values
// outside min/max
func clamp(v float64) float64 {
	if v < setpointMin {
		return setpointMin
	}
	if v > setpointMax {
		return setpointMax
	}
	return v
}
