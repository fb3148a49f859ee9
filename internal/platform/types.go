package platform

import (
	"context"
	"fmt"
	"math"

	"github.com/lastowl/nolongerevil-bridge/internal/nle"
)

// Characteristic identifies one value the accessory host exposes per thermostat
type Characteristic int

const (
	CurrentHeatingCoolingState Characteristic = iota
	TargetHeatingCoolingState
	CurrentTemperature
	TargetTemperature
	CoolingThresholdTemperature
	HeatingThresholdTemperature
	CurrentRelativeHumidity
)

// Characteristics lists every characteristic in publish order
var Characteristics = []Characteristic{
	CurrentHeatingCoolingState,
	TargetHeatingCoolingState,
	CurrentTemperature,
	TargetTemperature,
	CoolingThresholdTemperature,
	HeatingThresholdTemperature,
	CurrentRelativeHumidity,
}

func (c Characteristic) String() string {
	switch c {
	case CurrentHeatingCoolingState:
		return "CurrentHeatingCoolingState"
	case TargetHeatingCoolingState:
		return "TargetHeatingCoolingState"
	case CurrentTemperature:
		return "CurrentTemperature"
	case TargetTemperature:
		return "TargetTemperature"
	case CoolingThresholdTemperature:
		return "CoolingThresholdTemperature"
	case HeatingThresholdTemperature:
		return "HeatingThresholdTemperature"
	case CurrentRelativeHumidity:
		return "CurrentRelativeHumidity"
	default:
		return fmt.Sprintf("Characteristic(%d)", int(c))
	}
}

// HomeKit heating/cooling state codes. Current state only uses Off/Heat/Cool.
const (
	HeatingCoolingOff  = 0
	HeatingCoolingHeat = 1
	HeatingCoolingCool = 2
	HeatingCoolingAuto = 3
)

// ModeCode maps a mode to its TargetHeatingCoolingState code
func ModeCode(m nle.Mode) int {
	switch m {
	case nle.ModeHeat:
		return HeatingCoolingHeat
	case nle.ModeCool:
		return HeatingCoolingCool
	case nle.ModeHeatCool:
		return HeatingCoolingAuto
	default:
		return HeatingCoolingOff
	}
}

// ModeFromCode maps a TargetHeatingCoolingState code back to a mode
func ModeFromCode(code int) (nle.Mode, error) {
	switch code {
	case HeatingCoolingOff:
		return nle.ModeOff, nil
	case HeatingCoolingHeat:
		return nle.ModeHeat, nil
	case HeatingCoolingCool:
		return nle.ModeCool, nil
	case HeatingCoolingAuto:
		return nle.ModeHeatCool, nil
	default:
		return "", fmt.Errorf("unknown heating/cooling code %d", code)
	}
}

// ActivityCode maps an activity to its CurrentHeatingCoolingState code
func ActivityCode(a nle.Activity) int {
	switch a {
	case nle.ActivityHeating:
		return HeatingCoolingHeat
	case nle.ActivityCooling:
		return HeatingCoolingCool
	default:
		return HeatingCoolingOff
	}
}

// ValueOf reads a characteristic out of a state snapshot
func ValueOf(s nle.ThermostatState, ch Characteristic) float64 {
	switch ch {
	case CurrentHeatingCoolingState:
		return float64(ActivityCode(s.HVACState))
	case TargetHeatingCoolingState:
		return float64(ModeCode(s.HVACMode))
	case CurrentTemperature:
		return s.CurrentTemperature
	case TargetTemperature:
		return s.TargetTemperature
	case CoolingThresholdTemperature:
		return s.TargetTemperatureHigh
	case HeatingThresholdTemperature:
		return s.TargetTemperatureLow
	case CurrentRelativeHumidity:
		return s.Humidity
	default:
		return 0
	}
}

// codeOf rounds a characteristic value to the nearest enum code
func codeOf(v float64) int {
	return int(math.Round(v))
}

// Accessory is the host's record of one exposed thermostat
type Accessory struct {
	ID      uint64              `json:"id"`
	Serial  string              `json:"serial"`
	Name    string              `json:"name"`
	Context nle.ThermostatState `json:"context"`
}

// Sink receives characteristic updates pushed to controllers
type Sink interface {
	Publish(ch Characteristic, value float64)
}

// Handler answers characteristic reads and writes for one accessory. Value
// must not block on the network.
type Handler interface {
	Value(ch Characteristic) float64
	Set(ctx context.Context, ch Characteristic, value float64) error
}

// Host is the accessory host the platform registers thermostats with
type Host interface {
	// Identity derives the stable accessory id for a serial
	Identity(serial string) uint64
	// Known returns every accessory the host currently holds, including ones
	// restored from its cache that no session is bound to yet
	Known() []Accessory
	Register(acc Accessory, handler Handler) (Sink, error)
	Update(acc Accessory, handler Handler) (Sink, error)
	Unregister(accs []Accessory) error
}

// Backend is the subset of the NoLongerEvil client the platform drives
type Backend interface {
	ListDevices(ctx context.Context) ([]nle.Device, error)
	FetchStatus(ctx context.Context, deviceID string) (*nle.DeviceStatus, error)
	SetTemperature(ctx context.Context, deviceID string, value float64, mode nle.Mode) (*nle.Response, error)
	SetTemperatureRange(ctx context.Context, deviceID string, low, high float64) (*nle.Response, error)
	SetMode(ctx context.Context, deviceID string, mode nle.Mode) (*nle.Response, error)
	SetAwayMode(ctx context.Context, deviceID string, away bool) (*nle.Response, error)
}

// StateListener is notified after every accepted state change
type StateListener func(state nle.ThermostatState)

// Recorder receives operational measurements. A nil Recorder is allowed.
type Recorder interface {
	ObserveRefresh(serial string, err error)
	ObserveCommand(serial string, kind CommandKind, err error)
	ObserveDiscovery(found, failed int, err error)
	ObserveState(state nle.ThermostatState)
	ForgetDevice(serial string)
}

// EventLogger records notable platform events for the web UI
type EventLogger interface {
	RecordEvent(eventType, message string, details map[string]interface{})
}

type nopRecorder struct{}

func (nopRecorder) ObserveRefresh(string, error)              {}
func (nopRecorder) ObserveCommand(string, CommandKind, error) {}
func (nopRecorder) ObserveDiscovery(int, int, error)          {}
func (nopRecorder) ObserveState(nle.ThermostatState)          {}
func (nopRecorder) ForgetDevice(string)                       {}

type nopEvents struct{}

func (nopEvents) RecordEvent(string, string, map[string]interface{}) {}
