package nle

import "encoding/json"

// Device is one entry of the /devices listing
type Device struct {
	ID         string  `json:"id"`
	Serial     string  `json:"serial"`
	Name       *string `json:"name"`
	AccessType string  `json:"accessType"`
}

// DevicesResponse is the body of GET /devices
type DevicesResponse struct {
	Devices []Device `json:"devices"`
}

// StatusEntry wraps one namespaced value bag ("shared.<serial>", "device.<serial>")
type StatusEntry struct {
	Value map[string]interface{} `json:"value"`
}

// DeviceStatus is the body of GET /thermostat/{id}/status
type DeviceStatus struct {
	Device struct {
		ID     string  `json:"id"`
		Serial string  `json:"serial"`
		Name   *string `json:"name"`
	} `json:"device"`
	State map[string]StatusEntry `json:"state"`
}

// Response is the outcome of an accepted request. Data holds the decoded
// body when it was valid JSON, Raw always holds the body as received.
type Response struct {
	StatusCode int
	Data       json.RawMessage
	Raw        string
}

// Mode is the user-requested operating mode
type Mode string

const (
	ModeOff      Mode = "off"
	ModeHeat     Mode = "heat"
	ModeCool     Mode = "cool"
	ModeHeatCool Mode = "heat-cool"
)

// Valid reports whether m is one of the four known modes
func (m Mode) Valid() bool {
	switch m {
	case ModeOff, ModeHeat, ModeCool, ModeHeatCool:
		return true
	}
	return false
}

// Activity is what the HVAC equipment is physically doing right now
type Activity string

const (
	ActivityOff     Activity = "off"
	ActivityHeating Activity = "heating"
	ActivityCooling Activity = "cooling"
)

// ThermostatState is the normalized model of one thermostat. It doubles as
// the accessory context blob, hence the camelCase JSON.
type ThermostatState struct {
	DeviceID              string   `json:"deviceId"`
	Serial                string   `json:"serial"`
	CurrentTemperature    float64  `json:"currentTemperature"`
	TargetTemperature     float64  `json:"targetTemperature"`
	TargetTemperatureLow  float64  `json:"targetTemperatureLow"`
	TargetTemperatureHigh float64  `json:"targetTemperatureHigh"`
	HVACMode              Mode     `json:"hvacMode"`
	HVACState             Activity `json:"hvacState"`
	Humidity              float64  `json:"humidity"`
	AwayMode              bool     `json:"awayMode"`
	CanHeat               bool     `json:"canHeat"`
	CanCool               bool     `json:"canCool"`
	Name                  string   `json:"name"`
}

// temperatureRequest is the body of POST /thermostat/{id}/temperature
type temperatureRequest struct {
	Value float64 `json:"value"`
	Mode  Mode    `json:"mode"`
	Scale string  `json:"scale"`
}

// rangeRequest is the body of POST /thermostat/{id}/temperature/range
type rangeRequest struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Scale string  `json:"scale"`
}

type modeRequest struct {
	Mode Mode `json:"mode"`
}

type awayRequest struct {
	Away bool `json:"away"`
}
