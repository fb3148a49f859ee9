package nle

import "encoding/json"

// Fallbacks for keys the backend leaves out
const (
	DefaultCurrentTemperature    = 20.0
	DefaultTargetTemperature     = 20.0
	DefaultTargetTemperatureLow  = 18.0
	DefaultTargetTemperatureHigh = 24.0
	DefaultHumidity              = 50.0

	// auto_away is tri-state 0/1/2; only 2 means away
	autoAwayAway = 2
)

// ParseStatus converts a raw status payload into a ThermostatState. It never
// fails: every missing or mistyped value falls back to a default.
func ParseStatus(deviceID string, raw *DeviceStatus) ThermostatState {
	if raw == nil {
		raw = &DeviceStatus{}
	}

	serial := raw.Device.Serial
	shared := bag(raw.State, "shared."+serial)
	device := bag(raw.State, "device."+serial)

	state := ThermostatState{
		DeviceID:              deviceID,
		Serial:                serial,
		CurrentTemperature:    number(shared, "current_temperature", DefaultCurrentTemperature),
		TargetTemperature:     number(shared, "target_temperature", DefaultTargetTemperature),
		TargetTemperatureLow:  number(shared, "target_temperature_low", DefaultTargetTemperatureLow),
		TargetTemperatureHigh: number(shared, "target_temperature_high", DefaultTargetTemperatureHigh),
		HVACMode:              modeFromTemperatureType(text(shared, "target_temperature_type")),
		HVACState:             activity(shared),
		Humidity:              number(device, "current_humidity", DefaultHumidity),
		AwayMode:              isAway(shared),
		CanHeat:               boolean(shared, "can_heat", true),
		CanCool:               boolean(shared, "can_cool", false),
		Name:                  displayName(raw.Device.Name, serial),
	}

	return normalize(state)
}

// ParseKnownStatus parses a payload for a thermostat whose serial is already
// known. A payload without a serial is read under the known one, and the
// known serial always wins in the result.
func ParseKnownStatus(deviceID, serial string, raw *DeviceStatus) ThermostatState {
	if raw != nil && raw.Device.Serial == "" && serial != "" {
		patched := *raw
		patched.Device.Serial = serial
		raw = &patched
	}
	state := ParseStatus(deviceID, raw)
	if serial != "" {
		state.Serial = serial
	}
	return state
}

// normalize enforces the model invariants the backend does not guarantee
func normalize(s ThermostatState) ThermostatState {
	if s.HVACMode == ModeOff {
		s.HVACState = ActivityOff
	}
	if s.HVACMode == ModeHeatCool && s.TargetTemperatureLow > s.TargetTemperatureHigh {
		s.TargetTemperatureLow, s.TargetTemperatureHigh = s.TargetTemperatureHigh, s.TargetTemperatureLow
	}
	return s
}

func modeFromTemperatureType(t string) Mode {
	switch t {
	case "heat":
		return ModeHeat
	case "cool":
		return ModeCool
	case "range":
		return ModeHeatCool
	default:
		return ModeOff
	}
}

// activity gives the heater priority if both flags are somehow set
func activity(shared map[string]interface{}) Activity {
	if v, ok := shared["hvac_heater_state"].(bool); ok && v {
		return ActivityHeating
	}
	if v, ok := shared["hvac_ac_state"].(bool); ok && v {
		return ActivityCooling
	}
	return ActivityOff
}

func isAway(shared map[string]interface{}) bool {
	v, ok := toFloat(shared["auto_away"])
	return ok && v == autoAwayAway
}

func displayName(name *string, serial string) string {
	if name != nil && *name != "" {
		return *name
	}
	suffix := serial
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return "Nest " + suffix
}

func bag(state map[string]StatusEntry, key string) map[string]interface{} {
	entry, ok := state[key]
	if !ok || entry.Value == nil {
		return map[string]interface{}{}
	}
	return entry.Value
}

func number(m map[string]interface{}, key string, def float64) float64 {
	if v, ok := toFloat(m[key]); ok {
		return v
	}
	return def
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func text(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolean(m map[string]interface{}, key string, def bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}
